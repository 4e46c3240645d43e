package services

import (
	"context"
	"log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FirebaseClients bundles the Firebase services the server uses: ID-token
// verification for the mobile API and FCM for payment notifications.
type FirebaseClients struct {
	Auth      *auth.Client
	Messaging *messaging.Client
}

// InitFirebase initializes the Firebase Admin SDK from a credentials file.
func InitFirebase(credPath string) (*FirebaseClients, error) {
	opt := option.WithCredentialsFile(credPath)
	app, err := firebase.NewApp(context.Background(), nil, opt)
	if err != nil {
		return nil, err
	}

	authClient, err := app.Auth(context.Background())
	if err != nil {
		return nil, err
	}

	msgClient, err := app.Messaging(context.Background())
	if err != nil {
		return nil, err
	}

	return &FirebaseClients{Auth: authClient, Messaging: msgClient}, nil
}

// SendPush delivers a notification to one device token. Failures are logged
// and returned; callers decide whether to retry via a scheduled task.
func (f *FirebaseClients) SendPush(ctx context.Context, deviceToken, title, body string) error {
	if f == nil || f.Messaging == nil || deviceToken == "" {
		return nil
	}

	msg := &messaging.Message{
		Token: deviceToken,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
	}

	id, err := f.Messaging.Send(ctx, msg)
	if err != nil {
		log.Printf("Failed to send push notification: %v", err)
		return err
	}

	log.Printf("Push notification sent: %s", id)
	return nil
}
