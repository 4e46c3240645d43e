package tasks

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/kibossChangole/paideia-server/internal/models"
)

// NotifyPaymentTaskDef retries the settlement push notification when the
// inline send failed. Best effort; the ledger is already consistent.
type NotifyPaymentTaskDef struct{}

func (t *NotifyPaymentTaskDef) TaskID() string {
	return TaskNotifyPayment
}

func (t *NotifyPaymentTaskDef) HandleExecution(ctx context.Context, deps *Deps, args map[string]interface{}) (map[string]interface{}, error) {
	var a NotifyPaymentArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	var student models.Student
	if err := deps.DB.WithContext(ctx).Where("student_id = ?", a.StudentRef).First(&student).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return map[string]interface{}{"status": "skipped", "reason": "student not found"}, nil
		}
		return nil, err
	}

	if student.DeviceToken == "" {
		return map[string]interface{}{"status": "skipped", "reason": "no device token"}, nil
	}

	title := "Payment received"
	body := fmt.Sprintf("Fee payment of %.0f received, receipt %s.", a.Amount, a.Receipt)
	if err := deps.Firebase.SendPush(ctx, student.DeviceToken, title, body); err != nil {
		return nil, err
	}

	return map[string]interface{}{"status": "success"}, nil
}

var NotifyPaymentTask = &NotifyPaymentTaskDef{}
