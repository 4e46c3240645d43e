package services

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"

	"github.com/kibossChangole/paideia-server/internal/config"
)

// MidtransService is the secondary card gateway. Fee payments that cannot go
// through an STK push (diaspora guardians, no mobile-money account) use a
// Snap checkout instead; its notifications feed the same settlement path.
type MidtransService struct {
	serverKey  string
	SnapClient snap.Client
	CoreClient coreapi.Client
}

func NewMidtransService(cfg config.MidtransConfig) *MidtransService {
	env := midtrans.Sandbox
	if cfg.IsProduction {
		env = midtrans.Production
	}

	var s snap.Client
	s.New(cfg.ServerKey, env)

	var c coreapi.Client
	c.New(cfg.ServerKey, env)

	return &MidtransService{
		serverKey:  cfg.ServerKey,
		SnapClient: s,
		CoreClient: c,
	}
}

// CreateTransaction creates a Snap checkout for one fee payment. The order id
// doubles as the correlation id for the notification webhook.
func (s *MidtransService) CreateTransaction(orderID string, amount int64, studentName string) (*snap.Response, error) {
	req := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  orderID,
			GrossAmt: amount,
		},
		Items: &[]midtrans.ItemDetails{
			{
				ID:    orderID,
				Name:  fmt.Sprintf("School fees for %s", studentName),
				Price: amount,
				Qty:   1,
			},
		},
	}

	resp, err := s.SnapClient.CreateTransaction(req)
	if err != nil {
		return nil, fmt.Errorf("midtrans create transaction error: %v", err)
	}

	return resp, nil
}

// VerifySignature checks a notification's signature key:
// sha512(order_id + status_code + gross_amount + server_key).
func (s *MidtransService) VerifySignature(orderID, statusCode, grossAmount, signatureKey string) bool {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + s.serverKey))
	return hex.EncodeToString(sum[:]) == signatureKey
}

// CheckTransaction queries the current status of an order at the gateway.
func (s *MidtransService) CheckTransaction(orderID string) (*coreapi.TransactionStatusResponse, error) {
	resp, err := s.CoreClient.CheckTransaction(orderID)
	if err != nil {
		return nil, fmt.Errorf("midtrans check transaction error: %v", err)
	}
	return resp, nil
}
