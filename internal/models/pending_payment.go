package models

import (
	"time"

	"gorm.io/gorm"
)

type PaymentGateway string

const (
	PaymentGatewayMpesa PaymentGateway = "mpesa"
	PaymentGatewayCard  PaymentGateway = "card"
)

type PendingStatus string

const (
	PendingStatusPending PendingStatus = "pending"
	PendingStatusSuccess PendingStatus = "success"
	PendingStatusFailed  PendingStatus = "failed"
	PendingStatusExpired PendingStatus = "expired"
)

// PendingPayment tracks one payment attempt from initiation to settlement.
// The row is created with status "pending" before the gateway is invoked, so
// the callback always has something to match against. CheckoutRequestID is
// the gateway-issued correlation id, filled in once the gateway accepts the
// push; AccountReference is ours and exists from the start.
//
// Status transitions exactly once, pending -> success|failed|expired. The
// success transition is a conditional update guarded on the current status,
// which is what makes duplicate callback delivery a no-op.
type PendingPayment struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	StudentRef        string         `gorm:"type:varchar(50);index" json:"student_ref"`
	Gateway           PaymentGateway `gorm:"type:varchar(20);not null" json:"gateway"`
	AccountReference  string         `gorm:"type:varchar(100);uniqueIndex" json:"account_reference"`
	// Not unique at the database level: the column is empty until the
	// gateway responds, and settlement uniqueness is enforced by the
	// conditional status transition plus PaymentRecord's unique index.
	CheckoutRequestID string `gorm:"type:varchar(100);index" json:"checkout_request_id"`
	MerchantRequestID string         `gorm:"type:varchar(100)" json:"merchant_request_id"`
	PhoneNumber       string         `gorm:"type:varchar(20)" json:"phone_number"`
	Amount            float64        `gorm:"type:decimal(15,2)" json:"amount"`
	Status            PendingStatus  `gorm:"type:varchar(20);index;default:'pending'" json:"status"`
	Receipt           string         `gorm:"type:varchar(100)" json:"receipt"`
	FailureReason     string         `gorm:"type:varchar(255)" json:"failure_reason,omitempty"`
	SettledAt         *time.Time     `json:"settled_at,omitempty"`
}

// Terminal reports whether the payment has reached a final state.
func (p PendingPayment) Terminal() bool {
	return p.Status != PendingStatusPending
}
