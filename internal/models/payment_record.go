package models

import (
	"time"

	"gorm.io/gorm"
)

// PaymentRecord is the immutable, append-only ledger entry written when a
// payment settles. Rows are never updated after creation; the unique index
// on CheckoutRequestID is the database-level backstop against a duplicate
// settlement slipping past the conditional status transition.
type PaymentRecord struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	StudentRef        string         `gorm:"type:varchar(50);index" json:"student_ref"`
	CheckoutRequestID string         `gorm:"type:varchar(100);uniqueIndex" json:"checkout_request_id"`
	Receipt           string         `gorm:"type:varchar(100)" json:"receipt"`
	Amount            float64        `gorm:"type:decimal(15,2)" json:"amount"`
	Gateway           PaymentGateway `gorm:"type:varchar(20)" json:"gateway"`
	PhoneNumber       string         `gorm:"type:varchar(20)" json:"phone_number"`
	PaidAt            time.Time      `gorm:"index" json:"paid_at"`
}
