package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

type CallbackStatus string

const (
	CallbackStatusSuccess CallbackStatus = "success"
	CallbackStatusFailed  CallbackStatus = "failed"
)

// CallbackAudit stores the raw gateway callback body keyed by the
// correlation id, written before any business processing so the record
// survives a reconciliation failure. Append-only; rows are never mutated.
type CallbackAudit struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	CheckoutRequestID string          `gorm:"type:varchar(100);index" json:"checkout_request_id"`
	Gateway           PaymentGateway  `gorm:"type:varchar(20);not null" json:"gateway"`
	Status            CallbackStatus  `gorm:"type:varchar(20)" json:"status"`
	ResultCode        int             `json:"result_code"`
	ResultDesc        string          `gorm:"type:varchar(255)" json:"result_desc"`
	Payload           json.RawMessage `gorm:"type:jsonb" json:"payload"`
}
