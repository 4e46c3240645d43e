package models

import (
	"time"

	"gorm.io/gorm"
)

// Student is a fee-paying student account. FeeBalance is the outstanding
// amount owed; it is decremented by settled payments and never goes below
// zero. StudentID is the business identifier printed on admission letters
// and used as the gateway account reference, distinct from the row key.
type Student struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	StudentID     string  `gorm:"type:varchar(50);uniqueIndex" json:"student_id"`
	Name          string  `gorm:"type:varchar(255)" json:"name"`
	SchoolID      uint    `gorm:"index" json:"school_id"`
	GuardianPhone string  `gorm:"type:varchar(50)" json:"guardian_phone"`
	DeviceToken   string  `gorm:"type:varchar(512)" json:"device_token,omitempty"`
	FeeBalance    float64 `gorm:"type:decimal(15,2)" json:"fee_balance"`

	School         School          `gorm:"foreignKey:SchoolID" json:"school,omitempty"`
	PaymentRecords []PaymentRecord `gorm:"foreignKey:StudentRef;references:StudentID" json:"payment_records,omitempty"`
}
