package models

import (
	"time"

	"gorm.io/gorm"
)

// School is an institution registered on the platform. FeeStructure is the
// default annual fee seeded onto a student's balance at registration.
type School struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Code         string  `gorm:"type:varchar(50);uniqueIndex" json:"code"`
	Name         string  `gorm:"type:varchar(255)" json:"name"`
	County       string  `gorm:"type:varchar(100)" json:"county"`
	FeeStructure float64 `gorm:"type:decimal(15,2)" json:"fee_structure"`

	Students []Student `gorm:"foreignKey:SchoolID" json:"students,omitempty"`
}
