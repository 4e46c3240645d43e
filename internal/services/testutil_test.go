package services

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kibossChangole/paideia-server/internal/models"
)

// newTestDB opens an isolated in-memory database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	// In-memory sqlite gives every connection its own database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.School{},
		&models.Student{},
		&models.PendingPayment{},
		&models.PaymentRecord{},
		&models.CallbackAudit{},
		&models.ScheduledTask{},
		&models.ScheduledTaskHistory{},
	); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

// seedStudent creates a student with the given outstanding balance.
func seedStudent(t *testing.T, db *gorm.DB, studentRef string, balance float64) *models.Student {
	t.Helper()

	school := models.School{Code: "SCH-" + studentRef, Name: "Test School", FeeStructure: balance}
	if err := db.Create(&school).Error; err != nil {
		t.Fatalf("failed to seed school: %v", err)
	}

	student := models.Student{
		StudentID:  studentRef,
		Name:       "Test Student",
		SchoolID:   school.ID,
		FeeBalance: balance,
	}
	if err := db.Create(&student).Error; err != nil {
		t.Fatalf("failed to seed student: %v", err)
	}
	return &student
}

// seedPending creates a pending payment carrying a gateway correlation id.
func seedPending(t *testing.T, db *gorm.DB, studentRef, checkoutRequestID string, amount float64) *models.PendingPayment {
	t.Helper()

	pending := models.PendingPayment{
		StudentRef:        studentRef,
		Gateway:           models.PaymentGatewayMpesa,
		AccountReference:  studentRef + "-" + checkoutRequestID,
		CheckoutRequestID: checkoutRequestID,
		PhoneNumber:       "254712345678",
		Amount:            amount,
		Status:            models.PendingStatusPending,
	}
	if err := db.Create(&pending).Error; err != nil {
		t.Fatalf("failed to seed pending payment: %v", err)
	}
	return &pending
}
