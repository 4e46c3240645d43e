package tasks

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kibossChangole/paideia-server/internal/models"
	"github.com/kibossChangole/paideia-server/internal/services"
)

func newTaskTestDeps(t *testing.T) *Deps {
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

	return &Deps{
		DB:         db,
		Settlement: services.NewSettlementService(db, nil, nil),
		PendingTTL: 7200,
	}
}

func TestReconcileCallbackConvergesLateInitiator(t *testing.T) {
	deps := newTaskTestDeps(t)
	db := deps.DB
	ctx := context.Background()

	args := map[string]interface{}{
		"checkout_request_id": "ws_CO_1",
		"amount":              float64(500),
		"receipt":             "QAX123",
		"gateway":             "mpesa",
	}

	// First run: the initiator has not committed the correlation id yet.
	if _, err := ReconcileCallbackTask.HandleExecution(ctx, deps, args); err == nil {
		t.Fatal("expected failure while pending payment is absent")
	}

	// The initiator catches up.
	student := models.Student{StudentID: "STU100", Name: "Test Student", FeeBalance: 1000}
	if err := db.Create(&student).Error; err != nil {
		t.Fatalf("seed student: %v", err)
	}
	pending := models.PendingPayment{
		StudentRef:        "STU100",
		Gateway:           models.PaymentGatewayMpesa,
		AccountReference:  "STU100-1",
		CheckoutRequestID: "ws_CO_1",
		Amount:            500,
		Status:            models.PendingStatusPending,
	}
	if err := db.Create(&pending).Error; err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	result, err := ReconcileCallbackTask.HandleExecution(ctx, deps, args)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if result["applied"] != true {
		t.Errorf("result = %v; want applied true", result)
	}

	db.Where("student_id = ?", "STU100").First(&student)
	if student.FeeBalance != 500 {
		t.Errorf("balance = %.2f; want 500", student.FeeBalance)
	}

	// A second run (worker redelivery) must not decrement again.
	result, err = ReconcileCallbackTask.HandleExecution(ctx, deps, args)
	if err != nil {
		t.Fatalf("idempotent rerun failed: %v", err)
	}
	if result["applied"] != false {
		t.Errorf("rerun result = %v; want applied false", result)
	}

	db.Where("student_id = ?", "STU100").First(&student)
	if student.FeeBalance != 500 {
		t.Errorf("balance after rerun = %.2f; want 500", student.FeeBalance)
	}
}

func TestReconcileCallbackAdoptsPendingByStudentHint(t *testing.T) {
	deps := newTaskTestDeps(t)
	db := deps.DB
	ctx := context.Background()

	student := models.Student{StudentID: "STU100", Name: "Test Student", FeeBalance: 1000}
	if err := db.Create(&student).Error; err != nil {
		t.Fatalf("seed student: %v", err)
	}
	// Row exists but the initiator never committed the correlation id; the
	// callback handler resolved the student through the correlation index
	// and recorded the hint on the task.
	pending := models.PendingPayment{
		StudentRef:       "STU100",
		Gateway:          models.PaymentGatewayMpesa,
		AccountReference: "STU100-9",
		Amount:           500,
		Status:           models.PendingStatusPending,
	}
	if err := db.Create(&pending).Error; err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	args := map[string]interface{}{
		"checkout_request_id": "ws_CO_9",
		"student_ref":         "STU100",
		"amount":              float64(500),
		"receipt":             "QAX900",
		"gateway":             "mpesa",
	}

	result, err := ReconcileCallbackTask.HandleExecution(ctx, deps, args)
	if err != nil {
		t.Fatalf("HandleExecution error: %v", err)
	}
	if result["adopted"] != true || result["applied"] != true {
		t.Errorf("result = %v; want adopted and applied true", result)
	}

	var reloaded models.PendingPayment
	db.First(&reloaded, pending.ID)
	if reloaded.CheckoutRequestID != "ws_CO_9" {
		t.Errorf("checkout id = %q; want adopted ws_CO_9", reloaded.CheckoutRequestID)
	}
	if reloaded.Status != models.PendingStatusSuccess {
		t.Errorf("status = %q; want success", reloaded.Status)
	}

	db.Where("student_id = ?", "STU100").First(&student)
	if student.FeeBalance != 500 {
		t.Errorf("balance = %.2f; want 500", student.FeeBalance)
	}
}

type recordingMailer struct {
	calls             int
	to                string
	checkoutRequestID string
}

func (m *recordingMailer) AlertReconciliationMiss(opsEmail, checkoutRequestID, receipt string, amount float64) error {
	m.calls++
	m.to = opsEmail
	m.checkoutRequestID = checkoutRequestID
	return nil
}

func TestHandleExhaustionAlertsOps(t *testing.T) {
	deps := newTaskTestDeps(t)
	mailer := &recordingMailer{}
	deps.Email = mailer
	deps.OpsEmail = "ops@example.com"

	task, err := BuildScheduledTask(TaskReconcileCallback, ReconcileCallbackArgs{
		CheckoutRequestID: "ws_CO_1",
		Amount:            500,
		Receipt:           "QAX123",
		Gateway:           "mpesa",
	}, time.Now(), nil, models.ScheduledTaskTypeOneTime, 5)
	if err != nil {
		t.Fatalf("BuildScheduledTask error: %v", err)
	}

	HandleExhaustion(deps, *task)
	if mailer.calls != 1 {
		t.Fatalf("alert calls = %d; want 1", mailer.calls)
	}
	if mailer.to != "ops@example.com" || mailer.checkoutRequestID != "ws_CO_1" {
		t.Errorf("alert sent to %q for %q; want ops@example.com / ws_CO_1", mailer.to, mailer.checkoutRequestID)
	}

	// Other task types exhaust silently.
	other, err := BuildScheduledTask(TaskExpirePending, map[string]interface{}{}, time.Now(), nil, models.ScheduledTaskTypeOneTime, 5)
	if err != nil {
		t.Fatalf("BuildScheduledTask error: %v", err)
	}
	HandleExhaustion(deps, *other)
	if mailer.calls != 1 {
		t.Errorf("alert calls after unrelated exhaustion = %d; want still 1", mailer.calls)
	}
}

func TestExpirePendingSweepsStaleRows(t *testing.T) {
	deps := newTaskTestDeps(t)
	db := deps.DB

	stale := models.PendingPayment{
		StudentRef:       "STU100",
		Gateway:          models.PaymentGatewayMpesa,
		AccountReference: "STU100-old",
		Amount:           500,
		Status:           models.PendingStatusPending,
	}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("seed stale pending: %v", err)
	}
	db.Model(&stale).UpdateColumn("created_at", time.Now().Add(-3*time.Hour))

	fresh := models.PendingPayment{
		StudentRef:       "STU100",
		Gateway:          models.PaymentGatewayMpesa,
		AccountReference: "STU100-new",
		Amount:           500,
		Status:           models.PendingStatusPending,
	}
	if err := db.Create(&fresh).Error; err != nil {
		t.Fatalf("seed fresh pending: %v", err)
	}

	result, err := ExpirePendingTask.HandleExecution(context.Background(), deps, nil)
	if err != nil {
		t.Fatalf("expire task failed: %v", err)
	}
	if result["expired"] != int64(1) {
		t.Errorf("expired = %v; want 1", result["expired"])
	}

	var reloaded models.PendingPayment
	db.First(&reloaded, stale.ID)
	if reloaded.Status != models.PendingStatusExpired {
		t.Errorf("stale status = %q; want expired", reloaded.Status)
	}

	reloaded = models.PendingPayment{}
	db.First(&reloaded, fresh.ID)
	if reloaded.Status != models.PendingStatusPending {
		t.Errorf("fresh status = %q; want still pending", reloaded.Status)
	}
}
