package services

import (
	"context"
	"errors"
	"testing"

	"github.com/kibossChangole/paideia-server/internal/models"
)

func TestSettleAppliesExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	seedStudent(t, db, "STU100", 1000)
	seedPending(t, db, "STU100", "ws_CO_1", 500)

	svc := NewSettlementService(db, nil, nil)
	ctx := context.Background()

	applied, err := svc.Settle(ctx, "ws_CO_1", 500, "QAX123", "254712345678", models.PaymentGatewayMpesa)
	if err != nil {
		t.Fatalf("Settle error: %v", err)
	}
	if !applied {
		t.Fatal("first Settle applied = false; want true")
	}

	var pending models.PendingPayment
	if err := db.Where("checkout_request_id = ?", "ws_CO_1").First(&pending).Error; err != nil {
		t.Fatalf("failed to reload pending: %v", err)
	}
	if pending.Status != models.PendingStatusSuccess {
		t.Errorf("pending status = %q; want success", pending.Status)
	}
	if pending.Receipt != "QAX123" {
		t.Errorf("pending receipt = %q; want QAX123", pending.Receipt)
	}
	if pending.SettledAt == nil {
		t.Error("pending SettledAt is nil")
	}

	var student models.Student
	if err := db.Where("student_id = ?", "STU100").First(&student).Error; err != nil {
		t.Fatalf("failed to reload student: %v", err)
	}
	if student.FeeBalance != 500 {
		t.Errorf("balance = %.2f; want 500", student.FeeBalance)
	}

	// Duplicate delivery must be a no-op.
	applied, err = svc.Settle(ctx, "ws_CO_1", 500, "QAX123", "254712345678", models.PaymentGatewayMpesa)
	if err != nil {
		t.Fatalf("duplicate Settle error: %v", err)
	}
	if applied {
		t.Error("duplicate Settle applied = true; want false")
	}

	db.Where("student_id = ?", "STU100").First(&student)
	if student.FeeBalance != 500 {
		t.Errorf("balance after duplicate = %.2f; want 500", student.FeeBalance)
	}

	var records int64
	db.Model(&models.PaymentRecord{}).Where("checkout_request_id = ?", "ws_CO_1").Count(&records)
	if records != 1 {
		t.Errorf("payment records = %d; want 1", records)
	}
}

func TestSettleClampsBalanceAtZero(t *testing.T) {
	db := newTestDB(t)
	seedStudent(t, db, "STU200", 300)
	seedPending(t, db, "STU200", "ws_CO_2", 500)

	svc := NewSettlementService(db, nil, nil)

	applied, err := svc.Settle(context.Background(), "ws_CO_2", 500, "QAX200", "", models.PaymentGatewayMpesa)
	if err != nil || !applied {
		t.Fatalf("Settle = %v, %v; want true, nil", applied, err)
	}

	var student models.Student
	db.Where("student_id = ?", "STU200").First(&student)
	if student.FeeBalance != 0 {
		t.Errorf("balance = %.2f; want clamped 0", student.FeeBalance)
	}
}

func TestSettleUnknownCorrelationID(t *testing.T) {
	db := newTestDB(t)
	seedStudent(t, db, "STU300", 1000)

	svc := NewSettlementService(db, nil, nil)

	_, err := svc.Settle(context.Background(), "ws_CO_unknown", 500, "QAX300", "", models.PaymentGatewayMpesa)
	if !errors.Is(err, ErrReconciliationMiss) {
		t.Fatalf("error = %v; want ErrReconciliationMiss", err)
	}

	var student models.Student
	db.Where("student_id = ?", "STU300").First(&student)
	if student.FeeBalance != 1000 {
		t.Errorf("balance = %.2f; want untouched 1000", student.FeeBalance)
	}
}

func TestAdoptPendingClaimsUnclaimedRow(t *testing.T) {
	db := newTestDB(t)
	seedStudent(t, db, "STU500", 1000)

	// The initiator created the row but has not yet committed the gateway's
	// correlation id.
	unclaimed := models.PendingPayment{
		StudentRef:       "STU500",
		Gateway:          models.PaymentGatewayMpesa,
		AccountReference: "STU500-1",
		Amount:           500,
		Status:           models.PendingStatusPending,
	}
	if err := db.Create(&unclaimed).Error; err != nil {
		t.Fatalf("failed to seed unclaimed pending: %v", err)
	}

	svc := NewSettlementService(db, nil, nil)
	ctx := context.Background()

	adopted, err := svc.AdoptPending(ctx, "STU500", "ws_CO_5")
	if err != nil {
		t.Fatalf("AdoptPending error: %v", err)
	}
	if !adopted {
		t.Fatal("AdoptPending = false; want true")
	}

	var pending models.PendingPayment
	db.First(&pending, unclaimed.ID)
	if pending.CheckoutRequestID != "ws_CO_5" {
		t.Errorf("checkout id = %q; want ws_CO_5", pending.CheckoutRequestID)
	}

	// Nothing left to claim for this student or any other.
	if adopted, _ := svc.AdoptPending(ctx, "STU500", "ws_CO_6"); adopted {
		t.Error("second AdoptPending = true; want false")
	}
	if adopted, _ := svc.AdoptPending(ctx, "NOPE", "ws_CO_7"); adopted {
		t.Error("AdoptPending for unknown student = true; want false")
	}

	// The adopted row settles like any other.
	applied, err := svc.Settle(ctx, "ws_CO_5", 500, "QAX500", "", models.PaymentGatewayMpesa)
	if err != nil || !applied {
		t.Fatalf("Settle after adoption = %v, %v; want true, nil", applied, err)
	}

	var student models.Student
	db.Where("student_id = ?", "STU500").First(&student)
	if student.FeeBalance != 500 {
		t.Errorf("balance = %.2f; want 500", student.FeeBalance)
	}
}

func TestMarkFailedIsTerminal(t *testing.T) {
	db := newTestDB(t)
	seedStudent(t, db, "STU400", 1000)
	seedPending(t, db, "STU400", "ws_CO_4", 500)

	svc := NewSettlementService(db, nil, nil)
	ctx := context.Background()

	if err := svc.MarkFailed(ctx, "ws_CO_4", "Request cancelled by user"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}

	var pending models.PendingPayment
	db.Where("checkout_request_id = ?", "ws_CO_4").First(&pending)
	if pending.Status != models.PendingStatusFailed {
		t.Errorf("status = %q; want failed", pending.Status)
	}
	if pending.FailureReason != "Request cancelled by user" {
		t.Errorf("failure reason = %q", pending.FailureReason)
	}

	// A late success callback for a failed payment must not settle.
	applied, err := svc.Settle(ctx, "ws_CO_4", 500, "QAX400", "", models.PaymentGatewayMpesa)
	if err != nil {
		t.Fatalf("Settle after failure error: %v", err)
	}
	if applied {
		t.Error("Settle applied on a failed payment")
	}

	var student models.Student
	db.Where("student_id = ?", "STU400").First(&student)
	if student.FeeBalance != 1000 {
		t.Errorf("balance = %.2f; want untouched 1000", student.FeeBalance)
	}
}
