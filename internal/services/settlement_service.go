package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/kibossChangole/paideia-server/internal/models"
)

// ErrReconciliationMiss means a settlement was requested for a correlation id
// with no pending payment on record. The money is settled on the gateway side
// but absent from the ledger.
var ErrReconciliationMiss = errors.New("settlement: no pending payment for correlation id")

// SettlementService applies a successful payment outcome to the ledger: the
// pending payment's one-time transition to success, the immutable payment
// record, and the clamped balance decrement, all inside a single database
// transaction, so a crash cannot leave the ledger half-written.
type SettlementService struct {
	db       *gorm.DB
	cache    *RedisCache      // optional
	firebase *FirebaseClients // optional
}

func NewSettlementService(db *gorm.DB, cache *RedisCache, firebase *FirebaseClients) *SettlementService {
	return &SettlementService{db: db, cache: cache, firebase: firebase}
}

// Settle marks the pending payment identified by checkoutRequestID as
// successful and decrements the student's balance by the settled amount,
// floored at zero. Safe to call any number of times for the same correlation
// id: only the first call mutates anything. Returns whether this call applied
// the settlement.
func (s *SettlementService) Settle(ctx context.Context, checkoutRequestID string, amount float64, receipt, payerPhone string, gateway models.PaymentGateway) (bool, error) {
	if checkoutRequestID == "" {
		// An empty id would match initiations still waiting for their
		// gateway response.
		return false, ErrReconciliationMiss
	}
	if s.cache != nil {
		acquired, err := s.cache.AcquireSettleLock(ctx, checkoutRequestID, 30*time.Second)
		if err == nil && !acquired {
			// Another delivery of the same callback is mid-flight. Treat as a
			// duplicate; the first delivery owns the transition.
			return false, nil
		}
		if err == nil {
			defer func() {
				_ = s.cache.ReleaseSettleLock(ctx, checkoutRequestID)
			}()
		}
	}

	var (
		applied bool
		student models.Student
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending models.PendingPayment
		if err := tx.Where("checkout_request_id = ?", checkoutRequestID).First(&pending).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReconciliationMiss
			}
			return err
		}

		now := time.Now()
		res := tx.Model(&models.PendingPayment{}).
			Where("id = ? AND status = ?", pending.ID, models.PendingStatusPending).
			Updates(map[string]interface{}{
				"status":     models.PendingStatusSuccess,
				"receipt":    receipt,
				"settled_at": &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Already terminal; duplicate delivery is a no-op.
			return nil
		}

		record := models.PaymentRecord{
			StudentRef:        pending.StudentRef,
			CheckoutRequestID: checkoutRequestID,
			Receipt:           receipt,
			Amount:            amount,
			Gateway:           gateway,
			PhoneNumber:       payerPhone,
			PaidAt:            now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to write payment record: %w", err)
		}

		if err := tx.Model(&models.Student{}).
			Where("student_id = ?", pending.StudentRef).
			UpdateColumn("fee_balance", gorm.Expr("fee_balance - ?", amount)).Error; err != nil {
			return fmt.Errorf("failed to decrement balance: %w", err)
		}
		// Overpayment is absorbed, never a negative balance.
		if err := tx.Model(&models.Student{}).
			Where("student_id = ? AND fee_balance < 0", pending.StudentRef).
			UpdateColumn("fee_balance", 0).Error; err != nil {
			return fmt.Errorf("failed to clamp balance: %w", err)
		}

		if err := tx.Where("student_id = ?", pending.StudentRef).First(&student).Error; err != nil {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	if s.cache != nil {
		_ = s.cache.Delete(ctx, BalanceCacheKey(student.StudentID))
	}
	if s.firebase != nil && student.DeviceToken != "" {
		title := "Payment received"
		body := fmt.Sprintf("Fee payment of %.0f received, receipt %s. Outstanding balance: %.2f", amount, receipt, student.FeeBalance)
		if err := s.firebase.SendPush(ctx, student.DeviceToken, title, body); err != nil {
			log.Printf("Settlement push for %s failed: %v", checkoutRequestID, err)
		}
	}

	log.Printf("Settled payment %s for student %s, amount %.2f, receipt %s", checkoutRequestID, student.StudentID, amount, receipt)
	return true, nil
}

// AdoptPending claims the student's newest pending payment that is still
// waiting for its gateway correlation id, stamping checkoutRequestID onto it.
// This is how a callback that outran the initiator's commit finds its row:
// the Redis correlation index knows the owning student before the database
// does. Returns whether a row was claimed.
func (s *SettlementService) AdoptPending(ctx context.Context, studentRef, checkoutRequestID string) (bool, error) {
	if studentRef == "" || checkoutRequestID == "" {
		return false, nil
	}

	var pending models.PendingPayment
	err := s.db.WithContext(ctx).
		Where("student_ref = ? AND status = ? AND checkout_request_id = ''", studentRef, models.PendingStatusPending).
		Order("created_at desc").
		First(&pending).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	res := s.db.WithContext(ctx).Model(&models.PendingPayment{}).
		Where("id = ? AND checkout_request_id = ''", pending.ID).
		Update("checkout_request_id", checkoutRequestID)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("Adopted pending payment %d for student %s as %s", pending.ID, studentRef, checkoutRequestID)
	}
	return res.RowsAffected > 0, nil
}

// MarkFailed records a failed outcome for a pending payment. Terminal rows
// are left untouched.
func (s *SettlementService) MarkFailed(ctx context.Context, checkoutRequestID, reason string) error {
	if checkoutRequestID == "" {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&models.PendingPayment{}).
		Where("checkout_request_id = ? AND status = ?", checkoutRequestID, models.PendingStatusPending).
		Updates(map[string]interface{}{
			"status":         models.PendingStatusFailed,
			"failure_reason": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("Marked payment %s failed: %s", checkoutRequestID, reason)
	}
	return nil
}
