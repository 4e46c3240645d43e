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

// ErrStudentNotFound means the business student id matched no account.
var ErrStudentNotFound = errors.New("payment: student not found")

// ErrPaymentInFlight means the student already has an unexpired pending
// payment and force_new was not requested.
var ErrPaymentInFlight = errors.New("payment: a pending payment already exists for this student")

// InitiateResult is the outcome of a successful initiation. The mobile client
// needs the correlation id to poll status; card payments additionally get the
// checkout redirect.
type InitiateResult struct {
	CheckoutRequestID string `json:"checkout_request_id"`
	MerchantRequestID string `json:"merchant_request_id,omitempty"`
	CustomerMessage   string `json:"customer_message,omitempty"`
	RedirectURL       string `json:"redirect_url,omitempty"`
	Token             string `json:"token,omitempty"`
}

// PaymentService turns a (student, amount) pair into an outbound gateway push
// and a locally resolvable pending payment. The pending row is committed
// before the gateway is invoked, so the callback, which can arrive within
// seconds, always finds something to match against.
type PaymentService struct {
	db         *gorm.DB
	cache      *RedisCache // optional
	mpesa      *MpesaService
	midtrans   *MidtransService
	pendingTTL time.Duration
}

func NewPaymentService(db *gorm.DB, cache *RedisCache, mpesa *MpesaService, midtrans *MidtransService, pendingTTL time.Duration) *PaymentService {
	return &PaymentService{db: db, cache: cache, mpesa: mpesa, midtrans: midtrans, pendingTTL: pendingTTL}
}

// activePending returns the student's most recent unexpired pending payment,
// or nil.
func (s *PaymentService) activePending(ctx context.Context, studentRef string) (*models.PendingPayment, error) {
	var pending models.PendingPayment
	cutoff := time.Now().Add(-s.pendingTTL)
	err := s.db.WithContext(ctx).
		Where("student_ref = ? AND status = ? AND created_at > ?", studentRef, models.PendingStatusPending, cutoff).
		Order("created_at desc").
		First(&pending).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pending, nil
}

// InitiateMpesaPayment starts an STK push for the student's outstanding fees.
func (s *PaymentService) InitiateMpesaPayment(ctx context.Context, studentRef, phone string, amount float64, forceNew bool) (*InitiateResult, error) {
	student, err := s.findStudent(ctx, studentRef)
	if err != nil {
		return nil, err
	}

	normalized, err := NormalizePhoneNumber(phone)
	if err != nil {
		return nil, err
	}

	if err := s.guardInFlight(ctx, student.StudentID, forceNew); err != nil {
		return nil, err
	}

	// Pending row first, gateway second. If the process dies in between, the
	// row expires via the sweep task and nothing was charged.
	pending := models.PendingPayment{
		StudentRef:       student.StudentID,
		Gateway:          models.PaymentGatewayMpesa,
		AccountReference: newAccountReference(student.StudentID),
		PhoneNumber:      normalized,
		Amount:           amount,
		Status:           models.PendingStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(&pending).Error; err != nil {
		return nil, fmt.Errorf("failed to create pending payment: %w", err)
	}

	desc := fmt.Sprintf("School fees %s", student.StudentID)
	resp, err := s.mpesa.STKPush(ctx, normalized, amount, pending.AccountReference, desc)
	if err != nil {
		reason := err.Error()
		if len(reason) > 250 {
			reason = reason[:250]
		}
		s.db.Model(&pending).Updates(map[string]interface{}{
			"status":         models.PendingStatusFailed,
			"failure_reason": reason,
		})
		return nil, err
	}

	// Index the correlation before committing it to the row. A callback can
	// beat the commit below; the index lets it resolve the owning student
	// and adopt the row anyway.
	if s.cache != nil {
		if err := s.cache.IndexCorrelation(ctx, resp.CheckoutRequestID, student.StudentID, s.pendingTTL); err != nil {
			log.Printf("Failed to index correlation %s: %v", resp.CheckoutRequestID, err)
		}
	}

	if err := s.db.WithContext(ctx).Model(&pending).Updates(map[string]interface{}{
		"checkout_request_id": resp.CheckoutRequestID,
		"merchant_request_id": resp.MerchantRequestID,
	}).Error; err != nil {
		return nil, fmt.Errorf("failed to record correlation id: %w", err)
	}

	return &InitiateResult{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// InitiateCardPayment starts a Snap checkout for the student's fees. The
// order id doubles as the correlation id, so it is known before the gateway
// call and stored on the pending row immediately.
func (s *PaymentService) InitiateCardPayment(ctx context.Context, studentRef string, amount float64, forceNew bool) (*InitiateResult, error) {
	student, err := s.findStudent(ctx, studentRef)
	if err != nil {
		return nil, err
	}

	if err := s.guardInFlight(ctx, student.StudentID, forceNew); err != nil {
		return nil, err
	}

	orderID := newAccountReference(student.StudentID)
	pending := models.PendingPayment{
		StudentRef:        student.StudentID,
		Gateway:           models.PaymentGatewayCard,
		AccountReference:  orderID,
		CheckoutRequestID: orderID,
		Amount:            amount,
		Status:            models.PendingStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(&pending).Error; err != nil {
		return nil, fmt.Errorf("failed to create pending payment: %w", err)
	}

	resp, err := s.midtrans.CreateTransaction(orderID, int64(amount), student.Name)
	if err != nil {
		s.db.Model(&pending).Updates(map[string]interface{}{
			"status":         models.PendingStatusFailed,
			"failure_reason": err.Error(),
		})
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.IndexCorrelation(ctx, orderID, student.StudentID, s.pendingTTL); err != nil {
			log.Printf("Failed to index correlation %s: %v", orderID, err)
		}
	}

	return &InitiateResult{
		CheckoutRequestID: orderID,
		Token:             resp.Token,
		RedirectURL:       resp.RedirectURL,
	}, nil
}

// PaymentStatus returns the pending payment for a correlation id.
func (s *PaymentService) PaymentStatus(ctx context.Context, checkoutRequestID string) (*models.PendingPayment, error) {
	var pending models.PendingPayment
	err := s.db.WithContext(ctx).Where("checkout_request_id = ?", checkoutRequestID).First(&pending).Error
	if err != nil {
		return nil, err
	}
	return &pending, nil
}

// PaymentHistory returns the student's append-only payment records, newest
// first.
func (s *PaymentService) PaymentHistory(ctx context.Context, studentRef string) ([]models.PaymentRecord, error) {
	var records []models.PaymentRecord
	err := s.db.WithContext(ctx).
		Where("student_ref = ?", studentRef).
		Order("paid_at desc").
		Find(&records).Error
	return records, err
}

func (s *PaymentService) findStudent(ctx context.Context, studentRef string) (*models.Student, error) {
	var student models.Student
	if err := s.db.WithContext(ctx).Where("student_id = ?", studentRef).First(&student).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStudentNotFound
		}
		return nil, err
	}
	return &student, nil
}

func (s *PaymentService) guardInFlight(ctx context.Context, studentRef string, forceNew bool) error {
	existing, err := s.activePending(ctx, studentRef)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if !forceNew {
		return ErrPaymentInFlight
	}
	return s.db.WithContext(ctx).Model(existing).
		Update("status", models.PendingStatusExpired).Error
}

func newAccountReference(studentRef string) string {
	return fmt.Sprintf("%s-%d", studentRef, time.Now().UnixNano())
}
