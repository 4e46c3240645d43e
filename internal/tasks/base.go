package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kibossChangole/paideia-server/internal/models"
)

// Task names known to the worker.
const (
	TaskReconcileCallback = "reconcile_callback"
	TaskExpirePending     = "expire_pending"
	TaskNotifyPayment     = "notify_payment"
)

// ReconcileCallbackArgs re-applies a settlement that could not be matched or
// completed when the callback arrived.
type ReconcileCallbackArgs struct {
	CheckoutRequestID string  `json:"checkout_request_id"`
	StudentRef        string  `json:"student_ref,omitempty"`
	Amount            float64 `json:"amount"`
	Receipt           string  `json:"receipt"`
	PhoneNumber       string  `json:"phone_number"`
	Gateway           string  `json:"gateway"`
}

// NotifyPaymentArgs retries a settlement push notification.
type NotifyPaymentArgs struct {
	StudentRef string  `json:"student_ref"`
	Amount     float64 `json:"amount"`
	Receipt    string  `json:"receipt"`
}

// BuildScheduledTask is a helper to build ScheduledTask records generically
func BuildScheduledTask(taskName string, args interface{}, due time.Time, recurringInterval *string, taskType models.ScheduledTaskType, maxAttempt int) (*models.ScheduledTask, error) {
	argsBytes, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal args: %w", err)
	}

	var mapArgs map[string]interface{}
	if err := json.Unmarshal(argsBytes, &mapArgs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into map: %w", err)
	}

	return &models.ScheduledTask{
		TaskName:          taskName,
		Arguments:         mapArgs,
		Due:               due,
		RecurringInterval: recurringInterval,
		Status:            models.ScheduledTaskStatusActive,
		TaskType:          taskType,
		MaxAttempt:        maxAttempt,
	}, nil
}

// decodeArgs converts the stored argument map back into a typed struct.
func decodeArgs(args map[string]interface{}, dest interface{}) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to decode args: %w", err)
	}
	return nil
}
