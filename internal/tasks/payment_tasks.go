package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kibossChangole/paideia-server/internal/models"
	"github.com/kibossChangole/paideia-server/internal/services"
)

// ReconcileCallbackTaskDef retries the settlement for a callback that could
// not be applied at delivery time: either the pending row was not yet
// committed (initiator race) or the ledger write failed mid-way. Settle is
// idempotent, so re-running it converges both writes.
type ReconcileCallbackTaskDef struct{}

func (t *ReconcileCallbackTaskDef) TaskID() string {
	return TaskReconcileCallback
}

func (t *ReconcileCallbackTaskDef) HandleExecution(ctx context.Context, deps *Deps, args map[string]interface{}) (map[string]interface{}, error) {
	var a ReconcileCallbackArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.CheckoutRequestID == "" {
		return nil, fmt.Errorf("reconcile_callback: missing checkout_request_id")
	}

	applied, err := deps.Settlement.Settle(ctx, a.CheckoutRequestID, a.Amount, a.Receipt, a.PhoneNumber, models.PaymentGateway(a.Gateway))
	if err != nil {
		if errors.Is(err, services.ErrReconciliationMiss) {
			// When the correlation index named the owning student at
			// enqueue time, claim that student's unclaimed pending row
			// and settle against it.
			if a.StudentRef != "" {
				adopted, adoptErr := deps.Settlement.AdoptPending(ctx, a.StudentRef, a.CheckoutRequestID)
				if adoptErr != nil {
					return nil, adoptErr
				}
				if adopted {
					applied, err = deps.Settlement.Settle(ctx, a.CheckoutRequestID, a.Amount, a.Receipt, a.PhoneNumber, models.PaymentGateway(a.Gateway))
					if err != nil {
						return nil, err
					}
					return map[string]interface{}{
						"status":  "success",
						"applied": applied,
						"adopted": true,
					}, nil
				}
			}
			// Still nothing to match against; keep the task failing so the
			// worker retries until MaxAttempt, then ops takes over.
			return nil, fmt.Errorf("still unmatched: %w", err)
		}
		return nil, err
	}

	return map[string]interface{}{
		"status":  "success",
		"applied": applied,
	}, nil
}

var ReconcileCallbackTask = &ReconcileCallbackTaskDef{}

// HandleExhaustion runs when a task has burned through its retry budget. For
// reconciliation retries that means the settlement never converged: money
// moved on the gateway side and the ledger still has no record, so ops gets
// the alert here rather than nowhere.
func HandleExhaustion(deps *Deps, task models.ScheduledTask) {
	if task.TaskName != TaskReconcileCallback {
		return
	}

	var a ReconcileCallbackArgs
	if err := decodeArgs(task.Arguments, &a); err != nil {
		log.Printf("[Task: %s] Exhausted task %d has undecodable args: %v", task.TaskName, task.ID, err)
		return
	}

	log.Printf("[Task: %s] Retries exhausted for %s (receipt %s, amount %.2f)", task.TaskName, a.CheckoutRequestID, a.Receipt, a.Amount)

	if deps.Email == nil || deps.OpsEmail == "" {
		return
	}
	if err := deps.Email.AlertReconciliationMiss(deps.OpsEmail, a.CheckoutRequestID, a.Receipt, a.Amount); err != nil {
		log.Printf("[Task: %s] Failed to send exhaustion alert for %s: %v", task.TaskName, a.CheckoutRequestID, err)
	}
}

// ExpirePendingTaskDef sweeps pending payments older than the configured TTL
// into the expired state. A pending row whose STK prompt was never answered
// would otherwise block the student from initiating again.
type ExpirePendingTaskDef struct{}

func (t *ExpirePendingTaskDef) TaskID() string {
	return TaskExpirePending
}

func (t *ExpirePendingTaskDef) HandleExecution(ctx context.Context, deps *Deps, args map[string]interface{}) (map[string]interface{}, error) {
	ttl := time.Duration(deps.PendingTTL) * time.Second
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	cutoff := time.Now().Add(-ttl)

	res := deps.DB.WithContext(ctx).Model(&models.PendingPayment{}).
		Where("status = ? AND created_at < ?", models.PendingStatusPending, cutoff).
		Updates(map[string]interface{}{
			"status":         models.PendingStatusExpired,
			"failure_reason": "expired without gateway callback",
		})
	if res.Error != nil {
		return nil, res.Error
	}

	if res.RowsAffected > 0 {
		log.Printf("[Task: expire_pending] Expired %d stale pending payments", res.RowsAffected)
	}

	return map[string]interface{}{
		"status":  "success",
		"expired": res.RowsAffected,
	}, nil
}

var ExpirePendingTask = &ExpirePendingTaskDef{}
