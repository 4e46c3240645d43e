package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/kibossChangole/paideia-server/internal/models"
	"github.com/kibossChangole/paideia-server/internal/services"
	"github.com/kibossChangole/paideia-server/internal/tasks"
)

const maxCallbackBody = int64(65536)

// CallbackHandler receives the gateways' asynchronous payment notifications.
// The contract with the gateway is strict: once a body parses, the answer is
// always 200 with a positive ack, since a non-200 would trigger the gateway's
// retry storm. Every business failure behind that ack is absorbed, logged and
// deferred to the reconciliation task or the ops mailbox.
type CallbackHandler struct {
	db         *gorm.DB
	cache      *services.RedisCache // optional
	settlement *services.SettlementService
	midtrans   *services.MidtransService
	email      *services.EmailService
	opsEmail   string
}

func NewCallbackHandler(db *gorm.DB, cache *services.RedisCache, settlement *services.SettlementService, midtrans *services.MidtransService, email *services.EmailService, opsEmail string) *CallbackHandler {
	return &CallbackHandler{db: db, cache: cache, settlement: settlement, midtrans: midtrans, email: email, opsEmail: opsEmail}
}

type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// HandleMpesaCallback processes the STK push outcome webhook.
func (h *CallbackHandler) HandleMpesaCallback(c echo.Context) error {
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, maxCallbackBody)
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, callbackAck{ResultCode: 1, ResultDesc: "Unreadable body"})
	}

	callback, err := services.ParseSTKCallback(body)
	if err != nil {
		// Not a gateway notification; a 400 here cannot suppress a real
		// payment event.
		return c.JSON(http.StatusBadRequest, callbackAck{ResultCode: 1, ResultDesc: "Malformed callback body"})
	}

	ctx := c.Request().Context()

	// Audit before any business processing, so the raw payload survives
	// whatever happens next.
	status := models.CallbackStatusFailed
	if callback.Success() {
		status = models.CallbackStatusSuccess
	}
	audit := models.CallbackAudit{
		CheckoutRequestID: callback.CheckoutRequestID,
		Gateway:           models.PaymentGatewayMpesa,
		Status:            status,
		ResultCode:        callback.ResultCode,
		ResultDesc:        callback.ResultDesc,
		Payload:           body,
	}
	if err := h.db.WithContext(ctx).Create(&audit).Error; err != nil {
		log.Printf("Failed to write callback audit for %s: %v", callback.CheckoutRequestID, err)
	}

	if !callback.Success() {
		if err := h.settlement.MarkFailed(ctx, callback.CheckoutRequestID, callback.ResultDesc); err != nil {
			log.Printf("Failed to mark %s failed: %v", callback.CheckoutRequestID, err)
		}
		return c.JSON(http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Success"})
	}

	amount, err := callback.Amount()
	if err == nil {
		var receipt string
		receipt, err = callback.Receipt()
		if err == nil {
			phone, _ := callback.PayerPhone()
			h.settle(c, callback.CheckoutRequestID, amount, receipt, phone)
		}
	}
	if err != nil {
		log.Printf("Callback %s unusable: %v", callback.CheckoutRequestID, err)
	}

	return c.JSON(http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Success"})
}

func (h *CallbackHandler) settle(c echo.Context, checkoutRequestID string, amount float64, receipt, phone string) {
	if checkoutRequestID == "" {
		log.Printf("Success callback without CheckoutRequestID, receipt %s; nothing to reconcile against", receipt)
		return
	}

	ctx := c.Request().Context()

	_, err := h.settlement.Settle(ctx, checkoutRequestID, amount, receipt, phone, models.PaymentGatewayMpesa)
	if err == nil {
		return
	}

	if errors.Is(err, services.ErrReconciliationMiss) {
		// The initiator may not have committed the correlation id yet. The
		// Redis index is written before that commit, so it can still name
		// the owning student; adopt that student's unclaimed row and retry.
		studentRef := h.resolveStudent(ctx, checkoutRequestID)
		if studentRef != "" {
			adopted, adoptErr := h.settlement.AdoptPending(ctx, studentRef, checkoutRequestID)
			if adoptErr == nil && adopted {
				if _, err := h.settlement.Settle(ctx, checkoutRequestID, amount, receipt, phone, models.PaymentGatewayMpesa); err == nil {
					return
				}
			}
		}
		h.escalateMiss(c, checkoutRequestID, amount, receipt, phone, studentRef)
		return
	}

	// Transient settlement failure; the retry task converges the writes.
	log.Printf("Settlement for %s failed, scheduling retry: %v", checkoutRequestID, err)
	h.scheduleReconcile(c, checkoutRequestID, amount, receipt, phone, "")
}

// resolveStudent consults the correlation index for the student who owns a
// checkout request id.
func (h *CallbackHandler) resolveStudent(ctx context.Context, checkoutRequestID string) string {
	if h.cache == nil {
		return ""
	}
	studentRef, err := h.cache.LookupCorrelation(ctx, checkoutRequestID)
	if err != nil {
		return ""
	}
	return studentRef
}

// escalateMiss handles a success callback that matched no pending payment.
// The initiator may simply not have committed the correlation id yet, so a
// bounded retry task is queued before anyone is paged.
func (h *CallbackHandler) escalateMiss(c echo.Context, checkoutRequestID string, amount float64, receipt, phone, studentRef string) {
	log.Printf("Reconciliation miss for %s (receipt %s, amount %.2f)", checkoutRequestID, receipt, amount)
	h.scheduleReconcile(c, checkoutRequestID, amount, receipt, phone, studentRef)

	if h.email != nil && h.opsEmail != "" {
		if err := h.email.AlertReconciliationMiss(h.opsEmail, checkoutRequestID, receipt, amount); err != nil {
			log.Printf("Failed to send reconciliation alert for %s: %v", checkoutRequestID, err)
		}
	}
}

func (h *CallbackHandler) scheduleReconcile(c echo.Context, checkoutRequestID string, amount float64, receipt, phone, studentRef string) {
	args := tasks.ReconcileCallbackArgs{
		CheckoutRequestID: checkoutRequestID,
		StudentRef:        studentRef,
		Amount:            amount,
		Receipt:           receipt,
		PhoneNumber:       phone,
		Gateway:           string(models.PaymentGatewayMpesa),
	}
	task, err := tasks.BuildScheduledTask(tasks.TaskReconcileCallback, args, time.Now().Add(2*time.Minute), nil, models.ScheduledTaskTypeOneTime, 5)
	if err != nil {
		log.Printf("Failed to build reconcile task for %s: %v", checkoutRequestID, err)
		return
	}
	if err := h.db.WithContext(c.Request().Context()).Create(task).Error; err != nil {
		log.Printf("Failed to enqueue reconcile task for %s: %v", checkoutRequestID, err)
	}
}

// midtransNotification is the subset of the Snap notification the settlement
// needs.
type midtransNotification struct {
	OrderID           string `json:"order_id"`
	TransactionStatus string `json:"transaction_status"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	PaymentType       string `json:"payment_type"`
	TransactionID     string `json:"transaction_id"`
	FraudStatus       string `json:"fraud_status"`
}

// HandleMidtransNotification processes the card gateway's webhook. Same
// discipline as the STK callback: audit first, settle idempotently, always
// answer 200 once the body parses and the signature checks out.
func (h *CallbackHandler) HandleMidtransNotification(c echo.Context) error {
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, maxCallbackBody)
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"status": "unreadable body"})
	}

	var notif midtransNotification
	if err := json.Unmarshal(body, &notif); err != nil || notif.OrderID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"status": "malformed notification"})
	}

	if h.midtrans != nil && !h.midtrans.VerifySignature(notif.OrderID, notif.StatusCode, notif.GrossAmount, notif.SignatureKey) {
		return c.JSON(http.StatusForbidden, map[string]string{"status": "invalid signature"})
	}

	ctx := c.Request().Context()

	settled := notif.TransactionStatus == "settlement" || notif.TransactionStatus == "capture"
	status := models.CallbackStatusFailed
	if settled {
		status = models.CallbackStatusSuccess
	}
	audit := models.CallbackAudit{
		CheckoutRequestID: notif.OrderID,
		Gateway:           models.PaymentGatewayCard,
		Status:            status,
		ResultDesc:        notif.TransactionStatus,
		Payload:           body,
	}
	if err := h.db.WithContext(ctx).Create(&audit).Error; err != nil {
		log.Printf("Failed to write callback audit for %s: %v", notif.OrderID, err)
	}

	switch notif.TransactionStatus {
	case "settlement", "capture":
		amount, err := strconv.ParseFloat(notif.GrossAmount, 64)
		if err != nil {
			log.Printf("Notification %s has unparseable gross_amount %q", notif.OrderID, notif.GrossAmount)
			break
		}
		if _, err := h.settlement.Settle(ctx, notif.OrderID, amount, notif.TransactionID, "", models.PaymentGatewayCard); err != nil {
			log.Printf("Card settlement for %s failed: %v", notif.OrderID, err)
		}
	case "deny", "expire", "cancel", "failure":
		if err := h.settlement.MarkFailed(ctx, notif.OrderID, notif.TransactionStatus); err != nil {
			log.Printf("Failed to mark %s failed: %v", notif.OrderID, err)
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
