package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/kibossChangole/paideia-server/internal/models"
	"github.com/kibossChangole/paideia-server/internal/services"
)

// PaymentHandler exposes payment initiation and status to the mobile client.
type PaymentHandler struct {
	payments *services.PaymentService
}

func NewPaymentHandler(payments *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

type initiatePaymentRequest struct {
	StudentID   string  `json:"student_id"`
	PhoneNumber string  `json:"phone_number"`
	Amount      float64 `json:"amount"`
	Method      string  `json:"method"` // "mpesa" (default) or "card"
	ForceNew    bool    `json:"force_new"`
}

// InitiatePayment starts a payment for a student's outstanding fees.
func (h *PaymentHandler) InitiatePayment(c echo.Context) error {
	var req initiatePaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	if req.StudentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "student_id is required")
	}
	if req.Amount <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "amount must be positive")
	}

	ctx := c.Request().Context()

	var (
		result *services.InitiateResult
		err    error
	)
	switch req.Method {
	case "", string(models.PaymentGatewayMpesa):
		if req.PhoneNumber == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "phone_number is required for mpesa payments")
		}
		result, err = h.payments.InitiateMpesaPayment(ctx, req.StudentID, req.PhoneNumber, req.Amount, req.ForceNew)
	case string(models.PaymentGatewayCard):
		result, err = h.payments.InitiateCardPayment(ctx, req.StudentID, req.Amount, req.ForceNew)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown payment method")
	}

	if err != nil {
		var rejected *services.GatewayRejectedError
		switch {
		case errors.Is(err, services.ErrStudentNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "Student not found")
		case errors.Is(err, services.ErrUnrecognizedPhoneFormat):
			return echo.NewHTTPError(http.StatusBadRequest, "Unrecognized phone number format")
		case errors.Is(err, services.ErrPaymentInFlight):
			return echo.NewHTTPError(http.StatusConflict, "A payment is already pending for this student")
		case errors.As(err, &rejected):
			return echo.NewHTTPError(http.StatusUnprocessableEntity, rejected.Description)
		case errors.Is(err, services.ErrMissingAccessToken):
			return echo.NewHTTPError(http.StatusBadGateway, "Payment gateway authentication failed")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to initiate payment: "+err.Error())
	}

	return c.JSON(http.StatusOK, result)
}

// PaymentStatus returns the state of one payment attempt, for client polling.
func (h *PaymentHandler) PaymentStatus(c echo.Context) error {
	checkoutRequestID := c.Param("checkoutRequestID")
	if checkoutRequestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing checkout request id")
	}

	pending, err := h.payments.PaymentStatus(c.Request().Context(), checkoutRequestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Payment not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch payment status")
	}

	return c.JSON(http.StatusOK, pending)
}

// PaymentHistory lists a student's settled payments, newest first.
func (h *PaymentHandler) PaymentHistory(c echo.Context) error {
	studentID := c.Param("studentID")
	if studentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing student id")
	}

	records, err := h.payments.PaymentHistory(c.Request().Context(), studentID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch payment history")
	}

	return c.JSON(http.StatusOK, records)
}
