package services

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedCallback means the webhook body does not carry the
// Body.stkCallback envelope and cannot be a genuine gateway notification.
var ErrMalformedCallback = errors.New("mpesa: callback body missing Body.stkCallback")

// MissingCallbackFieldError is a success callback whose metadata list lacks an
// item the settlement needs.
type MissingCallbackFieldError struct {
	Field string
}

func (e *MissingCallbackFieldError) Error() string {
	return fmt.Sprintf("mpesa: callback metadata missing %q", e.Field)
}

// STKCallback is the gateway's asynchronous notification for a push request.
// ResultCode 0 is success; anything else is a failure (cancelled, timed out,
// insufficient funds). CallbackMetadata is only present on success.
type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

// CallbackItem is one entry of the typed metadata list. Value is a number for
// Amount, a string or number for receipt and phone depending on the gateway
// version, so it stays untyped until looked up.
type CallbackItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

type stkCallbackEnvelope struct {
	Body struct {
		STKCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// ParseSTKCallback validates the envelope and returns the inner callback.
func ParseSTKCallback(body []byte) (*STKCallback, error) {
	var envelope stkCallbackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if envelope.Body.STKCallback == nil {
		return nil, ErrMalformedCallback
	}
	return envelope.Body.STKCallback, nil
}

// Success reports whether the callback describes a settled payment.
func (c *STKCallback) Success() bool {
	return c.ResultCode == 0
}

func (c *STKCallback) metadataValue(name string) (interface{}, error) {
	if c.CallbackMetadata == nil {
		return nil, &MissingCallbackFieldError{Field: name}
	}
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == name {
			return item.Value, nil
		}
	}
	return nil, &MissingCallbackFieldError{Field: name}
}

// Amount returns the settled amount from the metadata list.
func (c *STKCallback) Amount() (float64, error) {
	v, err := c.metadataValue("Amount")
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, &MissingCallbackFieldError{Field: "Amount"}
		}
		return f, nil
	}
	return 0, &MissingCallbackFieldError{Field: "Amount"}
}

// Receipt returns the gateway receipt number from the metadata list.
func (c *STKCallback) Receipt() (string, error) {
	v, err := c.metadataValue("MpesaReceiptNumber")
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", &MissingCallbackFieldError{Field: "MpesaReceiptNumber"}
	}
	return s, nil
}

// PayerPhone returns the payer phone number from the metadata list. The
// gateway sends it as a number, so both forms are accepted.
func (c *STKCallback) PayerPhone() (string, error) {
	v, err := c.metadataValue("PhoneNumber")
	if err != nil {
		return "", err
	}
	switch p := v.(type) {
	case string:
		return p, nil
	case float64:
		return fmt.Sprintf("%.0f", p), nil
	}
	return "", &MissingCallbackFieldError{Field: "PhoneNumber"}
}
