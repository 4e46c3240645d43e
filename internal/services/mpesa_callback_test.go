package services

import (
	"errors"
	"testing"
)

const successCallbackBody = `{
	"Body": {
		"stkCallback": {
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_1",
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"CallbackMetadata": {
				"Item": [
					{"Name": "Amount", "Value": 500.00},
					{"Name": "MpesaReceiptNumber", "Value": "QAX123"},
					{"Name": "TransactionDate", "Value": 20260314150926},
					{"Name": "PhoneNumber", "Value": 254712345678}
				]
			}
		}
	}
}`

func TestParseSTKCallbackSuccess(t *testing.T) {
	cb, err := ParseSTKCallback([]byte(successCallbackBody))
	if err != nil {
		t.Fatalf("ParseSTKCallback error: %v", err)
	}

	if !cb.Success() {
		t.Error("Success() = false; want true")
	}
	if cb.CheckoutRequestID != "ws_CO_1" {
		t.Errorf("CheckoutRequestID = %q; want ws_CO_1", cb.CheckoutRequestID)
	}

	amount, err := cb.Amount()
	if err != nil || amount != 500 {
		t.Errorf("Amount() = %v, %v; want 500, nil", amount, err)
	}

	receipt, err := cb.Receipt()
	if err != nil || receipt != "QAX123" {
		t.Errorf("Receipt() = %q, %v; want QAX123, nil", receipt, err)
	}

	phone, err := cb.PayerPhone()
	if err != nil || phone != "254712345678" {
		t.Errorf("PayerPhone() = %q, %v; want 254712345678, nil", phone, err)
	}
}

func TestParseSTKCallbackMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `not json at all`},
		{name: "empty object", body: `{}`},
		{name: "missing stkCallback", body: `{"Body":{}}`},
		{name: "wrong envelope", body: `{"Result":{"ResultCode":0}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSTKCallback([]byte(tt.body)); !errors.Is(err, ErrMalformedCallback) {
				t.Errorf("ParseSTKCallback(%q) error = %v; want ErrMalformedCallback", tt.body, err)
			}
		})
	}
}

func TestCallbackMissingMetadata(t *testing.T) {
	cb, err := ParseSTKCallback([]byte(`{
		"Body": {
			"stkCallback": {
				"CheckoutRequestID": "ws_CO_2",
				"ResultCode": 0,
				"ResultDesc": "ok",
				"CallbackMetadata": {"Item": [{"Name": "Amount", "Value": 500}]}
			}
		}
	}`))
	if err != nil {
		t.Fatalf("ParseSTKCallback error: %v", err)
	}

	var missing *MissingCallbackFieldError
	if _, err := cb.Receipt(); !errors.As(err, &missing) {
		t.Errorf("Receipt() error = %v; want MissingCallbackFieldError", err)
	} else if missing.Field != "MpesaReceiptNumber" {
		t.Errorf("missing field = %q; want MpesaReceiptNumber", missing.Field)
	}

	// No metadata at all, e.g. a failure callback probed for amounts.
	failed, err := ParseSTKCallback([]byte(`{
		"Body": {"stkCallback": {"CheckoutRequestID": "ws_CO_3", "ResultCode": 1032, "ResultDesc": "cancelled"}}
	}`))
	if err != nil {
		t.Fatalf("ParseSTKCallback error: %v", err)
	}
	if failed.Success() {
		t.Error("Success() = true for ResultCode 1032")
	}
	if _, err := failed.Amount(); !errors.As(err, &missing) {
		t.Errorf("Amount() error = %v; want MissingCallbackFieldError", err)
	}
}
