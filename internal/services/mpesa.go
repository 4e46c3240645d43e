package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kibossChangole/paideia-server/internal/config"
)

// ErrMissingAccessToken means the token endpoint answered but the response
// carried no access token. The raw body is attached for diagnostics.
var ErrMissingAccessToken = errors.New("mpesa: token response missing access_token")

// ErrUnrecognizedPhoneFormat means the payer phone number matched none of the
// accepted Kenyan formats. Initiation is rejected rather than forwarding a
// number the gateway would silently mangle.
var ErrUnrecognizedPhoneFormat = errors.New("mpesa: unrecognized phone number format")

// GatewayRejectedError is a push request that reached the gateway but was
// declined by its business logic.
type GatewayRejectedError struct {
	Code        string
	Description string
}

func (e *GatewayRejectedError) Error() string {
	return fmt.Sprintf("mpesa: gateway rejected request (code %s): %s", e.Code, e.Description)
}

// STKPushResponse is the gateway's synchronous answer to a push request.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int    `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type gatewayErrorBody struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// MpesaService talks to the Daraja gateway: token exchange and STK push.
type MpesaService struct {
	cfg    config.MpesaConfig
	client *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewMpesaService(cfg config.MpesaConfig) *MpesaService {
	return &MpesaService{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// NormalizePhoneNumber converts a payer phone number into the canonical
// 254XXXXXXXXX form. Accepted inputs: "07XXXXXXXX"/"01XXXXXXXX",
// bare "7XXXXXXXX"/"1XXXXXXXX", "2547XXXXXXXX" and the same with a leading
// "+". Anything else is rejected.
func NormalizePhoneNumber(phone string) (string, error) {
	s := strings.TrimSpace(phone)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.TrimPrefix(s, "+")

	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrUnrecognizedPhoneFormat, phone)
		}
	}

	switch {
	case strings.HasPrefix(s, "254") && len(s) == 12:
		return s, nil
	case strings.HasPrefix(s, "0") && len(s) == 10:
		return "254" + s[1:], nil
	case (strings.HasPrefix(s, "7") || strings.HasPrefix(s, "1")) && len(s) == 9:
		return "254" + s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnrecognizedPhoneFormat, phone)
}

// stkTimestamp formats t the way the gateway expects, local time.
func stkTimestamp(t time.Time) string {
	return t.Format("20060102150405")
}

// stkPassword derives the request password for one timestamp.
func stkPassword(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// GetAccessToken exchanges the consumer key/secret for a bearer token. The
// token is cached until shortly before its expiry.
func (s *MpesaService) GetAccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && time.Now().Before(s.tokenExpiry) {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.TokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(s.cfg.ConsumerKey, s.cfg.ConsumerSecret)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil || tokenResp.AccessToken == "" {
		return "", fmt.Errorf("%w: status %d: %s", ErrMissingAccessToken, resp.StatusCode, string(body))
	}

	ttl := time.Hour
	if secs, err := time.ParseDuration(tokenResp.ExpiresIn + "s"); err == nil && secs > time.Minute {
		ttl = secs - time.Minute
	}

	s.mu.Lock()
	s.token = tokenResp.AccessToken
	s.tokenExpiry = time.Now().Add(ttl)
	s.mu.Unlock()

	return tokenResp.AccessToken, nil
}

// buildSTKRequest assembles the push body. The phone number is normalized and
// the amount rounded to a whole unit, which is all the gateway accepts.
func (s *MpesaService) buildSTKRequest(phone string, amount float64, accountRef, desc string, now time.Time) (*stkPushRequest, error) {
	normalized, err := NormalizePhoneNumber(phone)
	if err != nil {
		return nil, err
	}

	ts := stkTimestamp(now)
	return &stkPushRequest{
		BusinessShortCode: s.cfg.ShortCode,
		Password:          stkPassword(s.cfg.ShortCode, s.cfg.PassKey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            int(math.Round(amount)),
		PartyA:            normalized,
		PartyB:            s.cfg.ShortCode,
		PhoneNumber:       normalized,
		CallBackURL:       s.cfg.CallbackURL,
		AccountReference:  accountRef,
		TransactionDesc:   desc,
	}, nil
}

// STKPush initiates a payment prompt on the payer's device. On acceptance the
// gateway's correlation ids come back in the response; the eventual outcome
// arrives later on the callback URL.
func (s *MpesaService) STKPush(ctx context.Context, phone string, amount float64, accountRef, desc string) (*STKPushResponse, error) {
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}

	pushReq, err := s.buildSTKRequest(phone, amount, accountRef, desc, time.Now())
	if err != nil {
		return nil, err
	}

	token, err := s.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(pushReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.STKPushURL, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read push response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var gwErr gatewayErrorBody
		if json.Unmarshal(body, &gwErr) == nil && gwErr.ErrorMessage != "" {
			return nil, &GatewayRejectedError{Code: gwErr.ErrorCode, Description: gwErr.ErrorMessage}
		}
		return nil, fmt.Errorf("push request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var pushResp STKPushResponse
	if err := json.Unmarshal(body, &pushResp); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}

	if pushResp.ResponseCode != "0" {
		return nil, &GatewayRejectedError{Code: pushResp.ResponseCode, Description: pushResp.ResponseDescription}
	}

	return &pushResp, nil
}
