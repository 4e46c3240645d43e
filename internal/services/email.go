package services

import (
	"fmt"
	"net/smtp"
	"os"
)

type EmailService struct {
	host     string
	port     string
	user     string
	password string
	from     string
}

func NewEmailService() *EmailService {
	return &EmailService{
		host:     os.Getenv("SMTP_HOST"),
		port:     os.Getenv("SMTP_PORT"),
		user:     os.Getenv("SMTP_USER"),
		password: os.Getenv("SMTP_PASS"),
		from:     os.Getenv("EMAIL_FROM"),
	}
}

func (s *EmailService) SendEmail(to []string, subject, body string) error {
	if s.host == "" || s.port == "" || s.user == "" || s.password == "" {
		return fmt.Errorf("SMTP credentials not fully configured")
	}

	auth := smtp.PlainAuth("", s.user, s.password, s.host)

	message := []byte(fmt.Sprintf("To: %s\r\n"+
		"Subject: %s\r\n"+
		"\r\n"+
		"%s\r\n", to[0], subject, body))

	addr := fmt.Sprintf("%s:%s", s.host, s.port)
	return smtp.SendMail(addr, auth, s.from, to, message)
}

// AlertReconciliationMiss emails the operations address about a success
// callback that matched no pending payment. Money has left the payer but the
// ledger has no record; this needs a human.
func (s *EmailService) AlertReconciliationMiss(opsEmail, checkoutRequestID, receipt string, amount float64) error {
	if opsEmail == "" {
		return fmt.Errorf("OPS_ALERT_EMAIL not configured")
	}
	subject := fmt.Sprintf("Unmatched payment callback %s", checkoutRequestID)
	body := fmt.Sprintf(
		"A success callback could not be matched to any pending payment.\n\n"+
			"CheckoutRequestID: %s\nReceipt: %s\nAmount: %.2f\n\n"+
			"The payment is settled on the gateway side but absent from the ledger. Manual reconciliation required.",
		checkoutRequestID, receipt, amount)
	return s.SendEmail([]string{opsEmail}, subject, body)
}
