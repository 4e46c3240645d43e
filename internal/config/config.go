package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// MpesaConfig holds the Daraja gateway credentials and endpoints.
// All values come from the environment; services receive this struct
// instead of reading env vars themselves so tests can swap endpoints.
type MpesaConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	TokenURL       string
	STKPushURL     string
	CallbackURL    string
	Timeout        time.Duration
}

// MidtransConfig holds the Snap card-gateway credentials.
type MidtransConfig struct {
	ServerKey    string
	ClientKey    string
	IsProduction bool
}

// Config is the full server configuration.
type Config struct {
	DatabaseURL      string
	RedisURL         string
	FirebaseCredPath string
	Port             string
	OpsEmail         string
	PendingTTL       time.Duration

	Mpesa    MpesaConfig
	Midtrans MidtransConfig
}

// Load reads configuration from the environment. Only the database URL is
// mandatory; gateway credentials are validated lazily when a payment is
// actually initiated.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		FirebaseCredPath: getEnv("FIREBASE_CREDENTIALS_PATH", "./firebase-service-account.json"),
		Port:             getEnv("PORT", "8080"),
		OpsEmail:         os.Getenv("OPS_ALERT_EMAIL"),
		PendingTTL:       getEnvDuration("PENDING_PAYMENT_TTL", 2*time.Hour),
		Mpesa: MpesaConfig{
			ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
			ShortCode:      os.Getenv("MPESA_SHORT_CODE"),
			PassKey:        os.Getenv("MPESA_PASS_KEY"),
			TokenURL:       getEnv("MPESA_TOKEN_URL", "https://sandbox.safaricom.co.ke/oauth/v1/generate?grant_type=client_credentials"),
			STKPushURL:     getEnv("MPESA_STK_PUSH_URL", "https://sandbox.safaricom.co.ke/mpesa/stkpush/v1/processrequest"),
			CallbackURL:    os.Getenv("MPESA_CALLBACK_URL"),
			Timeout:        getEnvDuration("MPESA_HTTP_TIMEOUT", 30*time.Second),
		},
		Midtrans: MidtransConfig{
			ServerKey:    os.Getenv("MIDTRANS_SERVER_KEY"),
			ClientKey:    os.Getenv("MIDTRANS_CLIENT_KEY"),
			IsProduction: os.Getenv("MIDTRANS_IS_PRODUCTION") == "true",
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	return cfg, nil
}

// Validate checks that the Daraja credentials needed for an STK push are present.
func (c MpesaConfig) Validate() error {
	if c.ConsumerKey == "" || c.ConsumerSecret == "" {
		return fmt.Errorf("mpesa consumer key/secret not configured")
	}
	if c.ShortCode == "" || c.PassKey == "" {
		return fmt.Errorf("mpesa short code/pass key not configured")
	}
	if c.CallbackURL == "" {
		return fmt.Errorf("mpesa callback URL not configured")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
