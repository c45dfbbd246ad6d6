// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port           string `envconfig:"PORT" default:"8080"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	ServiceVersion string `envconfig:"SERVICE_VERSION" default:"0.1.0"`

	PostgresURL     string        `envconfig:"POSTGRES_URL" required:"true"`
	MigrationsPath  string        `envconfig:"MIGRATIONS_PATH" default:"file://migrations"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"checkout.order-events"`

	OTLPEndpoint      string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracesSampleRatio float64 `envconfig:"OTEL_TRACES_SAMPLE_RATIO" default:"1"`

	// Online orders still unpaid after this long are cancelled by the expiry sweep.
	PendingPaymentTTL time.Duration `envconfig:"PENDING_PAYMENT_TTL" default:"30m"`

	MoMo  MoMo  `envconfig:"MOMO"`
	VNPay VNPay `envconfig:"VNPAY"`
}

type MoMo struct {
	PartnerCode string        `envconfig:"PARTNER_CODE"`
	AccessKey   string        `envconfig:"ACCESS_KEY"`
	SecretKey   string        `envconfig:"SECRET_KEY"`
	Endpoint    string        `envconfig:"ENDPOINT" default:"https://test-payment.momo.vn/v2/gateway/api/create"`
	RedirectURL string        `envconfig:"REDIRECT_URL"`
	IPNURL      string        `envconfig:"IPN_URL"`
	RequestType string        `envconfig:"REQUEST_TYPE" default:"captureWallet"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"10s"`
}

// Enabled reports whether credentials were provided.
func (m MoMo) Enabled() bool {
	return m.PartnerCode != "" && m.AccessKey != "" && m.SecretKey != ""
}

type VNPay struct {
	TmnCode     string        `envconfig:"TMN_CODE"`
	HashSecret  string        `envconfig:"HASH_SECRET"`
	PayURL      string        `envconfig:"PAY_URL" default:"https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"`
	ReturnURL   string        `envconfig:"RETURN_URL"`
	Version     string        `envconfig:"VERSION" default:"2.1.0"`
	Locale      string        `envconfig:"LOCALE" default:"vn"`
	ExpireAfter time.Duration `envconfig:"EXPIRE_AFTER" default:"15m"`
}

func (v VNPay) Enabled() bool {
	return v.TmnCode != "" && v.HashSecret != ""
}

// Load reads a .env file from the working directory when one exists, then
// the process environment. Values already in the environment win.
func Load(logger *slog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to load .env file, continuing", "error", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.TracesSampleRatio < 0 || c.TracesSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be within [0, 1], got %v", c.TracesSampleRatio)
	}
	if c.PendingPaymentTTL <= 0 {
		return errors.New("PENDING_PAYMENT_TTL must be positive")
	}
	if c.MoMo.Enabled() && c.MoMo.IPNURL == "" {
		return errors.New("MOMO_IPN_URL is required when MoMo is enabled")
	}
	if c.VNPay.Enabled() && c.VNPay.ReturnURL == "" {
		return errors.New("VNPAY_RETURN_URL is required when VNPay is enabled")
	}
	return nil
}

// SlogLevel falls back to info for unknown values.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}
