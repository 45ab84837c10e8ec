package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	aws_pkg "ticket-payment-service/pkg/aws"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Env  string `env:"APP_ENV" envDefault:"development"`
	Port string `env:"PORT" envDefault:"8087"`

	PostgresUser     string `env:"POSTGRES_USER,required"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,required"`
	PostgresDB       string `env:"POSTGRES_DB,required"`
	PostgresHost     string `env:"POSTGRES_HOST,required"`
	PostgresPort     string `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresSSLMode  string `env:"POSTGRES_SSLMODE" envDefault:"disable"`
	PostgresTimeZone string `env:"POSTGRES_TIMEZONE" envDefault:"UTC"`

	RedisURL string `env:"REDIS_URL"`

	// Payments
	SupportedCurrencies    []string         `env:"SUPPORTED_CURRENCIES" envSeparator:"," envDefault:"XOF,XAF,USD,EUR"`
	MinAmounts             map[string]int64 `env:"MIN_AMOUNTS" envSeparator:"," envKeyValSeparator:":" envDefault:"XOF:100,XAF:100,USD:50,EUR:50"`
	MaxAmounts             map[string]int64 `env:"MAX_AMOUNTS" envSeparator:"," envKeyValSeparator:":" envDefault:"XOF:5000000,XAF:5000000,USD:1000000,EUR:1000000"`
	CardSettlementCurrency string           `env:"CARD_SETTLEMENT_CURRENCY" envDefault:"USD"`
	ProviderTimeout        time.Duration    `env:"PROVIDER_TIMEOUT" envDefault:"20s"`

	StripeSecretKey  string `env:"STRIPE_API_KEY"`
	StripeWebhookKey string `env:"STRIPE_WEBHOOK_SECRET"`

	CheckoutBaseURL       string `env:"MOMO_A_BASE_URL"`
	CheckoutAPIKey        string `env:"MOMO_A_API_KEY"`
	CheckoutWebhookSecret string `env:"MOMO_A_WEBHOOK_SECRET"`
	CheckoutCallbackURL   string `env:"MOMO_A_CALLBACK_URL"`

	DepositBaseURL       string `env:"MOMO_B_BASE_URL"`
	DepositAPIKey        string `env:"MOMO_B_API_KEY"`
	DepositWebhookSecret string `env:"MOMO_B_WEBHOOK_SECRET"`

	// FX
	FXFrom            string        `env:"FX_FROM_CURRENCY" envDefault:"USD"`
	FXTo              string        `env:"FX_TO_CURRENCY" envDefault:"XOF"`
	FXMarginBps       int64         `env:"FX_MARGIN_BPS" envDefault:"150"`
	FXSources         string        `env:"FX_SOURCES"`
	FXSourceTimeout   time.Duration `env:"FX_SOURCE_TIMEOUT" envDefault:"10s"`
	FXRefreshInterval time.Duration `env:"FX_REFRESH_INTERVAL" envDefault:"1h"`
	FXRateValidity    time.Duration `env:"FX_RATE_VALIDITY" envDefault:"2h"`
	FXCacheMaxAge     time.Duration `env:"FX_CACHE_MAX_AGE" envDefault:"24h"`
	FXFallbackRate    string        `env:"FX_FALLBACK_RATE" envDefault:"600"`

	// Reconciliation
	ReconcileNotFoundGrace time.Duration `env:"RECONCILE_NOT_FOUND_GRACE" envDefault:"15m"`
	ReconcileInterval      time.Duration `env:"RECONCILE_SWEEP_INTERVAL" envDefault:"2m"`
	ReconcileMinAge        time.Duration `env:"RECONCILE_MIN_AGE" envDefault:"2m"`
	ReconcileMaxAge        time.Duration `env:"RECONCILE_MAX_AGE" envDefault:"72h"`
	ReconcileConcurrency   int           `env:"RECONCILE_CONCURRENCY" envDefault:"8"`

	// Messaging and AWS
	PaymentRequestQueueURL string   `env:"PAYMENT_REQUEST_QUEUE_URL"`
	PaymentSNSTopicARN     string   `env:"PAYMENT_SNS_TOPIC_ARN"`
	KafkaBrokers           []string `env:"KAFKA_BROKERS" envSeparator:","`
	PaymentEventsTopic     string   `env:"PAYMENT_EVENTS_TOPIC" envDefault:"payment-events"`
	WebhookArchiveBucket   string   `env:"WEBHOOK_ARCHIVE_BUCKET"`

	AWSRegion          string `env:"AWS_REGION"`
	AWSEndpoint        string `env:"AWS_ENDPOINT"`
	UseSecretsManager  bool   `env:"AWS_USE_SECRETS" envDefault:"false"`
	SecretName         string `env:"AWS_SECRET_NAME" envDefault:"ticket-payment-service"`
	CloudWatchEnabled  bool   `env:"CLOUDWATCH_ENABLED" envDefault:"false"`
	CloudWatchNS       string `env:"CLOUDWATCH_NAMESPACE" envDefault:"TicketPayments"`
	CloudWatchLogGroup string `env:"CLOUDWATCH_LOG_GROUP" envDefault:"/ticketing/payments"`

	// HTTP
	JWTSecret          string        `env:"JWT_SECRET"`
	AllowedOrigins     []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return parse(env.ToMap(os.Environ()))
}

// SecretSource returns the key/value pairs of a named secret.
type SecretSource interface {
	GetSecretMap(ctx context.Context, name string) (map[string]string, error)
}

// WithSecrets re-reads the configuration with the named secret's keys
// layered over the environment. Keys use the same names as the env vars.
func WithSecrets(ctx context.Context, cfg *Config, secrets SecretSource) (*Config, error) {
	values, err := secrets.GetSecretMap(ctx, cfg.SecretName)
	if err != nil {
		return nil, err
	}
	merged := env.ToMap(os.Environ())
	for k, v := range values {
		merged[k] = v
	}
	return parse(merged)
}

func parse(environment map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.CardSettlementCurrency = strings.ToUpper(cfg.CardSettlementCurrency)
	cfg.FXFrom = strings.ToUpper(cfg.FXFrom)
	cfg.FXTo = strings.ToUpper(cfg.FXTo)
	for i, c := range cfg.SupportedCurrencies {
		cfg.SupportedCurrencies[i] = strings.ToUpper(strings.TrimSpace(c))
	}
	return &cfg, nil
}

// DSN is the gorm postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresPort, c.PostgresSSLMode, c.PostgresTimeZone)
}

// MigrationURL is the URL form used by golang-migrate, with a dedicated
// migrations table.
func (c *Config) MigrationURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     c.PostgresHost + ":" + c.PostgresPort,
		Path:     "/" + c.PostgresDB,
		RawQuery: "sslmode=" + c.PostgresSSLMode + "&x-migrations-table=payment_schema_migrations",
	}
	return u.String()
}

func (c *Config) AWSOptions() aws_pkg.Options {
	return aws_pkg.Options{Region: c.AWSRegion, Endpoint: c.AWSEndpoint}
}
