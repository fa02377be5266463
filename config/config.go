package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for marketgate.
type Config struct {
	Addr     string `env:"ADDR,default=:9000"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
	LogHuman bool   `env:"LOG_PRETTY,default=false"`

	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`
	// IPRequestsPerMinute bounds every client address across all routes.
	IPRequestsPerMinute int `env:"IP_REQUESTS_PER_MINUTE,default=600"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Auth      Auth      `env:",prefix=AUTH_"`
	Redis     Redis     `env:",prefix=REDIS_"`
	Ledger    Ledger    `env:",prefix=LEDGER_"`
	Gateway   Gateway   `env:",prefix=GATEWAY_"`
	Projector Projector `env:",prefix=PROJECTOR_"`
	Webhook   Webhook   `env:",prefix=WEBHOOK_"`
}

// Auth configures the identity authority and its cookies.
type Auth struct {
	// SigningKey is the hex P-256 private scalar for token signing; generated per process when empty.
	SigningKey    string        `env:"SIGNING_KEY"`
	Domain        string        `env:"DOMAIN,default=marketgate.local"`
	ChallengeTTL  time.Duration `env:"CHALLENGE_TTL,default=5m"`
	AccessTTL     time.Duration `env:"ACCESS_TTL,default=5m"`
	RefreshTTL    time.Duration `env:"REFRESH_TTL,default=120h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=1m"`
	CookieSecure  bool          `env:"COOKIE_SECURE,default=true"`
	CookieDomain  string        `env:"COOKIE_DOMAIN"`
}

// Redis enables shared stores and cross-instance signals when URL is set.
type Redis struct {
	URL string `env:"URL"`
}

// Ledger configures the blockchain-integration node client.
type Ledger struct {
	URL         string        `env:"URL,required"`
	Timeout     time.Duration `env:"TIMEOUT,default=10s"`
	ReaderKey   string        `env:"READER_KEY"`
	MethodsFile string        `env:"METHODS_FILE"`
	TokenField  string        `env:"TOKEN_FIELD,default=tokenId"`
}

// Gateway configures write submission.
type Gateway struct {
	PollInterval time.Duration `env:"POLL_INTERVAL,default=1s"`
	MaxPolls     int           `env:"MAX_POLLS,default=30"`
	Deadline     time.Duration `env:"DEADLINE,default=30s"`
	RateLimit    int           `env:"RATE_LIMIT,default=10"`
	RateWindow   time.Duration `env:"RATE_WINDOW,default=1m"`
}

// Projector configures read-model reconstruction.
type Projector struct {
	FeedWindow     int      `env:"FEED_WINDOW,default=500"`
	ChunkSize      int      `env:"CHUNK_SIZE,default=30"`
	PrimarySellers []string `env:"PRIMARY_SELLERS"`
	PriceDecimals  int32    `env:"PRICE_DECIMALS,default=18"`
}

// Webhook configures the ledger push-subscription endpoint.
type Webhook struct {
	Secret string `env:"SECRET,required"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	if c.Auth.ChallengeTTL < 5*time.Minute || c.Auth.ChallengeTTL > 10*time.Minute {
		return fmt.Errorf("AUTH_CHALLENGE_TTL must be between 5m and 10m, got %s", c.Auth.ChallengeTTL)
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		return fmt.Errorf("AUTH_REFRESH_TTL (%s) must exceed AUTH_ACCESS_TTL (%s)", c.Auth.RefreshTTL, c.Auth.AccessTTL)
	}
	if c.Auth.SweepInterval <= 0 {
		return fmt.Errorf("AUTH_SWEEP_INTERVAL must be positive, got %s", c.Auth.SweepInterval)
	}
	if c.Gateway.PollInterval <= 0 || c.Gateway.MaxPolls <= 0 || c.Gateway.Deadline <= 0 {
		return fmt.Errorf("gateway polling settings must be positive")
	}
	if c.Gateway.RateLimit <= 0 || c.Gateway.RateWindow <= 0 {
		return fmt.Errorf("gateway rate limit settings must be positive")
	}
	if c.Projector.FeedWindow <= 0 || c.Projector.ChunkSize <= 0 {
		return fmt.Errorf("projector window and chunk size must be positive")
	}
	if len(strings.TrimSpace(c.Webhook.Secret)) < 16 {
		return fmt.Errorf("WEBHOOK_SECRET must be at least 16 characters")
	}
	return nil
}
