package billing

import (
	"errors"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config carries the runtime settings for the billing core.
type Config struct {
	// PlansPath points at the YAML plan catalog. Empty means DefaultPlans.
	PlansPath string `env:"BILLING_PLANS_PATH"`

	ScanInterval   time.Duration `env:"BILLING_SCAN_INTERVAL" envDefault:"1h"`
	EventRetention time.Duration `env:"BILLING_EVENT_RETENTION" envDefault:"720h"`
	GatewayTimeout time.Duration `env:"BILLING_GATEWAY_TIMEOUT" envDefault:"10s"`
	RetryAttempts  int           `env:"BILLING_GATEWAY_RETRY_ATTEMPTS" envDefault:"2"`

	// WebhookSecret signs stub-gateway payloads; the Paddle gateway carries
	// its own secret in PaddleConfig.
	WebhookSecret string `env:"BILLING_WEBHOOK_SECRET"`
}

var defaultEnvLoaded sync.Once

// LoadConfig populates cfg from environment variables, reading a .env file
// first when one exists.
func LoadConfig[T any](cfg *T) error {
	defaultEnvLoaded.Do(func() {
		// The .env file is optional.
		_ = godotenv.Load()
	})
	if cfg == nil {
		return errors.New("config target must not be nil")
	}
	if err := env.Parse(cfg); err != nil {
		return errors.Join(errors.New("failed to parse config"), err)
	}
	return nil
}

// MustLoadConfig panics when required environment variables are missing.
// Broken configuration should stop the process before it serves traffic.
func MustLoadConfig[T any](cfg *T) {
	if err := LoadConfig(cfg); err != nil {
		panic(err)
	}
}
