package billing

import (
	"log/slog"
	"time"
)

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source. Tests inject a fixed clock here.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithGatewayTimeout bounds each individual gateway call. Defaults to 10s.
func WithGatewayTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.gatewayTimeout = d
		}
	}
}

// WithRetryAttempts sets how many times a gateway call is retried after
// ErrGatewayUnavailable. Zero disables retries.
func WithRetryAttempts(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.retryAttempts = n
		}
	}
}

// WithBackoff sets the retry delay strategy for transient gateway failures.
func WithBackoff(b BackoffStrategy) Option {
	return func(s *Service) {
		if b != nil {
			s.backoff = b
		}
	}
}
