// Package breaker builds circuit breakers for outbound provider calls.
package breaker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Config tunes when a breaker trips and how long it stays open.
type Config struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	MinRequests         uint32        `mapstructure:"min_requests"`
	FailureRatio        float64       `mapstructure:"failure_ratio"`
}

// DefaultConfig trips after 5 consecutive failures or a 50% failure ratio over 10 requests.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
		MinRequests:         10,
		FailureRatio:        0.5,
	}
}

// New creates a breaker that logs every state change.
func New(name string, cfg Config, log zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests == 0 || cfg.MinRequests == 0 || counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}
