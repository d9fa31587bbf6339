package upstream

import (
	"errors"
	"sync"
	"time"

	"github.com/api200/gateway/internal/apierr"
	"github.com/api200/gateway/internal/logging"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when the breaker for an upstream host is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker keeps one gobreaker per upstream host.
type CircuitBreaker struct {
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex
	settings BreakerSettings
	logger   *zap.Logger
}

type BreakerSettings struct {
	MaxRequests      uint32        // Max requests allowed in half-open state
	Interval         time.Duration // Period for collecting stats
	Timeout          time.Duration // Time before transitioning from open to half-open
	FailureThreshold float64       // Failure ratio to trip (0.0-1.0)
	MinRequests      uint32        // Minimum requests before checking failure ratio
}

var DefaultBreakerSettings = BreakerSettings{
	MaxRequests:      3,
	Interval:         60 * time.Second,
	Timeout:          30 * time.Second,
	FailureThreshold: 0.6,
	MinRequests:      10,
}

func NewCircuitBreaker(settings BreakerSettings, logger *zap.Logger) *CircuitBreaker {
	if settings.MaxRequests == 0 {
		settings = DefaultBreakerSettings
	}
	if logger == nil {
		logger = logging.L()
	}
	return &CircuitBreaker{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
		logger:   logger.With(logging.Component("breaker")),
	}
}

// Execute runs fn under the breaker for host.
func (cb *CircuitBreaker) Execute(host string, fn func() (*Response, error)) (*Response, error) {
	result, err := cb.getOrCreate(host).Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	resp, _ := result.(*Response)
	return resp, err
}

func (cb *CircuitBreaker) State(host string) gobreaker.State {
	cb.mu.RLock()
	breaker, exists := cb.breakers[host]
	cb.mu.RUnlock()

	if !exists {
		return gobreaker.StateClosed
	}
	return breaker.State()
}

func (cb *CircuitBreaker) getOrCreate(host string) *gobreaker.CircuitBreaker {
	cb.mu.RLock()
	breaker, exists := cb.breakers[host]
	cb.mu.RUnlock()

	if exists {
		return breaker
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if breaker, exists := cb.breakers[host]; exists {
		return breaker
	}

	breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: cb.settings.MaxRequests,
		Interval:    cb.settings.Interval,
		Timeout:     cb.settings.Timeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cb.settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cb.settings.FailureThreshold
		},

		// Client errors say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			var upErr *apierr.UpstreamError
			if errors.As(err, &upErr) {
				return upErr.Status >= 400 && upErr.Status < 500
			}
			return err == nil
		},

		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			cb.logger.Warn("circuit breaker state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	cb.breakers[host] = breaker
	return breaker
}
