package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/naturenet/naturenet-node/internal/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	breakerMaxRequests      = 1
	breakerInterval         = time.Minute
	breakerTimeout          = 30 * time.Second
	breakerFailureThreshold = 5
	defaultRatePerSecond    = 5.0
)

// guard puts a token bucket and a circuit breaker in front of one outbound backend.
type guard struct {
	name    string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func newGuard(name string, ratePerSecond float64, logger *zap.Logger) *guard {
	if ratePerSecond <= 0 {
		ratePerSecond = defaultRatePerSecond
	}
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	metrics.RecordBreakerState(name, 0)

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.RecordBreakerState(name, breakerStateValue(to))
		},
	})

	return &guard{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		breaker: breaker,
	}
}

func (g *guard) do(ctx context.Context, fn func(context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify: %s rate limit: %w", g.name, err)
	}
	_, err := g.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, g.name)
	}
	return err
}

func breakerStateValue(state gobreaker.State) int {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
