package bus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"go.chandispatch.dev/internal/common/metrics"
)

// BreakingCaller wraps a ClientCaller with a per-client-bus-name circuit
// breaker, so a client that is owned but wedged degrades to fast failures
// instead of hanging a Dispatch Context indefinitely.
type BreakingCaller struct {
	inner ClientCaller
	log   zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakingCaller(inner ClientCaller, log zerolog.Logger) *BreakingCaller {
	return &BreakingCaller{inner: inner, log: log, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *BreakingCaller) breakerFor(busName string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[busName]; ok {
		return cb
	}
	name := busName
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.log.Info().Str("client", name).Str("from", from.String()).Str("to", to.String()).
				Msg("client circuit breaker state changed")
			var value float64
			switch to {
			case gobreaker.StateClosed:
				value = metrics.CircuitBreakerClosed
			case gobreaker.StateOpen:
				value = metrics.CircuitBreakerOpen
				metrics.BusCircuitBreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				value = metrics.CircuitBreakerHalfOpen
			}
			metrics.BusCircuitBreakerState.WithLabelValues(name).Set(value)
		},
	})
	b.breakers[busName] = cb
	return cb
}

func (b *BreakingCaller) call(busName, method string, fn func() error) error {
	cb := b.breakerFor(busName)
	start := time.Now()
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.BusCallDuration.WithLabelValues(method, result).Observe(time.Since(start).Seconds())
	return err
}

func (b *BreakingCaller) ObserveChannels(ctx context.Context, busName string, batch ChannelBatch) error {
	return b.call(busName, "observe_channels", func() error { return b.inner.ObserveChannels(ctx, busName, batch) })
}

func (b *BreakingCaller) AddDispatchOperation(ctx context.Context, busName string, op OperationInfo) error {
	return b.call(busName, "add_dispatch_operation", func() error { return b.inner.AddDispatchOperation(ctx, busName, op) })
}

func (b *BreakingCaller) HandleChannels(ctx context.Context, busName string, batch ChannelBatch) error {
	return b.call(busName, "handle_channels", func() error { return b.inner.HandleChannels(ctx, busName, batch) })
}

func (b *BreakingCaller) AddRequest(ctx context.Context, busName string, req RequestInfo) error {
	return b.call(busName, "add_request", func() error { return b.inner.AddRequest(ctx, busName, req) })
}

func (b *BreakingCaller) RemoveRequest(ctx context.Context, busName string, requestPath string) error {
	return b.call(busName, "remove_request", func() error { return b.inner.RemoveRequest(ctx, busName, requestPath) })
}

func (b *BreakingCaller) GetHandledChannels(ctx context.Context, busName string) ([]string, error) {
	var out []string
	err := b.call(busName, "get_handled_channels", func() error {
		var innerErr error
		out, innerErr = b.inner.GetHandledChannels(ctx, busName)
		return innerErr
	})
	return out, err
}
