package health

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"failoverd/pkg/metrics"
)

// Checker is the health half of an application adapter.
type Checker interface {
	Health(ctx context.Context) (bool, string)
}

// Status is an immutable health result.
type Status struct {
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail"`
	CheckedAt time.Time `json:"checked_at"`
}

// Aggregator polls the application's health from the coordination loop and
// caches the result for readers on other goroutines.
//
// Health is advisory: it is published to the HTTP endpoint (and through it
// to the registry's own health checks) but does not gate lock acquisition.
type Aggregator struct {
	checker Checker
	logger  *zap.Logger

	status atomic.Pointer[Status]
}

func NewAggregator(checker Checker, logger *zap.Logger) *Aggregator {
	a := &Aggregator{checker: checker, logger: logger}
	a.status.Store(&Status{Detail: "health not checked yet"})
	return a
}

// Refresh runs one health check and publishes the result. Only the
// coordination loop calls it.
func (a *Aggregator) Refresh(ctx context.Context) Status {
	ok, detail := a.checker.Health(ctx)
	next := &Status{Healthy: ok, Detail: detail, CheckedAt: time.Now()}

	prev := a.status.Swap(next)
	if prev.CheckedAt.IsZero() || prev.Healthy != ok {
		if ok {
			a.logger.Info("Service is healthy", zap.String("detail", detail))
		} else {
			a.logger.Warn("Service is not healthy", zap.String("detail", detail))
		}
	}
	metrics.SetHealthy(ok)
	return *next
}

// Status returns the last published result.
func (a *Aggregator) Status() Status {
	return *a.status.Load()
}
