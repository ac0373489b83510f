package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"failoverd/pkg/metrics"
)

// Guard serialises calls into an Adapter and bounds each one by a timeout.
//
// A call that outlives its timeout keeps running in the background because
// most applications cannot be interrupted half way through a role change.
// Until it returns, every new call fails with ErrAdapterBusy so that two
// adapter operations never overlap.
type Guard struct {
	adapter Adapter
	timeout time.Duration

	mu       sync.Mutex
	inflight bool
}

func NewGuard(a Adapter, timeout time.Duration) *Guard {
	return &Guard{adapter: a, timeout: timeout}
}

func (g *Guard) Health(ctx context.Context) (bool, string) {
	var (
		ok     bool
		detail string
	)
	err := g.call(ctx, "health", func(ctx context.Context) error {
		ok, detail = g.adapter.Health(ctx)
		return nil
	})
	if err != nil {
		return false, fmt.Sprintf("health check failed: %v", err)
	}
	return ok, detail
}

func (g *Guard) EnsureMaster(ctx context.Context) error {
	return g.call(ctx, "ensure_master", g.adapter.EnsureMaster)
}

func (g *Guard) EnsureSlave(ctx context.Context, master string) error {
	return g.call(ctx, "ensure_slave", func(ctx context.Context) error {
		return g.adapter.EnsureSlave(ctx, master)
	})
}

// Busy reports whether a timed-out call is still running.
func (g *Guard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}

func (g *Guard) call(ctx context.Context, op string, fn func(context.Context) error) (err error) {
	defer func() {
		metrics.RecordAdapterCall(op, err)
	}()

	g.mu.Lock()
	if g.inflight {
		g.mu.Unlock()
		return ErrAdapterBusy
	}
	g.inflight = true
	g.mu.Unlock()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	result := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("adapter %s panicked: %v", op, r)
			}
			// cleared before the result is delivered so the caller's next
			// call is never refused
			g.mu.Lock()
			g.inflight = false
			g.mu.Unlock()
			result <- err
		}()
		err = fn(ctx)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("adapter %s: %w", op, ctx.Err())
	}
}
