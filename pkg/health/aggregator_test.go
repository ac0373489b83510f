package health

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeChecker struct {
	ok     bool
	detail string
	calls  int
}

func (f *fakeChecker) Health(context.Context) (bool, string) {
	f.calls++
	return f.ok, f.detail
}

func TestAggregator_InitialStatusIsUnhealthy(t *testing.T) {
	a := NewAggregator(&fakeChecker{}, zap.NewNop())
	s := a.Status()
	assert.False(t, s.Healthy)
	assert.Equal(t, "health not checked yet", s.Detail)
	assert.True(t, s.CheckedAt.IsZero())
}

func TestAggregator_RefreshCachesResult(t *testing.T) {
	checker := &fakeChecker{ok: true, detail: "Solr operating with 2 cores"}
	a := NewAggregator(checker, zap.NewNop())

	s := a.Refresh(context.Background())
	assert.True(t, s.Healthy)
	assert.Equal(t, s, a.Status())

	// reads never reach the adapter
	for i := 0; i < 5; i++ {
		a.Status()
	}
	assert.Equal(t, 1, checker.calls)
}

func TestAggregator_LogsOnlyTransitions(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	checker := &fakeChecker{ok: true, detail: "ok"}
	a := NewAggregator(checker, zap.New(core))

	a.Refresh(context.Background())
	a.Refresh(context.Background())
	checker.ok, checker.detail = false, "missing databases: app"
	a.Refresh(context.Background())
	a.Refresh(context.Background())

	entries := logs.AllUntimed()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "Service is healthy", entries[0].Message)
		assert.Equal(t, "Service is not healthy", entries[1].Message)
	}
}

func TestAggregator_ConcurrentReaders(t *testing.T) {
	checker := &fakeChecker{ok: true, detail: "ok"}
	a := NewAggregator(checker, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = a.Status()
			}
		}()
	}
	for i := 0; i < 50; i++ {
		a.Refresh(context.Background())
	}
	wg.Wait()
	assert.True(t, a.Status().Healthy)
}
