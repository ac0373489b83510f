package consul

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"failoverd/pkg/coordination"
)

func newTestCoordinator(t *testing.T, node string) (*fakeAgent, *ConsulCoordinator) {
	agent, srv := newFakeAgent(t, node)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Address = u.Host
	cfg.CheckURL = "http://127.0.0.1:8000/health"
	c, err := NewConsulCoordinator(cfg)
	require.NoError(t, err)
	return agent, c
}

func TestAcquire_CreatesSessionAndTakesLock(t *testing.T) {
	agent, c := newTestCoordinator(t, "db1")
	lock := c.NewLock("db", "db1")

	acq, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, acq.Held)
	assert.Equal(t, 1, agent.count("session.create"))

	info, ok := lock.Session()
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, info.TTL)

	sess := agent.sessions[info.ID]
	require.NotNil(t, sess)
	assert.Equal(t, []string{"serfHealth", "service:db"}, sess.Checks)
	assert.Equal(t, api.SessionBehaviorRelease, sess.Behavior)

	// renewal keeps the same session
	acq, err = lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, acq.Held)
	assert.Equal(t, 1, agent.count("session.create"))
	assert.Equal(t, 1, agent.count("session.renew"))
}

func TestAcquire_ReusesExistingSessionOnNode(t *testing.T) {
	agent, c := newTestCoordinator(t, "db1")
	agent.sessions["old"] = &api.SessionEntry{ID: "old", Name: "db", Node: "db1"}

	lock := c.NewLock("db", "db1")
	_, err := lock.Acquire(context.Background())
	require.NoError(t, err)

	info, _ := lock.Session()
	assert.Equal(t, "old", info.ID)
	assert.Equal(t, 0, agent.count("session.create"))
}

func TestAcquire_RejectsDuplicateSessions(t *testing.T) {
	agent, c := newTestCoordinator(t, "db1")
	agent.sessions["a"] = &api.SessionEntry{ID: "a", Name: "db", Node: "db1"}
	agent.sessions["b"] = &api.SessionEntry{ID: "b", Name: "db", Node: "db1"}

	_, err := c.NewLock("db", "db1").Acquire(context.Background())
	assert.ErrorContains(t, err, "multiple db leader sessions")
}

func TestAcquire_HeldByOther(t *testing.T) {
	_, c := newTestCoordinator(t, "db1")
	a := c.NewLock("db", "db1")
	b := c.NewLock("db", "db2").(*ConsulLock)
	b.cfg.Node = "db2"

	_, err := a.Acquire(context.Background())
	require.NoError(t, err)

	acq, err := b.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, acq.Held)

	holder, err := b.Holder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "db1", holder)
}

func TestAcquire_ConnectivityErrorIsNotAnAnswer(t *testing.T) {
	agent, c := newTestCoordinator(t, "db1")
	lock := c.NewLock("db", "db1")
	agent.setDown(true)

	acq, err := lock.Acquire(context.Background())
	assert.Error(t, err)
	assert.False(t, acq.Held)
	assert.Empty(t, acq.Holder)

	_, err = lock.Holder(context.Background())
	assert.Error(t, err)
}

func TestAcquire_InvalidatedSessionReportsExpiry(t *testing.T) {
	agent, c := newTestCoordinator(t, "db1")
	lock := c.NewLock("db", "db1")

	_, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	info, _ := lock.Session()
	agent.dropSession(info.ID)

	_, err = lock.Acquire(context.Background())
	assert.True(t, errors.Is(err, coordination.ErrSessionExpired))

	acq, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, acq.Held, "a new session reacquires the free lock")
	assert.Equal(t, 2, agent.count("session.create"))
}

func TestHolder_FreeLockAndSessionFallback(t *testing.T) {
	agent, c := newTestCoordinator(t, "db1")
	lock := c.NewLock("db", "db1")

	holder, err := lock.Holder(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holder)

	agent.sessions["s"] = &api.SessionEntry{ID: "s", Node: "db3"}
	agent.kv["lock/db/leader"] = &api.KVPair{Key: "lock/db/leader", Session: "s"}
	holder, err = lock.Holder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "db3", holder)

	agent.kv["lock/db/leader"].Session = "gone"
	_, err = lock.Holder(context.Background())
	assert.ErrorContains(t, err, "invalid session ID")
}

func TestRelease_DestroysSession(t *testing.T) {
	agent, c := newTestCoordinator(t, "db1")
	lock := c.NewLock("db", "db1")
	_, err := lock.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, lock.Release(context.Background()))
	assert.Equal(t, 1, agent.count("session.destroy"))
	_, ok := lock.Session()
	assert.False(t, ok)

	holder, err := lock.Holder(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holder)

	require.NoError(t, lock.Release(context.Background()), "second release is a no-op")
	assert.Equal(t, 1, agent.count("session.destroy"))
}

func TestRegistry_RegisterWithCheckAndDeregister(t *testing.T) {
	agent, c := newTestCoordinator(t, "db1")
	svc := coordination.Service{Name: "db", Address: "db1", Port: 3306, Tags: []string{"master"}}

	require.NoError(t, c.Register(context.Background(), svc))
	reg := agent.services["db"]
	require.NotNil(t, reg)
	assert.Equal(t, []string{"master"}, reg.Tags)
	assert.Equal(t, 3306, reg.Port)
	require.NotNil(t, reg.Check)
	assert.Equal(t, "http://127.0.0.1:8000/health", reg.Check.HTTP)
	assert.Equal(t, "30s", reg.Check.Interval)

	require.NoError(t, c.Deregister(context.Background(), "db"))
	assert.Empty(t, agent.services)
}

func TestRegistry_HungAgentHonoursDeadline(t *testing.T) {
	agent, c := newTestCoordinator(t, "db1")
	agent.hangOn("/v1/agent/service/")
	svc := coordination.Service{Name: "db", Address: "db1", Port: 3306}

	calls := map[string]func(context.Context) error{
		"register":   func(ctx context.Context) error { return c.Register(ctx, svc) },
		"deregister": func(ctx context.Context) error { return c.Deregister(ctx, "db") },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			start := time.Now()
			err := call(ctx)
			assert.Error(t, err)
			assert.Less(t, time.Since(start), 2*time.Second)
		})
	}
}

func TestAcquire_HungNodeLookupTimesOut(t *testing.T) {
	agent, srv := newFakeAgent(t, "db1")
	agent.hangOn("/v1/agent/self")
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Address = u.Host
	cfg.RequestTimeout = 200 * time.Millisecond
	c, err := NewConsulCoordinator(cfg)
	require.NoError(t, err)

	start := time.Now()
	acq, err := c.NewLock("db", "db1").Acquire(context.Background())
	assert.ErrorContains(t, err, "failed to read agent node name")
	assert.False(t, acq.Held)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestKV_PutGet(t *testing.T) {
	_, c := newTestCoordinator(t, "db1")

	_, err := c.Get(context.Background(), "mysql/db1/transactions")
	assert.True(t, errors.Is(err, coordination.ErrNotFound))

	require.NoError(t, c.Put(context.Background(), "mysql/db1/transactions", "uuid:1-10"))
	v, err := c.Get(context.Background(), "mysql/db1/transactions")
	require.NoError(t, err)
	assert.Equal(t, "uuid:1-10", v)
}
