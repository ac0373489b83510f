package consul

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"

	"failoverd/pkg/coordination"
)

// ConsulLock is a KV lock acquired with a Consul session. The session is
// bound to the node's serf health and to the service's own health check,
// so Consul invalidates it when either fails.
type ConsulLock struct {
	client   *api.Client
	cfg      Config
	name     string
	key      string
	identity string

	sessionID   string
	held        bool
	lastRenewed time.Time
}

func (l *ConsulLock) queryOpts(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx)
}

func (l *ConsulLock) writeOpts(ctx context.Context) *api.WriteOptions {
	return (&api.WriteOptions{}).WithContext(ctx)
}

func (l *ConsulLock) node() (string, error) {
	if l.cfg.Node != "" {
		return l.cfg.Node, nil
	}
	name, err := l.client.Agent().NodeName()
	if err != nil {
		return "", fmt.Errorf("failed to read agent node name: %w", err)
	}
	l.cfg.Node = name
	return name, nil
}

// existingSession finds a session this node created for the same cluster in
// an earlier run.
func (l *ConsulLock) existingSession(ctx context.Context, node string) (string, error) {
	sessions, _, err := l.client.Session().Node(node, l.queryOpts(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to list node sessions: %w", err)
	}

	var found []string
	for _, s := range sessions {
		if s.Name == l.name {
			found = append(found, s.ID)
		}
	}
	if len(found) > 1 {
		return "", fmt.Errorf("multiple %s leader sessions found", l.name)
	}
	if len(found) == 1 {
		return found[0], nil
	}
	return "", nil
}

func (l *ConsulLock) createSession(ctx context.Context) (string, error) {
	node, err := l.node()
	if err != nil {
		return "", err
	}
	if id, err := l.existingSession(ctx, node); err != nil || id != "" {
		return id, err
	}

	id, _, err := l.client.Session().Create(&api.SessionEntry{
		Name:      l.name,
		Node:      node,
		Checks:    []string{"serfHealth", "service:" + l.name},
		LockDelay: l.cfg.LockDelay,
		TTL:       l.cfg.TTL.String(),
		Behavior:  api.SessionBehaviorRelease,
	}, l.writeOpts(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

// renew refreshes the TTL. A nil entry means Consul no longer knows the
// session.
func (l *ConsulLock) renew(ctx context.Context) (bool, error) {
	entry, _, err := l.client.Session().Renew(l.sessionID, l.writeOpts(ctx))
	if err != nil {
		return false, fmt.Errorf("failed to renew session: %w", err)
	}
	return entry != nil, nil
}

func (l *ConsulLock) Acquire(ctx context.Context) (coordination.Acquisition, error) {
	if l.sessionID != "" {
		alive, err := l.renew(ctx)
		if err != nil {
			return coordination.Acquisition{}, err
		}
		if !alive {
			wasHeld := l.held
			l.sessionID, l.held = "", false
			if wasHeld {
				return coordination.Acquisition{}, fmt.Errorf("%w: lock %s", coordination.ErrSessionExpired, l.key)
			}
		}
	}

	if l.sessionID == "" {
		id, err := l.createSession(ctx)
		if err != nil {
			return coordination.Acquisition{}, err
		}
		l.sessionID = id
	}

	ok, _, err := l.client.KV().Acquire(&api.KVPair{
		Key:     l.key,
		Value:   []byte(l.identity),
		Session: l.sessionID,
	}, l.writeOpts(ctx))
	if err != nil {
		return coordination.Acquisition{}, fmt.Errorf("lock acquire failed: %w", err)
	}

	if ok {
		l.held = true
		l.lastRenewed = time.Now()
		return coordination.Acquisition{Held: true}, nil
	}

	if l.held {
		l.held = false
		return coordination.Acquisition{}, fmt.Errorf("%w: lock %s no longer owned by session %s", coordination.ErrSessionExpired, l.key, l.sessionID)
	}
	return coordination.Acquisition{}, nil
}

func (l *ConsulLock) Holder(ctx context.Context) (string, error) {
	pair, _, err := l.client.KV().Get(l.key, l.queryOpts(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to read lock key: %w", err)
	}
	if pair == nil || pair.Session == "" {
		return "", nil
	}
	if len(pair.Value) > 0 {
		return string(pair.Value), nil
	}

	entry, _, err := l.client.Session().Info(pair.Session, l.queryOpts(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to read holder session: %w", err)
	}
	if entry == nil {
		return "", fmt.Errorf("%s is leader-locked by invalid session ID: %s", l.name, pair.Session)
	}
	return entry.Node, nil
}

func (l *ConsulLock) Release(ctx context.Context) error {
	if l.sessionID == "" {
		return nil
	}
	id := l.sessionID
	l.sessionID, l.held = "", false

	var errs []error
	if _, _, err := l.client.KV().Release(&api.KVPair{Key: l.key, Session: id}, l.writeOpts(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("failed to release lock: %w", err))
	}
	if _, err := l.client.Session().Destroy(id, l.writeOpts(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
	}
	return errors.Join(errs...)
}

func (l *ConsulLock) Session() (coordination.SessionInfo, bool) {
	if l.sessionID == "" {
		return coordination.SessionInfo{}, false
	}
	return coordination.SessionInfo{ID: l.sessionID, TTL: l.cfg.TTL, LastRenewed: l.lastRenewed}, true
}
