package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"failoverd/pkg/coordination"
)

// EtcdLock is a single-key lock whose ownership is tied to a session lease.
// The key holds the owner's identity, so the holder can be read without a
// session.
type EtcdLock struct {
	client   *clientv3.Client
	key      string
	identity string
	ttl      int

	session     *concurrency.Session
	held        bool
	lastRenewed time.Time
}

// Acquire creates the key under our lease when it does not exist. When it
// exists, we hold the lock only if the key is attached to our live lease.
func (l *EtcdLock) Acquire(ctx context.Context) (coordination.Acquisition, error) {
	if l.session != nil && sessionDone(l.session) {
		return coordination.Acquisition{}, l.expire()
	}

	if l.session == nil {
		sess, err := newSession(ctx, l.client, l.ttl)
		if err != nil {
			return coordination.Acquisition{}, err
		}
		l.session = sess
	}
	lease := l.session.Lease()

	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(l.key), "=", 0)).
		Then(clientv3.OpPut(l.key, l.identity, clientv3.WithLease(lease))).
		Else(clientv3.OpGet(l.key)).
		Commit()
	if err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return coordination.Acquisition{}, l.expire()
		}
		return coordination.Acquisition{}, fmt.Errorf("lock transaction failed: %w", err)
	}

	if resp.Succeeded {
		l.confirm()
		return coordination.Acquisition{Held: true}, nil
	}

	rng := resp.Responses[0].GetResponseRange()
	if rng == nil || len(rng.Kvs) == 0 {
		// deleted between compare and get; let the next tick retry
		return coordination.Acquisition{}, nil
	}
	kv := rng.Kvs[0]
	if clientv3.LeaseID(kv.Lease) == lease {
		l.confirm()
		return coordination.Acquisition{Held: true}, nil
	}

	if l.held {
		// we believed we held it but the key belongs to another lease now
		l.held = false
		return coordination.Acquisition{}, fmt.Errorf("%w: lock %s taken over by %s", coordination.ErrSessionExpired, l.key, kv.Value)
	}
	return coordination.Acquisition{Holder: string(kv.Value)}, nil
}

func (l *EtcdLock) confirm() {
	l.held = true
	l.lastRenewed = time.Now()
}

// expire drops the dead session. It reports ErrSessionExpired only when the
// session was backing a held lock.
func (l *EtcdLock) expire() error {
	if l.session != nil {
		l.session.Orphan()
		l.session = nil
	}
	wasHeld := l.held
	l.held = false
	if wasHeld {
		return fmt.Errorf("%w: lock %s", coordination.ErrSessionExpired, l.key)
	}
	return errors.New("lock session lost before acquisition")
}

func (l *EtcdLock) Holder(ctx context.Context) (string, error) {
	resp, err := l.client.Get(ctx, l.key)
	if err != nil {
		return "", fmt.Errorf("failed to read lock holder: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

// Release deletes the key if it is still ours and revokes the lease.
func (l *EtcdLock) Release(ctx context.Context) error {
	if l.session == nil {
		return nil
	}
	sess := l.session
	l.session = nil
	l.held = false
	sess.Orphan()

	lease := sess.Lease()
	_, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.LeaseValue(l.key), "=", lease)).
		Then(clientv3.OpDelete(l.key)).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to delete lock key: %w", err)
	}
	if _, err := l.client.Revoke(ctx, lease); err != nil {
		return fmt.Errorf("failed to revoke lock lease: %w", err)
	}
	return nil
}

func (l *EtcdLock) Session() (coordination.SessionInfo, bool) {
	if l.session == nil {
		return coordination.SessionInfo{}, false
	}
	return coordination.SessionInfo{
		ID:          fmt.Sprintf("%x", int64(l.session.Lease())),
		TTL:         time.Duration(l.ttl) * time.Second,
		LastRenewed: l.lastRenewed,
	}, true
}
