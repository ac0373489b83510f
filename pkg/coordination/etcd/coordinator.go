package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"failoverd/pkg/coordination"
)

const (
	lockPrefix     = "/failover/locks/"
	servicesPrefix = "/services/"
	kvPrefix       = "/failover/kv/"
)

type EtcdCoordinator struct {
	client *clientv3.Client
	ttl    int

	// registration lease, separate from any lock session so that a lost
	// lock does not take the service entry with it
	mu         sync.Mutex
	regSession *concurrency.Session
}

func NewEtcdCoordinator(endpoints []string, ttl int) (*EtcdCoordinator, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return NewEtcdCoordinatorFromClient(cli, ttl), nil
}

// NewEtcdCoordinatorFromClient wraps an existing client. The coordinator
// takes ownership of it.
func NewEtcdCoordinatorFromClient(cli *clientv3.Client, ttl int) *EtcdCoordinator {
	return &EtcdCoordinator{client: cli, ttl: ttl}
}

func (c *EtcdCoordinator) Close() error {
	c.mu.Lock()
	if c.regSession != nil {
		c.regSession.Orphan()
		c.regSession = nil
	}
	c.mu.Unlock()
	return c.client.Close()
}

func (c *EtcdCoordinator) NewLock(name, identity string) coordination.Lock {
	return &EtcdLock{
		client:   c.client,
		key:      lockPrefix + name + "/leader",
		identity: identity,
		ttl:      c.ttl,
	}
}

// newSession grants a lease bounded by ctx and hands it to a concurrency
// session, whose keepalive runs on the client context.
func newSession(ctx context.Context, cli *clientv3.Client, ttl int) (*concurrency.Session, error) {
	lease, err := cli.Grant(ctx, int64(ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to grant lease: %w", err)
	}
	sess, err := concurrency.NewSession(cli, concurrency.WithLease(lease.ID), concurrency.WithTTL(ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}
	return sess, nil
}

func sessionDone(s *concurrency.Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func (c *EtcdCoordinator) registrationSession(ctx context.Context) (*concurrency.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.regSession != nil && !sessionDone(c.regSession) {
		return c.regSession, nil
	}
	sess, err := newSession(ctx, c.client, c.ttl)
	if err != nil {
		return nil, err
	}
	c.regSession = sess
	return sess, nil
}

func serviceKey(name, address string) string {
	return servicesPrefix + name + "/" + address
}

// Register writes the service record under a lease so that the entry
// disappears on its own if this process dies.
func (c *EtcdCoordinator) Register(ctx context.Context, svc coordination.Service) error {
	sess, err := c.registrationSession(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("failed to marshal service: %w", err)
	}

	_, err = c.client.Put(ctx, serviceKey(svc.Name, svc.Address), string(payload), clientv3.WithLease(sess.Lease()))
	if err != nil {
		return fmt.Errorf("failed to put service key: %w", err)
	}
	return nil
}

// EntryLost reports whether the registration lease has expired, taking the
// service record with it. The next Register writes under a fresh lease.
func (c *EtcdCoordinator) EntryLost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regSession != nil && sessionDone(c.regSession)
}

// Deregister deletes every record of the named service written through
// this coordinator's lease and revokes the lease.
func (c *EtcdCoordinator) Deregister(ctx context.Context, name string) error {
	c.mu.Lock()
	sess := c.regSession
	c.regSession = nil
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	sess.Orphan()

	resp, err := c.client.Get(ctx, servicesPrefix+name+"/", clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to list service keys: %w", err)
	}
	for _, kv := range resp.Kvs {
		if clientv3.LeaseID(kv.Lease) != sess.Lease() {
			continue
		}
		if _, err := c.client.Delete(ctx, string(kv.Key)); err != nil {
			return fmt.Errorf("failed to delete service key: %w", err)
		}
	}

	if _, err := c.client.Revoke(ctx, sess.Lease()); err != nil {
		return fmt.Errorf("failed to revoke registration lease: %w", err)
	}
	return nil
}

// Services lists the registered entries of a service.
func (c *EtcdCoordinator) Services(ctx context.Context, name string) ([]coordination.Service, error) {
	resp, err := c.client.Get(ctx, servicesPrefix+name+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	var services []coordination.Service
	for _, kv := range resp.Kvs {
		var svc coordination.Service
		if err := json.Unmarshal(kv.Value, &svc); err != nil {
			return nil, fmt.Errorf("invalid service record %s: %w", kv.Key, err)
		}
		services = append(services, svc)
	}
	return services, nil
}

func (c *EtcdCoordinator) Put(ctx context.Context, key, value string) error {
	if _, err := c.client.Put(ctx, path.Join(kvPrefix, key), value); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (c *EtcdCoordinator) Get(ctx context.Context, key string) (string, error) {
	resp, err := c.client.Get(ctx, path.Join(kvPrefix, key))
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", coordination.ErrNotFound
	}
	return string(resp.Kvs[0].Value), nil
}

var _ coordination.EntryLoss = (*EtcdCoordinator)(nil)
