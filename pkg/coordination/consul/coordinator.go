package consul

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"

	"failoverd/pkg/coordination"
)

// Config holds Consul connection and registration settings.
type Config struct {
	Address string
	// Node overrides the agent's node name for session lookups.
	Node string
	// TTL of lock sessions. Consul enforces a 10s minimum.
	TTL time.Duration
	// LockDelay blocks re-acquisition after a session is invalidated.
	LockDelay time.Duration
	// CheckURL is polled by the agent to gate the service's health.
	CheckURL      string
	CheckInterval time.Duration
	// RequestTimeout bounds every agent request, including the ones the
	// client library cannot bind to a context.
	RequestTimeout time.Duration
}

// DefaultConfig talks to the local agent with a one second lock delay and
// 30s health checks.
func DefaultConfig() Config {
	return Config{
		Address:        "127.0.0.1:8500",
		TTL:            10 * time.Second,
		LockDelay:      time.Second,
		CheckInterval:  30 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

type ConsulCoordinator struct {
	client *api.Client
	cfg    Config
}

func NewConsulCoordinator(cfg Config) (*ConsulCoordinator, error) {
	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.RequestTimeout > 0 {
		httpClient, err := api.NewHttpClient(apiCfg.Transport, apiCfg.TLSConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create consul http client: %w", err)
		}
		httpClient.Timeout = cfg.RequestTimeout
		apiCfg.HttpClient = httpClient
	}
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	if cfg.TTL < 10*time.Second {
		cfg.TTL = 10 * time.Second
	}
	return &ConsulCoordinator{client: client, cfg: cfg}, nil
}

// Close is a no-op: the HTTP client holds no long-lived resources.
func (c *ConsulCoordinator) Close() error {
	return nil
}

func (c *ConsulCoordinator) NewLock(name, identity string) coordination.Lock {
	return &ConsulLock{
		client:   c.client,
		cfg:      c.cfg,
		name:     name,
		key:      fmt.Sprintf("lock/%s/leader", name),
		identity: identity,
	}
}

func (c *ConsulCoordinator) Register(ctx context.Context, svc coordination.Service) error {
	reg := &api.AgentServiceRegistration{
		ID:      svc.Name,
		Name:    svc.Name,
		Address: svc.Address,
		Port:    svc.Port,
		Tags:    svc.Tags,
	}
	if c.cfg.CheckURL != "" {
		reg.Check = &api.AgentServiceCheck{
			HTTP:     c.cfg.CheckURL,
			Interval: c.cfg.CheckInterval.String(),
		}
	}
	opts := api.ServiceRegisterOpts{}.WithContext(ctx)
	if err := c.client.Agent().ServiceRegisterOpts(reg, opts); err != nil {
		return fmt.Errorf("failed to register service %s: %w", svc.Name, err)
	}
	return nil
}

func (c *ConsulCoordinator) Deregister(ctx context.Context, name string) error {
	if err := c.client.Agent().ServiceDeregisterOpts(name, (&api.QueryOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to deregister service %s: %w", name, err)
	}
	return nil
}

func (c *ConsulCoordinator) Put(ctx context.Context, key, value string) error {
	_, err := c.client.KV().Put(&api.KVPair{Key: key, Value: []byte(value)}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (c *ConsulCoordinator) Get(ctx context.Context, key string) (string, error) {
	pair, _, err := c.client.KV().Get(key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	if pair == nil {
		return "", coordination.ErrNotFound
	}
	return string(pair.Value), nil
}
