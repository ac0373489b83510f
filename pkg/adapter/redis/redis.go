// Package redis drives a Redis server between master and replica with
// REPLICAOF.
package redis

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"failoverd/pkg/adapter"
)

type Config struct {
	Addr     string
	Password string
	// Port replicas use to reach the master.
	Port         int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		Port:         6379,
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

type Adapter struct {
	client *redis.Client
	port   string
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Adapter {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		PoolSize:     2,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Adapter{client: client, port: strconv.Itoa(cfg.Port), logger: logger}
}

func (a *Adapter) Close() error {
	return a.client.Close()
}

func (a *Adapter) Health(ctx context.Context) (bool, string) {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return false, fmt.Sprintf("Redis ping failed: %v", err)
	}
	info, err := a.replication(ctx)
	if err != nil {
		return false, err.Error()
	}
	switch info["role"] {
	case "master":
		return true, fmt.Sprintf("Redis serving as master with %s connected replicas", info["connected_slaves"])
	case "slave":
		return true, fmt.Sprintf("Redis replicating from %s:%s, link %s",
			info["master_host"], info["master_port"], info["master_link_status"])
	default:
		return false, fmt.Sprintf("Redis reports unexpected role %q", info["role"])
	}
}

func (a *Adapter) EnsureMaster(ctx context.Context) error {
	info, err := a.replication(ctx)
	if err != nil {
		return err
	}
	if info["role"] == "master" {
		return nil
	}
	a.logger.Info("Promoting Redis to master", zap.String("previous_master", info["master_host"]))
	if err := a.client.Do(ctx, "REPLICAOF", "NO", "ONE").Err(); err != nil {
		return fmt.Errorf("REPLICAOF NO ONE: %w", err)
	}
	return nil
}

func (a *Adapter) EnsureSlave(ctx context.Context, master string) error {
	info, err := a.replication(ctx)
	if err != nil {
		return err
	}
	if info["role"] == "slave" && info["master_host"] == master && info["master_port"] == a.port {
		return nil
	}
	a.logger.Info("Becoming a replica", zap.String("master", master), zap.String("port", a.port))
	if err := a.client.Do(ctx, "REPLICAOF", master, a.port).Err(); err != nil {
		return fmt.Errorf("REPLICAOF %s %s: %w", master, a.port, err)
	}
	return nil
}

func (a *Adapter) replication(ctx context.Context) (map[string]string, error) {
	raw, err := a.client.Info(ctx, "replication").Result()
	if err != nil {
		return nil, fmt.Errorf("INFO replication: %w", err)
	}
	return parseInfo(raw), nil
}

// parseInfo reads the key:value lines of an INFO reply.
func parseInfo(raw string) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			out[k] = v
		}
	}
	return out
}

var _ adapter.Adapter = (*Adapter)(nil)
