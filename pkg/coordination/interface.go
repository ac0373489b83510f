package coordination

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionExpired is returned once by Acquire when the session backing a
	// previously held lock was lost. A fresh session is created on the next call.
	ErrSessionExpired = errors.New("lock session expired")

	// ErrNotFound is returned by KV.Get for a missing key.
	ErrNotFound = errors.New("key not found")
)

// Coordinator is the client side of the external coordination service.
type Coordinator interface {
	// NewLock returns a lock client for the named lock, campaigning as identity.
	NewLock(name, identity string) Lock

	Registry
	KV

	// Close terminates the coordinator connection.
	Close() error
}

// Acquisition is the answer to a single acquire attempt.
type Acquisition struct {
	// Held is true only when the service positively confirmed that our
	// session owns the lock.
	Held bool

	// Holder is the identity owning the lock when Held is false and the
	// service reported one. Empty means unknown.
	Holder string
}

// Lock is a TTL-session bound distributed lock.
type Lock interface {
	// Acquire attempts to take the lock, or renews it when already held.
	// Connectivity failures are returned as errors and never as an Acquisition.
	Acquire(ctx context.Context) (Acquisition, error)

	// Holder returns the identity currently holding the lock, or "" when
	// the lock is free. It does not require a session.
	Holder(ctx context.Context) (string, error)

	// Release gives up the lock and destroys the session. Best-effort.
	Release(ctx context.Context) error

	// Session describes the current session, if any.
	Session() (SessionInfo, bool)
}

// SessionInfo describes an active lock session.
type SessionInfo struct {
	ID          string
	TTL         time.Duration
	LastRenewed time.Time
}

// Service is the record published to the service registry.
type Service struct {
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Port    int      `json:"port"`
	Tags    []string `json:"tags"`
}

// Registry publishes this node's service entry.
type Registry interface {
	// Register creates or replaces the service entry.
	Register(ctx context.Context, svc Service) error

	// Deregister removes the service entry.
	Deregister(ctx context.Context, name string) error
}

// EntryLoss is implemented by registries whose entries can vanish without
// a Deregister call, such as records bound to an expiring lease.
type EntryLoss interface {
	// EntryLost reports whether the last registered entry is gone.
	EntryLost() bool
}

// KV is a small key/value store shared by the cluster.
type KV interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
}
