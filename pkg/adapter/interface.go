package adapter

import (
	"context"
	"errors"
)

var (
	// ErrAdapterBusy is returned while an earlier call that timed out is
	// still running inside the adapter.
	ErrAdapterBusy = errors.New("adapter busy with a previous call")

	// ErrUnrecoverable marks adapter failures after which the application's
	// role can no longer be trusted. The coordinator drops to Unknown.
	ErrUnrecoverable = errors.New("adapter state unrecoverable")
)

// Adapter drives one application instance between master and slave.
//
// Implementations must be idempotent: when the application is already in the
// requested state the call takes no action and returns nil.
type Adapter interface {
	// Health reports whether the application is serving, with a short
	// human-readable detail.
	Health(ctx context.Context) (bool, string)

	// EnsureMaster makes this instance the writable primary.
	EnsureMaster(ctx context.Context) error

	// EnsureSlave makes this instance replicate from master.
	EnsureSlave(ctx context.Context, master string) error
}
