package failover

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"failoverd/pkg/coordination"
	"failoverd/pkg/metrics"
)

var errNotRegistered = errors.New("service not registered")

// Registration keeps this node's registry entry in line with its role.
// It is owned by the coordination loop and is not safe for concurrent use.
type Registration struct {
	registry coordination.Registry
	service  coordination.Service
	logger   *zap.Logger

	registered bool
	closed     bool
	tag        string
}

func NewRegistration(registry coordination.Registry, svc coordination.Service, logger *zap.Logger) *Registration {
	svc.Tags = nil
	return &Registration{registry: registry, service: svc, logger: logger}
}

// Register publishes the untagged entry once.
func (r *Registration) Register(ctx context.Context) error {
	if r.registered {
		return nil
	}
	r.logger.Info("Registering service", zap.String("service", r.service.Name), zap.Int("port", r.service.Port))
	err := r.registry.Register(ctx, r.record(TagNone))
	metrics.RecordRegistryUpdate("register", err)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", r.service.Name, err)
	}
	r.registered = true
	r.tag = TagNone
	return nil
}

// Apply sets the entry's tag. It performs no registry call when the tag is
// already in place and the entry still exists, so calling it every tick is
// cheap. A failed write leaves
// the previous tag recorded and is retried on the next call.
func (r *Registration) Apply(ctx context.Context, tag string) error {
	if r.closed {
		return nil
	}
	if !r.registered {
		return errNotRegistered
	}
	lost := r.entryLost()
	if tag == r.tag && !lost {
		return nil
	}

	if lost {
		r.logger.Warn("Registry entry lost, publishing it again", zap.String("tag", tag))
	} else {
		r.logger.Info("Updating tag", zap.String("from", r.tag), zap.String("to", tag))
	}
	err := r.registry.Register(ctx, r.record(tag))
	metrics.RecordRegistryUpdate("tag", err)
	if err != nil {
		return fmt.Errorf("failed to update tag to %q: %w", tag, err)
	}
	r.tag = tag
	return nil
}

// Deregister removes the entry once. Later calls to Apply are ignored.
func (r *Registration) Deregister(ctx context.Context) error {
	if r.closed || !r.registered {
		r.closed = true
		return nil
	}
	r.closed = true

	r.logger.Info("Deregistering service", zap.String("service", r.service.Name))
	err := r.registry.Deregister(ctx, r.service.Name)
	metrics.RecordRegistryUpdate("deregister", err)
	if err != nil {
		return fmt.Errorf("failed to deregister %s: %w", r.service.Name, err)
	}
	return nil
}

// Tag returns the tag last confirmed by the registry.
func (r *Registration) Tag() string {
	return r.tag
}

func (r *Registration) entryLost() bool {
	el, ok := r.registry.(coordination.EntryLoss)
	return ok && el.EntryLost()
}

func (r *Registration) record(tag string) coordination.Service {
	svc := r.service
	if tag != TagNone {
		svc.Tags = []string{tag}
	}
	return svc
}
