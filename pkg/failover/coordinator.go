package failover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"failoverd/pkg/adapter"
	"failoverd/pkg/coordination"
	"failoverd/pkg/health"
	"failoverd/pkg/metrics"
)

var (
	// ErrHolderUnknown is returned by a tick that could neither take the lock
	// nor find out who holds it.
	ErrHolderUnknown = errors.New("unable to lock and unable to determine leader")

	// ErrSelfHeld is returned when the lock names this node but under a
	// session we no longer own. It clears once the old session expires.
	ErrSelfHeld = errors.New("lock held by this identity under a stale session")
)

// Config controls the coordination loop.
type Config struct {
	// Identity is written into the lock and handed to slaves as their master.
	Identity string
	// Interval between tick starts.
	Interval time.Duration
	// OpTimeout bounds every lock and adapter call inside a tick.
	OpTimeout time.Duration
	// ReleaseTimeout bounds lock release and deregistration on shutdown.
	ReleaseTimeout time.Duration
	// DisableFlagFile puts the node in maintenance while it exists.
	DisableFlagFile string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = c.Interval
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = time.Second
	}
	return c
}

// Snapshot is the read-only view of the loop state published after every
// tick.
type Snapshot struct {
	Role        Role          `json:"role"`
	Master      string        `json:"master,omitempty"`
	Tag         string        `json:"tag"`
	Maintenance bool          `json:"maintenance"`
	Health      health.Status `json:"health"`
	Session     string        `json:"session,omitempty"`
	LastTick    time.Time     `json:"last_tick"`
	LastError   string        `json:"last_error,omitempty"`
}

// Coordinator runs the failover loop: it keeps the application's role in
// line with ownership of the distributed lock.
//
// All mutable state is owned by the loop goroutine. Other goroutines read
// the published Snapshot.
type Coordinator struct {
	cfg          Config
	lock         coordination.Lock
	adapter      *adapter.Guard
	health       *health.Aggregator
	registration *Registration
	logger       *zap.Logger
	tracer       trace.Tracer

	role   Role
	master string

	snapshot atomic.Pointer[Snapshot]
}

func NewCoordinator(cfg Config, lock coordination.Lock, app adapter.Adapter, registration *Registration, logger *zap.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	guard := adapter.NewGuard(app, cfg.OpTimeout)
	c := &Coordinator{
		cfg:          cfg,
		lock:         lock,
		adapter:      guard,
		health:       health.NewAggregator(guard, logger.Named("health")),
		registration: registration,
		logger:       logger,
		tracer:       otel.Tracer("failoverd/failover"),
	}
	metrics.SetRole(RoleUnknown.String())
	c.publish(time.Time{}, nil, false)
	return c
}

// Snapshot returns the state published by the last tick.
func (c *Coordinator) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Health returns the cached application health.
func (c *Coordinator) Health() health.Status {
	return c.health.Status()
}

// Run ticks until ctx is cancelled. Ticks are scheduled relative to their
// start: a slow tick delays the next one but never causes a burst.
// A tick already running when ctx is cancelled completes within its
// per-operation timeouts.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	tickCtx := context.WithoutCancel(ctx)
	c.runTick(tickCtx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Coordination loop stopped")
			return
		case <-ticker.C:
			c.runTick(tickCtx)
		}
	}
}

func (c *Coordinator) runTick(ctx context.Context) {
	if err := c.Tick(ctx); err != nil {
		c.logger.Warn("Tick failed, retrying next tick",
			zap.Stringer("role", c.role),
			zap.Error(err))
	}
}

// Tick runs the coordination algorithm once. Errors are returned for
// logging only; the role is never changed on an error except when the
// lock session was lost or the adapter reported an unrecoverable state.
func (c *Coordinator) Tick(ctx context.Context) (err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "failover.tick")
	maintenance := false

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.String("failover.role", c.role.String()),
			attribute.Bool("failover.maintenance", maintenance),
		)
		span.End()
		metrics.Ticks.WithLabelValues(outcome).Inc()
		metrics.TickDuration.Observe(time.Since(start).Seconds())
		c.publish(start, err, maintenance)
	}()

	c.health.Refresh(ctx)

	if c.inMaintenance() {
		maintenance = true
		if c.registration.Tag() != TagDisabled {
			c.logger.Info("Disabling service", zap.String("flag_file", c.cfg.DisableFlagFile))
		}
		return c.registration.Apply(ctx, TagDisabled)
	}

	acq, err := c.acquire(ctx)
	if err != nil {
		if errors.Is(err, coordination.ErrSessionExpired) {
			c.transition(RoleUnknown, "")
			return errors.Join(err, c.registration.Apply(ctx, TagNone))
		}
		return err
	}

	if acq.Held {
		return c.becomeMaster(ctx)
	}

	holder := acq.Holder
	if holder == "" {
		holder, err = c.holder(ctx)
		if err != nil {
			return err
		}
	}
	switch holder {
	case "":
		return ErrHolderUnknown
	case c.cfg.Identity:
		return ErrSelfHeld
	}
	return c.becomeSlave(ctx, holder)
}

func (c *Coordinator) acquire(ctx context.Context) (coordination.Acquisition, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	acq, err := c.lock.Acquire(ctx)
	switch {
	case errors.Is(err, coordination.ErrSessionExpired):
		metrics.LockAcquisitions.WithLabelValues("expired").Inc()
		return acq, err
	case err != nil:
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		return acq, fmt.Errorf("lock acquire: %w", err)
	case acq.Held:
		metrics.LockAcquisitions.WithLabelValues("held").Inc()
	default:
		metrics.LockAcquisitions.WithLabelValues("other").Inc()
	}
	return acq, nil
}

func (c *Coordinator) holder(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	holder, err := c.lock.Holder(ctx)
	if err != nil {
		return "", fmt.Errorf("lock holder query: %w", err)
	}
	return holder, nil
}

// becomeMaster promotes the application. A failed promotion keeps the lock:
// releasing it here could hand mastership to a node in worse shape.
func (c *Coordinator) becomeMaster(ctx context.Context) error {
	if c.role != RoleMaster {
		c.logger.Info("Lock acquired, becoming master")
		if err := c.adapter.EnsureMaster(ctx); err != nil {
			c.adapterFailed(err)
			return fmt.Errorf("become master: %w", err)
		}
		c.transition(RoleMaster, "")
	}
	return c.registration.Apply(ctx, TagMaster)
}

func (c *Coordinator) becomeSlave(ctx context.Context, holder string) error {
	if c.role != RoleSlave || c.master != holder {
		c.logger.Info("Lock held elsewhere, becoming slave", zap.String("master", holder))
		if err := c.adapter.EnsureSlave(ctx, holder); err != nil {
			c.adapterFailed(err)
			return fmt.Errorf("become slave of %s: %w", holder, err)
		}
		c.transition(RoleSlave, holder)
	}
	return c.registration.Apply(ctx, TagSlave)
}

func (c *Coordinator) adapterFailed(err error) {
	if errors.Is(err, adapter.ErrUnrecoverable) && c.role != RoleUnknown {
		c.transition(RoleUnknown, "")
	}
}

func (c *Coordinator) transition(role Role, master string) {
	if role == c.role && master == c.master {
		return
	}
	c.logger.Info("Role changed",
		zap.Stringer("from", c.role),
		zap.Stringer("to", role),
		zap.String("master", master))
	metrics.RoleTransitions.WithLabelValues(c.role.String(), role.String()).Inc()
	metrics.SetRole(role.String())
	c.role, c.master = role, master
}

func (c *Coordinator) inMaintenance() bool {
	if c.cfg.DisableFlagFile == "" {
		return false
	}
	_, err := os.Stat(c.cfg.DisableFlagFile)
	return err == nil
}

func (c *Coordinator) publish(at time.Time, err error, maintenance bool) {
	s := &Snapshot{
		Role:        c.role,
		Master:      c.master,
		Tag:         c.registration.Tag(),
		Maintenance: maintenance,
		Health:      c.health.Status(),
		LastTick:    at,
	}
	if info, ok := c.lock.Session(); ok {
		s.Session = info.ID
	}
	if err != nil {
		s.LastError = err.Error()
	}
	c.snapshot.Store(s)
}

// Shutdown releases the lock and removes the registry entry. Both steps are
// best-effort and bounded by ReleaseTimeout. Call it after Run returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReleaseTimeout)
	defer cancel()

	var errs []error
	if err := c.lock.Release(ctx); err != nil {
		c.logger.Warn("Failed to release lock", zap.Error(err))
		errs = append(errs, err)
	} else {
		c.logger.Info("Lock released")
	}
	if err := c.registration.Deregister(ctx); err != nil {
		c.logger.Warn("Failed to deregister", zap.Error(err))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
