// Package script drives an application through operator supplied shell
// commands.
//
// Each command runs as `sh -c <command> failoverd [master]`. The master host
// is passed as $1 and in FAILOVER_MASTER. Commands must be idempotent. A
// command exiting with ExitUnrecoverable tells the coordinator the
// application's role can no longer be trusted.
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"failoverd/pkg/adapter"
)

// ExitUnrecoverable is the exit status a promote or demote command uses to
// report a state it cannot recover from.
const ExitUnrecoverable = 3

type Config struct {
	Shell   string
	Health  string
	Promote string
	Demote  string
}

type Adapter struct {
	cfg    Config
	runner Runner
	logger *zap.Logger
}

func New(cfg Config, runner Runner, logger *zap.Logger) (*Adapter, error) {
	var missing []string
	if cfg.Health == "" {
		missing = append(missing, "health")
	}
	if cfg.Promote == "" {
		missing = append(missing, "promote")
	}
	if cfg.Demote == "" {
		missing = append(missing, "demote")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("script adapter: missing %s command", strings.Join(missing, ", "))
	}
	if runner == nil {
		runner = NewShellRunner(cfg.Shell)
	}
	return &Adapter{cfg: cfg, runner: runner, logger: logger}, nil
}

func (a *Adapter) Health(ctx context.Context) (bool, string) {
	res := a.runner.Run(ctx, a.cfg.Health, nil)
	detail := firstLine(res.Stdout)
	if res.Error != nil {
		if msg := firstLine(res.Stderr); msg != "" {
			detail = msg
		}
		if detail == "" {
			detail = res.Error.Error()
		}
		return false, fmt.Sprintf("health command failed (exit %d): %s", res.ExitCode, detail)
	}
	if detail == "" {
		detail = "health command succeeded"
	}
	return true, detail
}

func (a *Adapter) EnsureMaster(ctx context.Context) error {
	return a.run(ctx, "promote", a.cfg.Promote, []string{"FAILOVER_ROLE=master"})
}

func (a *Adapter) EnsureSlave(ctx context.Context, master string) error {
	env := []string{"FAILOVER_ROLE=slave", "FAILOVER_MASTER=" + master}
	return a.run(ctx, "demote", a.cfg.Demote, env, master)
}

func (a *Adapter) run(ctx context.Context, name, command string, env []string, args ...string) error {
	res := a.runner.Run(ctx, command, env, args...)
	a.logger.Debug("Command finished",
		zap.String("command", name),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.String("stdout", strings.TrimSpace(res.Stdout)))

	if res.Error == nil {
		return nil
	}
	if errors.Is(res.Error, context.DeadlineExceeded) || errors.Is(res.Error, context.Canceled) {
		return fmt.Errorf("%s command: %w", name, res.Error)
	}
	err := fmt.Errorf("%s command exited %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
	if res.ExitCode == ExitUnrecoverable {
		return errors.Join(adapter.ErrUnrecoverable, err)
	}
	return err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

var _ adapter.Adapter = (*Adapter)(nil)
