// Package flagfile is a minimal adapter for applications without a
// replication role: the service is healthy while a flag file exists and the
// role is only recorded.
package flagfile

import (
	"context"
	"fmt"
	"os"
	"sync"

	"failoverd/pkg/adapter"
)

type Adapter struct {
	path string

	mu     sync.Mutex
	master string // empty while this node is master or undecided
	role   string
}

func New(path string) *Adapter {
	return &Adapter{path: path}
}

func (a *Adapter) Health(context.Context) (bool, string) {
	if _, err := os.Stat(a.path); err != nil {
		return false, fmt.Sprintf("Service flag %s does not exist", a.path)
	}
	return true, fmt.Sprintf("Service flag %s exists", a.path)
}

func (a *Adapter) EnsureMaster(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.role, a.master = "master", ""
	return nil
}

func (a *Adapter) EnsureSlave(_ context.Context, master string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.role, a.master = "slave", master
	return nil
}

// State returns the recorded role and, for a slave, its master.
func (a *Adapter) State() (role, master string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.role, a.master
}

var _ adapter.Adapter = (*Adapter)(nil)
