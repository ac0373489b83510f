package failover

import (
	"context"
	"errors"
	"sync"

	"failoverd/pkg/adapter"
	"failoverd/pkg/coordination"
)

var errConnRefused = errors.New("dial tcp 10.0.0.1:2379: connect: connection refused")

// lockService stands in for the coordination service: one lock, one holder.
type lockService struct {
	mu     sync.Mutex
	holder string
	down   bool
}

func (s *lockService) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *lockService) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder
}

type fakeLock struct {
	svc      *lockService
	identity string

	// reportHolder makes Acquire name the holder, like the etcd backend.
	reportHolder bool
	// expireNext makes the next Acquire report a lost session.
	expireNext bool
	// hideHolder makes Holder answer "" although the lock is taken.
	hideHolder bool

	acquires    int
	holderCalls int
	releases    int
}

func (l *fakeLock) Acquire(ctx context.Context) (coordination.Acquisition, error) {
	l.acquires++
	if l.expireNext {
		l.expireNext = false
		l.svc.mu.Lock()
		if l.svc.holder == l.identity {
			l.svc.holder = ""
		}
		l.svc.mu.Unlock()
		return coordination.Acquisition{}, coordination.ErrSessionExpired
	}

	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	if l.svc.down {
		return coordination.Acquisition{}, errConnRefused
	}
	if l.svc.holder == "" || l.svc.holder == l.identity {
		l.svc.holder = l.identity
		return coordination.Acquisition{Held: true}, nil
	}
	if l.reportHolder {
		return coordination.Acquisition{Holder: l.svc.holder}, nil
	}
	return coordination.Acquisition{}, nil
}

func (l *fakeLock) Holder(ctx context.Context) (string, error) {
	l.holderCalls++
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	if l.svc.down {
		return "", errConnRefused
	}
	if l.hideHolder {
		return "", nil
	}
	return l.svc.holder, nil
}

func (l *fakeLock) Release(ctx context.Context) error {
	l.releases++
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	if l.svc.holder == l.identity {
		l.svc.holder = ""
	}
	return nil
}

func (l *fakeLock) Session() (coordination.SessionInfo, bool) {
	return coordination.SessionInfo{ID: "session-" + l.identity}, true
}

// fakeAdapter counts state-changing calls. It behaves like a real adapter:
// repeated requests for the current state are no-ops.
type fakeAdapter struct {
	mu sync.Mutex

	healthy bool
	state   string
	master  string

	masterErr error
	slaveErr  error
	panicOn   string

	masterCalls  int
	slaveCalls   int
	stateChanges int
	slaveTargets []string
}

func (a *fakeAdapter) Health(context.Context) (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.healthy {
		return true, "service flag exists"
	}
	return false, "service flag missing"
}

func (a *fakeAdapter) EnsureMaster(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.masterCalls++
	if a.panicOn == "master" {
		panic("adapter bug")
	}
	if a.masterErr != nil {
		return a.masterErr
	}
	if a.state != "master" {
		a.state, a.master = "master", ""
		a.stateChanges++
	}
	return nil
}

func (a *fakeAdapter) EnsureSlave(_ context.Context, master string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slaveCalls++
	a.slaveTargets = append(a.slaveTargets, master)
	if a.slaveErr != nil {
		return a.slaveErr
	}
	if a.state != "slave" || a.master != master {
		a.state, a.master = "slave", master
		a.stateChanges++
	}
	return nil
}

var _ adapter.Adapter = (*fakeAdapter)(nil)

type fakeRegistry struct {
	mu          sync.Mutex
	writes      []coordination.Service
	deregisters int
	failWrites  int
	current     *coordination.Service
	lost        bool
}

func (r *fakeRegistry) Register(ctx context.Context, svc coordination.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites > 0 {
		r.failWrites--
		return errConnRefused
	}
	r.writes = append(r.writes, svc)
	r.current = &svc
	r.lost = false
	return nil
}

// expire drops the entry the way a lapsed lease does.
func (r *fakeRegistry) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
	r.lost = true
}

func (r *fakeRegistry) EntryLost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

func (r *fakeRegistry) Deregister(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregisters++
	r.current = nil
	return nil
}

func (r *fakeRegistry) tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.current.Tags
}

func (r *fakeRegistry) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}
