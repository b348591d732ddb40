package hypervisor

import (
	"context"
	"sync"
)

// Stopper powers off the virtual machine behind a pool machine once its
// session ends. Calls are best-effort; callers log failures.
type Stopper interface {
	StopMachine(ctx context.Context, hypervisorID string) error
	Provider() string
}

// Fake records stop requests instead of touching a hypervisor.
type Fake struct {
	mu      sync.Mutex
	stopped []string
	Err     error
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) StopMachine(_ context.Context, hypervisorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.stopped = append(f.stopped, hypervisorID)
	return nil
}

func (f *Fake) Provider() string { return "fake" }

func (f *Fake) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}
