package prefork

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"time"
)

// fakeHandle is an in-process stand-in for a worker process. SIGTERM makes
// it exit cleanly, Kill makes it exit with an error, and tests can crash it
// directly.
type fakeHandle struct {
	pid int

	mu      sync.Mutex
	termed  bool
	killed  bool
	exitErr error
	exited  chan struct{}
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.exited:
		return errors.New("process already exited")
	default:
	}
	if sig == syscall.SIGTERM {
		h.termed = true
		h.exitLocked(nil)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	h.exitLocked(errors.New("killed"))
	return nil
}

func (h *fakeHandle) Wait() error {
	<-h.exited
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *fakeHandle) exitLocked(err error) {
	select {
	case <-h.exited:
	default:
		h.exitErr = err
		close(h.exited)
	}
}

// crash simulates the process dying on its own.
func (h *fakeHandle) crash(err error) {
	h.mu.Lock()
	h.exitLocked(err)
	h.mu.Unlock()
}

func (h *fakeHandle) alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

func (h *fakeHandle) wasTermed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.termed
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// fakeFactory hands out fakeHandles with synthetic PIDs starting at 1000.
type fakeFactory struct {
	mu       sync.Mutex
	nextPID  int
	spawned  []*fakeHandle
	specs    []WorkerSpec
	spawnErr error

	// autoExit makes every spawned handle exit immediately with this error,
	// simulating a crash loop
	autoExit error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{nextPID: 1000}
}

func (f *fakeFactory) Spawn(_ context.Context, spec WorkerSpec) (ProcessHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	h := &fakeHandle{pid: f.nextPID, exited: make(chan struct{})}
	f.nextPID++
	f.spawned = append(f.spawned, h)
	f.specs = append(f.specs, spec)
	if f.autoExit != nil {
		h.crash(f.autoExit)
	}
	return h, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *fakeFactory) handle(i int) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned[i]
}

func (f *fakeFactory) spec(i int) WorkerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[i]
}

// waitSpawns polls until at least n workers have been spawned.
func (f *fakeFactory) waitSpawns(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.count() >= n {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return f.count() >= n
}

// waitFor polls an arbitrary condition.
func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// tablePids snapshots the current worker table PIDs.
func (s *Supervisor) tablePids() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]int, len(s.workers))
	for i, w := range s.workers {
		if w != nil {
			pids[i] = w.pid
		}
	}
	return pids
}
