package prefork

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// WorkerSpec describes one worker process to be created.
type WorkerSpec struct {
	// Index is the slot number, 0..workers-1
	Index int

	// Phase is the cluster phase the worker belongs to
	Phase int

	// CheckinAddr is the unix socket path the worker reports check-ins on
	CheckinAddr string

	// ListenerFiles are the shared listening sockets, passed in bind order
	ListenerFiles []*os.File
}

// ProcessHandle is the master's view of one spawned worker process.
type ProcessHandle interface {
	// Pid returns the OS process id
	Pid() int

	// Signal delivers a signal to the process
	Signal(sig os.Signal) error

	// Kill terminates the process immediately
	Kill() error

	// Wait blocks until the process exits
	Wait() error
}

// ProcessFactory creates worker processes. The default implementation
// re-executes the current binary; tests substitute in-process fakes.
type ProcessFactory interface {
	Spawn(ctx context.Context, spec WorkerSpec) (ProcessHandle, error)
}

// ExecFactory spawns workers by re-executing the current binary with the
// listening descriptors inherited and the worker role carried in the
// environment. This is the platform strategy standing in for copy-on-write
// fork: a refork re-executes a fresh worker image rather than forking the
// warmed fork source's memory.
type ExecFactory struct {
	// Args are the arguments passed to the worker binary. Defaults to the
	// master's own arguments so flag parsing behaves identically.
	Args []string
}

// Spawn starts one worker process.
func (f *ExecFactory) Spawn(ctx context.Context, spec WorkerSpec) (ProcessHandle, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving executable: %w", err)
	}
	args := f.Args
	if args == nil {
		args = os.Args[1:]
	}
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", EnvWorkerIndex, spec.Index),
		fmt.Sprintf("%s=%d", EnvWorkerPhase, spec.Phase),
		fmt.Sprintf("%s=%s", EnvCheckinAddr, spec.CheckinAddr),
		fmt.Sprintf("%s=%d", EnvListenFDCount, len(spec.ListenerFiles)),
	)
	cmd.ExtraFiles = spec.ListenerFiles
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning worker %d: %w", spec.Index, err)
	}
	return &execHandle{cmd: cmd}, nil
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *execHandle) Wait() error {
	return h.cmd.Wait()
}
