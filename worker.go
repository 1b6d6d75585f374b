package prefork

import "time"

// WorkerState is the lifecycle state of a slot's current occupant.
type WorkerState int

const (
	// StateStarting means the process exists but has not reported booted
	StateStarting WorkerState = iota
	// StateBooted means the process has completed initialization and sent
	// its first check-in
	StateBooted
	// StateStopping means the process has been asked to drain and exit
	StateStopping
	// StateDead means the process has exited or been declared dead
	StateDead
)

// String returns the lowercase state name.
func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateBooted:
		return "booted"
	case StateStopping:
		return "stopping"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// worker is the master-side record of one worker process. The table of
// workers is exclusively owned by the supervisor and mutated only under its
// lock; workers influence it solely through the check-in channel.
type worker struct {
	index int
	phase int
	pid   int

	handle    ProcessHandle
	startedAt time.Time

	state       WorkerState
	lastCheckin time.Time
	lastStatus  StatusSnapshot

	// booted is closed on the first check-in reporting booted
	booted chan struct{}

	// exited is closed once the process has been reaped
	exited chan struct{}
}

// status snapshots the worker for the aggregated cluster report.
// Call with the supervisor lock held.
func (w *worker) status() WorkerStatus {
	return WorkerStatus{
		StartedAt:   w.startedAt,
		PID:         w.pid,
		Index:       w.index,
		Phase:       w.phase,
		Booted:      w.state == StateBooted,
		LastCheckin: w.lastCheckin,
		LastStatus:  w.lastStatus,
	}
}
