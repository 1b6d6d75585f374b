package prefork

import "time"

// Well-known file names under the run directory
const (
	// CheckinSocket is the unix socket workers report check-ins on
	CheckinSocket = "checkin.sock"

	// DefaultStateFileName is the default state file name when none is configured
	DefaultStateFileName = "prefork.state"
)

// Environment variables carried across the master/worker exec boundary
const (
	// EnvWorkerIndex identifies a process as a worker and carries its slot index
	EnvWorkerIndex = "PREFORK_WORKER_INDEX"

	// EnvWorkerPhase carries the cluster phase the worker belongs to
	EnvWorkerPhase = "PREFORK_WORKER_PHASE"

	// EnvCheckinAddr carries the unix socket path for worker check-ins
	EnvCheckinAddr = "PREFORK_CHECKIN_ADDR"

	// EnvListenFDCount carries the number of inherited listener descriptors
	EnvListenFDCount = "PREFORK_FD_COUNT"

	// EnvInheritedFDs carries listener fd/bind pairs across a master re-exec
	EnvInheritedFDs = "PREFORK_INHERIT"
)

// Default tunables
const (
	// DefaultCheckinInterval is the period between worker check-ins
	DefaultCheckinInterval = 5 * time.Second

	// DefaultWorkerTimeout is how long a worker may go without a check-in
	// before the master declares it dead and respawns it
	DefaultWorkerTimeout = 30 * time.Second

	// DefaultBootTimeout is how long the master waits for a replacement
	// worker to report booted during a phased restart or refork
	DefaultBootTimeout = 30 * time.Second

	// DefaultStopTimeout is how long a worker is given to drain before
	// a graceful stop escalates to a kill
	DefaultStopTimeout = 30 * time.Second

	// DefaultDialTimeout is the timeout for control socket connections
	DefaultDialTimeout = 2 * time.Second

	// DefaultWriteTimeout is the timeout for control write operations
	DefaultWriteTimeout = 1 * time.Second

	// DefaultReadTimeout is the timeout for control read operations
	DefaultReadTimeout = 5 * time.Second

	// DefaultBackoffMin is the minimum backoff between respawn or dial retries
	DefaultBackoffMin = 200 * time.Millisecond

	// DefaultBackoffMax is the maximum backoff between respawn or dial retries
	DefaultBackoffMax = 5 * time.Second

	// DefaultMaxAttempts is the default maximum number of dial attempts
	DefaultMaxAttempts = 5

	// DefaultMaxRespawns is the number of consecutive immediate respawn
	// failures for one slot after which the master shuts down rather than
	// busy-looping
	DefaultMaxRespawns = 5

	// minAliveTime is the minimum uptime a worker must reach for its slot's
	// consecutive-failure counter to reset
	minAliveTime = 1 * time.Second

	// maxCheckinLine bounds the size of a single check-in message
	maxCheckinLine = 8 * 1024

	// maxCommandLine bounds the size of a control request line
	maxCommandLine = 2 * 1024
)

// File modes
const (
	// StateFileMode is the mode for the state file
	StateFileMode = 0o644

	// RunDirMode is the mode for the run directory
	RunDirMode = 0o755
)
