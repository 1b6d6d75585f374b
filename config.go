package prefork

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/pslog"
)

// Config holds the master's configuration. The zero value is not usable
// directly; New and Run normalize it with defaults first.
type Config struct {
	// Workers is the configured worker count. Zero selects single-process
	// mode, where the application runs in the master and cluster-only
	// commands report unsupported.
	Workers int

	// Binds are the application listener URLs (tcp://host:port,
	// unix:///path or a bare filesystem path)
	Binds []string

	// ControlURL is the control channel address. Empty disables the
	// control channel.
	ControlURL string

	// ControlToken is the auth token required on control commands.
	// Empty disables token auth.
	ControlToken string

	// StatePath is where the state file is written. Empty disables
	// state-file persistence (and with it external discovery).
	StatePath string

	// RunDir holds the check-in socket. Defaults next to the state file,
	// or under the system temp directory.
	RunDir string

	// CheckinInterval is the period between worker check-ins
	CheckinInterval time.Duration

	// WorkerTimeout is the missed-check-in bound before a worker is
	// declared dead and respawned
	WorkerTimeout time.Duration

	// BootTimeout bounds the wait for a replacement worker to report booted
	BootTimeout time.Duration

	// StopTimeout bounds graceful worker drains before escalating to kill
	StopTimeout time.Duration

	// ReforkAfter is the fork-after-requests threshold. When the fork
	// source has served this many requests a refork is triggered
	// automatically. Zero disables refork entirely.
	ReforkAfter uint64

	// MaxRespawns is the consecutive immediate-failure bound per slot
	// before the master escalates to shutdown
	MaxRespawns int

	// BackoffMin is the initial delay between respawn attempts
	BackoffMin time.Duration

	// BackoffMax is the ceiling for respawn backoff
	BackoffMax time.Duration

	// Logger receives structured log output. Defaults to a no-op logger.
	Logger pslog.Logger

	// Factory creates worker processes. Defaults to re-executing the
	// current binary with inherited listener descriptors.
	Factory ProcessFactory
}

// withDefaults returns a copy of the config with defaults applied.
func (c Config) withDefaults() (Config, error) {
	if c.Workers < 0 {
		return c, fmt.Errorf("invalid worker count %d", c.Workers)
	}
	if c.CheckinInterval <= 0 {
		c.CheckinInterval = DefaultCheckinInterval
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = DefaultWorkerTimeout
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = DefaultBootTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.MaxRespawns <= 0 {
		c.MaxRespawns = DefaultMaxRespawns
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = DefaultBackoffMin
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	if c.Factory == nil {
		c.Factory = &ExecFactory{}
	}
	if c.RunDir == "" {
		if c.StatePath != "" {
			c.RunDir = filepath.Dir(c.StatePath)
		} else {
			c.RunDir = filepath.Join(os.TempDir(), fmt.Sprintf("prefork-%d", os.Getpid()))
		}
	}
	return c, nil
}

// clustered reports whether the config selects cluster mode.
func (c Config) clustered() bool {
	return c.Workers > 0
}

// checkinAddr is the unix socket path workers report check-ins on.
func (c Config) checkinAddr() string {
	return filepath.Join(c.RunDir, CheckinSocket)
}
