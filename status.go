package prefork

import (
	"runtime"
	"time"
)

// StatusSnapshot is the self-reported metrics block a worker sends with each
// check-in. Field names and types are a compatibility surface for existing
// administrative tooling and must be preserved exactly.
type StatusSnapshot struct {
	// Backlog is the number of queued-but-unaccepted connections
	Backlog int `json:"backlog"`

	// Running is the number of active handler goroutines
	Running int `json:"running"`

	// PoolCapacity is the configured maximum of concurrent handlers
	PoolCapacity int `json:"pool_capacity"`

	// BusyThreads is the number of handlers currently executing a request
	BusyThreads int `json:"busy_threads"`

	// BacklogMax is the high-water mark of Backlog
	BacklogMax int `json:"backlog_max"`

	// MaxThreads mirrors PoolCapacity for tooling compatibility
	MaxThreads int `json:"max_threads"`

	// RequestsCount is a monotonic counter, reset only on worker replacement
	RequestsCount uint64 `json:"requests_count"`

	// ReactorMax is the high-water mark of connections parked in the reactor
	ReactorMax int `json:"reactor_max"`
}

// WorkerStatus is one entry of the aggregated worker_status list.
type WorkerStatus struct {
	StartedAt   time.Time      `json:"started_at"`
	PID         int            `json:"pid"`
	Index       int            `json:"index"`
	Phase       int            `json:"phase"`
	Booted      bool           `json:"booted"`
	LastCheckin time.Time      `json:"last_checkin"`
	LastStatus  StatusSnapshot `json:"last_status"`
}

// RuntimeVersion describes the runtime the server was built with.
type RuntimeVersion struct {
	Engine     string `json:"engine"`
	Version    string `json:"version"`
	Patchlevel string `json:"patchlevel"`
}

// Versions is the versions block of the cluster report.
type Versions struct {
	Prefork string         `json:"prefork"`
	Runtime RuntimeVersion `json:"runtime"`
}

// ClusterReport is the aggregated stats document built by the master on
// demand. It is always served from the most recent known data; staleness is
// visible through each worker's last_checkin.
type ClusterReport struct {
	StartedAt     time.Time      `json:"started_at"`
	Workers       int            `json:"workers"`
	Phase         int            `json:"phase"`
	BootedWorkers int            `json:"booted_workers"`
	OldWorkers    int            `json:"old_workers"`
	WorkerStatus  []WorkerStatus `json:"worker_status"`
	Versions      Versions       `json:"versions"`
}

// SingleReport is the stats document for a non-clustered server.
type SingleReport struct {
	StartedAt time.Time      `json:"started_at"`
	Status    StatusSnapshot `json:"last_status"`
	Versions  Versions       `json:"versions"`
}

// GCReport carries garbage collector counters for the gc-stats command.
type GCReport struct {
	NumGC        uint32 `json:"count"`
	PauseTotalNS uint64 `json:"pause_total_ns"`
	HeapAlloc    uint64 `json:"heap_alloc"`
	HeapSys      uint64 `json:"heap_sys"`
	HeapObjects  uint64 `json:"heap_objects"`
	NextGC       uint64 `json:"next_gc"`
	LastGC       uint64 `json:"last_gc"`
}

// CollectGCReport snapshots the runtime's memory statistics.
func CollectGCReport() GCReport {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return GCReport{
		NumGC:        ms.NumGC,
		PauseTotalNS: ms.PauseTotalNs,
		HeapAlloc:    ms.HeapAlloc,
		HeapSys:      ms.HeapSys,
		HeapObjects:  ms.HeapObjects,
		NextGC:       ms.NextGC,
		LastGC:       ms.LastGC,
	}
}

// serverVersions builds the versions block for stats documents.
func serverVersions() Versions {
	return Versions{
		Prefork: Version,
		Runtime: RuntimeVersion{
			Engine:  "go",
			Version: runtime.Version(),
		},
	}
}
