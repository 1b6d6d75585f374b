package prefork

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStatusSnapshotJSONFields(t *testing.T) {
	snap := StatusSnapshot{
		Backlog:       1,
		Running:       2,
		PoolCapacity:  3,
		BusyThreads:   4,
		BacklogMax:    5,
		MaxThreads:    6,
		RequestsCount: 7,
		ReactorMax:    8,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	want := map[string]float64{
		"backlog":        1,
		"running":        2,
		"pool_capacity":  3,
		"busy_threads":   4,
		"backlog_max":    5,
		"max_threads":    6,
		"requests_count": 7,
		"reactor_max":    8,
	}
	for key, val := range want {
		got, ok := raw[key]
		if !ok {
			t.Errorf("missing field %q", key)
			continue
		}
		if got != val {
			t.Errorf("%s = %v, want %v", key, got, val)
		}
	}
	if len(raw) != len(want) {
		t.Errorf("unexpected fields in %s", data)
	}
}

func TestClusterReportJSONFields(t *testing.T) {
	rep := ClusterReport{
		StartedAt: time.Now(),
		Workers:   2,
		Phase:     1,
		WorkerStatus: []WorkerStatus{
			{PID: 42, Index: 0, Phase: 1, Booted: true},
		},
		Versions: serverVersions(),
	}
	data, err := json.Marshal(rep)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{
		"started_at", "workers", "phase", "booted_workers",
		"old_workers", "worker_status", "versions",
	} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing field %q in %s", key, data)
		}
	}

	entries := raw["worker_status"].([]any)
	entry := entries[0].(map[string]any)
	for _, key := range []string{
		"started_at", "pid", "index", "phase", "booted", "last_checkin", "last_status",
	} {
		if _, ok := entry[key]; !ok {
			t.Errorf("worker_status entry missing %q", key)
		}
	}

	versions := raw["versions"].(map[string]any)
	if versions["prefork"] != Version {
		t.Errorf("versions.prefork = %v, want %v", versions["prefork"], Version)
	}
}

func TestCollectGCReport(t *testing.T) {
	rep := CollectGCReport()
	if rep.HeapAlloc == 0 {
		t.Error("HeapAlloc should be nonzero in a running program")
	}
	data, err := json.Marshal(rep)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"count", "pause_total_ns", "heap_alloc", "heap_sys", "heap_objects", "next_gc", "last_gc"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing field %q in %s", key, data)
		}
	}
}

func TestWorkerStateString(t *testing.T) {
	cases := map[WorkerState]string{
		StateStarting:   "starting",
		StateBooted:     "booted",
		StateStopping:   "stopping",
		StateDead:       "dead",
		WorkerState(99): "unknown",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", st, got, want)
		}
	}
}
