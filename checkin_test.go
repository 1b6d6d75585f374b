package prefork

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"
)

func TestCheckinChannelEndToEnd(t *testing.T) {
	s, f, errCh := startCluster(t, 1, nil)

	// report over the real socket, impersonating the spawned worker
	rep := NewReporter(s.cfg.checkinAddr(), 0, 0, pslog.NoopLogger())
	rep.PID = f.handle(0).pid
	defer rep.Close()

	require.NoError(t, rep.Send(false, StatusSnapshot{}))
	require.True(t, waitFor(func() bool {
		rep := s.Stats()
		return len(rep.WorkerStatus) == 1 && !rep.WorkerStatus[0].LastCheckin.IsZero()
	}, 2*time.Second), "check-in not applied")
	require.Equal(t, 0, s.Stats().BootedWorkers)

	require.NoError(t, rep.Send(true, StatusSnapshot{RequestsCount: 9}))
	require.True(t, waitFor(func() bool {
		return s.Stats().BootedWorkers == 1
	}, 2*time.Second), "boot check-in not applied")
	require.Equal(t, uint64(9), s.Stats().WorkerStatus[0].LastStatus.RequestsCount)

	s.Stop()
	require.NoError(t, waitRunDone(t, errCh))
}

func TestCheckinFromUnknownPidIsIgnored(t *testing.T) {
	s, _, errCh := startCluster(t, 1, nil)

	rep := NewReporter(s.cfg.checkinAddr(), 0, 0, pslog.NoopLogger())
	rep.PID = 424242
	defer rep.Close()

	require.NoError(t, rep.Send(true, StatusSnapshot{}))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, s.Stats().BootedWorkers, "unknown pid must not boot anything")

	s.Stop()
	require.NoError(t, waitRunDone(t, errCh))
}

func TestReporterRetriesDial(t *testing.T) {
	// nothing listening: Send must fail after bounded attempts, not hang
	rep := NewReporter("/nonexistent/checkin.sock", 0, 0, pslog.NoopLogger())
	rep.MaxAttempts = 2
	rep.BackoffMin = time.Millisecond
	rep.BackoffMax = 2 * time.Millisecond

	err := rep.Send(false, StatusSnapshot{})
	require.Error(t, err)
}
