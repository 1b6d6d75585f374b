package prefork

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"pkt.systems/pslog"
	"vawter.tech/stopper"
)

// Supervisor owns the worker pool of a clustered server: it spawns workers,
// tracks their liveness through check-ins, orchestrates phased restarts and
// reforks, and aggregates per-worker statistics into one report.
//
// The worker table is mutated only under the supervisor's lock. Signals and
// control commands never touch it directly; both converge on the same
// exported methods.
type Supervisor struct {
	cfg     Config
	log     pslog.Logger
	factory ProcessFactory

	binds     []string
	listeners []net.Listener
	lnFiles   []*os.File

	// execFn performs the in-place re-exec; replaced in tests
	execFn func(argv0 string, argv, env []string) error

	sctx *stopper.Context

	mu         sync.Mutex
	workers    []*worker
	pending    map[int]*worker
	old        []*worker
	failures   []int
	phase      int
	startedAt  time.Time
	stopping   bool
	halted     bool
	transition bool
	reforkDone bool

	doneOnce sync.Once
	done     chan struct{}
	runErr   error
}

// New creates a Supervisor for cluster mode. Workers must be at least 1;
// single-process servers use Run with Workers set to zero instead.
func New(cfg Config) (*Supervisor, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("cluster mode requires at least one worker")
	}
	return &Supervisor{
		cfg:      cfg,
		log:      cfg.Logger,
		factory:  cfg.Factory,
		binds:    cfg.Binds,
		execFn:   execInPlace,
		workers:  make([]*worker, cfg.Workers),
		pending:  make(map[int]*worker),
		failures: make([]int, cfg.Workers),
		done:     make(chan struct{}),
	}, nil
}

// Run binds (or adopts) the listeners, starts the control and check-in
// channels, writes the state file, spawns the workers and supervises them
// until the cluster stops or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startedAt = time.Now()

	lns, binds, err := adoptInheritedListeners(os.Getenv(EnvInheritedFDs))
	if err != nil {
		return err
	}
	if lns != nil {
		_ = os.Unsetenv(EnvInheritedFDs)
		s.listeners = lns
		s.binds = binds
		s.log.Info("adopted inherited listeners", "count", len(lns), "binds", strings.Join(binds, ","))
	} else {
		s.listeners, err = bindListeners(s.binds)
		if err != nil {
			return err
		}
	}
	s.lnFiles, err = listenerFiles(s.listeners)
	if err != nil {
		closeListeners(s.listeners)
		return err
	}

	if err := os.MkdirAll(s.cfg.RunDir, RunDirMode); err != nil {
		return fmt.Errorf("creating run dir %q: %w", s.cfg.RunDir, err)
	}
	_ = os.Remove(s.cfg.checkinAddr())
	checkinLn, err := net.Listen("unix", s.cfg.checkinAddr())
	if err != nil {
		closeListeners(s.listeners)
		return fmt.Errorf("binding check-in socket: %w", err)
	}

	sctx := stopper.WithContext(ctx)
	s.sctx = sctx
	s.serveCheckins(sctx, checkinLn)

	if s.cfg.ControlURL != "" {
		ctl, err := newControlServer(s.cfg.ControlURL, s.cfg.ControlToken, s, s.log)
		if err != nil {
			closeListeners(s.listeners)
			return err
		}
		ctl.serve(sctx)
	}

	if s.cfg.StatePath != "" {
		rec := &StateRecord{
			PID:              os.Getpid(),
			ControlURL:       s.cfg.ControlURL,
			ControlAuthToken: s.cfg.ControlToken,
		}
		// Being undiscoverable while configured to persist state is fatal
		if err := WriteStateFile(s.cfg.StatePath, rec); err != nil {
			closeListeners(s.listeners)
			return err
		}
	}

	s.watchSignals(sctx)
	s.monitor(sctx)

	for i := 0; i < s.cfg.Workers; i++ {
		w, err := s.startWorker(i, 0)
		if err != nil {
			s.log.Error("initial worker spawn failed", "index", i, "error", err)
			s.Halt()
			<-s.done
			sctx.Stop(time.Second)
			_ = sctx.Wait()
			return err
		}
		s.mu.Lock()
		s.workers[i] = w
		s.mu.Unlock()
		go s.reap(w)
	}
	s.log.Info("cluster started", "pid", os.Getpid(), "workers", s.cfg.Workers,
		"binds", strings.Join(s.binds, ","))

	select {
	case <-s.done:
	case <-ctx.Done():
		s.Stop()
		<-s.done
	}

	sctx.Stop(s.cfg.StopTimeout)
	_ = sctx.Wait()
	closeListeners(s.listeners)
	for _, f := range s.lnFiles {
		_ = f.Close()
	}
	_ = os.Remove(s.cfg.checkinAddr())

	s.mu.Lock()
	err = s.runErr
	s.mu.Unlock()
	return err
}

// Done is closed once the cluster has shut down.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Clustered reports that cluster-only commands are supported.
func (s *Supervisor) Clustered() bool {
	return true
}

// Stop initiates a graceful shutdown: workers drain in-flight work before
// exiting. It returns immediately; the shutdown proceeds asynchronously.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()
	go s.shutdown(true)
}

// Halt kills every worker unconditionally, overriding any in-progress
// graceful sequencing.
func (s *Supervisor) Halt() {
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return
	}
	s.halted = true
	s.stopping = true
	s.mu.Unlock()
	go s.shutdown(false)
}

// shutdown stops every live worker, removes the state file and releases Run.
func (s *Supervisor) shutdown(graceful bool) {
	s.mu.Lock()
	targets := s.liveWorkersLocked()
	s.mu.Unlock()

	if graceful {
		s.log.Info("stopping cluster", "workers", len(targets))
		s.drainWorkers(targets)
		s.log.Info("cluster stopped")
	} else {
		s.log.Info("halting cluster", "workers", len(targets))
		for _, w := range targets {
			_ = w.handle.Kill()
		}
	}

	if s.cfg.StatePath != "" {
		if err := RemoveStateFile(s.cfg.StatePath); err != nil {
			s.log.Warn("state file removal failed", "path", s.cfg.StatePath, "error", err)
		}
	}
	s.doneOnce.Do(func() { close(s.done) })
}

// drainWorkers signals each worker to drain and waits for it to exit,
// escalating to kill after the stop timeout. Waiting on exited also means
// every child has been reaped before the caller proceeds.
func (s *Supervisor) drainWorkers(targets []*worker) {
	sem := make(chan struct{}, 8)
	var wg sync.WaitGroup
	var mu sync.Mutex
	merr := &MultiError{}
	for _, w := range targets {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := w.handle.Signal(syscall.SIGTERM); err != nil {
				mu.Lock()
				merr.Add(err)
				mu.Unlock()
				return
			}
			select {
			case <-w.exited:
			case <-time.After(s.cfg.StopTimeout):
				s.log.Warn("worker drain timeout, killing", "index", w.index, "pid", w.pid)
				_ = w.handle.Kill()
				<-w.exited
			}
		}(w)
	}
	wg.Wait()
	if err := merr.Err(); err != nil {
		s.log.Warn("errors while stopping workers", "error", err)
	}
}

// Restart re-execs the master in place. Workers drain gracefully first, so
// in-flight requests complete and every child is reaped before the exec; the
// listening descriptors are marked inheritable and carried through the
// environment, so the bound addresses are never released and the new master
// image adopts them.
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrStopping
	}
	s.stopping = true
	targets := s.liveWorkersLocked()
	s.mu.Unlock()

	s.log.Info("restarting master in place", "pid", os.Getpid(), "workers", len(targets))
	s.drainWorkers(targets)

	inherit, err := inheritEnv(s.lnFiles, s.binds)
	if err != nil {
		return s.restartFailed(err)
	}
	env := append(environWithout(EnvInheritedFDs), EnvInheritedFDs+"="+inherit)
	exe, err := os.Executable()
	if err != nil {
		return s.restartFailed(err)
	}
	argv := append([]string{exe}, os.Args[1:]...)
	if err := s.execFn(exe, argv, env); err != nil {
		return s.restartFailed(err)
	}
	return nil
}

// restartFailed ends a restart that could not exec. The workers are already
// drained, so there is nothing left to serve with; the cluster shuts down
// with the failure as its run error instead of lingering empty.
func (s *Supervisor) restartFailed(err error) error {
	s.log.Error("in-place restart failed", "error", err)
	s.mu.Lock()
	s.runErr = fmt.Errorf("in-place restart failed: %w", err)
	s.mu.Unlock()
	s.shutdown(true)
	return err
}

// PhasedRestart initiates a rolling replacement of every worker at phase+1.
// It returns once the transition has been initiated; progress is observable
// through stats. Replacements are strictly sequential and make-before-break.
func (s *Supervisor) PhasedRestart() error {
	s.mu.Lock()
	var err error
	switch {
	case s.stopping:
		err = ErrStopping
	case s.transition:
		err = ErrTransitionInProgress
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.transition = true
	s.phase++
	s.reforkDone = false
	phase := s.phase
	s.mu.Unlock()

	s.log.Info("phased restart initiated", "phase", phase)
	go s.replaceRange(phase, 0)
	return nil
}

// Refork replaces every worker except the fork source (index 0) with a
// freshly primed image at the current phase. Requires a configured
// fork-after threshold and at least two workers.
func (s *Supervisor) Refork() error {
	s.mu.Lock()
	var err error
	switch {
	case s.cfg.ReforkAfter == 0:
		err = ErrReforkDisabled
	case s.cfg.Workers < 2:
		err = ErrTooFewWorkers
	case s.stopping:
		err = ErrStopping
	case s.transition:
		err = ErrTransitionInProgress
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.transition = true
	s.reforkDone = true
	phase := s.phase
	var source int
	if w0 := s.workers[0]; w0 != nil {
		source = w0.pid
	}
	s.mu.Unlock()

	s.log.Info("refork initiated", "phase", phase, "fork_source_pid", source)
	go s.replaceRange(phase, 1)
	return nil
}

// replaceRange sequentially replaces slots from..workers-1 at the given
// phase. Slot i+1 is not started until slot i's replacement has booted; a
// replacement that fails to boot leaves the old occupant in place and
// aborts the transition.
func (s *Supervisor) replaceRange(phase, from int) {
	defer func() {
		s.mu.Lock()
		s.transition = false
		s.mu.Unlock()
	}()

	for i := from; i < s.cfg.Workers; i++ {
		if s.isStopping() {
			return
		}
		nw, err := s.startWorker(i, phase)
		if err != nil {
			s.log.Error("replacement spawn failed, keeping old worker", "index", i, "error", err)
			return
		}
		s.mu.Lock()
		s.pending[nw.pid] = nw
		s.mu.Unlock()
		go s.reap(nw)

		err = s.waitBooted(nw)
		s.mu.Lock()
		delete(s.pending, nw.pid)
		s.mu.Unlock()
		if err != nil {
			s.log.Error("replacement failed to boot, keeping old worker", "index", i, "error", err)
			_ = nw.handle.Kill()
			return
		}

		s.mu.Lock()
		old := s.workers[i]
		s.workers[i] = nw
		s.failures[i] = 0
		if old != nil && old.state != StateDead {
			old.state = StateStopping
			s.old = append(s.old, old)
		} else {
			old = nil
		}
		s.mu.Unlock()
		if old != nil {
			s.retireWorker(old)
		}
	}
	s.log.Info("worker replacement complete", "phase", phase, "from_index", from)
}

// retireWorker asks an old-phase worker to drain and exit, escalating to
// kill after the stop timeout.
func (s *Supervisor) retireWorker(old *worker) {
	s.log.Info("stopping old worker", "index", old.index, "pid", old.pid, "phase", old.phase)
	if err := old.handle.Signal(syscall.SIGTERM); err != nil {
		_ = old.handle.Kill()
		return
	}
	timer := time.AfterFunc(s.cfg.StopTimeout, func() {
		select {
		case <-old.exited:
		default:
			s.log.Warn("old worker drain timeout, killing", "index", old.index, "pid", old.pid)
			_ = old.handle.Kill()
		}
	})
	go func() {
		<-old.exited
		timer.Stop()
	}()
}

// waitBooted blocks until the worker reports booted, exits, or times out.
func (s *Supervisor) waitBooted(w *worker) error {
	t := time.NewTimer(s.cfg.BootTimeout)
	defer t.Stop()
	select {
	case <-w.booted:
		return nil
	case <-w.exited:
		return fmt.Errorf("worker %d exited before booting", w.index)
	case <-t.C:
		return ErrBootTimeout
	case <-s.sctx.Stopping():
		return ErrStopping
	}
}

// Stats snapshots the worker table into a ClusterReport. It never blocks on
// fresh check-ins; the most recent known data is served and staleness shows
// through last_checkin.
func (s *Supervisor) Stats() ClusterReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep := ClusterReport{
		StartedAt:    s.startedAt,
		Workers:      s.cfg.Workers,
		Phase:        s.phase,
		OldWorkers:   len(s.old),
		WorkerStatus: make([]WorkerStatus, 0, len(s.workers)),
		Versions:     serverVersions(),
	}
	for _, w := range s.workers {
		if w == nil {
			continue
		}
		ws := w.status()
		if ws.Booted {
			rep.BootedWorkers++
		}
		rep.WorkerStatus = append(rep.WorkerStatus, ws)
	}
	return rep
}

// StatsJSON renders the cluster report for the control protocol.
func (s *Supervisor) StatsJSON() ([]byte, error) {
	return json.Marshal(s.Stats())
}

// startWorker spawns a worker process. The caller installs the returned
// worker in the table (or the pending map) and then starts the reaper with
// go s.reap(w); reaping must not begin before installation, or a worker that
// dies instantly is misread as already-replaced and never respawned.
func (s *Supervisor) startWorker(index, phase int) (*worker, error) {
	spec := WorkerSpec{
		Index:         index,
		Phase:         phase,
		CheckinAddr:   s.cfg.checkinAddr(),
		ListenerFiles: s.lnFiles,
	}
	h, err := s.factory.Spawn(context.Background(), spec)
	if err != nil {
		return nil, err
	}
	w := &worker{
		index:     index,
		phase:     phase,
		pid:       h.Pid(),
		handle:    h,
		startedAt: time.Now(),
		state:     StateStarting,
		booted:    make(chan struct{}),
		exited:    make(chan struct{}),
	}
	s.log.Info("worker spawned", "index", index, "pid", w.pid, "phase", phase)
	return w, nil
}

// reap waits for a worker process to exit and decides whether its slot
// needs a replacement.
func (s *Supervisor) reap(w *worker) {
	err := w.handle.Wait()

	s.mu.Lock()
	prev := w.state
	w.state = StateDead
	close(w.exited)
	delete(s.pending, w.pid)
	for i, ow := range s.old {
		if ow == w {
			s.old = append(s.old[:i], s.old[i+1:]...)
			break
		}
	}
	isCurrent := w.index < len(s.workers) && s.workers[w.index] == w
	stopping := s.stopping
	s.mu.Unlock()

	if err != nil && !stopping {
		s.log.Warn("worker exited", "index", w.index, "pid", w.pid, "error", err)
	} else {
		s.log.Info("worker exited", "index", w.index, "pid", w.pid)
	}

	if !isCurrent || stopping || prev == StateStopping {
		return
	}
	s.respawn(w)
}

// respawn replaces a crashed worker at the same index and phase, backing
// off on consecutive immediate failures and escalating to master shutdown
// once the bound is reached, since continued operation cannot guarantee the
// worker-count invariant.
func (s *Supervisor) respawn(dead *worker) {
	s.mu.Lock()
	if time.Since(dead.startedAt) < minAliveTime {
		s.failures[dead.index]++
	} else {
		s.failures[dead.index] = 0
	}
	fails := s.failures[dead.index]
	s.mu.Unlock()

	for {
		if fails >= s.cfg.MaxRespawns {
			s.log.Error("worker respawn limit reached, shutting down",
				"index", dead.index, "consecutive_failures", fails)
			s.mu.Lock()
			s.runErr = fmt.Errorf("worker %d failed %d consecutive times", dead.index, fails)
			s.mu.Unlock()
			s.Stop()
			return
		}
		if fails > 0 {
			delay := respawnBackoff(fails, s.cfg.BackoffMin, s.cfg.BackoffMax)
			s.log.Warn("worker failed early, backing off before respawn",
				"index", dead.index, "delay", delay, "consecutive_failures", fails)
			select {
			case <-time.After(delay):
			case <-s.sctx.Stopping():
				return
			}
		}
		if s.isStopping() {
			return
		}
		nw, err := s.startWorker(dead.index, dead.phase)
		if err != nil {
			s.mu.Lock()
			s.failures[dead.index]++
			fails = s.failures[dead.index]
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			_ = nw.handle.Kill()
			return
		}
		s.workers[dead.index] = nw
		s.mu.Unlock()
		go s.reap(nw)
		return
	}
}

// monitor periodically scans for workers that missed their check-in bound
// and watches the fork-after threshold.
func (s *Supervisor) monitor(sctx *stopper.Context) {
	sctx.Go(func(sctx *stopper.Context) error {
		// a prime number of milliseconds spreads wakeups
		t := time.NewTicker(977 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case <-t.C:
				s.checkWorkers()
			}
		}
	})
}

func (s *Supervisor) checkWorkers() {
	now := time.Now()
	type staleWorker struct {
		w    *worker
		last time.Time
	}
	var stale []staleWorker
	var refork bool

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	for _, w := range s.workers {
		if w == nil || w.state == StateStopping || w.state == StateDead {
			continue
		}
		last := w.lastCheckin
		if last.IsZero() {
			last = w.startedAt
		}
		if now.Sub(last) > s.cfg.WorkerTimeout {
			stale = append(stale, staleWorker{w: w, last: w.lastCheckin})
		}
	}
	if s.cfg.ReforkAfter > 0 && s.cfg.Workers > 1 && !s.transition && !s.reforkDone {
		if w0 := s.workers[0]; w0 != nil && w0.state == StateBooted &&
			w0.lastStatus.RequestsCount >= s.cfg.ReforkAfter {
			refork = true
		}
	}
	s.mu.Unlock()

	for _, st := range stale {
		s.log.Warn("worker missed check-ins, replacing",
			"index", st.w.index, "pid", st.w.pid, "last_checkin", st.last)
		// the reaper respawns it
		_ = st.w.handle.Kill()
	}
	if refork {
		s.log.Info("fork-after threshold reached, triggering refork", "threshold", s.cfg.ReforkAfter)
		if err := s.Refork(); err != nil && err != ErrTransitionInProgress {
			s.log.Warn("automatic refork rejected", "error", err)
		}
	}
}

// applyCheckin folds one worker report into the table.
func (s *Supervisor) applyCheckin(msg checkinMessage) {
	s.mu.Lock()
	w := s.findByPidLocked(msg.PID)
	if w == nil {
		s.mu.Unlock()
		s.log.Debug("check-in from unknown pid", "pid", msg.PID)
		return
	}
	w.lastCheckin = time.Now()
	w.lastStatus = msg.Status
	var bootedNow bool
	if msg.Booted && w.state == StateStarting {
		w.state = StateBooted
		if w.index < len(s.failures) {
			s.failures[w.index] = 0
		}
		close(w.booted)
		bootedNow = true
	}
	s.mu.Unlock()
	if bootedNow {
		s.log.Info("worker booted", "index", w.index, "pid", w.pid, "phase", w.phase)
	}
}

func (s *Supervisor) findByPidLocked(pid int) *worker {
	for _, w := range s.workers {
		if w != nil && w.pid == pid {
			return w
		}
	}
	if w, ok := s.pending[pid]; ok {
		return w
	}
	for _, w := range s.old {
		if w.pid == pid {
			return w
		}
	}
	return nil
}

func (s *Supervisor) liveWorkersLocked() []*worker {
	var live []*worker
	for _, w := range s.workers {
		if w != nil && w.state != StateDead {
			live = append(live, w)
		}
	}
	for _, w := range s.pending {
		if w.state != StateDead {
			live = append(live, w)
		}
	}
	for _, w := range s.old {
		if w.state != StateDead {
			live = append(live, w)
		}
	}
	return live
}

func (s *Supervisor) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// respawnBackoff doubles from min per consecutive failure, capped at max.
func respawnBackoff(failures int, min, max time.Duration) time.Duration {
	d := min
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// environWithout returns the process environment minus the named variable.
func environWithout(name string) []string {
	env := os.Environ()
	out := env[:0]
	prefix := name + "="
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return out
}
