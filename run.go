package prefork

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"pkt.systems/pslog"
	"vawter.tech/stopper"
)

// WorkerFunc is the application entry point. It receives the inherited
// listeners through env and should serve until ctx is cancelled, then drain
// and return. Call env.Ready once the application can accept work.
type WorkerFunc func(ctx context.Context, env *WorkerEnv) error

// WorkerEnv is the runtime environment handed to a WorkerFunc: the inherited
// listeners, a logger, and the counters that feed the worker's status
// snapshot. All counter methods are safe for concurrent use.
type WorkerEnv struct {
	// Index is the worker's slot index; 0 in single-process mode
	Index int

	// Phase is the cluster phase this worker belongs to
	Phase int

	// Listeners are the sockets bound by the master, in bind order
	Listeners []net.Listener

	// Logger is scoped to this worker
	Logger pslog.Logger

	ready     atomic.Bool
	readyOnce sync.Once
	readyCh   chan struct{}

	requests     atomic.Uint64
	running      atomic.Int64
	backlog      atomic.Int64
	backlogMax   atomic.Int64
	poolCapacity atomic.Int64
	reactorMax   atomic.Int64
}

func newWorkerEnv(index, phase int, lns []net.Listener, logger pslog.Logger) *WorkerEnv {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &WorkerEnv{
		Index:     index,
		Phase:     phase,
		Listeners: lns,
		Logger:    logger,
		readyCh:   make(chan struct{}),
	}
}

// Ready marks the application as booted. In cluster mode this triggers an
// immediate check-in so the master stops waiting; during a phased restart
// the old worker is not retired before this is called.
func (e *WorkerEnv) Ready() {
	e.readyOnce.Do(func() {
		e.ready.Store(true)
		close(e.readyCh)
	})
}

func (e *WorkerEnv) isReady() bool {
	return e.ready.Load()
}

// RecordRequest increments the monotonic request counter. The fork-after
// threshold is evaluated against this counter on worker 0.
func (e *WorkerEnv) RecordRequest() {
	e.requests.Add(1)
}

// RequestStarted marks a handler as busy.
func (e *WorkerEnv) RequestStarted() {
	e.running.Add(1)
}

// RequestDone marks a handler as idle again.
func (e *WorkerEnv) RequestDone() {
	e.running.Add(-1)
}

// SetPoolCapacity records the configured handler concurrency limit.
func (e *WorkerEnv) SetPoolCapacity(n int) {
	e.poolCapacity.Store(int64(n))
}

// BacklogChanged records the current accept backlog, tracking its
// high-water mark.
func (e *WorkerEnv) BacklogChanged(n int) {
	e.backlog.Store(int64(n))
	for {
		hi := e.backlogMax.Load()
		if int64(n) <= hi || e.backlogMax.CompareAndSwap(hi, int64(n)) {
			return
		}
	}
}

// snapshot renders the counters as one status block.
func (e *WorkerEnv) snapshot() StatusSnapshot {
	running := int(e.running.Load())
	capacity := int(e.poolCapacity.Load())
	return StatusSnapshot{
		Backlog:       int(e.backlog.Load()),
		Running:       running,
		PoolCapacity:  capacity,
		BusyThreads:   running,
		BacklogMax:    int(e.backlogMax.Load()),
		MaxThreads:    capacity,
		RequestsCount: e.requests.Load(),
		ReactorMax:    int(e.reactorMax.Load()),
	}
}

// IsWorker reports whether this process was spawned as a cluster worker.
func IsWorker() bool {
	return os.Getenv(EnvWorkerIndex) != ""
}

// Run is the one entry point for a binary using re-exec workers: the same
// executable serves as master and worker, dispatched on the role environment.
// With Workers zero the application runs in-process with the control channel
// attached directly.
func Run(ctx context.Context, cfg Config, fn WorkerFunc) error {
	if fn == nil {
		return errors.New("prefork: nil worker function")
	}
	if IsWorker() {
		return RunWorker(ctx, cfg, fn)
	}
	if !cfg.clustered() {
		return runSingle(ctx, cfg, fn)
	}
	s, err := New(cfg)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

// RunWorker runs the worker side: rebuild the inherited listeners, start the
// check-in loop and hand control to fn. SIGTERM cancels fn's context so the
// application drains; the process exits when fn returns.
func RunWorker(ctx context.Context, cfg Config, fn WorkerFunc) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	log := cfg.Logger

	index, _ := strconv.Atoi(os.Getenv(EnvWorkerIndex))
	phase, _ := strconv.Atoi(os.Getenv(EnvWorkerPhase))
	count, _ := strconv.Atoi(os.Getenv(EnvListenFDCount))
	checkinAddr := os.Getenv(EnvCheckinAddr)

	lns, err := inheritedWorkerListeners(count)
	if err != nil {
		return err
	}
	defer closeListeners(lns)

	env := newWorkerEnv(index, phase, lns, log.With("worker", index))

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			env.Logger.Info("worker draining", "signal", sig.String())
			cancel()
		case <-wctx.Done():
		}
	}()

	if checkinAddr != "" {
		rep := NewReporter(checkinAddr, index, phase, env.Logger)
		defer func() { _ = rep.Close() }()
		go reportLoop(wctx, rep, env, cfg.CheckinInterval)
	}

	err = fn(wctx, env)
	if err != nil {
		env.Logger.Error("worker function failed", "error", err)
	}
	return err
}

// reportLoop sends periodic check-ins, plus one extra as soon as the
// application marks itself ready.
func reportLoop(ctx context.Context, rep *Reporter, env *WorkerEnv, interval time.Duration) {
	send := func() {
		if err := rep.Send(env.isReady(), env.snapshot()); err != nil {
			env.Logger.Warn("check-in failed", "error", err)
		}
	}
	send()

	ready := env.readyCh
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ready:
			ready = nil
			send()
		case <-t.C:
			send()
		}
	}
}

// singleServer adapts a non-clustered server to the control channel.
// Cluster-only commands report unsupported; halt exits without draining.
type singleServer struct {
	cfg       Config
	log       pslog.Logger
	env       *WorkerEnv
	startedAt time.Time
	cancel    context.CancelFunc

	binds   []string
	lnFiles []*os.File
	execFn  func(argv0 string, argv, env []string) error
	exitFn  func(code int)

	mu       sync.Mutex
	stopping bool
}

func (ss *singleServer) Clustered() bool { return false }

func (ss *singleServer) Stop() {
	ss.mu.Lock()
	if ss.stopping {
		ss.mu.Unlock()
		return
	}
	ss.stopping = true
	ss.mu.Unlock()
	ss.log.Info("stopping server")
	ss.cancel()
}

func (ss *singleServer) Halt() {
	ss.log.Info("halting server")
	if ss.cfg.StatePath != "" {
		_ = RemoveStateFile(ss.cfg.StatePath)
	}
	ss.exitFn(0)
}

func (ss *singleServer) Restart() error {
	ss.log.Info("restarting server in place", "pid", os.Getpid())
	inherit, err := inheritEnv(ss.lnFiles, ss.binds)
	if err != nil {
		return err
	}
	env := append(environWithout(EnvInheritedFDs), EnvInheritedFDs+"="+inherit)
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	argv := append([]string{exe}, os.Args[1:]...)
	return ss.execFn(exe, argv, env)
}

func (ss *singleServer) PhasedRestart() error { return ErrNotClustered }

func (ss *singleServer) Refork() error { return ErrNotClustered }

func (ss *singleServer) StatsJSON() ([]byte, error) {
	return json.Marshal(SingleReport{
		StartedAt: ss.startedAt,
		Status:    ss.env.snapshot(),
		Versions:  serverVersions(),
	})
}

// runSingle runs the application in the master process with the control
// channel and state file attached. The same listener inheritance applies, so
// an in-place restart keeps the bound addresses here too.
func runSingle(ctx context.Context, cfg Config, fn WorkerFunc) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	log := cfg.Logger

	lns, binds, err := adoptInheritedListeners(os.Getenv(EnvInheritedFDs))
	if err != nil {
		return err
	}
	if lns != nil {
		_ = os.Unsetenv(EnvInheritedFDs)
		log.Info("adopted inherited listeners", "count", len(lns), "binds", strings.Join(binds, ","))
	} else {
		binds = cfg.Binds
		lns, err = bindListeners(binds)
		if err != nil {
			return err
		}
	}
	defer closeListeners(lns)
	lnFiles, err := listenerFiles(lns)
	if err != nil {
		return err
	}
	defer func() {
		for _, f := range lnFiles {
			_ = f.Close()
		}
	}()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	env := newWorkerEnv(0, 0, lns, log)
	ss := &singleServer{
		cfg:       cfg,
		log:       log,
		env:       env,
		startedAt: time.Now(),
		cancel:    cancel,
		binds:     binds,
		lnFiles:   lnFiles,
		execFn:    execInPlace,
		exitFn:    os.Exit,
	}

	sctx := stopper.WithContext(ctx)
	if cfg.ControlURL != "" {
		ctl, err := newControlServer(cfg.ControlURL, cfg.ControlToken, ss, log)
		if err != nil {
			return err
		}
		ctl.serve(sctx)
	}

	if cfg.StatePath != "" {
		rec := &StateRecord{
			PID:              os.Getpid(),
			ControlURL:       cfg.ControlURL,
			ControlAuthToken: cfg.ControlToken,
		}
		if err := WriteStateFile(cfg.StatePath, rec); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("termination signal received", "signal", sig.String())
			ss.Stop()
		case <-wctx.Done():
		}
	}()

	log.Info("server started", "pid", os.Getpid(), "binds", strings.Join(binds, ","))
	err = fn(wctx, env)

	if cfg.StatePath != "" {
		if rerr := RemoveStateFile(cfg.StatePath); rerr != nil {
			log.Warn("state file removal failed", "path", cfg.StatePath, "error", rerr)
		}
	}
	sctx.Stop(time.Second)
	_ = sctx.Wait()
	return err
}
