// Package prefork supervises a pool of pre-forked worker processes behind
// shared listening sockets, with a line-oriented control protocol for
// zero-downtime operations.
//
// The master binds the application listeners once, then spawns N copies of
// its own binary as workers; each worker inherits the listening descriptors
// and accepts connections directly, so the kernel balances load and no
// request proxying happens in the master. Workers report liveness and
// metrics over a check-in socket; a worker that crashes or goes silent is
// replaced automatically, with bounded backoff on crash loops.
//
// A binary adopts both roles through Run:
//
//	cfg := prefork.Config{
//	    Workers:    4,
//	    Binds:      []string{"tcp://0.0.0.0:9292"},
//	    ControlURL: "unix:///tmp/app/control.sock",
//	    StatePath:  "/tmp/app/prefork.state",
//	}
//	err := prefork.Run(ctx, cfg, func(ctx context.Context, env *prefork.WorkerEnv) error {
//	    srv := &http.Server{Handler: mux}
//	    env.Ready()
//	    go func() { <-ctx.Done(); srv.Shutdown(context.Background()) }()
//	    return srv.Serve(env.Listeners[0])
//	})
//
// # Control Protocol
//
// The control channel accepts one command per connection over a unix or TCP
// socket: stop, halt, restart, phased-restart, refork, stats, gc, gc-stats.
// A phased restart replaces workers one slot at a time, make-before-break:
// the replacement must report booted before its predecessor is retired, so
// capacity never drops below N-0 and the listeners are never rebound. An
// in-place restart re-execs the master itself, carrying the descriptors
// through the environment.
//
// The Client type locates a running server through its state file, verifies
// the recorded PID is alive, and speaks the protocol:
//
//	client := prefork.NewClient(prefork.WithStatePath("/tmp/app/prefork.state"))
//	reply, err := client.Do(ctx, prefork.CmdPhasedRestart)
//
// # Single-Process Mode
//
// With Workers set to zero the application runs directly in the master with
// the control channel attached; cluster-only commands report unsupported.
// This keeps one code path for development and constrained deployments.
package prefork
