// Command preforkd is a pre-forked HTTP server: the master binds the
// listeners, spawns workers that inherit them, and exposes the control
// channel for zero-downtime restarts. The same binary is re-executed as
// each worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/axondata/go-prefork"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("PREFORK_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "preforkd")

	cmd := newRootCommand(logger)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "preforkd",
		Short:         "preforkd serves HTTP from a supervised pool of pre-forked workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `
  # four workers on port 9292, control channel on a unix socket
  preforkd --workers 4 --bind tcp://0.0.0.0:9292 \
      --control-url unix:///tmp/preforkd/control.sock \
      --state-path /tmp/preforkd/prefork.state

  # single-process mode for development
  preforkd --workers 0 --bind tcp://127.0.0.1:9292`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), logger)
		},
	}

	flags := cmd.Flags()
	flags.Int("workers", 2, "worker process count (0 selects single-process mode)")
	flags.StringSlice("bind", []string{"tcp://127.0.0.1:9292"}, "listener URL (tcp://host:port or unix:///path); repeatable")
	flags.String("control-url", "", "control channel URL (empty disables the control channel)")
	flags.String("control-token", "", "control auth token (auto-generated when a state path is set and no token is given)")
	flags.String("state-path", "", "state file path for external discovery (empty disables)")
	flags.String("run-dir", "", "directory for the check-in socket (defaults next to the state file)")
	flags.Uint64("refork-after", 0, "refork once worker 0 has served this many requests (0 disables)")
	flags.Duration("checkin-interval", prefork.DefaultCheckinInterval, "period between worker check-ins")
	flags.Duration("worker-timeout", prefork.DefaultWorkerTimeout, "missed check-in bound before a worker is replaced")
	flags.Duration("boot-timeout", prefork.DefaultBootTimeout, "wait bound for a replacement worker to boot")
	flags.Duration("stop-timeout", prefork.DefaultStopTimeout, "drain bound before a stopping worker is killed")

	bindEnv(flags)
	return cmd
}

// bindEnv maps every flag to a PREFORK_* environment variable, flags taking
// precedence.
func bindEnv(flags *pflag.FlagSet) {
	viper.SetEnvPrefix("PREFORK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	flags.VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})
}

func buildConfig(logger pslog.Logger) prefork.Config {
	cfg := prefork.Config{
		Workers:         viper.GetInt("workers"),
		Binds:           viper.GetStringSlice("bind"),
		ControlURL:      viper.GetString("control-url"),
		ControlToken:    viper.GetString("control-token"),
		StatePath:       viper.GetString("state-path"),
		RunDir:          viper.GetString("run-dir"),
		ReforkAfter:     viper.GetUint64("refork-after"),
		CheckinInterval: viper.GetDuration("checkin-interval"),
		WorkerTimeout:   viper.GetDuration("worker-timeout"),
		BootTimeout:     viper.GetDuration("boot-timeout"),
		StopTimeout:     viper.GetDuration("stop-timeout"),
		Logger:          logger,
	}
	// A discoverable control channel without a token is an open door; mint
	// one unless the operator explicitly provided theirs.
	if cfg.ControlURL != "" && cfg.StatePath != "" && cfg.ControlToken == "" && !prefork.IsWorker() {
		cfg.ControlToken = uuid.NewString()
		logger.Info("generated control auth token", "state_path", cfg.StatePath)
	}
	return cfg
}

func runServer(ctx context.Context, logger pslog.Logger) error {
	cfg := buildConfig(logger)
	return prefork.Run(ctx, cfg, serveHTTP)
}

// serveHTTP is the per-worker application: a plain HTTP server on the first
// inherited listener, counting requests into the check-in snapshot.
func serveHTTP(ctx context.Context, env *prefork.WorkerEnv) error {
	if len(env.Listeners) == 0 {
		return errors.New("no listeners configured")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		env.RecordRequest()
		env.RequestStarted()
		defer env.RequestDone()
		fmt.Fprintf(w, "hello from worker %d (pid %d, phase %d)\n",
			env.Index, os.Getpid(), env.Phase)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), prefork.DefaultStopTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	env.SetPoolCapacity(runtime.GOMAXPROCS(0) * 256)
	env.Ready()
	err := srv.Serve(env.Listeners[0])
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
