// Command preforkctl administers a running preforkd server over its control
// channel: lifecycle commands, stats and GC inspection, and a client-side
// status check based on the state file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/axondata/go-prefork"
)

func main() {
	os.Exit(submain(context.Background()))
}

// errNotRunning signals the nonzero exit of a status check that already
// printed its verdict.
var errNotRunning = errors.New("server not running")

func submain(ctx context.Context) int {
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, errNotRunning) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

type ctlFlags struct {
	statePath  string
	controlURL string
	token      string
	timeout    time.Duration
}

func (f *ctlFlags) client() *prefork.Client {
	opts := []prefork.ClientOption{}
	if f.statePath != "" {
		opts = append(opts, prefork.WithStatePath(f.statePath))
	}
	if f.controlURL != "" {
		opts = append(opts, prefork.WithControlURL(f.controlURL))
	}
	if f.token != "" {
		opts = append(opts, prefork.WithToken(f.token))
	}
	return prefork.NewClient(opts...)
}

func newRootCommand() *cobra.Command {
	flags := &ctlFlags{}
	cmd := &cobra.Command{
		Use:           "preforkctl",
		Short:         "preforkctl sends control commands to a running preforkd server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `
  preforkctl -S /tmp/preforkd/prefork.state status
  preforkctl -S /tmp/preforkd/prefork.state phased-restart
  preforkctl --control-url tcp://127.0.0.1:9293 --token secret stats`,
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.statePath, "state-path", "S", "", "state file of the target server")
	pf.StringVar(&flags.controlURL, "control-url", "", "control URL (bypasses state-file discovery)")
	pf.StringVar(&flags.token, "token", "", "control auth token (defaults to the state file's token)")
	pf.DurationVar(&flags.timeout, "timeout", 10*time.Second, "overall command timeout")

	simple := func(use, short string, c prefork.Command) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
				defer cancel()
				reply, err := flags.client().Do(ctx, c)
				if err != nil {
					return err
				}
				fmt.Println(reply.Status)
				return nil
			},
		}
	}

	cmd.AddCommand(
		simple("stop", "gracefully stop the server, draining in-flight requests", prefork.CmdStop),
		simple("halt", "stop the server immediately without draining", prefork.CmdHalt),
		simple("restart", "restart the server in place, keeping the bound sockets", prefork.CmdRestart),
		simple("phased-restart", "replace workers one at a time without dropping capacity", prefork.CmdPhasedRestart),
		simple("refork", "replace workers from a freshly primed image", prefork.CmdRefork),
		simple("gc", "trigger a garbage collection in the master", prefork.CmdGC),
		newStatsCommand(flags),
		newGCStatsCommand(flags),
		newStatusCommand(flags),
	)
	return cmd
}

func newStatsCommand(flags *ctlFlags) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "print the server's aggregated worker statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			reply, err := flags.client().Do(ctx, prefork.CmdStats)
			if err != nil {
				return err
			}
			if raw {
				fmt.Println(string(reply.Body))
				return nil
			}
			return printStats(reply.Body)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the raw JSON document")
	return cmd
}

func printStats(body []byte) error {
	var rep prefork.ClusterReport
	if err := json.Unmarshal(body, &rep); err == nil && rep.Workers > 0 {
		fmt.Printf("started:  %s (%s)\n", rep.StartedAt.Format(time.RFC3339), humanize.Time(rep.StartedAt))
		fmt.Printf("phase:    %d\n", rep.Phase)
		fmt.Printf("workers:  %d configured, %d booted, %d old\n",
			rep.Workers, rep.BootedWorkers, rep.OldWorkers)
		for _, w := range rep.WorkerStatus {
			fmt.Printf("  [%d] pid %d phase %d booted=%v requests=%d busy=%d/%d last_checkin=%s\n",
				w.Index, w.PID, w.Phase, w.Booted,
				w.LastStatus.RequestsCount, w.LastStatus.BusyThreads, w.LastStatus.MaxThreads,
				humanize.Time(w.LastCheckin))
		}
		return nil
	}
	var single prefork.SingleReport
	if err := json.Unmarshal(body, &single); err != nil {
		return fmt.Errorf("decoding stats: %w", err)
	}
	fmt.Printf("started:  %s (%s)\n", single.StartedAt.Format(time.RFC3339), humanize.Time(single.StartedAt))
	fmt.Printf("requests: %d busy=%d/%d\n",
		single.Status.RequestsCount, single.Status.BusyThreads, single.Status.MaxThreads)
	return nil
}

func newGCStatsCommand(flags *ctlFlags) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "gc-stats",
		Short: "print the master's garbage collector statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			reply, err := flags.client().Do(ctx, prefork.CmdGCStats)
			if err != nil {
				return err
			}
			if raw {
				fmt.Println(string(reply.Body))
				return nil
			}
			var rep prefork.GCReport
			if err := json.Unmarshal(reply.Body, &rep); err != nil {
				return fmt.Errorf("decoding gc-stats: %w", err)
			}
			fmt.Printf("collections: %d\n", rep.NumGC)
			fmt.Printf("pause total: %s\n", time.Duration(rep.PauseTotalNS))
			fmt.Printf("heap alloc:  %s\n", humanize.Bytes(rep.HeapAlloc))
			fmt.Printf("heap sys:    %s\n", humanize.Bytes(rep.HeapSys))
			fmt.Printf("heap objs:   %s\n", humanize.Comma(int64(rep.HeapObjects)))
			fmt.Printf("next gc at:  %s\n", humanize.Bytes(rep.NextGC))
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the raw JSON document")
	return cmd
}

func newStatusCommand(flags *ctlFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "report whether the server named by the state file is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			st, err := flags.client().Status(ctx)
			if err != nil {
				return err
			}
			fmt.Println(st)
			if st != prefork.StatusStarted {
				return errNotRunning
			}
			return nil
		},
	}
}
