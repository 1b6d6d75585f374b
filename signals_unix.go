//go:build linux || darwin

package prefork

import (
	"os"
	"os/signal"
	"syscall"

	"vawter.tech/stopper"
)

// watchSignals translates OS termination signals into the same routines the
// control protocol uses, so both paths converge on one shutdown sequence.
// Signal receipt only feeds the channel; no pool mutation happens in signal
// context.
func (s *Supervisor) watchSignals(sctx *stopper.Context) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)
	sctx.Go(func(sctx *stopper.Context) error {
		defer signal.Stop(ch)
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case sig := <-ch:
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					s.log.Info("termination signal received", "signal", sig.String())
					s.Stop()
				case syscall.SIGUSR1:
					if err := s.PhasedRestart(); err != nil {
						s.log.Warn("phased restart rejected", "error", err)
					}
				case syscall.SIGUSR2:
					go func() {
						if err := s.Restart(); err != nil {
							s.log.Error("restart failed", "error", err)
						}
					}()
				}
			}
		}
	})
}
