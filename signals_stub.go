//go:build !linux && !darwin

package prefork

import (
	"os"
	"os/signal"

	"vawter.tech/stopper"
)

// watchSignals handles interrupt only on platforms without the full unix
// signal set.
func (s *Supervisor) watchSignals(sctx *stopper.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	sctx.Go(func(sctx *stopper.Context) error {
		defer signal.Stop(ch)
		select {
		case <-sctx.Stopping():
			return nil
		case <-ch:
			s.Stop()
			return nil
		}
	})
}
