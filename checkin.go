package prefork

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"
	"vawter.tech/stopper"
)

// checkinMessage is one worker status report. Messages are newline-delimited
// JSON over the check-in unix socket; the master is the sole consumer.
type checkinMessage struct {
	Index  int            `json:"index"`
	Phase  int            `json:"phase"`
	PID    int            `json:"pid"`
	Booted bool           `json:"booted"`
	Status StatusSnapshot `json:"status"`
}

// serveCheckins accepts worker connections and feeds their reports into the
// supervisor table. It runs until the stopper context stops.
func (s *Supervisor) serveCheckins(sctx *stopper.Context, ln net.Listener) {
	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() { _ = ln.Close() })
		go func() {
			<-sctx.Stopping()
			_ = ln.Close()
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if sctx.IsStopping() {
					return nil
				}
				s.log.Warn("checkin accept failed", "error", err)
				return nil
			}
			sctx.Go(func(sctx *stopper.Context) error {
				defer func() { _ = conn.Close() }()
				go func() {
					<-sctx.Stopping()
					_ = conn.Close()
				}()
				s.readCheckins(conn)
				return nil
			})
		}
	})
}

// readCheckins consumes one worker's report stream until it disconnects.
func (s *Supervisor) readCheckins(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1024), maxCheckinLine)
	for scanner.Scan() {
		var msg checkinMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.log.Warn("discarding malformed check-in", "error", err)
			continue
		}
		s.applyCheckin(msg)
	}
}

// Reporter is the worker-side end of the check-in channel. It dials the
// master's check-in socket and sends periodic status reports, reconnecting
// with bounded backoff on failure.
type Reporter struct {
	// Addr is the check-in socket path
	Addr string

	// Index, Phase and PID identify this worker to the master
	Index int
	Phase int
	PID   int

	// DialTimeout bounds each connection attempt
	DialTimeout time.Duration

	// BackoffMin and BackoffMax bound the reconnect backoff
	BackoffMin time.Duration
	BackoffMax time.Duration

	// MaxAttempts is the number of dial attempts per send
	MaxAttempts int

	log  pslog.Logger
	mu   sync.Mutex
	conn net.Conn
}

// NewReporter creates a Reporter for the current worker process.
func NewReporter(addr string, index, phase int, logger pslog.Logger) *Reporter {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Reporter{
		Addr:        addr,
		Index:       index,
		Phase:       phase,
		PID:         os.Getpid(),
		DialTimeout: DefaultDialTimeout,
		BackoffMin:  DefaultBackoffMin,
		BackoffMax:  DefaultBackoffMax,
		MaxAttempts: DefaultMaxAttempts,
		log:         logger,
	}
}

// Send reports one status snapshot. The connection is established lazily
// and reused; a failed write drops the connection and retries once on a
// fresh one before giving up until the next interval.
func (r *Reporter) Send(booted bool, st StatusSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := checkinMessage{
		Index:  r.Index,
		Phase:  r.Phase,
		PID:    r.PID,
		Booted: booted,
		Status: st,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding check-in: %w", err)
	}
	data = append(data, '\n')

	var lastErr error
	backoff := r.BackoffMin
	for attempt := 0; attempt < r.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > r.BackoffMax {
				backoff = r.BackoffMax
			}
		}
		if r.conn == nil {
			conn, err := net.DialTimeout("unix", r.Addr, r.DialTimeout)
			if err != nil {
				lastErr = err
				continue
			}
			r.conn = conn
		}
		if _, err := r.conn.Write(data); err != nil {
			lastErr = err
			_ = r.conn.Close()
			r.conn = nil
			continue
		}
		return nil
	}
	return fmt.Errorf("sending check-in to %q: %w", r.Addr, lastErr)
}

// Close drops the reporter's connection.
func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
