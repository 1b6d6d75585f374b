package prefork

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"
)

// Status texts printed by the client-side status command.
const (
	// StatusStarted means the state file names a live master process
	StatusStarted = "prefork is started"

	// StatusNotRunning means the state file is absent or names a dead PID
	StatusNotRunning = "prefork is not running"
)

// Client sends control commands to a running server. The server is located
// either through an explicit control URL or by reading the state file; in
// the latter case the recorded PID is verified for liveness first, so a
// stale state file yields the discovery error instead of a connection
// attempt against an arbitrary process.
type Client struct {
	// StatePath locates the state file when no explicit URL is given
	StatePath string

	// ControlURL overrides state-file discovery
	ControlURL string

	// Token is the control auth token; defaults to the state file's token
	Token string

	// DialTimeout is the timeout for control socket connections
	DialTimeout time.Duration

	// WriteTimeout is the timeout for writing the command line
	WriteTimeout time.Duration

	// ReadTimeout is the timeout for reading the reply
	ReadTimeout time.Duration

	// BackoffMin is the minimum duration between dial attempts
	BackoffMin time.Duration

	// BackoffMax is the maximum duration between dial attempts
	BackoffMax time.Duration

	// MaxAttempts is the maximum number of dial attempts
	MaxAttempts int

	log pslog.Logger

	// mu serializes command sends
	mu sync.Mutex
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithStatePath sets the state file used for discovery
func WithStatePath(path string) ClientOption {
	return func(c *Client) {
		c.StatePath = path
	}
}

// WithControlURL bypasses state-file discovery
func WithControlURL(u string) ClientOption {
	return func(c *Client) {
		c.ControlURL = u
	}
}

// WithToken sets the control auth token
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.Token = token
	}
}

// WithDialTimeout sets the timeout for control socket connections
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.DialTimeout = d
	}
}

// WithBackoff sets the minimum and maximum backoff between dial attempts
func WithBackoff(minBackoff, maxBackoff time.Duration) ClientOption {
	return func(c *Client) {
		c.BackoffMin = minBackoff
		c.BackoffMax = maxBackoff
	}
}

// WithMaxAttempts sets the maximum number of dial attempts
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		c.MaxAttempts = n
	}
}

// WithLogger sets the client's logger
func WithLogger(logger pslog.Logger) ClientOption {
	return func(c *Client) {
		c.log = logger
	}
}

// NewClient creates a Client with defaults applied.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		DialTimeout:  DefaultDialTimeout,
		WriteTimeout: DefaultWriteTimeout,
		ReadTimeout:  DefaultReadTimeout,
		BackoffMin:   DefaultBackoffMin,
		BackoffMax:   DefaultBackoffMax,
		MaxAttempts:  DefaultMaxAttempts,
		log:          pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reply is one control response: the status line, plus the JSON body for
// stats and gc-stats.
type Reply struct {
	Status string
	Body   []byte
}

// resolve locates the server. With a state file, the recorded PID must be a
// live process before any connection is attempted.
func (c *Client) resolve() (*StateRecord, error) {
	if c.ControlURL != "" {
		return &StateRecord{ControlURL: c.ControlURL, ControlAuthToken: c.Token}, nil
	}
	if c.StatePath == "" {
		return nil, errors.New("prefork: no state file or control url configured")
	}
	rec, err := ReadStateFile(c.StatePath)
	if err != nil {
		return nil, err
	}
	if rec.PID > 0 {
		alive, err := process.PidExists(int32(rec.PID))
		if err != nil || !alive {
			return nil, &PidNotFoundError{PID: rec.PID}
		}
	}
	if rec.ControlURL == "" {
		return nil, errors.New("prefork: state file has no control url")
	}
	return rec, nil
}

// Do sends one command and returns the reply. Protocol-level failures
// (invalid token, unknown command) come back as errors; the connection is
// closed after one reply either way.
func (c *Client) Do(ctx context.Context, cmd Command) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd {
	case CmdUnknown, CmdStatus:
		return nil, ErrUnknownCommand
	}

	rec, err := c.resolve()
	if err != nil {
		return nil, err
	}
	token := c.Token
	if token == "" {
		token = rec.ControlAuthToken
	}
	spec, err := ParseBind(rec.ControlURL)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx, spec)
	if err != nil {
		return nil, &CmdError{Cmd: cmd, Addr: rec.ControlURL, Err: err}
	}
	defer func() { _ = conn.Close() }()

	line := cmd.String()
	if token != "" {
		line += " " + token
	}
	if c.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return nil, &CmdError{Cmd: cmd, Addr: rec.ControlURL, Err: err}
	}

	if c.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	}
	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	if err != nil && status == "" {
		return nil, &CmdError{Cmd: cmd, Addr: rec.ControlURL, Err: err}
	}
	status = strings.TrimRight(status, "\n")

	if strings.HasPrefix(status, "Command error:") {
		switch {
		case strings.Contains(status, "invalid_token"):
			err = ErrInvalidToken
		case strings.Contains(status, "unknown command"):
			err = ErrUnknownCommand
		default:
			err = errors.New(status)
		}
		return nil, &CmdError{Cmd: cmd, Addr: rec.ControlURL, Err: err}
	}

	reply := &Reply{Status: status}
	if cmd == CmdStats || cmd == CmdGCStats {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, &CmdError{Cmd: cmd, Addr: rec.ControlURL, Err: err}
		}
		reply.Body = []byte(strings.TrimRight(string(body), "\n"))
	}
	return reply, nil
}

// dial connects with exponential backoff, the same retry shape used for
// worker check-ins.
func (c *Client) dial(ctx context.Context, spec BindSpec) (net.Conn, error) {
	var lastErr error
	backoff := c.BackoffMin
	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.BackoffMax {
				backoff = c.BackoffMax
			}
		}
		conn, err := net.DialTimeout(spec.Network, spec.Addr, c.DialTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrControlNotReady
	}
	return nil, lastErr
}

// Status reports whether the server named by the state file is running.
// It is resolved entirely client-side; nothing is sent over the socket.
func (c *Client) Status(_ context.Context) (string, error) {
	if c.StatePath == "" {
		return "", errors.New("prefork: status requires a state file")
	}
	rec, err := ReadStateFile(c.StatePath)
	if err != nil {
		if errors.Is(err, ErrStateFileNotFound) {
			return StatusNotRunning, nil
		}
		return "", err
	}
	if rec.PID <= 0 {
		return StatusNotRunning, nil
	}
	alive, err := process.PidExists(int32(rec.PID))
	if err != nil || !alive {
		return StatusNotRunning, nil
	}
	return StatusStarted, nil
}

// WaitReady blocks until the state file names a live master, watching the
// file for changes. Useful for tooling that starts a server and waits for
// it to come up.
func (c *Client) WaitReady(ctx context.Context) error {
	if c.StatePath == "" {
		return errors.New("prefork: wait requires a state file")
	}
	if st, err := c.Status(ctx); err == nil && st == StatusStarted {
		return nil
	}
	events, cleanup, err := WatchStateFile(ctx, c.StatePath)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			if ev.Err != nil || ev.Record == nil {
				continue
			}
			if ev.Record.PID > 0 {
				if alive, err := process.PidExists(int32(ev.Record.PID)); err == nil && alive {
					return nil
				}
			}
		}
	}
}
