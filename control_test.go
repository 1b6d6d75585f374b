package prefork

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"vawter.tech/stopper"
)

// fakeTarget records control dispatches.
type fakeTarget struct {
	mu        sync.Mutex
	stops     int
	halts     int
	restarts  int
	phased    int
	reforks   int
	phasedErr error
	reforkErr error
	stats     []byte
	statsErr  error
}

func (f *fakeTarget) Clustered() bool { return true }
func (f *fakeTarget) Stop()           { f.mu.Lock(); f.stops++; f.mu.Unlock() }
func (f *fakeTarget) Halt()           { f.mu.Lock(); f.halts++; f.mu.Unlock() }
func (f *fakeTarget) Restart() error  { f.mu.Lock(); f.restarts++; f.mu.Unlock(); return nil }
func (f *fakeTarget) PhasedRestart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phased++
	return f.phasedErr
}
func (f *fakeTarget) Refork() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reforks++
	return f.reforkErr
}
func (f *fakeTarget) StatsJSON() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.statsErr
}

func (f *fakeTarget) counts() (stops, halts, restarts, phased, reforks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops, f.halts, f.restarts, f.phased, f.reforks
}

func startControl(t *testing.T, token string, target controlTarget) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "control.sock")
	url := "unix://" + sock
	cs, err := newControlServer(url, token, target, pslog.NoopLogger())
	if err != nil {
		t.Fatal(err)
	}
	sctx := stopper.WithContext(context.Background())
	cs.serve(sctx)
	t.Cleanup(func() {
		sctx.Stop(100 * time.Millisecond)
		_ = sctx.Wait()
	})
	return sock
}

// sendCommand writes one request line and reads the full reply.
func sendCommand(t *testing.T, sock, line string) (string, string) {
	t.Helper()
	conn, err := net.DialTimeout("unix", sock, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var body strings.Builder
	for {
		chunk, err := r.ReadString('\n')
		body.WriteString(chunk)
		if err != nil {
			break
		}
	}
	return strings.TrimRight(status, "\n"), strings.TrimRight(body.String(), "\n")
}

func TestControlDispatch(t *testing.T) {
	target := &fakeTarget{stats: []byte(`{"workers":2}`)}
	sock := startControl(t, "", target)

	t.Run("stop", func(t *testing.T) {
		status, _ := sendCommand(t, sock, "stop")
		if status != "Command stop sent success" {
			t.Errorf("status = %q", status)
		}
	})

	t.Run("halt", func(t *testing.T) {
		status, _ := sendCommand(t, sock, "halt")
		if status != "Command halt sent success" {
			t.Errorf("status = %q", status)
		}
	})

	t.Run("phased-restart", func(t *testing.T) {
		status, _ := sendCommand(t, sock, "phased-restart")
		if status != "Command phased-restart sent success" {
			t.Errorf("status = %q", status)
		}
	})

	t.Run("refork", func(t *testing.T) {
		status, _ := sendCommand(t, sock, "refork")
		if status != "Command refork sent success" {
			t.Errorf("status = %q", status)
		}
	})

	t.Run("stats carries a body", func(t *testing.T) {
		status, body := sendCommand(t, sock, "stats")
		if status != "Command stats sent success" {
			t.Errorf("status = %q", status)
		}
		if body != `{"workers":2}` {
			t.Errorf("body = %q", body)
		}
	})

	t.Run("gc", func(t *testing.T) {
		status, _ := sendCommand(t, sock, "gc")
		if status != "Command gc sent success" {
			t.Errorf("status = %q", status)
		}
	})

	t.Run("gc-stats carries a body", func(t *testing.T) {
		status, body := sendCommand(t, sock, "gc-stats")
		if status != "Command gc-stats sent success" {
			t.Errorf("status = %q", status)
		}
		var rep GCReport
		if err := json.Unmarshal([]byte(body), &rep); err != nil {
			t.Fatalf("gc-stats body not valid JSON: %v", err)
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		status, _ := sendCommand(t, sock, "explode")
		if status != ReplyUnknownCommand {
			t.Errorf("status = %q, want %q", status, ReplyUnknownCommand)
		}
	})

	stops, halts, _, phased, reforks := target.counts()
	if stops != 1 || halts != 1 || phased != 1 || reforks != 1 {
		t.Errorf("dispatch counts = stop:%d halt:%d phased:%d refork:%d", stops, halts, phased, reforks)
	}
}

func TestControlTokenAuth(t *testing.T) {
	target := &fakeTarget{stats: []byte(`{}`)}
	sock := startControl(t, "sekrit", target)

	t.Run("missing token", func(t *testing.T) {
		status, _ := sendCommand(t, sock, "stop")
		if status != ReplyInvalidToken {
			t.Errorf("status = %q, want %q", status, ReplyInvalidToken)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		status, _ := sendCommand(t, sock, "stop wrong")
		if status != ReplyInvalidToken {
			t.Errorf("status = %q, want %q", status, ReplyInvalidToken)
		}
	})

	t.Run("correct token", func(t *testing.T) {
		status, _ := sendCommand(t, sock, "stop sekrit")
		if status != "Command stop sent success" {
			t.Errorf("status = %q", status)
		}
	})

	t.Run("unauthenticated command has no effect", func(t *testing.T) {
		stops, _, _, _, _ := target.counts()
		if stops != 1 {
			t.Errorf("stops = %d, only the authenticated command may dispatch", stops)
		}
	})
}

func TestControlClusterOnlyErrors(t *testing.T) {
	target := &fakeTarget{phasedErr: ErrNotClustered, reforkErr: ErrReforkDisabled}
	sock := startControl(t, "", target)

	status, _ := sendCommand(t, sock, "phased-restart")
	if !strings.HasPrefix(status, "Command error:") {
		t.Errorf("status = %q, want a command error", status)
	}
	status, _ = sendCommand(t, sock, "refork")
	if !strings.HasPrefix(status, "Command error:") {
		t.Errorf("status = %q, want a command error", status)
	}
}

func TestControlOverTCP(t *testing.T) {
	target := &fakeTarget{stats: []byte(`{}`)}
	cs, err := newControlServer("tcp://127.0.0.1:0", "", target, pslog.NoopLogger())
	if err != nil {
		t.Fatal(err)
	}
	sctx := stopper.WithContext(context.Background())
	cs.serve(sctx)
	t.Cleanup(func() {
		sctx.Stop(100 * time.Millisecond)
		_ = sctx.Wait()
	})

	conn, err := net.Dial("tcp", cs.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	fmt.Fprintln(conn, "stats")
	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimRight(status, "\n") != "Command stats sent success" {
		t.Errorf("status = %q", status)
	}
}

func TestReadLineLimits(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		fmt.Fprintf(client, "stop\n")
	}()
	line, err := readLine(server, maxCommandLine)
	if err != nil {
		t.Fatal(err)
	}
	if line != "stop" {
		t.Errorf("line = %q", line)
	}

	t.Run("eof terminates the line", func(t *testing.T) {
		c2, s2 := net.Pipe()
		defer s2.Close()
		go func() {
			fmt.Fprintf(c2, "halt")
			c2.Close()
		}()
		line, err := readLine(s2, maxCommandLine)
		if err != nil {
			t.Fatal(err)
		}
		if line != "halt" {
			t.Errorf("line = %q", line)
		}
	})

	t.Run("oversized line is rejected, not truncated", func(t *testing.T) {
		c3, s3 := net.Pipe()
		defer s3.Close()
		go func() {
			_, _ = c3.Write([]byte("stop " + strings.Repeat("x", maxCommandLine) + "\n"))
		}()
		if line, err := readLine(s3, maxCommandLine); err == nil {
			t.Fatalf("line = %q, want an error for an oversized request", line)
		}
	})
}

func TestControlDropsOversizedRequest(t *testing.T) {
	target := &fakeTarget{}
	sock := startControl(t, "", target)

	conn, err := net.DialTimeout("unix", sock, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	// a valid command buried in an oversized line must not dispatch
	if _, err := fmt.Fprintf(conn, "stop %s\n", strings.Repeat("x", maxCommandLine)); err != nil {
		t.Fatal(err)
	}
	if reply, err := bufio.NewReader(conn).ReadString('\n'); err == nil {
		t.Errorf("reply = %q, oversized request must be dropped without a reply", reply)
	}
	stops, _, _, _, _ := target.counts()
	if stops != 0 {
		t.Errorf("stops = %d, oversized request must not dispatch", stops)
	}
}
