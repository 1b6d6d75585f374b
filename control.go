package prefork

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"pkt.systems/pslog"
	"vawter.tech/stopper"
)

// controlTarget is the surface the control channel drives. The Supervisor
// implements it for cluster mode; singleServer implements it for
// single-process mode.
type controlTarget interface {
	Clustered() bool
	Stop()
	Halt()
	Restart() error
	PhasedRestart() error
	Refork() error
	StatsJSON() ([]byte, error)
}

// controlServer accepts line-oriented commands on a unix or TCP socket,
// authenticates them and dispatches to the target. One command per
// connection; the connection closes after one reply.
type controlServer struct {
	ln     net.Listener
	addr   string
	token  string
	target controlTarget
	log    pslog.Logger
}

// newControlServer binds the control listener. The URL scheme selects the
// transport.
func newControlServer(controlURL, token string, target controlTarget, logger pslog.Logger) (*controlServer, error) {
	spec, err := ParseBind(controlURL)
	if err != nil {
		return nil, err
	}
	if spec.Network == "unix" {
		lns, err := bindListeners([]string{controlURL})
		if err != nil {
			return nil, err
		}
		return &controlServer{ln: lns[0], addr: controlURL, token: token, target: target, log: logger}, nil
	}
	ln, err := net.Listen(spec.Network, spec.Addr)
	if err != nil {
		return nil, fmt.Errorf("binding control %q: %w", controlURL, err)
	}
	return &controlServer{ln: ln, addr: controlURL, token: token, target: target, log: logger}, nil
}

// serve runs the accept loop until the stopper context stops.
func (cs *controlServer) serve(sctx *stopper.Context) {
	cs.log.Info("control channel listening", "url", cs.addr)
	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() { _ = cs.ln.Close() })
		go func() {
			<-sctx.Stopping()
			_ = cs.ln.Close()
		}()
		for {
			conn, err := cs.ln.Accept()
			if err != nil {
				if sctx.IsStopping() {
					return nil
				}
				cs.log.Warn("control accept failed", "error", err)
				return nil
			}
			go cs.handle(conn)
		}
	})
}

// handle services one connection: read one line, authenticate, dispatch,
// reply, close.
func (cs *controlServer) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(DefaultReadTimeout))

	line, err := readLine(conn, maxCommandLine)
	if err != nil {
		cs.log.Warn("control read failed", "error", err)
		return
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		cs.reply(conn, ReplyUnknownCommand)
		return
	}
	cmd := ParseCommand(fields[0])

	if cs.token != "" {
		if len(fields) < 2 || fields[1] != cs.token {
			cs.log.Warn("control auth failed", "command", fields[0])
			cs.reply(conn, ReplyInvalidToken)
			return
		}
	}

	cs.dispatch(conn, cmd)
}

func (cs *controlServer) dispatch(conn net.Conn, cmd Command) {
	switch cmd {
	case CmdStop:
		cs.reply(conn, SuccessReply(cmd))
		cs.target.Stop()
	case CmdHalt:
		cs.reply(conn, SuccessReply(cmd))
		cs.target.Halt()
	case CmdRestart:
		cs.reply(conn, SuccessReply(cmd))
		go func() {
			if err := cs.target.Restart(); err != nil {
				cs.log.Error("restart failed", "error", err)
			}
		}()
	case CmdPhasedRestart:
		if err := cs.target.PhasedRestart(); err != nil {
			cs.reply(conn, ErrorReply(err))
			return
		}
		cs.reply(conn, SuccessReply(cmd))
	case CmdRefork:
		if err := cs.target.Refork(); err != nil {
			cs.reply(conn, ErrorReply(err))
			return
		}
		cs.reply(conn, SuccessReply(cmd))
	case CmdStats:
		body, err := cs.target.StatsJSON()
		if err != nil {
			cs.reply(conn, ErrorReply(err))
			return
		}
		cs.replyWithBody(conn, SuccessReply(cmd), body)
	case CmdGC:
		runtime.GC()
		cs.reply(conn, SuccessReply(cmd))
	case CmdGCStats:
		body, err := json.Marshal(CollectGCReport())
		if err != nil {
			cs.reply(conn, ErrorReply(err))
			return
		}
		cs.replyWithBody(conn, SuccessReply(cmd), body)
	default:
		cs.reply(conn, ReplyUnknownCommand)
	}
}

func (cs *controlServer) reply(conn net.Conn, line string) {
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		cs.log.Warn("control reply failed", "error", err)
	}
}

func (cs *controlServer) replyWithBody(conn net.Conn, line string, body []byte) {
	w := bufio.NewWriter(conn)
	_, _ = fmt.Fprintf(w, "%s\n", line)
	_, _ = w.Write(body)
	_, _ = w.WriteString("\n")
	if err := w.Flush(); err != nil {
		cs.log.Warn("control reply failed", "error", err)
	}
}

// readLine reads up to limit bytes until a newline. EOF before a newline
// terminates the line as well, so clients that close after writing are
// accepted. A line exceeding the limit is rejected outright rather than
// truncated into something that might parse as a command.
func readLine(conn net.Conn, limit int) (string, error) {
	buf := make([]byte, 0, 128)
	one := make([]byte, 1)
	for {
		n, err := conn.Read(one)
		if n > 0 {
			if one[0] == '\n' {
				return string(buf), nil
			}
			if len(buf) >= limit {
				return "", fmt.Errorf("request line exceeds %d bytes", limit)
			}
			buf = append(buf, one[0])
		}
		if err != nil {
			if len(buf) > 0 {
				return string(buf), nil
			}
			return "", err
		}
	}
}
