package prefork

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/axondata/go-prefork/internal/fdpass"
)

// BindSpec is a parsed listener address.
type BindSpec struct {
	// Network is "tcp" or "unix"
	Network string
	// Addr is the dialable/bindable address
	Addr string
	// URL is the original bind URL
	URL string
}

// ParseBind parses a bind URL. The scheme selects the transport: tcp://
// binds a TCP socket, unix:// (or a bare filesystem path) a unix-domain
// socket.
func ParseBind(bind string) (BindSpec, error) {
	if bind == "" {
		return BindSpec{}, fmt.Errorf("empty bind address")
	}
	if strings.HasPrefix(bind, "/") {
		return BindSpec{Network: "unix", Addr: bind, URL: "unix://" + bind}, nil
	}
	u, err := url.Parse(bind)
	if err != nil {
		return BindSpec{}, fmt.Errorf("parsing bind %q: %w", bind, err)
	}
	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return BindSpec{}, fmt.Errorf("bind %q: missing host:port", bind)
		}
		return BindSpec{Network: "tcp", Addr: u.Host, URL: bind}, nil
	case "unix":
		path := u.Path
		if u.Host != "" {
			// unix://relative/path puts the first segment in Host
			path = u.Host + u.Path
		}
		if path == "" {
			return BindSpec{}, fmt.Errorf("bind %q: missing socket path", bind)
		}
		return BindSpec{Network: "unix", Addr: path, URL: bind}, nil
	default:
		return BindSpec{}, fmt.Errorf("bind %q: unsupported scheme %q", bind, u.Scheme)
	}
}

// bindListeners binds every configured address. Each listener's descriptor
// is later shared with workers and carried across master re-execs, so the
// bound addresses are never released while the cluster lives.
func bindListeners(binds []string) ([]net.Listener, error) {
	lns := make([]net.Listener, 0, len(binds))
	for _, b := range binds {
		spec, err := ParseBind(b)
		if err != nil {
			closeListeners(lns)
			return nil, err
		}
		if spec.Network == "unix" {
			// A previous unclean exit may have left the socket file behind
			_ = os.Remove(spec.Addr)
		}
		ln, err := net.Listen(spec.Network, spec.Addr)
		if err != nil {
			closeListeners(lns)
			return nil, fmt.Errorf("binding %q: %w", b, err)
		}
		lns = append(lns, ln)
	}
	return lns, nil
}

func closeListeners(lns []net.Listener) {
	for _, ln := range lns {
		_ = ln.Close()
	}
}

// listenerFile extracts the dup'd *os.File behind a listener so it can be
// handed to workers via ExtraFiles or carried across an exec.
func listenerFile(ln net.Listener) (*os.File, error) {
	switch l := ln.(type) {
	case *net.TCPListener:
		return l.File()
	case *net.UnixListener:
		return l.File()
	default:
		return nil, fmt.Errorf("listener %T cannot be inherited", ln)
	}
}

// listenerFiles extracts inheritable files for all listeners.
func listenerFiles(lns []net.Listener) ([]*os.File, error) {
	files := make([]*os.File, 0, len(lns))
	for _, ln := range lns {
		f, err := listenerFile(ln)
		if err != nil {
			for _, of := range files {
				_ = of.Close()
			}
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// inheritEnv encodes listener files as the EnvInheritedFDs value used across
// a master re-exec: comma-separated fd;url pairs. The descriptors are marked
// inheritable as a side effect.
func inheritEnv(files []*os.File, binds []string) (string, error) {
	parts := make([]string, 0, len(files))
	for i, f := range files {
		if err := fdpass.ClearCloexec(int(f.Fd())); err != nil {
			return "", fmt.Errorf("marking fd %d inheritable: %w", f.Fd(), err)
		}
		parts = append(parts, fmt.Sprintf("%d;%s", f.Fd(), binds[i]))
	}
	return strings.Join(parts, ","), nil
}

// adoptInheritedListeners rebuilds listeners from the EnvInheritedFDs value
// set by the previous master image. Returns nil when no inheritance is
// present.
func adoptInheritedListeners(value string) ([]net.Listener, []string, error) {
	if value == "" {
		return nil, nil, nil
	}
	var lns []net.Listener
	var binds []string
	for _, part := range strings.Split(value, ",") {
		fdStr, bind, ok := strings.Cut(part, ";")
		if !ok {
			closeListeners(lns)
			return nil, nil, fmt.Errorf("malformed inherit entry %q", part)
		}
		fd, err := strconv.Atoi(fdStr)
		if err != nil {
			closeListeners(lns)
			return nil, nil, fmt.Errorf("malformed inherit fd %q: %w", fdStr, err)
		}
		f := os.NewFile(uintptr(fd), bind)
		ln, err := net.FileListener(f)
		// FileListener dups; the inherited fd itself is no longer needed
		_ = f.Close()
		if err != nil {
			closeListeners(lns)
			return nil, nil, fmt.Errorf("adopting inherited fd %d (%s): %w", fd, bind, err)
		}
		lns = append(lns, ln)
		binds = append(binds, bind)
	}
	return lns, binds, nil
}

// execInPlace replaces the master process image, keeping its PID and every
// descriptor marked inheritable.
func execInPlace(argv0 string, argv, env []string) error {
	return fdpass.Exec(argv0, argv, env)
}

// inheritedWorkerListeners rebuilds the listeners a worker received via
// ExtraFiles. Worker fds start at 3, in bind order.
func inheritedWorkerListeners(count int) ([]net.Listener, error) {
	lns := make([]net.Listener, 0, count)
	for i := 0; i < count; i++ {
		f := os.NewFile(uintptr(3+i), fmt.Sprintf("listener-%d", i))
		ln, err := net.FileListener(f)
		_ = f.Close()
		if err != nil {
			closeListeners(lns)
			return nil, fmt.Errorf("rebuilding inherited listener %d: %w", i, err)
		}
		lns = append(lns, ln)
	}
	return lns, nil
}
