package prefork

import (
	"net"
	"path/filepath"
	"testing"
)

func TestParseBind(t *testing.T) {
	cases := []struct {
		in      string
		network string
		addr    string
		wantErr bool
	}{
		{"tcp://127.0.0.1:9292", "tcp", "127.0.0.1:9292", false},
		{"tcp://0.0.0.0:80", "tcp", "0.0.0.0:80", false},
		{"unix:///tmp/app.sock", "unix", "/tmp/app.sock", false},
		{"/tmp/app.sock", "unix", "/tmp/app.sock", false},
		{"", "", "", true},
		{"tcp://", "", "", true},
		{"unix://", "", "", true},
		{"http://127.0.0.1:9292", "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			spec, err := ParseBind(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseBind(%q) succeeded, want error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if spec.Network != tc.network || spec.Addr != tc.addr {
				t.Errorf("ParseBind(%q) = %s/%s, want %s/%s",
					tc.in, spec.Network, spec.Addr, tc.network, tc.addr)
			}
		})
	}
}

func TestBindListeners(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "app.sock")
	lns, err := bindListeners([]string{"tcp://127.0.0.1:0", "unix://" + sock})
	if err != nil {
		t.Fatal(err)
	}
	defer closeListeners(lns)

	if len(lns) != 2 {
		t.Fatalf("got %d listeners, want 2", len(lns))
	}
	if _, ok := lns[0].(*net.TCPListener); !ok {
		t.Errorf("listener 0 is %T, want *net.TCPListener", lns[0])
	}
	if _, ok := lns[1].(*net.UnixListener); !ok {
		t.Errorf("listener 1 is %T, want *net.UnixListener", lns[1])
	}
}

func TestBindListenersBadAddress(t *testing.T) {
	_, err := bindListeners([]string{"tcp://127.0.0.1:0", "bogus://x"})
	if err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestListenerFiles(t *testing.T) {
	lns, err := bindListeners([]string{"tcp://127.0.0.1:0"})
	if err != nil {
		t.Fatal(err)
	}
	defer closeListeners(lns)

	files, err := listenerFiles(lns)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}

	// the file must be a live duplicate of the listening socket
	ln, err := net.FileListener(files[0])
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if ln.Addr().String() != lns[0].Addr().String() {
		t.Errorf("rebuilt listener addr = %v, want %v", ln.Addr(), lns[0].Addr())
	}
}

func TestAdoptInheritedListeners(t *testing.T) {
	t.Run("empty value", func(t *testing.T) {
		lns, binds, err := adoptInheritedListeners("")
		if err != nil || lns != nil || binds != nil {
			t.Errorf("got %v/%v/%v, want all nil", lns, binds, err)
		}
	})

	t.Run("malformed entries", func(t *testing.T) {
		for _, v := range []string{"noseparator", "x;tcp://127.0.0.1:1"} {
			if _, _, err := adoptInheritedListeners(v); err == nil {
				t.Errorf("adoptInheritedListeners(%q) succeeded, want error", v)
			}
		}
	})

	t.Run("round trip", func(t *testing.T) {
		binds := []string{"tcp://127.0.0.1:0"}
		lns, err := bindListeners(binds)
		if err != nil {
			t.Fatal(err)
		}
		defer closeListeners(lns)
		files, err := listenerFiles(lns)
		if err != nil {
			t.Fatal(err)
		}

		value, err := inheritEnv(files, binds)
		if err != nil {
			t.Fatal(err)
		}
		adopted, gotBinds, err := adoptInheritedListeners(value)
		if err != nil {
			t.Fatal(err)
		}
		defer closeListeners(adopted)
		if len(adopted) != 1 || gotBinds[0] != binds[0] {
			t.Errorf("adopted %d listeners, binds %v", len(adopted), gotBinds)
		}
		if adopted[0].Addr().String() != lns[0].Addr().String() {
			t.Errorf("adopted addr = %v, want %v", adopted[0].Addr(), lns[0].Addr())
		}
	})
}

func TestEnvironWithout(t *testing.T) {
	t.Setenv("PREFORK_TEST_DROPME", "1")
	for _, kv := range environWithout("PREFORK_TEST_DROPME") {
		if kv == "PREFORK_TEST_DROPME=1" {
			t.Fatal("variable not removed")
		}
	}
}
