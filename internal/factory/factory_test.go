package factory

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fdshare/fdshare/internal/courier"
	"github.com/fdshare/fdshare/internal/protocol"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	toConn := func(fd int, name string) *net.UnixConn {
		f := os.NewFile(uintptr(fd), name)
		defer f.Close()
		conn, err := net.FileConn(f)
		if err != nil {
			t.Fatalf("FileConn: %v", err)
		}
		return conn.(*net.UnixConn)
	}

	a := toConn(fds[0], "factory")
	b := toConn(fds[1], "helper")
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// testFactory wires a factory around an in-process socket pair and a pipe
// standing in for the terminal master, skipping launch and handshake. The
// returned peer plays the helper's end of the descriptor channel.
func testFactory(t *testing.T, timeout time.Duration) (*Factory, *net.UnixConn) {
	t.Helper()

	local, peer := socketPair(t)
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})

	return &Factory{
		socketName: "test",
		opts:       Options{RequestTimeout: timeout},
		logger:     nopLogger(),
		conn:       local,
		master:     w,
	}, peer
}

func sendPayloadFile(t *testing.T, peer *net.UnixConn, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := courier.Send(peer, int(f.Fd()), protocol.TokenDone); err != nil {
		t.Fatalf("queueing DONE: %v", err)
	}
}

func TestOpen_SkipsDiagnosticMessages(t *testing.T) {
	f, peer := testFactory(t, 2*time.Second)

	// A redirected log line queued ahead of the real response, the way a
	// helper logging through its rewired stderr would produce one. It must
	// not be consumed as the answer to the in-flight request.
	if err := courier.SendToken(peer, `{"level":"INFO","msg":"ready to serve"}`+"\n"); err != nil {
		t.Fatal(err)
	}
	sendPayloadFile(t, peer, "the real answer")

	file, err := f.Open("/any/path", 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "the real answer" {
		t.Errorf("wrong descriptor paired with request: got %q", data)
	}
}

func TestOpen_DiagnosticThenFailToken(t *testing.T) {
	f, peer := testFactory(t, 2*time.Second)

	// With failure acknowledgments and diagnostic redirection both on, a
	// failed open produces a log line and then the FAIL token. Both belong
	// to the same request.
	if err := courier.SendToken(peer, "failed to open a file path=/etc/shadow\n"); err != nil {
		t.Fatal(err)
	}
	if err := courier.SendToken(peer, protocol.TokenFail); err != nil {
		t.Fatal(err)
	}

	_, err := f.Open("/etc/shadow", 0)
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *OpenError, got %v", err)
	}

	// The next request must still pair with the next response.
	sendPayloadFile(t, peer, "subsequent")
	file, err := f.Open("/next", 0)
	if err != nil {
		t.Fatalf("Open after recoverable failure: %v", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "subsequent" {
		t.Errorf("responses desynced after failure: got %q", data)
	}
}

func TestOpen_DiagnosticOnlyIsRecoverable(t *testing.T) {
	f, peer := testFactory(t, 150*time.Millisecond)

	if err := courier.SendToken(peer, "failed to open a file: no such file or directory\n"); err != nil {
		t.Fatal(err)
	}

	_, err := f.Open("/gone", 0)
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *OpenError, got %v", err)
	}
	if !strings.Contains(openErr.Status, "no such file") {
		t.Errorf("diagnostic text not carried as status: %q", openErr.Status)
	}
	if errors.Is(err, ErrConnectionBroken) {
		t.Error("diagnostic-only failure must not break the factory")
	}
}

func TestOpen_SilentTimeoutBreaks(t *testing.T) {
	f, _ := testFactory(t, 100*time.Millisecond)

	_, err := f.Open("/gone", 0)
	if !errors.Is(err, ErrConnectionBroken) {
		t.Fatalf("expected connection-broken error, got %v", err)
	}
	if _, err := f.Open("/again", 0); !errors.Is(err, ErrConnectionBroken) {
		t.Errorf("broken factory accepted another request: %v", err)
	}
}

func TestParseGreeting(t *testing.T) {
	cases := []struct {
		name     string
		greeting string
		wantPID  int
		wantErr  bool
	}{
		{"clean greeting", "PID:1234", 1234, false},
		{"loader noise before", "ld.so: warning\nPID:567", 567, false},
		{"noise after", "PID:89 trailing junk", 89, false},
		{"empty", "", 0, true},
		{"no token", "hello world", 0, true},
		{"zero pid", "PID:0", 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pid, err := ParseGreeting(tc.greeting)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got PID %d", pid)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseGreeting failed: %v", err)
			}
			if pid != tc.wantPID {
				t.Errorf("got PID %d want %d", pid, tc.wantPID)
			}
		})
	}
}

func TestOpenError(t *testing.T) {
	t.Run("with status", func(t *testing.T) {
		e := &OpenError{Path: "/etc/shadow", Status: "permission denied"}
		if !strings.Contains(e.Error(), "/etc/shadow") || !strings.Contains(e.Error(), "permission denied") {
			t.Errorf("got %q", e.Error())
		}
	})

	t.Run("silent failure", func(t *testing.T) {
		e := &OpenError{Path: "/no/such"}
		if !strings.Contains(e.Error(), "/no/such") {
			t.Errorf("got %q", e.Error())
		}
	})
}

func TestPeerPID(t *testing.T) {
	// Both ends of a socketpair belong to this process, so SO_PEERCRED
	// must report our own PID.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	f0 := os.NewFile(uintptr(fds[0]), "peer0")
	defer f0.Close()
	unix.Close(fds[1])

	conn, err := net.FileConn(f0)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	defer conn.Close()

	pid, err := peerPID(conn.(*net.UnixConn))
	if err != nil {
		t.Fatalf("peerPID failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("got PID %d want %d", pid, os.Getpid())
	}
}

func TestRandomSocketName(t *testing.T) {
	a, err := randomSocketName()
	if err != nil {
		t.Fatal(err)
	}
	b, err := randomSocketName()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(a, "fdshare-") {
		t.Errorf("unexpected prefix in %q", a)
	}
	if a == b {
		t.Error("two generated names collided")
	}
}

func TestStart_RequiresLogger(t *testing.T) {
	if _, err := Start(Options{HelperPath: "/bin/true"}); err == nil {
		t.Fatal("expected error without logger")
	}
}
