// courier_test.go verifies the descriptor transfer primitive over real
// socket pairs: the status token and the SCM_RIGHTS descriptor must arrive
// together in one receive, and the received descriptor must be a working
// handle on the same file.
package courier

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

// socketPair returns both ends of a connected Unix stream socket pair.
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
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			t.Fatalf("expected *net.UnixConn, got %T", conn)
		}
		return uc
	}

	a := toConn(fds[0], "pair0")
	b := toConn(fds[1], "pair1")
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// tempFileWith creates a file containing content and returns it opened.
func tempFileWith(t *testing.T, content string) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening temp file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestSendRecv(t *testing.T) {
	sender, receiver := socketPair(t)
	payload := tempFileWith(t, "descriptor cargo")

	if err := Send(sender, int(payload.Fd()), "DONE"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	token, file, err := Recv(receiver)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if file == nil {
		t.Fatal("expected a descriptor with the message")
	}
	defer file.Close()

	t.Run("token arrives with descriptor", func(t *testing.T) {
		if token != "DONE" {
			t.Errorf("got token %q", token)
		}
	})

	t.Run("received descriptor is usable", func(t *testing.T) {
		buf := make([]byte, 64)
		n, err := file.Read(buf)
		if err != nil {
			t.Fatalf("reading received descriptor: %v", err)
		}
		if string(buf[:n]) != "descriptor cargo" {
			t.Errorf("got %q", buf[:n])
		}
	})

	t.Run("sender retains its copy", func(t *testing.T) {
		// Send hands off a duplicate; the original must still work.
		if _, err := payload.Seek(0, 0); err != nil {
			t.Errorf("original descriptor unusable after send: %v", err)
		}
	})
}

func TestSendToken(t *testing.T) {
	sender, receiver := socketPair(t)

	if err := SendToken(sender, "FAIL"); err != nil {
		t.Fatalf("SendToken failed: %v", err)
	}

	token, file, err := Recv(receiver)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if token != "FAIL" {
		t.Errorf("got token %q", token)
	}
	if file != nil {
		file.Close()
		t.Error("expected no descriptor with a bare token")
	}
}

func TestMessageBoundaries(t *testing.T) {
	// Two sends must surface as two receives, each with its own
	// descriptor: ancillary data is never replayed or merged across
	// messages.
	sender, receiver := socketPair(t)
	first := tempFileWith(t, "first")
	second := tempFileWith(t, "second")

	if err := Send(sender, int(first.Fd()), "READY"); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := Send(sender, int(second.Fd()), "DONE"); err != nil {
		t.Fatalf("second Send: %v", err)
	}

	for i, want := range []struct {
		token   string
		content string
	}{
		{"READY", "first"},
		{"DONE", "second"},
	} {
		token, file, err := Recv(receiver)
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if file == nil {
			t.Fatalf("Recv %d: no descriptor", i)
		}
		if token != want.token {
			t.Errorf("Recv %d: got token %q want %q", i, token, want.token)
		}
		buf := make([]byte, 16)
		n, err := file.Read(buf)
		if err != nil {
			t.Fatalf("Recv %d: reading descriptor: %v", i, err)
		}
		if string(buf[:n]) != want.content {
			t.Errorf("Recv %d: got content %q want %q", i, buf[:n], want.content)
		}
		file.Close()
	}
}

func TestSendOnClosedSocket(t *testing.T) {
	sender, receiver := socketPair(t)
	receiver.Close()
	sender.Close()

	payload := tempFileWith(t, "x")
	err := Send(sender, int(payload.Fd()), "DONE")
	if err == nil {
		t.Fatal("expected error sending on closed socket")
	}
	var terr *TransferError
	if !errors.As(err, &terr) {
		t.Errorf("expected *TransferError, got %T", err)
	}
}
