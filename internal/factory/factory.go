// Package factory implements the supervisor side of the fdshare protocol:
// it launches the privileged helper, receives the helper's controlling
// terminal, and then obtains open file descriptors for arbitrary paths by
// delegating the open() calls to the helper.
//
// A factory owns exactly one helper for its lifetime. The control channel
// (requests, acknowledgments) is the helper's terminal master; the
// descriptor channel (status tokens, SCM_RIGHTS transfers) is the abstract
// Unix-domain socket the helper connected to. Closing the terminal master
// is also the teardown mechanism: the kernel tty driver sends SIGHUP to the
// helper's session when the master side goes away.
package factory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/fdshare/fdshare/internal/audit"
	"github.com/fdshare/fdshare/internal/courier"
	"github.com/fdshare/fdshare/internal/protocol"
)

// ErrConnectionBroken indicates an irrecoverable transport failure: the
// factory is unusable and must be closed. Per-request open failures are
// reported as *OpenError instead and leave the factory usable.
var ErrConnectionBroken = errors.New("connection to helper broken")

// OpenError is a recoverable per-request failure: the helper could not open
// the requested path. Status carries whatever diagnostic text arrived on
// the descriptor channel, which may be empty.
type OpenError struct {
	Path   string
	Status string
}

func (e *OpenError) Error() string {
	if e.Status == "" {
		return "failed to open " + e.Path
	}
	return "failed to open " + e.Path + ": " + e.Status
}

// Options configure a factory.
type Options struct {
	// SocketName names the abstract handshake socket. Empty generates a
	// random name, which is the recommended mode: the name is the only
	// access control there is.
	SocketName string

	// HelperPath is the helper binary to launch.
	HelperPath string

	// Wrapper, when non-empty, is prepended to the helper invocation
	// (e.g. ["sudo", "--"]) so the helper runs with elevated privileges.
	Wrapper []string

	// OOMProtect raises the helper's OOM-killer protection through the
	// protocol itself right after the handshake.
	OOMProtect bool

	// AckFailures must mirror the helper's setting. When false (the
	// historical default) the helper sends no token on an open failure:
	// the failure is recovered from redirected diagnostic text when any
	// arrives, and otherwise only the request timeout detects it. A
	// silent timeout is indistinguishable from a dead helper, which is
	// why it breaks the factory.
	AckFailures bool

	// RequestTimeout bounds the wait for each response on the descriptor
	// channel. Zero means the historical 2.5 seconds.
	RequestTimeout time.Duration

	// Audit, when set, records every request and its outcome.
	Audit *audit.Log

	// Logger receives factory diagnostics. Required.
	Logger *slog.Logger
}

const (
	defaultRequestTimeout = 2500 * time.Millisecond
	acceptTimeout         = 10 * time.Second
	greetingLimit         = 4096
)

var pidGreeting = regexp.MustCompile(`PID:(\d+)`)

// Factory brokers descriptor requests to a single privileged helper.
type Factory struct {
	socketName string
	opts       Options
	logger     *slog.Logger

	cmd       *exec.Cmd
	conn      *net.UnixConn // descriptor channel
	master    *os.File      // control channel: the helper's terminal master
	helperPID int

	mu     sync.Mutex
	broken bool
	closed bool
}

// Start launches the helper and completes the handshake: listen on the
// abstract socket, spawn the helper with the socket name as its argument,
// parse the PID greeting from its output, accept the connection (rejecting
// peers other than the reported child), receive the terminal master tagged
// READY, and acknowledge with GO.
func Start(opts Options) (*Factory, error) {
	if opts.Logger == nil {
		return nil, errors.New("factory: logger is required")
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	name := opts.SocketName
	if name == "" {
		var err error
		if name, err = randomSocketName(); err != nil {
			return nil, err
		}
	}

	// Listen before launching: the helper connects immediately.
	ln, err := net.ListenUnix("unix", &net.UnixAddr{
		Name: protocol.AbstractAddress(name),
		Net:  "unix",
	})
	if err != nil {
		return nil, fmt.Errorf("listening on abstract socket %q: %w", name, err)
	}
	defer ln.Close()

	f := &Factory{
		socketName: name,
		opts:       opts,
		logger:     opts.Logger.With(slog.String("component", "factory")),
	}

	argv := append(append([]string{}, opts.Wrapper...), opts.HelperPath, name)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launching helper: %w", err)
	}
	f.cmd = cmd

	if err := f.bootstrap(ln, stdout); err != nil {
		f.teardown()
		return nil, err
	}
	return f, nil
}

// bootstrap performs the greeting parse, accept, and handshake.
func (f *Factory) bootstrap(ln *net.UnixListener, stdout io.Reader) error {
	pid, err := readGreeting(stdout)
	if err != nil {
		return err
	}
	f.helperPID = pid
	f.logger.Info("helper session child reported",
		slog.Int("helper_pid", pid),
	)

	ln.SetDeadline(time.Now().Add(acceptTimeout))
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			return fmt.Errorf("accepting helper connection: %w", err)
		}

		peer, err := peerPID(conn)
		if err != nil {
			conn.Close()
			return fmt.Errorf("reading peer credentials: %w", err)
		}
		if peer != pid {
			// Anyone can guess an abstract name; only the reported
			// session child is our peer.
			f.logger.Warn("rejecting connection from unexpected peer",
				slog.Int("peer_pid", peer),
				slog.Int("helper_pid", pid),
			)
			conn.Close()
			continue
		}

		f.conn = conn
		break
	}

	token, master, err := courier.Recv(f.conn)
	if err != nil {
		return fmt.Errorf("receiving terminal master: %w", err)
	}
	if master == nil {
		return fmt.Errorf("helper sent no terminal descriptor (status %q)", token)
	}
	f.master = master
	f.logger.Debug("terminal master received", slog.String("status", token))

	// The helper now owns nothing we need back. Acknowledge so it closes
	// its master copy and enters the request loop.
	if _, err := f.master.Write([]byte(protocol.AckGo + "\n")); err != nil {
		return fmt.Errorf("sending acknowledgment: %w", err)
	}

	if proc, err := process.NewProcess(int32(pid)); err != nil {
		f.logger.Warn("helper process not found after handshake",
			slog.Int("helper_pid", pid),
		)
	} else if name, err := proc.Name(); err == nil {
		f.logger.Debug("helper process verified",
			slog.Int("helper_pid", pid),
			slog.String("process_name", name),
		)
	}

	if f.opts.OOMProtect {
		f.protectFromOOMKiller()
	}
	return nil
}

// protectFromOOMKiller asks the helper for its own oom_score_adj file and
// writes the strongest protection value. This doubles as the first
// round-trip through the request loop; failure is logged, not fatal.
func (f *Factory) protectFromOOMKiller() {
	path := "/proc/" + strconv.Itoa(f.helperPID) + "/oom_score_adj"
	file, err := f.Open(path, unix.O_RDWR)
	if err != nil {
		f.logger.Warn("could not open helper oom_score_adj",
			slog.String("error", err.Error()),
		)
		return
	}
	defer file.Close()

	if _, err := file.WriteString("-1000"); err != nil {
		f.logger.Warn("could not adjust helper OOM score",
			slog.String("error", err.Error()),
		)
		return
	}
	f.logger.Debug("helper OOM score adjusted", slog.Int("helper_pid", f.helperPID))
}

// Open requests a descriptor for path opened with the given open(2) flags.
// Requests are strictly serialized: the protocol has no request IDs, so
// responses are matched by order alone.
//
// A returned *OpenError is recoverable; an error wrapping
// ErrConnectionBroken means the factory is dead and must be closed.
func (f *Factory) Open(path string, flags int) (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.broken || f.closed {
		return nil, fmt.Errorf("%w: factory closed", ErrConnectionBroken)
	}

	file, err := f.request(path, flags)
	f.record(path, flags, file != nil, err)
	return file, err
}

func (f *Factory) request(path string, flags int) (*os.File, error) {
	if err := protocol.WriteRequest(f.master, protocol.Request{Path: path, Flags: flags}); err != nil {
		f.broken = true
		return nil, fmt.Errorf("%w: writing request: %v", ErrConnectionBroken, err)
	}

	// In the historical protocol an open failure produces no response at
	// all, so a bounded wait is the only failure detector, and when it
	// trips we cannot tell a failed open from a dead helper. With failure
	// acknowledgments enabled the FAIL token arrives instead and the
	// timeout only guards against a truly wedged helper.
	f.conn.SetReadDeadline(time.Now().Add(f.opts.RequestTimeout))
	defer f.conn.SetReadDeadline(time.Time{})

	// Only two message shapes answer a request: a descriptor tagged DONE,
	// or a bare FAIL token. Any other descriptor-less message is diagnostic
	// text the helper redirected onto the socket; counting it against the
	// in-flight request would shift every later response by one. Drain it,
	// keeping the latest chunk as failure context.
	var diagnostic string
	for {
		token, file, err := courier.Recv(f.conn)
		if err != nil {
			if diagnostic != "" && errors.Is(err, os.ErrDeadlineExceeded) {
				// The helper reported the failure in prose rather than
				// with a token. The request failed; the channel is fine.
				return nil, &OpenError{Path: path, Status: strings.TrimSpace(diagnostic)}
			}
			f.broken = true
			return nil, fmt.Errorf("%w: %v", ErrConnectionBroken, err)
		}
		if file != nil {
			return file, nil
		}
		if token == protocol.TokenFail {
			return nil, &OpenError{Path: path}
		}
		f.logger.Debug("helper diagnostic on descriptor channel",
			slog.String("text", strings.TrimSpace(token)),
		)
		diagnostic = token
	}
}

func (f *Factory) record(path string, flags int, forwarded bool, err error) {
	if f.opts.Audit == nil {
		return
	}
	rec := &audit.Record{
		Path:        path,
		Flags:       flags,
		Forwarded:   forwarded,
		RequestedAt: time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if aerr := f.opts.Audit.Append(rec); aerr != nil {
		f.logger.Warn("audit append failed", slog.String("error", aerr.Error()))
	}
}

// HelperPID returns the PID of the helper session child.
func (f *Factory) HelperPID() int { return f.helperPID }

// SocketName returns the abstract socket name in use.
func (f *Factory) SocketName() string { return f.socketName }

// Alive reports whether the helper session child still exists.
func (f *Factory) Alive() bool {
	proc, err := process.NewProcess(int32(f.helperPID))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

// Close tears the factory down. Closing the terminal master hangs up the
// helper's controlling terminal; the kernel delivers SIGHUP to its session,
// which is the protocol's only shutdown signal.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	f.teardown()
	return nil
}

// Shutdown implements the shutdown.Shutdowner interface.
func (f *Factory) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- f.Close() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Factory) teardown() {
	if f.master != nil {
		f.master.Close()
		f.master = nil
	}
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	if f.cmd != nil && f.cmd.Process != nil {
		// The launcher exits on its own right after the greeting; reap it.
		f.cmd.Wait()
	}
}

// readGreeting extracts the PID from the helper launcher's output. The
// launcher exits right after the greeting, so reading to EOF terminates
// promptly. Loader noise preceding the token is tolerated, as some
// platforms' dynamic linkers print to stdout during startup.
func readGreeting(r io.Reader) (int, error) {
	data, err := io.ReadAll(io.LimitReader(r, greetingLimit))
	if err != nil {
		return 0, fmt.Errorf("reading helper greeting: %w", err)
	}
	return ParseGreeting(string(data))
}

// ParseGreeting extracts the child PID from a "PID:<n>" greeting,
// tolerating surrounding noise.
func ParseGreeting(greeting string) (int, error) {
	m := pidGreeting.FindStringSubmatch(greeting)
	if m == nil {
		if greeting == "" {
			return 0, errors.New("can't get helper PID: empty greeting")
		}
		return 0, fmt.Errorf("can't get helper PID: %q", greeting)
	}
	pid, err := strconv.Atoi(m[1])
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("can't get helper PID: bad value %q", m[1])
	}
	return pid, nil
}

// peerPID returns the PID of the process on the other end of conn, from
// SO_PEERCRED.
func peerPID(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var cred *unix.Ucred
	var credErr error
	ctlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctlErr != nil {
		return 0, ctlErr
	}
	if credErr != nil {
		return 0, credErr
	}
	return int(cred.Pid), nil
}

// randomSocketName generates an unguessable abstract socket name.
func randomSocketName() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating socket name: %w", err)
	}
	return "fdshare-" + hex.EncodeToString(buf[:]), nil
}
