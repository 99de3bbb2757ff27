// Package helper implements the fdshare helper's side of the protocol: the
// initial handshake that hands the controlling terminal's master descriptor
// to the supervisor, and the request loop that opens files on demand and
// forwards the resulting descriptors.
//
// Nothing in this package exits the process. Fatal conditions are returned
// as *FatalError values carrying the originating OS error; the command's
// entry point decides exit behavior, which keeps the loop testable against
// in-process socket pairs.
package helper

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/fdshare/fdshare/internal/courier"
	"github.com/fdshare/fdshare/internal/protocol"
)

// FatalError is an unrecoverable protocol or resource failure. The helper
// terminates on these: resource acquisition failures, framing desyncs, and
// descriptor transfer failures all leave state that cannot be resumed.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError for operation op.
func Fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// ExitCode maps an error to the helper's process exit status: the
// underlying OS error number when one is present, 1 otherwise. A clean run
// never reaches this (the helper is terminated externally).
func ExitCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 1
}

// Dial connects to the supervisor's abstract-namespace socket. The socket
// name and the right to connect are a pre-agreed fact; there is no
// discovery or authentication here.
func Dial(socketName string) (*net.UnixConn, error) {
	addr := &net.UnixAddr{Name: protocol.AbstractAddress(socketName), Net: "unix"}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, Fatal("connecting to supervisor socket", err)
	}
	return conn, nil
}

// Helper holds the two channels of an established session. It serves
// exactly one peer for its lifetime; any channel failure is fatal and there
// is no reconnect.
type Helper struct {
	// Conn is the descriptor socket: status tokens and SCM_RIGHTS
	// transfers flow helper to supervisor.
	Conn *net.UnixConn

	// Control is the control stream (the helper's controlling terminal,
	// i.e. stdin in the session child): the GO acknowledgment and the
	// request frames flow supervisor to helper.
	Control *bufio.Reader

	// Log receives local diagnostics.
	Log *slog.Logger

	// AckFailures enables the FAIL negative acknowledgment on open
	// errors. Off by default: the historical protocol sent nothing on
	// failure, leaving the peer to infer it.
	AckFailures bool
}

// Handshake sends the terminal master descriptor tagged READY, blocks for
// the supervisor's GO acknowledgment, and on receipt closes the local
// master copy: ownership has definitively transferred, and from that point
// the supervisor closing its copy is what hangs up the helper's session.
//
// When redirect is set, stdout and stderr are then rewired onto the socket
// (sock must be the socket's file) so later diagnostics reach the
// supervisor instead of being lost. There is no timeout: a stalled peer
// stalls the helper until it is externally terminated.
func (h *Helper) Handshake(master, sock *os.File, redirect bool) error {
	if err := courier.Send(h.Conn, int(master.Fd()), protocol.TokenReady); err != nil {
		return Fatal("sending terminal descriptor", err)
	}
	h.Log.Info("terminal master sent, awaiting acknowledgment")

	if err := h.awaitGo(); err != nil {
		return err
	}

	if err := master.Close(); err != nil {
		h.Log.Warn("closing terminal master", slog.String("error", err.Error()))
	}

	// Log while stderr is still the inherited stream. Once the redirect is
	// in place anything written to stderr lands on the descriptor socket,
	// which must stay silent until the first response.
	h.Log.Info("handshake complete")

	if redirect && sock != nil {
		if err := unix.Dup2(int(sock.Fd()), 1); err != nil {
			return Fatal("redirecting stdout to socket", err)
		}
		if err := unix.Dup2(int(sock.Fd()), 2); err != nil {
			return Fatal("redirecting stderr to socket", err)
		}
	}

	return nil
}

// awaitGo reads the two-byte acknowledgment from the control stream and
// validates its content. The historical variants disagreed on whether the
// check was content or byte-count; this implementation requires the bytes
// to be exactly "GO". A trailing newline, if the peer sends one, is
// absorbed by the request framing's leading-whitespace skip.
func (h *Helper) awaitGo() error {
	buf := make([]byte, len(protocol.AckGo))
	if _, err := io.ReadFull(h.Control, buf); err != nil {
		return Fatal("reading acknowledgment", err)
	}
	if string(buf) != protocol.AckGo {
		return Fatal("handshake", fmt.Errorf("incomplete confirmation message %q", buf))
	}
	return nil
}

// Loop serves requests until a fatal error. Per iteration it decodes one
// length-prefixed request from the control stream, opens the path, and
// forwards the descriptor. Per-request open failures are recovered locally
// (the loop continues); framing and transfer failures are not.
func (h *Helper) Loop() error {
	for {
		req, err := protocol.ReadRequest(h.Control)
		if err != nil {
			return Fatal("reading request", err)
		}
		if err := h.serve(req); err != nil {
			return err
		}
	}
}

// serve handles a single request. Success of the open is judged solely by
// the error return: descriptor 0 is a valid handle, never an error
// sentinel.
func (h *Helper) serve(req protocol.Request) error {
	var mode uint32
	if req.Flags&(unix.O_CREAT|unix.O_TMPFILE) != 0 {
		mode = 0o770
	}

	fd, err := unix.Open(req.Path, req.Flags, mode)
	if err != nil {
		h.Log.Error("failed to open a file",
			slog.String("path", req.Path),
			slog.Int("flags", req.Flags),
			slog.String("error", err.Error()),
		)
		if h.AckFailures {
			if terr := courier.SendToken(h.Conn, protocol.TokenFail); terr != nil {
				return Fatal("sending failure status", terr)
			}
		}
		return nil
	}

	if serr := courier.Send(h.Conn, fd, protocol.TokenDone); serr != nil {
		unix.Close(fd)
		return Fatal("sending file descriptor", serr)
	}

	// Ownership handed off; drop the local copy.
	if cerr := unix.Close(fd); cerr != nil {
		h.Log.Warn("closing forwarded descriptor",
			slog.String("path", req.Path),
			slog.String("error", cerr.Error()),
		)
	}

	h.Log.Debug("descriptor forwarded",
		slog.String("path", req.Path),
		slog.Int("flags", req.Flags),
	)
	return nil
}
