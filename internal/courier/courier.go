// Package courier implements the descriptor transfer primitive: sending one
// open file descriptor plus a short status token over a connected Unix
// domain stream socket using SCM_RIGHTS ancillary data.
//
// The token and the descriptor travel in a single sendmsg call. On a stream
// socket ancillary data is only delivered alongside at least one byte of
// regular data, and only once per send, so the receiving side observes both
// in the same recvmsg. The courier is pure transport: it never closes the
// descriptor it sends, and it attaches no policy to the token contents.
package courier

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// MaxTokenLen bounds a single status read. Status tokens are short, but the
// helper may redirect its diagnostics onto the socket, so a receive can
// carry log text in place of (or in front of) a token. Senders of
// structured payloads must keep them inside this bound or the receiver
// truncates them.
const MaxTokenLen = 512

// TransferError describes a failed descriptor transfer. A failed transfer
// is unrecoverable at the protocol level: the peer may or may not have
// consumed ownership of the descriptor, so the send cannot be repeated.
type TransferError struct {
	Op  string
	Err error
}

func (e *TransferError) Error() string {
	return "descriptor transfer: " + e.Op + ": " + e.Err.Error()
}

func (e *TransferError) Unwrap() error { return e.Err }

// Send transmits token and exactly one descriptor over conn in a single
// message. The caller retains ownership of fd: Send never closes it, and
// the caller must close its copy once (and only once) it no longer needs
// it. The kernel duplicates the descriptor into the peer's table, it does
// not move it.
//
// A nil error means the kernel accepted the message for delivery, not that
// the peer has processed it.
func Send(conn *net.UnixConn, fd int, token string) error {
	rights := unix.UnixRights(fd)

	n, oobn, err := conn.WriteMsgUnix([]byte(token), rights, nil)
	if err != nil {
		return &TransferError{Op: "sendmsg", Err: err}
	}
	if oobn != len(rights) {
		return &TransferError{Op: "sendmsg", Err: fmt.Errorf("short ancillary write: %d of %d bytes", oobn, len(rights))}
	}
	if n != len(token) {
		return &TransferError{Op: "sendmsg", Err: fmt.Errorf("short data write: %d of %d bytes", n, len(token))}
	}
	return nil
}

// SendToken transmits a bare status token with no ancillary data. Used for
// negative acknowledgments, which carry no descriptor.
func SendToken(conn *net.UnixConn, token string) error {
	if _, err := conn.Write([]byte(token)); err != nil {
		return &TransferError{Op: "write", Err: err}
	}
	return nil
}

// Recv reads one message from conn, returning the data segment as the
// status token and, when rights arrived with it, the transferred
// descriptor wrapped in an *os.File. file is nil when the message carried
// no descriptor. Ownership of the returned file rests with the caller.
func Recv(conn *net.UnixConn) (token string, file *os.File, err error) {
	buf := make([]byte, MaxTokenLen)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return "", nil, &TransferError{Op: "recvmsg", Err: err}
	}
	token = string(buf[:n])

	if oobn == 0 {
		return token, nil, nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return token, nil, &TransferError{Op: "parse control message", Err: err}
	}

	var fds []int
	for _, msg := range msgs {
		parsed, err := unix.ParseUnixRights(&msg)
		if err != nil {
			return token, nil, &TransferError{Op: "parse rights", Err: err}
		}
		fds = append(fds, parsed...)
	}

	if len(fds) != 1 {
		// More than one descriptor is a protocol violation; close them all
		// rather than leak entries in our descriptor table.
		for _, fd := range fds {
			unix.Close(fd)
		}
		return token, nil, &TransferError{Op: "recvmsg", Err: fmt.Errorf("expected 1 descriptor, received %d", len(fds))}
	}

	return token, os.NewFile(uintptr(fds[0]), "fdshare:received"), nil
}
