// Package protocol defines the wire format spoken between the fdshare helper
// and its supervisor. Two channels are involved:
//
//   - The control stream (the helper's controlling terminal): carries the GO
//     acknowledgment and the length-prefixed open requests, supervisor to
//     helper.
//   - The descriptor socket (abstract Unix domain socket): carries status
//     tokens and SCM_RIGHTS descriptor transfers, helper to supervisor.
//
// The request frame is byte-level and fixed by the peer implementation:
// an ASCII decimal byte-length, a single whitespace separator, exactly that
// many raw path bytes, a comma, an ASCII decimal open(2) flag value, and a
// newline. The length prefix exists because paths are not null-terminated
// or otherwise delimited in the stream and may contain arbitrary bytes,
// including spaces.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Status tokens sent over the descriptor socket alongside (or instead of)
// ancillary data. They are human-readable markers, not structured framing.
const (
	// TokenReady accompanies the terminal master descriptor during the
	// initial handshake.
	TokenReady = "READY"

	// TokenDone accompanies an opened file descriptor in response to a
	// request.
	TokenDone = "DONE"

	// TokenFail is sent without a descriptor when a request could not be
	// served. Only emitted when failure acknowledgments are enabled; the
	// historical protocol sent nothing at all on open failure.
	TokenFail = "FAIL"
)

// AckGo is the acknowledgment the supervisor writes to the helper's control
// stream once it has taken ownership of the controlling terminal.
const AckGo = "GO"

// MaxPathLen bounds the path length accepted in a request frame. It matches
// the kernel's PATH_MAX; a larger stated length is a framing error rather
// than an allocation request.
const MaxPathLen = 4096

// ErrFraming indicates the control stream no longer parses as a request
// frame. The framing has no recovery marker, so this error is fatal to the
// session: the stream cannot be resynchronized.
var ErrFraming = errors.New("malformed request framing")

// Request is a single open-by-path request decoded from the control stream.
// Flags carries raw open(2) flag bits as sent by the peer.
type Request struct {
	Path  string
	Flags int
}

// ReadRequest blocks until a full request frame has been decoded from r.
// It returns an error wrapping ErrFraming for any malformed prefix, short
// read, or missing separator. io.EOF is returned unwrapped when the stream
// ends cleanly before a frame begins.
func ReadRequest(r *bufio.Reader) (Request, error) {
	length, err := readDecimal(r, true)
	if err != nil {
		if err == io.EOF {
			return Request{}, io.EOF
		}
		return Request{}, fmt.Errorf("%w: reading path length: %v", ErrFraming, err)
	}
	if length < 0 || length > MaxPathLen {
		return Request{}, fmt.Errorf("%w: path length %d out of range", ErrFraming, length)
	}

	// The digit run is terminated by a single whitespace byte written by
	// the peer; it is part of the frame, not of the path.
	sep, err := r.ReadByte()
	if err != nil {
		return Request{}, fmt.Errorf("%w: reading length separator: %v", ErrFraming, err)
	}
	if !isSpace(sep) {
		return Request{}, fmt.Errorf("%w: expected separator after length, got %q", ErrFraming, sep)
	}

	path := make([]byte, length)
	if _, err := io.ReadFull(r, path); err != nil {
		return Request{}, fmt.Errorf("%w: short path read: %v", ErrFraming, err)
	}

	comma, err := r.ReadByte()
	if err != nil {
		return Request{}, fmt.Errorf("%w: reading path/mode separator: %v", ErrFraming, err)
	}
	if comma != ',' {
		return Request{}, fmt.Errorf("%w: stated path length does not match frame (expected ',', got %q)", ErrFraming, comma)
	}

	flags, err := readDecimal(r, false)
	if err != nil {
		return Request{}, fmt.Errorf("%w: reading open flags: %v", ErrFraming, err)
	}

	// Consume the trailing newline if present. EOF here is fine: the frame
	// is already complete.
	if b, err := r.ReadByte(); err == nil && !isSpace(b) {
		r.UnreadByte()
	}

	return Request{Path: string(path), Flags: flags}, nil
}

// WriteRequest encodes req onto w in the frame format understood by
// ReadRequest. It is the supervisor-side counterpart used by the factory.
func WriteRequest(w io.Writer, req Request) error {
	if len(req.Path) > MaxPathLen {
		return fmt.Errorf("%w: path length %d exceeds maximum %d", ErrFraming, len(req.Path), MaxPathLen)
	}
	_, err := fmt.Fprintf(w, "%d\n%s,%d\n", len(req.Path), req.Path, req.Flags)
	return err
}

// readDecimal reads a run of ASCII digits and returns its integer value.
// When skipLeading is set, leading whitespace is consumed first (the frame
// may be preceded by the newline terminating the previous frame or the GO
// acknowledgment). The terminating non-digit byte is left in the reader.
func readDecimal(r *bufio.Reader, skipLeading bool) (int, error) {
	var b byte
	var err error

	for {
		b, err = r.ReadByte()
		if err != nil {
			return 0, err
		}
		if skipLeading && isSpace(b) {
			continue
		}
		break
	}

	if b < '0' || b > '9' {
		return 0, fmt.Errorf("expected digit, got %q", b)
	}

	n := int(b - '0')
	for {
		b, err = r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return n, nil
			}
			return 0, err
		}
		if b < '0' || b > '9' {
			r.UnreadByte()
			return n, nil
		}
		n = n*10 + int(b-'0')
		if n > MaxPathLen*1024 {
			return 0, fmt.Errorf("decimal value too large")
		}
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

// AbstractAddress converts a socket name into the Go representation of an
// abstract-namespace Unix socket address: a leading "@" (which the net
// package translates to the reserved NUL byte), followed by the name
// truncated to fit the platform's sockaddr_un path limit.
func AbstractAddress(name string) string {
	// sun_path is 108 bytes on Linux; one is consumed by the leading NUL
	// and the historical peer kept one more in reserve.
	const maxName = 106
	if len(name) > maxName {
		name = name[:maxName]
	}
	return "@" + name
}
