// Package broker exposes a running factory to local clients. Clients
// connect to a filesystem Unix socket, send one JSON-encoded request, and
// receive a JSON response; on success the opened descriptor rides along as
// SCM_RIGHTS ancillary data in the same message as the response.
//
// This is the daemon-facing surface: unlike the factory protocol (whose
// byte format is fixed by the helper), this side is ours, so requests and
// responses are plain JSON over the socket.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fdshare/fdshare/internal/courier"
	"github.com/fdshare/fdshare/internal/factory"
)

// connTimeout bounds a single client exchange.
const connTimeout = 30 * time.Second

// Request is sent by a client to obtain a descriptor.
type Request struct {
	// Path is the file to open on the client's behalf.
	Path string `json:"path"`

	// Flags carries raw open(2) flag bits.
	Flags int `json:"flags"`
}

// Response is returned for every request. On success the descriptor is
// attached to the same message as ancillary data.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Opener is the descriptor source behind the broker. *factory.Factory
// satisfies it.
type Opener interface {
	Open(path string, flags int) (*os.File, error)
}

// Server serves descriptor requests from local clients.
type Server struct {
	opener Opener
	logger *slog.Logger

	mu sync.Mutex
	ln *net.UnixListener
	wg sync.WaitGroup
}

// NewServer creates a broker server backed by opener.
func NewServer(opener Opener, logger *slog.Logger) *Server {
	return &Server{
		opener: opener,
		logger: logger.With(slog.String("component", "broker")),
	}
}

// Listen binds the broker socket, replacing any stale socket file. The
// socket is created with 0660 permissions: group membership is the access
// control for the broker, deliberately unlike the unguessable abstract
// name guarding the helper handshake.
func (s *Server) Listen(socketPath string) error {
	os.Remove(socketPath)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listening on broker socket %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0660); err != nil {
		ln.Close()
		return fmt.Errorf("setting broker socket permissions: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("broker listening", slog.String("socket", socketPath))
	return nil
}

// Serve accepts and handles client connections until the listener is
// closed. Each connection carries exactly one request/response exchange.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("broker: Serve called before Listen")
	}

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown closes the listener and waits for in-flight exchanges.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
		s.ln = nil
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConn(conn *net.UnixConn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.sendError(conn, fmt.Sprintf("invalid request: %s", err.Error()))
		return
	}
	if req.Path == "" {
		s.sendError(conn, "empty path")
		return
	}

	file, err := s.opener.Open(req.Path, req.Flags)
	if err != nil {
		var openErr *factory.OpenError
		if errors.As(err, &openErr) {
			s.sendError(conn, openErr.Error())
		} else {
			s.logger.Error("factory request failed",
				slog.String("path", req.Path),
				slog.String("error", err.Error()),
			)
			s.sendError(conn, "descriptor source unavailable")
		}
		return
	}
	defer file.Close()

	payload, err := json.Marshal(Response{Success: true})
	if err != nil {
		s.sendError(conn, err.Error())
		return
	}
	if err := courier.Send(conn, int(file.Fd()), string(payload)); err != nil {
		s.logger.Error("descriptor forward failed",
			slog.String("path", req.Path),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Debug("descriptor served",
		slog.String("path", req.Path),
		slog.Int("flags", req.Flags),
	)
}

func (s *Server) sendError(conn *net.UnixConn, msg string) {
	payload, err := json.Marshal(Response{Success: false, Error: msg})
	// The client reads the whole response as one courier token; an
	// oversized payload (a long path inside the error text) would truncate
	// into unparseable JSON on its side.
	for err == nil && len(payload) > courier.MaxTokenLen {
		msg = msg[:len(msg)/2] + "..."
		payload, err = json.Marshal(Response{Success: false, Error: msg})
	}
	if err != nil {
		return
	}
	if err := courier.SendToken(conn, string(payload)); err != nil {
		s.logger.Debug("error response not delivered", slog.String("error", err.Error()))
	}
}

// Open is the client-side counterpart: it dials the broker socket, submits
// one request, and returns the received descriptor.
func Open(socketPath, path string, flags int) (*os.File, error) {
	addr := &net.UnixAddr{Name: socketPath, Net: "unix"}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	if err := json.NewEncoder(conn).Encode(Request{Path: path, Flags: flags}); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	token, file, err := courier.Recv(conn)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal([]byte(token), &resp); err != nil {
		if file != nil {
			file.Close()
		}
		return nil, fmt.Errorf("malformed response %q", token)
	}
	if !resp.Success {
		if file != nil {
			file.Close()
		}
		return nil, errors.New(resp.Error)
	}
	if file == nil {
		return nil, errors.New("response carried no descriptor")
	}
	return file, nil
}
