/*
Package server serves attestation requests over a stream socket.

Each connection carries a sequence of request frames, answered in order by response frames.
All integers are little endian.

Request frame:

	u32      magic "IGVR"
	[16]byte VM ID
	u32      VM name size,         VM name         (at most 256 bytes)
	u32      attestation URI size, attestation URI (at most 512 bytes)
	u32      key URI size,         key URI         (at most 512 bytes)
	u32      report size,          report          (at most 4096 bytes)
	u32      response buffer size                  (at most 4096)

Response frame:

	u32 status (0 ok, 1 rejected, 2 failed, 3 bad request)
	u32 written
	written bytes of the response buffer

A malformed request frame is answered with status 3 and the connection is closed.
*/
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/edgelesssys/go-igvm-agent/agent"
	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Handler handles a single request.
type Handler interface {
	Handle(ctx context.Context, req agent.Request, out []byte) agent.Result
}

// Config configures a Server.
type Config struct {
	// AllowedUIDs restricts unix socket peers to the given users. Empty allows all.
	AllowedUIDs []int
	// IdleTimeout closes connections that do not send a frame for this long. Zero disables the timeout.
	IdleTimeout time.Duration
}

// Server serves attestation requests.
type Server struct {
	handler     Handler
	log         *logrus.Entry
	allowedUIDs []int
	idleTimeout time.Duration
	peerUID     func(net.Conn) (int, error)

	ctx    context.Context
	cancel context.CancelFunc

	mux       sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// New returns a new Server.
func New(handler Handler, log *logrus.Entry, cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler:     handler,
		log:         log,
		allowedUIDs: cfg.AllowedUIDs,
		idleTimeout: cfg.IdleTimeout,
		peerUID:     peerUID,
		ctx:         ctx,
		cancel:      cancel,
		listeners:   map[net.Listener]struct{}{},
		conns:       map[net.Conn]struct{}{},
	}
}

// ListenUnix listens on the unix socket at path, replacing a stale socket file.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return listener, nil
}

// ListenVsock listens on the given vsock port.
func ListenVsock(port uint32) (net.Listener, error) {
	listener, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("listening on vsock port %d: %w", port, err)
	}
	return listener, nil
}

// Serve accepts connections on listener until Shutdown is called.
// It always returns a non-nil error, ErrServerClosed after Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	if !s.trackListener(listener, true) {
		return ErrServerClosed
	}
	defer s.trackListener(listener, false)

	s.log.WithField("address", listener.Addr().String()).Info("Serving attestation requests")
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		if !s.trackConn(conn, true) {
			conn.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.serveConn(conn)
		}()
	}
}

// Shutdown stops accepting connections and waits for active connections to finish their current request.
// If ctx expires first, the remaining connections are closed and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mux.Lock()
	s.closed = true
	var errs []error
	for listener := range s.listeners {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	// Wake up connections waiting for the next frame.
	for conn := range s.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
	s.mux.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		s.mux.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mux.Unlock()
		<-done
		errs = append(errs, ctx.Err())
	}
	s.cancel()
	return errors.Join(errs...)
}

func (s *Server) serveConn(conn net.Conn) {
	log := s.log.WithField("remote", conn.RemoteAddr().String())

	if len(s.allowedUIDs) > 0 {
		uid, err := s.peerUID(conn)
		if err != nil {
			log.WithError(err).Warn("Reading peer credentials")
			return
		}
		if !slices.Contains(s.allowedUIDs, uid) {
			log.WithField("uid", uid).Warn("Peer is not allowed")
			return
		}
		log = log.WithField("uid", uid)
	}

	for {
		if !s.armReadDeadline(conn) {
			return
		}

		frame, err := ReadFrame(conn)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("Reading request frame")
			if errors.Is(err, ErrBadFrame) {
				_ = WriteResponse(conn, StatusBadRequest, nil)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		out := make([]byte, frame.ResponseSize)
		res := s.handler.Handle(s.ctx, frame.Request, out)
		if err := WriteResponse(conn, StatusFromState(res.State), out[:res.Written]); err != nil {
			log.WithError(err).Warn("Writing response frame")
			return
		}
	}
}

// armReadDeadline sets the idle deadline for the next frame.
// It returns false if the server is shutting down.
func (s *Server) armReadDeadline(conn net.Conn) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return false
	}
	var deadline time.Time
	if s.idleTimeout > 0 {
		deadline = time.Now().Add(s.idleTimeout)
	}
	_ = conn.SetReadDeadline(deadline)
	return true
}

func (s *Server) isClosed() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.closed
}

func (s *Server) trackListener(listener net.Listener, add bool) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.listeners[listener] = struct{}{}
	} else {
		delete(s.listeners, listener)
	}
	return true
}

// trackConn adds or removes an active connection.
// Added connections are counted in s.wg until the serving goroutine is done.
func (s *Server) trackConn(conn net.Conn, add bool) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
	} else {
		delete(s.conns, conn)
	}
	return true
}
