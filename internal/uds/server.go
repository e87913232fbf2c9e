package uds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// HandlerFunc serves one command. ctx is cancelled when the server stops.
type HandlerFunc func(ctx context.Context, req *Request) *Response

const (
	defaultConnTimeout = 30 * time.Second
	defaultMaxConns    = 64
	maxAcceptBackoff   = time.Second
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithConnTimeout bounds the whole exchange on one connection, handler included.
func WithConnTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.connTimeout = d
		}
	}
}

func WithLogger(l *log.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxConns caps the connections served at once. Past the cap a caller gets
// ErrCodeBusy instead of queueing behind a slow failover.
func WithMaxConns(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxConns = int64(n)
		}
	}
}

// Server answers framed requests on a unix socket, one request per connection.
type Server struct {
	socketPath  string
	connTimeout time.Duration
	maxConns    int64
	logger      *log.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener
	slots    *semaphore.Weighted
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewServer(socketPath string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		socketPath:  socketPath,
		connTimeout: defaultConnTimeout,
		maxConns:    defaultMaxConns,
		logger:      log.New(io.Discard, "", 0),
		handlers:    make(map[string]HandlerFunc),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.slots = semaphore.NewWeighted(s.maxConns)
	return s
}

// Handle registers handler for command, replacing any earlier one.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	s.handlers[command] = handler
	s.mu.Unlock()
}

// Commands lists the registered command names in order.
func (s *Server) Commands() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Start binds the socket and begins accepting. A socket file left by a crashed
// daemon is replaced; callers hold the daemon lock before getting here.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.serve()
	return nil
}

// Stop closes the listener, cancels in-flight handlers and waits for them.
// It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		_ = os.Remove(s.socketPath)
	})
	return nil
}

func (s *Server) serve() {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			s.logger.Printf("uds: accept: %v; retrying in %v", err, backoff)
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(s.connTimeout)
	_ = conn.SetDeadline(deadline)

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Printf("uds: read request: %v", err)
		}
		return
	}

	var resp *Response
	if s.slots.TryAcquire(1) {
		ctx, cancel := context.WithDeadline(s.ctx, deadline)
		resp = s.dispatch(ctx, &req)
		cancel()
		s.slots.Release(1)
	} else {
		resp = ErrorResponse(ErrCodeBusy, fmt.Sprintf("daemon is serving %d requests; retry %s later", s.maxConns, req.Command))
	}

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Printf("uds: write %s response: %v", req.Command, err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("uds: panic in %s handler: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s handler panicked: %v", req.Command, r))
		}
	}()
	if resp = handler(ctx, req); resp == nil {
		resp = SuccessResponse(nil)
	}
	return resp
}
