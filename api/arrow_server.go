package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/VanDung-dev/RandomX-Engine/internal/logging"
)

// ArrowServerConfig configures request admission for ArrowServer.
type ArrowServerConfig struct {
	// RateLimit is the sustained number of requests per second across all
	// connections. <= 0 disables limiting.
	RateLimit float64
	// Burst is the number of requests allowed above RateLimit.
	Burst int
}

// DefaultArrowServerConfig returns the default admission settings.
func DefaultArrowServerConfig() ArrowServerConfig {
	return ArrowServerConfig{
		RateLimit: 100,
		Burst:     10,
	}
}

// ArrowServer is a TCP server that answers length-prefixed Arrow IPC hash
// requests. Each connection is served sequentially; connections are
// served concurrently.
type ArrowServer struct {
	listener net.Listener
	handler  *ArrowHandler
	limiter  *rate.Limiter
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

// NewArrowServer creates a new ArrowServer instance.
func NewArrowServer(handler *ArrowHandler, config ArrowServerConfig, log *logging.Logger) *ArrowServer {
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	if log == nil {
		log = logging.Noop()
	}
	return &ArrowServer{
		handler: handler,
		limiter: rate.NewLimiter(limit, burst),
		log:     log.WithComponent("arrow"),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start starts the server and blocks until it is stopped.
func (s *ArrowServer) Start(address string) error {
	if err := s.listen(address); err != nil {
		return err
	}
	s.acceptLoop()
	return nil
}

// StartAsync starts the server in a background goroutine.
func (s *ArrowServer) StartAsync(address string) error {
	if err := s.listen(address); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

func (s *ArrowServer) listen(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server is already running")
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.log.Info("arrow server listening", "addr", lis.Addr().String())
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *ArrowServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *ArrowServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConnection(conn)
		}()
	}
}

func (s *ArrowServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *ArrowServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to exit. In-flight requests are cancelled.
func (s *ArrowServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	_ = s.listener.Close()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// handleConnection serves requests on conn until it is closed.
func (s *ArrowServer) handleConnection(conn net.Conn) {
	peer := conn.RemoteAddr().String()

	for {
		data, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read failed", "peer", peer, "error", err)
			}
			return
		}

		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}

		response, procErr := s.handler.ProcessBatch(s.ctx, peer, data)
		if response != nil {
			if err := WriteMessage(conn, response); err != nil {
				s.log.Debug("write failed", "peer", peer, "error", err)
				return
			}
		}
		if procErr != nil {
			s.log.Warn("closing connection after bad request", "peer", peer, "error", procErr)
			return
		}
	}
}
