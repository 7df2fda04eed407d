package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"golang.org/x/time/rate"

	"github.com/VanDung-dev/RandomX-Engine/api"
	"github.com/VanDung-dev/RandomX-Engine/internal/logging"
)

// ServiceConfig defines configuration for the hash service.
type ServiceConfig struct {
	Endpoint string `json:"endpoint"`
	// Identity is the ROUTER socket identity.
	Identity string `json:"identity"`
	// RateLimit is requests per second across all peers; <= 0 disables it.
	RateLimit float64 `json:"rate_limit"`
	Burst     int     `json:"burst"`
	// ReplayWindow is how long a request id stays reserved; <= 0 disables
	// replay checks.
	ReplayWindow time.Duration `json:"replay_window"`
	// MaxInputs bounds a batch; <= 0 means unbounded.
	MaxInputs int `json:"max_inputs"`
}

// DefaultServiceConfig returns a configuration with sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Endpoint:     "tcp://127.0.0.1:5555",
		Identity:     "randomx-hash",
		RateLimit:    1000,
		Burst:        100,
		ReplayWindow: 60 * time.Second,
		MaxInputs:    256,
	}
}

// ServiceStats contains service statistics.
type ServiceStats struct {
	Endpoint   string `json:"endpoint"`
	IsRunning  bool   `json:"is_running"`
	Served     uint64 `json:"served"`
	Rejected   uint64 `json:"rejected"`
	InFlight   int64  `json:"in_flight"`
	ReplaySize int    `json:"replay_size"`
}

// HashService answers hash requests on a ZeroMQ ROUTER socket. Requests
// are processed concurrently; replies are routed back by peer identity.
type HashService struct {
	config  ServiceConfig
	hasher  api.BatchHasher
	auth    *api.Authenticator
	metrics *api.Metrics
	log     *logging.Logger

	limiter *rate.Limiter
	replay  *replayCache

	ctx    context.Context
	cancel context.CancelFunc
	router zmq4.Socket
	sendMu sync.Mutex

	served   atomic.Uint64
	rejected atomic.Uint64
	inFlight atomic.Int64

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewHashService creates a hash service. auth, metrics and log may be nil.
func NewHashService(hasher api.BatchHasher, auth *api.Authenticator, config ServiceConfig, metrics *api.Metrics, log *logging.Logger) *HashService {
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	if config.Identity == "" {
		config.Identity = DefaultServiceConfig().Identity
	}
	if log == nil {
		log = logging.Noop()
	}

	return &HashService{
		config:  config,
		hasher:  hasher,
		auth:    auth,
		metrics: metrics,
		log:     log.WithComponent("zmq"),
		limiter: rate.NewLimiter(limit, burst),
		replay:  newReplayCache(config.ReplayWindow),
	}
}

// Start binds the ROUTER socket and begins serving.
func (s *HashService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("service already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.router = zmq4.NewRouter(s.ctx, zmq4.WithID(zmq4.SocketIdentity(s.config.Identity)))
	if err := s.router.Listen(s.config.Endpoint); err != nil {
		s.cancel()
		_ = s.router.Close()
		return fmt.Errorf("failed to bind router: %w", err)
	}
	s.running = true
	s.log.Info("zmq hash service listening", "endpoint", s.config.Endpoint)

	s.wg.Add(1)
	go s.receiverLoop()

	if s.config.ReplayWindow > 0 {
		s.wg.Add(1)
		go s.replayCacheCleaner()
	}
	return nil
}

// Stop closes the socket and waits for in-flight requests. Their replies
// are dropped.
func (s *HashService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	if err := s.router.Close(); err != nil {
		s.log.Debug("router close failed", "error", err)
	}
	s.wg.Wait()
}

// IsRunning returns whether the service is serving.
func (s *HashService) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetStats returns current service statistics.
func (s *HashService) GetStats() ServiceStats {
	return ServiceStats{
		Endpoint:   s.config.Endpoint,
		IsRunning:  s.IsRunning(),
		Served:     s.served.Load(),
		Rejected:   s.rejected.Load(),
		InFlight:   s.inFlight.Load(),
		ReplaySize: s.replay.size(),
	}
}

// receiverLoop reads requests from the ROUTER socket and dispatches each
// one to its own goroutine.
func (s *HashService) receiverLoop() {
	defer s.wg.Done()

	for {
		msg, err := s.router.Recv()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Debug("receive failed", "error", err)
				continue
			}
		}

		// [identity, payload]
		if len(msg.Frames) < 2 {
			continue
		}
		identity := msg.Frames[0]
		payload := msg.Frames[len(msg.Frames)-1]

		if len(payload) > MaxNetworkMessageSize {
			s.reject(identity, "", ErrMessageTooLarge)
			continue
		}
		if !s.limiter.Allow() {
			s.reject(identity, peekID(payload), ErrRateLimited)
			continue
		}

		s.wg.Add(1)
		s.inFlight.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.inFlight.Add(-1)
			s.handle(identity, payload)
		}()
	}
}

func (s *HashService) handle(identity, payload []byte) {
	start := time.Now()
	peer := fmt.Sprintf("%x", identity)

	resp, inputs, err := s.process(payload)
	if err != nil {
		resp.Error = err.Error()
		s.rejected.Add(1)
	} else {
		s.served.Add(1)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordRequest("zmq", status, time.Since(start))
	s.log.LogRequest(s.ctx, "zmq", peer, inputs, err)

	s.reply(identity, resp)
}

// process always returns a response carrying the request id when one
// could be parsed.
func (s *HashService) process(payload []byte) (*Response, int, error) {
	resp := &Response{}

	req, err := decodeRequest(payload)
	if err != nil {
		return resp, 0, err
	}
	resp.ID = req.ID

	if err := s.auth.ValidateToken(req.Token); err != nil {
		return resp, 0, err
	}
	if !s.replay.check(req.ID) {
		return resp, 0, fmt.Errorf("%w: %s", ErrReplayedRequest, req.ID)
	}

	inputs, err := req.Decode()
	if err != nil {
		return resp, 0, err
	}
	if s.config.MaxInputs > 0 && len(inputs) > s.config.MaxInputs {
		return resp, len(inputs), fmt.Errorf("%w: %d (max: %d)", ErrTooManyInputs, len(inputs), s.config.MaxInputs)
	}

	resp.SeedID = s.hasher.SeedID()
	hashes, err := s.hasher.HashBatch(s.ctx, inputs)
	if err != nil {
		return resp, len(inputs), err
	}
	if req.IsBatch() {
		resp.Hashes = hashes
	} else {
		resp.Hash = &hashes[0]
	}
	return resp, len(inputs), nil
}

func (s *HashService) reject(identity []byte, id string, err error) {
	s.rejected.Add(1)
	s.metrics.RecordRequest("zmq", "rejected", 0)
	s.reply(identity, &Response{ID: id, Error: err.Error()})
}

// peekID extracts the request id so rejections can be matched by the
// client. It returns "" for malformed payloads.
func peekID(payload []byte) string {
	var req struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(payload, &req)
	return req.ID
}

func (s *HashService) reply(identity []byte, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal response", "error", err)
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.router.Send(zmq4.NewMsgFrom(identity, data)); err != nil {
		s.log.Debug("send failed", "peer", fmt.Sprintf("%x", identity), "error", err)
	}
}

// replayCacheCleaner periodically drops expired request ids.
func (s *HashService) replayCacheCleaner() {
	defer s.wg.Done()

	interval := s.config.ReplayWindow / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.replay.clean()
		}
	}
}
