package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/VanDung-dev/RandomX-Engine/arrow"
	"github.com/VanDung-dev/RandomX-Engine/internal/logging"
	"github.com/VanDung-dev/RandomX-Engine/randomx"
)

// ErrBatchTooLarge is returned for requests with more inputs than allowed.
var ErrBatchTooLarge = errors.New("batch exceeds maximum size")

// BatchHasher is the hashing backend behind the front ends.
// *engine.Hasher implements it.
type BatchHasher interface {
	HashBatch(ctx context.Context, inputs [][]byte) ([]randomx.Hash, error)
	SeedID() string
}

// ArrowHandler turns Arrow IPC hash requests into Arrow IPC responses.
type ArrowHandler struct {
	codec    *arrow.Codec
	hasher   BatchHasher
	auth     *Authenticator
	maxBatch int
	metrics  *Metrics
	log      *logging.Logger
}

// NewArrowHandler creates a handler. auth and metrics may be nil.
func NewArrowHandler(hasher BatchHasher, auth *Authenticator, maxBatch int, metrics *Metrics, log *logging.Logger) *ArrowHandler {
	if log == nil {
		log = logging.Noop()
	}
	return &ArrowHandler{
		codec:    arrow.NewCodec(nil),
		hasher:   hasher,
		auth:     auth,
		maxBatch: maxBatch,
		metrics:  metrics,
		log:      log,
	}
}

// ProcessBatch decodes one request, hashes it and returns the encoded
// response. Authentication, size and hashing failures are reported in the
// response. A non-nil error means the stream could not be decoded; the
// returned bytes then still carry an error response for the client.
func (h *ArrowHandler) ProcessBatch(ctx context.Context, peer string, data []byte) ([]byte, error) {
	start := time.Now()

	req, err := h.codec.DecodeRequest(data)
	if err != nil {
		h.finish(ctx, peer, 0, start, err)
		resp, encErr := h.codec.EncodeResponse(&arrow.Response{Error: err.Error()})
		return resp, errors.Join(fmt.Errorf("failed to decode request: %w", err), encErr)
	}

	resp := &arrow.Response{ID: req.ID}
	err = h.serve(ctx, req, resp)
	if err != nil {
		resp.Error = err.Error()
		resp.Hashes = nil
	}
	h.finish(ctx, peer, len(req.Inputs), start, err)

	return h.codec.EncodeResponse(resp)
}

func (h *ArrowHandler) serve(ctx context.Context, req *arrow.Request, resp *arrow.Response) error {
	if err := h.auth.ValidateToken(req.Token); err != nil {
		return err
	}
	if h.maxBatch > 0 && len(req.Inputs) > h.maxBatch {
		return fmt.Errorf("%w: %d inputs (max: %d)", ErrBatchTooLarge, len(req.Inputs), h.maxBatch)
	}

	resp.SeedID = h.hasher.SeedID()
	hashes, err := h.hasher.HashBatch(ctx, req.Inputs)
	if err != nil {
		return err
	}
	resp.Hashes = hashes
	return nil
}

func (h *ArrowHandler) finish(ctx context.Context, peer string, inputs int, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	h.metrics.RecordRequest("arrow", status, time.Since(start))
	h.log.LogRequest(ctx, "arrow", peer, inputs, err)
}
