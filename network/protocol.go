// Package network serves RandomX hashing over ZeroMQ.
//
// A HashService binds a ROUTER socket and answers JSON requests from
// DEALER clients. Every request carries an id that is echoed in the
// response; ids may not be reused within the replay window. Inputs and
// hashes travel as hex strings.
package network

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/VanDung-dev/RandomX-Engine/randomx"
)

// MaxNetworkMessageSize bounds the size of a single request frame.
const MaxNetworkMessageSize = 10 * 1024 * 1024

// Common errors for network operations
var (
	ErrReplayedRequest = errors.New("request id already seen")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrTooManyInputs   = errors.New("too many inputs")
	ErrNoInput         = errors.New("request has no input")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// Request is a hash request. Exactly one of Input and Inputs is set;
// an Input of "" hashes the empty message.
type Request struct {
	ID     string   `json:"id,omitempty"`
	Token  string   `json:"token,omitempty"`
	Input  *string  `json:"input,omitempty"`
	Inputs []string `json:"inputs,omitempty"`
}

// Response answers a Request with the same ID. Hash is set for single
// requests, Hashes for batches.
type Response struct {
	ID     string         `json:"id,omitempty"`
	SeedID string         `json:"seed_id,omitempty"`
	Hash   *randomx.Hash  `json:"hash,omitempty"`
	Hashes []randomx.Hash `json:"hashes,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// NewRequest builds a single-input request.
func NewRequest(id string, input []byte) *Request {
	s := hex.EncodeToString(input)
	return &Request{ID: id, Input: &s}
}

// NewBatchRequest builds a batch request.
func NewBatchRequest(id string, inputs [][]byte) *Request {
	req := &Request{ID: id, Inputs: make([]string, len(inputs))}
	for i, in := range inputs {
		req.Inputs[i] = hex.EncodeToString(in)
	}
	return req
}

// IsBatch reports whether the request uses the Inputs form.
func (r *Request) IsBatch() bool {
	return r.Input == nil
}

// Decode returns the raw inputs.
func (r *Request) Decode() ([][]byte, error) {
	if r.Input != nil {
		if len(r.Inputs) > 0 {
			return nil, errors.New("request sets both input and inputs")
		}
		in, err := hex.DecodeString(*r.Input)
		if err != nil {
			return nil, fmt.Errorf("invalid input: %w", err)
		}
		return [][]byte{in}, nil
	}
	if len(r.Inputs) == 0 {
		return nil, ErrNoInput
	}

	out := make([][]byte, len(r.Inputs))
	for i, s := range r.Inputs {
		in, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid input %d: %w", i, err)
		}
		out[i] = in
	}
	return out, nil
}

func decodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return &req, nil
}

func decodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}
