package api

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/VanDung-dev/RandomX-Engine/arrow"
)

// ArrowClient sends hash requests to an ArrowServer over one connection.
// Requests on one client are serialized.
type ArrowClient struct {
	conn  net.Conn
	codec *arrow.Codec
	token string
	mu    sync.Mutex
}

// DialArrow connects to an ArrowServer. token is sent with every request.
func DialArrow(address, token string, timeout time.Duration) (*ArrowClient, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return &ArrowClient{conn: conn, codec: arrow.NewCodec(nil), token: token}, nil
}

// HashBatch sends inputs and waits for the response. A response carrying
// an error message is returned as an error.
func (c *ArrowClient) HashBatch(id string, inputs [][]byte) (*arrow.Response, error) {
	data, err := c.codec.EncodeRequest(&arrow.Request{ID: id, Token: c.token, Inputs: inputs})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteMessage(c.conn, data); err != nil {
		return nil, err
	}
	reply, err := ReadMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	resp, err := c.codec.DecodeResponse(reply)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	if len(resp.Hashes) != len(inputs) {
		return resp, fmt.Errorf("expected %d hashes, got %d", len(inputs), len(resp.Hashes))
	}
	return resp, nil
}

// Close closes the connection.
func (c *ArrowClient) Close() error {
	return c.conn.Close()
}
