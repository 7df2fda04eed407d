package network

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"

	"github.com/VanDung-dev/RandomX-Engine/randomx"
)

// ErrClientClosed is returned by calls on a closed Client.
var ErrClientClosed = errors.New("client is closed")

// Client talks to a HashService over a DEALER socket. It is safe for
// concurrent use; replies are matched to calls by request id.
type Client struct {
	dealer zmq4.Socket
	token  string
	prefix string
	seq    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	pending map[string]chan *Response
	closed  bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// Dial connects to the service at endpoint. token is sent with every
// request.
func Dial(endpoint, token string) (*Client, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("failed to generate client id: %w", err)
	}
	prefix := hex.EncodeToString(raw[:])

	ctx, cancel := context.WithCancel(context.Background())
	dealer := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity("client-"+prefix)))
	if err := dealer.Dial(endpoint); err != nil {
		cancel()
		_ = dealer.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	c := &Client{
		dealer:  dealer,
		token:   token,
		prefix:  prefix,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan *Response),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// Hash hashes a single input.
func (c *Client) Hash(ctx context.Context, input []byte) (randomx.Hash, error) {
	resp, err := c.Do(ctx, NewRequest("", input))
	if err != nil {
		return randomx.Hash{}, err
	}
	if resp.Hash == nil {
		return randomx.Hash{}, errors.New("response carries no hash")
	}
	return *resp.Hash, nil
}

// HashBatch hashes inputs in one request.
func (c *Client) HashBatch(ctx context.Context, inputs [][]byte) ([]randomx.Hash, error) {
	resp, err := c.Do(ctx, NewBatchRequest("", inputs))
	if err != nil {
		return nil, err
	}
	if len(resp.Hashes) != len(inputs) {
		return nil, fmt.Errorf("expected %d hashes, got %d", len(inputs), len(resp.Hashes))
	}
	return resp.Hashes, nil
}

// Do sends req and waits for the matching response. An empty req.ID is
// filled with a fresh id and req.Token with the client token. A response
// carrying an error message is returned together with that error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = fmt.Sprintf("%s-%d", c.prefix, c.seq.Add(1))
	}
	if req.Token == "" {
		req.Token = c.token
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if _, dup := c.pending[req.ID]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("request %s already pending", req.ID)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.dealer.Send(zmq4.NewMsg(data)); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClientClosed
		}
		if resp.Error != "" {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		msg, err := c.dealer.Recv()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
				continue
			}
		}
		if len(msg.Frames) == 0 {
			continue
		}

		resp, err := decodeResponse(msg.Frames[len(msg.Frames)-1])
		if err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Close closes the socket. Pending calls return ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.cancel()
	err := c.dealer.Close()
	c.wg.Wait()
	return err
}
