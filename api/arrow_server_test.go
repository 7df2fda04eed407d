package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/VanDung-dev/RandomX-Engine/randomx"
)

// stubHasher hashes with BLAKE2b so responses can be checked without a VM.
type stubHasher struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (s *stubHasher) HashBatch(ctx context.Context, inputs [][]byte) ([]randomx.Hash, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]randomx.Hash, len(inputs))
	for i, in := range inputs {
		out[i] = blake2b.Sum256(in)
	}
	return out, nil
}

func (s *stubHasher) SeedID() string { return "00112233aabbccdd" }

func (s *stubHasher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func startArrowServer(t *testing.T, hasher BatchHasher, auth *Authenticator, metrics *Metrics) string {
	t.Helper()
	handler := NewArrowHandler(hasher, auth, 8, metrics, nil)
	server := NewArrowServer(handler, ArrowServerConfig{}, nil)
	require.NoError(t, server.StartAsync("127.0.0.1:0"))
	t.Cleanup(server.Stop)
	return server.Addr().String()
}

func TestArrowServerHashBatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics("test", reg)
	addr := startArrowServer(t, &stubHasher{}, nil, metrics)

	client, err := DialArrow(addr, "", time.Second)
	require.NoError(t, err)
	defer client.Close()

	inputs := [][]byte{[]byte("a"), []byte("b"), {}}
	resp, err := client.HashBatch("req-1", inputs)
	require.NoError(t, err)

	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, "00112233aabbccdd", resp.SeedID)
	for i, in := range inputs {
		assert.Equal(t, randomx.Hash(blake2b.Sum256(in)), resp.Hashes[i])
	}

	// Second request on the same connection.
	_, err = client.HashBatch("req-2", inputs[:1])
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("arrow", "ok")))
}

func TestArrowServerAuth(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{Enabled: true, Token: "s3cret"})
	require.NoError(t, err)
	hasher := &stubHasher{}
	addr := startArrowServer(t, hasher, auth, nil)

	anon, err := DialArrow(addr, "", time.Second)
	require.NoError(t, err)
	defer anon.Close()
	_, err = anon.HashBatch("r", [][]byte{[]byte("x")})
	assert.EqualError(t, err, ErrAuthRequired.Error())

	wrong, err := DialArrow(addr, "guess", time.Second)
	require.NoError(t, err)
	defer wrong.Close()
	_, err = wrong.HashBatch("r", [][]byte{[]byte("x")})
	assert.EqualError(t, err, ErrAuthTokenMismatch.Error())

	good, err := DialArrow(addr, "s3cret", time.Second)
	require.NoError(t, err)
	defer good.Close()
	_, err = good.HashBatch("r", [][]byte{[]byte("x")})
	assert.NoError(t, err)

	assert.Equal(t, 1, hasher.callCount(), "rejected requests must not reach the hasher")
}

func TestArrowServerRejectsLargeBatch(t *testing.T) {
	addr := startArrowServer(t, &stubHasher{}, nil, nil)

	client, err := DialArrow(addr, "", time.Second)
	require.NoError(t, err)
	defer client.Close()

	inputs := make([][]byte, 9)
	for i := range inputs {
		inputs[i] = []byte(fmt.Sprint(i))
	}
	_, err = client.HashBatch("big", inputs)
	assert.ErrorContains(t, err, ErrBatchTooLarge.Error())
}

func TestArrowServerHashError(t *testing.T) {
	addr := startArrowServer(t, &stubHasher{err: errors.New("dataset does not match the current seed")}, nil, nil)

	client, err := DialArrow(addr, "", time.Second)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.HashBatch("r", [][]byte{[]byte("x")})
	assert.ErrorContains(t, err, "dataset does not match")
	assert.Empty(t, resp.Hashes)
}

func TestArrowServerClosesOnGarbage(t *testing.T) {
	addr := startArrowServer(t, &stubHasher{}, nil, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteMessage(conn, []byte("not arrow")))
	reply, err := ReadMessage(conn)
	require.NoError(t, err, "an error response is sent before closing")
	assert.NotEmpty(t, reply)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = ReadMessage(conn)
	assert.Error(t, err)
}

func TestArrowServerStop(t *testing.T) {
	handler := NewArrowHandler(&stubHasher{}, nil, 0, nil, nil)
	server := NewArrowServer(handler, DefaultArrowServerConfig(), nil)
	require.NoError(t, server.StartAsync("127.0.0.1:0"))
	assert.Error(t, server.StartAsync("127.0.0.1:0"), "already running")

	client, err := DialArrow(server.Addr().String(), "", time.Second)
	require.NoError(t, err)
	defer client.Close()
	_, err = client.HashBatch("r", [][]byte{[]byte("x")})
	require.NoError(t, err)

	server.Stop()
	server.Stop()

	_, err = client.HashBatch("r", [][]byte{[]byte("x")})
	assert.Error(t, err)
}
