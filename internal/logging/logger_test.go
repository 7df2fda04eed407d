package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	var buf bytes.Buffer
	l, err := FromConfig(&buf, "json", "debug")
	require.NoError(t, err)

	l.WithComponent("engine").WithSeed("abcd").LogHash(context.Background(), 4, time.Millisecond, nil)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hash completed", rec["msg"])
	assert.Equal(t, "engine", rec["component"])
	assert.Equal(t, "abcd", rec["seed"])
	assert.EqualValues(t, 4, rec["input_bytes"])

	_, err = FromConfig(&buf, "xml", "info")
	assert.Error(t, err)
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	l := NewText(&buf, slog.LevelInfo)

	l.LogBatch(context.Background(), 10, 0, time.Second)
	assert.Empty(t, buf.String())

	l.LogBatch(context.Background(), 10, 2, time.Second)
	assert.Contains(t, buf.String(), "batch completed with failures")
	assert.Contains(t, buf.String(), "failed=2")

	buf.Reset()
	l.LogRekey(context.Background(), "aa", "bb", 0, errors.New("boom"))
	assert.Contains(t, buf.String(), "rekey failed")
	assert.Contains(t, buf.String(), "error=boom")
}

func TestNoopDiscards(t *testing.T) {
	l := Noop()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
}
