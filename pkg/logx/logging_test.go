package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	require.True(t, l.IsZero())
	// Must not panic.
	l.Info("hello", String("k", "v"))
	assert.False(t, l.With(String("a", "b")).IsZero())
}

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, "debug").With(String("comp", "relay"))
	l.Warn("write failed", Int("attempts", 3), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "write failed", m["message"])
	assert.Equal(t, "relay", m["comp"])
	assert.EqualValues(t, 3, m["attempts"])
	assert.Equal(t, "boom", m["err"])
}

func TestTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, "trace")
	l.Trace("polled", Int64("chat_id", -100123))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "trace", m["level"])
	assert.EqualValues(t, -100123, m["chat_id"])
	assert.Same(t, os.Stderr, Stderr())
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, "warn")
	l.Info("dropped")
	assert.Zero(t, buf.Len())
	assert.False(t, l.Enabled(LevelDebug))
	assert.True(t, l.Enabled(LevelError))
}

func TestServiceApplyChangesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, l := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	assert.Equal(t, LevelInfo, svc.Level())
	assert.False(t, l.Enabled(LevelDebug))

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	assert.Equal(t, LevelDebug, svc.Level())
	assert.True(t, l.Enabled(LevelDebug))
}

func TestValidLevel(t *testing.T) {
	assert.True(t, ValidLevel("Warning"))
	assert.True(t, ValidLevel(""))
	assert.False(t, ValidLevel("loud"))
}
