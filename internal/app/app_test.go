package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/config"
	"crosspost/internal/connection"
	"crosspost/internal/connection/memory"
	"crosspost/internal/message"
	logx "crosspost/pkg/logx"
)

const memoryYAML = `
logging:
  level: error
  console: false
relay:
  poll_interval: 1h
  dispatch_interval: 1h
  write_budget: 3
connections:
  - name: a
    type: memory
    modes: [read, write]
  - name: b
    type: memory
    modes: [write]
    max_length: 10
    settings:
      text_only: true
  - name: off
    type: memory
    modes: [write]
    disabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "crosspost.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestNewAppBuildsEnabledConnections(t *testing.T) {
	a, err := NewApp(writeConfig(t, memoryYAML))
	require.NoError(t, err)
	defer a.Stop(context.Background(), StopAppStop)

	conns := a.Relay().Connections()
	require.Len(t, conns, 2)
	assert.Equal(t, "a", conns[0].Name())
	assert.Equal(t, connection.ReadWrite, conns[0].Modes())
	assert.Equal(t, 10, conns[1].Capabilities().MaxLength)
	assert.Equal(t, message.TextOnly, conns[1].Capabilities().Media)
	assert.Equal(t, 3, a.Relay().Snapshot().WriteBudget)
}

func TestPostNowThroughApp(t *testing.T) {
	a, err := NewApp(writeConfig(t, memoryYAML))
	require.NoError(t, err)
	a.statsEvery = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	rep, err := a.PostNow(ctx, message.MustNew("", "hello"))
	require.NoError(t, err)
	assert.Len(t, rep.Delivered(), 2)

	b := a.Relay().Connections()[1].(*memory.Conn)
	require.Len(t, b.Written(), 1)
	assert.Equal(t, "hello", b.Written()[0].Body())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))

	_, err = a.PostNow(context.Background(), message.MustNew("", "late"))
	assert.Error(t, err)
}

func TestApplyConfigUpdatesTunables(t *testing.T) {
	path := writeConfig(t, memoryYAML)
	a, err := NewApp(path)
	require.NoError(t, err)
	defer a.Stop(context.Background(), StopAppStop)

	oldCfg := a.cfgm.Get()
	next := *oldCfg
	next.Relay.WriteBudget = 7
	next.Relay.WritesPerSec = 2
	next.Connections = append([]config.ConnectionConfig(nil), oldCfg.Connections...)
	next.Connections[0].MaxLength = 50

	a.applyConfig(oldCfg, &next)

	st := a.Relay().Snapshot()
	assert.Equal(t, 7, st.WriteBudget)
	assert.Equal(t, 2.0, st.WritesPerSec)
	// Connection edits need a restart.
	assert.Equal(t, 0, a.Relay().Connections()[0].Capabilities().MaxLength)
}

func TestBuildConnectionPerType(t *testing.T) {
	cases := []struct {
		typ      string
		modes    []string
		settings any
	}{
		{"telegram", []string{"read", "write"}, map[string]any{"token": "1:x", "chat_id": -1}},
		{"discord", []string{"read", "write"}, map[string]any{"token": "t", "channel": "c"}},
		{"slack", []string{"read", "write"}, map[string]any{"token": "t", "channel": "C1"}},
		{"mattermost", []string{"read", "write"}, map[string]any{"url": "http://mm", "token": "t", "channel": "c"}},
		{"pushover", []string{"write"}, map[string]any{"app_token": "a", "user_token": "u"}},
		{"rss", []string{"read"}, map[string]any{"url": "http://feed"}},
		{"memory", []string{"read", "write"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			raw, err := json.Marshal(tc.settings)
			require.NoError(t, err)
			c, err := BuildConnection(config.ConnectionConfig{Name: tc.typ, Type: tc.typ, Modes: tc.modes, Settings: raw}, logx.Nop())
			require.NoError(t, err)
			assert.Equal(t, tc.typ, c.Name())
		})
	}
}

func TestBuildConnectionErrors(t *testing.T) {
	_, err := BuildConnection(config.ConnectionConfig{Name: "x", Type: "slack", Modes: []string{"read"},
		Settings: json.RawMessage(`{"token":"t","channel":"c","bogus":1}`)}, logx.Nop())
	assert.Error(t, err)

	_, err = BuildConnection(config.ConnectionConfig{Name: "x", Type: "pushover", Modes: []string{"read"},
		Settings: json.RawMessage(`{"app_token":"a","user_token":"u"}`)}, logx.Nop())
	assert.ErrorIs(t, err, connection.ErrUnsupportedMode)

	_, err = BuildConnection(config.ConnectionConfig{Name: "x", Type: "fax", Modes: []string{"write"}}, logx.Nop())
	assert.Error(t, err)
}

func TestBuildConnectionsSchedules(t *testing.T) {
	cfg := &config.Config{Connections: []config.ConnectionConfig{
		{Name: "a", Type: "memory", Modes: []string{"read"}, PollSchedule: "*/5 * * * *"},
		{Name: "b", Type: "memory", Modes: []string{"write"}},
	}}
	conns, opts, err := BuildConnections(cfg, logx.Nop())
	require.NoError(t, err)
	assert.Len(t, conns, 2)
	assert.Len(t, opts, 1)
}
