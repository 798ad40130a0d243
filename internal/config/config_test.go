package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/connection"
	"crosspost/internal/relay/retry"
)

const sampleYAML = `
logging:
  level: debug
  console: true
relay:
  poll_interval: 30s
  write_budget: 5
  retry:
    max_attempts: 3
    jitter: 0.2
connections:
  - name: news
    type: rss
    modes: [read]
    poll_schedule: "*/10 * * * *"
    settings:
      url: https://example.com/feed.xml
  - name: chat
    type: telegram
    modes: [read, write]
    settings:
      token: ${CROSSPOST_TEST_TOKEN}
      chat_id: -100123
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("CROSSPOST_TEST_TOKEN", "s3cr$t")
	m := NewConfigManager(writeFile(t, "crosspost.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Connections, 2)

	rs, err := cfg.Relay.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, rs.PollInterval)
	assert.Equal(t, 2*time.Second, rs.DispatchInterval)
	assert.Equal(t, 5, rs.WriteBudget)
	assert.True(t, rs.ContentDedup)
	assert.Equal(t, 10*time.Minute, rs.ContentWindow)
	assert.Equal(t, retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: 0.2}, rs.Retry)

	modes, err := cfg.Connections[1].ParsedModes()
	require.NoError(t, err)
	assert.Equal(t, connection.ReadWrite, modes)

	var tg struct {
		Token  string `json:"token"`
		ChatID int64  `json:"chat_id"`
	}
	require.NoError(t, cfg.Connections[1].DecodeSettings(&tg))
	assert.Equal(t, "s3cr$t", tg.Token)
	assert.EqualValues(t, -100123, tg.ChatID)

	_, ok, err := cfg.Connections[0].Schedule()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CROSSPOST_LOG_LEVEL", "warn")
	t.Setenv("CROSSPOST_WRITE_BUDGET", "9")
	t.Setenv("CROSSPOST_CONTENT_DEDUP", "false")
	t.Setenv("CROSSPOST_CONTENT_WINDOW", "90s")
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 9, cfg.Relay.WriteBudget)
	rs, err := cfg.Relay.Resolve()
	require.NoError(t, err)
	assert.False(t, rs.ContentDedup)
	assert.Equal(t, 90*time.Second, rs.ContentWindow)
}

func TestStrictDecoding(t *testing.T) {
	_, err := Decode("c.yaml", []byte("relay:\n  write_budgets: 3\n"))
	assert.Error(t, err)

	_, err = Decode("c.json", []byte(`{"relay":{}} {"relay":{}}`))
	assert.ErrorContains(t, err, "trailing data")

	var s struct{ URL string `json:"url"` }
	cc := ConnectionConfig{Name: "x", Settings: []byte(`{"url":"u","extra":1}`)}
	assert.Error(t, cc.DecodeSettings(&s))
	assert.NoError(t, ConnectionConfig{}.DecodeSettings(&s))
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "loud"},
		Relay:   RelayConfig{WriteBudget: -1},
		Connections: []ConnectionConfig{
			{Name: "", Type: "myspace", Modes: []string{"read", "read"}},
			{Name: "x", Type: "rss", Modes: []string{"read"}, PollInterval: "1m", PollSchedule: "@hourly"},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"logging.level", "write_budget", ".name: required", "unknown type", "duplicate mode", "mutually exclusive"} {
		assert.True(t, strings.Contains(msg, want), "missing %q in %s", want, msg)
	}

	assert.ErrorContains(t, (&Config{}).Validate(), "at least one enabled connection")
}

func TestSummarize(t *testing.T) {
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.True(t, Summarize(oldCfg, newCfg).Empty())

	newCfg.Relay.WriteBudget = 1
	newCfg.Logging.Level = "info"
	newCfg.Connections = newCfg.Connections[:1]
	ch := Summarize(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "relay", "connections"}, ch.Sections)
	assert.Equal(t, []string{"-chat"}, ch.Connections)
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "crosspost.yaml", sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(sampleYAML, "write_budget: 5", "write_budget: 7", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-sub:
		assert.Equal(t, 7, cfg.Relay.WriteBudget)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}
