package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crosspost/internal/connection"
	"crosspost/internal/relay"
	"crosspost/internal/relay/dedup"
	"crosspost/internal/relay/retry"
)

type Config struct {
	Logging     LoggingConfig      `json:"logging"`
	Relay       RelayConfig        `json:"relay"`
	Connections []ConnectionConfig `json:"connections"`
}

// LoggingConfig maps onto logx.Config. Env overrides use the CROSSPOST_LOG_ prefix.
type LoggingConfig struct {
	Level   string      `json:"level" env:"LEVEL"`
	Console bool        `json:"console" env:"CONSOLE"`
	File    LoggingFile `json:"file" envPrefix:"FILE_"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Path    string `json:"path" env:"PATH"`
}

// RelayConfig holds the orchestrator tunables.
//
// All durations are Go duration strings (e.g. "500ms", "15s", "1m").
// Env overrides use the CROSSPOST_ prefix (CROSSPOST_WRITE_BUDGET, ...).
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "15s"
//   - dispatch_interval: "2s"
//   - write_budget: 0 (unlimited)
//   - writes_per_sec: 0 (no pacing)
//   - queue_size: 256
//   - seen_capacity: 2000
//   - content_dedup: true
//   - content_window: "10m"
//   - op_timeout: "30s"
type RelayConfig struct {
	PollInterval     string      `json:"poll_interval,omitempty" env:"POLL_INTERVAL"`
	DispatchInterval string      `json:"dispatch_interval,omitempty" env:"DISPATCH_INTERVAL"`
	WriteBudget      int         `json:"write_budget,omitempty" env:"WRITE_BUDGET"`
	WritesPerSec     float64     `json:"writes_per_sec,omitempty" env:"WRITES_PER_SEC"`
	QueueSize        int         `json:"queue_size,omitempty" env:"QUEUE_SIZE"`
	SeenCapacity     int         `json:"seen_capacity,omitempty" env:"SEEN_CAPACITY"`
	ContentDedup     *bool       `json:"content_dedup,omitempty" env:"CONTENT_DEDUP"`
	ContentWindow    string      `json:"content_window,omitempty" env:"CONTENT_WINDOW"`
	OpTimeout        string      `json:"op_timeout,omitempty" env:"OP_TIMEOUT"`
	Retry            RetryConfig `json:"retry" envPrefix:"RETRY_"`
}

// RetryConfig defaults: 4 attempts, "500ms" base, "30s" cap, 0.1 jitter.
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts,omitempty" env:"MAX_ATTEMPTS"`
	BaseDelay   string   `json:"base_delay,omitempty" env:"BASE_DELAY"`
	MaxDelay    string   `json:"max_delay,omitempty" env:"MAX_DELAY"`
	Jitter      *float64 `json:"jitter,omitempty" env:"JITTER"`
}

// RelaySettings is RelayConfig with defaults applied and durations parsed.
type RelaySettings struct {
	PollInterval     time.Duration
	DispatchInterval time.Duration
	OpTimeout        time.Duration
	WriteBudget      int
	WritesPerSec     float64
	QueueSize        int
	SeenCapacity     int
	ContentDedup     bool
	ContentWindow    time.Duration
	Retry            retry.Policy
}

func (c RelayConfig) Resolve() (RelaySettings, error) {
	var (
		out RelaySettings
		err error
	)
	if out.PollInterval, err = ParseDurationOrDefault("relay.poll_interval", c.PollInterval, relay.DefaultPollInterval); err != nil {
		return out, err
	}
	if out.DispatchInterval, err = ParseDurationOrDefault("relay.dispatch_interval", c.DispatchInterval, relay.DefaultDispatchInterval); err != nil {
		return out, err
	}
	if out.OpTimeout, err = ParseDurationOrDefault("relay.op_timeout", c.OpTimeout, relay.DefaultOpTimeout); err != nil {
		return out, err
	}
	if c.WriteBudget < 0 {
		return out, fmt.Errorf("relay.write_budget: must be >= 0")
	}
	if c.WritesPerSec < 0 {
		return out, fmt.Errorf("relay.writes_per_sec: must be >= 0")
	}
	out.WriteBudget = c.WriteBudget
	out.WritesPerSec = c.WritesPerSec
	out.QueueSize = c.QueueSize
	if out.QueueSize <= 0 {
		out.QueueSize = relay.DefaultQueueSize
	}
	out.SeenCapacity = c.SeenCapacity
	out.ContentDedup = c.ContentDedup == nil || *c.ContentDedup
	if out.ContentWindow, err = ParseDurationOrDefault("relay.content_window", c.ContentWindow, dedup.DefaultContentWindow); err != nil {
		return out, err
	}

	p := retry.DefaultPolicy()
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	if p.BaseDelay, err = ParseDurationOrDefault("relay.retry.base_delay", c.Retry.BaseDelay, retry.DefaultBaseDelay); err != nil {
		return out, err
	}
	if p.MaxDelay, err = ParseDurationOrDefault("relay.retry.max_delay", c.Retry.MaxDelay, retry.DefaultMaxDelay); err != nil {
		return out, err
	}
	if c.Retry.Jitter != nil {
		if *c.Retry.Jitter < 0 || *c.Retry.Jitter > retry.MaxJitter {
			return out, fmt.Errorf("relay.retry.jitter: must be within [0, %.1f]", retry.MaxJitter)
		}
		p.Jitter = *c.Retry.Jitter
	}
	out.Retry = p.Normalize()
	return out, nil
}

// ConnectionConfig describes one connection. Settings is decoded by the
// adapter selected by Type.
type ConnectionConfig struct {
	Name  string   `json:"name"`
	Type  string   `json:"type"`
	Modes []string `json:"modes"`

	// PollInterval and PollSchedule are mutually exclusive overrides of
	// relay.poll_interval for this connection. PollSchedule is a cron expression.
	PollInterval string `json:"poll_interval,omitempty"`
	PollSchedule string `json:"poll_schedule,omitempty"`

	// MaxLength overrides the adapter's default limit, in code points.
	MaxLength int  `json:"max_length,omitempty"`
	Disabled  bool `json:"disabled,omitempty"`

	Settings json.RawMessage `json:"settings,omitempty"`
}

func (c ConnectionConfig) ParsedModes() (connection.Modes, error) {
	return connection.ParseModes(c.Modes)
}

// Schedule returns the connection's poll override, or ok=false when none is set.
func (c ConnectionConfig) Schedule() (sched relay.Schedule, ok bool, err error) {
	interval := strings.TrimSpace(c.PollInterval)
	cronSpec := strings.TrimSpace(c.PollSchedule)
	switch {
	case interval != "" && cronSpec != "":
		return nil, false, fmt.Errorf("poll_interval and poll_schedule are mutually exclusive")
	case interval != "":
		d, err := ParseDurationField("poll_interval", interval)
		if err != nil {
			return nil, false, err
		}
		if d == 0 {
			return nil, false, nil
		}
		return relay.Every(d), true, nil
	case cronSpec != "":
		s, err := relay.ParseSchedule(cronSpec)
		if err != nil {
			return nil, false, err
		}
		return s, true, nil
	}
	return nil, false, nil
}

// DecodeSettings strictly decodes Settings into v. Missing settings decode as {}.
func (c ConnectionConfig) DecodeSettings(v any) error {
	raw := bytes.TrimSpace(c.Settings)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("connection %q settings: %w", c.Name, err)
	}
	return nil
}

// Enabled returns the connections not marked disabled, keeping order.
func (c *Config) Enabled() []ConnectionConfig {
	out := make([]ConnectionConfig, 0, len(c.Connections))
	for _, cc := range c.Connections {
		if !cc.Disabled {
			out = append(out, cc)
		}
	}
	return out
}
