package app

import (
	"fmt"

	"crosspost/internal/config"
	"crosspost/internal/connection"
	"crosspost/internal/connection/discord"
	"crosspost/internal/connection/mattermost"
	"crosspost/internal/connection/memory"
	"crosspost/internal/connection/pushover"
	"crosspost/internal/connection/rss"
	"crosspost/internal/connection/slack"
	"crosspost/internal/connection/telegram"
	"crosspost/internal/message"
	"crosspost/internal/relay"
	logx "crosspost/pkg/logx"
)

// memorySettings configures the in-process connection used for dry runs.
type memorySettings struct {
	TextOnly bool  `json:"text_only,omitempty"`
	Echo     *bool `json:"echo,omitempty"`
	Baseline bool  `json:"baseline,omitempty"`
}

// BuildConnection constructs the adapter selected by cc.Type.
func BuildConnection(cc config.ConnectionConfig, log logx.Logger) (connection.Connection, error) {
	modes, err := cc.ParsedModes()
	if err != nil {
		return nil, fmt.Errorf("connection %q: %w", cc.Name, err)
	}
	var c connection.Connection
	switch cc.Type {
	case "telegram":
		var s telegram.Config
		if err := cc.DecodeSettings(&s); err != nil {
			return nil, err
		}
		s.MaxLength = cc.MaxLength
		c, err = telegram.New(cc.Name, modes, s, log)
	case "discord":
		var s discord.Config
		if err := cc.DecodeSettings(&s); err != nil {
			return nil, err
		}
		s.MaxLength = cc.MaxLength
		c, err = discord.New(cc.Name, modes, s, log)
	case "slack":
		var s slack.Config
		if err := cc.DecodeSettings(&s); err != nil {
			return nil, err
		}
		s.MaxLength = cc.MaxLength
		c, err = slack.New(cc.Name, modes, s, log)
	case "mattermost":
		var s mattermost.Config
		if err := cc.DecodeSettings(&s); err != nil {
			return nil, err
		}
		s.MaxLength = cc.MaxLength
		c, err = mattermost.New(cc.Name, modes, s, log)
	case "pushover":
		var s pushover.Config
		if err := cc.DecodeSettings(&s); err != nil {
			return nil, err
		}
		s.MaxLength = cc.MaxLength
		c, err = pushover.New(cc.Name, modes, s, log)
	case "rss":
		var s rss.Config
		if err := cc.DecodeSettings(&s); err != nil {
			return nil, err
		}
		c, err = rss.New(cc.Name, modes, s, log)
	case "memory":
		var s memorySettings
		if err := cc.DecodeSettings(&s); err != nil {
			return nil, err
		}
		opts := []memory.Option{memory.WithLogger(log), memory.WithMaxLength(cc.MaxLength), memory.WithBaseline(s.Baseline)}
		if s.TextOnly {
			opts = append(opts, memory.WithMedia(message.TextOnly))
		}
		if s.Echo != nil {
			opts = append(opts, memory.WithEcho(*s.Echo))
		}
		c, err = memory.New(cc.Name, modes, opts...)
	default:
		return nil, fmt.Errorf("connection %q: unknown type %q", cc.Name, cc.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("connection %q (%s): %w", cc.Name, cc.Type, err)
	}
	return c, nil
}

// BuildConnections builds every enabled connection in config order and
// returns the relay options carrying their poll schedule overrides.
func BuildConnections(cfg *config.Config, log logx.Logger) ([]connection.Connection, []relay.Option, error) {
	var (
		conns []connection.Connection
		opts  []relay.Option
	)
	for _, cc := range cfg.Enabled() {
		c, err := BuildConnection(cc, log)
		if err != nil {
			return nil, nil, err
		}
		sched, ok, err := cc.Schedule()
		if err != nil {
			return nil, nil, fmt.Errorf("connection %q: %w", cc.Name, err)
		}
		if ok {
			opts = append(opts, relay.WithConnectionSchedule(len(conns), sched))
		}
		conns = append(conns, c)
	}
	return conns, opts, nil
}

// relayOptions maps resolved relay settings onto orchestrator options.
func relayOptions(s config.RelaySettings) []relay.Option {
	return []relay.Option{
		relay.WithPollInterval(s.PollInterval),
		relay.WithDispatchInterval(s.DispatchInterval),
		relay.WithWriteBudget(s.WriteBudget),
		relay.WithWritesPerSecond(s.WritesPerSec),
		relay.WithQueueSize(s.QueueSize),
		relay.WithSeenCapacity(s.SeenCapacity),
		relay.WithContentDedup(s.ContentDedup),
		relay.WithContentWindow(s.ContentWindow),
		relay.WithRetryPolicy(s.Retry),
		relay.WithOpTimeout(s.OpTimeout),
	}
}

func tunables(s config.RelaySettings) relay.Tunables {
	return relay.Tunables{WriteBudget: s.WriteBudget, WritesPerSecond: s.WritesPerSec}
}

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}
