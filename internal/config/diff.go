package config

import (
	"bytes"
	"strings"

	logx "crosspost/pkg/logx"
)

// Change summarizes a reload for logging.
type Change struct {
	// Sections lists the top-level sections that differ.
	Sections []string
	// Fields are safe log attributes; connection settings (which carry
	// tokens) are never included.
	Fields []logx.Field
	// Connections lists names of added, removed or modified connections.
	// Connections are built at startup, so these need a restart.
	Connections []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	oldRelay, _ := oldCfg.Relay.Resolve()
	newRelay, err := newCfg.Relay.Resolve()
	if err == nil && oldRelay != newRelay {
		ch.Sections = append(ch.Sections, "relay")
		ch.Fields = append(ch.Fields,
			logx.Int("relay.write_budget", newRelay.WriteBudget),
			logx.Float64("relay.writes_per_sec", newRelay.WritesPerSec),
			logx.Duration("relay.poll_interval", newRelay.PollInterval),
		)
	}

	ch.Connections = diffConnections(oldCfg.Connections, newCfg.Connections)
	if len(ch.Connections) > 0 {
		ch.Sections = append(ch.Sections, "connections")
		ch.Fields = append(ch.Fields, logx.String("connections.changed", strings.Join(ch.Connections, ",")))
	}
	return ch
}

func diffConnections(oldL, newL []ConnectionConfig) []string {
	var out []string
	n := len(oldL)
	if len(newL) > n {
		n = len(newL)
	}
	for i := 0; i < n; i++ {
		switch {
		case i >= len(oldL):
			out = append(out, "+"+newL[i].Name)
		case i >= len(newL):
			out = append(out, "-"+oldL[i].Name)
		case !sameConnection(oldL[i], newL[i]):
			out = append(out, newL[i].Name)
		}
	}
	return out
}

func sameConnection(a, b ConnectionConfig) bool {
	return a.Name == b.Name &&
		a.Type == b.Type &&
		strings.Join(a.Modes, ",") == strings.Join(b.Modes, ",") &&
		a.PollInterval == b.PollInterval &&
		a.PollSchedule == b.PollSchedule &&
		a.MaxLength == b.MaxLength &&
		a.Disabled == b.Disabled &&
		bytes.Equal(bytes.TrimSpace(a.Settings), bytes.TrimSpace(b.Settings))
}
