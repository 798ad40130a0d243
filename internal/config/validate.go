package config

import (
	"errors"
	"fmt"
	"strings"

	logx "crosspost/pkg/logx"
)

// ConnectionTypes lists the adapter types the application can build.
var ConnectionTypes = []string{"telegram", "discord", "slack", "mattermost", "pushover", "rss", "memory"}

func knownType(t string) bool {
	for _, k := range ConnectionTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Validate checks everything that can be checked without contacting a
// platform. All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if _, err := c.Relay.Resolve(); err != nil {
		errs = append(errs, err)
	}

	enabled := 0
	for i, cc := range c.Connections {
		where := fmt.Sprintf("connections[%d]", i)
		if strings.TrimSpace(cc.Name) == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", where))
		} else {
			where = fmt.Sprintf("connections[%d] (%s)", i, cc.Name)
		}
		if !knownType(cc.Type) {
			errs = append(errs, fmt.Errorf("%s.type: unknown type %q", where, cc.Type))
		}
		if _, err := cc.ParsedModes(); err != nil {
			errs = append(errs, fmt.Errorf("%s.modes: %w", where, err))
		}
		if _, _, err := cc.Schedule(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
		if cc.MaxLength < 0 {
			errs = append(errs, fmt.Errorf("%s.max_length: must be >= 0", where))
		}
		if !cc.Disabled {
			enabled++
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("connections: at least one enabled connection is required"))
	}
	return errors.Join(errs...)
}
