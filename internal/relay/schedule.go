package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the next poll time after t. cron.Schedule satisfies it.
type Schedule interface {
	Next(t time.Time) time.Time
}

type interval time.Duration

func (d interval) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// Every polls at a fixed interval. Unlike cron's "@every", it keeps
// sub-second precision.
func Every(d time.Duration) Schedule {
	if d <= 0 {
		d = DefaultPollInterval
	}
	return interval(d)
}

// ParseSchedule accepts a Go duration ("90s") or a standard cron expression
// ("*/5 * * * *", "@hourly", "@every 1m").
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("relay: empty schedule")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("relay: schedule %q must be positive", spec)
		}
		return Every(d), nil
	}
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("relay: schedule %q: %w", spec, err)
	}
	return s, nil
}

func untilNext(s Schedule, now time.Time) time.Duration {
	d := s.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
