// Package generate creates workflow run occurrences from trigger rules and
// recovers state after restarts.
package generate

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/octoflow/octoflow/internal/domain"
)

// cronParser accepts standard five-field expressions, six-field expressions
// with a leading seconds column, and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextTrigger returns the first occurrence strictly after the given
// instant for a timer-driven trigger.
func NextTrigger(kind domain.TriggerKind, value string, after time.Time) (time.Time, error) {
	switch kind {
	case domain.TriggerCron:
		schedule, err := cronParser.Parse(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		next := schedule.Next(after)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron expression %q has no next occurrence", value)
		}
		return next.UTC(), nil

	case domain.TriggerFixedRate, domain.TriggerFixedDelay:
		d, err := time.ParseDuration(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid interval %q: %w", value, err)
		}
		if d <= 0 {
			return time.Time{}, fmt.Errorf("interval %q must be positive", value)
		}
		return after.Add(d).UTC(), nil

	default:
		return time.Time{}, fmt.Errorf("trigger kind %s is not timer-driven", kind)
	}
}
