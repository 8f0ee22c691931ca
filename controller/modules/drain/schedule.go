package drain

import (
	"context"
	"errors"
	"time"

	"github.com/teambition/rrule-go"
)

// errNoOccurrence is returned when a schedule has no future occurrence left.
var errNoOccurrence = errors.New("schedule has no more occurrences")

// ParseSchedule parses an RRULE string (e.g. "FREQ=HOURLY;INTERVAL=4").
// Empty string → no schedule.
func ParseSchedule(ruleStr string) (*rrule.RRule, error) {
	if ruleStr == "" {
		return nil, nil
	}
	start := time.Now().UTC().Format("20060102T150405Z")
	full := "DTSTART=" + start + ";" + ruleStr
	return rrule.StrToRRule(full)
}

// waitNext blocks until the next occurrence of rr, until wake is closed or
// until ctx is done. A nil rule returns immediately.
func waitNext(ctx context.Context, rr *rrule.RRule, wake <-chan struct{}) error {
	if rr == nil {
		return nil
	}
	next := rr.After(time.Now(), false)
	if next.IsZero() {
		return errNoOccurrence
	}
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-wake:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}
