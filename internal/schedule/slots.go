// Package schedule allocates conflict-free delivery slots on a fixed weekly
// cadence (e.g. every Tuesday 09:00 in a configured timezone).
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"challengebot/internal/types"
)

// maxProbes bounds the free-slot search: one probe per week, so roughly ten
// years of cadence occurrences before giving up.
const maxProbes = 520

type Config struct {
	Timezone string // IANA zone; empty means UTC
	Weekday  int    // time.Weekday numbering, Sunday=0
	Hour     int    // 0-23
}

// Cadence computes occurrences of the weekly anchor. The cron schedule is
// evaluated in the configured location, so DST shifts are handled by the
// cron library rather than by hand.
type Cadence struct {
	sched cron.Schedule
	loc   *time.Location
}

func New(cfg Config) (*Cadence, error) {
	if cfg.Weekday < 0 || cfg.Weekday > 6 {
		return nil, fmt.Errorf("cadence weekday %d out of range 0-6: %w", cfg.Weekday, types.ErrInvalidInput)
	}
	if cfg.Hour < 0 || cfg.Hour > 23 {
		return nil, fmt.Errorf("cadence hour %d out of range 0-23: %w", cfg.Hour, types.ErrInvalidInput)
	}
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("cadence timezone: %w", err)
	}

	spec := fmt.Sprintf("CRON_TZ=%s 0 %d * * %d", tz, cfg.Hour, cfg.Weekday)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("cadence spec %q: %w", spec, err)
	}
	return &Cadence{sched: sched, loc: loc}, nil
}

// NextAnchor returns the first cadence occurrence strictly after now.
// If now falls on the anchor weekday before the anchor hour, that same-day
// occurrence is returned.
func (c *Cadence) NextAnchor(now time.Time) time.Time {
	return c.sched.Next(now.In(c.loc))
}

// NextFreeSlot probes successive cadence occurrences after now, skipping
// epochs present in taken, until a free one is found or the probe bound is
// exceeded.
func (c *Cadence) NextFreeSlot(now time.Time, taken map[int64]struct{}) (time.Time, error) {
	t := c.NextAnchor(now)
	for i := 0; i < maxProbes; i++ {
		if _, occupied := taken[t.Unix()]; !occupied {
			return t, nil
		}
		t = c.sched.Next(t)
	}
	return time.Time{}, fmt.Errorf("searched %d cadence occurrences: %w", maxProbes, types.ErrCapacityExhausted)
}

// NextSlots returns n successive cadence occurrences after now without any
// conflict checking. Callers doing bulk scheduling must commit one item per
// slot before releasing the queue lock.
func (c *Cadence) NextSlots(now time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := c.NextAnchor(now)
	for len(out) < n {
		out = append(out, t)
		t = c.sched.Next(t)
	}
	return out
}

// ValidateExplicit checks a caller-supplied delivery time: it must be
// strictly in the future and not collide with an existing reservation.
// There is no auto-search fallback for explicit times.
func (c *Cadence) ValidateExplicit(now, at time.Time, taken map[int64]struct{}) error {
	if !at.After(now) {
		return fmt.Errorf("delivery time %s is not in the future: %w", at.Format(time.RFC3339), types.ErrInvalidInput)
	}
	if _, occupied := taken[at.Unix()]; occupied {
		return fmt.Errorf("delivery time %s: %w", at.Format(time.RFC3339), types.ErrConflict)
	}
	return nil
}
