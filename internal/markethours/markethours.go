package markethours

import (
	"fmt"
	"time"
)

// Regime is the trading state of the market at a given instant.
type Regime int

const (
	Closed Regime = iota
	Open
)

// String implements fmt.Stringer.
func (r Regime) String() string {
	if r == Open {
		return "OPEN"
	}
	return "CLOSED"
}

// minuteOfDay is a time-of-day resolution of one minute, matching the
// exchange session boundaries.
type minuteOfDay int

// Window is a fixed daily trading interval in exchange-local time. It is
// pure: both queries are functions of the supplied instant only, so the
// supervisor can share one Window across goroutines without locking.
// The market is Open in [open, close) on every day; holidays are an external
// concern.
type Window struct {
	open     minuteOfDay
	close    minuteOfDay
	location *time.Location
}

// NewWindow parses "HH:MM" open/close times in the named timezone.
func NewWindow(open, close, timezone string) (Window, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Window{}, fmt.Errorf("load market timezone %q: %w", timezone, err)
	}

	openMin, err := parseMinute(open)
	if err != nil {
		return Window{}, fmt.Errorf("parse market open: %w", err)
	}
	closeMin, err := parseMinute(close)
	if err != nil {
		return Window{}, fmt.Errorf("parse market close: %w", err)
	}
	if openMin >= closeMin {
		return Window{}, fmt.Errorf("market open %s must be before close %s", open, close)
	}

	return Window{open: openMin, close: closeMin, location: loc}, nil
}

func parseMinute(v string) (minuteOfDay, error) {
	parsed, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("%q is not HH:MM: %w", v, err)
	}
	return minuteOfDay(parsed.Hour()*60 + parsed.Minute()), nil
}

// Location returns the exchange timezone.
func (w Window) Location() *time.Location {
	return w.location
}

// Regime reports whether the market is Open or Closed at the given instant.
// The close minute itself is Closed.
func (w Window) Regime(now time.Time) Regime {
	local := now.In(w.location)
	minute := minuteOfDay(local.Hour()*60 + local.Minute())
	if minute >= w.open && minute < w.close {
		return Open
	}
	return Closed
}

// NextChange returns the duration until the regime next flips. Past the close
// it is computed against the following day's open.
func (w Window) NextChange(now time.Time) time.Duration {
	local := now.In(w.location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.location)

	openAt := midnight.Add(time.Duration(w.open) * time.Minute)
	closeAt := midnight.Add(time.Duration(w.close) * time.Minute)

	switch {
	case local.Before(openAt):
		return openAt.Sub(local)
	case local.Before(closeAt):
		return closeAt.Sub(local)
	default:
		nextOpen := openAt.AddDate(0, 0, 1)
		return nextOpen.Sub(local)
	}
}
