// Package quiet implements the per-chat quiet-window policy: a half-open
// time-of-day interval, possibly wrapping midnight, during which delivery
// is deferred. All comparisons use one process-wide reference clock; no
// per-chat time zones are modeled.
package quiet

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrBadTime = errors.New("time must be HH:MM (00:00-23:59)")

// Window is a half-open [Start, End) interval in minutes-of-day.
// Start > End means the window wraps midnight (e.g. 22:00-07:00).
type Window struct {
	start int
	end   int
}

// ParseClock validates one "HH:MM" bound and returns minutes-of-day.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, ErrBadTime
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, ErrBadTime
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, ErrBadTime
	}
	return h*60 + m, nil
}

// ParseWindow builds a window from two "HH:MM" bounds. Equal bounds are
// rejected: a zero-length window is always a configuration mistake.
func ParseWindow(start, end string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("start: %w", err)
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("end: %w", err)
	}
	if s == e {
		return Window{}, errors.New("start and end must differ")
	}
	return Window{start: s, end: e}, nil
}

// Suppressed reports whether now falls inside the window.
func (w Window) Suppressed(now time.Time) bool {
	m := now.Hour()*60 + now.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	// Wraps midnight.
	return m >= w.start || m < w.end
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.start/60, w.start%60, w.end/60, w.end%60)
}
