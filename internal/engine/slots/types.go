// Package slots finds candidate publishing slots and tracks reservations
// per platform.
package slots

import (
	"strings"
	"time"

	"postpilot/internal/engine"
	"postpilot/internal/platform"
)

// Lookahead bounds for candidate search, in days.
const (
	DefaultLookaheadDays = 7
	MinLookaheadDays     = 1
	MaxLookaheadDays     = 30
)

// Scoring weights. Every generated slot sits inside an optimal window, so
// the window bonus is structural; it stays a separate term so slots built
// by hand (exact-time pins, tests) score honestly.
const (
	baseScore     = 0.45
	windowBonus   = 0.35
	urgencyWeight = 0.20
)

// TimeSlot is a half-open interval [Start, End) on one platform's
// calendar. Slots are plain values; reserving one stores a copy, so a
// caller mutating its slot afterwards cannot corrupt the book.
type TimeSlot struct {
	Start    time.Time   `json:"start"`
	End      time.Time   `json:"end"`
	Platform platform.ID `json:"platform"`
	Score    float64     `json:"score"`
}

// NewSlot builds a validated slot. Start must precede End.
func NewSlot(start, end time.Time, p platform.ID) (TimeSlot, error) {
	s := TimeSlot{Start: start, End: end, Platform: p}
	if err := s.validate(); err != nil {
		return TimeSlot{}, err
	}
	return s, nil
}

func (s TimeSlot) validate() error {
	if strings.TrimSpace(string(s.Platform)) == "" {
		return engine.InvalidArgumentf("slot platform is empty")
	}
	if s.Start.IsZero() || s.End.IsZero() || !s.Start.Before(s.End) {
		return engine.InvalidArgumentf("slot start must precede end (got [%s, %s))",
			s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
	}
	return nil
}

// Overlaps reports half-open interval conflict: a.Start < b.End &&
// a.End > b.Start. Back-to-back slots ([10:00,10:30) then [10:30,11:00))
// do not overlap.
func Overlaps(a, b TimeSlot) bool {
	return a.Start.Before(b.End) && a.End.After(b.Start)
}
