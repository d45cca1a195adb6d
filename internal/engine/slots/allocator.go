package slots

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"postpilot/internal/engine"
	"postpilot/internal/platform"
)

// Allocator owns the reservation book. All availability decisions for a
// platform happen inside that platform's critical section; the check in
// Reserve is the one that counts, IsAvailable alone is only a hint.
type Allocator struct {
	reg   *platform.Registry
	clock func() time.Time

	mu     sync.Mutex // guards states map, not the books
	states map[platform.ID]*state
}

// state is one platform's reservation book. Its mutex is the platform's
// exclusion section.
type state struct {
	mu       sync.Mutex
	reserved []TimeSlot
}

type Option func(*Allocator)

// WithClock overrides the time source. Tests pin it.
func WithClock(clock func() time.Time) Option {
	return func(a *Allocator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

func NewAllocator(reg *platform.Registry, opts ...Option) *Allocator {
	a := &Allocator{
		reg:    reg,
		clock:  time.Now,
		states: make(map[platform.ID]*state),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Allocator) state(p platform.ID) *state {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[p]
	if !ok {
		st = &state{}
		a.states[p] = st
	}
	return st
}

// FindCandidates generates scored candidate slots for the job over the
// lookahead horizon. lookaheadDays 0 means the default (7); values outside
// [1, 30] are rejected with ErrInvalidArgument. Unregistered platforms get
// ErrUnknownPlatform. The scan is read-only: no reservation changes, ever.
//
// Days are bounded in UTC; profile timezones stay advisory.
func (a *Allocator) FindCandidates(p platform.ID, j *engine.Job, lookaheadDays int) ([]TimeSlot, error) {
	if lookaheadDays == 0 {
		lookaheadDays = DefaultLookaheadDays
	}
	if lookaheadDays < MinLookaheadDays || lookaheadDays > MaxLookaheadDays {
		return nil, engine.InvalidArgumentf("lookahead %d days outside %d..%d",
			lookaheadDays, MinLookaheadDays, MaxLookaheadDays)
	}
	prof, ok := a.reg.Lookup(p)
	if !ok {
		return nil, engine.UnknownPlatformError{Platform: p}
	}

	now := a.clock().UTC()
	today := now.Truncate(24 * time.Hour)
	urgent := j != nil && j.Urgent

	st := a.state(p)
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []TimeSlot
	for d := 0; d < lookaheadDays; d++ {
		day := today.AddDate(0, 0, d)
		for _, w := range prof.Windows {
			ws := day.Add(time.Duration(w.StartHour) * time.Hour)
			we := day.Add(time.Duration(w.EndHour) * time.Hour)
			// Subdivide the window into MinGap-length slots; a tail
			// shorter than one gap yields nothing.
			for s := ws; !s.Add(prof.MinGap).After(we); s = s.Add(prof.MinGap) {
				if !s.After(now) {
					continue // already started
				}
				slot := TimeSlot{Start: s, End: s.Add(prof.MinGap), Platform: p}
				if !st.freeLocked(slot) {
					continue
				}
				slot.Score = scoreSlot(slot, urgent, now)
				out = append(out, slot)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

// scoreSlot: base + optimal-window bonus, plus an urgency bonus that decays
// with hours until the slot. Clamped to [0, 1].
func scoreSlot(s TimeSlot, urgent bool, now time.Time) float64 {
	score := baseScore + windowBonus
	if urgent {
		hoursUntil := s.Start.Sub(now).Hours()
		if hoursUntil < 0 {
			hoursUntil = 0
		}
		score += urgencyWeight / (1 + hoursUntil)
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// IsAvailable reports whether the slot conflicts with no current
// reservation. The answer can go stale the moment the lock is released;
// Reserve re-checks.
func (a *Allocator) IsAvailable(s TimeSlot) bool {
	st := a.state(s.Platform)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.freeLocked(s)
}

func (st *state) freeLocked(s TimeSlot) bool {
	for _, r := range st.reserved {
		if Overlaps(r, s) {
			return false
		}
	}
	return true
}

// Reserve claims the slot. Check and claim happen in one critical section:
// of two concurrent callers for overlapping slots exactly one wins, the
// other gets ErrSlotUnavailable.
func (a *Allocator) Reserve(s TimeSlot) error {
	if err := s.validate(); err != nil {
		return err
	}
	if _, ok := a.reg.Lookup(s.Platform); !ok {
		return engine.UnknownPlatformError{Platform: s.Platform}
	}

	st := a.state(s.Platform)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.freeLocked(s) {
		return fmt.Errorf("%w: %s [%s, %s)", engine.ErrSlotUnavailable, s.Platform,
			s.Start.UTC().Format(time.RFC3339), s.End.UTC().Format(time.RFC3339))
	}
	st.reserved = append(st.reserved, s)
	return nil
}

// Release drops the reservation matching the slot's exact interval.
// Cancelled jobs and failed publishes must give their slot back.
func (a *Allocator) Release(s TimeSlot) bool {
	st := a.state(s.Platform)
	st.mu.Lock()
	defer st.mu.Unlock()

	for i, r := range st.reserved {
		if r.Start.Equal(s.Start) && r.End.Equal(s.End) {
			st.reserved = append(st.reserved[:i], st.reserved[i+1:]...)
			return true
		}
	}
	return false
}

// Cleanup purges reservations whose End is at or before now. Idempotent;
// takes each platform's lock the same way Reserve does. Returns the number
// purged.
func (a *Allocator) Cleanup() int {
	now := a.clock()

	a.mu.Lock()
	states := make([]*state, 0, len(a.states))
	for _, st := range a.states {
		states = append(states, st)
	}
	a.mu.Unlock()

	purged := 0
	for _, st := range states {
		st.mu.Lock()
		kept := st.reserved[:0]
		for _, r := range st.reserved {
			if r.End.After(now) {
				kept = append(kept, r)
			} else {
				purged++
			}
		}
		st.reserved = kept
		st.mu.Unlock()
	}
	return purged
}

// Reserved returns a copy of the platform's current reservations, ordered
// by start time. Diagnostics and tests.
func (a *Allocator) Reserved(p platform.ID) []TimeSlot {
	st := a.state(p)
	st.mu.Lock()
	out := make([]TimeSlot, len(st.reserved))
	copy(out, st.reserved)
	st.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Snapshot returns all reservations keyed by platform.
func (a *Allocator) Snapshot() map[platform.ID][]TimeSlot {
	a.mu.Lock()
	ids := make([]platform.ID, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	out := make(map[platform.ID][]TimeSlot, len(ids))
	for _, id := range ids {
		if rs := a.Reserved(id); len(rs) > 0 {
			out[id] = rs
		}
	}
	return out
}
