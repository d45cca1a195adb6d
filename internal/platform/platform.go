// Package platform holds per-platform publishing profiles: optimal posting
// windows, minimum inter-post spacing, and gateway budgets. The registry is
// instance-owned and injected; nothing in this repo keys platform behavior
// off a global.
package platform

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ID names a publishing platform. The set is open: any registered id is
// valid, the constants below are the ones shipped with defaults.
type ID string

const (
	Instagram ID = "instagram"
	TikTok    ID = "tiktok"
	Facebook  ID = "facebook"
	LinkedIn  ID = "linkedin"
	Telegram  ID = "telegram"
)

// Window is an optimal posting window within a scheduling day,
// half-open over whole hours: [StartHour, EndHour).
type Window struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:00-%02d:00", w.StartHour, w.EndHour)
}

func (w Window) validate() error {
	if w.StartHour < 0 || w.EndHour > 24 || w.StartHour >= w.EndHour {
		return fmt.Errorf("window %s: hours must satisfy 0 <= start < end <= 24", w)
	}
	return nil
}

// ParseWindow parses "16-19", "16:00-19:00" or mixed forms. Minutes, when
// present, must be 00: windows are hour-granular.
func ParseWindow(s string) (Window, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("window %q: want START-END", s)
	}
	start, err := parseHour(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	end, err := parseHour(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	w := Window{StartHour: start, EndHour: end}
	if err := w.validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

func parseHour(s string) (int, error) {
	s = strings.TrimSpace(s)
	if h, m, ok := strings.Cut(s, ":"); ok {
		if m != "00" {
			return 0, fmt.Errorf("hour %q: minutes must be 00", s)
		}
		s = h
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("hour %q: %v", s, err)
	}
	return n, nil
}

// Profile describes how one platform wants to be published to.
type Profile struct {
	ID         ID            `json:"id"`
	Windows    []Window      `json:"windows"`
	MinGap     time.Duration `json:"min_gap"`      // minimum spacing between posts; also the slot length
	QuotaLimit int           `json:"quota_limit"`  // publishes per wall-clock hour window
	RatePerSec float64       `json:"rate_per_sec"` // outbound request pacing
	Publisher  string        `json:"publisher"`    // publisher implementation name ("sim", "telegram", ...)
	Timezone   string        `json:"timezone"`     // advisory; slot days are UTC-bounded
}

func (p Profile) withDefaults() Profile {
	if p.MinGap <= 0 {
		p.MinGap = 60 * time.Minute
	}
	if p.QuotaLimit <= 0 {
		p.QuotaLimit = 30
	}
	if p.RatePerSec <= 0 {
		p.RatePerSec = 1
	}
	if p.Publisher == "" {
		p.Publisher = "sim"
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	return p
}

func (p Profile) validate() error {
	if strings.TrimSpace(string(p.ID)) == "" {
		return fmt.Errorf("profile with empty platform id")
	}
	if len(p.Windows) == 0 {
		return fmt.Errorf("platform %s: at least one posting window required", p.ID)
	}
	for _, w := range p.Windows {
		if err := w.validate(); err != nil {
			return fmt.Errorf("platform %s: %w", p.ID, err)
		}
	}
	return nil
}

// Defaults returns the built-in profiles used when config omits a platform.
func Defaults() []Profile {
	return []Profile{
		{ID: Instagram, Windows: []Window{{11, 13}, {19, 21}}, MinGap: 90 * time.Minute, QuotaLimit: 25},
		{ID: TikTok, Windows: []Window{{16, 19}}, MinGap: 60 * time.Minute, QuotaLimit: 20},
		{ID: Facebook, Windows: []Window{{9, 11}, {15, 17}}, MinGap: 120 * time.Minute, QuotaLimit: 50},
		{ID: LinkedIn, Windows: []Window{{8, 10}, {12, 14}}, MinGap: 180 * time.Minute, QuotaLimit: 30},
		{ID: Telegram, Windows: []Window{{9, 21}}, MinGap: 30 * time.Minute, QuotaLimit: 60, Publisher: "telegram"},
	}
}

// Registry is the instance-owned profile set. Lookup is cheap; Apply swaps
// the whole set (hot reload).
type Registry struct {
	mu       sync.Mutex
	profiles map[ID]Profile
}

func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[ID]Profile, len(profiles))}
	if err := r.Apply(profiles); err != nil {
		return nil, err
	}
	return r, nil
}

// Apply validates and swaps the profile set. On error the previous set is
// kept intact.
func (r *Registry) Apply(profiles []Profile) error {
	next := make(map[ID]Profile, len(profiles))
	for _, p := range profiles {
		p = p.withDefaults()
		if err := p.validate(); err != nil {
			return err
		}
		if _, dup := next[p.ID]; dup {
			return fmt.Errorf("platform %s: duplicate profile", p.ID)
		}
		next[p.ID] = p
	}
	r.mu.Lock()
	r.profiles = next
	r.mu.Unlock()
	return nil
}

// Lookup returns the profile for id.
func (r *Registry) Lookup(id ID) (Profile, bool) {
	r.mu.Lock()
	p, ok := r.profiles[id]
	r.mu.Unlock()
	return p, ok
}

// IDs returns the registered platform ids, sorted for deterministic iteration.
func (r *Registry) IDs() []ID {
	r.mu.Lock()
	ids := make([]ID, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len reports the number of registered profiles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.profiles)
}
