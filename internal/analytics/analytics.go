// Package analytics provides the engine's view of platform performance:
// one numeric summary per platform. Aggregation happens elsewhere; the
// coordinator only consumes the summary to boost priorities, and treats
// absence or error as "no boost".
package analytics

import (
	"context"
	"errors"
	"sync"

	"postpilot/internal/platform"
)

// ErrNoData means the source has nothing for that platform.
var ErrNoData = errors.New("no analytics data")

// Performance is the per-platform summary.
type Performance struct {
	AvgEngagement float64 `json:"avg_engagement"`
	BestHour      int     `json:"best_hour"`
	BestDay       int     `json:"best_day"`
}

// Source is the collaborator seam.
type Source interface {
	PlatformPerformance(ctx context.Context, p platform.ID) (Performance, error)
}

// Static serves config-fed summaries. The daemon's default source.
type Static struct {
	mu   sync.Mutex
	data map[platform.ID]Performance
}

func NewStatic(data map[platform.ID]Performance) *Static {
	s := &Static{}
	s.Apply(data)
	return s
}

// Apply swaps the summary set (hot reload).
func (s *Static) Apply(data map[platform.ID]Performance) {
	cp := make(map[platform.ID]Performance, len(data))
	for k, v := range data {
		cp[k] = v
	}
	s.mu.Lock()
	s.data = cp
	s.mu.Unlock()
}

func (s *Static) PlatformPerformance(_ context.Context, p platform.ID) (Performance, error) {
	s.mu.Lock()
	perf, ok := s.data[p]
	s.mu.Unlock()
	if !ok {
		return Performance{}, ErrNoData
	}
	return perf, nil
}

// Disabled never returns data. Used when analytics boosting is turned off
// or no source is wired.
type Disabled struct{}

func (Disabled) PlatformPerformance(context.Context, platform.ID) (Performance, error) {
	return Performance{}, ErrNoData
}
