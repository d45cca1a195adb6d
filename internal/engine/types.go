package engine

import (
	"strings"
	"time"

	"postpilot/internal/platform"
)

// Status is a job's lifecycle state. The coordinator is the single writer;
// everyone else sees snapshots.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is expected. Scheduled is
// terminal for slot-optimized jobs; exact-time jobs move on to published or
// failed when their timer fires.
func (s Status) Terminal() bool {
	switch s {
	case StatusPublished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Metadata keys written by the coordinator.
const (
	MetaSlotScore    = "slot_score"
	MetaSlotStart    = "slot_start"
	MetaSlotEnd      = "slot_end"
	MetaRemotePostID = "remote_post_id"
	MetaAttempts     = "attempts"
	MetaLastError    = "last_error"
	MetaOptimized    = "optimized"
)

// Job is one piece of content to publish on one platform.
//
// Content is opaque to the engine: no rendering, no validation beyond
// non-emptiness. Metadata is a free bag the coordinator annotates with
// scheduling facts (slot score, remote post id, attempt count, last error).
type Job struct {
	ID        string      `json:"id"`
	Platform  platform.ID `json:"platform"`
	Content   string      `json:"content"`
	Urgent    bool        `json:"urgent,omitempty"`
	Promoted  bool        `json:"promoted,omitempty"`
	Trending  bool        `json:"is_trending,omitempty"`
	CreatedAt time.Time   `json:"created_at"`

	Status      Status         `json:"status"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy for handing out: metadata map and
// scheduled-time pointer are duplicated, content is shared (immutable
// string).
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.ScheduledAt != nil {
		t := *j.ScheduledAt
		cp.ScheduledAt = &t
	}
	if j.Metadata != nil {
		cp.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// SetMeta writes a metadata key, allocating the bag on first use.
func (j *Job) SetMeta(key string, v any) {
	if j.Metadata == nil {
		j.Metadata = make(map[string]any, 4)
	}
	j.Metadata[key] = v
}

// Validate checks request shape only. Lifecycle fields are the
// coordinator's business.
func (j *Job) Validate() error {
	if j == nil {
		return ErrInvalidArgument
	}
	if strings.TrimSpace(j.Content) == "" {
		return invalidArgf("job content is empty")
	}
	if strings.TrimSpace(string(j.Platform)) == "" {
		return invalidArgf("job platform is empty")
	}
	return nil
}
