// Package gateway is the rate-limited boundary between the engine and
// platform publishers. Everything outbound passes through it: pacing,
// hourly quota windows, and conversion of whatever a publisher throws —
// errors or panics — into the engine's error taxonomy.
package gateway

import (
	"context"
	"time"

	"postpilot/internal/engine"
	"postpilot/internal/engine/slots"
)

// Publisher is the remote platform seam. Implementations register a post
// for the slot (platforms with native scheduling) or deliver it outright
// (platforms without; delivery then happens when the engine commits).
type Publisher interface {
	// Publish registers/delivers the job's content for the slot and
	// returns the platform's post id.
	Publish(ctx context.Context, req Request) (Receipt, error)

	// Cancel revokes a previously published post by its remote id.
	Cancel(ctx context.Context, remoteID string) error
}

// Request is one outbound publish call.
type Request struct {
	Job  *engine.Job
	Slot slots.TimeSlot
}

// Receipt reports a successful publish.
type Receipt struct {
	RemoteID    string    `json:"remote_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Config tunes gateway behavior. Per-platform limits and pacing rates come
// from the platform registry; this holds only the policy knobs.
type Config struct {
	// QuotaWait: when the hourly quota is exhausted, block (bounded by the
	// window boundary and the caller's context) and retry once. When
	// false, fail fast with ErrRateLimited.
	QuotaWait bool
}
