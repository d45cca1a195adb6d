// Package engine defines the shared vocabulary of the scheduling engine:
// the publishing Job and its lifecycle, the event kinds emitted on
// transitions, and the error taxonomy every engine component reports with.
//
// The moving parts live in subpackages: workqueue (priority queue), slots
// (candidate search + reservations), gateway (rate-limited publishing),
// retryset (deferred re-attempts) and coordinator (orchestration + API).
package engine
