package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/engine"
	"postpilot/internal/engine/retryset"
	"postpilot/internal/engine/slots"
	"postpilot/internal/engine/workqueue"
	"postpilot/internal/eventbus"
	"postpilot/internal/platform"
	logx "postpilot/pkg/logx"
)

// ScheduleOptions shape one Schedule call.
type ScheduleOptions struct {
	// At pins the publication to an exact instant. The optimizer is
	// bypassed entirely: no candidate search, no slot reservation.
	At *time.Time

	// LookaheadDays bounds the candidate search horizon. 0 means the
	// configured default (7); values outside 1..30 are rejected.
	LookaheadDays int
}

// Schedule accepts a job for publication and returns its snapshot. It
// errors only on request shape: empty content, unknown platform, bad
// lookahead. Downstream trouble (slot races, rate limits, transport
// failures) is handled by the drain loop and surfaces as retry/failed
// events, never as a Schedule error.
func (s *Service) Schedule(ctx context.Context, j *engine.Job, opts ScheduleOptions) (*engine.Job, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	if _, ok := s.reg.Lookup(j.Platform); !ok {
		return nil, engine.UnknownPlatformError{Platform: j.Platform}
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	now := s.clock()
	job := j.Clone()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	if opts.At != nil {
		return s.scheduleExact(ctx, job, *opts.At)
	}

	prio := s.priority(ctx, job, cfg)
	look := opts.LookaheadDays
	if look == 0 {
		look = cfg.LookaheadDays
	}
	cands, err := s.alloc.FindCandidates(job.Platform, job, look)
	if err != nil {
		return nil, err
	}

	job.Status = engine.StatusPending
	job.SetMeta(engine.MetaOptimized, true)

	s.jobMu.Lock()
	s.jobs[job.ID] = job
	snap := job.Clone()
	s.jobMu.Unlock()
	s.persist(ctx, snap)

	if len(cands) == 0 {
		// No open slot in the horizon counts as one exhausted attempt.
		s.noteExhausted(ctx, job.ID, 1, "no candidate slots", cfg)
		return snap, nil
	}

	s.queue.Enqueue(workqueue.Entry{Job: job, Priority: prio, Candidates: cands})
	s.kick()
	s.log.Debug("job queued",
		logx.String("job", job.ID),
		logx.String("platform", string(job.Platform)),
		logx.Int("priority", prio),
		logx.Int("candidates", len(cands)))
	return snap, nil
}

// scheduleExact records the job as scheduled for exactly at and arms a
// one-shot timer that publishes when the moment arrives. The allocator is
// never consulted on this path.
func (s *Service) scheduleExact(ctx context.Context, job *engine.Job, at time.Time) (*engine.Job, error) {
	t := at
	job.Status = engine.StatusScheduled
	job.ScheduledAt = &t
	job.SetMeta(engine.MetaOptimized, false)

	s.jobMu.Lock()
	s.jobs[job.ID] = job
	snap := job.Clone()
	s.jobMu.Unlock()
	s.persist(ctx, snap)

	s.armExactTimer(job.ID, t, 0)
	s.emit(engine.EventScheduled, snap, "")
	s.log.Debug("job pinned to exact time",
		logx.String("job", job.ID),
		logx.String("platform", string(job.Platform)),
		logx.Time("at", t))
	return snap, nil
}

// Cancel withdraws a job wherever it currently is: the queue, the retry
// set, an armed exact timer, a held reservation, and — when a remote post
// already exists — the platform, best effort. The job leaves the table;
// the cancelled event carries its final snapshot.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	s.jobMu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.jobMu.Unlock()
		return fmt.Errorf("%w: %s", engine.ErrNotFound, jobID)
	}
	delete(s.jobs, jobID)
	res, hadRes := s.reserved[jobID]
	delete(s.reserved, jobID)
	snap := job.Clone()
	s.jobMu.Unlock()

	s.queue.Remove(func(e workqueue.Entry) bool { return e.Job != nil && e.Job.ID == jobID })
	s.retries.Remove(jobID)
	s.disarmExact(jobID)
	if hadRes {
		s.alloc.Release(res)
	}
	if remoteID := metaString(snap, engine.MetaRemotePostID); remoteID != "" {
		if err := s.gw.Cancel(ctx, snap.Platform, remoteID); err != nil {
			s.log.Warn("remote cancel failed",
				logx.String("job", jobID),
				logx.String("remote_id", remoteID),
				logx.Err(err))
		}
	}
	if s.store != nil {
		if err := s.store.DeleteJob(ctx, jobID); err != nil {
			s.log.Warn("job delete failed", logx.String("job", jobID), logx.Err(err))
		}
	}

	snap.Status = engine.StatusCancelled
	s.emit(engine.EventCancelled, snap, "")
	s.log.Debug("job cancelled", logx.String("job", jobID))
	return nil
}

// GetStatus returns a snapshot of the job, or ErrNotFound.
func (s *Service) GetStatus(jobID string) (*engine.Job, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrNotFound, jobID)
	}
	return job.Clone(), nil
}

// ListAll returns snapshots of every tracked job, oldest first, id as the
// tiebreak. Cancelled jobs are gone and do not appear.
func (s *Service) ListAll() []*engine.Job {
	s.jobMu.Lock()
	out := make([]*engine.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	s.jobMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetAvailableSlots exposes the allocator's candidate search without a
// job: neutral scoring, no urgency bonus.
func (s *Service) GetAvailableSlots(p platform.ID, lookaheadDays int) ([]slots.TimeSlot, error) {
	return s.alloc.FindCandidates(p, nil, lookaheadDays)
}

// On subscribes fn to one event kind and returns its unsubscribe func.
// Handlers run synchronously in subscription order when the transition
// happens; a panic in one is recovered and logged, the rest still run.
func (s *Service) On(kind engine.EventKind, fn Handler) func() {
	if fn == nil {
		return func() {}
	}
	s.hmu.Lock()
	id := s.hSeq
	s.hSeq++
	s.handlers[id] = handlerReg{kind: kind, fn: fn}
	s.hmu.Unlock()

	return func() {
		s.hmu.Lock()
		delete(s.handlers, id)
		s.hmu.Unlock()
	}
}

// emit dispatches one lifecycle event to subscribed handlers and mirrors
// it onto the process bus. Always called outside state locks.
func (s *Service) emit(kind engine.EventKind, snap *engine.Job, errMsg string) {
	ev := engine.Event{Kind: kind, At: s.clock(), Job: snap, Err: errMsg}

	s.hmu.Lock()
	ids := make([]uint64, 0, len(s.handlers))
	for id, h := range s.handlers {
		if h.kind == kind {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Handler, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.handlers[id].fn)
	}
	s.hmu.Unlock()

	for _, fn := range fns {
		s.callHandler(kind, fn, ev)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "engine.job." + string(kind), Time: ev.At, Data: ev})
	}
}

func (s *Service) callHandler(kind engine.EventKind, fn Handler, ev engine.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panicked",
				logx.String("kind", string(kind)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	fn(ev)
}

// priority scores a job for queue ordering: base 0, +30 trending, +20
// promoted, +50 urgent, plus an age bonus of one point per hour since
// creation capped at 20. With analytics on and data present the total is
// scaled by engagement; absence or a source error never boosts.
func (s *Service) priority(ctx context.Context, j *engine.Job, cfg Config) int {
	p := 0
	if j.Trending {
		p += 30
	}
	if j.Promoted {
		p += 20
	}
	if j.Urgent {
		p += 50
	}
	if age := s.clock().Sub(j.CreatedAt).Hours(); age > 0 {
		bonus := int(age)
		if bonus > 20 {
			bonus = 20
		}
		p += bonus
	}
	if cfg.EnableAnalytics && s.an != nil {
		if perf, err := s.an.PlatformPerformance(ctx, j.Platform); err == nil {
			p = int(float64(p) * (1 + perf.AvgEngagement*10/100))
		}
	}
	return p
}

// noteExhausted books one failed scheduling attempt: metadata, a retry-set
// entry with linear backoff (delay × attempt number), and a retry event.
func (s *Service) noteExhausted(ctx context.Context, jobID string, attempts int, msg string, cfg Config) {
	s.jobMu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.jobMu.Unlock()
		return
	}
	job.SetMeta(engine.MetaAttempts, attempts)
	job.SetMeta(engine.MetaLastError, msg)
	snap := job.Clone()
	s.jobMu.Unlock()

	s.retries.Schedule(retryset.Entry{
		JobID:       jobID,
		Attempts:    attempts,
		NextAttempt: s.clock().Add(time.Duration(attempts) * cfg.RetryDelay),
	})
	s.persist(ctx, snap)
	s.emit(engine.EventRetry, snap, msg)
	s.log.Debug("attempt exhausted",
		logx.String("job", jobID),
		logx.Int("attempts", attempts),
		logx.String("reason", msg))
}
