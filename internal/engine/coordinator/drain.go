package coordinator

import (
	"context"
	"errors"
	"time"

	"postpilot/internal/engine"
	"postpilot/internal/engine/retryset"
	"postpilot/internal/engine/slots"
	"postpilot/internal/engine/workqueue"
	logx "postpilot/pkg/logx"
)

// kick nudges the drain loop. The buffer of one coalesces bursts; a kick
// while a drain pass is running means at most one extra pass, so
// triggering is re-entrant and never stacks loops.
func (s *Service) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// drain is the single consumer of the work queue. One goroutine runs it;
// the queue's ordering (priority desc, FIFO ties) decides what publishes
// first.
func (s *Service) drain(ctx context.Context, stopCh chan struct{}, kick chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-kick:
		}
		for {
			e, ok := s.queue.Dequeue()
			if !ok {
				break
			}
			s.processEntry(ctx, e)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// processEntry walks the entry's candidates best-first: reserve, publish,
// done. Reserve's internal re-check is the availability recheck; losing
// it just means the next candidate. A publish failure releases the slot
// and moves on. Exhausting every candidate books a retry. Nothing a single
// job does escapes this method.
func (s *Service) processEntry(ctx context.Context, e workqueue.Entry) {
	if e.Job == nil {
		return
	}
	jobID := e.Job.ID

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	s.jobMu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != engine.StatusPending {
		// Cancelled (or already placed) while queued.
		s.jobMu.Unlock()
		return
	}
	snap := job.Clone()
	s.jobMu.Unlock()

	var lastErr error
	for _, cand := range e.Candidates {
		if ctx.Err() != nil {
			return
		}
		if err := s.alloc.Reserve(cand); err != nil {
			if errors.Is(err, engine.ErrSlotUnavailable) {
				continue
			}
			lastErr = err
			break
		}

		rcpt, err := s.gw.Publish(ctx, snap, cand)
		if err != nil {
			s.alloc.Release(cand)
			lastErr = err
			s.log.Debug("publish failed, trying next slot",
				logx.String("job", jobID),
				logx.Time("slot", cand.Start),
				logx.Err(err))
			continue
		}

		s.jobMu.Lock()
		live, still := s.jobs[jobID]
		if !still {
			s.jobMu.Unlock()
			// Cancelled while the publish was in flight: undo both sides.
			if cerr := s.gw.Cancel(ctx, cand.Platform, rcpt.RemoteID); cerr != nil {
				s.log.Warn("post-cancel remote undo failed",
					logx.String("job", jobID),
					logx.String("remote_id", rcpt.RemoteID),
					logx.Err(cerr))
			}
			s.alloc.Release(cand)
			return
		}
		start := cand.Start
		live.Status = engine.StatusScheduled
		live.ScheduledAt = &start
		live.SetMeta(engine.MetaRemotePostID, rcpt.RemoteID)
		live.SetMeta(engine.MetaSlotScore, cand.Score)
		live.SetMeta(engine.MetaSlotStart, cand.Start.UTC().Format(time.RFC3339Nano))
		live.SetMeta(engine.MetaSlotEnd, cand.End.UTC().Format(time.RFC3339Nano))
		live.SetMeta(engine.MetaAttempts, e.Attempts)
		s.reserved[jobID] = cand
		out := live.Clone()
		s.jobMu.Unlock()

		s.persist(ctx, out)
		s.emit(engine.EventScheduled, out, "")
		s.log.Debug("job scheduled",
			logx.String("job", jobID),
			logx.String("platform", string(cand.Platform)),
			logx.Time("slot", cand.Start),
			logx.Float64("score", cand.Score),
			logx.String("remote_id", rcpt.RemoteID))
		return
	}

	msg := "no candidate slots"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	s.noteExhausted(ctx, jobID, e.Attempts+1, msg, cfg)
}

// sweep pops due retry entries. Jobs at the attempt bound fail here (the
// bound is enforced by the sweep, not inline); everything else is
// resubmitted: exact-time jobs re-attempt their pinned publish, optimizer
// jobs get a fresh candidate search at their current priority.
func (s *Service) sweep(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	now := s.clock()
	for _, e := range s.retries.Due(now) {
		s.jobMu.Lock()
		job, ok := s.jobs[e.JobID]
		if !ok || job.Status.Terminal() {
			s.jobMu.Unlock()
			continue
		}
		if e.Attempts >= cfg.MaxRetryAttempts {
			job.Status = engine.StatusFailed
			job.SetMeta(engine.MetaAttempts, e.Attempts)
			snap := job.Clone()
			s.jobMu.Unlock()

			s.persist(ctx, snap)
			s.emit(engine.EventFailed, snap, metaString(snap, engine.MetaLastError))
			s.log.Info("job failed, retries exhausted",
				logx.String("job", e.JobID),
				logx.Int("attempts", e.Attempts))
			continue
		}
		s.jobMu.Unlock()

		if e.Exact {
			// Re-attempt the pinned publish now.
			s.armExactTimer(e.JobID, now, e.Attempts)
		} else {
			s.resubmit(ctx, e.JobID, e.Attempts, cfg)
		}
	}
}

// resubmit runs a fresh scheduling pass for a retried job: recomputed
// priority (the age bonus keeps growing), fresh candidates, back into the
// queue carrying its attempt count.
func (s *Service) resubmit(ctx context.Context, jobID string, attempts int, cfg Config) {
	s.jobMu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != engine.StatusPending {
		s.jobMu.Unlock()
		return
	}
	snap := job.Clone()
	s.jobMu.Unlock()

	prio := s.priority(ctx, snap, cfg)
	cands, err := s.alloc.FindCandidates(snap.Platform, snap, cfg.LookaheadDays)
	if err != nil {
		s.noteExhausted(ctx, jobID, attempts+1, err.Error(), cfg)
		return
	}
	if len(cands) == 0 {
		s.noteExhausted(ctx, jobID, attempts+1, "no candidate slots", cfg)
		return
	}

	s.jobMu.Lock()
	live, still := s.jobs[jobID]
	if !still || live.Status != engine.StatusPending {
		s.jobMu.Unlock()
		return
	}
	s.queue.Enqueue(workqueue.Entry{Job: live, Priority: prio, Candidates: cands, Attempts: attempts})
	s.jobMu.Unlock()
	s.kick()
	s.log.Debug("job resubmitted",
		logx.String("job", jobID),
		logx.Int("attempts", attempts),
		logx.Int("priority", prio))
}

// armExactTimer (re)arms the one-shot publish for an exact-time job. The
// version guard makes a stopped or replaced timer's callback a no-op, so a
// job never publishes twice from stale timers.
func (s *Service) armExactTimer(jobID string, at time.Time, attempts int) {
	delay := at.Sub(s.clock())
	if delay < 0 {
		delay = 0
	}

	s.tmu.Lock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
	}
	ver := s.timerVer[jobID] + 1
	s.timerVer[jobID] = ver

	s.timers[jobID] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		cur, ok := s.timerVer[jobID]
		if !ok || cur != ver {
			s.tmu.Unlock()
			return
		}
		delete(s.timers, jobID)
		delete(s.timerVer, jobID)
		s.tmu.Unlock()

		s.publishExact(jobID, attempts)
	})
	s.tmu.Unlock()
}

func (s *Service) disarmExact(jobID string) {
	s.tmu.Lock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
	delete(s.timerVer, jobID)
	s.tmu.Unlock()
}

func (s *Service) disarmAllTimers() {
	s.tmu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
	s.timerVer = make(map[string]uint64)
	s.tmu.Unlock()
}

// publishExact delivers an exact-time job at its pinned instant. The slot
// is synthetic — [T, T+MinGap) purely for the gateway's bookkeeping — and
// never goes through the allocator. Failure books a pinned retry; the
// sweep enforces the attempt bound.
func (s *Service) publishExact(jobID string, attempts int) {
	s.mu.Lock()
	cfg := s.cfg
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.jobMu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != engine.StatusScheduled || job.ScheduledAt == nil {
		s.jobMu.Unlock()
		return
	}
	snap := job.Clone()
	s.jobMu.Unlock()

	gap := time.Hour
	if prof, ok := s.reg.Lookup(snap.Platform); ok {
		gap = prof.MinGap
	}
	at := *snap.ScheduledAt
	slot := slots.TimeSlot{Start: at, End: at.Add(gap), Platform: snap.Platform}

	rcpt, err := s.gw.Publish(ctx, snap, slot)
	if err != nil {
		next := attempts + 1
		s.jobMu.Lock()
		if live, still := s.jobs[jobID]; still {
			live.SetMeta(engine.MetaAttempts, next)
			live.SetMeta(engine.MetaLastError, err.Error())
			snap = live.Clone()
		} else {
			s.jobMu.Unlock()
			return
		}
		s.jobMu.Unlock()

		s.retries.Schedule(retryset.Entry{
			JobID:       jobID,
			Attempts:    next,
			NextAttempt: s.clock().Add(time.Duration(next) * cfg.RetryDelay),
			Exact:       true,
		})
		s.persist(ctx, snap)
		s.emit(engine.EventRetry, snap, err.Error())
		s.log.Debug("exact-time publish failed",
			logx.String("job", jobID),
			logx.Int("attempts", next),
			logx.Err(err))
		return
	}

	s.jobMu.Lock()
	live, still := s.jobs[jobID]
	if !still {
		s.jobMu.Unlock()
		// Cancelled while the publish was in flight: undo remotely.
		if cerr := s.gw.Cancel(ctx, snap.Platform, rcpt.RemoteID); cerr != nil {
			s.log.Warn("post-cancel remote undo failed",
				logx.String("job", jobID),
				logx.String("remote_id", rcpt.RemoteID),
				logx.Err(cerr))
		}
		return
	}
	live.Status = engine.StatusPublished
	live.SetMeta(engine.MetaRemotePostID, rcpt.RemoteID)
	out := live.Clone()
	s.jobMu.Unlock()

	s.persist(ctx, out)
	s.emit(engine.EventPublished, out, "")
	s.log.Info("job published at exact time",
		logx.String("job", jobID),
		logx.String("platform", string(out.Platform)),
		logx.String("remote_id", rcpt.RemoteID))
}
