// Package coordinator orchestrates the scheduling engine: it owns the job
// table, computes priorities, finds and reserves slots, drives publishes
// through the gateway, and runs the retry and cleanup cadences. It is the
// single writer of job status; every other component sees snapshots.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/analytics"
	"postpilot/internal/engine"
	"postpilot/internal/engine/gateway"
	"postpilot/internal/engine/retryset"
	"postpilot/internal/engine/slots"
	"postpilot/internal/engine/workqueue"
	"postpilot/internal/eventbus"
	"postpilot/internal/platform"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// Config tunes the coordinator. Zero values fall back to the documented
// defaults (3 attempts, 30s linear retry delay, 10s sweep, hourly cleanup,
// 7 day lookahead).
type Config struct {
	MaxRetryAttempts int
	RetryDelay       time.Duration
	SweepInterval    time.Duration
	CleanupInterval  time.Duration
	LookaheadDays    int
	EnableAnalytics  bool
	Timezone         string
}

func (c Config) withDefaults() Config {
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.LookaheadDays <= 0 {
		c.LookaheadDays = slots.DefaultLookaheadDays
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	return c
}

// SlotSource is the coordinator's view of the slot allocator.
// *slots.Allocator satisfies it.
type SlotSource interface {
	FindCandidates(p platform.ID, j *engine.Job, lookaheadDays int) ([]slots.TimeSlot, error)
	Reserve(s slots.TimeSlot) error
	Release(s slots.TimeSlot) bool
	Cleanup() int
}

// PublishGateway is the coordinator's view of the rate-limited gateway.
// *gateway.Gateway satisfies it.
type PublishGateway interface {
	Publish(ctx context.Context, j *engine.Job, s slots.TimeSlot) (gateway.Receipt, error)
	Cancel(ctx context.Context, p platform.ID, remoteID string) error
}

// Deps are the coordinator's collaborators. Analytics and Store may be nil
// (no priority boost, no persistence); the rest are required.
type Deps struct {
	Registry  *platform.Registry
	Slots     SlotSource
	Gateway   PublishGateway
	Analytics analytics.Source
	Store     storage.Store
}

// Handler observes job lifecycle events. Handlers run synchronously on the
// emitting goroutine; a panicking handler is recovered and logged without
// affecting the others.
type Handler func(e engine.Event)

type handlerReg struct {
	kind engine.EventKind
	fn   Handler
}

type Service struct {
	mu       sync.Mutex // guards cfg + lifecycle fields below
	cfg      Config
	runCtx   context.Context
	sup      *rtsup.Supervisor
	cron     *cron.Cron
	stopCh   chan struct{}
	stopDone chan struct{}

	log logx.Logger
	bus eventbus.Bus

	reg   *platform.Registry
	alloc SlotSource
	gw    PublishGateway
	an    analytics.Source
	store storage.Store

	queue   *workqueue.Queue
	retries *retryset.Set
	parser  cron.Parser
	clock   func() time.Time
	kickCh  chan struct{}

	jobMu    sync.Mutex
	jobs     map[string]*engine.Job
	reserved map[string]slots.TimeSlot // jobID -> held reservation

	tmu      sync.Mutex
	timers   map[string]*time.Timer // jobID -> armed exact-time publish
	timerVer map[string]uint64

	hmu      sync.Mutex
	handlers map[uint64]handlerReg
	hSeq     uint64
}

type Option func(*Service)

// WithClock overrides the time source. Tests pin it.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("svc", "coordinator")),
		bus:      bus,
		reg:      deps.Registry,
		alloc:    deps.Slots,
		gw:       deps.Gateway,
		an:       deps.Analytics,
		store:    deps.Store,
		queue:    workqueue.New(),
		retries:  retryset.New(),
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		clock:    time.Now,
		kickCh:   make(chan struct{}, 1),
		jobs:     make(map[string]*engine.Job),
		reserved: make(map[string]slots.TimeSlot),
		timers:   make(map[string]*time.Timer),
		timerVer: make(map[string]uint64),
		handlers: make(map[uint64]handlerReg),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start is idempotent. It restores persisted jobs, starts the drain loop
// under the supervisor and the maintenance cadences under cron.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	kick := s.kickCh

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.runCtx = sup.Context()
	runCtx := s.runCtx
	s.mu.Unlock()

	s.restore(runCtx)

	sup.GoRestart("drain", func(c context.Context) error {
		s.drain(c, stopCh, kick)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("drain exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)

	c := s.newCron(cfg)
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	s.kick()
	s.log.Info("coordinator started",
		logx.Int("max_retry_attempts", cfg.MaxRetryAttempts),
		logx.Duration("retry_delay", cfg.RetryDelay),
		logx.Duration("sweep", cfg.SweepInterval),
		logx.Duration("cleanup", cfg.CleanupInterval),
		logx.Int("lookahead_days", cfg.LookaheadDays),
		logx.Bool("analytics", cfg.EnableAnalytics))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	cr := s.cron
	s.cron = nil
	sup := s.sup
	s.mu.Unlock()

	if cr != nil {
		select {
		case <-cr.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.disarmAllTimers()
	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.runCtx = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.persistAll(ctx)
		s.log.Info("coordinator stopped")
	case <-ctx.Done():
		s.log.Warn("coordinator stop timed out", logx.Err(ctx.Err()))
	}
}

// Apply swaps config at runtime. Cadence or timezone changes rebuild the
// cron runner; everything else takes effect on the next decision that
// reads it.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.SweepInterval != cfg.SweepInterval ||
		prev.CleanupInterval != cfg.CleanupInterval ||
		prev.Timezone != cfg.Timezone {
		s.restartCron(cfg)
	}
	s.log.Debug("coordinator config applied")
}

func (s *Service) newCron(cfg Config) *cron.Cron {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone, using UTC", logx.String("tz", cfg.Timezone), logx.Err(err))
		loc = time.UTC
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc("@every "+cfg.SweepInterval.String(), s.runSweep); err != nil {
		s.log.Error("retry sweep schedule failed", logx.Err(err))
	}
	if _, err := c.AddFunc("@every "+cfg.CleanupInterval.String(), s.runCleanup); err != nil {
		s.log.Error("cleanup schedule failed", logx.Err(err))
	}
	c.Start()
	return c
}

// restartCron swaps the cron runner outside s.mu: a running sweep takes
// s.mu for its config snapshot, so waiting for it under the lock would
// deadlock.
func (s *Service) restartCron(cfg Config) {
	s.mu.Lock()
	old := s.cron
	s.cron = nil
	s.mu.Unlock()
	if old != nil {
		<-old.Stop().Done()
	}

	c := s.newCron(cfg)
	s.mu.Lock()
	if s.stopCh != nil && s.stopDone == nil {
		s.cron = c
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	// Lost the race with Stop.
	<-c.Stop().Done()
}

func (s *Service) runSweep() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.sweep(ctx)
}

func (s *Service) runCleanup() {
	if n := s.alloc.Cleanup(); n > 0 {
		s.log.Debug("expired reservations purged", logx.Int("purged", n))
	}
}

// restore reloads persisted jobs and re-arms their intent: pending jobs go
// through the retry sweep immediately, scheduled exact-time jobs get their
// timer back, scheduled optimizer jobs re-pin their committed slot.
func (s *Service) restore(ctx context.Context) {
	if s.store != nil {
		rows, err := s.store.LoadJobs(ctx)
		if err != nil {
			s.log.Warn("job restore failed", logx.Err(err))
		}
		s.jobMu.Lock()
		for _, j := range rows {
			if j == nil || j.ID == "" {
				continue
			}
			if _, ok := s.jobs[j.ID]; !ok {
				s.jobs[j.ID] = j
			}
		}
		s.jobMu.Unlock()
	}

	type intent struct {
		id        string
		status    engine.Status
		at        *time.Time
		optimized bool
		attempts  int
		slot      slots.TimeSlot
		hasSlot   bool
		held      bool
	}
	s.jobMu.Lock()
	intents := make([]intent, 0, len(s.jobs))
	for id, j := range s.jobs {
		it := intent{
			id:        id,
			status:    j.Status,
			attempts:  metaInt(j, engine.MetaAttempts),
			optimized: metaBool(j, engine.MetaOptimized, true),
		}
		if j.ScheduledAt != nil {
			t := *j.ScheduledAt
			it.at = &t
		}
		it.slot, it.hasSlot = slotFromMeta(j)
		_, it.held = s.reserved[id]
		intents = append(intents, it)
	}
	s.jobMu.Unlock()

	now := s.clock()
	pending, rearmed, repinned := 0, 0, 0
	for _, it := range intents {
		switch it.status {
		case engine.StatusPending:
			s.retries.Schedule(retryset.Entry{JobID: it.id, Attempts: it.attempts, NextAttempt: now})
			pending++
		case engine.StatusScheduled:
			if !it.optimized {
				if it.at != nil {
					s.armExactTimer(it.id, *it.at, it.attempts)
					rearmed++
				}
				continue
			}
			if it.held || !it.hasSlot {
				continue
			}
			if err := s.alloc.Reserve(it.slot); err != nil {
				if !errors.Is(err, engine.ErrSlotUnavailable) {
					s.log.Debug("slot re-pin failed", logx.String("job", it.id), logx.Err(err))
				}
				continue
			}
			s.jobMu.Lock()
			s.reserved[it.id] = it.slot
			s.jobMu.Unlock()
			repinned++
		}
	}
	if pending > 0 || rearmed > 0 || repinned > 0 {
		s.log.Info("jobs restored",
			logx.Int("pending", pending),
			logx.Int("exact_rearmed", rearmed),
			logx.Int("slots_repinned", repinned))
	}
}

func (s *Service) persistAll(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.jobMu.Lock()
	snaps := make([]*engine.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		snaps = append(snaps, j.Clone())
	}
	s.jobMu.Unlock()
	for _, j := range snaps {
		if err := s.store.SaveJob(ctx, j); err != nil {
			s.log.Warn("final persist failed", logx.String("job", j.ID), logx.Err(err))
		}
	}
}

func (s *Service) persist(ctx context.Context, snap *engine.Job) {
	if s.store == nil || snap == nil {
		return
	}
	if err := s.store.SaveJob(ctx, snap); err != nil {
		s.log.Warn("job persist failed", logx.String("job", snap.ID), logx.Err(err))
	}
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running     bool           `json:"running"`
	Jobs        int            `json:"jobs"`
	ByStatus    map[string]int `json:"by_status"`
	QueueLen    int            `json:"queue_len"`
	RetrySetLen int            `json:"retry_set_len"`
	ExactTimers int            `json:"exact_timers"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	byStatus := map[string]int{}
	s.jobMu.Lock()
	n := len(s.jobs)
	for _, j := range s.jobs {
		byStatus[string(j.Status)]++
	}
	s.jobMu.Unlock()

	s.tmu.Lock()
	timers := len(s.timers)
	s.tmu.Unlock()

	return Snapshot{
		Running:     running,
		Jobs:        n,
		ByStatus:    byStatus,
		QueueLen:    s.queue.Size(),
		RetrySetLen: s.retries.Len(),
		ExactTimers: timers,
	}
}
