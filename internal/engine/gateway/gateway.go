package gateway

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postpilot/internal/engine"
	"postpilot/internal/engine/slots"
	"postpilot/internal/platform"
	"postpilot/pkg/logx"
)

// Gateway fronts all publisher traffic. Per platform it keeps a pacing
// limiter (requests per second) and an hourly publish quota whose window
// resets at the top of the next wall-clock hour — not some elapsed
// duration since first use.
type Gateway struct {
	reg  *platform.Registry
	pubs map[string]Publisher // keyed by Profile.Publisher name
	log  logx.Logger

	cfgMu sync.Mutex
	cfg   Config

	clock func() time.Time

	mu     sync.Mutex // guards states map, not the per-platform books
	states map[platform.ID]*pstate
}

// pstate is one platform's budget book; its mutex is the quota exclusion
// section.
type pstate struct {
	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time

	limiter *rate.Limiter
	rps     float64
}

type Option func(*Gateway)

// WithClock overrides the time source. Tests pin it to steer quota
// windows.
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) {
		if clock != nil {
			g.clock = clock
		}
	}
}

func New(reg *platform.Registry, pubs map[string]Publisher, cfg Config, log logx.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		reg:    reg,
		pubs:   pubs,
		log:    log.With(logx.String("svc", "gateway")),
		cfg:    cfg,
		clock:  time.Now,
		states: make(map[platform.ID]*pstate),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Apply swaps policy knobs at runtime. Platform limits and rates follow
// the registry on their own: each call re-reads the profile.
func (g *Gateway) Apply(cfg Config) {
	g.cfgMu.Lock()
	g.cfg = cfg
	g.cfgMu.Unlock()
}

func (g *Gateway) quotaWait() bool {
	g.cfgMu.Lock()
	defer g.cfgMu.Unlock()
	return g.cfg.QuotaWait
}

// Publish sends one job/slot pair through the platform's publisher.
// Failures of any shape — quota, transport error, publisher panic — come
// back as taxonomy errors; nothing escapes raw and nothing panics across
// this boundary.
func (g *Gateway) Publish(ctx context.Context, j *engine.Job, s slots.TimeSlot) (Receipt, error) {
	prof, pub, err := g.resolve(s.Platform)
	if err != nil {
		return Receipt{}, err
	}

	st := g.state(s.Platform, prof)
	if err := st.pace(ctx, prof.RatePerSec); err != nil {
		return Receipt{}, fmt.Errorf("pacing %s: %w", s.Platform, err)
	}
	if err := g.admit(ctx, s.Platform, st, prof.QuotaLimit); err != nil {
		return Receipt{}, err
	}

	rec, err := g.callPublish(ctx, pub, Request{Job: j, Slot: s})
	if err != nil {
		st.refund(g.clock())
		return Receipt{}, &engine.RemoteError{Platform: s.Platform, Op: "publish", Err: err}
	}
	if rec.DeliveredAt.IsZero() {
		rec.DeliveredAt = g.clock()
	}
	g.log.Debug("published",
		logx.String("platform", string(s.Platform)),
		logx.String("job", j.ID),
		logx.String("remote_id", rec.RemoteID))
	return rec, nil
}

// Cancel revokes a remote post. Pacing applies; the hourly quota does not
// (it budgets publishes).
func (g *Gateway) Cancel(ctx context.Context, p platform.ID, remoteID string) error {
	prof, pub, err := g.resolve(p)
	if err != nil {
		return err
	}
	st := g.state(p, prof)
	if err := st.pace(ctx, prof.RatePerSec); err != nil {
		return fmt.Errorf("pacing %s: %w", p, err)
	}
	if err := g.callCancel(ctx, pub, remoteID); err != nil {
		return &engine.RemoteError{Platform: p, Op: "cancel", Err: err}
	}
	g.log.Debug("cancelled remote post",
		logx.String("platform", string(p)),
		logx.String("remote_id", remoteID))
	return nil
}

func (g *Gateway) resolve(p platform.ID) (platform.Profile, Publisher, error) {
	prof, ok := g.reg.Lookup(p)
	if !ok {
		return platform.Profile{}, nil, engine.UnknownPlatformError{Platform: p}
	}
	pub, ok := g.pubs[prof.Publisher]
	if !ok || pub == nil {
		return platform.Profile{}, nil, engine.UnknownPlatformError{Platform: p}
	}
	return prof, pub, nil
}

func (g *Gateway) state(p platform.ID, prof platform.Profile) *pstate {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[p]
	if !ok {
		st = &pstate{
			limit:     prof.QuotaLimit,
			remaining: prof.QuotaLimit,
			resetAt:   nextHour(g.clock()),
		}
		g.states[p] = st
	}
	return st
}

// admit consumes one quota unit, waiting for the window boundary once if
// allowed. Consumption is optimistic: the unit is taken here and refunded
// on publish failure, so check-and-consume stays one critical section and
// no lock is held across the remote call.
func (g *Gateway) admit(ctx context.Context, p platform.ID, st *pstate, limit int) error {
	ok, resetAt := st.tryConsume(g.clock(), limit)
	if ok {
		return nil
	}
	if !g.quotaWait() {
		return &engine.QuotaError{Platform: p, ResetAt: resetAt}
	}

	// Block until the window turns, bounded by ctx. At most one retry.
	wait := resetAt.Sub(g.clock())
	g.log.Debug("quota exhausted, waiting for window reset",
		logx.String("platform", string(p)),
		logx.Duration("wait", wait),
		logx.Time("reset_at", resetAt))
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("quota wait for %s: %w", p, ctx.Err())
		case <-timer.C:
		}
	}
	ok, resetAt = st.tryConsume(g.clock(), limit)
	if ok {
		return nil
	}
	return &engine.QuotaError{Platform: p, ResetAt: resetAt}
}

// tryConsume rolls the window forward if now crossed the boundary, then
// takes one unit if any remain. Returns the current window's reset time
// either way.
func (st *pstate) tryConsume(now time.Time, limit int) (bool, time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	// Limit changed via hot reload: keep what this window already
	// consumed, clamp the rest.
	if limit != st.limit {
		consumed := st.limit - st.remaining
		st.limit = limit
		st.remaining = limit - consumed
		if st.remaining < 0 {
			st.remaining = 0
		}
	}
	if !now.Before(st.resetAt) {
		st.remaining = st.limit
		st.resetAt = nextHour(now)
	}
	if st.remaining <= 0 {
		return false, st.resetAt
	}
	st.remaining--
	return true, st.resetAt
}

// refund returns one unit after a failed publish, unless the window has
// turned since (crediting a fresh window would exceed its limit).
func (st *pstate) refund(now time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if now.Before(st.resetAt) && st.remaining < st.limit {
		st.remaining++
	}
}

// pace waits for the platform's request-rate token.
func (st *pstate) pace(ctx context.Context, rps float64) error {
	st.mu.Lock()
	if st.limiter == nil || st.rps != rps {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		st.rps = rps
	}
	lim := st.limiter
	st.mu.Unlock()

	return lim.Wait(ctx)
}

func (g *Gateway) callPublish(ctx context.Context, pub Publisher, req Request) (rec Receipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panic: %v", r)
			g.log.Error("publisher panicked",
				logx.String("platform", string(req.Slot.Platform)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	return pub.Publish(ctx, req)
}

func (g *Gateway) callCancel(ctx context.Context, pub Publisher, remoteID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panic: %v", r)
			g.log.Error("publisher panicked",
				logx.String("remote_id", remoteID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	return pub.Cancel(ctx, remoteID)
}

// Remaining reports the platform's unconsumed quota in the current window.
// Diagnostics and tests.
func (g *Gateway) Remaining(p platform.ID) (int, time.Time) {
	prof, ok := g.reg.Lookup(p)
	if !ok {
		return 0, time.Time{}
	}
	st := g.state(p, prof)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !g.clock().Before(st.resetAt) {
		return st.limit, nextHour(g.clock())
	}
	return st.remaining, st.resetAt
}

// nextHour is the top of the next wall-clock hour after now.
func nextHour(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}
