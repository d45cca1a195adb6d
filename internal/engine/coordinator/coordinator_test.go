package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"postpilot/internal/analytics"
	"postpilot/internal/engine"
	"postpilot/internal/engine/gateway"
	"postpilot/internal/engine/slots"
	"postpilot/internal/eventbus"
	"postpilot/internal/platform"
	"postpilot/internal/storage"
	"postpilot/pkg/logx"
)

// fakeSlots hands out preset candidates and records every allocator call.
type fakeSlots struct {
	mu          sync.Mutex
	cands       []slots.TimeSlot
	findErr     error
	reserveErrs []error // popped per Reserve call; empty means success
	finds       int
	lastFindJob *engine.Job
	lastFindLA  int
	reserves    []slots.TimeSlot
	releases    []slots.TimeSlot
}

func (f *fakeSlots) FindCandidates(p platform.ID, j *engine.Job, lookaheadDays int) ([]slots.TimeSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	f.lastFindJob = j
	f.lastFindLA = lookaheadDays
	if f.findErr != nil {
		return nil, f.findErr
	}
	return append([]slots.TimeSlot(nil), f.cands...), nil
}

func (f *fakeSlots) Reserve(s slots.TimeSlot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserves = append(f.reserves, s)
	if len(f.reserveErrs) > 0 {
		err := f.reserveErrs[0]
		f.reserveErrs = f.reserveErrs[1:]
		return err
	}
	return nil
}

func (f *fakeSlots) Release(s slots.TimeSlot) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, s)
	return true
}

func (f *fakeSlots) Cleanup() int { return 0 }

func (f *fakeSlots) findCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finds
}

func (f *fakeSlots) releasedStarts() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.releases))
	for i, s := range f.releases {
		out[i] = s.Start
	}
	return out
}

type publishCall struct {
	jobID string
	slot  slots.TimeSlot
}

type cancelCall struct {
	platform platform.ID
	remoteID string
}

// fakeGateway succeeds unless errors are queued, minting remote-N ids.
type fakeGateway struct {
	mu          sync.Mutex
	publishErrs []error // popped per Publish call
	cancelErr   error
	publishes   []publishCall
	cancels     []cancelCall
}

func (f *fakeGateway) Publish(ctx context.Context, j *engine.Job, s slots.TimeSlot) (gateway.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, publishCall{jobID: j.ID, slot: s})
	if len(f.publishErrs) > 0 {
		err := f.publishErrs[0]
		f.publishErrs = f.publishErrs[1:]
		if err != nil {
			return gateway.Receipt{}, err
		}
	}
	return gateway.Receipt{RemoteID: fmt.Sprintf("remote-%d", len(f.publishes))}, nil
}

func (f *fakeGateway) Cancel(ctx context.Context, p platform.ID, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, cancelCall{platform: p, remoteID: remoteID})
	return f.cancelErr
}

func (f *fakeGateway) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.publishes)
}

func (f *fakeGateway) cancelled() []cancelCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cancelCall(nil), f.cancels...)
}

// fakeStore is an in-memory Store preloaded for restore tests.
type fakeStore struct {
	mu     sync.Mutex
	loaded []*engine.Job
	saved  map[string]int
	gone   []string
}

var _ storage.Store = (*fakeStore)(nil)

func (f *fakeStore) SaveJob(ctx context.Context, j *engine.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = map[string]int{}
	}
	f.saved[j.ID]++
	return nil
}

func (f *fakeStore) DeleteJob(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone = append(f.gone, id)
	return nil
}

func (f *fakeStore) LoadJobs(ctx context.Context) ([]*engine.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*engine.Job(nil), f.loaded...), nil
}

func (f *fakeStore) Close() error { return nil }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(at time.Time) *testClock { return &testClock{now: at} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, cfg Config, fs *fakeSlots, fg *fakeGateway, clock func() time.Time) *Service {
	t.Helper()
	reg, err := platform.NewRegistry(platform.Profile{
		ID:         "tiktok",
		Windows:    []platform.Window{{StartHour: 16, EndHour: 19}},
		MinGap:     time.Hour,
		QuotaLimit: 100,
		RatePerSec: 100,
		Publisher:  "stub",
	})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	return New(cfg, Deps{Registry: reg, Slots: fs, Gateway: fg}, logx.Nop(), nil, WithClock(clock))
}

func cand(start time.Time, score float64) slots.TimeSlot {
	return slots.TimeSlot{Start: start, End: start.Add(time.Hour), Platform: "tiktok", Score: score}
}

// trap subscribes to one event kind and funnels deliveries to a channel.
func trap(s *Service, kind engine.EventKind) <-chan engine.Event {
	ch := make(chan engine.Event, 16)
	s.On(kind, func(e engine.Event) { ch <- e })
	return ch
}

func waitEvent(t *testing.T, ch <-chan engine.Event, kind engine.EventKind) engine.Event {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.Kind != kind {
			t.Fatalf("event kind = %s, want %s", ev.Kind, kind)
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s event", kind)
		return engine.Event{}
	}
}

func TestScheduleRejectsBadRequests(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	fs := &fakeSlots{findErr: engine.InvalidArgumentf("lookahead 40 days outside 1..30")}
	s := newTestService(t, Config{}, fs, &fakeGateway{}, func() time.Time { return now })

	if _, err := s.Schedule(context.Background(), nil, ScheduleOptions{}); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("nil job: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := s.Schedule(context.Background(), &engine.Job{Platform: "tiktok"}, ScheduleOptions{}); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("empty content: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := s.Schedule(context.Background(), &engine.Job{Platform: "threads", Content: "x"}, ScheduleOptions{}); !errors.Is(err, engine.ErrUnknownPlatform) {
		t.Fatalf("unknown platform: err = %v, want ErrUnknownPlatform", err)
	}

	// Candidate search errors surface to the caller and the job is not kept.
	j := &engine.Job{ID: "j-bad-look", Platform: "tiktok", Content: "x"}
	if _, err := s.Schedule(context.Background(), j, ScheduleOptions{LookaheadDays: 40}); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Fatalf("bad lookahead: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := s.GetStatus("j-bad-look"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("rejected job tracked: err = %v, want ErrNotFound", err)
	}
}

func TestScheduleFillsIDAndTimestamps(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	fs := &fakeSlots{cands: []slots.TimeSlot{cand(now.Add(6*time.Hour), 0.8)}}
	s := newTestService(t, Config{}, fs, &fakeGateway{}, func() time.Time { return now })

	snap, err := s.Schedule(context.Background(), &engine.Job{Platform: "tiktok", Content: "hello"}, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if snap.ID == "" {
		t.Fatal("job ID not assigned")
	}
	if !snap.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt = %v, want %v", snap.CreatedAt, now)
	}
	if snap.Status != engine.StatusPending {
		t.Fatalf("Status = %s, want pending", snap.Status)
	}
	if got := s.Snapshot(); got.QueueLen != 1 || got.Jobs != 1 {
		t.Fatalf("Snapshot = %+v, want 1 job queued", got)
	}
}

func TestDrainSchedulesIntoBestCandidate(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	best := cand(now.Add(6*time.Hour), 0.9)
	next := cand(now.Add(7*time.Hour), 0.8)
	fs := &fakeSlots{cands: []slots.TimeSlot{best, next}}
	fg := &fakeGateway{}
	s := newTestService(t, Config{}, fs, fg, func() time.Time { return now })

	scheduled := trap(s, engine.EventScheduled)
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	snap, err := s.Schedule(context.Background(), &engine.Job{Platform: "tiktok", Content: "hello"}, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	ev := waitEvent(t, scheduled, engine.EventScheduled)
	if ev.Job.ID != snap.ID {
		t.Fatalf("event job = %s, want %s", ev.Job.ID, snap.ID)
	}

	got, err := s.GetStatus(snap.ID)
	if err != nil {
		t.Fatalf("GetStatus error: %v", err)
	}
	if got.Status != engine.StatusScheduled {
		t.Fatalf("Status = %s, want scheduled", got.Status)
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(best.Start) {
		t.Fatalf("ScheduledAt = %v, want best slot %v", got.ScheduledAt, best.Start)
	}
	if id, _ := got.Metadata[engine.MetaRemotePostID].(string); id != "remote-1" {
		t.Fatalf("remote post id = %q, want remote-1", id)
	}
	if ss, _ := got.Metadata[engine.MetaSlotStart].(string); ss != best.Start.UTC().Format(time.RFC3339Nano) {
		t.Fatalf("slot start meta = %q", ss)
	}
	if fg.publishCount() != 1 {
		t.Fatalf("publish count = %d, want 1", fg.publishCount())
	}
}

func TestDrainFallsThroughTakenSlots(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	c0 := cand(now.Add(6*time.Hour), 0.9)
	c1 := cand(now.Add(7*time.Hour), 0.8)
	fs := &fakeSlots{
		cands:       []slots.TimeSlot{c0, c1},
		reserveErrs: []error{fmt.Errorf("%w: taken", engine.ErrSlotUnavailable)},
	}
	fg := &fakeGateway{}
	s := newTestService(t, Config{}, fs, fg, func() time.Time { return now })

	snap, err := s.Schedule(context.Background(), &engine.Job{Platform: "tiktok", Content: "hello"}, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	e, ok := s.queue.Dequeue()
	if !ok {
		t.Fatal("queue empty after Schedule")
	}
	s.processEntry(context.Background(), e)

	got, err := s.GetStatus(snap.ID)
	if err != nil {
		t.Fatalf("GetStatus error: %v", err)
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(c1.Start) {
		t.Fatalf("ScheduledAt = %v, want runner-up slot %v", got.ScheduledAt, c1.Start)
	}
	if n := len(fs.releasedStarts()); n != 0 {
		t.Fatalf("releases = %d, want 0 (lost reservation needs no release)", n)
	}
}

func TestDrainReleasesSlotOnPublishFailure(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	c0 := cand(now.Add(6*time.Hour), 0.9)
	c1 := cand(now.Add(7*time.Hour), 0.8)
	fs := &fakeSlots{cands: []slots.TimeSlot{c0, c1}}
	fg := &fakeGateway{publishErrs: []error{errors.New("boom")}}
	s := newTestService(t, Config{}, fs, fg, func() time.Time { return now })

	snap, err := s.Schedule(context.Background(), &engine.Job{Platform: "tiktok", Content: "hello"}, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	e, _ := s.queue.Dequeue()
	s.processEntry(context.Background(), e)

	if fg.publishCount() != 2 {
		t.Fatalf("publish count = %d, want 2", fg.publishCount())
	}
	released := fs.releasedStarts()
	if len(released) != 1 || !released[0].Equal(c0.Start) {
		t.Fatalf("released = %v, want the failed slot %v", released, c0.Start)
	}
	got, _ := s.GetStatus(snap.ID)
	if got.Status != engine.StatusScheduled || !got.ScheduledAt.Equal(c1.Start) {
		t.Fatalf("job = %s at %v, want scheduled at %v", got.Status, got.ScheduledAt, c1.Start)
	}
}

func TestDrainBooksRetryWhenCandidatesExhaust(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	fs := &fakeSlots{cands: []slots.TimeSlot{cand(now.Add(6*time.Hour), 0.9), cand(now.Add(7*time.Hour), 0.8)}}
	fg := &fakeGateway{publishErrs: []error{errors.New("boom"), errors.New("boom")}}
	cfg := Config{RetryDelay: 45 * time.Second}
	s := newTestService(t, cfg, fs, fg, func() time.Time { return now })
	retry := trap(s, engine.EventRetry)

	snap, err := s.Schedule(context.Background(), &engine.Job{Platform: "tiktok", Content: "hello"}, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	e, _ := s.queue.Dequeue()
	s.processEntry(context.Background(), e)

	ev := waitEvent(t, retry, engine.EventRetry)
	if ev.Err == "" || !strings.Contains(ev.Err, "boom") {
		t.Fatalf("event err = %q, want publish failure", ev.Err)
	}

	entries := s.retries.Snapshot()
	if len(entries) != 1 {
		t.Fatalf("retry entries = %d, want 1", len(entries))
	}
	if entries[0].Attempts != 1 || entries[0].Exact {
		t.Fatalf("entry = %+v, want attempts 1, not exact", entries[0])
	}
	if want := now.Add(45 * time.Second); !entries[0].NextAttempt.Equal(want) {
		t.Fatalf("NextAttempt = %v, want %v", entries[0].NextAttempt, want)
	}
	if len(fs.releasedStarts()) != 2 {
		t.Fatalf("releases = %d, want 2", len(fs.releasedStarts()))
	}
	got, _ := s.GetStatus(snap.ID)
	if got.Status != engine.StatusPending {
		t.Fatalf("Status = %s, want still pending", got.Status)
	}
}

func TestRetryBackoffGrowsLinearlyThenFails(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clk := newTestClock(start)
	fs := &fakeSlots{} // no candidates, ever
	cfg := Config{MaxRetryAttempts: 3, RetryDelay: 10 * time.Second}
	s := newTestService(t, cfg, fs, &fakeGateway{}, clk.Now)
	retry := trap(s, engine.EventRetry)
	failed := trap(s, engine.EventFailed)

	snap, err := s.Schedule(context.Background(), &engine.Job{Platform: "tiktok", Content: "hello"}, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	waitEvent(t, retry, engine.EventRetry)

	entries := s.retries.Snapshot()
	if want := start.Add(10 * time.Second); !entries[0].NextAttempt.Equal(want) {
		t.Fatalf("attempt 1 due = %v, want now+1×delay %v", entries[0].NextAttempt, want)
	}

	clk.Advance(10 * time.Second)
	s.sweep(context.Background())
	waitEvent(t, retry, engine.EventRetry)
	entries = s.retries.Snapshot()
	if entries[0].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", entries[0].Attempts)
	}
	if want := clk.Now().Add(20 * time.Second); !entries[0].NextAttempt.Equal(want) {
		t.Fatalf("attempt 2 due = %v, want now+2×delay %v", entries[0].NextAttempt, want)
	}

	clk.Advance(20 * time.Second)
	s.sweep(context.Background())
	waitEvent(t, retry, engine.EventRetry)
	entries = s.retries.Snapshot()
	if entries[0].Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", entries[0].Attempts)
	}

	// At the bound the sweep fails the job instead of resubmitting.
	clk.Advance(30 * time.Second)
	s.sweep(context.Background())
	ev := waitEvent(t, failed, engine.EventFailed)
	if ev.Job.ID != snap.ID {
		t.Fatalf("failed job = %s, want %s", ev.Job.ID, snap.ID)
	}
	got, _ := s.GetStatus(snap.ID)
	if got.Status != engine.StatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if n := s.retries.Len(); n != 0 {
		t.Fatalf("retry set len = %d, want 0", n)
	}
	if att, _ := got.Metadata[engine.MetaAttempts].(int); att != 3 {
		t.Fatalf("attempts meta = %v, want 3", got.Metadata[engine.MetaAttempts])
	}
}

func TestExactTimeBypassesOptimizer(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	fs := &fakeSlots{}
	fg := &fakeGateway{}
	s := newTestService(t, Config{}, fs, fg, func() time.Time { return now })
	scheduled := trap(s, engine.EventScheduled)
	published := trap(s, engine.EventPublished)

	at := now.Add(30 * time.Millisecond)
	snap, err := s.Schedule(context.Background(), &engine.Job{Platform: "tiktok", Content: "hello"}, ScheduleOptions{At: &at})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if snap.Status != engine.StatusScheduled || snap.ScheduledAt == nil || !snap.ScheduledAt.Equal(at) {
		t.Fatalf("snap = %s at %v, want scheduled at %v", snap.Status, snap.ScheduledAt, at)
	}
	waitEvent(t, scheduled, engine.EventScheduled)

	waitEvent(t, published, engine.EventPublished)
	if fs.findCount() != 0 {
		t.Fatalf("candidate searches = %d, want 0 on the exact path", fs.findCount())
	}
	got, _ := s.GetStatus(snap.ID)
	if got.Status != engine.StatusPublished {
		t.Fatalf("Status = %s, want published", got.Status)
	}

	fg.mu.Lock()
	call := fg.publishes[0]
	fg.mu.Unlock()
	if !call.slot.Start.Equal(at) || !call.slot.End.Equal(at.Add(time.Hour)) {
		t.Fatalf("synthetic slot = [%v, %v), want [%v, %v)", call.slot.Start, call.slot.End, at, at.Add(time.Hour))
	}
}

func TestExactTimeFailureBooksPinnedRetry(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clk := newTestClock(start)
	fg := &fakeGateway{publishErrs: []error{errors.New("boom")}}
	cfg := Config{MaxRetryAttempts: 1, RetryDelay: 5 * time.Second}
	s := newTestService(t, cfg, &fakeSlots{}, fg, clk.Now)
	retry := trap(s, engine.EventRetry)
	failed := trap(s, engine.EventFailed)

	at := start // already due, the timer fires immediately
	snap, err := s.Schedule(context.Background(), &engine.Job{Platform: "tiktok", Content: "hello"}, ScheduleOptions{At: &at})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	ev := waitEvent(t, retry, engine.EventRetry)
	if !strings.Contains(ev.Err, "boom") {
		t.Fatalf("event err = %q, want publish failure", ev.Err)
	}
	entries := s.retries.Snapshot()
	if len(entries) != 1 || !entries[0].Exact || entries[0].Attempts != 1 {
		t.Fatalf("entries = %+v, want one exact entry with attempts 1", entries)
	}
	if want := clk.Now().Add(5 * time.Second); !entries[0].NextAttempt.Equal(want) {
		t.Fatalf("NextAttempt = %v, want %v", entries[0].NextAttempt, want)
	}
	got, _ := s.GetStatus(snap.ID)
	if got.Status != engine.StatusScheduled {
		t.Fatalf("Status = %s, want still scheduled between attempts", got.Status)
	}

	clk.Advance(5 * time.Second)
	s.sweep(context.Background())
	waitEvent(t, failed, engine.EventFailed)
	got, _ = s.GetStatus(snap.ID)
	if got.Status != engine.StatusFailed {
		t.Fatalf("Status = %s, want failed at the bound", got.Status)
	}
}

func TestCancelReleasesEverything(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	c0 := cand(now.Add(6*time.Hour), 0.9)
	fs := &fakeSlots{cands: []slots.TimeSlot{c0}}
	fg := &fakeGateway{}
	s := newTestService(t, Config{}, fs, fg, func() time.Time { return now })
	cancelled := trap(s, engine.EventCancelled)

	snap, err := s.Schedule(context.Background(), &engine.Job{Platform: "tiktok", Content: "hello"}, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	e, _ := s.queue.Dequeue()
	s.processEntry(context.Background(), e)

	if err := s.Cancel(context.Background(), snap.ID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	ev := waitEvent(t, cancelled, engine.EventCancelled)
	if ev.Job.Status != engine.StatusCancelled {
		t.Fatalf("event status = %s, want cancelled", ev.Job.Status)
	}

	calls := fg.cancelled()
	if len(calls) != 1 || calls[0].remoteID != "remote-1" || calls[0].platform != "tiktok" {
		t.Fatalf("remote cancels = %+v, want one for remote-1", calls)
	}
	released := fs.releasedStarts()
	if len(released) != 1 || !released[0].Equal(c0.Start) {
		t.Fatalf("released = %v, want the held slot", released)
	}
	if _, err := s.GetStatus(snap.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("GetStatus after cancel err = %v, want ErrNotFound", err)
	}
	if err := s.Cancel(context.Background(), snap.ID); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("double Cancel err = %v, want ErrNotFound", err)
	}
}

func TestCancelQueuedJobNeverPublishes(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	fs := &fakeSlots{cands: []slots.TimeSlot{cand(now.Add(6*time.Hour), 0.9)}}
	fg := &fakeGateway{}
	s := newTestService(t, Config{}, fs, fg, func() time.Time { return now })

	snap, err := s.Schedule(context.Background(), &engine.Job{Platform: "tiktok", Content: "hello"}, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if err := s.Cancel(context.Background(), snap.ID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}

	if _, ok := s.queue.Dequeue(); ok {
		t.Fatal("queue entry survived cancellation")
	}
	if fg.publishCount() != 0 {
		t.Fatalf("publish count = %d, want 0", fg.publishCount())
	}
	if len(fg.cancelled()) != 0 {
		t.Fatalf("remote cancels = %d, want 0 (nothing was published)", len(fg.cancelled()))
	}
}

func TestCancelDisarmsExactTimer(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	fg := &fakeGateway{}
	s := newTestService(t, Config{}, &fakeSlots{}, fg, func() time.Time { return now })

	at := now.Add(time.Hour)
	snap, err := s.Schedule(context.Background(), &engine.Job{Platform: "tiktok", Content: "hello"}, ScheduleOptions{At: &at})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if got := s.Snapshot().ExactTimers; got != 1 {
		t.Fatalf("ExactTimers = %d, want 1", got)
	}

	if err := s.Cancel(context.Background(), snap.ID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if got := s.Snapshot().ExactTimers; got != 0 {
		t.Fatalf("ExactTimers after cancel = %d, want 0", got)
	}
	if fg.publishCount() != 0 {
		t.Fatalf("publish count = %d, want 0", fg.publishCount())
	}
}

func TestPriorityScoring(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	reg, err := platform.NewRegistry(platform.Profile{ID: "tiktok", Windows: []platform.Window{{StartHour: 16, EndHour: 19}}})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}

	tests := []struct {
		name string
		job  engine.Job
		cfg  Config
		an   analytics.Source
		want int
	}{
		{name: "plain", job: engine.Job{CreatedAt: now}, want: 0},
		{name: "trending", job: engine.Job{Trending: true, CreatedAt: now}, want: 30},
		{name: "promoted", job: engine.Job{Promoted: true, CreatedAt: now}, want: 20},
		{name: "urgent", job: engine.Job{Urgent: true, CreatedAt: now}, want: 50},
		{name: "all flags", job: engine.Job{Urgent: true, Promoted: true, Trending: true, CreatedAt: now}, want: 100},
		{name: "age bonus", job: engine.Job{CreatedAt: now.Add(-5*time.Hour - 30*time.Minute)}, want: 5},
		{name: "age bonus capped", job: engine.Job{Urgent: true, CreatedAt: now.Add(-100 * time.Hour)}, want: 70},
		{
			name: "analytics boost",
			job:  engine.Job{Urgent: true, Platform: "tiktok", CreatedAt: now},
			cfg:  Config{EnableAnalytics: true},
			an:   analytics.NewStatic(map[platform.ID]analytics.Performance{"tiktok": {AvgEngagement: 5.0}}),
			want: 75,
		},
		{
			name: "analytics disabled by config",
			job:  engine.Job{Urgent: true, Platform: "tiktok", CreatedAt: now},
			an:   analytics.NewStatic(map[platform.ID]analytics.Performance{"tiktok": {AvgEngagement: 5.0}}),
			want: 50,
		},
		{
			name: "analytics without data",
			job:  engine.Job{Urgent: true, Platform: "tiktok", CreatedAt: now},
			cfg:  Config{EnableAnalytics: true},
			an:   analytics.NewStatic(nil),
			want: 50,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(Config{}, Deps{Registry: reg, Slots: &fakeSlots{}, Gateway: &fakeGateway{}, Analytics: tt.an},
				logx.Nop(), nil, WithClock(func() time.Time { return now }))
			job := tt.job
			if got := s.priority(context.Background(), &job, tt.cfg.withDefaults()); got != tt.want {
				t.Fatalf("priority = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestQueueOrdersByPriority(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	fs := &fakeSlots{cands: []slots.TimeSlot{cand(now.Add(6*time.Hour), 0.9)}}
	s := newTestService(t, Config{}, fs, &fakeGateway{}, func() time.Time { return now })

	mk := func(j *engine.Job) *engine.Job {
		t.Helper()
		snap, err := s.Schedule(context.Background(), j, ScheduleOptions{})
		if err != nil {
			t.Fatalf("Schedule error: %v", err)
		}
		return snap
	}
	plain := mk(&engine.Job{Platform: "tiktok", Content: "plain", CreatedAt: now})
	urgent := mk(&engine.Job{Platform: "tiktok", Content: "urgent", Urgent: true, CreatedAt: now})
	trending := mk(&engine.Job{Platform: "tiktok", Content: "trending", Trending: true, CreatedAt: now})

	wantOrder := []string{urgent.ID, trending.ID, plain.ID}
	for i, want := range wantOrder {
		e, ok := s.queue.Dequeue()
		if !ok {
			t.Fatalf("queue empty at %d", i)
		}
		if e.Job.ID != want {
			t.Fatalf("dequeue[%d] = %s, want %s", i, e.Job.ID, want)
		}
	}
}

func TestHandlerPanicDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	s := newTestService(t, Config{}, &fakeSlots{}, &fakeGateway{}, func() time.Time { return now })

	var mu sync.Mutex
	var seen []string
	s.On(engine.EventScheduled, func(e engine.Event) { panic("handler bug") })
	unsub := s.On(engine.EventScheduled, func(e engine.Event) {
		mu.Lock()
		seen = append(seen, e.Job.ID)
		mu.Unlock()
	})
	s.On(engine.EventFailed, func(e engine.Event) {
		mu.Lock()
		seen = append(seen, "wrong-kind")
		mu.Unlock()
	})

	s.emit(engine.EventScheduled, &engine.Job{ID: "j1"}, "")

	mu.Lock()
	got := append([]string(nil), seen...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "j1" {
		t.Fatalf("seen = %v, want [j1]", got)
	}

	unsub()
	s.emit(engine.EventScheduled, &engine.Job{ID: "j2"}, "")
	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("handler ran after unsubscribe: %d deliveries", n)
	}
}

func TestEventsMirrorOntoBus(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	bus := eventbus.New()
	reg, err := platform.NewRegistry(platform.Profile{ID: "tiktok", Windows: []platform.Window{{StartHour: 16, EndHour: 19}}})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	s := New(Config{}, Deps{Registry: reg, Slots: &fakeSlots{}, Gateway: &fakeGateway{}},
		logx.Nop(), bus, WithClock(func() time.Time { return now }))

	ch, unsub := bus.Subscribe(8, "engine.job.")
	defer unsub()

	at := now.Add(time.Hour)
	snap, err := s.Schedule(context.Background(), &engine.Job{Platform: "tiktok", Content: "hello"}, ScheduleOptions{At: &at})
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	defer s.Cancel(context.Background(), snap.ID)

	select {
	case ev := <-ch:
		if ev.Type != "engine.job.scheduled" {
			t.Fatalf("bus event type = %q, want engine.job.scheduled", ev.Type)
		}
		inner, ok := ev.Data.(engine.Event)
		if !ok {
			t.Fatalf("bus event data = %T, want engine.Event", ev.Data)
		}
		if inner.Job.ID != snap.ID {
			t.Fatalf("bus event job = %s, want %s", inner.Job.ID, snap.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
	}
}

func TestListAllOrdersOldestFirst(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	fs := &fakeSlots{cands: []slots.TimeSlot{cand(now.Add(6*time.Hour), 0.9)}}
	s := newTestService(t, Config{}, fs, &fakeGateway{}, func() time.Time { return now })

	mk := func(id string, created time.Time) {
		t.Helper()
		if _, err := s.Schedule(context.Background(), &engine.Job{ID: id, Platform: "tiktok", Content: "x", CreatedAt: created}, ScheduleOptions{}); err != nil {
			t.Fatalf("Schedule %s error: %v", id, err)
		}
	}
	mk("b", now.Add(-time.Hour))
	mk("a", now.Add(-time.Hour))
	mk("c", now.Add(-2*time.Hour))

	got := s.ListAll()
	ids := make([]string, len(got))
	for i, j := range got {
		ids[i] = j.ID
	}
	want := []string{"c", "a", "b"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ListAll order = %v, want %v", ids, want)
		}
	}

	// Snapshots are detached: mutating a result must not leak inward.
	got[0].Metadata = map[string]any{"poison": true}
	fresh, _ := s.GetStatus("c")
	if _, ok := fresh.Metadata["poison"]; ok {
		t.Fatal("ListAll returned a live reference")
	}
}

func TestGetAvailableSlotsUsesNeutralScoring(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	fs := &fakeSlots{cands: []slots.TimeSlot{cand(now.Add(6*time.Hour), 0.8)}}
	s := newTestService(t, Config{}, fs, &fakeGateway{}, func() time.Time { return now })

	got, err := s.GetAvailableSlots("tiktok", 5)
	if err != nil {
		t.Fatalf("GetAvailableSlots error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(slots) = %d, want 1", len(got))
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.lastFindJob != nil {
		t.Fatal("job passed to candidate search, want nil for neutral scoring")
	}
	if fs.lastFindLA != 5 {
		t.Fatalf("lookahead = %d, want 5", fs.lastFindLA)
	}
}

func TestRestoreReplaysPersistedJobs(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	pending := &engine.Job{ID: "p1", Platform: "tiktok", Content: "x", Status: engine.StatusPending, CreatedAt: now.Add(-time.Hour)}
	pending.SetMeta(engine.MetaAttempts, 2)

	exactAt := now.Add(time.Hour)
	exact := &engine.Job{ID: "e1", Platform: "tiktok", Content: "x", Status: engine.StatusScheduled, CreatedAt: now.Add(-time.Hour), ScheduledAt: &exactAt}
	exact.SetMeta(engine.MetaOptimized, false)

	slotStart := now.Add(2 * time.Hour)
	pinnedAt := slotStart
	pinned := &engine.Job{ID: "o1", Platform: "tiktok", Content: "x", Status: engine.StatusScheduled, CreatedAt: now.Add(-time.Hour), ScheduledAt: &pinnedAt}
	pinned.SetMeta(engine.MetaSlotStart, slotStart.UTC().Format(time.RFC3339Nano))
	pinned.SetMeta(engine.MetaSlotEnd, slotStart.Add(time.Hour).UTC().Format(time.RFC3339Nano))
	pinned.SetMeta(engine.MetaRemotePostID, "remote-old")

	store := &fakeStore{loaded: []*engine.Job{pending, exact, pinned}}
	fs := &fakeSlots{}
	reg, err := platform.NewRegistry(platform.Profile{ID: "tiktok", Windows: []platform.Window{{StartHour: 16, EndHour: 19}}, MinGap: time.Hour})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	s := New(Config{}, Deps{Registry: reg, Slots: fs, Gateway: &fakeGateway{}, Store: store},
		logx.Nop(), nil, WithClock(func() time.Time { return now }))

	s.Start(context.Background())

	if !s.retries.Contains("p1") {
		t.Fatal("pending job not booked for retry sweep")
	}
	snap := s.Snapshot()
	if snap.Jobs != 3 {
		t.Fatalf("Jobs = %d, want 3", snap.Jobs)
	}
	if snap.ExactTimers != 1 {
		t.Fatalf("ExactTimers = %d, want 1 (e1 re-armed)", snap.ExactTimers)
	}

	fs.mu.Lock()
	repinned := len(fs.reserves) == 1 && fs.reserves[0].Start.Equal(slotStart)
	fs.mu.Unlock()
	if !repinned {
		t.Fatal("committed slot not re-reserved on restore")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, id := range []string{"p1", "e1", "o1"} {
		if store.saved[id] == 0 {
			t.Fatalf("job %s not persisted on shutdown", id)
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	s := newTestService(t, Config{}, &fakeSlots{}, &fakeGateway{}, func() time.Time { return now })

	if s.Snapshot().Running {
		t.Fatal("running before Start")
	}
	s.Start(context.Background())
	s.Start(context.Background())
	if !s.Snapshot().Running {
		t.Fatal("not running after Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
	if s.Snapshot().Running {
		t.Fatal("still running after Stop")
	}
}
