// Package sim is an in-process publisher for local runs and tests. It fakes
// a remote platform: optional latency, deterministic failures every Nth
// publish, and an inspectable record of delivered posts.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/engine/gateway"
	"postpilot/internal/platform"
	logx "postpilot/pkg/logx"
)

type Config struct {
	// Latency delays each call, honoring the caller's context.
	Latency time.Duration
	// FailEvery makes every Nth Publish fail (0 disables).
	FailEvery int
}

// Post is one delivered post as the fake platform recorded it.
type Post struct {
	RemoteID    string
	JobID       string
	Platform    platform.ID
	SlotStart   time.Time
	DeliveredAt time.Time
}

type Publisher struct {
	cfg Config
	log logx.Logger

	mu        sync.Mutex
	publishes int
	cancels   int
	posts     map[string]Post
}

func New(cfg Config, log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{cfg: cfg, log: log, posts: make(map[string]Post)}
}

func (p *Publisher) Publish(ctx context.Context, req gateway.Request) (gateway.Receipt, error) {
	if err := p.sleep(ctx); err != nil {
		return gateway.Receipt{}, err
	}
	if req.Job == nil {
		return gateway.Receipt{}, fmt.Errorf("nil job")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishes++
	if p.cfg.FailEvery > 0 && p.publishes%p.cfg.FailEvery == 0 {
		return gateway.Receipt{}, fmt.Errorf("simulated outage (publish %d)", p.publishes)
	}

	post := Post{
		RemoteID:    uuid.NewString(),
		JobID:       req.Job.ID,
		Platform:    req.Job.Platform,
		SlotStart:   req.Slot.Start,
		DeliveredAt: time.Now(),
	}
	p.posts[post.RemoteID] = post
	p.log.Debug("post simulated",
		logx.String("job_id", post.JobID),
		logx.String("remote_id", post.RemoteID),
	)
	return gateway.Receipt{RemoteID: post.RemoteID, DeliveredAt: post.DeliveredAt}, nil
}

func (p *Publisher) Cancel(ctx context.Context, remoteID string) error {
	if err := p.sleep(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels++
	if _, ok := p.posts[remoteID]; !ok {
		return fmt.Errorf("unknown post %q", remoteID)
	}
	delete(p.posts, remoteID)
	return nil
}

func (p *Publisher) sleep(ctx context.Context) error {
	if p.cfg.Latency <= 0 {
		return nil
	}
	t := time.NewTimer(p.cfg.Latency)
	defer t.Stop()
	if ctx == nil {
		<-t.C
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Posts returns delivered posts sorted by delivery time.
func (p *Publisher) Posts() []Post {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Post, 0, len(p.posts))
	for _, post := range p.posts {
		out = append(out, post)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliveredAt.Before(out[j].DeliveredAt) })
	return out
}

// Counters reports call totals, failed publishes included.
func (p *Publisher) Counters() (publishes, cancels int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishes, p.cancels
}
