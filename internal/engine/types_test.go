package engine

import (
	"errors"
	"testing"
	"time"
)

func TestJobValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		job  *Job
		ok   bool
	}{
		{name: "valid", job: &Job{Platform: "tiktok", Content: "hello"}, ok: true},
		{name: "nil", job: nil},
		{name: "empty content", job: &Job{Platform: "tiktok", Content: "   "}},
		{name: "empty platform", job: &Job{Content: "hello"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if !errors.Is(err, ErrInvalidArgument) {
					t.Fatalf("error %v does not match ErrInvalidArgument", err)
				}
			}
		})
	}
}

func TestJobCloneIsDetached(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	j := &Job{ID: "a", Platform: "tiktok", Content: "hello", ScheduledAt: &at}
	j.SetMeta(MetaAttempts, 1)

	cp := j.Clone()
	cp.SetMeta(MetaAttempts, 9)
	*cp.ScheduledAt = at.Add(time.Hour)

	if got := j.Metadata[MetaAttempts]; got != 1 {
		t.Fatalf("original metadata mutated: attempts = %v", got)
	}
	if !j.ScheduledAt.Equal(at) {
		t.Fatalf("original ScheduledAt mutated: %v", j.ScheduledAt)
	}

	var nilJob *Job
	if nilJob.Clone() != nil {
		t.Fatal("Clone of nil job should be nil")
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	terminal := map[Status]bool{
		StatusPending:   false,
		StatusScheduled: false,
		StatusPublished: true,
		StatusFailed:    true,
		StatusCancelled: true,
	}
	for st, want := range terminal {
		if got := st.Terminal(); got != want {
			t.Fatalf("%s.Terminal() = %v, want %v", st, got, want)
		}
	}
}

func TestErrorTaxonomyMatching(t *testing.T) {
	t.Parallel()
	if !errors.Is(UnknownPlatformError{Platform: "x"}, ErrUnknownPlatform) {
		t.Fatal("UnknownPlatformError does not match ErrUnknownPlatform")
	}
	re := &RemoteError{Platform: "tiktok", Op: "publish", Err: errors.New("boom")}
	if !errors.Is(re, ErrRemote) {
		t.Fatal("RemoteError does not match ErrRemote")
	}
	if re.Unwrap() == nil {
		t.Fatal("RemoteError lost its cause")
	}
	qe := &QuotaError{Platform: "tiktok", ResetAt: time.Now()}
	if !errors.Is(qe, ErrRateLimited) {
		t.Fatal("QuotaError does not match ErrRateLimited")
	}
	if !errors.Is(InvalidArgumentf("bad %s", "input"), ErrInvalidArgument) {
		t.Fatal("InvalidArgumentf does not match ErrInvalidArgument")
	}
}
