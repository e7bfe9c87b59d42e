package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"crosspost/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  Kind
		spec  string
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, spec: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron: 0 0 * * *", kind: KindCron, spec: "0 0 * * *"},
		{name: "descriptor", raw: "@hourly", kind: KindCron, spec: "@hourly"},
		{name: "duration", raw: "30s", kind: KindInterval, spec: "@every 30s", every: 30 * time.Second},
		{name: "prefixed interval", raw: "every:2m", kind: KindInterval, spec: "@every 2m0s", every: 2 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: KindInterval, spec: "@every 1h30m0s", every: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.CronSpec() != tt.spec {
				t.Fatalf("CronSpec = %q, want %q", got.CronSpec(), tt.spec)
			}
			if tt.kind == KindInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soon", "-5s", "00:00", "every:", "cron:", "1:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) expected error", raw)
		}
	}
}

func TestValidateRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	if err := s.Validate(Config{Enabled: true, Schedule: "99 * * * *"}); err == nil {
		t.Fatal("expected invalid minute field to fail")
	}
	if err := s.Validate(Config{Enabled: true, Schedule: "1m"}); err != nil {
		t.Fatalf("Validate(1m) = %v", err)
	}
	if err := s.Validate(Config{Enabled: false, Schedule: "garbage"}); err != nil {
		t.Fatalf("disabled config should not be validated: %v", err)
	}
}

type blockingRunner struct {
	calls   atomic.Int32
	release chan struct{}
	entered chan struct{}
}

func (r *blockingRunner) PublishDue(ctx context.Context) (int, error) {
	r.calls.Add(1)
	r.entered <- struct{}{}
	select {
	case <-r.release:
		return 2, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestRunNowSkipsOverlap(t *testing.T) {
	t.Parallel()
	r := &blockingRunner{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := New(Config{}, r, logx.Nop())

	type result struct {
		n   int
		ran bool
		err error
	}
	first := make(chan result, 1)
	go func() {
		n, ran, err := s.RunNow(context.Background())
		first <- result{n, ran, err}
	}()
	<-r.entered

	_, ran, err := s.RunNow(context.Background())
	if ran || err != nil {
		t.Fatalf("overlapping RunNow: ran=%v err=%v", ran, err)
	}
	close(r.release)

	got := <-first
	if !got.ran || got.n != 2 || got.err != nil {
		t.Fatalf("first RunNow = %+v", got)
	}
	st := s.Status()
	if st.Skipped != 1 || st.LastDispatched != 2 {
		t.Fatalf("status = %+v", st)
	}
	if r.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", r.calls.Load())
	}
}

type countingRunner struct{ calls atomic.Int32 }

func (r *countingRunner) PublishDue(ctx context.Context) (int, error) {
	r.calls.Add(1)
	return 0, nil
}

func TestStartPollsOnInterval(t *testing.T) {
	t.Parallel()
	r := &countingRunner{}
	s := New(Config{Enabled: true, Schedule: "every:1s"}, r, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	if s.Status().Next.IsZero() {
		t.Fatal("expected next run to be scheduled")
	}
	deadline := time.Now().Add(3 * time.Second)
	for r.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if r.calls.Load() == 0 {
		t.Fatal("scheduler never polled")
	}
}

func TestApplyDisableStopsCron(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Schedule: "@hourly"}, &countingRunner{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Apply(Config{Enabled: false}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !s.Status().Next.IsZero() {
		t.Fatal("disabled scheduler still has a next run")
	}
	if err := s.Apply(Config{Enabled: true, Schedule: "nonsense"}); err == nil {
		t.Fatal("expected bad schedule to fail on Apply")
	}
}

func TestRunNowTimeout(t *testing.T) {
	t.Parallel()
	r := &blockingRunner{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := New(Config{RunTimeout: 20 * time.Millisecond}, r, logx.Nop())
	_, ran, err := s.RunNow(context.Background())
	if !ran || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RunNow: ran=%v err=%v", ran, err)
	}
	if s.Status().LastErr == "" {
		t.Fatal("expected last error to be recorded")
	}
}
