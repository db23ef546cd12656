package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"dosewatch/pkg/logx"
)

func testService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	return New(cfg, logx.Nop())
}

func TestAddDailyRejectsBadTime(t *testing.T) {
	t.Parallel()
	s := testService(t, Config{})
	tests := []string{"", "8:00am", "24:00", "12:60", "noon"}
	for _, hhmm := range tests {
		if err := s.AddDaily("d", "daily", hhmm, 0, TaskOptions{}, func(context.Context) error { return nil }); err == nil {
			t.Errorf("AddDaily(%q): expected error", hhmm)
		}
	}
	if err := s.AddDaily("reset", "daily reset", "00:00", 0, TaskOptions{}, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddDaily(00:00): %v", err)
	}
}

func TestAddCronRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	s := testService(t, Config{})
	job := func(context.Context) error { return nil }
	if err := s.AddInterval("tick", "tick", time.Minute, 0, TaskOptions{}, job); err != nil {
		t.Fatal(err)
	}
	if err := s.AddInterval("tick", "tick", time.Minute, 0, TaskOptions{}, job); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestTriggerRunsJob(t *testing.T) {
	t.Parallel()
	s := testService(t, Config{Enabled: true, Timezone: "UTC"})
	var runs atomic.Int64
	done := make(chan struct{})
	err := s.AddDaily("reset", "daily reset", "00:00", 0, TaskOptions{}, func(context.Context) error {
		if runs.Add(1) == 1 {
			close(done)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if err := s.Trigger("reset"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
	if err := s.Trigger("nope"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestRetryThenHistory(t *testing.T) {
	t.Parallel()
	s := testService(t, Config{Enabled: true, HistorySize: 10})
	var calls atomic.Int64
	done := make(chan struct{})
	err := s.AddInterval("flaky", "flaky", time.Hour, 0, TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, func(context.Context) error {
		if calls.Add(1) < 3 {
			return context.DeadlineExceeded
		}
		close(done)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if err := s.Trigger("flaky"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("retries did not complete")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := s.Snapshot()
		if len(snap.History) > 0 {
			if snap.History[len(snap.History)-1].Error != "" {
				t.Fatalf("final run should be recorded as success: %+v", snap.History)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no history recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	s := testService(t, Config{Enabled: true, Workers: 2})
	release := make(chan struct{})
	var running atomic.Int64
	err := s.AddInterval("slow", "slow", time.Hour, 0, TaskOptions{}, func(ctx context.Context) error {
		running.Add(1)
		<-release
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if err := s.Trigger("slow"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for running.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// second trigger while the first is in flight should be skipped
	if err := s.Trigger("slow"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := running.Load(); got != 1 {
		t.Fatalf("overlapping run executed, running = %d", got)
	}
	close(release)
}
