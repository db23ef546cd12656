package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	kit "dosewatch/internal/transport"
	"dosewatch/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []string
	fails atomic.Int64 // number of sends to fail before succeeding
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }
func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(ctx context.Context, id, text string) error { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if f.fails.Load() > 0 {
		f.fails.Add(-1)
		return kit.MessageRef{}, errors.New("send failed")
	}
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(Config{Enabled: true, RatePerSec: 100}, ad, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	err := s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 42}, Text: "time for Aspirin"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return ad.sentCount() == 1 })
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, &fakeAdapter{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestNotifyDedupSuppressesDuplicates(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Hour}, ad, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := kit.Notification{Target: kit.ChatTarget{ChatID: 42}, Text: "08:00 Aspirin 2026-09-01"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
	waitFor(t, func() bool { return ad.sentCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := ad.sentCount(); got != 1 {
		t.Fatalf("sent = %d, want 1 (duplicates suppressed)", got)
	}

	// Different text is a different key.
	n2 := n
	n2.Text = "20:00 Aspirin 2026-09-01"
	if err := s.Notify(context.Background(), n2); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return ad.sentCount() == 2 })
}

func TestNotifyRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	ad.fails.Store(2)
	s := New(Config{Enabled: true, RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, ad, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 7}, Text: "retry me"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return ad.sentCount() == 1 })
	if got := s.Snapshot(); len(got) != 1 {
		t.Fatalf("history = %d, want 1", len(got))
	}
}

func TestNotifyStopRejectsNew(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(Config{Enabled: true, RatePerSec: 100}, ad, logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
