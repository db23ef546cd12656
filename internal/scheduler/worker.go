package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"dosewatch/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh chan struct{}, queue chan task) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	if t.opt.Overlap == OverlapSkipIfRunning && t.state != nil {
		t.state.mu.Lock()
		if t.state.running {
			t.state.mu.Unlock()
			s.log.Debug("task skipped, previous run still in flight", logx.String("task", t.name))
			return
		}
		t.state.running = true
		t.state.mu.Unlock()
		defer func() {
			t.state.mu.Lock()
			t.state.running = false
			t.state.mu.Unlock()
		}()
	}

	started := time.Now()
	err := s.runWithRetry(ctx, t)
	dur := time.Since(started)

	item := HistoryItem{ID: t.id, Name: t.name, Started: started, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.log.Error("task failed", logx.String("task", t.name), logx.Duration("took", dur), logx.Err(err))
	} else {
		s.log.Debug("task done", logx.String("task", t.name), logx.Duration("took", dur))
	}
	s.record(item)
}

func (s *Service) runWithRetry(ctx context.Context, t task) error {
	var lastErr error
	attempts := t.opt.RetryMax + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(t.opt, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = s.runOnce(ctx, t)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (s *Service) runOnce(ctx context.Context, t task) (err error) {
	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{val: r}
			s.log.Error("panic in task", logx.String("task", t.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.run(runCtx)
}

func backoffDelay(opt TaskOptions, attempt int) time.Duration {
	d := opt.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
			break
		}
	}
	if d > opt.RetryMaxDelay {
		d = opt.RetryMaxDelay
	}
	if opt.RetryJitter > 0 {
		j := 1 + (rand.Float64()*2-1)*opt.RetryJitter
		d = time.Duration(float64(d) * j)
	}
	return d
}

func (s *Service) record(item HistoryItem) {
	max := s.cfg.HistorySize
	if max <= 0 {
		max = 50
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()
}

type panicError struct{ val any }

func (e *panicError) Error() string { return fmt.Sprintf("task panicked: %v", e.val) }
