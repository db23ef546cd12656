package scheduler

import (
	"context"
	"fmt"
	"time"

	"dosewatch/internal/domain"
	"dosewatch/pkg/logx"
)

// AddCron registers a job on a raw cron spec. The job starts firing as soon
// as the service is running; registration before Start() is also fine.
func (s *Service) AddCron(id, name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.id == id {
			return fmt.Errorf("schedule %q already registered", id)
		}
	}
	def := scheduleDef{
		id:      id,
		name:    name,
		spec:    spec,
		timeout: s.resolveTimeout(timeout),
		job:     job,
		opt:     opt.withDefaults(s.cfg),
		state:   &runState{},
	}
	s.defs = append(s.defs, def)
	if s.c != nil {
		s.addCronLocked(&s.defs[len(s.defs)-1])
	}
	return nil
}

// AddInterval registers a job firing every d, using cron's @every descriptor.
func (s *Service) AddInterval(id, name string, d time.Duration, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	if d <= 0 {
		return fmt.Errorf("schedule %q: interval must be > 0", id)
	}
	return s.AddCron(id, name, "@every "+d.String(), timeout, opt, job)
}

// AddDaily registers a job firing once a day at the given HH:MM wall time in
// the scheduler's timezone.
func (s *Service) AddDaily(id, name, hhmm string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	hour, minute, err := domain.ParseHHMM(hhmm)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", id, err)
	}
	return s.AddCron(id, name, fmt.Sprintf("%d %d * * *", minute, hour), timeout, opt, job)
}

func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.defs {
		if d.id != id {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

// Trigger enqueues a registered schedule for immediate execution, bypassing
// its cron expression. Used by the manual check command.
func (s *Service) Trigger(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return fmt.Errorf("scheduler not running")
	}
	for i := range s.defs {
		d := &s.defs[i]
		if d.id != id {
			continue
		}
		t := task{id: d.id, name: d.name, timeout: d.timeout, run: d.job, opt: d.opt, state: d.state}
		select {
		case s.queue <- t:
			return nil
		default:
			return fmt.Errorf("scheduler queue full")
		}
	}
	return fmt.Errorf("schedule %q not found", id)
}

// Snapshot returns a point-in-time view of the schedules and recent runs.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Workers:  s.cfg.Workers,
		Timezone: s.cfg.Timezone,
	}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
	}
	for _, d := range s.defs {
		info := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = append(snap.History, s.history...)
	s.hmu.Unlock()
	return snap
}

// addCronLocked attaches def to the running cron instance. Caller holds s.mu.
func (s *Service) addCronLocked(def *scheduleDef) {
	d := def
	queue := s.queue
	entryID, err := s.c.AddFunc(d.spec, func() {
		t := task{id: d.id, name: d.name, timeout: d.timeout, run: d.job, opt: d.opt, state: d.state}
		select {
		case queue <- t:
		default:
			s.log.Warn("scheduler queue full, trigger dropped", logx.String("task", d.name))
		}
	})
	if err != nil {
		s.log.Error("failed to register schedule", logx.String("id", d.id), logx.Err(err))
		return
	}
	def.entryID = entryID
}
