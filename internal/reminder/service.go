// Package reminder coordinates the dose-status lifecycle: CRUD on
// medications, the live mark-taken path, and the two background passes
// (minute tick, daily reset) that keep slot state and the log consistent.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dosewatch/internal/domain"
	"dosewatch/internal/eventbus"
	"dosewatch/internal/reconcile"
	"dosewatch/internal/storage"
	"dosewatch/pkg/logx"
)

// conflictRetries bounds the re-read/re-apply loop when an optimistic write
// loses the race. Two writers (live path + tick) means one retry usually
// suffices; three attempts is generous.
const conflictRetries = 3

type Service struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	mu     sync.Mutex
	policy reconcile.Policy
}

func New(store storage.Store, bus eventbus.Bus, log logx.Logger, policy reconcile.Policy) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, bus: bus, log: log, policy: policy}
}

// Apply swaps the reconciliation policy (grace period, reference timezone)
// on config reload.
func (s *Service) Apply(policy reconcile.Policy) {
	s.mu.Lock()
	s.policy = policy
	s.mu.Unlock()
}

func (s *Service) Policy() reconcile.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

func (s *Service) location() *time.Location {
	p := s.Policy()
	if p.Location != nil {
		return p.Location
	}
	return time.UTC
}

// --- CRUD ---

func (s *Service) CreateMedication(ctx context.Context, med *domain.Medication) (*domain.Medication, error) {
	if med == nil {
		return nil, errors.New("medication is nil")
	}
	m := med.Clone()
	if strings.TrimSpace(m.ID) == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.StartDate.IsZero() {
		m.StartDate = m.CreatedAt
	}
	m.Active = true
	m.Log = nil
	for i := range m.Slots {
		m.Slots[i].TakenToday = false
		m.Slots[i].TakenAt = nil
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreateMedication(ctx, m); err != nil {
		return nil, err
	}
	s.log.Info("medication created", logx.String("id", m.ID), logx.String("name", m.Name), logx.Int("slots", len(m.Slots)))
	return m, nil
}

// UpdateMedication replaces the caller-editable fields of an existing
// medication. Slot taken-state and the log are preserved from the stored
// copy; a slot edit resets that slot's taken-state.
func (s *Service) UpdateMedication(ctx context.Context, med *domain.Medication) (*domain.Medication, error) {
	if med == nil {
		return nil, errors.New("medication is nil")
	}
	var out *domain.Medication
	err := s.withConflictRetry(ctx, "update", func() error {
		cur, err := s.store.MedicationByIDAndOwner(ctx, med.ID, med.OwnerID)
		if err != nil {
			return err
		}
		cur.Name = med.Name
		cur.Dosage = med.Dosage
		cur.Frequency = med.Frequency
		cur.Notes = med.Notes
		cur.StartDate = med.StartDate
		cur.EndDate = med.EndDate
		cur.Active = med.Active

		// Merge slots by time: an unchanged slot keeps its taken-state, a new
		// or moved slot starts untaken.
		old := map[string]domain.ScheduleSlot{}
		for _, sl := range cur.Slots {
			old[sl.TimeOfDay] = sl
		}
		merged := make([]domain.ScheduleSlot, 0, len(med.Slots))
		for _, sl := range med.Slots {
			if prev, ok := old[sl.TimeOfDay]; ok {
				merged = append(merged, prev)
				continue
			}
			merged = append(merged, domain.ScheduleSlot{TimeOfDay: sl.TimeOfDay})
		}
		cur.Slots = merged

		if err := cur.Validate(); err != nil {
			return err
		}
		if err := s.store.UpdateMedication(ctx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	return out, err
}

func (s *Service) DeleteMedication(ctx context.Context, id, ownerID string) error {
	if err := s.store.DeleteMedication(ctx, id, ownerID); err != nil {
		return err
	}
	s.log.Info("medication deleted", logx.String("id", id))
	return nil
}

func (s *Service) MedicationByID(ctx context.Context, id, ownerID string) (*domain.Medication, error) {
	return s.store.MedicationByIDAndOwner(ctx, id, ownerID)
}

func (s *Service) Medications(ctx context.Context, ownerID string) ([]*domain.Medication, error) {
	meds, err := s.store.MedicationsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	sort.Slice(meds, func(i, j int) bool { return meds[i].Name < meds[j].Name })
	return meds, nil
}

// --- live path ---

// MarkDoseTaken records that the dose at slotIndex was taken at now. It is
// idempotent: marking an already-taken slot is a no-op. The write races the
// background tick, so a version conflict is re-read and re-applied; the
// taken flag wins over a concurrent missed decision for the rest of the day.
func (s *Service) MarkDoseTaken(ctx context.Context, ownerID, medID string, slotIndex int, now time.Time) (*domain.Medication, error) {
	var out *domain.Medication
	err := s.withConflictRetry(ctx, "mark_taken", func() error {
		med, err := s.store.MedicationByIDAndOwner(ctx, medID, ownerID)
		if err != nil {
			return err
		}
		if slotIndex < 0 || slotIndex >= len(med.Slots) {
			return fmt.Errorf("%w: %d of %d", domain.ErrInvalidSlotIndex, slotIndex, len(med.Slots))
		}
		if med.Slots[slotIndex].TakenToday {
			out = med
			return nil
		}
		at := now
		med.Slots[slotIndex].TakenToday = true
		med.Slots[slotIndex].TakenAt = &at

		// Taken entries record the actual mark time; only missed entries
		// carry the nominal dose instant.
		med.Log = append(med.Log, domain.LogEntry{
			ForDate:   now,
			TimeOfDay: med.Slots[slotIndex].TimeOfDay,
			Status:    domain.StatusTaken,
		})
		if err := s.store.UpdateMedication(ctx, med); err != nil {
			return err
		}
		out = med
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("dose marked taken", logx.String("med", medID), logx.Int("slot", slotIndex))
	return out, nil
}

// MarkDoseSkipped records a deliberate skip. Unlike taken it does not set
// the slot flag, so it does not suppress missed detection; the skip entry is
// an audit note alongside whatever the reconciler decides.
func (s *Service) MarkDoseSkipped(ctx context.Context, ownerID, medID string, slotIndex int, now time.Time) error {
	loc := s.location()
	return s.withConflictRetry(ctx, "mark_skipped", func() error {
		med, err := s.store.MedicationByIDAndOwner(ctx, medID, ownerID)
		if err != nil {
			return err
		}
		if slotIndex < 0 || slotIndex >= len(med.Slots) {
			return fmt.Errorf("%w: %d of %d", domain.ErrInvalidSlotIndex, slotIndex, len(med.Slots))
		}
		forDate, derr := reconcile.DoseInstant(now.In(loc), med.Slots[slotIndex].TimeOfDay, loc)
		if derr != nil {
			forDate = now
		}
		med.Log = append(med.Log, domain.LogEntry{
			ForDate:   forDate,
			TimeOfDay: med.Slots[slotIndex].TimeOfDay,
			Status:    domain.StatusSkipped,
		})
		return s.store.UpdateMedication(ctx, med)
	})
}

// --- background passes ---

// RunMinuteTick evaluates every active medication at now: publishes due-now
// events and persists newly missed log entries. A store failure on one
// medication never blocks the rest. Safe to run concurrently with itself and
// with the live path.
func (s *Service) RunMinuteTick(ctx context.Context, now time.Time) (TickReport, error) {
	policy := s.Policy()
	rep := TickReport{At: now}

	meds, err := s.store.ActiveMedications(ctx)
	if err != nil {
		return rep, fmt.Errorf("list active medications: %w", err)
	}

	for _, med := range meds {
		rep.Evaluated++
		res := reconcile.Evaluate(med, now, policy)

		for _, due := range res.Due {
			rep.Triggered++
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderDue, Time: now, Data: due})
			}
		}
		if len(res.NewlyMissed) == 0 {
			continue
		}

		missed, err := s.persistMissed(ctx, med, now, policy)
		if err != nil {
			rep.Failures++
			s.log.Warn("missed-dose persist failed", logx.String("med", med.ID), logx.Err(err))
			continue
		}
		for _, e := range missed {
			rep.Missed++
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderMissed, Time: now, Data: MissedEvent{
					MedicationID: med.ID,
					OwnerID:      med.OwnerID,
					Name:         med.Name,
					Dosage:       med.Dosage,
					TimeOfDay:    e.TimeOfDay,
					ForDate:      e.ForDate,
				}})
			}
		}
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTickCompleted, Time: now, Data: rep})
	}
	if rep.Triggered > 0 || rep.Missed > 0 || rep.Failures > 0 {
		s.log.Info("tick completed", logx.Int("evaluated", rep.Evaluated), logx.Int("due", rep.Triggered), logx.Int("missed", rep.Missed), logx.Int("failures", rep.Failures))
	}
	return rep, nil
}

// MissedEvent is the payload published for each persisted missed entry.
type MissedEvent struct {
	MedicationID string
	OwnerID      string
	Name         string
	Dosage       string
	TimeOfDay    string
	ForDate      time.Time
}

// persistMissed appends med's newly missed entries, re-reading and
// re-deciding on version conflict so a concurrent mark-taken always wins.
func (s *Service) persistMissed(ctx context.Context, med *domain.Medication, now time.Time, policy reconcile.Policy) ([]domain.LogEntry, error) {
	var persisted []domain.LogEntry
	cur := med
	err := s.withConflictRetry(ctx, "persist_missed", func() error {
		res := reconcile.Evaluate(cur, now, policy)
		if len(res.NewlyMissed) == 0 {
			persisted = nil
			return nil
		}
		cur.Log = append(cur.Log, res.NewlyMissed...)
		if err := s.store.UpdateMedication(ctx, cur); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				fresh, rerr := s.store.MedicationByIDAndOwner(ctx, cur.ID, cur.OwnerID)
				if rerr != nil {
					return rerr
				}
				cur = fresh
			}
			return err
		}
		persisted = res.NewlyMissed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return persisted, nil
}

// RunDailyReset clears the per-day taken flags on every active medication.
// Only medications with at least one set flag are written, so re-running it
// is idempotent and write-free.
func (s *Service) RunDailyReset(ctx context.Context, now time.Time) (ResetReport, error) {
	rep := ResetReport{At: now}

	meds, err := s.store.ActiveMedications(ctx)
	if err != nil {
		return rep, fmt.Errorf("list active medications: %w", err)
	}

	for _, med := range meds {
		changed := false
		for i := range med.Slots {
			if med.Slots[i].TakenToday || med.Slots[i].TakenAt != nil {
				changed = true
			}
		}
		if !changed {
			continue
		}

		cur := med
		err := s.withConflictRetry(ctx, "daily_reset", func() error {
			for i := range cur.Slots {
				cur.Slots[i].TakenToday = false
				cur.Slots[i].TakenAt = nil
			}
			if err := s.store.UpdateMedication(ctx, cur); err != nil {
				if errors.Is(err, domain.ErrVersionConflict) {
					fresh, rerr := s.store.MedicationByIDAndOwner(ctx, cur.ID, cur.OwnerID)
					if rerr != nil {
						return rerr
					}
					cur = fresh
				}
				return err
			}
			return nil
		})
		if err != nil {
			rep.Failures++
			s.log.Warn("daily reset failed for medication", logx.String("med", med.ID), logx.Err(err))
			continue
		}
		rep.Cleared++
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDailyReset, Time: now, Data: rep})
	}
	s.log.Info("daily reset completed", logx.Int("cleared", rep.Cleared), logx.Int("failures", rep.Failures))
	return rep, nil
}

// ResetDaily clears the taken flags on one owner's medications, the live
// counterpart of RunDailyReset. Paused medications are included so stale
// flags from before a pause are cleared too. Only medications with at least
// one set flag are written.
func (s *Service) ResetDaily(ctx context.Context, ownerID string, now time.Time) (ResetReport, error) {
	rep := ResetReport{At: now}

	meds, err := s.store.MedicationsByOwner(ctx, ownerID)
	if err != nil {
		return rep, err
	}

	for _, med := range meds {
		changed := false
		for i := range med.Slots {
			if med.Slots[i].TakenToday || med.Slots[i].TakenAt != nil {
				changed = true
			}
		}
		if !changed {
			continue
		}

		cur := med
		err := s.withConflictRetry(ctx, "reset_daily", func() error {
			for i := range cur.Slots {
				cur.Slots[i].TakenToday = false
				cur.Slots[i].TakenAt = nil
			}
			if err := s.store.UpdateMedication(ctx, cur); err != nil {
				if errors.Is(err, domain.ErrVersionConflict) {
					fresh, rerr := s.store.MedicationByIDAndOwner(ctx, cur.ID, cur.OwnerID)
					if rerr != nil {
						return rerr
					}
					cur = fresh
				}
				return err
			}
			return nil
		})
		if err != nil {
			rep.Failures++
			s.log.Warn("owner reset failed for medication", logx.String("med", med.ID), logx.Err(err))
			continue
		}
		rep.Cleared++
	}

	s.log.Info("owner reset completed", logx.String("owner", ownerID), logx.Int("cleared", rep.Cleared), logx.Int("failures", rep.Failures))
	return rep, nil
}

// CheckMissed runs missed-dose detection for one owner on demand and
// persists the result. Returns what was newly recorded.
func (s *Service) CheckMissed(ctx context.Context, ownerID string, now time.Time) ([]HistoryEntry, error) {
	policy := s.Policy()
	meds, err := s.store.MedicationsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var out []HistoryEntry
	for _, med := range meds {
		if !med.Active {
			continue
		}
		res := reconcile.Evaluate(med, now, policy)
		if len(res.NewlyMissed) == 0 {
			continue
		}
		missed, err := s.persistMissed(ctx, med, now, policy)
		if err != nil {
			return out, err
		}
		for _, e := range missed {
			out = append(out, HistoryEntry{
				MedicationID: med.ID,
				Name:         med.Name,
				Dosage:       med.Dosage,
				ForDate:      e.ForDate,
				TimeOfDay:    e.TimeOfDay,
				Status:       e.Status,
			})
		}
	}
	return out, nil
}

// --- queries ---

// UpcomingReminders lists today's not-yet-taken doses at or after now,
// soonest first.
func (s *Service) UpcomingReminders(ctx context.Context, ownerID string, now time.Time) ([]Upcoming, error) {
	loc := s.location()
	meds, err := s.store.MedicationsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	local := now.In(loc)
	var out []Upcoming
	for _, med := range meds {
		if !med.Active {
			continue
		}
		for i, slot := range med.Slots {
			if slot.TakenToday {
				continue
			}
			at, err := reconcile.DoseInstant(local, slot.TimeOfDay, loc)
			if err != nil || at.Before(now) {
				continue
			}
			out = append(out, Upcoming{
				MedicationID: med.ID,
				Name:         med.Name,
				Dosage:       med.Dosage,
				TimeOfDay:    slot.TimeOfDay,
				SlotIndex:    i,
				At:           at,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// History returns log entries for ownerID within [from, to], newest first.
// Zero bounds are open.
func (s *Service) History(ctx context.Context, ownerID string, from, to time.Time) ([]HistoryEntry, error) {
	meds, err := s.store.MedicationsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var out []HistoryEntry
	for _, med := range meds {
		for _, e := range med.Log {
			if !from.IsZero() && e.ForDate.Before(from) {
				continue
			}
			if !to.IsZero() && e.ForDate.After(to) {
				continue
			}
			out = append(out, HistoryEntry{
				MedicationID: med.ID,
				Name:         med.Name,
				Dosage:       med.Dosage,
				ForDate:      e.ForDate,
				TimeOfDay:    e.TimeOfDay,
				Status:       e.Status,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ForDate.After(out[j].ForDate) })
	return out, nil
}

// Stats aggregates dose outcomes over the logs of the owner's active
// medications. Paused medications count toward the medication totals but
// their history is excluded from adherence.
func (s *Service) Stats(ctx context.Context, ownerID string) (Stats, error) {
	meds, err := s.store.MedicationsByOwner(ctx, ownerID)
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	st.Medications = len(meds)
	for _, med := range meds {
		if !med.Active {
			continue
		}
		st.Active++
		for _, e := range med.Log {
			switch e.Status {
			case domain.StatusTaken:
				st.Taken++
			case domain.StatusMissed:
				st.Missed++
			case domain.StatusSkipped:
				st.Skipped++
			}
		}
	}
	if st.Taken+st.Missed > 0 {
		st.AdherencePct = float64(st.Taken) / float64(st.Taken+st.Missed) * 100
	}
	return st, nil
}

// withConflictRetry runs fn until it succeeds, fails with a non-conflict
// error, or the retry budget is spent. fn is responsible for re-reading
// fresh state when it sees a conflict.
func (s *Service) withConflictRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= conflictRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if err == nil || !errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		s.log.Debug("optimistic write conflict, retrying", logx.String("op", op), logx.Int("attempt", attempt))
	}
	return err
}
