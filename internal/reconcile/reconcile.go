// Package reconcile holds the pure dose-status decision logic.
//
// It operates on in-memory medication snapshots and a caller-supplied "now";
// it performs no I/O and mutates nothing. Callers apply the returned
// decisions through the store.
package reconcile

import (
	"time"

	"dosewatch/internal/domain"
)

// DefaultGracePeriod is the tolerance between a dose becoming due and being
// considered missed.
const DefaultGracePeriod = 30 * time.Minute

// Policy carries the fixed reconciliation constants. Location is the
// reference timezone every "today" computation uses; it is never inferred
// from the host.
type Policy struct {
	GracePeriod time.Duration
	Location    *time.Location
}

func (p Policy) withDefaults() Policy {
	if p.GracePeriod <= 0 {
		p.GracePeriod = DefaultGracePeriod
	}
	if p.Location == nil {
		p.Location = time.UTC
	}
	return p
}

// DueEvent is an ephemeral due-now signal for the notification collaborator.
// It is recomputed fresh each tick and never persisted.
type DueEvent struct {
	MedicationID string
	OwnerID      string
	Name         string
	Dosage       string
	TimeOfDay    string
	SlotIndex    int
}

// Result is the outcome of evaluating one medication at one instant.
type Result struct {
	// Due lists slots whose time-of-day equals the current wall-clock minute.
	Due []DueEvent
	// NewlyMissed lists missed log entries that are not yet present in the
	// medication's log. Appending them (and nothing else) brings the log up
	// to date; slot fields are never touched by reconciliation.
	NewlyMissed []domain.LogEntry
}

// Evaluate runs due-now and missed-dose detection for every slot of med.
//
// A slot is overdue when its grace window has expired and it has not been
// marked taken. An overdue slot produces a missed entry only if no missed
// entry for the same (timeOfDay, calendar day) exists yet, so repeated
// evaluation over the grace window is idempotent.
func Evaluate(med *domain.Medication, now time.Time, p Policy) Result {
	p = p.withDefaults()

	var res Result
	if med == nil || !med.Active {
		return res
	}

	local := now.In(p.Location)
	wallClock := local.Format("15:04")

	for i, slot := range med.Slots {
		if slot.TimeOfDay == wallClock {
			res.Due = append(res.Due, DueEvent{
				MedicationID: med.ID,
				OwnerID:      med.OwnerID,
				Name:         med.Name,
				Dosage:       med.Dosage,
				TimeOfDay:    slot.TimeOfDay,
				SlotIndex:    i,
			})
		}

		doseInstant, err := DoseInstant(local, slot.TimeOfDay, p.Location)
		if err != nil {
			// Slot times are validated on write; an unparsable slot is left
			// for the live path to surface.
			continue
		}
		graceEnd := doseInstant.Add(p.GracePeriod)

		if !now.After(graceEnd) || slot.TakenToday {
			continue
		}
		if HasMissedEntry(med.Log, slot.TimeOfDay, local, p.Location) {
			continue
		}
		res.NewlyMissed = append(res.NewlyMissed, domain.LogEntry{
			ForDate:   doseInstant,
			TimeOfDay: slot.TimeOfDay,
			Status:    domain.StatusMissed,
		})
	}
	return res
}

// DoseInstant combines day's calendar date with a "HH:MM" slot time in loc.
func DoseInstant(day time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	h, m, err := domain.ParseHHMM(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc), nil
}

// HasMissedEntry reports whether log already records a missed dose for the
// given slot time on the same calendar day as day. Day equality is by
// calendar date in loc, not by instant.
func HasMissedEntry(log []domain.LogEntry, timeOfDay string, day time.Time, loc *time.Location) bool {
	for _, e := range log {
		if e.Status == domain.StatusMissed && e.TimeOfDay == timeOfDay && SameCalendarDay(e.ForDate, day, loc) {
			return true
		}
	}
	return false
}

// SameCalendarDay reports whether a and b fall on the same calendar date
// when viewed in loc.
func SameCalendarDay(a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
