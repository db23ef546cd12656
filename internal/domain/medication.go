package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a medication does not exist or is not
	// owned by the requesting user. The two cases are deliberately not
	// distinguishable to callers.
	ErrNotFound = errors.New("medication not found")

	// ErrInvalidSlotIndex is returned when a slot index is out of range.
	ErrInvalidSlotIndex = errors.New("schedule slot index out of range")

	// ErrVersionConflict is returned by optimistic updates when a concurrent
	// writer committed first. Callers re-read and re-apply.
	ErrVersionConflict = errors.New("medication version conflict")
)

// DoseStatus is the outcome recorded for one scheduled dose.
type DoseStatus string

const (
	StatusTaken   DoseStatus = "taken"
	StatusMissed  DoseStatus = "missed"
	StatusSkipped DoseStatus = "skipped"
)

// Frequency is a coarse label for how often a medication is taken.
// The schedule slots are authoritative; this only drives UI text.
type Frequency string

const (
	OnceDaily  Frequency = "once_daily"
	TwiceDaily Frequency = "twice_daily"
	ThreeTimes Frequency = "three_times"
	Custom     Frequency = "custom"
)

// ScheduleSlot is one daily dose time.
//
// Invariant: TakenAt != nil iff TakenToday == true. Both fields are set by
// the live mark-taken path and cleared only by the daily reset.
type ScheduleSlot struct {
	TimeOfDay  string     `json:"time_of_day"` // wall-clock "HH:MM" in the reference timezone
	TakenToday bool       `json:"taken_today"`
	TakenAt    *time.Time `json:"taken_at,omitempty"`
}

// LogEntry is an immutable audit record. Entries are append-only; the core
// never edits or deletes them. For a given medication there is at most one
// missed entry per (TimeOfDay, calendar day) pair.
type LogEntry struct {
	ForDate   time.Time  `json:"for_date"` // nominal dose instant for taken/missed
	TimeOfDay string     `json:"time_of_day"`
	Status    DoseStatus `json:"status"`
}

// Medication owns its schedule slots and reminder log. It is scoped to one
// owner; every query goes through OwnerID.
type Medication struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Name      string         `json:"name"`
	Dosage    string         `json:"dosage"`
	Frequency Frequency      `json:"frequency"`
	Slots     []ScheduleSlot `json:"slots"`
	StartDate time.Time      `json:"start_date"`
	EndDate   *time.Time     `json:"end_date,omitempty"`
	Notes     string         `json:"notes,omitempty"`
	Active    bool           `json:"active"`
	Log       []LogEntry     `json:"log"`
	CreatedAt time.Time      `json:"created_at"`

	// Version supports optimistic concurrency in the store. It is bumped on
	// every successful update.
	Version int64 `json:"version"`
}

// Clone returns a deep copy so reconciliation can work on snapshots without
// aliasing store-owned state.
func (m *Medication) Clone() *Medication {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Slots = append([]ScheduleSlot(nil), m.Slots...)
	cp.Log = append([]LogEntry(nil), m.Log...)
	if m.EndDate != nil {
		d := *m.EndDate
		cp.EndDate = &d
	}
	for i := range cp.Slots {
		if cp.Slots[i].TakenAt != nil {
			t := *cp.Slots[i].TakenAt
			cp.Slots[i].TakenAt = &t
		}
	}
	return &cp
}

// Validate checks the fields a caller controls on create/update.
func (m *Medication) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(m.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	if len(m.Slots) == 0 {
		return errors.New("at least one schedule slot is required")
	}
	for i, s := range m.Slots {
		if _, _, err := ParseHHMM(s.TimeOfDay); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
	}
	switch m.Frequency {
	case OnceDaily, TwiceDaily, ThreeTimes, Custom, "":
	default:
		return fmt.Errorf("invalid frequency %q", m.Frequency)
	}
	return nil
}

// ParseHHMM parses a wall-clock "HH:MM" slot time.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
