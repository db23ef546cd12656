package reminder

import (
	"time"

	"dosewatch/internal/domain"
)

// TickReport summarizes one reconciliation pass over all active medications.
type TickReport struct {
	At        time.Time
	Evaluated int
	Triggered int // due-now events published
	Missed    int // missed log entries persisted
	Failures  int // medications skipped because their store write failed
}

// ResetReport summarizes a daily reset pass.
type ResetReport struct {
	At       time.Time
	Cleared  int // medications whose slots were actually reset and persisted
	Failures int
}

// Upcoming is one not-yet-taken dose later today.
type Upcoming struct {
	MedicationID string
	Name         string
	Dosage       string
	TimeOfDay    string
	SlotIndex    int
	At           time.Time // dose instant in the reference timezone
}

// HistoryEntry is a log entry joined with its medication for display.
type HistoryEntry struct {
	MedicationID string
	Name         string
	Dosage       string
	ForDate      time.Time
	TimeOfDay    string
	Status       domain.DoseStatus
}

// Stats aggregates dose outcomes for one owner.
type Stats struct {
	Medications int
	Active      int
	Taken       int
	Missed      int
	Skipped     int
	// AdherencePct is taken / (taken + missed) * 100, 0 when no data.
	AdherencePct float64
}
