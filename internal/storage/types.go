package storage

import (
	"context"
	"time"

	"dosewatch/internal/domain"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process map, useful for tests and ephemeral runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence port the reconciliation core depends on.
//
// UpdateMedication is an optimistic read-modify-write: it commits only when
// the stored version still matches med.Version, bumps the version on success
// and returns domain.ErrVersionConflict otherwise. That keeps the live
// mark-taken path and the background tick from silently overwriting each
// other's writes.
type Store interface {
	CreateMedication(ctx context.Context, med *domain.Medication) error
	UpdateMedication(ctx context.Context, med *domain.Medication) error
	DeleteMedication(ctx context.Context, id, ownerID string) error

	MedicationByIDAndOwner(ctx context.Context, id, ownerID string) (*domain.Medication, error)
	MedicationsByOwner(ctx context.Context, ownerID string) ([]*domain.Medication, error)
	ActiveMedications(ctx context.Context) ([]*domain.Medication, error)

	Close() error
}
