package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"dosewatch/internal/domain"
)

func testMed(id, owner string) *domain.Medication {
	return &domain.Medication{
		ID:      id,
		OwnerID: owner,
		Name:    "Aspirin",
		Dosage:  "100mg",
		Active:  true,
		Slots:   []domain.ScheduleSlot{{TimeOfDay: "08:00"}, {TimeOfDay: "20:00"}},
		Log: []domain.LogEntry{
			{ForDate: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC), TimeOfDay: "08:00", Status: domain.StatusTaken},
		},
		CreatedAt: time.Now(),
	}
}

func TestMemoryVersioning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()

	med := testMed("m1", "u1")
	if err := s.CreateMedication(ctx, med); err != nil {
		t.Fatal(err)
	}
	if med.Version != 1 {
		t.Fatalf("version after create = %d, want 1", med.Version)
	}

	a, _ := s.MedicationByIDAndOwner(ctx, "m1", "u1")
	b, _ := s.MedicationByIDAndOwner(ctx, "m1", "u1")

	a.Name = "Aspirin Forte"
	if err := s.UpdateMedication(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != 2 {
		t.Fatalf("version after update = %d, want 2", a.Version)
	}

	b.Name = "stale write"
	if err := s.UpdateMedication(ctx, b); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("stale update err = %v, want ErrVersionConflict", err)
	}

	got, _ := s.MedicationByIDAndOwner(ctx, "m1", "u1")
	if got.Name != "Aspirin Forte" {
		t.Fatalf("name = %q, stale writer must not win", got.Name)
	}
}

func TestMemoryOwnerScoping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	if err := s.CreateMedication(ctx, testMed("m1", "u1")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.MedicationByIDAndOwner(ctx, "m1", "u2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign read err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteMedication(ctx, "m1", "u2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign delete err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteMedication(ctx, "m1", "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MedicationByIDAndOwner(ctx, "m1", "u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("medication should be gone")
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()
	if err := s.CreateMedication(ctx, testMed("m1", "u1")); err != nil {
		t.Fatal(err)
	}

	a, _ := s.MedicationByIDAndOwner(ctx, "m1", "u1")
	a.Slots[0].TakenToday = true
	a.Log = append(a.Log, domain.LogEntry{TimeOfDay: "20:00", Status: domain.StatusMissed})

	b, _ := s.MedicationByIDAndOwner(ctx, "m1", "u1")
	if b.Slots[0].TakenToday || len(b.Log) != 1 {
		t.Fatal("mutating a returned medication must not leak into the store")
	}
}

func TestActiveMedications(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()

	active := testMed("m1", "u1")
	paused := testMed("m2", "u2")
	paused.Active = false
	if err := s.CreateMedication(ctx, active); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateMedication(ctx, paused); err != nil {
		t.Fatal(err)
	}

	got, err := s.ActiveMedications(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("active = %+v, want only m1", got)
	}
}
