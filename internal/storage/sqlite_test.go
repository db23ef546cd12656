package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"dosewatch/internal/domain"
	"dosewatch/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dosewatch.db")
	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	med := testMed("m1", "u1")
	if err := st.CreateMedication(ctx, med); err != nil {
		t.Fatal(err)
	}

	got, err := st.MedicationByIDAndOwner(ctx, "m1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != med.Name || len(got.Slots) != 2 || len(got.Log) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}
}

func TestSQLiteOptimisticUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	if err := st.CreateMedication(ctx, testMed("m1", "u1")); err != nil {
		t.Fatal(err)
	}
	a, _ := st.MedicationByIDAndOwner(ctx, "m1", "u1")
	b, _ := st.MedicationByIDAndOwner(ctx, "m1", "u1")

	a.Slots[0].TakenToday = true
	if err := st.UpdateMedication(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateMedication(ctx, b); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("stale update err = %v, want ErrVersionConflict", err)
	}

	// conflict vs not-found are distinguished
	missing := testMed("ghost", "u1")
	missing.Version = 1
	if err := st.UpdateMedication(ctx, missing); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing update err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteActiveFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	active := testMed("m1", "u1")
	paused := testMed("m2", "u1")
	paused.Active = false
	if err := st.CreateMedication(ctx, active); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateMedication(ctx, paused); err != nil {
		t.Fatal(err)
	}

	got, err := st.ActiveMedications(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("active = %d meds, want only m1", len(got))
	}

	// pausing via update moves it out of the active set
	active.Active = false
	if err := st.UpdateMedication(ctx, active); err != nil {
		t.Fatal(err)
	}
	got, _ = st.ActiveMedications(ctx)
	if len(got) != 0 {
		t.Fatalf("active after pause = %d, want 0", len(got))
	}
}
