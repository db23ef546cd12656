package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dosewatch/internal/domain"
	"dosewatch/internal/eventbus"
	"dosewatch/internal/reconcile"
	"dosewatch/internal/storage"
	"dosewatch/pkg/logx"
)

const owner = "1001"

func newService(t *testing.T, store storage.Store, bus eventbus.Bus) *Service {
	t.Helper()
	return New(store, bus, logx.Nop(), reconcile.Policy{GracePeriod: 30 * time.Minute, Location: time.UTC})
}

func seedMedication(t *testing.T, svc *Service, times ...string) *domain.Medication {
	t.Helper()
	slots := make([]domain.ScheduleSlot, 0, len(times))
	for _, tt := range times {
		slots = append(slots, domain.ScheduleSlot{TimeOfDay: tt})
	}
	med, err := svc.CreateMedication(context.Background(), &domain.Medication{
		OwnerID: owner,
		Name:    "Aspirin",
		Dosage:  "100mg",
		Slots:   slots,
	})
	if err != nil {
		t.Fatalf("CreateMedication: %v", err)
	}
	return med
}

func at(hhmm string) time.Time {
	ts, err := time.Parse("2006-01-02 15:04:05", "2026-09-01 "+hhmm+":00")
	if err != nil {
		panic(err)
	}
	return ts.UTC()
}

func countStatus(log []domain.LogEntry, st domain.DoseStatus) int {
	n := 0
	for _, e := range log {
		if e.Status == st {
			n++
		}
	}
	return n
}

func TestMarkDoseTakenIdempotent(t *testing.T) {
	t.Parallel()
	svc := newService(t, storage.NewMemory(), nil)
	med := seedMedication(t, svc, "08:00")

	got, err := svc.MarkDoseTaken(context.Background(), owner, med.ID, 0, at("08:05"))
	if err != nil {
		t.Fatalf("MarkDoseTaken: %v", err)
	}
	if !got.Slots[0].TakenToday || got.Slots[0].TakenAt == nil {
		t.Fatal("slot should be marked taken with a timestamp")
	}
	if n := countStatus(got.Log, domain.StatusTaken); n != 1 {
		t.Fatalf("taken entries = %d, want 1", n)
	}

	// second mark is a no-op
	got2, err := svc.MarkDoseTaken(context.Background(), owner, med.ID, 0, at("08:06"))
	if err != nil {
		t.Fatalf("second MarkDoseTaken: %v", err)
	}
	if n := countStatus(got2.Log, domain.StatusTaken); n != 1 {
		t.Fatalf("taken entries after repeat = %d, want 1", n)
	}
	if !got2.Slots[0].TakenAt.Equal(*got.Slots[0].TakenAt) {
		t.Fatal("repeat mark must not move TakenAt")
	}
}

func TestMarkDoseTakenErrors(t *testing.T) {
	t.Parallel()
	svc := newService(t, storage.NewMemory(), nil)
	med := seedMedication(t, svc, "08:00")

	if _, err := svc.MarkDoseTaken(context.Background(), owner, "no-such-id", 0, at("08:00")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := svc.MarkDoseTaken(context.Background(), "999", med.ID, 0, at("08:00")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign owner err = %v, want ErrNotFound", err)
	}
	if _, err := svc.MarkDoseTaken(context.Background(), owner, med.ID, 5, at("08:00")); !errors.Is(err, domain.ErrInvalidSlotIndex) {
		t.Fatalf("err = %v, want ErrInvalidSlotIndex", err)
	}
}

func TestTickRecordsMissedExactlyOnce(t *testing.T) {
	t.Parallel()
	svc := newService(t, storage.NewMemory(), nil)
	med := seedMedication(t, svc, "08:00")

	// still inside grace: nothing
	rep, err := svc.RunMinuteTick(context.Background(), at("08:30"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Missed != 0 {
		t.Fatalf("missed at grace boundary = %d, want 0", rep.Missed)
	}

	// past grace: exactly one entry, and re-running stays at one
	for i, ts := range []string{"08:31", "08:32", "09:30"} {
		rep, err = svc.RunMinuteTick(context.Background(), at(ts))
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 && rep.Missed != 1 {
			t.Fatalf("first overdue tick missed = %d, want 1", rep.Missed)
		}
		if i > 0 && rep.Missed != 0 {
			t.Fatalf("tick %s missed = %d, want 0 (dedup)", ts, rep.Missed)
		}
	}

	got, err := svc.MedicationByID(context.Background(), med.ID, owner)
	if err != nil {
		t.Fatal(err)
	}
	if n := countStatus(got.Log, domain.StatusMissed); n != 1 {
		t.Fatalf("missed entries = %d, want 1", n)
	}
}

func TestTakenSuppressesMissed(t *testing.T) {
	t.Parallel()
	svc := newService(t, storage.NewMemory(), nil)
	med := seedMedication(t, svc, "08:00")

	if _, err := svc.MarkDoseTaken(context.Background(), owner, med.ID, 0, at("08:10")); err != nil {
		t.Fatal(err)
	}
	rep, err := svc.RunMinuteTick(context.Background(), at("08:31"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Missed != 0 {
		t.Fatalf("missed = %d, want 0 after taken", rep.Missed)
	}
}

func TestLateMarkTakenKeepsMissedEntry(t *testing.T) {
	t.Parallel()
	svc := newService(t, storage.NewMemory(), nil)
	med := seedMedication(t, svc, "08:00")

	if _, err := svc.RunMinuteTick(context.Background(), at("08:31")); err != nil {
		t.Fatal(err)
	}
	// user marks taken after the miss was recorded; both entries stand
	got, err := svc.MarkDoseTaken(context.Background(), owner, med.ID, 0, at("09:00"))
	if err != nil {
		t.Fatal(err)
	}
	if countStatus(got.Log, domain.StatusMissed) != 1 || countStatus(got.Log, domain.StatusTaken) != 1 {
		t.Fatalf("log = %+v, want one missed and one taken entry", got.Log)
	}

	// later ticks must not add a second missed entry for the day
	if _, err := svc.RunMinuteTick(context.Background(), at("10:31")); err != nil {
		t.Fatal(err)
	}
	got, _ = svc.MedicationByID(context.Background(), med.ID, owner)
	if n := countStatus(got.Log, domain.StatusMissed); n != 1 {
		t.Fatalf("missed entries = %d, want 1", n)
	}
}

func TestDueEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	svc := newService(t, storage.NewMemory(), bus)
	seedMedication(t, svc, "08:00", "20:00")

	rep, err := svc.RunMinuteTick(context.Background(), at("08:00"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Triggered != 1 {
		t.Fatalf("triggered = %d, want 1", rep.Triggered)
	}

	var due int
	deadline := time.After(time.Second)
	for due == 0 {
		select {
		case e := <-ch:
			if e.Type == eventbus.TypeReminderDue {
				d, ok := e.Data.(reconcile.DueEvent)
				if !ok || d.TimeOfDay != "08:00" {
					t.Fatalf("unexpected due payload %+v", e.Data)
				}
				due++
			}
		case <-deadline:
			t.Fatal("no due event received")
		}
	}
}

// countingStore counts UpdateMedication calls to assert write-free repeats.
type countingStore struct {
	storage.Store
	mu      sync.Mutex
	updates int
}

func (c *countingStore) UpdateMedication(ctx context.Context, med *domain.Medication) error {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
	return c.Store.UpdateMedication(ctx, med)
}

func (c *countingStore) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

func TestDailyResetIdempotent(t *testing.T) {
	t.Parallel()
	cs := &countingStore{Store: storage.NewMemory()}
	svc := newService(t, cs, nil)
	med := seedMedication(t, svc, "08:00", "20:00")

	if _, err := svc.MarkDoseTaken(context.Background(), owner, med.ID, 0, at("08:05")); err != nil {
		t.Fatal(err)
	}
	base := cs.updateCount()

	rep, err := svc.RunDailyReset(context.Background(), at("23:59"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Cleared != 1 {
		t.Fatalf("cleared = %d, want 1", rep.Cleared)
	}
	if cs.updateCount() != base+1 {
		t.Fatalf("updates = %d, want %d", cs.updateCount(), base+1)
	}

	got, _ := svc.MedicationByID(context.Background(), med.ID, owner)
	for i, s := range got.Slots {
		if s.TakenToday || s.TakenAt != nil {
			t.Fatalf("slot %d not cleared: %+v", i, s)
		}
	}
	if len(got.Log) == 0 {
		t.Fatal("reset must preserve the log")
	}

	// second reset sees nothing to clear and issues no writes
	rep, err = svc.RunDailyReset(context.Background(), at("23:59"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Cleared != 0 || cs.updateCount() != base+1 {
		t.Fatalf("repeat reset cleared=%d updates=%d, want 0/%d", rep.Cleared, cs.updateCount(), base+1)
	}
}

func TestResetDailyScopedToOwner(t *testing.T) {
	t.Parallel()
	cs := &countingStore{Store: storage.NewMemory()}
	svc := newService(t, cs, nil)
	mine := seedMedication(t, svc, "08:00")
	other, err := svc.CreateMedication(context.Background(), &domain.Medication{
		OwnerID: "2002", Name: "Ibuprofen", Dosage: "200mg",
		Slots: []domain.ScheduleSlot{{TimeOfDay: "08:00"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.MarkDoseTaken(context.Background(), owner, mine.ID, 0, at("08:05")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.MarkDoseTaken(context.Background(), "2002", other.ID, 0, at("08:05")); err != nil {
		t.Fatal(err)
	}
	base := cs.updateCount()

	rep, err := svc.ResetDaily(context.Background(), owner, at("12:00"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Cleared != 1 || cs.updateCount() != base+1 {
		t.Fatalf("cleared=%d updates=%d, want 1/%d", rep.Cleared, cs.updateCount(), base+1)
	}

	got, _ := svc.MedicationByID(context.Background(), mine.ID, owner)
	if got.Slots[0].TakenToday || got.Slots[0].TakenAt != nil {
		t.Fatalf("own slot not cleared: %+v", got.Slots[0])
	}
	theirs, _ := svc.MedicationByID(context.Background(), other.ID, "2002")
	if !theirs.Slots[0].TakenToday {
		t.Fatal("other owner's slot must be untouched")
	}

	// repeat is write-free
	rep, err = svc.ResetDaily(context.Background(), owner, at("12:01"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Cleared != 0 || cs.updateCount() != base+1 {
		t.Fatalf("repeat cleared=%d updates=%d, want 0/%d", rep.Cleared, cs.updateCount(), base+1)
	}
}

func TestTakenEntryRecordsMarkTime(t *testing.T) {
	t.Parallel()
	svc := newService(t, storage.NewMemory(), nil)
	med := seedMedication(t, svc, "08:00")

	got, err := svc.MarkDoseTaken(context.Background(), owner, med.ID, 0, at("08:17"))
	if err != nil {
		t.Fatal(err)
	}
	var entry *domain.LogEntry
	for i := range got.Log {
		if got.Log[i].Status == domain.StatusTaken {
			entry = &got.Log[i]
		}
	}
	if entry == nil {
		t.Fatal("no taken entry")
	}
	if !entry.ForDate.Equal(at("08:17")) {
		t.Fatalf("taken ForDate = %v, want the mark time 08:17", entry.ForDate)
	}
}

// failingStore fails writes for one medication id.
type failingStore struct {
	storage.Store
	failID string
}

func (f *failingStore) UpdateMedication(ctx context.Context, med *domain.Medication) error {
	if med.ID == f.failID {
		return errors.New("disk on fire")
	}
	return f.Store.UpdateMedication(ctx, med)
}

func TestTickIsolatesPerMedicationFailures(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	fs := &failingStore{Store: mem}
	svc := newService(t, fs, nil)

	bad := seedMedication(t, svc, "08:00")
	fs.failID = bad.ID
	good, err := svc.CreateMedication(context.Background(), &domain.Medication{
		OwnerID: owner, Name: "Ibuprofen", Dosage: "200mg",
		Slots: []domain.ScheduleSlot{{TimeOfDay: "08:00"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	rep, err := svc.RunMinuteTick(context.Background(), at("08:31"))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failures != 1 || rep.Missed != 1 {
		t.Fatalf("failures=%d missed=%d, want 1/1", rep.Failures, rep.Missed)
	}
	g, _ := svc.MedicationByID(context.Background(), good.ID, owner)
	if countStatus(g.Log, domain.StatusMissed) != 1 {
		t.Fatal("healthy medication should still get its missed entry")
	}
}

func TestUpcomingReminders(t *testing.T) {
	t.Parallel()
	svc := newService(t, storage.NewMemory(), nil)
	med := seedMedication(t, svc, "08:00", "14:00", "20:00")

	if _, err := svc.MarkDoseTaken(context.Background(), owner, med.ID, 1, at("13:55")); err != nil {
		t.Fatal(err)
	}
	up, err := svc.UpcomingReminders(context.Background(), owner, at("10:00"))
	if err != nil {
		t.Fatal(err)
	}
	// 08:00 already past, 14:00 taken, 20:00 remains
	if len(up) != 1 || up[0].TimeOfDay != "20:00" {
		t.Fatalf("upcoming = %+v, want only 20:00", up)
	}
}

func TestHistoryAndStats(t *testing.T) {
	t.Parallel()
	svc := newService(t, storage.NewMemory(), nil)
	med := seedMedication(t, svc, "08:00", "20:00")

	if _, err := svc.MarkDoseTaken(context.Background(), owner, med.ID, 0, at("08:05")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RunMinuteTick(context.Background(), at("20:31")); err != nil {
		t.Fatal(err)
	}

	hist, err := svc.History(context.Background(), owner, at("00:00"), at("23:59"))
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("history = %d entries, want 2", len(hist))
	}
	// newest first
	if hist[0].TimeOfDay != "20:00" || hist[0].Status != domain.StatusMissed {
		t.Fatalf("hist[0] = %+v, want 20:00 missed", hist[0])
	}

	st, err := svc.Stats(context.Background(), owner)
	if err != nil {
		t.Fatal(err)
	}
	if st.Taken != 1 || st.Missed != 1 || st.AdherencePct != 50 {
		t.Fatalf("stats = %+v, want 1 taken, 1 missed, 50%%", st)
	}
}

func TestStatsExcludePausedMedications(t *testing.T) {
	t.Parallel()
	svc := newService(t, storage.NewMemory(), nil)
	med := seedMedication(t, svc, "08:00")

	// build up history, then pause
	if _, err := svc.RunMinuteTick(context.Background(), at("08:31")); err != nil {
		t.Fatal(err)
	}
	edit, _ := svc.MedicationByID(context.Background(), med.ID, owner)
	edit.Active = false
	if _, err := svc.UpdateMedication(context.Background(), edit); err != nil {
		t.Fatal(err)
	}

	active, err := svc.CreateMedication(context.Background(), &domain.Medication{
		OwnerID: owner, Name: "Ibuprofen", Dosage: "200mg",
		Slots: []domain.ScheduleSlot{{TimeOfDay: "09:00"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.MarkDoseTaken(context.Background(), owner, active.ID, 0, at("09:05")); err != nil {
		t.Fatal(err)
	}

	st, err := svc.Stats(context.Background(), owner)
	if err != nil {
		t.Fatal(err)
	}
	if st.Medications != 2 || st.Active != 1 {
		t.Fatalf("counts = %d meds / %d active, want 2/1", st.Medications, st.Active)
	}
	// the paused medication's missed entry must not drag adherence down
	if st.Taken != 1 || st.Missed != 0 || st.AdherencePct != 100 {
		t.Fatalf("stats = %+v, want taken only from the active medication", st)
	}
}

func TestCheckMissed(t *testing.T) {
	t.Parallel()
	svc := newService(t, storage.NewMemory(), nil)
	seedMedication(t, svc, "08:00")

	missed, err := svc.CheckMissed(context.Background(), owner, at("08:31"))
	if err != nil {
		t.Fatal(err)
	}
	if len(missed) != 1 || missed[0].TimeOfDay != "08:00" {
		t.Fatalf("missed = %+v, want one 08:00 entry", missed)
	}
	// immediately re-running finds nothing new
	missed, err = svc.CheckMissed(context.Background(), owner, at("08:32"))
	if err != nil {
		t.Fatal(err)
	}
	if len(missed) != 0 {
		t.Fatalf("repeat check = %+v, want none", missed)
	}
}

func TestUpdateMedicationPreservesSlotState(t *testing.T) {
	t.Parallel()
	svc := newService(t, storage.NewMemory(), nil)
	med := seedMedication(t, svc, "08:00", "20:00")
	if _, err := svc.MarkDoseTaken(context.Background(), owner, med.ID, 0, at("08:05")); err != nil {
		t.Fatal(err)
	}

	edit, _ := svc.MedicationByID(context.Background(), med.ID, owner)
	edit.Dosage = "200mg"
	edit.Slots = []domain.ScheduleSlot{{TimeOfDay: "08:00"}, {TimeOfDay: "21:00"}}
	got, err := svc.UpdateMedication(context.Background(), edit)
	if err != nil {
		t.Fatal(err)
	}
	if got.Dosage != "200mg" {
		t.Fatalf("dosage = %q", got.Dosage)
	}
	if !got.Slots[0].TakenToday {
		t.Fatal("unchanged 08:00 slot should keep its taken state")
	}
	if got.Slots[1].TimeOfDay != "21:00" || got.Slots[1].TakenToday {
		t.Fatalf("moved slot should start untaken: %+v", got.Slots[1])
	}
}
