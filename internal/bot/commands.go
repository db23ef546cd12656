package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dosewatch/internal/domain"
	"dosewatch/internal/reminder"
)

// Services is the operation surface the router needs. Kept as a struct so
// tests can plug in only what a case exercises.
type Services struct {
	Reminder *reminder.Service
}

func (r *Router) registerBuiltins() {
	r.Register(Command{Name: "start", Description: "What this bot does", Handle: r.cmdStart})
	r.Register(Command{Name: "help", Description: "Command reference", Handle: r.cmdHelp})
	r.Register(Command{Name: "add", Description: "Add a medication", Usage: "/add Name; Dosage; 08:00,20:00[; notes]", Handle: r.cmdAdd})
	r.Register(Command{Name: "meds", Description: "List your medications", Handle: r.cmdMeds})
	r.Register(Command{Name: "due", Description: "Upcoming doses today", Handle: r.cmdDue})
	r.Register(Command{Name: "taken", Description: "Mark a dose taken", Usage: "/taken <med #> <slot #>", Handle: r.cmdTaken})
	r.Register(Command{Name: "skip", Description: "Record a skipped dose", Usage: "/skip <med #> <slot #>", Handle: r.cmdSkip})
	r.Register(Command{Name: "remove", Description: "Delete a medication", Usage: "/remove <med #>", Handle: r.cmdRemove})
	r.Register(Command{Name: "pause", Description: "Deactivate reminders for a medication", Usage: "/pause <med #>", Handle: r.cmdSetActive(false)})
	r.Register(Command{Name: "resume", Description: "Reactivate reminders for a medication", Usage: "/resume <med #>", Handle: r.cmdSetActive(true)})
	r.Register(Command{Name: "history", Description: "Dose log for the last 7 days", Handle: r.cmdHistory})
	r.Register(Command{Name: "stats", Description: "Adherence statistics", Handle: r.cmdStats})
	r.Register(Command{Name: "check", Description: "Run missed-dose detection now", Handle: r.cmdCheck})
	r.Register(Command{Name: "reset", Description: "Clear today's taken marks", Handle: r.cmdReset})
}

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	r.reply(ctx, req, "I track your medication schedule and remind you when doses are due.\n"+
		"Add one with /add, see /help for everything else.")
	return nil
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range r.Commands() {
		r.mu.RLock()
		full := r.commands[c.Command]
		r.mu.RUnlock()
		b.WriteString("/" + c.Command)
		if full.Usage != "" {
			b.WriteString("  " + full.Usage)
		}
		b.WriteString("\n    " + c.Description + "\n")
	}
	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) cmdAdd(ctx context.Context, req *Request) error {
	raw := strings.TrimSpace(strings.Join(req.Args, " "))
	parts := strings.Split(raw, ";")
	if len(parts) < 3 {
		r.reply(ctx, req, "Usage: /add Name; Dosage; 08:00,20:00[; notes]")
		return nil
	}
	name := strings.TrimSpace(parts[0])
	dosage := strings.TrimSpace(parts[1])
	var slots []domain.ScheduleSlot
	for _, t := range strings.Split(parts[2], ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		slots = append(slots, domain.ScheduleSlot{TimeOfDay: t})
	}
	notes := ""
	if len(parts) > 3 {
		notes = strings.TrimSpace(strings.Join(parts[3:], ";"))
	}

	med := &domain.Medication{
		OwnerID:   req.OwnerID,
		Name:      name,
		Dosage:    dosage,
		Slots:     slots,
		Notes:     notes,
		Frequency: frequencyForSlotCount(len(slots)),
	}
	created, err := r.svc.Reminder.CreateMedication(ctx, med)
	if err != nil {
		r.reply(ctx, req, "Could not add medication: "+err.Error())
		return nil
	}
	times := make([]string, 0, len(created.Slots))
	for _, s := range created.Slots {
		times = append(times, s.TimeOfDay)
	}
	r.reply(ctx, req, fmt.Sprintf("Added %s (%s) at %s.", created.Name, created.Dosage, strings.Join(times, ", ")))
	return nil
}

func (r *Router) cmdMeds(ctx context.Context, req *Request) error {
	meds, err := r.svc.Reminder.Medications(ctx, req.OwnerID)
	if err != nil {
		return err
	}
	if len(meds) == 0 {
		r.reply(ctx, req, "No medications yet. Add one with /add.")
		return nil
	}
	var b strings.Builder
	for i, m := range meds {
		state := ""
		if !m.Active {
			state = " (paused)"
		}
		fmt.Fprintf(&b, "%d. %s %s%s\n", i+1, m.Name, m.Dosage, state)
		for j, s := range m.Slots {
			mark := " "
			if s.TakenToday {
				mark = "✅"
			}
			fmt.Fprintf(&b, "   %d) %s %s\n", j+1, s.TimeOfDay, mark)
		}
	}
	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) cmdDue(ctx context.Context, req *Request) error {
	up, err := r.svc.Reminder.UpcomingReminders(ctx, req.OwnerID, time.Now())
	if err != nil {
		return err
	}
	if len(up) == 0 {
		r.reply(ctx, req, "Nothing left today. 🎉")
		return nil
	}
	var b strings.Builder
	b.WriteString("Still due today:\n")
	for _, u := range up {
		fmt.Fprintf(&b, "%s  %s (%s)\n", u.TimeOfDay, u.Name, u.Dosage)
	}
	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) cmdTaken(ctx context.Context, req *Request) error {
	med, slot, err := r.resolveMedSlot(ctx, req)
	if err != nil {
		r.reply(ctx, req, err.Error())
		return nil
	}
	if _, err := r.svc.Reminder.MarkDoseTaken(ctx, req.OwnerID, med.ID, slot, time.Now()); err != nil {
		return err
	}
	r.reply(ctx, req, fmt.Sprintf("Marked %s %s as taken. ✅", med.Name, med.Slots[slot].TimeOfDay))
	return nil
}

func (r *Router) cmdSkip(ctx context.Context, req *Request) error {
	med, slot, err := r.resolveMedSlot(ctx, req)
	if err != nil {
		r.reply(ctx, req, err.Error())
		return nil
	}
	if err := r.svc.Reminder.MarkDoseSkipped(ctx, req.OwnerID, med.ID, slot, time.Now()); err != nil {
		return err
	}
	r.reply(ctx, req, fmt.Sprintf("Recorded %s %s as skipped.", med.Name, med.Slots[slot].TimeOfDay))
	return nil
}

func (r *Router) cmdRemove(ctx context.Context, req *Request) error {
	med, err := r.resolveMed(ctx, req, req.Arg(0))
	if err != nil {
		r.reply(ctx, req, err.Error())
		return nil
	}
	if err := r.svc.Reminder.DeleteMedication(ctx, med.ID, req.OwnerID); err != nil {
		return err
	}
	r.reply(ctx, req, "Removed "+med.Name+".")
	return nil
}

func (r *Router) cmdSetActive(active bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		med, err := r.resolveMed(ctx, req, req.Arg(0))
		if err != nil {
			r.reply(ctx, req, err.Error())
			return nil
		}
		med.Active = active
		if _, err := r.svc.Reminder.UpdateMedication(ctx, med); err != nil {
			return err
		}
		if active {
			r.reply(ctx, req, "Resumed reminders for "+med.Name+".")
		} else {
			r.reply(ctx, req, "Paused reminders for "+med.Name+".")
		}
		return nil
	}
}

func (r *Router) cmdHistory(ctx context.Context, req *Request) error {
	now := time.Now()
	entries, err := r.svc.Reminder.History(ctx, req.OwnerID, now.AddDate(0, 0, -7), now)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		r.reply(ctx, req, "No dose log in the last 7 days.")
		return nil
	}
	var b strings.Builder
	b.WriteString("Last 7 days:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s  %s: %s\n", e.ForDate.Format("Jan 02"), e.TimeOfDay, e.Name, statusGlyph(e.Status))
	}
	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) cmdStats(ctx context.Context, req *Request) error {
	st, err := r.svc.Reminder.Stats(ctx, req.OwnerID)
	if err != nil {
		return err
	}
	r.reply(ctx, req, fmt.Sprintf(
		"Medications: %d (%d active)\nTaken: %d\nMissed: %d\nSkipped: %d\nAdherence: %.1f%%",
		st.Medications, st.Active, st.Taken, st.Missed, st.Skipped, st.AdherencePct))
	return nil
}

func (r *Router) cmdCheck(ctx context.Context, req *Request) error {
	missed, err := r.svc.Reminder.CheckMissed(ctx, req.OwnerID, time.Now())
	if err != nil {
		return err
	}
	if len(missed) == 0 {
		r.reply(ctx, req, "No newly missed doses.")
		return nil
	}
	var b strings.Builder
	b.WriteString("Newly recorded as missed:\n")
	for _, e := range missed {
		fmt.Fprintf(&b, "%s  %s (%s)\n", e.TimeOfDay, e.Name, e.Dosage)
	}
	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) cmdReset(ctx context.Context, req *Request) error {
	rep, err := r.svc.Reminder.ResetDaily(ctx, req.OwnerID, time.Now())
	if err != nil {
		return err
	}
	if rep.Cleared == 0 {
		r.reply(ctx, req, "Nothing to reset, no doses are marked taken.")
		return nil
	}
	r.reply(ctx, req, fmt.Sprintf("Reset %d medication(s) for a fresh day.", rep.Cleared))
	return nil
}

// resolveMed maps a 1-based list position (as shown by /meds) to a
// medication.
func (r *Router) resolveMed(ctx context.Context, req *Request, arg string) (*domain.Medication, error) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 1 {
		return nil, errors.New("give the medication number from /meds")
	}
	meds, err := r.svc.Reminder.Medications(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if n > len(meds) {
		return nil, fmt.Errorf("no medication #%d, you have %d", n, len(meds))
	}
	return meds[n-1], nil
}

func (r *Router) resolveMedSlot(ctx context.Context, req *Request) (*domain.Medication, int, error) {
	med, err := r.resolveMed(ctx, req, req.Arg(0))
	if err != nil {
		return nil, 0, err
	}
	slotArg := req.Arg(1)
	if slotArg == "" && len(med.Slots) == 1 {
		return med, 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(slotArg))
	if err != nil || n < 1 || n > len(med.Slots) {
		return nil, 0, fmt.Errorf("give a slot number 1..%d", len(med.Slots))
	}
	return med, n - 1, nil
}

func frequencyForSlotCount(n int) domain.Frequency {
	switch n {
	case 1:
		return domain.OnceDaily
	case 2:
		return domain.TwiceDaily
	case 3:
		return domain.ThreeTimes
	default:
		return domain.Custom
	}
}

func statusGlyph(s domain.DoseStatus) string {
	switch s {
	case domain.StatusTaken:
		return "taken ✅"
	case domain.StatusMissed:
		return "missed ❌"
	case domain.StatusSkipped:
		return "skipped ⏭"
	default:
		return string(s)
	}
}
