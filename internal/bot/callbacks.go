package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"dosewatch/internal/domain"
	"dosewatch/internal/reconcile"
	kit "dosewatch/internal/transport"
)

const (
	actionTaken = "dose:taken"
	actionSkip  = "dose:skip"
)

// handleCallback serves the inline buttons attached to due reminders. This
// is the live mark-taken path: it may race the background tick and relies on
// the store's optimistic versioning underneath.
func (r *Router) handleCallback(ctx context.Context, req *Request) error {
	medID, slot, err := parseDosePayload(req.Payload)
	if err != nil {
		return err
	}

	switch req.Command {
	case actionTaken:
		med, err := r.svc.Reminder.MarkDoseTaken(ctx, req.OwnerID, medID, slot, time.Now())
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return errors.New("medication no longer exists")
			}
			return err
		}
		_ = r.adapter.AnswerCallback(ctx, req.CallbackID, "Marked as taken ✅")
		if req.MessageID != 0 {
			text := fmt.Sprintf("✅ %s %s taken at %s", med.Name, med.Slots[slot].TimeOfDay, time.Now().Format("15:04"))
			_ = r.adapter.EditText(ctx, kit.MessageRef{ChatID: req.Chat.ChatID, MessageID: req.MessageID}, text, nil)
		}
		return nil

	case actionSkip:
		if err := r.svc.Reminder.MarkDoseSkipped(ctx, req.OwnerID, medID, slot, time.Now()); err != nil {
			return err
		}
		_ = r.adapter.AnswerCallback(ctx, req.CallbackID, "Recorded as skipped")
		return nil

	default:
		return fmt.Errorf("unknown action %q", req.Command)
	}
}

func parseDosePayload(payload string) (medID string, slot int, err error) {
	id, slotStr, ok := strings.Cut(payload, "|")
	if !ok || id == "" {
		return "", 0, fmt.Errorf("malformed payload %q", payload)
	}
	n, err := strconv.Atoi(slotStr)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("malformed slot in payload %q", payload)
	}
	return id, n, nil
}

// DueNotification renders a due-now event as a reminder message with
// taken/skip buttons. The chat id is the owner id (Telegram user id).
func DueNotification(due reconcile.DueEvent) (kit.Notification, bool) {
	chatID, err := strconv.ParseInt(due.OwnerID, 10, 64)
	if err != nil || chatID == 0 {
		return kit.Notification{}, false
	}

	payload := due.MedicationID + "|" + strconv.Itoa(due.SlotIndex)
	markup := &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{{
		{Text: "✅ Taken", Data: actionTaken + "|" + payload},
		{Text: "⏭ Skip", Data: actionSkip + "|" + payload},
	}}}

	text := fmt.Sprintf("Time for %s", due.Name)
	if due.Dosage != "" {
		text += " (" + due.Dosage + ")"
	}
	text += ", scheduled at " + due.TimeOfDay
	return kit.Notification{
		Priority: 5,
		Target:   kit.ChatTarget{ChatID: chatID},
		Text:     text,
		Options:  &kit.SendOptions{ReplyMarkup: markup},
	}, true
}

// MissedNotification renders a persisted missed entry as an alert.
func MissedNotification(ownerID, name, dosage, timeOfDay string, forDate time.Time) (kit.Notification, bool) {
	chatID, err := strconv.ParseInt(ownerID, 10, 64)
	if err != nil || chatID == 0 {
		return kit.Notification{}, false
	}
	text := fmt.Sprintf("Missed dose recorded: %s", name)
	if dosage != "" {
		text += " (" + dosage + ")"
	}
	text += fmt.Sprintf(" scheduled at %s on %s", timeOfDay, forDate.Format("Jan 02"))
	return kit.Notification{
		Priority: 7,
		Target:   kit.ChatTarget{ChatID: chatID},
		Text:     text,
	}, true
}
