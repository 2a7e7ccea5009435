package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// scheduleReminders persists one pending reminder per configured offset whose
// send time is still in the future, for a freshly confirmed appointment.
func (s *Service) scheduleReminders(ctx context.Context, appt *Appointment, slot *Slot) {
	now := s.now()
	start := slot.StartAt()

	var reminders []Reminder
	for _, offset := range s.policy.ReminderOffsets {
		sendAt := start.Add(-offset)
		if !sendAt.After(now) {
			continue
		}
		reminders = append(reminders, Reminder{
			ID:            uuid.New(),
			AppointmentID: appt.ID,
			Channel:       s.policy.ReminderChannel,
			SendAt:        sendAt,
			Status:        ReminderPending,
		})
	}
	if len(reminders) == 0 {
		return
	}

	if err := s.repo.CreateReminders(ctx, reminders); err != nil {
		s.log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("schedule reminders")
	}
}

// reminderDispatch is the payload handed to the notification transport.
type reminderDispatch struct {
	ReminderID    string    `json:"reminder_id"`
	AppointmentID string    `json:"appointment_id"`
	PatientID     string    `json:"patient_id"`
	ProviderID    string    `json:"provider_id"`
	Channel       string    `json:"channel"`
	StartsAt      time.Time `json:"starts_at"`
}

// DispatchDueReminders publishes every due pending reminder to the transport
// and marks it sent, or failed when the publish errors. Run periodically by
// the sweeper.
func (s *Service) DispatchDueReminders(ctx context.Context) (int, error) {
	due, err := s.repo.FindDueReminders(ctx, s.now(), 100)
	if err != nil {
		return 0, fmt.Errorf("find due reminders: %w", err)
	}

	dispatched := 0
	for _, rem := range due {
		appt, err := s.repo.GetAppointmentByID(ctx, rem.AppointmentID)
		if err != nil {
			s.log.Error().Err(err).Str("reminder_id", rem.ID.String()).Msg("load appointment")
			continue
		}
		if appt.Status != StatusConfirmed {
			// Lifecycle moved on since scheduling; nothing to remind about.
			if _, err := s.repo.UpdateReminderStatus(ctx, rem.ID, ReminderPending, ReminderCancelled); err != nil {
				s.logReminderStatusErr(err, rem.ID)
			}
			continue
		}
		slot, err := s.repo.GetSlotByID(ctx, appt.SlotID)
		if err != nil {
			s.log.Error().Err(err).Str("reminder_id", rem.ID.String()).Msg("load slot")
			continue
		}

		payload, err := json.Marshal(reminderDispatch{
			ReminderID:    rem.ID.String(),
			AppointmentID: appt.ID.String(),
			PatientID:     appt.PatientID.String(),
			ProviderID:    appt.ProviderID.String(),
			Channel:       rem.Channel,
			StartsAt:      slot.StartAt(),
		})
		if err != nil {
			s.log.Error().Err(err).Str("reminder_id", rem.ID.String()).Msg("marshal dispatch")
			continue
		}

		to := ReminderSent
		if err := s.publisher.Publish(ctx, payload); err != nil {
			s.log.Error().Err(err).Str("reminder_id", rem.ID.String()).Msg("publish reminder")
			to = ReminderFailed
		}
		if _, err := s.repo.UpdateReminderStatus(ctx, rem.ID, ReminderPending, to); err != nil {
			s.logReminderStatusErr(err, rem.ID)
			continue
		}
		if to == ReminderSent {
			s.logEvent(ctx, EventReminderDispatched, &appt.ID, &slot.ID, map[string]any{
				"reminder_id": rem.ID.String(),
				"channel":     rem.Channel,
			})
			dispatched++
		}
	}
	return dispatched, nil
}

func (s *Service) logReminderStatusErr(err error, id uuid.UUID) {
	if errors.Is(err, ErrStaleStatus) || errors.Is(err, ErrReminderNotFound) {
		return
	}
	s.log.Error().Err(err).Str("reminder_id", id.String()).Msg("update reminder status")
}

// waitlistOffer is the payload telling the transport to contact the patient
// about a freed slot.
type waitlistOffer struct {
	EntryID   string     `json:"entry_id"`
	PatientID string     `json:"patient_id"`
	SlotID    string     `json:"slot_id"`
	StartsAt  time.Time  `json:"starts_at"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Service) notifyWaitlisted(ctx context.Context, entry *WaitingListEntry, slot *Slot) {
	payload, err := json.Marshal(waitlistOffer{
		EntryID:   entry.ID.String(),
		PatientID: entry.PatientID.String(),
		SlotID:    slot.ID.String(),
		StartsAt:  slot.StartAt(),
		ExpiresAt: entry.ExpiresAt,
	})
	if err != nil {
		s.log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("marshal waitlist offer")
		return
	}
	if err := s.publisher.Publish(ctx, payload); err != nil {
		s.log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("publish waitlist offer")
	}
}
