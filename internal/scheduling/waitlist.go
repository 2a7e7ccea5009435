package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// JoinWaitlist registers a standing request for a provider that is fully
// booked on the patient's preferred date.
func (s *Service) JoinWaitlist(ctx context.Context, entry *WaitingListEntry) (*WaitingListEntry, error) {
	if entry.PatientID == uuid.Nil {
		return nil, invalidField("patient_id", "required")
	}
	if entry.ProviderID == uuid.Nil {
		return nil, invalidField("provider_id", "required")
	}
	if entry.PreferredDate.IsZero() && !entry.FlexibleDate {
		return nil, invalidField("preferred_date", "required unless flexible_date is set")
	}
	if entry.PreferredMin != nil && (*entry.PreferredMin < 0 || *entry.PreferredMin >= minutesPerDay) {
		return nil, invalidField("preferred_minute", "outside the day")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.PreferredDate = DateOf(entry.PreferredDate)
	entry.Status = WaitlistActive

	if err := s.repo.CreateEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("create waitlist entry: %w", err)
	}
	return entry, nil
}

// CancelWaitlistEntry withdraws an entry. Cancelling a notified entry releases
// its hold and offers the slot to the next patient in line.
func (s *Service) CancelWaitlistEntry(ctx context.Context, id uuid.UUID) (*WaitingListEntry, error) {
	entry, err := s.repo.GetEntryByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch entry.Status {
	case WaitlistActive:
		return s.repo.UpdateEntryStatus(ctx, id, WaitlistActive, WaitlistCancelled)
	case WaitlistNotified:
		updated, err := s.repo.UpdateEntryStatus(ctx, id, WaitlistNotified, WaitlistCancelled)
		if err != nil {
			return nil, err
		}
		s.cascadeAfterHold(ctx, entry)
		return updated, nil
	default:
		return nil, fmt.Errorf("%w: entry %s is %s", ErrInvalidTransition, id, entry.Status)
	}
}

// onSlotFreed gives the freed slot to the oldest matching active entry before
// it reappears in general availability. The per-slot hold (SetNX, TTL equal to
// the confirmation window) keeps concurrent frees from notifying two patients
// for one slot.
func (s *Service) onSlotFreed(ctx context.Context, slot *Slot) error {
	for {
		entry, err := s.repo.NextActiveEntry(ctx, slot)
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				return nil
			}
			return fmt.Errorf("next waitlist entry: %w", err)
		}

		acquired, err := s.holder.Acquire(ctx, slot.ID, entry.ID.String(), s.policy.ConfirmationWindow)
		if err != nil {
			return fmt.Errorf("acquire hold: %w", err)
		}
		if !acquired {
			// Slot already held for someone.
			return nil
		}

		now := s.now()
		notified, err := s.repo.MarkNotified(ctx, entry.ID, slot.ID, now, now.Add(s.policy.ConfirmationWindow))
		if err != nil {
			_ = s.holder.Release(ctx, slot.ID, entry.ID.String())
			if errors.Is(err, ErrStaleStatus) || errors.Is(err, ErrEntryNotFound) {
				// Entry resolved concurrently, try the next one.
				continue
			}
			return fmt.Errorf("mark notified: %w", err)
		}

		s.notifyWaitlisted(ctx, notified, slot)
		s.logEvent(ctx, EventWaitlistNotified, nil, &slot.ID, map[string]any{
			"entry_id":   notified.ID.String(),
			"patient_id": notified.PatientID.String(),
			"expires_at": notified.ExpiresAt,
		})
		s.log.Info().
			Str("entry_id", notified.ID.String()).
			Str("slot_id", slot.ID.String()).
			Msg("waitlist entry notified")
		return nil
	}
}

// SweepWaitlist expires notified entries past their confirmation window and
// cascades each freed slot to the next queued entry.
func (s *Service) SweepWaitlist(ctx context.Context) (int, error) {
	expired, err := s.repo.FindExpiredNotified(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("find expired waitlist entries: %w", err)
	}

	swept := 0
	for _, entry := range expired {
		if _, err := s.repo.UpdateEntryStatus(ctx, entry.ID, WaitlistNotified, WaitlistExpired); err != nil {
			if !errors.Is(err, ErrStaleStatus) && !errors.Is(err, ErrEntryNotFound) {
				s.log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("expire waitlist entry")
			}
			continue
		}
		s.logEvent(ctx, EventWaitlistExpired, nil, entry.HeldSlotID, map[string]any{
			"entry_id": entry.ID.String(),
		})
		s.cascadeAfterHold(ctx, &entry)
		swept++
	}
	return swept, nil
}

// resolveHold settles a notified entry (booked or expired) and drops its hold.
func (s *Service) resolveHold(ctx context.Context, entry *WaitingListEntry, to WaitlistStatus) {
	if _, err := s.repo.UpdateEntryStatus(ctx, entry.ID, WaitlistNotified, to); err != nil {
		if !errors.Is(err, ErrStaleStatus) {
			s.log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("resolve waitlist entry")
		}
	}
	if entry.HeldSlotID != nil {
		if err := s.holder.Release(ctx, *entry.HeldSlotID, entry.ID.String()); err != nil {
			s.log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("release hold")
		}
	}
}

// cascadeAfterHold releases the ended hold and re-offers the slot, if it is
// still available, to the next entry in line.
func (s *Service) cascadeAfterHold(ctx context.Context, entry *WaitingListEntry) {
	if entry.HeldSlotID == nil {
		return
	}
	if err := s.holder.Release(ctx, *entry.HeldSlotID, entry.ID.String()); err != nil {
		s.log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("release hold")
	}

	slot, err := s.repo.GetSlotByID(ctx, *entry.HeldSlotID)
	if err != nil {
		s.log.Error().Err(err).Str("slot_id", entry.HeldSlotID.String()).Msg("load held slot")
		return
	}
	if slot.Status != SlotAvailable {
		return
	}
	if err := s.onSlotFreed(ctx, slot); err != nil {
		s.log.Error().Err(err).Str("slot_id", slot.ID.String()).Msg("waitlist cascade")
	}
}
