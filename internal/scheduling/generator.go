package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSpanTooLarge rejects generation over a date range beyond the configured
// cap. Generation is never silently truncated.
var ErrSpanTooLarge = errors.New("rule date range exceeds the generation cap")

// CreateRule validates and stores a new availability rule. Rules start in the
// status the caller set, defaulting to draft.
func (s *Service) CreateRule(ctx context.Context, rule *AvailabilityRule) (*AvailabilityRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.Status == "" {
		rule.Status = RuleDraft
	}
	rule.From = DateOf(rule.From)
	rule.To = DateOf(rule.To)

	if err := s.repo.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	return rule, nil
}

// UpdateRule revalidates and stores a changed rule. Slots already generated
// from the old shape are untouched; regeneration only adds.
func (s *Service) UpdateRule(ctx context.Context, rule *AvailabilityRule) (*AvailabilityRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	rule.From = DateOf(rule.From)
	rule.To = DateOf(rule.To)

	if err := s.repo.UpdateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	return rule, nil
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*AvailabilityRule, error) {
	return s.repo.GetRuleByID(ctx, id)
}

// DeactivateRule stops a rule without touching its generated slots; slots
// outlive the rule.
func (s *Service) DeactivateRule(ctx context.Context, id uuid.UUID) error {
	if _, err := s.repo.GetRuleByID(ctx, id); err != nil {
		return err
	}
	return s.repo.SetRuleStatus(ctx, id, RuleInactive)
}

// GenerateSlots expands the rule over its date range into concrete slots,
// skipping (provider, date, time) keys that already exist. Reruns are
// idempotent. Returns the number of newly created slots.
func (s *Service) GenerateSlots(ctx context.Context, ruleID uuid.UUID) (int, error) {
	rule, err := s.repo.GetRuleByID(ctx, ruleID)
	if err != nil {
		return 0, err
	}
	if rule.Status == RuleInactive {
		return 0, invalidField("status", "rule %s is inactive", rule.ID)
	}
	if err := rule.Validate(); err != nil {
		return 0, err
	}
	if span := rule.SpanDays(); span > s.policy.MaxGenerationDays {
		return 0, fmt.Errorf("%w: %d days, cap is %d", ErrSpanTooLarge, span, s.policy.MaxGenerationDays)
	}

	windows := make([]TimeWindow, 0, 2)
	if rule.Morning != nil {
		windows = append(windows, *rule.Morning)
	}
	if rule.Afternoon != nil {
		windows = append(windows, *rule.Afternoon)
	}

	created := 0
	for date := DateOf(rule.From); !date.After(DateOf(rule.To)); date = date.AddDate(0, 0, 1) {
		if !rule.Weekdays.Has(date.Weekday()) {
			continue
		}
		for _, w := range windows {
			// Remainder time at the end of the window that does not fit a
			// whole slot is dropped.
			for start := w.Start; start+rule.SlotMinutes <= w.End; start += rule.SlotMinutes {
				slot := &Slot{
					ID:          uuid.New(),
					ProviderID:  rule.ProviderID,
					RuleID:      &rule.ID,
					Date:        date,
					StartMinute: start,
					Minutes:     rule.SlotMinutes,
					Fee:         rule.Fee,
					Status:      SlotAvailable,
				}
				inserted, err := s.repo.CreateSlotIfAbsent(ctx, slot)
				if err != nil {
					return created, fmt.Errorf("insert slot %s %s: %w",
						date.Format("2006-01-02"), formatMinute(start), err)
				}
				if inserted {
					created++
				}
			}
		}
	}

	if rule.Status == RuleDraft {
		if err := s.repo.SetRuleStatus(ctx, rule.ID, RuleActive); err != nil {
			s.log.Error().Err(err).Str("rule_id", rule.ID.String()).Msg("activate rule")
		}
	}

	s.logEvent(ctx, EventSlotsGenerated, nil, nil, map[string]any{
		"rule_id": rule.ID.String(),
		"created": created,
	})
	s.log.Info().
		Str("rule_id", rule.ID.String()).
		Int("created", created).
		Msg("slots generated")

	return created, nil
}

// CreateManualSlot adds a single ad-hoc slot outside any rule, e.g. an
// administrative block or a one-off opening.
func (s *Service) CreateManualSlot(ctx context.Context, slot *Slot) (*Slot, error) {
	if slot.ProviderID == uuid.Nil {
		return nil, invalidField("provider_id", "required")
	}
	if !ValidSlotDuration(slot.Minutes) {
		return nil, invalidField("minutes", "%d is not an allowed duration %v", slot.Minutes, SlotDurations)
	}
	if slot.StartMinute < 0 || slot.StartMinute+slot.Minutes > minutesPerDay {
		return nil, invalidField("start_minute", "slot does not fit inside the day")
	}
	if slot.Status == "" {
		slot.Status = SlotAvailable
	}
	if slot.Status != SlotAvailable && slot.Status != SlotBlocked {
		return nil, invalidField("status", "manual slots start available or blocked")
	}
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	slot.Date = DateOf(slot.Date)
	slot.RuleID = nil

	inserted, err := s.repo.CreateSlotIfAbsent(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("create slot: %w", err)
	}
	if !inserted {
		return nil, ErrDuplicateSlot
	}
	return slot, nil
}

// BlockSlot and UnblockSlot toggle the administrative available<->blocked edge.
func (s *Service) BlockSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	slot, err := s.repo.UpdateSlotStatus(ctx, id, SlotAvailable, SlotBlocked)
	if err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, fmt.Errorf("%w: slot %s is not available", ErrSlotUnavailable, id)
		}
		return nil, err
	}
	return slot, nil
}

func (s *Service) UnblockSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	slot, err := s.repo.UpdateSlotStatus(ctx, id, SlotBlocked, SlotAvailable)
	if err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, fmt.Errorf("%w: slot %s is not blocked", ErrSlotUnavailable, id)
		}
		return nil, err
	}
	return slot, nil
}

func (s *Service) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return s.repo.GetSlotByID(ctx, id)
}

// ListAvailableSlots returns bookable slots for a provider within [from, to].
// Past slots, slots inside the minimum lead time and slots held for a notified
// waitlist entry are excluded.
func (s *Service) ListAvailableSlots(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Slot, error) {
	if to.Before(from) {
		return nil, invalidField("date_range", "to precedes from")
	}
	return s.repo.ListAvailableSlots(ctx, AvailableSlotQuery{
		ProviderID: providerID,
		From:       DateOf(from),
		To:         DateOf(to),
		NotBefore:  s.now().Add(s.policy.MinLeadTime),
	})
}
