package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSlotsExpansion(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()

	// Mon/Wed/Fri mornings through January 2024: 5 Mondays, 5 Wednesdays,
	// 4 Fridays. 08:00-12:00 at 30 minutes is 8 slots a day.
	rule, err := env.svc.CreateRule(ctx, &AvailabilityRule{
		ProviderID:  uuid.New(),
		From:        time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:          time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC),
		Morning:     window(8*60, 12*60),
		SlotMinutes: 30,
		Weekdays:    NewWeekdays(time.Monday, time.Wednesday, time.Friday),
		Fee:         4500,
	})
	require.NoError(t, err)
	assert.Equal(t, RuleDraft, rule.Status)

	created, err := env.svc.GenerateSlots(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 14*8, created)

	// First generation activates the rule.
	stored, err := env.svc.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, RuleActive, stored.Status)

	// Generated slots carry the rule's fee and duration.
	slot, err := env.repo.FindSlot(ctx, rule.ProviderID, time.Date(2024, time.January, 3, 0, 0, 0, 0, time.UTC), 8*60)
	require.NoError(t, err)
	assert.Equal(t, int64(4500), slot.Fee)
	assert.Equal(t, 30, slot.Minutes)
	assert.Equal(t, SlotAvailable, slot.Status)
	require.NotNil(t, slot.RuleID)
	assert.Equal(t, rule.ID, *slot.RuleID)

	// Tuesday is not in the weekday mask.
	_, err = env.repo.FindSlot(ctx, rule.ProviderID, time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC), 8*60)
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestGenerateSlotsIsIdempotent(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()

	rule, err := env.svc.CreateRule(ctx, validRule())
	require.NoError(t, err)

	first, err := env.svc.GenerateSlots(ctx, rule.ID)
	require.NoError(t, err)
	assert.Greater(t, first, 0)

	second, err := env.svc.GenerateSlots(ctx, rule.ID)
	require.NoError(t, err)
	assert.Zero(t, second, "rerunning generation must not create duplicates")
}

func TestGenerateSlotsDropsWindowRemainder(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()

	// 09:00-10:15 fits two 30-minute slots; the trailing 15 minutes are dropped.
	rule, err := env.svc.CreateRule(ctx, &AvailabilityRule{
		ProviderID:  uuid.New(),
		From:        time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:          time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		Morning:     window(9*60, 10*60+15),
		SlotMinutes: 30,
		Weekdays:    NewWeekdays(time.Monday),
	})
	require.NoError(t, err)

	created, err := env.svc.GenerateSlots(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	_, err = env.repo.FindSlot(ctx, rule.ProviderID, rule.From, 10*60)
	assert.ErrorIs(t, err, ErrSlotNotFound, "partial trailing slot must not exist")
}

func TestGenerateSlotsRejectsInactiveRule(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()

	rule, err := env.svc.CreateRule(ctx, validRule())
	require.NoError(t, err)
	require.NoError(t, env.svc.DeactivateRule(ctx, rule.ID))

	_, err = env.svc.GenerateSlots(ctx, rule.ID)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "status", ve.Field)
}

func TestGenerateSlotsRejectsOversizedSpan(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()

	rule := validRule()
	rule.To = rule.From.AddDate(2, 0, 0)
	created, err := env.svc.CreateRule(ctx, rule)
	require.NoError(t, err)

	_, err = env.svc.GenerateSlots(ctx, created.ID)
	assert.ErrorIs(t, err, ErrSpanTooLarge)
}

func TestCreateManualSlot(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	providerID := uuid.New()
	date := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)

	slot, err := env.svc.CreateManualSlot(ctx, &Slot{
		ProviderID:  providerID,
		Date:        date,
		StartMinute: 13 * 60,
		Minutes:     20,
		Fee:         3000,
	})
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, slot.Status)
	assert.Nil(t, slot.RuleID)

	// The (provider, date, start) key is taken now.
	_, err = env.svc.CreateManualSlot(ctx, &Slot{
		ProviderID:  providerID,
		Date:        date,
		StartMinute: 13 * 60,
		Minutes:     20,
	})
	assert.ErrorIs(t, err, ErrDuplicateSlot)

	_, err = env.svc.CreateManualSlot(ctx, &Slot{
		ProviderID:  providerID,
		Date:        date,
		StartMinute: 23*60 + 50,
		Minutes:     30,
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "start_minute", ve.Field)
}

func TestBlockUnblockSlot(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow.AddDate(0, 0, 7), 9*60, 30, 0)

	blocked, err := env.svc.BlockSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotBlocked, blocked.Status)

	// Blocking twice fails the CAS.
	_, err = env.svc.BlockSlot(ctx, slot.ID)
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	unblocked, err := env.svc.UnblockSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, unblocked.Status)
}

func TestListAvailableSlotsHonoursLeadTime(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	providerID := uuid.New()

	// One slot 10 minutes out (inside the 30-minute lead time), one tomorrow.
	env.addSlot(t, providerID, testNow, 8*60+10, 30, 0)
	farSlot := env.addSlot(t, providerID, testNow.AddDate(0, 0, 1), 9*60, 30, 0)

	slots, err := env.svc.ListAvailableSlots(ctx, providerID, testNow, testNow.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, farSlot.ID, slots[0].ID)
}
