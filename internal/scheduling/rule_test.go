package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRule() *AvailabilityRule {
	return &AvailabilityRule{
		ProviderID:  uuid.New(),
		From:        time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:          time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC),
		Morning:     window(8*60, 12*60),
		Afternoon:   window(14*60, 17*60),
		SlotMinutes: 30,
		Weekdays:    NewWeekdays(time.Monday, time.Wednesday, time.Friday),
		Fee:         5000,
	}
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *AvailabilityRule)
		wantField string
	}{
		{
			name:   "valid",
			mutate: func(r *AvailabilityRule) {},
		},
		{
			name:   "morning only",
			mutate: func(r *AvailabilityRule) { r.Afternoon = nil },
		},
		{
			name:   "afternoon only",
			mutate: func(r *AvailabilityRule) { r.Morning = nil },
		},
		{
			name:      "missing provider",
			mutate:    func(r *AvailabilityRule) { r.ProviderID = uuid.Nil },
			wantField: "provider_id",
		},
		{
			name:      "to precedes from",
			mutate:    func(r *AvailabilityRule) { r.To = r.From.AddDate(0, 0, -1) },
			wantField: "date_range",
		},
		{
			name: "no windows",
			mutate: func(r *AvailabilityRule) {
				r.Morning = nil
				r.Afternoon = nil
			},
			wantField: "windows",
		},
		{
			name:      "window end before start",
			mutate:    func(r *AvailabilityRule) { r.Morning = window(12*60, 8*60) },
			wantField: "morning",
		},
		{
			name:      "window end past midnight",
			mutate:    func(r *AvailabilityRule) { r.Afternoon = window(23*60, 25*60) },
			wantField: "afternoon",
		},
		{
			name:      "afternoon overlaps morning",
			mutate:    func(r *AvailabilityRule) { r.Afternoon = window(11*60, 15*60) },
			wantField: "afternoon",
		},
		{
			name:      "duration not in catalogue",
			mutate:    func(r *AvailabilityRule) { r.SlotMinutes = 25 },
			wantField: "slot_minutes",
		},
		{
			name:      "no weekdays",
			mutate:    func(r *AvailabilityRule) { r.Weekdays = 0 },
			wantField: "weekdays",
		},
		{
			name:      "negative fee",
			mutate:    func(r *AvailabilityRule) { r.Fee = -1 },
			wantField: "fee",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := validRule()
			tt.mutate(rule)

			err := rule.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}

func TestRuleAbuttingWindowsAllowed(t *testing.T) {
	rule := validRule()
	rule.Morning = window(8*60, 12*60)
	rule.Afternoon = window(12*60, 17*60)
	assert.NoError(t, rule.Validate())
}

func TestSpanDays(t *testing.T) {
	rule := validRule()
	assert.Equal(t, 31, rule.SpanDays())

	rule.To = rule.From
	assert.Equal(t, 1, rule.SpanDays())
}

func TestWeekdaysMask(t *testing.T) {
	w := NewWeekdays(time.Monday, time.Sunday)
	assert.True(t, w.Has(time.Monday))
	assert.True(t, w.Has(time.Sunday))
	assert.False(t, w.Has(time.Tuesday))
	assert.False(t, Weekdays(0).Has(time.Monday))
	assert.True(t, Weekdays(0).Empty())
}

func TestValidationErrorUnwrapsThroughService(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())

	rule := validRule()
	rule.SlotMinutes = 17
	_, err := env.svc.CreateRule(context.Background(), rule)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "slot_minutes", ve.Field)
}
