package scheduling

import (
	"fmt"
	"time"
)

const minutesPerDay = 24 * 60

// ValidationError reports which field of an availability rule (or slot)
// violated which constraint, so callers can explain the rejection.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalidField(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the rule invariants. It does not touch storage.
func (r *AvailabilityRule) Validate() error {
	if r.ProviderID.String() == "00000000-0000-0000-0000-000000000000" {
		return invalidField("provider_id", "required")
	}
	if r.From.IsZero() || r.To.IsZero() {
		return invalidField("date_range", "from and to are required")
	}
	if r.To.Before(r.From) {
		return invalidField("date_range", "to %s precedes from %s",
			r.To.Format("2006-01-02"), r.From.Format("2006-01-02"))
	}
	if r.Morning == nil && r.Afternoon == nil {
		return invalidField("windows", "at least one of morning or afternoon is required")
	}
	if r.Morning != nil {
		if err := validateWindow("morning", r.Morning); err != nil {
			return err
		}
	}
	if r.Afternoon != nil {
		if err := validateWindow("afternoon", r.Afternoon); err != nil {
			return err
		}
	}
	if r.Morning != nil && r.Afternoon != nil && r.Afternoon.Start < r.Morning.End {
		return invalidField("afternoon", "starts at %s, before the morning window ends at %s",
			formatMinute(r.Afternoon.Start), formatMinute(r.Morning.End))
	}
	if !ValidSlotDuration(r.SlotMinutes) {
		return invalidField("slot_minutes", "%d is not an allowed duration %v", r.SlotMinutes, SlotDurations)
	}
	if r.Weekdays.Empty() {
		return invalidField("weekdays", "at least one weekday is required")
	}
	if r.Fee < 0 {
		return invalidField("fee", "must not be negative")
	}
	return nil
}

func validateWindow(name string, w *TimeWindow) error {
	if w.Start < 0 || w.Start >= minutesPerDay {
		return invalidField(name, "start %d is outside the day", w.Start)
	}
	if w.End <= 0 || w.End > minutesPerDay {
		return invalidField(name, "end %d is outside the day", w.End)
	}
	if w.End <= w.Start {
		return invalidField(name, "end %s is not after start %s",
			formatMinute(w.End), formatMinute(w.Start))
	}
	return nil
}

// SpanDays is the inclusive number of calendar days the rule covers.
func (r *AvailabilityRule) SpanDays() int {
	return int(DateOf(r.To).Sub(DateOf(r.From))/(24*time.Hour)) + 1
}

func formatMinute(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
