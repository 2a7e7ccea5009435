package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclinic/scheduling-engine/internal/scheduling"
)

const dateLayout = "2006-01-02"

type WindowPayload struct {
	Start string `json:"start"` // "08:00"
	End   string `json:"end"`   // "12:00"
}

type CreateRuleRequest struct {
	ProviderID   string         `json:"provider_id"`
	From         string         `json:"from"` // "2024-01-01"
	To           string         `json:"to"`
	Morning      *WindowPayload `json:"morning,omitempty"`
	Afternoon    *WindowPayload `json:"afternoon,omitempty"`
	SlotMinutes  int            `json:"slot_minutes"`
	Weekdays     []string       `json:"weekdays"` // ["mon","wed","fri"]
	Site         string         `json:"site,omitempty"`
	FeeCents     int64          `json:"fee_cents"`
	SyncCalendar bool           `json:"sync_calendar"`
	SyncEHR      bool           `json:"sync_ehr"`
}

type RuleResponse struct {
	ID           uuid.UUID      `json:"id"`
	ProviderID   uuid.UUID      `json:"provider_id"`
	From         string         `json:"from"`
	To           string         `json:"to"`
	Morning      *WindowPayload `json:"morning,omitempty"`
	Afternoon    *WindowPayload `json:"afternoon,omitempty"`
	SlotMinutes  int            `json:"slot_minutes"`
	Weekdays     []string       `json:"weekdays"`
	Site         string         `json:"site,omitempty"`
	FeeCents     int64          `json:"fee_cents"`
	SyncCalendar bool           `json:"sync_calendar"`
	SyncEHR      bool           `json:"sync_ehr"`
	Status       string         `json:"status"`
}

type GenerateResponse struct {
	RuleID  uuid.UUID `json:"rule_id"`
	Created int       `json:"created"`
}

type CreateSlotRequest struct {
	ProviderID string `json:"provider_id"`
	Date       string `json:"date"`
	Start      string `json:"start"` // "14:30"
	Minutes    int    `json:"minutes"`
	FeeCents   int64  `json:"fee_cents"`
	Blocked    bool   `json:"blocked,omitempty"`
}

type SlotResponse struct {
	ID         uuid.UUID  `json:"id"`
	ProviderID uuid.UUID  `json:"provider_id"`
	RuleID     *uuid.UUID `json:"rule_id,omitempty"`
	Date       string     `json:"date"`
	Start      string     `json:"start"`
	Minutes    int        `json:"minutes"`
	FeeCents   int64      `json:"fee_cents"`
	Status     string     `json:"status"`
	StartsAt   time.Time  `json:"starts_at"`
}

type BookRequest struct {
	SlotID          string `json:"slot_id"`
	PatientID       string `json:"patient_id"`
	Notes           string `json:"notes,omitempty"`
	PaymentRequired bool   `json:"payment_required"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"` // patient, provider, admin
}

type RescheduleRequest struct {
	NewSlotID string `json:"new_slot_id"`
}

type AppointmentResponse struct {
	ID            uuid.UUID  `json:"id"`
	SlotID        uuid.UUID  `json:"slot_id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	ProviderID    uuid.UUID  `json:"provider_id"`
	Status        string     `json:"status"`
	PaymentStatus string     `json:"payment_status"`
	Notes         string     `json:"notes,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	RefundCents   int64      `json:"refund_cents,omitempty"`
	CheckedInAt   *time.Time `json:"checked_in_at,omitempty"`
}

type JoinWaitlistRequest struct {
	PatientID     string `json:"patient_id"`
	ProviderID    string `json:"provider_id"`
	PreferredDate string `json:"preferred_date,omitempty"`
	PreferredTime string `json:"preferred_time,omitempty"` // "09:00"
	FlexibleDate  bool   `json:"flexible_date"`
	FlexibleTime  bool   `json:"flexible_time"`
}

type WaitlistEntryResponse struct {
	ID            uuid.UUID  `json:"id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	ProviderID    uuid.UUID  `json:"provider_id"`
	PreferredDate string     `json:"preferred_date,omitempty"`
	PreferredTime string     `json:"preferred_time,omitempty"`
	FlexibleDate  bool       `json:"flexible_date"`
	FlexibleTime  bool       `json:"flexible_time"`
	Status        string     `json:"status"`
	HeldSlotID    *uuid.UUID `json:"held_slot_id,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Mapping helpers

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

var weekdayOrder = []struct {
	name string
	day  time.Weekday
}{
	{"mon", time.Monday}, {"tue", time.Tuesday}, {"wed", time.Wednesday},
	{"thu", time.Thursday}, {"fri", time.Friday}, {"sat", time.Saturday}, {"sun", time.Sunday},
}

func parseWeekdays(names []string) (scheduling.Weekdays, error) {
	var w scheduling.Weekdays
	for _, n := range names {
		day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("unknown weekday %q", n)
		}
		w |= scheduling.NewWeekdays(day)
	}
	return w, nil
}

func weekdayList(w scheduling.Weekdays) []string {
	var names []string
	for _, d := range weekdayOrder {
		if w.Has(d.day) {
			names = append(names, d.name)
		}
	}
	return names
}

// parseClock converts "HH:MM" to minutes from midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func clockString(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

func parseWindow(p *WindowPayload) (*scheduling.TimeWindow, error) {
	if p == nil {
		return nil, nil
	}
	start, err := parseClock(p.Start)
	if err != nil {
		return nil, err
	}
	end, err := parseClock(p.End)
	if err != nil {
		return nil, err
	}
	return &scheduling.TimeWindow{Start: start, End: end}, nil
}

func windowPayload(w *scheduling.TimeWindow) *WindowPayload {
	if w == nil {
		return nil
	}
	return &WindowPayload{Start: clockString(w.Start), End: clockString(w.End)}
}

func ruleResponse(r *scheduling.AvailabilityRule) RuleResponse {
	return RuleResponse{
		ID:           r.ID,
		ProviderID:   r.ProviderID,
		From:         r.From.Format(dateLayout),
		To:           r.To.Format(dateLayout),
		Morning:      windowPayload(r.Morning),
		Afternoon:    windowPayload(r.Afternoon),
		SlotMinutes:  r.SlotMinutes,
		Weekdays:     weekdayList(r.Weekdays),
		Site:         r.Site,
		FeeCents:     r.Fee,
		SyncCalendar: r.SyncCalendar,
		SyncEHR:      r.SyncEHR,
		Status:       string(r.Status),
	}
}

func slotResponse(s *scheduling.Slot) SlotResponse {
	return SlotResponse{
		ID:         s.ID,
		ProviderID: s.ProviderID,
		RuleID:     s.RuleID,
		Date:       s.Date.Format(dateLayout),
		Start:      clockString(s.StartMinute),
		Minutes:    s.Minutes,
		FeeCents:   s.Fee,
		Status:     string(s.Status),
		StartsAt:   s.StartAt(),
	}
}

func appointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:            a.ID,
		SlotID:        a.SlotID,
		PatientID:     a.PatientID,
		ProviderID:    a.ProviderID,
		Status:        string(a.Status),
		PaymentStatus: string(a.PaymentStatus),
		Notes:         a.Notes,
		CancelReason:  a.CancelReason,
		CancelledAt:   a.CancelledAt,
		RefundCents:   a.RefundAmount,
		CheckedInAt:   a.CheckedInAt,
	}
}

func entryResponse(e *scheduling.WaitingListEntry) WaitlistEntryResponse {
	resp := WaitlistEntryResponse{
		ID:           e.ID,
		PatientID:    e.PatientID,
		ProviderID:   e.ProviderID,
		FlexibleDate: e.FlexibleDate,
		FlexibleTime: e.FlexibleTime,
		Status:       string(e.Status),
		HeldSlotID:   e.HeldSlotID,
		ExpiresAt:    e.ExpiresAt,
	}
	if !e.PreferredDate.IsZero() {
		resp.PreferredDate = e.PreferredDate.Format(dateLayout)
	}
	if e.PreferredMin != nil {
		resp.PreferredTime = clockString(*e.PreferredMin)
	}
	return resp
}
