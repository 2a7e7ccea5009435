package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/openclinic/scheduling-engine/internal/redis"
)

const (
	EventSlotsGenerated        = "SLOTS_GENERATED"
	EventAppointmentBooked     = "APPOINTMENT_BOOKED"
	EventAppointmentConfirmed  = "APPOINTMENT_CONFIRMED"
	EventAppointmentCheckedIn  = "APPOINTMENT_CHECKED_IN"
	EventAppointmentCompleted  = "APPOINTMENT_COMPLETED"
	EventAppointmentCancelled  = "APPOINTMENT_CANCELLED"
	EventAppointmentNoShow     = "APPOINTMENT_NO_SHOW"
	EventAppointmentReschedule = "APPOINTMENT_RESCHEDULED"
	EventWaitlistNotified      = "WAITLIST_NOTIFIED"
	EventWaitlistExpired       = "WAITLIST_EXPIRED"
	EventReminderDispatched    = "REMINDER_DISPATCHED"
)

var (
	// ErrSlotUnavailable covers every way a slot can be unclaimable: already
	// booked, blocked, cancelled, held for a waitlisted patient, or lost CAS.
	ErrSlotUnavailable = errors.New("slot is not available")

	ErrInvalidTransition = errors.New("invalid appointment status transition")

	// ErrOutOfPolicyWindow covers lead-time, advance-booking and
	// terminal-cancellation policy rejections.
	ErrOutOfPolicyWindow = errors.New("outside the allowed policy window")
)

// Policy carries the scheduling knobs. All durations are facility-local.
type Policy struct {
	MinLeadTime        time.Duration // slots starting sooner than this cannot be booked
	MaxAdvanceDays     int           // 0 = unlimited
	CancellationCutoff time.Duration // before slot start; full refund side of the boundary
	LateRefundPercent  int           // refund percentage at or after the cutoff
	SlotReopenLeadTime time.Duration // cancelled this close to start, the slot is not reopened
	NoShowGrace        time.Duration
	ConfirmationWindow time.Duration // waitlist offer lifetime
	ReminderOffsets    []time.Duration
	ReminderChannel    string
	MaxGenerationDays  int
}

func DefaultPolicy() Policy {
	return Policy{
		MinLeadTime:        30 * time.Minute,
		MaxAdvanceDays:     90,
		CancellationCutoff: 24 * time.Hour,
		LateRefundPercent:  0,
		SlotReopenLeadTime: 2 * time.Hour,
		NoShowGrace:        30 * time.Minute,
		ConfirmationWindow: 4 * time.Hour,
		ReminderOffsets:    []time.Duration{24 * time.Hour, 2 * time.Hour},
		ReminderChannel:    "sms",
		MaxGenerationDays:  366,
	}
}

// Service is the scheduling engine: rule management, slot generation, booking,
// the appointment lifecycle, waitlist promotion and reminder scheduling.
type Service struct {
	repo      Repository
	holder    redisclient.SlotHolder
	publisher redisclient.Publisher
	refund    RefundCalculator
	policy    Policy
	log       zerolog.Logger

	now func() time.Time // overridable in tests
}

func NewService(repo Repository, holder redisclient.SlotHolder, publisher redisclient.Publisher, policy Policy, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		holder:    holder,
		publisher: publisher,
		refund:    NewPolicyRefund(policy.CancellationCutoff, policy.LateRefundPercent),
		policy:    policy,
		log:       log,
		now:       time.Now,
	}
}

// BookingOptions carries per-booking details from the caller.
type BookingOptions struct {
	Notes           string
	PaymentRequired bool // true: appointment starts pending until payment confirms it
}

// Book claims an available slot for a patient. Exactly one of N concurrent
// calls for the same slot succeeds; the rest get ErrSlotUnavailable and must
// re-query.
func (s *Service) Book(ctx context.Context, slotID, patientID uuid.UUID, opts BookingOptions) (*Appointment, error) {
	slot, err := s.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if slot.Status != SlotAvailable {
		return nil, fmt.Errorf("%w: slot %s is %s", ErrSlotUnavailable, slot.ID, slot.Status)
	}
	if err := s.checkBookingWindow(slot, now); err != nil {
		return nil, err
	}

	// A held slot may only be claimed by the patient it was offered to.
	held, err := s.repo.EntryHoldingSlot(ctx, slotID, now)
	switch {
	case err == nil:
		if held.PatientID != patientID {
			return nil, fmt.Errorf("%w: slot %s is held for a waitlisted patient", ErrSlotUnavailable, slot.ID)
		}
	case errors.Is(err, ErrEntryNotFound):
		held = nil
	default:
		return nil, fmt.Errorf("check waitlist hold: %w", err)
	}

	status := StatusConfirmed
	if opts.PaymentRequired {
		status = StatusPending
	}

	appt := &Appointment{
		ID:            uuid.New(),
		SlotID:        slot.ID,
		PatientID:     patientID,
		ProviderID:    slot.ProviderID,
		Status:        status,
		PaymentStatus: PaymentUnpaid,
		Notes:         opts.Notes,
	}

	created, err := s.repo.ClaimSlot(ctx, slot.ID, appt)
	if err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, fmt.Errorf("%w: slot %s was claimed concurrently", ErrSlotUnavailable, slot.ID)
		}
		return nil, fmt.Errorf("claim slot: %w", err)
	}

	if held != nil {
		s.resolveHold(ctx, held, WaitlistBooked)
	}

	if created.Status == StatusConfirmed {
		s.scheduleReminders(ctx, created, slot)
	}

	s.logEvent(ctx, EventAppointmentBooked, &created.ID, &slot.ID, map[string]any{
		"patient_id": patientID.String(),
		"status":     string(created.Status),
	})
	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("slot_id", slot.ID.String()).
		Str("status", string(created.Status)).
		Msg("slot booked")

	return created, nil
}

func (s *Service) checkBookingWindow(slot *Slot, now time.Time) error {
	start := slot.StartAt()
	if start.Before(now.Add(s.policy.MinLeadTime)) {
		return fmt.Errorf("%w: slot %s starts at %s, inside the %s lead time",
			ErrOutOfPolicyWindow, slot.ID, start.Format(time.RFC3339), s.policy.MinLeadTime)
	}
	if s.policy.MaxAdvanceDays > 0 && start.After(now.AddDate(0, 0, s.policy.MaxAdvanceDays)) {
		return fmt.Errorf("%w: slot %s is more than %d days ahead",
			ErrOutOfPolicyWindow, slot.ID, s.policy.MaxAdvanceDays)
	}
	return nil
}

// Confirm moves a pending appointment to confirmed (e.g. after payment) and
// schedules its reminders.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.transition(ctx, id, StatusConfirmed, func(a *Appointment) {
		a.PaymentStatus = PaymentPaid
	})
	if err != nil {
		return nil, err
	}

	slot, slotErr := s.repo.GetSlotByID(ctx, appt.SlotID)
	if slotErr != nil {
		s.log.Error().Err(slotErr).Str("appointment_id", id.String()).Msg("load slot for reminders")
	} else {
		s.scheduleReminders(ctx, appt, slot)
	}

	s.logEvent(ctx, EventAppointmentConfirmed, &appt.ID, &appt.SlotID, nil)
	return appt, nil
}

// CheckIn records patient arrival, confirmed -> in_progress.
func (s *Service) CheckIn(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	now := s.now()
	appt, err := s.transition(ctx, id, StatusInProgress, func(a *Appointment) {
		a.CheckedInAt = &now
	})
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, EventAppointmentCheckedIn, &appt.ID, &appt.SlotID, nil)
	return appt, nil
}

// Complete closes an in-progress appointment.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.transition(ctx, id, StatusCompleted, nil)
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, EventAppointmentCompleted, &appt.ID, &appt.SlotID, nil)
	return appt, nil
}

// Cancel ends a pending or confirmed appointment, computes the refund, frees
// the slot (waitlist first) and drops pending reminders.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if terminalAppointment(appt.Status) {
		return nil, fmt.Errorf("%w: appointment %s is already %s", ErrOutOfPolicyWindow, appt.ID, appt.Status)
	}
	if !ValidAppointmentTransition(appt.Status, StatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, StatusCancelled)
	}

	slot, err := s.repo.GetSlotByID(ctx, appt.SlotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}

	now := s.now()
	refund := s.refund.Refund(appt, slot, now)

	updated, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, StatusCancelled, func(a *Appointment) {
		a.CancelReason = reason
		a.CancelActor = actor
		a.CancelledAt = &now
		a.RefundAmount = refund
		if refund > 0 {
			a.PaymentStatus = PaymentRefunded
		}
	})
	if err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, fmt.Errorf("%w: appointment %s changed concurrently", ErrInvalidTransition, appt.ID)
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	if _, err := s.repo.CancelPendingReminders(ctx, updated.ID); err != nil {
		s.log.Error().Err(err).Str("appointment_id", updated.ID.String()).Msg("cancel reminders")
	}

	s.releaseSlot(ctx, slot, now)

	s.logEvent(ctx, EventAppointmentCancelled, &updated.ID, &slot.ID, map[string]any{
		"reason": reason,
		"actor":  actor,
		"refund": refund,
	})
	s.log.Info().
		Str("appointment_id", updated.ID.String()).
		Str("slot_id", slot.ID.String()).
		Int64("refund", refund).
		Msg("appointment cancelled")

	return updated, nil
}

// Reschedule books newSlotID for the same patient and retires the old
// appointment as rescheduled, freeing its slot. The old appointment is
// untouched if the new booking fails.
func (s *Service) Reschedule(ctx context.Context, id, newSlotID uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if terminalAppointment(appt.Status) {
		return nil, fmt.Errorf("%w: appointment %s is already %s", ErrOutOfPolicyWindow, appt.ID, appt.Status)
	}
	if !ValidAppointmentTransition(appt.Status, StatusRescheduled) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, StatusRescheduled)
	}

	oldSlot, err := s.repo.GetSlotByID(ctx, appt.SlotID)
	if err != nil {
		return nil, fmt.Errorf("load slot: %w", err)
	}

	newAppt, err := s.Book(ctx, newSlotID, appt.PatientID, BookingOptions{
		Notes:           appt.Notes,
		PaymentRequired: appt.PaymentStatus != PaymentPaid && appt.Status == StatusPending,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, StatusRescheduled, nil); err != nil {
		s.log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("mark rescheduled")
	}
	if _, err := s.repo.CancelPendingReminders(ctx, appt.ID); err != nil {
		s.log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("cancel reminders")
	}

	s.releaseSlot(ctx, oldSlot, s.now())

	s.logEvent(ctx, EventAppointmentReschedule, &appt.ID, &oldSlot.ID, map[string]any{
		"new_appointment_id": newAppt.ID.String(),
		"new_slot_id":        newSlotID.String(),
	})

	return newAppt, nil
}

// releaseSlot returns a booked slot to circulation after its appointment ends.
// Too close to start, the slot is retired instead of reopened; otherwise it
// goes back to available and the waitlist gets first offer.
func (s *Service) releaseSlot(ctx context.Context, slot *Slot, now time.Time) {
	if slot.StartAt().Sub(now) < s.policy.SlotReopenLeadTime {
		if _, err := s.repo.UpdateSlotStatus(ctx, slot.ID, SlotBooked, SlotCancelled); err != nil {
			s.log.Error().Err(err).Str("slot_id", slot.ID.String()).Msg("retire slot")
		}
		return
	}

	freed, err := s.repo.UpdateSlotStatus(ctx, slot.ID, SlotBooked, SlotAvailable)
	if err != nil {
		s.log.Error().Err(err).Str("slot_id", slot.ID.String()).Msg("reopen slot")
		return
	}
	if err := s.onSlotFreed(ctx, freed); err != nil {
		s.log.Error().Err(err).Str("slot_id", freed.ID.String()).Msg("waitlist promotion")
	}
}

// SweepNoShows transitions confirmed appointments whose slot start plus grace
// period has elapsed without check-in to no_show. The slot stays booked.
func (s *Service) SweepNoShows(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.policy.NoShowGrace)
	candidates, err := s.repo.FindNoShowCandidates(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find no-show candidates: %w", err)
	}

	swept := 0
	for _, appt := range candidates {
		if _, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusConfirmed, StatusNoShow, nil); err != nil {
			if !errors.Is(err, ErrStaleStatus) && !errors.Is(err, ErrAppointmentNotFound) {
				s.log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("mark no-show")
			}
			continue
		}
		if _, err := s.repo.CancelPendingReminders(ctx, appt.ID); err != nil {
			s.log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("cancel reminders")
		}
		s.logEvent(ctx, EventAppointmentNoShow, &appt.ID, &appt.SlotID, nil)
		swept++
	}
	return swept, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointmentByID(ctx, id)
}

func (s *Service) ListPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
}

// transition is the generic guarded status move used by the simple lifecycle
// steps. Cancellation and rescheduling carry extra policy and go their own way.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to AppointmentStatus, mutate func(*Appointment)) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ValidAppointmentTransition(appt.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, to)
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, to, mutate)
	if err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, fmt.Errorf("%w: appointment %s changed concurrently", ErrInvalidTransition, appt.ID)
		}
		return nil, err
	}
	return updated, nil
}

func (s *Service) logEvent(ctx context.Context, eventType string, apptID, slotID *uuid.UUID, payload map[string]any) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			s.log.Error().Err(err).Str("event", eventType).Msg("marshal event payload")
			data = nil
		}
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: apptID,
		SlotID:        slotID,
		Payload:       data,
		CreatedAt:     s.now(),
	}
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("insert event log")
	}
}
