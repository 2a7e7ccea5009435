package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRuleNotFound        = errors.New("availability rule not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrEntryNotFound       = errors.New("waiting list entry not found")
	ErrReminderNotFound    = errors.New("reminder not found")

	// ErrStaleStatus is the compare-and-swap failure: the record exists but its
	// current status does not match the expected one.
	ErrStaleStatus = errors.New("status changed concurrently")

	// ErrDuplicateSlot signals a (provider, date, start) uniqueness violation.
	ErrDuplicateSlot = errors.New("slot already exists for provider, date and time")
)

// AvailableSlotQuery narrows ListAvailableSlots. NotBefore is "now" plus the
// minimum booking lead time; slots starting earlier are never returned.
// Held slots (an unexpired notified waitlist entry) are excluded unless
// IncludeHeld is set.
type AvailableSlotQuery struct {
	ProviderID  uuid.UUID
	From        time.Time
	To          time.Time
	NotBefore   time.Time
	IncludeHeld bool
}

// Repository contains all storage interactions needed by the engine.
type Repository interface {
	// Availability rules
	CreateRule(ctx context.Context, rule *AvailabilityRule) error
	UpdateRule(ctx context.Context, rule *AvailabilityRule) error
	GetRuleByID(ctx context.Context, id uuid.UUID) (*AvailabilityRule, error)
	SetRuleStatus(ctx context.Context, id uuid.UUID, status RuleStatus) error

	// Slots
	// CreateSlotIfAbsent inserts the slot unless one already exists for its
	// (provider, date, start) key; reports whether a row was created.
	CreateSlotIfAbsent(ctx context.Context, slot *Slot) (bool, error)
	GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	FindSlot(ctx context.Context, providerID uuid.UUID, date time.Time, startMinute int) (*Slot, error)
	ListAvailableSlots(ctx context.Context, q AvailableSlotQuery) ([]Slot, error)
	// UpdateSlotStatus is a compare-and-swap: it succeeds only when the slot's
	// current status equals from, otherwise it fails with ErrStaleStatus.
	UpdateSlotStatus(ctx context.Context, id uuid.UUID, from, to SlotStatus) (*Slot, error)

	// ClaimSlot atomically swaps the slot available->booked and creates the
	// appointment in the same transaction. A lost race yields ErrStaleStatus
	// with no partial state.
	ClaimSlot(ctx context.Context, slotID uuid.UUID, appt *Appointment) (*Appointment, error)

	// Appointments
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetActiveAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error)
	// UpdateAppointmentStatus is a compare-and-swap on the appointment status;
	// mutate applies further field changes inside the same update.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, mutate func(*Appointment)) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	// FindNoShowCandidates returns confirmed, not checked-in appointments whose
	// slot start is at or before cutoff.
	FindNoShowCandidates(ctx context.Context, cutoff time.Time) ([]Appointment, error)

	// Waiting list
	CreateEntry(ctx context.Context, entry *WaitingListEntry) error
	GetEntryByID(ctx context.Context, id uuid.UUID) (*WaitingListEntry, error)
	// NextActiveEntry returns the oldest active entry matching the slot's
	// provider, honoring the entry's flexible-date/flexible-time flags.
	NextActiveEntry(ctx context.Context, slot *Slot) (*WaitingListEntry, error)
	// MarkNotified swaps the entry active->notified, recording the held slot
	// and the confirmation deadline.
	MarkNotified(ctx context.Context, id, slotID uuid.UUID, notifiedAt, expiresAt time.Time) (*WaitingListEntry, error)
	UpdateEntryStatus(ctx context.Context, id uuid.UUID, from, to WaitlistStatus) (*WaitingListEntry, error)
	FindExpiredNotified(ctx context.Context, now time.Time) ([]WaitingListEntry, error)
	// EntryHoldingSlot returns the unexpired notified entry holding the slot,
	// or ErrEntryNotFound when the slot is not held.
	EntryHoldingSlot(ctx context.Context, slotID uuid.UUID, now time.Time) (*WaitingListEntry, error)

	// Reminders
	CreateReminders(ctx context.Context, reminders []Reminder) error
	CancelPendingReminders(ctx context.Context, appointmentID uuid.UUID) (int, error)
	FindDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	UpdateReminderStatus(ctx context.Context, id uuid.UUID, from, to ReminderStatus) (*Reminder, error)

	// Audit trail
	InsertEvent(ctx context.Context, ev EventLog) error
}
