package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type RuleStatus string

const (
	RuleDraft    RuleStatus = "draft"
	RuleActive   RuleStatus = "active"
	RuleInactive RuleStatus = "inactive"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
	SlotBlocked   SlotStatus = "blocked"
	SlotCancelled SlotStatus = "cancelled"
)

type AppointmentStatus string

const (
	StatusPending     AppointmentStatus = "pending"
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusInProgress  AppointmentStatus = "in_progress"
	StatusCompleted   AppointmentStatus = "completed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusNoShow      AppointmentStatus = "no_show"
	StatusRescheduled AppointmentStatus = "rescheduled"
)

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

type WaitlistStatus string

const (
	WaitlistActive    WaitlistStatus = "active"
	WaitlistNotified  WaitlistStatus = "notified"
	WaitlistBooked    WaitlistStatus = "booked"
	WaitlistCancelled WaitlistStatus = "cancelled"
	WaitlistExpired   WaitlistStatus = "expired"
)

type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderSent      ReminderStatus = "sent"
	ReminderFailed    ReminderStatus = "failed"
	ReminderCancelled ReminderStatus = "cancelled"
)

// Weekdays is a Mon..Sun selection packed as a bitmask, bit index matching
// time.Weekday (Sunday = 0).
type Weekdays uint8

func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<uint(d)) != 0
}

func (w Weekdays) Empty() bool {
	return w == 0
}

// TimeWindow is a same-day interval expressed in minutes from midnight,
// facility-local. End is exclusive.
type TimeWindow struct {
	Start int
	End   int
}

// SlotDurations is the enumerated set of allowed slot lengths in minutes.
var SlotDurations = []int{10, 15, 20, 30, 45, 60}

func ValidSlotDuration(minutes int) bool {
	for _, d := range SlotDurations {
		if d == minutes {
			return true
		}
	}
	return false
}

// AvailabilityRule is a recurring definition of when a provider can be booked.
// Either window may be nil, but not both.
type AvailabilityRule struct {
	ID           uuid.UUID
	ProviderID   uuid.UUID
	From         time.Time // date, midnight facility-local
	To           time.Time // date, inclusive
	Morning      *TimeWindow
	Afternoon    *TimeWindow
	SlotMinutes  int
	Weekdays     Weekdays
	Site         string
	Fee          int64 // cents, stamped onto generated slots
	SyncCalendar bool
	SyncEHR      bool
	Status       RuleStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Slot is one concrete bookable (provider, date, start) instance.
// (ProviderID, Date, StartMinute) is unique.
type Slot struct {
	ID          uuid.UUID
	ProviderID  uuid.UUID
	RuleID      *uuid.UUID // nil for manually created slots
	Date        time.Time  // midnight facility-local
	StartMinute int        // minutes from midnight
	Minutes     int
	Fee         int64
	Status      SlotStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StartAt returns the slot's start as a facility-local instant.
func (s *Slot) StartAt() time.Time {
	return s.Date.Add(time.Duration(s.StartMinute) * time.Minute)
}

func (s *Slot) EndAt() time.Time {
	return s.StartAt().Add(time.Duration(s.Minutes) * time.Minute)
}

type Appointment struct {
	ID            uuid.UUID
	SlotID        uuid.UUID
	PatientID     uuid.UUID
	ProviderID    uuid.UUID // denormalized from the slot
	Status        AppointmentStatus
	PaymentStatus PaymentStatus
	Notes         string
	CancelReason  string
	CancelActor   string
	CancelledAt   *time.Time
	RefundAmount  int64
	CheckedInAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type WaitingListEntry struct {
	ID            uuid.UUID
	PatientID     uuid.UUID
	ProviderID    uuid.UUID
	PreferredDate time.Time
	PreferredMin  *int // preferred start minute, nil = any
	FlexibleDate  bool
	FlexibleTime  bool
	Status        WaitlistStatus
	HeldSlotID    *uuid.UUID // set while notified
	NotifiedAt    *time.Time
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Reminder struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	Channel       string
	SendAt        time.Time
	Status        ReminderStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	SlotID        *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// DateOf truncates an instant to its facility-local calendar date.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
