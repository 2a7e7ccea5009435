package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type slotKey struct {
	provider uuid.UUID
	date     time.Time
	start    int
}

// MemoryRepository is a mutex-guarded in-memory Repository with the same
// compare-and-swap semantics as the Postgres implementation. It backs the unit
// tests and local development without a database.
type MemoryRepository struct {
	mu        sync.Mutex
	rules     map[uuid.UUID]*AvailabilityRule
	slots     map[uuid.UUID]*Slot
	slotKeys  map[slotKey]uuid.UUID
	appts     map[uuid.UUID]*Appointment
	entries   map[uuid.UUID]*WaitingListEntry
	reminders map[uuid.UUID]*Reminder
	events    []EventLog
	seq       int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rules:     make(map[uuid.UUID]*AvailabilityRule),
		slots:     make(map[uuid.UUID]*Slot),
		slotKeys:  make(map[slotKey]uuid.UUID),
		appts:     make(map[uuid.UUID]*Appointment),
		entries:   make(map[uuid.UUID]*WaitingListEntry),
		reminders: make(map[uuid.UUID]*Reminder),
	}
}

func keyOf(s *Slot) slotKey {
	return slotKey{provider: s.ProviderID, date: DateOf(s.Date), start: s.StartMinute}
}

// Availability rules

func (m *MemoryRepository) CreateRule(_ context.Context, rule *AvailabilityRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	cp := *rule
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.rules[cp.ID] = &cp
	return nil
}

func (m *MemoryRepository) UpdateRule(_ context.Context, rule *AvailabilityRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rules[rule.ID]
	if !ok {
		return ErrRuleNotFound
	}
	cp := *rule
	cp.CreatedAt = existing.CreatedAt
	cp.Status = existing.Status
	cp.UpdatedAt = time.Now()
	m.rules[cp.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetRuleByID(_ context.Context, id uuid.UUID) (*AvailabilityRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	cp := *rule
	return &cp, nil
}

func (m *MemoryRepository) SetRuleStatus(_ context.Context, id uuid.UUID, status RuleStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	rule.Status = status
	rule.UpdatedAt = time.Now()
	return nil
}

// Slots

func (m *MemoryRepository) CreateSlotIfAbsent(_ context.Context, slot *Slot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := keyOf(slot)
	if _, exists := m.slotKeys[key]; exists {
		return false, nil
	}
	now := time.Now()
	cp := *slot
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.slots[cp.ID] = &cp
	m.slotKeys[key] = cp.ID
	return true, nil
}

func (m *MemoryRepository) GetSlotByID(_ context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *slot
	return &cp, nil
}

func (m *MemoryRepository) FindSlot(_ context.Context, providerID uuid.UUID, date time.Time, startMinute int) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.slotKeys[slotKey{provider: providerID, date: DateOf(date), start: startMinute}]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *m.slots[id]
	return &cp, nil
}

func (m *MemoryRepository) ListAvailableSlots(_ context.Context, q AvailableSlotQuery) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Slot
	for _, slot := range m.slots {
		if slot.ProviderID != q.ProviderID || slot.Status != SlotAvailable {
			continue
		}
		if slot.Date.Before(q.From) || slot.Date.After(q.To) {
			continue
		}
		if slot.StartAt().Before(q.NotBefore) {
			continue
		}
		if !q.IncludeHeld && m.slotHeldLocked(slot.ID, q.NotBefore) {
			continue
		}
		result = append(result, *slot)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartAt().Before(result[j].StartAt())
	})
	return result, nil
}

func (m *MemoryRepository) slotHeldLocked(slotID uuid.UUID, now time.Time) bool {
	for _, e := range m.entries {
		if e.Status == WaitlistNotified && e.HeldSlotID != nil && *e.HeldSlotID == slotID &&
			e.ExpiresAt != nil && e.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) UpdateSlotStatus(_ context.Context, id uuid.UUID, from, to SlotStatus) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casSlotLocked(id, from, to)
}

func (m *MemoryRepository) casSlotLocked(id uuid.UUID, from, to SlotStatus) (*Slot, error) {
	slot, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if slot.Status != from {
		return nil, fmt.Errorf("%w: slot %s is %s", ErrStaleStatus, id, slot.Status)
	}
	slot.Status = to
	slot.UpdatedAt = time.Now()
	cp := *slot
	return &cp, nil
}

func (m *MemoryRepository) ClaimSlot(_ context.Context, slotID uuid.UUID, appt *Appointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.casSlotLocked(slotID, SlotAvailable, SlotBooked); err != nil {
		return nil, err
	}

	now := time.Now()
	cp := *appt
	cp.SlotID = slotID
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.appts[cp.ID] = &cp
	out := cp
	return &out, nil
}

// Appointments

func (m *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	appt, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *appt
	return &cp, nil
}

func (m *MemoryRepository) GetActiveAppointmentForSlot(_ context.Context, slotID uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, appt := range m.appts {
		switch appt.Status {
		case StatusPending, StatusConfirmed, StatusInProgress:
			if appt.SlotID == slotID {
				cp := *appt
				return &cp, nil
			}
		}
	}
	return nil, ErrAppointmentNotFound
}

func (m *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus, mutate func(*Appointment)) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	appt, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if appt.Status != from {
		return nil, fmt.Errorf("%w: appointment %s is %s, expected %s", ErrStaleStatus, id, appt.Status, from)
	}
	appt.Status = to
	if mutate != nil {
		mutate(appt)
	}
	appt.UpdatedAt = time.Now()
	cp := *appt
	return &cp, nil
}

func (m *MemoryRepository) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []Appointment
	for _, appt := range m.appts {
		if appt.PatientID == patientID {
			all = append(all, *appt)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryRepository) FindNoShowCandidates(_ context.Context, cutoff time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Appointment
	for _, appt := range m.appts {
		if appt.Status != StatusConfirmed || appt.CheckedInAt != nil {
			continue
		}
		slot, ok := m.slots[appt.SlotID]
		if !ok {
			continue
		}
		if !slot.StartAt().After(cutoff) {
			result = append(result, *appt)
		}
	}
	return result, nil
}

// Waiting list

func (m *MemoryRepository) CreateEntry(_ context.Context, entry *WaitingListEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	cp := *entry
	// Nanosecond offsets keep FIFO ordering stable even when entries land on
	// the same clock tick.
	cp.CreatedAt = time.Now().Add(time.Duration(m.seq))
	cp.UpdatedAt = cp.CreatedAt
	m.entries[cp.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetEntryByID(_ context.Context, id uuid.UUID) (*WaitingListEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *entry
	return &cp, nil
}

func (m *MemoryRepository) NextActiveEntry(_ context.Context, slot *Slot) (*WaitingListEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *WaitingListEntry
	for _, e := range m.entries {
		if e.Status != WaitlistActive || e.ProviderID != slot.ProviderID {
			continue
		}
		if !e.FlexibleDate && !e.PreferredDate.Equal(DateOf(slot.Date)) {
			continue
		}
		if !e.FlexibleTime && e.PreferredMin != nil && *e.PreferredMin != slot.StartMinute {
			continue
		}
		if best == nil || e.CreatedAt.Before(best.CreatedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, ErrEntryNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryRepository) MarkNotified(_ context.Context, id, slotID uuid.UUID, notifiedAt, expiresAt time.Time) (*WaitingListEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if entry.Status != WaitlistActive {
		return nil, fmt.Errorf("%w: entry %s is %s", ErrStaleStatus, id, entry.Status)
	}
	entry.Status = WaitlistNotified
	entry.HeldSlotID = &slotID
	entry.NotifiedAt = &notifiedAt
	entry.ExpiresAt = &expiresAt
	entry.UpdatedAt = time.Now()
	cp := *entry
	return &cp, nil
}

func (m *MemoryRepository) UpdateEntryStatus(_ context.Context, id uuid.UUID, from, to WaitlistStatus) (*WaitingListEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if entry.Status != from {
		return nil, fmt.Errorf("%w: entry %s is %s, expected %s", ErrStaleStatus, id, entry.Status, from)
	}
	entry.Status = to
	entry.UpdatedAt = time.Now()
	cp := *entry
	return &cp, nil
}

func (m *MemoryRepository) FindExpiredNotified(_ context.Context, now time.Time) ([]WaitingListEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []WaitingListEntry
	for _, e := range m.entries {
		if e.Status == WaitlistNotified && e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			result = append(result, *e)
		}
	}
	return result, nil
}

func (m *MemoryRepository) EntryHoldingSlot(_ context.Context, slotID uuid.UUID, now time.Time) (*WaitingListEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Status == WaitlistNotified && e.HeldSlotID != nil && *e.HeldSlotID == slotID &&
			e.ExpiresAt != nil && e.ExpiresAt.After(now) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

// Reminders

func (m *MemoryRepository) CreateReminders(_ context.Context, reminders []Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, rem := range reminders {
		cp := rem
		cp.CreatedAt = now
		cp.UpdatedAt = now
		m.reminders[cp.ID] = &cp
	}
	return nil
}

func (m *MemoryRepository) CancelPendingReminders(_ context.Context, appointmentID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rem := range m.reminders {
		if rem.AppointmentID == appointmentID && rem.Status == ReminderPending {
			rem.Status = ReminderCancelled
			rem.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) FindDueReminders(_ context.Context, now time.Time, limit int) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Reminder
	for _, rem := range m.reminders {
		if rem.Status == ReminderPending && !rem.SendAt.After(now) {
			result = append(result, *rem)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SendAt.Before(result[j].SendAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryRepository) UpdateReminderStatus(_ context.Context, id uuid.UUID, from, to ReminderStatus) (*Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rem, ok := m.reminders[id]
	if !ok {
		return nil, ErrReminderNotFound
	}
	if rem.Status != from {
		return nil, fmt.Errorf("%w: reminder %s is %s", ErrStaleStatus, id, rem.Status)
	}
	rem.Status = to
	rem.UpdatedAt = time.Now()
	cp := *rem
	return &cp, nil
}

// RemindersFor returns all reminders of one appointment, newest scheduling
// order last. For tests and local inspection.
func (m *MemoryRepository) RemindersFor(appointmentID uuid.UUID) []Reminder {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []Reminder
	for _, rem := range m.reminders {
		if rem.AppointmentID == appointmentID {
			result = append(result, *rem)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SendAt.Before(result[j].SendAt)
	})
	return result
}

// Audit trail

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the audit trail, for tests.
func (m *MemoryRepository) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventLog, len(m.events))
	copy(out, m.events)
	return out
}
