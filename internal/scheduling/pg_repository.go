package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Scan helpers

const ruleColumns = `id, provider_id, from_date, to_date,
	morning_start, morning_end, afternoon_start, afternoon_end,
	slot_minutes, weekdays, site, fee, sync_calendar, sync_ehr,
	status, created_at, updated_at`

func scanRule(row pgx.Row) (*AvailabilityRule, error) {
	var r AvailabilityRule
	var mStart, mEnd, aStart, aEnd *int
	var weekdays int16

	err := row.Scan(
		&r.ID,
		&r.ProviderID,
		&r.From,
		&r.To,
		&mStart,
		&mEnd,
		&aStart,
		&aEnd,
		&r.SlotMinutes,
		&weekdays,
		&r.Site,
		&r.Fee,
		&r.SyncCalendar,
		&r.SyncEHR,
		&r.Status,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}

	r.Weekdays = Weekdays(weekdays)
	if mStart != nil && mEnd != nil {
		r.Morning = &TimeWindow{Start: *mStart, End: *mEnd}
	}
	if aStart != nil && aEnd != nil {
		r.Afternoon = &TimeWindow{Start: *aStart, End: *aEnd}
	}
	return &r, nil
}

const slotColumns = `id, provider_id, rule_id, slot_date, start_minute, minutes, fee, status, created_at, updated_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	var ruleID *uuid.UUID

	err := row.Scan(
		&s.ID,
		&s.ProviderID,
		&ruleID,
		&s.Date,
		&s.StartMinute,
		&s.Minutes,
		&s.Fee,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	s.RuleID = ruleID
	return &s, nil
}

const apptColumns = `id, slot_id, patient_id, provider_id, status, payment_status, notes,
	cancel_reason, cancel_actor, cancelled_at, refund_amount, checked_in_at, created_at, updated_at`

const apptColumnsAliased = `a.id, a.slot_id, a.patient_id, a.provider_id, a.status, a.payment_status, a.notes,
	a.cancel_reason, a.cancel_actor, a.cancelled_at, a.refund_amount, a.checked_in_at, a.created_at, a.updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.SlotID,
		&a.PatientID,
		&a.ProviderID,
		&a.Status,
		&a.PaymentStatus,
		&a.Notes,
		&a.CancelReason,
		&a.CancelActor,
		&a.CancelledAt,
		&a.RefundAmount,
		&a.CheckedInAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

const entryColumns = `id, patient_id, provider_id, preferred_date, preferred_minute,
	flexible_date, flexible_time, status, held_slot_id, notified_at, expires_at, created_at, updated_at`

func scanEntry(row pgx.Row) (*WaitingListEntry, error) {
	var e WaitingListEntry

	err := row.Scan(
		&e.ID,
		&e.PatientID,
		&e.ProviderID,
		&e.PreferredDate,
		&e.PreferredMin,
		&e.FlexibleDate,
		&e.FlexibleTime,
		&e.Status,
		&e.HeldSlotID,
		&e.NotifiedAt,
		&e.ExpiresAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	return &e, nil
}

const reminderColumns = `id, appointment_id, channel, send_at, status, created_at, updated_at`

func scanReminder(row pgx.Row) (*Reminder, error) {
	var r Reminder

	err := row.Scan(
		&r.ID,
		&r.AppointmentID,
		&r.Channel,
		&r.SendAt,
		&r.Status,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReminderNotFound
		}
		return nil, err
	}

	return &r, nil
}

// Availability rules

func (r *PgRepository) CreateRule(ctx context.Context, rule *AvailabilityRule) error {
	var mStart, mEnd, aStart, aEnd *int
	if rule.Morning != nil {
		mStart, mEnd = &rule.Morning.Start, &rule.Morning.End
	}
	if rule.Afternoon != nil {
		aStart, aEnd = &rule.Afternoon.Start, &rule.Afternoon.End
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO availability_rules
			(id, provider_id, from_date, to_date,
			 morning_start, morning_end, afternoon_start, afternoon_end,
			 slot_minutes, weekdays, site, fee, sync_calendar, sync_ehr,
			 status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now(), now())
	`, rule.ID, rule.ProviderID, rule.From, rule.To,
		mStart, mEnd, aStart, aEnd,
		rule.SlotMinutes, int16(rule.Weekdays), rule.Site, rule.Fee,
		rule.SyncCalendar, rule.SyncEHR, rule.Status)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (r *PgRepository) UpdateRule(ctx context.Context, rule *AvailabilityRule) error {
	var mStart, mEnd, aStart, aEnd *int
	if rule.Morning != nil {
		mStart, mEnd = &rule.Morning.Start, &rule.Morning.End
	}
	if rule.Afternoon != nil {
		aStart, aEnd = &rule.Afternoon.Start, &rule.Afternoon.End
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE availability_rules
		SET provider_id = $2, from_date = $3, to_date = $4,
		    morning_start = $5, morning_end = $6, afternoon_start = $7, afternoon_end = $8,
		    slot_minutes = $9, weekdays = $10, site = $11, fee = $12,
		    sync_calendar = $13, sync_ehr = $14, updated_at = now()
		WHERE id = $1
	`, rule.ID, rule.ProviderID, rule.From, rule.To,
		mStart, mEnd, aStart, aEnd,
		rule.SlotMinutes, int16(rule.Weekdays), rule.Site, rule.Fee,
		rule.SyncCalendar, rule.SyncEHR)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *PgRepository) GetRuleByID(ctx context.Context, id uuid.UUID) (*AvailabilityRule, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE id = $1
	`, id)
	return scanRule(row)
}

func (r *PgRepository) SetRuleStatus(ctx context.Context, id uuid.UUID, status RuleStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE availability_rules
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("set rule status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// Slots

func (r *PgRepository) CreateSlotIfAbsent(ctx context.Context, slot *Slot) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO slots (id, provider_id, rule_id, slot_date, start_minute, minutes, fee, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (provider_id, slot_date, start_minute) DO NOTHING
	`, slot.ID, slot.ProviderID, slot.RuleID, slot.Date, slot.StartMinute, slot.Minutes, slot.Fee, slot.Status)
	if err != nil {
		return false, fmt.Errorf("insert slot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) FindSlot(ctx context.Context, providerID uuid.UUID, date time.Time, startMinute int) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE provider_id = $1 AND slot_date = $2 AND start_minute = $3
	`, providerID, date, startMinute)
	return scanSlot(row)
}

func (r *PgRepository) ListAvailableSlots(ctx context.Context, q AvailableSlotQuery) ([]Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM slots s
		WHERE s.provider_id = $1
		  AND s.slot_date BETWEEN $2 AND $3
		  AND s.status = 'available'
		  AND (s.slot_date + make_interval(mins => s.start_minute)) >= $4`
	if !q.IncludeHeld {
		query += `
		  AND NOT EXISTS (
			SELECT 1 FROM waiting_list_entries w
			WHERE w.held_slot_id = s.id
			  AND w.status = 'notified'
			  AND w.expires_at > $4
		  )`
	}
	query += `
		ORDER BY s.slot_date, s.start_minute`

	rows, err := r.pool.Query(ctx, query, q.ProviderID, q.From, q.To, q.NotBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

func (r *PgRepository) UpdateSlotStatus(ctx context.Context, id uuid.UUID, from, to SlotStatus) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slots
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+slotColumns+`
	`, id, from, to)

	slot, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, r.slotCASFailure(ctx, id)
		}
		return nil, err
	}
	return slot, nil
}

// slotCASFailure tells zero-rows-because-stale apart from zero-rows-because-missing.
func (r *PgRepository) slotCASFailure(ctx context.Context, id uuid.UUID) error {
	var status SlotStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM slots WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSlotNotFound
		}
		return err
	}
	return fmt.Errorf("%w: slot %s is %s", ErrStaleStatus, id, status)
}

// ClaimSlot is the booking engine's critical section: a conditional UPDATE of
// the slot plus the appointment INSERT in one transaction, so a crash cannot
// leave a booked slot without an appointment.
func (r *PgRepository) ClaimSlot(ctx context.Context, slotID uuid.UUID, appt *Appointment) (*Appointment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE slots
		SET status = 'booked', updated_at = now()
		WHERE id = $1 AND status = 'available'
	`, slotID)
	if err != nil {
		return nil, fmt.Errorf("claim slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, r.slotCASFailure(ctx, slotID)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments
			(id, slot_id, patient_id, provider_id, status, payment_status, notes,
			 cancel_reason, cancel_actor, refund_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '', '', 0, now(), now())
		RETURNING `+apptColumns+`
	`, appt.ID, slotID, appt.PatientID, appt.ProviderID, appt.Status, appt.PaymentStatus, appt.Notes)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return created, nil
}

// Appointments

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetActiveAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE slot_id = $1
		  AND status IN ('pending', 'confirmed', 'in_progress')
	`, slotID)
	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, mutate func(*Appointment)) (*Appointment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	appt, err := scanAppointment(row)
	if err != nil {
		return nil, err
	}
	if appt.Status != from {
		return nil, fmt.Errorf("%w: appointment %s is %s, expected %s", ErrStaleStatus, id, appt.Status, from)
	}

	appt.Status = to
	if mutate != nil {
		mutate(appt)
	}

	row = tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2, payment_status = $3, notes = $4,
		    cancel_reason = $5, cancel_actor = $6, cancelled_at = $7,
		    refund_amount = $8, checked_in_at = $9, updated_at = now()
		WHERE id = $1
		RETURNING `+apptColumns+`
	`, appt.ID, appt.Status, appt.PaymentStatus, appt.Notes,
		appt.CancelReason, appt.CancelActor, appt.CancelledAt,
		appt.RefundAmount, appt.CheckedInAt)

	updated, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("update appointment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit status tx: %w", err)
	}
	return updated, nil
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (r *PgRepository) FindNoShowCandidates(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptColumnsAliased+`
		FROM appointments a
		JOIN slots s ON s.id = a.slot_id
		WHERE a.status = 'confirmed'
		  AND a.checked_in_at IS NULL
		  AND (s.slot_date + make_interval(mins => s.start_minute)) <= $1
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// Waiting list

func (r *PgRepository) CreateEntry(ctx context.Context, entry *WaitingListEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO waiting_list_entries
			(id, patient_id, provider_id, preferred_date, preferred_minute,
			 flexible_date, flexible_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	`, entry.ID, entry.PatientID, entry.ProviderID, entry.PreferredDate, entry.PreferredMin,
		entry.FlexibleDate, entry.FlexibleTime, entry.Status)
	if err != nil {
		return fmt.Errorf("insert waitlist entry: %w", err)
	}
	return nil
}

func (r *PgRepository) GetEntryByID(ctx context.Context, id uuid.UUID) (*WaitingListEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM waiting_list_entries
		WHERE id = $1
	`, id)
	return scanEntry(row)
}

func (r *PgRepository) NextActiveEntry(ctx context.Context, slot *Slot) (*WaitingListEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM waiting_list_entries
		WHERE status = 'active'
		  AND provider_id = $1
		  AND (flexible_date OR preferred_date = $2)
		  AND (flexible_time OR preferred_minute IS NULL OR preferred_minute = $3)
		ORDER BY created_at
		LIMIT 1
	`, slot.ProviderID, slot.Date, slot.StartMinute)
	return scanEntry(row)
}

func (r *PgRepository) MarkNotified(ctx context.Context, id, slotID uuid.UUID, notifiedAt, expiresAt time.Time) (*WaitingListEntry, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE waiting_list_entries
		SET status = 'notified', held_slot_id = $2, notified_at = $3, expires_at = $4, updated_at = now()
		WHERE id = $1 AND status = 'active'
		RETURNING `+entryColumns+`
	`, id, slotID, notifiedAt, expiresAt)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, r.entryCASFailure(ctx, id)
		}
		return nil, err
	}
	return entry, nil
}

func (r *PgRepository) UpdateEntryStatus(ctx context.Context, id uuid.UUID, from, to WaitlistStatus) (*WaitingListEntry, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE waiting_list_entries
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+entryColumns+`
	`, id, from, to)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, r.entryCASFailure(ctx, id)
		}
		return nil, err
	}
	return entry, nil
}

func (r *PgRepository) entryCASFailure(ctx context.Context, id uuid.UUID) error {
	var status WaitlistStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM waiting_list_entries WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEntryNotFound
		}
		return err
	}
	return fmt.Errorf("%w: entry %s is %s", ErrStaleStatus, id, status)
}

func (r *PgRepository) FindExpiredNotified(ctx context.Context, now time.Time) ([]WaitingListEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM waiting_list_entries
		WHERE status = 'notified'
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []WaitingListEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func (r *PgRepository) EntryHoldingSlot(ctx context.Context, slotID uuid.UUID, now time.Time) (*WaitingListEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM waiting_list_entries
		WHERE held_slot_id = $1
		  AND status = 'notified'
		  AND expires_at > $2
	`, slotID, now)
	return scanEntry(row)
}

// Reminders

func (r *PgRepository) CreateReminders(ctx context.Context, reminders []Reminder) error {
	for _, rem := range reminders {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO reminders (id, appointment_id, channel, send_at, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
		`, rem.ID, rem.AppointmentID, rem.Channel, rem.SendAt, rem.Status)
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
	}
	return nil
}

func (r *PgRepository) CancelPendingReminders(ctx context.Context, appointmentID uuid.UUID) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE reminders
		SET status = 'cancelled', updated_at = now()
		WHERE appointment_id = $1 AND status = 'pending'
	`, appointmentID)
	if err != nil {
		return 0, fmt.Errorf("cancel reminders: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgRepository) FindDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE status = 'pending' AND send_at <= $1
		ORDER BY send_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rem)
	}
	return result, rows.Err()
}

func (r *PgRepository) UpdateReminderStatus(ctx context.Context, id uuid.UUID, from, to ReminderStatus) (*Reminder, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE reminders
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+reminderColumns+`
	`, id, from, to)
	return scanReminder(row)
}

// Audit trail

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, slot_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.SlotID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
