package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookConfirmsImmediatelyWithoutPayment(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow.AddDate(0, 0, 7), 10*60, 30, 5000)
	patientID := uuid.New()

	appt, err := env.svc.Book(ctx, slot.ID, patientID, BookingOptions{Notes: "first visit"})
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, appt.Status)
	assert.Equal(t, PaymentUnpaid, appt.PaymentStatus)
	assert.Equal(t, patientID, appt.PatientID)
	assert.Equal(t, slot.ProviderID, appt.ProviderID)
	assert.Equal(t, "first visit", appt.Notes)

	stored, err := env.svc.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, stored.Status)

	// Confirmed bookings get reminders straight away.
	assert.Len(t, env.repo.RemindersFor(appt.ID), 2)
}

func TestBookPaymentRequiredStartsPending(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow.AddDate(0, 0, 7), 10*60, 30, 5000)

	appt, err := env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{PaymentRequired: true})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, appt.Status)
	assert.Empty(t, env.repo.RemindersFor(appt.ID), "no reminders until confirmed")

	confirmed, err := env.svc.Confirm(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	assert.Equal(t, PaymentPaid, confirmed.PaymentStatus)
	assert.Len(t, env.repo.RemindersFor(appt.ID), 2)
}

func TestBookExactlyOneWinnerUnderContention(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow.AddDate(0, 0, 7), 10*60, 30, 0)

	const callers = 32
	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrSlotUnavailable)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestBookRejectsOutsideBookingWindow(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	providerID := uuid.New()

	// Starts 10 minutes from now, inside the 30-minute lead time.
	tooSoon := env.addSlot(t, providerID, testNow, 8*60+10, 30, 0)
	_, err := env.svc.Book(ctx, tooSoon.ID, uuid.New(), BookingOptions{})
	assert.ErrorIs(t, err, ErrOutOfPolicyWindow)

	// More than 90 days ahead.
	tooFar := env.addSlot(t, providerID, testNow.AddDate(0, 0, 120), 10*60, 30, 0)
	_, err = env.svc.Book(ctx, tooFar.ID, uuid.New(), BookingOptions{})
	assert.ErrorIs(t, err, ErrOutOfPolicyWindow)

	// Both slots are untouched.
	for _, id := range []uuid.UUID{tooSoon.ID, tooFar.ID} {
		slot, err := env.svc.GetSlot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, SlotAvailable, slot.Status)
	}
}

func TestBookRejectsNonAvailableSlot(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow.AddDate(0, 0, 7), 10*60, 30, 0)

	_, err := env.svc.BlockSlot(ctx, slot.ID)
	require.NoError(t, err)

	_, err = env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{})
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestCancelEarlyRefundsAndReopensSlot(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow.AddDate(0, 0, 7), 10*60, 30, 5000)

	appt, err := env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{PaymentRequired: true})
	require.NoError(t, err)
	_, err = env.svc.Confirm(ctx, appt.ID)
	require.NoError(t, err)

	cancelled, err := env.svc.Cancel(ctx, appt.ID, "feeling better", "patient")
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, int64(5000), cancelled.RefundAmount, "early cancellation refunds the full fee")
	assert.Equal(t, PaymentRefunded, cancelled.PaymentStatus)
	assert.Equal(t, "feeling better", cancelled.CancelReason)
	assert.Equal(t, "patient", cancelled.CancelActor)
	require.NotNil(t, cancelled.CancelledAt)

	// The slot goes back into circulation.
	stored, err := env.svc.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, stored.Status)

	// Pending reminders are dropped.
	for _, rem := range env.repo.RemindersFor(appt.ID) {
		assert.Equal(t, ReminderCancelled, rem.Status)
	}
}

func TestCancelLateUsesLatePercentAndRetiresSlot(t *testing.T) {
	policy := DefaultPolicy()
	policy.LateRefundPercent = 50
	env := newTestEnv(t, policy)
	ctx := context.Background()

	// Starts one hour out: bookable (past the 30-minute lead time) but inside
	// both the 24h cancellation cutoff and the 2h reopen lead time.
	slot := env.addSlot(t, uuid.New(), testNow, 9*60, 30, 5000)

	appt, err := env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{PaymentRequired: true})
	require.NoError(t, err)
	_, err = env.svc.Confirm(ctx, appt.ID)
	require.NoError(t, err)

	cancelled, err := env.svc.Cancel(ctx, appt.ID, "", "patient")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), cancelled.RefundAmount)

	// Too close to start to resell.
	stored, err := env.svc.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotCancelled, stored.Status)
}

func TestCancelUnpaidRefundsNothing(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow.AddDate(0, 0, 7), 10*60, 30, 5000)

	appt, err := env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{})
	require.NoError(t, err)

	cancelled, err := env.svc.Cancel(ctx, appt.ID, "", "provider")
	require.NoError(t, err)
	assert.Zero(t, cancelled.RefundAmount)
	assert.Equal(t, PaymentUnpaid, cancelled.PaymentStatus)
}

func TestCancelTerminalAppointmentFails(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow.AddDate(0, 0, 7), 10*60, 30, 0)

	appt, err := env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{})
	require.NoError(t, err)
	_, err = env.svc.Cancel(ctx, appt.ID, "", "patient")
	require.NoError(t, err)

	_, err = env.svc.Cancel(ctx, appt.ID, "", "patient")
	assert.ErrorIs(t, err, ErrOutOfPolicyWindow)
}

func TestLifecycleCheckInComplete(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow.AddDate(0, 0, 7), 10*60, 30, 0)

	appt, err := env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{})
	require.NoError(t, err)

	checkedIn, err := env.svc.CheckIn(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, checkedIn.Status)
	require.NotNil(t, checkedIn.CheckedInAt)

	completed, err := env.svc.Complete(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)

	// Completing twice violates the state machine.
	_, err = env.svc.Complete(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRescheduleMovesAppointmentAndFreesOldSlot(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	providerID := uuid.New()
	oldSlot := env.addSlot(t, providerID, testNow.AddDate(0, 0, 7), 10*60, 30, 4000)
	newSlot := env.addSlot(t, providerID, testNow.AddDate(0, 0, 14), 11*60, 30, 4000)
	patientID := uuid.New()

	appt, err := env.svc.Book(ctx, oldSlot.ID, patientID, BookingOptions{Notes: "follow-up"})
	require.NoError(t, err)

	moved, err := env.svc.Reschedule(ctx, appt.ID, newSlot.ID)
	require.NoError(t, err)
	assert.NotEqual(t, appt.ID, moved.ID)
	assert.Equal(t, newSlot.ID, moved.SlotID)
	assert.Equal(t, patientID, moved.PatientID)
	assert.Equal(t, "follow-up", moved.Notes)

	old, err := env.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRescheduled, old.Status)

	freed, err := env.svc.GetSlot(ctx, oldSlot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, freed.Status)

	taken, err := env.svc.GetSlot(ctx, newSlot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, taken.Status)
}

func TestRescheduleKeepsOldAppointmentWhenNewSlotTaken(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	providerID := uuid.New()
	oldSlot := env.addSlot(t, providerID, testNow.AddDate(0, 0, 7), 10*60, 30, 0)
	newSlot := env.addSlot(t, providerID, testNow.AddDate(0, 0, 14), 11*60, 30, 0)

	appt, err := env.svc.Book(ctx, oldSlot.ID, uuid.New(), BookingOptions{})
	require.NoError(t, err)
	_, err = env.svc.Book(ctx, newSlot.ID, uuid.New(), BookingOptions{})
	require.NoError(t, err)

	_, err = env.svc.Reschedule(ctx, appt.ID, newSlot.ID)
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	unchanged, err := env.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, unchanged.Status)

	stillBooked, err := env.svc.GetSlot(ctx, oldSlot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, stillBooked.Status)
}

func TestSweepNoShowsKeepsSlotBooked(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow, 9*60, 30, 0)

	appt, err := env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{})
	require.NoError(t, err)

	// Before slot start plus grace, the sweep leaves it alone.
	env.setNow(slot.StartAt().Add(10 * time.Minute))
	swept, err := env.svc.SweepNoShows(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	env.setNow(slot.StartAt().Add(31 * time.Minute))
	swept, err = env.svc.SweepNoShows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	marked, err := env.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, marked.Status)

	// The hour is spent; the slot is not resold.
	stored, err := env.svc.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, stored.Status)
}

func TestSweepNoShowsSkipsCheckedIn(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow, 9*60, 30, 0)

	appt, err := env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{})
	require.NoError(t, err)
	_, err = env.svc.CheckIn(ctx, appt.ID)
	require.NoError(t, err)

	env.setNow(slot.StartAt().Add(2 * time.Hour))
	swept, err := env.svc.SweepNoShows(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestActiveAppointmentForSlotFollowsLifecycle(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow.AddDate(0, 0, 7), 10*60, 30, 0)

	_, err := env.repo.GetActiveAppointmentForSlot(ctx, slot.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	appt, err := env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{})
	require.NoError(t, err)

	active, err := env.repo.GetActiveAppointmentForSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, active.ID)

	_, err = env.svc.Cancel(ctx, appt.ID, "", "patient")
	require.NoError(t, err)

	// Cancelled appointments no longer occupy the slot.
	_, err = env.repo.GetActiveAppointmentForSlot(ctx, slot.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestListPatientAppointmentsClampsLimit(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	providerID := uuid.New()
	patientID := uuid.New()

	for i := 0; i < 3; i++ {
		slot := env.addSlot(t, providerID, testNow.AddDate(0, 0, 7+i), 10*60, 30, 0)
		_, err := env.svc.Book(ctx, slot.ID, patientID, BookingOptions{})
		require.NoError(t, err)
	}

	appts, err := env.svc.ListPatientAppointments(ctx, patientID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, appts, 3)

	appts, err = env.svc.ListPatientAppointments(ctx, patientID, 2, 0)
	require.NoError(t, err)
	assert.Len(t, appts, 2)

	appts, err = env.svc.ListPatientAppointments(ctx, patientID, 10, 2)
	require.NoError(t, err)
	assert.Len(t, appts, 1)
}
