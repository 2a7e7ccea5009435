package scheduling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleRemindersSkipsPastOffsets(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()

	// Starts 3 hours out: the 24h offset is already in the past, only the 2h
	// reminder is scheduled.
	slot := env.addSlot(t, uuid.New(), testNow, 11*60, 30, 0)

	appt, err := env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{})
	require.NoError(t, err)

	reminders := env.repo.RemindersFor(appt.ID)
	require.Len(t, reminders, 1)
	assert.Equal(t, slot.StartAt().Add(-2*time.Hour), reminders[0].SendAt)
	assert.Equal(t, ReminderPending, reminders[0].Status)
	assert.Equal(t, "sms", reminders[0].Channel)
}

func TestDispatchDueRemindersPublishesAndMarksSent(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow.AddDate(0, 0, 7), 10*60, 30, 0)

	appt, err := env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{})
	require.NoError(t, err)
	require.Len(t, env.repo.RemindersFor(appt.ID), 2)

	// Nothing due yet.
	sent, err := env.svc.DispatchDueReminders(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Zero(t, env.pub.count())

	// Past the 24h mark, the first reminder goes out.
	env.setNow(slot.StartAt().Add(-24*time.Hour + time.Minute))
	sent, err = env.svc.DispatchDueReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Equal(t, 1, env.pub.count())

	var dispatch struct {
		AppointmentID string    `json:"appointment_id"`
		PatientID     string    `json:"patient_id"`
		Channel       string    `json:"channel"`
		StartsAt      time.Time `json:"starts_at"`
	}
	require.NoError(t, json.Unmarshal(env.pub.payloads[0], &dispatch))
	assert.Equal(t, appt.ID.String(), dispatch.AppointmentID)
	assert.Equal(t, appt.PatientID.String(), dispatch.PatientID)
	assert.Equal(t, "sms", dispatch.Channel)
	assert.True(t, dispatch.StartsAt.Equal(slot.StartAt()))

	reminders := env.repo.RemindersFor(appt.ID)
	assert.Equal(t, ReminderSent, reminders[0].Status)
	assert.Equal(t, ReminderPending, reminders[1].Status)

	// Dispatching again does not resend.
	sent, err = env.svc.DispatchDueReminders(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestDispatchCancelsRemindersOfLapsedAppointments(t *testing.T) {
	env := newTestEnv(t, DefaultPolicy())
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow.AddDate(0, 0, 7), 10*60, 30, 0)

	appt, err := env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{})
	require.NoError(t, err)

	// The lifecycle moved on without going through Cancel.
	_, err = env.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusConfirmed, StatusNoShow, nil)
	require.NoError(t, err)

	env.setNow(slot.StartAt().Add(-time.Hour))
	sent, err := env.svc.DispatchDueReminders(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Zero(t, env.pub.count())

	for _, rem := range env.repo.RemindersFor(appt.ID) {
		assert.Equal(t, ReminderCancelled, rem.Status)
	}
}

func TestCustomReminderOffsets(t *testing.T) {
	policy := DefaultPolicy()
	policy.ReminderOffsets = []time.Duration{48 * time.Hour, 24 * time.Hour, time.Hour}
	policy.ReminderChannel = "email"
	env := newTestEnv(t, policy)
	ctx := context.Background()
	slot := env.addSlot(t, uuid.New(), testNow.AddDate(0, 0, 7), 10*60, 30, 0)

	appt, err := env.svc.Book(ctx, slot.ID, uuid.New(), BookingOptions{})
	require.NoError(t, err)

	reminders := env.repo.RemindersFor(appt.ID)
	require.Len(t, reminders, 3)
	for _, rem := range reminders {
		assert.Equal(t, "email", rem.Channel)
	}
	assert.Equal(t, slot.StartAt().Add(-48*time.Hour), reminders[0].SendAt)
	assert.Equal(t, slot.StartAt().Add(-time.Hour), reminders[2].SendAt)
}
