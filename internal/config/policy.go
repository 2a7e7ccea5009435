package config

import "github.com/openclinic/scheduling-engine/internal/scheduling"

// SchedulingPolicy maps the loaded env knobs onto the engine's policy.
func (c Config) SchedulingPolicy() scheduling.Policy {
	return scheduling.Policy{
		MinLeadTime:        c.MinLeadTime,
		MaxAdvanceDays:     c.MaxAdvanceDays,
		CancellationCutoff: c.CancellationCutoff,
		LateRefundPercent:  c.LateRefundPercent,
		SlotReopenLeadTime: c.SlotReopenLeadTime,
		NoShowGrace:        c.NoShowGrace,
		ConfirmationWindow: c.WaitlistConfirmWin,
		ReminderOffsets:    c.ReminderOffsets,
		ReminderChannel:    c.ReminderMsgChannel,
		MaxGenerationDays:  c.MaxGenerationDays,
	}
}
