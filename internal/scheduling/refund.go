package scheduling

import "time"

// RefundCalculator computes the refund owed on cancellation. The engine only
// records the amount; moving money belongs to billing.
type RefundCalculator interface {
	Refund(appt *Appointment, slot *Slot, now time.Time) int64
}

type policyRefund struct {
	cutoff      time.Duration
	latePercent int
}

// NewPolicyRefund refunds the full fee when cancellation happens earlier than
// cutoff before the slot start, and latePercent of the fee at or after it.
func NewPolicyRefund(cutoff time.Duration, latePercent int) RefundCalculator {
	return &policyRefund{cutoff: cutoff, latePercent: latePercent}
}

func (p *policyRefund) Refund(appt *Appointment, slot *Slot, now time.Time) int64 {
	if appt.PaymentStatus != PaymentPaid {
		return 0
	}
	if now.Before(slot.StartAt().Add(-p.cutoff)) {
		return slot.Fee
	}
	return slot.Fee * int64(p.latePercent) / 100
}
