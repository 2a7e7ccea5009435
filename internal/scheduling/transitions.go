package scheduling

// apptTransitions maps each appointment status to the statuses it may move to.
// Terminal statuses have no entries. no_show and rescheduled are reachable from
// confirmed only.
var apptTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:    {StatusConfirmed, StatusCancelled, StatusRescheduled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusNoShow, StatusRescheduled},
	StatusInProgress: {StatusCompleted},
}

func ValidAppointmentTransition(from, to AppointmentStatus) bool {
	for _, allowed := range apptTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// slotTransitions: available<->blocked is the only two-way edge; booked and
// cancelled slots never become available again except through cancellation of
// their appointment (booked->available), handled by the booking engine.
var slotTransitions = map[SlotStatus][]SlotStatus{
	SlotAvailable: {SlotBooked, SlotBlocked, SlotCancelled},
	SlotBooked:    {SlotAvailable, SlotCancelled},
	SlotBlocked:   {SlotAvailable, SlotCancelled},
}

func ValidSlotTransition(from, to SlotStatus) bool {
	for _, allowed := range slotTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func terminalAppointment(s AppointmentStatus) bool {
	return len(apptTransitions[s]) == 0
}
