package queue

// transitions is the full appointment state machine. Waiting -> NowServing is
// deliberately absent: promotion happens only through CallNext so the engine,
// not the caller, picks who is served.
var transitions = map[Status]map[Status]bool{
	StatusScheduled: {
		StatusWaiting:   true,
		StatusCancelled: true,
		StatusNotShowed: true,
		StatusAdmitted:  true,
	},
	StatusWaiting: {
		StatusCancelled: true,
		StatusNotShowed: true,
		StatusAdmitted:  true,
	},
	StatusNowServing: {
		StatusCompleted: true,
		StatusAdmitted:  true,
	},
	// Completed, Cancelled, NotShowed, Admitted are terminal.
}

// CanTransition reports whether from -> to is a legal edge for SetStatus.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// IsTerminal reports whether a status accepts no further transitions.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNotShowed, StatusAdmitted:
		return true
	}
	return false
}

// retiresEntry reports whether reaching the status removes the patient's
// entry from the live queue partition.
func retiresEntry(to Status) bool {
	switch to {
	case StatusCompleted, StatusCancelled, StatusNotShowed, StatusAdmitted:
		return true
	}
	return false
}
