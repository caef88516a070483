package queue

import "github.com/google/uuid"

// Position is the computed place of one waiting patient.
type Position struct {
	AppointmentID        uuid.UUID
	Position             int // 1-based ordinal in the waiting line
	EstimatedWaitMinutes int
}

// WaitingPositions derives positions and wait estimates from an already
// ordered waiting set. Pure: no I/O, same input always yields same output.
// The serving patient is not part of the input and has no position.
func WaitingPositions(waiting []QueueEntry, avgServiceMinutes int) []Position {
	if len(waiting) == 0 {
		return nil
	}

	positions := make([]Position, len(waiting))
	for i, e := range waiting {
		positions[i] = Position{
			AppointmentID:        e.AppointmentID,
			Position:             i + 1,
			EstimatedWaitMinutes: (i + 1) * avgServiceMinutes,
		}
	}
	return positions
}
