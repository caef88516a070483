package api

import (
	"time"

	"github.com/google/uuid"
)

type CheckInRequest struct {
	AppointmentID string `json:"appointment_id,omitempty"`

	// Walk-in fields, used when no appointment id is given.
	PatientID       string `json:"patient_id,omitempty"`
	PatientName     string `json:"patient_name,omitempty"`
	NephroID        string `json:"nephro_id,omitempty"`
	AppointmentType string `json:"appointment_type,omitempty"`
	DoctorName      string `json:"doctor_name,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type QueueEntryResponse struct {
	ID              uuid.UUID  `json:"id"`
	Date            string     `json:"date"`
	AppointmentID   uuid.UUID  `json:"appointment_id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	PatientName     string     `json:"patient_name"`
	NephroID        string     `json:"nephro_id"`
	AppointmentType string     `json:"appointment_type"`
	CheckInTime     time.Time  `json:"check_in_time"`
	ServedAt        *time.Time `json:"served_at,omitempty"`
	Status          string     `json:"status"`
	CheckedInBy     string     `json:"checked_in_by"`
}

type CallNextResponse struct {
	Served *QueueEntryResponse `json:"served,omitempty"`
	Empty  bool                `json:"empty,omitempty"`
}

type AppointmentResponse struct {
	ID                uuid.UUID `json:"id"`
	PatientID         uuid.UUID `json:"patient_id"`
	PatientName       string    `json:"patient_name"`
	NephroID          string    `json:"nephro_id"`
	Date              string    `json:"date"`
	TimeSlot          string    `json:"time_slot"`
	Type              string    `json:"type"`
	DoctorName        string    `json:"doctor_name"`
	Status            string    `json:"status"`
	Notes             *string   `json:"notes,omitempty"`
	AdmitSignalFailed bool      `json:"admit_signal_failed,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
