package api

import (
	"encoding/json"
	"net/http"

	"github.com/nephroflow/opd-queue/internal/queue"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func toEntryResponse(e *queue.QueueEntry) *QueueEntryResponse {
	if e == nil {
		return nil
	}
	return &QueueEntryResponse{
		ID:              e.ID,
		Date:            e.Date,
		AppointmentID:   e.AppointmentID,
		PatientID:       e.PatientID,
		PatientName:     e.PatientName,
		NephroID:        e.NephroID,
		AppointmentType: e.AppointmentType,
		CheckInTime:     e.CheckInTime,
		ServedAt:        e.ServedAt,
		Status:          string(e.Status),
		CheckedInBy:     string(e.CheckedInBy),
	}
}

func toAppointmentResponse(a *queue.Appointment, admitSignalFailed bool) AppointmentResponse {
	return AppointmentResponse{
		ID:                a.ID,
		PatientID:         a.PatientID,
		PatientName:       a.PatientName,
		NephroID:          a.NephroID,
		Date:              a.Date,
		TimeSlot:          a.TimeSlot,
		Type:              a.Type,
		DoctorName:        a.DoctorName,
		Status:            string(a.Status),
		Notes:             a.Notes,
		AdmitSignalFailed: admitSignalFailed,
	}
}
