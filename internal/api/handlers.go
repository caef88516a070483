package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nephroflow/opd-queue/internal/queue"
)

func checkInHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CheckInRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		origin := checkInOrigin(r.Context())

		// Scheduled appointment check-in.
		if req.AppointmentID != "" {
			appointmentID, err := uuid.Parse(req.AppointmentID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
				return
			}

			entry, err := svc.CheckIn(r.Context(), appointmentID, origin)
			if err != nil {
				handleMutationError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, toEntryResponse(entry))
			return
		}

		// Ad-hoc walk-in.
		if req.PatientName == "" || req.AppointmentType == "" {
			writeError(w, http.StatusBadRequest, "invalid_walk_in", "patient_name and appointment_type are required for a walk-in")
			return
		}

		walkIn := queue.WalkInPatient{
			PatientName: req.PatientName,
			NephroID:    req.NephroID,
			Type:        req.AppointmentType,
			DoctorName:  req.DoctorName,
		}
		if req.PatientID != "" {
			patientID, err := uuid.Parse(req.PatientID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			walkIn.PatientID = patientID
		}

		entry, err := svc.CheckInWalkIn(r.Context(), walkIn, origin)
		if err != nil {
			handleMutationError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toEntryResponse(entry))
	}
}

func callNextHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, ok := parseDateParam(w, r)
		if !ok {
			return
		}

		res, err := svc.CallNext(r.Context(), date)
		if err != nil {
			handleMutationError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, CallNextResponse{
			Served: toEntryResponse(res.Served),
			Empty:  res.Empty,
		})
	}
}

func setStatusHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, ok := parseAppointmentID(w, r)
		if !ok {
			return
		}

		var req SetStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Status == "" {
			writeError(w, http.StatusBadRequest, "missing_status", "status is required")
			return
		}

		res, err := svc.SetStatus(r.Context(), appointmentID, queue.Status(req.Status), GetActor(r.Context()))
		if err != nil {
			handleMutationError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(res.Appointment, res.AdmitSignalFailed))
	}
}

func getAppointmentHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, ok := parseAppointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), appointmentID)
		if err != nil {
			handleMutationError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt, false))
	}
}

func parseAppointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseDateParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	date := chi.URLParam(r, "date")
	if _, err := time.Parse(queue.DateLayout, date); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return "", false
	}
	return date, true
}

func handleMutationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, queue.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "queue_entry_not_found", err.Error())
	case errors.Is(err, queue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, queue.ErrTransientFailure):
		writeError(w, http.StatusConflict, "queue_busy", "the queue is being updated by another terminal, please retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
