// Package patientsvc is the boundary client for the patient-record service.
// The queue engine only needs one capability from it: marking a patient as
// admitted when their OPD appointment transitions to Admitted.
package patientsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrUnavailable = errors.New("patient record service unavailable")

type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
		log: log,
	}
}

// AdmitPatient signals the admission. Callers treat failure as non-fatal:
// the queue transition it accompanies is never rolled back.
func (c *Client) AdmitPatient(ctx context.Context, patientID uuid.UUID) error {
	url := fmt.Sprintf("%s/patients/%s/admit", c.baseURL, patientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build admit request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: admit returned status %d", ErrUnavailable, resp.StatusCode)
	}

	c.log.Debug().Stringer("patient_id", patientID).Msg("admission signal delivered")
	return nil
}
