package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7inbound/internal/inbound"
	"github.com/ehr/hl7inbound/internal/platform/hl7v2"
)

// ADTEvents are the trigger events the registration handler accepts:
// admit, register, update and add person.
var ADTEvents = []string{"A01", "A04", "A08", "A28", "A31"}

// ADTHandler keeps the patient index current from ADT events.
type ADTHandler struct {
	patients PatientIndex
	logger   zerolog.Logger
	now      func() time.Time
}

func NewADTHandler(patients PatientIndex, logger zerolog.Logger) *ADTHandler {
	return &ADTHandler{
		patients: patients,
		logger:   logger.With().Str("handler", "adt").Logger(),
		now:      time.Now,
	}
}

// Process rejects messages without a PID or patient identifier and
// upserts the patient otherwise.
func (h *ADTHandler) Process(ctx context.Context, msg *hl7v2.Message) (inbound.AckResult, error) {
	if msg.GetSegment("PID") == nil {
		return inbound.Reject("PID segment is required"), nil
	}
	mrn := msg.Unescape(msg.PatientID())
	if mrn == "" {
		return inbound.Reject("PID-3 patient identifier is required"), nil
	}
	family, given := msg.PatientName()
	if family == "" {
		return inbound.Reject("PID-5 patient family name is required"), nil
	}

	p := Patient{
		MRN:         mrn,
		Family:      family,
		Given:       given,
		DateOfBirth: msg.DateOfBirth(),
		Gender:      msg.Gender(),
		LastEvent:   msg.TriggerEvent,
		ControlID:   msg.ControlID,
		UpdatedAt:   h.now().UTC(),
	}
	if err := h.patients.UpsertPatient(ctx, p); err != nil {
		return inbound.AckResult{}, fmt.Errorf("upsert patient %s: %w", mrn, err)
	}

	h.logger.Debug().
		Str("mrn", mrn).
		Str("event", msg.TriggerEvent).
		Msg("patient registered")
	return inbound.Accept(), nil
}
