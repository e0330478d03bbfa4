package handlers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7inbound/internal/inbound"
	"github.com/ehr/hl7inbound/internal/platform/hl7v2"
)

// ORUHandler stores OBX observations from ORU^R01 result messages.
type ORUHandler struct {
	patients PatientIndex
	results  ResultStore
	logger   zerolog.Logger

	// RequireKnownPatient answers AE for results about patients that no ADT
	// message has registered.
	RequireKnownPatient bool
}

func NewORUHandler(patients PatientIndex, results ResultStore, logger zerolog.Logger) *ORUHandler {
	return &ORUHandler{
		patients: patients,
		results:  results,
		logger:   logger.With().Str("handler", "oru").Logger(),
	}
}

func (h *ORUHandler) Process(ctx context.Context, msg *hl7v2.Message) (inbound.AckResult, error) {
	if msg.GetSegment("PID") == nil {
		return inbound.Reject("PID segment is required"), nil
	}
	mrn := msg.Unescape(msg.PatientID())
	if mrn == "" {
		return inbound.Reject("PID-3 patient identifier is required"), nil
	}
	obr := msg.GetSegment("OBR")
	if obr == nil {
		return inbound.Reject("OBR segment is required"), nil
	}

	if h.RequireKnownPatient {
		_, ok, err := h.patients.GetPatient(ctx, mrn)
		if err != nil {
			return inbound.AckResult{}, fmt.Errorf("lookup patient %s: %w", mrn, err)
		}
		if !ok {
			return inbound.ApplicationErr("unknown patient " + mrn), nil
		}
	}

	orderID := obr.GetComponent(2, 1)
	var obs []Observation
	for _, seg := range msg.GetSegments("OBX") {
		obs = append(obs, Observation{
			MRN:       mrn,
			OrderID:   orderID,
			SetID:     seg.GetField(1),
			ValueType: seg.GetField(2),
			Code:      seg.GetComponent(3, 1),
			Name:      msg.Unescape(seg.GetComponent(3, 2)),
			Value:     msg.Unescape(seg.GetField(5)),
			Units:     msg.Unescape(seg.GetComponent(6, 1)),
			RefRange:  seg.GetField(7),
			Flag:      seg.GetField(8),
			Status:    seg.GetField(11),
			ControlID: msg.ControlID,
		})
	}
	if len(obs) == 0 {
		return inbound.ApplicationErr("result message carries no OBX observations"), nil
	}

	if err := h.results.SaveResults(ctx, msg.ControlID, obs); err != nil {
		return inbound.AckResult{}, fmt.Errorf("save results for %s: %w", msg.ControlID, err)
	}

	h.logger.Debug().
		Str("mrn", mrn).
		Str("order_id", orderID).
		Int("observations", len(obs)).
		Msg("results stored")
	return inbound.Accept(), nil
}
