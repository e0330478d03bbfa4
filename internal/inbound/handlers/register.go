package handlers

import (
	"github.com/rs/zerolog"

	"github.com/ehr/hl7inbound/internal/inbound"
)

// Register binds the ADT and ORU handlers on r.
func Register(r *inbound.Router, patients PatientIndex, results ResultStore, logger zerolog.Logger) error {
	adt := NewADTHandler(patients, logger)
	routes := map[string]inbound.Handler{
		"ORU_R01": NewORUHandler(patients, results, logger),
	}
	for _, ev := range ADTEvents {
		routes["ADT_"+ev] = adt
	}
	return r.RegisterAll(routes)
}
