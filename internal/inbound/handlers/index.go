// Package handlers holds the message handlers shipped with the service:
// patient registration from ADT events and observation results from ORU^R01.
//
// MemoryIndex is the only PatientIndex and ResultStore here. What the
// handlers write is lost on restart even when the queue itself lives in
// PostgreSQL; archived messages stay, so a durable deployment supplies its
// own implementations to Register.
package handlers

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Patient is the demographic snapshot kept from ADT messages.
type Patient struct {
	MRN         string    `json:"mrn"`
	Family      string    `json:"family"`
	Given       string    `json:"given,omitempty"`
	DateOfBirth string    `json:"date_of_birth,omitempty"`
	Gender      string    `json:"gender,omitempty"`
	LastEvent   string    `json:"last_event"`
	ControlID   string    `json:"control_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Observation is one OBX result.
type Observation struct {
	MRN       string `json:"mrn"`
	OrderID   string `json:"order_id,omitempty"`
	SetID     string `json:"set_id"`
	Code      string `json:"code"`
	Name      string `json:"name,omitempty"`
	ValueType string `json:"value_type"`
	Value     string `json:"value"`
	Units     string `json:"units,omitempty"`
	RefRange  string `json:"reference_range,omitempty"`
	Flag      string `json:"flag,omitempty"`
	Status    string `json:"status,omitempty"`
	ControlID string `json:"control_id"`
}

// PatientIndex stores patients by MRN. Upsert must be idempotent.
type PatientIndex interface {
	UpsertPatient(ctx context.Context, p Patient) error
	GetPatient(ctx context.Context, mrn string) (*Patient, bool, error)
}

// ResultStore stores observations. Saving the same message twice replaces
// its earlier observations.
type ResultStore interface {
	SaveResults(ctx context.Context, controlID string, obs []Observation) error
}

// MemoryIndex is an in-process PatientIndex and ResultStore.
type MemoryIndex struct {
	mu       sync.RWMutex
	patients map[string]Patient
	results  map[string][]Observation
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		patients: make(map[string]Patient),
		results:  make(map[string][]Observation),
	}
}

func (m *MemoryIndex) UpsertPatient(_ context.Context, p Patient) error {
	m.mu.Lock()
	m.patients[p.MRN] = p
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) GetPatient(_ context.Context, mrn string) (*Patient, bool, error) {
	m.mu.RLock()
	p, ok := m.patients[mrn]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (m *MemoryIndex) SaveResults(_ context.Context, controlID string, obs []Observation) error {
	cp := make([]Observation, len(obs))
	copy(cp, obs)
	m.mu.Lock()
	m.results[controlID] = cp
	m.mu.Unlock()
	return nil
}

// Results returns the stored observations for a patient ordered by message
// and set id.
func (m *MemoryIndex) Results(mrn string) []Observation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Observation
	for _, obs := range m.results {
		for _, o := range obs {
			if o.MRN == mrn {
				out = append(out, o)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ControlID != out[j].ControlID {
			return out[i].ControlID < out[j].ControlID
		}
		return out[i].SetID < out[j].SetID
	})
	return out
}
