package tuffnells

import (
	"encoding/json"
	"time"
)

// Log is one row of carrier-reported movement history.
type Log struct {
	Date              time.Time `json:"date"`
	Description       string    `json:"description"`
	DeliveryDepot     string    `json:"delivery_depot"`
	RoundNumber       string    `json:"round_number"`
	DeliveryDate      time.Time `json:"delivery_date"`
	PackagesReceived  int       `json:"packages_received"`
	PackagesDelivered int       `json:"packages_delivered"`
}

// History is the ordered movement history of a consignment.
type History struct {
	logs []*Log
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Add appends a log entry.
func (h *History) Add(log *Log) {
	h.logs = append(h.logs, log)
}

// Remove deletes the first occurrence of the entry, reporting whether it was
// present.
func (h *History) Remove(log *Log) bool {
	for i, l := range h.logs {
		if l == log {
			h.logs = append(h.logs[:i], h.logs[i+1:]...)
			return true
		}
	}
	return false
}

// At returns the i-th entry.
func (h *History) At(i int) *Log { return h.logs[i] }

// Count returns the number of entries.
func (h *History) Count() int { return len(h.logs) }

// Status derives the lifecycle status from the last entry's description.
// The portal's vocabulary is free text with no contract, so anything
// unrecognized is treated as in transit rather than failing.
func (h *History) Status() Status {
	if len(h.logs) > 0 {
		switch h.logs[len(h.logs)-1].Description {
		case "Delivered":
			return StatusDelivered
		case "Out to deliver":
			return StatusOutForDelivery
		case "Created By EZEEWEB":
			return StatusAwaitingPickup
		}
	}
	return StatusInTransit
}

// MarshalJSON implements json.Marshaler.
func (h *History) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.logs)
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *History) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &h.logs)
}

// Signature is one proof-of-delivery entry.
type Signature struct {
	Signature string    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}

// Signatures is the ordered proof-of-delivery set for a delivered
// consignment.
type Signatures struct {
	signatures []*Signature
}

// NewSignatures creates an empty signature set.
func NewSignatures() *Signatures {
	return &Signatures{}
}

// Add appends a signature.
func (s *Signatures) Add(sig *Signature) {
	s.signatures = append(s.signatures, sig)
}

// Remove deletes the first occurrence of the signature, reporting whether it
// was present.
func (s *Signatures) Remove(sig *Signature) bool {
	for i, v := range s.signatures {
		if v == sig {
			s.signatures = append(s.signatures[:i], s.signatures[i+1:]...)
			return true
		}
	}
	return false
}

// At returns the i-th signature.
func (s *Signatures) At(i int) *Signature { return s.signatures[i] }

// Count returns the number of signatures.
func (s *Signatures) Count() int { return len(s.signatures) }

// MarshalJSON implements json.Marshaler.
func (s *Signatures) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.signatures)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Signatures) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &s.signatures)
}
