// Package call defines the normalized call record model and the
// destination-code classifier that maps vendor call records onto ring kinds.
package call

import (
	"log/slog"
	"time"
)

// State is the vendor-reported call state.
type State string

const (
	// StateMissed marks an unanswered inbound call, i.e. a doorbell ring.
	StateMissed State = "Missed"
	// StateOutgoing marks a call placed from this account (door unlock calls).
	StateOutgoing State = "Outgoing"
)

// Record is a normalized, immutable call record. Identity is ID.
type Record struct {
	ID           string `json:"call_id"`
	From         string `json:"call_from"`
	To           string `json:"call_to"`
	LocationID   string `json:"location_id"`
	Date         int64  `json:"date"` // epoch milliseconds, source-provided
	State        State  `json:"call_state"`
	SnapshotPath string `json:"path,omitempty"`
	Duration     string `json:"duration,omitempty"`
}

// Time returns the record timestamp as local time.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.Date)
}

// RingKind classifies a call destination.
type RingKind string

const (
	RingEntrance  RingKind = "entrance"
	RingApartment RingKind = "apartment"
	RingUnknown   RingKind = "unknown"

	// KindOpened tags outgoing unlock calls in the persisted call log. It is
	// a log label, not a ring classification, and is never produced by the
	// classifier.
	KindOpened RingKind = "opened"
)

// Mapping is the per-location destination-code table: numeric entry codes
// denote the building entrance panel, SIP extensions the apartment door unit.
type Mapping struct {
	EntranceCodes       []string
	ApartmentExtensions []string
}

// Classifier maps call destinations to ring kinds using per-location mappings.
// Classification is total: every input yields exactly one RingKind.
type Classifier struct {
	byLocation map[string]Mapping
	log        *slog.Logger
}

// NewClassifier creates a classifier from per-location mappings.
func NewClassifier(mappings map[string]Mapping, log *slog.Logger) *Classifier {
	return &Classifier{byLocation: mappings, log: log}
}

// Classify returns the ring kind for a call destination at a location.
// Destinations outside the configured mapping classify as RingUnknown,
// which protects downstream state from vendor payload drift.
func (c *Classifier) Classify(locationID, callTo string) RingKind {
	m, ok := c.byLocation[locationID]
	if !ok {
		c.log.Debug("classify: unconfigured location", "location_id", locationID, "call_to", callTo)
		return RingUnknown
	}
	for _, code := range m.EntranceCodes {
		if callTo == code {
			return RingEntrance
		}
	}
	for _, ext := range m.ApartmentExtensions {
		if callTo == ext {
			return RingApartment
		}
	}
	c.log.Debug("classify: unknown destination", "location_id", locationID, "call_to", callTo)
	return RingUnknown
}
