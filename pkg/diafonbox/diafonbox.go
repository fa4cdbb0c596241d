// Package diafonbox provides a public facade re-exporting core types
// for external consumers of this module.
package diafonbox

import (
	"github.com/kzdgn/diafonbox/internal/core/call"
	"github.com/kzdgn/diafonbox/internal/core/cloud"
	"github.com/kzdgn/diafonbox/internal/core/engine"
	"github.com/kzdgn/diafonbox/internal/core/state"
)

// Re-export core types for external use.
type (
	// Token holds authentication credentials.
	Token = cloud.Token
	// Client is the Multitek cloud API client.
	Client = cloud.Client
	// Location is a physical location with its devices.
	Location = cloud.Location
	// Record is a normalized call record.
	Record = call.Record
	// RingKind classifies a call destination.
	RingKind = call.RingKind
	// Mapping is the per-location destination-code table.
	Mapping = call.Mapping
	// LocationState is a snapshot of one location's exposed state.
	LocationState = state.LocationState
	// LocationStats are the per-location ring counters.
	LocationStats = state.LocationStats
	// Event represents a domain event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// Engine is the polling reconciliation loop.
	Engine = engine.Engine
)

// Ring kind constants.
const (
	RingEntrance  = call.RingEntrance
	RingApartment = call.RingApartment
	RingUnknown   = call.RingUnknown
)

// Event type constants.
const (
	EventDoorbellPressed = state.EventDoorbellPressed
	EventDoorOpened      = state.EventDoorOpened
	EventLockUpdate      = state.EventLockUpdate
	EventStatsUpdate     = state.EventStatsUpdate
	EventSnapshotUpdate  = state.EventSnapshotUpdate
	EventConnectivity    = state.EventConnectivity
)

// Sentinel errors.
var (
	ErrAuth            = cloud.ErrAuth
	ErrTransient       = cloud.ErrTransient
	ErrNotFound        = cloud.ErrNotFound
	ErrCommandRejected = cloud.ErrCommandRejected
)
