// Package state holds the per-location state surface exposed to
// presentation collaborators, and the event bus that carries domain events
// (doorbell rings, door openings, statistics and snapshot updates).
package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kzdgn/diafonbox/internal/core/call"
)

// LockState is the door lock state.
type LockState string

const (
	LockLocked   LockState = "locked"
	LockUnlocked LockState = "unlocked"
)

// LocationStats are the per-location counters maintained by the statistics
// aggregator.
type LocationStats struct {
	LastRingTime   time.Time `json:"last_ring_time"`
	TodayRingCount int       `json:"today_ring_count"`
	TotalCallCount int       `json:"total_call_count"`
}

// LocationState is a snapshot of one location's exposed state.
type LocationState struct {
	LocationID        string        `json:"location_id"`
	Name              string        `json:"name"`
	DeviceSIP         string        `json:"device_sip"`
	Lock              LockState     `json:"lock"`
	EntranceRinging   bool          `json:"entrance_ringing"`
	ApartmentRinging  bool          `json:"apartment_ringing"`
	LastEntranceRing  time.Time     `json:"last_entrance_ring,omitempty"`
	LastApartmentRing time.Time     `json:"last_apartment_ring,omitempty"`
	Watermark         int64         `json:"watermark"`
	Stats             LocationStats `json:"stats"`
	SnapshotPath      string        `json:"snapshot_path,omitempty"` // local cached asset
	SnapshotAt        time.Time     `json:"snapshot_at,omitempty"`
}

// EventType identifies event categories.
type EventType string

const (
	EventDoorbellPressed EventType = "doorbell_pressed"
	EventDoorOpened      EventType = "door_opened"
	EventLockUpdate      EventType = "lock_update"
	EventStatsUpdate     EventType = "stats_update"
	EventSnapshotUpdate  EventType = "snapshot_update"
	EventConnectivity    EventType = "connectivity"
)

// DoorbellEvent is published exactly once per physical ring.
type DoorbellEvent struct {
	CallID       string        `json:"call_id"`
	CallFrom     string        `json:"call_from"`
	CallTo       string        `json:"call_to"`
	LocationID   string        `json:"location_id"`
	Kind         call.RingKind `json:"kind"`
	Timestamp    int64         `json:"timestamp"` // epoch ms of the call record
	SnapshotPath string        `json:"snapshot_path,omitempty"`
}

// DoorOpenedEvent is published once per successful unlock.
type DoorOpenedEvent struct {
	LocationID   string `json:"location_id"`
	LocationName string `json:"location_name"`
	DeviceSIP    string `json:"device_sip"`
	Method       string `json:"method"`
	CallID       string `json:"call_id,omitempty"`
}

// LockEvent reports a lock state change.
type LockEvent struct {
	LocationID string    `json:"location_id"`
	Lock       LockState `json:"lock"`
}

// StatsEvent carries updated counters for a location.
type StatsEvent struct {
	LocationID string        `json:"location_id"`
	Stats      LocationStats `json:"stats"`
}

// SnapshotEvent reports a freshly cached snapshot asset.
type SnapshotEvent struct {
	LocationID string    `json:"location_id"`
	Path       string    `json:"path"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// ConnectivityEvent reports cloud reachability transitions.
type ConnectivityEvent struct {
	Connected bool `json:"connected"`
}

// Event represents a domain event.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		// drain anything buffered so senders-in-flight are not leaked
		for {
			select {
			case <-ch:
			default:
				return
			}
		}
	}
	return ch, unsub
}

// --- LocationStore ---

// LocationStore holds the current state of every configured location with
// thread-safe access. Watermarks are written only by the reconciliation
// engine, statistics only by the aggregator (via the engine), lock state
// only by the command dispatcher.
type LocationStore struct {
	mu        sync.RWMutex
	locations map[string]*LocationState
	order     []string
	connected bool
	bus       *EventBus
	log       *slog.Logger
}

// NewLocationStore creates a store wired to the event bus.
func NewLocationStore(bus *EventBus, log *slog.Logger) *LocationStore {
	return &LocationStore{
		locations: make(map[string]*LocationState),
		bus:       bus,
		log:       log,
	}
}

// Register adds a location. Called once per configured location at startup.
func (s *LocationStore) Register(id, name, deviceSIP string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[id]; ok {
		return
	}
	s.locations[id] = &LocationState{
		LocationID: id,
		Name:       name,
		DeviceSIP:  deviceSIP,
		Lock:       LockLocked,
	}
	s.order = append(s.order, id)
}

// IDs returns the registered location ids in registration order.
func (s *LocationStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

// Get returns a copy of one location's state.
func (s *LocationStore) Get(id string) (LocationState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.locations[id]
	if !ok {
		return LocationState{}, false
	}
	return *st, true
}

// Snapshot returns a copy of all location state.
func (s *LocationStore) Snapshot() []LocationState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LocationState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.locations[id])
	}
	return out
}

// SetWatermark advances the processed-call boundary for a location.
// Watermarks never move backwards.
func (s *LocationStore) SetWatermark(id string, watermark int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.locations[id]; ok && watermark > st.Watermark {
		st.Watermark = watermark
	}
}

// Watermark returns the processed-call boundary for a location.
func (s *LocationStore) Watermark(id string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.locations[id]; ok {
		return st.Watermark
	}
	return 0
}

// PulseRing turns a ring indicator on and records the ring timestamp. The
// caller is responsible for scheduling ClearRing.
func (s *LocationStore) PulseRing(id string, kind call.RingKind, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.locations[id]
	if !ok {
		return
	}
	switch kind {
	case call.RingEntrance:
		st.EntranceRinging = true
		st.LastEntranceRing = at
	case call.RingApartment:
		st.ApartmentRinging = true
		st.LastApartmentRing = at
	}
}

// ClearRing turns a ring indicator off again. at must be the timestamp the
// matching PulseRing recorded: a newer pulse of the same kind keeps the
// indicator on until its own clear fires.
func (s *LocationStore) ClearRing(id string, kind call.RingKind, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.locations[id]
	if !ok {
		return
	}
	switch kind {
	case call.RingEntrance:
		if st.LastEntranceRing.Equal(at) {
			st.EntranceRinging = false
		}
	case call.RingApartment:
		if st.LastApartmentRing.Equal(at) {
			st.ApartmentRinging = false
		}
	}
}

// UpdateStats replaces a location's counters.
func (s *LocationStore) UpdateStats(id string, stats LocationStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.locations[id]; ok {
		st.Stats = stats
	}
}

// SetLock updates the lock state and publishes the transition.
func (s *LocationStore) SetLock(id string, lock LockState) {
	s.mu.Lock()
	st, ok := s.locations[id]
	if ok {
		st.Lock = lock
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.bus.Publish(Event{Type: EventLockUpdate, Data: LockEvent{LocationID: id, Lock: lock}})
}

// SetSnapshot records the latest cached snapshot asset for a location.
func (s *LocationStore) SetSnapshot(id, path string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.locations[id]; ok {
		st.SnapshotPath = path
		st.SnapshotAt = at
	}
}

// SetConnected updates cloud reachability and publishes transitions.
func (s *LocationStore) SetConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.mu.Unlock()

	if changed {
		s.bus.Publish(Event{Type: EventConnectivity, Data: ConnectivityEvent{Connected: connected}})
	}
}

// Connected reports cloud reachability.
func (s *LocationStore) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
