// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs per location, relays unlock commands to the
// dispatcher, and forwards state updates from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kzdgn/diafonbox/internal/core/call"
	"github.com/kzdgn/diafonbox/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

// Ensure StubPublisher implements Publisher.
var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
	// RingOffDelay is the Home Assistant off_delay for the ring binary
	// sensors, in seconds.
	RingOffDelay int `yaml:"ring_off_delay"`
}

// ---------------------------------------------------------------------------
// DoorCommander – abstraction over the unlock path
// ---------------------------------------------------------------------------

// DoorCommander sends unlock commands without importing the dispatcher
// package directly.
type DoorCommander interface {
	OpenDoor(ctx context.Context, locationID string) error
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

// Ensure HAPublisher implements Publisher at compile time.
var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs for every
// location, subscribes to the lock command topics and relays unlocks to the
// dispatcher, and forwards state updates from the EventBus.
type HAPublisher struct {
	cfg   MQTTConfig
	door  DoorCommander
	store *state.LocationStore
	bus   *state.EventBus
	log   *slog.Logger

	client pahomqtt.Client

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg MQTTConfig, door DoorCommander, store *state.LocationStore, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	if cfg.RingOffDelay <= 0 {
		cfg.RingOffDelay = 5
	}
	return &HAPublisher{
		cfg:   cfg,
		door:  door,
		store: store,
		bus:   bus,
		log:   log,
		stopC: make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker, publishes discovery configs, subscribes
// to lock command topics, publishes initial state, and starts listening on
// the EventBus for real-time updates.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("diafonbox-%s", p.cfg.DeviceID)).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// Subscribe to EventBus.
	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	// Signal event loop to exit.
	close(p.stopC)

	// Unsubscribe from EventBus (will close channel and drain).
	if p.unsub != nil {
		p.unsub()
	}

	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		// Publish offline before disconnecting.
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	// 1. Publish online availability (retained).
	p.publish(p.topic("status"), "online", true)

	// 2. Publish all discovery configs.
	p.publishDiscovery()

	// 3. Subscribe to lock command topics.
	p.subscribeCommands()

	// 4. Subscribe to HA birth topic for re-discovery.
	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishDiscovery()
			p.publishFullState()
		}
	})

	// 5. Publish initial state snapshot.
	p.publishFullState()
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

// deviceInfo returns the shared HA device block for one location.
func (p *HAPublisher) deviceInfo(loc state.LocationState) map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{fmt.Sprintf("%s_%s", p.cfg.DeviceID, loc.LocationID)},
		"name":         fmt.Sprintf("DiafonBox %s", loc.Name),
		"manufacturer": "Multitek",
		"model":        "DiafonBox",
	}
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, deviceID, objectID)
}

func (p *HAPublisher) publishDiscovery() {
	for _, loc := range p.store.Snapshot() {
		p.publishLocationDiscovery(loc)
	}
}

func (p *HAPublisher) publishLocationDiscovery(loc state.LocationState) {
	dev := p.deviceInfo(loc)
	avail := map[string]interface{}{
		"topic": p.topic("status"),
	}
	id := fmt.Sprintf("%s_%s", p.cfg.DeviceID, loc.LocationID)

	// --- Lock ---
	p.publishDiscoveryConfig("lock", id, "door", map[string]interface{}{
		"name":           fmt.Sprintf("%s Door", loc.Name),
		"unique_id":      fmt.Sprintf("%s_door", id),
		"state_topic":    p.locTopic(loc.LocationID, "lock/state"),
		"command_topic":  p.locTopic(loc.LocationID, "lock/set"),
		"payload_unlock": "UNLOCK",
		"payload_lock":   "LOCK",
		"state_locked":   "LOCKED",
		"state_unlocked": "UNLOCKED",
		"optimistic":     false,
		"device":         dev,
		"availability":   avail,
	})

	// --- Binary sensors: ring indicators ---
	for _, ring := range []struct {
		objectID string
		name     string
		kind     call.RingKind
	}{
		{"entrance_ring", "Entrance Ring", call.RingEntrance},
		{"apartment_ring", "Apartment Ring", call.RingApartment},
	} {
		p.publishDiscoveryConfig("binary_sensor", id, ring.objectID, map[string]interface{}{
			"name":         fmt.Sprintf("%s %s", loc.Name, ring.name),
			"unique_id":    fmt.Sprintf("%s_%s", id, ring.objectID),
			"state_topic":  p.ringTopic(loc.LocationID, ring.kind),
			"device_class": "occupancy",
			"payload_on":   "ON",
			"payload_off":  "OFF",
			"off_delay":    p.cfg.RingOffDelay,
			"device":       dev,
			"availability": avail,
		})
	}

	p.publishDiscoveryConfig("binary_sensor", id, "connection", map[string]interface{}{
		"name":         fmt.Sprintf("%s Connection", loc.Name),
		"unique_id":    fmt.Sprintf("%s_connection", id),
		"state_topic":  p.topic("connection/state"),
		"device_class": "connectivity",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       dev,
		"availability": avail,
	})

	// --- Camera: last doorbell snapshot ---
	p.publishDiscoveryConfig("camera", id, "snapshot", map[string]interface{}{
		"name":         fmt.Sprintf("%s Last Ring Snapshot", loc.Name),
		"unique_id":    fmt.Sprintf("%s_snapshot", id),
		"topic":        p.locTopic(loc.LocationID, "snapshot/image"),
		"device":       dev,
		"availability": avail,
	})

	// --- Sensors: statistics ---
	p.publishDiscoveryConfig("sensor", id, "last_ring", map[string]interface{}{
		"name":           fmt.Sprintf("%s Last Ring", loc.Name),
		"unique_id":      fmt.Sprintf("%s_last_ring", id),
		"state_topic":    p.locTopic(loc.LocationID, "stats/state"),
		"value_template": "{{ value_json.last_ring_time }}",
		"device_class":   "timestamp",
		"device":         dev,
		"availability":   avail,
	})

	p.publishDiscoveryConfig("sensor", id, "today_rings", map[string]interface{}{
		"name":           fmt.Sprintf("%s Rings Today", loc.Name),
		"unique_id":      fmt.Sprintf("%s_today_rings", id),
		"state_topic":    p.locTopic(loc.LocationID, "stats/state"),
		"value_template": "{{ value_json.today_ring_count }}",
		"state_class":    "total_increasing",
		"device":         dev,
		"availability":   avail,
	})

	p.publishDiscoveryConfig("sensor", id, "total_calls", map[string]interface{}{
		"name":           fmt.Sprintf("%s Total Calls", loc.Name),
		"unique_id":      fmt.Sprintf("%s_total_calls", id),
		"state_topic":    p.locTopic(loc.LocationID, "stats/state"),
		"value_template": "{{ value_json.total_call_count }}",
		"state_class":    "total_increasing",
		"device":         dev,
		"availability":   avail,
	})
}

func (p *HAPublisher) publishDiscoveryConfig(component, deviceID, objectID string, payload map[string]interface{}) {
	topic := discoveryTopic(component, deviceID, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

func (p *HAPublisher) subscribeCommands() {
	for _, id := range p.store.IDs() {
		locationID := id
		t := p.locTopic(locationID, "lock/set")
		token := p.client.Subscribe(t, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			p.handleLockCmd(locationID, msg)
		})
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
		}
	}
}

func (p *HAPublisher) handleLockCmd(locationID string, msg pahomqtt.Message) {
	payload := strings.TrimSpace(string(msg.Payload()))
	if !strings.EqualFold(payload, "UNLOCK") {
		// The relay relocks itself; LOCK commands have nothing to do.
		p.log.Debug("ignoring lock command", "location_id", locationID, "payload", payload)
		return
	}
	p.log.Info("MQTT command: unlock", "location_id", locationID)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.door.OpenDoor(ctx, locationID); err != nil {
		p.log.Error("failed to open door", "location_id", locationID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

// publishFullState publishes the complete state snapshot.
func (p *HAPublisher) publishFullState() {
	for _, loc := range p.store.Snapshot() {
		p.publishLockState(loc.LocationID, loc.Lock)
		p.publishStats(loc.LocationID, loc.Stats)
		if loc.SnapshotPath != "" {
			p.publishSnapshotAsset(loc.LocationID, loc.SnapshotPath)
		}
	}
	p.publish(p.topic("connection/state"), boolToOnOff(p.store.Connected()), true)
}

func (p *HAPublisher) publishLockState(locationID string, lock state.LockState) {
	payload := "LOCKED"
	if lock == state.LockUnlocked {
		payload = "UNLOCKED"
	}
	p.publish(p.locTopic(locationID, "lock/state"), payload, true)
}

func (p *HAPublisher) publishStats(locationID string, stats state.LocationStats) {
	payload := map[string]interface{}{
		"today_ring_count": stats.TodayRingCount,
		"total_call_count": stats.TotalCallCount,
	}
	if !stats.LastRingTime.IsZero() {
		payload["last_ring_time"] = stats.LastRingTime.Format(time.RFC3339)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal stats state", "error", err)
		return
	}
	p.publish(p.locTopic(locationID, "stats/state"), string(data), true)
}

// publishSnapshotAsset pushes the cached image bytes to the camera topic.
func (p *HAPublisher) publishSnapshotAsset(locationID, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		p.log.Warn("snapshot asset unreadable", "location_id", locationID, "path", path, "error", err)
		return
	}
	p.publishBytes(p.locTopic(locationID, "snapshot/image"), data, true)
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventDoorbellPressed:
		ring, ok := evt.Data.(state.DoorbellEvent)
		if !ok {
			p.log.Warn("unexpected data type for doorbell_pressed")
			return
		}
		// Non-retained pulse; the off_delay in discovery turns it off.
		p.publish(p.ringTopic(ring.LocationID, ring.Kind), "ON", false)
		p.publishJSONEvent(p.locTopic(ring.LocationID, "events/doorbell"), ring)

	case state.EventDoorOpened:
		opened, ok := evt.Data.(state.DoorOpenedEvent)
		if !ok {
			p.log.Warn("unexpected data type for door_opened")
			return
		}
		p.publishJSONEvent(p.locTopic(opened.LocationID, "events/door_opened"), opened)

	case state.EventLockUpdate:
		lock, ok := evt.Data.(state.LockEvent)
		if !ok {
			p.log.Warn("unexpected data type for lock_update")
			return
		}
		p.publishLockState(lock.LocationID, lock.Lock)

	case state.EventStatsUpdate:
		stats, ok := evt.Data.(state.StatsEvent)
		if !ok {
			p.log.Warn("unexpected data type for stats_update")
			return
		}
		p.publishStats(stats.LocationID, stats.Stats)

	case state.EventSnapshotUpdate:
		snap, ok := evt.Data.(state.SnapshotEvent)
		if !ok {
			p.log.Warn("unexpected data type for snapshot_update")
			return
		}
		p.publishSnapshotAsset(snap.LocationID, snap.Path)

	case state.EventConnectivity:
		conn, ok := evt.Data.(state.ConnectivityEvent)
		if !ok {
			p.log.Warn("unexpected data type for connectivity")
			return
		}
		p.publish(p.topic("connection/state"), boolToOnOff(conn.Connected), true)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.DeviceID, suffix)
}

// locTopic builds a per-location topic: {prefix}/{device_id}/{location}/{suffix}.
func (p *HAPublisher) locTopic(locationID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s/%s", p.cfg.TopicPrefix, p.cfg.DeviceID, locationID, suffix)
}

func (p *HAPublisher) ringTopic(locationID string, kind call.RingKind) string {
	return p.locTopic(locationID, string(kind)+"_ring/state")
}

func (p *HAPublisher) publishJSONEvent(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal event payload", "topic", topic, "error", err)
		return
	}
	// Events are moments, not state; never retained.
	p.publish(topic, string(data), false)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	p.publishBytes(topic, []byte(payload), retained)
}

func (p *HAPublisher) publishBytes(topic string, payload []byte, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
