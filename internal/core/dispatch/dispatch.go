// Package dispatch relays door-unlock commands to the cloud. Unlocking is a
// user-triggered, safety-sensitive action: calls are bounded by a timeout,
// serialized per location, and never retried automatically.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kzdgn/diafonbox/internal/core/cloud"
	"github.com/kzdgn/diafonbox/internal/core/state"
	"github.com/kzdgn/diafonbox/internal/core/stats"
)

// Unlock methods reported in door_opened events.
const (
	methodActiveCall = "controlCurrentCall"
	methodAddCall    = "addCall"
)

// DoorClient is the subset of the cloud session the dispatcher needs.
type DoorClient interface {
	AskCurrentCall(ctx context.Context) (*cloud.ActiveCall, error)
	OpenDoorWithCall(ctx context.Context, callID string) error
	OpenDoor(ctx context.Context, deviceSIP, locationID string) (string, error)
}

// Dispatcher sends unlock commands and reports the outcome.
type Dispatcher struct {
	cloud   DoorClient
	store   *state.LocationStore
	stats   *stats.Aggregator
	bus     *state.EventBus
	timeout time.Duration
	hold    time.Duration
	log     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-location serialization
}

// Config holds dispatcher settings.
type Config struct {
	Timeout time.Duration // overall unlock deadline, default 10s
	Hold    time.Duration // optimistic unlocked duration, default 6s
}

// New creates a dispatcher.
func New(cfg Config, doorClient DoorClient, store *state.LocationStore, agg *stats.Aggregator, bus *state.EventBus, log *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Hold <= 0 {
		cfg.Hold = 6 * time.Second
	}
	return &Dispatcher{
		cloud:   doorClient,
		store:   store,
		stats:   agg,
		bus:     bus,
		timeout: cfg.Timeout,
		hold:    cfg.Hold,
		log:     log,
		locks:   make(map[string]*sync.Mutex),
	}
}

// OpenDoor unlocks the door for a location. An active doorbell call is
// preferred (single cloud round trip); without one the add-call flow is
// used. On success the lock state flips to unlocked for the hold duration
// and a door_opened event is published. Failures are returned to the caller
// as-is; no automatic retry.
func (d *Dispatcher) OpenDoor(ctx context.Context, locationID string) error {
	st, ok := d.store.Get(locationID)
	if !ok {
		return fmt.Errorf("dispatch: unknown location %q", locationID)
	}

	lock := d.lockFor(locationID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	d.log.Info("unlocking door", "location_id", locationID, "location_name", st.Name, "device_sip", st.DeviceSIP)

	method, callID, err := d.unlock(ctx, st)
	if err != nil {
		d.log.Error("unlock failed", "location_id", locationID, "error", err)
		return fmt.Errorf("dispatch: unlock %s: %w", locationID, err)
	}

	d.store.SetLock(locationID, state.LockUnlocked)
	updated := d.stats.ApplyDoorOpened(locationID)
	d.store.UpdateStats(locationID, updated)

	d.bus.Publish(state.Event{
		Type: state.EventDoorOpened,
		Data: state.DoorOpenedEvent{
			LocationID:   locationID,
			LocationName: st.Name,
			DeviceSIP:    st.DeviceSIP,
			Method:       method,
			CallID:       callID,
		},
	})
	d.bus.Publish(state.Event{
		Type: state.EventStatsUpdate,
		Data: state.StatsEvent{LocationID: locationID, Stats: updated},
	})

	// The door relay is momentary; relock after the hold.
	time.AfterFunc(d.hold, func() {
		d.store.SetLock(locationID, state.LockLocked)
	})

	d.log.Info("door opened", "location_id", locationID, "method", method, "call_id", callID)
	return nil
}

func (d *Dispatcher) unlock(ctx context.Context, st state.LocationState) (method, callID string, err error) {
	active, err := d.cloud.AskCurrentCall(ctx)
	if err != nil {
		// Not fatal: fall through to the add-call flow.
		d.log.Debug("ask current call failed", "location_id", st.LocationID, "error", err)
	}

	if active != nil {
		err := d.cloud.OpenDoorWithCall(ctx, active.CallID)
		if err == nil {
			return methodActiveCall, active.CallID, nil
		}
		d.log.Warn("active-call unlock failed, falling back to add-call flow",
			"location_id", st.LocationID, "call_id", active.CallID, "error", err)
	}

	callID, err = d.cloud.OpenDoor(ctx, st.DeviceSIP, st.LocationID)
	if err != nil {
		return "", "", err
	}
	return methodAddCall, callID, nil
}

func (d *Dispatcher) lockFor(locationID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[locationID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[locationID] = l
	}
	return l
}
