package state

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzdgn/diafonbox/internal/core/call"
)

func newStore(t *testing.T) (*LocationStore, *EventBus) {
	t.Helper()
	bus := NewEventBus(slog.Default())
	store := NewLocationStore(bus, slog.Default())
	store.Register("loc-1", "Home", "9001")
	return store, bus
}

func TestWatermarkNeverMovesBackwards(t *testing.T) {
	store, _ := newStore(t)

	store.SetWatermark("loc-1", 2000)
	store.SetWatermark("loc-1", 1000)
	assert.Equal(t, int64(2000), store.Watermark("loc-1"))

	store.SetWatermark("loc-1", 3000)
	assert.Equal(t, int64(3000), store.Watermark("loc-1"))
}

func TestRegisterIsIdempotentAndOrdered(t *testing.T) {
	store, _ := newStore(t)
	store.Register("loc-2", "Office", "9002")
	store.Register("loc-1", "Renamed", "9999")

	assert.Equal(t, []string{"loc-1", "loc-2"}, store.IDs())
	st, ok := store.Get("loc-1")
	require.True(t, ok)
	assert.Equal(t, "Home", st.Name, "re-registration does not overwrite")
}

func TestSnapshotIsACopy(t *testing.T) {
	store, _ := newStore(t)
	snap := store.Snapshot()
	require.Len(t, snap, 1)

	snap[0].Name = "mutated"
	st, _ := store.Get("loc-1")
	assert.Equal(t, "Home", st.Name)
}

func TestPulseAndClearRing(t *testing.T) {
	store, _ := newStore(t)
	at := time.UnixMilli(5000)

	store.PulseRing("loc-1", call.RingEntrance, at)
	st, _ := store.Get("loc-1")
	assert.True(t, st.EntranceRinging)
	assert.False(t, st.ApartmentRinging)
	assert.Equal(t, at, st.LastEntranceRing)

	store.ClearRing("loc-1", call.RingEntrance, at)
	st, _ = store.Get("loc-1")
	assert.False(t, st.EntranceRinging)
	assert.Equal(t, at, st.LastEntranceRing, "timestamp survives the clear")
}

func TestStaleClearKeepsNewerRing(t *testing.T) {
	store, _ := newStore(t)
	first := time.UnixMilli(5000)
	second := time.UnixMilli(6000)

	store.PulseRing("loc-1", call.RingEntrance, first)
	store.PulseRing("loc-1", call.RingEntrance, second)

	// The first ring's scheduled clear fires after the second ring arrived;
	// it must not end the second ring's pulse.
	store.ClearRing("loc-1", call.RingEntrance, first)
	st, _ := store.Get("loc-1")
	assert.True(t, st.EntranceRinging)

	store.ClearRing("loc-1", call.RingEntrance, second)
	st, _ = store.Get("loc-1")
	assert.False(t, st.EntranceRinging)
}

func TestSetLockPublishes(t *testing.T) {
	store, bus := newStore(t)
	events, unsub := bus.Subscribe(4)
	defer unsub()

	store.SetLock("loc-1", LockUnlocked)

	select {
	case evt := <-events:
		require.Equal(t, EventLockUpdate, evt.Type)
		lock := evt.Data.(LockEvent)
		assert.Equal(t, LockUnlocked, lock.Lock)
	case <-time.After(time.Second):
		t.Fatal("no lock event published")
	}
}

func TestBusDropsOnFullBuffer(t *testing.T) {
	bus := NewEventBus(slog.Default())
	events, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: EventStatsUpdate})
	bus.Publish(Event{Type: EventStatsUpdate}) // dropped, never blocks

	<-events
	select {
	case <-events:
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus(slog.Default())
	_, unsub := bus.Subscribe(4)
	unsub()
	// Publishing after unsubscribe must not panic or block.
	bus.Publish(Event{Type: EventStatsUpdate})
}
