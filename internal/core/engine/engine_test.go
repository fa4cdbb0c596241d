package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzdgn/diafonbox/internal/core/call"
	"github.com/kzdgn/diafonbox/internal/core/cloud"
	"github.com/kzdgn/diafonbox/internal/core/state"
	"github.com/kzdgn/diafonbox/internal/core/stats"
)

type fakeLister struct {
	mu      sync.Mutex
	records map[string][]call.Record
	errs    map[string]error
	since   map[string][]int64
}

func (f *fakeLister) ListCalls(_ context.Context, locationID string, since int64) ([]call.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.since == nil {
		f.since = make(map[string][]int64)
	}
	f.since[locationID] = append(f.since[locationID], since)
	if err := f.errs[locationID]; err != nil {
		return nil, err
	}
	var out []call.Record
	for _, rec := range f.records[locationID] {
		if rec.Date > since {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	saved []struct {
		Rec  call.Record
		Kind call.RingKind
	}
}

func (f *fakeRecorder) SaveCall(rec call.Record, kind call.RingKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, struct {
		Rec  call.Record
		Kind call.RingKind
	}{rec, kind})
	return nil
}

type fakeSnapshots struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeSnapshots) Fetch(_ context.Context, _, remotePath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, remotePath)
}

type fixture struct {
	engine   *Engine
	lister   *fakeLister
	recorder *fakeRecorder
	snaps    *fakeSnapshots
	store    *state.LocationStore
	events   <-chan state.Event
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := slog.Default()
	bus := state.NewEventBus(log)
	store := state.NewLocationStore(bus, log)
	store.Register("loc-1", "Home", "9001")

	classifier := call.NewClassifier(map[string]call.Mapping{
		"loc-1": {EntranceCodes: []string{"01001"}, ApartmentExtensions: []string{"2014"}},
	}, log)

	lister := &fakeLister{records: make(map[string][]call.Record), errs: make(map[string]error)}
	recorder := &fakeRecorder{}
	snaps := &fakeSnapshots{}

	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	e := New(cfg, lister, recorder, snaps, classifier, store, stats.New(time.Now), bus, log)
	return &fixture{engine: e, lister: lister, recorder: recorder, snaps: snaps, store: store, events: events}
}

func drain(events <-chan state.Event) []state.Event {
	var out []state.Event
	for {
		select {
		case evt := <-events:
			out = append(out, evt)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func eventsOfType(events []state.Event, typ state.EventType) []state.Event {
	var out []state.Event
	for _, evt := range events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

func missed(id, from, to string, date int64) call.Record {
	return call.Record{
		ID: id, From: from, To: to,
		LocationID: "loc-1", Date: date, State: call.StateMissed,
		SnapshotPath: "/records/" + id + ".jpeg",
	}
}

func TestCycleClassifiesAndPublishesRings(t *testing.T) {
	f := newFixture(t, Config{RingPulse: time.Hour})
	f.lister.records["loc-1"] = []call.Record{
		missed("c1", "01001", "01001", 1000),
		missed("c2", "2014", "2014", 2000),
	}

	f.engine.Cycle(context.Background())

	got := drain(f.events)
	rings := eventsOfType(got, state.EventDoorbellPressed)
	require.Len(t, rings, 2)

	first := rings[0].Data.(state.DoorbellEvent)
	assert.Equal(t, call.RingEntrance, first.Kind)
	assert.Equal(t, "c1", first.CallID)
	assert.Equal(t, int64(1000), first.Timestamp)
	assert.Equal(t, "/records/c1.jpeg", first.SnapshotPath)

	second := rings[1].Data.(state.DoorbellEvent)
	assert.Equal(t, call.RingApartment, second.Kind)

	st, _ := f.store.Get("loc-1")
	assert.Equal(t, int64(2000), st.Watermark)
	assert.True(t, st.EntranceRinging)
	assert.True(t, st.ApartmentRinging)
	assert.Equal(t, 2, st.Stats.TodayRingCount)
	assert.Equal(t, 2, st.Stats.TotalCallCount)

	assert.Len(t, f.recorder.saved, 2)
	assert.Equal(t, []string{"/records/c1.jpeg", "/records/c2.jpeg"}, f.snaps.paths)
}

func TestCycleIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{RingPulse: time.Hour})
	f.lister.records["loc-1"] = []call.Record{missed("c1", "01001", "01001", 1000)}

	f.engine.Cycle(context.Background())
	f.engine.Cycle(context.Background())
	f.engine.Cycle(context.Background())

	got := drain(f.events)
	assert.Len(t, eventsOfType(got, state.EventDoorbellPressed), 1, "one event per physical ring")
	assert.Len(t, f.recorder.saved, 1)

	// Later cycles poll past the advanced watermark.
	require.Len(t, f.lister.since["loc-1"], 3)
	assert.Equal(t, int64(0), f.lister.since["loc-1"][0])
	assert.Equal(t, int64(1000), f.lister.since["loc-1"][1])
	assert.Equal(t, int64(1000), f.lister.since["loc-1"][2])
}

func TestUnknownDestinationIsDroppedWithoutWatermarkAdvance(t *testing.T) {
	f := newFixture(t, Config{})
	f.lister.records["loc-1"] = []call.Record{missed("c1", "5555", "5555", 1000)}

	f.engine.Cycle(context.Background())

	got := drain(f.events)
	assert.Empty(t, eventsOfType(got, state.EventDoorbellPressed))
	assert.Empty(t, f.recorder.saved)
	assert.Equal(t, int64(0), f.store.Watermark("loc-1"))

	// The seen set still suppresses reprocessing within the session.
	f.engine.Cycle(context.Background())
	assert.Empty(t, eventsOfType(drain(f.events), state.EventDoorbellPressed))
}

func TestOutgoingRecordAdvancesWithoutEvent(t *testing.T) {
	f := newFixture(t, Config{})
	f.lister.records["loc-1"] = []call.Record{{
		ID: "u1", From: "7001", To: "9001",
		LocationID: "loc-1", Date: 3000, State: call.StateOutgoing,
	}}

	f.engine.Cycle(context.Background())

	got := drain(f.events)
	assert.Empty(t, eventsOfType(got, state.EventDoorbellPressed))
	assert.Equal(t, int64(3000), f.store.Watermark("loc-1"))
	require.Len(t, f.recorder.saved, 1)
	assert.Equal(t, call.KindOpened, f.recorder.saved[0].Kind)
	assert.Zero(t, f.store.Snapshot()[0].Stats.TodayRingCount)
}

func TestLocationFailureDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, Config{RingPulse: time.Hour})
	f.store.Register("loc-2", "Office", "9002")
	f.lister.errs["loc-1"] = cloud.ErrTransient
	f.lister.records["loc-2"] = []call.Record{{
		ID: "c9", From: "01001", To: "01001",
		LocationID: "loc-2", Date: 1000, State: call.StateMissed,
	}}

	// loc-2 has no mapping, so its ring classifies unknown; the point here is
	// that loc-2 was polled at all despite loc-1 failing.
	f.engine.Cycle(context.Background())
	assert.NotEmpty(t, f.lister.since["loc-2"])
	assert.True(t, f.store.Connected(), "one reachable location keeps us connected")
}

func TestConnectivityTransitions(t *testing.T) {
	f := newFixture(t, Config{})

	f.engine.Cycle(context.Background())
	assert.True(t, f.store.Connected())

	f.lister.mu.Lock()
	f.lister.errs["loc-1"] = cloud.ErrTransient
	f.lister.mu.Unlock()
	f.engine.Cycle(context.Background())
	f.engine.Cycle(context.Background())
	assert.False(t, f.store.Connected())

	f.lister.mu.Lock()
	delete(f.lister.errs, "loc-1")
	f.lister.mu.Unlock()
	f.engine.Cycle(context.Background())
	assert.True(t, f.store.Connected())

	got := drain(f.events)
	conn := eventsOfType(got, state.EventConnectivity)
	require.Len(t, conn, 3, "only transitions publish")
	assert.True(t, conn[0].Data.(state.ConnectivityEvent).Connected)
	assert.False(t, conn[1].Data.(state.ConnectivityEvent).Connected)
	assert.True(t, conn[2].Data.(state.ConnectivityEvent).Connected)
}

func TestWakeForcesEarlyCycle(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour, RingPulse: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx)
		close(done)
	}()

	// Let the immediate first cycle pass, then add a record and wake.
	assert.Eventually(t, func() bool {
		f.lister.mu.Lock()
		defer f.lister.mu.Unlock()
		return len(f.lister.since["loc-1"]) >= 1
	}, time.Second, 5*time.Millisecond)

	f.lister.mu.Lock()
	f.lister.records["loc-1"] = []call.Record{missed("c1", "01001", "01001", 1000)}
	f.lister.mu.Unlock()
	f.engine.Wake()

	assert.Eventually(t, func() bool {
		return f.store.Watermark("loc-1") == 1000
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
