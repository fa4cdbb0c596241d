// Package engine implements the polling reconciliation loop. Each cycle it
// lists call records per location, deduplicates them against a seen set and
// the watermark, classifies doorbell rings, and drives state, statistics,
// persistence and snapshot retrieval. Every physical ring produces exactly
// one doorbell event no matter how often its record is observed.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/kzdgn/diafonbox/internal/core/call"
	"github.com/kzdgn/diafonbox/internal/core/cloud"
	"github.com/kzdgn/diafonbox/internal/core/state"
	"github.com/kzdgn/diafonbox/internal/core/stats"
)

// CallLister lists call records for a location newer than a watermark.
type CallLister interface {
	ListCalls(ctx context.Context, locationID string, since int64) ([]call.Record, error)
}

// Recorder persists processed call records.
type Recorder interface {
	SaveCall(rec call.Record, kind call.RingKind) error
}

// SnapshotFetcher retrieves the snapshot asset for a ring in the background.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, locationID, remotePath string)
}

// Engine is the reconciliation loop.
type Engine struct {
	lister     CallLister
	recorder   Recorder
	snapshots  SnapshotFetcher
	classifier *call.Classifier
	store      *state.LocationStore
	stats      *stats.Aggregator
	bus        *state.EventBus

	seen      *gocache.Cache
	interval  time.Duration
	ringPulse time.Duration
	wake      chan struct{}
	log       *slog.Logger
}

// Config holds engine settings.
type Config struct {
	Interval  time.Duration // poll interval, default 30s
	RingPulse time.Duration // ring indicator on-time, default 5s
	SeenTTL   time.Duration // seen-set retention, default 24h
}

// New creates an engine. Recorder and SnapshotFetcher may be nil when the
// corresponding feature is disabled.
func New(cfg Config, lister CallLister, recorder Recorder, snapshots SnapshotFetcher,
	classifier *call.Classifier, store *state.LocationStore, agg *stats.Aggregator,
	bus *state.EventBus, log *slog.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RingPulse <= 0 {
		cfg.RingPulse = 5 * time.Second
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = 24 * time.Hour
	}
	return &Engine{
		lister:     lister,
		recorder:   recorder,
		snapshots:  snapshots,
		classifier: classifier,
		store:      store,
		stats:      agg,
		bus:        bus,
		seen:       gocache.New(cfg.SeenTTL, time.Hour),
		interval:   cfg.Interval,
		ringPulse:  cfg.RingPulse,
		wake:       make(chan struct{}, 1),
		log:        log,
	}
}

// Run polls until the context is cancelled. The first cycle starts
// immediately; Wake forces an early cycle between ticks.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info("reconciliation loop starting", "interval", e.interval)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("reconciliation loop stopped")
			return
		case <-ticker.C:
			e.Cycle(ctx)
		case <-e.wake:
			e.Cycle(ctx)
		}
	}
}

// Wake requests an immediate poll cycle, typically on a push notification.
// Never blocks; a pending wake coalesces with later ones.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Cycle runs one reconciliation pass over all registered locations. A
// failure at one location never blocks the others.
func (e *Engine) Cycle(ctx context.Context) {
	ids := e.store.IDs()
	failed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := e.reconcileLocation(ctx, id); err != nil {
			failed++
			level := slog.LevelWarn
			if errors.Is(err, cloud.ErrTransient) {
				level = slog.LevelDebug
			}
			e.log.Log(ctx, level, "poll failed", "location_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		e.store.SetConnected(failed < len(ids))
	}
}

func (e *Engine) reconcileLocation(ctx context.Context, locationID string) error {
	since := e.store.Watermark(locationID)
	records, err := e.lister.ListCalls(ctx, locationID, since)
	if err != nil {
		return err
	}
	// Records arrive oldest first, so the watermark only ever advances.
	for _, rec := range records {
		e.process(ctx, locationID, rec)
	}
	return nil
}

func (e *Engine) process(ctx context.Context, locationID string, rec call.Record) {
	if _, dup := e.seen.Get(rec.ID); dup {
		return
	}
	e.seen.SetDefault(rec.ID, struct{}{})

	if rec.State != call.StateMissed {
		// Outgoing unlock calls placed by the dispatcher, or states this
		// account never rings on. Log and advance past them without an event.
		e.store.SetWatermark(locationID, rec.Date)
		kind := call.RingUnknown
		if rec.State == call.StateOutgoing {
			kind = call.KindOpened
		}
		e.save(rec, kind)
		return
	}

	kind := e.classifier.Classify(locationID, rec.To)
	if kind == call.RingUnknown {
		// The record stays in the seen set but the watermark holds, so the
		// drop is visible on restart.
		e.log.Warn("dropping ring with unmapped destination",
			"location_id", locationID, "call_id", rec.ID, "call_to", rec.To)
		return
	}

	e.store.SetWatermark(locationID, rec.Date)
	e.save(rec, kind)

	ringAt := rec.Time()
	updated := e.stats.ApplyRing(locationID, ringAt)
	e.store.UpdateStats(locationID, updated)
	e.store.PulseRing(locationID, kind, ringAt)
	time.AfterFunc(e.ringPulse, func() {
		// The timestamp ties this clear to its own pulse; a newer ring of
		// the same kind is not cut short.
		e.store.ClearRing(locationID, kind, ringAt)
	})

	if e.snapshots != nil {
		e.snapshots.Fetch(ctx, locationID, rec.SnapshotPath)
	}

	e.bus.Publish(state.Event{
		Type: state.EventDoorbellPressed,
		Data: state.DoorbellEvent{
			CallID:       rec.ID,
			CallFrom:     rec.From,
			CallTo:       rec.To,
			LocationID:   locationID,
			Kind:         kind,
			Timestamp:    rec.Date,
			SnapshotPath: rec.SnapshotPath,
		},
	})
	e.bus.Publish(state.Event{
		Type: state.EventStatsUpdate,
		Data: state.StatsEvent{LocationID: locationID, Stats: updated},
	})

	e.log.Info("doorbell ring",
		"location_id", locationID, "call_id", rec.ID, "kind", kind,
		"call_from", rec.From, "call_to", rec.To, "at", ringAt)
}

func (e *Engine) save(rec call.Record, kind call.RingKind) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.SaveCall(rec, kind); err != nil {
		// Persistence is best effort; live state already advanced.
		e.log.Error("call log write failed", "call_id", rec.ID, "error", err)
	}
}
