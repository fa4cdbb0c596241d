// Package stats maintains per-location call counters: last ring time, the
// daily ring count and the lifetime call count. The daily counter resets
// lazily: there is no midnight timer, the reset happens on the first
// mutation whose local date differs from the previous one.
package stats

import (
	"sync"
	"time"

	"github.com/kzdgn/diafonbox/internal/core/state"
)

type entry struct {
	stats    state.LocationStats
	lastDate string // local date (2006-01-02) of the last mutation
}

// Aggregator is a reducer over classified call events.
type Aggregator struct {
	mu     sync.Mutex
	perLoc map[string]*entry
	now    func() time.Time
}

// New creates an aggregator. now is injectable for deterministic tests;
// pass time.Now in production.
func New(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{perLoc: make(map[string]*entry), now: now}
}

// Seed initializes counters for a location, typically from the datastore at
// startup so lifetime counts survive restarts.
func (a *Aggregator) Seed(locationID string, stats state.LocationStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.perLoc[locationID] = &entry{
		stats:    stats,
		lastDate: localDate(a.now()),
	}
}

// ApplyRing records a doorbell ring and returns the updated counters.
// ringAt is the call record's timestamp; its local date drives the reset.
func (a *Aggregator) ApplyRing(locationID string, ringAt time.Time) state.LocationStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.entryLocked(locationID)
	a.rolloverLocked(e, ringAt)

	e.stats.LastRingTime = ringAt
	e.stats.TodayRingCount++
	e.stats.TotalCallCount++
	return e.stats
}

// ApplyDoorOpened records a door-opened occurrence. It bumps the lifetime
// counter only; openings are not rings.
func (a *Aggregator) ApplyDoorOpened(locationID string) state.LocationStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.entryLocked(locationID)
	a.rolloverLocked(e, a.now())

	e.stats.TotalCallCount++
	return e.stats
}

// Snapshot returns the current counters for a location.
func (a *Aggregator) Snapshot(locationID string) state.LocationStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entryLocked(locationID).stats
}

func (a *Aggregator) entryLocked(locationID string) *entry {
	e, ok := a.perLoc[locationID]
	if !ok {
		e = &entry{lastDate: localDate(a.now())}
		a.perLoc[locationID] = e
	}
	return e
}

func (a *Aggregator) rolloverLocked(e *entry, at time.Time) {
	d := localDate(at)
	if d != e.lastDate {
		e.stats.TodayRingCount = 0
		e.lastDate = d
	}
}

func localDate(t time.Time) string {
	return t.Local().Format("2006-01-02")
}
