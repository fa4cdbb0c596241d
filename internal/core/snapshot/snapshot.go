// Package snapshot fetches and caches doorbell snapshot images. Snapshot
// uploads can lag the call record, so a missing asset is retried with a
// short exponential backoff before giving up and leaving the previous
// cached asset in place. Ring events are never delayed by image retrieval.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kzdgn/diafonbox/internal/core/cloud"
	"github.com/kzdgn/diafonbox/internal/core/state"
)

// Fetcher retrieves snapshot bytes by server-side path.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, path string) ([]byte, error)
}

// Manager downloads snapshot assets with a bounded worker limit and replaces
// the per-location cached file atomically.
type Manager struct {
	fetcher  Fetcher
	store    *state.LocationStore
	bus      *state.EventBus
	sem      *semaphore.Weighted
	cacheDir string
	attempts int
	backoff  time.Duration
	log      *slog.Logger
	wg       sync.WaitGroup
}

// Config holds snapshot manager settings.
type Config struct {
	CacheDir string
	Workers  int64
	Attempts int
	Backoff  time.Duration
}

// NewManager creates a snapshot manager.
func NewManager(cfg Config, fetcher Fetcher, store *state.LocationStore, bus *state.EventBus, log *slog.Logger) (*Manager, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create cache dir: %w", err)
	}
	return &Manager{
		fetcher:  fetcher,
		store:    store,
		bus:      bus,
		sem:      semaphore.NewWeighted(cfg.Workers),
		cacheDir: cfg.CacheDir,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		log:      log,
	}, nil
}

// Fetch retrieves the asset for a doorbell call in the background. It
// returns immediately; failures only log.
func (m *Manager) Fetch(ctx context.Context, locationID, remotePath string) {
	if remotePath == "" {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer m.sem.Release(1)

		if err := m.fetchOne(ctx, locationID, remotePath); err != nil {
			m.log.Warn("snapshot fetch gave up, keeping previous asset",
				"location_id", locationID, "path", remotePath, "error", err)
		}
	}()
}

// Wait blocks until all in-flight fetches finish. Called on shutdown so no
// write is cut off mid-asset.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// AssetPath returns the local cache path for a location's latest asset.
func (m *Manager) AssetPath(locationID string) string {
	return filepath.Join(m.cacheDir, locationID+".jpg")
}

func (m *Manager) fetchOne(ctx context.Context, locationID, remotePath string) error {
	var lastErr error
	delay := m.backoff

	for attempt := 1; attempt <= m.attempts; attempt++ {
		data, err := m.fetcher.FetchSnapshot(ctx, remotePath)
		if err == nil {
			return m.commit(locationID, data)
		}
		lastErr = err

		// Only a not-yet-uploaded asset is worth retrying within the cycle.
		if !errors.Is(err, cloud.ErrNotFound) || attempt == m.attempts {
			break
		}
		m.log.Debug("snapshot not ready, retrying", "location_id", locationID, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

// commit writes the asset via temp file + rename so readers never observe a
// partial image, then updates state and publishes the event.
func (m *Manager) commit(locationID string, data []byte) error {
	dst := m.AssetPath(locationID)

	tmp, err := os.CreateTemp(m.cacheDir, locationID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: close: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: rename: %w", err)
	}

	now := time.Now()
	m.store.SetSnapshot(locationID, dst, now)
	m.bus.Publish(state.Event{
		Type: state.EventSnapshotUpdate,
		Data: state.SnapshotEvent{LocationID: locationID, Path: dst, FetchedAt: now},
	})
	m.log.Info("snapshot cached", "location_id", locationID, "path", dst, "bytes", len(data))
	return nil
}
