// Command diafonboxd bridges a Multitek DiafonBox intercom cloud account to
// home automation: it polls the cloud for doorbell rings, publishes them to
// MQTT and a local HTTP API, and relays unlock commands back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kzdgn/diafonbox/internal/config"
	"github.com/kzdgn/diafonbox/internal/core/call"
	"github.com/kzdgn/diafonbox/internal/core/cloud"
	"github.com/kzdgn/diafonbox/internal/core/dispatch"
	"github.com/kzdgn/diafonbox/internal/core/engine"
	"github.com/kzdgn/diafonbox/internal/core/snapshot"
	"github.com/kzdgn/diafonbox/internal/core/state"
	"github.com/kzdgn/diafonbox/internal/core/stats"
	"github.com/kzdgn/diafonbox/internal/datastore"
	"github.com/kzdgn/diafonbox/internal/httpapi"
	"github.com/kzdgn/diafonbox/internal/mqtt"
	"github.com/kzdgn/diafonbox/internal/push"
)

func main() {
	configPath := flag.String("config", "/data/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Cloud session ---
	client := cloud.NewClient(cloud.Config{
		BaseURL:     cfg.Cloud.BaseURL,
		Email:       cfg.Cloud.Email,
		Password:    cfg.Cloud.Password,
		PhoneID:     cfg.Cloud.PhoneID,
		Language:    cfg.Cloud.Language,
		ServiceUser: cfg.Cloud.ServiceUser,
		ServicePass: cfg.Cloud.ServicePass,
	}, log)

	if err := authenticate(ctx, client, log); err != nil {
		return err
	}

	// --- State surface ---
	bus := state.NewEventBus(log)
	store := state.NewLocationStore(bus, log)
	mappings := make(map[string]call.Mapping, len(cfg.Locations))
	for _, loc := range cfg.Locations {
		store.Register(loc.ID, loc.Name, loc.DeviceSIP)
		mappings[loc.ID] = call.Mapping{
			EntranceCodes:       loc.EntranceCodes,
			ApartmentExtensions: loc.ApartmentExtensions,
		}
	}
	classifier := call.NewClassifier(mappings, log)
	aggregator := stats.New(time.Now)

	// --- Call log ---
	var callLog *datastore.Store
	if cfg.Database.Path != "" {
		var err error
		callLog, err = datastore.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer callLog.Close()
		seedStats(store, aggregator, callLog, log)
	} else {
		log.Warn("call log disabled, counters reset on restart")
	}

	// --- Snapshot cache ---
	snapshots, err := snapshot.NewManager(snapshot.Config{
		CacheDir: cfg.Snapshot.CacheDir,
		Workers:  int64(cfg.Snapshot.Workers),
		Attempts: cfg.Snapshot.Attempts,
		Backoff:  time.Duration(cfg.Snapshot.BackoffSeconds) * time.Second,
	}, client, store, bus, log)
	if err != nil {
		return err
	}

	// --- Command dispatcher ---
	dispatcher := dispatch.New(dispatch.Config{
		Timeout: time.Duration(cfg.Unlock.TimeoutSeconds) * time.Second,
		Hold:    time.Duration(cfg.Unlock.HoldSeconds) * time.Second,
	}, client, store, aggregator, bus, log)

	// --- Reconciliation engine ---
	var recorder engine.Recorder
	if callLog != nil {
		recorder = callLog
	}
	eng := engine.New(engine.Config{
		Interval: time.Duration(cfg.Cloud.PollIntervalSeconds) * time.Second,
	}, client, recorder, snapshots, classifier, store, aggregator, bus, log)

	// --- MQTT ---
	var publisher mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewHAPublisher(mqtt.MQTTConfig{
			Broker:       cfg.MQTT.Broker,
			Username:     cfg.MQTT.Username,
			Password:     cfg.MQTT.Password,
			TopicPrefix:  cfg.MQTT.TopicPrefix,
			DeviceID:     cfg.MQTT.DeviceID,
			RingOffDelay: cfg.MQTT.RingOffDelay,
		}, dispatcher, store, bus, log)
	} else {
		publisher = mqtt.NewStubPublisher(log)
	}
	if err := publisher.Start(ctx); err != nil {
		return err
	}

	// --- HTTP API ---
	api := httpapi.NewServer(store, bus, dispatcher, callLogOrNil(callLog), cfg.HTTP.CORSAll, log)
	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Handler()}
	go func() {
		log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	// --- Push listener ---
	if cfg.Push.Enabled {
		// Tell the cloud the app is active so it keeps forwarding ring
		// notifications to the push relay.
		if err := client.ResumeApp(ctx); err != nil {
			log.Warn("resume notice failed, push may stay silent", "error", err)
		}
		listener := push.NewListener(push.Config{
			BaseURL:       cfg.Push.BaseURL,
			Topics:        store.IDs(),
			ListenTimeout: time.Duration(cfg.Push.ListenTimeoutSeconds) * time.Second,
		}, client, eng.Wake, log)
		go listener.Run(ctx)
	}

	// --- Reconcile until shutdown ---
	eng.Run(ctx)

	// Shutdown order: engine already stopped, then in-flight snapshots,
	// presentation layers, persistence (deferred).
	log.Info("shutting down")
	snapshots.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := publisher.Stop(shutdownCtx); err != nil {
		log.Warn("MQTT shutdown incomplete", "error", err)
	}
	return nil
}

// authenticate primes the cloud session, retrying transient failures so a
// reboot race with the network does not kill the daemon.
func authenticate(ctx context.Context, client *cloud.Client, log *slog.Logger) error {
	delay := 2 * time.Second
	for {
		err := client.Authenticate(ctx)
		if err == nil {
			log.Info("cloud session established")
			return nil
		}
		if errors.Is(err, cloud.ErrAuth) {
			return fmt.Errorf("invalid cloud credentials: %w", err)
		}
		log.Warn("cloud unreachable, retrying", "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > time.Minute {
			delay = time.Minute
		}
	}
}

// seedStats restores the per-location counters from the call log so totals
// survive restarts.
func seedStats(store *state.LocationStore, agg *stats.Aggregator, callLog *datastore.Store, log *slog.Logger) {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	for _, id := range store.IDs() {
		total, err := callLog.TotalCount(id)
		if err != nil {
			log.Warn("stats seed failed", "location_id", id, "error", err)
			continue
		}
		today, err := callLog.RingCountSince(id, midnight)
		if err != nil {
			log.Warn("stats seed failed", "location_id", id, "error", err)
			continue
		}
		lastRing, err := callLog.LastRing(id)
		if err != nil {
			log.Warn("stats seed failed", "location_id", id, "error", err)
			continue
		}

		seeded := state.LocationStats{
			LastRingTime:   lastRing,
			TodayRingCount: int(today),
			TotalCallCount: int(total),
		}
		agg.Seed(id, seeded)
		store.UpdateStats(id, seeded)

		// Resume polling from the last persisted ring instead of replaying
		// the whole history.
		if !lastRing.IsZero() {
			store.SetWatermark(id, lastRing.UnixMilli())
		}
		log.Info("stats restored", "location_id", id, "total", total, "today", today)
	}
}

// callLogOrNil avoids handing the API a typed nil.
func callLogOrNil(s *datastore.Store) httpapi.CallLog {
	if s == nil {
		return nil
	}
	return s
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
