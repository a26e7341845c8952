// Package engine wires the progress store, channel registry and session
// cache into one lifecycle: refresh tracks entities from the
// authoritative listing, push channels feed the progress store, and
// teardown closes everything deterministically.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/raphaelgruber/kbtrack/internal/api"
	"github.com/raphaelgruber/kbtrack/internal/channel"
	"github.com/raphaelgruber/kbtrack/internal/config"
	"github.com/raphaelgruber/kbtrack/internal/kvstore"
	"github.com/raphaelgruber/kbtrack/internal/metrics"
	"github.com/raphaelgruber/kbtrack/internal/models"
	"github.com/raphaelgruber/kbtrack/internal/progress"
	"github.com/raphaelgruber/kbtrack/internal/session"
)

// Engine owns the tracked-entity lifecycle. The UI layer reads its
// snapshots; all mutation goes through the component contracts.
type Engine struct {
	api      *api.Client
	kv       *kvstore.Store
	progress *progress.Store
	registry *channel.Registry
	sessions *session.Cache
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// New builds an engine from configuration. A kv open failure is not
// fatal: the engine runs memory-only, losing durability but nothing else.
func New(cfg config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	client := api.New(cfg.ServerURL)
	collector := metrics.NewCollector()

	kv, err := kvstore.Open(cfg.StatePath, logger)
	if err != nil {
		logger.Warn("durable store unavailable, running memory-only", "path", cfg.StatePath, "error", err)
		kv = nil
	}

	var progressKV progress.KV
	var sessionKV session.KV
	if kv != nil {
		progressKV = kv
		sessionKV = kv
	}

	store := progress.New(progressKV, client, logger,
		progress.WithStaleAfter(cfg.StaleAfter),
		progress.WithRetention(cfg.Retention),
		progress.WithMetrics(collector),
	)

	registry := channel.New(
		channel.Dialer(cfg.ServerURL),
		func(entityID string, rec models.ProgressRecord) {
			store.Ingest(entityID, rec)
		},
		logger,
		collector,
	)

	cache := session.New(client, sessionKV, logger,
		session.WithQuietPeriod(cfg.DebounceQuiet),
	)

	return &Engine{
		api:      client,
		kv:       kv,
		progress: store,
		registry: registry,
		sessions: cache,
		metrics:  collector,
		logger:   logger,
	}
}

// API exposes the backend client for thin CRUD wrappers.
func (e *Engine) API() *api.Client { return e.api }

// Sessions exposes the session cache.
func (e *Engine) Sessions() *session.Cache { return e.sessions }

// Metrics exposes the runtime counters.
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// Refresh lists knowledge bases, records their settled flags, reconciles
// the push-channel set to the listing, and returns the merged view of
// authoritative records and local progress, sorted by name.
func (e *Engine) Refresh(ctx context.Context) ([]models.EntityState, error) {
	kbs, err := e.api.ListKnowledgeBases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list knowledge bases: %w", err)
	}

	ids := make([]string, 0, len(kbs))
	for _, kb := range kbs {
		ids = append(ids, kb.ID)
		e.progress.SetSettled(kb.ID, kb.Initialized)
	}
	e.registry.Sync(ctx, ids)

	snapshot := e.progress.Snapshot()
	states := make([]models.EntityState, 0, len(kbs))
	for _, kb := range kbs {
		state := models.EntityState{KnowledgeBase: kb, Settled: kb.Initialized}
		if rec, ok := snapshot[kb.ID]; ok {
			state.Progress = &rec
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].KnowledgeBase.Name < states[j].KnowledgeBase.Name
	})
	return states, nil
}

// Progress returns a read-only copy of the progress map.
func (e *Engine) Progress() map[string]models.ProgressRecord {
	return e.progress.Snapshot()
}

// ClearProgress drops the local record for one entity and asks the
// backend to purge its own.
func (e *Engine) ClearProgress(ctx context.Context, entityID string) {
	e.progress.Clear(ctx, entityID)
}

// SeedJob installs an optimistic initial record after a mutation that
// starts a backend job, so the UI shows activity before the first push
// notification arrives.
func (e *Engine) SeedJob(entityID, message string, fileCount int) {
	e.progress.Ingest(entityID, models.ProgressRecord{
		Stage:   models.StageInitializing,
		Message: message,
		Total:   fileCount,
	})
}

// Teardown closes every push channel, cancels pending debounced writes,
// and closes the durable store. Safe to call more than once.
func (e *Engine) Teardown() {
	e.registry.Teardown()
	e.sessions.Close()
	if e.kv != nil {
		if err := e.kv.Close(); err != nil {
			e.logger.Warn("closing durable store", "error", err)
		}
		e.kv = nil
	}

	snap := e.metrics.Snapshot()
	e.logger.Info("engine torn down",
		"uptime_s", int64(snap.UptimeSeconds),
		"messages_received", snap.Counters[metrics.MessagesReceived],
		"messages_accepted", snap.Counters[metrics.MessagesAccepted],
		"messages_stale", snap.Counters[metrics.MessagesStale],
		"channels_opened", snap.Counters[metrics.ChannelsOpened],
	)
}
