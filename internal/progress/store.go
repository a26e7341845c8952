package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/kbtrack/internal/metrics"
	"github.com/raphaelgruber/kbtrack/internal/models"
)

// storageKey is the single kv entry holding the serialized entity->record map.
const storageKey = "kbtrack.progress"

// DefaultRetention is how long a non-terminal record survives across
// restarts before startup sanitation evicts it as abandoned.
const DefaultRetention = 30 * time.Minute

// KV is the durable snapshot mirror the store writes through to.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Purger requests the backend discard its own stored progress for an
// entity. Called best-effort from Clear.
type Purger interface {
	PurgeProgress(ctx context.Context, entityID string) error
}

// Option configures a Store.
type Option func(*Store)

// WithStaleAfter overrides the staleness window for settled entities.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) { s.staleAfter = d }
}

// WithRetention overrides the startup eviction window.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics attaches a collector for accept/reject counters.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Store) { s.metrics = c }
}

// Store maps entity identifiers to their latest accepted ProgressRecord.
// The in-memory map is the live value; the kv store is a write-through
// mirror read once at construction. All methods are safe for concurrent
// use by channel read loops.
type Store struct {
	mu      sync.RWMutex
	records map[string]models.ProgressRecord
	settled map[string]bool

	kv         KV
	purger     Purger
	logger     *slog.Logger
	metrics    *metrics.Collector
	staleAfter time.Duration
	retention  time.Duration
	now        func() time.Time
}

// New creates a Store, loading and sanitizing any previously persisted
// records: non-terminal records older than the retention window (or with
// no observation timestamp at all) are evicted, and the sanitized map is
// written back immediately. A nil kv disables persistence; kv failures
// are logged and the store continues memory-only.
func New(kv KV, purger Purger, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		records:    make(map[string]models.ProgressRecord),
		settled:    make(map[string]bool),
		kv:         kv,
		purger:     purger,
		logger:     logger,
		staleAfter: DefaultStaleAfter,
		retention:  DefaultRetention,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sanitizeOnLoad()
	return s
}

func (s *Store) sanitizeOnLoad() {
	if s.kv == nil {
		return
	}
	data, ok, err := s.kv.Get(storageKey)
	if err != nil {
		s.logger.Warn("loading persisted progress failed, starting empty", "error", err)
		return
	}
	if !ok {
		return
	}

	var persisted map[string]models.ProgressRecord
	if err := json.Unmarshal(data, &persisted); err != nil {
		s.logger.Warn("persisted progress unreadable, starting empty", "error", err)
		return
	}

	now := s.now()
	evicted := 0
	for id, rec := range persisted {
		if !rec.Stage.Terminal() {
			if rec.ObservedAt.IsZero() || rec.Age(now) > s.retention {
				evicted++
				continue
			}
		}
		s.records[id] = rec
	}
	if evicted > 0 {
		s.logger.Info("evicted abandoned progress records", "count", evicted, "retention", s.retention)
	}
	s.persistLocked()
}

// Ingest applies the reconciliation policy to an incoming record. On
// accept it stamps the observation time, replaces the stored record and
// persists the full map; otherwise state is untouched.
func (s *Store) Ingest(entityID string, incoming models.ProgressRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *models.ProgressRecord
	if cur, ok := s.records[entityID]; ok {
		current = &cur
	}

	now := s.now()
	if !Accept(current, incoming, s.settled[entityID], s.staleAfter, now) {
		s.count(metrics.MessagesStale)
		s.logger.Debug("rejected stale progress", "entity", entityID, "stage", incoming.Stage)
		return false
	}

	incoming.ObservedAt = now
	s.records[entityID] = incoming
	s.persistLocked()
	s.count(metrics.MessagesAccepted)
	return true
}

// Get returns the record for an entity, if tracked.
func (s *Store) Get(entityID string) (models.ProgressRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[entityID]
	return rec, ok
}

// Snapshot returns a copy of the full progress map for read-only consumers.
func (s *Store) Snapshot() map[string]models.ProgressRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.ProgressRecord, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out
}

// Len returns the number of tracked records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Clear removes an entity's record, persists the reduced map, and asks the
// backend to purge its own copy. The purge is fire-and-forget: failure is
// logged, never surfaced.
func (s *Store) Clear(ctx context.Context, entityID string) {
	s.mu.Lock()
	delete(s.records, entityID)
	s.persistLocked()
	s.mu.Unlock()

	if s.purger != nil {
		if err := s.purger.PurgeProgress(ctx, entityID); err != nil {
			s.logger.Warn("backend progress purge failed", "entity", entityID, "error", err)
		}
	}
}

// SetSettled records the authoritative "no open job" flag for an entity,
// consulted by the reconciliation policy.
func (s *Store) SetSettled(entityID string, settled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled[entityID] = settled
}

// persistLocked mirrors the full map into the kv store. Caller holds mu.
func (s *Store) persistLocked() {
	if s.kv == nil {
		return
	}
	data, err := json.Marshal(s.records)
	if err != nil {
		s.logger.Error("marshal progress map", "error", err)
		return
	}
	if err := s.kv.Set(storageKey, data); err != nil {
		s.logger.Warn("persisting progress failed, continuing in memory", "error", err)
	}
}

func (s *Store) count(name string) {
	if s.metrics != nil {
		s.metrics.Inc(name)
	}
}
