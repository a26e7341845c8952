// Package session keeps the current solver conversation usable offline:
// the in-memory session is mutated optimistically and mirrored into a
// durable store, while the authoritative backend record is reconciled
// whenever it is reachable.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/kbtrack/internal/api"
	"github.com/raphaelgruber/kbtrack/internal/models"
)

// storageKey is the single kv entry holding the most recent session snapshot.
const storageKey = "kbtrack.session"

// DefaultQuietPeriod is the debounce window for authoritative write-back
// of title/knowledge-base edits.
const DefaultQuietPeriod = time.Second

// KV is the durable snapshot mirror for the active session.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Option configures a Cache.
type Option func(*Cache)

// WithQuietPeriod overrides the debounce quiet period.
func WithQuietPeriod(d time.Duration) Option {
	return func(c *Cache) { c.quiet = d }
}

// Cache manages the active conversation session: optimistic local
// mutation, debounced write-back, offline fallback read.
type Cache struct {
	mu     sync.Mutex
	active *models.ConversationSession

	api    *api.Client
	kv     KV
	logger *slog.Logger
	quiet  time.Duration
	deb    *debouncer
}

// New creates a session cache.
func New(client *api.Client, kv KV, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		api:    client,
		kv:     kv,
		logger: logger,
		quiet:  DefaultQuietPeriod,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.deb = newDebouncer(c.quiet)
	return c
}

// LoadActive returns the current conversation. The authoritative source
// is tried first; its result becomes the new baseline and is persisted.
// On failure or empty result the persisted copy is the fallback. Returns
// nil only when neither source has data.
func (c *Cache) LoadActive(ctx context.Context) *models.ConversationSession {
	s, err := c.api.GetActiveSession(ctx)
	if err != nil {
		c.logger.Warn("active session fetch failed, using cached copy", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s != nil {
		c.active = s
		c.persistLocked()
		return c.active
	}
	if c.active != nil {
		return c.active
	}
	c.active = c.loadPersisted()
	return c.active
}

// Active returns the in-memory session without touching the backend.
func (c *Cache) Active() *models.ConversationSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// NewSession starts a fresh conversation for a knowledge base and makes
// it the active one. When the backend is unreachable a local session is
// created so the user can keep working; it is reconciled on the next
// successful authoritative read.
func (c *Cache) NewSession(ctx context.Context, knowledgeBase string) *models.ConversationSession {
	s, err := c.api.CreateSession(ctx, knowledgeBase)
	if err != nil {
		c.logger.Warn("session create failed, starting local session", "error", err)
		s = models.NewConversationSession(knowledgeBase)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.deb.cancel()
	c.active = s
	c.persistLocked()
	return c.active
}

// AddMessage appends a message to the active session. The authoritative
// append wins when it succeeds; on failure the message is applied as an
// optimistic local append and persisted, so a transient network failure
// never drops conversation content.
func (c *Cache) AddMessage(ctx context.Context, role models.Role, content, outputDir string) (models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return models.Message{}, fmt.Errorf("no active session")
	}

	updated, err := c.api.AddMessage(ctx, c.active.ID, role, content, outputDir)
	if err == nil && updated != nil {
		c.active = updated
		c.persistLocked()
		if n := len(updated.Messages); n > 0 {
			return updated.Messages[n-1], nil
		}
		return models.Message{}, nil
	}

	c.logger.Warn("authoritative append failed, keeping optimistic copy", "session", c.active.ID, "error", err)
	msg := c.active.AddMessage(role, content, outputDir)
	c.persistLocked()
	return msg, nil
}

// UpdateTokenStats pushes token statistics to the backend. Fire-and-forget:
// a failure is logged and the local copy keeps the optimistic value.
func (c *Cache) UpdateTokenStats(ctx context.Context, stats models.TokenStats) {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return
	}
	id := c.active.ID
	c.active.UpdateTokenStats(stats)
	c.persistLocked()
	c.mu.Unlock()

	if err := c.api.UpdateTokenStats(ctx, id, stats); err != nil {
		c.logger.Warn("token stats update failed", "session", id, "error", err)
	}
}

// SaveDebounced schedules an authoritative write of title and knowledge
// base no sooner than the quiet period after the last call. A call within
// the quiet period replaces the pending write, so a burst collapses into
// one request carrying the final arguments. The result is discarded if
// the session has been cleared or replaced in the meantime.
func (c *Cache) SaveDebounced(title, knowledgeBase string) {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return
	}
	id := c.active.ID
	c.active.Title = title
	c.active.KnowledgeBase = knowledgeBase
	c.persistLocked()
	c.mu.Unlock()

	c.deb.schedule(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		updated, err := c.api.UpdateSession(ctx, id, api.SessionUpdate{
			Title:         &title,
			KnowledgeBase: &knowledgeBase,
		})
		if err != nil {
			c.logger.Warn("debounced session save failed", "session", id, "error", err)
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		// The session may have been cleared or swapped while the write
		// was in flight; its result no longer applies then.
		if c.active == nil || c.active.ID != id {
			return
		}
		c.active = updated
		c.persistLocked()
	})
}

// Clear drops the in-memory session, its persisted snapshot, and any
// pending debounced write.
func (c *Cache) Clear() {
	c.deb.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = nil
	if c.kv != nil {
		if err := c.kv.Delete(storageKey); err != nil {
			c.logger.Warn("clearing persisted session failed", "error", err)
		}
	}
}

// Delete removes a session from the backend. Local state is cleared only
// when the removal succeeds, or when the deleted session is not the
// active one (nothing local refers to it).
func (c *Cache) Delete(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	isActive := c.active != nil && c.active.ID == sessionID
	c.mu.Unlock()

	if err := c.api.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if isActive {
		c.Clear()
	}
	return nil
}

// Close cancels any pending debounced write. Part of engine teardown.
func (c *Cache) Close() {
	c.deb.cancel()
}

// persistLocked mirrors the active session into the kv store. Caller holds mu.
func (c *Cache) persistLocked() {
	if c.kv == nil || c.active == nil {
		return
	}
	data, err := json.Marshal(c.active)
	if err != nil {
		c.logger.Error("marshal session", "error", err)
		return
	}
	if err := c.kv.Set(storageKey, data); err != nil {
		c.logger.Warn("persisting session failed, continuing in memory", "error", err)
	}
}

// loadPersisted reads the fallback snapshot. Caller holds mu.
func (c *Cache) loadPersisted() *models.ConversationSession {
	if c.kv == nil {
		return nil
	}
	data, ok, err := c.kv.Get(storageKey)
	if err != nil {
		c.logger.Warn("reading persisted session failed", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var s models.ConversationSession
	if err := json.Unmarshal(data, &s); err != nil {
		c.logger.Warn("persisted session unreadable, ignoring", "error", err)
		return nil
	}
	return &s
}
