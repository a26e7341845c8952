// Package channel owns the set of live push channels, one per tracked
// entity. The registry opens a channel when an entity becomes tracked,
// closes it when the entity is dropped or the engine is torn down, and
// routes inbound progress messages to its handler. The raw channel map is
// never exposed: at most one handle per entity is an API-level invariant.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/kbtrack/internal/metrics"
	"github.com/raphaelgruber/kbtrack/internal/models"
)

// MessageHandler receives well-formed progress messages.
type MessageHandler func(entityID string, rec models.ProgressRecord)

// DialFunc opens the push channel for one entity.
type DialFunc func(ctx context.Context, entityID string) (*websocket.Conn, error)

// envelope is the inbound message shape on a push channel.
type envelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

type handleState int

const (
	stateConnecting handleState = iota
	stateOpen
	stateClosed
)

// handle is one live push channel. Owned exclusively by the registry.
type handle struct {
	id    string
	conn  *websocket.Conn
	state handleState
}

// Registry reconciles the live channel set against the tracked entity set.
type Registry struct {
	mu      sync.Mutex
	dial    DialFunc
	handler MessageHandler
	logger  *slog.Logger
	metrics *metrics.Collector
	handles map[string]*handle
	lastSet map[string]struct{}
	wg      sync.WaitGroup
}

// New creates a registry. The handler is invoked from per-channel read
// loops and must be safe for concurrent use.
func New(dial DialFunc, handler MessageHandler, logger *slog.Logger, collector *metrics.Collector) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dial:    dial,
		handler: handler,
		logger:  logger,
		metrics: collector,
		handles: make(map[string]*handle),
	}
}

// Sync reconciles the live channel set to match trackedIDs: opens a
// channel for each id without one, closes channels for ids no longer
// tracked. Calling Sync with the same set as the previous call skips
// reconciliation entirely to avoid reconnect churn. Dial failures are
// logged per entity and do not fail the sync.
func (r *Registry) Sync(ctx context.Context, trackedIDs []string) {
	tracked := make(map[string]struct{}, len(trackedIDs))
	for _, id := range trackedIDs {
		tracked[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if setsEqual(tracked, r.lastSet) {
		return
	}
	r.lastSet = tracked

	// Close channels for entities that left the tracked set.
	for id, h := range r.handles {
		if _, ok := tracked[id]; !ok {
			r.closeLocked(h)
		}
	}

	// Open channels for newly tracked entities.
	for id := range tracked {
		if _, ok := r.handles[id]; ok {
			continue
		}
		h := &handle{id: id, state: stateConnecting}
		r.handles[id] = h

		conn, err := r.dial(ctx, id)
		if err != nil {
			r.logger.Warn("push channel connect failed", "entity", id, "error", err)
			delete(r.handles, id)
			continue
		}
		h.conn = conn
		h.state = stateOpen
		r.count(metrics.ChannelsOpened)

		r.wg.Add(1)
		go r.readLoop(h)
	}
}

// Teardown closes every open and connecting channel and waits for their
// read loops to exit. Idempotent.
func (r *Registry) Teardown() {
	r.mu.Lock()
	for _, h := range r.handles {
		r.closeLocked(h)
	}
	r.lastSet = nil
	r.mu.Unlock()

	r.wg.Wait()
}

// Open reports whether an entity currently has a live channel.
func (r *Registry) Open(entityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[entityID]
	return ok && h.state != stateClosed
}

// Count returns the number of live channels.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// closeLocked closes a handle and removes it. Caller holds mu.
func (r *Registry) closeLocked(h *handle) {
	if h.state == stateClosed {
		return
	}
	h.state = stateClosed
	delete(r.handles, h.id)
	if h.conn != nil {
		_ = h.conn.Close()
	}
	r.count(metrics.ChannelsClosed)
}

// readLoop consumes messages on one channel until it closes. Malformed
// payloads are dropped per message; transport errors close the handle.
// The registry never reopens a closed channel itself: a fresh entity
// listing drives the next Sync.
func (r *Registry) readLoop(h *handle) {
	defer r.wg.Done()

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			deliberate := h.state == stateClosed
			r.closeLocked(h)
			r.mu.Unlock()
			if !deliberate {
				r.logger.Warn("push channel closed", "entity", h.id, "error", err)
			}
			return
		}
		r.count(metrics.MessagesReceived)

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			r.count(metrics.MessagesMalformed)
			r.logger.Warn("dropping malformed payload", "entity", h.id, "error", err)
			continue
		}

		switch env.Type {
		case "progress":
			var rec models.ProgressRecord
			if err := json.Unmarshal(env.Data, &rec); err != nil {
				r.count(metrics.MessagesMalformed)
				r.logger.Warn("dropping malformed progress record", "entity", h.id, "error", err)
				continue
			}
			r.handler(h.id, rec)
		case "error":
			r.logger.Warn("backend reported channel error", "entity", h.id, "message", env.Message)
		default:
			r.logger.Debug("ignoring message", "entity", h.id, "type", env.Type)
		}
	}
}

func (r *Registry) count(name string) {
	if r.metrics != nil {
		r.metrics.Inc(name)
	}
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Dialer returns a DialFunc that connects to the backend's per-entity
// progress stream, converting the HTTP endpoint to its websocket form.
func Dialer(endpoint string) DialFunc {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	return func(ctx context.Context, entityID string) (*websocket.Conn, error) {
		wsEndpoint := endpoint
		wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
		wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

		u, err := url.Parse(wsEndpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		u = u.JoinPath("api", "v1", "knowledge-bases", entityID, "progress", "ws")

		conn, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("websocket connect: %w", err)
		}
		return conn, nil
	}
}
