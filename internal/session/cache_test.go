package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kbtrack/internal/api"
	"github.com/raphaelgruber/kbtrack/internal/models"
	"github.com/raphaelgruber/kbtrack/internal/session"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) persisted(t *testing.T) *models.ConversationSession {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data["kbtrack.session"]
	if !ok {
		return nil
	}
	var s models.ConversationSession
	require.NoError(t, json.Unmarshal(data, &s))
	return &s
}

// sessionJSON renders a session the way the backend does.
func sessionJSON(s models.ConversationSession) []byte {
	payload := struct {
		models.ConversationSession
		MessageCount int `json:"message_count"`
	}{s, len(s.Messages)}
	data, _ := json.Marshal(payload)
	return data
}

// downServer always fails, standing in for an unreachable backend.
func downServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)
	return server
}

func activeSession() models.ConversationSession {
	now := time.Now()
	return models.ConversationSession{
		ID:            "s1",
		Title:         "Derivatives",
		KnowledgeBase: "math101",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "what is d/dx x^2", Timestamp: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
		IsActive:  true,
	}
}

func TestCache_LoadActive_AuthoritativeWins(t *testing.T) {
	remote := activeSession()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/solver/sessions/active", r.URL.Path)
		_, _ = w.Write(sessionJSON(remote))
	}))
	defer server.Close()

	kv := newMemKV()
	c := session.New(api.New(server.URL), kv, nil)
	defer c.Close()

	got := c.LoadActive(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.ID)

	// The authoritative result became the persisted baseline.
	p := kv.persisted(t)
	require.NotNil(t, p)
	assert.Equal(t, "s1", p.ID)
}

func TestCache_LoadActive_FallsBackToPersisted(t *testing.T) {
	kv := newMemKV()
	cached := activeSession()
	data, err := json.Marshal(cached)
	require.NoError(t, err)
	require.NoError(t, kv.Set("kbtrack.session", data))

	c := session.New(api.New(downServer(t).URL), kv, nil)
	defer c.Close()

	got := c.LoadActive(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.ID)
	assert.Len(t, got.Messages, 1)
}

func TestCache_LoadActive_NeitherSource(t *testing.T) {
	c := session.New(api.New(downServer(t).URL), newMemKV(), nil)
	defer c.Close()

	assert.Nil(t, c.LoadActive(context.Background()))
}

func TestCache_AddMessage_OfflineFallback(t *testing.T) {
	kv := newMemKV()
	cached := activeSession()
	data, err := json.Marshal(cached)
	require.NoError(t, err)
	require.NoError(t, kv.Set("kbtrack.session", data))

	c := session.New(api.New(downServer(t).URL), kv, nil)
	defer c.Close()

	require.NotNil(t, c.LoadActive(context.Background()))
	before := len(c.Active().Messages)

	msg, err := c.AddMessage(context.Background(), models.RoleUser, "and x^3?", "")
	require.NoError(t, err, "transient backend failure must not surface")
	assert.Equal(t, models.RoleUser, msg.Role)
	assert.Equal(t, "and x^3?", msg.Content)

	assert.Len(t, c.Active().Messages, before+1, "optimistic append increases count by exactly one")

	p := kv.persisted(t)
	require.NotNil(t, p)
	assert.Len(t, p.Messages, before+1, "persisted copy carries the optimistic message")
}

func TestCache_AddMessage_AuthoritativeReplacesLocal(t *testing.T) {
	remote := activeSession()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/active"):
			_, _ = w.Write(sessionJSON(remote))
		case strings.HasSuffix(r.URL.Path, "/messages"):
			updated := remote
			updated.Messages = append(updated.Messages,
				models.Message{Role: models.RoleUser, Content: "next", Timestamp: time.Now()},
				models.Message{Role: models.RoleAssistant, Content: "sure", Timestamp: time.Now()},
			)
			_, _ = w.Write(sessionJSON(updated))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	c := session.New(api.New(server.URL), newMemKV(), nil)
	defer c.Close()
	require.NotNil(t, c.LoadActive(context.Background()))

	msg, err := c.AddMessage(context.Background(), models.RoleUser, "next", "")
	require.NoError(t, err)

	// The backend response is the source of truth, including the
	// assistant turn it already appended.
	assert.Equal(t, models.RoleAssistant, msg.Role)
	assert.Len(t, c.Active().Messages, 3)
}

func TestCache_AddMessage_RequiresActiveSession(t *testing.T) {
	c := session.New(api.New(downServer(t).URL), newMemKV(), nil)
	defer c.Close()

	_, err := c.AddMessage(context.Background(), models.RoleUser, "hello", "")
	assert.Error(t, err)
}

func TestCache_SaveDebounced_Collapses(t *testing.T) {
	var mu sync.Mutex
	var puts []map[string]any

	remote := activeSession()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			puts = append(puts, body)
			mu.Unlock()
		}
		_, _ = w.Write(sessionJSON(remote))
	}))
	defer server.Close()

	c := session.New(api.New(server.URL), newMemKV(), nil, session.WithQuietPeriod(50*time.Millisecond))
	defer c.Close()
	require.NotNil(t, c.LoadActive(context.Background()))

	for i := 0; i < 5; i++ {
		c.SaveDebounced("draft title", "math101")
	}
	c.SaveDebounced("final title", "physics202")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(puts) == 1
	}, 2*time.Second, 10*time.Millisecond, "exactly one write after the quiet period")

	// Quiet period passed again: still just the one write.
	time.Sleep(120 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, puts, 1)
	assert.Equal(t, "final title", puts[0]["title"], "the write carries the last call's arguments")
	assert.Equal(t, "physics202", puts[0]["knowledge_base"])
}

func TestCache_Close_CancelsPendingDebounce(t *testing.T) {
	var writes int64
	var mu sync.Mutex

	remote := activeSession()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			mu.Lock()
			writes++
			mu.Unlock()
		}
		_, _ = w.Write(sessionJSON(remote))
	}))
	defer server.Close()

	c := session.New(api.New(server.URL), newMemKV(), nil, session.WithQuietPeriod(50*time.Millisecond))
	require.NotNil(t, c.LoadActive(context.Background()))

	c.SaveDebounced("never written", "math101")
	c.Close()

	time.Sleep(120 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 0, writes, "teardown must not leave a debounced write pending")
}

func TestCache_Delete(t *testing.T) {
	remote := activeSession()
	var deleted []string
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			mu.Lock()
			deleted = append(deleted, r.URL.Path)
			mu.Unlock()
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		_, _ = w.Write(sessionJSON(remote))
	}))
	defer server.Close()

	kv := newMemKV()
	c := session.New(api.New(server.URL), kv, nil)
	defer c.Close()
	require.NotNil(t, c.LoadActive(context.Background()))

	require.NoError(t, c.Delete(context.Background(), "s1"))

	assert.Nil(t, c.Active(), "deleting the active session clears local state")
	assert.Nil(t, kv.persisted(t))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/api/v1/solver/sessions/s1"}, deleted)
}

func TestCache_Delete_BackendFailureKeepsActive(t *testing.T) {
	kv := newMemKV()
	cached := activeSession()
	data, err := json.Marshal(cached)
	require.NoError(t, err)
	require.NoError(t, kv.Set("kbtrack.session", data))

	c := session.New(api.New(downServer(t).URL), kv, nil)
	defer c.Close()
	require.NotNil(t, c.LoadActive(context.Background()))

	err = c.Delete(context.Background(), "s1")
	require.Error(t, err)
	assert.NotNil(t, c.Active(), "failed removal must not clear the active session")
}

func TestCache_NewSession_OfflineFallback(t *testing.T) {
	kv := newMemKV()
	c := session.New(api.New(downServer(t).URL), kv, nil)
	defer c.Close()

	s := c.NewSession(context.Background(), "math101")
	require.NotNil(t, s)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "math101", s.KnowledgeBase)
	assert.True(t, s.IsActive)
	require.NotNil(t, kv.persisted(t))
}
