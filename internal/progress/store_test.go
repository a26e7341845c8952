package progress_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kbtrack/internal/kvstore"
	"github.com/raphaelgruber/kbtrack/internal/models"
	"github.com/raphaelgruber/kbtrack/internal/progress"
)

// memKV is an in-memory KV used where a real sqlite store is overkill.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, false, errors.New("kv unavailable")
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("kv unavailable")
	}
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type fakePurger struct {
	mu     sync.Mutex
	purged []string
	err    error
}

func (p *fakePurger) PurgeProgress(_ context.Context, entityID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged = append(p.purged, entityID)
	return p.err
}

func TestStore_TerminalStickiness(t *testing.T) {
	s := progress.New(newMemKV(), nil, nil)

	assert.True(t, s.Ingest("kb1", models.ProgressRecord{Stage: models.StageProcessing, ProgressPercent: 10}))
	assert.True(t, s.Ingest("kb1", models.ProgressRecord{Stage: models.StageCompleted, ProgressPercent: 100}))

	// Any non-terminal update after a terminal record is rejected.
	for _, stage := range []models.Stage{
		models.StageInitializing, models.StageProcessing,
		models.StageProcessingFile, models.StageExtracting,
	} {
		assert.False(t, s.Ingest("kb1", models.ProgressRecord{Stage: stage}), "stage %s", stage)
	}

	rec, ok := s.Get("kb1")
	require.True(t, ok)
	assert.Equal(t, models.StageCompleted, rec.Stage)
	assert.Equal(t, 100, rec.ProgressPercent)
}

func TestStore_StaleAfterReadySuppression(t *testing.T) {
	base := time.Now()
	s := progress.New(newMemKV(), nil, nil, progress.WithClock(func() time.Time { return base }))

	require.True(t, s.Ingest("kb1", models.ProgressRecord{Stage: models.StageProcessing, ProgressPercent: 20}))
	s.SetSettled("kb1", true)

	stale := models.ProgressRecord{
		Stage:           models.StageProcessing,
		ProgressPercent: 60,
		ObservedAt:      base.Add(-6 * time.Minute),
	}
	assert.False(t, s.Ingest("kb1", stale))

	rec, ok := s.Get("kb1")
	require.True(t, ok)
	assert.Equal(t, 20, rec.ProgressPercent, "stored state must be unchanged")
}

func TestStore_SanitizeOnLoad(t *testing.T) {
	kv := newMemKV()
	now := time.Now()

	persisted := map[string]models.ProgressRecord{
		"abandoned": {Stage: models.StageProcessing, ObservedAt: now.Add(-31 * time.Minute)},
		"recent":    {Stage: models.StageProcessing, ObservedAt: now.Add(-5 * time.Minute)},
		"finished":  {Stage: models.StageCompleted, ObservedAt: now.Add(-31 * time.Minute)},
		"unstamped": {Stage: models.StageExtracting},
	}
	data, err := json.Marshal(persisted)
	require.NoError(t, err)
	require.NoError(t, kv.Set("kbtrack.progress", data))

	s := progress.New(kv, nil, nil)

	_, ok := s.Get("abandoned")
	assert.False(t, ok, "non-terminal past retention is evicted")
	_, ok = s.Get("unstamped")
	assert.False(t, ok, "non-terminal without timestamp is evicted")
	_, ok = s.Get("recent")
	assert.True(t, ok, "recent non-terminal is retained")
	_, ok = s.Get("finished")
	assert.True(t, ok, "terminal records are retained at any age")

	// The sanitized map is written back immediately.
	raw, found, err := kv.Get("kbtrack.progress")
	require.NoError(t, err)
	require.True(t, found)
	var reloaded map[string]models.ProgressRecord
	require.NoError(t, json.Unmarshal(raw, &reloaded))
	assert.Len(t, reloaded, 2)
}

func TestStore_EndToEndScenario(t *testing.T) {
	// math101: initializing -> completed -> late processing_file message.
	kv := newMemKV()
	s := progress.New(kv, nil, nil)

	assert.True(t, s.Ingest("math101", models.ProgressRecord{Stage: models.StageInitializing, ProgressPercent: 0}))
	rec, ok := s.Get("math101")
	require.True(t, ok)
	assert.False(t, rec.ObservedAt.IsZero(), "accepted records are stamped on receipt")

	assert.True(t, s.Ingest("math101", models.ProgressRecord{Stage: models.StageCompleted, ProgressPercent: 100}))
	assert.False(t, s.Ingest("math101", models.ProgressRecord{Stage: models.StageProcessingFile, ProgressPercent: 40}))

	rec, ok = s.Get("math101")
	require.True(t, ok)
	assert.Equal(t, models.StageCompleted, rec.Stage)
	assert.Equal(t, 100, rec.ProgressPercent)

	// The persisted mirror matches the live map.
	raw, found, err := kv.Get("kbtrack.progress")
	require.NoError(t, err)
	require.True(t, found)
	var persisted map[string]models.ProgressRecord
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, models.StageCompleted, persisted["math101"].Stage)
}

func TestStore_ClearPurgesBackend(t *testing.T) {
	kv := newMemKV()
	purger := &fakePurger{err: errors.New("backend down")}
	s := progress.New(kv, purger, nil)

	require.True(t, s.Ingest("kb1", models.ProgressRecord{Stage: models.StageProcessing}))

	// Purge failure is logged, not surfaced; local state is still cleared.
	s.Clear(context.Background(), "kb1")

	_, ok := s.Get("kb1")
	assert.False(t, ok)
	assert.Equal(t, []string{"kb1"}, purger.purged)
	assert.Equal(t, 0, s.Len())
}

func TestStore_ContinuesWhenKVUnavailable(t *testing.T) {
	kv := newMemKV()
	kv.fail = true

	s := progress.New(kv, nil, nil)
	assert.True(t, s.Ingest("kb1", models.ProgressRecord{Stage: models.StageProcessing}))

	rec, ok := s.Get("kb1")
	require.True(t, ok)
	assert.Equal(t, models.StageProcessing, rec.Stage)
}

func TestStore_WithSQLiteMirror(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	kv, err := kvstore.Open(path, nil)
	require.NoError(t, err)

	s := progress.New(kv, nil, nil)
	require.True(t, s.Ingest("kb1", models.ProgressRecord{Stage: models.StageCompleted, ProgressPercent: 100}))
	require.NoError(t, kv.Close())

	// Reopen: the record survives the restart.
	kv2, err := kvstore.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv2.Close() })

	s2 := progress.New(kv2, nil, nil)
	rec, ok := s2.Get("kb1")
	require.True(t, ok)
	assert.Equal(t, models.StageCompleted, rec.Stage)
}
