package core

import (
	"bytes"
	"context"
	"corsrules/database"
	"corsrules/models"
	"errors"
	"sync"
	"testing"
	"time"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errInjected = errors.New("injected failure")

// memPersistence is an in-memory Persistence with change events and fault injection.
type memPersistence struct {
	mu        sync.Mutex
	data      map[string][]byte
	sets      map[string]int
	listeners map[string]map[int]func(models.ChangeEvent)
	next      int
	failGet   bool
	failSet   bool
}

func newMemPersistence() *memPersistence {
	return &memPersistence{
		data:      make(map[string][]byte),
		sets:      make(map[string]int),
		listeners: make(map[string]map[int]func(models.ChangeEvent)),
	}
}

func (m *memPersistence) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, false, errInjected
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memPersistence) Set(ctx context.Context, key string, blob []byte) error {
	m.mu.Lock()
	if m.failSet {
		m.mu.Unlock()
		return errInjected
	}
	old := m.data[key]
	m.data[key] = append([]byte(nil), blob...)
	m.sets[key]++
	var fns []func(models.ChangeEvent)
	if !bytes.Equal(old, blob) {
		for _, fn := range m.listeners[key] {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	ev := models.ChangeEvent{Key: key, NewValue: blob, OldValue: old, Source: database.SourceFrom(ctx)}
	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

func (m *memPersistence) OnChange(key string, fn func(models.ChangeEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners[key] == nil {
		m.listeners[key] = make(map[int]func(models.ChangeEvent))
	}
	id := m.next
	m.next++
	m.listeners[key][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners[key], id)
	}
}

func (m *memPersistence) setCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets[key]
}

func (m *memPersistence) setFailures(get, set bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet, m.failSet = get, set
}

// recordingEngine wraps a DeclarativeEngine, recording batches and
// optionally rejecting some of them.
type recordingEngine struct {
	*DeclarativeEngine

	mu      sync.Mutex
	batches []models.BatchUpdate
	reject  func(models.BatchUpdate) bool
}

func newRecordingEngine(limit int) *recordingEngine {
	return &recordingEngine{DeclarativeEngine: NewDeclarativeEngine(limit, nil)}
}

func (e *recordingEngine) ApplyBatch(ctx context.Context, batch models.BatchUpdate) error {
	e.mu.Lock()
	e.batches = append(e.batches, batch)
	reject := e.reject
	e.mu.Unlock()
	if reject != nil && reject(batch) {
		return errInjected
	}
	return e.DeclarativeEngine.ApplyBatch(ctx, batch)
}

func (e *recordingEngine) recorded() []models.BatchUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.BatchUpdate(nil), e.batches...)
}

func (e *recordingEngine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches = nil
}

func activeIDs(t *testing.T, e Engine) []int64 {
	t.Helper()
	rules, err := e.GetActiveRules(context.Background())
	if err != nil {
		t.Fatalf("GetActiveRules: %v", err)
	}
	out := make([]int64, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.ID)
	}
	return out
}

func headerValue(r models.EngineRule, name string) string {
	for _, h := range r.Action.ResponseHeaders {
		if h.Header == name {
			return h.Value
		}
	}
	return ""
}

// memEnforcementLog keeps entries in memory. List ignores filters.
type memEnforcementLog struct {
	mu      sync.Mutex
	entries []models.EnforcementLogEntry
}

func (l *memEnforcementLog) Record(_ context.Context, e models.EnforcementLogEntry) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.ID = int64(len(l.entries) + 1)
	l.entries = append(l.entries, e)
	return e.ID, nil
}

func (l *memEnforcementLog) List(context.Context, models.EnforcementLogFilters) ([]models.EnforcementLogEntry, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]models.EnforcementLogEntry(nil), l.entries...)
	return out, int64(len(out)), nil
}

func (l *memEnforcementLog) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.Timestamp >= cutoff.UnixMilli() {
			kept = append(kept, e)
		}
	}
	n := int64(len(l.entries) - len(kept))
	l.entries = kept
	return n, nil
}
