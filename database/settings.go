package database

import (
	"bytes"
	"context"
	"corsrules/logger"
	"corsrules/models"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

type sourceKey struct{}

// WithSource tags ctx with the writer's context ID so change events can name it.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the context ID set by WithSource, or "".
func SourceFrom(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}

// BlobStore keeps named blobs in the app_settings table and notifies
// in-process listeners after every successful write.
type BlobStore struct {
	db *sql.DB

	mu        sync.RWMutex
	listeners map[string]map[int]func(models.ChangeEvent)
	nextID    int
}

func NewBlobStore(db *sql.DB) *BlobStore {
	return &BlobStore{
		db:        db,
		listeners: make(map[string]map[int]func(models.ChangeEvent)),
	}
}

// Get returns the blob stored under key. The boolean is false when nothing is stored.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM app_settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get setting '%s': %w", key, err)
	}
	return value, true, nil
}

// Set stores blob under key and fires change listeners when the value changed.
func (s *BlobStore) Set(ctx context.Context, key string, blob []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for key '%s': %w", key, err)
	}
	defer tx.Rollback()

	var old []byte
	err = tx.QueryRowContext(ctx, "SELECT value FROM app_settings WHERE key = ?", key).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read previous value for key '%s': %w", key, err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO app_settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, key, blob); err != nil {
		return fmt.Errorf("failed to execute set setting for key '%s': %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit setting for key '%s': %w", key, err)
	}

	if bytes.Equal(old, blob) {
		logger.Debug("BlobStore: key '%s' rewritten with identical value, no change event", key)
		return nil
	}
	s.emit(models.ChangeEvent{Key: key, NewValue: blob, OldValue: old, Source: SourceFrom(ctx)})
	return nil
}

// OnChange registers fn for writes to key and returns a function that unregisters it.
func (s *BlobStore) OnChange(key string, fn func(models.ChangeEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners[key] == nil {
		s.listeners[key] = make(map[int]func(models.ChangeEvent))
	}
	id := s.nextID
	s.nextID++
	s.listeners[key][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[key], id)
	}
}

func (s *BlobStore) emit(ev models.ChangeEvent) {
	s.mu.RLock()
	fns := make([]func(models.ChangeEvent), 0, len(s.listeners[ev.Key]))
	for _, fn := range s.listeners[ev.Key] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
