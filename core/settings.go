package core

import (
	"context"
	"corsrules/logger"
	"corsrules/models"
	"encoding/json"
	"fmt"
	"sync"
)

// SettingsStore caches the extension-wide settings blob.
type SettingsStore struct {
	persist Persistence

	mu     sync.RWMutex
	cached *models.Settings
}

func NewSettingsStore(persist Persistence) *SettingsStore {
	s := &SettingsStore{persist: persist}
	persist.OnChange(models.SettingsKey, func(ev models.ChangeEvent) {
		next := decodeSettings(ev.NewValue)
		s.mu.Lock()
		s.cached = &next
		s.mu.Unlock()
	})
	return s
}

func decodeSettings(blob []byte) models.Settings {
	if len(blob) == 0 {
		return models.DefaultSettings()
	}
	settings := models.DefaultSettings()
	if err := json.Unmarshal(blob, &settings); err != nil {
		logger.Warn("SettingsStore: stored settings unreadable, using defaults: %v", err)
		return models.DefaultSettings()
	}
	return settings.Normalize()
}

// Get returns the current settings. Read failures yield the defaults.
func (s *SettingsStore) Get(ctx context.Context) models.Settings {
	s.mu.RLock()
	cached := s.cached
	s.mu.RUnlock()
	if cached != nil {
		return *cached
	}

	blob, ok, err := s.persist.Get(ctx, models.SettingsKey)
	if err != nil {
		logger.Warn("SettingsStore: failed to read settings, using defaults: %v", err)
		return models.DefaultSettings()
	}
	settings := models.DefaultSettings()
	if ok {
		settings = decodeSettings(blob)
	}
	s.mu.Lock()
	s.cached = &settings
	s.mu.Unlock()
	return settings
}

// Set normalizes and stores settings, returning the values actually kept.
func (s *SettingsStore) Set(ctx context.Context, settings models.Settings) (models.Settings, error) {
	settings = settings.Normalize()
	s.mu.Lock()
	s.cached = &settings
	s.mu.Unlock()

	blob, err := json.Marshal(settings)
	if err != nil {
		return settings, fmt.Errorf("encoding settings: %w", err)
	}
	if err := s.persist.Set(ctx, models.SettingsKey, blob); err != nil {
		return settings, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return settings, nil
}

// OnChange calls fn with the normalized settings after every stored change.
func (s *SettingsStore) OnChange(fn func(models.Settings)) func() {
	return s.persist.OnChange(models.SettingsKey, func(ev models.ChangeEvent) {
		fn(decodeSettings(ev.NewValue))
	})
}
