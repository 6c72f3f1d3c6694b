package core

import (
	"context"
	"corsrules/models"
	"time"
)

// Persistence is the named-blob storage collaborator. Writes must notify
// every OnChange listener registered for the key.
type Persistence interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, blob []byte) error
	OnChange(key string, fn func(models.ChangeEvent)) func()
}

// Engine is the declarative filtering-engine collaborator. ApplyBatch is
// all-or-nothing: on error no part of the batch took effect.
type Engine interface {
	GetActiveRules(ctx context.Context) ([]models.EngineRule, error)
	ApplyBatch(ctx context.Context, batch models.BatchUpdate) error
}

// EnforcementLog records responses rewritten by the proxy.
type EnforcementLog interface {
	Record(ctx context.Context, entry models.EnforcementLogEntry) (int64, error)
	List(ctx context.Context, filters models.EnforcementLogFilters) ([]models.EnforcementLogEntry, int64, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
