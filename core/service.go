package core

import (
	"context"
	"corsrules/logger"
	"corsrules/models"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// ServiceOptions tunes a Service. Zero values select the defaults.
type ServiceOptions struct {
	MaxActiveRules int
	Debounce       time.Duration
	Clock          clockwork.Clock
	Indicator      Indicator
	// EnforcementLog, when set, receives every response the proxy rewrites.
	EnforcementLog EnforcementLog
	// LogLevel is restored when debugMode is switched off.
	LogLevel string
}

// Service wires the rule store, the synchronizer and the tab cache together:
// every persisted rule change is diffed, applied to the engine and used to
// refresh affected windows.
type Service struct {
	Persist  Persistence
	Engine   *DeclarativeEngine
	Settings *SettingsStore
	Store    *RuleStore
	Sync     *Synchronizer
	Tabs     *TabCache
	Log      EnforcementLog

	baseLevel string
	unsubs    []func()
}

func NewService(persist Persistence, opts ServiceOptions) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	engine := NewDeclarativeEngine(opts.MaxActiveRules, persist)
	settings := NewSettingsStore(persist)
	store := NewRuleStore(persist, settings, WithClock(opts.Clock), WithDebounce(opts.Debounce))
	synchronizer := NewSynchronizer(engine, engine.Limit())
	return &Service{
		Persist:   persist,
		Engine:    engine,
		Settings:  settings,
		Store:     store,
		Sync:      synchronizer,
		Tabs:      NewTabCache(store, settings, synchronizer, opts.Indicator),
		Log:       opts.EnforcementLog,
		baseLevel: opts.LogLevel,
	}
}

// Start restores engine state, reconciles it with the stored rules and begins
// following rule and settings changes.
func (s *Service) Start(ctx context.Context) (SyncReport, error) {
	if err := s.Engine.Load(ctx); err != nil {
		logger.Warn("Service: engine state not restored: %v", err)
	}
	s.applySettings(s.Settings.Get(ctx))

	report, err := s.Sync.Reconcile(ctx, s.Store.GetAll(ctx))
	if err != nil {
		return report, fmt.Errorf("initial engine reconcile: %w", err)
	}
	logger.Info("Service: engine reconciled (removed %d, added %d, failed %d)", report.Removed, report.Added, len(report.Failed))

	s.unsubs = append(s.unsubs,
		s.Store.Subscribe(s.onRulesChanged),
		s.Settings.OnChange(s.applySettings),
	)
	return report, nil
}

func (s *Service) onRulesChanged(newRules, oldRules []models.Rule) {
	ctx := context.Background()
	delta := Diff(newRules, oldRules)
	if len(delta) == 0 {
		return
	}
	delta = Backfill(delta, newRules, oldRules)
	report, err := s.Sync.ApplyDelta(ctx, delta)
	if err != nil {
		logger.Error("Service: failed to apply %d rule changes: %v", len(delta), err)
		return
	}
	if len(report.Failed) > 0 {
		logger.Warn("Service: %d rules could not be applied: %v", len(report.Failed), report.Failed)
	}
	s.Tabs.Refresh(ctx, delta)
}

func (s *Service) applySettings(settings models.Settings) {
	if settings.DebugMode {
		logger.SetLevel("DEBUG")
		return
	}
	if s.baseLevel != "" {
		logger.SetLevel(s.baseLevel)
	}
}

// Resync forces a full reconcile of the engine with the stored rules.
func (s *Service) Resync(ctx context.Context) (SyncReport, error) {
	if err := s.Store.Flush(ctx); err != nil {
		logger.Warn("Service: flush before resync failed: %v", err)
	}
	return s.Sync.Reconcile(ctx, s.Store.GetAll(ctx))
}

// Close flushes pending writes and detaches listeners.
func (s *Service) Close(ctx context.Context) error {
	if err := s.Store.Flush(ctx); err != nil {
		logger.Error("Service: final flush failed: %v", err)
	}
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	return s.Store.Close(ctx)
}
