package core

import (
	"context"
	"corsrules/logger"
	"corsrules/models"
	"sync"
)

// Indicator shows whether a window's active tab is governed by a live rule.
type Indicator interface {
	SetIndicator(windowID int64, active bool)
}

// LogIndicator reports indicator changes to the app log.
type LogIndicator struct{}

func (LogIndicator) SetIndicator(windowID int64, active bool) {
	logger.Debug("TabCache: window %d indicator active=%t", windowID, active)
}

type tabEntry struct {
	tab    models.Tab
	origin string
	domain string
	rule   *models.Rule // nil: no rule governs the tab
	live   bool         // rule is present in the engine
}

func (e tabEntry) same(o tabEntry) bool {
	if e.tab != o.tab || e.origin != o.origin || e.live != o.live {
		return false
	}
	if e.rule == nil || o.rule == nil {
		return e.rule == o.rule
	}
	return *e.rule == *o.rule
}

func (e tabEntry) active() bool { return e.rule != nil && !e.rule.Disabled && e.live }

// TabCache remembers, per window, which rule governs the active tab.
type TabCache struct {
	store     *RuleStore
	settings  *SettingsStore
	sync      *Synchronizer
	indicator Indicator

	mu      sync.RWMutex
	entries map[int64]tabEntry
}

func NewTabCache(store *RuleStore, settings *SettingsStore, synchronizer *Synchronizer, indicator Indicator) *TabCache {
	if indicator == nil {
		indicator = LogIndicator{}
	}
	return &TabCache{
		store:     store,
		settings:  settings,
		sync:      synchronizer,
		indicator: indicator,
		entries:   make(map[int64]tabEntry),
	}
}

// matchRule finds the rule for origin, preferring an enabled one, and the
// rules sharing its domain.
func matchRule(rules []models.Rule, origin, domain string) (*models.Rule, []models.Rule) {
	var match *models.Rule
	var siblings []models.Rule
	for i := range rules {
		r := rules[i]
		if r.Domain == domain {
			siblings = append(siblings, r)
		}
		if r.Origin != origin {
			continue
		}
		if match == nil || (match.Disabled && !r.Disabled) {
			match = &r
		}
	}
	return match, siblings
}

// OnTabActivated recomputes the cached rule for tab's window.
func (c *TabCache) OnTabActivated(ctx context.Context, tab models.Tab) {
	entry := tabEntry{tab: tab}
	origin, domain, err := CanonicalOrigin(tab.URL)
	if err != nil {
		logger.Debug("TabCache: window %d tab %d has no usable origin: %v", tab.WindowID, tab.ID, err)
		c.set(tab.WindowID, entry)
		return
	}
	entry.origin, entry.domain = origin, domain

	match, siblings := matchRule(c.store.GetAll(ctx), origin, domain)
	entry.rule = match
	if match != nil && !match.Disabled {
		// Also restores a match the engine lost, e.g. after domain dedupe.
		if err := c.sync.ToggleExclusive(ctx, *match, siblings); err != nil {
			logger.Error("TabCache: exclusivity toggle for %s failed: %v", match.Origin, err)
		} else {
			entry.live = true
		}
	}
	c.set(tab.WindowID, entry)
}

// set stores entry and updates the indicator unless nothing changed.
func (c *TabCache) set(windowID int64, entry tabEntry) {
	c.mu.Lock()
	prev, ok := c.entries[windowID]
	if ok && prev.same(entry) {
		c.mu.Unlock()
		return
	}
	c.entries[windowID] = entry
	c.mu.Unlock()
	c.indicator.SetIndicator(windowID, entry.active())
}

// GetCurrentTabRule returns the rule governing windowID's active tab. When
// none is known it returns a placeholder carrying only the default
// credentials preference, and false.
func (c *TabCache) GetCurrentTabRule(ctx context.Context, windowID int64) (models.Rule, bool) {
	c.mu.RLock()
	entry, ok := c.entries[windowID]
	c.mu.RUnlock()
	if ok && entry.rule != nil {
		return *entry.rule, true
	}
	return models.Rule{Credentials: c.settings.Get(ctx).DftEnableCredentials}, false
}

// State describes windowID for API callers. Active means the rule is both
// enabled and live in the engine.
func (c *TabCache) State(ctx context.Context, windowID int64) models.TabRuleResponse {
	rule, known := c.GetCurrentTabRule(ctx, windowID)
	c.mu.RLock()
	entry := c.entries[windowID]
	c.mu.RUnlock()
	return models.TabRuleResponse{
		WindowID: windowID,
		Active:   known && entry.active(),
		Known:    known,
		Rule:     rule,
	}
}

// OnWindowClosed forgets windowID.
func (c *TabCache) OnWindowClosed(windowID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, windowID)
}

// Refresh recomputes every window whose active tab is touched by delta.
func (c *TabCache) Refresh(ctx context.Context, delta []models.Rule) {
	if len(delta) == 0 {
		return
	}
	origins := make(map[string]bool, len(delta))
	domains := make(map[string]bool, len(delta))
	ruleIDs := make(map[int64]bool, len(delta))
	for _, r := range delta {
		origins[r.Origin] = true
		domains[r.Domain] = true
		ruleIDs[r.ID] = true
	}

	c.mu.RLock()
	var stale []models.Tab
	for _, e := range c.entries {
		if e.origin == "" {
			continue
		}
		if origins[e.origin] || domains[e.domain] || (e.rule != nil && ruleIDs[e.rule.ID]) {
			stale = append(stale, e.tab)
		}
	}
	c.mu.RUnlock()

	for _, tab := range stale {
		c.OnTabActivated(ctx, tab)
	}
}
