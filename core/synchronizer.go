package core

import (
	"context"
	"corsrules/logger"
	"corsrules/models"
	"fmt"
	"sort"
	"sync"
)

const (
	// MaxActiveRules is the engine's ceiling on simultaneously active dynamic rules.
	MaxActiveRules = 5000
	// RulePriority is shared by every translated rule.
	RulePriority = 1
	// AllowMethods is sent in Access-Control-Allow-Methods for every rule.
	AllowMethods = "GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS"
)

const (
	HeaderAllowOrigin      = "Access-Control-Allow-Origin"
	HeaderAllowCredentials = "Access-Control-Allow-Credentials"
	HeaderAllowMethods     = "Access-Control-Allow-Methods"
	HeaderAllowHeaders     = "Access-Control-Allow-Headers"
)

// SyncReport summarizes one synchronization pass.
type SyncReport struct {
	Removed      int     `json:"removed"`
	Added        int     `json:"added"`
	Skipped      int     `json:"skipped"` // enabled entries dropped by domain dedupe or the ceiling
	Failed       []int64 `json:"failed,omitempty"`
	UsedFallback bool    `json:"usedFallback"`
}

// Synchronizer mirrors rule deltas into an Engine.
type Synchronizer struct {
	mu        sync.Mutex
	engine    Engine
	maxActive int
}

func NewSynchronizer(engine Engine, maxActive int) *Synchronizer {
	if maxActive <= 0 || maxActive > MaxActiveRules {
		maxActive = MaxActiveRules
	}
	return &Synchronizer{engine: engine, maxActive: maxActive}
}

// Translate converts an enabled rule into its engine representation.
func Translate(r models.Rule) models.EngineRule {
	allowOrigin, allowCredentials := "*", "false"
	if r.Credentials {
		allowOrigin, allowCredentials = r.Origin, "true"
	}
	return models.EngineRule{
		ID:       r.ID,
		Priority: RulePriority,
		Action: models.EngineAction{
			Type: models.ActionModifyHeaders,
			ResponseHeaders: []models.HeaderModifier{
				{Header: HeaderAllowOrigin, Operation: models.HeaderOpSet, Value: allowOrigin},
				{Header: HeaderAllowCredentials, Operation: models.HeaderOpSet, Value: allowCredentials},
				{Header: HeaderAllowMethods, Operation: models.HeaderOpSet, Value: AllowMethods},
				{Header: HeaderAllowHeaders, Operation: models.HeaderOpSet, Value: MergeAllowHeaders(r.ExtraHeaders)},
			},
		},
		Condition: models.EngineCondition{
			URLFilter:        "*",
			InitiatorDomains: []string{r.Domain},
			ResourceTypes:    append([]string(nil), models.AllResourceTypes...),
		},
	}
}

// selectForEngine keeps the most recently updated enabled rule per domain,
// newest first, capped at limit. The returned set holds the chosen ids.
func selectForEngine(delta []models.Rule, limit int) ([]models.Rule, map[int64]bool) {
	byDomain := make(map[string]models.Rule)
	var order []string
	for _, r := range delta {
		if r.Disabled {
			continue
		}
		cur, ok := byDomain[r.Domain]
		if !ok {
			order = append(order, r.Domain)
			byDomain[r.Domain] = r
			continue
		}
		if r.UpdatedAt > cur.UpdatedAt {
			byDomain[r.Domain] = r
		}
	}

	chosen := make([]models.Rule, 0, len(order))
	for _, d := range order {
		chosen = append(chosen, byDomain[d])
	}
	sort.SliceStable(chosen, func(i, j int) bool { return chosen[i].UpdatedAt > chosen[j].UpdatedAt })
	if len(chosen) > limit {
		chosen = chosen[:limit]
	}

	keep := make(map[int64]bool, len(chosen))
	for _, r := range chosen {
		keep[r.ID] = true
	}
	return chosen, keep
}

// Backfill extends delta for every domain it vacates: the newest enabled
// rule of that domain in rules, when not already in delta, is appended so a
// sibling left out by domain dedupe regains its engine slot. oldRules
// supplies the previous domain of re-originated rules.
func Backfill(delta, rules, oldRules []models.Rule) []models.Rule {
	previous := make(map[int64]models.Rule, len(oldRules))
	for _, r := range oldRules {
		previous[r.ID] = r
	}
	inDelta := make(map[int64]bool, len(delta))
	covered := make(map[string]bool)
	vacated := make(map[string]bool)
	for _, r := range delta {
		inDelta[r.ID] = true
		if r.Disabled {
			vacated[r.Domain] = true
		} else {
			covered[r.Domain] = true
		}
		if o, ok := previous[r.ID]; ok && !o.Disabled && o.Domain != r.Domain {
			vacated[o.Domain] = true
		}
	}
	if len(vacated) == 0 {
		return delta
	}

	best := make(map[string]models.Rule)
	var order []string
	for _, r := range rules {
		if r.Disabled || inDelta[r.ID] || !vacated[r.Domain] || covered[r.Domain] {
			continue
		}
		cur, ok := best[r.Domain]
		if !ok {
			order = append(order, r.Domain)
		}
		if !ok || r.UpdatedAt > cur.UpdatedAt {
			best[r.Domain] = r
		}
	}
	if len(order) == 0 {
		return delta
	}
	out := make([]models.Rule, 0, len(delta)+len(order))
	out = append(out, delta...)
	for _, d := range order {
		out = append(out, best[d])
	}
	return out
}

func (s *Synchronizer) liveIDs(ctx context.Context) (map[int64]bool, error) {
	active, err := s.engine.GetActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying active engine rules: %w", err)
	}
	live := make(map[int64]bool, len(active))
	for _, r := range active {
		live[r.ID] = true
	}
	return live, nil
}

// ApplyDelta brings the engine in line with delta. Every id in delta is
// removed and every chosen enabled entry re-added in a single batch; if the
// engine rejects the batch each entry is applied on its own instead.
func (s *Synchronizer) ApplyDelta(ctx context.Context, delta []models.Rule) (SyncReport, error) {
	var report SyncReport
	if len(delta) == 0 {
		return report, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chosen, keep := selectForEngine(delta, s.maxActive)
	for _, r := range delta {
		if !r.Disabled && !keep[r.ID] {
			report.Skipped++
		}
	}
	if report.Skipped > 0 {
		logger.Info("Synchronizer: %d enabled rules not scheduled (shared domain or ceiling %d)", report.Skipped, s.maxActive)
	}

	live, err := s.liveIDs(ctx)
	if err != nil {
		return report, err
	}

	seen := make(map[int64]bool, len(delta))
	var removeIDs []int64
	for _, r := range delta {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		if live[r.ID] {
			removeIDs = append(removeIDs, r.ID)
		}
	}
	addRules := make([]models.EngineRule, 0, len(chosen))
	for _, r := range chosen {
		addRules = append(addRules, Translate(r))
	}

	batch := models.BatchUpdate{RemoveRuleIDs: removeIDs, AddRules: addRules}
	err = s.engine.ApplyBatch(ctx, batch)
	if err == nil {
		report.Removed = len(removeIDs)
		report.Added = len(addRules)
		logger.Debug("Synchronizer: batch applied (removed %d, added %d)", report.Removed, report.Added)
		return report, nil
	}
	batchErr := &EngineBatchError{Removals: len(removeIDs), Additions: len(addRules), Err: err}
	logger.Warn("Synchronizer: %v; falling back to per-rule updates", batchErr)

	report.UsedFallback = true
	s.applyEach(ctx, delta, keep, live, &report)
	return report, nil
}

// applyEach applies delta one rule at a time, logging and skipping failures.
func (s *Synchronizer) applyEach(ctx context.Context, delta []models.Rule, keep, live map[int64]bool, report *SyncReport) {
	for _, r := range delta {
		if err := ctx.Err(); err != nil {
			logger.Warn("Synchronizer: fallback interrupted: %v", err)
			return
		}
		var batch models.BatchUpdate
		if live[r.ID] {
			batch.RemoveRuleIDs = []int64{r.ID}
		}
		if !r.Disabled && keep[r.ID] {
			batch.AddRules = []models.EngineRule{Translate(r)}
		}
		if len(batch.RemoveRuleIDs) == 0 && len(batch.AddRules) == 0 {
			continue
		}
		if err := s.engine.ApplyBatch(ctx, batch); err != nil {
			logger.Error("Synchronizer: rule %d (%s) failed: %v", r.ID, r.Origin, err)
			report.Failed = append(report.Failed, r.ID)
			continue
		}
		if len(batch.RemoveRuleIDs) > 0 {
			report.Removed++
			delete(live, r.ID)
		}
		if len(batch.AddRules) > 0 {
			report.Added++
			live[r.ID] = true
		}
	}
}

// ToggleExclusive makes active the only rule of its domain present in the
// engine, adding it when it is missing. Stored disabled flags of siblings
// are left alone.
func (s *Synchronizer) ToggleExclusive(ctx context.Context, active models.Rule, siblings []models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, err := s.liveIDs(ctx)
	if err != nil {
		return err
	}
	var suppress []int64
	for _, r := range siblings {
		if r.ID != active.ID && live[r.ID] {
			suppress = append(suppress, r.ID)
		}
	}
	if len(suppress) == 0 && (live[active.ID] || active.Disabled) {
		return nil
	}

	batch := models.BatchUpdate{RemoveRuleIDs: suppress}
	if live[active.ID] {
		batch.RemoveRuleIDs = append(batch.RemoveRuleIDs, active.ID)
	}
	if !active.Disabled {
		batch.AddRules = []models.EngineRule{Translate(active)}
	}
	if err := s.engine.ApplyBatch(ctx, batch); err != nil {
		return &EngineBatchError{Removals: len(batch.RemoveRuleIDs), Additions: len(batch.AddRules), Err: err}
	}
	logger.Debug("Synchronizer: rule %d (%s) now exclusive for %s, suppressed %v", active.ID, active.Origin, active.Domain, suppress)
	return nil
}

// Reconcile rebuilds the engine from rules, removing engine entries the store
// no longer knows about.
func (s *Synchronizer) Reconcile(ctx context.Context, rules []models.Rule) (SyncReport, error) {
	s.mu.Lock()
	live, err := s.liveIDs(ctx)
	s.mu.Unlock()
	if err != nil {
		return SyncReport{}, err
	}

	known := make(map[int64]bool, len(rules))
	delta := make([]models.Rule, 0, len(rules)+len(live))
	for _, r := range rules {
		known[r.ID] = true
		delta = append(delta, r)
	}
	orphans := make([]int64, 0)
	for id := range live {
		if !known[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	for _, id := range orphans {
		delta = append(delta, models.Rule{ID: id, Disabled: true})
	}
	if len(orphans) > 0 {
		logger.Info("Synchronizer: removing %d orphaned engine rules", len(orphans))
	}
	return s.ApplyDelta(ctx, delta)
}
