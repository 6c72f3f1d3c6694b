package core

import (
	"context"
	"corsrules/database"
	"corsrules/logger"
	"corsrules/models"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"
)

// RuleStore is the authoritative, cached rule set. Mutations update the cache
// before they are persisted, so readers never see a value older than the
// last mutation even while a debounced write is pending.
type RuleStore struct {
	persist   Persistence
	settings  *SettingsStore
	clock     clockwork.Clock
	flush     *FlushScheduler
	contextID string

	mu     sync.Mutex
	rules  []models.Rule
	loaded bool
	nextID int64

	// writeMu orders durable writes so the last snapshot taken is the last one stored.
	writeMu sync.Mutex

	subsMu  sync.Mutex
	subs    map[int]func(newRules, oldRules []models.Rule)
	nextSub int

	unsubscribe func()
}

type StoreOption func(*RuleStore)

// WithClock sets the clock used for timestamps and debouncing.
func WithClock(c clockwork.Clock) StoreOption {
	return func(s *RuleStore) { s.clock = c }
}

// WithDebounce sets the quiet period for debounced saves.
func WithDebounce(d time.Duration) StoreOption {
	return func(s *RuleStore) { s.flush = NewFlushScheduler(s.clock, d) }
}

func NewRuleStore(persist Persistence, settings *SettingsStore, opts ...StoreOption) *RuleStore {
	s := &RuleStore{
		persist:   persist,
		settings:  settings,
		clock:     clockwork.NewRealClock(),
		contextID: uuid.NewString(),
		nextID:    1,
		subs:      make(map[int]func(newRules, oldRules []models.Rule)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.flush == nil {
		s.flush = NewFlushScheduler(s.clock, DefaultDebounce)
	}
	s.unsubscribe = persist.OnChange(models.RulesKey, s.handleChange)
	return s
}

// ContextID identifies this store as the source of its own persistence writes.
func (s *RuleStore) ContextID() string { return s.contextID }

func (s *RuleStore) nowMillis() int64 { return s.clock.Now().UnixMilli() }

func cloneRules(rules []models.Rule) []models.Rule {
	if rules == nil {
		return nil
	}
	return append([]models.Rule(nil), rules...)
}

func decodeRules(blob []byte) ([]models.Rule, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var rules []models.Rule
	if err := json.Unmarshal(blob, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// bumpCounter keeps nextID above every id in rules. Caller holds s.mu.
func (s *RuleStore) bumpCounter(rules []models.Rule) {
	for _, r := range rules {
		if r.ID >= s.nextID {
			s.nextID = r.ID + 1
		}
	}
}

func (s *RuleStore) allocID() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// ensureLoaded fills an empty cache from persistence. Caller holds s.mu.
func (s *RuleStore) ensureLoaded(ctx context.Context) {
	if s.loaded || len(s.rules) > 0 {
		return
	}
	blob, ok, err := s.persist.Get(ctx, models.RulesKey)
	if err != nil {
		logger.Warn("RuleStore: failed to load rules, starting empty: %v", err)
		return
	}
	s.loaded = true
	if !ok {
		return
	}
	rules, err := decodeRules(blob)
	if err != nil {
		logger.Warn("RuleStore: stored rules unreadable, starting empty: %v", err)
		return
	}
	s.rules = rules
	s.bumpCounter(rules)
	logger.Info("RuleStore: loaded %d rules", len(rules))
}

// write persists the current cache.
func (s *RuleStore) write(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	snapshot := cloneRules(s.rules)
	s.mu.Unlock()
	if snapshot == nil {
		snapshot = []models.Rule{}
	}

	blob, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding rules: %w", err)
	}
	if err := s.persist.Set(database.WithSource(ctx, s.contextID), models.RulesKey, blob); err != nil {
		logger.Error("RuleStore: failed to persist %d rules: %v", len(snapshot), err)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (s *RuleStore) flushPending() {
	if err := s.write(context.Background()); err != nil {
		logger.Error("RuleStore: debounced save failed: %v", err)
	}
}

// GetAll returns a copy of the cached rules, loading them on first use.
func (s *RuleStore) GetAll(ctx context.Context) []models.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)
	return cloneRules(s.rules)
}

// Get returns the rule with id.
func (s *RuleStore) Get(ctx context.Context, id int64) (models.Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)
	for _, r := range s.rules {
		if r.ID == id {
			return r, true
		}
	}
	return models.Rule{}, false
}

// enabledOriginTaken reports whether an enabled rule other than skipID holds origin.
func enabledOriginTaken(rules []models.Rule, origin string, skipID int64) bool {
	for _, r := range rules {
		if r.ID != skipID && !r.Disabled && r.Origin == origin {
			return true
		}
	}
	return false
}

// Add validates opts and appends a new rule. It returns false without error
// when an enabled rule already holds the origin or the rule limit is reached.
func (s *RuleStore) Add(ctx context.Context, opts models.RuleOptions) (models.Rule, bool, error) {
	settings := s.settings.Get(ctx)

	s.mu.Lock()
	s.ensureLoaded(ctx)
	origin, _, err := CanonicalOrigin(opts.Origin)
	if err != nil {
		s.mu.Unlock()
		return models.Rule{}, false, err
	}
	if !opts.Disabled && enabledOriginTaken(s.rules, origin, 0) {
		s.mu.Unlock()
		logger.Info("RuleStore: rejected duplicate origin %s", origin)
		return models.Rule{}, false, nil
	}
	if len(s.rules) >= settings.MaxRules {
		s.mu.Unlock()
		logger.Warn("RuleStore: rule limit %d reached, %s not added", settings.MaxRules, origin)
		return models.Rule{}, false, nil
	}
	rule, err := CreateRule(opts, settings.DftEnableCredentials, s.allocID, s.nowMillis())
	if err != nil {
		s.mu.Unlock()
		return models.Rule{}, false, err
	}
	s.rules = append(s.rules, rule)
	s.flush.Cancel()
	s.mu.Unlock()

	logger.Info("RuleStore: added rule %d for %s", rule.ID, rule.Origin)
	return rule, true, s.write(ctx)
}

// Remove deletes the rule with id. It returns false when id is unknown.
func (s *RuleStore) Remove(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	s.ensureLoaded(ctx)
	idx := -1
	for i, r := range s.rules {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false, nil
	}
	next := make([]models.Rule, 0, len(s.rules)-1)
	next = append(next, s.rules[:idx]...)
	s.rules = append(next, s.rules[idx+1:]...)
	s.flush.Cancel()
	s.mu.Unlock()

	logger.Info("RuleStore: removed rule %d", id)
	return true, s.write(ctx)
}

// Update applies patch to the rule with the same id and refreshes UpdatedAt.
// It returns false when the id is unknown or the result would duplicate the
// origin of another enabled rule.
func (s *RuleStore) Update(ctx context.Context, patch models.RulePatch) (models.Rule, bool, error) {
	s.mu.Lock()
	s.ensureLoaded(ctx)
	idx := -1
	for i, r := range s.rules {
		if r.ID == patch.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return models.Rule{}, false, nil
	}

	r := s.rules[idx]
	if patch.Origin != nil {
		origin, host, err := CanonicalOrigin(*patch.Origin)
		if err != nil {
			s.mu.Unlock()
			return models.Rule{}, false, err
		}
		r.Origin, r.Domain = origin, host
	}
	if patch.ExtraHeaders != nil {
		headers, err := NormalizeHeaderList(*patch.ExtraHeaders)
		if err != nil {
			s.mu.Unlock()
			return models.Rule{}, false, err
		}
		r.ExtraHeaders = headers
	}
	if patch.Credentials != nil {
		r.Credentials = *patch.Credentials
	}
	if patch.Disabled != nil {
		r.Disabled = *patch.Disabled
	}
	if !r.Disabled && enabledOriginTaken(s.rules, r.Origin, r.ID) {
		s.mu.Unlock()
		logger.Info("RuleStore: update of rule %d rejected, %s already enabled elsewhere", r.ID, r.Origin)
		return models.Rule{}, false, nil
	}
	r.UpdatedAt = s.nowMillis()

	next := cloneRules(s.rules)
	next[idx] = r
	s.rules = next
	s.flush.Cancel()
	s.mu.Unlock()

	logger.Debug("RuleStore: updated rule %d", r.ID)
	return r, true, s.write(ctx)
}

// Save replaces the whole rule set. The cache is updated immediately; with
// debounced set the durable write waits for the quiet period.
func (s *RuleStore) Save(ctx context.Context, rules []models.Rule, debounced bool) error {
	s.mu.Lock()
	s.rules = cloneRules(rules)
	s.loaded = true
	s.bumpCounter(rules)
	s.mu.Unlock()

	if debounced {
		s.flush.Arm(s.flushPending)
		return nil
	}
	s.flush.Cancel()
	return s.write(ctx)
}

// Replace validates a complete rule set from a client and saves it with a
// debounced write, so bursts of bulk edits reach persistence once. It
// returns false without error when the set exceeds the rule limit.
func (s *RuleStore) Replace(ctx context.Context, rules []models.Rule) ([]models.Rule, bool, error) {
	normalized, err := NormalizeRules(rules, s.nowMillis())
	if err != nil {
		return nil, false, err
	}
	if limit := s.settings.Get(ctx).MaxRules; len(normalized) > limit {
		logger.Warn("RuleStore: bulk save of %d rules exceeds limit %d", len(normalized), limit)
		return nil, false, nil
	}
	if err := s.Save(ctx, normalized, true); err != nil {
		return nil, false, err
	}
	logger.Info("RuleStore: bulk save of %d rules scheduled", len(normalized))
	return cloneRules(normalized), true, nil
}

// Flush persists a pending debounced save right away.
func (s *RuleStore) Flush(ctx context.Context) error {
	if !s.flush.Cancel() {
		return nil
	}
	return s.write(ctx)
}

// Pending reports whether a debounced save is waiting.
func (s *RuleStore) Pending() bool { return s.flush.Pending() }

// Close flushes pending writes and stops listening for persistence events.
func (s *RuleStore) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return err
}

// ExportAll returns a versioned snapshot of every rule.
func (s *RuleStore) ExportAll(ctx context.Context) models.RuleExport {
	rules := s.GetAll(ctx)
	if rules == nil {
		rules = []models.Rule{}
	}
	return models.RuleExport{
		Version:   models.RuleExportVersion,
		Timestamp: s.nowMillis(),
		Rules:     rules,
	}
}

type importEntry struct {
	origin       string
	domain       string
	credentials  *bool
	extraHeaders string
	disabled     bool
	createdAt    int64
}

func parseImport(data []byte) ([]importEntry, int, error) {
	if !gjson.ValidBytes(data) {
		return nil, 0, &ValidationError{Field: "import", Reason: "not valid JSON"}
	}
	root := gjson.ParseBytes(data)
	list := root
	if root.IsObject() {
		if v := root.Get("version"); v.Exists() && v.String() != models.RuleExportVersion {
			logger.Warn("RuleStore: importing export version %q, expected %q", v.String(), models.RuleExportVersion)
		}
		list = root.Get("rules")
	}
	if !list.IsArray() {
		return nil, 0, &ValidationError{Field: "import", Reason: "expected a rules array"}
	}

	items := list.Array()
	entries := make([]importEntry, 0, len(items))
	for i, item := range items {
		origin, host, err := CanonicalOrigin(item.Get("origin").String())
		if err != nil {
			logger.Warn("RuleStore: skipping import entry %d: %v", i, err)
			continue
		}
		headers, err := NormalizeHeaderList(item.Get("extraHeaders").String())
		if err != nil {
			logger.Warn("RuleStore: skipping import entry %d: %v", i, err)
			continue
		}
		e := importEntry{
			origin:       origin,
			domain:       host,
			extraHeaders: headers,
			disabled:     item.Get("disabled").Bool(),
			createdAt:    item.Get("createdAt").Int(),
		}
		if c := item.Get("credentials"); c.Exists() {
			v := c.Bool()
			e.credentials = &v
		}
		entries = append(entries, e)
	}
	return entries, len(items), nil
}

// ImportAll loads rules from an export snapshot or a bare rule array. In
// merge mode rules are matched by origin and updated in place; otherwise the
// set is replaced and renumbered from 1. It returns false when the input held
// entries but none of them could be imported.
func (s *RuleStore) ImportAll(ctx context.Context, data []byte, merge bool) (bool, error) {
	entries, total, err := parseImport(data)
	if err != nil {
		return false, err
	}
	settings := s.settings.Get(ctx)
	now := s.nowMillis()

	s.mu.Lock()
	s.ensureLoaded(ctx)
	var next []models.Rule
	if merge {
		next = cloneRules(s.rules)
	}
	imported := 0
	for _, e := range entries {
		credentials := settings.DftEnableCredentials
		if e.credentials != nil {
			credentials = *e.credentials
		}

		if merge {
			if idx := indexByOrigin(next, e.origin); idx >= 0 {
				r := next[idx]
				r.Credentials = credentials
				r.ExtraHeaders = e.extraHeaders
				r.Disabled = e.disabled
				r.UpdatedAt = now
				next[idx] = r
				imported++
				continue
			}
		} else if !e.disabled && enabledOriginTaken(next, e.origin, 0) {
			logger.Warn("RuleStore: skipping duplicate import origin %s", e.origin)
			continue
		}

		if len(next) >= settings.MaxRules {
			logger.Warn("RuleStore: rule limit %d reached during import", settings.MaxRules)
			break
		}
		id := int64(len(next) + 1)
		if merge {
			id = s.allocID()
		}
		created := e.createdAt
		if created <= 0 {
			created = now
		}
		next = append(next, models.Rule{
			ID:           id,
			Origin:       e.origin,
			Domain:       e.domain,
			Credentials:  credentials,
			ExtraHeaders: e.extraHeaders,
			Disabled:     e.disabled,
			CreatedAt:    created,
			UpdatedAt:    now,
		})
		imported++
	}

	if total > 0 && imported == 0 {
		s.mu.Unlock()
		logger.Warn("RuleStore: import contained %d entries, none usable", total)
		return false, nil
	}
	s.rules = next
	s.loaded = true
	s.bumpCounter(next)
	s.flush.Cancel()
	s.mu.Unlock()

	logger.Info("RuleStore: imported %d of %d rules (merge=%t)", imported, total, merge)
	return true, s.write(ctx)
}

// indexByOrigin prefers an enabled rule when several share origin.
func indexByOrigin(rules []models.Rule, origin string) int {
	found := -1
	for i, r := range rules {
		if r.Origin != origin {
			continue
		}
		if !r.Disabled {
			return i
		}
		if found < 0 {
			found = i
		}
	}
	return found
}

// Reorder compacts ids to 1..n in list order. It reports false when the ids
// were already compact.
func (s *RuleStore) Reorder(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.ensureLoaded(ctx)
	next := Reorder(s.rules)
	if next == nil {
		s.mu.Unlock()
		return false, nil
	}
	s.rules = next
	s.flush.Cancel()
	s.mu.Unlock()

	logger.Info("RuleStore: renumbered %d rules", len(next))
	return true, s.write(ctx)
}

// Cleanup removes disabled rules last updated before cutoff.
func (s *RuleStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	limit := cutoff.UnixMilli()

	s.mu.Lock()
	s.ensureLoaded(ctx)
	next := make([]models.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Disabled && r.UpdatedAt < limit {
			continue
		}
		next = append(next, r)
	}
	removed := len(s.rules) - len(next)
	if removed == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	s.rules = next
	s.flush.Cancel()
	s.mu.Unlock()

	logger.Info("RuleStore: cleanup removed %d disabled rules", removed)
	return removed, s.write(ctx)
}

// Subscribe registers fn for every persisted change to the rule set,
// including this store's own writes. fn must not write to the store.
func (s *RuleStore) Subscribe(fn func(newRules, oldRules []models.Rule)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *RuleStore) handleChange(ev models.ChangeEvent) {
	newRules, err := decodeRules(ev.NewValue)
	if err != nil {
		logger.Error("RuleStore: undecodable rules in change event: %v", err)
		return
	}
	oldRules, err := decodeRules(ev.OldValue)
	if err != nil {
		logger.Warn("RuleStore: previous rules undecodable, treating as empty: %v", err)
		oldRules = nil
	}

	if ev.Source != s.contextID {
		s.mu.Lock()
		if s.flush.Pending() {
			logger.Debug("RuleStore: external change from %q ignored, local save pending", ev.Source)
		} else {
			s.rules = cloneRules(newRules)
			s.loaded = true
			s.bumpCounter(newRules)
		}
		s.mu.Unlock()
	}

	s.subsMu.Lock()
	fns := make([]func(newRules, oldRules []models.Rule), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()
	for _, fn := range fns {
		fn(cloneRules(newRules), cloneRules(oldRules))
	}
}
