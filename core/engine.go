package core

import (
	"context"
	"corsrules/logger"
	"corsrules/models"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"golang.org/x/net/http/httpguts"
)

var (
	ErrUnknownRuleID    = errors.New("rule id is not active")
	ErrDuplicateRuleID  = errors.New("rule id already in use")
	ErrCapacityExceeded = errors.New("active rule limit exceeded")
	ErrMalformedRule    = errors.New("malformed rule")
)

var knownResourceTypes = func() map[string]bool {
	m := make(map[string]bool, len(models.AllResourceTypes))
	for _, t := range models.AllResourceTypes {
		m[t] = true
	}
	return m
}()

// DeclarativeEngine is an in-process dynamic rule table with the same
// contract as a browser's declarative network-request engine: rules are
// keyed by id, updated only through remove+add batches, and capped at limit.
type DeclarativeEngine struct {
	mu      sync.RWMutex
	limit   int
	rules   map[int64]models.EngineRule
	persist Persistence
}

// NewDeclarativeEngine returns an empty engine. persist may be nil.
func NewDeclarativeEngine(limit int, persist Persistence) *DeclarativeEngine {
	if limit <= 0 {
		limit = MaxActiveRules
	}
	return &DeclarativeEngine{
		limit:   limit,
		rules:   make(map[int64]models.EngineRule),
		persist: persist,
	}
}

// Load restores the rule table saved by a previous process.
func (e *DeclarativeEngine) Load(ctx context.Context) error {
	if e.persist == nil {
		return nil
	}
	blob, ok, err := e.persist.Get(ctx, models.DynamicRulesKey)
	if err != nil {
		return fmt.Errorf("loading engine rules: %w", err)
	}
	if !ok || len(blob) == 0 {
		return nil
	}
	var saved []models.EngineRule
	if err := json.Unmarshal(blob, &saved); err != nil {
		return fmt.Errorf("decoding engine rules: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[int64]models.EngineRule, len(saved))
	for _, r := range saved {
		if len(e.rules) >= e.limit {
			logger.Warn("DeclarativeEngine: dropping saved rule %d, limit %d reached", r.ID, e.limit)
			continue
		}
		e.rules[r.ID] = r
	}
	logger.Info("DeclarativeEngine: restored %d active rules", len(e.rules))
	return nil
}

// Limit returns the maximum number of simultaneously active rules.
func (e *DeclarativeEngine) Limit() int { return e.limit }

// Len returns the number of active rules.
func (e *DeclarativeEngine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

func sortedRules(m map[int64]models.EngineRule) []models.EngineRule {
	out := make([]models.EngineRule, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *DeclarativeEngine) GetActiveRules(ctx context.Context) ([]models.EngineRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedRules(e.rules), nil
}

func (e *DeclarativeEngine) ApplyBatch(ctx context.Context, batch models.BatchUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[int64]models.EngineRule, len(e.rules))
	for id, r := range e.rules {
		next[id] = r
	}
	for _, id := range batch.RemoveRuleIDs {
		if _, ok := next[id]; !ok {
			return fmt.Errorf("remove %d: %w", id, ErrUnknownRuleID)
		}
		delete(next, id)
	}
	for _, r := range batch.AddRules {
		if err := validateEngineRule(r); err != nil {
			return fmt.Errorf("add %d: %w", r.ID, err)
		}
		if _, ok := next[r.ID]; ok {
			return fmt.Errorf("add %d: %w", r.ID, ErrDuplicateRuleID)
		}
		next[r.ID] = r
	}
	if len(next) > e.limit {
		return fmt.Errorf("%d rules > %d: %w", len(next), e.limit, ErrCapacityExceeded)
	}

	if e.persist != nil {
		blob, err := json.Marshal(sortedRules(next))
		if err != nil {
			return fmt.Errorf("encoding engine rules: %w", err)
		}
		if err := e.persist.Set(ctx, models.DynamicRulesKey, blob); err != nil {
			return fmt.Errorf("saving engine rules: %w", err)
		}
	}
	e.rules = next
	logger.Debug("DeclarativeEngine: applied batch (removed %d, added %d), %d active", len(batch.RemoveRuleIDs), len(batch.AddRules), len(next))
	return nil
}

func validateEngineRule(r models.EngineRule) error {
	if r.ID <= 0 {
		return fmt.Errorf("%w: id must be positive", ErrMalformedRule)
	}
	if r.Priority < 1 {
		return fmt.Errorf("%w: priority must be >= 1", ErrMalformedRule)
	}
	if r.Action.Type != models.ActionModifyHeaders {
		return fmt.Errorf("%w: unsupported action %q", ErrMalformedRule, r.Action.Type)
	}
	if len(r.Action.ResponseHeaders) == 0 {
		return fmt.Errorf("%w: no response headers", ErrMalformedRule)
	}
	for _, h := range r.Action.ResponseHeaders {
		if !httpguts.ValidHeaderFieldName(h.Header) {
			return fmt.Errorf("%w: invalid header name %q", ErrMalformedRule, h.Header)
		}
		switch h.Operation {
		case models.HeaderOpSet, models.HeaderOpAppend:
			if h.Value == "" || !httpguts.ValidHeaderFieldValue(h.Value) {
				return fmt.Errorf("%w: invalid value for header %q", ErrMalformedRule, h.Header)
			}
		case models.HeaderOpRemove:
		default:
			return fmt.Errorf("%w: unknown header operation %q", ErrMalformedRule, h.Operation)
		}
	}
	for _, d := range r.Condition.InitiatorDomains {
		if d == "" || strings.ContainsAny(d, "/* ") {
			return fmt.Errorf("%w: invalid initiator domain %q", ErrMalformedRule, d)
		}
	}
	for _, t := range r.Condition.ResourceTypes {
		if !knownResourceTypes[t] {
			return fmt.Errorf("%w: unknown resource type %q", ErrMalformedRule, t)
		}
	}
	return nil
}

func domainMatches(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(domain)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// urlFilterMatches supports the "*" wildcard subset of the engine's URL filter syntax.
func urlFilterMatches(filter, rawURL string) bool {
	if filter == "" || filter == "*" {
		return true
	}
	rest := rawURL
	for _, part := range strings.Split(filter, "*") {
		if part == "" {
			continue
		}
		i := strings.Index(rest, part)
		if i < 0 {
			return false
		}
		rest = rest[i+len(part):]
	}
	return true
}

func ruleMatches(r models.EngineRule, initiatorHost, requestURL, resourceType string) bool {
	if len(r.Condition.InitiatorDomains) > 0 {
		if initiatorHost == "" {
			return false
		}
		found := false
		for _, d := range r.Condition.InitiatorDomains {
			if domainMatches(initiatorHost, d) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(r.Condition.ResourceTypes) > 0 {
		found := false
		for _, t := range r.Condition.ResourceTypes {
			if t == resourceType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return urlFilterMatches(r.Condition.URLFilter, requestURL)
}

// Match returns the rule governing a request: highest priority wins, then lowest id.
func (e *DeclarativeEngine) Match(initiatorHost, requestURL, resourceType string) (models.EngineRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var best models.EngineRule
	found := false
	for _, r := range e.rules {
		if !ruleMatches(r, initiatorHost, requestURL, resourceType) {
			continue
		}
		if !found || r.Priority > best.Priority || (r.Priority == best.Priority && r.ID < best.ID) {
			best = r
			found = true
		}
	}
	return best, found
}

// ApplyHeaders performs r's response header operations on h.
func ApplyHeaders(r models.EngineRule, h http.Header) {
	for _, m := range r.Action.ResponseHeaders {
		switch m.Operation {
		case models.HeaderOpSet:
			h.Set(m.Header, m.Value)
		case models.HeaderOpAppend:
			h.Add(m.Header, m.Value)
		case models.HeaderOpRemove:
			h.Del(m.Header)
		}
	}
}
