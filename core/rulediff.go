package core

import (
	"corsrules/models"
	"strings"
)

// engineShapeEqual reports whether a and b translate to the same engine rule.
func engineShapeEqual(a, b models.Rule) bool {
	return a.Origin == b.Origin &&
		a.Domain == b.Domain &&
		a.Disabled == b.Disabled &&
		a.Credentials == b.Credentials &&
		strings.EqualFold(MergeAllowHeaders(a.ExtraHeaders), MergeAllowHeaders(b.ExtraHeaders))
}

// Tombstone returns a copy of r marked for removal from the engine.
func Tombstone(r models.Rule) models.Rule {
	r.Disabled = true
	return r
}

// Diff returns the rules the engine must be told about to move from oldRules
// to newRules: added or engine-visibly changed rules first, in newRules
// order, followed by tombstones for rules that disappeared.
func Diff(newRules, oldRules []models.Rule) []models.Rule {
	if len(oldRules) == 0 {
		var delta []models.Rule
		for _, r := range newRules {
			if !r.Disabled {
				delta = append(delta, r)
			}
		}
		return delta
	}
	if len(newRules) == 0 {
		delta := make([]models.Rule, 0, len(oldRules))
		for _, r := range oldRules {
			delta = append(delta, Tombstone(r))
		}
		return delta
	}

	oldByID := make(map[int64]models.Rule, len(oldRules))
	for _, r := range oldRules {
		oldByID[r.ID] = r
	}
	newIDs := make(map[int64]bool, len(newRules))

	var delta []models.Rule
	for _, r := range newRules {
		newIDs[r.ID] = true
		old, ok := oldByID[r.ID]
		if !ok || !engineShapeEqual(r, old) {
			delta = append(delta, r)
		}
	}
	for _, r := range oldRules {
		if !newIDs[r.ID] {
			delta = append(delta, Tombstone(r))
		}
	}
	return delta
}

// Reorder renumbers ids by position starting at 1. It returns nil when the
// rules already carry those ids, so callers can skip a synchronization pass.
func Reorder(rules []models.Rule) []models.Rule {
	changed := false
	for i, r := range rules {
		if r.ID != int64(i+1) {
			changed = true
			break
		}
	}
	if !changed {
		return nil
	}
	out := make([]models.Rule, len(rules))
	for i, r := range rules {
		r.ID = int64(i + 1)
		out[i] = r
	}
	return out
}
