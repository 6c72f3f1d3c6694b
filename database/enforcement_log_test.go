package database

import (
	"context"
	"corsrules/models"
	"path/filepath"
	"testing"
	"time"
)

func newTestEnforcementLog(t *testing.T) *EnforcementLog {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEnforcementLog(db)
}

func TestEnforcementLogRecordAndList(t *testing.T) {
	l := newTestEnforcementLog(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	for i, e := range []models.EnforcementLogEntry{
		{RuleID: 1, Initiator: "a.com", Method: "GET", URL: "https://api.b.com/1", ResourceType: models.ResourceXMLHTTPRequest, StatusCode: 200},
		{RuleID: 1, Initiator: "a.com", Method: "OPTIONS", URL: "https://api.b.com/2", ResourceType: models.ResourceXMLHTTPRequest, StatusCode: 204, Preflight: true},
		{RuleID: 2, Initiator: "c.com", Method: "POST", URL: "https://api.b.com/3", ResourceType: models.ResourceXMLHTTPRequest, StatusCode: 201},
	} {
		e.Timestamp = base + int64(i)*1000
		if _, err := l.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, total, err := l.List(ctx, models.EnforcementLogFilters{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(all) != 3 || all[0].RuleID != 2 {
		t.Fatalf("List = %d %+v, want newest first", total, all)
	}

	byRule, total, err := l.List(ctx, models.EnforcementLogFilters{RuleID: 1, SortOrder: "asc"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 || byRule[0].URL != "https://api.b.com/1" || !byRule[1].Preflight {
		t.Errorf("rule filter = %d %+v", total, byRule)
	}

	page, total, err := l.List(ctx, models.EnforcementLogFilters{Limit: 1, Page: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(page) != 1 || page[0].URL != "https://api.b.com/2" {
		t.Errorf("page 2 = %d %+v", total, page)
	}

	none, total, err := l.List(ctx, models.EnforcementLogFilters{Initiator: "nobody.com"})
	if err != nil || total != 0 || none == nil || len(none) != 0 {
		t.Errorf("empty filter = %v %d %v", none, total, err)
	}
}

func TestEnforcementLogPrune(t *testing.T) {
	l := newTestEnforcementLog(t)
	ctx := context.Background()
	now := time.Now()

	old := models.EnforcementLogEntry{Timestamp: now.Add(-48 * time.Hour).UnixMilli(), RuleID: 1, Initiator: "a.com", Method: "GET", URL: "u", ResourceType: "other", StatusCode: 200}
	fresh := old
	fresh.Timestamp = now.UnixMilli()
	l.Record(ctx, old)
	l.Record(ctx, fresh)

	n, err := l.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	_, total, _ := l.List(ctx, models.EnforcementLogFilters{})
	if total != 1 {
		t.Errorf("remaining = %d, want 1", total)
	}
}
