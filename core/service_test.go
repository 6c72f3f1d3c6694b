package core

import (
	"context"
	"corsrules/logger"
	"corsrules/models"
	"reflect"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestService(t *testing.T, p *memPersistence) (*Service, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	svc := NewService(p, ServiceOptions{Clock: clock, Debounce: 500 * time.Millisecond, LogLevel: "INFO"})
	t.Cleanup(func() { svc.Close(context.Background()) })
	return svc, clock
}

func TestServiceEndToEnd(t *testing.T) {
	ctx := testContext(t)
	p := newMemPersistence()
	svc, _ := newTestService(t, p)
	if _, err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}

	a := mustAdd(t, svc.Store, "https://a.com")
	active, _ := svc.Engine.GetActiveRules(ctx)
	if len(active) != 1 || headerValue(active[0], HeaderAllowOrigin) != "*" || headerValue(active[0], HeaderAllowCredentials) != "false" {
		t.Fatalf("engine = %+v", active)
	}

	if _, ok, err := svc.Store.Update(ctx, models.RulePatch{ID: a.ID, Credentials: boolPtr(true)}); !ok || err != nil {
		t.Fatal("update failed")
	}
	active, _ = svc.Engine.GetActiveRules(ctx)
	if len(active) != 1 || active[0].ID != a.ID || headerValue(active[0], HeaderAllowOrigin) != "https://a.com" {
		t.Fatalf("engine after credential update = %+v", active)
	}

	if ok, err := svc.Store.Remove(ctx, a.ID); !ok || err != nil {
		t.Fatal("remove failed")
	}
	if svc.Engine.Len() != 0 {
		t.Fatalf("engine holds %d rules after removal", svc.Engine.Len())
	}
}

func TestServiceDebouncedSaveSyncsAfterFlush(t *testing.T) {
	ctx := testContext(t)
	p := newMemPersistence()
	svc, clock := newTestService(t, p)
	if _, err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := svc.Store.Save(ctx, []models.Rule{rule(1, "https://a.com"), rule(2, "https://b.com")}, true); err != nil {
		t.Fatal(err)
	}
	if svc.Engine.Len() != 0 {
		t.Fatal("engine updated before the debounced write")
	}
	clock.Advance(500 * time.Millisecond)
	waitFor(t, "engine sync", func() bool { return svc.Engine.Len() == 2 })
}

func TestServiceStartReconcilesStoredRules(t *testing.T) {
	ctx := testContext(t)
	p := newMemPersistence()
	p.data[models.RulesKey] = []byte(`[
		{"id":1,"origin":"https://a.com","domain":"a.com","updatedAt":1},
		{"id":2,"origin":"https://b.com","domain":"b.com","disabled":true,"updatedAt":1}
	]`)
	p.data[models.DynamicRulesKey] = []byte(`[{"id":9,"priority":1,"action":{"type":"modifyHeaders","responseHeaders":[{"header":"X-Old","operation":"remove"}]},"condition":{"initiatorDomains":["old.com"]}}]`)

	svc, _ := newTestService(t, p)
	report, err := svc.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := activeIDs(t, svc.Engine); !reflect.DeepEqual(got, []int64{1}) {
		t.Errorf("active = %v, want [1]", got)
	}
	if report.Removed != 1 || report.Added != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestServiceDebugModeTogglesLogLevel(t *testing.T) {
	ctx := testContext(t)
	prev := logger.Level()
	t.Cleanup(func() { logger.SetLevel(prev) })

	svc, _ := newTestService(t, newMemPersistence())
	if _, err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Settings.Set(ctx, models.Settings{DebugMode: true, MaxRules: 10}); err != nil {
		t.Fatal(err)
	}
	if logger.Level() != "DEBUG" {
		t.Errorf("level = %s, want DEBUG", logger.Level())
	}
	if _, err := svc.Settings.Set(ctx, models.Settings{MaxRules: 10}); err != nil {
		t.Fatal(err)
	}
	if logger.Level() != "INFO" {
		t.Errorf("level = %s, want INFO", logger.Level())
	}
}

func TestSettingsNormalizeOnSaveAndLoad(t *testing.T) {
	ctx := testContext(t)
	p := newMemPersistence()
	s := NewSettingsStore(p)

	got, err := s.Set(ctx, models.Settings{MaxRules: 5000, AutoCleanupDays: -1})
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxRules != models.DefaultMaxRules || got.AutoCleanupDays != models.DefaultAutoCleanupDays {
		t.Errorf("normalized = %+v", got)
	}

	p.data[models.SettingsKey] = []byte(`{"maxRules":0,"autoCleanupDays":400,"dftEnableCredentials":true}`)
	fresh := NewSettingsStore(p)
	loaded := fresh.Get(ctx)
	want := models.Settings{DftEnableCredentials: true, MaxRules: models.DefaultMaxRules, AutoCleanupDays: models.DefaultAutoCleanupDays}
	if loaded != want {
		t.Errorf("loaded = %+v, want %+v", loaded, want)
	}

	p.setFailures(true, false)
	if got := NewSettingsStore(p).Get(ctx); got != models.DefaultSettings() {
		t.Errorf("read failure should yield defaults, got %+v", got)
	}
}

func TestServiceRestoresDomainSiblingAfterRemoval(t *testing.T) {
	ctx := testContext(t)
	p := newMemPersistence()
	svc, _ := newTestService(t, p)
	if _, err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}

	ok, err := svc.Store.ImportAll(ctx, []byte(`[{"origin":"https://a.com"},{"origin":"http://a.com:8080"}]`), false)
	if !ok || err != nil {
		t.Fatalf("import = %t, %v", ok, err)
	}
	if got := activeIDs(t, svc.Engine); !reflect.DeepEqual(got, []int64{1}) {
		t.Fatalf("engine after import = %v, want [1]", got)
	}

	if ok, err := svc.Store.Remove(ctx, 1); !ok || err != nil {
		t.Fatal("remove failed")
	}
	if got := activeIDs(t, svc.Engine); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("engine after removing rule 1 = %v, want [2]", got)
	}

	svc.Tabs.OnTabActivated(ctx, models.Tab{ID: 1, WindowID: 1, URL: "http://a.com:8080/"})
	if st := svc.Tabs.State(ctx, 1); !st.Active || st.Rule.ID != 2 {
		t.Errorf("state = %+v", st)
	}
	if got := activeIDs(t, svc.Engine); !reflect.DeepEqual(got, []int64{2}) {
		t.Errorf("engine after activation = %v, want [2]", got)
	}
}
