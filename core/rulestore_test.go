package core

import (
	"context"
	"corsrules/database"
	"corsrules/models"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestStore(t *testing.T, p *memPersistence, clock clockwork.Clock) *RuleStore {
	t.Helper()
	if clock == nil {
		clock = clockwork.NewFakeClock()
	}
	s := NewRuleStore(p, NewSettingsStore(p), WithClock(clock), WithDebounce(500*time.Millisecond))
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func storedRules(t *testing.T, p *memPersistence) []models.Rule {
	t.Helper()
	blob, ok, err := p.Get(context.Background(), models.RulesKey)
	if err != nil || !ok {
		t.Fatalf("no stored rules (ok=%t, err=%v)", ok, err)
	}
	var rules []models.Rule
	if err := json.Unmarshal(blob, &rules); err != nil {
		t.Fatal(err)
	}
	return rules
}

func mustAdd(t *testing.T, s *RuleStore, origin string) models.Rule {
	t.Helper()
	r, ok, err := s.Add(testContext(t), models.RuleOptions{Origin: origin})
	if err != nil || !ok {
		t.Fatalf("Add(%s) = %t, %v", origin, ok, err)
	}
	return r
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func TestStoreAddRejectsEnabledDuplicates(t *testing.T) {
	ctx := testContext(t)
	p := newMemPersistence()
	s := newTestStore(t, p, nil)

	first := mustAdd(t, s, "https://a.com")
	if first.ID != 1 || first.Domain != "a.com" {
		t.Fatalf("first = %+v", first)
	}
	if _, ok, err := s.Add(ctx, models.RuleOptions{Origin: "https://A.com:443/path"}); ok || err != nil {
		t.Fatalf("duplicate enabled origin accepted (ok=%t, err=%v)", ok, err)
	}

	if r, ok, err := s.Update(ctx, models.RulePatch{ID: first.ID, Disabled: boolPtr(true)}); err != nil || !ok || !r.Disabled {
		t.Fatalf("disable failed: %v", err)
	}
	second := mustAdd(t, s, "https://a.com")
	if second.ID != 2 {
		t.Errorf("second id = %d, want 2", second.ID)
	}
	if n := len(s.GetAll(ctx)); n != 2 {
		t.Errorf("store holds %d rules, want the disabled and enabled copies", n)
	}

	// re-enabling the first would create a second enabled copy
	if _, ok, err := s.Update(ctx, models.RulePatch{ID: first.ID, Disabled: boolPtr(false)}); ok || err != nil {
		t.Errorf("re-enable onto taken origin accepted (ok=%t, err=%v)", ok, err)
	}

	if _, _, err := s.Add(ctx, models.RuleOptions{Origin: "ftp://a.com"}); !IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if got := storedRules(t, p); len(got) != 2 {
		t.Errorf("persisted %d rules, want 2", len(got))
	}
}

func TestStoreRespectsMaxRules(t *testing.T) {
	ctx := testContext(t)
	p := newMemPersistence()
	s := newTestStore(t, p, nil)
	if _, err := s.settings.Set(ctx, models.Settings{MaxRules: 2, AutoCleanupDays: 30}); err != nil {
		t.Fatal(err)
	}
	mustAdd(t, s, "https://a.com")
	mustAdd(t, s, "https://b.com")
	if _, ok, err := s.Add(ctx, models.RuleOptions{Origin: "https://c.com"}); ok || err != nil {
		t.Errorf("third rule accepted with maxRules=2 (ok=%t, err=%v)", ok, err)
	}
}

func TestStoreIDsNeverReused(t *testing.T) {
	ctx := testContext(t)
	s := newTestStore(t, newMemPersistence(), nil)
	mustAdd(t, s, "https://a.com")
	b := mustAdd(t, s, "https://b.com")
	if ok, err := s.Remove(ctx, b.ID); !ok || err != nil {
		t.Fatalf("Remove = %t, %v", ok, err)
	}
	if ok, _ := s.Remove(ctx, b.ID); ok {
		t.Error("removing an unknown id should return false")
	}
	c := mustAdd(t, s, "https://c.com")
	if c.ID != 3 {
		t.Errorf("id = %d, want 3", c.ID)
	}
}

func TestStoreUpdate(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	s := newTestStore(t, newMemPersistence(), clock)
	a := mustAdd(t, s, "https://a.com")

	clock.Advance(time.Second)
	updated, ok, err := s.Update(ctx, models.RulePatch{
		ID:           a.ID,
		Origin:       strPtr("https://api.a.com:8443"),
		Credentials:  boolPtr(true),
		ExtraHeaders: strPtr("X-One, x-one"),
	})
	if err != nil || !ok {
		t.Fatalf("Update = %t, %v", ok, err)
	}
	want := models.Rule{
		ID: 1, Origin: "https://api.a.com:8443", Domain: "api.a.com", Credentials: true,
		ExtraHeaders: "X-One", CreatedAt: a.CreatedAt, UpdatedAt: a.CreatedAt + 1000,
	}
	if updated != want {
		t.Errorf("updated = %+v\nwant      %+v", updated, want)
	}

	if _, ok, _ := s.Update(ctx, models.RulePatch{ID: 99}); ok {
		t.Error("update of unknown id should return false")
	}
	if _, _, err := s.Update(ctx, models.RulePatch{ID: 1, ExtraHeaders: strPtr("bad header")}); !IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestStoreDebouncedSaveWritesOnce(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	p := newMemPersistence()
	s := newTestStore(t, p, clock)

	for i := int64(1); i <= 5; i++ {
		if err := s.Save(ctx, []models.Rule{rule(i, "https://a.com")}, true); err != nil {
			t.Fatal(err)
		}
		if got := s.GetAll(ctx); len(got) != 1 || got[0].ID != i {
			t.Fatalf("cache not updated synchronously: %+v", got)
		}
		clock.Advance(100 * time.Millisecond)
	}
	if n := p.setCount(models.RulesKey); n != 0 {
		t.Fatalf("%d writes before the quiet period ended", n)
	}

	clock.Advance(500 * time.Millisecond)
	waitFor(t, "debounced write", func() bool { return p.setCount(models.RulesKey) == 1 })
	clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if n := p.setCount(models.RulesKey); n != 1 {
		t.Fatalf("writes = %d, want exactly 1", n)
	}
	if got := storedRules(t, p); len(got) != 1 || got[0].ID != 5 {
		t.Errorf("stored %+v, want the last saved set", got)
	}
}

func TestStoreFlushWritesPendingSave(t *testing.T) {
	ctx := testContext(t)
	p := newMemPersistence()
	s := newTestStore(t, p, nil)

	if err := s.Save(ctx, []models.Rule{rule(1, "https://a.com")}, true); err != nil {
		t.Fatal(err)
	}
	if !s.Pending() {
		t.Fatal("expected pending save")
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Pending() || p.setCount(models.RulesKey) != 1 {
		t.Errorf("pending=%t writes=%d", s.Pending(), p.setCount(models.RulesKey))
	}
	if err := s.Flush(ctx); err != nil || p.setCount(models.RulesKey) != 1 {
		t.Errorf("flush with nothing pending wrote again")
	}
}

func TestStorePersistenceFailures(t *testing.T) {
	ctx := testContext(t)
	p := newMemPersistence()
	p.data[models.RulesKey] = []byte(`[{"id":1,"origin":"https://a.com","domain":"a.com"}]`)
	p.setFailures(true, false)

	s := newTestStore(t, p, nil)
	if got := s.GetAll(ctx); len(got) != 0 {
		t.Fatalf("read failure should present an empty set, got %+v", got)
	}

	p.setFailures(false, false)
	if got := s.GetAll(ctx); len(got) != 1 {
		t.Fatalf("store should load once persistence recovers, got %+v", got)
	}

	p.setFailures(false, true)
	r, ok, err := s.Add(ctx, models.RuleOptions{Origin: "https://b.com"})
	if !errors.Is(err, ErrPersistence) || !ok {
		t.Fatalf("Add = %t, %v; want true with ErrPersistence", ok, err)
	}
	if got := s.GetAll(ctx); len(got) != 2 || got[1] != r {
		t.Errorf("cache should keep the failed write: %+v", got)
	}
}

func TestStoreImportReplaceRenumbers(t *testing.T) {
	ctx := testContext(t)
	p := newMemPersistence()
	s := newTestStore(t, p, nil)
	for _, o := range []string{"https://a.com", "https://b.com", "https://c.com"} {
		mustAdd(t, s, o)
	}

	data := []byte(`{"version":"1.0","timestamp":1,"rules":[
		{"id":40,"origin":"https://x.com","credentials":true},
		{"id":41,"origin":"https://y.com","extraHeaders":"X-Y"}
	]}`)
	ok, err := s.ImportAll(ctx, data, false)
	if err != nil || !ok {
		t.Fatalf("ImportAll = %t, %v", ok, err)
	}
	got := s.GetAll(ctx)
	if !reflect.DeepEqual(ids(got), []int64{1, 2}) {
		t.Fatalf("ids = %v, want [1 2]", ids(got))
	}
	if got[0].Origin != "https://x.com" || !got[0].Credentials || got[1].ExtraHeaders != "X-Y" {
		t.Errorf("imported = %+v", got)
	}

	next := mustAdd(t, s, "https://z.com")
	if next.ID != 4 {
		t.Errorf("id after replace import = %d, want counter to keep climbing (4)", next.ID)
	}
}

func TestStoreImportMerge(t *testing.T) {
	ctx := testContext(t)
	s := newTestStore(t, newMemPersistence(), nil)
	a := mustAdd(t, s, "https://a.com")
	mustAdd(t, s, "https://b.com")

	data := []byte(`[
		{"origin":"https://a.com/","credentials":true},
		{"origin":"https://c.com"},
		{"origin":"not a url"}
	]`)
	ok, err := s.ImportAll(ctx, data, true)
	if err != nil || !ok {
		t.Fatalf("ImportAll = %t, %v", ok, err)
	}
	got := s.GetAll(ctx)
	if !reflect.DeepEqual(ids(got), []int64{1, 2, 3}) {
		t.Fatalf("ids = %v", ids(got))
	}
	if got[0].ID != a.ID || !got[0].Credentials {
		t.Errorf("existing rule not updated in place: %+v", got[0])
	}
	if got[2].Origin != "https://c.com" {
		t.Errorf("new rule = %+v", got[2])
	}

	if ok, err := s.ImportAll(ctx, []byte(`[{"origin":"ftp://x"}]`), true); ok || err != nil {
		t.Errorf("all-invalid import = %t, %v; want false", ok, err)
	}
	if _, err := s.ImportAll(ctx, []byte(`{"rules":`), true); !IsValidationError(err) {
		t.Errorf("truncated JSON error = %v", err)
	}
	if _, err := s.ImportAll(ctx, []byte(`{"version":"1.0"}`), true); !IsValidationError(err) {
		t.Errorf("missing rules error = %v", err)
	}
}

func TestStoreExportRoundTrip(t *testing.T) {
	ctx := testContext(t)
	s := newTestStore(t, newMemPersistence(), nil)
	mustAdd(t, s, "https://a.com")
	mustAdd(t, s, "https://b.com")

	exp := s.ExportAll(ctx)
	if exp.Version != models.RuleExportVersion || exp.Timestamp == 0 || len(exp.Rules) != 2 {
		t.Fatalf("export = %+v", exp)
	}
	data, err := json.Marshal(exp)
	if err != nil {
		t.Fatal(err)
	}

	other := newTestStore(t, newMemPersistence(), nil)
	if ok, err := other.ImportAll(ctx, data, false); !ok || err != nil {
		t.Fatalf("ImportAll = %t, %v", ok, err)
	}
	if d := Diff(other.GetAll(ctx), exp.Rules); len(d) != 0 {
		t.Errorf("round trip changed engine-visible state: %+v", d)
	}
}

func TestStoreReorderAndCleanup(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	s := newTestStore(t, newMemPersistence(), clock)
	mustAdd(t, s, "https://a.com")
	b := mustAdd(t, s, "https://b.com")
	mustAdd(t, s, "https://c.com")

	if _, ok, err := s.Update(ctx, models.RulePatch{ID: b.ID, Disabled: boolPtr(true)}); !ok || err != nil {
		t.Fatal("disable failed")
	}
	clock.Advance(48 * time.Hour)

	removed, err := s.Cleanup(ctx, clock.Now().Add(-24*time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("Cleanup = %d, %v", removed, err)
	}
	if !reflect.DeepEqual(ids(s.GetAll(ctx)), []int64{1, 3}) {
		t.Fatalf("ids after cleanup = %v", ids(s.GetAll(ctx)))
	}

	changed, err := s.Reorder(ctx)
	if err != nil || !changed {
		t.Fatalf("Reorder = %t, %v", changed, err)
	}
	if !reflect.DeepEqual(ids(s.GetAll(ctx)), []int64{1, 2}) {
		t.Errorf("ids after reorder = %v", ids(s.GetAll(ctx)))
	}
	if changed, _ := s.Reorder(ctx); changed {
		t.Error("second reorder should be a no-op")
	}
}

func TestStoreSubscribeAndExternalChanges(t *testing.T) {
	ctx := testContext(t)
	p := newMemPersistence()
	s := newTestStore(t, p, nil)

	var mu sync.Mutex
	var events [][2][]models.Rule
	cancel := s.Subscribe(func(newRules, oldRules []models.Rule) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, [2][]models.Rule{newRules, oldRules})
	})

	mustAdd(t, s, "https://a.com")
	mustAdd(t, s, "https://b.com")
	mu.Lock()
	if len(events) != 2 || len(events[1][0]) != 2 || len(events[1][1]) != 1 {
		t.Fatalf("events = %+v", events)
	}
	mu.Unlock()

	// another context rewrites the blob
	external := []models.Rule{rule(1, "https://a.com"), rule(2, "https://b.com"), rule(9, "https://z.com")}
	blob, _ := json.Marshal(external)
	if err := p.Set(database.WithSource(ctx, "other-context"), models.RulesKey, blob); err != nil {
		t.Fatal(err)
	}
	if got := ids(s.GetAll(ctx)); !reflect.DeepEqual(got, []int64{1, 2, 9}) {
		t.Errorf("cache not refreshed from external write: %v", got)
	}
	if next := mustAdd(t, s, "https://c.com"); next.ID != 10 {
		t.Errorf("id after external write = %d, want 10", next.ID)
	}

	cancel()
	mustAdd(t, s, "https://d.com")
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 4 {
		t.Errorf("got %d events, want 4 (no delivery after cancel)", len(events))
	}
}

func TestStoreReplaceValidatesAndDebounces(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	p := newMemPersistence()
	s := newTestStore(t, p, clock)

	saved, ok, err := s.Replace(ctx, []models.Rule{
		{ID: 3, Origin: "https://A.com/path", ExtraHeaders: "X-Api-Key, x-api-key"},
		{ID: 7, Origin: "https://a.com", Disabled: true},
	})
	if err != nil || !ok {
		t.Fatalf("Replace = %t, %v", ok, err)
	}
	if saved[0].Origin != "https://a.com" || saved[0].Domain != "a.com" || saved[0].ExtraHeaders != "X-Api-Key" || saved[0].UpdatedAt == 0 {
		t.Errorf("saved[0] = %+v", saved[0])
	}
	if got := s.GetAll(ctx); len(got) != 2 {
		t.Fatalf("cache = %+v", got)
	}
	if n := p.setCount(models.RulesKey); n != 0 {
		t.Fatalf("%d writes before the quiet period ended", n)
	}
	clock.Advance(500 * time.Millisecond)
	waitFor(t, "debounced write", func() bool { return p.setCount(models.RulesKey) == 1 })

	if next := mustAdd(t, s, "https://b.com"); next.ID != 8 {
		t.Errorf("next id = %d, want 8", next.ID)
	}

	invalid := [][]models.Rule{
		{{ID: 0, Origin: "https://a.com"}},
		{{ID: 1, Origin: "https://a.com"}, {ID: 1, Origin: "https://b.com"}},
		{{ID: 1, Origin: "https://a.com"}, {ID: 2, Origin: "https://a.com:443"}},
		{{ID: 1, Origin: "ftp://a.com"}},
		{{ID: 1, Origin: "https://a.com", ExtraHeaders: "bad header"}},
	}
	for i, rules := range invalid {
		if _, _, err := s.Replace(ctx, rules); !IsValidationError(err) {
			t.Errorf("case %d: err = %v, want validation error", i, err)
		}
	}

	if _, err := s.settings.Set(ctx, models.Settings{MaxRules: 1}); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Replace(ctx, []models.Rule{{ID: 1, Origin: "https://a.com"}, {ID: 2, Origin: "https://b.com"}}); ok || err != nil {
		t.Errorf("over-limit Replace = %t, %v", ok, err)
	}
}
