package migration

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"cryptomaint/internal/store"
	"cryptomaint/internal/store/memstore"
)

// simulate applies steps to a plain document the way $rename does.
func simulate(doc map[string]interface{}, steps []Step) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for _, step := range steps {
		moved := make(map[string]interface{}, len(step))
		for from := range step {
			if v, ok := out[from]; ok {
				moved[from] = v
				delete(out, from)
			}
		}
		for from, v := range moved {
			out[step[from]] = v
		}
	}
	return out
}

func checkConflictFree(t *testing.T, steps []Step) {
	t.Helper()
	for i, step := range steps {
		targets := map[string]bool{}
		for _, to := range step {
			targets[to] = true
		}
		for from := range step {
			if targets[from] {
				t.Fatalf("step %d uses '%s' as source and target", i+1, from)
			}
		}
	}
}

func TestPlanCycle(t *testing.T) {
	steps, err := OHLCVColumnFix.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	checkConflictFree(t, steps)

	got := simulate(map[string]interface{}{"low": 3.0, "high": 1.0, "close": 5.0, "open": 2.0}, steps)
	want := map[string]interface{}{"close": 3.0, "low": 1.0, "high": 5.0, "open": 2.0}
	if len(got) != len(want) {
		t.Fatalf("unexpected fields %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestPlanSwapAndChain(t *testing.T) {
	m := Migration{ID: "mixed", Before: []string{"a", "b", "x"}, Renames: map[string]string{
		"a": "b", "b": "a", "x": "y", "same": "same",
	}}
	steps, err := m.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	checkConflictFree(t, steps)
	got := simulate(map[string]interface{}{"a": 1, "b": 2, "x": 3}, steps)
	if got["a"] != 2 || got["b"] != 1 || got["y"] != 3 {
		t.Errorf("unexpected result %v", got)
	}
	if _, ok := got["x"]; ok {
		t.Errorf("source x left behind: %v", got)
	}
}

func TestPlanRejectsInvalid(t *testing.T) {
	tests := []Migration{
		{ID: "dup-target", Renames: map[string]string{"a": "c", "b": "c"}},
		{ID: "overwrite", Before: []string{"a", "b"}, Renames: map[string]string{"a": "b"}},
		{ID: "empty", Renames: map[string]string{"a": ""}},
	}
	for _, m := range tests {
		if _, err := m.Plan(); !errors.Is(err, ErrInvalidMigration) {
			t.Errorf("%s: expected ErrInvalidMigration, got %v", m.ID, err)
		}
	}
}

func seedBars(t *testing.T) *memstore.Engine {
	t.Helper()
	e := memstore.New()
	err := e.Seed("exchange", "bitfinex_ohlcv_BTCUSD_1h",
		bson.M{"_id": 1, "timestamp": 1, "open": 10.0, "high": 8.0, "low": 11.0, "close": 12.0, "volume": 1.0},
		bson.M{"_id": 2, "timestamp": 2, "open": 11.0, "high": 9.0, "low": 10.0, "close": 13.0, "volume": 2.0},
	)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return e
}

func TestApplyOnceThenSkip(t *testing.T) {
	ctx := context.Background()
	e := seedBars(t)
	db := e.Database("exchange")

	out, err := Apply(ctx, db, "bitfinex_ohlcv_BTCUSD_1h", OHLCVColumnFix, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Skipped || out.Record.RunID == "" || out.Record.Modified != 2 {
		t.Errorf("unexpected outcome %+v", out)
	}

	bar := e.Docs("exchange", "bitfinex_ohlcv_BTCUSD_1h")[0]
	if bar["high"] != 12.0 || bar["low"] != 8.0 || bar["close"] != 11.0 {
		t.Errorf("columns not fixed: %v", bar)
	}
	for k := range bar {
		if len(k) > len(tempPrefix) && k[:len(tempPrefix)] == tempPrefix {
			t.Errorf("temporary field %s left behind", k)
		}
	}

	again, err := Apply(ctx, db, "bitfinex_ohlcv_BTCUSD_1h", OHLCVColumnFix, false)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if !again.Skipped {
		t.Fatal("second run must be skipped")
	}
	if bar2 := e.Docs("exchange", "bitfinex_ohlcv_BTCUSD_1h")[0]; bar2["high"] != 12.0 {
		t.Errorf("second run changed data: %v", bar2)
	}
	if n := len(e.Docs("exchange", store.MigrationLedger)); n != 1 {
		t.Errorf("expected one ledger record, got %d", n)
	}
}

func TestApplySchemaMismatch(t *testing.T) {
	e := seedBars(t)
	_ = e.Seed("exchange", "bitfinex_ohlcv_BTCUSD_1h", bson.M{"_id": 3, "timestamp": 3, "open": 1.0})

	_, err := Apply(context.Background(), e.Database("exchange"), "bitfinex_ohlcv_BTCUSD_1h", OHLCVColumnFix, false)
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
	if bar := e.Docs("exchange", "bitfinex_ohlcv_BTCUSD_1h")[0]; bar["high"] != 8.0 {
		t.Errorf("data changed despite mismatch: %v", bar)
	}
}

func TestApplyDryRun(t *testing.T) {
	e := seedBars(t)
	out, err := Apply(context.Background(), e.Database("exchange"), "bitfinex_ohlcv_BTCUSD_1h", OHLCVColumnFix, true)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !out.DryRun || len(out.Steps) != 2 {
		t.Errorf("unexpected outcome %+v", out)
	}
	if e.Calls(memstore.OpRename) != 0 {
		t.Error("dry run renamed fields")
	}
	if len(e.Docs("exchange", store.MigrationLedger)) != 0 {
		t.Error("dry run wrote the ledger")
	}
}

func TestApplyRenameFailure(t *testing.T) {
	e := seedBars(t)
	e.Fail(memstore.OpRename, &store.Error{Kind: store.ErrPermission, Op: "rename"})

	_, err := Apply(context.Background(), e.Database("exchange"), "bitfinex_ohlcv_BTCUSD_1h", OHLCVColumnFix, false)
	if !errors.Is(err, store.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if len(e.Docs("exchange", store.MigrationLedger)) != 0 {
		t.Error("failed migration must not be recorded")
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	if _, err := r.Get(OHLCVColumnFix.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := r.Get("nope"); !errors.Is(err, ErrUnknownMigration) {
		t.Errorf("expected ErrUnknownMigration, got %v", err)
	}
	if err := r.Register(OHLCVColumnFix); !errors.Is(err, ErrInvalidMigration) {
		t.Errorf("expected duplicate registration to fail, got %v", err)
	}
	if err := r.Register(Migration{ID: "rename-vol", Renames: map[string]string{"vol": "volume"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	list := r.List()
	if len(list) != 2 || list[0].ID != OHLCVColumnFix.ID {
		t.Errorf("unexpected list %v", list)
	}
}
