package hygiene

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"cryptomaint/internal/store"
	"cryptomaint/internal/store/memstore"
	"cryptomaint/models"
)

const (
	testDB   = "exchange"
	testColl = "binance_ohlcv_BTCUSDT_1h"
)

func seeded(t *testing.T, docs ...interface{}) (*memstore.Engine, store.Collection) {
	t.Helper()
	e := memstore.New()
	e.CreateCollection(testDB, testColl)
	if err := e.Seed(testDB, testColl, docs...); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return e, e.Database(testDB).Collection(testColl)
}

func ids(docs []bson.M) []interface{} {
	out := make([]interface{}, 0, len(docs))
	for _, d := range docs {
		out = append(out, d["_id"])
	}
	return out
}

func hasIndex(t *testing.T, c store.Collection, name string, unique bool) bool {
	t.Helper()
	specs, err := c.ListIndexes(context.Background())
	if err != nil {
		t.Fatalf("ListIndexes: %v", err)
	}
	for _, s := range specs {
		if s.Name == name && s.Unique == unique {
			return true
		}
	}
	return false
}

func TestEnforceUniquenessScenario(t *testing.T) {
	e, c := seeded(t,
		bson.M{"_id": 2, "ts": 100},
		bson.M{"_id": 1, "ts": 100},
		bson.M{"_id": 3, "ts": 200},
	)

	res, err := EnforceUniqueness(context.Background(), c, []string{"ts"}, WithDatabase(testDB))
	if err != nil {
		t.Fatalf("EnforceUniqueness: %v", err)
	}
	if res.Deleted != 1 || res.Groups != 1 {
		t.Errorf("expected 1 group and 1 deletion, got %+v", res)
	}

	docs := e.Docs(testDB, testColl)
	if len(docs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(docs))
	}
	kept := map[string]bool{}
	for _, id := range ids(docs) {
		kept[store.KeyString(id)] = true
	}
	if !kept[store.KeyString(1)] || !kept[store.KeyString(3)] {
		t.Errorf("expected ids 1 and 3 to survive, got %v", ids(docs))
	}
	if len(res.Survivors) != 1 || store.CompareValues(res.Survivors[0], 1) != 0 {
		t.Errorf("unexpected survivors %v", res.Survivors)
	}
	if res.IndexName != "ts_1" || !hasIndex(t, c, "ts_1", true) {
		t.Errorf("expected unique index ts_1, result %+v", res)
	}
}

func TestEnforceUniquenessIdempotent(t *testing.T) {
	e, c := seeded(t,
		bson.M{"_id": 1, "ts": 100, "exchange": "kraken"},
		bson.M{"_id": 2, "ts": 100, "exchange": "kraken"},
		bson.M{"_id": 3, "ts": 100, "exchange": "binance"},
		bson.M{"_id": 4, "ts": 200, "exchange": "kraken"},
	)
	key := []string{"ts", "exchange"}

	if _, err := EnforceUniqueness(context.Background(), c, key); err != nil {
		t.Fatalf("first run: %v", err)
	}
	after := e.Docs(testDB, testColl)
	deletes := e.Calls(memstore.OpDelete)

	res, err := EnforceUniqueness(context.Background(), c, key)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Deleted != 0 || res.Groups != 0 {
		t.Errorf("second run changed data: %+v", res)
	}
	if e.Calls(memstore.OpDelete) != deletes {
		t.Errorf("second run issued a delete")
	}
	again := e.Docs(testDB, testColl)
	if len(again) != len(after) {
		t.Errorf("record set changed: %d -> %d", len(after), len(again))
	}
	specs, _ := c.ListIndexes(context.Background())
	if len(specs) != 2 {
		t.Errorf("expected _id and ts_1_exchange_1 indexes, got %+v", specs)
	}
}

func TestEnforceUniquenessLeavesDistinctKeys(t *testing.T) {
	var docs []interface{}
	distinct := map[string]struct{}{}
	for i := 0; i < 60; i++ {
		ts := (i * 7) % 13
		docs = append(docs, bson.M{"_id": i, "ts": ts})
		distinct[store.KeyString(ts)] = struct{}{}
	}
	docs = append(docs, bson.M{"_id": 100}, bson.M{"_id": 101, "ts": nil})
	distinct[store.KeyString(nil)] = struct{}{}

	e, c := seeded(t, docs...)
	if _, err := EnforceUniqueness(context.Background(), c, []string{"ts"}, WithDeleteChunkSize(5)); err != nil {
		t.Fatalf("EnforceUniqueness: %v", err)
	}

	left := e.Docs(testDB, testColl)
	if len(left) != len(distinct) {
		t.Fatalf("expected %d records (one per key), got %d", len(distinct), len(left))
	}
	seen := map[string]struct{}{}
	for _, d := range left {
		k := store.KeyString(d["ts"])
		if _, dup := seen[k]; dup {
			t.Fatalf("duplicate key %s survived", k)
		}
		seen[k] = struct{}{}
	}
	for k := range distinct {
		if _, ok := seen[k]; !ok {
			t.Errorf("key %s lost all records", k)
		}
	}
	if e.Calls(memstore.OpDelete) < 2 {
		t.Errorf("expected chunked deletes, got %d calls", e.Calls(memstore.OpDelete))
	}
}

func TestEnforceUniquenessCleanCollection(t *testing.T) {
	e, c := seeded(t, bson.M{"_id": 1, "ts": 1}, bson.M{"_id": 2, "ts": 2})

	res, err := EnforceUniqueness(context.Background(), c, []string{"ts"})
	if err != nil {
		t.Fatalf("EnforceUniqueness: %v", err)
	}
	if res.Deleted != 0 {
		t.Errorf("expected no deletions, got %d", res.Deleted)
	}
	if e.Calls(memstore.OpDelete) != 0 {
		t.Errorf("expected no delete request")
	}
	if !hasIndex(t, c, "ts_1", true) {
		t.Error("expected unique index to be created")
	}
}

func TestEnforceUniquenessRace(t *testing.T) {
	e, c := seeded(t, bson.M{"_id": 1, "ts": 100}, bson.M{"_id": 2, "ts": 100})
	e.OnCreateIndex(func(db, coll string, spec models.IndexSpec) {
		if err := e.Seed(db, coll, bson.M{"_id": 9, "ts": 100}); err != nil {
			t.Errorf("concurrent insert: %v", err)
		}
	})

	res, err := EnforceUniqueness(context.Background(), c, []string{"ts"})
	if !errors.Is(err, store.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if res == nil || res.Deleted != 1 {
		t.Errorf("expected partial result with 1 deletion, got %+v", res)
	}
	if hasIndex(t, c, "ts_1", true) {
		t.Error("index must not exist after a failed build")
	}
	if n := len(e.Docs(testDB, testColl)); n != 2 {
		t.Errorf("failed index build must not touch records, got %d", n)
	}
}

func TestConstraintCreationOverDuplicates(t *testing.T) {
	e, c := seeded(t, bson.M{"_id": 1, "ts": 100}, bson.M{"_id": 2, "ts": 100})
	before := e.Docs(testDB, testColl)

	_, err := EnsureIndexes(context.Background(), c, []models.IndexSpec{{Keys: []string{"ts"}, Unique: true}})
	if !errors.Is(err, store.ErrConstraintViolation) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if after := e.Docs(testDB, testColl); len(after) != len(before) {
		t.Errorf("record set changed: %d -> %d", len(before), len(after))
	}
}

func TestEnforceUniquenessDryRun(t *testing.T) {
	e, c := seeded(t, bson.M{"_id": 1, "ts": 1}, bson.M{"_id": 2, "ts": 1}, bson.M{"_id": 3, "ts": 1})

	res, err := EnforceUniqueness(context.Background(), c, []string{"ts"}, WithDryRun())
	if err != nil {
		t.Fatalf("EnforceUniqueness: %v", err)
	}
	if !res.DryRun || res.Deleted != 2 {
		t.Errorf("expected 2 would-be deletions, got %+v", res)
	}
	if len(e.Docs(testDB, testColl)) != 3 {
		t.Error("dry run deleted records")
	}
	if hasIndex(t, c, "ts_1", true) {
		t.Error("dry run created an index")
	}
}

func TestEnforceUniquenessExtraIndexes(t *testing.T) {
	_, c := seeded(t, bson.M{"_id": 1, "id": "t1", "timestamp": 5}, bson.M{"_id": 2, "id": "t1", "timestamp": 5})

	res, err := EnforceUniqueness(context.Background(), c, []string{"id"},
		WithExtraIndexes(models.IndexSpec{Keys: []string{"timestamp"}}), WithDeleteRate(1000))
	if err != nil {
		t.Fatalf("EnforceUniqueness: %v", err)
	}
	if len(res.Indexes) != 2 || res.Indexes[1] != "timestamp_1" {
		t.Errorf("unexpected indexes %v", res.Indexes)
	}
	if !hasIndex(t, c, "timestamp_1", false) {
		t.Error("expected non-unique timestamp index")
	}
}

func TestEnforceUniquenessInvalidKey(t *testing.T) {
	_, c := seeded(t)
	for _, key := range [][]string{nil, {""}, {"ts", "ts"}} {
		if _, err := EnforceUniqueness(context.Background(), c, key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %v: expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestEnforceUniquenessStorageErrors(t *testing.T) {
	tests := []struct {
		op   string
		kind error
	}{
		{memstore.OpAggregate, store.ErrConnection},
		{memstore.OpDelete, store.ErrPermission},
		{memstore.OpCreateIndex, store.ErrPermission},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			e, c := seeded(t, bson.M{"_id": 1, "ts": 1}, bson.M{"_id": 2, "ts": 1})
			e.Fail(tt.op, &store.Error{Kind: tt.kind, Op: tt.op})

			if _, err := EnforceUniqueness(context.Background(), c, []string{"ts"}); !errors.Is(err, tt.kind) {
				t.Fatalf("expected %v, got %v", tt.kind, err)
			}
		})
	}
}

func TestFindDuplicates(t *testing.T) {
	e, c := seeded(t, bson.M{"_id": 1, "ts": 1}, bson.M{"_id": 2, "ts": 1}, bson.M{"_id": 3, "ts": 2})

	groups, err := FindDuplicates(context.Background(), c, []string{"ts"})
	if err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}
	if len(groups) != 1 || groups[0].Count != 2 {
		t.Fatalf("unexpected groups %+v", groups)
	}
	if len(e.Docs(testDB, testColl)) != 3 {
		t.Error("FindDuplicates must not delete")
	}
}
