// Package memstore is an in-memory storage engine with the semantics the
// maintenance routines rely on: unique indexes enforced on write, duplicate
// grouping with missing fields treated as null, and $rename conflict checks.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"cryptomaint/internal/store"
	"cryptomaint/models"
)

// Operation names accepted by Fail and counted by Calls.
const (
	OpPing        = "ping"
	OpList        = "list"
	OpAggregate   = "aggregate"
	OpDelete      = "delete"
	OpCreateIndex = "create_index"
	OpListIndexes = "list_indexes"
	OpCount       = "count"
	OpRename      = "rename"
	OpInsert      = "insert"
	OpFind        = "find"
	OpDrop        = "drop"
)

const idIndexName = "_id_"

type collection struct {
	docs    []bson.M
	indexes []models.IndexSpec
}

// Engine implements store.Client. The zero value is not usable; call New.
type Engine struct {
	mu       sync.Mutex
	dbs      map[string]map[string]*collection
	failures map[string]error
	calls    map[string]int

	beforeCreateIndex func(db, coll string, spec models.IndexSpec)
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		dbs:      make(map[string]map[string]*collection),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// Fail makes every later call of op return err. A nil err clears it.
func (e *Engine) Fail(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, op)
		return
	}
	e.failures[op] = err
}

// Calls returns how many times op was invoked.
func (e *Engine) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// OnCreateIndex registers fn to run right before an index build starts. It
// is called without the engine lock held so it may write to the collection.
func (e *Engine) OnCreateIndex(fn func(db, coll string, spec models.IndexSpec)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beforeCreateIndex = fn
}

// Seed inserts docs into db.coll, creating the collection if needed.
func (e *Engine) Seed(db, coll string, docs ...interface{}) error {
	for _, d := range docs {
		if err := e.Database(db).Collection(coll).InsertOne(context.Background(), d); err != nil {
			return err
		}
	}
	return nil
}

// CreateCollection creates an empty collection.
func (e *Engine) CreateCollection(db, coll string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensure(db, coll)
}

// Docs returns a copy of the records of db.coll in insertion order.
func (e *Engine) Docs(db, coll string) []bson.M {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.lookup(db, coll)
	if c == nil {
		return nil
	}
	out := make([]bson.M, 0, len(c.docs))
	for _, d := range c.docs {
		out = append(out, copyDoc(d))
	}
	return out
}

// begin records a call and returns the injected failure, if any. Callers
// hold e.mu.
func (e *Engine) begin(op string) error {
	e.calls[op]++
	return e.failures[op]
}

func (e *Engine) lookup(db, coll string) *collection {
	colls, ok := e.dbs[db]
	if !ok {
		return nil
	}
	return colls[coll]
}

func (e *Engine) ensure(db, coll string) *collection {
	colls, ok := e.dbs[db]
	if !ok {
		colls = make(map[string]*collection)
		e.dbs[db] = colls
	}
	c, ok := colls[coll]
	if !ok {
		c = &collection{}
		colls[coll] = c
	}
	return c
}

func (e *Engine) Database(name string) store.Database {
	return &database{engine: e, name: name}
}

func (e *Engine) Ping(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.begin(OpPing)
}

func (e *Engine) Disconnect(ctx context.Context) error { return nil }

type database struct {
	engine *Engine
	name   string
}

func (d *database) Name() string { return d.name }

func (d *database) ListCollectionNames(ctx context.Context) ([]string, error) {
	e := d.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpList); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(e.dbs[d.name]))
	for n := range e.dbs[d.name] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (d *database) HasCollection(ctx context.Context, name string) (bool, error) {
	e := d.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpList); err != nil {
		return false, err
	}
	return e.lookup(d.name, name) != nil, nil
}

func (d *database) Collection(name string) store.Collection {
	return &coll{engine: d.engine, db: d.name, name: name}
}

// Drop of a missing collection succeeds, like the driver.
func (d *database) Drop(ctx context.Context, name string) error {
	e := d.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpDrop); err != nil {
		return err
	}
	delete(e.dbs[d.name], name)
	return nil
}

type coll struct {
	engine *Engine
	db     string
	name   string
}

func (c *coll) Name() string { return c.name }

func (c *coll) DuplicateGroups(ctx context.Context, keyFields []string) ([]models.DuplicateGroup, error) {
	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpAggregate); err != nil {
		return nil, err
	}
	col := e.lookup(c.db, c.name)
	if col == nil {
		return nil, nil
	}

	groups := make(map[string]*models.DuplicateGroup)
	for _, d := range col.docs {
		sig, key := keyOf(d, keyFields)
		g, ok := groups[sig]
		if !ok {
			g = &models.DuplicateGroup{Key: key}
			groups[sig] = g
		}
		g.IDs = append(g.IDs, d["_id"])
		g.Count++
	}

	sigs := make([]string, 0, len(groups))
	for sig, g := range groups {
		if g.Count > 1 {
			sigs = append(sigs, sig)
		}
	}
	sort.Strings(sigs)

	out := make([]models.DuplicateGroup, 0, len(sigs))
	for _, sig := range sigs {
		g := groups[sig]
		sort.SliceStable(g.IDs, func(i, j int) bool { return store.CompareValues(g.IDs[i], g.IDs[j]) < 0 })
		out = append(out, *g)
	}
	return out, nil
}

func (c *coll) DeleteByIDs(ctx context.Context, ids []interface{}) (int64, error) {
	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpDelete); err != nil {
		return 0, err
	}
	col := e.lookup(c.db, c.name)
	if col == nil || len(ids) == 0 {
		return 0, nil
	}

	doomed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		doomed[store.KeyString(id)] = struct{}{}
	}
	kept := col.docs[:0]
	var deleted int64
	for _, d := range col.docs {
		if _, ok := doomed[store.KeyString(d["_id"])]; ok {
			deleted++
			continue
		}
		kept = append(kept, d)
	}
	col.docs = kept
	return deleted, nil
}

func (c *coll) CreateIndex(ctx context.Context, spec models.IndexSpec) (string, error) {
	e := c.engine
	e.mu.Lock()
	hook := e.beforeCreateIndex
	e.mu.Unlock()
	if hook != nil {
		hook(c.db, c.name, spec)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpCreateIndex); err != nil {
		return "", err
	}
	op := "create index " + spec.IndexName() + " on " + c.name
	col := e.ensure(c.db, c.name)

	name := spec.IndexName()
	for _, idx := range col.indexes {
		sameName := idx.IndexName() == name
		sameKeys := equalKeys(idx.Keys, spec.Keys)
		switch {
		case sameName && sameKeys && idx.Unique == spec.Unique:
			return name, nil
		case sameName || sameKeys:
			return "", &store.Error{Kind: store.ErrIndexConflict, Op: op,
				Err: fmt.Errorf("index %s already exists with different options", idx.IndexName())}
		}
	}

	if spec.Unique {
		seen := make(map[string]struct{}, len(col.docs))
		for _, d := range col.docs {
			sig, _ := keyOf(d, spec.Keys)
			if _, dup := seen[sig]; dup {
				return "", &store.Error{Kind: store.ErrConstraintViolation, Op: op,
					Err: fmt.Errorf("E11000 duplicate key error collection: %s.%s index: %s", c.db, c.name, name)}
			}
			seen[sig] = struct{}{}
		}
	}

	col.indexes = append(col.indexes, models.IndexSpec{Keys: append([]string(nil), spec.Keys...), Unique: spec.Unique, Name: name})
	return name, nil
}

func (c *coll) ListIndexes(ctx context.Context) ([]models.IndexSpec, error) {
	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpListIndexes); err != nil {
		return nil, err
	}
	col := e.lookup(c.db, c.name)
	if col == nil {
		return nil, &store.Error{Kind: store.ErrNotFound, Op: "list indexes " + c.name}
	}
	out := []models.IndexSpec{{Keys: []string{"_id"}, Unique: true, Name: idIndexName}}
	return append(out, col.indexes...), nil
}

func (c *coll) Count(ctx context.Context) (int64, error) {
	return c.CountMatching(ctx, bson.M{})
}

// CountMatching understands equality, $exists and $or.
func (c *coll) CountMatching(ctx context.Context, filter bson.M) (int64, error) {
	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpCount); err != nil {
		return 0, err
	}
	col := e.lookup(c.db, c.name)
	if col == nil {
		return 0, nil
	}
	var n int64
	for _, d := range col.docs {
		if matches(d, filter) {
			n++
		}
	}
	return n, nil
}

func (c *coll) CountMissing(ctx context.Context, fields []string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	or := bson.A{}
	for _, f := range fields {
		or = append(or, bson.M{f: bson.M{"$exists": false}})
	}
	return c.CountMatching(ctx, bson.M{"$or": or})
}

// RenameFields renames top-level fields. A field used both as a source and a
// target in one call is rejected, as the server does.
func (c *coll) RenameFields(ctx context.Context, renames map[string]string) (int64, error) {
	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpRename); err != nil {
		return 0, err
	}
	targets := make(map[string]struct{}, len(renames))
	for from, to := range renames {
		if from == to {
			return 0, fmt.Errorf("rename fields in %s: source and target are both '%s'", c.name, from)
		}
		if _, dup := targets[to]; dup {
			return 0, fmt.Errorf("rename fields in %s: target '%s' used twice", c.name, to)
		}
		targets[to] = struct{}{}
	}
	for from := range renames {
		if _, clash := targets[from]; clash {
			return 0, fmt.Errorf("rename fields in %s: updating the path '%s' would create a conflict", c.name, from)
		}
	}

	col := e.lookup(c.db, c.name)
	if col == nil {
		return 0, nil
	}
	var modified int64
	for _, d := range col.docs {
		changed := false
		for from, to := range renames {
			v, ok := d[from]
			if !ok {
				continue
			}
			delete(d, from)
			d[to] = v
			changed = true
		}
		if changed {
			modified++
		}
	}
	return modified, nil
}

func (c *coll) InsertOne(ctx context.Context, doc interface{}) error {
	d, err := toDoc(doc)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", c.name, err)
	}

	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpInsert); err != nil {
		return err
	}
	col := e.ensure(c.db, c.name)
	if _, ok := d["_id"]; !ok {
		d["_id"] = primitive.NewObjectID()
	}

	indexes := append([]models.IndexSpec{{Keys: []string{"_id"}, Unique: true, Name: idIndexName}}, col.indexes...)
	for _, idx := range indexes {
		if !idx.Unique {
			continue
		}
		sig, _ := keyOf(d, idx.Keys)
		for _, existing := range col.docs {
			if other, _ := keyOf(existing, idx.Keys); other == sig {
				return &store.Error{Kind: store.ErrConstraintViolation, Op: "insert into " + c.name,
					Err: fmt.Errorf("E11000 duplicate key error collection: %s.%s index: %s", c.db, c.name, idx.IndexName())}
			}
		}
	}
	col.docs = append(col.docs, d)
	return nil
}

func (c *coll) Each(ctx context.Context, sortField string, fn func(bson.M) error) error {
	e := c.engine
	e.mu.Lock()
	if err := e.begin(OpFind); err != nil {
		e.mu.Unlock()
		return err
	}
	var docs []bson.M
	if col := e.lookup(c.db, c.name); col != nil {
		for _, d := range col.docs {
			docs = append(docs, copyDoc(d))
		}
	}
	e.mu.Unlock()

	if sortField != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			a, _ := getPath(docs[i], sortField)
			b, _ := getPath(docs[j], sortField)
			return store.CompareValues(a, b) < 0
		})
	}
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func toDoc(doc interface{}) (bson.M, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var d bson.M
	if err := bson.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

func copyDoc(d bson.M) bson.M {
	out := make(bson.M, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// keyOf returns a comparable signature of the key tuple and the tuple
// itself. Missing fields read as null.
func keyOf(d bson.M, fields []string) (string, map[string]interface{}) {
	parts := make([]string, len(fields))
	key := make(map[string]interface{}, len(fields))
	for i, f := range fields {
		v, _ := getPath(d, f)
		key[f] = v
		parts[i] = store.KeyString(v)
	}
	return strings.Join(parts, "\x00"), key
}

// getPath resolves a dotted field path.
func getPath(d bson.M, path string) (interface{}, bool) {
	var cur interface{} = d
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case bson.M:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]interface{}:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case bson.D:
			found := false
			for _, e := range m {
				if e.Key == part {
					cur, found = e.Value, true
					break
				}
			}
			if !found {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return cur, true
}

func matches(d bson.M, filter bson.M) bool {
	for field, cond := range filter {
		if field == "$or" {
			if !matchesAny(d, cond) {
				return false
			}
			continue
		}
		v, present := getPath(d, field)
		if ops, ok := cond.(bson.M); ok {
			if want, ok := ops["$exists"].(bool); ok && want != present {
				return false
			}
			continue
		}
		if !present || store.CompareValues(v, cond) != 0 {
			return false
		}
	}
	return true
}

func matchesAny(d bson.M, cond interface{}) bool {
	var alts []interface{}
	switch c := cond.(type) {
	case bson.A:
		alts = c
	case []interface{}:
		alts = c
	case []bson.M:
		for _, m := range c {
			alts = append(alts, m)
		}
	}
	for _, alt := range alts {
		if m, ok := alt.(bson.M); ok && matches(d, m) {
			return true
		}
	}
	return false
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
