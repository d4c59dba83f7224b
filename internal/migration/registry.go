package migration

import (
	"fmt"
	"sort"
	"sync"

	"cryptomaint/models"
)

// OHLCVColumnFix repairs bars whose high, low and close were stored one
// column off: the value under "low" is the close, "high" holds the low and
// "close" holds the high.
var OHLCVColumnFix = Migration{
	ID:          "ohlcv-hlc-column-fix",
	Description: "move misplaced high/low/close values back to their columns",
	Before:      models.OHLCVFields,
	After:       models.OHLCVFields,
	Renames: map[string]string{
		"low":   "close",
		"high":  "low",
		"close": "high",
	},
}

// Registry holds migrations by id.
type Registry struct {
	mu         sync.RWMutex
	migrations map[string]Migration
}

func NewRegistry() *Registry {
	return &Registry{migrations: make(map[string]Migration)}
}

// DefaultRegistry returns a registry with the built-in migrations.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	if err := r.Register(OHLCVColumnFix); err != nil {
		panic(err)
	}
	return r
}

// Register adds m after checking it can be planned.
func (r *Registry) Register(m Migration) error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMigration)
	}
	if _, err := m.Plan(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.migrations[m.ID]; dup {
		return fmt.Errorf("%w: %s registered twice", ErrInvalidMigration, m.ID)
	}
	r.migrations[m.ID] = m
	return nil
}

func (r *Registry) Get(id string) (Migration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.migrations[id]
	if !ok {
		return Migration{}, fmt.Errorf("%w: %s", ErrUnknownMigration, id)
	}
	return m, nil
}

// List returns the migrations ordered by id.
func (r *Registry) List() []Migration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Migration, 0, len(r.migrations))
	for _, m := range r.migrations {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
