// Package migration applies versioned field renames to collections exactly
// once. Each application is recorded in a ledger collection of the target
// database; a migration already recorded for a collection is skipped.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"cryptomaint/internal/metrics"
	"cryptomaint/internal/store"
	"cryptomaint/logger"
	"cryptomaint/models"
)

var (
	// ErrSchemaMismatch means some records lack the fields the migration
	// expects to find before it runs.
	ErrSchemaMismatch = errors.New("collection does not match migration schema")
	// ErrUnknownMigration is returned by Registry.Get.
	ErrUnknownMigration = errors.New("unknown migration")
	// ErrInvalidMigration is returned when a migration cannot be planned.
	ErrInvalidMigration = errors.New("invalid migration")
)

// Migration renames fields of every record in a collection. Before and
// After list the fields every record must carry ahead of and after the
// renames.
type Migration struct {
	ID          string
	Description string
	Before      []string
	After       []string
	Renames     map[string]string
}

// Step is one $rename update.
type Step map[string]string

const tempPrefix = "_migrating_"

// Plan turns the rename mapping into steps that never use a field as both a
// source and a target in the same update. Renames whose target is another
// source, as in swaps and cycles, go through a temporary field.
func (m Migration) Plan() ([]Step, error) {
	sources := make(map[string]struct{}, len(m.Renames))
	for from, to := range m.Renames {
		if from == "" || to == "" {
			return nil, fmt.Errorf("%w: %s: empty field name", ErrInvalidMigration, m.ID)
		}
		if from != to {
			sources[from] = struct{}{}
		}
	}

	targets := make(map[string]string, len(m.Renames))
	existing := make(map[string]struct{}, len(m.Before))
	for _, f := range m.Before {
		existing[f] = struct{}{}
	}
	for _, from := range sortedKeys(m.Renames) {
		to := m.Renames[from]
		if from == to {
			continue
		}
		if other, dup := targets[to]; dup {
			return nil, fmt.Errorf("%w: %s: '%s' and '%s' both rename to '%s'", ErrInvalidMigration, m.ID, other, from, to)
		}
		targets[to] = from
		if _, isSource := sources[to]; !isSource {
			if _, clobbers := existing[to]; clobbers {
				return nil, fmt.Errorf("%w: %s: renaming '%s' would overwrite '%s'", ErrInvalidMigration, m.ID, from, to)
			}
		}
	}

	direct, staged, final := Step{}, Step{}, Step{}
	for _, from := range sortedKeys(m.Renames) {
		to := m.Renames[from]
		if from == to {
			continue
		}
		if _, isSource := sources[to]; !isSource {
			direct[from] = to
			continue
		}
		tmp := tempPrefix + to
		if _, taken := existing[tmp]; taken {
			return nil, fmt.Errorf("%w: %s: temporary field '%s' already in use", ErrInvalidMigration, m.ID, tmp)
		}
		staged[from] = tmp
		final[tmp] = to
	}

	var steps []Step
	first := Step{}
	for k, v := range direct {
		first[k] = v
	}
	for k, v := range staged {
		first[k] = v
	}
	if len(first) > 0 {
		steps = append(steps, first)
	}
	if len(final) > 0 {
		steps = append(steps, final)
	}
	return steps, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Outcome describes one Apply call.
type Outcome struct {
	Record  models.MigrationRecord
	Steps   []Step
	Skipped bool
	DryRun  bool
}

// Apply runs m on collection coll of db unless the ledger already records it.
// With dryRun the checks run and the plan is returned without changes.
func Apply(ctx context.Context, db store.Database, coll string, m Migration, dryRun bool) (*Outcome, error) {
	log := logger.GetLogger().WithComponent("migration").WithFields(logger.Fields{
		"database":   db.Name(),
		"collection": coll,
		"migration":  m.ID,
	})

	steps, err := m.Plan()
	if err != nil {
		return nil, err
	}
	out := &Outcome{Steps: steps, DryRun: dryRun}

	ledger := db.Collection(store.MigrationLedger)
	applied, err := ledger.CountMatching(ctx, bson.M{"migration": m.ID, "collection": coll})
	if err != nil {
		return nil, fmt.Errorf("read migration ledger: %w", err)
	}
	if applied > 0 {
		out.Skipped = true
		log.Info("migration already applied, skipping")
		return out, nil
	}

	target := db.Collection(coll)
	missing, err := target.CountMissing(ctx, m.Before)
	if err != nil {
		return nil, err
	}
	if missing > 0 {
		return nil, fmt.Errorf("%w: %d records of %s lack one of %v", ErrSchemaMismatch, missing, coll, m.Before)
	}
	if dryRun {
		log.WithFields(logger.Fields{"steps": len(steps)}).Info("dry run, migration planned")
		return out, nil
	}

	if _, err := ledger.CreateIndex(ctx, models.IndexSpec{Keys: []string{"migration", "collection"}, Unique: true}); err != nil {
		return nil, fmt.Errorf("prepare migration ledger: %w", err)
	}

	start := time.Now()
	var modified int64
	for i, step := range steps {
		n, err := target.RenameFields(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("migration %s step %d on %s: %w", m.ID, i+1, coll, err)
		}
		if i == 0 {
			modified = n
		}
	}

	if missing, err := target.CountMissing(ctx, m.After); err != nil {
		return nil, err
	} else if missing > 0 {
		return nil, fmt.Errorf("%w: %d records of %s lack one of %v after migration", ErrSchemaMismatch, missing, coll, m.After)
	}

	out.Record = models.MigrationRecord{
		Migration:  m.ID,
		Collection: coll,
		RunID:      uuid.NewString(),
		Steps:      len(steps),
		Modified:   modified,
		AppliedAt:  time.Now().UTC(),
	}
	if err := ledger.InsertOne(ctx, out.Record); err != nil {
		return nil, fmt.Errorf("record migration: %w", err)
	}

	metrics.IncMigration(db.Name(), m.ID)
	logger.LogPerformanceEntry(log, "migration", "apply", time.Since(start), logger.Fields{
		"run_id":   out.Record.RunID,
		"modified": modified,
		"steps":    len(steps),
	})
	return out, nil
}
