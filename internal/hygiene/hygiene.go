// Package hygiene removes logical duplicates from a collection and then
// enforces uniqueness of the logical key with a unique index.
//
// Survivor policy: within a duplicate group the record with the lowest _id
// in BSON order is kept. For ObjectIDs this is the earliest inserted record.
// Records missing a key field group with records holding null in it, the
// same way the unique index treats them.
//
// Nothing is locked between deletion and index creation. A writer that
// re-inserts a duplicate in that window makes the index build fail with
// store.ErrConstraintViolation; the call is not retried.
package hygiene

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cryptomaint/internal/metrics"
	"cryptomaint/internal/store"
	"cryptomaint/logger"
	"cryptomaint/models"
)

// ErrInvalidKey is returned for an empty key or blank and repeated field names.
var ErrInvalidKey = errors.New("invalid logical key")

func validateKey(keyFields []string) error {
	if len(keyFields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidKey)
	}
	seen := make(map[string]struct{}, len(keyFields))
	for _, f := range keyFields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%w: blank field name", ErrInvalidKey)
		}
		if _, dup := seen[f]; dup {
			return fmt.Errorf("%w: field '%s' repeated", ErrInvalidKey, f)
		}
		seen[f] = struct{}{}
	}
	return nil
}

// EnforceUniqueness deletes all but the lowest-id record of every duplicate
// group over keyFields and then creates a unique index on keyFields. Running
// it again on a clean, indexed collection changes nothing.
//
// On error the returned result describes the work done before the failure.
func EnforceUniqueness(ctx context.Context, coll store.Collection, keyFields []string, opts ...Option) (*models.Result, error) {
	if err := validateKey(keyFields); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	start := time.Now()

	entry := o.log.WithComponent("hygiene").WithFields(logger.Fields{
		"database":   o.database,
		"collection": coll.Name(),
		"key":        strings.Join(keyFields, ","),
		"dry_run":    o.dryRun,
	})

	res := &models.Result{
		Database:   o.database,
		Collection: coll.Name(),
		KeyFields:  append([]string(nil), keyFields...),
		DryRun:     o.dryRun,
	}

	if missing, err := coll.CountMissing(ctx, keyFields); err != nil {
		return res, err
	} else if missing > 0 {
		entry.WithFields(logger.Fields{"missing": missing}).Warn("records without the full key are grouped under null")
	}

	groups, err := coll.DuplicateGroups(ctx, keyFields)
	if err != nil {
		return res, err
	}
	res.Groups = len(groups)

	var doomed []interface{}
	for _, g := range groups {
		res.Survivors = append(res.Survivors, g.Survivor())
		doomed = append(doomed, g.Doomed()...)
	}

	if o.dryRun {
		res.Deleted = int64(len(doomed))
		res.Duration = time.Since(start)
		entry.WithFields(logger.Fields{"groups": res.Groups, "would_delete": res.Deleted}).Info("dry run, nothing changed")
		return res, nil
	}

	res.Deleted, err = deleteChunked(ctx, coll, doomed, o)
	if err != nil {
		res.Duration = time.Since(start)
		return res, err
	}
	if res.Deleted > 0 {
		entry.WithFields(logger.Fields{"groups": res.Groups, "deleted": res.Deleted}).Info("removed duplicate records")
	}

	name, err := coll.CreateIndex(ctx, models.IndexSpec{Keys: keyFields, Unique: true})
	if err != nil {
		res.Duration = time.Since(start)
		if errors.Is(err, store.ErrConstraintViolation) {
			entry.WithError(err).Error("duplicates reappeared before the unique index was built")
		}
		return res, err
	}
	res.IndexName = name
	res.Indexes = append(res.Indexes, name)

	extra, err := EnsureIndexes(ctx, coll, o.extraIndexes, WithLogger(o.log), WithDatabase(o.database))
	res.Indexes = append(res.Indexes, extra...)
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}

	logger.LogPerformanceEntry(entry, "hygiene", "enforce_uniqueness", res.Duration, logger.Fields{
		"groups":  res.Groups,
		"deleted": res.Deleted,
		"index":   res.IndexName,
	})
	metrics.ReportResult(o.log, res)
	return res, nil
}

func deleteChunked(ctx context.Context, coll store.Collection, ids []interface{}, o *options) (int64, error) {
	var deleted int64
	for start := 0; start < len(ids); start += o.chunkSize {
		end := start + o.chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		if o.limiter != nil {
			if err := o.limiter.WaitN(ctx, len(chunk)); err != nil {
				return deleted, fmt.Errorf("delete throttle: %w", err)
			}
		}
		n, err := coll.DeleteByIDs(ctx, chunk)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// FindDuplicates reports duplicate groups without changing the collection.
func FindDuplicates(ctx context.Context, coll store.Collection, keyFields []string) ([]models.DuplicateGroup, error) {
	if err := validateKey(keyFields); err != nil {
		return nil, err
	}
	return coll.DuplicateGroups(ctx, keyFields)
}

// EnsureIndexes creates each index in order and stops at the first failure.
// Unique indexes here get no deduplication first.
func EnsureIndexes(ctx context.Context, coll store.Collection, specs []models.IndexSpec, opts ...Option) ([]string, error) {
	o := newOptions(opts)
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		if err := validateKey(spec.Keys); err != nil {
			return names, err
		}
		name, err := coll.CreateIndex(ctx, spec)
		if err != nil {
			return names, err
		}
		names = append(names, name)
		metrics.IncIndexCreated(o.database, coll.Name())
		o.log.WithComponent("hygiene").WithFields(logger.Fields{
			"collection": coll.Name(),
			"index":      name,
			"unique":     spec.Unique,
		}).Debug("index ensured")
	}
	return names, nil
}
