// Package processor runs maintenance tasks one after another against the
// configured databases and stops at the first hard failure.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	appconfig "cryptomaint/config"
	"cryptomaint/internal/hygiene"
	"cryptomaint/internal/metrics"
	"cryptomaint/internal/migration"
	"cryptomaint/internal/selector"
	"cryptomaint/internal/store"
	"cryptomaint/logger"
	"cryptomaint/models"
	"cryptomaint/writer"
)

// Options are run-wide switches set from the command line.
type Options struct {
	// Confirm allows drop and migrate tasks without confirm in the tasks
	// file, except in production-like environments.
	Confirm bool
	// DryRun turns every task into a report of what it would change.
	DryRun bool
	// Environment overrides APP_ENV for the confirm rule.
	Environment string
}

// TaskReport is what one task did.
type TaskReport struct {
	Task        string
	Action      string
	Database    string
	Collections []string
	DryRun      bool
	Results     []*models.Result
	Duplicates  map[string][]models.DuplicateGroup
	Indexes     map[string][]string
	Dropped     []string
	Migrations  map[string]*migration.Outcome
	Exports     []*writer.Result
	Duration    time.Duration
}

// Summary collects the reports of a run. Failed names the task that stopped it.
type Summary struct {
	Reports []*TaskReport
	Skipped []string
	Failed  string
}

// Runner executes tasks. The exporter may be nil when no export task runs.
type Runner struct {
	cfg      *appconfig.Config
	client   store.Client
	exporter *writer.Exporter
	registry *migration.Registry
	opts     Options
	log      *logger.Log
}

func NewRunner(cfg *appconfig.Config, client store.Client, exporter *writer.Exporter, registry *migration.Registry, opts Options) *Runner {
	if registry == nil {
		registry = migration.DefaultRegistry()
	}
	if opts.Environment == "" {
		opts.Environment = appconfig.AppEnvironment()
	}
	return &Runner{
		cfg:      cfg,
		client:   client,
		exporter: exporter,
		registry: registry,
		opts:     opts,
		log:      logger.GetLogger(),
	}
}

// Run executes the enabled tasks in order. The summary is returned with the
// error of the failing task.
func (r *Runner) Run(ctx context.Context, tasks []appconfig.Task) (*Summary, error) {
	sum := &Summary{}
	for _, task := range tasks {
		if !task.IsEnabled() {
			sum.Skipped = append(sum.Skipped, task.Name)
			r.log.WithComponent("processor").WithFields(logger.Fields{"task": task.Name}).Debug("task disabled, skipping")
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		report, err := r.RunTask(ctx, task)
		if report != nil {
			sum.Reports = append(sum.Reports, report)
		}
		if err != nil {
			sum.Failed = task.Name
			metrics.IncTaskFailure(task.Name)
			r.log.WithComponent("processor").WithError(err).WithFields(logger.Fields{
				"task":   task.Name,
				"action": task.Action,
			}).Error("task failed, stopping run")
			return sum, fmt.Errorf("task %s: %w", task.Name, err)
		}
	}
	return sum, nil
}

// RunTask executes a single task regardless of its enabled flag.
func (r *Runner) RunTask(ctx context.Context, task appconfig.Task) (*TaskReport, error) {
	if err := appconfig.ValidateTask(task); err != nil {
		return nil, err
	}

	dbName := r.cfg.Database(task.Database)
	db := r.client.Database(dbName)
	report := &TaskReport{
		Task:     task.Name,
		Action:   task.Action,
		Database: dbName,
		DryRun:   task.DryRun || r.opts.DryRun,
	}
	log := r.log.WithComponent("processor").WithFields(logger.Fields{
		"task":     task.Name,
		"action":   task.Action,
		"database": dbName,
	})

	start := time.Now()
	defer func() { report.Duration = time.Since(start) }()

	names, err := ResolveCollections(ctx, db, task)
	if err != nil {
		return report, err
	}
	report.Collections = names
	if len(names) == 0 {
		log.Warn("no collection matched")
		return report, nil
	}
	log.WithFields(logger.Fields{"collections": len(names), "dry_run": report.DryRun}).Info("running task")

	switch task.Action {
	case appconfig.ActionEnforceUnique:
		err = r.enforceUnique(ctx, db, task, report)
	case appconfig.ActionFindDuplicates:
		err = r.findDuplicates(ctx, db, task, report)
	case appconfig.ActionCreateIndex:
		err = r.createIndexes(ctx, db, task, report)
	case appconfig.ActionDrop:
		err = r.drop(ctx, db, task, report)
	case appconfig.ActionMigrate:
		err = r.migrate(ctx, db, task, report)
	case appconfig.ActionExport:
		err = r.export(ctx, db, task, report)
	default:
		err = fmt.Errorf("unknown action '%s'", task.Action)
	}
	return report, err
}

// ResolveCollections returns the explicitly named collections, which must
// exist, together with the ones matching the naming filter.
func ResolveCollections(ctx context.Context, db store.Database, task appconfig.Task) ([]string, error) {
	set := make(map[string]struct{})
	for _, name := range task.Collections {
		ok, err := db.HasCollection(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &store.Error{
				Kind: store.ErrNotFound,
				Op:   "resolve " + task.Name,
				Err:  fmt.Errorf("collection %s does not exist in %s", name, db.Name()),
			}
		}
		set[name] = struct{}{}
	}

	if !task.Match.IsZero() {
		all, err := db.ListCollectionNames(ctx)
		if err != nil {
			return nil, err
		}
		for _, name := range selector.Select(all, selector.FromConfig(task.Match)) {
			set[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func indexSpecs(cfgs []appconfig.IndexConfig) []models.IndexSpec {
	specs := make([]models.IndexSpec, 0, len(cfgs))
	for _, c := range cfgs {
		specs = append(specs, models.IndexSpec{Keys: c.Keys, Unique: c.Unique, Name: c.Name})
	}
	return specs
}

func (r *Runner) enforceUnique(ctx context.Context, db store.Database, task appconfig.Task, report *TaskReport) error {
	opts := []hygiene.Option{
		hygiene.WithDatabase(db.Name()),
		hygiene.WithLogger(r.log),
		hygiene.WithDeleteChunkSize(r.cfg.Dedupe.DeleteChunkSize),
		hygiene.WithDeleteRate(r.cfg.Dedupe.DeletesPerSecond),
		hygiene.WithExtraIndexes(indexSpecs(task.Indexes)...),
	}
	if report.DryRun {
		opts = append(opts, hygiene.WithDryRun())
	}

	for _, name := range report.Collections {
		res, err := hygiene.EnforceUniqueness(ctx, db.Collection(name), task.Key, opts...)
		if res != nil {
			report.Results = append(report.Results, res)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) findDuplicates(ctx context.Context, db store.Database, task appconfig.Task, report *TaskReport) error {
	report.Duplicates = make(map[string][]models.DuplicateGroup)
	for _, name := range report.Collections {
		groups, err := hygiene.FindDuplicates(ctx, db.Collection(name), task.Key)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			continue
		}
		report.Duplicates[name] = groups

		extra := 0
		for _, g := range groups {
			extra += g.Count - 1
		}
		metrics.AddDuplicateGroups(db.Name(), name, len(groups))
		r.log.WithComponent("processor").WithFields(logger.Fields{
			"collection": name,
			"groups":     len(groups),
			"duplicates": extra,
			"first_key":  groups[0].Key,
		}).Warn("duplicates found")
	}
	return nil
}

func (r *Runner) createIndexes(ctx context.Context, db store.Database, task appconfig.Task, report *TaskReport) error {
	if report.DryRun {
		r.log.WithComponent("processor").WithFields(logger.Fields{
			"task":        task.Name,
			"collections": report.Collections,
		}).Info("dry run, indexes not created")
		return nil
	}
	report.Indexes = make(map[string][]string)
	for _, name := range report.Collections {
		names, err := hygiene.EnsureIndexes(ctx, db.Collection(name), indexSpecs(task.Indexes),
			hygiene.WithDatabase(db.Name()), hygiene.WithLogger(r.log))
		report.Indexes[name] = names
		if err != nil {
			return err
		}
	}
	return nil
}

// confirmed reports whether a destructive task may change data. In
// production-like environments only the tasks file can confirm.
func (r *Runner) confirmed(task appconfig.Task) bool {
	if task.Confirm {
		return true
	}
	return r.opts.Confirm && !appconfig.IsProductionLike(r.opts.Environment)
}

func (r *Runner) drop(ctx context.Context, db store.Database, task appconfig.Task, report *TaskReport) error {
	log := r.log.WithComponent("processor").WithFields(logger.Fields{"task": task.Name, "database": db.Name()})
	if report.DryRun || !r.confirmed(task) {
		report.DryRun = true
		log.WithFields(logger.Fields{"collections": report.Collections}).Warn("drop not confirmed, listing only")
		return nil
	}

	for _, name := range report.Collections {
		if err := db.Drop(ctx, name); err != nil {
			return err
		}
		report.Dropped = append(report.Dropped, name)
		metrics.IncDropped(db.Name())
		log.WithFields(logger.Fields{"collection": name}).Info("collection dropped")
	}
	metrics.EmitMetric(r.log, "processor", "collections_dropped", len(report.Dropped), "counter",
		logger.Fields{"database": db.Name(), "unit": "count"})
	return nil
}

func (r *Runner) migrate(ctx context.Context, db store.Database, task appconfig.Task, report *TaskReport) error {
	m, err := r.registry.Get(task.Migration)
	if err != nil {
		return err
	}
	if !report.DryRun && !r.confirmed(task) {
		report.DryRun = true
		r.log.WithComponent("processor").WithFields(logger.Fields{"task": task.Name}).Warn("migration not confirmed, planning only")
	}

	report.Migrations = make(map[string]*migration.Outcome)
	for _, name := range report.Collections {
		out, err := migration.Apply(ctx, db, name, m, report.DryRun)
		if err != nil {
			return err
		}
		report.Migrations[name] = out
	}
	return nil
}

func (r *Runner) export(ctx context.Context, db store.Database, task appconfig.Task, report *TaskReport) error {
	if r.exporter == nil {
		return errors.New("export task requires an exporter")
	}
	if report.DryRun {
		return nil
	}
	req := writer.Request{
		Database:    db.Name(),
		Format:      task.Export.Format,
		Destination: task.Export.Destination,
		Schema:      task.Export.Schema,
		SortField:   task.Export.SortField,
	}
	for _, name := range report.Collections {
		res, err := r.exporter.Export(ctx, db.Collection(name), req)
		if err != nil {
			return err
		}
		report.Exports = append(report.Exports, res)
	}
	return nil
}
