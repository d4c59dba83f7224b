// Package metrics counts what a maintenance run changed.
//
// Registers on a private registry:
//
//	#cryptomaint_documents_deleted_total
//	#cryptomaint_duplicate_groups_total
//	#cryptomaint_indexes_created_total
//	#cryptomaint_collections_dropped_total
//	#cryptomaint_migrations_applied_total
//	#cryptomaint_documents_exported_total
//	#cryptomaint_task_failures_total
//	#go_* runtime metrics
//
// A run is a short-lived job, so counters are pushed to a Pushgateway at the
// end instead of being scraped.
package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	documentsDeleted   *prometheus.CounterVec
	duplicateGroups    *prometheus.CounterVec
	indexesCreated     *prometheus.CounterVec
	collectionsDropped *prometheus.CounterVec
	migrationsApplied  *prometheus.CounterVec
	documentsExported  *prometheus.CounterVec
	taskFailures       *prometheus.CounterVec
)

func newCounter(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptomaint",
		Name:      name,
		Help:      help,
	}, labels)
	registry.MustRegister(c)
	return c
}

// Init creates the registry and counters. It is safe to call more than once.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())

		documentsDeleted = newCounter("documents_deleted_total", "Duplicate documents removed", "database", "collection")
		duplicateGroups = newCounter("duplicate_groups_total", "Duplicate groups found", "database", "collection")
		indexesCreated = newCounter("indexes_created_total", "Indexes created or confirmed", "database", "collection")
		collectionsDropped = newCounter("collections_dropped_total", "Collections dropped", "database")
		migrationsApplied = newCounter("migrations_applied_total", "Migrations applied to a collection", "database", "migration")
		documentsExported = newCounter("documents_exported_total", "Documents written by exports", "database", "collection")
		taskFailures = newCounter("task_failures_total", "Tasks that stopped a run", "task")
	})
}

// Registry returns the registry, initialising it on first use.
func Registry() *prometheus.Registry {
	Init()
	return registry
}

func AddDeleted(db, coll string, n int64) {
	Init()
	documentsDeleted.WithLabelValues(db, coll).Add(float64(n))
}

func AddDuplicateGroups(db, coll string, n int) {
	Init()
	duplicateGroups.WithLabelValues(db, coll).Add(float64(n))
}

func IncIndexCreated(db, coll string) {
	Init()
	indexesCreated.WithLabelValues(db, coll).Inc()
}

func IncDropped(db string) {
	Init()
	collectionsDropped.WithLabelValues(db).Inc()
}

func IncMigration(db, migration string) {
	Init()
	migrationsApplied.WithLabelValues(db, migration).Inc()
}

func AddExported(db, coll string, n int64) {
	Init()
	documentsExported.WithLabelValues(db, coll).Add(float64(n))
}

func IncTaskFailure(task string) {
	Init()
	taskFailures.WithLabelValues(task).Inc()
}

// Push sends the registry to the Pushgateway at url under job. An empty url
// disables pushing.
func Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	if job == "" {
		job = "cryptomaint"
	}
	if err := push.New(url, job).Gatherer(Registry()).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
