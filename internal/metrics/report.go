package metrics

import (
	"cryptomaint/logger"
	"cryptomaint/models"
)

// ReportResult feeds a deduplication result to the counters and emits it.
func ReportResult(log *logger.Log, r *models.Result) {
	if r == nil || r.DryRun {
		return
	}
	AddDeleted(r.Database, r.Collection, r.Deleted)
	AddDuplicateGroups(r.Database, r.Collection, r.Groups)
	if r.IndexName != "" {
		IncIndexCreated(r.Database, r.Collection)
	}

	fields := logger.Fields{"database": r.Database, "collection": r.Collection, "unit": "count"}
	EmitMetric(log, "hygiene", "documents_deleted", r.Deleted, "counter", fields)
	EmitMetric(log, "hygiene", "duplicate_groups", r.Groups, "counter", fields)
}
