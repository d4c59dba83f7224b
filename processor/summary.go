package processor

import (
	"cryptomaint/logger"
)

// Log writes one line per task and a closing total.
func (s *Summary) Log(log *logger.Log) {
	var deleted int64
	for _, rep := range s.Reports {
		fields := logger.Fields{
			"task":        rep.Task,
			"action":      rep.Action,
			"database":    rep.Database,
			"collections": len(rep.Collections),
			"dry_run":     rep.DryRun,
			"duration_ms": rep.Duration.Milliseconds(),
		}
		var taskDeleted int64
		for _, res := range rep.Results {
			if !res.DryRun {
				taskDeleted += res.Deleted
			}
		}
		if len(rep.Results) > 0 {
			fields["deleted"] = taskDeleted
		}
		if len(rep.Duplicates) > 0 {
			fields["collections_with_duplicates"] = len(rep.Duplicates)
		}
		if len(rep.Dropped) > 0 {
			fields["dropped"] = len(rep.Dropped)
		}
		if len(rep.Exports) > 0 {
			fields["exports"] = len(rep.Exports)
		}
		deleted += taskDeleted
		log.WithComponent("processor").WithFields(fields).Info("task finished")
	}

	log.WithComponent("processor").WithFields(logger.Fields{
		"tasks":   len(s.Reports),
		"skipped": len(s.Skipped),
		"failed":  s.Failed,
		"deleted": deleted,
	}).Info("run finished")
}
