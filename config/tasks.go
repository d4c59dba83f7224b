package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Task actions understood by the processor.
const (
	ActionEnforceUnique  = "enforce_unique"
	ActionFindDuplicates = "find_duplicates"
	ActionCreateIndex    = "create_index"
	ActionDrop           = "drop"
	ActionMigrate        = "migrate"
	ActionExport         = "export"
)

var knownActions = map[string]struct{}{
	ActionEnforceUnique:  {},
	ActionFindDuplicates: {},
	ActionCreateIndex:    {},
	ActionDrop:           {},
	ActionMigrate:        {},
	ActionExport:         {},
}

// MatchConfig is the naming-convention filter of a task. All non-empty lists
// must match; each list matches when any of its entries does.
type MatchConfig struct {
	Contains   []string `yaml:"contains"`
	Prefix     []string `yaml:"prefix"`
	Suffix     []string `yaml:"suffix"`
	Timeframes []string `yaml:"timeframes"`
	Kind       string   `yaml:"kind"`
	Symbols    []string `yaml:"symbols"`
	Exclude    []string `yaml:"exclude"`
}

// IsZero reports whether no filter was configured.
func (m MatchConfig) IsZero() bool {
	return len(m.Contains) == 0 && len(m.Prefix) == 0 && len(m.Suffix) == 0 &&
		len(m.Timeframes) == 0 && m.Kind == "" && len(m.Symbols) == 0 && len(m.Exclude) == 0
}

type IndexConfig struct {
	Keys   []string `yaml:"keys"`
	Unique bool     `yaml:"unique"`
	Name   string   `yaml:"name"`
}

type TaskExportConfig struct {
	Format      string `yaml:"format"`
	Destination string `yaml:"destination"`
	Schema      string `yaml:"schema"`
	SortField   string `yaml:"sort_field"`
}

// Task describes one former maintenance script step.
type Task struct {
	Name        string           `yaml:"name"`
	Action      string           `yaml:"action"`
	Database    string           `yaml:"database"`
	Enabled     *bool            `yaml:"enabled"`
	Collections []string         `yaml:"collections"`
	Match       MatchConfig      `yaml:"match"`
	Key         []string         `yaml:"key"`
	Indexes     []IndexConfig    `yaml:"indexes"`
	Migration   string           `yaml:"migration"`
	Confirm     bool             `yaml:"confirm"`
	DryRun      bool             `yaml:"dry_run"`
	Export      TaskExportConfig `yaml:"export"`
}

// IsEnabled treats a missing enabled flag as true.
func (t Task) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// TaskSet is the full tasks file.
type TaskSet struct {
	Tasks []Task `yaml:"tasks"`
}

// Find returns the named task.
func (s *TaskSet) Find(name string) (Task, bool) {
	for _, t := range s.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return Task{}, false
}

// LoadTasks loads and validates the tasks file at path.
func LoadTasks(path string) (*TaskSet, error) {
	path = resolveEnvSpecificPath(path, DefaultTasksPath, map[string]string{
		environmentProduction: "config/tasks.production.yml",
		environmentStaging:    "config/tasks.staging.yml",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks file: %w", err)
	}
	var set TaskSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse tasks file: %w", err)
	}
	if err := ValidateTasks(&set); err != nil {
		return nil, fmt.Errorf("tasks validation failed: %w", err)
	}
	return &set, nil
}

// ValidateTasks checks every task for the fields its action needs.
func ValidateTasks(set *TaskSet) error {
	seen := make(map[string]struct{}, len(set.Tasks))
	for i := range set.Tasks {
		t := &set.Tasks[i]
		if t.Name == "" {
			return fmt.Errorf("tasks[%d].name is required", i)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("task name '%s' is used more than once", t.Name)
		}
		seen[t.Name] = struct{}{}

		if err := ValidateTask(*t); err != nil {
			return fmt.Errorf("task '%s': %w", t.Name, err)
		}
	}
	return nil
}

// ValidateTask checks a single task. It is also used for tasks built from
// command line flags.
func ValidateTask(t Task) error {
	if _, ok := knownActions[t.Action]; !ok {
		return fmt.Errorf("unknown action '%s'", t.Action)
	}
	if strings.TrimSpace(t.Database) == "" {
		return fmt.Errorf("database is required")
	}
	if len(t.Collections) == 0 && t.Match.IsZero() {
		return fmt.Errorf("collections or match is required")
	}

	switch t.Action {
	case ActionEnforceUnique, ActionFindDuplicates:
		if len(t.Key) == 0 {
			return fmt.Errorf("key is required for %s", t.Action)
		}
		for _, k := range t.Key {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("key contains an empty field name")
			}
		}
	case ActionCreateIndex:
		if len(t.Indexes) == 0 {
			return fmt.Errorf("indexes is required for %s", t.Action)
		}
	case ActionMigrate:
		if t.Migration == "" {
			return fmt.Errorf("migration is required for %s", t.Action)
		}
	case ActionExport:
		switch t.Export.Format {
		case "", "csv", "parquet":
		default:
			return fmt.Errorf("export.format '%s' is invalid", t.Export.Format)
		}
		switch t.Export.Destination {
		case "", "local", "s3":
		default:
			return fmt.Errorf("export.destination '%s' is invalid", t.Export.Destination)
		}
	}

	for j, idx := range t.Indexes {
		if len(idx.Keys) == 0 {
			return fmt.Errorf("indexes[%d].keys is required", j)
		}
	}
	return nil
}
