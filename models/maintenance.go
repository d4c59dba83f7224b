package models

import (
	"strings"
	"time"
)

// IndexSpec describes an ascending index over one or more fields.
type IndexSpec struct {
	Keys   []string
	Unique bool
	Name   string
}

// IndexName returns the explicit name or the server default "k1_1_k2_1".
func (s IndexSpec) IndexName() string {
	if s.Name != "" {
		return s.Name
	}
	parts := make([]string, 0, len(s.Keys))
	for _, k := range s.Keys {
		parts = append(parts, k+"_1")
	}
	return strings.Join(parts, "_")
}

// DuplicateGroup is a set of records sharing one logical key value. IDs are
// ordered lowest first; the first id is the survivor.
type DuplicateGroup struct {
	Key   map[string]interface{}
	IDs   []interface{}
	Count int
}

// Survivor returns the id kept for the group.
func (g DuplicateGroup) Survivor() interface{} {
	if len(g.IDs) == 0 {
		return nil
	}
	return g.IDs[0]
}

// Doomed returns the ids removed for the group.
func (g DuplicateGroup) Doomed() []interface{} {
	if len(g.IDs) < 2 {
		return nil
	}
	return g.IDs[1:]
}

// Result summarises one deduplication-and-indexing run over a collection.
type Result struct {
	Database   string
	Collection string
	KeyFields  []string
	Groups     int
	Deleted    int64
	Survivors  []interface{}
	IndexName  string
	Indexes    []string
	DryRun     bool
	Duration   time.Duration
}

// MigrationRecord is stored in the ledger once a migration ran on a collection.
type MigrationRecord struct {
	Migration  string    `bson:"migration"`
	Collection string    `bson:"collection"`
	RunID      string    `bson:"run_id"`
	Steps      int       `bson:"steps"`
	Modified   int64     `bson:"modified"`
	AppliedAt  time.Time `bson:"applied_at"`
}
