// Package store defines the storage engine surface used by the maintenance
// routines and implements it on top of MongoDB.
package store

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"cryptomaint/models"
)

// Client hands out database handles.
type Client interface {
	Database(name string) Database
	Ping(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Database is one namespace of collections.
type Database interface {
	Name() string
	ListCollectionNames(ctx context.Context) ([]string, error)
	HasCollection(ctx context.Context, name string) (bool, error)
	Collection(name string) Collection
	Drop(ctx context.Context, name string) error
}

// Collection is a mutable set of records addressable by _id.
type Collection interface {
	Name() string

	// DuplicateGroups returns every group of records sharing the key tuple
	// with more than one member. Ids inside a group are ordered lowest first.
	// Records missing a key field group under null.
	DuplicateGroups(ctx context.Context, keyFields []string) ([]models.DuplicateGroup, error)

	// DeleteByIDs removes the given records in one request.
	DeleteByIDs(ctx context.Context, ids []interface{}) (int64, error)

	// CreateIndex creates the index or does nothing when an identical one exists.
	CreateIndex(ctx context.Context, spec models.IndexSpec) (string, error)
	ListIndexes(ctx context.Context) ([]models.IndexSpec, error)

	Count(ctx context.Context) (int64, error)
	CountMatching(ctx context.Context, filter bson.M) (int64, error)

	// CountMissing counts records lacking at least one of fields.
	CountMissing(ctx context.Context, fields []string) (int64, error)

	// RenameFields applies one $rename over every record and returns the
	// number of records modified.
	RenameFields(ctx context.Context, renames map[string]string) (int64, error)

	InsertOne(ctx context.Context, doc interface{}) error

	// Each streams every record sorted ascending by sortField (natural order
	// when empty) until fn returns an error.
	Each(ctx context.Context, sortField string, fn func(bson.M) error) error
}

// IsSystemCollection reports collections the maintenance tasks never touch.
func IsSystemCollection(name string) bool {
	return strings.HasPrefix(name, "system.") || name == MigrationLedger
}

// MigrationLedger is the collection recording applied migrations.
const MigrationLedger = "_schema_migrations"
