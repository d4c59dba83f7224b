package store

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"cryptomaint/config"
	"cryptomaint/logger"
	"cryptomaint/models"
)

// MongoClient implements Client over the official MongoDB driver.
type MongoClient struct {
	client           *mongo.Client
	operationTimeout time.Duration
	log              *logger.Log
}

// Connect opens a client and verifies the primary is reachable. Any failure
// is reported as ErrConnection.
func Connect(ctx context.Context, cfg config.MongoConfig) (*MongoClient, error) {
	log := logger.GetLogger()

	uri, err := withTLS(cfg.ConnectionURI(), cfg.TLS)
	if err != nil {
		return nil, &Error{Kind: ErrConnection, Op: "connect", Err: err}
	}

	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout)
	if cfg.AppName != "" {
		opts.SetAppName(cfg.AppName)
	}

	log.WithComponent("mongo").WithFields(logger.Fields{
		"host": cfg.Host,
		"port": cfg.Port,
		"tls":  cfg.TLS.Enabled,
	}).Info("connecting mongo client")

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, &Error{Kind: ErrConnection, Op: "connect", Err: err}
	}

	mc := &MongoClient{client: client, operationTimeout: cfg.OperationTimeout, log: log}
	if err := mc.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return mc, nil
}

func withTLS(uri string, tls config.TLSConfig) (string, error) {
	if !tls.Enabled {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse mongo uri: %w", err)
	}
	q := u.Query()
	q.Set("tls", "true")
	if tls.CAFile != "" {
		q.Set("tlsCAFile", tls.CAFile)
	}
	if tls.CertFile != "" {
		q.Set("tlsCertificateKeyFile", tls.CertFile)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *MongoClient) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return &Error{Kind: ErrConnection, Op: "ping", Err: err}
	}
	return nil
}

func (c *MongoClient) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

func (c *MongoClient) Database(name string) Database {
	return &mongoDatabase{db: c.client.Database(name), timeout: c.operationTimeout}
}

type mongoDatabase struct {
	db      *mongo.Database
	timeout time.Duration
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func (d *mongoDatabase) Name() string { return d.db.Name() }

func (d *mongoDatabase) ListCollectionNames(ctx context.Context) ([]string, error) {
	ctx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	names, err := d.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, Classify("list collections", err)
	}
	sort.Strings(names)
	return names, nil
}

func (d *mongoDatabase) HasCollection(ctx context.Context, name string) (bool, error) {
	ctx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	names, err := d.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return false, Classify("list collections", err)
	}
	return len(names) > 0, nil
}

func (d *mongoDatabase) Collection(name string) Collection {
	return &mongoCollection{coll: d.db.Collection(name), timeout: d.timeout}
}

func (d *mongoDatabase) Drop(ctx context.Context, name string) error {
	ctx, cancel := withTimeout(ctx, d.timeout)
	defer cancel()

	return Classify("drop "+name, d.db.Collection(name).Drop(ctx))
}

type mongoCollection struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func (c *mongoCollection) Name() string { return c.coll.Name() }

// groupKey names the positional fields of the $group _id so that dotted key
// paths stay valid.
func groupKey(i int) string { return fmt.Sprintf("k%d", i) }

func (c *mongoCollection) DuplicateGroups(ctx context.Context, keyFields []string) ([]models.DuplicateGroup, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	id := bson.D{}
	for i, f := range keyFields {
		// $ifNull folds missing fields into null, which is how the unique
		// index will see them.
		id = append(id, bson.E{Key: groupKey(i), Value: bson.D{{Key: "$ifNull", Value: bson.A{"$" + f, nil}}}})
	}
	pipeline := mongo.Pipeline{
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: id},
			{Key: "dups", Value: bson.D{{Key: "$push", Value: "$_id"}}},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		{{Key: "$match", Value: bson.D{{Key: "count", Value: bson.D{{Key: "$gt", Value: 1}}}}}},
	}

	cursor, err := c.coll.Aggregate(ctx, pipeline, options.Aggregate().SetAllowDiskUse(true))
	if err != nil {
		return nil, Classify("aggregate "+c.Name(), err)
	}
	defer cursor.Close(ctx)

	var groups []models.DuplicateGroup
	for cursor.Next(ctx) {
		var row struct {
			ID    bson.M        `bson:"_id"`
			Dups  []interface{} `bson:"dups"`
			Count int           `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode duplicate group: %w", err)
		}
		key := make(map[string]interface{}, len(keyFields))
		for i, f := range keyFields {
			key[f] = row.ID[groupKey(i)]
		}
		sort.SliceStable(row.Dups, func(i, j int) bool { return CompareValues(row.Dups[i], row.Dups[j]) < 0 })
		groups = append(groups, models.DuplicateGroup{Key: key, IDs: row.Dups, Count: row.Count})
	}
	if err := cursor.Err(); err != nil {
		return nil, Classify("aggregate "+c.Name(), err)
	}
	return groups, nil
}

func (c *mongoCollection) DeleteByIDs(ctx context.Context, ids []interface{}) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.coll.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return 0, Classify("delete "+c.Name(), err)
	}
	return res.DeletedCount, nil
}

func (c *mongoCollection) CreateIndex(ctx context.Context, spec models.IndexSpec) (string, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	keys := bson.D{}
	for _, k := range spec.Keys {
		keys = append(keys, bson.E{Key: k, Value: 1})
	}
	opts := options.Index().SetName(spec.IndexName())
	if spec.Unique {
		opts.SetUnique(true)
	}

	name, err := c.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys, Options: opts})
	if err != nil {
		return "", Classify("create index "+spec.IndexName()+" on "+c.Name(), err)
	}
	return name, nil
}

func (c *mongoCollection) ListIndexes(ctx context.Context) ([]models.IndexSpec, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	cursor, err := c.coll.Indexes().List(ctx)
	if err != nil {
		return nil, Classify("list indexes "+c.Name(), err)
	}
	defer cursor.Close(ctx)

	var specs []models.IndexSpec
	for cursor.Next(ctx) {
		var row struct {
			Name   string `bson:"name"`
			Key    bson.D `bson:"key"`
			Unique bool   `bson:"unique"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode index: %w", err)
		}
		spec := models.IndexSpec{Name: row.Name, Unique: row.Unique}
		for _, e := range row.Key {
			spec.Keys = append(spec.Keys, e.Key)
		}
		specs = append(specs, spec)
	}
	return specs, Classify("list indexes "+c.Name(), cursor.Err())
}

func (c *mongoCollection) Count(ctx context.Context) (int64, error) {
	return c.CountMatching(ctx, bson.M{})
}

func (c *mongoCollection) CountMatching(ctx context.Context, filter bson.M) (int64, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, Classify("count "+c.Name(), err)
	}
	return n, nil
}

func (c *mongoCollection) CountMissing(ctx context.Context, fields []string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	or := bson.A{}
	for _, f := range fields {
		or = append(or, bson.M{f: bson.M{"$exists": false}})
	}
	return c.CountMatching(ctx, bson.M{"$or": or})
}

func (c *mongoCollection) RenameFields(ctx context.Context, renames map[string]string) (int64, error) {
	if len(renames) == 0 {
		return 0, nil
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	or := bson.A{}
	for from := range renames {
		or = append(or, bson.M{from: bson.M{"$exists": true}})
	}
	res, err := c.coll.UpdateMany(ctx, bson.M{"$or": or}, bson.M{"$rename": renames})
	if err != nil {
		return 0, Classify("rename fields in "+c.Name(), err)
	}
	return res.ModifiedCount, nil
}

func (c *mongoCollection) InsertOne(ctx context.Context, doc interface{}) error {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.coll.InsertOne(ctx, doc)
	return Classify("insert into "+c.Name(), err)
}

// Each is not bounded by the operation timeout; exports run as long as the
// cursor does.
func (c *mongoCollection) Each(ctx context.Context, sortField string, fn func(bson.M) error) error {
	opts := options.Find()
	if sortField != "" {
		opts.SetSort(bson.D{{Key: sortField, Value: 1}})
	}
	cursor, err := c.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return Classify("find "+c.Name(), err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("decode document: %w", err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return Classify("find "+c.Name(), cursor.Err())
}
