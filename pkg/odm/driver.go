package odm

import (
	"context"
	"errors"

	"github.com/nimburion/odm/pkg/connection"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Cursor is the async iteration contract over query results.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(out any) error
	Err() error
	Close(ctx context.Context) error
}

// FindOptions carries the cursor options a queryset accumulates.
type FindOptions struct {
	Sort       bson.D
	Skip       int64
	Limit      int64
	Projection bson.M
	Hint       any
	Comment    string
	BatchSize  int32
}

// CountOptions carries skip/limit for count operations. Nil means unset.
type CountOptions struct {
	Skip  *int64
	Limit *int64
}

// UpdateResult reports what an update touched.
type UpdateResult struct {
	Matched    int64
	Modified   int64
	UpsertedID any
}

// ModifyOptions carries options for find-and-modify operations.
type ModifyOptions struct {
	Sort         bson.D
	ReturnNew    bool
	Upsert       bool
	ArrayFilters []any
}

// Collection is the driver surface the ODM consumes. Most methods forward
// to the raw driver collection unchanged; the indirection exists so tests
// can substitute a fake and so alternative transports stay possible.
type Collection interface {
	Name() string

	Find(ctx context.Context, filter any, opts FindOptions) (Cursor, error)
	CountDocuments(ctx context.Context, filter any, opts CountOptions) (int64, error)
	Distinct(ctx context.Context, field string, filter any) ([]any, error)
	Aggregate(ctx context.Context, pipeline mongo.Pipeline) (Cursor, error)

	InsertOne(ctx context.Context, doc any) (any, error)
	InsertMany(ctx context.Context, docs []any) ([]any, error)
	UpdateOne(ctx context.Context, filter, update any, upsert bool) (*UpdateResult, error)
	UpdateMany(ctx context.Context, filter, update any, upsert bool) (*UpdateResult, error)
	DeleteMany(ctx context.Context, filter any) (int64, error)
	FindOneAndUpdate(ctx context.Context, filter, update any, opts ModifyOptions) (bson.M, error)
	FindOneAndDelete(ctx context.Context, filter any, opts ModifyOptions) (bson.M, error)

	IndexInformation(ctx context.Context) (map[string]bson.D, error)
	CreateIndexes(ctx context.Context, specs []IndexSpec) error
	Drop(ctx context.Context) error

	RunCommand(ctx context.Context, cmd bson.D) (bson.M, error)
	// Sibling returns a collection in the same deployment; database ""
	// means the current database. Map-reduce collection output crosses
	// databases through this.
	Sibling(database, name string) Collection
	// WithReadPreference returns a view of the collection reading with the
	// given preference.
	WithReadPreference(pref *readpref.ReadPref) Collection
}

// WrapCollection adapts a raw driver collection to the ODM contract.
func WrapCollection(c *mongo.Collection) Collection {
	return &mongoCollection{coll: c}
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (m *mongoCollection) Name() string { return m.coll.Name() }

func (m *mongoCollection) Find(ctx context.Context, filter any, opts FindOptions) (Cursor, error) {
	fo := options.Find()
	if len(opts.Sort) > 0 {
		fo.SetSort(opts.Sort)
	}
	if opts.Skip > 0 {
		fo.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	if opts.Projection != nil {
		fo.SetProjection(opts.Projection)
	}
	if opts.Hint != nil {
		fo.SetHint(opts.Hint)
	}
	if opts.Comment != "" {
		fo.SetComment(opts.Comment)
	}
	if opts.BatchSize > 0 {
		fo.SetBatchSize(opts.BatchSize)
	}
	return m.coll.Find(ctx, filter, fo)
}

func (m *mongoCollection) CountDocuments(ctx context.Context, filter any, opts CountOptions) (int64, error) {
	co := options.Count()
	if opts.Skip != nil {
		co.SetSkip(*opts.Skip)
	}
	if opts.Limit != nil {
		co.SetLimit(*opts.Limit)
	}
	return m.coll.CountDocuments(ctx, filter, co)
}

func (m *mongoCollection) Distinct(ctx context.Context, field string, filter any) ([]any, error) {
	return m.coll.Distinct(ctx, field, filter)
}

func (m *mongoCollection) Aggregate(ctx context.Context, pipeline mongo.Pipeline) (Cursor, error) {
	return m.coll.Aggregate(ctx, pipeline)
}

func (m *mongoCollection) InsertOne(ctx context.Context, doc any) (any, error) {
	res, err := m.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, err
	}
	return res.InsertedID, nil
}

func (m *mongoCollection) InsertMany(ctx context.Context, docs []any) ([]any, error) {
	res, err := m.coll.InsertMany(ctx, docs)
	if err != nil {
		return nil, err
	}
	return res.InsertedIDs, nil
}

func (m *mongoCollection) UpdateOne(ctx context.Context, filter, update any, upsert bool) (*UpdateResult, error) {
	res, err := m.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(upsert))
	if err != nil {
		return nil, err
	}
	return &UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount, UpsertedID: res.UpsertedID}, nil
}

func (m *mongoCollection) UpdateMany(ctx context.Context, filter, update any, upsert bool) (*UpdateResult, error) {
	res, err := m.coll.UpdateMany(ctx, filter, update, options.Update().SetUpsert(upsert))
	if err != nil {
		return nil, err
	}
	return &UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount, UpsertedID: res.UpsertedID}, nil
}

func (m *mongoCollection) DeleteMany(ctx context.Context, filter any) (int64, error) {
	res, err := m.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (m *mongoCollection) FindOneAndUpdate(ctx context.Context, filter, update any, opts ModifyOptions) (bson.M, error) {
	fo := options.FindOneAndUpdate().SetUpsert(opts.Upsert)
	if len(opts.Sort) > 0 {
		fo.SetSort(opts.Sort)
	}
	if opts.ReturnNew {
		fo.SetReturnDocument(options.After)
	} else {
		fo.SetReturnDocument(options.Before)
	}
	if len(opts.ArrayFilters) > 0 {
		fo.SetArrayFilters(options.ArrayFilters{Filters: opts.ArrayFilters})
	}
	var out bson.M
	err := m.coll.FindOneAndUpdate(ctx, filter, update, fo).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *mongoCollection) FindOneAndDelete(ctx context.Context, filter any, opts ModifyOptions) (bson.M, error) {
	fo := options.FindOneAndDelete()
	if len(opts.Sort) > 0 {
		fo.SetSort(opts.Sort)
	}
	var out bson.M
	err := m.coll.FindOneAndDelete(ctx, filter, fo).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *mongoCollection) IndexInformation(ctx context.Context) (map[string]bson.D, error) {
	cursor, err := m.coll.Indexes().List(ctx)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	info := make(map[string]bson.D)
	for cursor.Next(ctx) {
		var idx struct {
			Name string `bson:"name"`
			Key  bson.D `bson:"key"`
		}
		if err := cursor.Decode(&idx); err != nil {
			return nil, err
		}
		info[idx.Name] = idx.Key
	}
	return info, cursor.Err()
}

func (m *mongoCollection) CreateIndexes(ctx context.Context, specs []IndexSpec) error {
	if len(specs) == 0 {
		return nil
	}
	models := make([]mongo.IndexModel, 0, len(specs))
	for _, s := range specs {
		io := options.Index()
		if s.Name != "" {
			io.SetName(s.Name)
		}
		if s.Unique {
			io.SetUnique(true)
		}
		if s.Sparse {
			io.SetSparse(true)
		}
		models = append(models, mongo.IndexModel{Keys: s.Keys, Options: io})
	}
	_, err := m.coll.Indexes().CreateMany(ctx, models)
	return err
}

func (m *mongoCollection) Drop(ctx context.Context) error {
	return m.coll.Drop(ctx)
}

func (m *mongoCollection) RunCommand(ctx context.Context, cmd bson.D) (bson.M, error) {
	var out bson.M
	if err := m.coll.Database().RunCommand(ctx, cmd).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *mongoCollection) WithReadPreference(pref *readpref.ReadPref) Collection {
	cloned, err := m.coll.Clone(options.Collection().SetReadPreference(pref))
	if err != nil {
		return m
	}
	return WrapCollection(cloned)
}

func (m *mongoCollection) Sibling(database, name string) Collection {
	db := m.coll.Database()
	if database != "" && database != db.Name() {
		db = db.Client().Database(database)
	}
	return WrapCollection(db.Collection(name))
}

// connectionDatabase resolves the async database handle for an alias
// through the process-wide connection registry.
func connectionDatabase(ctx context.Context, alias string) (*mongo.Database, error) {
	return connection.Default().GetDatabase(ctx, alias)
}

// syncDatabase resolves the sibling sync-namespace handle for an alias.
// Index creation runs on this so it never shares a client with cooperative
// operations.
func syncDatabase(ctx context.Context, alias string) (*mongo.Database, error) {
	h, err := connection.Default().GetSync(ctx, alias)
	if err != nil {
		return nil, err
	}
	return h.Database, nil
}
