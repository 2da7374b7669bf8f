package odm

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// fakeCursor iterates canned documents.
type fakeCursor struct {
	docs   []bson.M
	idx    int
	cur    bson.M
	closed bool
}

func (c *fakeCursor) Next(_ context.Context) bool {
	if c.idx >= len(c.docs) {
		return false
	}
	c.cur = c.docs[c.idx]
	c.idx++
	return true
}

func (c *fakeCursor) Decode(out any) error {
	data, err := bson.Marshal(c.cur)
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, out)
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Close(_ context.Context) error {
	c.closed = true
	return nil
}

type findCall struct {
	filter any
	opts   FindOptions
}

type countCall struct {
	filter any
	opts   CountOptions
}

type updateCall struct {
	filter any
	update any
	upsert bool
	many   bool
}

type distinctCall struct {
	field  string
	filter any
}

// fakeCollection is the Collection stub the queryset and persistence tests
// bind metas to: every call is recorded, every response is canned.
type fakeCollection struct {
	name string

	findCalls []findCall
	findDocs  []bson.M
	findErr   error

	countCalls []countCall
	countN     int64

	distinctCalls []distinctCall
	distinctVals  []any

	aggCalls []mongo.Pipeline
	aggDocs  []bson.M

	insertedDocs []any
	insertIDs    []any
	insertErr    error

	updateCalls []updateCall
	updateRes   *UpdateResult

	deleteCalls []any
	deleteN     int64

	modifyCalls []any
	modifyDoc   bson.M

	indexInfo  map[string]bson.D
	createdIdx [][]IndexSpec
	dropped    bool

	commands   []bson.D
	commandRes bson.M

	sibling  *fakeCollection
	readPref *readpref.ReadPref
}

func newFakeCollection(name string) *fakeCollection {
	return &fakeCollection{name: name, updateRes: &UpdateResult{}}
}

func (f *fakeCollection) Name() string { return f.name }

func (f *fakeCollection) Find(_ context.Context, filter any, opts FindOptions) (Cursor, error) {
	f.findCalls = append(f.findCalls, findCall{filter: filter, opts: opts})
	if f.findErr != nil {
		return nil, f.findErr
	}
	docs := f.findDocs
	if opts.Limit > 0 && int64(len(docs)) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	return &fakeCursor{docs: docs}, nil
}

func (f *fakeCollection) CountDocuments(_ context.Context, filter any, opts CountOptions) (int64, error) {
	f.countCalls = append(f.countCalls, countCall{filter: filter, opts: opts})
	return f.countN, nil
}

func (f *fakeCollection) Distinct(_ context.Context, field string, filter any) ([]any, error) {
	f.distinctCalls = append(f.distinctCalls, distinctCall{field: field, filter: filter})
	return f.distinctVals, nil
}

func (f *fakeCollection) Aggregate(_ context.Context, pipeline mongo.Pipeline) (Cursor, error) {
	f.aggCalls = append(f.aggCalls, pipeline)
	return &fakeCursor{docs: f.aggDocs}, nil
}

func (f *fakeCollection) InsertOne(_ context.Context, doc any) (any, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.insertedDocs = append(f.insertedDocs, doc)
	if len(f.insertIDs) > 0 {
		id := f.insertIDs[0]
		f.insertIDs = f.insertIDs[1:]
		return id, nil
	}
	if m, ok := doc.(bson.M); ok {
		if id, ok := m["_id"]; ok {
			return id, nil
		}
	}
	return primitive.NewObjectID(), nil
}

func (f *fakeCollection) InsertMany(ctx context.Context, docs []any) ([]any, error) {
	ids := make([]any, 0, len(docs))
	for _, doc := range docs {
		id, err := f.InsertOne(ctx, doc)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeCollection) UpdateOne(_ context.Context, filter, update any, upsert bool) (*UpdateResult, error) {
	f.updateCalls = append(f.updateCalls, updateCall{filter: filter, update: update, upsert: upsert})
	return f.updateRes, nil
}

func (f *fakeCollection) UpdateMany(_ context.Context, filter, update any, upsert bool) (*UpdateResult, error) {
	f.updateCalls = append(f.updateCalls, updateCall{filter: filter, update: update, upsert: upsert, many: true})
	return f.updateRes, nil
}

func (f *fakeCollection) DeleteMany(_ context.Context, filter any) (int64, error) {
	f.deleteCalls = append(f.deleteCalls, filter)
	return f.deleteN, nil
}

func (f *fakeCollection) FindOneAndUpdate(_ context.Context, filter, update any, _ ModifyOptions) (bson.M, error) {
	f.modifyCalls = append(f.modifyCalls, updateCall{filter: filter, update: update})
	return f.modifyDoc, nil
}

func (f *fakeCollection) FindOneAndDelete(_ context.Context, filter any, _ ModifyOptions) (bson.M, error) {
	f.modifyCalls = append(f.modifyCalls, filter)
	return f.modifyDoc, nil
}

func (f *fakeCollection) IndexInformation(_ context.Context) (map[string]bson.D, error) {
	return f.indexInfo, nil
}

func (f *fakeCollection) CreateIndexes(_ context.Context, specs []IndexSpec) error {
	f.createdIdx = append(f.createdIdx, specs)
	return nil
}

func (f *fakeCollection) Drop(_ context.Context) error {
	f.dropped = true
	return nil
}

func (f *fakeCollection) RunCommand(_ context.Context, cmd bson.D) (bson.M, error) {
	f.commands = append(f.commands, cmd)
	return f.commandRes, nil
}

func (f *fakeCollection) WithReadPreference(pref *readpref.ReadPref) Collection {
	f.readPref = pref
	return f
}

func (f *fakeCollection) Sibling(_, name string) Collection {
	if f.sibling != nil {
		return f.sibling
	}
	return newFakeCollection(name)
}
