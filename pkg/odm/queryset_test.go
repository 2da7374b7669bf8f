package odm

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/nimburion/odm/pkg/query"
	"github.com/nimburion/odm/pkg/signal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func personFixture(t *testing.T) (*Meta, *fakeCollection) {
	t.Helper()
	reg := NewClassRegistry()
	m := NewMeta("Person", "people")
	m.AddField(NewField("name"))
	m.AddField(NewField("age"))
	m.AddField(NewListField("tags", NewField("tags")))
	reg.Register(m)

	coll := newFakeCollection("people")
	m.BindCollection(coll)
	return m, coll
}

func TestChainersDoNotMutateReceiver(t *testing.T) {
	m, _ := personFixture(t)
	ctx := context.Background()

	base := Objects(m).Filter(map[string]any{"age__gte": 18})
	before, err := base.compileFilter(ctx)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	_ = base.Filter(map[string]any{"name": "Ada"}).OrderBy("-age").Skip(3).Limit(7).Comment("x")

	after, err := base.compileFilter(ctx)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("receiver mutated: %v != %v", before, after)
	}
	if base.skip != 0 || base.limit != -1 || base.comment != "" {
		t.Fatalf("receiver options mutated: %+v", base)
	}
}

func TestChainerImmutabilityProperty(t *testing.T) {
	m, _ := personFixture(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("derived querysets never change the base filter", prop.ForAll(
		func(age int, name string, limit int64) bool {
			base := Objects(m).Filter(map[string]any{"age__gte": age})
			before, err := base.compileFilter(ctx)
			if err != nil {
				return false
			}
			_ = base.Filter(map[string]any{"name": name}).Limit(limit).OrderBy("-age")
			after, err := base.compileFilter(ctx)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(before, after)
		},
		gen.IntRange(0, 150),
		gen.AlphaString(),
		gen.Int64Range(1, 100),
	))

	properties.TestingRun(t)
}

func TestSliceSetsWindow(t *testing.T) {
	m, coll := personFixture(t)
	coll.findDocs = []bson.M{{"_id": primitive.NewObjectID(), "name": "Ada"}}

	if _, err := Objects(m).Slice(5, 10).ToList(context.Background()); err != nil {
		t.Fatalf("slice: %v", err)
	}
	opts := coll.findCalls[0].opts
	if opts.Skip != 5 || opts.Limit != 5 {
		t.Fatalf("window = skip %d limit %d, want 5/5", opts.Skip, opts.Limit)
	}

	if docs, err := Objects(m).Slice(5, 5).ToList(context.Background()); err != nil || docs != nil {
		t.Fatalf("empty window returned %v, %v", docs, err)
	}
}

func TestAtIndexesIntoWindow(t *testing.T) {
	m, coll := personFixture(t)
	coll.findDocs = []bson.M{{"_id": primitive.NewObjectID(), "name": "Ada"}}

	doc, err := Objects(m).Skip(10).At(context.Background(), 2)
	if err != nil {
		t.Fatalf("at: %v", err)
	}
	if doc.Get("name") != "Ada" {
		t.Fatalf("unexpected document: %v", doc.Get("name"))
	}
	opts := coll.findCalls[0].opts
	if opts.Skip != 12 || opts.Limit != 1 {
		t.Fatalf("index query = skip %d limit %d, want 12/1", opts.Skip, opts.Limit)
	}

	coll.findDocs = nil
	var nfe *NotFoundError
	if _, err := Objects(m).At(context.Background(), 0); !errors.As(err, &nfe) {
		t.Fatalf("missing index returned %v", err)
	}
}

func TestReadPreferenceRoutesThroughCollection(t *testing.T) {
	m, coll := personFixture(t)

	if _, err := Objects(m).ReadPreference(readpref.SecondaryPreferred()).Count(context.Background()); err != nil {
		t.Fatalf("count: %v", err)
	}
	if coll.readPref == nil || coll.readPref.Mode() != readpref.SecondaryPreferredMode {
		t.Fatalf("read preference not applied: %v", coll.readPref)
	}
}

func TestCountAppliesSkipAndLimit(t *testing.T) {
	m, coll := personFixture(t)
	coll.countN = 42

	n, err := Objects(m).Skip(5).Limit(10).Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 42 {
		t.Fatalf("count = %d, want 42", n)
	}
	if len(coll.countCalls) != 1 {
		t.Fatalf("count calls = %d", len(coll.countCalls))
	}
	opts := coll.countCalls[0].opts
	if opts.Skip == nil || *opts.Skip != 5 {
		t.Fatalf("skip not forwarded: %+v", opts)
	}
	if opts.Limit == nil || *opts.Limit != 10 {
		t.Fatalf("limit not forwarded: %+v", opts)
	}
}

func TestLimitZeroMatchesNothing(t *testing.T) {
	m, coll := personFixture(t)
	coll.countN = 42
	ctx := context.Background()

	qs := Objects(m).Limit(0)

	n, err := qs.Count(ctx)
	if err != nil || n != 0 {
		t.Fatalf("count = %d, %v; want 0, nil", n, err)
	}
	docs, err := qs.ToList(ctx)
	if err != nil || len(docs) != 0 {
		t.Fatalf("list = %v, %v; want empty", docs, err)
	}
	if _, err := qs.Get(ctx); !errors.As(err, new(*NotFoundError)) {
		t.Fatalf("get error = %v, want NotFoundError", err)
	}
	if len(coll.countCalls)+len(coll.findCalls) != 0 {
		t.Fatal("empty queryset touched the database")
	}
}

func TestGetCardinality(t *testing.T) {
	ctx := context.Background()

	t.Run("zero matches", func(t *testing.T) {
		m, _ := personFixture(t)
		_, err := Objects(m).Get(ctx)
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("error = %v, want NotFoundError", err)
		}
	})

	t.Run("one match", func(t *testing.T) {
		m, coll := personFixture(t)
		coll.findDocs = []bson.M{{"_id": primitive.NewObjectID(), "name": "Ada"}}
		doc, err := Objects(m).Get(ctx)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if doc.Get("name") != "Ada" {
			t.Fatalf("name = %v", doc.Get("name"))
		}
	})

	t.Run("many matches", func(t *testing.T) {
		m, coll := personFixture(t)
		coll.findDocs = []bson.M{
			{"_id": primitive.NewObjectID()},
			{"_id": primitive.NewObjectID()},
			{"_id": primitive.NewObjectID()},
		}
		_, err := Objects(m).Get(ctx)
		var multi *MultipleObjectsError
		if !errors.As(err, &multi) {
			t.Fatalf("error = %v, want MultipleObjectsError", err)
		}
		// Cardinality checks must not fetch the whole result set.
		if got := coll.findCalls[0].opts.Limit; got != 2 {
			t.Fatalf("find limit = %d, want 2", got)
		}
	})
}

func TestGetClearsOrdering(t *testing.T) {
	m, coll := personFixture(t)
	coll.findDocs = []bson.M{{"_id": primitive.NewObjectID(), "name": "Ada"}}

	if _, err := Objects(m).OrderBy("-age").Get(context.Background()); err != nil {
		t.Fatalf("get: %v", err)
	}
	if sort := coll.findCalls[0].opts.Sort; sort != nil {
		t.Fatalf("cardinality probe sorted: %v", sort)
	}
}

func TestFirstReturnsNilWithoutError(t *testing.T) {
	m, _ := personFixture(t)
	doc, err := Objects(m).First(context.Background())
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if doc != nil {
		t.Fatalf("doc = %v, want nil", doc)
	}
}

func TestOrderByResolvesDatabaseFields(t *testing.T) {
	reg := NewClassRegistry()
	m := NewMeta("Person", "people")
	m.AddField(NewField("name").WithDBField("n"))
	reg.Register(m)
	coll := newFakeCollection("people")
	m.BindCollection(coll)

	it, err := Objects(m).OrderBy("-name").Iter(context.Background())
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	defer it.Close(context.Background())

	want := bson.D{{Key: "n", Value: -1}}
	if !reflect.DeepEqual(coll.findCalls[0].opts.Sort, want) {
		t.Fatalf("sort = %v, want %v", coll.findCalls[0].opts.Sort, want)
	}
}

func TestExcludeNegatesConditions(t *testing.T) {
	m, _ := personFixture(t)
	filter, err := Objects(m).Exclude(map[string]any{"age__gte": 18}).compileFilter(context.Background())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := bson.M{"age": bson.M{"$not": bson.M{"$gte": 18}}}
	if !reflect.DeepEqual(filter, want) {
		t.Fatalf("filter = %v, want %v", filter, want)
	}
}

func TestInsertRejectsForeignDocuments(t *testing.T) {
	m, _ := personFixture(t)
	other := NewMeta("Order", "orders")

	_, err := Objects(m).Insert(context.Background(), New(other))
	var op *OperationError
	if !errors.As(err, &op) {
		t.Fatalf("error = %v, want OperationError", err)
	}
}

func TestInsertRejectsPersistedDocuments(t *testing.T) {
	m, coll := personFixture(t)
	doc := FromMongo(m, bson.M{"_id": primitive.NewObjectID(), "name": "Ada"})

	_, err := Objects(m).Insert(context.Background(), doc)
	var op *OperationError
	if !errors.As(err, &op) {
		t.Fatalf("error = %v, want OperationError", err)
	}
	if len(coll.insertedDocs) != 0 {
		t.Fatal("persisted document reached the database")
	}
}

func TestInsertAssignsIDsAndFiresSignals(t *testing.T) {
	reg := signal.Init()
	defer signal.Shutdown()

	var events []string
	reg.PreBulkInsert.ConnectSender("Person", func(_ context.Context, _ string, p signal.Payload) (any, error) {
		events = append(events, "pre")
		if len(p.Documents) != 1 {
			t.Fatalf("pre payload documents = %d", len(p.Documents))
		}
		return nil, nil
	})
	reg.PostBulkInsert.ConnectSender("Person", func(_ context.Context, _ string, p signal.Payload) (any, error) {
		events = append(events, "post")
		if loaded, _ := p.Kwargs["loaded"].(bool); !loaded {
			t.Fatal("post payload not marked loaded")
		}
		return nil, nil
	})

	m, coll := personFixture(t)
	id := primitive.NewObjectID()
	coll.insertIDs = []any{id}
	coll.findDocs = []bson.M{{"_id": id, "name": "Ada"}}

	doc := New(m)
	if err := doc.Set("name", "Ada"); err != nil {
		t.Fatalf("set: %v", err)
	}
	loaded, err := Objects(m).Insert(context.Background(), doc)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if doc.ID() != id {
		t.Fatalf("id = %v, want %v", doc.ID(), id)
	}
	if doc.Created() {
		t.Fatal("document still marked created after insert")
	}
	if len(loaded) != 1 || loaded[0].Get("name") != "Ada" {
		t.Fatalf("loaded = %v", loaded)
	}
	if !reflect.DeepEqual(events, []string{"pre", "post"}) {
		t.Fatalf("signal order = %v", events)
	}
}

func TestUpdateTransformsKeywordSpec(t *testing.T) {
	m, coll := personFixture(t)
	coll.updateRes = &UpdateResult{Matched: 3, Modified: 3}

	n, err := Objects(m).Filter(map[string]any{"name": "Ada"}).Update(context.Background(), map[string]any{"inc__age": 1})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n != 3 {
		t.Fatalf("matched = %d, want 3", n)
	}
	call := coll.updateCalls[0]
	if !call.many {
		t.Fatal("update used UpdateOne")
	}
	wantUpdate := bson.M{"$inc": bson.M{"age": 1}}
	if !reflect.DeepEqual(call.update, wantUpdate) {
		t.Fatalf("update doc = %v, want %v", call.update, wantUpdate)
	}
	wantFilter := bson.M{"name": "Ada"}
	if !reflect.DeepEqual(call.filter, wantFilter) {
		t.Fatalf("filter = %v, want %v", call.filter, wantFilter)
	}
}

func TestUpdateWithEmptySpecFails(t *testing.T) {
	m, _ := personFixture(t)
	_, err := Objects(m).Update(context.Background(), nil)
	var op *OperationError
	if !errors.As(err, &op) {
		t.Fatalf("error = %v, want OperationError", err)
	}
}

func TestUpsertOneReturnsUpsertedDocument(t *testing.T) {
	m, coll := personFixture(t)
	id := primitive.NewObjectID()
	coll.updateRes = &UpdateResult{UpsertedID: id}
	coll.findDocs = []bson.M{{"_id": id, "name": "Ada"}}

	doc, err := Objects(m).Filter(map[string]any{"name": "Ada"}).UpsertOne(context.Background(), map[string]any{"set__name": "Ada"})
	if err != nil {
		t.Fatalf("upsert_one: %v", err)
	}
	if doc.ID() != id {
		t.Fatalf("id = %v, want %v", doc.ID(), id)
	}
	if !coll.updateCalls[0].upsert || coll.updateCalls[0].many {
		t.Fatalf("wrong update call: %+v", coll.updateCalls[0])
	}
}

func TestUpsertOneAllowsEmptySpec(t *testing.T) {
	m, coll := personFixture(t)
	id := primitive.NewObjectID()
	coll.updateRes = &UpdateResult{UpsertedID: id}
	coll.findDocs = []bson.M{{"_id": id, "name": "Ada"}}

	doc, err := Objects(m).Filter(map[string]any{"name": "Ada"}).UpsertOne(context.Background(), nil)
	if err != nil {
		t.Fatalf("upsert_one: %v", err)
	}
	if doc.ID() != id {
		t.Fatalf("id = %v, want %v", doc.ID(), id)
	}
	if !coll.updateCalls[0].upsert {
		t.Fatalf("wrong update call: %+v", coll.updateCalls[0])
	}
}

func TestUpsertSetsDiscriminator(t *testing.T) {
	reg := NewClassRegistry()
	m := NewMeta("Animal", "animals").WithInheritance()
	m.AddField(NewField("name"))
	reg.Register(m)
	coll := newFakeCollection("animals")
	m.BindCollection(coll)

	id := primitive.NewObjectID()
	coll.updateRes = &UpdateResult{UpsertedID: id}
	coll.findDocs = []bson.M{{"_id": id, "_cls": "Animal", "name": "Rex"}}

	if _, err := Objects(m).UpsertOne(context.Background(), map[string]any{"set__name": "Rex"}); err != nil {
		t.Fatalf("upsert_one: %v", err)
	}
	update, _ := coll.updateCalls[0].update.(bson.M)
	set, _ := update["$set"].(bson.M)
	if set["_cls"] != "Animal" {
		t.Fatalf("update = %v, want _cls in $set", update)
	}
}

func TestDeleteAppliesPullRule(t *testing.T) {
	signal.Init()
	defer signal.Shutdown()

	reg := NewClassRegistry()
	person := NewMeta("Person", "people")
	person.AddField(NewField("name"))
	reg.Register(person)

	post := NewMeta("Post", "posts")
	post.AddField(NewListField("likes",
		NewReferenceField("likes", "Person").WithIDOnly().WithReverseDeleteRule(Pull)))
	reg.Register(post)

	personColl := newFakeCollection("people")
	person.BindCollection(personColl)
	postColl := newFakeCollection("posts")
	post.BindCollection(postColl)

	id := primitive.NewObjectID()
	personColl.distinctVals = []any{id}
	personColl.deleteN = 1

	n, err := Objects(person).Delete(context.Background())
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}

	if len(postColl.updateCalls) != 1 {
		t.Fatalf("referrer update calls = %d, want 1", len(postColl.updateCalls))
	}
	call := postColl.updateCalls[0]
	want := bson.M{"$pullAll": bson.M{"likes": []any{id}}}
	if !reflect.DeepEqual(call.update, want) {
		t.Fatalf("pull update = %v, want %v", call.update, want)
	}
	if len(personColl.deleteCalls) != 1 {
		t.Fatal("target documents were not deleted")
	}
}

func TestDeleteDenyRuleRefusesWhileReferred(t *testing.T) {
	signal.Init()
	defer signal.Shutdown()

	reg := NewClassRegistry()
	person := NewMeta("Person", "people")
	reg.Register(person)

	post := NewMeta("Post", "posts")
	post.AddField(NewReferenceField("author", "Person").WithIDOnly().WithReverseDeleteRule(Deny))
	reg.Register(post)

	personColl := newFakeCollection("people")
	person.BindCollection(personColl)
	postColl := newFakeCollection("posts")
	post.BindCollection(postColl)

	personColl.distinctVals = []any{primitive.NewObjectID()}
	postColl.countN = 2

	_, err := Objects(person).Delete(context.Background())
	var op *OperationError
	if !errors.As(err, &op) {
		t.Fatalf("error = %v, want OperationError", err)
	}
	if len(personColl.deleteCalls) != 0 {
		t.Fatal("delete proceeded despite deny rule")
	}
}

func TestDeleteCascadeTerminatesOnMutualReferences(t *testing.T) {
	signal.Init()
	defer signal.Shutdown()

	reg := NewClassRegistry()
	author := NewMeta("Author", "authors")
	author.AddField(NewReferenceField("book", "Book").WithIDOnly().WithReverseDeleteRule(Cascade))
	reg.Register(author)

	book := NewMeta("Book", "books")
	book.AddField(NewReferenceField("author", "Author").WithIDOnly().WithReverseDeleteRule(Cascade))
	reg.Register(book)

	authorColl := newFakeCollection("authors")
	author.BindCollection(authorColl)
	bookColl := newFakeCollection("books")
	book.BindCollection(bookColl)

	authorColl.distinctVals = []any{primitive.NewObjectID()}
	authorColl.deleteN = 1
	bookColl.distinctVals = []any{primitive.NewObjectID()}
	bookColl.deleteN = 1

	// Each side cascades into the other; revisited ids must stop the
	// recursion.
	n, err := Objects(author).Delete(context.Background())
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if len(bookColl.deleteCalls) != 1 {
		t.Fatalf("book delete calls = %d, want 1", len(bookColl.deleteCalls))
	}
	if len(authorColl.deleteCalls) == 0 {
		t.Fatal("authors were never deleted")
	}
}

func TestDeleteWithSignalReceiversGoesDocumentWise(t *testing.T) {
	reg := signal.Init()
	defer signal.Shutdown()

	var pre, post int
	reg.PreDelete.ConnectSender("Person", func(context.Context, string, signal.Payload) (any, error) {
		pre++
		return nil, nil
	})
	reg.PostDelete.ConnectSender("Person", func(context.Context, string, signal.Payload) (any, error) {
		post++
		return nil, nil
	})

	m, coll := personFixture(t)
	id := primitive.NewObjectID()
	coll.findDocs = []bson.M{{"_id": id, "name": "Ada"}}
	coll.deleteN = 1

	n, err := Objects(m).Delete(context.Background())
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if pre != 1 || post != 1 {
		t.Fatalf("signals fired pre=%d post=%d, want 1/1", pre, post)
	}
	want := bson.M{"_id": id}
	if !reflect.DeepEqual(coll.deleteCalls[0], want) {
		t.Fatalf("delete filter = %v, want %v", coll.deleteCalls[0], want)
	}
}

func TestItemFrequencies(t *testing.T) {
	m, coll := personFixture(t)
	coll.aggDocs = []bson.M{
		{"_id": "go", "count": 3},
		{"_id": "python", "count": 1},
	}

	freq, err := Objects(m).ItemFrequencies(context.Background(), "tags", false)
	if err != nil {
		t.Fatalf("item_frequencies: %v", err)
	}
	if freq["go"] != 3 || freq["python"] != 1 {
		t.Fatalf("frequencies = %v", freq)
	}

	normalized, err := Objects(m).ItemFrequencies(context.Background(), "tags", true)
	if err != nil {
		t.Fatalf("item_frequencies: %v", err)
	}
	if normalized["go"] != 0.75 || normalized["python"] != 0.25 {
		t.Fatalf("normalized = %v", normalized)
	}
}

func TestAggregatePrefixesQuerysetStages(t *testing.T) {
	m, coll := personFixture(t)

	custom := bson.D{{Key: "$group", Value: bson.M{"_id": "$name"}}}
	cursor, err := Objects(m).
		Filter(map[string]any{"age__gte": 18}).
		OrderBy("-age").
		Skip(2).
		Limit(3).
		Aggregate(context.Background(), custom)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	defer cursor.Close(context.Background())

	pipeline := coll.aggCalls[0]
	if len(pipeline) != 5 {
		t.Fatalf("pipeline stages = %d, want 5", len(pipeline))
	}
	if pipeline[0][0].Key != "$match" || pipeline[1][0].Key != "$sort" {
		t.Fatalf("pipeline prefix wrong: %v", pipeline)
	}
	if pipeline[2][0].Key != "$limit" || pipeline[2][0].Value != int64(5) {
		t.Fatalf("limit stage = %v, want limit 5", pipeline[2])
	}
	if pipeline[3][0].Key != "$skip" || pipeline[3][0].Value != int64(2) {
		t.Fatalf("skip stage = %v", pipeline[3])
	}
	if !reflect.DeepEqual(pipeline[4], custom) {
		t.Fatalf("custom stage not appended: %v", pipeline[4])
	}
}

func TestDistinctHydratesEmbeddedValues(t *testing.T) {
	reg := NewClassRegistry()
	profile := NewMeta("Profile", "")
	profile.AddField(NewField("city"))

	m := NewMeta("Person", "people")
	m.AddField(NewEmbeddedField("profile", profile))
	reg.Register(m)

	coll := newFakeCollection("people")
	m.BindCollection(coll)
	coll.distinctVals = []any{bson.M{"city": "Oslo"}}

	values, err := Objects(m).Distinct(context.Background(), "profile")
	if err != nil {
		t.Fatalf("distinct: %v", err)
	}
	doc, ok := values[0].(*Document)
	if !ok {
		t.Fatalf("value = %T, want *Document", values[0])
	}
	if doc.Get("city") != "Oslo" {
		t.Fatalf("city = %v", doc.Get("city"))
	}
}

func TestNestedQuerysetResolvesToIDs(t *testing.T) {
	m, coll := personFixture(t)
	ids := []any{primitive.NewObjectID(), primitive.NewObjectID()}
	coll.distinctVals = ids

	resolved, err := Objects(m).Filter(map[string]any{"age__gte": 30}).ResolveList(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reflect.DeepEqual(resolved, ids) {
		t.Fatalf("ids = %v, want %v", resolved, ids)
	}
	if coll.distinctCalls[0].field != "_id" {
		t.Fatalf("distinct field = %q", coll.distinctCalls[0].field)
	}

	// A queryset used as an in-lookup value compiles to those ids.
	post := NewMeta("Post", "posts")
	post.AddField(NewReferenceField("author", "Person").WithIDOnly())
	filter, err := query.Compile(context.Background(), post,
		query.NewQ(map[string]any{"author__in": Objects(m)}))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	in, _ := filter["author"].(bson.M)
	if !reflect.DeepEqual(in["$in"], ids) {
		t.Fatalf("compiled in-list = %v, want %v", in["$in"], ids)
	}
}

func TestMapReduceInline(t *testing.T) {
	m, coll := personFixture(t)
	coll.commandRes = bson.M{
		"results": []any{
			bson.M{"_id": "go", "value": 3.0},
			bson.M{"_id": "python", "value": 1.0},
		},
	}

	results, err := Objects(m).MapReduce(context.Background(),
		"function() { emit(this.tag, 1); }",
		"function(k, vs) { return Array.sum(vs); }",
		"inline", MapReduceOptions{})
	if err != nil {
		t.Fatalf("map_reduce: %v", err)
	}
	if len(results) != 2 || results[0].Key != "go" || results[0].Value != 3.0 {
		t.Fatalf("results = %v", results)
	}
	cmd := coll.commands[0]
	if cmd[0].Key != "mapReduce" || cmd[0].Value != "people" {
		t.Fatalf("command = %v", cmd)
	}
}

func TestMapReduceForwardsFinalizeAndScope(t *testing.T) {
	m, coll := personFixture(t)
	coll.commandRes = bson.M{"results": []any{}}

	_, err := Objects(m).MapReduce(context.Background(),
		"function() { emit(this.tag, 1); }",
		"function(k, vs) { return Array.sum(vs); }",
		"inline", MapReduceOptions{
			Finalize: "function(k, v) { return v * factor; }",
			Scope:    bson.M{"factor": 2},
		})
	if err != nil {
		t.Fatalf("map_reduce: %v", err)
	}

	got := map[string]any{}
	for _, e := range coll.commands[0] {
		got[e.Key] = e.Value
	}
	if got["finalize"] != primitive.JavaScript("function(k, v) { return v * factor; }") {
		t.Fatalf("finalize = %v", got["finalize"])
	}
	if !reflect.DeepEqual(got["scope"], bson.M{"factor": 2}) {
		t.Fatalf("scope = %v", got["scope"])
	}
}

func TestSumAndAverage(t *testing.T) {
	m, coll := personFixture(t)
	coll.aggDocs = []bson.M{{"_id": nil, "total": 95.0}}

	sum, err := Objects(m).Sum(context.Background(), "age")
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 95 {
		t.Fatalf("sum = %v, want 95", sum)
	}

	avg, err := Objects(m).Average(context.Background(), "age")
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if avg != 95 {
		t.Fatalf("avg = %v, want 95", avg)
	}
}
