package odm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nimburion/odm/pkg/observability/tracing"
	"github.com/nimburion/odm/pkg/query"
	"github.com/nimburion/odm/pkg/signal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// QuerySet is an immutable query description over one document class.
// Chainer methods return a modified copy and never touch the database;
// terminal methods compile the accumulated state and execute it on the
// caller's context.
type QuerySet struct {
	meta *Meta
	node query.Node
	// rawFilter is a pre-compiled filter merged into the compiled node.
	// Delete-rule enforcement builds querysets over referrer collections
	// through this.
	rawFilter bson.M

	ordering  []string
	skip      int64
	limit     int64 // -1 means unset
	batchSize int32
	hint      any
	comment   string

	readPref *readpref.ReadPref

	noDeref bool
	noCache bool
	none    bool

	// fromDocDelete suppresses the document-wise delete path when the
	// delete was initiated by Document.Delete, which already fired the
	// signals.
	fromDocDelete bool

	// cascade carries the ids already scheduled for deletion while
	// cascade rules recurse through referring classes.
	cascade *cascadeState

	cache []*Document
}

// Objects starts a queryset over the class, carrying the class's default
// ordering.
func Objects(meta *Meta) *QuerySet {
	return &QuerySet{
		meta:     meta,
		node:     query.Q{},
		ordering: meta.Ordering,
		limit:    -1,
	}
}

func (qs *QuerySet) clone() *QuerySet {
	c := *qs
	c.cache = nil
	return &c
}

// Meta returns the class the queryset ranges over.
func (qs *QuerySet) Meta() *Meta { return qs.meta }

// Filter narrows the queryset with keyword lookups, intersecting them with
// the existing conditions.
func (qs *QuerySet) Filter(conditions map[string]any) *QuerySet {
	return qs.FilterNode(query.NewQ(conditions))
}

// FilterNode narrows the queryset with a prebuilt filter tree.
func (qs *QuerySet) FilterNode(node query.Node) *QuerySet {
	c := qs.clone()
	c.node = query.And(c.node, node)
	return c
}

// Exclude narrows the queryset to documents NOT matching the lookups.
// Multiple lookups exclude documents matching all of them together, so the
// negations are unioned.
func (qs *QuerySet) Exclude(conditions map[string]any) *QuerySet {
	nodes := make([]query.Node, 0, len(conditions))
	for key, value := range conditions {
		nodes = append(nodes, query.NewQ(map[string]any{negateLookupKey(key): value}))
	}
	return qs.FilterNode(query.Or(nodes...))
}

// negateLookupKey threads "not" into a keyword lookup, keeping a trailing
// operator in place: "age__gte" becomes "age__not__gte".
func negateLookupKey(key string) string {
	parts := strings.Split(key, "__")
	last := parts[len(parts)-1]
	if len(parts) > 1 && query.IsOperator(last) {
		parts = append(parts[:len(parts)-1], "not", last)
	} else {
		parts = append(parts, "not")
	}
	return strings.Join(parts, "__")
}

// OrderBy replaces the ordering. A "-" prefix sorts descending; no
// arguments clears the ordering entirely.
func (qs *QuerySet) OrderBy(fields ...string) *QuerySet {
	c := qs.clone()
	c.ordering = fields
	return c
}

// Skip drops the first n results.
func (qs *QuerySet) Skip(n int64) *QuerySet {
	c := qs.clone()
	c.skip = n
	return c
}

// Limit caps the result count. Limit(0) yields an empty queryset; a
// negative n removes a previously set limit.
func (qs *QuerySet) Limit(n int64) *QuerySet {
	c := qs.clone()
	if n == 0 {
		c.none = true
		return c
	}
	if n < 0 {
		c.limit = -1
		return c
	}
	c.limit = n
	return c
}

// Slice bounds the result window to [start, stop), like a slice
// expression. An empty window yields an empty queryset.
func (qs *QuerySet) Slice(start, stop int64) *QuerySet {
	c := qs.clone()
	if stop <= start {
		c.none = true
		return c
	}
	c.skip = start
	c.limit = stop - start
	return c
}

// ReadPreference routes this queryset's reads with the given preference.
func (qs *QuerySet) ReadPreference(pref *readpref.ReadPref) *QuerySet {
	c := qs.clone()
	c.readPref = pref
	return c
}

// BatchSize sets the cursor batch size.
func (qs *QuerySet) BatchSize(n int32) *QuerySet {
	c := qs.clone()
	c.batchSize = n
	return c
}

// Hint forces an index.
func (qs *QuerySet) Hint(hint any) *QuerySet {
	c := qs.clone()
	c.hint = hint
	return c
}

// Comment attaches a comment to the query for the profiler.
func (qs *QuerySet) Comment(comment string) *QuerySet {
	c := qs.clone()
	c.comment = comment
	return c
}

// NoDereference turns off reference resolution on values this queryset
// returns (Distinct on reference fields returns raw references).
func (qs *QuerySet) NoDereference() *QuerySet {
	c := qs.clone()
	c.noDeref = true
	return c
}

// NoCache disables result caching: each ToList hits the database again.
func (qs *QuerySet) NoCache() *QuerySet {
	c := qs.clone()
	c.noCache = true
	return c
}

// None returns a queryset that matches nothing and never touches the
// database.
func (qs *QuerySet) None() *QuerySet {
	c := qs.clone()
	c.none = true
	return c
}

// Clone returns a copy without the result cache.
func (qs *QuerySet) Clone() *QuerySet { return qs.clone() }

func (qs *QuerySet) withRawFilter(filter bson.M) *QuerySet {
	c := qs.clone()
	c.rawFilter = filter
	return c
}

// compileFilter compiles the filter tree and merges any raw filter in.
func (qs *QuerySet) compileFilter(ctx context.Context) (bson.M, error) {
	compiled, err := query.Compile(ctx, qs.meta, qs.node)
	if err != nil {
		return nil, err
	}
	if len(qs.rawFilter) == 0 {
		return compiled, nil
	}
	if len(compiled) == 0 {
		return qs.rawFilter, nil
	}
	merged := bson.M{}
	for k, v := range compiled {
		merged[k] = v
	}
	for k, v := range qs.rawFilter {
		if _, clash := merged[k]; clash {
			return bson.M{"$and": []bson.M{compiled, qs.rawFilter}}, nil
		}
		merged[k] = v
	}
	return merged, nil
}

// sortDoc resolves the ordering keys to database field paths.
func (qs *QuerySet) sortDoc() (bson.D, error) {
	if len(qs.ordering) == 0 {
		return nil, nil
	}
	out := make(bson.D, 0, len(qs.ordering))
	for _, key := range qs.ordering {
		direction := 1
		if strings.HasPrefix(key, "-") {
			direction = -1
			key = key[1:]
		} else if strings.HasPrefix(key, "+") {
			key = key[1:]
		}
		if key == "$natural" {
			out = append(out, bson.E{Key: "$natural", Value: direction})
			continue
		}
		path, _, err := qs.resolvePath(key)
		if err != nil {
			return nil, err
		}
		out = append(out, bson.E{Key: path, Value: direction})
	}
	return out, nil
}

// resolvePath maps a keyword field path ("profile__name") to its database
// path and final descriptor.
func (qs *QuerySet) resolvePath(key string) (string, *FieldDescriptor, error) {
	parts := strings.Split(key, "__")
	fields, err := qs.meta.LookupField(parts)
	if err != nil {
		return "", nil, err
	}
	dbParts := make([]string, len(fields))
	for i, f := range fields {
		dbParts[i] = f.DBName()
	}
	last, _ := fields[len(fields)-1].(*FieldDescriptor)
	return strings.Join(dbParts, "."), last, nil
}

func (qs *QuerySet) findOptions() (FindOptions, error) {
	sortDoc, err := qs.sortDoc()
	if err != nil {
		return FindOptions{}, err
	}
	opts := FindOptions{
		Sort:      sortDoc,
		Hint:      qs.hint,
		Comment:   qs.comment,
		BatchSize: qs.batchSize,
	}
	if qs.skip > 0 {
		opts.Skip = qs.skip
	}
	if qs.limit > 0 {
		opts.Limit = qs.limit
	}
	return opts, nil
}

func (qs *QuerySet) collection(ctx context.Context) (Collection, error) {
	coll, err := qs.meta.CollectionHandle(ctx)
	if err != nil {
		return nil, err
	}
	if qs.readPref != nil {
		coll = coll.WithReadPreference(qs.readPref)
	}
	return coll, nil
}

// observe opens a trace span and returns the completion hook that records
// metrics and logs the outcome.
func (qs *QuerySet) observe(ctx context.Context, op string) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := tracing.StartOperationSpan(ctx, qs.meta.Collection, op,
		tracing.WithDocumentClass(qs.meta.ClassName),
		tracing.WithAlias(qs.meta.Alias()))
	return ctx, func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
			tracing.RecordError(span, err)
			coreLogger().WithContext(ctx).Error("operation failed",
				"collection", qs.meta.Collection, "operation", op, "error", err)
		} else {
			tracing.RecordSuccess(span)
			coreLogger().WithContext(ctx).Debug("operation completed",
				"collection", qs.meta.Collection, "operation", op,
				"duration", time.Since(start))
		}
		coreMetrics().ObserveOperation(qs.meta.Collection, op, status, time.Since(start))
		span.End()
	}
}

// Iterator walks query results one document at a time.
type Iterator struct {
	meta   *Meta
	cursor Cursor
	doc    *Document
	err    error
}

// Next advances the iterator, hydrating the next document. It returns
// false at the end of the result set or on error.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil || it.cursor == nil {
		return false
	}
	if !it.cursor.Next(ctx) {
		it.err = it.cursor.Err()
		return false
	}
	var raw bson.M
	if err := it.cursor.Decode(&raw); err != nil {
		it.err = err
		return false
	}
	it.doc = FromMongo(it.meta, raw)
	return true
}

// Doc returns the document Next positioned on.
func (it *Iterator) Doc() *Document { return it.doc }

// Err returns the first error encountered while iterating.
func (it *Iterator) Err() error { return it.err }

// Close releases the underlying cursor.
func (it *Iterator) Close(ctx context.Context) error {
	if it.cursor == nil {
		return nil
	}
	return it.cursor.Close(ctx)
}

// Iter executes the query and returns an iterator over the results.
func (qs *QuerySet) Iter(ctx context.Context) (*Iterator, error) {
	if qs.none {
		return &Iterator{meta: qs.meta}, nil
	}
	filter, err := qs.compileFilter(ctx)
	if err != nil {
		return nil, err
	}
	opts, err := qs.findOptions()
	if err != nil {
		return nil, err
	}
	coll, err := qs.collection(ctx)
	if err != nil {
		return nil, err
	}
	ctx, done := qs.observe(ctx, "find")
	cursor, err := coll.Find(ctx, filter, opts)
	done(err)
	if err != nil {
		return nil, &OperationError{Msg: "find failed", Err: err}
	}
	return &Iterator{meta: qs.meta, cursor: cursor}, nil
}

// ToList executes the query and returns all matching documents. Results
// are cached on the queryset unless NoCache was applied.
func (qs *QuerySet) ToList(ctx context.Context) ([]*Document, error) {
	if qs.none {
		return nil, nil
	}
	if qs.cache != nil {
		return qs.cache, nil
	}
	it, err := qs.Iter(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close(ctx) }()

	docs := make([]*Document, 0)
	for it.Next(ctx) {
		docs = append(docs, it.Doc())
	}
	if err := it.Err(); err != nil {
		return nil, &OperationError{Msg: "cursor iteration failed", Err: err}
	}
	if !qs.noCache {
		qs.cache = docs
	}
	return docs, nil
}

// Count returns the number of matching documents, honoring skip and limit.
// A cached result set is counted without a round trip.
func (qs *QuerySet) Count(ctx context.Context) (int64, error) {
	if qs.none {
		return 0, nil
	}
	if qs.cache != nil {
		return int64(len(qs.cache)), nil
	}
	filter, err := qs.compileFilter(ctx)
	if err != nil {
		return 0, err
	}
	coll, err := qs.collection(ctx)
	if err != nil {
		return 0, err
	}
	opts := CountOptions{}
	if qs.skip > 0 {
		skip := qs.skip
		opts.Skip = &skip
	}
	if qs.limit > 0 {
		limit := qs.limit
		opts.Limit = &limit
	}
	ctx, done := qs.observe(ctx, "count")
	n, err := coll.CountDocuments(ctx, filter, opts)
	done(err)
	if err != nil {
		return 0, &OperationError{Msg: "count failed", Err: err}
	}
	return n, nil
}

// Exists reports whether any document matches.
func (qs *QuerySet) Exists(ctx context.Context) (bool, error) {
	n, err := qs.Limit(1).Count(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the single matching document. Zero matches raise
// NotFoundError, more than one MultipleObjectsError.
func (qs *QuerySet) Get(ctx context.Context, conditions ...map[string]any) (*Document, error) {
	c := qs.clone()
	for _, cond := range conditions {
		c = c.Filter(cond)
	}
	// The cardinality probe needs no sort.
	c.ordering = nil
	c.limit = 2
	docs, err := c.ToList(ctx)
	if err != nil {
		return nil, err
	}
	switch len(docs) {
	case 0:
		return nil, &NotFoundError{ClassName: qs.meta.ClassName}
	case 1:
		return docs[0], nil
	default:
		return nil, &MultipleObjectsError{ClassName: qs.meta.ClassName}
	}
}

// First returns the first matching document, or nil without error when
// nothing matches.
func (qs *QuerySet) First(ctx context.Context) (*Document, error) {
	docs, err := qs.Limit(1).ToList(ctx)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// At returns the i-th result of the queryset, counted within its current
// window.
func (qs *QuerySet) At(ctx context.Context, i int64) (*Document, error) {
	if i < 0 {
		return nil, &OperationError{Msg: "negative index"}
	}
	doc, err := qs.Skip(qs.skip + i).Limit(1).First(ctx)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, &NotFoundError{ClassName: qs.meta.ClassName}
	}
	return doc, nil
}

// WithID returns the document with the given primary key.
func (qs *QuerySet) WithID(ctx context.Context, id any) (*Document, error) {
	return qs.Get(ctx, map[string]any{"pk": id})
}

// InBulk fetches the documents with the given primary keys in one query,
// keyed by their ids. Missing ids are simply absent from the map.
func (qs *QuerySet) InBulk(ctx context.Context, ids []any) (map[any]*Document, error) {
	if len(ids) == 0 || qs.none {
		return map[any]*Document{}, nil
	}
	idField := qs.meta.Field("id")
	prepared := make([]any, 0, len(ids))
	for _, id := range ids {
		v, err := idField.PrepareQueryValue("in", id)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, v)
	}
	coll, err := qs.collection(ctx)
	if err != nil {
		return nil, err
	}
	ctx, done := qs.observe(ctx, "in_bulk")
	cursor, err := coll.Find(ctx, bson.M{"_id": bson.M{"$in": prepared}}, FindOptions{})
	if err != nil {
		done(err)
		return nil, &OperationError{Msg: "in_bulk failed", Err: err}
	}
	defer func() { _ = cursor.Close(ctx) }()

	out := make(map[any]*Document, len(ids))
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			done(err)
			return nil, &OperationError{Msg: "in_bulk decode failed", Err: err}
		}
		doc := FromMongo(qs.meta, raw)
		out[doc.ID()] = doc
	}
	err = cursor.Err()
	done(err)
	if err != nil {
		return nil, &OperationError{Msg: "in_bulk failed", Err: err}
	}
	return out, nil
}

// Insert persists new documents in one batch. Every document must belong
// to the queryset's class; the bulk-insert signals fire around the write
// and the returned documents are reloaded from the database.
func (qs *QuerySet) Insert(ctx context.Context, docs ...*Document) ([]*Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	for _, doc := range docs {
		if doc.Meta().Collection != qs.meta.Collection {
			return nil, &OperationError{Msg: fmt.Sprintf(
				"cannot insert %s documents into the %s collection",
				doc.ClassName(), qs.meta.Collection)}
		}
		if !doc.Created() {
			return nil, &OperationError{Msg: fmt.Sprintf(
				"cannot insert an already persisted %s document", doc.ClassName())}
		}
		if err := doc.Validate(ctx, true); err != nil {
			return nil, err
		}
	}

	reg := signal.Default()
	batch := make([]any, len(docs))
	for i, doc := range docs {
		batch[i] = doc
	}
	if _, err := reg.PreBulkInsert.Send(ctx, qs.meta.ClassName, signal.Payload{Documents: batch}); err != nil {
		return nil, err
	}

	raws := make([]any, len(docs))
	for i, doc := range docs {
		raws[i] = doc.ToMongo()
	}

	coll, err := qs.collection(ctx)
	if err != nil {
		return nil, err
	}

	opCtx, done := qs.observe(ctx, "insert")
	var ids []any
	if len(raws) == 1 {
		var id any
		id, err = coll.InsertOne(opCtx, raws[0])
		ids = []any{id}
	} else {
		ids, err = coll.InsertMany(opCtx, raws)
	}
	done(err)
	if err != nil {
		return nil, wrapWriteError("insert failed", err)
	}

	for i, doc := range docs {
		if i < len(ids) && doc.ID() == nil {
			doc.SetID(ids[i])
		}
		doc.created = false
		doc.clearChanged()
	}

	// Reload the batch so callers see exactly what the server stored.
	allIDs := make([]any, len(docs))
	for i, doc := range docs {
		allIDs[i] = doc.ID()
	}
	fetched, err := qs.InBulk(ctx, allIDs)
	if err != nil {
		return nil, err
	}
	loaded := make([]*Document, len(docs))
	loadedAny := make([]any, len(docs))
	for i, doc := range docs {
		if got, ok := fetched[doc.ID()]; ok {
			loaded[i] = got
		} else {
			loaded[i] = doc
		}
		loadedAny[i] = loaded[i]
	}

	if _, err := reg.PostBulkInsert.Send(ctx, qs.meta.ClassName, signal.Payload{
		Documents: loadedAny,
		Kwargs:    map[string]any{"loaded": true},
	}); err != nil {
		return nil, err
	}
	return loaded, nil
}

// Update applies a keyword update spec to every matching document and
// returns the matched count.
func (qs *QuerySet) Update(ctx context.Context, spec map[string]any) (int64, error) {
	res, err := qs.update(ctx, spec, false, false)
	if err != nil {
		return 0, err
	}
	return res.Matched, nil
}

// UpdateOne applies a keyword update spec to the first matching document.
func (qs *QuerySet) UpdateOne(ctx context.Context, spec map[string]any) (int64, error) {
	res, err := qs.update(ctx, spec, true, false)
	if err != nil {
		return 0, err
	}
	return res.Matched, nil
}

// UpsertOne updates the first matching document or inserts one from the
// spec, returning the resulting document.
func (qs *QuerySet) UpsertOne(ctx context.Context, spec map[string]any) (*Document, error) {
	res, err := qs.update(ctx, spec, true, true)
	if err != nil {
		return nil, err
	}
	if res.UpsertedID != nil {
		return Objects(qs.meta).WithID(ctx, res.UpsertedID)
	}
	return qs.Get(ctx)
}

func (qs *QuerySet) update(ctx context.Context, spec map[string]any, one, upsert bool) (*UpdateResult, error) {
	if qs.none {
		return &UpdateResult{}, nil
	}
	if len(spec) == 0 && !upsert {
		return nil, &OperationError{Msg: "update called with no operations"}
	}
	update, err := query.TransformUpdate(qs.meta, spec)
	if err != nil {
		return nil, err
	}
	if upsert && qs.meta.AllowInheritance {
		// An upsert-inserted document still needs its discriminator.
		set, ok := update["$set"].(bson.M)
		if !ok {
			set = bson.M{}
			update["$set"] = set
		}
		set[clsField] = qs.meta.ClassName
	}
	filter, err := qs.compileFilter(ctx)
	if err != nil {
		return nil, err
	}
	coll, err := qs.collection(ctx)
	if err != nil {
		return nil, err
	}
	ctx, done := qs.observe(ctx, "update")
	var res *UpdateResult
	if one {
		res, err = coll.UpdateOne(ctx, filter, update, upsert)
	} else {
		res, err = coll.UpdateMany(ctx, filter, update, upsert)
	}
	done(err)
	if err != nil {
		return nil, wrapWriteError("update failed", err)
	}
	return res, nil
}

// Modify atomically updates and returns one matching document. A nil spec
// removes the document instead. The returned document is the post-update
// state when opts.ReturnNew is set, the prior state otherwise; nil means
// nothing matched.
func (qs *QuerySet) Modify(ctx context.Context, spec map[string]any, opts ModifyOptions) (*Document, error) {
	if qs.none {
		return nil, nil
	}
	filter, err := qs.compileFilter(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Sort == nil {
		if opts.Sort, err = qs.sortDoc(); err != nil {
			return nil, err
		}
	}
	coll, err := qs.collection(ctx)
	if err != nil {
		return nil, err
	}

	var raw bson.M
	if spec == nil {
		ctx, done := qs.observe(ctx, "find_and_delete")
		raw, err = coll.FindOneAndDelete(ctx, filter, opts)
		done(err)
	} else {
		var update bson.M
		update, err = query.TransformUpdate(qs.meta, spec)
		if err != nil {
			return nil, err
		}
		ctx, done := qs.observe(ctx, "find_and_modify")
		raw, err = coll.FindOneAndUpdate(ctx, filter, update, opts)
		done(err)
	}
	if err != nil {
		return nil, wrapWriteError("modify failed", err)
	}
	if raw == nil {
		return nil, nil
	}
	return FromMongo(qs.meta, raw), nil
}

// Delete removes every matching document, enforcing reverse delete rules.
// When delete signal receivers are registered for the class, or skip or
// limit narrow the queryset, documents are deleted one by one so the
// signals fire per document; otherwise a single bulk delete runs.
func (qs *QuerySet) Delete(ctx context.Context) (int64, error) {
	if qs.none {
		return 0, nil
	}
	reg := signal.Default()
	className := qs.meta.ClassName

	signalled := reg.PreDelete.HasReceivers(className) || reg.PostDelete.HasReceivers(className)
	if !qs.fromDocDelete && (signalled || qs.skip > 0 || qs.limit > 0) {
		docs, err := qs.ToList(ctx)
		if err != nil {
			return 0, err
		}
		var deleted int64
		for _, doc := range docs {
			if err := doc.Delete(ctx); err != nil {
				return deleted, err
			}
			deleted++
		}
		return deleted, nil
	}

	filter, err := qs.compileFilter(ctx)
	if err != nil {
		return 0, err
	}
	coll, err := qs.collection(ctx)
	if err != nil {
		return 0, err
	}

	if err := qs.applyDeleteRules(ctx, coll, filter); err != nil {
		return 0, err
	}

	ctx, done := qs.observe(ctx, "delete")
	n, err := coll.DeleteMany(ctx, filter)
	done(err)
	if err != nil {
		return 0, &OperationError{Msg: "delete failed", Err: err}
	}
	return n, nil
}

// cascadeState records, per collection, the ids a delete has already
// scheduled. Mutually cascading classes terminate because a revisited id
// claims nothing new.
type cascadeState struct {
	seen map[string]map[string]struct{}
}

// claim returns the ids not yet scheduled for the collection and marks
// them scheduled.
func (s *cascadeState) claim(collection string, ids []any) []any {
	if s.seen == nil {
		s.seen = make(map[string]map[string]struct{})
	}
	set := s.seen[collection]
	if set == nil {
		set = make(map[string]struct{})
		s.seen[collection] = set
	}
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		key := fmt.Sprint(id)
		if _, ok := set[key]; ok {
			continue
		}
		set[key] = struct{}{}
		out = append(out, id)
	}
	return out
}

// applyDeleteRules enforces the reverse delete rules declared by classes
// referencing this one: DENY refusals first, then CASCADE deletes, then
// NULLIFY unsets and PULL removals.
func (qs *QuerySet) applyDeleteRules(ctx context.Context, coll Collection, filter bson.M) error {
	rules := classRegistryOf(qs.meta).Referrers(qs.meta.ClassName)
	if len(rules) == 0 {
		return nil
	}
	ids, err := coll.Distinct(ctx, "_id", filter)
	if err != nil {
		return &OperationError{Msg: "delete rule id scan failed", Err: err}
	}
	state := qs.cascade
	if state == nil {
		state = &cascadeState{}
	}
	ids = state.claim(qs.meta.Collection, ids)
	if len(ids) == 0 {
		return nil
	}

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Rule == Deny && rules[j].Rule != Deny })

	for _, rule := range rules {
		values := deleteRuleValues(rule, qs.meta.Collection, ids)
		refFilter := bson.M{rule.Field.DBField: bson.M{"$in": values}}

		switch rule.Rule {
		case Deny:
			refColl, err := rule.Meta.CollectionHandle(ctx)
			if err != nil {
				return err
			}
			n, err := refColl.CountDocuments(ctx, refFilter, CountOptions{})
			if err != nil {
				return &OperationError{Msg: "delete rule check failed", Err: err}
			}
			if n > 0 {
				return &OperationError{Msg: fmt.Sprintf(
					"could not delete %s: %s.%s refers to it",
					qs.meta.ClassName, rule.Meta.ClassName, rule.Field.Name)}
			}

		case Cascade:
			sub := Objects(rule.Meta).withRawFilter(refFilter)
			sub.cascade = state
			if _, err := sub.Delete(ctx); err != nil {
				return err
			}

		case Nullify:
			refColl, err := rule.Meta.CollectionHandle(ctx)
			if err != nil {
				return err
			}
			if _, err := refColl.UpdateMany(ctx, refFilter,
				bson.M{"$unset": bson.M{rule.Field.DBField: 1}}, false); err != nil {
				return &OperationError{Msg: "nullify rule failed", Err: err}
			}

		case Pull:
			refColl, err := rule.Meta.CollectionHandle(ctx)
			if err != nil {
				return err
			}
			if _, err := refColl.UpdateMany(ctx, refFilter,
				bson.M{"$pullAll": bson.M{rule.Field.DBField: values}}, false); err != nil {
				return &OperationError{Msg: "pull rule failed", Err: err}
			}
		}
	}
	return nil
}

// deleteRuleValues shapes target ids the way the referring field stores
// them: DBRef pairs for DBRef fields, bare ids otherwise.
func deleteRuleValues(rule RefRule, targetCollection string, ids []any) []any {
	f := rule.Field
	if (f.Kind == KindList || f.Kind == KindMap) && f.Element != nil {
		f = f.Element
	}
	if !f.DBRef {
		return ids
	}
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = DBRef{Collection: targetCollection, ID: id}
	}
	return out
}

// Distinct returns the distinct values of a field across the matching
// documents. Reference values are resolved to documents unless
// NoDereference was applied; embedded values are hydrated.
func (qs *QuerySet) Distinct(ctx context.Context, field string) ([]any, error) {
	if qs.none {
		return nil, nil
	}
	path, fd, err := qs.resolvePath(field)
	if err != nil {
		return nil, err
	}
	filter, err := qs.compileFilter(ctx)
	if err != nil {
		return nil, err
	}
	coll, err := qs.collection(ctx)
	if err != nil {
		return nil, err
	}
	ctx, done := qs.observe(ctx, "distinct")
	values, err := coll.Distinct(ctx, path, filter)
	done(err)
	if err != nil {
		return nil, &OperationError{Msg: "distinct failed", Err: err}
	}
	if fd == nil {
		return values, nil
	}

	if fd.Kind == KindEmbedded && fd.Embedded != nil {
		out := make([]any, len(values))
		for i, v := range values {
			if m, ok := asStringMap(v); ok {
				out[i] = FromMongo(fd.Embedded, bson.M(m))
			} else {
				out[i] = v
			}
		}
		return out, nil
	}

	if fd.IsReference() && !qs.noDeref {
		resolved, err := dereference(ctx, qs.meta, fd, values, 1, nil)
		if err != nil {
			return nil, err
		}
		if list, ok := resolved.([]any); ok {
			return list, nil
		}
	}
	return values, nil
}

// Aggregate runs an aggregation pipeline, prefixed with the queryset's
// filter, ordering, limit and skip stages.
func (qs *QuerySet) Aggregate(ctx context.Context, stages ...bson.D) (Cursor, error) {
	filter, err := qs.compileFilter(ctx)
	if err != nil {
		return nil, err
	}
	sortDoc, err := qs.sortDoc()
	if err != nil {
		return nil, err
	}

	pipeline := mongo.Pipeline{}
	if len(filter) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: filter}})
	}
	if len(sortDoc) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$sort", Value: sortDoc}})
	}
	if qs.limit > 0 {
		// The limit stage runs before skip, so it covers skipped results.
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: qs.limit + qs.skip}})
	}
	if qs.skip > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$skip", Value: qs.skip}})
	}
	pipeline = append(pipeline, stages...)

	coll, err := qs.collection(ctx)
	if err != nil {
		return nil, err
	}
	ctx, done := qs.observe(ctx, "aggregate")
	cursor, err := coll.Aggregate(ctx, pipeline)
	done(err)
	if err != nil {
		return nil, &OperationError{Msg: "aggregate failed", Err: err}
	}
	return cursor, nil
}

// Sum totals a numeric field over the matching documents.
func (qs *QuerySet) Sum(ctx context.Context, field string) (float64, error) {
	return qs.accumulate(ctx, field, "$sum")
}

// Average computes the mean of a numeric field over the matching
// documents.
func (qs *QuerySet) Average(ctx context.Context, field string) (float64, error) {
	return qs.accumulate(ctx, field, "$avg")
}

func (qs *QuerySet) accumulate(ctx context.Context, field, accumulator string) (float64, error) {
	if qs.none {
		return 0, nil
	}
	path, _, err := qs.resolvePath(field)
	if err != nil {
		return 0, err
	}
	cursor, err := qs.Aggregate(ctx, bson.D{{Key: "$group", Value: bson.M{
		"_id":   nil,
		"total": bson.M{accumulator: "$" + path},
	}}})
	if err != nil {
		return 0, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	if !cursor.Next(ctx) {
		return 0, cursor.Err()
	}
	var row struct {
		Total float64 `bson:"total"`
	}
	if err := cursor.Decode(&row); err != nil {
		return 0, &OperationError{Msg: "aggregate decode failed", Err: err}
	}
	return row.Total, nil
}

// ItemFrequencies counts how often each value of a field occurs across the
// matching documents, unwinding list fields. With normalize set, counts
// become fractions of the total.
func (qs *QuerySet) ItemFrequencies(ctx context.Context, field string, normalize bool) (map[any]float64, error) {
	if qs.none {
		return map[any]float64{}, nil
	}
	path, _, err := qs.resolvePath(field)
	if err != nil {
		return nil, err
	}
	cursor, err := qs.Aggregate(ctx,
		bson.D{{Key: "$unwind", Value: bson.M{
			"path":                       "$" + path,
			"preserveNullAndEmptyArrays": true,
		}}},
		bson.D{{Key: "$group", Value: bson.M{
			"_id":   "$" + path,
			"count": bson.M{"$sum": 1},
		}}},
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	frequencies := make(map[any]float64)
	var total float64
	for cursor.Next(ctx) {
		var row struct {
			Value any     `bson:"_id"`
			Count float64 `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, &OperationError{Msg: "aggregate decode failed", Err: err}
		}
		frequencies[row.Value] = row.Count
		total += row.Count
	}
	if err := cursor.Err(); err != nil {
		return nil, &OperationError{Msg: "item_frequencies failed", Err: err}
	}
	if normalize && total > 0 {
		for k, v := range frequencies {
			frequencies[k] = v / total
		}
	}
	return frequencies, nil
}

// MapReduceResult is one key-value pair emitted by a map-reduce run.
type MapReduceResult struct {
	Key   any
	Value any
}

// MapReduceOptions carries the optional map-reduce parameters.
type MapReduceOptions struct {
	// Finalize runs server-side over each reduced pair.
	Finalize string
	// Scope exposes extra variables to the map, reduce and finalize
	// functions.
	Scope bson.M
}

// MapReduce runs server-side map-reduce over the matching documents.
// output "" or "inline" returns results directly; any other value names
// the output collection, optionally prefixed "database." to cross
// databases.
func (qs *QuerySet) MapReduce(ctx context.Context, mapFn, reduceFn, output string, opts MapReduceOptions) ([]MapReduceResult, error) {
	if qs.none {
		return nil, nil
	}
	filter, err := qs.compileFilter(ctx)
	if err != nil {
		return nil, err
	}
	coll, err := qs.collection(ctx)
	if err != nil {
		return nil, err
	}

	outDB, outColl := "", ""
	out := any(bson.M{"inline": 1})
	if output != "" && output != "inline" {
		outColl = output
		if i := strings.Index(output, "."); i > 0 {
			outDB, outColl = output[:i], output[i+1:]
			out = bson.M{"replace": outColl, "db": outDB}
		} else {
			out = bson.M{"replace": outColl}
		}
	}

	cmd := bson.D{
		{Key: "mapReduce", Value: coll.Name()},
		{Key: "map", Value: primitive.JavaScript(mapFn)},
		{Key: "reduce", Value: primitive.JavaScript(reduceFn)},
		{Key: "query", Value: filter},
		{Key: "out", Value: out},
	}
	if opts.Finalize != "" {
		cmd = append(cmd, bson.E{Key: "finalize", Value: primitive.JavaScript(opts.Finalize)})
	}
	if len(opts.Scope) > 0 {
		cmd = append(cmd, bson.E{Key: "scope", Value: opts.Scope})
	}
	if qs.limit > 0 {
		cmd = append(cmd, bson.E{Key: "limit", Value: qs.limit})
	}

	ctx, done := qs.observe(ctx, "map_reduce")
	res, err := coll.RunCommand(ctx, cmd)
	done(err)
	if err != nil {
		return nil, &OperationError{Msg: "map_reduce failed", Err: err}
	}

	if outColl == "" {
		rows := asList(res["results"])
		results := make([]MapReduceResult, 0, len(rows))
		for _, row := range rows {
			if m, ok := asStringMap(row); ok {
				results = append(results, MapReduceResult{Key: m["_id"], Value: m["value"]})
			}
		}
		return results, nil
	}

	cursor, err := coll.Sibling(outDB, outColl).Find(ctx, bson.M{}, FindOptions{})
	if err != nil {
		return nil, &OperationError{Msg: "map_reduce output read failed", Err: err}
	}
	defer func() { _ = cursor.Close(ctx) }()

	var results []MapReduceResult
	for cursor.Next(ctx) {
		var row bson.M
		if err := cursor.Decode(&row); err != nil {
			return nil, &OperationError{Msg: "map_reduce decode failed", Err: err}
		}
		results = append(results, MapReduceResult{Key: row["_id"], Value: row["value"]})
	}
	if err := cursor.Err(); err != nil {
		return nil, &OperationError{Msg: "map_reduce output read failed", Err: err}
	}
	return results, nil
}

// Explain returns the server's query plan for the queryset.
func (qs *QuerySet) Explain(ctx context.Context) (bson.M, error) {
	filter, err := qs.compileFilter(ctx)
	if err != nil {
		return nil, err
	}
	coll, err := qs.collection(ctx)
	if err != nil {
		return nil, err
	}
	cmd := bson.D{{Key: "explain", Value: bson.D{
		{Key: "find", Value: coll.Name()},
		{Key: "filter", Value: filter},
	}}}
	res, err := coll.RunCommand(ctx, cmd)
	if err != nil {
		return nil, &OperationError{Msg: "explain failed", Err: err}
	}
	return res, nil
}

// ResolveList implements the query compiler's lazy list protocol: a
// queryset used as an in/nin value resolves to the matching ids.
func (qs *QuerySet) ResolveList(ctx context.Context) ([]any, error) {
	filter, err := qs.compileFilter(ctx)
	if err != nil {
		return nil, err
	}
	coll, err := qs.collection(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := coll.Distinct(ctx, "_id", filter)
	if err != nil {
		return nil, &OperationError{Msg: "queryset resolution failed", Err: err}
	}
	return ids, nil
}
