package odm

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/odm/pkg/signal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Save persists the document: an insert on first save, a delta update of
// the changed fields afterwards. The save signals fire around validation
// and the write; with cascade enabled on the class, referenced documents
// carrying unsaved changes are saved too.
func (d *Document) Save(ctx context.Context) error {
	return d.save(ctx, make(map[string]struct{}))
}

func (d *Document) save(ctx context.Context, visited map[string]struct{}) error {
	reg := signal.Default()
	if _, err := reg.PreSave.Send(ctx, d.className, signal.Payload{Document: d}); err != nil {
		return err
	}
	if err := d.Validate(ctx, true); err != nil {
		return err
	}

	created := d.created || d.ID() == nil
	if _, err := reg.PreSavePostValidation.Send(ctx, d.className, signal.Payload{
		Document: d,
		Kwargs:   map[string]any{"created": created},
	}); err != nil {
		return err
	}

	coll, err := d.meta.CollectionHandle(ctx)
	if err != nil {
		return err
	}

	if created {
		assigned := false
		if d.ID() == nil {
			d.data["id"] = primitive.NewObjectID()
			assigned = true
		}
		if _, err := coll.InsertOne(ctx, d.ToMongo()); err != nil {
			// A failed first save must not leave a generated identity
			// behind.
			if assigned {
				delete(d.data, "id")
			}
			return wrapWriteError("save failed", err)
		}
	} else if err := d.saveDelta(ctx, coll); err != nil {
		return err
	}

	visited[d.visitKey()] = struct{}{}
	if d.meta.CascadeSave {
		if err := d.cascadeSave(ctx, visited); err != nil {
			return err
		}
	}

	if _, err := reg.PostSave.Send(ctx, d.className, signal.Payload{
		Document: d,
		Kwargs:   map[string]any{"created": created},
	}); err != nil {
		return err
	}

	d.created = false
	d.clearChanged()
	return nil
}

// saveDelta writes only the dirty fields, upserting against the object
// key so shard keys stay in the selector.
func (d *Document) saveDelta(ctx context.Context, coll Collection) error {
	updates, removals := d.Delta()
	if len(updates) == 0 && len(removals) == 0 {
		return nil
	}
	update := bson.M{}
	if len(updates) > 0 {
		update["$set"] = updates
	}
	if len(removals) > 0 {
		update["$unset"] = removals
	}
	if _, err := coll.UpdateOne(ctx, d.objectKey(), update, true); err != nil {
		return wrapWriteError("save failed", err)
	}
	return nil
}

func (d *Document) visitKey() string {
	return d.className + "/" + fmt.Sprint(d.ID())
}

// cascadeSave walks reference fields and saves loaded targets that still
// carry unsaved state. The visited set breaks reference cycles.
func (d *Document) cascadeSave(ctx context.Context, visited map[string]struct{}) error {
	for _, f := range d.meta.Fields() {
		if !f.IsReference() {
			continue
		}
		for _, target := range loadedTargets(d.data[f.Name]) {
			if _, seen := visited[target.visitKey()]; seen {
				continue
			}
			if !target.created && len(target.changed) == 0 {
				visited[target.visitKey()] = struct{}{}
				continue
			}
			if err := target.save(ctx, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadedTargets collects the materialized documents inside a reference
// field value, looking through containers. Pending references are skipped.
func loadedTargets(value any) []*Document {
	var out []*Document
	collect := func(item any) {
		switch v := item.(type) {
		case *Document:
			out = append(out, v)
		case *Reference:
			if v.IsLoaded() {
				out = append(out, v.Document())
			}
		}
	}
	switch v := value.(type) {
	case *TrackedList:
		for _, item := range v.Items() {
			collect(item)
		}
	case *TrackedMap:
		for _, k := range v.Keys() {
			item, _ := v.Get(k)
			collect(item)
		}
	case []any:
		for _, item := range v {
			collect(item)
		}
	case map[string]any:
		for _, item := range v {
			collect(item)
		}
	default:
		collect(value)
	}
	return out
}

// Delete removes the document, firing the delete signals and enforcing
// reverse delete rules declared against its class.
func (d *Document) Delete(ctx context.Context) error {
	reg := signal.Default()
	if _, err := reg.PreDelete.Send(ctx, d.className, signal.Payload{Document: d}); err != nil {
		return err
	}

	qs := Objects(d.meta).withRawFilter(d.objectKey())
	qs.fromDocDelete = true
	if _, err := qs.Delete(ctx); err != nil {
		return err
	}

	_, err := reg.PostDelete.Send(ctx, d.className, signal.Payload{Document: d})
	return err
}

// Reload refetches the document from the database, replacing field state
// and clearing the dirty set. A document that no longer exists raises
// NotFoundError.
func (d *Document) Reload(ctx context.Context) error {
	coll, err := d.meta.CollectionHandle(ctx)
	if err != nil {
		return err
	}
	// Refetch from the primary so the replaced state is current.
	coll = coll.WithReadPreference(readpref.Primary())
	cursor, err := coll.Find(ctx, d.objectKey(), FindOptions{Limit: 1})
	if err != nil {
		return &OperationError{Msg: "reload failed", Err: err}
	}
	defer func() { _ = cursor.Close(ctx) }()

	if !cursor.Next(ctx) {
		if err := cursor.Err(); err != nil {
			return &OperationError{Msg: "reload failed", Err: err}
		}
		return &NotFoundError{ClassName: d.className}
	}
	var raw bson.M
	if err := cursor.Decode(&raw); err != nil {
		return &OperationError{Msg: "reload decode failed", Err: err}
	}

	fresh := FromMongo(d.meta, raw)
	d.data = fresh.data
	d.className = fresh.className
	d.meta = fresh.meta
	d.created = false
	d.clearChanged()
	return nil
}

// DropCollection drops the class's collection.
func DropCollection(ctx context.Context, meta *Meta) error {
	coll, err := meta.CollectionHandle(ctx)
	if err != nil {
		return err
	}
	if err := coll.Drop(ctx); err != nil {
		return &OperationError{Msg: "drop collection failed", Err: err}
	}
	return nil
}

// requiredIndexes expands the class's declared index specs with the
// implicit ones: unique single-field indexes from field constraints and
// the discriminator prefix under inheritance.
func requiredIndexes(meta *Meta) []IndexSpec {
	specs := make([]IndexSpec, 0, len(meta.Indexes))
	for _, spec := range meta.Indexes {
		if meta.AllowInheritance {
			keys := append(bson.D{{Key: clsField, Value: 1}}, spec.Keys...)
			spec.Keys = keys
		}
		specs = append(specs, spec)
	}
	for _, f := range meta.Fields() {
		if !f.Unique || f.Name == "id" {
			continue
		}
		keys := bson.D{}
		if meta.AllowInheritance {
			keys = append(keys, bson.E{Key: clsField, Value: 1})
		}
		keys = append(keys, bson.E{Key: f.DBField, Value: 1})
		specs = append(specs, IndexSpec{Keys: keys, Unique: true, Sparse: true})
	}
	return specs
}

// indexCollection resolves where index DDL runs: the bound collection when
// one is pinned, otherwise a collection on the blocking sibling namespace
// so DDL never shares a session with cooperative operations.
func indexCollection(ctx context.Context, meta *Meta) (Collection, error) {
	meta.mu.Lock()
	bound := meta.boundCollection
	alias := meta.alias
	meta.mu.Unlock()
	if bound != nil {
		return bound, nil
	}
	db, err := syncDatabase(ctx, alias)
	if err != nil {
		return nil, err
	}
	return WrapCollection(db.Collection(meta.Collection)), nil
}

// EnsureIndexes creates the class's required indexes.
func EnsureIndexes(ctx context.Context, meta *Meta) error {
	coll, err := indexCollection(ctx, meta)
	if err != nil {
		return err
	}
	if err := coll.CreateIndexes(ctx, requiredIndexes(meta)); err != nil {
		return &OperationError{Msg: "ensure indexes failed", Err: err}
	}
	return nil
}

// IndexDiff reports the difference between the indexes a class requires
// and the indexes its collection actually has.
type IndexDiff struct {
	Missing []bson.D
	Extra   []bson.D
}

// CompareIndexes diffs the required indexes against the collection. The
// implicit _id index is never reported as extra.
func CompareIndexes(ctx context.Context, meta *Meta) (*IndexDiff, error) {
	coll, err := indexCollection(ctx, meta)
	if err != nil {
		return nil, err
	}
	existing, err := coll.IndexInformation(ctx)
	if err != nil {
		return nil, &OperationError{Msg: "index listing failed", Err: err}
	}

	required := make(map[string]bson.D)
	for _, spec := range requiredIndexes(meta) {
		required[keySignature(spec.Keys)] = spec.Keys
	}
	present := make(map[string]bson.D)
	for name, keys := range existing {
		if name == "_id_" {
			continue
		}
		present[keySignature(keys)] = keys
	}

	diff := &IndexDiff{}
	for sig, keys := range required {
		if _, ok := present[sig]; !ok {
			diff.Missing = append(diff.Missing, keys)
		}
	}
	for sig, keys := range present {
		if _, ok := required[sig]; !ok {
			diff.Extra = append(diff.Extra, keys)
		}
	}
	return diff, nil
}

func keySignature(keys bson.D) string {
	parts := make([]string, 0, len(keys))
	for _, e := range keys {
		parts = append(parts, fmt.Sprintf("%s:%v", e.Key, e.Value))
	}
	return strings.Join(parts, ",")
}
