package odm

import (
	"context"
	"sort"

	"github.com/nimburion/odm/pkg/signal"
	"go.mongodb.org/mongo-driver/bson"
)

// Document is a typed record instance: its class meta, a per-field data
// map, the dirty set of changed fields, and a created flag that stays true
// until the first successful persist. A field value is either a
// materialized domain value or a pending *Reference — never both.
type Document struct {
	meta    *Meta
	data    map[string]any
	changed map[string]struct{}
	created bool

	// className is the concrete class under inheritance; it can name a
	// subclass of meta's class.
	className string
}

// New constructs an in-memory document of the class, applying field
// defaults. The init signals fire around construction.
func New(meta *Meta) *Document {
	reg := signal.Default()
	_, _ = reg.PreInit.Send(context.Background(), meta.ClassName, signal.Payload{})

	d := &Document{
		meta:      meta,
		data:      make(map[string]any),
		changed:   make(map[string]struct{}),
		created:   true,
		className: meta.ClassName,
	}
	for _, f := range meta.Fields() {
		if f.Default != nil {
			d.data[f.Name] = f.Default
		}
	}

	_, _ = reg.PostInit.Send(context.Background(), meta.ClassName, signal.Payload{Document: d})
	return d
}

// Meta returns the class meta.
func (d *Document) Meta() *Meta { return d.meta }

// ClassName returns the concrete class name (the discriminator value under
// inheritance).
func (d *Document) ClassName() string { return d.className }

// Created reports whether the document has not been persisted yet.
func (d *Document) Created() bool { return d.created }

// ID returns the primary key, or nil before the first persist.
func (d *Document) ID() any { return d.data["id"] }

// SetID assigns the primary key. The identity of a persisted document is
// immutable; reassigning it on a persisted document is rejected by Save.
func (d *Document) SetID(id any) {
	d.data["id"] = id
}

// Set assigns a field value and marks it dirty. Documents assigned to
// reference fields are wrapped as loaded references.
func (d *Document) Set(name string, value any) error {
	f := d.meta.Field(name)
	if f == nil {
		return &LookupError{ClassName: d.meta.ClassName, Field: name}
	}
	if f.IsReference() {
		value = wrapReferenceValue(value)
	}
	d.data[f.Name] = value
	d.markChanged(f.Name)
	return nil
}

func wrapReferenceValue(value any) any {
	switch v := value.(type) {
	case *Document:
		return LoadedReference(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			if doc, ok := item.(*Document); ok {
				out[i] = LoadedReference(doc)
			} else {
				out[i] = item
			}
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if doc, ok := item.(*Document); ok {
				out[k] = LoadedReference(doc)
			} else {
				out[k] = item
			}
		}
		return out
	}
	return value
}

// Get returns the raw stored value without resolving references. Use Load
// for the dereferencing accessor.
func (d *Document) Get(name string) any { return d.data[name] }

// markChanged records a field in the dirty set. Only declared fields can
// appear there.
func (d *Document) markChanged(name string) {
	if d.meta.Field(name) == nil {
		return
	}
	if d.changed == nil {
		d.changed = make(map[string]struct{})
	}
	d.changed[name] = struct{}{}
}

// ChangedFields returns the dirty set in sorted order.
func (d *Document) ChangedFields() []string {
	out := make([]string, 0, len(d.changed))
	for f := range d.changed {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (d *Document) clearChanged() {
	d.changed = make(map[string]struct{})
}

// Load is the field accessor: it returns the field's value, resolving
// pending references at depth 1 and caching the materialized value back
// into the data map. Containers come back wrapped so mutations mark the
// field dirty. Non-reference fields return their raw value.
func (d *Document) Load(ctx context.Context, name string) (any, error) {
	f := d.meta.Field(name)
	if f == nil {
		return nil, &LookupError{ClassName: d.meta.ClassName, Field: name}
	}
	raw := d.data[f.Name]
	if raw == nil {
		return nil, nil
	}
	if !f.IsReference() {
		return raw, nil
	}

	// Cached materialized containers are returned as-is unless marked
	// not-yet-dereferenced.
	switch v := raw.(type) {
	case *TrackedList:
		if v.dereferenced || !f.AutoDereference {
			return v, nil
		}
	case *TrackedMap:
		if v.dereferenced || !f.AutoDereference {
			return v, nil
		}
	case *Reference:
		if v.IsLoaded() {
			return v.Document(), nil
		}
		if !f.AutoDereference {
			return v, nil
		}
	default:
		if !f.AutoDereference {
			return raw, nil
		}
	}

	resolved, err := dereference(ctx, d.meta, f, raw, 1, d)
	if err != nil {
		return nil, err
	}

	switch f.Kind {
	case KindList:
		items, _ := resolved.([]any)
		tl := newTrackedList(d, f.Name, items, true)
		d.data[f.Name] = tl
		return tl, nil
	case KindMap:
		items, _ := resolved.(map[string]any)
		tm := newTrackedMap(d, f.Name, items, true)
		d.data[f.Name] = tm
		return tm, nil
	default:
		if doc, ok := resolved.(*Document); ok {
			if ref, ok := raw.(*Reference); ok {
				ref.attach(doc)
			} else {
				d.data[f.Name] = LoadedReference(doc)
			}
			return doc, nil
		}
		d.data[f.Name] = resolved
		return resolved, nil
	}
}

// Validate checks declared constraints, treating pending references as
// present values, and then runs the class clean hook when clean is set.
func (d *Document) Validate(ctx context.Context, clean bool) error {
	fieldErrors := make(map[string]string)
	for _, f := range d.meta.Fields() {
		if f.Name == "id" {
			continue
		}
		value := d.data[f.Name]
		if err := f.validateValue(unwrapForValidation(value)); err != nil {
			fieldErrors[f.Name] = err.Error()
		}
	}
	if len(fieldErrors) > 0 {
		return &ValidationError{ClassName: d.className, Errors: fieldErrors}
	}
	if clean && d.meta.Clean != nil {
		if err := d.meta.Clean(d); err != nil {
			return &ValidationError{ClassName: d.className, Errors: map[string]string{"__all__": err.Error()}}
		}
	}
	_ = ctx
	return nil
}

func unwrapForValidation(value any) any {
	switch v := value.(type) {
	case *TrackedList:
		return v.items
	case *TrackedMap:
		return v.items
	}
	return value
}

// ToMongo serializes the document to its wire shape: database field names,
// references collapsed to DBRefs or bare ids, embedded documents nested,
// and the discriminator recorded under inheritance.
func (d *Document) ToMongo() bson.M {
	out := bson.M{}
	for _, f := range d.meta.Fields() {
		raw, ok := d.data[f.Name]
		if !ok || raw == nil {
			continue
		}
		if f.Name == "id" {
			out["_id"] = raw
			continue
		}
		out[f.DBField] = serializeValue(f, raw)
	}
	if d.meta.AllowInheritance {
		out[clsField] = d.className
	}
	return out
}

func serializeValue(f *FieldDescriptor, value any) any {
	switch v := value.(type) {
	case *Reference:
		if f.Kind == KindGenericReference {
			return bson.M{clsField: v.ClassName, "_ref": v.toMongo(true)}
		}
		return v.toMongo(f.DBRef)
	case *Document:
		return v.ToMongo()
	case *TrackedList:
		return serializeList(f, v.items)
	case *TrackedMap:
		return serializeMap(f, v.items)
	case []any:
		return serializeList(f, v)
	case map[string]any:
		if f.Kind == KindMap {
			return serializeMap(f, v)
		}
		return v
	}
	return value
}

func serializeList(f *FieldDescriptor, items []any) []any {
	elem := f.Element
	if elem == nil {
		elem = f
	}
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = serializeValue(elem, item)
	}
	return out
}

func serializeMap(f *FieldDescriptor, items map[string]any) bson.M {
	elem := f.Element
	if elem == nil {
		elem = f
	}
	out := bson.M{}
	for k, item := range items {
		out[k] = serializeValue(elem, item)
	}
	return out
}

// FromMongo hydrates a document from its wire shape. The discriminator, if
// present and registered, selects the concrete class. Reference-typed
// values come back pending; the created flag and dirty set are clear.
func FromMongo(meta *Meta, raw bson.M) *Document {
	className := meta.ClassName
	if cls, ok := raw[clsField].(string); ok && cls != "" {
		className = cls
		if sub, ok := classRegistryOf(meta).Get(cls); ok {
			meta = sub
		}
	}

	d := &Document{
		meta:      meta,
		data:      make(map[string]any),
		changed:   make(map[string]struct{}),
		created:   false,
		className: className,
	}
	for _, f := range meta.Fields() {
		dbField := f.DBField
		if f.Name == "id" {
			dbField = "_id"
		}
		v, ok := raw[dbField]
		if !ok {
			continue
		}
		d.data[f.Name] = hydrateValue(meta, f, v)
	}
	return d
}

func hydrateValue(meta *Meta, f *FieldDescriptor, v any) any {
	if v == nil {
		return nil
	}
	switch f.Kind {
	case KindReference:
		return referenceFromRaw(f, v)
	case KindGenericReference:
		if m, ok := asStringMap(v); ok {
			if cls, ok := m[clsField].(string); ok {
				if ref, ok := m["_ref"]; ok {
					r := referenceFromRaw(f, ref)
					if r != nil {
						r.ClassName = cls
					}
					return r
				}
			}
		}
		return referenceFromRaw(f, v)
	case KindEmbedded:
		if m, ok := asStringMap(v); ok && f.Embedded != nil {
			return FromMongo(f.Embedded, bson.M(m))
		}
		return v
	case KindList:
		items := asList(v)
		if items == nil || f.Element == nil {
			return v
		}
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = hydrateValue(meta, f.Element, item)
		}
		return out
	case KindMap:
		m, ok := asStringMap(v)
		if !ok || f.Element == nil {
			return v
		}
		out := make(map[string]any, len(m))
		for k, item := range m {
			out[k] = hydrateValue(meta, f.Element, item)
		}
		return out
	}
	return v
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return m, true
	}
	return nil, false
}

func asList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case bson.A:
		return l
	}
	return nil
}

// Delta computes the update document for the dirty set: changed fields
// with values go into updates, fields changed to nil into removals.
func (d *Document) Delta() (updates bson.M, removals bson.M) {
	updates = bson.M{}
	removals = bson.M{}
	for _, name := range d.ChangedFields() {
		f := d.meta.Field(name)
		if f == nil || f.Name == "id" {
			continue
		}
		raw, ok := d.data[name]
		if !ok || raw == nil {
			removals[f.DBField] = 1
			continue
		}
		updates[f.DBField] = serializeValue(f, raw)
	}
	return updates, removals
}

// objectKey is the selector that uniquely addresses this document for
// updates: the identity plus any shard key fields.
func (d *Document) objectKey() bson.M {
	selector := bson.M{"_id": d.ID()}
	for _, name := range d.meta.ShardKey {
		f := d.meta.Field(name)
		if f == nil {
			continue
		}
		if v, ok := d.data[name]; ok {
			selector[f.DBField] = serializeValue(f, v)
		}
	}
	return selector
}
