package odm

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// DBRef is the stored shape of a {collection, id} reference pair.
type DBRef struct {
	Collection string `bson:"$ref"`
	ID         any    `bson:"$id"`
}

// Reference is a reference-typed field value in one of three states: a
// pending {collection, id} pair (DBRef), a pending bare id, or a loaded
// target document. The dereferencer converts the pending states to the
// loaded one.
type Reference struct {
	// Collection is set for DBRef-style references.
	Collection string
	// ClassName is the target document class, when known.
	ClassName string
	// ID is the target's primary key.
	ID any

	doc *Document
}

// NewDBRef builds a pending DBRef-style reference.
func NewDBRef(collection string, id any) *Reference {
	return &Reference{Collection: collection, ID: id}
}

// NewIDRef builds a pending id-only reference to the named class.
func NewIDRef(className string, id any) *Reference {
	return &Reference{ClassName: className, ID: id}
}

// LoadedReference wraps an already materialized document.
func LoadedReference(doc *Document) *Reference {
	return &Reference{
		ClassName:  doc.Meta().ClassName,
		Collection: doc.Meta().Collection,
		ID:         doc.ID(),
		doc:        doc,
	}
}

// IsLoaded reports whether the target document is materialized.
func (r *Reference) IsLoaded() bool { return r != nil && r.doc != nil }

// Document returns the materialized target, or nil while pending.
func (r *Reference) Document() *Document { return r.doc }

// RawID returns the target's primary key regardless of state.
func (r *Reference) RawID() any {
	if r == nil {
		return nil
	}
	if r.doc != nil {
		return r.doc.ID()
	}
	return r.ID
}

// Resolve implements the query compiler's lazy-value protocol. A loaded
// reference yields its document (the field descriptor collapses it to the
// id); a pending one yields the id directly, so no fetch is needed to
// compile a filter.
func (r *Reference) Resolve(_ context.Context) (any, error) {
	if r.IsLoaded() {
		return r.doc, nil
	}
	return r.RawID(), nil
}

// attach materializes the reference in place with the fetched document.
func (r *Reference) attach(doc *Document) {
	r.doc = doc
	if doc != nil {
		r.ID = doc.ID()
		r.ClassName = doc.Meta().ClassName
		r.Collection = doc.Meta().Collection
	}
}

// toMongo serializes the reference to its wire shape for the owning field:
// a DBRef pair when dbref is set, a bare id otherwise.
func (r *Reference) toMongo(dbref bool) any {
	if r == nil {
		return nil
	}
	if dbref {
		collection := r.Collection
		if collection == "" && r.doc != nil {
			collection = r.doc.Meta().Collection
		}
		return DBRef{Collection: collection, ID: r.RawID()}
	}
	return r.RawID()
}

// referenceFromRaw interprets a raw stored value as a pending reference.
// Recognized shapes: driver DBRefs, {$ref, $id} maps, and bare ids.
func referenceFromRaw(f *FieldDescriptor, raw any) *Reference {
	switch v := raw.(type) {
	case *Reference:
		return v
	case DBRef:
		r := NewDBRef(v.Collection, v.ID)
		r.ClassName = f.refClass()
		return r
	case bson.M:
		if ref, ok := v["$ref"].(string); ok {
			r := NewDBRef(ref, v["$id"])
			r.ClassName = f.refClass()
			return r
		}
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok {
			r := NewDBRef(ref, v["$id"])
			r.ClassName = f.refClass()
			return r
		}
	}
	if raw == nil {
		return nil
	}
	return NewIDRef(f.refClass(), raw)
}
