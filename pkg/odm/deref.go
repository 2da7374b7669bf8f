package odm

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// dereference resolves reference-typed values to materialized documents in
// bounded batches. items may be a single value, a list, or a map; the
// output preserves the input shape and, for lists, the input order. Ids
// with no matching document resolve to nil.
func dereference(ctx context.Context, ownerMeta *Meta, f *FieldDescriptor, items any, maxDepth int, owner *Document) (any, error) {
	if maxDepth <= 0 {
		return items, nil
	}
	switch items.(type) {
	case nil, string:
		return items, nil
	}

	// Materialize containers into a uniform scan list.
	var list []any
	var keys []string
	shape := "single"
	switch v := items.(type) {
	case *TrackedList:
		list = v.Items()
		shape = "list"
	case []any:
		list = v
		shape = "list"
	case *TrackedMap:
		for _, k := range v.Keys() {
			item, _ := v.Get(k)
			keys = append(keys, k)
			list = append(list, item)
		}
		shape = "map"
	case map[string]any:
		m := newTrackedMap(nil, "", v, false)
		for _, k := range m.Keys() {
			keys = append(keys, k)
			list = append(list, v[k])
		}
		shape = "map"
	default:
		list = []any{items}
	}

	// Fast path: everything already materialized.
	allLoaded := true
	for _, item := range list {
		switch it := item.(type) {
		case *Document:
			continue
		case *Reference:
			if !it.IsLoaded() {
				allLoaded = false
			}
		case nil:
			continue
		default:
			allLoaded = false
		}
		if !allLoaded {
			break
		}
	}
	if allLoaded {
		return materializeLoaded(list, keys, shape), nil
	}

	// Normalize raw ids into pending references for id-only fields.
	refs := make([]*Reference, len(list))
	for i, item := range list {
		switch it := item.(type) {
		case *Document:
			refs[i] = LoadedReference(it)
		case *Reference:
			refs[i] = it
		case nil:
			refs[i] = nil
		default:
			refs[i] = referenceFromRaw(elementField(f), item)
		}
	}

	if err := fetchReferences(ctx, ownerMeta, f, refs); err != nil {
		return nil, err
	}

	resolved := make([]any, len(refs))
	for i, r := range refs {
		if r == nil {
			resolved[i] = nil
			continue
		}
		if r.IsLoaded() {
			resolved[i] = r.Document()
		} else {
			resolved[i] = nil
		}
	}

	switch shape {
	case "list":
		return resolved, nil
	case "map":
		out := make(map[string]any, len(keys))
		for i, k := range keys {
			out[k] = resolved[i]
		}
		return out, nil
	default:
		return resolved[0], nil
	}
}

func elementField(f *FieldDescriptor) *FieldDescriptor {
	if (f.Kind == KindList || f.Kind == KindMap) && f.Element != nil {
		return f.Element
	}
	return f
}

func materializeLoaded(list []any, keys []string, shape string) any {
	unwrap := func(item any) any {
		if r, ok := item.(*Reference); ok {
			return r.Document()
		}
		return item
	}
	switch shape {
	case "list":
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = unwrap(item)
		}
		return out
	case "map":
		out := make(map[string]any, len(keys))
		for i, k := range keys {
			out[k] = unwrap(list[i])
		}
		return out
	default:
		return unwrap(list[0])
	}
}

// referenceGroup is one batch of pending ids sharing a target. refs holds
// the member references so fetched documents attach only within their own
// group.
type referenceGroup struct {
	meta       *Meta  // known target class, when resolvable
	collection string // raw collection for DBRefs without a class
	ids        []any
	refs       []*Reference
	seen       map[any]bool
}

// fetchReferences materializes every pending reference in place using one
// batched query per target class or collection.
func fetchReferences(ctx context.Context, ownerMeta *Meta, f *FieldDescriptor, refs []*Reference) error {
	registry := classRegistryOf(ownerMeta)
	groups := make(map[string]*referenceGroup)

	for _, r := range refs {
		if r == nil || r.IsLoaded() || r.RawID() == nil {
			continue
		}
		key, group := groupFor(registry, f, r, groups)
		group.refs = append(group.refs, r)
		if !group.seen[fmt.Sprint(r.RawID())] {
			group.seen[fmt.Sprint(r.RawID())] = true
			group.ids = append(group.ids, r.RawID())
		}
		groups[key] = group
	}

	for _, group := range groups {
		fetched, err := fetchGroup(ctx, ownerMeta, registry, group)
		if err != nil {
			return err
		}
		for _, r := range group.refs {
			if doc, ok := fetched[fmt.Sprint(r.RawID())]; ok {
				r.attach(doc)
			}
		}
	}
	return nil
}

func groupFor(registry *ClassRegistry, f *FieldDescriptor, r *Reference, groups map[string]*referenceGroup) (string, *referenceGroup) {
	className := r.ClassName
	if className == "" {
		className = elementField(f).RefClass
	}
	if className != "" {
		if meta, ok := registry.Get(className); ok {
			key := "class:" + className
			if g, ok := groups[key]; ok {
				return key, g
			}
			return key, &referenceGroup{meta: meta, seen: make(map[any]bool)}
		}
	}
	key := "collection:" + r.Collection
	if g, ok := groups[key]; ok {
		return key, g
	}
	return key, &referenceGroup{collection: r.Collection, seen: make(map[any]bool)}
}

func fetchGroup(ctx context.Context, ownerMeta *Meta, registry *ClassRegistry, group *referenceGroup) (map[string]*Document, error) {
	var (
		coll Collection
		meta *Meta
		err  error
	)
	if group.meta != nil {
		meta = group.meta
		coll, err = meta.CollectionHandle(ctx)
	} else {
		if group.collection == "" {
			return nil, &OperationError{Msg: "cannot dereference: no target class or collection"}
		}
		var ownerColl Collection
		ownerColl, err = ownerMeta.CollectionHandle(ctx)
		if err == nil {
			coll = ownerColl.Sibling("", group.collection)
		}
	}
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx, bson.M{"_id": bson.M{"$in": group.ids}}, FindOptions{})
	if err != nil {
		return nil, &OperationError{Msg: "dereference batch failed", Err: err}
	}
	defer func() { _ = cursor.Close(ctx) }()

	coreMetrics().ObserveDereference(collectionNameOf(meta, group), len(group.ids))

	out := make(map[string]*Document, len(group.ids))
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, &OperationError{Msg: "dereference decode failed", Err: err}
		}
		hydrateMeta := meta
		if hydrateMeta == nil {
			var err error
			hydrateMeta, err = inferMeta(registry, group.collection, raw)
			if err != nil {
				return nil, err
			}
		}
		doc := FromMongo(hydrateMeta, raw)
		out[fmt.Sprint(doc.ID())] = doc
	}
	if err := cursor.Err(); err != nil {
		return nil, &OperationError{Msg: "dereference batch failed", Err: err}
	}
	return out, nil
}

func collectionNameOf(meta *Meta, group *referenceGroup) string {
	if meta != nil {
		return meta.Collection
	}
	return group.collection
}

// inferMeta picks the hydration class for a raw document fetched by
// collection: the stored discriminator wins, then the registry's
// collection mapping (including the snake_case to CamelCase fallback).
func inferMeta(registry *ClassRegistry, collection string, raw bson.M) (*Meta, error) {
	if cls, ok := raw[clsField].(string); ok && cls != "" {
		if m, ok := registry.Get(cls); ok {
			return m, nil
		}
	}
	if m, ok := registry.GetByCollection(collection); ok {
		return m, nil
	}
	return nil, &LookupError{ClassName: collection, Field: clsField}
}
