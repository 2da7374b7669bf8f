package odm

import (
	"context"
	"strings"
	"sync"

	"github.com/nimburion/odm/pkg/config"
	"github.com/nimburion/odm/pkg/query"
	"go.mongodb.org/mongo-driver/bson"
)

// IndexSpec declares one index on a document class's collection.
type IndexSpec struct {
	Keys   bson.D
	Name   string
	Unique bool
	Sparse bool
}

// clsField is the discriminator recording the concrete class under
// inheritance.
const clsField = "_cls"

// Meta describes a document class: collection, connection alias, shard key,
// ordering default, inheritance flag, indexes, and the ordered field set.
// One Meta is shared by every instance of the class.
type Meta struct {
	ClassName        string
	Collection       string
	ShardKey         []string
	Ordering         []string
	AllowInheritance bool
	Abstract         bool
	Indexes          []IndexSpec
	// CascadeSave makes Save walk reference fields by default.
	CascadeSave bool
	// Clean is an optional document-level validation hook run by Validate.
	Clean func(doc *Document) error

	registry   *ClassRegistry
	fields     map[string]*FieldDescriptor
	fieldOrder []string

	mu              sync.Mutex
	alias           string
	boundCollection Collection
}

// NewMeta creates a Meta with the implicit id primary key (backed by _id)
// bound to the default alias.
func NewMeta(className, collection string) *Meta {
	m := &Meta{
		ClassName:  className,
		Collection: collection,
		alias:      config.DefaultAlias,
		fields:     make(map[string]*FieldDescriptor),
	}
	m.AddField(NewField("id").WithDBField("_id"))
	return m
}

// WithAlias binds the class to a connection alias.
func (m *Meta) WithAlias(alias string) *Meta {
	m.alias = alias
	return m
}

// WithShardKey declares the shard key fields that must appear in update
// selectors.
func (m *Meta) WithShardKey(fields ...string) *Meta {
	m.ShardKey = fields
	return m
}

// WithOrdering sets the default ordering applied by querysets.
func (m *Meta) WithOrdering(fields ...string) *Meta {
	m.Ordering = fields
	return m
}

// WithInheritance records the class hierarchy discriminator on every
// persisted document.
func (m *Meta) WithInheritance() *Meta {
	m.AllowInheritance = true
	return m
}

// WithAbstract marks the class abstract: it is skipped by delete-rule
// enforcement and never persisted itself.
func (m *Meta) WithAbstract() *Meta {
	m.Abstract = true
	return m
}

// WithIndexes declares the class's index specs.
func (m *Meta) WithIndexes(specs ...IndexSpec) *Meta {
	m.Indexes = append(m.Indexes, specs...)
	return m
}

// WithCascadeSave makes Save cascade into referenced documents by default.
func (m *Meta) WithCascadeSave() *Meta {
	m.CascadeSave = true
	return m
}

// AddField registers a field descriptor. Adding a field with an existing
// name replaces it in place, keeping the declaration order.
func (m *Meta) AddField(f *FieldDescriptor) *Meta {
	if _, exists := m.fields[f.Name]; !exists {
		m.fieldOrder = append(m.fieldOrder, f.Name)
	}
	m.fields[f.Name] = f
	return m
}

// Field returns the descriptor for a declared field, or nil. This is the
// synchronous class-level accessor.
func (m *Meta) Field(name string) *FieldDescriptor {
	if name == "pk" {
		name = "id"
	}
	return m.fields[name]
}

// Fields returns descriptors in declaration order.
func (m *Meta) Fields() []*FieldDescriptor {
	out := make([]*FieldDescriptor, 0, len(m.fieldOrder))
	for _, name := range m.fieldOrder {
		out = append(out, m.fields[name])
	}
	return out
}

// Alias returns the connection alias the class is currently bound to.
func (m *Meta) Alias() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alias
}

// LookupField resolves a path of field names to the descriptor chain it
// traverses, descending into embedded documents and container elements.
// It implements the query compiler's lookup protocol.
func (m *Meta) LookupField(parts []string) ([]query.Field, error) {
	out := make([]query.Field, 0, len(parts))
	current := m
	for i, part := range parts {
		if current == nil {
			return nil, &LookupError{ClassName: m.ClassName, Field: strings.Join(parts[:i+1], ".")}
		}
		f := current.Field(part)
		if f == nil {
			return nil, &LookupError{ClassName: current.ClassName, Field: part}
		}
		out = append(out, f)

		current = nil
		next := f
		if (f.Kind == KindList || f.Kind == KindMap) && f.Element != nil {
			next = f.Element
		}
		if next.Kind == KindEmbedded {
			current = next.Embedded
		}
	}
	return out, nil
}

// BindCollection pins the class to a concrete collection handle, bypassing
// the connection registry. The queryset tests and the scoped alias switch
// rely on this.
func (m *Meta) BindCollection(c Collection) {
	m.mu.Lock()
	m.boundCollection = c
	m.mu.Unlock()
}

// CollectionHandle returns the collection the class is bound to,
// constructing it through the connection registry on first use.
func (m *Meta) CollectionHandle(ctx context.Context) (Collection, error) {
	m.mu.Lock()
	if m.boundCollection != nil {
		c := m.boundCollection
		m.mu.Unlock()
		return c, nil
	}
	alias := m.alias
	m.mu.Unlock()

	db, err := connectionDatabase(ctx, alias)
	if err != nil {
		return nil, err
	}
	c := WrapCollection(db.Collection(m.Collection))

	m.mu.Lock()
	if m.boundCollection == nil {
		m.boundCollection = c
	}
	c = m.boundCollection
	m.mu.Unlock()
	return c, nil
}

// UsingAlias temporarily rebinds the class to another connection alias for
// the duration of fn: the alias is swapped, the cached collection handle is
// cleared, and both are restored afterwards in reverse order.
func (m *Meta) UsingAlias(ctx context.Context, alias string, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	prevAlias := m.alias
	prevBound := m.boundCollection
	m.alias = alias
	m.boundCollection = nil
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.boundCollection = prevBound
		m.alias = prevAlias
		m.mu.Unlock()
	}()

	return fn(ctx)
}

// RefRule names one referring field and the delete rule it carries.
type RefRule struct {
	Meta  *Meta
	Field *FieldDescriptor
	Rule  DeleteRule
}

// ClassRegistry maps class names to their metas. It backs discriminator
// hydration, generic references, and delete-rule discovery.
type ClassRegistry struct {
	mu     sync.RWMutex
	byName map[string]*Meta
}

// NewClassRegistry creates an empty registry. Tests use isolated
// registries; applications normally use the package default.
func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{byName: make(map[string]*Meta)}
}

// Register adds a class to the registry.
func (r *ClassRegistry) Register(m *Meta) {
	r.mu.Lock()
	r.byName[m.ClassName] = m
	m.registry = r
	r.mu.Unlock()
}

// Get returns the meta registered under the class name.
func (r *ClassRegistry) Get(name string) (*Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	return m, ok
}

// GetByCollection finds the class persisted in the named collection. When
// no class matches directly, the snake_case collection name is mangled to
// CamelCase and looked up by class name.
func (r *ClassRegistry) GetByCollection(collection string) (*Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.byName {
		if m.Collection == collection {
			return m, true
		}
	}
	var b strings.Builder
	for _, part := range strings.Split(collection, "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	m, ok := r.byName[b.String()]
	return m, ok
}

// Referrers lists every concrete class field that references targetClass
// with a delete rule attached. Abstract classes are skipped.
func (r *ClassRegistry) Referrers(targetClass string) []RefRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var rules []RefRule
	for _, m := range r.byName {
		if m.Abstract {
			continue
		}
		for _, f := range m.Fields() {
			if f.refClass() == targetClass && f.deleteRule() != DoNothing {
				rules = append(rules, RefRule{Meta: m, Field: f, Rule: f.deleteRule()})
			}
		}
	}
	return rules
}

var defaultClassRegistry = NewClassRegistry()

// Classes returns the package default class registry.
func Classes() *ClassRegistry { return defaultClassRegistry }

// RegisterClass registers a meta on the package default registry.
func RegisterClass(m *Meta) { defaultClassRegistry.Register(m) }

// classRegistryOf returns the registry a meta was registered on, falling
// back to the package default for unregistered metas.
func classRegistryOf(m *Meta) *ClassRegistry {
	if m != nil && m.registry != nil {
		return m.registry
	}
	return defaultClassRegistry
}
