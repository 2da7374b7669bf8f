package odm

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Kind classifies a field descriptor.
type Kind int

const (
	// KindScalar is a plain value field (string, number, bool, time, …).
	KindScalar Kind = iota
	// KindList is an ordered container with an element field.
	KindList
	// KindMap is a string-keyed container with an element field.
	KindMap
	// KindEmbedded is an embedded document field.
	KindEmbedded
	// KindReference points at a document of a known class.
	KindReference
	// KindGenericReference points at a document of any registered class.
	KindGenericReference
	// KindFile is a GridFS-backed file field. Storage itself is the
	// driver's concern; the descriptor only carries the declaration.
	KindFile
)

// DeleteRule controls what happens to referring documents when their
// target is deleted.
type DeleteRule int

const (
	// DoNothing leaves referrers untouched.
	DoNothing DeleteRule = iota
	// Nullify unsets the referring field.
	Nullify
	// Cascade deletes the referrers too.
	Cascade
	// Deny refuses the delete while referrers exist.
	Deny
	// Pull removes the deleted ids from referring list fields.
	Pull
)

// FieldDescriptor declares one document field: its kind, database name,
// constraints, and reference metadata. Descriptors are shared across all
// instances of a class and must not be mutated after registration.
type FieldDescriptor struct {
	Name    string
	DBField string
	Kind    Kind

	// Element is the contained field for list and map kinds.
	Element *FieldDescriptor
	// Embedded is the meta of the embedded class for embedded kinds.
	Embedded *Meta

	Required  bool
	Unique    bool
	MaxLength int
	Default   any

	// AutoDereference controls whether loading the field fetches
	// reference targets.
	AutoDereference bool
	// RefClass is the target document class for reference kinds.
	RefClass string
	// DBRef stores references as {collection, id} pairs instead of bare
	// ids.
	DBRef bool
	// ReverseDeleteRule is enforced against this field when a referenced
	// document is deleted.
	ReverseDeleteRule DeleteRule

	// Validate is an optional per-value constraint hook.
	Validate func(value any) error
	// Prepare optionally overrides query value preparation.
	Prepare func(op string, value any) (any, error)
}

// NewField declares a scalar field stored under its own name.
func NewField(name string) *FieldDescriptor {
	return &FieldDescriptor{Name: name, DBField: name, Kind: KindScalar}
}

// NewListField declares a list field with the given element descriptor.
func NewListField(name string, element *FieldDescriptor) *FieldDescriptor {
	f := &FieldDescriptor{Name: name, DBField: name, Kind: KindList, Element: element}
	if element != nil && element.IsReference() {
		f.AutoDereference = element.AutoDereference
		f.RefClass = element.RefClass
	}
	return f
}

// NewMapField declares a map field with the given element descriptor.
func NewMapField(name string, element *FieldDescriptor) *FieldDescriptor {
	f := &FieldDescriptor{Name: name, DBField: name, Kind: KindMap, Element: element}
	if element != nil && element.IsReference() {
		f.AutoDereference = element.AutoDereference
		f.RefClass = element.RefClass
	}
	return f
}

// NewEmbeddedField declares an embedded document field.
func NewEmbeddedField(name string, embedded *Meta) *FieldDescriptor {
	return &FieldDescriptor{Name: name, DBField: name, Kind: KindEmbedded, Embedded: embedded}
}

// NewReferenceField declares a reference to the named document class.
// References auto-dereference and store DBRef pairs by default.
func NewReferenceField(name, refClass string) *FieldDescriptor {
	return &FieldDescriptor{
		Name:            name,
		DBField:         name,
		Kind:            KindReference,
		RefClass:        refClass,
		AutoDereference: true,
		DBRef:           true,
	}
}

// NewGenericReferenceField declares a reference that can point at any
// registered class; the target class travels in the stored DBRef.
func NewGenericReferenceField(name string) *FieldDescriptor {
	return &FieldDescriptor{
		Name:            name,
		DBField:         name,
		Kind:            KindGenericReference,
		AutoDereference: true,
		DBRef:           true,
	}
}

// NewFileField declares a GridFS file field.
func NewFileField(name string) *FieldDescriptor {
	return &FieldDescriptor{Name: name, DBField: name, Kind: KindFile}
}

// WithDBField overrides the database field name.
func (f *FieldDescriptor) WithDBField(db string) *FieldDescriptor {
	f.DBField = db
	return f
}

// WithRequired marks the field required.
func (f *FieldDescriptor) WithRequired() *FieldDescriptor {
	f.Required = true
	return f
}

// WithUnique marks the field unique.
func (f *FieldDescriptor) WithUnique() *FieldDescriptor {
	f.Unique = true
	return f
}

// WithMaxLength constrains string length.
func (f *FieldDescriptor) WithMaxLength(n int) *FieldDescriptor {
	f.MaxLength = n
	return f
}

// WithDefault sets the default value applied at construction.
func (f *FieldDescriptor) WithDefault(v any) *FieldDescriptor {
	f.Default = v
	return f
}

// WithIDOnly stores the reference as a bare id instead of a DBRef pair.
func (f *FieldDescriptor) WithIDOnly() *FieldDescriptor {
	f.DBRef = false
	return f
}

// WithNoDereference turns off automatic dereferencing for this field.
func (f *FieldDescriptor) WithNoDereference() *FieldDescriptor {
	f.AutoDereference = false
	return f
}

// WithReverseDeleteRule sets the referential-integrity rule enforced when
// the referenced document is deleted.
func (f *FieldDescriptor) WithReverseDeleteRule(rule DeleteRule) *FieldDescriptor {
	if f.Kind == KindList || f.Kind == KindMap {
		if f.Element != nil {
			f.Element.ReverseDeleteRule = rule
		}
		return f
	}
	f.ReverseDeleteRule = rule
	return f
}

// DBName returns the database field name, implementing the query
// compiler's field protocol.
func (f *FieldDescriptor) DBName() string { return f.DBField }

// IsReference reports whether loading this field can require a fetch.
func (f *FieldDescriptor) IsReference() bool {
	switch f.Kind {
	case KindReference, KindGenericReference:
		return true
	case KindList, KindMap:
		return f.Element != nil && f.Element.IsReference()
	}
	return false
}

// deleteRule returns the reverse delete rule, looking through containers.
func (f *FieldDescriptor) deleteRule() DeleteRule {
	if (f.Kind == KindList || f.Kind == KindMap) && f.Element != nil {
		return f.Element.ReverseDeleteRule
	}
	return f.ReverseDeleteRule
}

// refClass returns the reference target class, looking through containers.
func (f *FieldDescriptor) refClass() string {
	if (f.Kind == KindList || f.Kind == KindMap) && f.Element != nil {
		return f.Element.RefClass
	}
	return f.RefClass
}

// PrepareQueryValue converts a filter value for this field into its wire
// shape. Documents and references collapse to their ids; hex strings on
// reference fields are promoted to ObjectIDs.
func (f *FieldDescriptor) PrepareQueryValue(op string, value any) (any, error) {
	if f.Prepare != nil {
		return f.Prepare(op, value)
	}
	switch v := value.(type) {
	case *Document:
		return v.ID(), nil
	case *Reference:
		return v.RawID(), nil
	}
	if f.IsReference() || f.Name == "id" {
		if s, ok := value.(string); ok {
			if oid, err := primitive.ObjectIDFromHex(s); err == nil {
				return oid, nil
			}
		}
	}
	return value, nil
}

// validateValue checks the declared constraints against one value.
func (f *FieldDescriptor) validateValue(value any) error {
	if value == nil {
		if f.Required {
			return fmt.Errorf("field is required")
		}
		return nil
	}
	if f.MaxLength > 0 {
		if s, ok := value.(string); ok && len(s) > f.MaxLength {
			return fmt.Errorf("value exceeds max length %d", f.MaxLength)
		}
	}
	if f.Validate != nil {
		return f.Validate(value)
	}
	return nil
}
