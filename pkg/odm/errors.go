// Package odm is the core of the asynchronous MongoDB object-document
// mapper: the document meta-model bridge, lazy reference resolution, the
// chainable queryset, and cascading persistence with referential-integrity
// rules. Every database-touching operation takes a context and runs
// cooperatively on the caller's goroutine.
package odm

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
)

// NotFoundError is returned when a get or reload target is absent.
type NotFoundError struct {
	ClassName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s matching query does not exist", e.ClassName)
}

// MultipleObjectsError is returned when a get matched more than one
// document.
type MultipleObjectsError struct {
	ClassName string
}

func (e *MultipleObjectsError) Error() string {
	return fmt.Sprintf("multiple %s documents returned instead of one", e.ClassName)
}

// LookupError is returned when a field name cannot be resolved on a
// document class.
type LookupError struct {
	ClassName string
	Field     string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("cannot resolve field %q on %s", e.Field, e.ClassName)
}

// ValidationError reports field constraint violations found before
// persistence. Errors maps field names to their failure messages.
type ValidationError struct {
	ClassName string
	Errors    map[string]string
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Errors))
	for f := range e.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+e.Errors[f])
	}
	return fmt.Sprintf("validation failed for %s (%s)", e.ClassName, strings.Join(parts, "; "))
}

// NotUniqueError is returned when an insert, update, or upsert violates a
// unique index.
type NotUniqueError struct {
	Err error
}

func (e *NotUniqueError) Error() string {
	return fmt.Sprintf("document is not unique: %v", e.Err)
}

func (e *NotUniqueError) Unwrap() error { return e.Err }

// BulkWriteError is returned when a batch insert partially fails. It
// carries the driver's detail.
type BulkWriteError struct {
	Err error
}

func (e *BulkWriteError) Error() string {
	return fmt.Sprintf("bulk write failed: %v", e.Err)
}

func (e *BulkWriteError) Unwrap() error { return e.Err }

// OperationError is returned for server-side write failures that are not
// duplicate-key violations, and for DENY delete-rule refusals.
type OperationError struct {
	Msg string
	Err error
}

func (e *OperationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *OperationError) Unwrap() error { return e.Err }

var duplicateKeyPattern = regexp.MustCompile(`E1100[01].*duplicate key`)

// wrapWriteError remaps driver errors onto the ODM taxonomy: duplicate-key
// indications become NotUniqueError, bulk write exceptions become
// BulkWriteError, and everything else is rewrapped into OperationError with
// the original message preserved.
func wrapWriteError(msg string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) || duplicateKeyPattern.MatchString(err.Error()) {
		return &NotUniqueError{Err: err}
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		for _, we := range bwe.WriteErrors {
			if we.Code == 11000 || we.Code == 11001 {
				return &NotUniqueError{Err: err}
			}
		}
		return &BulkWriteError{Err: err}
	}
	return &OperationError{Msg: msg, Err: err}
}
