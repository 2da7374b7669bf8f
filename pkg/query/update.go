package query

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// updateOperators maps keyword update prefixes to MongoDB update operators.
var updateOperators = map[string]string{
	"set":           "$set",
	"unset":         "$unset",
	"inc":           "$inc",
	"dec":           "$inc", // negated value
	"push":          "$push",
	"push_all":      "$push", // wrapped in $each
	"pull":          "$pull",
	"pull_all":      "$pullAll",
	"pop":           "$pop",
	"add_to_set":    "$addToSet",
	"set_on_insert": "$setOnInsert",
	"min":           "$min",
	"max":           "$max",
	"mul":           "$mul",
	"rename":        "$rename",
}

// TransformUpdate turns keyword-style update specs ("set__name": v,
// "inc__count": 1, "pull_all__tags": […]) into a MongoDB update document.
// A key with no recognized prefix is treated as a plain $set. Positional
// segments ("$", "S") and integer indices pass through into the emitted
// path.
func TransformUpdate(lookup FieldLookup, spec map[string]any) (bson.M, error) {
	update := bson.M{}

	for key, value := range spec {
		parts := strings.Split(key, "__")

		op := "set"
		if len(parts) > 1 {
			if _, ok := updateOperators[parts[0]]; ok {
				op = parts[0]
				parts = parts[1:]
			}
		}
		if len(parts) == 0 || parts[0] == "" {
			return nil, &InvalidQueryError{Msg: fmt.Sprintf("cannot resolve update key %q", key)}
		}

		path, err := resolveUpdatePath(lookup, parts)
		if err != nil {
			return nil, err
		}

		mongoOp := updateOperators[op]
		v := value
		switch op {
		case "dec":
			v, err = negateNumber(value)
			if err != nil {
				return nil, &InvalidQueryError{Msg: fmt.Sprintf("dec__%s requires a numeric value", path), Err: err}
			}
		case "push_all":
			v = bson.M{"$each": value}
		case "add_to_set":
			if list, ok := value.([]any); ok {
				v = bson.M{"$each": list}
			}
		case "unset":
			v = 1
		case "pop":
			// pop accepts 1 (last) or -1 (first); default last.
			if value == nil {
				v = 1
			}
		}

		doc, ok := update[mongoOp].(bson.M)
		if !ok {
			doc = bson.M{}
			update[mongoOp] = doc
		}
		doc[path] = v
	}

	return update, nil
}

// resolveUpdatePath maps keyword path segments to database field names,
// passing positional markers and array indices through untouched.
func resolveUpdatePath(lookup FieldLookup, parts []string) (string, error) {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if isPositionalSegment(p) {
			continue
		}
		cleaned = append(cleaned, p)
	}

	var fields []Field
	if len(cleaned) > 0 {
		var err error
		fields, err = lookup.LookupField(cleaned)
		if err != nil {
			return "", &InvalidQueryError{Msg: fmt.Sprintf("cannot resolve update path %q", strings.Join(parts, ".")), Err: err}
		}
	}

	out := make([]string, 0, len(parts))
	fi := 0
	for _, p := range parts {
		if isPositionalSegment(p) {
			if p == "S" {
				p = "$"
			}
			out = append(out, p)
			continue
		}
		out = append(out, fields[fi].DBName())
		fi++
	}
	return strings.Join(out, "."), nil
}

func isPositionalSegment(p string) bool {
	if p == "$" || p == "S" {
		return true
	}
	_, err := strconv.Atoi(p)
	return err == nil
}

func negateNumber(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return -v, nil
	case int32:
		return -v, nil
	case int64:
		return -v, nil
	case float32:
		return -v, nil
	case float64:
		return -v, nil
	default:
		return nil, fmt.Errorf("unsupported numeric type %T", value)
	}
}
