package query

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Field is the slice of the document meta-model the compiler needs: the
// database field name and value preparation for an operator.
type Field interface {
	DBName() string
	PrepareQueryValue(op string, value any) (any, error)
}

// FieldLookup resolves a path of field names (already split on "__", with
// array indices removed) to the chain of field descriptors it traverses.
type FieldLookup interface {
	LookupField(parts []string) ([]Field, error)
}

// Resolvable is a lazy value embedded in a filter tree. The compiler waits
// on it before preparing the value; a pending reference resolves to its id,
// a loaded one to its document.
type Resolvable interface {
	Resolve(ctx context.Context) (any, error)
}

// ListResolvable is a lazy list value (a nested queryset used with in/nin).
type ListResolvable interface {
	ResolveList(ctx context.Context) ([]any, error)
}

// InvalidQueryError reports a path resolution failure or operator misuse
// discovered during compilation.
type InvalidQueryError struct {
	Msg string
	Err error
}

func (e *InvalidQueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid query: %s: %v", e.Msg, e.Err)
	}
	return "invalid query: " + e.Msg
}

func (e *InvalidQueryError) Unwrap() error { return e.Err }

var comparisonOperators = map[string]bool{
	"ne": true, "gt": true, "gte": true, "lt": true, "lte": true,
	"mod": true, "size": true, "exists": true, "type": true,
}

var setOperators = map[string]bool{
	"in": true, "nin": true, "all": true,
}

var stringOperators = map[string]bool{
	"exact": true, "iexact": true,
	"contains": true, "icontains": true,
	"startswith": true, "istartswith": true,
	"endswith": true, "iendswith": true,
	"regex": true, "iregex": true,
}

var geoOperators = map[string]bool{
	"near": true, "near_sphere": true,
	"within_distance": true, "within_spherical_distance": true,
	"within_box": true, "within_polygon": true,
	"max_distance": true, "min_distance": true,
	"geo_within": true, "geo_intersects": true,
}

func isOperator(s string) bool {
	return comparisonOperators[s] || setOperators[s] || stringOperators[s] ||
		geoOperators[s] || s == "match" || s == "elem_match"
}

// IsOperator reports whether a keyword segment is a recognized query
// operator. Callers building lookup keys use this to keep operators in
// final position.
func IsOperator(s string) bool { return isOperator(s) }

// Compile turns a filter tree into a MongoDB filter document, resolving
// field paths through lookup and waiting on any lazy values it encounters.
// The tree is not mutated.
func Compile(ctx context.Context, lookup FieldLookup, node Node) (bson.M, error) {
	if node == nil {
		return bson.M{}, nil
	}
	switch n := node.(type) {
	case Q:
		return compileQ(ctx, lookup, n)
	case Combination:
		return compileCombination(ctx, lookup, n)
	default:
		return nil, &InvalidQueryError{Msg: fmt.Sprintf("unknown node type %T", node)}
	}
}

func compileCombination(ctx context.Context, lookup FieldLookup, c Combination) (bson.M, error) {
	children := make([]bson.M, 0, len(c.Children))
	for _, child := range c.Children {
		if child.Empty() {
			continue
		}
		compiled, err := Compile(ctx, lookup, child)
		if err != nil {
			return nil, err
		}
		children = append(children, compiled)
	}
	switch len(children) {
	case 0:
		return bson.M{}, nil
	case 1:
		return children[0], nil
	}

	if c.Operator == OpOr {
		return bson.M{"$or": children}, nil
	}

	// Intersections of children with disjoint keys collapse into one
	// document instead of an $and wrapper.
	merged := bson.M{}
	disjoint := true
	for _, child := range children {
		for k := range child {
			if _, clash := merged[k]; clash {
				disjoint = false
				break
			}
		}
		if !disjoint {
			break
		}
		for k, v := range child {
			merged[k] = v
		}
	}
	if disjoint {
		return merged, nil
	}
	return bson.M{"$and": children}, nil
}

func compileQ(ctx context.Context, lookup FieldLookup, q Q) (bson.M, error) {
	result := bson.M{}
	var conflicts []bson.M

	for _, cond := range q.Conditions() {
		key, value, err := compileCondition(ctx, lookup, cond)
		if err != nil {
			return nil, err
		}

		existing, ok := result[key]
		if !ok {
			result[key] = value
			continue
		}
		merged, ok := mergeConditionValues(existing, value)
		if !ok {
			// Same key, unmergeable shapes: thread through $and.
			conflicts = append(conflicts, bson.M{key: value})
			continue
		}
		result[key] = merged
	}

	if len(conflicts) > 0 {
		clauses := append([]bson.M{result}, conflicts...)
		return bson.M{"$and": clauses}, nil
	}
	return result, nil
}

func compileCondition(ctx context.Context, lookup FieldLookup, cond Condition) (string, any, error) {
	parts := strings.Split(cond.Key, "__")

	op := ""
	if len(parts) > 1 && isOperator(parts[len(parts)-1]) {
		op = parts[len(parts)-1]
		parts = parts[:len(parts)-1]
	}
	negate := false
	if len(parts) > 1 && parts[len(parts)-1] == "not" {
		negate = true
		parts = parts[:len(parts)-1]
	}

	// Integer segments are array indices: removed for field lookup,
	// re-interleaved into the emitted key afterwards.
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err == nil {
			continue
		}
		cleaned = append(cleaned, p)
	}
	if len(cleaned) == 0 {
		return "", nil, &InvalidQueryError{Msg: fmt.Sprintf("cannot resolve lookup %q", cond.Key)}
	}

	fields, err := lookup.LookupField(cleaned)
	if err != nil {
		return "", nil, &InvalidQueryError{Msg: fmt.Sprintf("cannot resolve field path %q", strings.Join(cleaned, ".")), Err: err}
	}

	keyParts := make([]string, 0, len(parts))
	fi := 0
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err == nil {
			keyParts = append(keyParts, p)
			continue
		}
		keyParts = append(keyParts, fields[fi].DBName())
		fi++
	}
	key := strings.Join(keyParts, ".")
	field := fields[len(fields)-1]

	value, err := compileValue(ctx, field, op, cond.Value)
	if err != nil {
		return "", nil, err
	}

	if negate {
		if _, isMap := value.(bson.M); isMap {
			value = bson.M{"$not": value}
		} else {
			value = bson.M{"$ne": value}
		}
	}
	return key, value, nil
}

func compileValue(ctx context.Context, field Field, op string, value any) (any, error) {
	switch {
	case op == "" || comparisonOperators[op]:
		v, err := awaitValue(ctx, value)
		if err != nil {
			return nil, err
		}
		prepared, err := field.PrepareQueryValue(op, v)
		if err != nil {
			return nil, &InvalidQueryError{Msg: "cannot prepare query value", Err: err}
		}
		if op == "" {
			return prepared, nil
		}
		return bson.M{"$" + op: prepared}, nil

	case setOperators[op] || op == "near":
		list, err := awaitList(ctx, field, op, value)
		if err != nil {
			return nil, err
		}
		if op == "near" {
			return bson.M{"$near": list}, nil
		}
		return bson.M{"$" + op: list}, nil

	case stringOperators[op]:
		v, err := awaitValue(ctx, value)
		if err != nil {
			return nil, err
		}
		s, ok := v.(string)
		if !ok {
			return nil, &InvalidQueryError{Msg: fmt.Sprintf("operator %q requires a string value, got %T", op, v)}
		}
		return buildStringMatch(op, s), nil

	case geoOperators[op]:
		return buildGeoCondition(op, value)

	case op == "match" || op == "elem_match":
		return buildElemMatch(ctx, value)

	default:
		return nil, &InvalidQueryError{Msg: fmt.Sprintf("unsupported operator %q", op)}
	}
}

func awaitValue(ctx context.Context, value any) (any, error) {
	if r, ok := value.(Resolvable); ok {
		v, err := r.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return value, nil
}

func awaitList(ctx context.Context, field Field, op string, value any) ([]any, error) {
	if lr, ok := value.(ListResolvable); ok {
		return lr.ResolveList(ctx)
	}

	rv := reflect.ValueOf(value)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, &InvalidQueryError{Msg: fmt.Sprintf("operator %q requires a list value, got %T", op, value)}
	}
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		elem, err := awaitValue(ctx, rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		prepared, err := field.PrepareQueryValue(op, elem)
		if err != nil {
			return nil, &InvalidQueryError{Msg: "cannot prepare query value", Err: err}
		}
		out = append(out, prepared)
	}
	return out, nil
}

func buildStringMatch(op, value string) primitive.Regex {
	pattern := regexp.QuoteMeta(value)
	options := ""
	switch strings.TrimPrefix(op, "i") {
	case "exact":
		pattern = "^" + pattern + "$"
	case "contains":
		// pattern stands as-is
	case "startswith":
		pattern = "^" + pattern
	case "endswith":
		pattern = pattern + "$"
	case "regex":
		pattern = value
	}
	if strings.HasPrefix(op, "i") && op != "in" {
		options = "i"
	}
	return primitive.Regex{Pattern: pattern, Options: options}
}

func buildGeoCondition(op string, value any) (any, error) {
	switch op {
	case "near":
		return bson.M{"$near": value}, nil
	case "near_sphere":
		return bson.M{"$nearSphere": value}, nil
	case "within_distance":
		return bson.M{"$within": bson.M{"$center": value}}, nil
	case "within_spherical_distance":
		return bson.M{"$within": bson.M{"$centerSphere": value}}, nil
	case "within_box":
		return bson.M{"$within": bson.M{"$box": value}}, nil
	case "within_polygon":
		return bson.M{"$within": bson.M{"$polygon": value}}, nil
	case "max_distance":
		return bson.M{"$maxDistance": value}, nil
	case "min_distance":
		return bson.M{"$minDistance": value}, nil
	case "geo_within":
		return bson.M{"$geoWithin": value}, nil
	case "geo_intersects":
		return bson.M{"$geoIntersects": value}, nil
	default:
		return nil, &InvalidQueryError{Msg: fmt.Sprintf("unsupported geo operator %q", op)}
	}
}

func buildElemMatch(ctx context.Context, value any) (any, error) {
	switch v := value.(type) {
	case Q:
		// Element lookups use the raw names from the sub-query.
		compiled, err := Compile(ctx, passthroughLookup{}, v)
		if err != nil {
			return nil, err
		}
		return bson.M{"$elemMatch": compiled}, nil
	case map[string]any:
		return bson.M{"$elemMatch": bson.M(v)}, nil
	case bson.M:
		return bson.M{"$elemMatch": v}, nil
	default:
		return nil, &InvalidQueryError{Msg: fmt.Sprintf("match requires a map or Q value, got %T", value)}
	}
}

// mergeConditionValues merges two compiled values for the same key. Operator
// maps merge key-wise, with $maxDistance kept as the last entry of an
// ordered document so the server applies it to the preceding $near.
func mergeConditionValues(existing, incoming any) (any, bool) {
	em, eok := asOperatorMap(existing)
	im, iok := asOperatorMap(incoming)
	if !eok || !iok {
		return nil, false
	}
	merged := bson.M{}
	for k, v := range em {
		merged[k] = v
	}
	for k, v := range im {
		if _, clash := merged[k]; clash {
			return nil, false
		}
		merged[k] = v
	}
	if _, ok := merged["$maxDistance"]; ok {
		return orderWithMaxDistanceLast(merged), true
	}
	return merged, true
}

func asOperatorMap(v any) (bson.M, bool) {
	m, ok := v.(bson.M)
	if !ok {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func orderWithMaxDistanceLast(m bson.M) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != "$maxDistance" {
			keys = append(keys, k)
		}
	}
	// Deterministic ordering for the non-distance operators.
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	d := make(bson.D, 0, len(m))
	for _, k := range keys {
		d = append(d, bson.E{Key: k, Value: m[k]})
	}
	return append(d, bson.E{Key: "$maxDistance", Value: m["$maxDistance"]})
}

// passthroughLookup maps every path segment to itself. Used for element
// match sub-queries where paths are relative to the array element.
type passthroughLookup struct{}

func (passthroughLookup) LookupField(parts []string) ([]Field, error) {
	out := make([]Field, len(parts))
	for i, p := range parts {
		out[i] = passthroughField(p)
	}
	return out, nil
}

type passthroughField string

func (f passthroughField) DBName() string { return string(f) }

func (passthroughField) PrepareQueryValue(_ string, value any) (any, error) {
	return value, nil
}
