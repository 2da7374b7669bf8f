package query

import (
	"errors"
	"reflect"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func TestTransformUpdate(t *testing.T) {
	lookup := testLookup{
		"name": "name", "age": "age", "tags": "tags",
		"address": "addr", "city": "city",
	}

	cases := []struct {
		name string
		spec map[string]any
		want bson.M
	}{
		{
			name: "bare key becomes set",
			spec: map[string]any{"name": "Ada"},
			want: bson.M{"$set": bson.M{"name": "Ada"}},
		},
		{
			name: "explicit set on embedded path",
			spec: map[string]any{"set__address__city": "Oslo"},
			want: bson.M{"$set": bson.M{"addr.city": "Oslo"}},
		},
		{
			name: "inc",
			spec: map[string]any{"inc__age": 3},
			want: bson.M{"$inc": bson.M{"age": 3}},
		},
		{
			name: "dec negates the value",
			spec: map[string]any{"dec__age": 3},
			want: bson.M{"$inc": bson.M{"age": -3}},
		},
		{
			name: "unset normalizes the value",
			spec: map[string]any{"unset__name": true},
			want: bson.M{"$unset": bson.M{"name": 1}},
		},
		{
			name: "push_all wraps in each",
			spec: map[string]any{"push_all__tags": []any{"go", "db"}},
			want: bson.M{"$push": bson.M{"tags": bson.M{"$each": []any{"go", "db"}}}},
		},
		{
			name: "pull_all",
			spec: map[string]any{"pull_all__tags": []any{"go"}},
			want: bson.M{"$pullAll": bson.M{"tags": []any{"go"}}},
		},
		{
			name: "add_to_set with a list",
			spec: map[string]any{"add_to_set__tags": []any{"go"}},
			want: bson.M{"$addToSet": bson.M{"tags": bson.M{"$each": []any{"go"}}}},
		},
		{
			name: "positional segment passes through",
			spec: map[string]any{"set__tags__S": "go"},
			want: bson.M{"$set": bson.M{"tags.$": "go"}},
		},
		{
			name: "array index passes through",
			spec: map[string]any{"set__tags__0": "go"},
			want: bson.M{"$set": bson.M{"tags.0": "go"}},
		},
		{
			name: "operators group under one document",
			spec: map[string]any{"set__name": "Ada", "set__age": 1},
			want: bson.M{"$set": bson.M{"name": "Ada", "age": 1}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := TransformUpdate(lookup, tc.spec)
			if err != nil {
				t.Fatalf("transform %v: %v", tc.spec, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("update = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTransformUpdateErrors(t *testing.T) {
	lookup := testLookup{"age": "age"}

	_, err := TransformUpdate(lookup, map[string]any{"inc__missing": 1})
	var iq *InvalidQueryError
	if !errors.As(err, &iq) {
		t.Fatalf("error = %v, want InvalidQueryError", err)
	}

	_, err = TransformUpdate(lookup, map[string]any{"dec__age": "not a number"})
	if !errors.As(err, &iq) {
		t.Fatalf("error = %v, want InvalidQueryError", err)
	}
}
