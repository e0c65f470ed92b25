package mongodb

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nimburion/docorm/pkg/docstore"
)

func testQuery() *Query {
	d := &Driver{}
	return &Query{col: &collection{driver: d, path: "bands"}}
}

func TestCompileCondition(t *testing.T) {
	tests := []struct {
		name string
		cond condition
		want bson.D
	}{
		{
			name: "equal",
			cond: condition{field: "name", op: docstore.OpEqual, value: "Tool"},
			want: bson.D{{Key: "name", Value: bson.D{{Key: "$exists", Value: true}, {Key: "$eq", Value: "Tool"}}}},
		},
		{
			name: "not equal excludes null",
			cond: condition{field: "active", op: docstore.OpNotEqual, value: true},
			want: bson.D{{Key: "active", Value: bson.D{{Key: "$exists", Value: true}, {Key: "$nin", Value: bson.A{true, nil}}}}},
		},
		{
			name: "greater than",
			cond: condition{field: "year", op: docstore.OpGreaterThan, value: 1981},
			want: bson.D{{Key: "year", Value: bson.D{{Key: "$gt", Value: int64(1981)}}}},
		},
		{
			name: "array contains",
			cond: condition{field: "genres", op: docstore.OpArrayContains, value: "thrash"},
			want: bson.D{{Key: "genres", Value: bson.D{{Key: "$elemMatch", Value: bson.D{{Key: "$eq", Value: "thrash"}}}}}},
		},
		{
			name: "array contains any",
			cond: condition{field: "genres", op: docstore.OpArrayContainsAny, value: []string{"a", "b"}},
			want: bson.D{{Key: "genres", Value: bson.D{{Key: "$elemMatch", Value: bson.D{{Key: "$in", Value: bson.A{"a", "b"}}}}}}},
		},
		{
			name: "in",
			cond: condition{field: "year", op: docstore.OpIn, value: []int{1, 2}},
			want: bson.D{{Key: "year", Value: bson.D{{Key: "$exists", Value: true}, {Key: "$in", Value: bson.A{int64(1), int64(2)}}}}},
		},
		{
			name: "not in",
			cond: condition{field: "year", op: docstore.OpNotIn, value: []int{1}},
			want: bson.D{{Key: "year", Value: bson.D{{Key: "$exists", Value: true}, {Key: "$nin", Value: bson.A{int64(1), nil}}}}},
		},
		{
			name: "id maps to the document key",
			cond: condition{field: "id", op: docstore.OpEqual, value: "tool"},
			want: bson.D{{Key: "_id", Value: bson.D{{Key: "$exists", Value: true}, {Key: "$eq", Value: "tool"}}}},
		},
		{
			name: "reference",
			cond: condition{field: "band", op: docstore.OpEqual, value: docstore.Reference{Path: "bands/tool"}},
			want: bson.D{{Key: "band", Value: bson.D{{Key: "$exists", Value: true}, {Key: "$eq", Value: bson.D{{Key: "__ref", Value: "bands/tool"}}}}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := compileCondition(tt.cond)
			if err != nil {
				t.Fatalf("compileCondition() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("compileCondition() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestCompileCondition_RejectsWrongShape(t *testing.T) {
	_, err := compileCondition(condition{field: "year", op: docstore.OpIn, value: 1})
	if !errors.Is(err, docstore.ErrInvalidQuery) || !errors.Is(err, docstore.ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidQuery wrapping ErrInvalidValue, got %v", err)
	}
}

func TestQuery_FilterAndSort(t *testing.T) {
	q := testQuery().
		Where("year", docstore.OpGreaterThan, 1980).
		OrderBy("year", docstore.Descending).
		Limit(5).(*Query)

	filter, err := q.Filter()
	if err != nil {
		t.Fatalf("Filter() error = %v", err)
	}
	and, ok := filter[0].Value.(bson.A)
	if filter[0].Key != "$and" || !ok || len(and) != 2 {
		t.Fatalf("unexpected filter %#v", filter)
	}

	sort, err := q.Sort()
	if err != nil {
		t.Fatalf("Sort() error = %v", err)
	}
	want := bson.D{{Key: "year", Value: -1}, {Key: "_id", Value: -1}}
	if !reflect.DeepEqual(sort, want) {
		t.Fatalf("Sort() = %#v, want %#v", sort, want)
	}

	opts, _, err := q.findOptions()
	if err != nil {
		t.Fatalf("findOptions() error = %v", err)
	}
	if opts.Limit == nil || *opts.Limit != 5 {
		t.Fatalf("limit = %v", opts.Limit)
	}
}

func TestQuery_EmptyFilterAndRaw(t *testing.T) {
	q := testQuery()
	filter, err := q.Filter()
	if err != nil || len(filter) != 0 {
		t.Fatalf("expected empty filter, got %#v (%v)", filter, err)
	}

	raw := bson.D{{Key: "name", Value: bson.D{{Key: "$regex", Value: "^T"}}}}
	filter, err = q.Raw(raw).Filter()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(filter, raw) {
		t.Fatalf("Raw filter = %#v", filter)
	}
	if len(q.raw) != 0 {
		t.Fatal("Raw mutated the receiver")
	}
}

func TestQuery_InvalidDirectionAndLimit(t *testing.T) {
	if _, err := testQuery().OrderBy("x", "sideways").(*Query).Sort(); !errors.Is(err, docstore.ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
	if _, _, err := testQuery().Limit(-1).(*Query).findOptions(); !errors.Is(err, docstore.ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	doc, err := encodeDocument(map[string]any{
		"name":    "Tool",
		"year":    1990,
		"rating":  4.5,
		"founded": ts,
		"label":   docstore.Reference{Path: "labels/volcano"},
		"origin":  docstore.GeoPoint{Latitude: 34.05, Longitude: -118.24},
		"tags":    []string{"prog"},
		"meta":    map[string]any{"n": int32(2)},
	}, time.Now())
	if err != nil {
		t.Fatalf("encodeDocument() error = %v", err)
	}

	// simulate what the driver hands back
	doc["_id"] = "tool"
	doc["meta"] = bson.M{"n": int32(2)}
	doc["tags"] = bson.A{"prog"}
	doc["label"] = bson.M{"__ref": "labels/volcano"}
	doc["origin"] = bson.M{"__geo": bson.M{"lat": 34.05, "lng": -118.24}}

	id, data := decodeDocument(doc)
	if id != "tool" {
		t.Fatalf("id = %q", id)
	}
	if data["year"] != int64(1990) || data["rating"] != 4.5 || data["name"] != "Tool" {
		t.Fatalf("scalars not preserved: %#v", data)
	}
	if got := data["founded"].(time.Time); !got.Equal(ts) {
		t.Fatalf("founded = %v, want %v", got, ts)
	}
	if data["label"] != (docstore.Reference{Path: "labels/volcano"}) {
		t.Fatalf("label = %#v", data["label"])
	}
	if data["origin"] != (docstore.GeoPoint{Latitude: 34.05, Longitude: -118.24}) {
		t.Fatalf("origin = %#v", data["origin"])
	}
	if tags := data["tags"].([]any); len(tags) != 1 || tags[0] != "prog" {
		t.Fatalf("tags = %#v", data["tags"])
	}
	if meta := data["meta"].(map[string]any); meta["n"] != int64(2) {
		t.Fatalf("meta = %#v", data["meta"])
	}
	if _, ok := doc["founded"].(primitive.DateTime); !ok {
		t.Fatalf("timestamps must encode as DateTime, got %T", doc["founded"])
	}
}

func TestEncodeUpdate(t *testing.T) {
	update, err := encodeUpdate(map[string]any{
		"name":      "Tool",
		"draft":     docstore.DeleteField,
		"updatedAt": docstore.ServerTimestamp,
	}, time.Now())
	if err != nil {
		t.Fatalf("encodeUpdate() error = %v", err)
	}
	want := bson.D{
		{Key: "$set", Value: bson.M{"name": "Tool"}},
		{Key: "$unset", Value: bson.M{"draft": ""}},
		{Key: "$currentDate", Value: bson.M{"updatedAt": true}},
	}
	if !reflect.DeepEqual(update, want) {
		t.Fatalf("encodeUpdate() = %#v, want %#v", update, want)
	}

	if _, err := encodeUpdate(map[string]any{"_id": "x"}, time.Now()); !errors.Is(err, docstore.ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue for _id, got %v", err)
	}
}

func TestEncodeSet(t *testing.T) {
	update, err := encodeSet("tool", map[string]any{"name": "Tool II"}, time.Now())
	if err != nil {
		t.Fatalf("encodeSet() error = %v", err)
	}
	want := bson.D{
		{Key: "$set", Value: bson.M{"name": "Tool II"}},
		{Key: "$setOnInsert", Value: bson.M{"_id": "tool"}},
	}
	if !reflect.DeepEqual(update, want) {
		t.Fatalf("encodeSet() = %#v, want %#v", update, want)
	}

	empty, err := encodeSet("tool", nil, time.Now())
	if err != nil {
		t.Fatalf("encodeSet(nil) error = %v", err)
	}
	if len(empty) != 1 || empty[0].Key != "$setOnInsert" {
		t.Fatalf("encodeSet(nil) = %#v, want only $setOnInsert", empty)
	}

	if _, err := encodeSet("tool", map[string]any{"_id": "other"}, time.Now()); !errors.Is(err, docstore.ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue for _id, got %v", err)
	}
}

func TestCollectionName(t *testing.T) {
	if got := CollectionName("/bands/metallica/albums/"); got != "bands.metallica.albums" {
		t.Fatalf("CollectionName() = %q", got)
	}
}
