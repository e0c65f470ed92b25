package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/docorm/pkg/docstore"
)

func seedBands(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s := newTestStore()
	bands := s.Collection("bands")
	docs := map[string]map[string]any{
		"metallica":   {"name": "Metallica", "formationYear": 1981, "genres": []string{"thrash", "heavy"}, "active": true},
		"slayer":      {"name": "Slayer", "formationYear": 1981, "genres": []string{"thrash"}, "active": false},
		"pink-floyd":  {"name": "Pink Floyd", "formationYear": 1965, "genres": []string{"progressive", "psychedelic"}, "active": false},
		"tool":        {"name": "Tool", "formationYear": 1990, "genres": []string{"progressive", "alternative"}, "active": true},
		"no-year":     {"name": "Unknown", "genres": []string{}, "active": nil},
		"float-years": {"name": "Floaty", "formationYear": 1990.5, "genres": []string{"ambient"}},
	}
	for id, data := range docs {
		if err := bands.Doc(id).Set(ctx, data); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	return s
}

func ids(snaps []docstore.Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQuery_Filters(t *testing.T) {
	s := seedBands(t)
	bands := s.Collection("bands")

	tests := []struct {
		name  string
		build func(q docstore.Query) docstore.Query
		want  []string
	}{
		{
			name:  "equal",
			build: func(q docstore.Query) docstore.Query { return q.Where("formationYear", docstore.OpEqual, 1981) },
			want:  []string{"metallica", "slayer"},
		},
		{
			name: "not equal excludes missing and null",
			build: func(q docstore.Query) docstore.Query {
				return q.Where("active", docstore.OpNotEqual, true)
			},
			want: []string{"pink-floyd", "slayer"},
		},
		{
			name:  "greater than compares numbers across int and float",
			build: func(q docstore.Query) docstore.Query { return q.Where("formationYear", docstore.OpGreaterThan, 1981) },
			want:  []string{"tool", "float-years"},
		},
		{
			name:  "less or equal",
			build: func(q docstore.Query) docstore.Query { return q.Where("formationYear", docstore.OpLessThanOrEqual, 1981) },
			want:  []string{"pink-floyd", "metallica", "slayer"},
		},
		{
			name:  "range ignores other kinds",
			build: func(q docstore.Query) docstore.Query { return q.Where("name", docstore.OpGreaterThan, 0) },
			want:  []string{},
		},
		{
			name:  "array contains",
			build: func(q docstore.Query) docstore.Query { return q.Where("genres", docstore.OpArrayContains, "thrash") },
			want:  []string{"metallica", "slayer"},
		},
		{
			name: "array contains any",
			build: func(q docstore.Query) docstore.Query {
				return q.Where("genres", docstore.OpArrayContainsAny, []string{"heavy", "ambient"})
			},
			want: []string{"float-years", "metallica"},
		},
		{
			name:  "in",
			build: func(q docstore.Query) docstore.Query { return q.Where("name", docstore.OpIn, []string{"Tool", "Slayer"}) },
			want:  []string{"slayer", "tool"},
		},
		{
			name: "not in excludes missing",
			build: func(q docstore.Query) docstore.Query {
				return q.Where("formationYear", docstore.OpNotIn, []int{1981, 1965})
			},
			want: []string{"tool", "float-years"},
		},
		{
			name: "combined equality",
			build: func(q docstore.Query) docstore.Query {
				return q.Where("formationYear", docstore.OpEqual, 1981).Where("active", docstore.OpEqual, true)
			},
			want: []string{"metallica"},
		},
		{
			name:  "equal null",
			build: func(q docstore.Query) docstore.Query { return q.Where("active", docstore.OpEqual, nil) },
			want:  []string{"no-year"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.build(bands.Query()).Documents(context.Background())
			if err != nil {
				t.Fatalf("Documents() error = %v", err)
			}
			if !equalIDs(ids(got), tt.want) {
				t.Fatalf("got %v, want %v", ids(got), tt.want)
			}
		})
	}
}

func TestQuery_OrderAndLimit(t *testing.T) {
	s := seedBands(t)
	bands := s.Collection("bands")
	ctx := context.Background()

	got, err := bands.Query().OrderBy("formationYear", docstore.Descending).Limit(3).Documents(ctx)
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	if want := []string{"float-years", "tool", "slayer"}; !equalIDs(ids(got), want) {
		t.Fatalf("got %v, want %v", ids(got), want)
	}

	got, err = bands.Query().OrderBy("formationYear", docstore.Ascending).Documents(ctx)
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("documents missing the order field must be excluded, got %v", ids(got))
	}

	got, err = bands.Query().Documents(ctx)
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	if want := []string{"float-years", "metallica", "no-year", "pink-floyd", "slayer", "tool"}; !equalIDs(ids(got), want) {
		t.Fatalf("unordered query should return id order, got %v", ids(got))
	}
}

func TestQuery_Immutable(t *testing.T) {
	s := seedBands(t)
	base := s.Collection("bands").Query().Where("active", docstore.OpEqual, true)
	_ = base.Where("formationYear", docstore.OpEqual, 1990)

	got, err := base.Documents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("refinement leaked into base query: %v", ids(got))
	}
}

func TestQuery_StoreRestrictions(t *testing.T) {
	s := seedBands(t)
	bands := s.Collection("bands")
	many := make([]int, MaxDisjunctionValues+1)
	for i := range many {
		many[i] = i
	}

	tests := []struct {
		name  string
		build func(q docstore.Query) docstore.Query
	}{
		{
			name: "inequalities on two fields",
			build: func(q docstore.Query) docstore.Query {
				return q.Where("formationYear", docstore.OpGreaterThan, 1970).Where("name", docstore.OpLessThan, "T")
			},
		},
		{
			name: "order field differs from inequality field",
			build: func(q docstore.Query) docstore.Query {
				return q.Where("formationYear", docstore.OpGreaterThan, 1970).OrderBy("name", docstore.Ascending)
			},
		},
		{
			name:  "disjunction over cap",
			build: func(q docstore.Query) docstore.Query { return q.Where("formationYear", docstore.OpIn, many) },
		},
		{
			name:  "empty in",
			build: func(q docstore.Query) docstore.Query { return q.Where("formationYear", docstore.OpIn, []int{}) },
		},
		{
			name: "two array filters",
			build: func(q docstore.Query) docstore.Query {
				return q.Where("genres", docstore.OpArrayContains, "a").Where("genres", docstore.OpArrayContainsAny, []string{"b"})
			},
		},
		{
			name: "not-in with not equal",
			build: func(q docstore.Query) docstore.Query {
				return q.Where("formationYear", docstore.OpNotIn, []int{1}).Where("formationYear", docstore.OpNotEqual, 2)
			},
		},
		{
			name:  "wrong value shape",
			build: func(q docstore.Query) docstore.Query { return q.Where("name", docstore.OpIn, "Tool") },
		},
		{
			name:  "negative limit",
			build: func(q docstore.Query) docstore.Query { return q.Limit(-1) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build(bands.Query()).Documents(context.Background())
			if !errors.Is(err, docstore.ErrInvalidQuery) {
				t.Fatalf("expected ErrInvalidQuery, got %v", err)
			}
		})
	}
}

func TestQuery_InequalityWithMatchingOrder(t *testing.T) {
	s := seedBands(t)
	got, err := s.Collection("bands").Query().
		Where("formationYear", docstore.OpGreaterThanOrEqual, 1981).
		Where("formationYear", docstore.OpLessThan, 1990).
		OrderBy("formationYear", docstore.Descending).
		Documents(context.Background())
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	if want := []string{"slayer", "metallica"}; !equalIDs(ids(got), want) {
		t.Fatalf("got %v, want %v", ids(got), want)
	}
}

func TestQuery_TimestampsAndReferences(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	albums := s.Collection("albums")
	base := time.Date(1983, 7, 25, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"kill", "ride", "master"} {
		err := albums.Doc(id).Set(ctx, map[string]any{
			"released": base.AddDate(i, 0, 0),
			"band":     docstore.Reference{Path: "bands/metallica"},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := albums.Query().
		Where("released", docstore.OpGreaterThan, base).
		Where("band", docstore.OpEqual, docstore.Reference{Path: "bands/metallica"}).
		Documents(ctx)
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	if want := []string{"ride", "master"}; !equalIDs(ids(got), want) {
		t.Fatalf("got %v, want %v", ids(got), want)
	}
}

func TestQuery_NestedFieldPath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	users := s.Collection("users")
	if err := users.Doc("a").Set(ctx, map[string]any{"address": map[string]any{"city": "Rome"}}); err != nil {
		t.Fatal(err)
	}
	if err := users.Doc("b").Set(ctx, map[string]any{"address": map[string]any{"city": "Milan"}}); err != nil {
		t.Fatal(err)
	}

	got, err := users.Query().Where("address.city", docstore.OpEqual, "Rome").Documents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(ids(got), []string{"a"}) {
		t.Fatalf("got %v", ids(got))
	}
}

func TestQuery_DocumentIDField(t *testing.T) {
	ctx := context.Background()
	s := seedBands(t)
	bands := s.Collection("bands")

	got, err := bands.Query().Where(docstore.IDField, docstore.OpIn, []string{"tool", "slayer"}).Documents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"slayer", "tool"}; !equalIDs(ids(got), want) {
		t.Fatalf("got %v, want %v", ids(got), want)
	}

	got, err = bands.Query().OrderBy(docstore.IDField, docstore.Descending).Limit(2).Documents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"tool", "slayer"}; !equalIDs(ids(got), want) {
		t.Fatalf("got %v, want %v", ids(got), want)
	}
}

func TestCompareValues_CrossKindOrder(t *testing.T) {
	ordered := []any{
		nil,
		false,
		true,
		int64(-1),
		float64(2.5),
		time.Unix(0, 0).UTC(),
		"a",
		docstore.Reference{Path: "a/b"},
		docstore.GeoPoint{Latitude: 1},
		[]any{int64(1)},
		map[string]any{"a": int64(1)},
	}
	for i := 0; i+1 < len(ordered); i++ {
		if c := docstore.Compare(ordered[i], ordered[i+1]); c >= 0 {
			t.Fatalf("docstore.Compare(%#v, %#v) = %d, want < 0", ordered[i], ordered[i+1], c)
		}
	}
	if !docstore.Equal(int64(3), float64(3)) {
		t.Fatal("int and float with the same value must be equal")
	}
}
