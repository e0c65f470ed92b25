package repository

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestDocument_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	docs, err := NewRepositoryAt[Document](db, "bands")
	if err != nil {
		t.Fatal(err)
	}

	in := &Document{ID: "tool", Fields: map[string]any{
		"name":   "Tool",
		"year":   1990,
		"genres": []string{"progressive"},
	}}
	if _, err := docs.Create(ctx, in); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := docs.FindByID(ctx, "tool")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"id":     "tool",
		"name":   "Tool",
		"year":   int64(1990),
		"genres": []any{"progressive"},
	}
	if !reflect.DeepEqual(got.Map(), want) {
		t.Fatalf("Map() = %#v\nwant %#v", got.Map(), want)
	}

	if _, err := docs.Update(ctx, &Document{ID: "tool", Fields: map[string]any{"year": 1991}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	typed, err := mustRepo[Band](t, db).FindByID(ctx, "tool")
	if err != nil {
		t.Fatal(err)
	}
	if typed.Name != "Tool" {
		t.Fatalf("typed view = %+v", typed)
	}

	found, err := docs.WhereEqualTo("year", 1991).Find(ctx)
	if err != nil || len(found) != 1 {
		t.Fatalf("Find() = %v, %v", found, err)
	}

	if _, err := docs.Create(ctx, &Document{Fields: map[string]any{"id": "x"}}); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue for reserved field, got %v", err)
	}
}

func TestCodec_RemainField(t *testing.T) {
	type tagged struct {
		ID    string
		Name  string         `doc:"name,omitempty"`
		Extra map[string]any `doc:",remain"`
	}
	c, err := codecFor(reflect.TypeFor[tagged]())
	if err != nil {
		t.Fatal(err)
	}
	data, written, err := c.encode(reflect.ValueOf(&tagged{Extra: map[string]any{"name": "shadowed", "x": 1}}))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(data, map[string]any{"x": 1}) {
		t.Fatalf("declared fields must not be written from the remain map, got %v", data)
	}
	if !reflect.DeepEqual(written, []string{"Extra"}) {
		t.Fatalf("written = %v", written)
	}

	type badRemain struct {
		ID    string
		Extra map[string]string `doc:",remain"`
	}
	if _, err := codecFor(reflect.TypeFor[badRemain]()); err == nil || !strings.Contains(err.Error(), "remain") {
		t.Fatalf("expected remain type error, got %v", err)
	}
}
