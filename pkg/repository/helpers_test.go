package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/nimburion/docorm/pkg/docstore"
	"github.com/nimburion/docorm/pkg/docstore/memory"
)

type Address struct {
	City    string `doc:"city,omitempty"`
	Country string `doc:"country,omitempty"`
}

type Band struct {
	ID            string              `doc:",id"`
	Name          string              `doc:"name,omitempty" validate:"required"`
	FormationYear int                 `doc:"formationYear,omitempty" validate:"omitempty,gte=1900"`
	Genres        []string            `doc:"genres,omitempty"`
	Origin        Address             `doc:"origin,omitempty"`
	Label         *docstore.Reference `doc:"label,omitempty"`
	Albums        *SubCollection[Album]
}

type Album struct {
	ID    string `doc:",id"`
	Title string `doc:"title" validate:"required"`
	Year  int    `doc:"year,omitempty"`
}

type Label struct {
	ID   string
	Name string `doc:"name"`
}

type Counter struct {
	ID    string
	Value int `doc:"value"`
}

type Record struct {
	ID string
	A  int `doc:"a"`
	B  int `doc:"b"`
	C  int `doc:"c"`
	D  int `doc:"d"`
}

func testRegistry() *Registry {
	reg := NewRegistry()
	MustRegister[Band](reg, "bands",
		WithSubCollection("albums", func(b *Band) **SubCollection[Album] { return &b.Albums }))
	MustRegister[Label](reg, "labels")
	MustRegister[Counter](reg, "counters")
	MustRegister[Record](reg, "records")
	return reg
}

func newTestStore() *memory.Store {
	return memory.New(memory.Options{MaxTransactionAttempts: 50})
}

func newTestDB(t *testing.T, opts ...Option) (*DB, *memory.Store) {
	t.Helper()
	store := newTestStore()
	db := New(store, append([]Option{WithRegistry(testRegistry())}, opts...)...)
	t.Cleanup(func() { _ = db.Close() })
	return db, store
}

func newRecordingDB(t *testing.T, opts ...Option) (*DB, *recordingDriver) {
	t.Helper()
	drv := &recordingDriver{Driver: newTestStore()}
	db := New(drv, append([]Option{WithRegistry(testRegistry())}, opts...)...)
	t.Cleanup(func() { _ = db.Close() })
	return db, drv
}

func mustRepo[T any](t *testing.T, db *DB) *DocumentRepository[T] {
	t.Helper()
	repo, err := NewRepository[T](db)
	if err != nil {
		t.Fatalf("NewRepository() error = %v", err)
	}
	return repo
}

func seedBands(t *testing.T, repo *DocumentRepository[Band]) {
	t.Helper()
	bands := []*Band{
		{ID: "metallica", Name: "Metallica", FormationYear: 1981, Genres: []string{"thrash", "heavy"}, Origin: Address{City: "Los Angeles", Country: "US"}},
		{ID: "slayer", Name: "Slayer", FormationYear: 1981, Genres: []string{"thrash"}, Origin: Address{City: "Huntington Park", Country: "US"}},
		{ID: "tool", Name: "Tool", FormationYear: 1990, Genres: []string{"progressive"}, Origin: Address{City: "Los Angeles", Country: "US"}},
		{ID: "sabbath", Name: "Black Sabbath", FormationYear: 1968, Genres: []string{"doom", "heavy"}, Origin: Address{City: "Birmingham", Country: "UK"}},
	}
	for _, b := range bands {
		if _, err := repo.Create(context.Background(), b); err != nil {
			t.Fatalf("seed %s: %v", b.ID, err)
		}
	}
}

func bandIDs(items []*Band) []string {
	out := make([]string, len(items))
	for i, b := range items {
		out[i] = b.ID
	}
	return out
}

// recordingDriver records the operations of every query that reaches the store.
type recordingDriver struct {
	docstore.Driver

	mu    sync.Mutex
	calls [][]string
}

func (d *recordingDriver) Collection(path string) docstore.Collection {
	return recordingCollection{Collection: d.Driver.Collection(path), d: d}
}

func (d *recordingDriver) record(ops []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, slices.Clone(ops))
}

func (d *recordingDriver) queries() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

func (d *recordingDriver) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

type recordingCollection struct {
	docstore.Collection
	d *recordingDriver
}

func (c recordingCollection) Query() docstore.Query {
	return &recordingQuery{inner: c.Collection.Query(), d: c.d}
}

type recordingQuery struct {
	inner docstore.Query
	d     *recordingDriver
	ops   []string
}

func (q *recordingQuery) with(next docstore.Query, op string) docstore.Query {
	return &recordingQuery{inner: next, d: q.d, ops: append(slices.Clone(q.ops), op)}
}

func (q *recordingQuery) Where(field string, op docstore.Operator, value any) docstore.Query {
	return q.with(q.inner.Where(field, op, value), fmt.Sprintf("where %s %s %v", field, op, value))
}

func (q *recordingQuery) OrderBy(field string, dir docstore.Direction) docstore.Query {
	return q.with(q.inner.OrderBy(field, dir), fmt.Sprintf("order %s %s", field, dir))
}

func (q *recordingQuery) Limit(n int) docstore.Query {
	return q.with(q.inner.Limit(n), fmt.Sprintf("limit %d", n))
}

func (q *recordingQuery) Documents(ctx context.Context) ([]docstore.Snapshot, error) {
	q.d.record(q.ops)
	return q.inner.Documents(ctx)
}
