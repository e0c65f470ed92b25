package repository

import (
	"context"
	"reflect"
	"sync"

	"github.com/nimburion/docorm/pkg/docstore"
	"github.com/nimburion/docorm/pkg/observability/tracing"
)

type writeKind int

const (
	writeCreate writeKind = iota
	writeUpdate
	writeDelete
)

type batchWrite struct {
	kind writeKind
	ref  docstore.DocumentRef
	data map[string]any
}

// Batch accumulates writes for any number of entity types and applies them with one atomic
// Commit. Writes are meant to be staged sequentially; the mutex only keeps the
// accumulator consistent.
type Batch struct {
	db *DB

	mu        sync.Mutex
	writes    []batchWrite
	committed bool
}

// CreateBatch starts an empty batch.
func (db *DB) CreateBatch() *Batch {
	return &Batch{db: db}
}

func (b *Batch) add(w batchWrite) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed {
		return ErrBatchCommitted
	}
	b.writes = append(b.writes, w)
	return nil
}

// Len returns the number of staged writes.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writes)
}

// Commit applies every staged write or none of them. A batch is consumed by Commit, whether
// it succeeds or not; committing an empty batch does nothing.
func (b *Batch) Commit(ctx context.Context) error {
	b.mu.Lock()
	if b.committed {
		b.mu.Unlock()
		return ErrBatchCommitted
	}
	b.committed = true
	writes := b.writes
	b.writes = nil
	b.mu.Unlock()

	if len(writes) == 0 {
		return nil
	}

	collection := collectionOf(writes[0].ref)
	for _, w := range writes[1:] {
		if collectionOf(w.ref) != collection {
			collection = ""
			break
		}
	}
	b.db.logger.WithContext(ctx).Debug("committing batch", "writes", len(writes), "collection", collection)

	return b.db.observe(ctx, operation{span: tracing.SpanOperationDBBatch, name: "batch", collection: collection, count: len(writes)}, func(ctx context.Context) error {
		wb := b.db.driver.Batch()
		for _, w := range writes {
			switch w.kind {
			case writeCreate:
				wb.Set(w.ref, w.data)
			case writeUpdate:
				wb.Update(w.ref, w.data)
			case writeDelete:
				wb.Delete(w.ref)
			}
		}
		return wb.Commit(ctx)
	})
}

func collectionOf(ref docstore.DocumentRef) string {
	path := ref.Path()
	return path[:len(path)-len(ref.ID())-1]
}

// BatchRepository stages writes of one entity type on a Batch. Nothing reaches the store
// until the batch is committed.
type BatchRepository[T any] struct {
	*binding[T]
	batch *Batch
}

// GetRepository returns a view of b for the registered type T.
func GetRepository[T any](b *Batch) (*BatchRepository[T], error) {
	bind, err := registeredBinding[T](b.db)
	if err != nil {
		return nil, err
	}
	return &BatchRepository[T]{binding: bind, batch: b}, nil
}

// GetRepositoryAt returns a view of b for T over an explicit collection path.
func GetRepositoryAt[T any](b *Batch, path string) (*BatchRepository[T], error) {
	bind, err := newBinding[T](b.db, path)
	if err != nil {
		return nil, err
	}
	return &BatchRepository[T]{binding: bind, batch: b}, nil
}

// Create stages the write of item. An empty id is allocated now and set on item; over an
// existing id the fields are merged.
func (r *BatchRepository[T]) Create(item *T) error {
	ref, data, err := r.prepareCreate(item)
	if err != nil {
		return err
	}
	if err := r.batch.add(batchWrite{kind: writeCreate, ref: ref, data: data}); err != nil {
		return err
	}
	r.codec.setID(reflect.ValueOf(item), ref.ID())
	return nil
}

// Update stages a partial update of item with the field selection of
// DocumentRepository.Update. The id is required.
func (r *BatchRepository[T]) Update(item *T, fields ...string) error {
	ref, data, err := r.prepareUpdate(item, fields)
	if err != nil {
		return err
	}
	return r.batch.add(batchWrite{kind: writeUpdate, ref: ref, data: data})
}

// Delete stages the deletion of item. The id is required.
func (r *BatchRepository[T]) Delete(item *T) error {
	ref, err := r.refForItem(item)
	if err != nil {
		return err
	}
	return r.batch.add(batchWrite{kind: writeDelete, ref: ref})
}

// SingleBatchRepository is a batch repository with a batch of its own.
type SingleBatchRepository[T any] struct {
	*BatchRepository[T]
}

// GetSingleRepository returns a batch repository for the registered type T whose Commit
// flushes only its own writes, independently of b.
func GetSingleRepository[T any](b *Batch) (*SingleBatchRepository[T], error) {
	bind, err := registeredBinding[T](b.db)
	if err != nil {
		return nil, err
	}
	return newSingleBatch(bind), nil
}

// GetSingleRepositoryAt is GetSingleRepository over an explicit collection path.
func GetSingleRepositoryAt[T any](b *Batch, path string) (*SingleBatchRepository[T], error) {
	bind, err := newBinding[T](b.db, path)
	if err != nil {
		return nil, err
	}
	return newSingleBatch(bind), nil
}

func newSingleBatch[T any](bind *binding[T]) *SingleBatchRepository[T] {
	return &SingleBatchRepository[T]{&BatchRepository[T]{binding: bind, batch: bind.db.CreateBatch()}}
}

// Commit applies the staged writes atomically.
func (r *SingleBatchRepository[T]) Commit(ctx context.Context) error {
	return r.batch.Commit(ctx)
}
