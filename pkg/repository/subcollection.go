package repository

import (
	"context"
)

// subCollectionBinder marks entity fields that hold a sub-collection. They are bound when
// the entity is materialized and never encoded.
type subCollectionBinder interface {
	subCollectionPath() string
}

// SubCollection is a repository over the documents nested under one parent document. It is
// bound to the parent's transaction when the parent was read inside one.
type SubCollection[C any] struct {
	*DocumentRepository[C]
	tx *Transaction
}

func newSubCollection[C any](db *DB, tx *Transaction, path string) (*SubCollection[C], error) {
	b, err := newBinding[C](db, path)
	if err != nil {
		return nil, err
	}
	var ops operations = directOps{}
	if tx != nil {
		ops = txOps{t: tx}
	}
	return &SubCollection[C]{DocumentRepository: &DocumentRepository[C]{binding: b, ops: ops}, tx: tx}, nil
}

func (s *SubCollection[C]) subCollectionPath() string {
	return s.Path()
}

// CreateBatch starts a batch for this sub-collection.
func (s *SubCollection[C]) CreateBatch() *SingleBatchRepository[C] {
	return newSingleBatch(s.binding)
}

// RunTransaction runs fn with a transaction repository for this sub-collection. A
// sub-collection bound to a transaction joins it instead of starting a new one.
func (s *SubCollection[C]) RunTransaction(ctx context.Context, fn func(ctx context.Context, repo *TransactionRepository[C]) error) error {
	if s.tx != nil {
		return fn(ctx, &TransactionRepository[C]{s.DocumentRepository})
	}
	return RunTransaction(ctx, s.db, func(ctx context.Context, tx *Transaction) error {
		repo, err := TransactionRepositoryAt[C](tx, s.Path())
		if err != nil {
			return err
		}
		return fn(ctx, repo)
	})
}
