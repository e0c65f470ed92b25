package repository

import (
	"context"
	"slices"
	"sync"

	"github.com/nimburion/docorm/pkg/docstore"
	"github.com/nimburion/docorm/pkg/observability/tracing"
)

// TransactionReference records that the field PropertyKey of Entity refers to the document
// or sub-collection at Path. References are collected while a transaction materializes
// entities and are discarded when the transaction function returns.
type TransactionReference struct {
	Entity      any
	PropertyKey string
	Path        string
}

// Transaction is the ambient context of one transaction attempt.
type Transaction struct {
	db *DB
	tx docstore.Tx

	mu     sync.Mutex
	refs   []TransactionReference
	writes int
	closed bool
}

// TransactionFunc is the body of a transaction. It runs again from scratch when the store
// reports a conflicting write, so it must not have side effects outside of tx.
type TransactionFunc func(ctx context.Context, tx *Transaction) error

// RunTransaction runs fn in a transaction of the driver. Reads observe one consistent
// snapshot and writes are applied atomically when fn returns nil; an error from fn aborts
// the transaction with nothing applied. Retries after conflicts are owned by the driver.
func RunTransaction(ctx context.Context, db *DB, fn TransactionFunc) error {
	attempt := 0
	return db.observe(ctx, operation{span: tracing.SpanOperationDBTx, name: "transaction"}, func(ctx context.Context) error {
		return db.driver.RunTransaction(ctx, func(ctx context.Context, dtx docstore.Tx) error {
			attempt++
			if attempt > 1 {
				db.logger.WithContext(ctx).Debug("retrying transaction", "attempt", attempt)
			}
			t := &Transaction{db: db, tx: dtx}
			defer t.close()
			if err := fn(ctx, t); err != nil {
				return err
			}
			db.logger.WithContext(ctx).Debug("committing transaction", "attempt", attempt, "writes", t.staged())
			return nil
		})
	})
}

// References returns the references recorded so far.
func (t *Transaction) References() []TransactionReference {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.refs)
}

func (t *Transaction) addReference(ref TransactionReference) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.refs = append(t.refs, ref)
	}
}

func (t *Transaction) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.refs = nil
}

func (t *Transaction) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransactionClosed
	}
	return nil
}

// stage counts one write, failing once the transaction is closed.
func (t *Transaction) stage() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransactionClosed
	}
	t.writes++
	return nil
}

func (t *Transaction) staged() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

// txOps runs repository operations against the transaction. Writes are staged by the driver
// and applied on commit.
type txOps struct {
	t *Transaction
}

func (o txOps) get(ctx context.Context, ref docstore.DocumentRef) (docstore.Snapshot, error) {
	if err := o.t.checkOpen(); err != nil {
		return docstore.Snapshot{}, err
	}
	return o.t.tx.Get(ctx, ref)
}

func (o txOps) documents(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	if err := o.t.checkOpen(); err != nil {
		return nil, err
	}
	return o.t.tx.Documents(ctx, q)
}

func (o txOps) create(_ context.Context, ref docstore.DocumentRef, data map[string]any) error {
	if err := o.t.stage(); err != nil {
		return err
	}
	return o.t.tx.Set(ref, data)
}

func (o txOps) update(_ context.Context, ref docstore.DocumentRef, data map[string]any) error {
	if err := o.t.stage(); err != nil {
		return err
	}
	return o.t.tx.Update(ref, data)
}

func (o txOps) delete(_ context.Context, ref docstore.DocumentRef) error {
	if err := o.t.stage(); err != nil {
		return err
	}
	return o.t.tx.Delete(ref)
}

func (o txOps) transaction() *Transaction { return o.t }

// TransactionRepository is a repository whose reads and writes run inside one transaction.
// It never retries; conflicts are handled by RunTransaction.
type TransactionRepository[T any] struct {
	*DocumentRepository[T]
}

// Transaction returns the transaction the repository is bound to.
func (r *TransactionRepository[T]) Transaction() *Transaction {
	return r.ops.transaction()
}

// TransactionRepositoryFor returns a repository for the registered type T bound to tx.
func TransactionRepositoryFor[T any](tx *Transaction) (*TransactionRepository[T], error) {
	b, err := registeredBinding[T](tx.db)
	if err != nil {
		return nil, err
	}
	return &TransactionRepository[T]{&DocumentRepository[T]{binding: b, ops: txOps{t: tx}}}, nil
}

// TransactionRepositoryAt returns a repository for T over path bound to tx.
func TransactionRepositoryAt[T any](tx *Transaction, path string) (*TransactionRepository[T], error) {
	b, err := newBinding[T](tx.db, path)
	if err != nil {
		return nil, err
	}
	return &TransactionRepository[T]{&DocumentRepository[T]{binding: b, ops: txOps{t: tx}}}, nil
}

// ResolveReference reads the document ref points to inside tx, or nil when it is absent.
func ResolveReference[T any](ctx context.Context, tx *Transaction, ref docstore.Reference) (*T, error) {
	repo, err := TransactionRepositoryAt[T](tx, ref.Collection())
	if err != nil {
		return nil, err
	}
	return repo.FindByID(ctx, ref.ID())
}
