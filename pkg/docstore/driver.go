// Package docstore defines the value model of a schemaless document store and the narrow
// driver contract the repository layer compiles its queries and writes against.
//
// Drivers live in sub-packages (memory, mongodb, dynamodb); none of the types here perform I/O.
package docstore

import "context"

// Snapshot is the state of one document at read time.
type Snapshot struct {
	// ID is the storage key of the document inside its collection.
	ID string
	// Path is the full document path ("collection/id").
	Path string
	// Data holds the document fields. Nil when the document does not exist.
	Data map[string]any
	// Exists is false when a point read found nothing.
	Exists bool
}

// Query is a store-native query under construction. Each method returns the refined query;
// implementations may return a copy or mutate in place, callers always use the return value.
type Query interface {
	Where(field string, op Operator, value any) Query
	OrderBy(field string, dir Direction) Query
	Limit(n int) Query
	// Documents runs the query outside of any transaction.
	Documents(ctx context.Context) ([]Snapshot, error)
}

// Collection is a handle on a collection path.
type Collection interface {
	Path() string
	// Doc returns a reference to the document with the given id. An empty id allocates a new
	// store-assigned identifier without touching the store.
	Doc(id string) DocumentRef
	// Query starts an unfiltered query over the collection.
	Query() Query
}

// DocumentRef addresses one document.
type DocumentRef interface {
	ID() string
	Path() string
	// Get returns a snapshot with Exists=false, not an error, when the document is absent.
	Get(ctx context.Context) (Snapshot, error)
	// Set merges data into the document, creating it when absent. Fields not in data
	// keep their stored values.
	Set(ctx context.Context, data map[string]any) error
	// Update merges data into an existing document and fails with ErrNotFound when absent.
	Update(ctx context.Context, data map[string]any) error
	// Delete removes the document. Deleting a missing document is not an error.
	Delete(ctx context.Context) error
}

// WriteBatch stages writes that are applied atomically by Commit.
type WriteBatch interface {
	Set(ref DocumentRef, data map[string]any)
	Update(ref DocumentRef, data map[string]any)
	Delete(ref DocumentRef)
	// Len returns the number of staged writes.
	Len() int
	// Commit applies every staged write or none of them.
	Commit(ctx context.Context) error
}

// Tx is the ambient transaction context handed to a TxFunc. Reads observe one consistent
// snapshot; writes are staged and applied when the driver commits the transaction.
type Tx interface {
	Get(ctx context.Context, ref DocumentRef) (Snapshot, error)
	Documents(ctx context.Context, q Query) ([]Snapshot, error)
	Set(ref DocumentRef, data map[string]any) error
	Update(ref DocumentRef, data map[string]any) error
	Delete(ref DocumentRef) error
}

// TxFunc is the body of a transaction. It may be invoked more than once when the driver
// retries after a conflict, so it must not have side effects outside of tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Driver is a connected document store.
type Driver interface {
	// Name identifies the backing system ("memory", "mongodb", "dynamodb").
	Name() string
	Collection(path string) Collection
	Batch() WriteBatch
	// RunTransaction runs fn inside a transaction, committing when fn returns nil and
	// retrying the whole function when the store reports a conflicting concurrent write.
	RunTransaction(ctx context.Context, fn TxFunc) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// IDField is the pseudo field that addresses the document key in filters and orders.
const IDField = "id"

// ChildPath returns the path of a sub-collection below a document.
func ChildPath(parentCollection, parentID, name string) string {
	return parentCollection + "/" + parentID + "/" + name
}
