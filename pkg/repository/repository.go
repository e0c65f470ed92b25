package repository

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/nimburion/docorm/pkg/docstore"
	"github.com/nimburion/docorm/pkg/observability/tracing"
)

// Reader provides read operations for entities.
type Reader[T any] interface {
	FindByID(ctx context.Context, id string) (*T, error)
	Execute(ctx context.Context, lines []QueryLine, opts ExecOptions) ([]*T, error)
	Query() *QueryBuilder[T]
}

// Writer provides write operations for entities.
type Writer[T any] interface {
	Create(ctx context.Context, item *T) (*T, error)
	Update(ctx context.Context, item *T, fields ...string) (*T, error)
	Delete(ctx context.Context, id string) error
}

// Repository combines Reader and Writer. Direct and transaction repositories implement it.
type Repository[T any] interface {
	Reader[T]
	Writer[T]
}

// operations is the execution strategy of a repository: immediately against the store or
// inside a transaction.
type operations interface {
	get(ctx context.Context, ref docstore.DocumentRef) (docstore.Snapshot, error)
	documents(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error)
	create(ctx context.Context, ref docstore.DocumentRef, data map[string]any) error
	update(ctx context.Context, ref docstore.DocumentRef, data map[string]any) error
	delete(ctx context.Context, ref docstore.DocumentRef) error
	transaction() *Transaction
}

type directOps struct{}

func (directOps) get(ctx context.Context, ref docstore.DocumentRef) (docstore.Snapshot, error) {
	return ref.Get(ctx)
}

func (directOps) documents(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	return q.Documents(ctx)
}

func (directOps) create(ctx context.Context, ref docstore.DocumentRef, data map[string]any) error {
	return ref.Set(ctx, data)
}

func (directOps) update(ctx context.Context, ref docstore.DocumentRef, data map[string]any) error {
	return ref.Update(ctx, data)
}

func (directOps) delete(ctx context.Context, ref docstore.DocumentRef) error {
	return ref.Delete(ctx)
}

func (directOps) transaction() *Transaction { return nil }

// DocumentRepository is a repository over one collection. Built by NewRepository it runs
// every call immediately; built by TransactionRepositoryFor it runs inside a transaction.
type DocumentRepository[T any] struct {
	*binding[T]
	ops operations
}

var _ Repository[struct{ ID string }] = (*DocumentRepository[struct{ ID string }])(nil)

// NewRepository returns a direct repository for the registered entity type T.
func NewRepository[T any](db *DB) (*DocumentRepository[T], error) {
	b, err := registeredBinding[T](db)
	if err != nil {
		return nil, err
	}
	return &DocumentRepository[T]{binding: b, ops: directOps{}}, nil
}

// NewRepositoryAt returns a direct repository for T over an explicit collection path.
// T does not need to be registered.
func NewRepositoryAt[T any](db *DB, path string) (*DocumentRepository[T], error) {
	b, err := newBinding[T](db, path)
	if err != nil {
		return nil, err
	}
	return &DocumentRepository[T]{binding: b, ops: directOps{}}, nil
}

// FindByID returns the entity stored under id, or nil when there is none.
func (r *DocumentRepository[T]) FindByID(ctx context.Context, id string) (*T, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	var item *T
	err := r.observe(ctx, operation{span: tracing.SpanOperationDBGet, name: "get", id: id}, func(ctx context.Context) error {
		snap, err := r.ops.get(ctx, r.col.Doc(id))
		if err != nil || !snap.Exists {
			return err
		}
		item, err = r.materialize(snap, r.ops.transaction())
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Create writes item and returns it with its id set. An empty id is assigned by the store.
// Over an existing id the written fields are merged and the other stored fields are kept.
func (r *DocumentRepository[T]) Create(ctx context.Context, item *T) (*T, error) {
	ref, data, err := r.prepareCreate(item)
	if err != nil {
		return nil, err
	}
	err = r.observe(ctx, operation{span: tracing.SpanOperationDBInsert, name: "create", id: ref.ID()}, func(ctx context.Context) error {
		return r.ops.create(ctx, ref, data)
	})
	if err != nil {
		return nil, err
	}
	v := reflect.ValueOf(item)
	r.codec.setID(v, ref.ID())
	if err := r.bindSubCollections(v, ref.ID(), r.ops.transaction()); err != nil {
		return nil, err
	}
	return item, nil
}

// Update merges the fields of item into the existing document and returns item. Without
// fields, zero fields are not written and keep their stored values. fields, by document or
// Go name, selects exactly the fields to write, which is how a field is set to its zero value.
func (r *DocumentRepository[T]) Update(ctx context.Context, item *T, fields ...string) (*T, error) {
	ref, data, err := r.prepareUpdate(item, fields)
	if err != nil {
		return nil, err
	}
	err = r.observe(ctx, operation{span: tracing.SpanOperationDBUpdate, name: "update", id: ref.ID()}, func(ctx context.Context) error {
		return r.ops.update(ctx, ref, data)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Delete removes the document stored under id. Deleting a missing document succeeds.
func (r *DocumentRepository[T]) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrMissingID
	}
	return r.observe(ctx, operation{span: tracing.SpanOperationDBDelete, name: "delete", id: id}, func(ctx context.Context) error {
		return r.ops.delete(ctx, r.col.Doc(id))
	})
}

// Execute compiles lines into the native query (filters, then order, then limit, then the
// custom adjustment), runs it once and materializes the results in store order.
// Restrictions of the store's query language are not checked here; they surface as the
// store's own error.
func (r *DocumentRepository[T]) Execute(ctx context.Context, lines []QueryLine, opts ExecOptions) ([]*T, error) {
	for _, line := range lines {
		if err := line.check(); err != nil {
			return nil, err
		}
	}
	if opts.Limit < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, opts.Limit)
	}
	if opts.Order != nil {
		if err := opts.Order.check(); err != nil {
			return nil, err
		}
	}

	q := r.col.Query()
	for _, line := range lines {
		q = q.Where(line.Property, line.Operator, line.Value)
	}
	if opts.Order != nil {
		q = q.OrderBy(opts.Order.Field, opts.Order.Direction)
	}
	limit := opts.Limit
	if opts.Single {
		limit = 1
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if opts.Custom != nil {
		adjusted, err := opts.Custom(ctx, q, r.col)
		if err != nil {
			return nil, err
		}
		q = adjusted
	}

	statement := describeQuery(r.col.Path(), lines, opts.Order, limit)
	if s, ok := q.(fmt.Stringer); ok {
		statement = s.String()
	}
	r.db.logger.WithContext(ctx).Debug("executing query",
		"collection", r.col.Path(),
		"lines", len(lines),
		"statement", statement,
		"limit", limit,
		"single", opts.Single,
	)

	var snaps []docstore.Snapshot
	err := r.observe(ctx, operation{span: tracing.SpanOperationDBQuery, name: "query", statement: statement}, func(ctx context.Context) error {
		var err error
		snaps, err = r.ops.documents(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	if opts.Single && len(snaps) > 1 {
		snaps = snaps[:1]
	}

	items := make([]*T, 0, len(snaps))
	for _, snap := range snaps {
		item, err := r.materialize(snap, r.ops.transaction())
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func describeQuery(path string, lines []QueryLine, order *OrderClause, limit int) string {
	var b strings.Builder
	b.WriteString(path)
	for i, line := range lines {
		if i == 0 {
			b.WriteString(" where ")
		} else {
			b.WriteString(" and ")
		}
		b.WriteString(line.String())
	}
	if order != nil {
		fmt.Fprintf(&b, " order by %s %s", order.Field, order.Direction)
	}
	if limit > 0 {
		fmt.Fprintf(&b, " limit %d", limit)
	}
	return b.String()
}

// Query starts a new query builder.
func (r *DocumentRepository[T]) Query() *QueryBuilder[T] {
	return newQueryBuilder[T](r)
}

// Where starts a query with one predicate.
func (r *DocumentRepository[T]) Where(property string, op docstore.Operator, value any) *QueryBuilder[T] {
	return r.Query().Where(property, op, value)
}

// WhereEqualTo starts a query with property == value.
func (r *DocumentRepository[T]) WhereEqualTo(property string, value any) *QueryBuilder[T] {
	return r.Query().WhereEqualTo(property, value)
}

// WhereNotEqualTo starts a query with property != value.
func (r *DocumentRepository[T]) WhereNotEqualTo(property string, value any) *QueryBuilder[T] {
	return r.Query().WhereNotEqualTo(property, value)
}

// WhereGreaterThan starts a query with property > value.
func (r *DocumentRepository[T]) WhereGreaterThan(property string, value any) *QueryBuilder[T] {
	return r.Query().WhereGreaterThan(property, value)
}

// WhereGreaterOrEqualThan starts a query with property >= value.
func (r *DocumentRepository[T]) WhereGreaterOrEqualThan(property string, value any) *QueryBuilder[T] {
	return r.Query().WhereGreaterOrEqualThan(property, value)
}

// WhereLessThan starts a query with property < value.
func (r *DocumentRepository[T]) WhereLessThan(property string, value any) *QueryBuilder[T] {
	return r.Query().WhereLessThan(property, value)
}

// WhereLessOrEqualThan starts a query with property <= value.
func (r *DocumentRepository[T]) WhereLessOrEqualThan(property string, value any) *QueryBuilder[T] {
	return r.Query().WhereLessOrEqualThan(property, value)
}

// WhereArrayContains starts an array-contains query.
func (r *DocumentRepository[T]) WhereArrayContains(property string, value any) *QueryBuilder[T] {
	return r.Query().WhereArrayContains(property, value)
}

// WhereArrayContainsAny starts an array-contains-any query.
func (r *DocumentRepository[T]) WhereArrayContainsAny(property string, values any) *QueryBuilder[T] {
	return r.Query().WhereArrayContainsAny(property, values)
}

// WhereIn starts an in query.
func (r *DocumentRepository[T]) WhereIn(property string, values any) *QueryBuilder[T] {
	return r.Query().WhereIn(property, values)
}

// WhereNotIn starts a not-in query.
func (r *DocumentRepository[T]) WhereNotIn(property string, values any) *QueryBuilder[T] {
	return r.Query().WhereNotIn(property, values)
}

// Limit starts a query capped at n results.
func (r *DocumentRepository[T]) Limit(n int) *QueryBuilder[T] {
	return r.Query().Limit(n)
}

// OrderByAscending starts a query ordered ascending on property.
func (r *DocumentRepository[T]) OrderByAscending(property string) *QueryBuilder[T] {
	return r.Query().OrderByAscending(property)
}

// OrderByDescending starts a query ordered descending on property.
func (r *DocumentRepository[T]) OrderByDescending(property string) *QueryBuilder[T] {
	return r.Query().OrderByDescending(property)
}

// CustomQuery starts a query adjusted by fn.
func (r *DocumentRepository[T]) CustomQuery(fn CustomQuery) *QueryBuilder[T] {
	return r.Query().CustomQuery(fn)
}

// Find returns every entity of the collection.
func (r *DocumentRepository[T]) Find(ctx context.Context) ([]*T, error) {
	return r.Query().Find(ctx)
}

// FindOne returns one entity of the collection, or nil when it is empty.
func (r *DocumentRepository[T]) FindOne(ctx context.Context) (*T, error) {
	return r.Query().FindOne(ctx)
}
