package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/docorm/pkg/docstore"
)

// QueryLine is one predicate of a query.
type QueryLine struct {
	Property string
	Operator docstore.Operator
	Value    any
}

func (l QueryLine) String() string {
	return fmt.Sprintf("%s %s %v", l.Property, l.Operator, l.Value)
}

// check reports precondition violations that must never reach the store.
func (l QueryLine) check() error {
	if strings.TrimSpace(l.Property) == "" {
		return fmt.Errorf("%w: empty property in %s filter", ErrInvalidProperty, l.Operator)
	}
	if err := docstore.CheckQueryValue(l.Operator, l.Value); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidValue, l.Property, err)
	}
	return nil
}

// OrderClause orders query results on one field.
type OrderClause struct {
	Field     string
	Direction docstore.Direction
}

func (o OrderClause) check() error {
	if strings.TrimSpace(o.Field) == "" {
		return fmt.Errorf("%w: empty order field", ErrInvalidProperty)
	}
	if o.Direction != docstore.Ascending && o.Direction != docstore.Descending {
		return fmt.Errorf("%w: %q", ErrInvalidOrder, o.Direction)
	}
	return nil
}

// CustomQuery adjusts the compiled native query before it runs, for store features the
// typed surface does not cover. col is the collection the query was started from.
type CustomQuery func(ctx context.Context, q docstore.Query, col docstore.Collection) (docstore.Query, error)

// ExecOptions are the non-predicate parts of a query.
type ExecOptions struct {
	// Limit caps the number of results. Zero means no limit.
	Limit int
	Order *OrderClause
	// Single restricts the query to its first result.
	Single bool
	Custom CustomQuery
}

// executor runs compiled query lines. Every repository mode that can read implements it.
type executor[T any] interface {
	Execute(ctx context.Context, lines []QueryLine, opts ExecOptions) ([]*T, error)
}

// QueryBuilder accumulates predicates, ordering and a limit for one query. Each method
// records its argument and returns the builder; the first invalid argument is reported by
// Find or FindOne before the store is called.
type QueryBuilder[T any] struct {
	exec   executor[T]
	lines  []QueryLine
	limit  int
	order  *OrderClause
	custom CustomQuery
	err    error
}

func newQueryBuilder[T any](exec executor[T]) *QueryBuilder[T] {
	return &QueryBuilder[T]{exec: exec}
}

func (b *QueryBuilder[T]) fail(err error) *QueryBuilder[T] {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Where appends a predicate with an explicit operator.
func (b *QueryBuilder[T]) Where(property string, op docstore.Operator, value any) *QueryBuilder[T] {
	line := QueryLine{Property: property, Operator: op, Value: value}
	if err := line.check(); err != nil {
		return b.fail(err)
	}
	b.lines = append(b.lines, line)
	return b
}

// WhereEqualTo appends property == value.
func (b *QueryBuilder[T]) WhereEqualTo(property string, value any) *QueryBuilder[T] {
	return b.Where(property, docstore.OpEqual, value)
}

// WhereNotEqualTo appends property != value.
func (b *QueryBuilder[T]) WhereNotEqualTo(property string, value any) *QueryBuilder[T] {
	return b.Where(property, docstore.OpNotEqual, value)
}

// WhereGreaterThan appends property > value.
func (b *QueryBuilder[T]) WhereGreaterThan(property string, value any) *QueryBuilder[T] {
	return b.Where(property, docstore.OpGreaterThan, value)
}

// WhereGreaterOrEqualThan appends property >= value.
func (b *QueryBuilder[T]) WhereGreaterOrEqualThan(property string, value any) *QueryBuilder[T] {
	return b.Where(property, docstore.OpGreaterThanOrEqual, value)
}

// WhereLessThan appends property < value.
func (b *QueryBuilder[T]) WhereLessThan(property string, value any) *QueryBuilder[T] {
	return b.Where(property, docstore.OpLessThan, value)
}

// WhereLessOrEqualThan appends property <= value.
func (b *QueryBuilder[T]) WhereLessOrEqualThan(property string, value any) *QueryBuilder[T] {
	return b.Where(property, docstore.OpLessThanOrEqual, value)
}

// WhereArrayContains matches documents whose array property contains value.
func (b *QueryBuilder[T]) WhereArrayContains(property string, value any) *QueryBuilder[T] {
	return b.Where(property, docstore.OpArrayContains, value)
}

// WhereArrayContainsAny matches documents whose array property contains any of values.
func (b *QueryBuilder[T]) WhereArrayContainsAny(property string, values any) *QueryBuilder[T] {
	return b.Where(property, docstore.OpArrayContainsAny, values)
}

// WhereIn matches documents whose property equals one of values.
func (b *QueryBuilder[T]) WhereIn(property string, values any) *QueryBuilder[T] {
	return b.Where(property, docstore.OpIn, values)
}

// WhereNotIn matches documents whose property is set and equals none of values.
func (b *QueryBuilder[T]) WhereNotIn(property string, values any) *QueryBuilder[T] {
	return b.Where(property, docstore.OpNotIn, values)
}

// Limit caps the number of results. n must be at least 1.
func (b *QueryBuilder[T]) Limit(n int) *QueryBuilder[T] {
	if n < 1 {
		return b.fail(fmt.Errorf("%w: got %d", ErrInvalidLimit, n))
	}
	b.limit = n
	return b
}

// OrderByAscending replaces the order clause with an ascending order on property.
func (b *QueryBuilder[T]) OrderByAscending(property string) *QueryBuilder[T] {
	return b.orderBy(property, docstore.Ascending)
}

// OrderByDescending replaces the order clause with a descending order on property.
func (b *QueryBuilder[T]) OrderByDescending(property string) *QueryBuilder[T] {
	return b.orderBy(property, docstore.Descending)
}

func (b *QueryBuilder[T]) orderBy(property string, dir docstore.Direction) *QueryBuilder[T] {
	order := OrderClause{Field: property, Direction: dir}
	if err := order.check(); err != nil {
		return b.fail(err)
	}
	b.order = &order
	return b
}

// CustomQuery registers fn to adjust the compiled query. A later call replaces it.
func (b *QueryBuilder[T]) CustomQuery(fn CustomQuery) *QueryBuilder[T] {
	b.custom = fn
	return b
}

// Lines returns a copy of the accumulated predicates.
func (b *QueryBuilder[T]) Lines() []QueryLine {
	return append([]QueryLine(nil), b.lines...)
}

// Err returns the first precondition violation recorded by the builder.
func (b *QueryBuilder[T]) Err() error {
	return b.err
}

// Find runs the query. No match yields an empty slice.
func (b *QueryBuilder[T]) Find(ctx context.Context) ([]*T, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.exec.Execute(ctx, b.lines, ExecOptions{Limit: b.limit, Order: b.order, Custom: b.custom})
}

// FindOne runs the query limited to one result and returns it, or nil when nothing matches.
func (b *QueryBuilder[T]) FindOne(ctx context.Context) (*T, error) {
	if b.err != nil {
		return nil, b.err
	}
	items, err := b.exec.Execute(ctx, b.lines, ExecOptions{Limit: b.limit, Order: b.order, Single: true, Custom: b.custom})
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}
