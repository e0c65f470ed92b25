package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/nimburion/docorm/pkg/docstore"
)

// MaxDisjunctionValues is the largest value list accepted by in, not-in and array-contains-any.
const MaxDisjunctionValues = 30

type filter struct {
	field string
	op    docstore.Operator
	value any
}

type order struct {
	field string
	dir   docstore.Direction
}

// query is immutable: every refinement returns a copy.
type query struct {
	col     *collection
	filters []filter
	orders  []order
	limit   int
}

func (q *query) clone() *query {
	c := *q
	c.filters = slices.Clone(q.filters)
	c.orders = slices.Clone(q.orders)
	return &c
}

func (q *query) Where(field string, op docstore.Operator, value any) docstore.Query {
	c := q.clone()
	c.filters = append(c.filters, filter{field: field, op: op, value: docstore.Normalize(value)})
	return c
}

func (q *query) OrderBy(field string, dir docstore.Direction) docstore.Query {
	c := q.clone()
	c.orders = append(c.orders, order{field: field, dir: dir})
	return c
}

func (q *query) Limit(n int) docstore.Query {
	c := q.clone()
	c.limit = n
	return c
}

func (q *query) Documents(ctx context.Context) ([]docstore.Snapshot, error) {
	snaps, _, _, err := q.run(ctx)
	return snaps, err
}

// String renders the query for logs and errors.
func (q *query) String() string {
	var b strings.Builder
	b.WriteString(q.col.path)
	for i, f := range q.filters {
		if i == 0 {
			b.WriteString(" where ")
		} else {
			b.WriteString(" and ")
		}
		fmt.Fprintf(&b, "%s %s %v", f.field, f.op, f.value)
	}
	for _, o := range q.orders {
		fmt.Fprintf(&b, " order by %s %s", o.field, o.dir)
	}
	if q.limit > 0 {
		fmt.Fprintf(&b, " limit %d", q.limit)
	}
	return b.String()
}

func invalidQuery(format string, args ...any) error {
	return fmt.Errorf("%w: %s", docstore.ErrInvalidQuery, fmt.Sprintf(format, args...))
}

// validate enforces the composition rules of the query language.
func (q *query) validate() error {
	if err := validCollectionPath(q.col.path); err != nil {
		return err
	}
	if q.limit < 0 {
		return invalidQuery("negative limit %d", q.limit)
	}

	var (
		inequalityField string
		arrayFilters    int
		disjunctions    int
		hasNotIn        bool
		hasNotEqual     bool
	)
	for _, f := range q.filters {
		if f.field == "" {
			return invalidQuery("empty field path")
		}
		if err := docstore.CheckQueryValue(f.op, f.value); err != nil {
			return fmt.Errorf("%w: %w", docstore.ErrInvalidQuery, err)
		}
		if f.op.IsInequality() {
			if inequalityField != "" && inequalityField != f.field {
				return invalidQuery("inequality filters on more than one field (%s, %s)", inequalityField, f.field)
			}
			inequalityField = f.field
		}
		if f.op.TakesSequence() {
			n := len(docstore.Values(f.value))
			if n == 0 {
				return invalidQuery("%s filter on %s requires a non-empty list", f.op, f.field)
			}
			if n > MaxDisjunctionValues {
				return invalidQuery("%s filter on %s has %d values, at most %d are allowed", f.op, f.field, n, MaxDisjunctionValues)
			}
			disjunctions++
		}
		switch f.op {
		case docstore.OpArrayContains, docstore.OpArrayContainsAny:
			arrayFilters++
		case docstore.OpNotIn:
			if hasNotIn {
				return invalidQuery("at most one not-in filter is allowed")
			}
			hasNotIn = true
		case docstore.OpNotEqual:
			hasNotEqual = true
		}
	}
	if arrayFilters > 1 {
		return invalidQuery("at most one array-contains or array-contains-any filter is allowed")
	}
	if hasNotIn && (hasNotEqual || disjunctions > 1) {
		return invalidQuery("not-in cannot be combined with !=, in or array-contains-any")
	}

	for i, o := range q.orders {
		if o.field == "" {
			return invalidQuery("empty order field")
		}
		if o.dir != docstore.Ascending && o.dir != docstore.Descending {
			return invalidQuery("invalid direction %q", o.dir)
		}
		if i == 0 && inequalityField != "" && o.field != inequalityField {
			return invalidQuery("first order field %s must match the inequality field %s", o.field, inequalityField)
		}
	}
	return nil
}

// effectiveOrders adds the implicit ordering on the inequality field when no explicit
// order is given.
func (q *query) effectiveOrders() []order {
	if len(q.orders) > 0 {
		return q.orders
	}
	for _, f := range q.filters {
		if f.op.IsInequality() {
			return []order{{field: f.field, dir: docstore.Ascending}}
		}
	}
	return nil
}

func (f filter) matches(id string, data map[string]any) bool {
	v, ok := fieldValue(id, data, f.field)
	if !ok {
		return false
	}
	switch f.op {
	case docstore.OpEqual:
		return docstore.Equal(v, f.value)
	case docstore.OpNotEqual:
		return v != nil && !docstore.Equal(v, f.value)
	case docstore.OpLessThan, docstore.OpGreaterThan, docstore.OpLessThanOrEqual, docstore.OpGreaterThanOrEqual:
		if v == nil || docstore.KindOf(v) != docstore.KindOf(f.value) {
			return false
		}
		c := docstore.Compare(v, f.value)
		switch f.op {
		case docstore.OpLessThan:
			return c < 0
		case docstore.OpGreaterThan:
			return c > 0
		case docstore.OpLessThanOrEqual:
			return c <= 0
		default:
			return c >= 0
		}
	case docstore.OpArrayContains:
		list, ok := v.([]any)
		return ok && docstore.Contains(list, f.value)
	case docstore.OpArrayContainsAny:
		list, ok := v.([]any)
		if !ok {
			return false
		}
		for _, want := range docstore.Values(f.value) {
			if docstore.Contains(list, want) {
				return true
			}
		}
		return false
	case docstore.OpIn:
		return docstore.Contains(docstore.Values(f.value), v)
	case docstore.OpNotIn:
		return v != nil && !docstore.Contains(docstore.Values(f.value), v)
	}
	return false
}

type candidate struct {
	id      string
	data    map[string]any
	version int64
}

// run evaluates the query against the committed state and returns the matching snapshots,
// the collection version and the version of every returned document.
func (q *query) run(ctx context.Context) ([]docstore.Snapshot, int64, map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, nil, err
	}
	if err := q.validate(); err != nil {
		return nil, 0, nil, err
	}

	s := q.col.store
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, 0, nil, docstore.ErrClosed
	}
	colVersion := s.colVersions[q.col.path]
	orders := q.effectiveOrders()
	var matched []candidate
	for id, rec := range s.collections[q.col.path] {
		if !q.matchesAll(id, rec.data, orders) {
			continue
		}
		matched = append(matched, candidate{id: id, data: copyMap(rec.data), version: rec.version})
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b candidate) int {
		for _, o := range orders {
			av, _ := fieldValue(a.id, a.data, o.field)
			bv, _ := fieldValue(b.id, b.data, o.field)
			c := docstore.Compare(av, bv)
			if o.dir == docstore.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		c := strings.Compare(a.id, b.id)
		if len(orders) > 0 && orders[len(orders)-1].dir == docstore.Descending {
			c = -c
		}
		return c
	})

	if q.limit > 0 && len(matched) > q.limit {
		matched = matched[:q.limit]
	}

	snaps := make([]docstore.Snapshot, len(matched))
	versions := make(map[string]int64, len(matched))
	for i, m := range matched {
		path := q.col.path + "/" + m.id
		snaps[i] = docstore.Snapshot{ID: m.id, Path: path, Data: m.data, Exists: true}
		versions[path] = m.version
	}
	return snaps, colVersion, versions, nil
}

func (q *query) matchesAll(id string, data map[string]any, orders []order) bool {
	for _, f := range q.filters {
		if !f.matches(id, data) {
			return false
		}
	}
	// documents without an order field are excluded from ordered results
	for _, o := range orders {
		if _, ok := fieldValue(id, data, o.field); !ok {
			return false
		}
	}
	return true
}

