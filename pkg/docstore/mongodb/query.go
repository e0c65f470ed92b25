package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nimburion/docorm/pkg/docstore"
)

type condition struct {
	field string
	op    docstore.Operator
	value any
}

type sortKey struct {
	field string
	dir   docstore.Direction
}

// Query compiles query lines into a MongoDB filter. Refinements return copies.
type Query struct {
	col   *collection
	conds []condition
	sorts []sortKey
	limit int64
	raw   []bson.D
}

var _ docstore.Query = (*Query)(nil)

func (q *Query) clone() *Query {
	c := *q
	c.conds = append([]condition(nil), q.conds...)
	c.sorts = append([]sortKey(nil), q.sorts...)
	c.raw = append([]bson.D(nil), q.raw...)
	return &c
}

// Where implements docstore.Query.
func (q *Query) Where(field string, op docstore.Operator, value any) docstore.Query {
	c := q.clone()
	c.conds = append(c.conds, condition{field: field, op: op, value: value})
	return c
}

// OrderBy implements docstore.Query.
func (q *Query) OrderBy(field string, dir docstore.Direction) docstore.Query {
	c := q.clone()
	c.sorts = append(c.sorts, sortKey{field: field, dir: dir})
	return c
}

// Limit implements docstore.Query.
func (q *Query) Limit(n int) docstore.Query {
	c := q.clone()
	c.limit = int64(n)
	return c
}

// Raw adds a native filter document, ANDed with the compiled conditions. It is the
// escape hatch for operators the value model does not cover ($regex, $geoWithin, ...).
func (q *Query) Raw(filter bson.D) *Query {
	c := q.clone()
	c.raw = append(c.raw, filter)
	return c
}

// Filter returns the compiled filter document.
func (q *Query) Filter() (bson.D, error) {
	clauses := make(bson.A, 0, len(q.conds)+len(q.sorts)+len(q.raw))
	for _, c := range q.conds {
		clause, err := compileCondition(c)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	// documents without an order field are excluded, as in the other drivers
	for _, s := range q.sorts {
		clauses = append(clauses, bson.D{{Key: s.field, Value: bson.D{{Key: "$exists", Value: true}}}})
	}
	for _, r := range q.raw {
		clauses = append(clauses, r)
	}
	switch len(clauses) {
	case 0:
		return bson.D{}, nil
	case 1:
		return clauses[0].(bson.D), nil
	}
	return bson.D{{Key: "$and", Value: clauses}}, nil
}

// Sort returns the compiled sort document. The document id breaks ties.
func (q *Query) Sort() (bson.D, error) {
	sort := make(bson.D, 0, len(q.sorts)+1)
	idDir := 1
	for _, s := range q.sorts {
		dir, err := direction(s.dir)
		if err != nil {
			return nil, err
		}
		sort = append(sort, bson.E{Key: s.field, Value: dir})
		idDir = dir
	}
	return append(sort, bson.E{Key: idKey, Value: idDir}), nil
}

func direction(d docstore.Direction) (int, error) {
	switch d {
	case docstore.Ascending:
		return 1, nil
	case docstore.Descending:
		return -1, nil
	}
	return 0, fmt.Errorf("%w: invalid direction %q", docstore.ErrInvalidQuery, d)
}

func compileCondition(c condition) (bson.D, error) {
	if c.field == "" {
		return nil, fmt.Errorf("%w: empty field path", docstore.ErrInvalidQuery)
	}
	// "id" addresses the document key
	if c.field == "id" {
		c.field = idKey
	}
	if err := docstore.CheckQueryValue(c.op, c.value); err != nil {
		return nil, fmt.Errorf("%w: %w", docstore.ErrInvalidQuery, err)
	}

	var expr bson.D
	if c.op.TakesSequence() {
		values := docstore.Values(c.value)
		list := make(bson.A, 0, len(values)+1)
		for _, v := range values {
			enc, err := encodeValue(v, time.Time{})
			if err != nil {
				return nil, fmt.Errorf("%w: %w", docstore.ErrInvalidQuery, err)
			}
			list = append(list, enc)
		}
		switch c.op {
		case docstore.OpIn:
			expr = bson.D{{Key: "$exists", Value: true}, {Key: "$in", Value: list}}
		case docstore.OpNotIn:
			expr = bson.D{{Key: "$exists", Value: true}, {Key: "$nin", Value: append(list, nil)}}
		case docstore.OpArrayContainsAny:
			expr = bson.D{{Key: "$elemMatch", Value: bson.D{{Key: "$in", Value: list}}}}
		}
		return bson.D{{Key: c.field, Value: expr}}, nil
	}

	value, err := encodeValue(c.value, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", docstore.ErrInvalidQuery, err)
	}
	switch c.op {
	case docstore.OpEqual:
		expr = bson.D{{Key: "$exists", Value: true}, {Key: "$eq", Value: value}}
	case docstore.OpNotEqual:
		expr = bson.D{{Key: "$exists", Value: true}, {Key: "$nin", Value: bson.A{value, nil}}}
	case docstore.OpLessThan:
		expr = bson.D{{Key: "$lt", Value: value}}
	case docstore.OpGreaterThan:
		expr = bson.D{{Key: "$gt", Value: value}}
	case docstore.OpLessThanOrEqual:
		expr = bson.D{{Key: "$lte", Value: value}}
	case docstore.OpGreaterThanOrEqual:
		expr = bson.D{{Key: "$gte", Value: value}}
	case docstore.OpArrayContains:
		expr = bson.D{{Key: "$elemMatch", Value: bson.D{{Key: "$eq", Value: value}}}}
	}
	return bson.D{{Key: c.field, Value: expr}}, nil
}

func (q *Query) findOptions() (*options.FindOptions, bson.D, error) {
	filter, err := q.Filter()
	if err != nil {
		return nil, nil, err
	}
	sort, err := q.Sort()
	if err != nil {
		return nil, nil, err
	}
	if q.limit < 0 {
		return nil, nil, fmt.Errorf("%w: negative limit %d", docstore.ErrInvalidQuery, q.limit)
	}
	opts := options.Find().SetSort(sort)
	if q.limit > 0 {
		opts.SetLimit(q.limit)
	}
	return opts, filter, nil
}

// String renders the compiled filter as extended JSON.
func (q *Query) String() string {
	filter, err := q.Filter()
	if err != nil {
		return err.Error()
	}
	out, err := bson.MarshalExtJSON(filter, false, false)
	if err != nil {
		return fmt.Sprint(filter)
	}
	return string(out)
}

// Documents implements docstore.Query.
func (q *Query) Documents(ctx context.Context) ([]docstore.Snapshot, error) {
	if err := q.col.driver.checkOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := q.col.driver.withOperationTimeout(ctx)
	defer cancel()
	return q.find(opCtx)
}

func (q *Query) find(ctx context.Context) ([]docstore.Snapshot, error) {
	opts, filter, err := q.findOptions()
	if err != nil {
		return nil, err
	}
	cursor, err := q.col.driver.native(q.col.path).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var raws []bson.M
	if err := cursor.All(ctx, &raws); err != nil {
		return nil, err
	}
	snaps := make([]docstore.Snapshot, len(raws))
	for i, raw := range raws {
		id, data := decodeDocument(raw)
		snaps[i] = docstore.Snapshot{ID: id, Path: q.col.path + "/" + id, Data: data, Exists: true}
	}
	return snaps, nil
}
