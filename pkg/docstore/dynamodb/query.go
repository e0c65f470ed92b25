package dynamodb

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/nimburion/docorm/pkg/docstore"
)

// idField addresses the document id in filters and orderings.
const idField = "id"

type condition struct {
	field string
	op    docstore.Operator
	value any
}

type sortKey struct {
	field string
	dir   docstore.Direction
}

// Query compiles query lines into a key-condition query over one collection partition.
// Refinements return copies.
type Query struct {
	col   *collection
	conds []condition
	sorts []sortKey
	limit int
}

var _ docstore.Query = (*Query)(nil)

func (q *Query) clone() *Query {
	c := *q
	c.conds = append([]condition(nil), q.conds...)
	c.sorts = append([]sortKey(nil), q.sorts...)
	return &c
}

// Where implements docstore.Query.
func (q *Query) Where(field string, op docstore.Operator, value any) docstore.Query {
	c := q.clone()
	c.conds = append(c.conds, condition{field: field, op: op, value: docstore.Normalize(value)})
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
	c.limit = n
	return c
}

type compiledQuery struct {
	input *dynamodb.QueryInput
	// clientSort is set when the ordering cannot be served by the sort key.
	clientSort []sortKey
	limit      int
}

func (q *Query) compile(now time.Time) (*compiledQuery, error) {
	if err := validCollectionPath(q.col.path); err != nil {
		return nil, err
	}
	if q.limit < 0 {
		return nil, fmt.Errorf("%w: negative limit %d", docstore.ErrInvalidQuery, q.limit)
	}

	b := newExprBuilder()
	key := fmt.Sprintf("%s = %s", b.attr(pkAttr), b.value(stringValue(q.col.path)))
	var filters []string
	keyed := false
	for _, c := range q.conds {
		if c.field == idField {
			if keyed {
				return nil, fmt.Errorf("%w: only one condition on the document id is supported", docstore.ErrInvalidQuery)
			}
			expr, err := compileKeyCondition(b, c)
			if err != nil {
				return nil, err
			}
			key += " AND " + expr
			keyed = true
			continue
		}
		expr, err := compileCondition(b, c, now)
		if err != nil {
			return nil, err
		}
		filters = append(filters, expr)
	}

	for _, s := range q.sorts {
		if s.dir != docstore.Ascending && s.dir != docstore.Descending {
			return nil, fmt.Errorf("%w: invalid direction %q", docstore.ErrInvalidQuery, s.dir)
		}
		if s.field == "" {
			return nil, fmt.Errorf("%w: empty order field", docstore.ErrInvalidQuery)
		}
		if s.field != idField {
			filters = append(filters, fmt.Sprintf("attribute_exists(%s)", b.path(s.field)))
		}
	}

	in := &dynamodb.QueryInput{
		TableName:                 aws.String(q.col.driver.table),
		KeyConditionExpression:    aws.String(key),
		ExpressionAttributeNames:  b.attributeNames(),
		ExpressionAttributeValues: b.attributeValues(),
	}
	if len(filters) > 0 {
		in.FilterExpression = aws.String(strings.Join(filters, " AND "))
	}

	cq := &compiledQuery{input: in, limit: q.limit}
	switch {
	case len(q.sorts) == 0:
	case q.sorts[0].field == idField:
		in.ScanIndexForward = aws.Bool(q.sorts[0].dir == docstore.Ascending)
	default:
		cq.clientSort = q.sorts
	}
	return cq, nil
}

// Input returns the compiled QueryInput.
func (q *Query) Input() (*dynamodb.QueryInput, error) {
	cq, err := q.compile(q.col.driver.now())
	if err != nil {
		return nil, err
	}
	return cq.input, nil
}

// String renders the compiled expressions for logging.
func (q *Query) String() string {
	cq, err := q.compile(q.col.driver.now())
	if err != nil {
		return "invalid query: " + err.Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "key=%q", aws.ToString(cq.input.KeyConditionExpression))
	if cq.input.FilterExpression != nil {
		fmt.Fprintf(&sb, " filter=%q", aws.ToString(cq.input.FilterExpression))
	}
	fmt.Fprintf(&sb, " names=%v", cq.input.ExpressionAttributeNames)
	for _, s := range cq.clientSort {
		fmt.Fprintf(&sb, " order=%s:%s", s.field, s.dir)
	}
	if cq.limit > 0 {
		fmt.Fprintf(&sb, " limit=%d", cq.limit)
	}
	return sb.String()
}

// Documents implements docstore.Query.
func (q *Query) Documents(ctx context.Context) ([]docstore.Snapshot, error) {
	if err := q.col.driver.checkOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := q.col.driver.withOperationTimeout(ctx)
	defer cancel()
	snaps, _, err := q.run(opCtx, false)
	return snaps, err
}

// run pages through the partition. The service applies Limit before filtering, so the
// limit is enforced here.
func (q *Query) run(ctx context.Context, consistent bool) ([]docstore.Snapshot, []int64, error) {
	d := q.col.driver
	cq, err := q.compile(d.now())
	if err != nil {
		return nil, nil, err
	}
	in := cq.input
	if consistent {
		in.ConsistentRead = aws.Bool(true)
	}

	var (
		snaps    []docstore.Snapshot
		versions []int64
	)
	earlyStop := len(cq.clientSort) == 0 && cq.limit > 0
	for {
		out, err := d.api.Query(ctx, in)
		if err != nil {
			return nil, nil, fmt.Errorf("dynamodb query on %s failed: %w", q.col.path, err)
		}
		for _, item := range out.Items {
			id, version, data, err := decodeItem(item)
			if err != nil {
				return nil, nil, err
			}
			snaps = append(snaps, docstore.Snapshot{ID: id, Path: q.col.path + "/" + id, Data: data, Exists: true})
			versions = append(versions, version)
			if earlyStop && len(snaps) == cq.limit {
				return snaps, versions, nil
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	if len(cq.clientSort) > 0 {
		snaps, versions = sortSnapshots(snaps, versions, cq.clientSort)
		if cq.limit > 0 && len(snaps) > cq.limit {
			snaps, versions = snaps[:cq.limit], versions[:cq.limit]
		}
	}
	return snaps, versions, nil
}

type ranked struct {
	snap    docstore.Snapshot
	version int64
}

// sortSnapshots orders by the sort keys, breaking ties by id in the direction of the last key.
func sortSnapshots(snaps []docstore.Snapshot, versions []int64, keys []sortKey) ([]docstore.Snapshot, []int64) {
	rows := make([]ranked, len(snaps))
	for i := range snaps {
		rows[i] = ranked{snap: snaps[i], version: versions[i]}
	}
	last := keys[len(keys)-1].dir
	slices.SortStableFunc(rows, func(a, b ranked) int {
		for _, k := range keys {
			var c int
			if k.field == idField {
				c = strings.Compare(a.snap.ID, b.snap.ID)
			} else {
				av, _ := lookup(a.snap.Data, k.field)
				bv, _ := lookup(b.snap.Data, k.field)
				c = docstore.Compare(av, bv)
			}
			if k.dir == docstore.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		c := strings.Compare(a.snap.ID, b.snap.ID)
		if last == docstore.Descending {
			c = -c
		}
		return c
	})
	for i, r := range rows {
		snaps[i], versions[i] = r.snap, r.version
	}
	return snaps, versions
}

func lookup(data map[string]any, field string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
