package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/nimburion/docorm/pkg/docstore"
)

type collection struct {
	driver *Driver
	path   string
}

func (c *collection) Path() string { return c.path }

// Doc implements docstore.Collection. Generated ids are random UUIDs.
func (c *collection) Doc(id string) docstore.DocumentRef {
	if id == "" {
		id = uuid.NewString()
	}
	return &docRef{col: c, id: id}
}

func (c *collection) Query() docstore.Query {
	return &Query{col: c}
}

type docRef struct {
	col *collection
	id  string
}

func (r *docRef) ID() string   { return r.id }
func (r *docRef) Path() string { return r.col.path + "/" + r.id }

func (r *docRef) key() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		pkAttr: stringValue(r.col.path),
		idAttr: stringValue(r.id),
	}
}

func (r *docRef) validate() error {
	if err := validCollectionPath(r.col.path); err != nil {
		return err
	}
	if strings.Contains(r.id, "/") {
		return fmt.Errorf("%w: document id %q contains '/'", docstore.ErrInvalidValue, r.id)
	}
	return nil
}

func (r *docRef) Get(ctx context.Context) (docstore.Snapshot, error) {
	if err := r.col.driver.checkOpen(); err != nil {
		return docstore.Snapshot{}, err
	}
	if err := r.validate(); err != nil {
		return docstore.Snapshot{}, err
	}
	opCtx, cancel := r.col.driver.withOperationTimeout(ctx)
	defer cancel()
	snap, _, err := r.get(opCtx)
	return snap, err
}

// get performs a strongly consistent point read and returns the item version.
func (r *docRef) get(ctx context.Context) (docstore.Snapshot, int64, error) {
	d := r.col.driver
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            r.key(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return docstore.Snapshot{}, 0, fmt.Errorf("dynamodb get %s failed: %w", r.Path(), err)
	}
	snap := docstore.Snapshot{ID: r.id, Path: r.Path()}
	if len(out.Item) == 0 {
		return snap, 0, nil
	}
	_, version, data, err := decodeItem(out.Item)
	if err != nil {
		return docstore.Snapshot{}, 0, err
	}
	snap.Data = data
	snap.Exists = true
	return snap, version, nil
}

// Set merges data into the document, creating it when it is absent.
func (r *docRef) Set(ctx context.Context, data map[string]any) error {
	return r.updateItem(ctx, writeSet, data)
}

// Update merges data into an existing document.
func (r *docRef) Update(ctx context.Context, data map[string]any) error {
	return r.updateItem(ctx, writeUpdate, data)
}

func (r *docRef) updateItem(ctx context.Context, kind writeKind, data map[string]any) error {
	item, err := r.prepareDirect(kind, data)
	if err != nil {
		return err
	}
	opCtx, cancel := r.col.driver.withOperationTimeout(ctx)
	defer cancel()
	u := item.Update
	_, err = r.col.driver.api.UpdateItem(opCtx, &dynamodb.UpdateItemInput{
		TableName:                 u.TableName,
		Key:                       u.Key,
		UpdateExpression:          u.UpdateExpression,
		ConditionExpression:       u.ConditionExpression,
		ExpressionAttributeNames:  u.ExpressionAttributeNames,
		ExpressionAttributeValues: u.ExpressionAttributeValues,
	})
	if kind == writeUpdate && isConditionFailed(err) {
		return fmt.Errorf("%w: %s", docstore.ErrNotFound, r.Path())
	}
	if err != nil {
		return fmt.Errorf("dynamodb write %s failed: %w", r.Path(), err)
	}
	return nil
}

func (r *docRef) Delete(ctx context.Context) error {
	if _, err := r.prepareDirect(writeDelete, nil); err != nil {
		return err
	}
	opCtx, cancel := r.col.driver.withOperationTimeout(ctx)
	defer cancel()
	_, err := r.col.driver.api.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.col.driver.table),
		Key:       r.key(),
	})
	if err != nil {
		return fmt.Errorf("dynamodb delete %s failed: %w", r.Path(), err)
	}
	return nil
}

func (r *docRef) prepareDirect(kind writeKind, data map[string]any) (types.TransactWriteItem, error) {
	if err := r.col.driver.checkOpen(); err != nil {
		return types.TransactWriteItem{}, err
	}
	if err := r.validate(); err != nil {
		return types.TransactWriteItem{}, err
	}
	return r.col.driver.prepare(write{kind: kind, ref: r, data: data}, nil)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

type writeKind int

const (
	writeCheck writeKind = iota
	writeSet
	writeUpdate
	writeDelete
)

type write struct {
	kind writeKind
	ref  *docRef
	data map[string]any
}

// readRecord is a document observed by a transaction and the version it had.
type readRecord struct {
	ref     *docRef
	version int64
}

func (d *Driver) asRef(ref docstore.DocumentRef) (*docRef, error) {
	r, ok := ref.(*docRef)
	if !ok || r.col.driver != d {
		return nil, fmt.Errorf("%w: reference %s does not belong to this store", docstore.ErrInvalidValue, ref.Path())
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// versionCondition holds when the item still has the version observed at read time.
func versionCondition(b *exprBuilder, version int64) string {
	if version == 0 {
		return fmt.Sprintf("attribute_not_exists(%s)", b.attr(idAttr))
	}
	return fmt.Sprintf("%s = %s", b.attr(versionAttr), b.value(numberAttr(version)))
}

// prepare compiles a write into a transact item. guard, when set, is the version the
// enclosing transaction read and the write is conditioned on it being unchanged.
func (d *Driver) prepare(w write, guard *int64) (types.TransactWriteItem, error) {
	b := newExprBuilder()
	now := d.now()
	onFailure := types.ReturnValuesOnConditionCheckFailureAllOld

	switch w.kind {
	case writeSet, writeUpdate:
		expr, err := updateExpression(b, w.data, now)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		var conds []string
		if w.kind == writeUpdate {
			conds = append(conds, fmt.Sprintf("attribute_exists(%s)", b.attr(idAttr)))
		}
		if guard != nil && (w.kind == writeSet || *guard != 0) {
			conds = append(conds, versionCondition(b, *guard))
		}
		upd := &types.Update{
			TableName:                           aws.String(d.table),
			Key:                                 w.ref.key(),
			UpdateExpression:                    aws.String(expr),
			ExpressionAttributeNames:            b.attributeNames(),
			ExpressionAttributeValues:           b.attributeValues(),
			ReturnValuesOnConditionCheckFailure: onFailure,
		}
		if len(conds) > 0 {
			upd.ConditionExpression = aws.String(strings.Join(conds, " AND "))
		}
		return types.TransactWriteItem{Update: upd}, nil

	case writeDelete:
		del := &types.Delete{
			TableName:                           aws.String(d.table),
			Key:                                 w.ref.key(),
			ReturnValuesOnConditionCheckFailure: onFailure,
		}
		if guard != nil {
			del.ConditionExpression = aws.String(versionCondition(b, *guard))
			del.ExpressionAttributeNames = b.attributeNames()
			del.ExpressionAttributeValues = b.attributeValues()
		}
		return types.TransactWriteItem{Delete: del}, nil

	case writeCheck:
		if guard == nil {
			return types.TransactWriteItem{}, fmt.Errorf("condition check on %s without a read version", w.ref.Path())
		}
		return types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
			TableName:                           aws.String(d.table),
			Key:                                 w.ref.key(),
			ConditionExpression:                 aws.String(versionCondition(b, *guard)),
			ExpressionAttributeNames:            b.attributeNames(),
			ExpressionAttributeValues:           b.attributeValues(),
			ReturnValuesOnConditionCheckFailure: onFailure,
		}}, nil
	}
	return types.TransactWriteItem{}, fmt.Errorf("unknown write kind %d", w.kind)
}

type plannedItem struct {
	write write
	guard *int64
}

// commit applies writes with one TransactWriteItems call. Documents in reads that are not
// written are guarded by condition checks.
func (d *Driver) commit(ctx context.Context, writes []write, reads map[string]readRecord) error {
	plan := make([]plannedItem, 0, len(writes)+len(reads))
	written := make(map[string]bool, len(writes))
	for _, w := range writes {
		path := w.ref.Path()
		if written[path] {
			return fmt.Errorf("%w: document %s is written more than once in one commit", docstore.ErrInvalidValue, path)
		}
		written[path] = true
		p := plannedItem{write: w}
		if rd, ok := reads[path]; ok {
			v := rd.version
			p.guard = &v
		}
		plan = append(plan, p)
	}
	for _, path := range slices.Sorted(maps.Keys(reads)) {
		if written[path] {
			continue
		}
		v := reads[path].version
		plan = append(plan, plannedItem{write: write{kind: writeCheck, ref: reads[path].ref}, guard: &v})
	}
	if len(plan) > MaxTransactItems {
		return fmt.Errorf("%w: %d items exceed the transaction limit of %d", docstore.ErrInvalidValue, len(plan), MaxTransactItems)
	}

	items := make([]types.TransactWriteItem, len(plan))
	for i, p := range plan {
		item, err := d.prepare(p.write, p.guard)
		if err != nil {
			return err
		}
		items[i] = item
	}

	_, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for i, reason := range tce.CancellationReasons {
			code := aws.ToString(reason.Code)
			if i < len(plan) && code != "" && code != "None" {
				return plan[i].classify(reason)
			}
		}
	}
	return fmt.Errorf("dynamodb transact write failed: %w", err)
}

// classify maps the cancellation reason of one item to the docstore error vocabulary.
func (p plannedItem) classify(reason types.CancellationReason) error {
	path := p.write.ref.Path()
	actual := versionOf(reason.Item)
	switch aws.ToString(reason.Code) {
	case "ConditionalCheckFailed":
		if p.guard != nil && actual != *p.guard {
			return docstore.NewConflictError(path, *p.guard, actual)
		}
		if p.write.kind == writeUpdate {
			return fmt.Errorf("%w: %s", docstore.ErrNotFound, path)
		}
	case "TransactionConflict":
		var expected int64
		if p.guard != nil {
			expected = *p.guard
		}
		return docstore.NewConflictError(path, expected, actual)
	}
	return fmt.Errorf("dynamodb write on %s cancelled: %s %s", path, aws.ToString(reason.Code), aws.ToString(reason.Message))
}

type batch struct {
	driver    *Driver
	writes    []write
	err       error
	committed bool
}

func (b *batch) add(kind writeKind, ref docstore.DocumentRef, data map[string]any) {
	if b.err != nil {
		return
	}
	r, err := b.driver.asRef(ref)
	if err != nil {
		b.err = err
		return
	}
	b.writes = append(b.writes, write{kind: kind, ref: r, data: data})
}

func (b *batch) Set(ref docstore.DocumentRef, data map[string]any)    { b.add(writeSet, ref, data) }
func (b *batch) Update(ref docstore.DocumentRef, data map[string]any) { b.add(writeUpdate, ref, data) }
func (b *batch) Delete(ref docstore.DocumentRef)                      { b.add(writeDelete, ref, nil) }
func (b *batch) Len() int                                             { return len(b.writes) }

// Commit applies the batch with a single TransactWriteItems call.
func (b *batch) Commit(ctx context.Context) error {
	if b.committed {
		return errors.New("dynamodb: batch already committed")
	}
	b.committed = true
	if b.err != nil {
		return b.err
	}
	if len(b.writes) == 0 {
		return nil
	}
	if err := b.driver.checkOpen(); err != nil {
		return err
	}
	opCtx, cancel := b.driver.withOperationTimeout(ctx)
	defer cancel()
	return b.driver.commit(opCtx, b.writes, nil)
}

// RunTransaction implements docstore.Driver with optimistic concurrency: every document the
// transaction read is committed conditioned on its version being unchanged, and fn is run
// again when a condition fails. Queries record the documents they returned; a document
// inserted into a queried range after the read is not detected.
func (d *Driver) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &transaction{driver: d, reads: make(map[string]readRecord)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if len(tx.writes) == 0 {
			return nil
		}
		opCtx, cancel := d.withOperationTimeout(ctx)
		err := d.commit(opCtx, tx.writes, tx.reads)
		cancel()
		if err == nil {
			return nil
		}
		if !docstore.IsConflict(err) {
			return err
		}
		lastErr = err
		d.logger.Debug("transaction conflict, retrying", "attempt", attempt, "error", err)
	}
	return fmt.Errorf("transaction aborted after %d attempts: %w", d.maxAttempts, lastErr)
}

type transaction struct {
	driver *Driver
	reads  map[string]readRecord
	writes []write
}

func (t *transaction) record(ref *docRef, version int64) {
	if _, seen := t.reads[ref.Path()]; !seen {
		t.reads[ref.Path()] = readRecord{ref: ref, version: version}
	}
}

func (t *transaction) Get(ctx context.Context, ref docstore.DocumentRef) (docstore.Snapshot, error) {
	r, err := t.driver.asRef(ref)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	opCtx, cancel := t.driver.withOperationTimeout(ctx)
	defer cancel()
	snap, version, err := r.get(opCtx)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	t.record(r, version)
	return snap, nil
}

func (t *transaction) Documents(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	dq, ok := q.(*Query)
	if !ok || dq.col.driver != t.driver {
		return nil, fmt.Errorf("%w: query does not belong to this store", docstore.ErrInvalidQuery)
	}
	opCtx, cancel := t.driver.withOperationTimeout(ctx)
	defer cancel()
	snaps, versions, err := dq.run(opCtx, true)
	if err != nil {
		return nil, err
	}
	for i, s := range snaps {
		t.record(&docRef{col: dq.col, id: s.ID}, versions[i])
	}
	return snaps, nil
}

func (t *transaction) stage(kind writeKind, ref docstore.DocumentRef, data map[string]any) error {
	r, err := t.driver.asRef(ref)
	if err != nil {
		return err
	}
	t.writes = append(t.writes, write{kind: kind, ref: r, data: data})
	return nil
}

func (t *transaction) Set(ref docstore.DocumentRef, data map[string]any) error {
	return t.stage(writeSet, ref, data)
}

func (t *transaction) Update(ref docstore.DocumentRef, data map[string]any) error {
	return t.stage(writeUpdate, ref, data)
}

func (t *transaction) Delete(ref docstore.DocumentRef) error {
	return t.stage(writeDelete, ref, nil)
}
