package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nimburion/docorm/pkg/docstore"
)

type collection struct {
	driver *Driver
	path   string
}

func (c *collection) Path() string { return c.path }

// Doc implements docstore.Collection. Generated ids are ObjectID hex strings.
func (c *collection) Doc(id string) docstore.DocumentRef {
	if id == "" {
		id = primitive.NewObjectID().Hex()
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

func (r *docRef) native() *mongo.Collection {
	return r.col.driver.native(r.col.path)
}

func (r *docRef) filter() bson.D {
	return bson.D{{Key: idKey, Value: r.id}}
}

func (r *docRef) Get(ctx context.Context) (docstore.Snapshot, error) {
	if err := r.col.driver.checkOpen(); err != nil {
		return docstore.Snapshot{}, err
	}
	opCtx, cancel := r.col.driver.withOperationTimeout(ctx)
	defer cancel()
	return r.get(opCtx)
}

func (r *docRef) get(ctx context.Context) (docstore.Snapshot, error) {
	snap := docstore.Snapshot{ID: r.id, Path: r.Path()}
	var raw bson.M
	err := r.native().FindOne(ctx, r.filter()).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return snap, nil
	}
	if err != nil {
		return docstore.Snapshot{}, err
	}
	_, snap.Data = decodeDocument(raw)
	snap.Exists = true
	return snap, nil
}

func (r *docRef) Set(ctx context.Context, data map[string]any) error {
	return r.col.driver.applyOne(ctx, write{kind: writeSet, ref: r, data: data})
}

func (r *docRef) Update(ctx context.Context, data map[string]any) error {
	return r.col.driver.applyOne(ctx, write{kind: writeUpdate, ref: r, data: data})
}

func (r *docRef) Delete(ctx context.Context) error {
	return r.col.driver.applyOne(ctx, write{kind: writeDelete, ref: r})
}

type writeKind int

const (
	writeSet writeKind = iota + 1
	writeUpdate
	writeDelete
)

type write struct {
	kind writeKind
	ref  *docRef
	data map[string]any
}

func (d *Driver) asRef(ref docstore.DocumentRef) (*docRef, error) {
	r, ok := ref.(*docRef)
	if !ok || r.col.driver != d {
		return nil, fmt.Errorf("%w: reference %s does not belong to this store", docstore.ErrInvalidValue, ref.Path())
	}
	if strings.Contains(r.id, "/") {
		return nil, fmt.Errorf("%w: document id %q contains '/'", docstore.ErrInvalidValue, r.id)
	}
	return r, nil
}

func (d *Driver) applyOne(ctx context.Context, w write) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if _, err := d.asRef(w.ref); err != nil {
		return err
	}
	opCtx, cancel := d.withOperationTimeout(ctx)
	defer cancel()
	return d.execute(opCtx, w)
}

// apply runs writes in order. Inside a session context they are part of its transaction.
func (d *Driver) apply(ctx context.Context, writes []write) error {
	for _, w := range writes {
		if err := d.execute(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) execute(ctx context.Context, w write) error {
	coll := w.ref.native()
	now := time.Now().UTC()

	switch w.kind {
	case writeSet:
		update, err := encodeSet(w.ref.id, w.data, now)
		if err != nil {
			return err
		}
		_, err = coll.UpdateOne(ctx, w.ref.filter(), update, options.Update().SetUpsert(true))
		return err

	case writeUpdate:
		update, err := encodeUpdate(w.data, now)
		if err != nil {
			return err
		}
		if len(update) == 0 {
			n, err := coll.CountDocuments(ctx, w.ref.filter(), options.Count().SetLimit(1))
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: %s", docstore.ErrNotFound, w.ref.Path())
			}
			return nil
		}
		res, err := coll.UpdateOne(ctx, w.ref.filter(), update)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("%w: %s", docstore.ErrNotFound, w.ref.Path())
		}
		return nil

	case writeDelete:
		_, err := coll.DeleteOne(ctx, w.ref.filter())
		return err
	}
	return fmt.Errorf("unknown write kind %d", w.kind)
}

// encodeSet is the upsert form of encodeUpdate. The $setOnInsert of the id keeps the
// update non-empty when data is.
func encodeSet(id string, data map[string]any, now time.Time) (bson.D, error) {
	update, err := encodeUpdate(data, now)
	if err != nil {
		return nil, err
	}
	return append(update, bson.E{Key: "$setOnInsert", Value: bson.M{idKey: id}}), nil
}

// encodeUpdate builds a $set/$unset/$currentDate update merging data into the document.
func encodeUpdate(data map[string]any, now time.Time) (bson.D, error) {
	set := bson.M{}
	unset := bson.M{}
	currentDate := bson.M{}
	for k, v := range data {
		if k == idKey {
			return nil, fmt.Errorf("%w: field name %s is reserved", docstore.ErrInvalidValue, idKey)
		}
		switch v {
		case docstore.DeleteField:
			unset[k] = ""
			continue
		case docstore.ServerTimestamp:
			currentDate[k] = true
			continue
		}
		enc, err := encodeValue(v, now)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		set[k] = enc
	}

	update := bson.D{}
	if len(set) > 0 {
		update = append(update, bson.E{Key: "$set", Value: set})
	}
	if len(unset) > 0 {
		update = append(update, bson.E{Key: "$unset", Value: unset})
	}
	if len(currentDate) > 0 {
		update = append(update, bson.E{Key: "$currentDate", Value: currentDate})
	}
	return update, nil
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

// Commit applies the batch inside one session transaction.
func (b *batch) Commit(ctx context.Context) error {
	if b.committed {
		return errors.New("mongodb: batch already committed")
	}
	b.committed = true
	if b.err != nil {
		return b.err
	}
	if len(b.writes) == 0 {
		return nil
	}
	return b.driver.RunTransaction(ctx, func(ctx context.Context, _ docstore.Tx) error {
		return b.driver.apply(ctx, b.writes)
	})
}

type transaction struct {
	driver *Driver
	writes []write
}

func (t *transaction) Get(ctx context.Context, ref docstore.DocumentRef) (docstore.Snapshot, error) {
	r, err := t.driver.asRef(ref)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	return r.get(ctx)
}

func (t *transaction) Documents(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	mq, ok := q.(*Query)
	if !ok || mq.col.driver != t.driver {
		return nil, fmt.Errorf("%w: query does not belong to this store", docstore.ErrInvalidQuery)
	}
	return mq.find(ctx)
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
