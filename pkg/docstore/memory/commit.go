package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/docorm/pkg/docstore"
)

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

// readSet records the versions a transaction observed.
type readSet struct {
	docs        map[string]int64
	collections map[string]int64
}

func (s *Store) commitOne(ctx context.Context, w write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.ref.validate(); err != nil {
		return err
	}
	return s.commit([]write{w}, nil)
}

// commit applies writes atomically. Every write is first applied to an overlay; the
// overlay replaces the committed state only when all writes and read checks succeed.
func (s *Store) commit(writes []write, reads *readSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return docstore.ErrClosed
	}

	if reads != nil {
		for path, want := range reads.docs {
			col, id := splitDocPath(path)
			var got int64
			if rec, ok := s.collections[col][id]; ok {
				got = rec.version
			}
			if got != want {
				return docstore.NewConflictError(path, want, got)
			}
		}
		for col, want := range reads.collections {
			if got := s.colVersions[col]; got != want {
				return docstore.NewConflictError(col, want, got)
			}
		}
	}

	s.faultMu.Lock()
	fault := s.fault
	s.faultMu.Unlock()

	now := s.now()
	overlay := make(map[string]*record)
	current := func(d *docRef) *record {
		if rec, ok := overlay[d.Path()]; ok {
			return rec
		}
		return s.collections[d.col][d.id]
	}

	for _, w := range writes {
		if fault != nil {
			if err := fault(w.ref.Path()); err != nil {
				return err
			}
		}
		existing := current(w.ref)
		switch w.kind {
		case writeSet:
			var base map[string]any
			if existing != nil {
				base = existing.data
			}
			data, err := resolveMerge(base, w.data, now)
			if err != nil {
				return err
			}
			overlay[w.ref.Path()] = &record{data: data}
		case writeUpdate:
			if existing == nil {
				return fmt.Errorf("%w: %s", docstore.ErrNotFound, w.ref.Path())
			}
			data, err := resolveMerge(existing.data, w.data, now)
			if err != nil {
				return err
			}
			overlay[w.ref.Path()] = &record{data: data}
		case writeDelete:
			overlay[w.ref.Path()] = nil
		}
	}

	for path, rec := range overlay {
		col, id := splitDocPath(path)
		s.clock++
		s.colVersions[col] = s.clock
		if rec == nil {
			delete(s.collections[col], id)
			continue
		}
		rec.version = s.clock
		docs, ok := s.collections[col]
		if !ok {
			docs = make(map[string]*record)
			s.collections[col] = docs
		}
		docs[id] = rec
	}
	return nil
}

func splitDocPath(path string) (string, string) {
	ref := docstore.Reference{Path: path}
	return ref.Collection(), ref.ID()
}

// resolveMerge merges patch onto the top-level fields of base. A nil base is an absent document.
func resolveMerge(base, patch map[string]any, now time.Time) (map[string]any, error) {
	out := copyMap(base)
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if k == "" {
			return nil, fmt.Errorf("%w: empty field name", docstore.ErrInvalidValue)
		}
		if v == docstore.DeleteField {
			delete(out, k)
			continue
		}
		resolved, err := resolveValue(k, v, now, false)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(field string, v any, now time.Time, nested bool) (any, error) {
	v = docstore.Normalize(v)
	switch t := v.(type) {
	case docstore.Sentinel:
		if t == docstore.ServerTimestamp {
			return now, nil
		}
		if nested {
			return nil, fmt.Errorf("%w: %s cannot be nested in field %q", docstore.ErrInvalidValue, t, field)
		}
		return nil, fmt.Errorf("%w: %s is only valid as a top-level field (field %q)", docstore.ErrInvalidValue, t, field)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			r, err := resolveValue(field+"."+k, item, now, true)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			if _, ok := item.([]any); ok {
				return nil, fmt.Errorf("%w: nested arrays are not supported (field %q)", docstore.ErrInvalidValue, field)
			}
			r, err := resolveValue(field, item, now, true)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	if docstore.KindOf(v) == docstore.KindInvalid {
		return nil, fmt.Errorf("%w: unsupported type %T in field %q", docstore.ErrInvalidValue, v, field)
	}
	return v, nil
}

type batch struct {
	store     *Store
	writes    []write
	err       error
	committed bool
}

func (b *batch) add(kind writeKind, ref docstore.DocumentRef, data map[string]any) {
	if b.err != nil {
		return
	}
	d, err := b.store.asRef(ref)
	if err == nil {
		err = d.validate()
	}
	if err != nil {
		b.err = err
		return
	}
	b.writes = append(b.writes, write{kind: kind, ref: d, data: data})
}

func (b *batch) Set(ref docstore.DocumentRef, data map[string]any)    { b.add(writeSet, ref, data) }
func (b *batch) Update(ref docstore.DocumentRef, data map[string]any) { b.add(writeUpdate, ref, data) }
func (b *batch) Delete(ref docstore.DocumentRef)                      { b.add(writeDelete, ref, nil) }
func (b *batch) Len() int                                             { return len(b.writes) }

func (b *batch) Commit(ctx context.Context) error {
	if b.committed {
		return errors.New("memory: batch already committed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.committed = true
	if b.err != nil {
		return b.err
	}
	if len(b.writes) == 0 {
		return nil
	}
	return b.store.commit(b.writes, nil)
}

// RunTransaction implements docstore.Driver. fn is re-run from scratch, up to the
// configured number of attempts, when a document or collection it read changed before commit.
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &transaction{
			store: s,
			reads: readSet{docs: make(map[string]int64), collections: make(map[string]int64)},
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		err := s.commit(tx.writes, &tx.reads)
		if err == nil {
			return nil
		}
		if !docstore.IsConflict(err) {
			return err
		}
		lastErr = err
		s.log.Debug("transaction conflict, retrying", "attempt", attempt, "error", err)
	}
	return fmt.Errorf("transaction aborted after %d attempts: %w", s.maxAttempts, lastErr)
}

type transaction struct {
	store  *Store
	reads  readSet
	writes []write
}

func (t *transaction) Get(ctx context.Context, ref docstore.DocumentRef) (docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Snapshot{}, err
	}
	d, err := t.store.asRef(ref)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	if err := d.validate(); err != nil {
		return docstore.Snapshot{}, err
	}
	snap, version, err := t.store.read(d)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	if _, seen := t.reads.docs[d.Path()]; !seen {
		t.reads.docs[d.Path()] = version
	}
	return snap, nil
}

func (t *transaction) Documents(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	mq, ok := q.(*query)
	if !ok || mq.col.store != t.store {
		return nil, fmt.Errorf("%w: query does not belong to this store", docstore.ErrInvalidQuery)
	}
	snaps, colVersion, versions, err := mq.run(ctx)
	if err != nil {
		return nil, err
	}
	if _, seen := t.reads.collections[mq.col.path]; !seen {
		t.reads.collections[mq.col.path] = colVersion
	}
	for path, v := range versions {
		if _, seen := t.reads.docs[path]; !seen {
			t.reads.docs[path] = v
		}
	}
	return snaps, nil
}

func (t *transaction) stage(kind writeKind, ref docstore.DocumentRef, data map[string]any) error {
	d, err := t.store.asRef(ref)
	if err != nil {
		return err
	}
	if err := d.validate(); err != nil {
		return err
	}
	t.writes = append(t.writes, write{kind: kind, ref: d, data: data})
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
