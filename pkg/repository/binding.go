package repository

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/nimburion/docorm/pkg/docstore"
)

// binding ties an entity type to one collection of a DB. It is shared by every repository
// mode and owns encoding, validation and materialization.
type binding[T any] struct {
	db    *DB
	codec *entityCodec
	col   docstore.Collection
	subs  []SubCollectionMetadata
}

func newBinding[T any](db *DB, path string) (*binding[T], error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("collection path is required")
	}
	t := reflect.TypeFor[T]()
	codec, err := codecFor(t)
	if err != nil {
		return nil, err
	}
	return &binding[T]{
		db:    db,
		codec: codec,
		col:   db.driver.Collection(path),
		subs:  db.registry.subCollections(t),
	}, nil
}

func registeredBinding[T any](db *DB) (*binding[T], error) {
	meta, err := LookupFor[T](db.registry)
	if err != nil {
		return nil, err
	}
	return newBinding[T](db, meta.Collection)
}

// Path returns the collection path the repository reads and writes.
func (b *binding[T]) Path() string {
	return b.col.Path()
}

func (b *binding[T]) entityName() string {
	return b.codec.typ.Name()
}

func (b *binding[T]) prepareCreate(item *T) (docstore.DocumentRef, map[string]any, error) {
	if item == nil {
		return nil, nil, fmt.Errorf("%w: nil %s", ErrInvalidValue, b.entityName())
	}
	if err := b.db.validator.Validate(item); err != nil {
		return nil, nil, &ValidationError{Entity: b.entityName(), Err: err}
	}
	data, _, err := b.codec.encode(reflect.ValueOf(item))
	if err != nil {
		return nil, nil, err
	}
	// an empty id makes the driver allocate one
	return b.col.Doc(b.codec.id(reflect.ValueOf(item))), data, nil
}

func (b *binding[T]) prepareUpdate(item *T, fields []string) (docstore.DocumentRef, map[string]any, error) {
	if item == nil {
		return nil, nil, fmt.Errorf("%w: nil %s", ErrInvalidValue, b.entityName())
	}
	id := b.codec.id(reflect.ValueOf(item))
	if id == "" {
		return nil, nil, ErrMissingID
	}
	data, written, err := b.codec.encodePartial(reflect.ValueOf(item), fields)
	if err != nil {
		return nil, nil, err
	}
	if err := b.db.validator.ValidatePartial(item, written...); err != nil {
		return nil, nil, &ValidationError{Entity: b.entityName(), Err: err}
	}
	return b.col.Doc(id), data, nil
}

func (b *binding[T]) refForItem(item *T) (docstore.DocumentRef, error) {
	if item == nil {
		return nil, fmt.Errorf("%w: nil %s", ErrInvalidValue, b.entityName())
	}
	id := b.codec.id(reflect.ValueOf(item))
	if id == "" {
		return nil, ErrMissingID
	}
	return b.col.Doc(id), nil
}

// materialize decodes snap and binds sub-collections. Inside a transaction the
// references of the entity are recorded on tx.
func (b *binding[T]) materialize(snap docstore.Snapshot, tx *Transaction) (*T, error) {
	v, err := b.codec.decode(snap)
	if err != nil {
		return nil, err
	}
	if b.db.validateRead {
		if err := b.db.validator.Validate(v.Interface()); err != nil {
			return nil, &ValidationError{Entity: b.entityName(), Err: err}
		}
	}
	if err := b.bindSubCollections(v, snap.ID, tx); err != nil {
		return nil, err
	}
	if tx != nil {
		for _, f := range b.codec.references {
			fv := v.Elem().FieldByIndex(f.index)
			if fv.Kind() == reflect.Pointer {
				if fv.IsNil() {
					continue
				}
				fv = fv.Elem()
			}
			if ref := fv.Interface().(docstore.Reference); ref.Path != "" {
				tx.addReference(TransactionReference{Entity: v.Interface(), PropertyKey: f.name, Path: ref.Path})
			}
		}
	}
	return v.Interface().(*T), nil
}

func (b *binding[T]) bindSubCollections(v reflect.Value, id string, tx *Transaction) error {
	for _, s := range b.subs {
		path := docstore.ChildPath(b.col.Path(), id, s.Name)
		sub, err := s.bind(b.db, tx, path)
		if err != nil {
			return fmt.Errorf("bind sub-collection %s: %w", s.Name, err)
		}
		v.Elem().FieldByIndex(s.index).Set(reflect.ValueOf(sub))
		if tx != nil {
			tx.addReference(TransactionReference{Entity: v.Interface(), PropertyKey: s.Name, Path: path})
		}
	}
	return nil
}

func (b *binding[T]) observe(ctx context.Context, op operation, fn func(ctx context.Context) error) error {
	op.collection = b.col.Path()
	return b.db.observe(ctx, op, fn)
}
