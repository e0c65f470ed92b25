package repository

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// EntityMetadata describes a registered entity type.
type EntityMetadata struct {
	Type       reflect.Type
	Collection string
	// IDField is the Go name of the identifier field.
	IDField string
	// ReferenceFields are the document names of fields holding a docstore.Reference.
	ReferenceFields []string
	SubCollections  []SubCollectionMetadata
}

// SubCollectionMetadata describes a sub-collection field of a registered entity.
type SubCollectionMetadata struct {
	// Name is the sub-collection name below each parent document.
	Name string
	// Field is the Go name of the *SubCollection field.
	Field string

	index []int
	bind  func(db *DB, tx *Transaction, path string) (any, error)
}

// Registry maps entity types to their collections. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entities map[reflect.Type]*EntityMetadata
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[reflect.Type]*EntityMetadata)}
}

// RegisterOption customizes a registration.
type RegisterOption func(meta *EntityMetadata, codec *entityCodec) error

// Register associates entity type T with a top-level collection path. Registering the same
// type twice replaces the previous entry.
func Register[T any](r *Registry, collection string, opts ...RegisterOption) error {
	collection = strings.Trim(collection, "/")
	if collection == "" {
		return fmt.Errorf("collection path is required")
	}
	t := reflect.TypeFor[T]()
	codec, err := codecFor(t)
	if err != nil {
		return err
	}

	meta := &EntityMetadata{
		Type:       t,
		Collection: collection,
		IDField:    t.FieldByIndex(codec.idIndex).Name,
	}
	for _, ref := range codec.references {
		meta.ReferenceFields = append(meta.ReferenceFields, ref.name)
	}
	for _, opt := range opts {
		if err := opt(meta, codec); err != nil {
			return fmt.Errorf("register %s: %w", t, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[t] = meta
	return nil
}

// MustRegister is like Register but panics on error. Intended for program initialization.
func MustRegister[T any](r *Registry, collection string, opts ...RegisterOption) {
	if err := Register[T](r, collection, opts...); err != nil {
		panic(err)
	}
}

// WithSubCollection declares that every P document owns a sub-collection of C entities
// called name, exposed through the field returned by field:
//
//	repository.WithSubCollection("albums", func(b *Band) **repository.SubCollection[Album] { return &b.Albums })
func WithSubCollection[P, C any](name string, field func(*P) **SubCollection[C]) RegisterOption {
	return func(meta *EntityMetadata, codec *entityCodec) error {
		if meta.Type != reflect.TypeFor[P]() {
			return fmt.Errorf("sub-collection %q is declared for %s", name, reflect.TypeFor[P]())
		}
		if name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("invalid sub-collection name %q", name)
		}
		if _, err := codecFor(reflect.TypeFor[C]()); err != nil {
			return err
		}
		index, err := subCollectionIndex(codec, field)
		if err != nil {
			return fmt.Errorf("sub-collection %q: %w", name, err)
		}
		meta.SubCollections = append(meta.SubCollections, SubCollectionMetadata{
			Name:  name,
			Field: meta.Type.FieldByIndex(index).Name,
			index: index,
			bind: func(db *DB, tx *Transaction, path string) (any, error) {
				return newSubCollection[C](db, tx, path)
			},
		})
		return nil
	}
}

func subCollectionIndex[P, C any](codec *entityCodec, field func(*P) **SubCollection[C]) ([]int, error) {
	if field == nil {
		return nil, fmt.Errorf("field selector is required")
	}
	var zero P
	base := reflect.ValueOf(&zero)
	ptr := field(&zero)
	if ptr == nil {
		return nil, fmt.Errorf("field selector returned nil")
	}
	offset := reflect.ValueOf(ptr).Pointer() - base.Pointer()
	for _, s := range codec.subs {
		if s.offset == offset {
			return s.index, nil
		}
	}
	return nil, fmt.Errorf("field selector does not point to a field of %s", reflect.TypeFor[P]())
}

// Lookup returns the metadata registered for t.
func (r *Registry) Lookup(t reflect.Type) (*EntityMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.entities[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, t)
	}
	return meta, nil
}

// LookupFor returns the metadata registered for T.
func LookupFor[T any](r *Registry) (*EntityMetadata, error) {
	return r.Lookup(reflect.TypeFor[T]())
}

// Entities returns the metadata of every registered type, ordered by collection.
func (r *Registry) Entities() []*EntityMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EntityMetadata, 0, len(r.entities))
	for _, meta := range r.entities {
		out = append(out, meta)
	}
	slices.SortFunc(out, func(a, b *EntityMetadata) int { return cmp.Compare(a.Collection, b.Collection) })
	return out
}

// subCollections returns the sub-collections registered for t, if any.
func (r *Registry) subCollections(t reflect.Type) []SubCollectionMetadata {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if meta, ok := r.entities[t]; ok {
		return meta.SubCollections
	}
	return nil
}
