// Package memory implements an in-process document store.
//
// Documents are versioned so that transactions can detect conflicting writes and retry.
// Queries enforce the same composition rules as hosted document stores: a single
// inequality field, ordering on that field first, and capped disjunctions.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/docorm/pkg/docstore"
	"github.com/nimburion/docorm/pkg/observability/logger"
)

// DefaultMaxTransactionAttempts is the number of times a conflicting transaction is run.
const DefaultMaxTransactionAttempts = 5

// Options configures a Store.
type Options struct {
	// MaxTransactionAttempts bounds transaction retries after a conflict.
	MaxTransactionAttempts int
	// Now resolves ServerTimestamp. Defaults to time.Now in UTC.
	Now func() time.Time
	Logger logger.Logger
}

type record struct {
	data    map[string]any
	version int64
}

// Store is an in-memory Driver. The zero value is not usable; call New.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]*record
	// colVersions changes whenever any document of a collection changes.
	colVersions map[string]int64
	clock       int64
	closed      bool

	maxAttempts int
	now         func() time.Time
	log         logger.Logger

	faultMu sync.Mutex
	fault   func(path string) error
}

var _ docstore.Driver = (*Store)(nil)

// New creates an empty store.
func New(opts Options) *Store {
	if opts.MaxTransactionAttempts <= 0 {
		opts.MaxTransactionAttempts = DefaultMaxTransactionAttempts
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Store{
		collections: make(map[string]map[string]*record),
		colVersions: make(map[string]int64),
		maxAttempts: opts.MaxTransactionAttempts,
		now:         opts.Now,
		log:         opts.Logger,
	}
}

// Name implements docstore.Driver.
func (s *Store) Name() string { return "memory" }

// FailWrites installs a hook consulted for every document written by a commit. A non-nil
// error aborts the whole commit. Passing nil removes the hook.
func (s *Store) FailWrites(fn func(path string) error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.fault = fn
}

// Collection implements docstore.Driver.
func (s *Store) Collection(path string) docstore.Collection {
	return &collection{store: s, path: strings.Trim(path, "/")}
}

// Batch implements docstore.Driver.
func (s *Store) Batch() docstore.WriteBatch {
	return &batch{store: s}
}

// HealthCheck implements docstore.Driver.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return docstore.ErrClosed
	}
	return nil
}

// Close implements docstore.Driver.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of documents stored in a collection.
func (s *Store) Len(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[path])
}

func validCollectionPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty collection path", docstore.ErrInvalidValue)
	}
	parts := strings.Split(path, "/")
	if len(parts)%2 == 0 {
		return fmt.Errorf("%w: %q is a document path, not a collection path", docstore.ErrInvalidValue, path)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w: empty segment in %q", docstore.ErrInvalidValue, path)
		}
	}
	return nil
}

type collection struct {
	store *Store
	path  string
}

func (c *collection) Path() string { return c.path }

func (c *collection) Doc(id string) docstore.DocumentRef {
	if id == "" {
		id = uuid.NewString()
	}
	return &docRef{store: c.store, col: c.path, id: id}
}

func (c *collection) Query() docstore.Query {
	return &query{col: c}
}

type docRef struct {
	store *Store
	col   string
	id    string
}

func (d *docRef) ID() string   { return d.id }
func (d *docRef) Path() string { return d.col + "/" + d.id }

func (d *docRef) validate() error {
	if err := validCollectionPath(d.col); err != nil {
		return err
	}
	if strings.Contains(d.id, "/") {
		return fmt.Errorf("%w: document id %q contains '/'", docstore.ErrInvalidValue, d.id)
	}
	return nil
}

func (d *docRef) Get(ctx context.Context) (docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Snapshot{}, err
	}
	if err := d.validate(); err != nil {
		return docstore.Snapshot{}, err
	}
	snap, _, err := d.store.read(d)
	return snap, err
}

func (d *docRef) Set(ctx context.Context, data map[string]any) error {
	return d.store.commitOne(ctx, write{kind: writeSet, ref: d, data: data})
}

func (d *docRef) Update(ctx context.Context, data map[string]any) error {
	return d.store.commitOne(ctx, write{kind: writeUpdate, ref: d, data: data})
}

func (d *docRef) Delete(ctx context.Context) error {
	return d.store.commitOne(ctx, write{kind: writeDelete, ref: d})
}

// read returns the committed state of a document and its version (0 when absent).
func (s *Store) read(d *docRef) (docstore.Snapshot, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return docstore.Snapshot{}, 0, docstore.ErrClosed
	}
	snap := docstore.Snapshot{ID: d.id, Path: d.Path()}
	rec, ok := s.collections[d.col][d.id]
	if !ok {
		return snap, 0, nil
	}
	snap.Data = copyMap(rec.data)
	snap.Exists = true
	return snap, rec.version, nil
}

func (s *Store) asRef(ref docstore.DocumentRef) (*docRef, error) {
	d, ok := ref.(*docRef)
	if !ok || d.store != s {
		return nil, fmt.Errorf("%w: reference %s does not belong to this store", docstore.ErrInvalidValue, ref.Path())
	}
	return d, nil
}
