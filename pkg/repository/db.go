// Package repository is a typed repository and query layer over a schemaless document store.
//
// Entity types are registered with a collection path; repositories compile fluent
// predicates into the native query of a docstore.Driver and map the returned documents
// back into entities. Three modes share one contract: direct repositories execute each call
// immediately, batch repositories stage writes for one atomic commit, and transaction
// repositories read a consistent snapshot and commit their writes atomically.
package repository

import (
	"context"
	"strings"
	"time"

	"github.com/nimburion/docorm/pkg/docstore"
	"github.com/nimburion/docorm/pkg/observability/logger"
	"github.com/nimburion/docorm/pkg/observability/metrics"
	"github.com/nimburion/docorm/pkg/observability/tracing"
)

// DB binds a driver to a metadata registry and the collaborators shared by every repository.
type DB struct {
	driver       docstore.Driver
	registry     *Registry
	validator    Validator
	validateRead bool
	logger       logger.Logger
	metrics      *metrics.RepositoryMetrics
}

// Option configures a DB.
type Option func(*DB)

// WithRegistry sets the metadata registry. A DB without one only serves ...At repositories.
func WithRegistry(r *Registry) Option {
	return func(db *DB) { db.registry = r }
}

// WithValidator replaces the default StructValidator. Pass nil to disable validation.
func WithValidator(v Validator) Option {
	return func(db *DB) {
		if v == nil {
			v = noopValidator{}
		}
		db.validator = v
	}
}

// WithReadValidation also validates entities materialized from stored documents.
func WithReadValidation() Option {
	return func(db *DB) { db.validateRead = true }
}

// WithLogger sets the logger used for debug output of compiled queries and commits.
func WithLogger(l logger.Logger) Option {
	return func(db *DB) { db.logger = l }
}

// WithMetrics records every operation in m.
func WithMetrics(m *metrics.RepositoryMetrics) Option {
	return func(db *DB) { db.metrics = m }
}

// New creates a DB over driver.
func New(driver docstore.Driver, opts ...Option) *DB {
	db := &DB{
		driver:    driver,
		registry:  NewRegistry(),
		validator: NewStructValidator(),
	}
	for _, opt := range opts {
		opt(db)
	}
	if db.logger == nil {
		db.logger = logger.NewNop()
	}
	if db.registry == nil {
		db.registry = NewRegistry()
	}
	return db
}

// Driver returns the underlying driver.
func (db *DB) Driver() docstore.Driver { return db.driver }

// Registry returns the metadata registry.
func (db *DB) Registry() *Registry { return db.registry }

// HealthCheck verifies the store is reachable.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.driver.HealthCheck(ctx)
}

// Close closes the driver.
func (db *DB) Close() error {
	return db.driver.Close()
}

type operation struct {
	span       tracing.SpanOperation
	name       string
	collection string
	id         string
	statement  string
	count      int
}

// observe runs fn inside a database span and records its outcome in the metrics.
func (db *DB) observe(ctx context.Context, op operation, fn func(ctx context.Context) error) error {
	opts := []tracing.DatabaseSpanOption{
		tracing.WithDBSystem(db.driver.Name()),
		tracing.WithDBCollection(op.collection),
		tracing.WithDBDocumentID(op.id),
	}
	if op.statement != "" {
		opts = append(opts, tracing.WithDBStatement(op.statement))
	}
	if op.count > 0 {
		opts = append(opts, tracing.WithDBOperationCount(op.count))
	}
	ctx, span := tracing.StartDatabaseSpan(ctx, op.span, opts...)
	start := time.Now()
	err := fn(ctx)
	db.metrics.Observe(collectionLabel(op.collection), op.name, time.Since(start), err)
	tracing.End(span, err)
	return err
}

// collectionLabel replaces the parent ids of a sub-collection path with "*" so that metric
// labels stay bounded: bands/metallica/albums -> bands/*/albums.
func collectionLabel(path string) string {
	if !strings.Contains(path, "/") {
		return path
	}
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i += 2 {
		parts[i] = "*"
	}
	return strings.Join(parts, "/")
}
