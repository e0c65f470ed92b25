// Package mongodb implements the document store driver on MongoDB.
//
// A collection path maps to one MongoDB collection whose name is the path with "/" replaced
// by "."; the document id is stored as a string _id. Batches and transactions run inside
// a session transaction, which requires a replica set or sharded cluster.
package mongodb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/nimburion/docorm/pkg/docstore"
	"github.com/nimburion/docorm/pkg/observability/logger"
)

// Config holds MongoDB driver configuration.
type Config struct {
	URL              string
	Database         string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// Driver is a docstore.Driver backed by a MongoDB database.
type Driver struct {
	client   *mongo.Client
	database string
	logger   logger.Logger
	timeout  time.Duration
	mu       sync.RWMutex
	closed   bool
}

var _ docstore.Driver = (*Driver)(nil)

// New connects to MongoDB and verifies connectivity with a ping.
// It does not create collections or indexes.
func New(cfg Config, log logger.Logger) (*Driver, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mongodb URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb database is required")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	log.Info("MongoDB connection established", "database", cfg.Database)
	return &Driver{
		client:   client,
		database: cfg.Database,
		logger:   log,
		timeout:  cfg.OperationTimeout,
	}, nil
}

// Name implements docstore.Driver.
func (d *Driver) Name() string { return "mongodb" }

// Client returns the underlying MongoDB client.
func (d *Driver) Client() *mongo.Client {
	return d.client
}

// Database returns the database handle documents are stored in.
func (d *Driver) Database() *mongo.Database {
	return d.client.Database(d.database)
}

// CollectionName maps a collection path to a MongoDB collection name.
func CollectionName(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

// Collection implements docstore.Driver.
func (d *Driver) Collection(path string) docstore.Collection {
	path = strings.Trim(path, "/")
	return &collection{driver: d, path: path}
}

func (d *Driver) native(path string) *mongo.Collection {
	return d.Database().Collection(CollectionName(path))
}

// Batch implements docstore.Driver.
func (d *Driver) Batch() docstore.WriteBatch {
	return &batch{driver: d}
}

// RunTransaction implements docstore.Driver. The session transaction retries fn when the
// server labels the failure as transient, which includes write conflicts between
// concurrent transactions.
func (d *Driver) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	session, err := d.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start mongodb session: %w", err)
	}
	defer session.EndSession(context.Background())

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		tx := &transaction{driver: d}
		if err := fn(sc, tx); err != nil {
			return nil, err
		}
		return nil, d.apply(sc, tx.writes)
	}, txOpts)
	return err
}

// Ping verifies the connection to the primary.
func (d *Driver) Ping(ctx context.Context) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.client.Ping(ctx, readpref.Primary())
}

// HealthCheck implements docstore.Driver.
func (d *Driver) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := d.Ping(hcCtx); err != nil {
		d.logger.Error("MongoDB health check failed", "error", err)
		return fmt.Errorf("mongodb health check failed: %w", err)
	}
	return nil
}

// Close implements docstore.Driver. Closing twice is a no-op.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to close mongodb connection: %w", err)
	}
	d.logger.Info("MongoDB connection closed", "database", d.database)
	return nil
}

func (d *Driver) checkOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return docstore.ErrClosed
	}
	return nil
}

func (d *Driver) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}
