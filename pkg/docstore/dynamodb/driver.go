// Package dynamodb implements the document store driver on a single DynamoDB table.
//
// Every document is one item: the partition key "_pk" holds the collection path, the sort
// key "_id" holds the document id and "_v" is a version counter bumped on every write.
// Filters compile to filter expressions over a key-condition query of one collection;
// ordering on anything but the id is applied client-side.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/docorm/pkg/docstore"
	"github.com/nimburion/docorm/pkg/observability/logger"
)

const (
	// DefaultMaxTransactionAttempts is the number of times a conflicting transaction is run.
	DefaultMaxTransactionAttempts = 5
	// MaxTransactItems is the service limit on items in one TransactWriteItems call.
	MaxTransactItems = 100
)

// API is the subset of the DynamoDB client the driver uses. *dynamodb.Client implements it.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Config holds DynamoDB driver configuration.
type Config struct {
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	Table            string
	OperationTimeout time.Duration
	// CreateTable creates the table with on-demand billing when it does not exist.
	CreateTable            bool
	MaxTransactionAttempts int
}

// Driver is a docstore.Driver backed by one DynamoDB table.
type Driver struct {
	api         API
	table       string
	logger      logger.Logger
	timeout     time.Duration
	maxAttempts int
	now         func() time.Time
	mu          sync.RWMutex
	closed      bool
}

var _ docstore.Driver = (*Driver)(nil)

// New builds a DynamoDB client (AWS SDK v2, optional custom endpoint) and verifies the
// table is reachable.
func New(cfg Config, log logger.Logger) (*Driver, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table is required")
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	d := NewWithAPI(dynamodb.NewFromConfig(awsCfg, opts...), cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if cfg.CreateTable {
		if err := d.EnsureTable(ctx); err != nil {
			return nil, err
		}
	}
	if err := d.Ping(ctx); err != nil {
		return nil, err
	}

	d.logger.Info("DynamoDB driver initialized", "region", cfg.Region, "endpoint", cfg.Endpoint, "table", cfg.Table)
	return d, nil
}

// NewWithAPI wraps an existing client without contacting the service.
func NewWithAPI(api API, cfg Config, log logger.Logger) *Driver {
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	if cfg.MaxTransactionAttempts <= 0 {
		cfg.MaxTransactionAttempts = DefaultMaxTransactionAttempts
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Driver{
		api:         api,
		table:       cfg.Table,
		logger:      log,
		timeout:     cfg.OperationTimeout,
		maxAttempts: cfg.MaxTransactionAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Name implements docstore.Driver.
func (d *Driver) Name() string { return "dynamodb" }

// API returns the underlying client.
func (d *Driver) API() API {
	return d.api
}

// Table returns the table documents are stored in.
func (d *Driver) Table() string {
	return d.table
}

// EnsureTable creates the document table when it does not exist and waits until it is active.
func (d *Driver) EnsureTable(ctx context.Context) error {
	_, err := d.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(pkAttr), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(idAttr), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(pkAttr), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(idAttr), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create dynamodb table %s: %w", d.table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(d.api)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)}, time.Minute); err != nil {
		return fmt.Errorf("dynamodb table %s not ready: %w", d.table, err)
	}
	d.logger.Info("DynamoDB table created", "table", d.table)
	return nil
}

// Collection implements docstore.Driver.
func (d *Driver) Collection(path string) docstore.Collection {
	return &collection{driver: d, path: strings.Trim(path, "/")}
}

// Batch implements docstore.Driver.
func (d *Driver) Batch() docstore.WriteBatch {
	return &batch{driver: d}
}

// Ping describes the document table.
func (d *Driver) Ping(ctx context.Context) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	opCtx, cancel := d.withOperationTimeout(ctx)
	defer cancel()
	_, err := d.api.DescribeTable(opCtx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	if err != nil {
		return fmt.Errorf("dynamodb ping failed: %w", err)
	}
	return nil
}

// HealthCheck implements docstore.Driver.
func (d *Driver) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := d.Ping(hcCtx); err != nil {
		d.logger.Error("DynamoDB health check failed", "error", err)
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	return nil
}

// Close implements docstore.Driver. The SDK client holds no connections to release.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
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

// IsThrottlingError reports whether err is a provisioned throughput rejection.
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	var pte *types.ProvisionedThroughputExceededException
	return errors.As(err, &pte)
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
