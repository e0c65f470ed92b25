// Package config loads docq configuration from defaults, a config file, a secrets file,
// environment variables and command-line flags.
package config

import (
	"time"
)

// Store types accepted by StoreConfig.Type.
const (
	StoreTypeMemory   = "memory"
	StoreTypeMongoDB  = "mongodb"
	StoreTypeDynamoDB = "dynamodb"
)

// Config holds all configuration for docq and for programs embedding the repository layer.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Store   StoreConfig   `mapstructure:"store"`
	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServiceConfig identifies the running program in logs and traces.
type ServiceConfig struct {
	Name        string `mapstructure:"name" flag:"service-name" flag_usage:"service name reported in logs and traces"`
	Environment string `mapstructure:"environment" flag:"environment" flag_usage:"deployment environment"`
}

// StoreConfig selects and configures the document store driver.
type StoreConfig struct {
	// Type is one of memory, mongodb, dynamodb.
	Type string `mapstructure:"type" flag:"store" flag_usage:"document store type (memory|mongodb|dynamodb)"`

	// MongoDB connection string and database name.
	URL      string `mapstructure:"url" flag:"store-url" flag_usage:"document store connection URL"`
	Database string `mapstructure:"database" flag:"store-database" flag_usage:"MongoDB database name"`

	// DynamoDB settings. Endpoint is only needed for local emulators.
	Region          string `mapstructure:"region" flag:"store-region" flag_usage:"DynamoDB region"`
	Endpoint        string `mapstructure:"endpoint" flag:"store-endpoint" flag_usage:"DynamoDB endpoint override"`
	AccessKeyID     string `mapstructure:"access_key_id" secret:"true"`
	SecretAccessKey string `mapstructure:"secret_access_key" secret:"true"`
	SessionToken    string `mapstructure:"session_token" secret:"true"`
	Table           string `mapstructure:"table" flag:"store-table" flag_usage:"DynamoDB table holding every collection"`
	CreateTable     bool   `mapstructure:"create_table" flag:"store-create-table" flag_usage:"create the DynamoDB table when missing"`

	ConnectTimeout         time.Duration `mapstructure:"connect_timeout" flag:"store-connect-timeout" flag_usage:"timeout for connecting to the store"`
	OperationTimeout       time.Duration `mapstructure:"operation_timeout" flag:"store-timeout" flag_usage:"default timeout for one store operation"`
	MaxTransactionAttempts int           `mapstructure:"max_transaction_attempts" flag:"store-tx-attempts" flag_usage:"attempts before a conflicting transaction is aborted"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level" flag:"log-level" flag_usage:"log level (debug|info|warn|error)"`
	Format string `mapstructure:"format" flag:"log-format" flag_usage:"log format (json|text)"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled" flag:"tracing" flag_usage:"export traces over OTLP"`
	Endpoint   string  `mapstructure:"endpoint" flag:"tracing-endpoint" flag_usage:"OTLP gRPC collector endpoint"`
	SampleRate float64 `mapstructure:"sample_rate" flag:"tracing-sample-rate" flag_usage:"fraction of traces to sample"`
}

// DefaultConfig returns a configuration backed by the in-memory store.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "docq",
			Environment: "development",
		},
		Store: StoreConfig{
			Type:                   StoreTypeMemory,
			ConnectTimeout:         10 * time.Second,
			OperationTimeout:       5 * time.Second,
			MaxTransactionAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
		},
	}
}
