package factory

import (
	"context"
	"strings"
	"testing"

	"github.com/nimburion/docorm/pkg/config"
	"github.com/nimburion/docorm/pkg/observability/logger"
)

type mockLogger struct{}

func (m *mockLogger) Debug(string, ...any)                      {}
func (m *mockLogger) Info(string, ...any)                       {}
func (m *mockLogger) Warn(string, ...any)                       {}
func (m *mockLogger) Error(string, ...any)                      {}
func (m *mockLogger) With(...any) logger.Logger                 { return m }
func (m *mockLogger) WithContext(context.Context) logger.Logger { return m }

func TestNew_Memory(t *testing.T) {
	drv, err := New(config.StoreConfig{Type: " Memory ", MaxTransactionAttempts: 2}, &mockLogger{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if drv.Name() != "memory" {
		t.Fatalf("expected memory driver, got %s", drv.Name())
	}
	if err := drv.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	if err := drv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestNew_UnsupportedType(t *testing.T) {
	_, err := New(config.StoreConfig{Type: "postgres"}, &mockLogger{})
	if err == nil {
		t.Fatal("expected unsupported type error")
	}
	if !strings.Contains(err.Error(), "unsupported store.type") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNew_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StoreConfig
		wantErr string
	}{
		{name: "mongodb url", cfg: config.StoreConfig{Type: config.StoreTypeMongoDB, Database: "db"}, wantErr: "url"},
		{name: "mongodb database", cfg: config.StoreConfig{Type: config.StoreTypeMongoDB, URL: "mongodb://localhost"}, wantErr: "database"},
		{name: "dynamodb region", cfg: config.StoreConfig{Type: config.StoreTypeDynamoDB, Table: "docs"}, wantErr: "region"},
		{name: "dynamodb table", cfg: config.StoreConfig{Type: config.StoreTypeDynamoDB, Region: "eu-west-1"}, wantErr: "table"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv, err := New(tt.cfg, &mockLogger{})
			if err == nil {
				t.Fatal("expected validation error")
			}
			if drv != nil {
				t.Fatalf("expected nil driver on error, got %T", drv)
			}
			if !strings.Contains(strings.ToLower(err.Error()), tt.wantErr) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
