// Package factory builds a docstore.Driver from configuration.
package factory

import (
	"fmt"
	"strings"

	"github.com/nimburion/docorm/pkg/config"
	"github.com/nimburion/docorm/pkg/docstore"
	"github.com/nimburion/docorm/pkg/docstore/dynamodb"
	"github.com/nimburion/docorm/pkg/docstore/memory"
	"github.com/nimburion/docorm/pkg/docstore/mongodb"
	"github.com/nimburion/docorm/pkg/observability/logger"
)

// Cosa fa: seleziona e inizializza il driver del document store in base alla config.
// Cosa NON fa: non gestisce fallback tra provider diversi.
// Esempio minimo: drv, err := factory.New(cfg.Store, log)
func New(cfg config.StoreConfig, log logger.Logger) (docstore.Driver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.StoreTypeMemory:
		return memory.New(memory.Options{
			MaxTransactionAttempts: cfg.MaxTransactionAttempts,
			Logger:                 log,
		}), nil
	case config.StoreTypeMongoDB:
		drv, err := mongodb.New(mongodb.Config{
			URL:              cfg.URL,
			Database:         cfg.Database,
			ConnectTimeout:   cfg.ConnectTimeout,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return drv, nil
	case config.StoreTypeDynamoDB:
		drv, err := dynamodb.New(dynamodb.Config{
			Region:                 cfg.Region,
			Endpoint:               cfg.Endpoint,
			AccessKeyID:            cfg.AccessKeyID,
			SecretAccessKey:        cfg.SecretAccessKey,
			SessionToken:           cfg.SessionToken,
			Table:                  cfg.Table,
			CreateTable:            cfg.CreateTable,
			OperationTimeout:       cfg.OperationTimeout,
			MaxTransactionAttempts: cfg.MaxTransactionAttempts,
		}, log)
		if err != nil {
			return nil, err
		}
		return drv, nil
	default:
		return nil, fmt.Errorf("unsupported store.type %q (supported: memory, mongodb, dynamodb)", cfg.Type)
	}
}
