// Package factory opens the storage backend selected in the configuration.
package factory

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"pastebin-lite/internal/config"
	"pastebin-lite/internal/storage"
	"pastebin-lite/internal/storage/boltstore"
	"pastebin-lite/internal/storage/dynamostore"
	"pastebin-lite/internal/storage/memstore"
	"pastebin-lite/internal/storage/mongostore"
	"pastebin-lite/internal/storage/redisstore"
	"pastebin-lite/internal/storage/sqlitestore"
)

// Open returns the backend named by cfg.Store.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Store, error) {
	switch cfg.Store {
	case config.StoreBolt:
		logger.Info().Str("store", cfg.Store).Str("path", cfg.DataPath).Msg("opening storage")
		return boltstore.Open(cfg.DataPath)

	case config.StoreSQLite:
		logger.Info().Str("store", cfg.Store).Str("path", cfg.DataPath).Msg("opening storage")
		return sqlitestore.Open(cfg.DataPath, cfg.StoreTimeout)

	case config.StoreRedis:
		logger.Info().Str("store", cfg.Store).Msg("opening storage")
		return redisstore.Open(cfg.RedisURL, redisstore.Options{
			Timeout:      cfg.StoreTimeout,
			ReclaimGrace: cfg.ReclaimGrace,
		})

	case config.StoreMongo:
		logger.Info().
			Str("store", cfg.Store).
			Str("database", cfg.MongoDatabase).
			Str("collection", cfg.MongoCollection).
			Msg("opening storage")
		return mongostore.Open(ctx, mongostore.Options{
			URI:          cfg.MongoURI,
			Database:     cfg.MongoDatabase,
			Collection:   cfg.MongoCollection,
			Timeout:      cfg.StoreTimeout,
			ReclaimGrace: cfg.ReclaimGrace,
		})

	case config.StoreDynamo:
		logger.Info().
			Str("store", cfg.Store).
			Str("table", cfg.DynamoTable).
			Str("region", cfg.DynamoRegion).
			Msg("opening storage")
		return dynamostore.Open(ctx, dynamostore.Options{
			Table:        cfg.DynamoTable,
			Region:       cfg.DynamoRegion,
			Endpoint:     cfg.DynamoEndpoint,
			Timeout:      cfg.StoreTimeout,
			ReclaimGrace: cfg.ReclaimGrace,
			CreateTable:  cfg.DynamoCreateTable,
		})

	case config.StoreMemory:
		logger.Warn().Str("store", cfg.Store).Msg("pastes are kept in memory and lost on restart")
		return memstore.New(), nil
	}
	return nil, errors.Errorf("unsupported store %q", cfg.Store)
}
