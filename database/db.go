/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"

	"github.com/taxgate/taxgate/config"
	"github.com/taxgate/taxgate/internal/cache"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// Migrations returns the embedded migration source for the postgres store.
func Migrations() *migrate.EmbedFileSystemMigrationSource {
	return &migrate.EmbedFileSystemMigrationSource{
		FileSystem: SQLFiles,
		Root:       "sql",
	}
}

// Migrate applies (or rolls back) the postgres store schema.
func Migrate(db *sql.DB, direction migrate.MigrationDirection) (int, error) {
	return migrate.Exec(db, "postgres", Migrations(), direction)
}

// ConnectDB opens a pooled postgres connection and verifies it.
func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	err = db.Ping()
	if err != nil {
		logrus.Errorf("database connection error: %v", err)
		return nil, err
	}
	return db, nil
}

// NewRequestStore builds the store selected by configuration, wrapped with the terminal
// record cache when redis is available. It returns nil when no store is configured;
// callers treat that as the synchronous fallback mode.
func NewRequestStore(cfg *config.Configuration, redisClient redis.UniversalClient) (RequestStore, error) {
	var store RequestStore
	switch cfg.Store.Driver {
	case config.StoreDriverNone:
		return nil, nil
	case config.StoreDriverRedis:
		if redisClient == nil {
			return nil, errors.New("redis store requires a redis client")
		}
		store = NewRedisStore(redisClient, cfg.Store.KeyPrefix, cfg.Store.RecordTTL.Duration())
	case config.StoreDriverPostgres:
		db, err := ConnectDB(cfg.Store.Dns)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres store: %w", err)
		}
		n, err := Migrate(db, migrate.Up)
		if err != nil {
			return nil, fmt.Errorf("migrating postgres store: %w", err)
		}
		if n > 0 {
			logrus.Infof("applied %d request store migrations", n)
		}
		store = NewPostgresStore(db)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}

	if redisClient != nil {
		store = NewCachedStore(store, cache.NewRedisCache(redisClient, cache.DefaultLocalSize, defaultLocalCacheTTL), cfg.Store.KeyPrefix)
	}
	return store, nil
}
