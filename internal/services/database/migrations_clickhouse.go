package database

import (
	"fmt"

	"gorm.io/gorm"
)

// RunClickHouseMigrations creates the exchange log tables directly; gorm's
// AutoMigrate does not handle MergeTree engines well.
func RunClickHouseMigrations(db *gorm.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS exchanges (
			id UInt64,
			request_id String,
			credential_hash String,
			model String,
			outcome LowCardinality(String),
			generation UInt64,
			chunks Int64,
			bytes Int64,
			duration_ms Int64,
			error_message String,
			started_at DateTime64(3),
			created_at DateTime64(3) DEFAULT now64(3)
		) ENGINE = MergeTree()
		ORDER BY (started_at, id)`,

		`ALTER TABLE exchanges ADD INDEX IF NOT EXISTS idx_exchanges_request_id request_id TYPE bloom_filter GRANULARITY 3`,
		`ALTER TABLE exchanges ADD INDEX IF NOT EXISTS idx_exchanges_outcome outcome TYPE set(8) GRANULARITY 3`,
	}

	for _, query := range queries {
		if err := db.Exec(query).Error; err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}
