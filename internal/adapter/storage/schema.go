package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// schema is valid for both MySQL and SQLite. Timestamps are stored as UTC
// unix milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS stalls (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		area_key VARCHAR(128) NOT NULL,
		tag VARCHAR(128) NOT NULL DEFAULT '',
		settlement_id VARCHAR(64) NOT NULL DEFAULT '',
		owner_persona VARCHAR(128) NOT NULL DEFAULT '',
		owner_name VARCHAR(255) NOT NULL DEFAULT '',
		name VARCHAR(255) NOT NULL DEFAULT '',
		daily_rent BIGINT NOT NULL DEFAULT 0,
		escrow_balance BIGINT NOT NULL DEFAULT 0,
		lifetime_sales BIGINT NOT NULL DEFAULT 0,
		account_ref VARCHAR(128) NOT NULL DEFAULT '',
		lease_start BIGINT NOT NULL DEFAULT 0,
		next_rent_due BIGINT NOT NULL DEFAULT 0,
		suspended_at BIGINT NULL,
		deactivated_at BIGINT NULL,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		members TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL DEFAULT 0,
		CHECK (escrow_balance >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		stall_id VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		item_data BLOB,
		price BIGINT NOT NULL DEFAULT 0,
		quantity INT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		sold_out_at BIGINT NULL,
		consignor VARCHAR(128) NOT NULL DEFAULT '',
		sort_order INT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL DEFAULT 0,
		CHECK (quantity >= 0),
		CHECK (price >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		stall_id VARCHAR(64) NOT NULL,
		kind VARCHAR(32) NOT NULL,
		amount BIGINT NOT NULL,
		source VARCHAR(32) NOT NULL,
		persona VARCHAR(128) NOT NULL DEFAULT '',
		product_id VARCHAR(64) NOT NULL DEFAULT '',
		quantity INT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		persona VARCHAR(128) NOT NULL PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0,
		CHECK (balance >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		persona VARCHAR(128) NOT NULL,
		settlement_id VARCHAR(64) NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0,
		CHECK (balance >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS account_movements (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		account_id VARCHAR(64) NOT NULL,
		amount BIGINT NOT NULL,
		reason VARCHAR(200) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS custody (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		stall_id VARCHAR(64) NOT NULL,
		product_id VARCHAR(64) NOT NULL,
		persona VARCHAR(128) NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		item_data BLOB,
		quantity INT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		persona VARCHAR(128) NOT NULL,
		character_id VARCHAR(64) NOT NULL DEFAULT '',
		product_id VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		item_data BLOB,
		quantity INT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
}

// Migrate creates any missing tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			name := strings.Fields(stmt)[5]
			return fmt.Errorf("create table %s: %w", name, err)
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
