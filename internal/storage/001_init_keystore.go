package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

func init() {
	registerMigration(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE keyvalue (
			key        TEXT PRIMARY KEY NOT NULL,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		) STRICT;
	`); err != nil {
		return fmt.Errorf("create keyvalue table: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP TABLE keyvalue`); err != nil {
		return fmt.Errorf("drop keyvalue table: %w", err)
	}
	return nil
}
