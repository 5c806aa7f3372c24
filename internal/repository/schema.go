package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates the credential, API key and usage tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB, d Dialect) error {
	textCol := "TEXT"
	aliasCol := "TEXT"
	if d.Name() == "mysql" {
		aliasCol = "VARCHAR(255)"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cookies (
			id %s,
			alias %s NOT NULL,
			cookie_value %s NOT NULL,
			is_active %s NOT NULL DEFAULT TRUE,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, d.AutoIncrementClause(), aliasCol, textCol, d.BooleanType(), d.TimestampType(), d.TimestampType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS api_keys (
			id %s,
			alias %s NOT NULL,
			key_hash %s NOT NULL,
			is_active %s NOT NULL DEFAULT TRUE,
			created_at %s NOT NULL
		)`, d.AutoIncrementClause(), aliasCol, aliasCol, d.BooleanType(), d.TimestampType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS usage_metrics (
			id %s,
			ip_address %s NOT NULL,
			request_timestamp %s NOT NULL,
			was_success %s NOT NULL,
			error_message %s,
			model %s,
			cookie_id BIGINT,
			api_key_id BIGINT
		)`, d.AutoIncrementClause(), aliasCol, d.TimestampType(), d.BooleanType(), textCol, aliasCol),
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
