// Package schema holds the relational schema for the messaging core.
package schema

import (
	"context"
	"database/sql"
	_ "embed"
)

//go:embed schema.sql
var ddl string

// DDL returns the schema statements.
func DDL() string {
	return ddl
}

// Apply runs the idempotent schema statements against db.
func Apply(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, ddl)
	return err
}
