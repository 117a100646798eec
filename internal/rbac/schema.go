package rbac

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL of the authorization tables.
func Schema() string {
	return schemaSQL
}

// ApplySchema creates the authorization tables when missing.
func ApplySchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("rbac: apply schema: %w", err)
	}
	return nil
}
