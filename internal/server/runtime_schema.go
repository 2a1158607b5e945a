package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ValidateRuntimeSchema checks at boot that the tables the API depends on
// exist, so a misapplied migration fails fast instead of at request time.
func ValidateRuntimeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("database pool is nil")
	}

	requiredTables := []string{
		"users",
		"children",
		"chat_sessions",
		"chat_messages",
		"conversation_summaries",
		"daily_tips",
		"recipes",
		"saved_recipes",
		"milestones",
		"child_milestones",
	}

	for _, table := range requiredTables {
		ok, err := tableExists(ctx, pool, table)
		if err != nil {
			return fmt.Errorf("failed checking schema for %s: %w", table, err)
		}
		if !ok {
			return fmt.Errorf("required table %s is missing; apply migrations first", table)
		}
	}

	return nil
}

func tableExists(ctx context.Context, pool *pgxpool.Pool, tableName string) (bool, error) {
	table := strings.TrimSpace(tableName)
	if table == "" {
		return false, fmt.Errorf("table must not be empty")
	}
	var exists bool
	err := pool.QueryRow(
		ctx,
		`SELECT EXISTS (
		   SELECT 1
		   FROM information_schema.tables
		   WHERE table_schema = current_schema()
		     AND lower(table_name) = lower($1)
		 )`,
		table,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
