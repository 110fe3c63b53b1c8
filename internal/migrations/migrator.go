package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"

	dbmigrations "landrop/db/migrations"
)

// Apply 按文件名顺序执行尚未应用的 up 迁移脚本，
// 返回本次新应用的脚本名。每个脚本在独立事务内执行并登记。
func Apply(ctx context.Context, db *sql.DB) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("nil database connection")
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	done, err := appliedSet(ctx, db)
	if err != nil {
		return nil, err
	}

	names, err := fs.Glob(dbmigrations.Up, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migration files: %w", err)
	}
	sort.Strings(names)

	var applied []string
	for _, name := range names {
		if done[name] {
			continue
		}
		if err := applyOne(ctx, db, name); err != nil {
			return applied, err
		}
		applied = append(applied, name)
	}

	return applied, nil
}

func appliedSet(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("select schema_migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		done[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return done, nil
}

func applyOne(ctx context.Context, db *sql.DB, name string) error {
	script, err := dbmigrations.Up.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}

	return nil
}
