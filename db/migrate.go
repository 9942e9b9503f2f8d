package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Migration is one embedded SQL file.
type Migration struct {
	Version    string
	Statements []string
}

// Load reads every migrations/*.sql file in lexical order.
func Load(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		out = append(out, Migration{
			Version:    strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql"),
			Statements: SplitStatements(string(content)),
		})
	}
	return out, nil
}

// SplitStatements drops "--" comment lines and splits on ";".
// Migration files must not carry semicolons inside literals.
func SplitStatements(content string) []string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var out []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

const ensureVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Apply runs every migration not yet recorded in schema_migrations.
// Each migration runs in its own transaction. It returns the applied versions.
func Apply(ctx context.Context, db *sql.DB, migrations []Migration) ([]string, error) {
	if _, err := db.ExecContext(ctx, ensureVersionTable); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	var applied []string
	for _, m := range migrations {
		var exists bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).
			Scan(&exists); err != nil {
			return applied, fmt.Errorf("check %s: %w", m.Version, err)
		}
		if exists {
			continue
		}
		if err := applyOne(ctx, db, m); err != nil {
			return applied, err
		}
		applied = append(applied, m.Version)
	}
	return applied, nil
}

func applyOne(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", m.Version, err)
	}
	defer tx.Rollback()

	for i, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s statement %d: %w\nStatement: %s", m.Version, i+1, err, stmt[:min(100, len(stmt))])
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
		return fmt.Errorf("record %s: %w", m.Version, err)
	}
	return tx.Commit()
}
