// Package migrations applies the embedded schema of the Postgres result cache.
// Each migration is a pair of sql/NNNNNN_name.up.sql and .down.sql scripts,
// run in its own transaction together with its history row.
package migrations

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const historyTable = "spice_schema_migrations"

const (
	createHistory = `CREATE TABLE IF NOT EXISTS ` + historyTable + ` (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	selectHistory  = `SELECT version, applied_at FROM ` + historyTable
	recordApplied  = `INSERT INTO ` + historyTable + ` (version) VALUES ($1)`
	recordReverted = `DELETE FROM ` + historyTable + ` WHERE version = $1`
)

var scriptName = regexp.MustCompile(`^(\d+)_(\w+)\.(up|down)\.sql$`)

type migration struct {
	version int64
	name    string
	up      string
	down    string
}

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

// NewRunnerFS reads scripts from the sql directory of fsys instead of the
// embedded set.
func NewRunnerFS(fsys fs.FS) *Runner {
	return &Runner{fsys: fsys}
}

// Status is the state of one known migration. AppliedAt is zero when the
// migration is pending.
type Status struct {
	Version   int64
	Name      string
	AppliedAt time.Time
}

func (s Status) Applied() bool { return !s.AppliedAt.IsZero() }

func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	known, history, err := r.prepare(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]Status, len(known))
	for i, m := range known {
		out[i] = Status{Version: m.version, Name: m.name, AppliedAt: history[m.version]}
	}
	return out, nil
}

// Up applies pending migrations in version order, at most steps of them when
// steps > 0. It returns how many were applied.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	known, history, err := r.prepare(ctx, db)
	if err != nil {
		return 0, err
	}
	pending := slices.DeleteFunc(known, func(m migration) bool {
		_, done := history[m.version]
		return done
	})
	if steps > 0 && len(pending) > steps {
		pending = pending[:steps]
	}
	for i, m := range pending {
		if err := run(ctx, db, m.version, m.up, recordApplied); err != nil {
			return i, fmt.Errorf("apply migration %d_%s: %w", m.version, m.name, err)
		}
	}
	return len(pending), nil
}

// Down reverts the newest applied migrations, one when steps <= 0.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	known, history, err := r.prepare(ctx, db)
	if err != nil {
		return 0, err
	}
	applied := make([]int64, 0, len(history))
	for version := range history {
		applied = append(applied, version)
	}
	slices.Sort(applied)
	slices.Reverse(applied)
	if len(applied) > steps {
		applied = applied[:steps]
	}

	for i, version := range applied {
		at := slices.IndexFunc(known, func(m migration) bool { return m.version == version })
		if at < 0 {
			return i, fmt.Errorf("applied migration %d has no scripts", version)
		}
		m := known[at]
		if err := run(ctx, db, m.version, m.down, recordReverted); err != nil {
			return i, fmt.Errorf("revert migration %d_%s: %w", m.version, m.name, err)
		}
	}
	return len(applied), nil
}

// prepare loads the scripts and the applied history, creating the history
// table on first use.
func (r *Runner) prepare(ctx context.Context, db *sql.DB) ([]migration, map[int64]time.Time, error) {
	known, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, nil, err
	}
	if _, err := db.ExecContext(ctx, createHistory); err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", historyTable, err)
	}
	history, err := readHistory(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	return known, history, nil
}

func readHistory(ctx context.Context, db *sql.DB) (map[int64]time.Time, error) {
	rows, err := db.QueryContext(ctx, selectHistory)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", historyTable, err)
	}
	defer func() { _ = rows.Close() }()

	history := map[int64]time.Time{}
	for rows.Next() {
		var (
			version   int64
			appliedAt time.Time
		)
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("read %s: %w", historyTable, err)
		}
		history[version] = appliedAt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", historyTable, err)
	}
	return history, nil
}

// run executes script and the history statement in one transaction.
func run(ctx context.Context, db *sql.DB, version int64, script, record string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return tx.Commit()
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, "sql/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migration scripts: %w", err)
	}

	byVersion := map[int64]*migration{}
	for _, file := range files {
		match := scriptName.FindStringSubmatch(path.Base(file))
		if match == nil {
			continue
		}
		version, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version: %w", file, err)
		}
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", file, err)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{version: version, name: match[2]}
			byVersion[version] = m
		} else if m.name != match[2] {
			return nil, fmt.Errorf("migration %d is named both %s and %s", version, m.name, match[2])
		}
		if match[3] == "up" {
			m.up = string(body)
		} else {
			m.down = string(body)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		switch {
		case strings.TrimSpace(m.up) == "":
			return nil, fmt.Errorf("migration %d_%s has no up script", m.version, m.name)
		case strings.TrimSpace(m.down) == "":
			return nil, fmt.Errorf("migration %d_%s has no down script", m.version, m.name)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.version, b.version) })
	return out, nil
}
