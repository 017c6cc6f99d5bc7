// Package migrations applies the assistant's own tables (the security log) to
// the configured database. Club tables are owned by the club system and are
// never migrated from here.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	ledgerTable = "sqlassist_schema_migrations"
	// lockKey serialises concurrent migrators on the same database.
	lockKey int64 = 0x5351_4c41
)

// ErrChecksumMismatch means an applied migration no longer matches its
// embedded script.
var ErrChecksumMismatch = errors.New("applied migration was modified")

var scriptName = regexp.MustCompile(`^([0-9]+)_([a-z0-9_]+)\.(up|down)\.sql$`)

type script struct {
	version  int64
	name     string
	up       string
	down     string
	checksum string
}

type ledgerRow struct {
	version   int64
	checksum  string
	appliedAt time.Time
}

// Status describes one known migration and whether it has been applied.
type Status struct {
	Version   int64      `json:"version"`
	Name      string     `json:"name"`
	Applied   bool       `json:"applied"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
	Modified  bool       `json:"modified,omitempty"`
}

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

// Up applies pending migrations in version order, at most steps when steps > 0.
// It refuses to run when an applied script has changed since it was applied.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	scripts, ledger, err := r.prepare(ctx, db)
	if err != nil {
		return 0, err
	}
	for _, s := range scripts {
		if row, ok := ledger[s.version]; ok && row.checksum != "" && row.checksum != s.checksum {
			return 0, fmt.Errorf("%w: %d (%s)", ErrChecksumMismatch, s.version, s.name)
		}
	}

	count := 0
	for _, s := range scripts {
		if _, ok := ledger[s.version]; ok {
			continue
		}
		if steps > 0 && count >= steps {
			break
		}
		record := func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO `+ledgerTable+` (version, name, checksum) VALUES ($1, $2, $3)`, s.version, s.name, s.checksum)
			return err
		}
		if err := inTx(ctx, db, s.up, record); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", s.version, s.name, err)
		}
		count++
	}
	return count, nil
}

// Down rolls back the most recent steps migrations, one when steps <= 0.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	scripts, ledger, err := r.prepare(ctx, db)
	if err != nil {
		return 0, err
	}
	byVersion := make(map[int64]script, len(scripts))
	for _, s := range scripts {
		byVersion[s.version] = s
	}

	applied := make([]int64, 0, len(ledger))
	for version := range ledger {
		applied = append(applied, version)
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i] > applied[j] })

	count := 0
	for _, version := range applied {
		if count >= steps {
			break
		}
		s, ok := byVersion[version]
		if !ok {
			return count, fmt.Errorf("applied migration %d is missing from source", version)
		}
		forget := func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM `+ledgerTable+` WHERE version = $1`, s.version)
			return err
		}
		if err := inTx(ctx, db, s.down, forget); err != nil {
			return count, fmt.Errorf("roll back migration %d (%s): %w", s.version, s.name, err)
		}
		count++
	}
	return count, nil
}

func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	scripts, ledger, err := r.prepare(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(scripts))
	for _, s := range scripts {
		status := Status{Version: s.version, Name: s.name}
		if row, ok := ledger[s.version]; ok {
			appliedAt := row.appliedAt
			status.Applied = true
			status.AppliedAt = &appliedAt
			status.Modified = row.checksum != "" && row.checksum != s.checksum
		}
		out = append(out, status)
	}
	return out, nil
}

func (r *Runner) prepare(ctx context.Context, db *sql.DB) ([]script, map[int64]ledgerRow, error) {
	scripts, err := readScripts(r.fsys)
	if err != nil {
		return nil, nil, err
	}
	const ddl = `CREATE TABLE IF NOT EXISTS ` + ledgerTable + ` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, nil, fmt.Errorf("ensure migration ledger: %w", err)
	}
	ledger, err := readLedger(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	return scripts, ledger, nil
}

// inTx runs body and the ledger update atomically while holding the
// migration lock.
func inTx(ctx context.Context, db *sql.DB, body string, ledger func(context.Context, *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if err := ledger(ctx, tx); err != nil {
		return fmt.Errorf("update ledger: %w", err)
	}
	return tx.Commit()
}

func readLedger(ctx context.Context, db *sql.DB) (map[int64]ledgerRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum, applied_at FROM `+ledgerTable)
	if err != nil {
		return nil, fmt.Errorf("query migration ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[int64]ledgerRow{}
	for rows.Next() {
		var row ledgerRow
		if err := rows.Scan(&row.version, &row.checksum, &row.appliedAt); err != nil {
			return nil, fmt.Errorf("scan migration ledger: %w", err)
		}
		out[row.version] = row
	}
	return out, rows.Err()
}

func readScripts(fsys fs.FS) ([]script, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	byVersion := map[int64]*script{}
	for _, entry := range entries {
		m := scriptName.FindStringSubmatch(path.Base(entry.Name()))
		if entry.IsDir() || m == nil {
			continue
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", entry.Name(), err)
		}
		body, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		s, ok := byVersion[version]
		if !ok {
			s = &script{version: version, name: m[2]}
			byVersion[version] = s
		}
		if s.name != m[2] {
			return nil, fmt.Errorf("migration %d has mismatched names %q and %q", version, s.name, m[2])
		}
		if m[3] == "up" {
			s.up = string(body)
		} else {
			s.down = string(body)
		}
	}

	out := make([]script, 0, len(byVersion))
	for _, s := range byVersion {
		switch {
		case strings.TrimSpace(s.up) == "":
			return nil, fmt.Errorf("migration %d missing up SQL", s.version)
		case strings.TrimSpace(s.down) == "":
			return nil, fmt.Errorf("migration %d missing down SQL", s.version)
		}
		sum := sha256.Sum256([]byte(s.up))
		s.checksum = hex.EncodeToString(sum[:])
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
