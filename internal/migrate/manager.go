// Package migrate applies the Postgres schema for the ledger, approval and
// member tables. SQL files ship embedded in the binary.
package migrate

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
	"sort"
	"strings"
	"time"

	"certledger.org/internal/obs"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

//go:embed seeds/*.sql
var seedFiles embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, _ := fs.Sub(migrationFiles, "sql")
	return sub
}

// Seeds returns the embedded demo seed files.
func Seeds() fs.FS {
	sub, _ := fs.Sub(seedFiles, "seeds")
	return sub
}

var (
	// ErrChecksumMismatch means an applied file changed on disk afterwards.
	ErrChecksumMismatch = errors.New("applied migration was modified")
	// ErrNothingApplied is returned by Down on an empty history.
	ErrNothingApplied = errors.New("no migrations applied")
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// lockKey serialises concurrent certd instances running AutoMigrate.
	lockKey int64 = 0x63657274
)

// Applied is one bookkeeping row.
type Applied struct {
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Report describes the schema state against the migration files.
type Report struct {
	Applied  []Applied
	Pending  []string
	Modified []string
}

// Manager executes SQL migrations and seed files from a file system.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// NewManager constructs a Manager. A nil seeds FS disables Seed.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		seeds:           seeds,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations. Each file runs in its own transaction
// together with its bookkeeping row.
func (m *Manager) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		return m.applyAll(ctx, conn, m.migrations, ".up.sql", m.migrationsTable, "migration")
	})
}

// Seed applies seed files once each.
func (m *Manager) Seed(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		return m.applyAll(ctx, conn, m.seeds, ".sql", m.seedsTable, "seed")
	})
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := loadApplied(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return ErrNothingApplied
		}
		last := applied[len(applied)-1].Name
		downPath := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
		body, err := fs.ReadFile(m.migrations, downPath)
		if err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		err = runInTx(ctx, conn, string(body), func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last)
			return err
		})
		if err != nil {
			return fmt.Errorf("rollback migration %s: %w", last, err)
		}
		obs.Info("migration rolled back", map[string]any{"name": last})
		return nil
	})
}

// Status compares the applied history with the migration files.
func (m *Manager) Status(ctx context.Context) (Report, error) {
	var rep Report
	err := m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := loadApplied(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.migrations, ".up.sql")
		if err != nil {
			return err
		}
		rep.Applied = applied
		byName := indexApplied(applied)
		for _, f := range files {
			prev, ok := byName[f.Base]
			switch {
			case !ok:
				rep.Pending = append(rep.Pending, f.Base)
			case prev.Checksum != "" && prev.Checksum != f.Checksum:
				rep.Modified = append(rep.Modified, f.Base)
			}
		}
		return nil
	})
	return rep, err
}

func (m *Manager) applyAll(ctx context.Context, conn *sql.Conn, fsys fs.FS, suffix, table, kind string) error {
	applied, err := loadApplied(ctx, conn, table)
	if err != nil {
		return err
	}
	files, err := collectSQL(fsys, suffix)
	if err != nil {
		return err
	}
	byName := indexApplied(applied)
	for _, f := range files {
		if prev, ok := byName[f.Base]; ok {
			// Rows written before checksums were recorded carry an empty one.
			if prev.Checksum != "" && prev.Checksum != f.Checksum {
				return fmt.Errorf("%w: %s", ErrChecksumMismatch, f.Base)
			}
			continue
		}
		err := runInTx(ctx, conn, f.Body, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s(name, checksum, applied_at) values ($1, $2, $3)`, table),
				f.Base, f.Checksum, time.Now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, f.Base, err)
		}
		obs.Info(kind+" applied", map[string]any{"name": f.Base})
	}
	return nil
}

// locked runs fn on a single connection holding the migration advisory lock.
func (m *Manager) locked(ctx context.Context, fn func(*sql.Conn) error) (err error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, uerr := conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, lockKey)
		if err == nil && uerr != nil {
			err = fmt.Errorf("release migration lock: %w", uerr)
		}
	}()

	if err := m.ensureTables(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func (m *Manager) ensureTables(ctx context.Context, conn *sql.Conn) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			checksum text not null default '',
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

func runInTx(ctx context.Context, conn *sql.Conn, body string, record func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func loadApplied(ctx context.Context, conn *sql.Conn, table string) ([]Applied, error) {
	rows, err := conn.QueryContext(ctx,
		fmt.Sprintf(`select name, checksum, applied_at from %s order by applied_at, name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func indexApplied(applied []Applied) map[string]Applied {
	out := make(map[string]Applied, len(applied))
	for _, a := range applied {
		out[a.Name] = a
	}
	return out
}

type sqlFile struct {
	Base     string
	Body     string
	Checksum string
}

func collectSQL(fsys fs.FS, suffix string) ([]sqlFile, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return err
		}
		body, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(body)
		files = append(files, sqlFile{Base: path.Base(p), Body: string(body), Checksum: hex.EncodeToString(sum[:])})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Base < files[j].Base })
	return files, nil
}

// splitStatements splits on semicolons outside single quotes and drops
// "--" line comments.
func splitStatements(src string) []string {
	var (
		stmts     []string
		cur       strings.Builder
		inQuote   bool
		inComment bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
				cur.WriteRune(r)
			}
		case !inQuote && r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
			i++
		case r == '\'':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ';' && !inQuote:
			cur.WriteRune(r)
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return stmts
}
