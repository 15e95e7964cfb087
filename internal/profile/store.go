package profile

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Store implements IdentityRepository and ScenarioRepository over SQLite or
// Postgres. Queries are written with ? placeholders and rebound per dialect.
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

var (
	_ IdentityRepository = (*Store)(nil)
	_ ScenarioRepository = (*Store)(nil)
)

// OpenSQLite opens (or creates) the profile database in dir.
func OpenSQLite(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "gatekeeper.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open profile db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return newStore(db, dialectSQLite), nil
}

// OpenPostgres opens a Postgres-backed store through the pgx driver.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return newStore(db, dialectPostgres), nil
}

// Open picks Postgres when databaseURL is set, otherwise SQLite under dataDir.
func Open(databaseURL, dataDir string) (*Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return OpenPostgres(databaseURL)
	}
	return OpenSQLite(dataDir)
}

func newStore(db *sql.DB, d dialect) *Store {
	return &Store{db: db, dialect: d, now: time.Now}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id                     TEXT PRIMARY KEY,
		email                  TEXT NOT NULL DEFAULT '',
		tier                   TEXT NOT NULL DEFAULT 'free',
		subscription_status    TEXT NOT NULL DEFAULT 'none',
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		stripe_price_id        TEXT NOT NULL DEFAULT '',
		created_at             BIGINT NOT NULL,
		updated_at             BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_profiles_stripe_customer_id ON profiles(stripe_customer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_profiles_stripe_subscription_id ON profiles(stripe_subscription_id)`,
	`CREATE TABLE IF NOT EXISTS scenarios (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL,
		tool_id    TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		inputs     TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scenarios_owner_tool ON scenarios(owner_id, tool_id)`,
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init %s schema: %w", s.dialect, err)
		}
	}
	return nil
}

// Ping checks database connectivity (used for readiness checks).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dialect returns the backing database name.
func (s *Store) Dialect() string {
	return s.dialect.String()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
