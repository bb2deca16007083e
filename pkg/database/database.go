// Package database wraps a pgx connection pool with lazy initialization,
// idempotent shutdown and one-shot schema bootstrap from a SQL file.
package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
)

// Config carries the connection parameters and pool bounds.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	MinSize  int
	MaxSize  int

	// URL, when set, is used verbatim instead of the discrete fields above.
	URL string
}

// Database owns the connection pool. The pool is created lazily on the
// first Connect call; Close is safe to call multiple times.
type Database struct {
	cfg Config
	log zerolog.Logger

	mu            sync.Mutex
	pool          *pgxpool.Pool
	schemaApplied bool
}

// New returns an unconnected Database.
func New(cfg Config) *Database {
	if cfg.MinSize <= 0 {
		cfg.MinSize = 1
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 5
	}
	return &Database{
		cfg: cfg,
		log: logger.With().
			Str("component", "database").
			Logger(),
	}
}

// Connect creates the pool if it does not exist yet and verifies the
// database is reachable. Concurrent callers share one pool.
func (db *Database) Connect(ctx context.Context) error {
	if db.Pool() != nil {
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.pool != nil {
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(db.connString())
	if err != nil {
		return fmt.Errorf("parsing pool config: %s", err)
	}
	poolCfg.MinConns = int32(db.cfg.MinSize)
	poolCfg.MaxConns = int32(db.cfg.MaxSize)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("creating pool: %s", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("pinging database: %s", err)
	}

	db.pool = pool
	db.log.Info().
		Str("host", db.cfg.Host).
		Int("port", db.cfg.Port).
		Str("name", db.cfg.Name).
		Int("minSize", db.cfg.MinSize).
		Int("maxSize", db.cfg.MaxSize).
		Msg("pool created")
	return nil
}

// Pool returns the current pool, or nil before Connect.
func (db *Database) Pool() *pgxpool.Pool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.pool
}

// Close releases the pool. Safe to call repeatedly.
func (db *Database) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.pool == nil {
		return
	}
	db.pool.Close()
	db.pool = nil
	db.log.Info().Msg("pool closed")
}

// EnsureSchema reads the SQL file at path and executes every statement in
// order. Statements are split on ";" boundaries; blank lines and "--"
// comments are ignored. The bootstrap runs at most once per process.
func (db *Database) EnsureSchema(ctx context.Context, path string) error {
	db.mu.Lock()
	applied := db.schemaApplied
	pool := db.pool
	db.mu.Unlock()
	if applied {
		return nil
	}
	if pool == nil {
		return fmt.Errorf("database pool not initialized, call Connect first")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading schema file: %s", err)
	}
	statements := splitStatements(string(content))
	if len(statements) == 0 {
		db.log.Warn().Str("path", path).Msg("schema file holds no statements")
	}
	for _, statement := range statements {
		if _, err := pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("applying schema statement: %s", err)
		}
	}

	db.mu.Lock()
	db.schemaApplied = true
	db.mu.Unlock()
	db.log.Info().Str("path", path).Int("statements", len(statements)).Msg("schema applied")
	return nil
}

// splitStatements cuts the schema file into executable statements, skipping
// blank lines and line comments.
func splitStatements(content string) []string {
	var statements []string
	var buffer []string
	flush := func(trimSemicolon bool) {
		statement := strings.TrimSpace(strings.Join(buffer, "\n"))
		if trimSemicolon {
			statement = strings.TrimSpace(strings.TrimSuffix(statement, ";"))
		}
		if statement != "" {
			statements = append(statements, statement)
		}
		buffer = buffer[:0]
	}
	for _, line := range strings.Split(content, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "--") {
			continue
		}
		buffer = append(buffer, line)
		if strings.HasSuffix(stripped, ";") {
			flush(true)
		}
	}
	flush(false)
	return statements
}

func (db *Database) connString() string {
	if db.cfg.URL != "" {
		return db.cfg.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(db.cfg.User),
		url.QueryEscape(db.cfg.Password),
		db.cfg.Host,
		db.cfg.Port,
		db.cfg.Name,
	)
}
