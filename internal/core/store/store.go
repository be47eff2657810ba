package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/marketbridge/marketbridge/internal/config"
)

const (
	driverLibsql = "libsql"
	memoryDSN    = ":memory:"
)

// Store persists marketplace metrics, health records and window limiter
// state in libsql, either a local file or a remote Turso database.
type Store struct {
	DB     *sql.DB
	driver string
}

// Open connects to the store described by cfg. Local files get a single
// writer connection in WAL mode.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if driver := strings.TrimSpace(cfg.Driver); driver != "" && driver != driverLibsql {
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}

	dsn, err := buildLibsqlDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverLibsql, dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql store: %w", err)
	}

	setup := []func(context.Context, *sql.DB) error{ping}
	if strings.HasPrefix(dsn, "file:") {
		setup = append(setup, configureLocal)
	}
	for _, step := range setup {
		if err := step(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{DB: db, driver: driverLibsql}, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	return s.DB.PingContext(ctx)
}

func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.driver
}

func ping(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping libsql store: %w", err)
	}
	return nil
}

// configureLocal serializes writers on a local database file. The health
// checker, collector and window limiter all write concurrently.
func configureLocal(ctx context.Context, db *sql.DB) error {
	db.SetMaxOpenConns(1)
	for pragma, what := range map[string]string{
		"PRAGMA journal_mode=WAL":  "enable wal",
		"PRAGMA busy_timeout=5000": "set busy timeout",
	} {
		var result string
		if err := db.QueryRowContext(ctx, pragma).Scan(&result); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
	}
	return nil
}

// buildLibsqlDSN resolves the connection string. A URL wins over a path;
// bare paths become file: DSNs and get their directory created.
func buildLibsqlDSN(cfg config.StoreConfig) (string, error) {
	if raw := strings.TrimSpace(cfg.URL); raw != "" {
		return withAuthToken(raw, cfg.AuthToken)
	}

	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return "", errors.New("store path or url is required")
	case path == memoryDSN, strings.HasPrefix(path, "libsql:"):
		return path, nil
	case strings.HasPrefix(path, "file:"):
		local, err := filePath(path)
		if err != nil {
			return "", err
		}
		return path, ensureStoreDir(local)
	default:
		return "file:" + filepath.Clean(path), ensureStoreDir(path)
	}
}

func withAuthToken(dsn, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}
	q := u.Query()
	if q.Get("authToken") != "" {
		return dsn, nil
	}
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func filePath(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	return strings.TrimPrefix(p, "//"), nil
}

func ensureStoreDir(path string) error {
	if path == "" || path == memoryDSN {
		return nil
	}
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}
