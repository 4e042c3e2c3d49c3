// Package postgres provides a PostgreSQL-backed vfs.Provider with metrics.
// Resource metadata, properties and strong links live in PostgreSQL; raw
// content bytes live in a storage.Backend keyed by "<scope><root_path>".
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/pagemill/pagemill/internal/logging"
	"github.com/pagemill/pagemill/internal/metrics"
	"github.com/pagemill/pagemill/internal/storage"
	"github.com/pagemill/pagemill/internal/vfs"
	"github.com/pagemill/pagemill/pkg/retry"
)

// Store is a PostgreSQL-backed resource provider.
type Store struct {
	db       *sql.DB
	content  storage.Backend
	retryCfg retry.Config
}

// New creates a new PostgreSQL provider using the given content backend.
func New(databaseURL string, content storage.Backend) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{
		db:       db,
		content:  content,
		retryCfg: retry.DefaultConfig(),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

func contentKey(scope vfs.Scope, rootPath string) string {
	return scope.String() + rootPath
}

// Stat implements vfs.Provider.
func (s *Store) Stat(ctx context.Context, scope vfs.Scope, rootPath string) (*vfs.Resource, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("stat_resource", time.Since(start)) }()

	var typeID int
	var modified, expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT type_id, last_modified, expires FROM resources WHERE scope = $1 AND root_path = $2`,
		scope.String(), rootPath).Scan(&typeID, &modified, &expires)
	if err == sql.ErrNoRows {
		return nil, vfs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", rootPath, err)
	}

	res := &vfs.Resource{
		RootPath:     rootPath,
		TypeID:       typeID,
		LastModified: time.UnixMilli(modified),
	}
	if expires > 0 {
		res.Expires = time.UnixMilli(expires)
	}
	return res, nil
}

// ReadContent implements vfs.Provider. Content store reads are idempotent,
// so transient backend errors are retried with backoff.
func (s *Store) ReadContent(ctx context.Context, scope vfs.Scope, rootPath string) ([]byte, error) {
	if _, err := s.Stat(ctx, scope, rootPath); err != nil {
		return nil, err
	}

	key := contentKey(scope, rootPath)
	return retry.DoWithResult(ctx, s.retryCfg, func() ([]byte, error) {
		rc, _, err := s.content.GetObject(ctx, key, 0, 0)
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("read content %s: %w", rootPath, err))
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("read content %s: %w", rootPath, err))
		}
		return data, nil
	})
}

// ReadProperty implements vfs.Provider. With inherited set, ancestor folders
// are searched upwards until a value is found.
func (s *Store) ReadProperty(ctx context.Context, scope vfs.Scope, rootPath, name string, inherited bool) (string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("read_property", time.Since(start)) }()

	p := rootPath
	for {
		var value string
		err := s.db.QueryRowContext(ctx,
			`SELECT value FROM resource_properties WHERE scope = $1 AND root_path = $2 AND name = $3`,
			scope.String(), p, name).Scan(&value)
		if err == nil {
			return value, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("read property %s on %s: %w", name, p, err)
		}
		if !inherited || p == "/" {
			return "", nil
		}
		parent := path.Dir(p)
		if parent == p {
			return "", nil
		}
		p = parent
	}
}

// StrongLinks implements vfs.Provider.
func (s *Store) StrongLinks(ctx context.Context, scope vfs.Scope, rootPath string) ([]string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("strong_links", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT target_path FROM strong_links WHERE scope = $1 AND source_path = $2 ORDER BY target_path`,
		scope.String(), rootPath)
	if err != nil {
		return nil, fmt.Errorf("strong links of %s: %w", rootPath, err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// UpsertResource creates or replaces a resource and its content.
func (s *Store) UpsertResource(ctx context.Context, scope vfs.Scope, rootPath string, typeID int, modified, expires time.Time, content []byte) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_resource", time.Since(start)) }()

	key := contentKey(scope, rootPath)
	err := retry.Do(ctx, s.retryCfg, func() error {
		if err := s.content.PutObject(ctx, key, bytes.NewReader(content), int64(len(content))); err != nil {
			return retry.Retryable(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store content %s: %w", rootPath, err)
	}

	var expiresMillis int64
	if !expires.IsZero() {
		expiresMillis = expires.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resources (scope, root_path, type_id, last_modified, expires, content_key)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (scope, root_path)
		 DO UPDATE SET type_id = $3, last_modified = $4, expires = $5, content_key = $6`,
		scope.String(), rootPath, typeID, modified.UnixMilli(), expiresMillis, key)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rootPath, err)
	}
	return nil
}

// DeleteResource removes a resource, its content, properties and links.
func (s *Store) DeleteResource(ctx context.Context, scope vfs.Scope, rootPath string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_resource", time.Since(start)) }()

	if err := s.content.DeleteObject(ctx, contentKey(scope, rootPath)); err != nil {
		logging.Warn("delete content failed", zap.String("path", rootPath), zap.Error(err))
	}

	for _, q := range []string{
		`DELETE FROM strong_links WHERE scope = $1 AND (source_path = $2 OR target_path = $2)`,
		`DELETE FROM resource_properties WHERE scope = $1 AND root_path = $2`,
		`DELETE FROM resources WHERE scope = $1 AND root_path = $2`,
	} {
		if _, err := s.db.ExecContext(ctx, q, scope.String(), rootPath); err != nil {
			return fmt.Errorf("delete %s: %w", rootPath, err)
		}
	}
	return nil
}

// SetProperty sets a resource property. An empty value deletes it.
func (s *Store) SetProperty(ctx context.Context, scope vfs.Scope, rootPath, name, value string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("set_property", time.Since(start)) }()

	if value == "" {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM resource_properties WHERE scope = $1 AND root_path = $2 AND name = $3`,
			scope.String(), rootPath, name)
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resource_properties (scope, root_path, name, value)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (scope, root_path, name) DO UPDATE SET value = $4`,
		scope.String(), rootPath, name, value)
	return err
}

// SetStrongLinks replaces the strong-link targets of a resource.
func (s *Store) SetStrongLinks(ctx context.Context, scope vfs.Scope, rootPath string, targets []string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("set_strong_links", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM strong_links WHERE scope = $1 AND source_path = $2`,
		scope.String(), rootPath); err != nil {
		return err
	}
	for _, t := range targets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO strong_links (scope, source_path, target_path) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			scope.String(), rootPath, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Publish copies an offline resource (content, properties, links) to the
// online scope.
func (s *Store) Publish(ctx context.Context, rootPath string) error {
	data, err := s.ReadContent(ctx, vfs.Offline, rootPath)
	if err != nil {
		return err
	}
	res, err := s.Stat(ctx, vfs.Offline, rootPath)
	if err != nil {
		return err
	}
	if err := s.UpsertResource(ctx, vfs.Online, rootPath, res.TypeID, res.LastModified, res.Expires, data); err != nil {
		return err
	}

	links, err := s.StrongLinks(ctx, vfs.Offline, rootPath)
	if err != nil {
		return err
	}
	if err := s.SetStrongLinks(ctx, vfs.Online, rootPath, links); err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM resource_properties WHERE scope = $1 AND root_path = $2`,
		vfs.Offline.String(), rootPath)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return err
		}
		if err := s.SetProperty(ctx, vfs.Online, rootPath, name, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

