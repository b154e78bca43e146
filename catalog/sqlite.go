package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pithecene-io/kitpack/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore is a catalog backed by a SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite opens or creates the catalog database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &SQLiteStore{db: db, path: path, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		body, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

// Import upserts every bundle, asset, and session of snap in one transaction.
// Assets of an imported bundle that are absent from the snapshot are removed.
func (s *SQLiteStore) Import(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, b := range snap.Bundles {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bundles (id, owner_id, subject) VALUES (?, ?, ?)
             ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, subject = excluded.subject`,
			b.ID, b.OwnerID, b.Subject,
		); err != nil {
			return fmt.Errorf("upsert bundle %s: %w", b.ID, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM assets WHERE bundle_id = ?", b.ID); err != nil {
			return fmt.Errorf("clear assets of %s: %w", b.ID, err)
		}
		for _, a := range b.Assets {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO assets (bundle_id, id, display_name, type_tag, locator, status)
                 VALUES (?, ?, ?, ?, ?, ?)`,
				b.ID, a.ID, a.DisplayName, a.TypeTag, a.Locator, string(a.Status),
			); err != nil {
				return fmt.Errorf("insert asset %s/%s: %w", b.ID, a.ID, err)
			}
		}
	}

	for _, sess := range snap.Sessions {
		var expires any
		if !sess.ExpiresAt.IsZero() {
			expires = sess.ExpiresAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (token, owner_id, expires_at) VALUES (?, ?, ?)
             ON CONFLICT(token) DO UPDATE SET owner_id = excluded.owner_id, expires_at = excluded.expires_at`,
			sess.Token, sess.OwnerID, expires,
		); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

// Bundle returns the bundle with id, or ErrNotFound.
func (s *SQLiteStore) Bundle(ctx context.Context, id string) (types.Bundle, error) {
	var b types.Bundle
	err := s.db.QueryRowContext(ctx,
		"SELECT id, owner_id, subject FROM bundles WHERE id = ?", id,
	).Scan(&b.ID, &b.OwnerID, &b.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Bundle{}, fmt.Errorf("bundle %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Bundle{}, fmt.Errorf("query bundle %s: %w", id, err)
	}
	return b, nil
}

// ReadyAssets returns the ready assets of bundleID whose ids are in ids, in
// request order. Unknown or non-ready ids are skipped.
func (s *SQLiteStore) ReadyAssets(ctx context.Context, bundleID string, ids []string) ([]types.AssetRef, error) {
	if _, err := s.Bundle(ctx, bundleID); err != nil {
		return nil, err
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(ids)+2)
	args = append(args, bundleID, string(types.AssetStatusReady))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, type_tag, locator FROM assets
         WHERE bundle_id = ? AND status = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query assets of %s: %w", bundleID, err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string]types.AssetRef, len(ids))
	for rows.Next() {
		var ref types.AssetRef
		if err := rows.Scan(&ref.ID, &ref.DisplayName, &ref.TypeTag, &ref.Locator); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		byID[ref.ID] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}

	var refs []types.AssetRef
	for _, id := range ids {
		if ref, ok := byID[id]; ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// AssetIDs returns the ids of every asset of bundleID in import order.
func (s *SQLiteStore) AssetIDs(ctx context.Context, bundleID string) ([]string, error) {
	if _, err := s.Bundle(ctx, bundleID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM assets WHERE bundle_id = ? ORDER BY rowid", bundleID)
	if err != nil {
		return nil, fmt.Errorf("query asset ids of %s: %w", bundleID, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan asset id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate asset ids: %w", err)
	}
	return ids, nil
}

// SessionOwner returns the owner authenticated by token, or ErrNotFound for
// unknown or expired sessions.
func (s *SQLiteStore) SessionOwner(ctx context.Context, token string) (string, error) {
	var owner string
	var expires sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT owner_id, expires_at FROM sessions WHERE token = ?", token,
	).Scan(&owner, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query session: %w", err)
	}
	if expires.Valid && expires.String != "" {
		at, err := time.Parse(time.RFC3339Nano, expires.String)
		if err != nil {
			return "", fmt.Errorf("parse session expiry: %w", err)
		}
		if (Session{ExpiresAt: at}).Expired(s.now()) {
			return "", fmt.Errorf("session: %w", ErrNotFound)
		}
	}
	return owner, nil
}

// Stats returns row counts, for the import command's summary.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(1) FROM bundles", &st.Bundles},
		{"SELECT COUNT(1) FROM assets", &st.Assets},
		{"SELECT COUNT(1) FROM assets WHERE status = 'ready'", &st.ReadyAssets},
		{"SELECT COUNT(1) FROM sessions", &st.Sessions},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return Stats{}, fmt.Errorf("count rows: %w", err)
		}
	}
	return st, nil
}

// Stats summarizes catalog contents.
type Stats struct {
	Bundles     int `json:"bundles" yaml:"bundles"`
	Assets      int `json:"assets" yaml:"assets"`
	ReadyAssets int `json:"ready_assets" yaml:"ready_assets"`
	Sessions    int `json:"sessions" yaml:"sessions"`
}
