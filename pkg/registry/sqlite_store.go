package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jguan/ai-model-orchestrator/pkg/model"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists descriptors in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	// WAL mode for better concurrency between the pressure loop and
	// lifecycle writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS descriptors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		format TEXT NOT NULL,
		source_urls TEXT,
		declared_size INTEGER DEFAULT 0,
		footprint_bytes INTEGER DEFAULT 0,
		compatible_runtimes TEXT,
		checksum TEXT,
		dependencies TEXT,
		local_path TEXT,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_descriptors_format ON descriptors(format);
	CREATE INDEX IF NOT EXISTS idx_descriptors_name ON descriptors(name);
	`
	_, err := s.db.Exec(query)
	return err
}

// DB exposes the underlying handle so other stores can share one database.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Create(ctx context.Context, d *model.Descriptor) error {
	urls, _ := json.Marshal(d.SourceURLs)
	runtimes, _ := json.Marshal(d.CompatibleRuntimes)
	deps, _ := json.Marshal(d.Dependencies)
	meta, _ := json.Marshal(d.Metadata)

	query := `
		INSERT INTO descriptors (id, name, format, source_urls, declared_size, footprint_bytes,
			compatible_runtimes, checksum, dependencies, local_path, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.Name, string(d.Format), string(urls), d.DeclaredSize, d.FootprintBytes,
		string(runtimes), d.Checksum, string(deps), d.LocalPath, string(meta),
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrModelAlreadyExists
		}
		return fmt.Errorf("insert descriptor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Descriptor, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	d, err := scanDescriptor(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan descriptor: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) Update(ctx context.Context, d *model.Descriptor) error {
	urls, _ := json.Marshal(d.SourceURLs)
	runtimes, _ := json.Marshal(d.CompatibleRuntimes)
	deps, _ := json.Marshal(d.Dependencies)
	meta, _ := json.Marshal(d.Metadata)

	query := `
		UPDATE descriptors SET name = ?, format = ?, source_urls = ?, declared_size = ?,
			footprint_bytes = ?, compatible_runtimes = ?, checksum = ?, dependencies = ?,
			local_path = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		d.Name, string(d.Format), string(urls), d.DeclaredSize,
		d.FootprintBytes, string(runtimes), d.Checksum, string(deps),
		d.LocalPath, string(meta), d.UpdatedAt,
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("update descriptor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrModelNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM descriptors WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete descriptor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrModelNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]model.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list descriptors: %w", err)
	}
	defer rows.Close()

	var out []model.Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan descriptor: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const selectColumns = `SELECT id, name, format, source_urls, declared_size, footprint_bytes,
	compatible_runtimes, checksum, dependencies, local_path, metadata, created_at, updated_at
	FROM descriptors`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(row rowScanner) (*model.Descriptor, error) {
	d := &model.Descriptor{}
	var formatStr, urlsStr, runtimesStr, depsStr, metaStr string

	err := row.Scan(
		&d.ID, &d.Name, &formatStr, &urlsStr, &d.DeclaredSize, &d.FootprintBytes,
		&runtimesStr, &d.Checksum, &depsStr, &d.LocalPath, &metaStr,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Format = model.Format(formatStr)
	if urlsStr != "" {
		json.Unmarshal([]byte(urlsStr), &d.SourceURLs)
	}
	if runtimesStr != "" {
		json.Unmarshal([]byte(runtimesStr), &d.CompatibleRuntimes)
	}
	if depsStr != "" {
		json.Unmarshal([]byte(depsStr), &d.Dependencies)
	}
	if metaStr != "" && metaStr != "null" {
		json.Unmarshal([]byte(metaStr), &d.Metadata)
	}

	return d, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the message;
	// there is no exported sentinel to compare against.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
