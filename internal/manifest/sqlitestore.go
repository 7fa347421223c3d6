package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS manifests (
	project_id  TEXT PRIMARY KEY,
	phase       TEXT NOT NULL,
	archived    INTEGER NOT NULL DEFAULT 0,
	body        TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS manifests_phase ON manifests(phase);
`

// SQLiteStore keeps manifests in a SQLite database, one row per project
// with the JSON record in the body column.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening manifest database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps writes ordered.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating manifest database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Create inserts a new manifest and fails with ErrExists if one is present.
func (s *SQLiteStore) Create(ctx context.Context, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	body, err := Encode(m)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO manifests (project_id, phase, archived, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(project_id) DO NOTHING`,
		m.ProjectID, m.Position(), m.Archived, string(body),
		m.CreatedAt.UTC().Format(time.RFC3339Nano), m.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to create manifest %s: %w", m.ProjectID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, m.ProjectID)
	}
	s.logger.Debug("manifest created", zap.String("project.id", m.ProjectID))
	return nil
}

// Load reads a manifest.
func (s *SQLiteStore) Load(ctx context.Context, projectID string) (*Manifest, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM manifests WHERE project_id = ?`, projectID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", projectID, err)
	}
	return Decode([]byte(body))
}

// Save upserts a manifest.
func (s *SQLiteStore) Save(ctx context.Context, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	body, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO manifests (project_id, phase, archived, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
		   phase = excluded.phase,
		   archived = excluded.archived,
		   body = excluded.body,
		   updated_at = excluded.updated_at`,
		m.ProjectID, m.Position(), m.Archived, string(body),
		m.CreatedAt.UTC().Format(time.RFC3339Nano), m.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save manifest %s: %w", m.ProjectID, err)
	}
	s.logger.Debug("manifest saved",
		zap.String("project.id", m.ProjectID),
		zap.String("phase", m.Position()))
	return nil
}

// List returns the stored project ids in sorted order.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project_id FROM manifests ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("listing manifests: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("listing manifests: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
