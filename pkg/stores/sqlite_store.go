// Package stores persists model revisions and run reports. The engine only
// ever needs the two most recent revisions; the store keeps the full history
// so any pair can be diffed and past runs can be audited.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/opereon/opereon/pkg/engine"
	"github.com/opereon/opereon/pkg/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoRevision is returned when the store holds no committed revision.
var ErrNoRevision = errors.New("no committed revision")

// SQLiteStore is the SQLite-backed revision and report store. It implements
// the engine's ModelStore interface.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a store instance for the database file at path.
// Call Init before use.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: path}, nil
}

// Init opens the database, enables WAL mode and runs pending migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CommitRevision snapshots the tree as a new revision, parented on the
// current head, recording the repository files the commit touched. The tree
// is marked committed with the new id.
func (s *SQLiteStore) CommitRevision(ctx context.Context, tree *model.Tree, touched []string) (string, error) {
	snapshot, err := tree.MarshalYAML()
	if err != nil {
		return "", fmt.Errorf("serializing model: %w", err)
	}

	var parent sql.NullString
	if head, err := s.headID(ctx); err == nil {
		parent = sql.NullString{String: head, Valid: true}
	} else if !errors.Is(err, ErrNoRevision) {
		return "", err
	}

	id := uuid.NewString()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO revisions (id, parent_id, snapshot, created_at) VALUES (?, ?, ?, ?)`,
		id, parent, string(snapshot), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert revision: %w", err)
	}
	for _, f := range touched {
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO revision_files (revision_id, path) VALUES (?, ?)`, id, f)
		if err != nil {
			return "", fmt.Errorf("failed to insert revision file: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	tree.Commit(id)
	return id, nil
}

// GetRevision loads the model tree committed as revision id.
func (s *SQLiteStore) GetRevision(ctx context.Context, id string) (*model.Tree, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM revisions WHERE id = ?`, id).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("revision not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revision: %w", err)
	}
	tree, err := model.LoadYAML([]byte(snapshot))
	if err != nil {
		return nil, fmt.Errorf("revision %s: %w", id, err)
	}
	tree.Commit(id)
	return tree, nil
}

// CurrentAndPrevious returns the two most recent revisions, old first. old is
// nil when only one revision exists; both are nil with ErrNoRevision when the
// store is empty.
func (s *SQLiteStore) CurrentAndPrevious(ctx context.Context) (*model.Tree, *model.Tree, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM revisions ORDER BY created_at DESC, rowid DESC LIMIT 2`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(ids) == 0 {
		return nil, nil, ErrNoRevision
	}

	current, err := s.GetRevision(ctx, ids[0])
	if err != nil {
		return nil, nil, err
	}
	if len(ids) == 1 {
		return nil, current, nil
	}
	old, err := s.GetRevision(ctx, ids[1])
	if err != nil {
		return nil, nil, err
	}
	return old, current, nil
}

// TouchedFiles returns the repository files changed between two revisions:
// the union of file sets of every commit after oldID up to and including
// newID, walking the parent chain.
func (s *SQLiteStore) TouchedFiles(ctx context.Context, oldID, newID string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string

	id := newID
	for id != "" && id != oldID {
		rows, err := s.db.QueryContext(ctx,
			`SELECT path FROM revision_files WHERE revision_id = ? ORDER BY path`, id)
		if err != nil {
			return nil, fmt.Errorf("failed to list revision files: %w", err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return nil, err
			}
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		var parent sql.NullString
		err = s.db.QueryRowContext(ctx,
			`SELECT parent_id FROM revisions WHERE id = ?`, id).Scan(&parent)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to walk revision chain: %w", err)
		}
		if !parent.Valid {
			break
		}
		id = parent.String
	}
	return out, nil
}

// headID returns the most recent revision id.
func (s *SQLiteStore) headID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM revisions ORDER BY created_at DESC, rowid DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNoRevision
	}
	if err != nil {
		return "", fmt.Errorf("failed to get head revision: %w", err)
	}
	return id, nil
}

// SaveRunReport persists a run report as JSON.
func (s *SQLiteStore) SaveRunReport(ctx context.Context, report *engine.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("serializing run report: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_reports (id, revision_id, status, report, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		report.ID, report.RevisionID, string(report.Status), string(data),
		report.StartedAt, report.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to save run report: %w", err)
	}
	return nil
}

// GetRunReport loads a run report by id.
func (s *SQLiteStore) GetRunReport(ctx context.Context, id string) (*engine.RunReport, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT report FROM run_reports WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run report not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run report: %w", err)
	}
	var report engine.RunReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("run report %s: %w", id, err)
	}
	return &report, nil
}

// ListRevisions returns revision ids newest first, up to limit.
func (s *SQLiteStore) ListRevisions(ctx context.Context, limit int) ([]RevisionInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, created_at FROM revisions
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	var out []RevisionInfo
	for rows.Next() {
		var info RevisionInfo
		var parent sql.NullString
		if err := rows.Scan(&info.ID, &parent, &info.CreatedAt); err != nil {
			return nil, err
		}
		info.ParentID = parent.String
		out = append(out, info)
	}
	return out, rows.Err()
}

// RevisionInfo is one row of the revision history.
type RevisionInfo struct {
	ID        string
	ParentID  string
	CreatedAt time.Time
}
