package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/askoura/tabletalk/internal/domain"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS workspaces (
		workspace_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		database_path TEXT NOT NULL,
		table_name TEXT NOT NULL,
		schema_json TEXT,
		last_used_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workspaces_last_used ON workspaces(last_used_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const workspaceColumns = `workspace_id, name, database_path, table_name,
	schema_json, last_used_at, created_at, updated_at`

// GetWorkspace retrieves a workspace by id.
func (s *SQLiteStore) GetWorkspace(ctx context.Context, workspaceID string) (*domain.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE workspace_id = ?`
	row := s.db.QueryRowContext(ctx, query, workspaceID)

	workspace, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return workspace, nil
}

// UpsertWorkspace creates or updates a workspace record.
func (s *SQLiteStore) UpsertWorkspace(ctx context.Context, workspace *domain.Workspace) error {
	query := `
	INSERT INTO workspaces (workspace_id, name, database_path, table_name,
		schema_json, last_used_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(workspace_id) DO UPDATE SET
		name = excluded.name,
		database_path = excluded.database_path,
		table_name = excluded.table_name,
		schema_json = COALESCE(excluded.schema_json, workspaces.schema_json),
		last_used_at = excluded.last_used_at,
		updated_at = excluded.updated_at`

	var schemaJSON interface{}
	if workspace.SchemaJSON != "" {
		schemaJSON = workspace.SchemaJSON
	}

	_, err := s.db.ExecContext(ctx, query,
		workspace.WorkspaceID, workspace.Name, workspace.DatabasePath,
		workspace.TableName, schemaJSON,
		workspace.LastUsedAt.Unix(), workspace.CreatedAt.Unix(), workspace.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	return nil
}

// ListWorkspaces returns all workspaces, most recently used first.
func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]*domain.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces ORDER BY last_used_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close workspace rows", "error", closeErr)
		}
	}()

	var workspaces []*domain.Workspace
	for rows.Next() {
		workspace, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, workspace)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return workspaces, nil
}

// TouchLastUsed updates the last_used_at timestamp of a workspace.
func (s *SQLiteStore) TouchLastUsed(ctx context.Context, workspaceID string, lastUsed time.Time) error {
	query := `UPDATE workspaces SET last_used_at = ?, updated_at = ? WHERE workspace_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastUsed.Unix(), time.Now().Unix(), workspaceID)
	if err != nil {
		return fmt.Errorf("update last_used_at: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("TouchLastUsed affected 0 rows", "workspace_id", workspaceID)
	}
	return nil
}

// UpdateSchema replaces the stored table schema of a workspace.
func (s *SQLiteStore) UpdateSchema(ctx context.Context, workspaceID, schemaJSON string) error {
	query := `UPDATE workspaces SET schema_json = ?, updated_at = ? WHERE workspace_id = ?`
	result, err := s.db.ExecContext(ctx, query, schemaJSON, time.Now().Unix(), workspaceID)
	if err != nil {
		return fmt.Errorf("update schema: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("workspace not found")
	}
	return nil
}

// DeleteWorkspace removes a workspace record.
func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE workspace_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (*domain.Workspace, error) {
	var workspace domain.Workspace
	var schemaJSON sql.NullString
	var lastUsed, createdAt, updatedAt int64

	err := row.Scan(
		&workspace.WorkspaceID, &workspace.Name, &workspace.DatabasePath,
		&workspace.TableName, &schemaJSON, &lastUsed, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan workspace row: %w", err)
	}

	workspace.SchemaJSON = schemaJSON.String
	workspace.LastUsedAt = time.Unix(lastUsed, 0)
	workspace.CreatedAt = time.Unix(createdAt, 0)
	workspace.UpdatedAt = time.Unix(updatedAt, 0)
	return &workspace, nil
}
