// Package scratchpad persists the per-workspace artifact and run manifests.
// The manifest database lives next to the dataset, inside the workspace
// scratchpad directory, and is written from two sides: the interpreter's
// export helpers and this store.
package scratchpad

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/askoura/tabletalk/internal/domain"
	"github.com/askoura/tabletalk/internal/shared"
)

// ErrNotFound is returned when an artifact or run does not exist or has
// expired. Expired rows are indistinguishable from absent ones by design.
var ErrNotFound = errors.New("not found")

const (
	manifestFileName = "artifacts.db"
	scratchpadDir    = "scratchpad"

	defaultRowLimit = 100
	maxRowLimit     = 1000

	busyRetries   = 3
	busyBaseDelay = 100 * time.Millisecond
)

// Store manages the manifest databases of all workspaces, opening each one
// lazily and keeping the handle for reuse.
type Store struct {
	ttl time.Duration

	mu  sync.Mutex
	dbs map[string]*sql.DB // keyed by manifest path
}

// NewStore creates a manifest store. ttl is the retention window applied
// to script artifacts and run manifests written from the Go side.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl: ttl,
		dbs: make(map[string]*sql.DB),
	}
}

// ManifestPath returns where the manifest database of a workspace lives,
// derived from its dataset path.
func ManifestPath(databasePath string) string {
	return filepath.Join(filepath.Dir(databasePath), scratchpadDir, manifestFileName)
}

// EnsureWorkspace creates the scratchpad directory and manifest schema for
// a workspace if absent and returns the manifest path.
func (s *Store) EnsureWorkspace(ctx context.Context, databasePath string) (string, error) {
	path := ManifestPath(databasePath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create scratchpad directory: %w", err)
	}
	if _, err := s.open(ctx, databasePath); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Store) open(ctx context.Context, databasePath string) (*sql.DB, error) {
	path := ManifestPath(databasePath)

	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[path]; ok {
		return db, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create scratchpad directory: %w", err)
	}

	// WAL mode so interpreter-side writes and Go-side reads coexist.
	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open manifest database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping manifest database: %w", err)
	}
	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize manifest schema: %w", err)
	}

	s.dbs[path] = db
	return db, nil
}

// initSchema mirrors the table definitions the interpreter bootstrap
// creates; whichever side touches the manifest first wins, the other finds
// the tables in place.
func initSchema(ctx context.Context, db *sql.DB) error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS artifact_manifest (
		artifact_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		logical_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		table_name TEXT,
		payload_json TEXT,
		schema_json TEXT,
		row_count INTEGER,
		preview_json TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_artifact_run ON artifact_manifest(run_id);
	CREATE INDEX IF NOT EXISTS idx_artifact_expires ON artifact_manifest(expires_at);

	CREATE TABLE IF NOT EXISTS run_manifest (
		run_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		conversation_id TEXT,
		turn_id TEXT,
		question TEXT,
		generated_code TEXT,
		executed_code TEXT,
		stdout TEXT,
		stderr TEXT,
		execution_status TEXT NOT NULL,
		retry_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_run_expires ON run_manifest(expires_at);
	`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// WriteRunManifest records one execution attempt. Re-writing the same
// run_id replaces the earlier record.
func (s *Store) WriteRunManifest(ctx context.Context, databasePath string, run *domain.RunManifest) error {
	db, err := s.open(ctx, databasePath)
	if err != nil {
		return err
	}

	now := time.Now()
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	expiresAt := run.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = createdAt.Add(s.ttl)
	}

	query := `
		INSERT OR REPLACE INTO run_manifest (
			run_id, workspace_id, conversation_id, turn_id, question,
			generated_code, executed_code, stdout, stderr,
			execution_status, retry_count, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err = execWithRetry(ctx, db, query,
		run.RunID, run.WorkspaceID, nullable(run.ConversationID), nullable(run.TurnID),
		run.Question, run.GeneratedCode, run.ExecutedCode, run.Stdout, run.Stderr,
		run.Status, run.RetryCount, createdAt.Unix(), expiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("write run manifest: %w", err)
	}
	return nil
}

// GetRunManifest retrieves one run record by id.
func (s *Store) GetRunManifest(ctx context.Context, databasePath, runID string) (*domain.RunManifest, error) {
	db, err := s.open(ctx, databasePath)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT run_id, workspace_id, conversation_id, turn_id, question,
		       generated_code, executed_code, stdout, stderr,
		       execution_status, retry_count, created_at, expires_at
		FROM run_manifest WHERE run_id = ?`

	var run domain.RunManifest
	var conversationID, turnID sql.NullString
	var createdAt, expiresAt int64
	err = db.QueryRowContext(ctx, query, runID).Scan(
		&run.RunID, &run.WorkspaceID, &conversationID, &turnID, &run.Question,
		&run.GeneratedCode, &run.ExecutedCode, &run.Stdout, &run.Stderr,
		&run.Status, &run.RetryCount, &createdAt, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run manifest: %w", err)
	}

	run.ConversationID = conversationID.String
	run.TurnID = turnID.String
	run.CreatedAt = time.Unix(createdAt, 0)
	run.ExpiresAt = time.Unix(expiresAt, 0)
	if run.ExpiresAt.Before(time.Now()) {
		return nil, ErrNotFound
	}
	return &run, nil
}

// StoreScriptArtifact persists the guarded code of a run as a script
// artifact and returns its id.
func (s *Store) StoreScriptArtifact(ctx context.Context, databasePath, workspaceID, runID, logicalName, code string) (string, error) {
	db, err := s.open(ctx, databasePath)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return "", fmt.Errorf("encode script payload: %w", err)
	}

	artifactID := uuid.NewString()
	now := time.Now()
	query := `
		INSERT INTO artifact_manifest (
			artifact_id, run_id, workspace_id, logical_name, kind,
			table_name, payload_json, schema_json, row_count, preview_json,
			created_at, expires_at, status, error
		) VALUES (?, ?, ?, ?, ?, NULL, ?, NULL, NULL, NULL, ?, ?, ?, NULL)`

	err = execWithRetry(ctx, db, query,
		artifactID, runID, workspaceID, logicalName, string(domain.ArtifactScript),
		string(payload), now.Unix(), now.Add(s.ttl).Unix(), string(domain.ArtifactReady),
	)
	if err != nil {
		return "", fmt.Errorf("store script artifact: %w", err)
	}
	return artifactID, nil
}

const artifactColumns = `
	artifact_id, run_id, workspace_id, logical_name, kind, table_name,
	payload_json, schema_json, row_count, preview_json,
	created_at, expires_at, status, error`

// GetArtifact retrieves one artifact by id. Expired artifacts report
// ErrNotFound.
func (s *Store) GetArtifact(ctx context.Context, databasePath, artifactID string) (*domain.ArtifactEnvelope, error) {
	db, err := s.open(ctx, databasePath)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifact_manifest WHERE artifact_id = ?`, artifactID)
	artifact, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if artifact.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return artifact, nil
}

// ListArtifactsForRun returns the non-expired artifacts of one run in
// creation order.
func (s *Store) ListArtifactsForRun(ctx context.Context, databasePath, runID string) ([]domain.ArtifactEnvelope, error) {
	db, err := s.open(ctx, databasePath)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifact_manifest
		 WHERE run_id = ? AND expires_at > ? ORDER BY created_at, artifact_id`,
		runID, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("query run artifacts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close artifact rows", "error", closeErr)
		}
	}()

	var artifacts []domain.ArtifactEnvelope
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run artifacts: %w", err)
	}
	return artifacts, nil
}

// GetDataframeRows pages through the backing table of a dataframe
// artifact. limit is clamped to [1, 1000]; total is the full row count.
func (s *Store) GetDataframeRows(ctx context.Context, databasePath, artifactID string, offset, limit int) ([]map[string]any, int64, error) {
	artifact, err := s.GetArtifact(ctx, databasePath, artifactID)
	if err != nil {
		return nil, 0, err
	}
	if artifact.Kind != domain.ArtifactDataframe || artifact.TableName == "" {
		return nil, 0, fmt.Errorf("artifact %s is not a dataframe", artifactID)
	}
	if strings.Contains(artifact.TableName, `"`) {
		return nil, 0, fmt.Errorf("invalid backing table name for artifact %s", artifactID)
	}

	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultRowLimit
	}
	if limit > maxRowLimit {
		limit = maxRowLimit
	}

	db, err := s.open(ctx, databasePath)
	if err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT * FROM %q LIMIT ? OFFSET ?`, artifact.TableName)
	rows, err := db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query dataframe rows: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close dataframe rows", "error", closeErr)
		}
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, 0, fmt.Errorf("dataframe columns: %w", err)
	}

	results := make([]map[string]any, 0, limit)
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, 0, fmt.Errorf("scan dataframe row: %w", err)
		}
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate dataframe rows: %w", err)
	}

	return results, artifact.RowCount, nil
}

// PruneWorkspace drops expired artifacts, their backing tables, and
// expired run records for one workspace. Returns how many artifact rows
// were removed.
func (s *Store) PruneWorkspace(ctx context.Context, databasePath string) (int64, error) {
	db, err := s.open(ctx, databasePath)
	if err != nil {
		return 0, err
	}
	now := time.Now().Unix()

	rows, err := db.QueryContext(ctx,
		`SELECT table_name FROM artifact_manifest
		 WHERE expires_at <= ? AND table_name IS NOT NULL AND table_name != ''`, now)
	if err != nil {
		return 0, fmt.Errorf("query expired backing tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan backing table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("iterate expired backing tables: %w", err)
	}
	_ = rows.Close()

	for _, name := range tables {
		if strings.Contains(name, `"`) {
			slog.Warn("Skipping backing table with invalid name", "table", name)
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, name)); err != nil {
			slog.Warn("Failed to drop expired backing table", "table", name, "error", err)
		}
	}

	result, err := db.ExecContext(ctx, `DELETE FROM artifact_manifest WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired artifacts: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired artifact rows affected: %w", err)
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM run_manifest WHERE expires_at <= ?`, now); err != nil {
		return deleted, fmt.Errorf("delete expired runs: %w", err)
	}
	return deleted, nil
}

// Close closes every open manifest database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for path, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close manifest %s: %w", path, err)
		}
		delete(s.dbs, path)
	}
	return firstErr
}

// execWithRetry retries a write on SQLite concurrency errors with
// exponential backoff; the interpreter side holds short write locks while
// exporting.
func execWithRetry(ctx context.Context, db *sql.DB, query string, args ...any) error {
	var err error
	for i := 0; i < busyRetries; i++ {
		_, err = db.ExecContext(ctx, query, args...)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		delay := busyBaseDelay * time.Duration(1<<i)
		slog.Debug("Manifest write hit SQLITE_BUSY, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*domain.ArtifactEnvelope, error) {
	var artifact domain.ArtifactEnvelope
	var tableName, payloadJSON, schemaJSON, previewJSON, errText sql.NullString
	var rowCount sql.NullInt64
	var createdAt, expiresAt int64

	err := row.Scan(
		&artifact.ArtifactID, &artifact.RunID, &artifact.WorkspaceID,
		&artifact.LogicalName, &artifact.Kind, &tableName,
		&payloadJSON, &schemaJSON, &rowCount, &previewJSON,
		&createdAt, &expiresAt, &artifact.Status, &errText,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan artifact row: %w", err)
	}

	artifact.TableName = tableName.String
	artifact.RowCount = rowCount.Int64
	artifact.Error = errText.String
	artifact.CreatedAt = time.Unix(createdAt, 0)
	artifact.ExpiresAt = time.Unix(expiresAt, 0)

	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &artifact.Payload); err != nil {
			slog.Warn("Dropping malformed artifact payload", "artifact_id", artifact.ArtifactID, "error", err)
		}
	}
	if schemaJSON.Valid && schemaJSON.String != "" {
		if err := json.Unmarshal([]byte(schemaJSON.String), &artifact.Schema); err != nil {
			slog.Warn("Dropping malformed artifact schema", "artifact_id", artifact.ArtifactID, "error", err)
		}
	}
	if previewJSON.Valid && previewJSON.String != "" {
		if err := json.Unmarshal([]byte(previewJSON.String), &artifact.Preview); err != nil {
			slog.Warn("Dropping malformed artifact preview", "artifact_id", artifact.ArtifactID, "error", err)
		}
	}
	return &artifact, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
