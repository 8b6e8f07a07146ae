package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/askoura/tabletalk/internal/domain"
)

func testRepo(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return repo
}

func testWorkspace(id string) *domain.Workspace {
	now := time.Now()
	return &domain.Workspace{
		WorkspaceID:  id,
		Name:         "Sales 2025",
		DatabasePath: "/data/" + id + "/data.db",
		TableName:    "sales",
		LastUsedAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestUpsertAndGetWorkspace(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	ws := testWorkspace("ws-1")
	if err := repo.UpsertWorkspace(ctx, ws); err != nil {
		t.Fatalf("UpsertWorkspace failed: %v", err)
	}

	got, err := repo.GetWorkspace(ctx, "ws-1")
	if err != nil {
		t.Fatalf("GetWorkspace failed: %v", err)
	}
	if got == nil {
		t.Fatalf("Expected workspace, got nil")
	}
	if got.Name != "Sales 2025" || got.TableName != "sales" {
		t.Errorf("Workspace mismatch: %+v", got)
	}
	if got.DatabasePath != ws.DatabasePath {
		t.Errorf("Expected database path %s, got %s", ws.DatabasePath, got.DatabasePath)
	}
}

func TestGetWorkspace_MissingReturnsNil(t *testing.T) {
	repo := testRepo(t)

	got, err := repo.GetWorkspace(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetWorkspace failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for missing workspace, got %+v", got)
	}
}

func TestUpsertWorkspace_PreservesSchemaOnUpdate(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	ws := testWorkspace("ws-1")
	ws.SchemaJSON = `{"table_name":"sales","columns":[]}`
	if err := repo.UpsertWorkspace(ctx, ws); err != nil {
		t.Fatalf("UpsertWorkspace failed: %v", err)
	}

	// An update without schema must not wipe the stored one.
	update := testWorkspace("ws-1")
	update.Name = "Sales renamed"
	if err := repo.UpsertWorkspace(ctx, update); err != nil {
		t.Fatalf("Second UpsertWorkspace failed: %v", err)
	}

	got, err := repo.GetWorkspace(ctx, "ws-1")
	if err != nil {
		t.Fatalf("GetWorkspace failed: %v", err)
	}
	if got.Name != "Sales renamed" {
		t.Errorf("Expected updated name, got %s", got.Name)
	}
	if got.SchemaJSON != ws.SchemaJSON {
		t.Errorf("Expected schema preserved, got %q", got.SchemaJSON)
	}
}

func TestListWorkspaces_OrderedByLastUsed(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	older := testWorkspace("ws-old")
	older.LastUsedAt = time.Now().Add(-time.Hour)
	newer := testWorkspace("ws-new")
	newer.LastUsedAt = time.Now()

	if err := repo.UpsertWorkspace(ctx, older); err != nil {
		t.Fatalf("UpsertWorkspace failed: %v", err)
	}
	if err := repo.UpsertWorkspace(ctx, newer); err != nil {
		t.Fatalf("UpsertWorkspace failed: %v", err)
	}

	workspaces, err := repo.ListWorkspaces(ctx)
	if err != nil {
		t.Fatalf("ListWorkspaces failed: %v", err)
	}
	if len(workspaces) != 2 {
		t.Fatalf("Expected 2 workspaces, got %d", len(workspaces))
	}
	if workspaces[0].WorkspaceID != "ws-new" || workspaces[1].WorkspaceID != "ws-old" {
		t.Errorf("Expected most recently used first, got %s then %s",
			workspaces[0].WorkspaceID, workspaces[1].WorkspaceID)
	}
}

func TestTouchLastUsed(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	ws := testWorkspace("ws-1")
	ws.LastUsedAt = time.Now().Add(-time.Hour)
	if err := repo.UpsertWorkspace(ctx, ws); err != nil {
		t.Fatalf("UpsertWorkspace failed: %v", err)
	}

	touched := time.Now()
	if err := repo.TouchLastUsed(ctx, "ws-1", touched); err != nil {
		t.Fatalf("TouchLastUsed failed: %v", err)
	}

	got, err := repo.GetWorkspace(ctx, "ws-1")
	if err != nil {
		t.Fatalf("GetWorkspace failed: %v", err)
	}
	if got.LastUsedAt.Unix() != touched.Unix() {
		t.Errorf("Expected last_used_at %d, got %d", touched.Unix(), got.LastUsedAt.Unix())
	}

	// Touching an unknown workspace logs a warning but does not error.
	if err := repo.TouchLastUsed(ctx, "missing", touched); err != nil {
		t.Errorf("Expected no error for missing workspace, got %v", err)
	}
}

func TestUpdateSchema(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if err := repo.UpsertWorkspace(ctx, testWorkspace("ws-1")); err != nil {
		t.Fatalf("UpsertWorkspace failed: %v", err)
	}

	schema := `{"table_name":"sales","columns":[{"name":"amount","type":"INTEGER"}]}`
	if err := repo.UpdateSchema(ctx, "ws-1", schema); err != nil {
		t.Fatalf("UpdateSchema failed: %v", err)
	}

	got, err := repo.GetWorkspace(ctx, "ws-1")
	if err != nil {
		t.Fatalf("GetWorkspace failed: %v", err)
	}
	if got.SchemaJSON != schema {
		t.Errorf("Expected stored schema, got %q", got.SchemaJSON)
	}
	if !got.HasSchema() {
		t.Errorf("Expected HasSchema true")
	}

	if err := repo.UpdateSchema(ctx, "missing", schema); err == nil {
		t.Errorf("Expected error for missing workspace")
	}
}

func TestDeleteWorkspace(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if err := repo.UpsertWorkspace(ctx, testWorkspace("ws-1")); err != nil {
		t.Fatalf("UpsertWorkspace failed: %v", err)
	}
	if err := repo.DeleteWorkspace(ctx, "ws-1"); err != nil {
		t.Fatalf("DeleteWorkspace failed: %v", err)
	}

	got, err := repo.GetWorkspace(ctx, "ws-1")
	if err != nil {
		t.Fatalf("GetWorkspace failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected workspace removed, got %+v", got)
	}

	// Deleting again is a no-op.
	if err := repo.DeleteWorkspace(ctx, "ws-1"); err != nil {
		t.Errorf("Expected idempotent delete, got %v", err)
	}
}
