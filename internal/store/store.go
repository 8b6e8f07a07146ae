// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/askoura/tabletalk/internal/domain"
)

// Repository defines the interface for persisting the workspace catalog.
type Repository interface {
	// GetWorkspace retrieves a workspace by id. Returns nil when absent.
	GetWorkspace(ctx context.Context, workspaceID string) (*domain.Workspace, error)

	// UpsertWorkspace creates or updates a workspace record.
	UpsertWorkspace(ctx context.Context, workspace *domain.Workspace) error

	// ListWorkspaces returns all workspaces, most recently used first.
	ListWorkspaces(ctx context.Context) ([]*domain.Workspace, error)

	// TouchLastUsed updates the last_used_at timestamp of a workspace.
	TouchLastUsed(ctx context.Context, workspaceID string, lastUsed time.Time) error

	// UpdateSchema replaces the stored table schema of a workspace.
	UpdateSchema(ctx context.Context, workspaceID, schemaJSON string) error

	// DeleteWorkspace removes a workspace record.
	DeleteWorkspace(ctx context.Context, workspaceID string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
