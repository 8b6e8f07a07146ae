// Package domain contains core domain types for the tabletalk application.
package domain

import (
	"path/filepath"
	"time"
)

// Workspace represents one analysis workspace with its dataset database.
type Workspace struct {
	WorkspaceID  string    `json:"workspace_id"`
	Name         string    `json:"name"`
	DatabasePath string    `json:"database_path"`
	TableName    string    `json:"table_name"`
	SchemaJSON   string    `json:"schema_json,omitempty"`
	LastUsedAt   time.Time `json:"last_used_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ScratchpadDir returns the directory holding the workspace's artifact
// manifest database, colocated next to the dataset database.
func (w *Workspace) ScratchpadDir() string {
	return filepath.Join(filepath.Dir(w.DatabasePath), "scratchpad")
}

// HasSchema returns true if a dataset schema has been generated.
func (w *Workspace) HasSchema() bool {
	return w.SchemaJSON != ""
}
