package domain

import "time"

// ArtifactKind identifies what an exported artifact holds.
type ArtifactKind string

const (
	ArtifactDataframe ArtifactKind = "dataframe"
	ArtifactFigure    ArtifactKind = "figure"
	ArtifactScalar    ArtifactKind = "scalar"
	ArtifactScript    ArtifactKind = "script"
)

// ArtifactStatus is the persisted status of an exported artifact.
type ArtifactStatus string

const (
	ArtifactReady ArtifactStatus = "ready"
	ArtifactError ArtifactStatus = "error"
)

// ColumnType is one entry of a tabular artifact's schema.
type ColumnType struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ArtifactEnvelope is one exported value from one execution run, persisted
// in the workspace scratchpad manifest with a TTL.
type ArtifactEnvelope struct {
	ArtifactID  string           `json:"artifact_id"`
	RunID       string           `json:"run_id"`
	WorkspaceID string           `json:"workspace_id"`
	LogicalName string           `json:"logical_name"`
	Kind        ArtifactKind     `json:"kind"`
	TableName   string           `json:"table_name,omitempty"`
	Payload     any              `json:"payload,omitempty"`
	Schema      []ColumnType     `json:"schema,omitempty"`
	RowCount    int64            `json:"row_count"`
	Preview     []map[string]any `json:"preview,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	Status      ArtifactStatus   `json:"status"`
	Error       string           `json:"error,omitempty"`
}

// Expired returns true if the artifact's TTL has elapsed at the given time.
func (a *ArtifactEnvelope) Expired(now time.Time) bool {
	return !a.ExpiresAt.After(now)
}

// RunManifest records one execution attempt of one piece of guarded code.
type RunManifest struct {
	RunID          string    `json:"run_id"`
	WorkspaceID    string    `json:"workspace_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	TurnID         string    `json:"turn_id,omitempty"`
	Question       string    `json:"question"`
	GeneratedCode  string    `json:"generated_code"`
	ExecutedCode   string    `json:"executed_code"`
	Stdout         string    `json:"stdout"`
	Stderr         string    `json:"stderr"`
	Status         string    `json:"execution_status"`
	RetryCount     int       `json:"retry_count"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}
