package domain

// Column describes one column of the active dataset table. The JSON field
// names (name, dtype, description, samples) are consumed verbatim by the
// code-generation prompts and must not change.
type Column struct {
	Name        string `json:"name"`
	Dtype       string `json:"dtype"`
	Description string `json:"description"`
	Samples     []any  `json:"samples"`
}

// TableSchema describes the active dataset table handed to the agent.
type TableSchema struct {
	TableName string   `json:"table_name"`
	Context   string   `json:"context,omitempty"`
	Columns   []Column `json:"columns"`
}
