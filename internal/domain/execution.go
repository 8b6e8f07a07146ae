package domain

// ResultKind classifies the typed value produced by one execution.
type ResultKind string

const (
	ResultDataframe ResultKind = "dataframe"
	ResultFigure    ResultKind = "figure"
	ResultScalar    ResultKind = "scalar"
	ResultError     ResultKind = "error"
	ResultNone      ResultKind = "none"
)

// ExecutionResult is the outcome of one execution request against a
// workspace session, assembled from the kernel's output message stream
// plus the artifacts exported during the run.
type ExecutionResult struct {
	Success    bool               `json:"success"`
	Stdout     string             `json:"stdout"`
	Stderr     string             `json:"stderr"`
	Error      string             `json:"error,omitempty"`
	Result     any                `json:"result,omitempty"`
	ResultType string             `json:"result_type,omitempty"`
	ResultKind ResultKind         `json:"result_kind"`
	Artifacts  []ArtifactEnvelope `json:"artifacts,omitempty"`
}
