package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// BridgeCall is the one blessed function through which generated code is
// allowed to query the workspace dataset. The execution bootstrap installs
// it in the kernel namespace; everything else that touches the database
// directly is rewritten or rejected here.
const BridgeCall = "run_query"

// GuardResult is the outcome of one guard pass over generated code.
type GuardResult struct {
	Code        string
	Changed     bool
	Blocked     bool
	ShouldRetry bool
	Reason      string
}

var (
	// conn.sql("...").fetchdf() with or without an assignment target.
	assignedSQLPattern = regexp.MustCompile(`(?m)^(\s*)([A-Za-z_][A-Za-z0-9_]*\s*=\s*)?conn\.sql\((.*?)\)\.fetchdf\(\)\s*$`)

	// Lines that import or open a database connection directly.
	importDuckdbPattern  = regexp.MustCompile(`(?m)^\s*import\s+duckdb\s*$`)
	connectAssignPattern = regexp.MustCompile(`(?m)^\s*(?:[A-Za-z_][A-Za-z0-9_]*\s*=\s*)?(?:duckdb|sqlite3)\.connect\(.*\)\s*$`)
	connReadPattern      = regexp.MustCompile(`(?m)^\s*(?:[A-Za-z_][A-Za-z0-9_]*\s*=\s*)?conn\.read_(?:csv|parquet|json)\(.*\)\s*$`)
	legacyBridgePattern  = regexp.MustCompile(`(?m)^.*await\s+query\(.*$`)

	// Forbidden patterns that must not survive rewriting. The file readers
	// are banned on the connection object only; pandas readers over
	// uploaded files are legitimate.
	forbiddenPatterns = []*regexp.Regexp{
		regexp.MustCompile(`duckdb\.connect\(`),
		regexp.MustCompile(`sqlite3\.connect\(`),
		regexp.MustCompile(`\bconn\.read_csv\(`),
		regexp.MustCompile(`\bconn\.read_parquet\(`),
		regexp.MustCompile(`\bconn\.read_json\(`),
	}
)

// GuardCode validates and rewrites LLM-generated analysis code so that it
// only reaches the dataset through the bridge call. When allowFallback is
// set, unusable code degrades to a minimal bridge query instead of
// blocking; otherwise the caller is asked to regenerate.
func GuardCode(code, tableName string, allowFallback bool) GuardResult {
	raw := strings.TrimSpace(code)
	if raw == "" {
		if allowFallback {
			return GuardResult{
				Code:    fallbackSnippet(tableName),
				Changed: true,
				Reason:  "empty code replaced with fallback query",
			}
		}
		return GuardResult{Blocked: true, ShouldRetry: true, Reason: "empty code"}
	}

	rewritten := rewriteDirectAccess(raw)

	for _, pattern := range forbiddenPatterns {
		if pattern.MatchString(rewritten) {
			reason := fmt.Sprintf("forbidden data access (%s); query through %s instead", pattern.String(), BridgeCall)
			if allowFallback {
				return GuardResult{
					Code:    fallbackSnippet(tableName),
					Changed: true,
					Reason:  reason,
				}
			}
			return GuardResult{Blocked: true, ShouldRetry: true, Reason: reason}
		}
	}

	if !strings.Contains(rewritten, BridgeCall+"(") {
		reason := fmt.Sprintf("code must call %s to access the dataset", BridgeCall)
		if allowFallback {
			return GuardResult{
				Code:    fallbackSnippet(tableName),
				Changed: true,
				Reason:  reason,
			}
		}
		return GuardResult{Blocked: true, ShouldRetry: true, Reason: reason}
	}

	return GuardResult{Code: rewritten, Changed: rewritten != raw}
}

// rewriteDirectAccess converts common direct-database patterns into bridge
// calls and strips lines that import or open connections on their own.
func rewriteDirectAccess(code string) string {
	out := assignedSQLPattern.ReplaceAllString(code, "${1}${2}"+BridgeCall+"(${3})")
	out = importDuckdbPattern.ReplaceAllString(out, "")
	out = connectAssignPattern.ReplaceAllString(out, "")
	out = connReadPattern.ReplaceAllString(out, "")
	out = legacyBridgePattern.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

func fallbackSnippet(tableName string) string {
	table := strings.TrimSpace(tableName)
	if table == "" {
		table = "data_table"
	}
	escaped := strings.ReplaceAll(table, `"`, `""`)
	return fmt.Sprintf("result = %s('SELECT * FROM \"%s\" LIMIT 100')\nresult", BridgeCall, escaped)
}
