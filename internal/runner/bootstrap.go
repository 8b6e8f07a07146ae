package runner

import (
	"fmt"
	"strings"
)

// bootstrapTemplate is executed once per session as the first request. It
// installs, into the persistent namespace, the read-only dataset
// connection, the manifest connection settings, and the helper bindings
// generated code and the manager rely on: run_query (the bridge call),
// set_active_run, the export_* family, finalize_run, and the result probe.
// Every definition is a plain rebind, so running it again after a kernel
// restart is harmless.
const bootstrapTemplate = `
import json as _tt_json
import sqlite3 as _tt_sqlite3
import time as _tt_time
import uuid as _tt_uuid
import duckdb as _tt_duckdb

_TT_WORKSPACE_ID = r'''%s'''
_TT_MANIFEST_PATH = r'''%s'''
_TT_TTL_SECONDS = %d
_TT_RUN = globals().get("_TT_RUN") or {"id": "", "seq": 0}

conn = _tt_duckdb.connect(r'''%s''', read_only=True)


def _tt_manifest():
    m = _tt_sqlite3.connect(_TT_MANIFEST_PATH)
    m.execute("PRAGMA busy_timeout = 5000")
    m.execute(
        "CREATE TABLE IF NOT EXISTS artifact_manifest ("
        "artifact_id TEXT PRIMARY KEY, run_id TEXT NOT NULL,"
        "workspace_id TEXT NOT NULL, logical_name TEXT NOT NULL,"
        "kind TEXT NOT NULL, table_name TEXT, payload_json TEXT,"
        "schema_json TEXT, row_count INTEGER, preview_json TEXT,"
        "created_at INTEGER NOT NULL, expires_at INTEGER NOT NULL,"
        "status TEXT NOT NULL, error TEXT)"
    )
    m.execute(
        "CREATE TABLE IF NOT EXISTS run_manifest ("
        "run_id TEXT PRIMARY KEY, workspace_id TEXT NOT NULL,"
        "conversation_id TEXT, turn_id TEXT, question TEXT,"
        "generated_code TEXT, executed_code TEXT, stdout TEXT, stderr TEXT,"
        "execution_status TEXT NOT NULL, retry_count INTEGER NOT NULL,"
        "created_at INTEGER NOT NULL, expires_at INTEGER NOT NULL)"
    )
    return m


def run_query(sql):
    return conn.sql(sql).fetchdf()


def set_active_run(run_id):
    if _TT_RUN["id"] != str(run_id):
        _TT_RUN["id"] = str(run_id)
        _TT_RUN["seq"] = 0


def _tt_insert_artifact(kind, logical_name, table_name, payload_json, schema_json, row_count, preview_json):
    artifact_id = str(_tt_uuid.uuid4())
    now = int(_tt_time.time())
    m = _tt_manifest()
    try:
        m.execute(
            "INSERT OR REPLACE INTO artifact_manifest (artifact_id, run_id,"
            " workspace_id, logical_name, kind, table_name, payload_json,"
            " schema_json, row_count, preview_json, created_at, expires_at,"
            " status, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'ready', NULL)",
            (
                artifact_id, _TT_RUN["id"], _TT_WORKSPACE_ID, logical_name,
                kind, table_name, payload_json, schema_json, row_count,
                preview_json, now, now + _TT_TTL_SECONDS,
            ),
        )
        m.commit()
    finally:
        m.close()
    return artifact_id


def export_dataframe(df, logical_name="dataframe"):
    _TT_RUN["seq"] += 1
    run_short = "".join(c for c in _TT_RUN["id"] if c.isalnum())[:12] or "run"
    table_name = "art_%%s_%%d" %% (run_short, _TT_RUN["seq"])
    m = _tt_manifest()
    try:
        df.to_sql(table_name, m, if_exists="replace", index=False)
        m.commit()
    finally:
        m.close()
    schema = [{"name": str(c), "type": str(t)} for c, t in zip(df.columns, df.dtypes)]
    preview = _tt_json.loads(df.head(20).to_json(orient="records", date_format="iso"))
    return _tt_insert_artifact(
        "dataframe", logical_name, table_name, None,
        _tt_json.dumps(schema), int(len(df)), _tt_json.dumps(preview),
    )


def export_figure(fig, logical_name="figure"):
    return _tt_insert_artifact(
        "figure", logical_name, None, fig.to_json(), None, None, None,
    )


def export_scalar(value, logical_name="scalar"):
    return _tt_insert_artifact(
        "scalar", logical_name, None, _tt_json.dumps({"value": value}, default=str),
        None, None, None,
    )


def finalize_run(run_id, metadata=None):
    metadata = metadata or {}
    now = int(_tt_time.time())
    m = _tt_manifest()
    try:
        m.execute(
            "INSERT OR REPLACE INTO run_manifest (run_id, workspace_id,"
            " conversation_id, turn_id, question, generated_code,"
            " executed_code, stdout, stderr, execution_status, retry_count,"
            " created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
            (
                str(run_id), _TT_WORKSPACE_ID,
                metadata.get("conversation_id"), metadata.get("turn_id"),
                metadata.get("question", ""), metadata.get("generated_code", ""),
                metadata.get("executed_code", ""), metadata.get("stdout", ""),
                metadata.get("stderr", ""), metadata.get("execution_status", "unknown"),
                int(metadata.get("retry_count", 0)), now, now + _TT_TTL_SECONDS,
            ),
        )
        m.commit()
    finally:
        m.close()


def _tt_probe():
    candidates = ("result", "df", "fig", "_")
    for name in candidates:
        value = globals().get(name)
        if value is None:
            continue
        try:
            import pandas as _pd
            if isinstance(value, _pd.DataFrame):
                return value
        except ImportError:
            pass
        try:
            import plotly.graph_objects as _go
            if isinstance(value, _go.Figure):
                return value
        except ImportError:
            pass
        if isinstance(value, (int, float, str, bool)):
            return value
    return None
`

// probeCode is the fallback probe issued when an execution produced no
// typed result: it inspects conventional variable names and displays the
// first concrete value found.
const probeCode = "_tt_probe()"

// bootstrapCode renders the bootstrap source for one session.
func bootstrapCode(spec LaunchSpec, ttlSeconds int64) string {
	return fmt.Sprintf(bootstrapTemplate,
		escapeRawPython(spec.WorkspaceID),
		escapeRawPython(spec.ManifestPath),
		ttlSeconds,
		escapeRawPython(spec.DatabasePath),
	)
}

// executedCode is what actually runs for one request: the run scope
// prelude followed by the guarded user code.
func executedCode(runID, code string) string {
	return fmt.Sprintf("set_active_run(%q)\n%s", runID, code)
}

// ExecutedCode exposes the wrapped form for run-manifest bookkeeping.
func ExecutedCode(runID, code string) string {
	return executedCode(runID, code)
}

// escapeRawPython keeps a value safe inside a python r'''...''' literal.
func escapeRawPython(s string) string {
	return strings.ReplaceAll(s, "'''", "")
}
