package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/askoura/tabletalk/internal/domain"
)

// ErrTimeout marks an execution that exceeded its deadline. The session is
// recovered via interrupt or restart before the next call; the timed-out
// code is never re-run implicitly.
var ErrTimeout = errors.New("execution timed out")

// errKernelClosed marks a kernel whose output stream ended mid-request.
var errKernelClosed = errors.New("kernel closed")

// sessionStatus tracks the per-session state machine:
// starting → ready ⇄ busy, busy → error on fault. Error clears on the
// next execution: immediately when interrupt/restart recovery succeeds,
// otherwise when a later run completes.
type sessionStatus string

const (
	statusStarting sessionStatus = "starting"
	statusReady    sessionStatus = "ready"
	statusBusy     sessionStatus = "busy"
	statusError    sessionStatus = "error"
	statusMissing  sessionStatus = "missing"
)

// session is the long-lived execution state for one workspace. The kernel
// handle is owned exclusively here; all execution is serialized by mu.
type session struct {
	workspaceID  string
	databasePath string

	mu           sync.Mutex
	kernel       Kernel
	spec         LaunchSpec
	status       sessionStatus
	restartCount int
	bootstrapped bool

	// lastUsed is unix nanoseconds, readable without the session lock so
	// the pruner never waits behind an execution.
	lastUsed atomic.Int64
}

func (s *session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// ArtifactSource is the manifest store surface the manager needs: a place
// for the bootstrap helpers to write into, and run-scoped lookup of what
// they wrote.
type ArtifactSource interface {
	// EnsureWorkspace creates the manifest database for a workspace if
	// absent and returns its path.
	EnsureWorkspace(ctx context.Context, databasePath string) (string, error)

	// ListArtifactsForRun returns the non-expired artifacts of one run.
	ListArtifactsForRun(ctx context.Context, databasePath, runID string) ([]domain.ArtifactEnvelope, error)
}

// Config holds execution manager tuning knobs.
type Config struct {
	DefaultTimeout   time.Duration
	BootstrapTimeout time.Duration
	// InterruptGrace is how long a timed-out session gets to come back
	// after an interrupt before the kernel is fully restarted.
	InterruptGrace time.Duration
	ProbeTimeout   time.Duration
	IdleTimeout    time.Duration
	ArtifactTTL    time.Duration
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:   90 * time.Second,
		BootstrapTimeout: 30 * time.Second,
		InterruptGrace:   3 * time.Second,
		ProbeTimeout:     10 * time.Second,
		IdleTimeout:      30 * time.Minute,
		ArtifactTTL:      48 * time.Hour,
	}
}

// Manager owns one interpreter session per workspace. Executions against
// one workspace queue on the session lock; different workspaces proceed in
// parallel. The registry lock only guards the map, never an execution.
type Manager struct {
	cfg       Config
	launcher  Launcher
	artifacts ArtifactSource

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates an execution session manager.
func NewManager(launcher Launcher, artifacts ArtifactSource, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = def.BootstrapTimeout
	}
	if cfg.InterruptGrace <= 0 {
		cfg.InterruptGrace = def.InterruptGrace
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ArtifactTTL <= 0 {
		cfg.ArtifactTTL = def.ArtifactTTL
	}
	return &Manager{
		cfg:       cfg,
		launcher:  launcher,
		artifacts: artifacts,
		sessions:  make(map[string]*session),
	}
}

// ExecRequest is one execution request against a workspace session.
type ExecRequest struct {
	WorkspaceID  string
	DatabasePath string
	// RunID scopes artifact exports; generated per attempt by the caller.
	RunID   string
	Code    string
	Timeout time.Duration
}

// Execute runs code in the workspace's session. All failure modes come
// back inside the result; Execute never panics the caller with a session
// fault.
func (m *Manager) Execute(ctx context.Context, req ExecRequest) domain.ExecutionResult {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	sess := m.acquireSession(req.WorkspaceID, req.DatabasePath)
	defer sess.mu.Unlock()
	sess.touch()
	defer sess.touch()

	if err := m.ensureStarted(ctx, sess); err != nil {
		// Session-start fault: partially started kernels are already torn
		// down; surface as a hard failure of this call.
		m.dropSession(sess)
		return errorResult(fmt.Sprintf("session start failed: %v", err))
	}

	sess.status = statusBusy
	code := executedCode(req.RunID, req.Code)
	res, err := m.run(ctx, sess, code, timeout)
	switch {
	case errors.Is(err, ErrTimeout):
		m.recoverAfterTimeout(ctx, sess)
		return errorResult(fmt.Sprintf("execution timed out after %s", timeout))
	case errors.Is(err, errKernelClosed):
		slog.Warn("Kernel died mid-execution, evicting session",
			"workspace_id", sess.workspaceID)
		sess.status = statusError
		m.dropSession(sess)
		return errorResult("interpreter exited unexpectedly")
	case err != nil:
		// Protocol-level fault; the interpreter itself is still usable,
		// and the error state stays visible until the next execution.
		sess.status = statusError
		return errorResult(err.Error())
	}

	if res.Success && res.ResultKind == domain.ResultNone && res.Stdout == "" {
		res = m.probeResult(ctx, sess, res)
	}

	if artifacts, aerr := m.artifacts.ListArtifactsForRun(ctx, sess.databasePath, req.RunID); aerr != nil {
		slog.Warn("Artifact lookup failed", "workspace_id", sess.workspaceID, "run_id", req.RunID, "error", aerr)
	} else {
		res.Artifacts = artifacts
	}

	sess.status = statusReady
	return res
}

// Reset force-shuts-down and evicts the workspace's session.
func (m *Manager) Reset(ctx context.Context, workspaceID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[workspaceID]
	if ok {
		delete(m.sessions, workspaceID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.shutdownSession(ctx, sess)
	return true
}

// Interrupt requests best-effort cancellation of an in-flight execution.
// It may race with natural completion; either outcome leaves the session
// consistent.
func (m *Manager) Interrupt(ctx context.Context, workspaceID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[workspaceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session for workspace %s", workspaceID)
	}
	if sess.kernel == nil {
		return nil
	}
	return sess.kernel.Interrupt(ctx)
}

// Status reports the session state for a workspace.
func (m *Manager) Status(workspaceID string) string {
	m.mu.Lock()
	sess, ok := m.sessions[workspaceID]
	m.mu.Unlock()
	if !ok {
		return string(statusMissing)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return string(sess.status)
}

// PruneIdle evicts sessions idle longer than the threshold. A session
// currently executing is never evicted: eviction requires winning its
// lock without waiting.
func (m *Manager) PruneIdle(ctx context.Context, threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold).UnixNano()

	m.mu.Lock()
	var stale []*session
	for id, sess := range m.sessions {
		if sess.lastUsed.Load() >= cutoff {
			continue
		}
		if !sess.mu.TryLock() {
			continue
		}
		delete(m.sessions, id)
		stale = append(stale, sess)
	}
	m.mu.Unlock()

	for _, sess := range stale {
		m.closeKernelLocked(ctx, sess)
		sess.mu.Unlock()
		slog.Info("Pruned idle session", "workspace_id", sess.workspaceID)
	}
	return len(stale)
}

// StartIdleWorker runs the periodic idle sweep until ctx is canceled.
func (m *Manager) StartIdleWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session idle worker started", "interval", interval, "idle_timeout", m.cfg.IdleTimeout)
		for {
			select {
			case <-ticker.C:
				if n := m.PruneIdle(ctx, m.cfg.IdleTimeout); n > 0 {
					slog.Info("Idle sweep complete", "evicted", n)
				}
			case <-ctx.Done():
				slog.Info("Session idle worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Shutdown closes every session. Used at process exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		g.Go(func() error {
			m.shutdownSession(ctx, sess)
			return nil
		})
	}
	return g.Wait()
}

// acquireSession returns the workspace's session with its lock held. An
// idle sweep, a reset or a database path change can evict the session
// between lookup and lock; executing on such an orphan would relaunch a
// kernel that no shutdown path can reach, so the registry is re-checked
// under the session lock and the lookup retried until it holds the
// registered session.
func (m *Manager) acquireSession(workspaceID, databasePath string) *session {
	for {
		sess := m.getOrCreate(workspaceID, databasePath)
		sess.mu.Lock()
		m.mu.Lock()
		current := m.sessions[workspaceID] == sess
		m.mu.Unlock()
		if current {
			return sess
		}
		sess.mu.Unlock()
	}
}

// getOrCreate returns the workspace's session, discarding a cached one
// whose database path no longer matches. Only the registry map is touched
// under the registry lock; kernel launch happens later under the session
// lock so unrelated workspaces never wait on it.
func (m *Manager) getOrCreate(workspaceID, databasePath string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[workspaceID]
	if ok && sess.databasePath != databasePath {
		slog.Info("Workspace database path changed, recreating session",
			"workspace_id", workspaceID)
		delete(m.sessions, workspaceID)
		go m.shutdownSession(context.Background(), sess)
		ok = false
	}
	if !ok {
		sess = &session{
			workspaceID:  workspaceID,
			databasePath: databasePath,
			status:       statusStarting,
		}
		sess.touch()
		m.sessions[workspaceID] = sess
	}
	return sess
}

// ensureStarted lazily launches and bootstraps the kernel. Caller holds
// the session lock.
func (m *Manager) ensureStarted(ctx context.Context, sess *session) error {
	if sess.kernel != nil {
		return nil
	}

	manifestPath, err := m.artifacts.EnsureWorkspace(ctx, sess.databasePath)
	if err != nil {
		return fmt.Errorf("ensure workspace manifest: %w", err)
	}
	sess.spec = LaunchSpec{
		WorkspaceID:  sess.workspaceID,
		DatabasePath: sess.databasePath,
		ManifestPath: manifestPath,
	}

	kernel, err := m.launcher.Launch(ctx, sess.spec)
	if err != nil {
		return fmt.Errorf("launch kernel: %w", err)
	}
	sess.kernel = kernel

	if err := m.bootstrap(ctx, sess); err != nil {
		_ = kernel.Close(ctx)
		sess.kernel = nil
		return fmt.Errorf("bootstrap session: %w", err)
	}
	sess.status = statusReady
	return nil
}

// bootstrap installs the helper bindings into the kernel's persistent
// namespace. Caller holds the session lock.
func (m *Manager) bootstrap(ctx context.Context, sess *session) error {
	code := bootstrapCode(sess.spec, int64(m.cfg.ArtifactTTL.Seconds()))
	res, err := m.run(ctx, sess, code, m.cfg.BootstrapTimeout)
	if err != nil {
		return err
	}
	if res.Error != "" {
		return fmt.Errorf("bootstrap execution failed: %s", res.Error)
	}
	sess.bootstrapped = true
	slog.Info("Session bootstrap complete", "workspace_id", sess.workspaceID)
	return nil
}

// run submits one request and folds its output stream, bounded by the
// timeout. Caller holds the session lock.
func (m *Manager) run(ctx context.Context, sess *session, code string, timeout time.Duration) (domain.ExecutionResult, error) {
	requestID := uuid.NewString()
	if err := sess.kernel.Submit(requestID, code); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("submit request: %w", err)
	}

	collector := NewCollector(requestID)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-sess.kernel.Messages():
			if !ok {
				return domain.ExecutionResult{}, errKernelClosed
			}
			if collector.Add(msg) {
				return collector.Result(), nil
			}
		case <-timer.C:
			return domain.ExecutionResult{}, ErrTimeout
		case <-ctx.Done():
			return domain.ExecutionResult{}, ctx.Err()
		}
	}
}

// recoverAfterTimeout brings a session back to ready: interrupt first and
// give the kernel a short grace window; restart it outright if that is
// not enough. Caller holds the session lock.
func (m *Manager) recoverAfterTimeout(ctx context.Context, sess *session) {
	sess.status = statusError

	if err := sess.kernel.Interrupt(ctx); err != nil {
		slog.Warn("Interrupt failed, restarting kernel",
			"workspace_id", sess.workspaceID, "error", err)
		m.restart(ctx, sess)
		return
	}

	// The interrupted request should surface its error and idle promptly.
	grace := time.NewTimer(m.cfg.InterruptGrace)
	defer grace.Stop()
	for {
		select {
		case msg, ok := <-sess.kernel.Messages():
			if !ok {
				m.restart(ctx, sess)
				return
			}
			if msg.Type == MessageStatus && msg.State == "idle" {
				sess.status = statusReady
				slog.Info("Session recovered by interrupt", "workspace_id", sess.workspaceID)
				return
			}
		case <-grace.C:
			slog.Warn("Interrupt grace window elapsed, restarting kernel",
				"workspace_id", sess.workspaceID)
			m.restart(ctx, sess)
			return
		case <-ctx.Done():
			m.restart(context.Background(), sess)
			return
		}
	}
}

// restart replaces the kernel process and re-runs the bootstrap. Caller
// holds the session lock.
func (m *Manager) restart(ctx context.Context, sess *session) {
	if sess.kernel != nil {
		_ = sess.kernel.Close(ctx)
		sess.kernel = nil
	}
	sess.bootstrapped = false

	kernel, err := m.launcher.Launch(ctx, sess.spec)
	if err != nil {
		slog.Error("Kernel restart failed, evicting session",
			"workspace_id", sess.workspaceID, "error", err)
		m.dropSession(sess)
		return
	}
	sess.kernel = kernel
	if err := m.bootstrap(ctx, sess); err != nil {
		slog.Error("Bootstrap after restart failed, evicting session",
			"workspace_id", sess.workspaceID, "error", err)
		_ = kernel.Close(ctx)
		sess.kernel = nil
		m.dropSession(sess)
		return
	}
	sess.restartCount++
	sess.status = statusReady
	slog.Info("Session recovered by restart",
		"workspace_id", sess.workspaceID,
		"restart_count", sess.restartCount,
	)
}

// probeResult issues the fallback probe after an execution that produced
// no typed result, preferring a concrete dataframe/figure/scalar found in
// conventional variable names. Caller holds the session lock.
func (m *Manager) probeResult(ctx context.Context, sess *session, primary domain.ExecutionResult) domain.ExecutionResult {
	probe, err := m.run(ctx, sess, probeCode, m.cfg.ProbeTimeout)
	if errors.Is(err, ErrTimeout) {
		m.recoverAfterTimeout(ctx, sess)
		return primary
	}
	if err != nil || !probe.Success {
		return primary
	}
	switch probe.ResultKind {
	case domain.ResultDataframe, domain.ResultFigure, domain.ResultScalar:
		primary.Result = probe.Result
		primary.ResultType = probe.ResultType
		primary.ResultKind = probe.ResultKind
	}
	return primary
}

// dropSession removes a session from the registry if it is still the
// registered one. Caller holds the session lock.
func (m *Manager) dropSession(sess *session) {
	m.mu.Lock()
	if current, ok := m.sessions[sess.workspaceID]; ok && current == sess {
		delete(m.sessions, sess.workspaceID)
	}
	m.mu.Unlock()
	if sess.kernel != nil {
		_ = sess.kernel.Close(context.Background())
		sess.kernel = nil
	}
}

// shutdownSession closes a session's kernel under its lock.
func (m *Manager) shutdownSession(ctx context.Context, sess *session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	m.closeKernelLocked(ctx, sess)
}

func (m *Manager) closeKernelLocked(ctx context.Context, sess *session) {
	if sess.kernel == nil {
		return
	}
	if err := sess.kernel.Close(ctx); err != nil {
		slog.Warn("Kernel close failed", "workspace_id", sess.workspaceID, "error", err)
	}
	sess.kernel = nil
}

func errorResult(message string) domain.ExecutionResult {
	return domain.ExecutionResult{
		Success:    false,
		Error:      message,
		ResultKind: domain.ResultError,
	}
}
