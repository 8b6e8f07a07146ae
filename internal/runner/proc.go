package runner

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

//go:embed worker.py
var workerSource []byte

const procShutdownGrace = 2 * time.Second

// ProcLauncher starts the interpreter worker as a local child process
// speaking the protocol over stdio pipes.
type ProcLauncher struct {
	// Python is the interpreter binary, default "python3".
	Python string
}

// Launch writes the worker shim next to the workspace scratchpad and
// starts it. A launch failure tears down any partially started process.
func (l *ProcLauncher) Launch(ctx context.Context, spec LaunchSpec) (Kernel, error) {
	python := l.Python
	if python == "" {
		python = "python3"
	}

	scriptPath, err := writeWorkerScript(spec.DatabasePath)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(python, "-u", scriptPath)
	cmd.Dir = filepath.Dir(spec.DatabasePath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stdout: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start interpreter worker: %w", err)
	}
	slog.Info("Interpreter worker started",
		"workspace_id", spec.WorkspaceID,
		"pid", cmd.Process.Pid,
	)

	interrupt := func(context.Context) error {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			return fmt.Errorf("interrupt worker pid %d: %w", cmd.Process.Pid, err)
		}
		return nil
	}
	closeFn := func(context.Context) error {
		// Closing stdin asks the worker to exit; escalate to SIGKILL if
		// it does not.
		_ = stdin.Close()
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case <-done:
			return nil
		case <-time.After(procShutdownGrace):
			if err := cmd.Process.Kill(); err != nil {
				return fmt.Errorf("kill worker pid %d: %w", cmd.Process.Pid, err)
			}
			<-done
			return nil
		}
	}

	return newIOKernel(stdin, stdout, interrupt, closeFn), nil
}

// writeWorkerScript materializes the embedded worker shim under the
// workspace scratchpad directory so both launchers can run the same file.
func writeWorkerScript(databasePath string) (string, error) {
	dir := filepath.Join(filepath.Dir(databasePath), "scratchpad")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratchpad directory: %w", err)
	}
	path := filepath.Join(dir, "worker.py")
	if err := os.WriteFile(path, workerSource, 0o644); err != nil {
		return "", fmt.Errorf("write worker script: %w", err)
	}
	return path, nil
}
