package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// LaunchSpec describes the interpreter to start for one workspace.
type LaunchSpec struct {
	WorkspaceID  string
	DatabasePath string
	// ManifestPath is the workspace's artifact manifest database, made
	// reachable from inside the interpreter by the bootstrap helpers.
	ManifestPath string
}

// Kernel is one isolated interpreter process. It is exclusively owned by
// its session; callers interact through requests and the message stream.
type Kernel interface {
	// Submit sends one execution request. Output arrives on Messages,
	// correlated by request id and terminated by an idle status.
	Submit(id, code string) error

	// Messages returns the kernel's output stream. The channel closes
	// when the kernel process exits.
	Messages() <-chan Message

	// Interrupt requests cooperative cancellation of the in-flight
	// execution without destroying the interpreter.
	Interrupt(ctx context.Context) error

	// Close terminates the interpreter and releases its resources.
	Close(ctx context.Context) error
}

// Launcher starts interpreter processes. Implementations: local process
// (ProcLauncher) and Docker container (DockerLauncher).
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Kernel, error)
}

// ioKernel speaks the line-delimited JSON protocol over a byte transport.
// Both launchers produce one: the process launcher over stdio pipes, the
// container launcher over the attach connection.
type ioKernel struct {
	writeMu   sync.Mutex
	stdin     io.Writer
	messages  chan Message
	interrupt func(ctx context.Context) error
	close     func(ctx context.Context) error
	closeOnce sync.Once
}

// newIOKernel wires a transport into a Kernel and starts the read pump.
func newIOKernel(stdin io.Writer, stdout io.Reader, interrupt, closeFn func(ctx context.Context) error) *ioKernel {
	k := &ioKernel{
		stdin:     stdin,
		messages:  make(chan Message, 64),
		interrupt: interrupt,
		close:     closeFn,
	}
	go k.readLoop(stdout)
	return k
}

func (k *ioKernel) readLoop(stdout io.Reader) {
	defer close(k.messages)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// TTY transports can interleave noise with protocol lines.
			slog.Debug("Dropping unparseable kernel output line", "error", err)
			continue
		}
		k.messages <- msg
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("Kernel output stream ended", "error", err)
	}
}

func (k *ioKernel) Submit(id, code string) error {
	payload, err := json.Marshal(request{ID: id, Code: code})
	if err != nil {
		return fmt.Errorf("encode execution request: %w", err)
	}
	payload = append(payload, '\n')

	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	if _, err := k.stdin.Write(payload); err != nil {
		return fmt.Errorf("write execution request: %w", err)
	}
	return nil
}

func (k *ioKernel) Messages() <-chan Message {
	return k.messages
}

func (k *ioKernel) Interrupt(ctx context.Context) error {
	if k.interrupt == nil {
		return nil
	}
	return k.interrupt(ctx)
}

func (k *ioKernel) Close(ctx context.Context) error {
	var err error
	k.closeOnce.Do(func() {
		if k.close != nil {
			err = k.close(ctx)
		}
	})
	return err
}
