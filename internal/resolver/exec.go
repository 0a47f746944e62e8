package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/exthost/internal/extension"
	"github.com/mattjoyce/exthost/internal/protocol"
)

const (
	defaultExecTimeout     = 30 * time.Second
	terminationGracePeriod = 5 * time.Second
	maxStderrBytes         = 64 * 1024
)

// Exec runs extension modules as child processes.
type Exec struct {
	timeout time.Duration
	grace   time.Duration
	logger  *slog.Logger
}

func NewExec(timeout time.Duration, logger *slog.Logger) *Exec {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{timeout: timeout, grace: terminationGracePeriod, logger: logger.With("resolver", "exec")}
}

// Resolve asks the executable which hooks it implements.
func (e *Exec) Resolve(ctx context.Context, path string) (extension.Exports, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat module: %w", err)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return nil, fmt.Errorf("module %s is not executable", path)
	}

	resp, err := e.call(ctx, path, &protocol.Request{Command: protocol.CommandDescribe})
	if err != nil {
		return nil, fmt.Errorf("describe: %w", err)
	}

	exports := extension.Exports{}
	for _, name := range resp.Exports {
		switch name {
		case extension.ExportActivate:
			exports[name] = e.activateHook(path)
		case extension.ExportDeactivate:
			exports[name] = e.deactivateHook(path)
		default:
			// Unknown names stay non-callable so module validation rejects them.
			exports[name] = name
		}
	}
	return exports, nil
}

func (e *Exec) activateHook(path string) extension.ActivateFunc {
	return func(ctx context.Context, ec *extension.Context) error {
		req := requestFor(protocol.CommandActivate, ec)
		resp, err := e.call(ctx, path, req)
		if err != nil {
			return err
		}
		for _, name := range resp.Disposables {
			handle := name
			ec.Subscribe(extension.DisposeFunc(func() error {
				dreq := requestFor(protocol.CommandDispose, ec)
				dreq.Disposable = handle
				_, err := e.call(context.Background(), path, dreq)
				return err
			}))
		}
		return nil
	}
}

func (e *Exec) deactivateHook(path string) extension.DeactivateFunc {
	return func(ctx context.Context) error {
		_, err := e.call(ctx, path, &protocol.Request{Command: protocol.CommandDeactivate})
		return err
	}
}

func requestFor(command string, ec *extension.Context) *protocol.Request {
	return &protocol.Request{
		Command:       command,
		ExtensionID:   ec.ExtensionID,
		ExtensionPath: ec.ExtensionPath,
		ActivationID:  ec.ActivationID,
		Manifest:      ec.Manifest,
	}
}

// call runs one protocol exchange and turns status=error into an error.
func (e *Exec) call(ctx context.Context, path string, req *protocol.Request) (*protocol.Response, error) {
	req.Protocol = protocol.Version
	req.DeadlineAt = time.Now().Add(e.timeout).UTC()

	resp, stderr, err := e.spawn(ctx, path, req)
	if err != nil {
		if stderr != "" {
			return nil, fmt.Errorf("%s %s: %w (stderr: %s)", path, req.Command, err, stderr)
		}
		return nil, fmt.Errorf("%s %s: %w", path, req.Command, err)
	}
	for _, entry := range resp.Logs {
		e.logger.Log(ctx, levelFor(entry.Level), entry.Message, "module", path, "command", req.Command)
	}
	if resp.Status == "error" {
		return nil, errors.New(resp.Error)
	}
	return resp, nil
}

// spawn runs the module once. On timeout or cancellation the child gets
// SIGTERM, then SIGKILL after the grace period.
func (e *Exec) spawn(ctx context.Context, path string, req *protocol.Request) (*protocol.Response, string, error) {
	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	cmd := exec.Command(path, req.Command)
	cmd.WaitDelay = e.grace
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("spawning module", "path", path, "command", req.Command, "timeout", e.timeout)
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, req)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var cause error
	select {
	case <-timer.C:
		cause = context.DeadlineExceeded
	case <-ctx.Done():
		cause = ctx.Err()
	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, fmt.Errorf("encode request: %w", werr)
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
			e.logger.Warn("module exited with non-zero status", "path", path, "exit_code", exitErr.ExitCode())
		}
		resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			e.logger.Error("failed to decode module response", "path", path, "error", err, "stdout", string(raw))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		return resp, stderrStr, nil
	}

	e.logger.Warn("module did not finish, sending SIGTERM", "path", path, "cause", cause)
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			e.logger.Error("failed to send SIGTERM", "error", err)
		}
	}
	grace := time.NewTimer(e.grace)
	defer grace.Stop()
	select {
	case <-waitErr:
	case <-grace.C:
		e.logger.Warn("module ignored SIGTERM, sending SIGKILL", "path", path)
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				e.logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
	return nil, truncateStderr(stderr.String()), cause
}

func truncateStderr(s string) string {
	if len(s) <= maxStderrBytes {
		return s
	}
	return s[:maxStderrBytes] + "\n... (truncated)"
}

func levelFor(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
