package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/bulwarkhq/bulwark/internal/log"
	"github.com/bulwarkhq/bulwark/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from plugin execution.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ProcHandler runs a plugin as a subprocess, one spawn per hook invocation,
// speaking protocol v1 JSON over stdin/stdout. The process boundary is the
// fault boundary: whatever happens on the far side surfaces here as an error
// return, never as a fault in the host.
type ProcHandler struct {
	name       string
	entrypoint string
	maxTime    time.Duration
	critical   bool
	config     map[string]any
	logger     *slog.Logger
}

// NewProcHandler creates a subprocess-backed handler.
func NewProcHandler(name, entrypoint string, critical bool, maxTime time.Duration) *ProcHandler {
	return &ProcHandler{
		name:       name,
		entrypoint: entrypoint,
		maxTime:    maxTime,
		critical:   critical,
		logger:     log.WithEntity(name),
	}
}

func (p *ProcHandler) Name() string                    { return p.name }
func (p *ProcHandler) MaxExecutionTime() time.Duration { return p.maxTime }
func (p *ProcHandler) Critical() bool                  { return p.critical }

// Initialize stores the config blob and runs the init hook so the plugin can
// validate it.
func (p *ProcHandler) Initialize(ctx context.Context, config map[string]any) error {
	p.config = config
	_, err := p.invoke(ctx, &protocol.Request{Hook: protocol.HookInit})
	return err
}

func (p *ProcHandler) Shutdown(ctx context.Context) error {
	_, err := p.invoke(ctx, &protocol.Request{Hook: protocol.HookShutdown})
	return err
}

func (p *ProcHandler) HealthCheck(ctx context.Context) (Health, error) {
	resp, err := p.invoke(ctx, &protocol.Request{Hook: protocol.HookHealth})
	if err != nil {
		return HealthUnhealthy, err
	}
	switch resp.Health {
	case "degraded":
		return HealthDegraded, nil
	case "unhealthy":
		return HealthUnhealthy, nil
	default:
		return HealthHealthy, nil
	}
}

// BeforeRequest sends the request view to the plugin; if the response
// carries a rewritten request it replaces the host's copy.
func (p *ProcHandler) BeforeRequest(ctx context.Context, req *protocol.HTTPRequest) error {
	resp, err := p.invoke(ctx, &protocol.Request{Hook: protocol.HookBefore, Request: req})
	if err != nil {
		return err
	}
	if resp.Request != nil {
		*req = *resp.Request
	}
	return nil
}

func (p *ProcHandler) AfterResponse(ctx context.Context, res *protocol.HTTPResponse) error {
	resp, err := p.invoke(ctx, &protocol.Request{Hook: protocol.HookAfter, Response: res})
	if err != nil {
		return err
	}
	if resp.Response != nil {
		*res = *resp.Response
	}
	return nil
}

// invoke spawns the plugin process, writes the envelope to stdin, and reads
// the response from stdout. Cancellation of ctx (the executor's deadline)
// triggers SIGTERM, a bounded grace period, then SIGKILL.
func (p *ProcHandler) invoke(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	req.Protocol = 1
	req.CallID = uuid.NewString()
	req.Config = p.config
	if deadline, ok := ctx.Deadline(); ok {
		req.DeadlineAt = deadline
	}

	// Don't use CommandContext - termination is managed below.
	cmd := exec.Command(p.entrypoint)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug("spawning plugin", "entrypoint", p.entrypoint, "hook", req.Hook)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
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

	select {
	case <-ctx.Done():
		p.logger.Warn("plugin call cancelled, sending SIGTERM", "hook", req.Hook)
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				p.logger.Error("failed to send SIGTERM", "error", err)
			}
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
			p.logger.Info("plugin exited after SIGTERM")
		case <-grace.C:
			p.logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
			if cmd.Process != nil {
				if err := cmd.Process.Kill(); err != nil {
					p.logger.Error("failed to send SIGKILL", "error", err)
				}
			}
			<-waitErr
		}
		return nil, ctx.Err()

	case err := <-waitErr:
		if werr := <-writeErr; werr != nil {
			return nil, fmt.Errorf("encode request: %w", werr)
		}

		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				p.logger.Warn("plugin exited with non-zero status", "exit_code", exitErr.ExitCode(), "stderr", truncateStderr(stderr.String()))
			} else {
				return nil, fmt.Errorf("wait for process: %w", err)
			}
		}

		resp, rawBytes, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			p.logger.Error("failed to decode plugin response", "error", err, "stdout", string(rawBytes), "stderr", truncateStderr(stderr.String()))
			return nil, fmt.Errorf("decode response: %w", err)
		}

		for _, entry := range resp.Logs {
			p.logger.Info("plugin log", "level", entry.Level, "message", entry.Message)
		}

		if resp.Status == "error" {
			return nil, fmt.Errorf("plugin error: %s", resp.Error)
		}
		return resp, nil
	}
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
