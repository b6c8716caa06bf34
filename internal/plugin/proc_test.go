package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulwarkhq/bulwark/internal/protocol"
)

// writeScript drops an executable shell script into a temp dir and returns
// its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script plugins require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "plugin.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestProcHandlerHealthCheck(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
printf '{"status":"ok","health":"degraded"}'
`)
	h := NewProcHandler("probe", script, false, time.Second)

	health, err := h.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, health)
}

func TestProcHandlerBeforeRequestRewrite(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
printf '{"status":"ok","request":{"method":"GET","path":"/rewritten","headers":{"X-Seen":"yes"}}}'
`)
	h := NewProcHandler("rewriter", script, false, time.Second)

	req := &protocol.HTTPRequest{Method: "GET", Path: "/original"}
	require.NoError(t, h.BeforeRequest(context.Background(), req))
	assert.Equal(t, "/rewritten", req.Path)
	assert.Equal(t, "yes", req.Headers["X-Seen"])
}

func TestProcHandlerBeforeRequestNoRewrite(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
printf '{"status":"ok"}'
`)
	h := NewProcHandler("passthrough", script, false, time.Second)

	req := &protocol.HTTPRequest{Method: "POST", Path: "/keep"}
	require.NoError(t, h.BeforeRequest(context.Background(), req))
	assert.Equal(t, "/keep", req.Path)
}

func TestProcHandlerErrorStatus(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
printf '{"status":"error","error":"upstream missing"}'
`)
	h := NewProcHandler("fail", script, false, time.Second)

	err := h.Initialize(context.Background(), map[string]any{"k": "v"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream missing")
}

func TestProcHandlerNonZeroExitWithValidOutput(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
printf '{"status":"ok"}'
exit 3
`)
	h := NewProcHandler("grumpy", script, false, time.Second)

	// A non-zero exit is logged, not fatal, as long as stdout carries a
	// valid envelope.
	assert.NoError(t, h.Shutdown(context.Background()))
}

func TestProcHandlerGarbageOutput(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
printf 'not json at all'
`)
	h := NewProcHandler("noise", script, false, time.Second)

	err := h.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestProcHandlerDeadlineKillsProcess(t *testing.T) {
	script := writeScript(t, "exec sleep 30\n")
	h := NewProcHandler("hung", script, false, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.HealthCheck(ctx)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 3*time.Second, "SIGTERM should reap the process well before the sleep finishes")
}

func TestProcHandlerMissingEntrypoint(t *testing.T) {
	h := NewProcHandler("ghost", "/nonexistent/plugin.sh", false, time.Second)
	err := h.Shutdown(context.Background())
	require.Error(t, err)
}

func TestProcHandlerPluginLogsForwarded(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
printf '{"status":"ok","logs":[{"level":"info","message":"warmed up"}]}'
`)
	h := NewProcHandler("chatty", script, false, time.Second)
	assert.NoError(t, h.Initialize(context.Background(), nil))
}

func TestProcHandlerDeadlineErrIsContextErr(t *testing.T) {
	script := writeScript(t, "exec sleep 30\n")
	h := NewProcHandler("hung", script, false, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.Shutdown(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
