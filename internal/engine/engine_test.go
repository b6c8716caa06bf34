package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulwarkhq/bulwark/internal/config"
	"github.com/bulwarkhq/bulwark/internal/events"
	"github.com/bulwarkhq/bulwark/internal/log"
	"github.com/bulwarkhq/bulwark/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	m.Run()
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Storage.Path = "" // no audit store unless a test opts in
	cfg.API.Enabled = false
	cfg.Defaults.MaxExecutionTime = 2 * time.Second
	return cfg
}

func writePluginScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script plugins require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "plugin.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

const okScript = `cat >/dev/null
printf '{"status":"ok"}'
`

func TestNewEngineBuildsPool(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	cfg := testConfig()
	cfg.Proxy = &config.ProxyConfig{
		Algorithm: config.AlgorithmRoundRobin,
		Retries:   1,
		Targets: []config.TargetConf{
			{Name: "b1", URL: backend.URL, Weight: 1},
			{Name: "b2", URL: backend.URL, Weight: 2},
		},
	}

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, e.Proxy())

	entities := e.Entities()
	require.Len(t, entities, 2)
	assert.Equal(t, "target", entities[0].Kind)
	assert.Equal(t, "active", entities[0].State)
	assert.True(t, entities[0].Healthy)
	assert.Equal(t, "closed", entities[0].Breaker)
	assert.Equal(t, 2, entities[1].Weight)

	t1, ok := e.pool.Get("b1")
	require.True(t, ok)
	t1.SetHealthy(false)
	ent, ok := e.Entity("b1")
	require.True(t, ok)
	assert.Equal(t, "unhealthy", ent.State)
	assert.False(t, ent.Healthy)
}

func TestEngineDispatchThroughProxy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer backend.Close()

	cfg := testConfig()
	cfg.Proxy = &config.ProxyConfig{
		Algorithm: config.AlgorithmLeastConnections,
		Targets:   []config.TargetConf{{Name: "b1", URL: backend.URL}},
	}
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)

	res, err := e.Proxy().Dispatch(context.Background(), &protocol.HTTPRequest{Method: "GET", Path: "/ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", string(res.Body))
}

func TestRegisterPluginsActivates(t *testing.T) {
	cfg := testConfig()
	cfg.Plugins = []config.PluginConf{
		{Name: "authz", Entrypoint: writePluginScript(t, okScript)},
	}
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.RegisterPlugins(context.Background()))

	ent, ok := e.Entity("authz")
	require.True(t, ok)
	assert.Equal(t, "plugin", ent.Kind)
	assert.Equal(t, "active", ent.State)
	assert.True(t, ent.Healthy)
}

func TestCriticalPluginFailureAbortsStartup(t *testing.T) {
	bad := writePluginScript(t, `cat >/dev/null
printf '{"status":"error","error":"no upstream"}'
`)
	cfg := testConfig()
	cfg.Plugins = []config.PluginConf{
		{Name: "guard", Entrypoint: bad, Critical: true},
	}
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.Error(t, e.RegisterPlugins(context.Background()))
}

func TestNonCriticalPluginFailureContinuesStartup(t *testing.T) {
	bad := writePluginScript(t, `cat >/dev/null
printf '{"status":"error","error":"bad config"}'
`)
	good := writePluginScript(t, okScript)
	cfg := testConfig()
	cfg.Plugins = []config.PluginConf{
		{Name: "flaky", Entrypoint: bad},
		{Name: "solid", Entrypoint: good},
	}
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.RegisterPlugins(context.Background()))

	flaky, ok := e.Entity("flaky")
	require.True(t, ok)
	assert.Equal(t, "failed", flaky.State)
	solid, ok := e.Entity("solid")
	require.True(t, ok)
	assert.Equal(t, "active", solid.State)
}

func TestReloadPluginsSwaps(t *testing.T) {
	cfg := testConfig()
	cfg.Plugins = []config.PluginConf{
		{Name: "svc", Entrypoint: writePluginScript(t, okScript)},
	}
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.RegisterPlugins(context.Background()))

	require.NoError(t, e.ReloadPlugins(context.Background()))
	ent, ok := e.Entity("svc")
	require.True(t, ok)
	assert.Equal(t, "active", ent.State)
}

func TestLifecycleEventsPublished(t *testing.T) {
	cfg := testConfig()
	cfg.Plugins = []config.PluginConf{
		{Name: "obs", Entrypoint: writePluginScript(t, okScript)},
	}
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.RegisterPlugins(context.Background()))

	evs := e.Hub().SnapshotSince(0)
	var states []string
	for _, ev := range evs {
		if ev.Type == events.TypePluginLifecycle {
			states = append(states, string(ev.Data))
		}
	}
	require.Len(t, states, 2)
	assert.Contains(t, states[0], "initializing")
	assert.Contains(t, states[1], "active")
}

func TestAuditTrailRecordsLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "audit.db")
	cfg.Plugins = []config.PluginConf{
		{Name: "obs", Entrypoint: writePluginScript(t, okScript)},
	}
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.RegisterPlugins(context.Background()))

	got, err := e.store.RecentTransitions(context.Background(), "obs", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "active", got[0].To)
	assert.Equal(t, "initializing", got[1].To)
	require.NoError(t, e.store.Close())
}

func TestRunHeadlessStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

func writeManifestPlugin(t *testing.T, dir, name, extra string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script plugins require a POSIX shell")
	}
	pluginDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	script := filepath.Join(pluginDir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+okScript), 0o755))
	manifest := "name: " + name + "\nversion: 1.0.0\nprotocol: 1\nentrypoint: run.sh\n" + extra
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "manifest.yaml"), []byte(manifest), 0o644))
}

func TestDiscoveredPluginRegisters(t *testing.T) {
	pluginsDir := t.TempDir()
	writeManifestPlugin(t, pluginsDir, "audit", "")

	cfg := testConfig()
	cfg.Service.PluginsDir = pluginsDir

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.RegisterPlugins(context.Background()))

	ent, ok := e.Entity("audit")
	require.True(t, ok)
	assert.Equal(t, "active", ent.State)
}

func TestManifestFillsEntrypointForConfiguredPlugin(t *testing.T) {
	pluginsDir := t.TempDir()
	writeManifestPlugin(t, pluginsDir, "authz", "critical: true\n")

	cfg := testConfig()
	cfg.Service.PluginsDir = pluginsDir
	cfg.Plugins = []config.PluginConf{{Name: "authz"}}

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.RegisterPlugins(context.Background()))

	ent, ok := e.Entity("authz")
	require.True(t, ok)
	assert.Equal(t, "active", ent.State)
	assert.True(t, ent.Critical)
}

func TestDiscoveredPluginMissingRequiredKeysSkipped(t *testing.T) {
	pluginsDir := t.TempDir()
	writeManifestPlugin(t, pluginsDir, "notify", "config_keys:\n  required:\n    - webhook_url\n")

	cfg := testConfig()
	cfg.Service.PluginsDir = pluginsDir

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.RegisterPlugins(context.Background()))

	_, ok := e.Entity("notify")
	assert.False(t, ok, "plugin without required config should not register")
}

func TestConfiguredKeysSatisfyManifest(t *testing.T) {
	pluginsDir := t.TempDir()
	writeManifestPlugin(t, pluginsDir, "notify", "config_keys:\n  required:\n    - webhook_url\n")

	cfg := testConfig()
	cfg.Service.PluginsDir = pluginsDir
	cfg.Plugins = []config.PluginConf{{
		Name:   "notify",
		Config: map[string]any{"webhook_url": "http://127.0.0.1:9/hook"},
	}}

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.RegisterPlugins(context.Background()))

	ent, ok := e.Entity("notify")
	require.True(t, ok)
	assert.Equal(t, "active", ent.State)
}
