package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/auth"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/plugins"
	"github.com/KevinKickass/OpenLabCore/internal/plugins/builtin"
	"github.com/KevinKickass/OpenLabCore/internal/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type api struct {
	t       *testing.T
	lm      *system.LifecycleManager
	handler http.Handler
	token   string
}

func newAPI(t *testing.T, authCfg config.AuthConfig) *api {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Server: config.ServerConfig{ShutdownTimeout: 5 * time.Second},
		Auth:   authCfg,
		Data:   config.DataConfig{Dir: dir},
		Plugins: config.PluginsConfig{
			SearchPaths: []string{filepath.Join(dir, "plugins")},
			StateFile:   "plugin_conf.json",
		},
		Run:     config.RunnerConfig{WorkerIsolation: "goroutine", MeasureTimeout: time.Second},
		Catalog: config.CatalogConfig{Driver: "sqlite", SQLitePath: "runs.db"},
	}

	table := plugins.NewTable()
	require.NoError(t, builtin.Register(table))
	lm, err := system.NewLifecycleManager(cfg, table, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, lm.Start(context.Background()))
	t.Cleanup(func() { lm.Shutdown(context.Background()) })

	return &api{t: t, lm: lm, handler: lm.HTTPHandler()}
}

func (a *api) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestDevicesEndpoints(t *testing.T) {
	a := newAPI(t, config.AuthConfig{})

	rec := a.do(http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, decode(t, rec)["count"])

	rec = a.do(http.MethodPost, "/api/v1/devices/Signal%20generator/connect", map[string]any{"amplitude": 99})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/devices/Signal%20generator/connect", map[string]any{"amplitude": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["connected"])

	rec = a.do(http.MethodPatch, "/api/v1/devices/Signal%20generator", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["enabled"])

	rec = a.do(http.MethodPost, "/api/v1/devices/Signal%20generator/disconnect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["connected"])

	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPost, "/api/v1/devices/nope/connect", nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/v1/devices/nope", nil).Code)

	rec = a.do(http.MethodGet, "/api/v1/plugins", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, decode(t, rec)["count"])

	rec = a.do(http.MethodPatch, "/api/v1/plugins/simulator", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["restart_required"])
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPatch, "/api/v1/plugins/nope", map[string]any{"enabled": false}).Code)
}

func TestRunEndpoints(t *testing.T) {
	a := newAPI(t, config.AuthConfig{})

	rec := a.do(http.MethodGet, "/api/v1/run/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1000, decode(t, rec)["measuringInterval"])

	rec = a.do(http.MethodPut, "/api/v1/run/config", map[string]any{"measuringInterval": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPut, "/api/v1/run/config", map[string]any{
		"measuringInterval":      10,
		"continuous":             false,
		"numberOfMeasuringTimes": 2,
		"saveToFile":             false,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/v1/devices/Multimeter/connect", nil).Code)

	rec = a.do(http.MethodPost, "/api/v1/run/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	runID, _ := decode(t, rec)["run_id"].(string)
	require.NotEmpty(t, runID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.lm.MachineController().Wait(ctx))

	rec = a.do(http.MethodGet, "/api/v1/run/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, "completed", status["state"])
	assert.EqualValues(t, 2, status["samples"])

	// stopping without an active run is not an error
	assert.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/v1/run/stop", nil).Code)

	rec = a.do(http.MethodGet, "/api/v1/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = a.do(http.MethodGet, "/api/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["status"])

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/v1/runs?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/v1/runs/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/v1/runs/00000000-0000-0000-0000-000000000001", nil).Code)
}

func TestRunStartConflict(t *testing.T) {
	a := newAPI(t, config.AuthConfig{})
	require.Equal(t, http.StatusOK, a.do(http.MethodPut, "/api/v1/run/config", map[string]any{
		"measuringInterval": 10,
		"continuous":        true,
		"saveToFile":        false,
	}).Code)

	require.Equal(t, http.StatusAccepted, a.do(http.MethodPost, "/api/v1/run/start", nil).Code)
	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, "/api/v1/run/start", nil).Code)

	rec := a.do(http.MethodPost, "/api/v1/run/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status, _ := decode(t, rec)["status"].(map[string]any)
	assert.Equal(t, "stopped", status["state"])
}

func TestCommandsAndSettings(t *testing.T) {
	a := newAPI(t, config.AuthConfig{})

	rec := a.do(http.MethodGet, "/api/v1/commands", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	assert.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/v1/commands/monitor.toggle/execute", nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPost, "/api/v1/commands/nope/execute", nil).Code)

	rec = a.do(http.MethodGet, "/api/v1/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "monitor.intervalMs")

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPut, "/api/v1/settings", map[string]any{"monitor.intervalMs": 0}).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPut, "/api/v1/settings", map[string]any{"unknown.key": 1}).Code)
	require.Equal(t, http.StatusOK, a.do(http.MethodPut, "/api/v1/settings", map[string]any{"monitor.intervalMs": 50}).Code)
	assert.Equal(t, 50, a.lm.Settings().GetInt("monitor.intervalMs"))

	require.Equal(t, http.StatusOK, a.do(http.MethodDelete, "/api/v1/settings", nil).Code)
	assert.Equal(t, 10, a.lm.Settings().GetInt("monitor.intervalMs"))
}

func TestAuthenticatedAPI(t *testing.T) {
	t.Setenv("OLC_TEST_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	hash, err := auth.HashPassword("s3cret-pass")
	require.NoError(t, err)

	a := newAPI(t, config.AuthConfig{
		Enabled:        true,
		JWTSecretEnv:   "OLC_TEST_JWT_SECRET",
		AccessTokenTTL: time.Minute,
		Operator:       config.OperatorConfig{Username: "op", PasswordHash: hash, Role: "viewer"},
	})

	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/api/v1/devices", nil).Code)

	rec := a.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "op", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "op", "password": "s3cret-pass"})
	require.Equal(t, http.StatusOK, rec.Code)
	a.token, _ = decode(t, rec)["access_token"].(string)
	require.NotEmpty(t, a.token)

	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/v1/devices", nil).Code)
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodPost, "/api/v1/run/start", nil).Code)

	rec = a.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "labcore_run_active")
}

func TestLoginDisabled(t *testing.T) {
	a := newAPI(t, config.AuthConfig{})
	rec := a.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "op", "password": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
