package system

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/machine"
	"github.com/KevinKickass/OpenLabCore/internal/plugins"
	"github.com/KevinKickass/OpenLabCore/internal/plugins/builtin"
	"github.com/KevinKickass/OpenLabCore/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func testConfig(dir string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ShutdownTimeout: 5 * time.Second},
		Data:   config.DataConfig{Dir: dir},
		Plugins: config.PluginsConfig{
			SearchPaths: []string{filepath.Join(dir, "plugins")},
			StateFile:   "plugin_conf.json",
		},
		Run:     config.RunnerConfig{WorkerIsolation: "goroutine", MeasureTimeout: time.Second},
		Catalog: config.CatalogConfig{Driver: "sqlite", SQLitePath: "runs.db"},
	}
}

func startSystem(t *testing.T) *LifecycleManager {
	t.Helper()
	table := plugins.NewTable()
	require.NoError(t, builtin.Register(table))

	lm, err := NewLifecycleManager(testConfig(t.TempDir()), table, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, lm.Start(context.Background()))
	t.Cleanup(func() { lm.Shutdown(context.Background()) })
	return lm
}

func checkHealth(t *testing.T, lm *LifecycleManager, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	conn, err := grpc.NewClient(lm.GRPCAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestLifecycleStartLoadsBundledPlugins(t *testing.T) {
	lm := startSystem(t)

	status := lm.GetCurrentStatus()
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, "idle", status.RunState)
	assert.Equal(t, 4, status.Plugins)
	assert.Equal(t, 4, status.DeviceCount)
	assert.Zero(t, status.ConnectedDevices)
	assert.Empty(t, status.LoadErrors)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkHealth(t, lm, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkHealth(t, lm, RunService))

	rec := httptest.NewRecorder()
	lm.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"RUNNING"`)
}

func TestLifecycleSimulatorRun(t *testing.T) {
	lm := startSystem(t)
	ctx := context.Background()

	require.NoError(t, lm.DeviceManager().Connect(ctx, "Signal generator", nil))
	require.NoError(t, lm.DeviceManager().Connect(ctx, "Multimeter", nil))

	out := filepath.Join(lm.Config().Data.Dir, "data_saved", "sim.csv")
	require.NoError(t, lm.RunConfig().Put(config.RunConfig{
		MeasuringInterval: 10,
		Continuous:        true,
		SaveToFile:        true,
		SaveFilePath:      out,
	}))

	status, err := lm.MachineController().StartRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Time", "Voltage", "Output"}, status.Columns)
	assert.Equal(t, out, status.OutputPath)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkHealth(t, lm, RunService))
	assert.Equal(t, 1, lm.GetCurrentStatus().ActiveControllers)

	// declared without a when clause, so it is available during a run
	require.NoError(t, lm.Registry().Commands().Execute(builtin.ToggleMonitorCommand))

	assert.Eventually(t, func() bool {
		return lm.MachineController().GetStatus().Samples >= 3
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, lm.MachineController().StopRun(stopCtx))

	assert.Equal(t, machine.StateStopped, lm.MachineController().GetStatus().State)
	assert.Zero(t, lm.GetCurrentStatus().ActiveControllers)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkHealth(t, lm, RunService))

	runs, err := lm.Catalog().ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.RunStatusStopped, runs[0].Status)
	assert.Equal(t, out, runs[0].FilePath)
	assert.GreaterOrEqual(t, runs[0].Samples, 3)
}

func TestLifecycleShutdownOnce(t *testing.T) {
	table := plugins.NewTable()
	require.NoError(t, builtin.Register(table))
	lm, err := NewLifecycleManager(testConfig(t.TempDir()), table, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, lm.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, lm.DeviceManager().Connect(ctx, "Multimeter", nil))
	_, err = lm.MachineController().StartRun(ctx)
	require.NoError(t, err)

	require.NoError(t, lm.Shutdown(ctx))
	assert.False(t, lm.MachineController().Running())
	assert.Zero(t, lm.GetCurrentStatus().ConnectedDevices)
	assert.Equal(t, "STOPPED", lm.GetCurrentStatus().State)

	select {
	case <-lm.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
	assert.NoError(t, lm.Shutdown(ctx))
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateInitializing, StateRunning))
	assert.NoError(t, ValidateTransition(StateRunning, StateStopping))
	assert.Error(t, ValidateTransition(StateStopped, StateRunning))
	assert.Error(t, ValidateTransition(SystemState(42), StateRunning))
	assert.Equal(t, "UNKNOWN", SystemState(42).String())
	assert.Equal(t, "ERROR", StateError.String())
}
