package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/api/rest"
	"github.com/KevinKickass/OpenLabCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLabCore/internal/auth"
	"github.com/KevinKickass/OpenLabCore/internal/commands"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/interfaces"
	"github.com/KevinKickass/OpenLabCore/internal/machine"
	"github.com/KevinKickass/OpenLabCore/internal/metrics"
	"github.com/KevinKickass/OpenLabCore/internal/persist"
	"github.com/KevinKickass/OpenLabCore/internal/plugins"
	"github.com/KevinKickass/OpenLabCore/internal/settings"
	"github.com/KevinKickass/OpenLabCore/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RunService is the gRPC health service name that reports SERVING while a
// measurement run is active.
const RunService = "labcore.Run"

type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	catalog           storage.RunStore
	deviceManager     *devices.Manager
	registry          *plugins.Registry
	settings          *settings.Store
	runConfig         *config.RunStore
	counter           *devices.ActiveCounter
	commands          *commands.Registry
	metrics           *metrics.Metrics
	promRegistry      *prometheus.Registry
	authService       *auth.Service
	wsHub             *websocket.Hub
	machineController *machine.Controller

	restServer   *rest.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	grpcAddr     net.Addr

	hubCancel context.CancelFunc
	hubDone   chan struct{}

	stateMu      sync.RWMutex
	currentState SystemState
	loadErrors   []string

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewLifecycleManager prepares every component that needs no network.
// table holds the compiled-in plugin factories.
func NewLifecycleManager(cfg *config.Config, table *plugins.Table, logger *zap.Logger) (*LifecycleManager, error) {
	settingsStore, err := settings.NewStore(cfg.Data.Dir, logger.Named("settings"))
	if err != nil {
		return nil, err
	}
	runConfig, err := config.NewRunStore(cfg.Data.Dir)
	if err != nil {
		return nil, err
	}
	enableState, err := plugins.LoadEnableState(cfg.Data.Path(cfg.Plugins.StateFile))
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	lm := &LifecycleManager{
		config:        cfg,
		logger:        logger,
		deviceManager: devices.NewManager(logger.Named("devices")),
		settings:      settingsStore,
		runConfig:     runConfig,
		counter:       devices.NewActiveCounter(),
		commands:      commands.NewRegistry(),
		metrics:       metrics.New(promRegistry),
		promRegistry:  promRegistry,
		authService:   auth.NewService(cfg.Auth, logger.Named("auth")),
		wsHub:         websocket.NewHub(logger.Named("ws")),
		healthServer:  health.NewServer(),
		currentState:  StateInitializing,
		shutdownChan:  make(chan struct{}),
	}

	lm.registry, err = plugins.NewRegistry(plugins.Options{
		Table:       table,
		SearchPaths: cfg.Plugins.SearchPaths,
		State:       enableState,
		Commands:    lm.commands,
		Settings:    settingsStore,
		Counter:     lm.counter,
		Host:        lm,
		Logger:      logger.Named("plugins"),
	})
	if err != nil {
		return nil, err
	}

	return lm, nil
}

// Start loads plugins and brings up the run controller and both servers.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenLabCore")

	catalog, err := storage.Open(ctx, lm.config.Catalog, lm.config.Data)
	if err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to open run catalog: %w", err)
	}
	lm.catalog = catalog

	if err := lm.loadPlugins(); err != nil {
		lm.setState(StateError)
		return err
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	lm.hubCancel = cancel
	lm.hubDone = make(chan struct{})
	go func() {
		defer close(lm.hubDone)
		lm.wsHub.Run(hubCtx)
	}()

	lm.counter.OnChange(func(active int, controllable bool) {
		lm.metrics.ControllersChanged(active, controllable)
		lm.wsHub.Broadcast(websocket.NewControllersMessage(active, controllable))
	})

	if err := lm.startMachineController(); err != nil {
		lm.setState(StateError)
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	if err := lm.startGRPCServer(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start gRPC: %w", err)
	}

	lm.setState(StateRunning)
	lm.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("devices", len(lm.deviceManager.ListStatuses())),
		zap.String("catalog", lm.config.Catalog.Driver))

	return nil
}

// loadPlugins materializes every device of the enabled plugins. Broken
// plugins are recorded, not fatal.
func (lm *LifecycleManager) loadPlugins() error {
	res := lm.registry.Load()

	for _, st := range res.Statuses {
		if err := lm.deviceManager.Add(st); err != nil {
			return fmt.Errorf("failed to add device: %w", err)
		}
	}

	lm.stateMu.Lock()
	lm.loadErrors = lm.loadErrors[:0]
	for _, err := range res.Errors {
		lm.loadErrors = append(lm.loadErrors, err.Error())
	}
	lm.stateMu.Unlock()

	lm.logger.Info("Plugins loaded",
		zap.Int("plugins", len(res.Plugins)),
		zap.Int("devices", len(res.Statuses)),
		zap.Int("errors", len(res.Errors)))
	return nil
}

func (lm *LifecycleManager) startMachineController() error {
	factory, err := persist.NewFactory(
		persist.Mode(lm.config.Run.WorkerIsolation),
		persist.ProcessOptions{},
		lm.logger.Named("persist"),
		lm.metrics.RowPersisted,
	)
	if err != nil {
		return err
	}

	lm.healthServer.SetServingStatus(RunService, healthpb.HealthCheckResponse_NOT_SERVING)

	lm.machineController = machine.NewController(lm.logger.Named("run"), machine.Options{
		Bindings:       lm.deviceManager,
		RunConfig:      lm.runConfig,
		Catalog:        lm.catalog,
		NewWorker:      factory,
		MeasureTimeout: lm.config.Run.MeasureTimeout,
		Recorder:       lm.metrics,
		Hub:            lm.wsHub,
		Observers:      []machine.RunObserver{lm.metrics, runHealth{lm.healthServer}},
	})
	lm.commands.SetRunState(lm.machineController.Running)
	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.wsHub, lm.authService, lm.promRegistry)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lm.grpcAddr = lis.Addr()

	lm.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(lm.grpcServer, lm.healthServer)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the system. Only the first call does work,
// later calls return its result.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		if timeout := lm.config.Server.ShutdownTimeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		lm.setState(StateStopping)
		lm.shutdownErr = lm.gracefulShutdown(ctx)
		lm.setState(StateStopped)

		close(lm.shutdownChan)
	})

	return lm.shutdownErr
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} { return lm.shutdownChan }

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	// 1. The run goes first so controllers stop while their devices are still open
	if lm.machineController != nil {
		if err := lm.machineController.StopRun(ctx); err != nil {
			errs = append(errs, fmt.Errorf("run stop failed: %w", err))
		}
	}
	lm.healthServer.Shutdown()

	// 2. Plugin cleanup (communication monitors)
	lm.registry.Shutdown()

	// one failing step must not cut the others short
	var g errgroup.Group

	// 3. Close every connected device
	g.Go(func() error {
		if err := lm.deviceManager.CloseAll(); err != nil {
			return fmt.Errorf("device close failed: %w", err)
		}
		return nil
	})

	// 4. REST API Server graceful shutdown
	if lm.restServer != nil {
		g.Go(func() error {
			if err := lm.restServer.Shutdown(ctx); err != nil {
				return fmt.Errorf("rest api shutdown failed: %w", err)
			}
			return nil
		})
	}

	// 5. gRPC Server graceful stop, forced once the deadline passes
	if lm.grpcServer != nil {
		g.Go(func() error {
			stopped := make(chan struct{})
			go func() {
				lm.grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
				return nil
			case <-ctx.Done():
				lm.grpcServer.Stop()
				return fmt.Errorf("grpc shutdown: %w", ctx.Err())
			}
		})
	}

	// 6. Websocket hub
	if lm.hubCancel != nil {
		g.Go(func() error {
			lm.hubCancel()
			select {
			case <-lm.hubDone:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("websocket hub shutdown: %w", ctx.Err())
			}
		})
	}

	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if lm.catalog != nil {
		if err := lm.catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("catalog close failed: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		lm.logger.Warn("Shutdown finished with errors", zap.Error(err))
		return err
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected system state change", zap.Error(err))
	}
	lm.currentState = state
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	statuses := lm.deviceManager.ListStatuses()
	connected := 0
	for _, st := range statuses {
		if st.Connected() {
			connected++
		}
	}

	runState := string(machine.StateIdle)
	if lm.machineController != nil {
		runState = string(lm.machineController.GetStatus().State)
	}

	return interfaces.SystemStatus{
		State:             lm.currentState.String(),
		RunState:          runState,
		Plugins:           len(lm.registry.Plugins()),
		DeviceCount:       len(statuses),
		ConnectedDevices:  connected,
		ActiveControllers: lm.counter.Active(),
		LoadErrors:        append([]string(nil), lm.loadErrors...),
	}
}

// Statuses implements plugins.Host.
func (lm *LifecycleManager) Statuses() []*devices.Status {
	return lm.deviceManager.ListStatuses()
}

// Publish implements plugins.Host.
func (lm *LifecycleManager) Publish(kind string, payload any) {
	lm.wsHub.Publish(kind, payload)
}

// HTTPHandler is the REST router, nil before Start.
func (lm *LifecycleManager) HTTPHandler() http.Handler {
	if lm.restServer == nil {
		return nil
	}
	return lm.restServer.Handler()
}

// GRPCAddr is the bound gRPC listen address, nil before Start.
func (lm *LifecycleManager) GRPCAddr() net.Addr { return lm.grpcAddr }

func (lm *LifecycleManager) Config() *config.Config                 { return lm.config }
func (lm *LifecycleManager) Catalog() storage.RunStore              { return lm.catalog }
func (lm *LifecycleManager) DeviceManager() *devices.Manager        { return lm.deviceManager }
func (lm *LifecycleManager) Registry() *plugins.Registry            { return lm.registry }
func (lm *LifecycleManager) Settings() *settings.Store              { return lm.settings }
func (lm *LifecycleManager) RunConfig() *config.RunStore            { return lm.runConfig }
func (lm *LifecycleManager) MachineController() *machine.Controller { return lm.machineController }

// runHealth mirrors the run state into the gRPC health service.
type runHealth struct{ hs *health.Server }

func (r runHealth) SetRunActive(active bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if active {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.hs.SetServingStatus(RunService, status)
}
