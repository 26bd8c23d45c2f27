package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/machine"
	"github.com/KevinKickass/OpenLabCore/internal/plugins"
	"github.com/KevinKickass/OpenLabCore/internal/settings"
	"github.com/KevinKickass/OpenLabCore/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State             string   `json:"state"`
	RunState          string   `json:"run_state"`
	Plugins           int      `json:"plugins"`
	DeviceCount       int      `json:"device_count"`
	ConnectedDevices  int      `json:"connected_devices"`
	ActiveControllers int      `json:"active_controllers"`
	LoadErrors        []string `json:"load_errors,omitempty"`
}

type LifecycleManager interface {
	Config() *config.Config
	Catalog() storage.RunStore
	DeviceManager() *devices.Manager
	Registry() *plugins.Registry
	Settings() *settings.Store
	RunConfig() *config.RunStore
	MachineController() *machine.Controller
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
