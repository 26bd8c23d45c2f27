package builtin

import (
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/monitor"
	"github.com/KevinKickass/OpenLabCore/internal/plugins"
	"go.uber.org/zap"
)

const (
	ToggleMonitorCommand = "monitor.toggle"
	MonitorEvent         = "monitor"
	monitorIntervalKey   = "monitor.intervalMs"
)

func registerMonitor(t *plugins.Table) {
	t.RegisterEntryPoint("monitor:activate", activateMonitor)
}

func activateMonitor(lc *plugins.LoadContext) error {
	interval := monitor.DefaultInterval
	if lc.Settings != nil {
		if ms := lc.Settings.GetInt(monitorIntervalKey); ms > 0 {
			interval = time.Duration(ms) * time.Millisecond
		}
	}

	group := monitor.NewGroup(interval, func(line monitor.Line) {
		if lc.Host != nil {
			lc.Host.Publish(MonitorEvent, line)
		}
	}, lc.Logger)
	lc.OnShutdown(group.StopAll)

	return lc.Commands.Register(ToggleMonitorCommand, func() error {
		if lc.Host == nil {
			return nil
		}
		active := group.Toggle(lc.Host.Statuses())
		lc.Logger.Info("Communication monitor toggled",
			zap.Bool("active", active),
			zap.Strings("devices", group.Devices()))
		return nil
	})
}
