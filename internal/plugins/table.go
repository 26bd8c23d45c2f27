package plugins

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/commands"
	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/settings"
	"go.uber.org/zap"
)

// Env is handed to factories when a device entry is materialized.
type Env struct {
	Plugin   string
	Device   string
	Entry    DeviceEntry
	Settings *settings.Store
	// Counter is shared by every controller of the application.
	Counter *devices.ActiveCounter
	Logger  *zap.Logger
}

type (
	DeviceFactory func(env Env) (devices.Device, error)
	TabFactory    func(env Env, dev devices.Device) (devices.Binding, error)
	EntryPoint    func(lc *LoadContext) error
)

// Host is what plugins may reach of the running application.
type Host interface {
	Statuses() []*devices.Status
	Publish(kind string, payload any)
}

// LoadContext is passed to a plugin entry point once at load time.
type LoadContext struct {
	Plugin   string
	Manifest *Manifest
	Commands *commands.Registry
	Settings *settings.Store
	Host     Host
	Logger   *zap.Logger

	registry *Registry
}

// OnShutdown registers fn to run when the registry shuts down.
func (lc *LoadContext) OnShutdown(fn func()) {
	lc.registry.addShutdown(fn)
}

// Table maps "module:Name" specifiers to compiled-in implementations.
type Table struct {
	mu      sync.RWMutex
	devices map[string]DeviceFactory
	tabs    map[string]TabFactory
	entries map[string]EntryPoint
	bundled map[string][]byte
}

func NewTable() *Table {
	return &Table{
		devices: make(map[string]DeviceFactory),
		tabs:    make(map[string]TabFactory),
		entries: make(map[string]EntryPoint),
		bundled: make(map[string][]byte),
	}
}

func checkSpecifier(spec string) {
	module, attr, ok := strings.Cut(spec, ":")
	if !ok || module == "" || attr == "" || strings.Contains(attr, ":") {
		panic(fmt.Sprintf("plugins: malformed specifier %q", spec))
	}
}

func (t *Table) RegisterDevice(spec string, f DeviceFactory) {
	checkSpecifier(spec)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[spec] = f
}

func (t *Table) RegisterTab(spec string, f TabFactory) {
	checkSpecifier(spec)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tabs[spec] = f
}

func (t *Table) RegisterEntryPoint(spec string, f EntryPoint) {
	checkSpecifier(spec)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[spec] = f
}

// Bundle adds a compiled-in manifest. id names the bundled plugin source.
func (t *Table) Bundle(id string, manifest []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bundled[id] = manifest
}

func (t *Table) device(spec string) (DeviceFactory, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.devices[spec]
	return f, ok
}

func (t *Table) tab(spec string) (TabFactory, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.tabs[spec]
	return f, ok
}

func (t *Table) entryPoint(spec string) (EntryPoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.entries[spec]
	return f, ok
}

// bundledSources returns the compiled-in manifests sorted by id.
func (t *Table) bundledSources() []Source {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.bundled))
	for id := range t.bundled {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Source, 0, len(ids))
	for _, id := range ids {
		out = append(out, Source{Path: "bundled:" + id, Data: t.bundled[id], Bundled: true})
	}
	return out
}
