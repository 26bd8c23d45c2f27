package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/commands"
	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/settings"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
)

// Plugin is the load outcome of one manifest.
type Plugin struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Path        string   `json:"path"`
	Bundled     bool     `json:"bundled"`
	Enabled     bool     `json:"enabled"`
	Devices     []string `json:"devices"`
	Commands    []string `json:"commands"`
	Errors      []string `json:"errors,omitempty"`
}

type LoadResult struct {
	Plugins  []*Plugin
	Statuses []*devices.Status
	// Errors are the skipped plugins and entries. None of them is fatal.
	Errors []error
}

type Options struct {
	Table       *Table
	SearchPaths []string
	State       *EnableState
	Commands    *commands.Registry
	Settings    *settings.Store
	Counter     *devices.ActiveCounter
	Host        Host
	Logger      *zap.Logger
}

// Registry discovers plugins and materializes their devices.
type Registry struct {
	table     *Table
	loader    *Loader
	validator *Validator
	state     *EnableState
	commands  *commands.Registry
	settings  *settings.Store
	counter   *devices.ActiveCounter
	host      Host
	logger    *zap.Logger

	mu       sync.Mutex
	plugins  []*Plugin
	shutdown []func()
}

func NewRegistry(opts Options) (*Registry, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	if opts.Table == nil {
		opts.Table = NewTable()
	}
	if opts.Counter == nil {
		opts.Counter = devices.NewActiveCounter()
	}
	if opts.Commands == nil {
		opts.Commands = commands.NewRegistry()
	}

	return &Registry{
		table:     opts.Table,
		loader:    NewLoader(opts.SearchPaths),
		validator: validator,
		state:     opts.State,
		commands:  opts.Commands,
		settings:  opts.Settings,
		counter:   opts.Counter,
		host:      opts.Host,
		logger:    opts.Logger,
	}, nil
}

// Load reads bundled and installed manifests. Broken plugins and entries
// are logged and skipped; Load itself does not fail.
func (r *Registry) Load() *LoadResult {
	res := &LoadResult{}

	sources := r.table.bundledSources()
	installed, errs := r.loader.Discover()
	sources = append(sources, installed...)
	for _, err := range errs {
		r.reject(res, err)
	}

	seenPlugins := make(map[string]bool)
	seenDevices := make(map[string]bool)

	for _, src := range sources {
		m, err := r.parse(src)
		if err != nil {
			r.reject(res, err)
			continue
		}
		if seenPlugins[m.Name] {
			r.reject(res, &types.ManifestError{Plugin: m.Name, Path: src.Path, Err: errors.New("duplicate plugin name")})
			continue
		}
		seenPlugins[m.Name] = true

		p := &Plugin{
			Name:        m.Name,
			Description: m.Description,
			Version:     m.Version,
			Path:        src.Path,
			Bundled:     src.Bundled,
			Enabled:     r.state == nil || r.state.Enabled(m.Name),
		}
		res.Plugins = append(res.Plugins, p)

		if !p.Enabled {
			r.logger.Info("Plugin disabled", zap.String("plugin", m.Name))
			continue
		}

		r.loadPlugin(res, p, m, seenDevices)
		r.logger.Info("Plugin loaded",
			zap.String("plugin", m.Name),
			zap.String("path", src.Path),
			zap.Strings("devices", p.Devices))
	}

	r.mu.Lock()
	r.plugins = res.Plugins
	r.mu.Unlock()

	return res
}

func (r *Registry) parse(src Source) (*Manifest, error) {
	doc, err := decodeDocument(src.Data)
	if err != nil {
		return nil, &types.ManifestError{Path: src.Path, Err: err}
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, &types.ManifestError{Path: src.Path, Err: errors.New("manifest is not an object")}
	}
	if name, ok := obj["name"].(string); !ok || name == "" {
		return nil, &types.ManifestError{Path: src.Path, Err: types.ErrMissingName}
	}

	if err := r.validator.Validate(doc); err != nil {
		return nil, &types.ManifestError{Plugin: obj["name"].(string), Path: src.Path, Err: err}
	}

	var m Manifest
	if err := json.Unmarshal(src.Data, &m); err != nil {
		return nil, &types.ManifestError{Plugin: obj["name"].(string), Path: src.Path, Err: err}
	}
	return &m, nil
}

func (r *Registry) loadPlugin(res *LoadResult, p *Plugin, m *Manifest, seenDevices map[string]bool) {
	if r.settings != nil && len(m.Configuration) > 0 {
		r.settings.Declare(m.Name, m.Configuration)
	}

	for _, cmd := range m.Commands {
		cmd.Plugin = m.Name
		r.commands.Declare(cmd)
		p.Commands = append(p.Commands, cmd.ID)
	}

	if m.EntryPoint != "" {
		if err := r.runEntryPoint(m); err != nil {
			r.recordPluginError(res, p, err)
		}
	}

	for _, name := range m.DeviceNames() {
		st, err := r.materialize(m, name, m.Device[name])
		if err != nil {
			r.recordPluginError(res, p, err)
			continue
		}
		if st == nil {
			continue
		}
		if seenDevices[name] {
			r.recordPluginError(res, p, &types.ManifestError{Plugin: m.Name, Path: p.Path, Err: fmt.Errorf("device name %q already in use", name)})
			continue
		}
		seenDevices[name] = true
		res.Statuses = append(res.Statuses, st)
		p.Devices = append(p.Devices, name)
	}
}

func (r *Registry) runEntryPoint(m *Manifest) error {
	ep, ok := r.table.entryPoint(m.EntryPoint)
	if !ok {
		return &types.ResolutionError{Plugin: m.Name, Entry: "entry_point", Specifier: m.EntryPoint}
	}

	lc := &LoadContext{
		Plugin:   m.Name,
		Manifest: m,
		Commands: r.commands,
		Settings: r.settings,
		Host:     r.host,
		Logger:   r.logger.With(zap.String("plugin", m.Name)),
		registry: r,
	}
	if err := ep(lc); err != nil {
		return fmt.Errorf("plugin %s: entry point %s: %w", m.Name, m.EntryPoint, err)
	}
	return nil
}

// materialize builds the status of one device entry. It returns nil, nil
// for entries without a class.
func (r *Registry) materialize(m *Manifest, name string, entry DeviceEntry) (*devices.Status, error) {
	if entry.Class == "" {
		r.logger.Warn("Device entry has no class", zap.String("plugin", m.Name), zap.String("device", name))
		return nil, nil
	}

	newDevice, ok := r.table.device(entry.Class)
	if !ok {
		return nil, &types.ResolutionError{Plugin: m.Name, Entry: name, Specifier: entry.Class}
	}

	var newTab TabFactory
	if entry.TabClass != "" {
		if newTab, ok = r.table.tab(entry.TabClass); !ok {
			return nil, &types.ResolutionError{Plugin: m.Name, Entry: name, Specifier: entry.TabClass}
		}
	}

	env := Env{
		Plugin:   m.Name,
		Device:   name,
		Entry:    entry,
		Settings: r.settings,
		Counter:  r.counter,
		Logger:   r.logger.With(zap.String("plugin", m.Name), zap.String("device", name)),
	}

	dev, err := newDevice(env)
	if err != nil {
		return nil, &types.DeviceError{Device: name, Op: "create", Err: err}
	}

	var binding devices.Binding
	if newTab != nil {
		if binding, err = newTab(env, dev); err != nil {
			return nil, &types.DeviceError{Device: name, Op: "create tab", Err: err}
		}
	}

	return devices.NewStatus(name, m.Name, dev, entry.Properties, binding), nil
}

func (r *Registry) reject(res *LoadResult, err error) {
	r.logger.Error("Plugin skipped", zap.Error(err))
	res.Errors = append(res.Errors, err)
}

func (r *Registry) recordPluginError(res *LoadResult, p *Plugin, err error) {
	r.logger.Error("Plugin entry skipped", zap.String("plugin", p.Name), zap.Error(err))
	res.Errors = append(res.Errors, err)
	p.Errors = append(p.Errors, err.Error())
}

// Plugins returns the outcome of the last Load.
func (r *Registry) Plugins() []*Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Plugin(nil), r.plugins...)
}

// SetEnabled persists the enable flag of a plugin for the next start.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	if r.state == nil {
		return errors.New("plugin state is not persisted")
	}

	r.mu.Lock()
	found := false
	for _, p := range r.plugins {
		if p.Name == name {
			found = true
		}
	}
	r.mu.Unlock()
	if !found {
		return fmt.Errorf("plugin not found: %s", name)
	}
	return r.state.SetEnabled(name, enabled)
}

func (r *Registry) Counter() *devices.ActiveCounter { return r.counter }

func (r *Registry) Commands() *commands.Registry { return r.commands }

func (r *Registry) addShutdown(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = append(r.shutdown, fn)
}

// Shutdown runs the cleanup registered by entry points, last first.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	fns := r.shutdown
	r.shutdown = nil
	r.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
