package commands

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrNotAvailable   = errors.New("command not available in current run state")
)

// When restricts a command to a run state.
type When string

const (
	WhenAlways When = ""
	WhenRun    When = "run"
	WhenStop   When = "stop"
)

// Handler is invoked without arguments.
type Handler func() error

// Command is the declaration of a command from a plugin manifest.
type Command struct {
	ID            string `json:"command"`
	Plugin        string `json:"plugin"`
	Title         string `json:"title"`
	Icon          string `json:"icon,omitempty"`
	IconColor     string `json:"iconColor,omitempty"`
	ShowOnToolbar bool   `json:"showOnToolbar"`
	When          When   `json:"when,omitempty"`
}

type CommandInfo struct {
	Command
	Registered bool `json:"registered"`
	Available  bool `json:"available"`
}

// Registry maps command identifiers to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	decls    map[string]Command
	running  func() bool
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		decls:    make(map[string]Command),
		running:  func() bool { return false },
	}
}

// SetRunState tells the registry how to find out whether a run is active.
func (r *Registry) SetRunState(running func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = running
}

func (r *Registry) Register(id string, h Handler) error {
	if id == "" || h == nil {
		return errors.New("command id and handler are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[id]; exists {
		return fmt.Errorf("command %q already registered", id)
	}
	r.handlers[id] = h
	return nil
}

// Declare records the metadata of a command. A later declaration replaces an earlier one.
func (r *Registry) Declare(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decls[cmd.ID] = cmd
}

func (r *Registry) Execute(id string) error {
	r.mu.RLock()
	h, ok := r.handlers[id]
	decl := r.decls[id]
	running := r.running()
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, id)
	}
	if !available(decl.When, running) {
		return fmt.Errorf("%w: %s", ErrNotAvailable, id)
	}
	return h()
}

// List returns every declared or registered command sorted by id.
func (r *Registry) List() []CommandInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	running := r.running()
	ids := make(map[string]struct{}, len(r.decls)+len(r.handlers))
	for id := range r.decls {
		ids[id] = struct{}{}
	}
	for id := range r.handlers {
		ids[id] = struct{}{}
	}

	out := make([]CommandInfo, 0, len(ids))
	for id := range ids {
		decl, ok := r.decls[id]
		if !ok {
			decl = Command{ID: id, Title: id}
		}
		_, registered := r.handlers[id]
		out = append(out, CommandInfo{
			Command:    decl,
			Registered: registered,
			Available:  registered && available(decl.When, running),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func available(when When, running bool) bool {
	switch when {
	case WhenRun:
		return running
	case WhenStop:
		return !running
	default:
		return true
	}
}
