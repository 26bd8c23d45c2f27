// Package builtin holds the plugins compiled into the application.
package builtin

import (
	"context"
	"embed"
	"fmt"
	"path"
	"strings"

	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/plugins"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

//go:embed manifests/*.json
var manifests embed.FS

// Register adds every bundled plugin and its factories to t.
func Register(t *plugins.Table) error {
	registerSimulator(t)
	registerSerial(t)
	registerModbus(t)
	registerMonitor(t)

	entries, err := manifests.ReadDir("manifests")
	if err != nil {
		return fmt.Errorf("failed to read bundled manifests: %w", err)
	}
	for _, entry := range entries {
		data, err := manifests.ReadFile(path.Join("manifests", entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read bundled manifest %s: %w", entry.Name(), err)
		}
		t.Bundle(strings.TrimSuffix(entry.Name(), ".json"), data)
	}
	return nil
}

// tab is the binding shared by the bundled plugins.
type tab struct {
	name       string
	device     devices.Device
	controller devices.Controller
	columns    types.Columns
}

func (t *tab) Name() string                   { return t.name }
func (t *tab) Device() devices.Device         { return t.device }
func (t *tab) Controller() devices.Controller { return t.controller }
func (t *tab) Parameters() types.Columns      { return t.columns }

// Setup drops stale input before the first tick.
func (t *tab) Setup(context.Context) error {
	return t.device.ResetBuffer()
}

// number converts a parameter that may arrive as any numeric type.
func number(key string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}
