package types

import (
	"errors"
	"fmt"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

var (
	ErrMissingName      = errors.New("manifest has no name")
	ErrUnknownSpecifier = errors.New("specifier is not registered")
	ErrNotConnected     = errors.New("device is not connected")
	ErrNotRunning       = errors.New("sampler is not running")
	ErrAlreadyStarted   = errors.New("sampler was already started")
	ErrMeasureTimeout   = errors.New("measurer did not return in time")
	ErrWorkerExited     = errors.New("persistence worker exited")
)

// ManifestError marks a plugin manifest that could not be read or is incomplete.
// The plugin is skipped, the registry keeps loading.
type ManifestError struct {
	Plugin string
	Path   string
	Err    error
}

func (e *ManifestError) Error() string {
	if e.Plugin == "" {
		return fmt.Sprintf("manifest %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("plugin %s (%s): %v", e.Plugin, e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// ResolutionError is returned when a factory specifier named in a manifest
// has no registration. Only the affected entry is skipped.
type ResolutionError struct {
	Plugin    string
	Entry     string
	Specifier string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("plugin %s: entry %s: cannot resolve %q", e.Plugin, e.Entry, e.Specifier)
}

func (e *ResolutionError) Unwrap() error { return ErrUnknownSpecifier }

type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// PersistenceError reports that the output file could not be opened or written.
type PersistenceError struct {
	Path string
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
