package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/persist"
	"github.com/KevinKickass/OpenLabCore/internal/runner"
	"github.com/KevinKickass/OpenLabCore/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrRunActive = errors.New("a run is already active")

const catalogTimeout = 5 * time.Second

// BindingSource provides the bindings that take part in the next run.
type BindingSource interface {
	EnabledBindings() []devices.Binding
}

type RunConfigSource interface {
	Get() (config.RunConfig, error)
}

type Broadcaster interface {
	Broadcast(msg websocket.Message)
}

// RunObserver is told when a run begins and when it has fully ended.
type RunObserver interface {
	SetRunActive(active bool)
}

type Options struct {
	Bindings       BindingSource
	RunConfig      RunConfigSource
	Catalog        storage.RunStore
	NewWorker      persist.Factory
	MeasureTimeout time.Duration
	Recorder       runner.Recorder
	Hub            Broadcaster
	Observers      []RunObserver
}

type run struct {
	id            uuid.UUID
	sampler       *runner.Sampler
	startedAt     time.Time
	stopRequested bool
	done          chan struct{}
}

// Controller owns at most one sampler at a time and records every run in
// the catalog.
type Controller struct {
	logger *zap.Logger
	opts   Options

	mu           sync.RWMutex
	currentState State
	current      *run
	last         RunStatus
	lastChange   time.Time
}

func NewController(logger *zap.Logger, opts Options) *Controller {
	if opts.Catalog == nil {
		opts.Catalog = storage.NopStore{}
	}
	now := time.Now()
	return &Controller{
		logger:       logger,
		opts:         opts,
		currentState: StateIdle,
		last:         RunStatus{State: StateIdle, LastStateChange: now},
		lastChange:   now,
	}
}

// StartRun builds a sampler from the enabled bindings and the stored run
// configuration and starts it.
func (c *Controller) StartRun(ctx context.Context) (RunStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return RunStatus{}, ErrRunActive
	}

	rc, err := c.opts.RunConfig.Get()
	if err != nil {
		return RunStatus{}, err
	}
	if err := rc.Validate(); err != nil {
		return RunStatus{}, fmt.Errorf("invalid run configuration: %w", err)
	}

	cfg := runner.Config{
		Interval:       rc.Interval(),
		NewWorker:      c.opts.NewWorker,
		MeasureTimeout: c.opts.MeasureTimeout,
		Recorder:       c.opts.Recorder,
	}
	if !rc.Continuous {
		cfg.StopCondition = runner.MaxSamples(rc.NumberOfMeasuringTimes)
	}
	if rc.SaveToFile {
		cfg.SavePath = rc.SaveFilePath
	}

	id := uuid.New()
	logger := c.logger.With(zap.String("run_id", id.String()))

	s, err := runner.New(ctx, c.opts.Bindings.EnabledBindings(), cfg, logger)
	if err != nil {
		c.last = RunStatus{}
		c.setStateLocked(id, StateFailed, err.Error())
		return c.last, err
	}
	if err := s.Start(ctx); err != nil {
		c.last = RunStatus{Columns: s.Columns().Names()}
		c.setStateLocked(id, StateFailed, err.Error())
		return c.last, err
	}

	r := &run{id: id, sampler: s, startedAt: time.Now(), done: make(chan struct{})}
	c.current = r

	cctx, cancel := context.WithTimeout(context.Background(), catalogTimeout)
	defer cancel()
	if err := c.opts.Catalog.CreateRun(cctx, &storage.Run{
		ID:        id,
		StartedAt: r.startedAt,
		FilePath:  s.OutputPath(),
		Columns:   s.Columns().Names(),
		Status:    storage.RunStatusRunning,
	}); err != nil {
		logger.Warn("Failed to record run in catalog", zap.Error(err))
	}

	for _, o := range c.opts.Observers {
		o.SetRunActive(true)
	}
	c.setStateLocked(id, StateRunning, "")

	go c.forward(r)
	return c.statusLocked(), nil
}

// StopRun stops the active run and waits until it has been finalized.
// Without an active run it does nothing.
func (c *Controller) StopRun(ctx context.Context) error {
	c.mu.Lock()
	r := c.current
	if r == nil {
		c.mu.Unlock()
		c.logger.Debug("Stop requested without active run")
		return nil
	}
	r.stopRequested = true
	if c.currentState == StateRunning {
		c.setStateLocked(r.id, StateStopping, "")
	}
	c.mu.Unlock()

	err := r.sampler.Stop(ctx)

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Wait blocks until the active run, if any, has been finalized.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.RLock()
	r := c.current
	c.mu.RUnlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current != nil
}

// forward fans samples out to the live view and finalizes the run once
// the sampler is done.
func (c *Controller) forward(r *run) {
	index := 0
	for sample := range r.sampler.Samples() {
		if c.opts.Hub != nil {
			c.opts.Hub.Broadcast(websocket.NewSampleMessage(r.id.String(), index, sample))
		}
		index++
	}
	<-r.sampler.Done()
	c.finalize(r)
}

func (c *Controller) finalize(r *run) {
	runErr := r.sampler.Err()
	stoppedAt := time.Now()

	c.mu.Lock()
	state, status := StateCompleted, storage.RunStatusCompleted
	switch {
	case runErr != nil:
		state, status = StateFailed, storage.RunStatusFailed
	case r.stopRequested:
		state, status = StateStopped, storage.RunStatusStopped
	}
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	c.current = nil
	c.last = RunStatus{
		RunID:      r.id.String(),
		StartedAt:  r.startedAt,
		Samples:    r.sampler.Count(),
		OutputPath: r.sampler.OutputPath(),
		Columns:    r.sampler.Columns().Names(),
	}
	c.setStateLocked(r.id, state, msg)
	samples := c.last.Samples
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), catalogTimeout)
	defer cancel()
	if err := c.opts.Catalog.FinishRun(ctx, r.id, storage.RunResult{
		StoppedAt: stoppedAt,
		Samples:   samples,
		Status:    status,
		Error:     msg,
	}); err != nil {
		c.logger.Warn("Failed to finish run in catalog",
			zap.String("run_id", r.id.String()),
			zap.Error(err))
	}

	for _, o := range c.opts.Observers {
		o.SetRunActive(false)
	}
	close(r.done)
}

// setStateLocked must be called with c.mu held.
func (c *Controller) setStateLocked(id uuid.UUID, state State, errorMsg string) {
	previous := c.currentState
	c.currentState = state
	c.lastChange = time.Now()
	c.last.State = state
	c.last.RunID = id.String()
	c.last.ErrorMessage = errorMsg
	c.last.LastStateChange = c.lastChange

	c.logger.Info("Run state changed",
		zap.String("run_id", id.String()),
		zap.String("state", string(state)),
		zap.String("error", errorMsg))

	if c.opts.Hub != nil {
		samples := c.last.Samples
		if c.current != nil {
			samples = c.current.sampler.Count()
		}
		c.opts.Hub.Broadcast(websocket.NewRunStateMessage(websocket.RunStateData{
			RunID:    id.String(),
			State:    string(state),
			Previous: string(previous),
			Samples:  samples,
			Error:    errorMsg,
		}))
	}
}

func (c *Controller) statusLocked() RunStatus {
	if c.current == nil {
		return c.last
	}
	s := c.current.sampler
	return RunStatus{
		State:           c.currentState,
		RunID:           c.current.id.String(),
		StartedAt:       c.current.startedAt,
		Samples:         s.Count(),
		OutputPath:      s.OutputPath(),
		Columns:         s.Columns().Names(),
		LastStateChange: c.lastChange,
	}
}

func (c *Controller) GetStatus() RunStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statusLocked()
}
