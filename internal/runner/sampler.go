package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/feed"
	"github.com/KevinKickass/OpenLabCore/internal/persist"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
)

const defaultMeasureTimeout = 2 * time.Second

// Recorder receives tick statistics. Implementations must not block.
type Recorder interface {
	ObserveTick(d time.Duration)
	MeasureFailed(device string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTick(time.Duration) {}
func (nopRecorder) MeasureFailed(string)      {}

type Config struct {
	Interval time.Duration
	// SavePath empty disables persistence.
	SavePath string
	// NewWorker builds the persistence worker. Required when SavePath is set.
	NewWorker persist.Factory
	// MeasureTimeout bounds every single measurer call.
	MeasureTimeout time.Duration
	// StopCondition nil means continuous.
	StopCondition StopCondition
	Recorder      Recorder
}

type measurer struct {
	device string
	m      devices.Measurer
}

type controller struct {
	device string
	c      devices.Controller
}

// Sampler runs one measurement: a periodic tick that pulls every measurer
// and fans each sample out to the UI feed and the persistence worker.
// A Sampler is single use.
type Sampler struct {
	cfg    Config
	logger *zap.Logger

	controllers []controller
	active      []controller
	measurers   []measurer
	columns     types.Columns
	worker      persist.Worker
	ui          *feed.Queue[*types.Sample]

	mu      sync.Mutex
	state   State
	err     error
	count   int
	started time.Time

	cancel   context.CancelFunc
	quit     chan struct{}
	loopDone chan struct{}
	done     chan struct{}

	opMu       sync.Mutex
	quitOnce   sync.Once
	finishOnce sync.Once
	finishErr  error
}

// New prepares a run from the enabled bindings: it calls every setup hook
// and collects controllers, measurers and columns.
func New(ctx context.Context, bindings []devices.Binding, cfg Config, logger *zap.Logger) (*Sampler, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("invalid measuring interval %v", cfg.Interval)
	}
	if cfg.MeasureTimeout <= 0 {
		cfg.MeasureTimeout = defaultMeasureTimeout
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}

	s := &Sampler{
		cfg:      cfg,
		logger:   logger,
		columns:  types.NewColumns(),
		ui:       feed.NewQueue[*types.Sample](),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, b := range bindings {
		if err := b.Setup(ctx); err != nil {
			s.ui.Abort()
			return nil, &types.DeviceError{Device: b.Name(), Op: "setup", Err: err}
		}
		if c := b.Controller(); c != nil {
			s.controllers = append(s.controllers, controller{device: b.Name(), c: c})
		}
		if m, ok := devices.MeasurerOf(b.Device()); ok {
			s.measurers = append(s.measurers, measurer{device: b.Name(), m: m})
		}
		s.columns = s.columns.Merge(b.Parameters())
	}

	if cfg.SavePath != "" {
		if cfg.NewWorker == nil {
			s.ui.Abort()
			return nil, errors.New("save path set without a worker factory")
		}
		s.worker = cfg.NewWorker(cfg.SavePath, s.columns)
	}

	return s, nil
}

func (s *Sampler) Columns() types.Columns { return s.columns }

// Samples is the UI feed. It is closed when the run ends.
func (s *Sampler) Samples() <-chan *types.Sample { return s.ui.Out() }

func (s *Sampler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Count is the number of samples emitted so far.
func (s *Sampler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Err returns the error that ended the run, if any.
func (s *Sampler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// OutputPath is the resolved output file, empty when not persisting.
func (s *Sampler) OutputPath() string {
	if s.worker == nil {
		return ""
	}
	return s.worker.Path()
}

// Done is closed once the run reached Stopped and teardown finished.
func (s *Sampler) Done() <-chan struct{} { return s.done }

// Wait blocks until the run ends and returns the error that ended it.
func (s *Sampler) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the worker, starts every controller and arms the tick.
func (s *Sampler) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return types.ErrAlreadyStarted
	}
	s.state = StateRunning
	s.mu.Unlock()

	if s.worker != nil {
		if err := s.worker.Start(ctx); err != nil {
			s.fail(err)
			s.finish(ctx, false)
			return err
		}
	}

	for _, c := range s.controllers {
		if err := c.c.Start(ctx); err != nil {
			err = &types.DeviceError{Device: c.device, Op: "start", Err: err}
			s.fail(err)
			s.finish(ctx, false)
			return err
		}
		s.active = append(s.active, c)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.started = time.Now()
	s.mu.Unlock()

	s.logger.Info("Run started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("controllers", len(s.controllers)),
		zap.Int("measurers", len(s.measurers)),
		zap.Strings("columns", s.columns.Names()),
		zap.String("output", s.OutputPath()))

	go s.loop(runCtx)
	return nil
}

func (s *Sampler) loop(ctx context.Context) {
	quit := s.runTicks(ctx)
	close(s.loopDone)
	if !quit {
		s.finish(context.Background(), true)
	}
}

// runTicks reports true when it returned because Stop was called.
func (s *Sampler) runTicks(ctx context.Context) bool {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var workerDone <-chan struct{}
	if s.worker != nil {
		workerDone = s.worker.Done()
	}

	for {
		select {
		case <-s.quit:
			return true

		case <-workerDone:
			err := s.worker.Err()
			if err == nil {
				err = &types.PersistenceError{Path: s.worker.Path(), Op: "write", Err: types.ErrWorkerExited}
			}
			s.fail(err)
			return false

		case <-ticker.C:
			sample, err := s.tick(ctx)
			if err != nil {
				s.fail(err)
				return false
			}

			s.ui.Push(sample)
			if s.worker != nil {
				s.worker.Send(sample)
			}

			s.mu.Lock()
			s.count++
			count := s.count
			s.mu.Unlock()

			if s.cfg.StopCondition != nil && s.cfg.StopCondition.Observe(count) {
				return false
			}
		}
	}
}

// tick builds one sample. Measurer errors abort the run instead of
// producing a partial row.
func (s *Sampler) tick(ctx context.Context) (*types.Sample, error) {
	begin := time.Now()
	defer func() { s.cfg.Recorder.ObserveTick(time.Since(begin)) }()

	sample := types.NewTimedSample(time.Since(s.started).Seconds())
	for _, m := range s.measurers {
		values, err := s.measure(ctx, m.m)
		if err != nil {
			s.cfg.Recorder.MeasureFailed(m.device)
			return nil, &types.DeviceError{Device: m.device, Op: "measure", Err: err}
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sample.Merge(keys, values)
	}

	s.logger.Debug("Tick", zap.Any("sample", sample))
	return sample, nil
}

func (s *Sampler) measure(ctx context.Context, m devices.Measurer) (map[string]float64, error) {
	mctx, cancel := context.WithTimeout(ctx, s.cfg.MeasureTimeout)
	defer cancel()

	type result struct {
		values map[string]float64
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		values, err := m.Measure(mctx)
		ch <- result{values, err}
	}()

	select {
	case r := <-ch:
		return r.values, r.err
	case <-mctx.Done():
		if errors.Is(mctx.Err(), context.DeadlineExceeded) {
			return nil, types.ErrMeasureTimeout
		}
		return nil, mctx.Err()
	}
}

// Stop ends the run. It is safe to call in any state and more than once.
func (s *Sampler) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.quitOnce.Do(func() { close(s.quit) })

	s.mu.Lock()
	armed := s.cancel != nil
	s.mu.Unlock()
	if armed {
		<-s.loopDone
	}
	return s.finish(ctx, false)
}

// finish tears the run down exactly once.
func (s *Sampler) finish(ctx context.Context, autonomous bool) error {
	s.finishOnce.Do(func() {
		var errs []error

		// only controllers that were started get stopped
		for _, c := range s.active {
			if err := c.c.Stop(ctx); err != nil {
				errs = append(errs, &types.DeviceError{Device: c.device, Op: "stop", Err: err})
			}
		}

		if s.worker != nil {
			if err := s.worker.Stop(); err != nil {
				s.fail(err)
			}
		}

		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.controllers = nil
		s.active = nil
		s.measurers = nil
		s.state = StateStopped
		count, runErr := s.count, s.err
		s.mu.Unlock()

		s.ui.Close()
		s.finishErr = errors.Join(errs...)

		fields := []zap.Field{zap.Int("samples", count), zap.Bool("autonomous", autonomous)}
		if runErr != nil {
			s.logger.Error("Run failed", append(fields, zap.Error(runErr))...)
		} else {
			s.logger.Info("Run stopped", fields...)
		}
		close(s.done)
	})
	return s.finishErr
}

func (s *Sampler) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
