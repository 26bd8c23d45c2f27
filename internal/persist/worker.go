package persist

import (
	"context"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/feed"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
)

// Worker owns the output file of one run.
type Worker interface {
	// Start resolves the target path, opens the file and writes the header.
	// It returns once the file is open or opening failed.
	Start(ctx context.Context) error
	// Send queues a sample. It never blocks the caller.
	Send(s *types.Sample)
	// Stop signals the worker out of band, lets it write everything queued
	// and waits until it has exited.
	Stop() error
	// Done is closed when the worker exits for any reason.
	Done() <-chan struct{}
	Err() error
	// Path is the resolved output path, valid after Start.
	Path() string
}

// Factory builds a worker for a target path and header.
type Factory func(path string, cols types.Columns) Worker

// Mode selects how the worker is isolated from the sampler.
type Mode string

const (
	ModeProcess   Mode = "process"
	ModeGoroutine Mode = "goroutine"
)

// NewFactory returns a Factory for mode. Samples written are reported to onRow, which may be nil.
func NewFactory(mode Mode, proc ProcessOptions, logger *zap.Logger, onRow func()) (Factory, error) {
	switch mode {
	case ModeProcess, "":
		return func(path string, cols types.Columns) Worker {
			w := NewProcessWorker(path, cols, proc, logger)
			w.onRow = onRow
			return w
		}, nil
	case ModeGoroutine:
		return func(path string, cols types.Columns) Worker {
			w := NewGoroutineWorker(path, cols, logger)
			w.onRow = onRow
			return w
		}, nil
	}
	return nil, fmt.Errorf("unknown worker mode %q", mode)
}

// GoroutineWorker runs the writer loop in-process. It keeps a slow disk off
// the tick loop but offers no crash isolation.
type GoroutineWorker struct {
	target string
	cols   types.Columns
	logger *zap.Logger
	onRow  func()

	queue *feed.Queue[*types.Sample]
	stop  chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	path    string
	err     error
	started bool

	stopOnce sync.Once
}

func NewGoroutineWorker(path string, cols types.Columns, logger *zap.Logger) *GoroutineWorker {
	return &GoroutineWorker{
		target: path,
		cols:   cols,
		logger: logger,
		queue:  feed.NewQueue[*types.Sample](),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (w *GoroutineWorker) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := Resolve(w.target)
	out, err := Create(path, w.cols)
	if err != nil {
		w.fail(err)
		close(w.done)
		w.queue.Abort()
		return err
	}

	w.mu.Lock()
	w.path = path
	w.started = true
	w.mu.Unlock()

	w.logger.Info("Persistence worker started", zap.String("path", path), zap.String("mode", string(ModeGoroutine)))
	go w.loop(out)
	return nil
}

func (w *GoroutineWorker) loop(out *Writer) {
	defer close(w.done)

	write := func(s *types.Sample) bool {
		if err := out.WriteRow(s.Map()); err != nil {
			w.fail(err)
			return false
		}
		if w.onRow != nil {
			w.onRow()
		}
		return true
	}

	samples := w.queue.Out()
loop:
	for {
		select {
		case s, ok := <-samples:
			if !ok {
				break loop
			}
			if !write(s) {
				w.queue.Abort()
				break loop
			}
		case <-w.stop:
			// drain what was queued before the stop
			w.queue.Close()
			for s := range samples {
				if !write(s) {
					w.queue.Abort()
					break
				}
			}
			break loop
		}
	}

	if err := out.Close(); err != nil {
		w.fail(err)
	}
	w.logger.Info("Persistence worker finished", zap.String("path", out.Path()), zap.Int("rows", out.Rows()))
}

func (w *GoroutineWorker) Send(s *types.Sample) {
	w.queue.Push(s)
}

func (w *GoroutineWorker) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return w.Err()
	}

	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	return w.Err()
}

func (w *GoroutineWorker) Done() <-chan struct{} { return w.done }

func (w *GoroutineWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *GoroutineWorker) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

func (w *GoroutineWorker) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}
