package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/feed"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// ChildCommand is the subcommand under which the binary serves the worker side.
const ChildCommand = "persist-worker"

// ProcessOptions describe how to launch the worker process.
type ProcessOptions struct {
	// Executable defaults to the running binary.
	Executable string
	// Args precede the worker flags, normally just ChildCommand.
	Args []string
	Env  []string
}

type handshake struct {
	Path string `json:"path"`
}

// rowAck is written by the child to stdout after every row it wrote.
const rowAck = '+'


// ProcessWorker runs the writer in a child process. Samples travel over the
// child's stdin; the stop signal is a separate pipe handed over as fd 3.
type ProcessWorker struct {
	target string
	cols   types.Columns
	opts   ProcessOptions
	logger *zap.Logger
	onRow  func()

	queue *feed.Queue[*types.Sample]

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stopW    *os.File
	exited   chan struct{}
	pumpDone chan struct{}
	ready    chan handshake

	mu      sync.Mutex
	path    string
	err     error
	started bool

	stopOnce sync.Once
}

func NewProcessWorker(path string, cols types.Columns, opts ProcessOptions, logger *zap.Logger) *ProcessWorker {
	if len(opts.Args) == 0 {
		opts.Args = []string{ChildCommand}
	}
	return &ProcessWorker{
		target:   path,
		cols:     cols,
		opts:     opts,
		logger:   logger,
		queue:    feed.NewQueue[*types.Sample](),
		exited:   make(chan struct{}),
		pumpDone: make(chan struct{}),
		ready:    make(chan handshake, 1),
	}
}

func (w *ProcessWorker) Start(ctx context.Context) error {
	exe := w.opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("failed to locate executable: %w", err)
		}
	}

	columns, err := json.Marshal(w.cols)
	if err != nil {
		return fmt.Errorf("failed to encode columns: %w", err)
	}

	stopR, stopW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stop pipe: %w", err)
	}

	args := append(append([]string{}, w.opts.Args...), "--path", w.target, "--columns", string(columns))
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), w.opts.Env...)
	cmd.ExtraFiles = []*os.File{stopR}
	cmd.Stdout = &statusWriter{ready: w.ready, onRow: w.onRow}
	cmd.Stderr = &zapio.Writer{Log: w.logger.Named("persist-worker"), Level: zap.InfoLevel}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		stopR.Close()
		stopW.Close()
		return fmt.Errorf("failed to open worker stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stopR.Close()
		stopW.Close()
		return fmt.Errorf("failed to start persistence worker: %w", err)
	}
	stopR.Close()

	w.cmd = cmd
	w.stdin = stdin
	w.stopW = stopW

	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		if waitErr != nil {
			w.fail(&types.PersistenceError{Path: w.target, Op: "write", Err: fmt.Errorf("%w: %v", types.ErrWorkerExited, waitErr)})
		}
		close(w.exited)
	}()

	select {
	case hs := <-w.ready:
		w.mu.Lock()
		w.path = hs.Path
		w.started = true
		w.mu.Unlock()
	case <-w.exited:
		w.abandon()
		err := &types.PersistenceError{Path: w.target, Op: "open", Err: fmt.Errorf("%w: %v", types.ErrWorkerExited, waitErr)}
		w.setErr(err)
		return err
	case <-ctx.Done():
		cmd.Process.Kill()
		<-w.exited
		w.abandon()
		return ctx.Err()
	}

	w.logger.Info("Persistence worker started",
		zap.String("path", w.Path()),
		zap.String("mode", string(ModeProcess)),
		zap.Int("pid", cmd.Process.Pid))

	go w.pump()
	return nil
}

// abandon releases the parent ends of the pipes after a failed start.
func (w *ProcessWorker) abandon() {
	w.queue.Abort()
	w.stdin.Close()
	w.stopW.Close()
	close(w.pumpDone)
}

// pump forwards queued samples to the child's stdin in order and closes
// stdin once the queue is closed and empty.
func (w *ProcessWorker) pump() {
	defer close(w.pumpDone)
	defer w.stdin.Close()

	broken := false
	for s := range w.queue.Out() {
		if broken {
			continue
		}
		if err := encodeSample(w.stdin, s); err != nil {
			w.fail(&types.PersistenceError{Path: w.Path(), Op: "send", Err: err})
			broken = true
		}
	}
}

func (w *ProcessWorker) Send(s *types.Sample) {
	w.queue.Push(s)
}

func (w *ProcessWorker) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return w.Err()
	}

	w.stopOnce.Do(func() {
		w.queue.Close()
		w.stopW.Close()
		<-w.pumpDone
		<-w.exited
		w.logger.Info("Persistence worker finished", zap.String("path", w.Path()))
	})
	return w.Err()
}

func (w *ProcessWorker) Done() <-chan struct{} { return w.exited }

func (w *ProcessWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *ProcessWorker) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

func (w *ProcessWorker) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *ProcessWorker) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

// statusWriter reads the child's stdout: first the handshake line announcing
// the resolved path once the file is open, then one rowAck per written row.
type statusWriter struct {
	buf   bytes.Buffer
	ready chan handshake
	seen  bool
	onRow func()
}

func (h *statusWriter) Write(p []byte) (int, error) {
	acks := p
	if !h.seen {
		h.buf.Write(p)
		line, rest, found := bytes.Cut(h.buf.Bytes(), []byte("\n"))
		if !found {
			return len(p), nil
		}
		h.seen = true

		var hs handshake
		if err := json.Unmarshal(line, &hs); err != nil {
			return len(p), errors.New("malformed worker handshake")
		}
		h.ready <- hs
		acks = rest
	}

	if h.onRow != nil {
		for n := bytes.Count(acks, []byte{rowAck}); n > 0; n-- {
			h.onRow()
		}
	}
	return len(p), nil
}
