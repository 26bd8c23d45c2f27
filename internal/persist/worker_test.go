package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const helperEnv = "OLC_PERSIST_HELPER"

// TestMain lets the test binary act as the worker process.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		logger, _ := zap.NewProduction()
		if err := ServeChild(os.Args[2:], StdChildIO(), logger); err != nil {
			logger.Error("Worker failed", zap.Error(err))
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func helperOptions() ProcessOptions {
	return ProcessOptions{
		Executable: os.Args[0],
		Args:       []string{ChildCommand},
		Env:        []string{helperEnv + "=1"},
	}
}

func workers(t *testing.T) map[string]func(string, types.Columns) Worker {
	t.Helper()
	return map[string]func(string, types.Columns) Worker{
		"goroutine": func(p string, c types.Columns) Worker { return NewGoroutineWorker(p, c, zap.NewNop()) },
		"process":   func(p string, c types.Columns) Worker { return NewProcessWorker(p, c, helperOptions(), zap.NewNop()) },
	}
}

func sample(i int) *types.Sample {
	s := types.NewTimedSample(float64(i) * 0.1)
	s.Set("V", 1.0)
	s.Set("I", float64(i))
	return s
}

func TestWorkerWritesEverySampleSentBeforeStop(t *testing.T) {
	for name, build := range workers(t) {
		t.Run(name, func(t *testing.T) {
			target := filepath.Join(t.TempDir(), "run.csv")
			w := build(target, testColumns())
			require.NoError(t, w.Start(context.Background()))
			assert.Equal(t, target, w.Path())

			const n = 200
			for i := 0; i < n; i++ {
				w.Send(sample(i))
			}
			require.NoError(t, w.Stop())
			require.NoError(t, w.Stop())

			records := readOutput(t, target)
			require.Len(t, records, n+1)
			assert.Equal(t, []string{"Time[sec]", "V[V]", "I[mA]"}, records[0])
			for i, rec := range records[1:] {
				assert.Equal(t, fmt.Sprint(i), rec[2], "row order")
			}

			select {
			case <-w.Done():
			default:
				t.Fatal("Done not closed after Stop")
			}
		})
	}
}

func TestWorkerStopsWithoutSamples(t *testing.T) {
	for name, build := range workers(t) {
		t.Run(name, func(t *testing.T) {
			target := filepath.Join(t.TempDir(), "empty.csv")
			w := build(target, testColumns())
			require.NoError(t, w.Start(context.Background()))

			stopped := make(chan error, 1)
			go func() { stopped <- w.Stop() }()
			select {
			case err := <-stopped:
				require.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Fatal("worker did not stop")
			}
			assert.Len(t, readOutput(t, target), 1)
		})
	}
}

func TestWorkerResolvesCollisions(t *testing.T) {
	for name, build := range workers(t) {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			target := filepath.Join(dir, "run.csv")
			touch(t, target)

			w := build(target, testColumns())
			require.NoError(t, w.Start(context.Background()))
			require.NoError(t, w.Stop())
			assert.Equal(t, filepath.Join(dir, "run_(1).csv"), w.Path())
		})
	}
}

func TestWorkerOpenFailureIsObservable(t *testing.T) {
	for name, build := range workers(t) {
		t.Run(name, func(t *testing.T) {
			target := filepath.Join(t.TempDir(), "no", "such", "dir", "run.csv")
			w := build(target, testColumns())

			err := w.Start(context.Background())
			var perr *types.PersistenceError
			require.ErrorAs(t, err, &perr)

			select {
			case <-w.Done():
			case <-time.After(10 * time.Second):
				t.Fatal("worker hung after open failure")
			}
			assert.Error(t, w.Stop())
			w.Send(sample(0))
		})
	}
}

func TestProcessWorkerChildDeathIsObservable(t *testing.T) {
	w := NewProcessWorker(filepath.Join(t.TempDir(), "run.csv"), testColumns(), helperOptions(), zap.NewNop())
	require.NoError(t, w.Start(context.Background()))
	w.Send(sample(0))

	require.NoError(t, w.cmd.Process.Kill())
	select {
	case <-w.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("Done not closed after the worker died")
	}

	// samples after the crash must not wedge the pump
	w.Send(sample(1))

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop() }()
	select {
	case err := <-stopped:
		var perr *types.PersistenceError
		require.ErrorAs(t, err, &perr)
		assert.ErrorIs(t, w.Err(), perr)
	case <-time.After(10 * time.Second):
		t.Fatal("Stop hung after the worker died")
	}
}

func TestFactoryCountsWrittenRows(t *testing.T) {
	for _, mode := range []Mode{ModeGoroutine, ModeProcess} {
		t.Run(string(mode), func(t *testing.T) {
			var rows atomic.Int64
			newWorker, err := NewFactory(mode, helperOptions(), zap.NewNop(), func() { rows.Add(1) })
			require.NoError(t, err)

			w := newWorker(filepath.Join(t.TempDir(), "run.csv"), testColumns())
			require.NoError(t, w.Start(context.Background()))
			for i := 0; i < 25; i++ {
				w.Send(sample(i))
			}
			require.NoError(t, w.Stop())
			assert.EqualValues(t, 25, rows.Load())
		})
	}
}

func TestStatusWriterSplitsHandshakeAndAcks(t *testing.T) {
	var rows int
	ready := make(chan handshake, 1)
	sw := &statusWriter{ready: ready, onRow: func() { rows++ }}

	_, err := sw.Write([]byte(`{"path":"/tmp/a`))
	require.NoError(t, err)
	_, err = sw.Write([]byte(".csv\"}\n++"))
	require.NoError(t, err)
	_, err = sw.Write([]byte("+"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/a.csv", (<-ready).Path)
	assert.Equal(t, 3, rows)
}

func TestNewFactoryRejectsUnknownMode(t *testing.T) {
	_, err := NewFactory("thread", ProcessOptions{}, zap.NewNop(), nil)
	assert.Error(t, err)

	f, err := NewFactory(ModeGoroutine, ProcessOptions{}, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.IsType(t, &GoroutineWorker{}, f("x.csv", testColumns()))
}
