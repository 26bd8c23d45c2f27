package persist

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// ChildIO are the streams of the worker process.
type ChildIO struct {
	Samples io.Reader
	Stop    io.Reader
	Status  io.Writer
}

// StdChildIO is the stream layout set up by ProcessWorker: stdin for
// samples, fd 3 for the stop signal, stdout for the handshake and row acks.
func StdChildIO() ChildIO {
	return ChildIO{
		Samples: os.Stdin,
		Stop:    os.NewFile(3, "stop"),
		Status:  os.Stdout,
	}
}

// ServeChild runs the worker side: it opens the resolved file, announces the
// path, then writes every received sample until the stop signal arrives and
// the sample stream is drained.
func ServeChild(args []string, stdio ChildIO, logger *zap.Logger) error {
	fs := pflag.NewFlagSet(ChildCommand, pflag.ContinueOnError)
	target := fs.String("path", "", "target output path")
	columnsJSON := fs.String("columns", "", "JSON encoded column list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *target == "" {
		return errors.New("--path is required")
	}

	var cols types.Columns
	if err := json.Unmarshal([]byte(*columnsJSON), &cols); err != nil {
		return fmt.Errorf("invalid --columns: %w", err)
	}

	path := Resolve(*target)
	out, err := Create(path, cols)
	if err != nil {
		logger.Error("Failed to open output file", zap.String("path", path), zap.Error(err))
		return err
	}

	if err := json.NewEncoder(stdio.Status).Encode(handshake{Path: path}); err != nil {
		out.Close()
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	rows := make(chan map[string]float64)
	decodeErr := make(chan error, 1)
	go func() {
		defer close(rows)
		r := bufio.NewReader(stdio.Samples)
		for {
			values, err := decodeSample(r)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					decodeErr <- err
				}
				return
			}
			rows <- values
		}
	}()

	stopped := make(chan struct{})
	go func() {
		io.Copy(io.Discard, stdio.Stop)
		close(stopped)
	}()

	ack := []byte{rowAck}
	writeRow := func(values map[string]float64) error {
		if err := out.WriteRow(values); err != nil {
			return err
		}
		// a parent that went away no longer counts rows
		stdio.Status.Write(ack)
		return nil
	}

	writeErr := func() error {
		for {
			select {
			case values, ok := <-rows:
				if !ok {
					return nil
				}
				if err := writeRow(values); err != nil {
					return err
				}
			case <-stopped:
				// the parent closes stdin after its last sample
				for values := range rows {
					if err := writeRow(values); err != nil {
						return err
					}
				}
				return nil
			}
		}
	}()

	closeErr := out.Close()
	logger.Info("Output file closed", zap.String("path", path), zap.Int("rows", out.Rows()))

	select {
	case err := <-decodeErr:
		return fmt.Errorf("corrupt sample stream: %w", err)
	default:
	}
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}
