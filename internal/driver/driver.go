// Package driver wires configuration, backend, runtime and output together
// for the command line tools.
package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tymbaca/multicore-mapreduce/internal/config"
	"github.com/tymbaca/multicore-mapreduce/mapreduce"
	"github.com/tymbaca/multicore-mapreduce/mapreduce/backend"
	"github.com/tymbaca/multicore-mapreduce/pkg/splitter"
	"github.com/tymbaca/multicore-mapreduce/pkg/tracer"
)

// App is what a command contributes to a run.
type App[R any] struct {
	// JobFor builds the job reading splits from split.
	JobFor  func(split mapreduce.SplitFunc) mapreduce.Job[R]
	Format  mapreduce.FormatFunc[R]
	IsDelim func(byte) bool
	// Header is printed before sorted results.
	Header string
}

// SetupLogger installs the default slog logger described by cfg.
func SetupLogger(w io.Writer, cfg config.LogConfig) {
	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
}

// Run aggregates the file at input and writes the results where cfg says.
func Run[R any](ctx context.Context, cfg *config.Config, app App[R], input string) (err error) {
	if cfg.Tracing.Endpoint != "" {
		shutdown, err := tracer.Init(ctx, cfg.Tracing.Endpoint)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("driver: shutdown tracer", "error", err)
			}
		}()
	}

	ops, err := mapreduce.Lookup[R](cfg.App.Record)
	if err != nil {
		return err
	}

	b, err := backend.New(ops, cfg.Backend())
	if err != nil {
		return err
	}

	rt, err := mapreduce.New(ops, b,
		mapreduce.WithCores(cfg.Runtime.Cores),
		mapreduce.WithBufferCapacity(cfg.Aggregation.BufferCapacity),
		mapreduce.WithPoolMultiplier(cfg.Aggregation.PoolMultiplier),
		mapreduce.WithPinning(cfg.Runtime.PinThreads),
	)
	if err != nil {
		_ = b.Close()
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Warn("driver: close runtime", "error", closeErr)
		}
	}()

	split, err := splitter.Open(input, cfg.Runtime.Cores*splitter.DefaultSplitsPerCore, app.IsDelim)
	if err != nil {
		return err
	}
	defer split.Close()

	out, closeOut, err := openOutput(cfg.Output.Path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeOut(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	var stream *mapreduce.StreamSink[R]
	if cfg.Output.Stream {
		stream = mapreduce.NewStreamSink(ops, out, app.Format)
		rt.StreamTo(stream)
	}

	slog.Info("driver: starting run",
		"input", input,
		"record", cfg.App.Record,
		"backend", cfg.Aggregation.Backend,
		"cores", cfg.Runtime.Cores,
		"shards", cfg.Aggregation.Shards,
	)

	results, err := rt.Run(ctx, app.JobFor(split.Next))
	if err != nil {
		return err
	}
	defer results.Free()

	slog.Info("driver: run finished", "run_id", rt.RunID().String(), "stats", rt.Stats().String())

	if stream != nil {
		return stream.Flush()
	}

	return printResults(out, ops, app, results, cfg.Output.Top)
}

func printResults[R any](w io.Writer, ops mapreduce.Operations[R], app App[R], results *mapreduce.Results[R], top int) error {
	if app.Header != "" {
		if _, err := fmt.Fprintln(w, app.Header); err != nil {
			return err
		}
	}

	if top == 0 {
		return results.Print(w, app.Format)
	}

	for _, r := range results.Top(top) {
		if err := app.Format(w, ops, r); err != nil {
			return err
		}
	}

	return nil
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}

	return f, f.Close, nil
}
