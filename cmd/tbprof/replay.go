package main

import (
	"context"
	"io"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/sarchlab/tbprof/loader"
	"github.com/sarchlab/tbprof/profiler"
	"github.com/sarchlab/tbprof/trace"
	"github.com/sarchlab/tbprof/translator"
)

// replayConfig holds everything one replay needs.
type replayConfig struct {
	Mode       profiler.Mode
	Program    string
	Trace      string // "-" reads stdin
	PluginArgs []string

	MaxBlockInsns int
	Cache         translator.CacheConfig

	CPUProfile string
	MemProfile string

	// Report receives the hot-block report unless report-out-file is set.
	Report io.Writer
}

type replaySummary struct {
	Translator   translator.Statistics
	Profiler     profiler.Stats
	SkippedLines int
	TraceBytes   int64
	Elapsed      time.Duration
}

// replay loads the program, runs the trace through a translator with the
// profiler installed, and shuts everything down. Profiler outputs are
// written even when the trace stops early.
func replay(ctx context.Context, cfg replayConfig) (*replaySummary, error) {
	opts, err := profiler.ParseOptions(cfg.Mode, cfg.PluginArgs)
	if err != nil {
		return nil, err
	}

	if cfg.CPUProfile != "" {
		f, err := os.Create(cfg.CPUProfile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create CPU profile")
		}
		defer func() { _ = f.Close() }()

		if err := pprof.StartCPUProfile(f); err != nil {
			return nil, errors.Wrap(err, "failed to start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	prog, err := loader.Load(cfg.Program)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", cfg.Program)
	}
	log.WithFields(log.Fields{
		"program": cfg.Program,
		"entry":   prog.EntryPoint,
		"symbols": prog.Symbols.Len(),
	}).Debug("program loaded")

	in, size, err := openTrace(cfg.Trace)
	if err != nil {
		return nil, err
	}
	defer func() { _ = in.Close() }()

	p, err := profiler.New(opts,
		profiler.WithLogger(log.Log),
		profiler.WithReportWriter(cfg.Report),
	)
	if err != nil {
		return nil, err
	}

	tr := translator.New(prog.CodeMemory(),
		translator.WithSymbols(prog.Symbols),
		translator.WithMaxBlockInsns(cfg.MaxBlockInsns),
		translator.WithCacheConfig(cfg.Cache),
		translator.WithLogger(log.Log),
	)
	tr.Install(p)

	reader := trace.NewReader(in)
	start := time.Now()

	runErr := tr.Run(ctx, reader)
	tr.Shutdown()
	finishErr := p.Finish()

	sum := &replaySummary{
		Translator:   tr.Stats(),
		Profiler:     p.Stats(),
		SkippedLines: reader.Skipped(),
		TraceBytes:   size,
		Elapsed:      time.Since(start),
	}

	if cfg.MemProfile != "" {
		if err := writeHeapProfile(cfg.MemProfile); err != nil {
			log.WithError(err).Error("failed to write memory profile")
		}
	}

	if runErr != nil {
		return sum, errors.Wrap(runErr, "replay stopped")
	}
	if finishErr != nil {
		return sum, errors.Wrap(finishErr, "failed to write profile")
	}
	return sum, nil
}

func openTrace(path string) (io.ReadCloser, int64, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to open trace")
	}

	var size int64
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}
	return f, size, nil
}

func writeHeapProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return pprof.WriteHeapProfile(f)
}
