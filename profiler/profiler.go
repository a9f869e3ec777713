// Package profiler implements block-level execution profiling plugins.
//
// A Profiler observes every block translation, counts block executions and
// produces, once execution has stopped:
//   - a hot-block report ranking blocks and functions by executed
//     instructions and by invocations,
//   - a basic-block vector (BBV) stream with one line per fixed-length
//     interval of executed instructions (interval mode only),
//   - a block symbol map.
//
// Usage:
//
//	opts, err := profiler.ParseOptions(profiler.ModeInterval, []string{
//		"bb-out-file=run.bb", "pc-out-file=run.pc", "interval-size=10000000",
//	})
//	p, err := profiler.New(opts)
//	tr.Install(p)
package profiler

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/apex/log"

	"github.com/sarchlab/tbprof/blocks"
	"github.com/sarchlab/tbprof/plugin"
)

// Stats holds profiler activity counters.
type Stats struct {
	Blocks             int
	Intervals          uint64
	ProtocolViolations uint64
}

// Profiler is a translator plugin. It is safe for concurrent use by many
// vCPUs.
type Profiler struct {
	opts   Options
	logger log.Interface
	store  *blocks.Store
	slicer *Slicer

	reportWriter io.Writer
	bbWriter     io.Writer
	pcWriter     io.Writer

	bbOut     *stream
	pcOut     *stream
	reportOut *stream

	violations atomic.Uint64

	finishOnce sync.Once
	finishErr  error
}

// Option is a functional option for configuring the Profiler.
type Option func(*Profiler)

// WithLogger sets the logger.
func WithLogger(logger log.Interface) Option {
	return func(p *Profiler) {
		p.logger = logger
	}
}

// WithReportWriter sets where the hot-block report goes when no
// report-out-file is configured. The default is stdout.
func WithReportWriter(w io.Writer) Option {
	return func(p *Profiler) {
		p.reportWriter = w
	}
}

// WithBBVWriter sends the BBV stream to w instead of bb-out-file.
func WithBBVWriter(w io.Writer) Option {
	return func(p *Profiler) {
		p.bbWriter = w
	}
}

// WithSymbolMapWriter sends the symbol map to w instead of pc-out-file.
func WithSymbolMapWriter(w io.Writer) Option {
	return func(p *Profiler) {
		p.pcWriter = w
	}
}

// New creates a profiler and opens its outputs. Invalid options and
// outputs that cannot be created are configuration errors.
func New(opts Options, options ...Option) (*Profiler, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	p := &Profiler{
		opts:         opts,
		logger:       log.Log,
		store:        blocks.NewStore(),
		reportWriter: os.Stdout,
	}

	for _, o := range options {
		o(p)
	}

	if err := p.openOutputs(); err != nil {
		p.closeOutputs()
		return nil, err
	}

	p.slicer = NewSlicer(opts.IntervalSize, p.writeSample)

	p.logger.WithFields(log.Fields{
		"mode":     opts.Mode,
		"interval": opts.IntervalSize,
		"bbv":      p.bbOut.enabled(),
		"pcmap":    p.pcOut.enabled(),
		"report":   p.reportOut.enabled(),
	}).Debug("profiler configured")

	return p, nil
}

func (p *Profiler) openOutputs() error {
	var err error

	p.bbOut, err = p.open("bbv stream", p.bbWriter, p.opts.BBOutFile)
	if err != nil {
		return err
	}

	p.pcOut, err = p.open("symbol map", p.pcWriter, p.opts.PCOutFile)
	if err != nil {
		return err
	}

	wantReport := p.opts.Mode == ModeWholeRun || p.opts.ReportOutFile != ""
	if !wantReport {
		return nil
	}
	if p.opts.ReportOutFile != "" {
		p.reportOut, err = createStream("report", p.opts.ReportOutFile, p.logger)
		return err
	}
	if p.reportWriter != nil {
		p.reportOut = newStream("report", p.reportWriter, p.logger)
	}
	return nil
}

func (p *Profiler) open(name string, w io.Writer, path string) (*stream, error) {
	switch {
	case w != nil:
		return newStream(name, w, p.logger), nil
	case path != "":
		return createStream(name, path, p.logger)
	}
	return nil, nil
}

func (p *Profiler) closeOutputs() error {
	var first error
	for _, s := range []*stream{p.bbOut, p.pcOut, p.reportOut} {
		if err := s.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// writeSample is the slicer's emit function.
func (p *Profiler) writeSample(s Sample) {
	p.bbOut.writeString(s.String())
}

// Options returns the configuration of the profiler.
func (p *Profiler) Options() Options {
	return p.opts
}

// Store returns the block store.
func (p *Profiler) Store() *blocks.Store {
	return p.store
}

// Slicer returns the interval slicer.
func (p *Profiler) Slicer() *Slicer {
	return p.slicer
}

// Stats returns a snapshot of profiler statistics.
func (p *Profiler) Stats() Stats {
	return Stats{
		Blocks:             p.store.Size(),
		Intervals:          p.slicer.Intervals(),
		ProtocolViolations: p.violations.Load(),
	}
}

// Report ranks the blocks recorded so far.
func (p *Profiler) Report() *Report {
	return Rank(p.store.Snapshot())
}

// TBTrans implements plugin.Plugin.
func (p *Profiler) TBTrans(tb *plugin.TB) {
	_, _ = p.OnTranslate(tb)
}

// Exit implements plugin.Plugin.
func (p *Profiler) Exit() {
	if err := p.Finish(); err != nil {
		p.logger.WithError(err).Error("profiler output incomplete")
	}
}

// Finish writes the final partial interval, the symbol map and the report,
// then closes every output. It must run after execution has stopped; only
// the first call has an effect.
func (p *Profiler) Finish() error {
	p.finishOnce.Do(func() {
		p.slicer.Flush()

		records := p.store.Snapshot()
		p.pcOut.writeString(SymbolMap(records))

		if p.reportOut.enabled() {
			var b strings.Builder
			_ = Rank(records).Render(&b, RenderOptions{
				Disassembly: p.opts.Disassembly,
				Limit:       p.opts.Limit,
			})
			p.reportOut.writeString(b.String())
		}

		p.finishErr = p.closeOutputs()

		p.logger.WithFields(log.Fields{
			"blocks":    len(records),
			"intervals": p.slicer.Intervals(),
		}).Info("profile written")
	})
	return p.finishErr
}
