package profiler

import (
	"strconv"
	"strings"
)

// DefaultIntervalSize is the BBV interval length in instructions.
const DefaultIntervalSize = 100_000_000

// Mode selects how block executions are counted.
type Mode int

const (
	// ModeWholeRun counts executions with an inline add and produces the
	// hot-block report.
	ModeWholeRun Mode = iota
	// ModeInterval counts executions with a callback that also slices the
	// run into BBV intervals.
	ModeInterval
)

func (m Mode) String() string {
	switch m {
	case ModeWholeRun:
		return "whole-run"
	case ModeInterval:
		return "interval"
	}
	return "unknown"
}

// Options configures a Profiler.
type Options struct {
	Mode Mode

	// BBOutFile receives the BBV stream. Empty disables it.
	BBOutFile string
	// PCOutFile receives the block symbol map. Empty disables it.
	PCOutFile string
	// IntervalSize is the BBV interval length in executed instructions.
	IntervalSize uint64

	// ReportOutFile receives the hot-block report instead of the report
	// writer.
	ReportOutFile string
	// Disassembly prints each block's instructions in the report.
	Disassembly bool
	// Limit keeps only the hottest entries of each report section; zero
	// keeps all.
	Limit int
}

// DefaultOptions returns the defaults of a mode.
func DefaultOptions(mode Mode) Options {
	return Options{
		Mode:         mode,
		IntervalSize: DefaultIntervalSize,
		Disassembly:  mode == ModeWholeRun,
	}
}

// ParseOptions parses plugin arguments of the form key=value on top of the
// defaults of mode.
//
// Recognized keys: bb-out-file, pc-out-file, interval-size, report-out-file,
// disas, limit.
func ParseOptions(mode Mode, args []string) (Options, error) {
	opts := DefaultOptions(mode)

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return Options{}, configErrorf("option parsing failed: %s", arg)
		}

		switch key {
		case "bb-out-file":
			opts.BBOutFile = value
		case "pc-out-file":
			opts.PCOutFile = value
		case "report-out-file":
			opts.ReportOutFile = value
		case "interval-size":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return Options{}, configErrorf("bad interval-size %q", value)
			}
			opts.IntervalSize = n
		case "disas":
			on, err := parseBool(value)
			if err != nil {
				return Options{}, err
			}
			opts.Disassembly = on
		case "limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return Options{}, configErrorf("bad limit %q", value)
			}
			opts.Limit = n
		default:
			return Options{}, configErrorf("option parsing failed: %s", arg)
		}
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate checks option values that do not depend on the file system.
func (o Options) Validate() error {
	if o.Mode != ModeWholeRun && o.Mode != ModeInterval {
		return configErrorf("unknown mode %d", int(o.Mode))
	}
	if o.IntervalSize == 0 {
		return configErrorf("interval-size must be positive")
	}
	if o.Mode == ModeWholeRun && o.BBOutFile != "" {
		return configErrorf("bb-out-file needs interval mode")
	}
	if o.Limit < 0 {
		return configErrorf("limit must not be negative")
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, configErrorf("bad boolean %q", value)
}
