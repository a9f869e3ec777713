package main

import (
	"os"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sarchlab/tbprof/profiler"
	"github.com/sarchlab/tbprof/translator"
)

// commandMode describes one replay subcommand.
type commandMode struct {
	name  string
	short string
	long  string
	mode  profiler.Mode
}

var (
	collectMode = commandMode{
		name:  "collect",
		short: "Rank hot blocks over the whole run",
		long: `Replay a trace and print the hot-block report.

Plugin options (key=value): pc-out-file, report-out-file, disas, limit.`,
		mode: profiler.ModeWholeRun,
	}
	bbvMode = commandMode{
		name:  "bbv",
		short: "Write basic-block vectors for fixed-length intervals",
		long: `Replay a trace and write one BBV line per interval of executed
instructions.

Plugin options (key=value): bb-out-file, pc-out-file, interval-size,
report-out-file, disas, limit.`,
		mode: profiler.ModeInterval,
	}
)

func newReplayCmd(m commandMode) *cobra.Command {
	cmd := &cobra.Command{
		Use:           m.name + " <program.elf> <exec.trace> [key=value ...]",
		Short:         m.short,
		Long:          m.long,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("verbose") {
				log.SetLevel(log.DebugLevel)
			}

			cfg := replayConfig{
				Mode:          m.mode,
				Program:       args[0],
				Trace:         args[1],
				PluginArgs:    append(viper.GetStringSlice("plugin-args"), args[2:]...),
				MaxBlockInsns: viper.GetInt(m.name + ".max-block-insns"),
				Cache: translator.CacheConfig{
					Sets: viper.GetInt(m.name + ".tb-sets"),
					Ways: viper.GetInt(m.name + ".tb-ways"),
				},
				CPUProfile: viper.GetString(m.name + ".cpuprofile"),
				MemProfile: viper.GetString(m.name + ".memprofile"),
				Report:     os.Stdout,
			}

			sum, err := replay(cmd.Context(), cfg)
			if sum != nil {
				logSummary(sum)
			}
			return err
		},
	}

	defaults := translator.DefaultCacheConfig()
	cmd.Flags().Int("max-block-insns", translator.DefaultMaxBlockInsns, "Maximum instructions per translated block")
	cmd.Flags().Int("tb-sets", defaults.Sets, "Translated-block cache sets")
	cmd.Flags().Int("tb-ways", defaults.Ways, "Translated-block cache ways")
	cmd.Flags().String("cpuprofile", "", "Write a CPU profile of tbprof to file")
	cmd.Flags().String("memprofile", "", "Write a heap profile of tbprof to file")
	bindFlags(m.name, cmd.Flags())
	cmd.MarkZshCompPositionalArgumentFile(1)

	return cmd
}

// bindFlags binds every flag of fs to the viper key "<prefix>.<flag>".
func bindFlags(prefix string, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		viper.BindPFlag(prefix+"."+f.Name, f)
	})
}

func logSummary(sum *replaySummary) {
	rate := 0.0
	if secs := sum.Elapsed.Seconds(); secs > 0 {
		rate = float64(sum.Translator.ExecutedInsns) / secs
	}

	log.WithFields(log.Fields{
		"trace":        humanize.Bytes(uint64(sum.TraceBytes)),
		"blocks":       humanize.Comma(int64(sum.Profiler.Blocks)),
		"executions":   humanize.Comma(int64(sum.Translator.Executions)),
		"insns":        humanize.Comma(int64(sum.Translator.ExecutedInsns)),
		"translations": humanize.Comma(int64(sum.Translator.Translations)),
		"intervals":    sum.Profiler.Intervals,
		"elapsed":      sum.Elapsed.Round(time.Millisecond),
		"insns/s":      humanize.SIWithDigits(rate, 2, ""),
	}).Info("replay finished")

	if sum.SkippedLines > 0 {
		log.Warnf("skipped %d unrecognized trace lines", sum.SkippedLines)
	}
	if sum.Profiler.ProtocolViolations > 0 {
		log.Warnf("%d blocks were not instrumented", sum.Profiler.ProtocolViolations)
	}
}
