package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/sarchlab/tbprof/internal/elftest"
	"github.com/sarchlab/tbprof/profiler"
	"github.com/sarchlab/tbprof/translator"
)

var _ = Describe("replay", func() {
	var (
		dir     string
		program string
		report  bytes.Buffer
	)

	// main:  0x400000 nop; nop; nop; bl work
	//        0x400010 ret
	// work:  0x400014 nop; ret
	code := elftest.Code(
		0xD503201F, 0xD503201F, 0xD503201F, 0x94000002,
		0xD65F03C0,
		0xD503201F, 0xD65F03C0,
	)

	writeTrace := func(lines ...string) string {
		path := filepath.Join(dir, "exec.trace")
		Expect(os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)).To(Succeed())
		return path
	}

	config := func(mode profiler.Mode, tracePath string, args ...string) replayConfig {
		return replayConfig{
			Mode:          mode,
			Program:       program,
			Trace:         tracePath,
			PluginArgs:    args,
			MaxBlockInsns: translator.DefaultMaxBlockInsns,
			Cache:         translator.DefaultCacheConfig(),
			Report:        &report,
		}
	}

	BeforeEach(func() {
		log.SetHandler(discard.Default)
		report.Reset()
		dir = GinkgoT().TempDir()

		program = filepath.Join(dir, "prog.elf")
		Expect(elftest.Image{
			Entry:    0x400000,
			Segments: []elftest.Segment{{Addr: 0x400000, Data: code}},
			Symbols: []elftest.Symbol{
				{Name: "main", Addr: 0x400000, Size: 0x14},
				{Name: "work", Addr: 0x400014, Size: 0x8},
			},
		}.WriteFile(program)).To(Succeed())
	})

	It("should print the hot-block report in collect mode", func() {
		tracePath := writeTrace(
			"0x400000",
			"0x400014",
			"0x400014",
			"0x400014",
			"0x400010",
		)

		sum, err := replay(context.Background(), config(profiler.ModeWholeRun, tracePath, "disas=off"))

		Expect(err).NotTo(HaveOccurred())
		Expect(sum.Translator.Executions).To(Equal(uint64(5)))
		Expect(sum.Translator.ExecutedInsns).To(Equal(uint64(4 + 3*2 + 1)))
		Expect(sum.Profiler.Blocks).To(Equal(3))

		out := report.String()
		Expect(out).To(HavePrefix("collected 3 translation blocks\n"))
		Expect(out).To(ContainSubstring("  0x0000000000400014 6 54.5455% work\n"))
		Expect(out).To(ContainSubstring("  work 6 54.5455% 3\n"))
		Expect(out).To(ContainSubstring("  Dynamic instruction count:   11\n"))
	})

	It("should print trimmed disassembly under each hot block", func() {
		tracePath := writeTrace("0x400000", "0x400014", "0x400010")

		_, err := replay(context.Background(), config(profiler.ModeWholeRun, tracePath))
		Expect(err).NotTo(HaveOccurred())

		out := report.String()
		Expect(out).To(ContainSubstring("work\n      nop\n      ret\n"))
		for _, line := range strings.Split(out, "\n") {
			Expect(line).To(Equal(strings.TrimRight(line, " \t")), "line %q", line)
		}
	})

	It("should refuse a BBV stream in collect mode", func() {
		tracePath := writeTrace("0x400000")

		_, err := replay(context.Background(), config(profiler.ModeWholeRun, tracePath,
			"bb-out-file="+filepath.Join(dir, "run.bb")))

		Expect(errors.Is(err, profiler.ErrConfiguration)).To(BeTrue())
	})

	It("should write BBV and symbol map files in bbv mode", func() {
		tracePath := writeTrace(
			"Trace 0: 0x7f0000000000 [00000000/0000000000400000/00000000/ff200000] main",
			"Trace 0: 0x7f0000000100 [00000000/0000000000400014/00000000/ff200000] work",
			"Trace 0: 0x7f0000000200 [00000000/0000000000400010/00000000/ff200000] main",
		)
		bb := filepath.Join(dir, "run.bb")
		pc := filepath.Join(dir, "run.pc")

		sum, err := replay(context.Background(), config(profiler.ModeInterval, tracePath,
			"bb-out-file="+bb, "pc-out-file="+pc, "interval-size=5"))

		Expect(err).NotTo(HaveOccurred())
		Expect(sum.Profiler.Intervals).To(Equal(uint64(2)))
		Expect(report.String()).To(BeEmpty())

		data, err := os.ReadFile(bb)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("T:0:4 :1:1 \nT:1:1 :2:1 \n"))

		data, err = os.ReadFile(pc)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("F:0:400000:main\nF:1:400014:work\nF:2:400010:main\n"))
	})

	It("should still write the report when the trace leaves code", func() {
		tracePath := writeTrace("0x400000", "0x500000")

		sum, err := replay(context.Background(), config(profiler.ModeWholeRun, tracePath))

		Expect(errors.Is(err, translator.ErrNotExecutable)).To(BeTrue())
		Expect(sum).NotTo(BeNil())
		Expect(report.String()).To(ContainSubstring("collected 1 translation blocks"))
	})

	It("should reject bad plugin options before loading anything", func() {
		_, err := replay(context.Background(), config(profiler.ModeInterval, "missing.trace", "interval-size=0"))

		Expect(errors.Is(err, profiler.ErrConfiguration)).To(BeTrue())
	})

	It("should fail on a missing trace", func() {
		_, err := replay(context.Background(), config(profiler.ModeWholeRun, filepath.Join(dir, "nope")))

		Expect(err).To(MatchError(ContainSubstring("failed to open trace")))
	})
})
