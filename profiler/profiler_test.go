package profiler_test

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/sarchlab/tbprof/plugin"
	"github.com/sarchlab/tbprof/profiler"
)

type failingWriter struct {
	writes int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("disk full")
}

var _ = Describe("Profiler", func() {
	var (
		report bytes.Buffer
		bbv    bytes.Buffer
		pcmap  bytes.Buffer
	)

	BeforeEach(func() {
		report.Reset()
		bbv.Reset()
		pcmap.Reset()
	})

	newProfiler := func(opts profiler.Options) *profiler.Profiler {
		p, err := profiler.New(opts,
			profiler.WithLogger(quiet),
			profiler.WithReportWriter(&report),
			profiler.WithBBVWriter(&bbv),
			profiler.WithSymbolMapWriter(&pcmap),
		)
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	Describe("translation", func() {
		It("should assign dense IDs in first-translation order", func() {
			p := newProfiler(profiler.DefaultOptions(profiler.ModeWholeRun))

			r0, err := p.OnTranslate(makeTB(0x3000, 2, "c"))
			Expect(err).NotTo(HaveOccurred())
			r1, err := p.OnTranslate(makeTB(0x1000, 5, "a"))
			Expect(err).NotTo(HaveOccurred())

			Expect(r0.ID).To(Equal(uint64(0)))
			Expect(r1.ID).To(Equal(uint64(1)))
			Expect(r1.NInsns).To(Equal(uint64(5)))
			Expect(r1.Symbol).To(Equal("a"))
			Expect(r1.Insns()).To(HaveLen(5))
			Expect(r1.Insns()[0].Len).To(Equal(4))
			Expect(r1.Insns()[0].Data).To(Equal(uint64(nop)))
			Expect(r1.Insns()[4].Disas).To(Equal("nop // 4"))
			Expect(p.Stats().Blocks).To(Equal(2))
		})

		It("should count re-translations without touching the record", func() {
			p := newProfiler(profiler.DefaultOptions(profiler.ModeWholeRun))

			tb := makeTB(0x1000, 3, "main")
			rec, err := p.OnTranslate(tb)
			Expect(err).NotTo(HaveOccurred())
			tb.Exec(0)
			tb.Exec(0)

			again, err := p.OnTranslate(makeTB(0x1000, 3, "other"))
			Expect(err).NotTo(HaveOccurred())

			Expect(again).To(BeIdenticalTo(rec))
			Expect(rec.Translations()).To(Equal(uint64(2)))
			Expect(rec.Execs()).To(Equal(uint64(2)))
			Expect(rec.ID).To(Equal(uint64(0)))
			Expect(rec.Symbol).To(Equal("main"))
		})

		It("should reject a block without instructions", func() {
			p := newProfiler(profiler.DefaultOptions(profiler.ModeWholeRun))

			tb := plugin.NewTB(0x1000, nil)
			_, err := p.OnTranslate(tb)

			Expect(errors.Is(err, profiler.ErrProtocolViolation)).To(BeTrue())
			Expect(tb.NumInstrumentations()).To(BeZero())
			Expect(p.Store().Size()).To(BeZero())
			Expect(p.Stats().ProtocolViolations).To(Equal(uint64(1)))
		})

		It("should not instrument a re-translation of a different length", func() {
			p := newProfiler(profiler.DefaultOptions(profiler.ModeWholeRun))

			_, err := p.OnTranslate(makeTB(0x1000, 3, ""))
			Expect(err).NotTo(HaveOccurred())

			tb := makeTB(0x1000, 4, "")
			rec, err := p.OnTranslate(tb)

			Expect(errors.Is(err, profiler.ErrProtocolViolation)).To(BeTrue())
			Expect(tb.NumInstrumentations()).To(BeZero())
			Expect(rec.Translations()).To(Equal(uint64(2)))
			Expect(rec.NInsns).To(Equal(uint64(3)))
		})
	})

	Describe("whole-run mode", func() {
		It("should count with an inline add and print the report", func() {
			opts := profiler.DefaultOptions(profiler.ModeWholeRun)
			opts.Disassembly = false
			p := newProfiler(opts)

			hot := makeTB(0x400000, 10, "loop")
			cold := makeTB(0x400100, 20, "init")
			p.TBTrans(hot)
			p.TBTrans(cold)
			for i := 0; i < 5; i++ {
				hot.Exec(0)
			}
			cold.Exec(1)

			Expect(hot.NumInstrumentations()).To(Equal(1))
			p.Exit()

			Expect(report.String()).To(ContainSubstring("  0x0000000000400000 50 71.4286% loop\n"))
			Expect(report.String()).To(ContainSubstring("  Dynamic instruction count:   70\n"))
			Expect(bbv.String()).To(BeEmpty())
			Expect(pcmap.String()).To(Equal("F:0:400000:loop\nF:1:400100:init\n"))
		})

		It("should print no data when nothing ran", func() {
			p := newProfiler(profiler.DefaultOptions(profiler.ModeWholeRun))
			p.TBTrans(makeTB(0x1000, 2, ""))

			Expect(p.Finish()).To(Succeed())
			Expect(report.String()).To(ContainSubstring("Dynamic instruction count:   no data"))
		})
	})

	Describe("interval mode", func() {
		It("should emit BBV lines and no report by default", func() {
			opts := profiler.DefaultOptions(profiler.ModeInterval)
			opts.IntervalSize = 100
			p := newProfiler(opts)

			tb := makeTB(0x1000, 40, "main")
			p.TBTrans(tb)
			for i := 0; i < 3; i++ {
				tb.Exec(0)
			}

			Expect(bbv.String()).To(BeEmpty())
			Expect(p.Finish()).To(Succeed())

			Expect(bbv.String()).To(Equal("T:0:100 \nT:0:20 \n"))
			Expect(pcmap.String()).To(Equal("F:0:1000:main\n"))
			Expect(report.String()).To(BeEmpty())
			Expect(p.Store().Snapshot()[0].Execs()).To(Equal(uint64(3)))
			Expect(p.Stats().Intervals).To(Equal(uint64(2)))
		})

		It("should account executions from many vCPUs", func() {
			opts := profiler.DefaultOptions(profiler.ModeInterval)
			opts.IntervalSize = 64
			p := newProfiler(opts)

			tbs := []*plugin.TB{makeTB(0x1000, 3, ""), makeTB(0x2000, 5, "")}
			for _, tb := range tbs {
				p.TBTrans(tb)
			}

			var wg sync.WaitGroup
			for cpu := 0; cpu < 4; cpu++ {
				wg.Add(1)
				go func(cpu int) {
					defer wg.Done()
					for i := 0; i < 250; i++ {
						tbs[(cpu+i)%2].Exec(cpu)
					}
				}(cpu)
			}
			wg.Wait()
			Expect(p.Finish()).To(Succeed())

			Expect(p.Slicer().Total()).To(Equal(uint64(500*3 + 500*5)))
			for _, r := range p.Store().Snapshot() {
				Expect(r.Execs()).To(Equal(uint64(500)))
			}
		})

		It("should write the report when a report file is set", func() {
			dir := GinkgoT().TempDir()
			opts := profiler.DefaultOptions(profiler.ModeInterval)
			opts.ReportOutFile = filepath.Join(dir, "report.txt")
			p := newProfiler(opts)

			tb := makeTB(0x1000, 2, "main")
			p.TBTrans(tb)
			tb.Exec(0)
			Expect(p.Finish()).To(Succeed())

			data, err := os.ReadFile(opts.ReportOutFile)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(HavePrefix("collected 1 translation blocks\n"))
			Expect(report.String()).To(BeEmpty())
		})
	})

	Describe("outputs", func() {
		It("should create output files", func() {
			dir := GinkgoT().TempDir()
			opts, err := profiler.ParseOptions(profiler.ModeInterval, []string{
				"bb-out-file=" + filepath.Join(dir, "run.bb"),
				"pc-out-file=" + filepath.Join(dir, "run.pc"),
				"interval-size=4",
			})
			Expect(err).NotTo(HaveOccurred())

			p, err := profiler.New(opts, profiler.WithLogger(quiet))
			Expect(err).NotTo(HaveOccurred())

			tb := makeTB(0x1000, 2, "f")
			p.TBTrans(tb)
			tb.Exec(0)
			tb.Exec(0)
			tb.Exec(0)
			p.Exit()

			bb, err := os.ReadFile(filepath.Join(dir, "run.bb"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(bb)).To(Equal("T:0:4 \nT:0:2 \n"))

			pc, err := os.ReadFile(filepath.Join(dir, "run.pc"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(pc)).To(Equal("F:0:1000:f\n"))
		})

		It("should fail with a configuration error on an unwritable path", func() {
			opts := profiler.DefaultOptions(profiler.ModeInterval)
			opts.BBOutFile = filepath.Join(GinkgoT().TempDir(), "missing", "run.bb")

			_, err := profiler.New(opts, profiler.WithLogger(quiet))

			Expect(errors.Is(err, profiler.ErrConfiguration)).To(BeTrue())
		})

		It("should reject invalid options", func() {
			opts := profiler.DefaultOptions(profiler.ModeInterval)
			opts.IntervalSize = 0

			_, err := profiler.New(opts)

			Expect(errors.Is(err, profiler.ErrConfiguration)).To(BeTrue())
		})

		It("should drop a stream after a write error and keep the others", func() {
			opts := profiler.DefaultOptions(profiler.ModeInterval)
			opts.IntervalSize = 1
			bad := &failingWriter{}
			p, err := profiler.New(opts,
				profiler.WithLogger(quiet),
				profiler.WithBBVWriter(bad),
				profiler.WithSymbolMapWriter(&pcmap),
			)
			Expect(err).NotTo(HaveOccurred())

			tb := makeTB(0x1000, 1, "f")
			p.TBTrans(tb)
			for i := 0; i < 10000; i++ {
				tb.Exec(0)
			}

			Expect(p.Finish()).To(HaveOccurred())
			Expect(bad.writes).To(Equal(1))
			Expect(pcmap.String()).To(Equal("F:0:1000:f\n"))
		})

		It("should finish only once", func() {
			p := newProfiler(profiler.DefaultOptions(profiler.ModeWholeRun))
			tb := makeTB(0x1000, 1, "")
			p.TBTrans(tb)
			tb.Exec(0)

			Expect(p.Finish()).To(Succeed())
			first := report.String()
			p.Exit()
			Expect(p.Finish()).To(Succeed())

			Expect(report.String()).To(Equal(first))
		})
	})
})
