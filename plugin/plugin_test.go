package plugin_test

import (
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/tbprof/plugin"
)

type recordingPlugin struct {
	translated []*plugin.TB
	exits      int
}

func (p *recordingPlugin) TBTrans(tb *plugin.TB) {
	p.translated = append(p.translated, tb)
}

func (p *recordingPlugin) Exit() {
	p.exits++
}

var _ = Describe("TB", func() {
	var tb *plugin.TB

	BeforeEach(func() {
		tb = plugin.NewTB(0x1000, []*plugin.Insn{
			{Vaddr: 0x1000, Data: []byte{0x1f, 0x20, 0x03, 0xd5}, Disas: "nop"},
			{Vaddr: 0x1004, Data: []byte{0xc0, 0x03, 0x5f, 0xd6}, Disas: "ret"},
		})
	})

	It("should describe its instructions", func() {
		Expect(tb.Vaddr()).To(Equal(uint64(0x1000)))
		Expect(tb.NInsns()).To(Equal(2))
		Expect(tb.Insn(1).Disas).To(Equal("ret"))
		Expect(tb.Insn(1).Size()).To(Equal(4))
	})

	It("should apply inline adds on every execution", func() {
		var counter atomic.Uint64
		tb.RegisterExecInline(plugin.InlineAddU64, &counter, 3)
		tb.Seal()

		tb.Exec(0)
		tb.Exec(1)

		Expect(counter.Load()).To(Equal(uint64(6)))
	})

	It("should pass the cpu index and user data to callbacks", func() {
		var gotCPU []int
		var gotData []any
		tb.RegisterExecCallback(func(cpu int, udata any) {
			gotCPU = append(gotCPU, cpu)
			gotData = append(gotData, udata)
		}, "block")
		tb.Seal()

		tb.Exec(2)

		Expect(gotCPU).To(Equal([]int{2}))
		Expect(gotData).To(Equal([]any{"block"}))
		Expect(tb.NumInstrumentations()).To(Equal(1))
	})

	It("should refuse registrations after sealing", func() {
		tb.Seal()
		Expect(func() {
			tb.RegisterExecCallback(func(int, any) {}, nil)
		}).To(Panic())
	})
})

var _ = Describe("Install", func() {
	It("should route hook positions to the plugin", func() {
		domain := &sim.HookableBase{}
		p := &recordingPlugin{}
		plugin.Install(domain, p)

		tb := plugin.NewTB(0x2000, nil)
		domain.InvokeHook(sim.HookCtx{Domain: domain, Pos: plugin.HookPosTBTrans, Item: tb})
		domain.InvokeHook(sim.HookCtx{Domain: domain, Pos: plugin.HookPosExit})

		Expect(p.translated).To(ConsistOf(tb))
		Expect(p.exits).To(Equal(1))
		Expect(domain.NumHooks()).To(Equal(1))
	})
})
