// Package plugin defines the contract between the block translator and the
// instrumentation plugins that observe it.
//
// The translator announces every newly translated block through the
// HookPosTBTrans hook position, with the *TB as the hook item. While handling
// that hook a plugin may attach execution instrumentation to the block:
// inline counter updates, which are plain atomic adds, or callbacks, which run
// on the executing vCPU's goroutine. Once the hook returns the block is sealed
// and published to all vCPUs. HookPosExit fires once, after the last
// execution.
package plugin

import (
	"sync/atomic"

	"github.com/sarchlab/akita/v4/sim"
)

// Hook positions invoked by the translator.
var (
	HookPosTBTrans = &sim.HookPos{Name: "TB Trans"}
	HookPosExit    = &sim.HookPos{Name: "Exit"}
)

// Insn is the translation-time view of one guest instruction. Its fields are
// not modified after translation.
type Insn struct {
	Vaddr uint64
	Data  []byte
	Disas string

	// Symbol is the function enclosing Vaddr, empty when unknown.
	Symbol       string
	SymbolOffset uint64
}

// Size returns the encoded length of the instruction in bytes.
func (i *Insn) Size() int {
	return len(i.Data)
}

// ExecCallback runs on every execution of the block it is registered on.
type ExecCallback func(cpuIndex int, udata any)

// InlineOp selects the operation of an inline instrumentation.
type InlineOp uint8

// Inline operations.
const (
	InlineAddU64 InlineOp = iota
)

type inlineOp struct {
	op      InlineOp
	counter *atomic.Uint64
	imm     uint64
}

type execCallback struct {
	fn    ExecCallback
	udata any
}

// TB is a translated block: a straight-line run of guest instructions that
// always executes as a unit.
type TB struct {
	vaddr     uint64
	insns     []*Insn
	inline    []inlineOp
	callbacks []execCallback
	sealed    bool
}

// NewTB creates a block starting at vaddr.
func NewTB(vaddr uint64, insns []*Insn) *TB {
	return &TB{vaddr: vaddr, insns: insns}
}

// Vaddr returns the guest address of the first instruction.
func (tb *TB) Vaddr() uint64 {
	return tb.vaddr
}

// NInsns returns the number of instructions in the block.
func (tb *TB) NInsns() int {
	return len(tb.insns)
}

// Insn returns the i-th instruction of the block.
func (tb *TB) Insn(i int) *Insn {
	return tb.insns[i]
}

// RegisterExecInline attaches an inline operation executed on every run of
// the block.
func (tb *TB) RegisterExecInline(op InlineOp, counter *atomic.Uint64, imm uint64) {
	tb.mustBeOpen()
	tb.inline = append(tb.inline, inlineOp{op: op, counter: counter, imm: imm})
}

// RegisterExecCallback attaches a callback executed on every run of the
// block.
func (tb *TB) RegisterExecCallback(fn ExecCallback, udata any) {
	tb.mustBeOpen()
	tb.callbacks = append(tb.callbacks, execCallback{fn: fn, udata: udata})
}

// NumInstrumentations returns the number of registered inline operations and
// callbacks.
func (tb *TB) NumInstrumentations() int {
	return len(tb.inline) + len(tb.callbacks)
}

// Seal forbids further registrations. The translator seals a block before
// any vCPU can execute it.
func (tb *TB) Seal() {
	tb.sealed = true
}

func (tb *TB) mustBeOpen() {
	if tb.sealed {
		panic("plugin: instrumentation registered after translation")
	}
}

// Exec runs the block's instrumentation for one execution on cpuIndex.
func (tb *TB) Exec(cpuIndex int) {
	for _, op := range tb.inline {
		switch op.op {
		case InlineAddU64:
			op.counter.Add(op.imm)
		}
	}

	for _, cb := range tb.callbacks {
		cb.fn(cpuIndex, cb.udata)
	}
}

// Plugin observes the translator.
type Plugin interface {
	// TBTrans is called once per translation of a block.
	TBTrans(tb *TB)
	// Exit is called once, after all execution has stopped.
	Exit()
}

// hook adapts a Plugin to the akita hook interface.
type hook struct {
	p Plugin
}

func (h hook) Func(ctx sim.HookCtx) {
	switch ctx.Pos {
	case HookPosTBTrans:
		h.p.TBTrans(ctx.Item.(*TB))
	case HookPosExit:
		h.p.Exit()
	}
}

// Install attaches p to the hook domain of a translator.
func Install(domain sim.Hookable, p Plugin) {
	domain.AcceptHook(hook{p: p})
}
