package profiler

import (
	"encoding/binary"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/sarchlab/tbprof/blocks"
	"github.com/sarchlab/tbprof/plugin"
)

// OnTranslate records a translation of tb and instruments it according to
// the profiler mode. The first translation of an address creates its record;
// later ones only bump the translation count and keep the original
// instruction snapshot.
//
// A block without instructions, or a re-translation whose instruction count
// differs from the record, is a protocol violation: it is logged and left
// uninstrumented.
func (p *Profiler) OnTranslate(tb *plugin.TB) (*blocks.Record, error) {
	if tb.NInsns() == 0 {
		return nil, p.violation(tb, errors.Wrapf(ErrProtocolViolation,
			"block at 0x%x has no instructions", tb.Vaddr()))
	}

	rec, created := p.store.Observe(tb.Vaddr(), func() blocks.Fields {
		return snapshot(tb)
	})

	if !created && rec.NInsns != uint64(tb.NInsns()) {
		return rec, p.violation(tb, errors.Wrapf(ErrProtocolViolation,
			"block at 0x%x re-translated with %d instructions, recorded %d",
			tb.Vaddr(), tb.NInsns(), rec.NInsns))
	}

	switch p.opts.Mode {
	case ModeWholeRun:
		tb.RegisterExecInline(plugin.InlineAddU64, rec.ExecCounter(), 1)
	case ModeInterval:
		tb.RegisterExecCallback(p.onExec, rec)
	}

	if created {
		p.logger.WithFields(log.Fields{
			"id":     rec.ID,
			"addr":   rec.StartAddr,
			"insns":  rec.NInsns,
			"symbol": rec.Symbol,
		}).Debug("new block")
	}

	return rec, nil
}

func (p *Profiler) violation(tb *plugin.TB, err error) error {
	p.violations.Add(1)
	p.logger.WithError(err).WithField("addr", tb.Vaddr()).Warn("block not instrumented")
	return err
}

// onExec is the interval-mode execution callback.
func (p *Profiler) onExec(_ int, udata any) {
	rec := udata.(*blocks.Record)
	rec.CountExec()
	p.slicer.Account(rec)
}

// snapshot copies the translation-time metadata of tb.
func snapshot(tb *plugin.TB) blocks.Fields {
	n := tb.NInsns()
	first := tb.Insn(0)

	fields := blocks.Fields{
		NInsns:       uint64(n),
		Symbol:       first.Symbol,
		SymbolOffset: first.SymbolOffset,
		Insns:        make([]blocks.Insn, n),
	}

	for i := 0; i < n; i++ {
		insn := tb.Insn(i)
		fields.Insns[i] = blocks.Insn{
			Len:   insn.Size(),
			Data:  insnWord(insn.Data),
			Disas: insn.Disas,
		}
	}
	return fields
}

// insnWord reads 2- and 4-byte encodings as a little-endian word. Other
// lengths are not stored.
func insnWord(data []byte) uint64 {
	switch len(data) {
	case 4:
		return uint64(binary.LittleEndian.Uint32(data))
	case 2:
		return uint64(binary.LittleEndian.Uint16(data))
	}
	return 0
}
