package profiler_test

import (
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"

	"github.com/sarchlab/tbprof/blocks"
	"github.com/sarchlab/tbprof/plugin"
)

var quiet = &log.Logger{Handler: discard.Default, Level: log.ErrorLevel}

const nop = 0xD503201F

// makeTB builds a block of n NOPs at addr attributed to symbol.
func makeTB(addr uint64, n int, symbol string) *plugin.TB {
	insns := make([]*plugin.Insn, n)
	for i := range insns {
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, nop)
		insns[i] = &plugin.Insn{
			Vaddr:        addr + uint64(4*i),
			Data:         data,
			Disas:        fmt.Sprintf("nop // %d", i),
			Symbol:       symbol,
			SymbolOffset: uint64(4 * i),
		}
	}
	return plugin.NewTB(addr, insns)
}

// record inserts a block of n instructions into store.
func record(store *blocks.Store, addr uint64, n uint64, symbol string) *blocks.Record {
	r, err := store.InsertNew(addr, blocks.Fields{NInsns: n, Symbol: symbol})
	if err != nil {
		panic(err)
	}
	return r
}

func execN(r *blocks.Record, n int) {
	for i := 0; i < n; i++ {
		r.CountExec()
	}
}
