// Package translator provides the block translator that hosts profiling
// plugins.
//
// The translator cuts guest code into translated blocks (TBs) at control-flow
// instructions, caches them, and executes their plugin instrumentation each
// time a vCPU runs one. It does not model instruction semantics: control flow
// comes from a recorded trace of executed block addresses.
package translator

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/tbprof/disasm"
	"github.com/sarchlab/tbprof/insts"
	"github.com/sarchlab/tbprof/plugin"
)

// DefaultMaxBlockInsns bounds the length of a translated block.
const DefaultMaxBlockInsns = 512

var (
	// ErrNotExecutable is returned when a block address is outside
	// executable memory.
	ErrNotExecutable = errors.New("address is not executable")
	// ErrShutdown is returned by Exec after Shutdown.
	ErrShutdown = errors.New("translator is shut down")
)

// CodeMemory provides instruction words of the guest.
type CodeMemory interface {
	Read32(addr uint64) (uint32, bool)
}

// SymbolResolver maps a guest address to its enclosing function.
type SymbolResolver interface {
	Lookup(addr uint64) (name string, offset uint64, ok bool)
}

// Statistics holds translator activity counters.
type Statistics struct {
	Translations   uint64
	Retranslations uint64
	CacheHits      uint64
	Evictions      uint64
	Flushes        uint64
	Executions     uint64
	ExecutedInsns  uint64
}

// Translator translates and executes guest blocks.
type Translator struct {
	sim.HookableBase

	memory   CodeMemory
	symbols  SymbolResolver
	decoder  *insts.Decoder
	maxInsns int
	logger   log.Interface

	// mu serializes translation and cache maintenance.
	mu    sync.Mutex
	cache *tbCache
	seen  map[uint64]struct{}
	stats Statistics

	// execMu is held shared by executing vCPUs and exclusively by Shutdown.
	execMu        sync.RWMutex
	exited        bool
	executions    atomic.Uint64
	executedInsns atomic.Uint64
}

// Option is a functional option for configuring the Translator.
type Option func(*Translator)

// WithSymbols sets the resolver used to attribute instructions to functions.
func WithSymbols(symbols SymbolResolver) Option {
	return func(t *Translator) {
		t.symbols = symbols
	}
}

// WithMaxBlockInsns sets the maximum number of instructions per block.
func WithMaxBlockInsns(n int) Option {
	return func(t *Translator) {
		if n > 0 {
			t.maxInsns = n
		}
	}
}

// WithCacheConfig sets the geometry of the translated-block cache.
func WithCacheConfig(config CacheConfig) Option {
	return func(t *Translator) {
		if config.Sets > 0 && config.Ways > 0 {
			t.cache = newTBCache(config)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Interface) Option {
	return func(t *Translator) {
		t.logger = logger
	}
}

// New creates a translator over the given code memory.
func New(memory CodeMemory, opts ...Option) *Translator {
	t := &Translator{
		memory:   memory,
		decoder:  insts.NewDecoder(),
		maxInsns: DefaultMaxBlockInsns,
		logger:   log.Log,
		seen:     make(map[uint64]struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.cache == nil {
		t.cache = newTBCache(DefaultCacheConfig())
	}

	return t
}

// Install attaches a plugin to the translator.
func (t *Translator) Install(p plugin.Plugin) {
	plugin.Install(t, p)
}

// Lookup returns the block starting at pc, translating it on a cache miss.
func (t *Translator) Lookup(pc uint64) (*plugin.TB, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tb := t.cache.lookup(pc); tb != nil {
		t.stats.CacheHits++
		return tb, nil
	}

	tb, err := t.translate(pc)
	if err != nil {
		return nil, err
	}

	if evicted := t.cache.insert(tb); evicted != nil {
		t.stats.Evictions++
		t.logger.WithFields(log.Fields{
			"evicted": evicted.Vaddr(),
			"by":      pc,
		}).Debug("tb cache eviction")
	}

	return tb, nil
}

// translate decodes the block at pc and announces it to plugins. The caller
// holds t.mu.
func (t *Translator) translate(pc uint64) (*plugin.TB, error) {
	var insnList []*plugin.Insn

	for addr := pc; len(insnList) < t.maxInsns; addr += insts.InstructionSize {
		word, ok := t.memory.Read32(addr)
		if !ok {
			break
		}

		data := make([]byte, insts.InstructionSize)
		binary.LittleEndian.PutUint32(data, word)

		insn := &plugin.Insn{
			Vaddr: addr,
			Data:  data,
			Disas: disasm.Word(word),
		}
		if t.symbols != nil {
			insn.Symbol, insn.SymbolOffset, _ = t.symbols.Lookup(addr)
		}
		insnList = append(insnList, insn)

		if t.decoder.Decode(word).IsBlockTerminator() {
			break
		}
	}

	if len(insnList) == 0 {
		return nil, errors.Wrapf(ErrNotExecutable, "translate 0x%x", pc)
	}

	t.stats.Translations++
	if _, ok := t.seen[pc]; ok {
		t.stats.Retranslations++
	}
	t.seen[pc] = struct{}{}

	tb := plugin.NewTB(pc, insnList)
	t.InvokeHook(sim.HookCtx{
		Domain: t,
		Pos:    plugin.HookPosTBTrans,
		Item:   tb,
	})
	tb.Seal()

	return tb, nil
}

// Exec runs the block at pc once on vCPU cpu.
func (t *Translator) Exec(cpu int, pc uint64) error {
	t.execMu.RLock()
	defer t.execMu.RUnlock()

	if t.exited {
		return ErrShutdown
	}

	tb, err := t.Lookup(pc)
	if err != nil {
		return err
	}

	tb.Exec(cpu)
	t.executions.Add(1)
	t.executedInsns.Add(uint64(tb.NInsns()))

	return nil
}

// Flush discards every translated block. Later executions re-translate.
func (t *Translator) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cache.flush()
	t.stats.Flushes++
	t.logger.Debug("tb cache flushed")
}

// Shutdown waits for in-flight executions, then notifies plugins that
// execution has ended. Only the first call has an effect.
func (t *Translator) Shutdown() {
	t.execMu.Lock()
	defer t.execMu.Unlock()

	if t.exited {
		return
	}
	t.exited = true

	t.InvokeHook(sim.HookCtx{
		Domain: t,
		Pos:    plugin.HookPosExit,
	})
}

// Stats returns a snapshot of translator statistics.
func (t *Translator) Stats() Statistics {
	t.mu.Lock()
	stats := t.stats
	t.mu.Unlock()

	stats.Executions = t.executions.Load()
	stats.ExecutedInsns = t.executedInsns.Load()
	return stats
}
