// Package blocks provides the per-block execution records shared by the
// profiling plugins.
package blocks

import "sync/atomic"

// Insn is the snapshot of one instruction taken when a block is first
// translated.
type Insn struct {
	// Len is the encoded size in bytes.
	Len int
	// Data is the encoding as a little-endian 16- or 32-bit word.
	Data uint64
	// Disas is the disassembly text.
	Disas string
}

// Fields are the translation-time attributes of a new record.
type Fields struct {
	NInsns       uint64
	Symbol       string
	SymbolOffset uint64
	Insns        []Insn
}

// Record holds the metadata and counters of one block start address.
//
// Identity is the start address alone. A block re-translated at the same
// address with different contents (self-modifying code) keeps its original
// record and instruction snapshot.
type Record struct {
	StartAddr    uint64
	ID           uint64
	NInsns       uint64
	Symbol       string
	SymbolOffset uint64

	insns []Insn

	translations atomic.Uint64
	execs        atomic.Uint64

	// intervalCount is owned by the interval slicer, which serializes access.
	intervalCount atomic.Uint64
}

// Insns returns the instruction snapshot. Callers must not modify it.
func (r *Record) Insns() []Insn {
	return r.insns
}

// Translations returns the number of times the address has been translated.
func (r *Record) Translations() uint64 {
	return r.translations.Load()
}

// Execs returns the number of times the block has executed.
func (r *Record) Execs() uint64 {
	return r.execs.Load()
}

// ExecCounter exposes the execution counter for inline increments.
func (r *Record) ExecCounter() *atomic.Uint64 {
	return &r.execs
}

// CountExec records one execution.
func (r *Record) CountExec() {
	r.execs.Add(1)
}

// DynamicInsns returns the instructions executed by this block so far.
func (r *Record) DynamicInsns() uint64 {
	return r.Execs() * r.NInsns
}

// IntervalCount returns the instructions executed by this block in the open
// interval.
func (r *Record) IntervalCount() uint64 {
	return r.intervalCount.Load()
}

// AddIntervalCount adds n to the open-interval count and returns the new
// value.
func (r *Record) AddIntervalCount(n uint64) uint64 {
	return r.intervalCount.Add(n)
}

// SetIntervalCount overwrites the open-interval count.
func (r *Record) SetIntervalCount(n uint64) {
	r.intervalCount.Store(n)
}
