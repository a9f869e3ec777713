package profiler

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sarchlab/tbprof/blocks"
)

// unknownSymbol labels blocks without symbol attribution in the function
// ranking.
const unknownSymbol = "<unknown>"

// Entry is one block in a ranking.
type Entry struct {
	Addr   uint64
	ID     uint64
	Symbol string
	NInsns uint64
	Execs  uint64
	// Insns is Execs * NInsns.
	Insns uint64
	Disas []string
}

// FunctionEntry aggregates the blocks attributed to one symbol.
type FunctionEntry struct {
	Symbol string
	Blocks int
	Execs  uint64
	Insns  uint64
}

// Report is a frozen ranking of all blocks.
type Report struct {
	// Blocks is the number of distinct blocks.
	Blocks int
	// TotalInsns is the sum of Insns over all blocks. It is the percentage
	// denominator of every section.
	TotalInsns uint64

	ByInsns []Entry
	ByExecs []Entry

	// Functions is sorted by dynamic instructions, FunctionsByExecs by
	// invocations. Ties keep first block ID order in both.
	Functions        []FunctionEntry
	FunctionsByExecs []FunctionEntry
}

// RenderOptions controls the text form of a report.
type RenderOptions struct {
	Disassembly bool
	Limit       int
}

// Rank snapshots the counters of records, given in block ID order, and
// sorts them by dynamic instructions and by executions. Ties keep ID order.
func Rank(records []*blocks.Record) *Report {
	entries := make([]Entry, len(records))
	var total uint64

	for i, r := range records {
		execs := r.Execs()
		e := Entry{
			Addr:   r.StartAddr,
			ID:     r.ID,
			Symbol: r.Symbol,
			NInsns: r.NInsns,
			Execs:  execs,
			Insns:  execs * r.NInsns,
		}
		for _, insn := range r.Insns() {
			e.Disas = append(e.Disas, insn.Disas)
		}
		entries[i] = e
		total += e.Insns
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})

	byInsns := append([]Entry(nil), entries...)
	sort.SliceStable(byInsns, func(i, j int) bool {
		return byInsns[i].Insns > byInsns[j].Insns
	})

	byExecs := append([]Entry(nil), entries...)
	sort.SliceStable(byExecs, func(i, j int) bool {
		return byExecs[i].Execs > byExecs[j].Execs
	})

	funcs := aggregateFunctions(entries)

	funcsByExecs := append([]FunctionEntry(nil), funcs...)
	sort.SliceStable(funcsByExecs, func(i, j int) bool {
		return funcsByExecs[i].Execs > funcsByExecs[j].Execs
	})

	sort.SliceStable(funcs, func(i, j int) bool {
		return funcs[i].Insns > funcs[j].Insns
	})

	return &Report{
		Blocks:           len(entries),
		TotalInsns:       total,
		ByInsns:          byInsns,
		ByExecs:          byExecs,
		Functions:        funcs,
		FunctionsByExecs: funcsByExecs,
	}
}

// aggregateFunctions groups entries by symbol, in first block ID order.
func aggregateFunctions(entries []Entry) []FunctionEntry {
	index := make(map[string]int)
	var funcs []FunctionEntry

	for _, e := range entries {
		name := e.Symbol
		if name == "" {
			name = unknownSymbol
		}

		i, ok := index[name]
		if !ok {
			i = len(funcs)
			index[name] = i
			funcs = append(funcs, FunctionEntry{Symbol: name})
		}
		funcs[i].Blocks++
		funcs[i].Execs += e.Execs
		funcs[i].Insns += e.Insns
	}
	return funcs
}

// HasData reports whether any instruction was executed.
func (r *Report) HasData() bool {
	return r.TotalInsns > 0
}

// Percent returns 100*count/TotalInsns, or false when there is no data.
func (r *Report) Percent(count uint64) (float64, bool) {
	if r.TotalInsns == 0 {
		return 0, false
	}
	return float64(count) * 100 / float64(r.TotalInsns), true
}

// Render writes the text report.
func (r *Report) Render(w io.Writer, opts RenderOptions) error {
	var b strings.Builder

	fmt.Fprintf(&b, "collected %d translation blocks\n", r.Blocks)

	b.WriteString("## Blocks (by dynamic instructions)\n\n")
	r.renderBlocks(&b, r.ByInsns, opts, func(e Entry) uint64 { return e.Insns })

	b.WriteString("\n## Blocks (by dynamic invocations)\n\n")
	r.renderBlocks(&b, r.ByExecs, RenderOptions{Limit: opts.Limit}, func(e Entry) uint64 { return e.Execs })

	b.WriteString("\n## Functions (by dynamic instructions)\n\n")
	r.renderFunctions(&b, r.Functions, opts.Limit, false)

	b.WriteString("\n## Functions (by dynamic invocations)\n\n")
	r.renderFunctions(&b, r.FunctionsByExecs, opts.Limit, true)

	b.WriteString("\n## Summary\n\n")
	if r.HasData() {
		fmt.Fprintf(&b, "  Dynamic instruction count:   %d\n", r.TotalInsns)
	} else {
		b.WriteString("  Dynamic instruction count:   no data\n")
	}
	fmt.Fprintf(&b, "  Translation blocks executed: %d\n", r.Blocks)

	_, err := io.WriteString(w, b.String())
	return err
}

func (r *Report) renderBlocks(b *strings.Builder, entries []Entry, opts RenderOptions, key func(Entry) uint64) {
	if !r.HasData() {
		b.WriteString("  no data\n")
		return
	}

	for _, e := range limit(entries, opts.Limit) {
		pct, _ := r.Percent(key(e))
		fmt.Fprintf(b, "  0x%016x %d %.4f%% %s\n", e.Addr, key(e), pct, e.Symbol)

		if opts.Disassembly {
			for _, d := range e.Disas {
				fmt.Fprintf(b, "      %s\n", d)
			}
		}
	}
}

// renderFunctions prints "<symbol> <insns> <pct>% <execs>", or
// "<symbol> <execs> <pct>% <insns>" for the invocation ranking.
func (r *Report) renderFunctions(b *strings.Builder, funcs []FunctionEntry, n int, byExecs bool) {
	if !r.HasData() {
		b.WriteString("  no data\n")
		return
	}

	if n > 0 && len(funcs) > n {
		funcs = funcs[:n]
	}
	for _, f := range funcs {
		count, other := f.Insns, f.Execs
		if byExecs {
			count, other = f.Execs, f.Insns
		}
		pct, _ := r.Percent(count)
		fmt.Fprintf(b, "  %s %d %.4f%% %d\n", f.Symbol, count, pct, other)
	}
}

func limit(entries []Entry, n int) []Entry {
	if n > 0 && len(entries) > n {
		return entries[:n]
	}
	return entries
}

// SymbolMap renders one "F:<id>:<hex address>:<symbol>" line per record,
// in block ID order.
func SymbolMap(records []*blocks.Record) string {
	sorted := append([]*blocks.Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	var b strings.Builder
	for _, r := range sorted {
		fmt.Fprintf(&b, "F:%d:%x:%s\n", r.ID, r.StartAddr, r.Symbol)
	}
	return b.String()
}
