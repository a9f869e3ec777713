package loader

import (
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

// symbolCacheSize bounds the number of memoized address lookups.
const symbolCacheSize = 4096

// Symbol is a named function in the guest binary.
type Symbol struct {
	Name string
	Addr uint64
	// Size is zero when the binary does not record it; such a symbol covers
	// every address up to the next symbol.
	Size uint64
}

type symbolHit struct {
	name   string
	offset uint64
	ok     bool
}

// SymbolTable resolves guest addresses to their enclosing function. It is
// safe for concurrent use.
type SymbolTable struct {
	syms  []Symbol
	cache *lru.Cache[uint64, symbolHit]
}

// NewSymbolTable creates a SymbolTable from an unordered symbol list.
func NewSymbolTable(syms []Symbol) *SymbolTable {
	sorted := append([]Symbol(nil), syms...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Addr < sorted[j].Addr
	})

	// lru.New only fails on a non-positive size.
	cache, _ := lru.New[uint64, symbolHit](symbolCacheSize)

	return &SymbolTable{syms: sorted, cache: cache}
}

// Len returns the number of symbols in the table.
func (t *SymbolTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.syms)
}

// Lookup returns the symbol enclosing addr and the offset of addr from the
// symbol start.
func (t *SymbolTable) Lookup(addr uint64) (name string, offset uint64, ok bool) {
	if t == nil || len(t.syms) == 0 {
		return "", 0, false
	}

	if hit, found := t.cache.Get(addr); found {
		return hit.name, hit.offset, hit.ok
	}

	hit := t.search(addr)
	t.cache.Add(addr, hit)
	return hit.name, hit.offset, hit.ok
}

func (t *SymbolTable) search(addr uint64) symbolHit {
	i := sort.Search(len(t.syms), func(i int) bool {
		return t.syms[i].Addr > addr
	})
	if i == 0 {
		return symbolHit{}
	}

	sym := t.syms[i-1]
	offset := addr - sym.Addr
	if sym.Size != 0 && offset >= sym.Size {
		return symbolHit{}
	}
	return symbolHit{name: sym.Name, offset: offset, ok: true}
}
