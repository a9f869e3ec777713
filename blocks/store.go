package blocks

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrExists is returned by InsertNew when the address already has a record.
var ErrExists = errors.New("block already recorded")

// Store maps block start addresses to records and hands out dense block IDs
// in first-translation order. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	byAddr  map[uint64]*Record
	ordered []*Record // index == ID
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{byAddr: make(map[uint64]*Record)}
}

// Lookup returns the record of the block starting at addr.
func (s *Store) Lookup(addr uint64) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byAddr[addr]
	return r, ok
}

// InsertNew records a never-seen block and assigns it the next ID. Its
// translation count starts at one.
func (s *Store) InsertNew(addr uint64, fields Fields) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAddr[addr]; ok {
		return nil, errors.Wrapf(ErrExists, "0x%x", addr)
	}
	return s.insertLocked(addr, fields), nil
}

// Observe is the atomic lookup-or-insert used on translation. A known
// address has its translation count bumped and keeps its fields; an unknown
// one is inserted with the fields returned by build. The second result
// reports whether a record was created.
func (s *Store) Observe(addr uint64, build func() Fields) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.byAddr[addr]; ok {
		r.translations.Add(1)
		return r, false
	}
	return s.insertLocked(addr, build()), true
}

func (s *Store) insertLocked(addr uint64, fields Fields) *Record {
	insns := make([]Insn, len(fields.Insns))
	copy(insns, fields.Insns)

	r := &Record{
		StartAddr:    addr,
		ID:           uint64(len(s.ordered)),
		NInsns:       fields.NInsns,
		Symbol:       fields.Symbol,
		SymbolOffset: fields.SymbolOffset,
		insns:        insns,
	}
	r.translations.Store(1)

	s.byAddr[addr] = r
	s.ordered = append(s.ordered, r)
	return r
}

// Size returns the number of distinct blocks.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.ordered)
}

// ForEach calls fn for every record in ID order until fn returns false.
// It is meant for shutdown, after producers have stopped.
func (s *Store) ForEach(fn func(*Record) bool) {
	for _, r := range s.Snapshot() {
		if !fn(r) {
			return
		}
	}
}

// Snapshot returns all records in ID order.
func (s *Store) Snapshot() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]*Record(nil), s.ordered...)
}
