package loader

import (
	"encoding/binary"
	"sort"
)

// Memory is a read-only guest address space assembled from loaded segments.
// Bytes past a segment's file data (BSS) are not readable as code.
type Memory struct {
	segments []Segment
}

// NewMemory creates a Memory over the given segments.
func NewMemory(segments ...Segment) *Memory {
	segs := append([]Segment(nil), segments...)
	sort.Slice(segs, func(i, j int) bool {
		return segs[i].VirtAddr < segs[j].VirtAddr
	})
	return &Memory{segments: segs}
}

// segmentFor returns the segment whose file data covers [addr, addr+size).
func (m *Memory) segmentFor(addr uint64, size int) (Segment, bool) {
	i := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].VirtAddr > addr
	})
	if i == 0 {
		return Segment{}, false
	}

	seg := m.segments[i-1]
	off := addr - seg.VirtAddr
	if off+uint64(size) > uint64(len(seg.Data)) {
		return Segment{}, false
	}
	return seg, true
}

// Contains reports whether a full instruction can be read at addr.
func (m *Memory) Contains(addr uint64) bool {
	_, ok := m.segmentFor(addr, 4)
	return ok
}

// Read returns size bytes at addr. The returned slice aliases segment data
// and must not be modified.
func (m *Memory) Read(addr uint64, size int) ([]byte, bool) {
	seg, ok := m.segmentFor(addr, size)
	if !ok {
		return nil, false
	}
	off := addr - seg.VirtAddr
	return seg.Data[off : off+uint64(size)], true
}

// Read32 reads a little-endian 32-bit word at addr.
func (m *Memory) Read32(addr uint64) (uint32, bool) {
	data, ok := m.Read(addr, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data), true
}
