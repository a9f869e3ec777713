package profiler

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sarchlab/tbprof/blocks"
)

// Count is the instruction count of one block within an interval.
type Count struct {
	ID    uint64
	Insns uint64
}

// Sample is one BBV interval. Counts are in ascending block ID order and
// never zero.
type Sample struct {
	Index  uint64
	Counts []Count
}

// Insns returns the instructions covered by the sample.
func (s Sample) Insns() uint64 {
	var total uint64
	for _, c := range s.Counts {
		total += c.Insns
	}
	return total
}

// String renders the sample as a BBV line, e.g. "T:0:100 :3:20 \n".
func (s Sample) String() string {
	var b strings.Builder
	b.WriteByte('T')
	for _, c := range s.Counts {
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(c.ID, 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(c.Insns, 10))
		b.WriteByte(' ')
	}
	b.WriteByte('\n')
	return b.String()
}

// Slicer cuts the dynamic instruction stream into fixed-length intervals.
//
// Intervals are contiguous windows of Length instructions. When a block
// execution crosses a boundary, only the instructions up to the boundary
// count toward the closing interval; the rest open the next one.
type Slicer struct {
	mu       sync.Mutex
	length   uint64
	total    uint64
	boundary uint64
	active   []*blocks.Record
	emitted  uint64
	emit     func(Sample)
}

// NewSlicer creates a slicer that hands every closed interval to emit.
// emit runs with the slicer locked, so samples arrive in interval order.
func NewSlicer(length uint64, emit func(Sample)) *Slicer {
	return &Slicer{
		length:   length,
		boundary: length,
		emit:     emit,
	}
}

// Account records one execution of r.
func (s *Slicer) Account(r *blocks.Record) {
	n := r.NInsns
	if n == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.touch(r, n)
	s.total += n

	for s.total >= s.boundary {
		overshoot := s.total - s.boundary
		r.SetIntervalCount(r.IntervalCount() - overshoot)
		s.close()
		if overshoot > 0 {
			s.touch(r, overshoot)
		}
		s.boundary += s.length
	}
}

// touch adds n to r's open-interval count, tracking r as active.
func (s *Slicer) touch(r *blocks.Record, n uint64) {
	if r.AddIntervalCount(n) == n {
		s.active = append(s.active, r)
	}
}

// close emits the open interval and resets every count in it.
func (s *Slicer) close() {
	sort.Slice(s.active, func(i, j int) bool {
		return s.active[i].ID < s.active[j].ID
	})

	sample := Sample{
		Index:  s.emitted,
		Counts: make([]Count, 0, len(s.active)),
	}
	for _, r := range s.active {
		if n := r.IntervalCount(); n > 0 {
			sample.Counts = append(sample.Counts, Count{ID: r.ID, Insns: n})
		}
		r.SetIntervalCount(0)
	}
	s.active = s.active[:0]
	s.emitted++

	if s.emit != nil {
		s.emit(sample)
	}
}

// Flush emits the trailing partial interval, if it holds any instruction.
func (s *Slicer) Flush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) == 0 {
		return false
	}
	s.close()
	return true
}

// Total returns the number of instructions accounted so far.
func (s *Slicer) Total() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.total
}

// Intervals returns the number of samples emitted so far.
func (s *Slicer) Intervals() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.emitted
}
