package tlb

import "sort"

// defaultRangeCapacity is the pre-allocated capacity for pending ranges.
// Most unmaps touch one or two regions.
const defaultRangeCapacity = 8

// Range is a pending invalidation, [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes in r.
func (r Range) Len() uint64 {
	return r.End - r.Start
}

// FlushFunc receives one coalesced range per call.
type FlushFunc func(start, end uint64)

// Batch accumulates ranges to invalidate and flushes them coalesced.
type Batch struct {
	ranges   []Range
	pageSize uint64
}

// NewBatch returns a batch that aligns ranges to pageSize, which must be a
// power of two.
func NewBatch(pageSize uint64) *Batch {
	return &Batch{
		ranges:   make([]Range, 0, defaultRangeCapacity),
		pageSize: pageSize,
	}
}

// Add records [start, start+length). Empty ranges are ignored.
func (b *Batch) Add(start, length uint64) {
	if length == 0 {
		return
	}
	b.ranges = append(b.ranges, Range{Start: start, End: start + length})
}

// Pending returns the number of ranges added since the last Flush or Reset.
func (b *Batch) Pending() int {
	return len(b.ranges)
}

// Flush hands every coalesced range to fn in address order and empties the
// batch. It returns the number of bytes flushed.
func (b *Batch) Flush(fn FlushFunc) uint64 {
	var total uint64
	for _, r := range b.coalesce() {
		fn(r.Start, r.End)
		total += r.Len()
	}
	b.ranges = b.ranges[:0]
	return total
}

// Reset drops every pending range without flushing.
func (b *Batch) Reset() {
	b.ranges = b.ranges[:0]
}

// Coalesced returns the ranges Flush would deliver, without flushing.
func (b *Batch) Coalesced() []Range {
	return b.coalesce()
}

// coalesce page-aligns all ranges, sorts them and merges overlapping or
// adjacent ones.
func (b *Batch) coalesce() []Range {
	if len(b.ranges) == 0 {
		return nil
	}

	mask := b.pageSize - 1
	aligned := make([]Range, len(b.ranges))
	for i, r := range b.ranges {
		aligned[i] = Range{
			Start: r.Start &^ mask,
			End:   (r.End + mask) &^ mask,
		}
	}

	sort.Slice(aligned, func(i, j int) bool {
		return aligned[i].Start < aligned[j].Start
	})

	merged := make([]Range, 0, len(aligned))
	current := aligned[0]
	for _, next := range aligned[1:] {
		if next.Start <= current.End {
			current.End = max(current.End, next.End)
			continue
		}
		merged = append(merged, current)
		current = next
	}
	return append(merged, current)
}
