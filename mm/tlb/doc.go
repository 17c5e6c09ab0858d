// Package tlb batches translation invalidations for one unmap request.
//
// # Overview
//
// Unmapping a range touches every region intersecting it, and each region
// contributes the sub-range it loses. Those sub-ranges are recorded in a
// Batch as they are computed, then page-aligned, sorted and merged so that
// the page-table collaborator sees one Invalidate call per contiguous run:
//
//	Added: [0x1000,0x3000) [0x3000,0x4000) [0x8000,0x9000)
//	Flushed: [0x1000,0x4000) [0x8000,0x9000)
//
// # Ordering
//
// Flush must be called before the unmap request returns. Nothing in this
// package defers work past Flush.
//
// # Thread Safety
//
// A Batch is not thread-safe. It lives for the duration of one request
// under the address space lock.
package tlb
