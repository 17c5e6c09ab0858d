// Package mm manages the virtual address space of a simulated process: the
// ordered set of mapped regions and the machinery that creates, removes,
// splits and merges them.
//
// # Overview
//
// An AddressSpace owns a directory of non-overlapping Regions kept in
// address order. Each Region covers a page-aligned range, carries VMFlags
// (access bits, their "may" maxima, shared/private, locked, ...) and is
// either anonymous or backed by an Object at some offset.
//
// The exported operations are:
//
//   - Map(ctx, req): create a mapping, fixed or placed first-fit
//   - Unmap(ctx, addr, length): remove a range, trimming or splitting regions
//   - GrowBreak(ctx, brk): move the program break
//   - HandleFault(ctx, addr, write): fault in one page, growing stacks down
//   - Teardown(): release everything
//
// # Map
//
// A request moves through Validating, Overlap-Clearing, Resource-Check,
// Backing-Invocation and Commit. Nothing is mutated before Commit: the
// overlap with existing regions is computed as an unmap plan and applied
// only once every check and the backing object's Mmap callback have
// succeeded. A failed Map leaves the address space exactly as it was.
//
//	addr, err := as.Map(ctx, mm.MapRequest{
//	    Length: 16 << 10,
//	    Prot:   mm.ProtRW,
//	    Flags:  mm.MapPrivate,
//	})
//
// # Unmap
//
// Every region intersecting the range is first unlinked from the
// directory, then notified, invalidated in one coalesced batch, and finally
// classified as removed, head-trimmed, tail-trimmed or split in two.
//
// # Coalescing
//
// After a mapping is inserted, neighbours with the same object, ops and
// flags and contiguous offsets are merged. The absorbed region's ops see
// Close with an empty range.
//
// # Collaborators
//
//   - Translator: the page-table (apply / invalidate)
//   - Object and Ops: backing objects and their callbacks
//   - account.Ledger and account.Estimator: overcommit policy
//
// # Thread Safety
//
// An AddressSpace is safe for concurrent use; a single mutex serialises
// every operation, and backing callbacks run with it held.
//
// # Related Packages
//
//   - github.com/joshuapare/vmkit/mm/account: ledger, limits, usage counters
//   - github.com/joshuapare/vmkit/mm/backing: file-backed Objects
//   - github.com/joshuapare/vmkit/mm/pagetable: software Translator
//   - github.com/joshuapare/vmkit/mm/tlb: invalidation batching
package mm
