package mm

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/vmkit/mm/account"
	"github.com/joshuapare/vmkit/mm/tlb"
)

// unmapPlan is the collect phase of an unmap: every region intersecting ar
// and the storage for the clones that splitting will need. Building a plan
// does not mutate anything, so Map can build one, run its checks, and drop
// it on failure.
type unmapPlan struct {
	ar      Range
	victims []*Region
	// clones[i] is non-nil iff victims[i] is split by ar.
	clones []*Region
	// delta holds only subtractions.
	delta account.Delta
}

func (p *unmapPlan) empty() bool {
	return len(p.victims) == 0
}

// planUnmap collects the regions intersecting ar.
//
// Preconditions: as.mu is held; ar is page aligned.
func (as *AddressSpace) planUnmap(ar Range) *unmapPlan {
	p := &unmapPlan{ar: ar, victims: as.dir.intersecting(ar)}
	p.clones = make([]*Region, len(p.victims))
	for i, r := range p.victims {
		if r.start < ar.Start && ar.End < r.end {
			p.clones[i] = new(Region)
		}
		pages := as.pages(r.Range().Intersect(ar).Length())
		p.delta.SubMapped += pages
		if r.flags&VMLocked != 0 {
			p.delta.SubLocked += pages
		}
		if r.flags&VMAccount != 0 {
			p.delta.SubCommitted += pages
		}
	}
	return p
}

// applyUnmap removes p.ar from the address space. Every victim is unlinked
// from the directory before any of them is touched, so no lookup can see a
// half-trimmed directory. Invalidation of every removed sub-range completes
// before applyUnmap returns.
//
// If uncharge is false the caller has already settled the ledger for the
// plan's committed pages.
//
// Preconditions: as.mu is held; p was built under the same hold of as.mu.
func (as *AddressSpace) applyUnmap(p *unmapPlan, uncharge bool) {
	if p.empty() {
		return
	}
	for _, r := range p.victims {
		as.dir.remove(r)
	}

	batch := tlb.NewBatch(as.cfg.PageSize)
	for _, r := range p.victims {
		sub := r.Range().Intersect(p.ar)
		if err := r.ops.Unmap(r, sub); err != nil {
			as.log.Warn("backing object unmap callback failed",
				"region", r.Range().String(), "range", sub.String(), "error", err)
		}
		batch.Add(uint64(sub.Start), sub.Length())
	}
	as.invalidate(batch)

	for i, r := range p.victims {
		switch {
		case p.ar.IsSupersetOf(r.Range()):
			as.releaseRegion(r)
		case p.ar.Start <= r.start:
			// Trim head.
			r.offset = r.offsetOf(p.ar.End)
			r.start = p.ar.End
			as.dir.insert(r)
			as.relink(r)
		case r.end <= p.ar.End:
			// Trim tail.
			r.end = p.ar.Start
			as.dir.insert(r)
			as.relink(r)
		default:
			// Split around the hole.
			tail := p.clones[i]
			r.cloneInto(tail)
			tail.offset = r.offsetOf(p.ar.End)
			tail.start = p.ar.End
			r.end = p.ar.Start
			as.adoptClone(tail)
			as.dir.insert(r)
			as.dir.insert(tail)
			as.relink(r)
		}
	}

	as.usage = as.usage.Apply(p.delta)
	if uncharge {
		as.cfg.Ledger.Uncharge(p.delta.SubCommitted)
	}
	as.log.Debug("unmapped", "range", p.ar.String(), "regions", len(p.victims),
		"pages", p.delta.SubMapped)
}

// invalidate flushes batch to the page-table collaborator.
func (as *AddressSpace) invalidate(batch *tlb.Batch) {
	batch.Flush(func(start, end uint64) {
		as.cfg.Translator.Invalidate(Range{Start: Addr(start), End: Addr(end)})
	})
}

// adoptClone gives the second half of a split its own references on the
// backing object.
func (as *AddressSpace) adoptClone(r *Region) {
	if obj := r.obj; obj != nil {
		obj.IncRef()
		if r.flags&VMDenyWrite != 0 {
			// The original region already holds a deny, so no writer can
			// be present.
			if err := obj.DenyWrite(); err != nil {
				as.log.Warn("deny-write on split region failed",
					"region", r.Range().String(), "error", err)
			}
		}
		obj.Link(r)
	}
	r.ops.Open(r)
}

// relink refreshes what r's backing object recorded for r.
func (as *AddressSpace) relink(r *Region) {
	if r.obj != nil {
		r.obj.Link(r)
	}
}

// releaseRegion drops everything r holds: its ops see Close, and its
// backing object loses the reverse link, the deny-write and the reference.
// r must already be out of the directory.
func (as *AddressSpace) releaseRegion(r *Region) {
	r.ops.Close(r)
	if obj := r.obj; obj != nil {
		obj.Unlink(r)
		if r.flags&VMDenyWrite != 0 {
			obj.AllowWrite()
		}
		obj.DecRef()
	}
}

// Unmap removes every mapping in [addr, addr+length). length is rounded up
// to whole pages. Unmapping a range with nothing mapped succeeds.
func (as *AddressSpace) Unmap(ctx context.Context, addr Addr, length uint64) error {
	if err := ctxErr(ctx); err != nil {
		return opError("unmap", addr, length, err)
	}
	ar, err := as.unmapRange(addr, length)
	if err != nil {
		return opError("unmap", addr, length, err)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	as.applyUnmap(as.planUnmap(ar), true)
	return nil
}

func (as *AddressSpace) unmapRange(addr Addr, length uint64) (Range, error) {
	ps := as.cfg.PageSize
	if !addr.Aligned(ps) {
		return Range{}, errors.Wrapf(ErrInvalidArgument, "address %v not page aligned", addr)
	}
	if length == 0 {
		return Range{}, errors.Wrap(ErrInvalidArgument, "zero length")
	}
	la, ok := Addr(length).RoundUp(ps)
	if !ok {
		return Range{}, errors.Wrapf(ErrInvalidArgument, "length %#x overflows", length)
	}
	ar, ok := addr.ToRange(uint64(la))
	if !ok || ar.End > as.cfg.Ceiling {
		return Range{}, errors.Wrapf(ErrInvalidArgument, "range %v past ceiling %v", ar, as.cfg.Ceiling)
	}
	return ar, nil
}
