package mm

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/vmkit/mm/account"
)

// HandleFault resolves an access to addr: it finds (or, below a grows-down
// region, creates) the covering region, obtains the page from the region's
// ops and installs it through the page-table collaborator.
func (as *AddressSpace) HandleFault(ctx context.Context, addr Addr, write bool) error {
	if err := ctxErr(ctx); err != nil {
		return opError("fault", addr, 0, err)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	return opError("fault", addr, 0, as.faultLocked(ctx, addr, write))
}

// populateLocked faults in every page of ar. An inaccessible mapping is
// left alone.
//
// Preconditions: as.mu is held.
func (as *AddressSpace) populateLocked(ctx context.Context, ar Range, write bool) error {
	if r := as.dir.find(ar.Start); r != nil && r.flags.Prot() == ProtNone {
		return nil
	}
	for addr := ar.Start; addr < ar.End; addr += Addr(as.cfg.PageSize) {
		if err := as.faultLocked(ctx, addr, write); err != nil {
			return err
		}
	}
	return nil
}

func (as *AddressSpace) faultLocked(ctx context.Context, addr Addr, write bool) error {
	r := as.dir.find(addr)
	if r == nil {
		r = as.growDownLocked(addr)
		if r == nil {
			return errors.Wrap(ErrFault, "no mapping")
		}
	}

	prot := r.flags.Prot()
	if write && prot&ProtWrite == 0 {
		return errors.Wrapf(ErrFault, "write to %v region %v", r.flags, r.Range())
	}
	if prot == ProtNone {
		return errors.Wrapf(ErrFault, "access to inaccessible region %v", r.Range())
	}

	page := addr.RoundDown(as.cfg.PageSize)
	pr := Range{Start: page, End: page + Addr(as.cfg.PageSize)}
	data, err := r.ops.Fault(ctx, r, pr, write)
	if err != nil {
		return classify(errors.Wrapf(err, "page %v", page), ErrFault)
	}
	if err := as.cfg.Translator.Apply(pr, prot, data); err != nil {
		return classify(errors.Wrapf(err, "apply %v", pr), ErrFault)
	}
	return nil
}

// growDownLocked extends the grows-down region just above addr so that it
// covers addr's page. It returns nil if there is no such region, addr is
// farther below it than the guard gap, or limits refuse the growth.
//
// Preconditions: as.mu is held; no region contains addr.
func (as *AddressSpace) growDownLocked(addr Addr) *Region {
	r := as.dir.next(addr)
	if r == nil || r.flags&VMGrowsDown == 0 {
		return nil
	}
	page := addr.RoundDown(as.cfg.PageSize)
	grow := uint64(r.start - page)
	if grow > as.cfg.StackGuardGap {
		return nil
	}
	if prev := as.dir.prev(r.start); prev != nil && prev.end > page {
		return nil
	}

	pages := as.pages(grow)
	delta := account.Delta{AddMapped: pages}
	if r.flags&VMLocked != 0 {
		delta.AddLocked = pages
	}
	if r.flags&VMAccount != 0 {
		delta.AddCommitted = pages
	}
	if err := as.limits.Check(as.usage, delta, as.cfg.PageSize); err != nil {
		as.log.Debug("stack growth refused", "region", r.Range().String(), "error", err)
		return nil
	}
	if err := as.cfg.Ledger.Charge(delta.AddCommitted); err != nil {
		as.log.Debug("stack growth refused", "region", r.Range().String(), "error", err)
		return nil
	}

	// The key changes, so the region leaves the tree while it moves.
	as.dir.remove(r)
	r.start = page
	as.dir.insert(r)
	as.usage = as.usage.Apply(delta)
	as.log.Debug("stack grew", "region", r.Range().String(), "pages", pages)
	return r
}
