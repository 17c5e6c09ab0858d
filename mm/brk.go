package mm

import (
	"context"

	"github.com/cockroachdb/errors"
)

// SetupBreak places the heap at addr. Any heap set up earlier is unmapped.
func (as *AddressSpace) SetupBreak(ctx context.Context, addr Addr) error {
	if err := ctxErr(ctx); err != nil {
		return opError("brk", addr, 0, err)
	}
	if addr >= as.cfg.Ceiling {
		return opError("brk", addr, 0, errors.Wrapf(ErrInvalidArgument, "break %v past ceiling", addr))
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if heap := as.heapPagesLocked(); !heap.Empty() {
		as.applyUnmap(as.planUnmap(heap), true)
	}
	as.brk = Range{Start: addr, End: addr}
	return nil
}

// Break returns the current program break.
func (as *AddressSpace) Break() Addr {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.brk.End
}

// heapPagesLocked returns the page range currently backing the heap.
func (as *AddressSpace) heapPagesLocked() Range {
	ps := as.cfg.PageSize
	start, _ := as.brk.Start.RoundUp(ps)
	end, _ := as.brk.End.RoundUp(ps)
	return Range{Start: start, End: end}
}

// GrowBreak moves the program break to newBreak, mapping or unmapping heap
// pages as needed. It returns the break in effect afterward, which on
// failure is the unchanged old break.
func (as *AddressSpace) GrowBreak(ctx context.Context, newBreak Addr) (Addr, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, opError("brk", newBreak, 0, err)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	cur := as.brk.End
	fail := func(err error) (Addr, error) {
		return cur, opError("brk", newBreak, 0, err)
	}

	if newBreak < as.brk.Start {
		return fail(errors.Wrapf(ErrInvalidArgument, "break below heap start %v", as.brk.Start))
	}
	if err := as.limits.CheckData(uint64(newBreak - as.brk.Start)); err != nil {
		return fail(classify(err, ErrResourceExhausted))
	}

	ps := as.cfg.PageSize
	oldEnd := as.heapPagesLocked().End
	newEnd, ok := newBreak.RoundUp(ps)
	if !ok || newEnd > as.cfg.Ceiling {
		return fail(errors.Wrapf(ErrOutOfAddressSpace, "break %v past ceiling", newBreak))
	}

	switch {
	case newEnd < oldEnd:
		as.applyUnmap(as.planUnmap(Range{Start: newEnd, End: oldEnd}), true)

	case newEnd > oldEnd:
		// Unlike a fixed mapping, the heap never replaces what is above it,
		// and keeps a free guard page past the new break.
		guard := Range{Start: oldEnd, End: min(newEnd+Addr(ps), as.cfg.Ceiling)}
		if r := as.dir.findIntersection(guard); r != nil {
			return fail(errors.Wrapf(ErrOutOfAddressSpace, "heap growth collides with %v", r.Range()))
		}
		ar, flags, err := as.mapLocked(ctx, MapRequest{
			Addr:   oldEnd,
			Length: uint64(newEnd - oldEnd),
			Prot:   ProtRW,
			Flags:  MapFixed | MapPrivate,
		})
		if err != nil {
			return fail(err)
		}
		if flags&VMLocked != 0 {
			if err := as.populateLocked(ctx, ar, true); err != nil {
				as.log.Warn("pre-fault of locked heap failed", "range", ar.String(), "error", err)
			}
		}
	}

	as.brk.End = newBreak
	return newBreak, nil
}
