package mm

import (
	"context"
	"reflect"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/vmkit/mm/account"
)

// MapRequest describes a mapping to create.
type MapRequest struct {
	// Addr is the placement hint, or the exact address with MapFixed.
	Addr Addr

	// Length is rounded up to whole pages.
	Length uint64

	// Prot is the access the mapping starts with.
	Prot Prot

	// Flags must contain exactly one of MapShared and MapPrivate.
	Flags MapFlags

	// Object is the backing object, nil for anonymous memory.
	Object Object

	// Offset is the page-aligned byte offset into Object. Ignored for
	// anonymous memory.
	Offset uint64
}

// Map creates a mapping and returns its start address.
//
// The request either fails with the address space unchanged, or commits.
// A committed locked mapping is then pre-faulted; if that fails Map returns
// the address together with an ErrFault error and the mapping stays
// installed.
func (as *AddressSpace) Map(ctx context.Context, req MapRequest) (Addr, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, opError("map", req.Addr, req.Length, err)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	ar, flags, err := as.mapLocked(ctx, req)
	if err != nil {
		return 0, opError("map", req.Addr, req.Length, err)
	}
	if flags&VMLocked != 0 {
		if err := as.populateLocked(ctx, ar, flags&VMWrite != 0); err != nil {
			as.log.Warn("pre-fault of locked mapping failed", "range", ar.String(), "error", err)
			return ar.Start, opError("map", ar.Start, ar.Length(), err)
		}
	}
	return ar.Start, nil
}

// mapLocked runs a mapping request from validation to commit and returns
// the mapped range and the new region's flags.
//
// Preconditions: as.mu is held.
func (as *AddressSpace) mapLocked(ctx context.Context, req MapRequest) (Range, VMFlags, error) {
	// Validating.
	ar, flags, err := as.validateMap(req)
	if err != nil {
		return Range{}, 0, err
	}
	obj := req.Object
	offset := req.Offset
	if obj == nil {
		offset = 0
	}

	// Overlap-Clearing. The plan is applied only at commit.
	plan := as.planUnmap(ar)

	// Resource-Check.
	pages := as.pages(ar.Length())
	delta := plan.delta
	delta.AddMapped = pages
	if flags&VMLocked != 0 {
		delta.AddLocked = pages
	}
	if flags&VMAccount != 0 {
		delta.AddCommitted = pages
	}
	if err := as.limits.Check(as.usage, delta, as.cfg.PageSize); err != nil {
		return Range{}, 0, classify(err, ErrResourceExhausted)
	}
	ledger := as.cfg.Ledger
	if err := ledger.Exchange(delta.AddCommitted, plan.delta.SubCommitted); err != nil {
		return Range{}, 0, classify(errors.Wrapf(err, "%d pages", delta.AddCommitted), ErrResourceExhausted)
	}

	// Backing-Invocation.
	r := &Region{
		start:  ar.Start,
		end:    ar.End,
		flags:  flags,
		obj:    obj,
		offset: offset,
		ops:    AnonOps,
	}
	if obj != nil {
		if flags&VMDenyWrite != 0 {
			if err := obj.DenyWrite(); err != nil {
				ledger.Undo(delta.AddCommitted, plan.delta.SubCommitted)
				return Range{}, 0, classify(errors.Wrap(err, "deny write"), ErrPermissionDenied)
			}
		}
		ops, err := obj.Mmap(ctx, r)
		if err == nil && ops != nil && !reflect.TypeOf(ops).Comparable() {
			err = errors.Newf("ops of type %T are not comparable", ops)
		}
		if err != nil {
			if flags&VMDenyWrite != 0 {
				obj.AllowWrite()
			}
			ledger.Undo(delta.AddCommitted, plan.delta.SubCommitted)
			return Range{}, 0, classify(errors.Wrap(err, "backing object mmap"), ErrBackingObject)
		}
		if ops != nil {
			r.ops = ops
		}
	}

	// Commit.
	as.applyUnmap(plan, false)
	if obj != nil {
		obj.IncRef()
		obj.Link(r)
	}
	as.dir.insert(r)
	as.usage = as.usage.Apply(account.Delta{
		AddMapped:    delta.AddMapped,
		AddLocked:    delta.AddLocked,
		AddCommitted: delta.AddCommitted,
	})
	as.log.Debug("mapped", "range", ar.String(), "flags", flags.String(),
		"anonymous", obj == nil, "replaced", len(plan.victims))
	as.coalesce(ar)
	return ar, flags, nil
}

// validateMap checks req and resolves its range and region flags. It
// consults the placement allocator for relocatable requests.
func (as *AddressSpace) validateMap(req MapRequest) (Range, VMFlags, error) {
	ps := as.cfg.PageSize
	if req.Length == 0 {
		return Range{}, 0, errors.Wrap(ErrInvalidArgument, "zero length")
	}
	la, ok := Addr(req.Length).RoundUp(ps)
	if !ok || la > as.cfg.Ceiling {
		return Range{}, 0, errors.Wrapf(ErrOutOfAddressSpace, "length %#x", req.Length)
	}
	length := uint64(la)

	shared := req.Flags&MapShared != 0
	if shared == (req.Flags&MapPrivate != 0) {
		return Range{}, 0, errors.Wrapf(ErrInvalidArgument, "flags %v: need exactly one of SHARED, PRIVATE", req.Flags)
	}
	if req.Flags&MapGrowsDown != 0 && req.Object != nil {
		return Range{}, 0, errors.Wrap(ErrInvalidArgument, "grows-down mapping of an object")
	}

	flags := protToVM(req.Prot)
	if obj := req.Object; obj != nil {
		if !Addr(req.Offset).Aligned(ps) {
			return Range{}, 0, errors.Wrapf(ErrInvalidArgument, "offset %#x not page aligned", req.Offset)
		}
		if req.Offset+length < req.Offset {
			return Range{}, 0, errors.Wrapf(ErrInvalidArgument, "offset %#x + length %#x overflows", req.Offset, length)
		}
		maxProt := obj.MaxProt()
		if shared {
			if !maxProt.SupersetOf(req.Prot) {
				return Range{}, 0, errors.Wrapf(ErrPermissionDenied, "shared %v mapping of %v object", req.Prot, maxProt)
			}
		} else {
			// Private mappings copy on write, so the object need not be
			// writable, but it must be readable.
			if !maxProt.SupersetOf((req.Prot &^ ProtWrite) | ProtRead) {
				return Range{}, 0, errors.Wrapf(ErrPermissionDenied, "private %v mapping of %v object", req.Prot, maxProt)
			}
			maxProt |= ProtWrite
		}
		flags |= protToMay(maxProt)
		if req.Flags&MapDenyWrite != 0 {
			flags |= VMDenyWrite
		}
		if req.Flags&MapExecutable != 0 {
			flags |= VMExecutable
		}
	} else {
		flags |= VMMayRead | VMMayWrite | VMMayExec
	}
	if shared {
		flags |= VMShared
	}
	if req.Flags&MapGrowsDown != 0 {
		flags |= VMGrowsDown
	}
	if req.Flags&MapLocked != 0 || as.defFlags&VMLocked != 0 {
		flags |= VMLocked
	}
	if !shared && req.Prot&ProtWrite != 0 && req.Flags&MapNoReserve == 0 {
		flags |= VMAccount
	}

	if req.Flags&MapFixed != 0 {
		if !req.Addr.Aligned(ps) {
			return Range{}, 0, errors.Wrapf(ErrInvalidArgument, "fixed address %v not page aligned", req.Addr)
		}
		ar, ok := req.Addr.ToRange(length)
		if !ok || ar.End > as.cfg.Ceiling {
			return Range{}, 0, errors.Wrapf(ErrOutOfAddressSpace, "range %v past ceiling %v", ar, as.cfg.Ceiling)
		}
		return ar, flags, nil
	}

	addr, ok := as.findFree(req.Addr, length)
	if !ok {
		return Range{}, 0, errors.Wrapf(ErrOutOfAddressSpace, "no free range of %#x bytes", length)
	}
	return Range{Start: addr, End: addr + Addr(length)}, flags, nil
}
