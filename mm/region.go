package mm

import "context"

// Ops are the callbacks a backing object attaches to each region mapping it.
//
// Implementations must be comparable (pointer receivers are the norm): the
// coalescer merges two regions only if their Ops are equal. Map refuses
// ops of a non-comparable type with ErrBackingObject.
type Ops interface {
	// Open is called when a new region starts referencing the object
	// without a fresh Mmap, i.e. the second half of a split.
	Open(r *Region)

	// Close is called when a region stops existing, either because it was
	// unmapped entirely or because the coalescer folded it into its
	// predecessor (in which case r's range is already empty).
	Close(r *Region)

	// Unmap notifies the object that ar, a sub-range of r, is going away.
	// Errors are logged, never propagated.
	Unmap(r *Region, ar Range) error

	// Fault returns the contents of page, a one-page sub-range of r. A nil
	// slice means a zero-filled page; a short slice is zero-extended.
	Fault(ctx context.Context, r *Region, page Range, write bool) ([]byte, error)
}

// Object is a backing object: a file, device or other resource whose
// contents a region maps.
type Object interface {
	// MaxProt returns the most access any mapping of the object may have.
	MaxProt() Prot

	// Mmap is the mapping callback. It runs before r is inserted into the
	// directory and returns the ops the region will use.
	Mmap(ctx context.Context, r *Region) (Ops, error)

	// IncRef and DecRef count the regions referencing the object.
	IncRef()
	DecRef()

	// DenyWrite registers a deny-write mapping. It fails if the object is
	// open for direct writing. AllowWrite undoes one DenyWrite.
	DenyWrite() error
	AllowWrite()

	// Link adds r to the object's reverse list, or refreshes the range and
	// offset recorded for it after a trim or merge. Unlink removes it. Both
	// run with the owning space's lock held, so r may be read during the
	// call.
	Link(r *Region)
	Unlink(r *Region)
}

type anonOps struct{}

func (anonOps) Open(*Region)               {}
func (anonOps) Close(*Region)              {}
func (anonOps) Unmap(*Region, Range) error { return nil }

func (anonOps) Fault(context.Context, *Region, Range, bool) ([]byte, error) {
	return nil, nil
}

// AnonOps is the no-op callback set used by anonymous memory.
var AnonOps Ops = anonOps{}

// Region describes one contiguous mapped range of an address space.
//
// Regions are owned by the directory of exactly one AddressSpace and are
// only mutated while that space's lock is held. Outside the package a
// *Region is seen only by Ops and Object callbacks, which run with that
// lock held; its fields must not be read once the callback has returned.
type Region struct {
	start  Addr
	end    Addr
	flags  VMFlags
	obj    Object
	offset uint64
	ops    Ops
}

// Start returns the first address of the region.
func (r *Region) Start() Addr { return r.start }

// End returns the address just past the region.
func (r *Region) End() Addr { return r.end }

// Range returns [Start, End).
func (r *Region) Range() Range { return Range{Start: r.start, End: r.end} }

// Length returns the size of the region in bytes.
func (r *Region) Length() uint64 { return uint64(r.end - r.start) }

// Flags returns the region's attribute bits.
func (r *Region) Flags() VMFlags { return r.flags }

// Object returns the backing object, or nil for anonymous memory.
func (r *Region) Object() Object { return r.obj }

// Offset returns the byte offset of Start within the backing object.
func (r *Region) Offset() uint64 { return r.offset }

// Ops returns the region's callbacks.
func (r *Region) Ops() Ops { return r.ops }

// Anonymous reports whether the region has no backing object.
func (r *Region) Anonymous() bool { return r.obj == nil }

// offsetOf returns the object offset corresponding to addr.
func (r *Region) offsetOf(addr Addr) uint64 {
	return r.offset + uint64(addr-r.start)
}

// cloneInto copies r into dst. dst is pre-allocated by the caller so that the
// split path never allocates after mutation has started.
func (r *Region) cloneInto(dst *Region) {
	*dst = *r
}

// mergeable reports whether next can be folded into r. The caller checks
// adjacency.
func (r *Region) mergeable(next *Region) bool {
	if r.obj != next.obj || r.ops != next.ops || r.flags != next.flags {
		return false
	}
	if r.obj != nil && r.offset+r.Length() != next.offset {
		return false
	}
	return true
}
