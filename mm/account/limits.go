package account

import (
	"math"

	"github.com/cockroachdb/errors"
)

// Unlimited disables a limit.
const Unlimited uint64 = math.MaxUint64

// Limits are per-address-space ceilings, in bytes.
type Limits struct {
	// AddressSpace caps the total mapped bytes (RLIMIT_AS).
	AddressSpace uint64
	// Locked caps the bytes in locked mappings (RLIMIT_MEMLOCK).
	Locked uint64
	// Data caps the heap size between the break start and the break
	// (RLIMIT_DATA as enforced by brk).
	Data uint64
}

// DefaultLimits returns limits with no address space or data cap and the
// traditional 64 KiB locked memory cap.
func DefaultLimits() Limits {
	return Limits{
		AddressSpace: Unlimited,
		Locked:       64 << 10,
		Data:         Unlimited,
	}
}

// UnlimitedLimits returns limits with every cap disabled.
func UnlimitedLimits() Limits {
	return Limits{AddressSpace: Unlimited, Locked: Unlimited, Data: Unlimited}
}

// Usage holds the running counters of one address space.
type Usage struct {
	MappedPages    uint64
	LockedPages    uint64
	CommittedPages uint64
}

// Delta is a signed change to a Usage, split into pages gained and lost.
type Delta struct {
	AddMapped, SubMapped       uint64
	AddLocked, SubLocked       uint64
	AddCommitted, SubCommitted uint64
}

// Apply returns u changed by d. Subtractions saturate at zero.
func (u Usage) Apply(d Delta) Usage {
	u.MappedPages = sub(u.MappedPages+d.AddMapped, d.SubMapped)
	u.LockedPages = sub(u.LockedPages+d.AddLocked, d.SubLocked)
	u.CommittedPages = sub(u.CommittedPages+d.AddCommitted, d.SubCommitted)
	return u
}

func sub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Check reports whether u changed by d stays within l.
func (l Limits) Check(u Usage, d Delta, pageSize uint64) error {
	next := u.Apply(d)
	if d.AddMapped > d.SubMapped && exceeds(next.MappedPages, pageSize, l.AddressSpace) {
		return errors.Wrapf(ErrAddressSpaceLimit, "%d pages mapped, limit %d bytes",
			next.MappedPages, l.AddressSpace)
	}
	if d.AddLocked > d.SubLocked && exceeds(next.LockedPages, pageSize, l.Locked) {
		return errors.Wrapf(ErrLockedLimit, "%d pages locked, limit %d bytes",
			next.LockedPages, l.Locked)
	}
	return nil
}

// CheckData reports whether a heap of size bytes is allowed.
func (l Limits) CheckData(size uint64) error {
	if size > l.Data {
		return errors.Wrapf(ErrDataLimit, "heap %d bytes, limit %d bytes", size, l.Data)
	}
	return nil
}

func exceeds(pages, pageSize, limit uint64) bool {
	if limit == Unlimited {
		return false
	}
	if pageSize != 0 && pages > math.MaxUint64/pageSize {
		return true
	}
	return pages*pageSize > limit
}
