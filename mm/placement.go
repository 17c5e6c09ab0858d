package mm

// findFree returns the lowest page-aligned address at or above hint where
// length bytes fit below the ceiling without touching an existing region.
// A zero hint starts at the mmap base. If nothing fits above a hint that
// lies past the base, the scan restarts from the base.
//
// Preconditions: as.mu is held; length is a non-zero multiple of the page
// size.
func (as *AddressSpace) findFree(hint Addr, length uint64) (Addr, bool) {
	base := as.cfg.MmapBase
	if hint == 0 {
		hint = base
	}
	hint = hint.RoundDown(as.cfg.PageSize)
	if addr, ok := as.firstFit(hint, length); ok {
		return addr, true
	}
	if hint > base {
		return as.firstFit(base, length)
	}
	return 0, false
}

// firstFit scans the gaps between regions upward from from.
func (as *AddressSpace) firstFit(from Addr, length uint64) (Addr, bool) {
	ceiling := as.cfg.Ceiling
	if length > uint64(ceiling) {
		return 0, false
	}
	limit := ceiling - Addr(length)
	candidate := from
	found := false
	as.dir.ascendFrom(from, func(r *Region) bool {
		if candidate > limit {
			return false
		}
		if candidate+Addr(length) <= r.start {
			found = true
			return false
		}
		if r.end > candidate {
			candidate = r.end
		}
		return true
	})
	if found {
		return candidate, true
	}
	return candidate, candidate <= limit
}
