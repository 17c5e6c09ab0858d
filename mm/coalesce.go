package mm

// coalesce merges adjacent compatible regions around ar. The walk starts at
// the last region ending at or before ar.Start and stops once the left-hand
// region of a pair starts at or beyond ar.End. It returns the number of
// regions folded away.
//
// Two regions merge when they touch and share backing object (or are both
// anonymous), ops and flags, and when backed, their object offsets are
// contiguous.
//
// Preconditions: as.mu is held.
func (as *AddressSpace) coalesce(ar Range) int {
	var from Addr
	if first := as.dir.lastEndingBy(ar.Start); first != nil {
		from = first.start
	}

	// Work on a snapshot; merging deletes from the tree.
	var window []*Region
	as.dir.tree.AscendGreaterOrEqual(pivot(from), func(r *Region) bool {
		window = append(window, r)
		return r.start < ar.End
	})

	merged := 0
	var prev *Region
	for _, next := range window {
		if prev != nil {
			if prev.start >= ar.End {
				break
			}
			if prev.end == next.start && prev.mergeable(next) {
				as.dir.remove(next)
				prev.end = next.end
				next.start = next.end
				as.releaseRegion(next)
				as.relink(prev)
				merged++
				continue
			}
		}
		prev = next
	}
	if merged > 0 {
		as.log.Debug("coalesced", "range", ar.String(), "merged", merged)
	}
	return merged
}
