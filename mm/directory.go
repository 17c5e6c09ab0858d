package mm

import "github.com/google/btree"

// directoryDegree is the B-tree fan-out.
const directoryDegree = 8

// directory is the ordered set of non-overlapping regions of one address
// space, keyed by start address.
//
// insert does not check for overlap: callers clear the target range through
// the unmap path first.
type directory struct {
	tree *btree.BTreeG[*Region]

	// cache is the region returned by the last successful find.
	cache *Region
}

func regionLess(a, b *Region) bool {
	return a.start < b.start
}

func newDirectory() *directory {
	return &directory{tree: btree.NewG(directoryDegree, regionLess)}
}

func pivot(addr Addr) *Region {
	return &Region{start: addr}
}

// len returns the number of regions.
func (d *directory) len() int {
	return d.tree.Len()
}

// find returns the region containing addr, or nil.
func (d *directory) find(addr Addr) *Region {
	if c := d.cache; c != nil && c.start <= addr && addr < c.end {
		return c
	}
	var found *Region
	d.tree.DescendLessOrEqual(pivot(addr), func(r *Region) bool {
		if addr < r.end {
			found = r
		}
		return false
	})
	if found != nil {
		d.cache = found
	}
	return found
}

// findIntersection returns the lowest region overlapping ar, or nil.
func (d *directory) findIntersection(ar Range) *Region {
	if ar.Empty() {
		return nil
	}
	if r := d.find(ar.Start); r != nil {
		return r
	}
	var found *Region
	d.tree.AscendGreaterOrEqual(pivot(ar.Start), func(r *Region) bool {
		if r.start < ar.End {
			found = r
		}
		return false
	})
	return found
}

// intersecting returns every region overlapping ar in address order.
func (d *directory) intersecting(ar Range) []*Region {
	var out []*Region
	first := d.findIntersection(ar)
	if first == nil {
		return nil
	}
	d.tree.AscendGreaterOrEqual(first, func(r *Region) bool {
		if r.start >= ar.End {
			return false
		}
		out = append(out, r)
		return true
	})
	return out
}

// lastEndingBy returns the highest region whose end is at or below addr.
func (d *directory) lastEndingBy(addr Addr) *Region {
	var found *Region
	d.tree.DescendLessOrEqual(pivot(addr), func(r *Region) bool {
		if r.end <= addr {
			found = r
			return false
		}
		return true
	})
	return found
}

// next returns the lowest region starting at or above addr.
func (d *directory) next(addr Addr) *Region {
	var found *Region
	d.tree.AscendGreaterOrEqual(pivot(addr), func(r *Region) bool {
		found = r
		return false
	})
	return found
}

// prev returns the highest region starting below addr.
func (d *directory) prev(addr Addr) *Region {
	if addr == 0 {
		return nil
	}
	var found *Region
	d.tree.DescendLessOrEqual(pivot(addr-1), func(r *Region) bool {
		found = r
		return false
	})
	return found
}

// ascendFrom calls fn for each region that ends above addr, in address
// order, until fn returns false.
func (d *directory) ascendFrom(addr Addr, fn func(r *Region) bool) {
	start := pivot(addr)
	if r := d.find(addr); r != nil {
		start = r
	}
	d.tree.AscendGreaterOrEqual(start, fn)
}

// each calls fn for every region in address order until fn returns false.
func (d *directory) each(fn func(r *Region) bool) {
	d.tree.Ascend(fn)
}

func (d *directory) insert(r *Region) {
	d.tree.ReplaceOrInsert(r)
}

// remove unlinks r. It does not touch r's backing object.
func (d *directory) remove(r *Region) {
	d.tree.Delete(r)
	if d.cache == r {
		d.cache = nil
	}
}

func (d *directory) clear() {
	d.tree.Clear(false)
	d.cache = nil
}
