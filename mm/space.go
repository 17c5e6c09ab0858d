package mm

import (
	"log/slog"
	"math/bits"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/vmkit/mm/account"
)

// AddressSpace is the set of regions and accounting state of one process.
//
// Every exported method takes the space's lock for its whole duration, so
// one AddressSpace may be shared by any number of goroutines. Queries hand
// out RegionInfo snapshots, never the live regions. Backing object
// callbacks run with the lock held.
type AddressSpace struct {
	mu sync.Mutex

	cfg    Config
	log    *slog.Logger
	dir    *directory
	usage  account.Usage
	limits account.Limits

	// defFlags are added to every new mapping.
	defFlags VMFlags

	// brk is [heap start, current break). brk.End need not be page aligned.
	brk Range

	// users counts the holders of the space; the last DecUsers tears it down.
	users int
}

// New returns an empty address space with one user.
func New(cfg Config) (*AddressSpace, error) {
	cfg = cfg.withDefaults()
	if bits.OnesCount64(cfg.PageSize) != 1 {
		return nil, errors.Wrapf(ErrInvalidArgument, "page size %d is not a power of two", cfg.PageSize)
	}
	if !cfg.MmapBase.Aligned(cfg.PageSize) || !cfg.Ceiling.Aligned(cfg.PageSize) {
		return nil, errors.Wrapf(ErrInvalidArgument, "mmap base %v or ceiling %v not page aligned",
			cfg.MmapBase, cfg.Ceiling)
	}
	if cfg.MmapBase >= cfg.Ceiling {
		return nil, errors.Wrapf(ErrInvalidArgument, "mmap base %v at or above ceiling %v",
			cfg.MmapBase, cfg.Ceiling)
	}
	return &AddressSpace{
		cfg:      cfg,
		log:      cfg.Logger,
		dir:      newDirectory(),
		limits:   *cfg.Limits,
		defFlags: cfg.DefaultFlags,
		users:    1,
	}, nil
}

// PageSize returns the allocation granule.
func (as *AddressSpace) PageSize() uint64 {
	return as.cfg.PageSize
}

// Ceiling returns the first address past the usable address space.
func (as *AddressSpace) Ceiling() Addr {
	return as.cfg.Ceiling
}

// Ledger returns the commitment ledger the space charges.
func (as *AddressSpace) Ledger() *account.Ledger {
	return as.cfg.Ledger
}

// IncUsers records another holder of the space.
func (as *AddressSpace) IncUsers() {
	as.mu.Lock()
	as.users++
	as.mu.Unlock()
}

// DecUsers drops one holder. The last holder tears the space down and gets
// true back.
func (as *AddressSpace) DecUsers() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.users == 0 {
		return false
	}
	as.users--
	if as.users > 0 {
		return false
	}
	as.teardownLocked()
	return true
}

// Users returns the number of holders.
func (as *AddressSpace) Users() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.users
}

// SetDefaultFlags replaces the flags added to every future mapping. Only
// VMLocked is honoured; existing mappings are unaffected.
func (as *AddressSpace) SetDefaultFlags(flags VMFlags) {
	as.mu.Lock()
	as.defFlags = flags & VMLocked
	as.mu.Unlock()
}

// DefaultFlags returns the flags added to every new mapping.
func (as *AddressSpace) DefaultFlags() VMFlags {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.defFlags
}

// SetLimits replaces the space's resource limits. Existing mappings are
// never revoked by a lower limit.
func (as *AddressSpace) SetLimits(l account.Limits) {
	as.mu.Lock()
	as.limits = l
	as.mu.Unlock()
}

// Limits returns the space's resource limits.
func (as *AddressSpace) Limits() account.Limits {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.limits
}

// Usage returns a copy of the space's counters.
func (as *AddressSpace) Usage() account.Usage {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.usage
}

// RegionInfo is a snapshot of one region. It stays valid after the space
// changes.
type RegionInfo struct {
	Range  Range
	Flags  VMFlags
	Object Object
	Offset uint64
}

// Anonymous reports whether the region had no backing object.
func (ri RegionInfo) Anonymous() bool { return ri.Object == nil }

func (r *Region) info() RegionInfo {
	return RegionInfo{Range: r.Range(), Flags: r.flags, Object: r.obj, Offset: r.offset}
}

// Find returns a snapshot of the region containing addr.
func (as *AddressSpace) Find(addr Addr) (RegionInfo, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if r := as.dir.find(addr); r != nil {
		return r.info(), true
	}
	return RegionInfo{}, false
}

// FindIntersection returns a snapshot of the lowest region overlapping ar.
func (as *AddressSpace) FindIntersection(ar Range) (RegionInfo, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if r := as.dir.findIntersection(ar); r != nil {
		return r.info(), true
	}
	return RegionInfo{}, false
}

// Regions returns a snapshot of every region in address order.
func (as *AddressSpace) Regions() []RegionInfo {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]RegionInfo, 0, as.dir.len())
	as.dir.each(func(r *Region) bool {
		out = append(out, r.info())
		return true
	})
	return out
}

// Len returns the number of regions.
func (as *AddressSpace) Len() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.dir.len()
}

// Validate checks the directory invariants and that the counters agree with
// the directory contents.
func (as *AddressSpace) Validate() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.validateLocked()
}

func (as *AddressSpace) validateLocked() error {
	var (
		prev   *Region
		err    error
		mapped uint64
		locked uint64
		commit uint64
	)
	ps := as.cfg.PageSize
	as.dir.each(func(r *Region) bool {
		switch {
		case r.start >= r.end:
			err = errors.Newf("region %v is empty", r.Range())
		case !r.start.Aligned(ps) || !r.end.Aligned(ps):
			err = errors.Newf("region %v is not page aligned", r.Range())
		case r.end > as.cfg.Ceiling:
			err = errors.Newf("region %v crosses the ceiling %v", r.Range(), as.cfg.Ceiling)
		case r.ops == nil:
			err = errors.Newf("region %v has no ops", r.Range())
		case prev != nil && prev.end > r.start:
			err = errors.Newf("region %v overlaps %v", r.Range(), prev.Range())
		}
		if err != nil {
			return false
		}
		pages := r.Length() / ps
		mapped += pages
		if r.flags&VMLocked != 0 {
			locked += pages
		}
		if r.flags&VMAccount != 0 {
			commit += pages
		}
		prev = r
		return true
	})
	if err != nil {
		return err
	}
	if mapped != as.usage.MappedPages {
		return errors.Newf("directory maps %d pages, counter says %d", mapped, as.usage.MappedPages)
	}
	if locked != as.usage.LockedPages {
		return errors.Newf("directory locks %d pages, counter says %d", locked, as.usage.LockedPages)
	}
	if commit != as.usage.CommittedPages {
		return errors.Newf("directory commits %d pages, counter says %d", commit, as.usage.CommittedPages)
	}
	return nil
}

// pages converts a byte length to pages.
func (as *AddressSpace) pages(length uint64) uint64 {
	return length / as.cfg.PageSize
}
