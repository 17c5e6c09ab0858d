package mm

import (
	"github.com/joshuapare/vmkit/mm/account"
	"github.com/joshuapare/vmkit/mm/tlb"
)

// Teardown releases every region unconditionally: backing objects are
// notified and released, translations invalidated, the ledger uncharged
// and the counters reset. The space stays usable and empty.
func (as *AddressSpace) Teardown() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.teardownLocked()
}

func (as *AddressSpace) teardownLocked() {
	all := make([]*Region, 0, as.dir.len())
	as.dir.each(func(r *Region) bool {
		all = append(all, r)
		return true
	})
	as.dir.clear()

	batch := tlb.NewBatch(as.cfg.PageSize)
	for _, r := range all {
		if err := r.ops.Unmap(r, r.Range()); err != nil {
			as.log.Warn("backing object unmap callback failed",
				"region", r.Range().String(), "error", err)
		}
		batch.Add(uint64(r.start), r.Length())
	}
	as.invalidate(batch)

	for _, r := range all {
		as.releaseRegion(r)
	}
	as.cfg.Ledger.Uncharge(as.usage.CommittedPages)
	as.log.Debug("torn down", "regions", len(all), "pages", as.usage.MappedPages)
	as.usage = account.Usage{}
	as.brk = Range{}
}
