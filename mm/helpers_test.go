package mm_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/vmkit/mm"
	"github.com/joshuapare/vmkit/mm/account"
	"github.com/joshuapare/vmkit/mm/pagetable"
)

const testPage = 4096

// newSpace returns a 1 MiB address space with 4 KiB pages, no limits and an
// always-overcommit ledger, wired to a software page table. mutate may
// adjust the config before the space is built.
func newSpace(t *testing.T, mutate func(*mm.Config)) (*mm.AddressSpace, *pagetable.Table) {
	t.Helper()
	limits := account.UnlimitedLimits()
	cfg := mm.Config{
		PageSize: testPage,
		MmapBase: 0x10000,
		Ceiling:  0x100000,
		Limits:   &limits,
		Ledger:   account.NewLedger(account.OvercommitAlways, nil),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	pt := pagetable.New(cfg.PageSize)
	if cfg.Translator == nil {
		cfg.Translator = pt
	}
	as, err := mm.New(cfg)
	require.NoError(t, err)
	return as, pt
}

// byteSpace returns an address space with one-byte pages so that ranges can
// be written as small decimal numbers.
func byteSpace(t *testing.T, mutate func(*mm.Config)) *mm.AddressSpace {
	t.Helper()
	as, _ := newSpace(t, func(c *mm.Config) {
		c.PageSize = 1
		c.MmapBase = 1000
		c.Ceiling = 100000
		if mutate != nil {
			mutate(c)
		}
	})
	return as
}

func anon(addr mm.Addr, length uint64, prot mm.Prot, flags mm.MapFlags) mm.MapRequest {
	return mm.MapRequest{Addr: addr, Length: length, Prot: prot, Flags: flags}
}

func mustMap(t *testing.T, as *mm.AddressSpace, req mm.MapRequest) mm.Addr {
	t.Helper()
	addr, err := as.Map(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, as.Validate())
	return addr
}

func mustUnmap(t *testing.T, as *mm.AddressSpace, addr mm.Addr, length uint64) {
	t.Helper()
	require.NoError(t, as.Unmap(context.Background(), addr, length))
	require.NoError(t, as.Validate())
}

// ranges lists the region ranges of as in order.
func ranges(as *mm.AddressSpace) []mm.Range {
	var out []mm.Range
	for _, ri := range as.Regions() {
		out = append(out, ri.Range)
	}
	return out
}

// find returns the snapshot of the region containing addr, failing the test
// when there is none.
func find(t *testing.T, as *mm.AddressSpace, addr mm.Addr) mm.RegionInfo {
	t.Helper()
	ri, ok := as.Find(addr)
	require.True(t, ok, "no region at %v", addr)
	return ri
}

func rng(start, end mm.Addr) mm.Range {
	return mm.Range{Start: start, End: end}
}

// requireIs checks err against a sentinel, following cockroachdb marks.
func requireIs(t *testing.T, err, target error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, target), "expected %v, got: %+v", target, err)
}

// snapshot captures everything a failed operation must leave untouched.
type snapshot struct {
	regions   []mm.RegionInfo
	usage     account.Usage
	committed uint64
}

func takeSnapshot(as *mm.AddressSpace) snapshot {
	return snapshot{
		regions:   as.Regions(),
		usage:     as.Usage(),
		committed: as.Ledger().Committed(),
	}
}

func requireUnchanged(t *testing.T, as *mm.AddressSpace, before snapshot) {
	t.Helper()
	require.Equal(t, before, takeSnapshot(as))
	require.NoError(t, as.Validate())
}
