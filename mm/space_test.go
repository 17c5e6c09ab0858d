package mm_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/vmkit/mm"
	"github.com/joshuapare/vmkit/mm/account"
)

func Test_New_ConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*mm.Config)
	}{
		{"page size not a power of two", func(c *mm.Config) { c.PageSize = 3000 }},
		{"base misaligned", func(c *mm.Config) { c.MmapBase = 0x10001 }},
		{"ceiling misaligned", func(c *mm.Config) { c.Ceiling = 0x100001 }},
		{"base above ceiling", func(c *mm.Config) { c.MmapBase = 0x200000 }},
		{"base at ceiling", func(c *mm.Config) { c.MmapBase = 0x100000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mm.Config{PageSize: testPage, MmapBase: 0x10000, Ceiling: 0x100000}
			tt.mutate(&cfg)
			_, err := mm.New(cfg)
			requireIs(t, err, mm.ErrInvalidArgument)
		})
	}
}

func Test_New_Defaults(t *testing.T) {
	as, err := mm.New(mm.Config{})
	require.NoError(t, err)

	assert.Equal(t, uint64(mm.DefaultPageSize), as.PageSize())
	assert.Equal(t, mm.DefaultCeiling, as.Ceiling())
	assert.Equal(t, account.DefaultLimits(), as.Limits())
	assert.Equal(t, account.OvercommitAlways, as.Ledger().Policy())
	assert.Equal(t, 1, as.Users())
	assert.Zero(t, as.Len())
	assert.NoError(t, as.Validate())
}

func Test_Config_DefaultFlagsMasked(t *testing.T) {
	as, _ := newSpace(t, func(c *mm.Config) {
		c.DefaultFlags = mm.VMLocked | mm.VMShared
	})
	require.Equal(t, mm.VMLocked, as.DefaultFlags())
}

func Test_Space_Find(t *testing.T) {
	as, _ := newSpace(t, nil)
	mustMap(t, as, anon(0x20000, 2*testPage, mm.ProtRW, mm.MapFixed|mm.MapPrivate))
	mustMap(t, as, anon(0x30000, testPage, mm.ProtRead, mm.MapFixed|mm.MapPrivate))

	tests := []struct {
		addr mm.Addr
		want mm.Range
		hit  bool
	}{
		{0x1ffff, mm.Range{}, false},
		{0x20000, rng(0x20000, 0x22000), true},
		{0x21fff, rng(0x20000, 0x22000), true},
		{0x22000, mm.Range{}, false},
		{0x30000, rng(0x30000, 0x31000), true},
		{0x31000, mm.Range{}, false},
	}
	for _, tt := range tests {
		ri, ok := as.Find(tt.addr)
		require.Equal(t, tt.hit, ok, "%v", tt.addr)
		if !tt.hit {
			assert.Zero(t, ri, "%v", tt.addr)
			continue
		}
		assert.Equal(t, tt.want, ri.Range)
		assert.True(t, ri.Anonymous())
	}
}

func Test_Space_FindIntersection(t *testing.T) {
	as, _ := newSpace(t, nil)
	mustMap(t, as, anon(0x20000, 2*testPage, mm.ProtRW, mm.MapFixed|mm.MapPrivate))
	mustMap(t, as, anon(0x30000, testPage, mm.ProtRead, mm.MapFixed|mm.MapPrivate))

	for _, ar := range []mm.Range{rng(0x10000, 0x20000), rng(0x22000, 0x30000), rng(0x21000, 0x21000)} {
		_, ok := as.FindIntersection(ar)
		assert.False(t, ok, "%v", ar)
	}

	ri, ok := as.FindIntersection(rng(0x21000, 0x40000))
	require.True(t, ok)
	assert.Equal(t, mm.Addr(0x20000), ri.Range.Start)

	ri, ok = as.FindIntersection(rng(0x25000, 0x40000))
	require.True(t, ok)
	assert.Equal(t, mm.Addr(0x30000), ri.Range.Start)
}

func Test_Space_FindDuringMutation(t *testing.T) {
	as, _ := newSpace(t, nil)
	ctx := context.Background()
	mustMap(t, as, anon(0x20000, 4*testPage, mm.ProtRW, mm.MapFixed|mm.MapPrivate))

	// Writers keep splitting and refilling the region while readers hold
	// on to the snapshots Find hands out.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				addr := mm.Addr(0x20000 + (i%4)*testPage)
				assert.NoError(t, as.Unmap(ctx, addr, testPage))
				_, err := as.Map(ctx, anon(addr, testPage, mm.ProtRW, mm.MapFixed|mm.MapPrivate))
				assert.NoError(t, err)
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				ri, ok := as.Find(mm.Addr(0x20000 + (i%4)*testPage))
				if !ok {
					continue
				}
				start, end := ri.Range.Start, ri.Range.End
				assert.Less(t, start, end)
				assert.GreaterOrEqual(t, start, mm.Addr(0x20000))
				assert.LessOrEqual(t, end, mm.Addr(0x24000))
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	require.NoError(t, as.Validate())
	assert.Equal(t, []mm.Range{rng(0x20000, 0x24000)}, ranges(as))
}
