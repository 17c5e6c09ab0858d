package tlb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/vmkit/mm/tlb"
)

type flushed struct {
	start, end uint64
}

func collect(b *tlb.Batch) ([]flushed, uint64) {
	var out []flushed
	total := b.Flush(func(start, end uint64) {
		out = append(out, flushed{start, end})
	})
	return out, total
}

func TestBatch_Empty(t *testing.T) {
	b := tlb.NewBatch(4096)
	got, total := collect(b)
	require.Empty(t, got)
	require.Zero(t, total)
}

func TestBatch_ZeroLengthIgnored(t *testing.T) {
	b := tlb.NewBatch(4096)
	b.Add(8192, 0)
	require.Equal(t, 0, b.Pending())
}

func TestBatch_AlignsToPages(t *testing.T) {
	b := tlb.NewBatch(4096)
	b.Add(4100, 10)

	got, total := collect(b)
	require.Equal(t, []flushed{{4096, 8192}}, got)
	require.Equal(t, uint64(4096), total)
}

func TestBatch_MergesAdjacentAndOverlapping(t *testing.T) {
	b := tlb.NewBatch(4096)
	// Added out of order on purpose.
	b.Add(0x5000, 0x1000)
	b.Add(0x1000, 0x1000)
	b.Add(0x2000, 0x1000) // adjacent to 0x1000
	b.Add(0x5800, 0x1000) // overlaps 0x5000 after alignment
	require.Equal(t, 4, b.Pending())

	got, total := collect(b)
	require.Equal(t, []flushed{{0x1000, 0x3000}, {0x5000, 0x7000}}, got)
	require.Equal(t, uint64(0x4000), total)
	require.Equal(t, 0, b.Pending(), "flush empties the batch")
}

func TestBatch_CoalescedDoesNotFlush(t *testing.T) {
	b := tlb.NewBatch(16)
	b.Add(0, 16)
	b.Add(32, 16)

	got := b.Coalesced()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(16), got[0].Len())
	assert.Equal(t, 2, b.Pending())
}

func TestBatch_Reset(t *testing.T) {
	b := tlb.NewBatch(4096)
	b.Add(0, 4096)
	b.Reset()

	got, _ := collect(b)
	require.Empty(t, got)
}

func TestBatch_PageSizeOne(t *testing.T) {
	b := tlb.NewBatch(1)
	b.Add(100, 100)
	b.Add(200, 1)

	got, total := collect(b)
	require.Equal(t, []flushed{{100, 201}}, got)
	require.Equal(t, uint64(101), total)
}
