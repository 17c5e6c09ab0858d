package backing_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/vmkit/mm"
	"github.com/joshuapare/vmkit/mm/account"
	"github.com/joshuapare/vmkit/mm/backing"
	"github.com/joshuapare/vmkit/mm/pagetable"
)

var _ mm.Object = (*backing.File)(nil)

// newSpace returns a space with 16-byte pages backed by a software page
// table.
func newSpace(t *testing.T) (*mm.AddressSpace, *pagetable.Table) {
	t.Helper()
	limits := account.UnlimitedLimits()
	pt := pagetable.New(16)
	as, err := mm.New(mm.Config{PageSize: 16, MmapBase: 0x100, Ceiling: 0x10000, Limits: &limits, Translator: pt})
	require.NoError(t, err)
	return as, pt
}

// readPage faults addr in and returns the 16 bytes installed for it.
func readPage(t *testing.T, as *mm.AddressSpace, pt *pagetable.Table, addr mm.Addr, write bool) []byte {
	t.Helper()
	require.NoError(t, as.HandleFault(context.Background(), addr, write))
	buf := make([]byte, 16)
	require.NoError(t, pt.Read(addr, buf))
	return buf
}

func TestFile_WriterAndDenyWriteExclude(t *testing.T) {
	f := backing.NewMemFile("bin", nil, mm.ProtAll)

	require.NoError(t, f.DenyWrite())
	require.NoError(t, f.DenyWrite())
	require.ErrorIs(t, f.OpenForWrite(), backing.ErrTextBusy)

	f.AllowWrite()
	require.ErrorIs(t, f.OpenForWrite(), backing.ErrTextBusy)
	f.AllowWrite()
	require.NoError(t, f.OpenForWrite())
	require.ErrorIs(t, f.DenyWrite(), backing.ErrTextBusy)

	f.CloseForWrite()
	require.NoError(t, f.DenyWrite())
	require.Equal(t, 1, f.Denials())

	// Extra releases do not go negative.
	f.AllowWrite()
	f.AllowWrite()
	f.CloseForWrite()
	require.Zero(t, f.Denials())
}

func TestFile_ReverseList(t *testing.T) {
	as, _ := newSpace(t)
	f := backing.NewMemFile("lib", make([]byte, 256), mm.ProtRead)
	ctx := context.Background()

	addr, err := as.Map(ctx, mm.MapRequest{Length: 128, Prot: mm.ProtRead, Flags: mm.MapShared, Object: f})
	require.NoError(t, err)
	require.NoError(t, as.Unmap(ctx, addr+32, 32))

	maps := f.Mappings()
	require.Equal(t, []backing.Mapping{
		{Range: mm.Range{Start: addr, End: addr + 32}, Offset: 0},
		{Range: mm.Range{Start: addr + 64, End: addr + 128}, Offset: 64},
	}, maps)
	ri, ok := as.Find(addr + 64)
	require.True(t, ok)
	assert.Equal(t, maps[1].Range, ri.Range)

	// Trimming a head moves the recorded range and offset with it.
	require.NoError(t, as.Unmap(ctx, addr, 16))
	assert.Equal(t, backing.Mapping{Range: mm.Range{Start: addr + 16, End: addr + 32}, Offset: 16}, f.Mappings()[0])

	as.Teardown()
	assert.Empty(t, f.Mappings())
	assert.Zero(t, f.Refs())
}

func TestFile_Fault(t *testing.T) {
	as, pt := newSpace(t)
	data := []byte("0123456789abcdefghij")
	f := backing.NewMemFile("text", data, mm.ProtRead)
	ctx := context.Background()

	addr, err := as.Map(ctx, mm.MapRequest{Length: 48, Prot: mm.ProtRead, Flags: mm.MapPrivate, Object: f})
	require.NoError(t, err)

	assert.Equal(t, []byte("0123456789abcdef"), readPage(t, as, pt, addr, false))
	assert.Equal(t, append([]byte("ghij"), make([]byte, 12)...), readPage(t, as, pt, addr+16, false))

	err = as.HandleFault(ctx, addr+32, false)
	require.ErrorIs(t, err, backing.ErrBeyondEOF)
	require.ErrorIs(t, err, mm.ErrFault)
	assert.Equal(t, 3, f.Stats().Faults)
}

func TestFile_SharedOpsAcrossMappings(t *testing.T) {
	as, _ := newSpace(t)
	f := backing.NewMemFile("lib", make([]byte, 256), mm.ProtRead)
	ctx := context.Background()

	a, err := as.Map(ctx, mm.MapRequest{Length: 16, Prot: mm.ProtRead, Flags: mm.MapShared, Object: f})
	require.NoError(t, err)
	_, err = as.Map(ctx, mm.MapRequest{
		Addr: a + 16, Length: 16, Prot: mm.ProtRead, Flags: mm.MapFixed | mm.MapShared, Object: f, Offset: 16,
	})
	require.NoError(t, err)

	// Both mappings got the same ops, so they merged.
	require.Equal(t, 1, as.Len())
	require.Equal(t, 2, f.Stats().Mmaps)
	assert.Equal(t, []backing.Mapping{{Range: mm.Range{Start: a, End: a + 32}}}, f.Mappings())
}

func TestFile_Close(t *testing.T) {
	as, _ := newSpace(t)
	f := backing.NewMemFile("lib", make([]byte, 64), mm.ProtRead)
	ctx := context.Background()

	addr, err := as.Map(ctx, mm.MapRequest{Length: 16, Prot: mm.ProtRead, Flags: mm.MapShared, Object: f})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	// Existing mappings keep working.
	require.NoError(t, as.HandleFault(ctx, addr, false))

	_, err = as.Map(ctx, mm.MapRequest{Length: 16, Prot: mm.ProtRead, Flags: mm.MapShared, Object: f})
	require.ErrorIs(t, err, backing.ErrClosed)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	want := []byte{0xde, 0xad, 0xbe, 0xef, 0x42}
	require.NoError(t, os.WriteFile(path, want, 0o644))

	t.Run("read only", func(t *testing.T) {
		f, err := backing.OpenFile(path, false)
		require.NoError(t, err)
		defer f.Close()

		assert.Equal(t, path, f.Name())
		assert.Equal(t, int64(len(want)), f.Size())
		assert.Equal(t, mm.ProtRead|mm.ProtExec, f.MaxProt())

		as, pt := newSpace(t)
		_, err = as.Map(context.Background(), mm.MapRequest{
			Length: 16, Prot: mm.ProtRW, Flags: mm.MapShared, Object: f,
		})
		require.Error(t, err, "shared writable mapping of a read-only file")

		addr, err := as.Map(context.Background(), mm.MapRequest{
			Length: 16, Prot: mm.ProtRW, Flags: mm.MapPrivate, Object: f,
		})
		require.NoError(t, err)
		assert.Equal(t, want, readPage(t, as, pt, addr, true)[:len(want)])
		as.Teardown()
	})

	t.Run("writable", func(t *testing.T) {
		f, err := backing.OpenFile(path, true)
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, mm.ProtAll, f.MaxProt())
	})

	t.Run("missing", func(t *testing.T) {
		_, err := backing.OpenFile(filepath.Join(t.TempDir(), "nope"), false)
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestMapFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lib.so")
	want := []byte("\x7fELF and then some")
	require.NoError(t, os.WriteFile(path, want, 0o644))

	f, err := backing.MapFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(want)), f.Size())
	assert.Equal(t, mm.ProtRead|mm.ProtExec, f.MaxProt())

	as, pt := newSpace(t)
	addr, err := as.Map(context.Background(), mm.MapRequest{
		Length: 32, Prot: mm.ProtRead | mm.ProtExec, Flags: mm.MapPrivate | mm.MapDenyWrite, Object: f,
	})
	require.NoError(t, err)
	require.NoError(t, f.Close(), "close with live mappings defers the unmap")

	assert.Equal(t, append(want[16:], make([]byte, 32-len(want))...), readPage(t, as, pt, addr+16, false))

	as.Teardown()
	assert.Zero(t, f.Refs())

	_, err = backing.MapFile(filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFile_CanceledContext(t *testing.T) {
	f := backing.NewMemFile("lib", make([]byte, 64), mm.ProtRead)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Mmap(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
}
