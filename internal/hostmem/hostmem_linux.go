//go:build linux

package hostmem

import (
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/joshuapare/vmkit/internal/logger"
	"github.com/joshuapare/vmkit/mm"
)

// Replaced in tests.
var (
	madvise  = unix.Madvise
	mprotect = unix.Mprotect
)

// Arena is a host memory reservation standing in for a page table.
type Arena struct {
	mu       sync.Mutex
	mem      []byte
	pageSize uint64

	// stale is set once an Invalidate fails; the arena refuses further use.
	stale error
}

// NewArena reserves size bytes of inaccessible host memory. size and
// pageSize must be multiples of the host page size.
func NewArena(size, pageSize uint64) (*Arena, error) {
	host := uint64(os.Getpagesize())
	if pageSize == 0 || pageSize%host != 0 || size%host != 0 {
		return nil, errors.Wrapf(ErrPageSize, "page size %d, arena %d, host page %d", pageSize, size, host)
	}
	if size > uint64(^uint(0)>>1) {
		return nil, errors.Newf("hostmem: arena of %d bytes too large", size)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrapf(err, "hostmem: reserve %d bytes", size)
	}
	return &Arena{mem: mem, pageSize: pageSize}, nil
}

// Size returns the arena size in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.mem)) }

func (a *Arena) slice(ar mm.Range) ([]byte, error) {
	if a.mem == nil || ar.End < ar.Start || uint64(ar.End) > uint64(len(a.mem)) {
		return nil, errors.Wrapf(ErrOutOfArena, "%v", ar)
	}
	return a.mem[ar.Start:ar.End], nil
}

func hostProt(p mm.Prot) int {
	prot := unix.PROT_NONE
	if p&mm.ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&mm.ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&mm.ProtExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// Apply implements mm.Translator.
func (a *Arena) Apply(ar mm.Range, prot mm.Prot, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stale != nil {
		return a.stale
	}
	b, err := a.slice(ar)
	if err != nil {
		return err
	}
	if err := mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.Wrapf(err, "hostmem: mprotect %v", ar)
	}
	n := copy(b, data)
	clear(b[n:])
	if err := mprotect(b, hostProt(prot)); err != nil {
		return errors.Wrapf(err, "hostmem: mprotect %v", ar)
	}
	return nil
}

// Invalidate implements mm.Translator. The pages are returned to the host
// and made inaccessible again. If the host refuses, the failure is logged
// and every later Apply and Read fails with ErrStale.
func (a *Arena) Invalidate(ar mm.Range) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.slice(ar)
	if err != nil || len(b) == 0 {
		return
	}
	if err := madvise(b, unix.MADV_DONTNEED); err != nil {
		a.markStale(ar, "madvise", err)
	}
	if err := mprotect(b, unix.PROT_NONE); err != nil {
		a.markStale(ar, "mprotect", err)
	}
}

func (a *Arena) markStale(ar mm.Range, call string, err error) {
	logger.Warn("hostmem: invalidate failed", "range", ar.String(), "call", call, "error", err)
	if a.stale == nil {
		a.stale = errors.Wrapf(ErrStale, "%s %v: %v", call, ar, err)
	}
}

// Read copies the contents of [addr, addr+len(buf)) into buf. The range
// must be readable.
func (a *Arena) Read(addr mm.Addr, buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stale != nil {
		return a.stale
	}
	b, err := a.slice(mm.Range{Start: addr, End: addr + mm.Addr(len(buf))})
	if err != nil {
		return err
	}
	copy(buf, b)
	return nil
}

// Close releases the reservation.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	if errors.Is(err, unix.EINVAL) {
		return nil
	}
	return err
}

// SysinfoEstimator reports free host memory for the strict overcommit
// policy: free RAM plus buffers plus free swap.
type SysinfoEstimator struct {
	PageSize uint64
}

// FreePages implements account.Estimator. It reports zero if the host
// cannot be queried.
func (e SysinfoEstimator) FreePages() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	free := (uint64(info.Freeram) + uint64(info.Bufferram) + uint64(info.Freeswap)) * unit
	return free / e.PageSize
}

// Supported reports whether host backing is available.
func Supported() bool { return true }
