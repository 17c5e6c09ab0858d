//go:build !linux

package hostmem

import "github.com/joshuapare/vmkit/mm"

// Arena is unavailable on this platform.
type Arena struct{}

// NewArena always fails with ErrUnsupported.
func NewArena(size, pageSize uint64) (*Arena, error) {
	return nil, ErrUnsupported
}

func (a *Arena) Size() uint64                          { return 0 }
func (a *Arena) Apply(mm.Range, mm.Prot, []byte) error { return ErrUnsupported }
func (a *Arena) Invalidate(mm.Range)                   {}
func (a *Arena) Read(mm.Addr, []byte) error            { return ErrUnsupported }
func (a *Arena) Close() error                          { return nil }

// SysinfoEstimator reports no free memory where the host cannot be asked.
type SysinfoEstimator struct {
	PageSize uint64
}

func (SysinfoEstimator) FreePages() uint64 { return 0 }

// Supported reports whether host backing is available.
func Supported() bool { return false }
