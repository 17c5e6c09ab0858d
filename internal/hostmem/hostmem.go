// Package hostmem backs a simulated address space with real host memory.
//
// An Arena reserves one inaccessible host range as large as the simulated
// address space and implements mm.Translator on it: Apply makes pages
// accessible and fills them, Invalidate discards and re-protects them. A
// simulated address a lives at host address base+a.
package hostmem

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrUnsupported is returned where the host has no mmap.
	ErrUnsupported = errors.New("hostmem: not supported on this platform")

	// ErrOutOfArena is returned for a range outside the arena.
	ErrOutOfArena = errors.New("hostmem: range outside arena")

	// ErrPageSize is returned when the simulated page size is not a multiple
	// of the host page size.
	ErrPageSize = errors.New("hostmem: page size not a multiple of the host page size")

	// ErrStale is returned by every Apply and Read after an Invalidate
	// failed to discard pages. The arena may still expose old contents.
	ErrStale = errors.New("hostmem: arena holds pages that could not be invalidated")
)
