// Package mmfile maps whole files read-only into host memory, for backing
// objects that serve faults straight from the page cache.
package mmfile

import "github.com/cockroachdb/errors"

// ErrTooLarge is returned for a file that does not fit in the address
// space of the host process.
var ErrTooLarge = errors.New("mmfile: file too large to map")

func nop() error { return nil }
