//go:build unix

package mmfile

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Map maps the file at path read-only. The returned function unmaps it and
// may be called more than once. An empty file yields an empty slice.
func Map(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nop, err
	}
	defer f.Close() // the mapping outlives the descriptor

	info, err := f.Stat()
	if err != nil {
		return nil, nop, err
	}
	size := info.Size()
	if size == 0 {
		return []byte{}, nop, nil
	}
	if size > int64(^uint(0)>>1) {
		return nil, nop, errors.Wrapf(ErrTooLarge, "%s: %d bytes", path, size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nop, errors.Wrapf(err, "mmfile: map %s", path)
	}
	unmap := func() error {
		if data == nil {
			return nil
		}
		err := unix.Munmap(data)
		data = nil
		if errors.Is(err, unix.EINVAL) {
			return nil
		}
		return err
	}
	return data, unmap, nil
}
