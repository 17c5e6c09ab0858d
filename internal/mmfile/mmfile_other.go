//go:build !unix

package mmfile

import "os"

// Map reads the whole file where mmap is not available.
func Map(path string) ([]byte, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nop, err
	}
	return data, nop, nil
}
