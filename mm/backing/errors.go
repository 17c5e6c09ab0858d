package backing

import "github.com/cockroachdb/errors"

var (
	// ErrTextBusy indicates a deny-write mapping and a writer collided.
	ErrTextBusy = errors.New("backing: object busy")

	// ErrClosed indicates the file was released before the operation.
	ErrClosed = errors.New("backing: file closed")

	// ErrBeyondEOF indicates a fault on a page wholly past the end of file.
	ErrBeyondEOF = errors.New("backing: page beyond end of file")
)
