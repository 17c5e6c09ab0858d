package backing

import (
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/vmkit/internal/mmfile"
	"github.com/joshuapare/vmkit/mm"
)

// Stats counts the callbacks a File has received.
type Stats struct {
	Mmaps  int
	Opens  int
	Closes int
	Unmaps int
	Faults int
	// UnmappedBytes sums the ranges passed to Unmap.
	UnmappedBytes uint64
}

// File is a backing object over an io.ReaderAt.
type File struct {
	name    string
	src     io.ReaderAt
	size    int64
	maxProt mm.Prot
	closer  io.Closer
	ops     *fileOps

	mu       sync.Mutex
	refs     int
	writers  int
	denials  int
	closed   bool
	mappings map[*mm.Region]Mapping
	stats    Stats

	// failMmap, if set, is returned by the next Mmap calls.
	failMmap error
}

// NewMemFile returns a file whose contents are data. maxProt is the most
// access a mapping may have, as if the file had been opened with that mode.
func NewMemFile(name string, data []byte, maxProt mm.Prot) *File {
	return newFile(name, bytes.NewReader(data), int64(len(data)), maxProt, nil)
}

// OpenFile opens path for mapping. writable grants write access to shared
// mappings; every file grants read and exec.
func OpenFile(path string, writable bool) (*File, error) {
	flag := os.O_RDONLY
	maxProt := mm.ProtRead | mm.ProtExec
	if writable {
		flag = os.O_RDWR
		maxProt |= mm.ProtWrite
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return newFile(path, f, info.Size(), maxProt, f), nil
}

// MapFile maps path read-only into host memory and serves faults from the
// mapping. The mapping is released when the File is.
func MapFile(path string) (*File, error) {
	data, unmap, err := mmfile.Map(path)
	if err != nil {
		return nil, err
	}
	return newFile(path, bytes.NewReader(data), int64(len(data)), mm.ProtRead|mm.ProtExec, closeFunc(unmap)), nil
}

type closeFunc func() error

func (fn closeFunc) Close() error { return fn() }

func newFile(name string, src io.ReaderAt, size int64, maxProt mm.Prot, closer io.Closer) *File {
	f := &File{
		name:     name,
		src:      src,
		size:     size,
		maxProt:  maxProt,
		closer:   closer,
		mappings: make(map[*mm.Region]Mapping),
	}
	f.ops = &fileOps{f: f}
	return f
}

// Name returns the file's name.
func (f *File) Name() string { return f.name }

// Size returns the file size in bytes.
func (f *File) Size() int64 { return f.size }

// MaxProt implements mm.Object.
func (f *File) MaxProt() mm.Prot { return f.maxProt }

// Mmap implements mm.Object.
func (f *File) Mmap(ctx context.Context, r *mm.Region) (mm.Ops, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errors.Wrapf(ErrClosed, "%s", f.name)
	}
	if f.failMmap != nil {
		return nil, f.failMmap
	}
	f.stats.Mmaps++
	return f.ops, nil
}

// FailMmap makes subsequent Mmap calls return err; nil restores them.
func (f *File) FailMmap(err error) {
	f.mu.Lock()
	f.failMmap = err
	f.mu.Unlock()
}

// IncRef implements mm.Object.
func (f *File) IncRef() {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
}

// DecRef implements mm.Object. Dropping the last reference of a file that
// was Closed releases the underlying file.
func (f *File) DecRef() {
	f.mu.Lock()
	f.refs--
	release := f.refs == 0 && f.closed
	f.mu.Unlock()
	if release {
		f.release()
	}
}

// Refs returns the number of regions referencing the file.
func (f *File) Refs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs
}

// DenyWrite implements mm.Object.
func (f *File) DenyWrite() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writers > 0 {
		return errors.Wrapf(ErrTextBusy, "%s open for writing by %d", f.name, f.writers)
	}
	f.denials++
	return nil
}

// AllowWrite implements mm.Object.
func (f *File) AllowWrite() {
	f.mu.Lock()
	if f.denials > 0 {
		f.denials--
	}
	f.mu.Unlock()
}

// Denials returns the number of deny-write mappings.
func (f *File) Denials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.denials
}

// OpenForWrite registers a direct writer. It fails while any deny-write
// mapping of the file exists.
func (f *File) OpenForWrite() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denials > 0 {
		return errors.Wrapf(ErrTextBusy, "%s has %d deny-write mappings", f.name, f.denials)
	}
	f.writers++
	return nil
}

// CloseForWrite drops a writer registered by OpenForWrite.
func (f *File) CloseForWrite() {
	f.mu.Lock()
	if f.writers > 0 {
		f.writers--
	}
	f.mu.Unlock()
}

// Mapping is the part of the file one region maps, as of the last time the
// region was linked.
type Mapping struct {
	Range  mm.Range
	Offset uint64
}

// Link implements mm.Object.
func (f *File) Link(r *mm.Region) {
	m := Mapping{Range: r.Range(), Offset: r.Offset()}
	f.mu.Lock()
	f.mappings[r] = m
	f.mu.Unlock()
}

// Unlink implements mm.Object.
func (f *File) Unlink(r *mm.Region) {
	f.mu.Lock()
	delete(f.mappings, r)
	f.mu.Unlock()
}

// Mappings returns the regions currently mapping the file, ordered by
// start address. Regions of different address spaces may interleave.
func (f *File) Mappings() []Mapping {
	f.mu.Lock()
	out := make([]Mapping, 0, len(f.mappings))
	for _, m := range f.mappings {
		out = append(out, m)
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Range.Start != out[j].Range.Start {
			return out[i].Range.Start < out[j].Range.Start
		}
		return out[i].Offset < out[j].Offset
	})
	return out
}

// Stats returns the callback counters.
func (f *File) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Close marks the file closed: no new mappings are accepted. The underlying
// file is released once the last region referencing it goes away.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	release := f.refs == 0
	f.mu.Unlock()
	if release {
		return f.release()
	}
	return nil
}

func (f *File) release() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// readPage reads the page at off into a fresh buffer of pageSize bytes.
func (f *File) readPage(off int64, pageSize uint64) ([]byte, error) {
	if off >= f.size {
		return nil, errors.Wrapf(ErrBeyondEOF, "%s offset %#x size %#x", f.name, off, f.size)
	}
	buf := make([]byte, pageSize)
	n, err := f.src.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	clear(buf[n:])
	return buf, nil
}

// fileOps are the callbacks File attaches to every region mapping it. One
// value is shared by all of them so that adjacent regions can merge.
type fileOps struct {
	f *File
}

func (o *fileOps) Open(*mm.Region) {
	o.f.mu.Lock()
	o.f.stats.Opens++
	o.f.mu.Unlock()
}

func (o *fileOps) Close(*mm.Region) {
	o.f.mu.Lock()
	o.f.stats.Closes++
	o.f.mu.Unlock()
}

func (o *fileOps) Unmap(_ *mm.Region, ar mm.Range) error {
	o.f.mu.Lock()
	o.f.stats.Unmaps++
	o.f.stats.UnmappedBytes += ar.Length()
	o.f.mu.Unlock()
	return nil
}

func (o *fileOps) Fault(ctx context.Context, r *mm.Region, page mm.Range, _ bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.f.mu.Lock()
	o.f.stats.Faults++
	o.f.mu.Unlock()
	off := int64(r.Offset() + uint64(page.Start-r.Start()))
	return o.f.readPage(off, page.Length())
}
