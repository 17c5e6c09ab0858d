// Package pagetable is an in-memory mm.Translator: a map from page number to
// the access bits and contents installed for that page.
//
// It stands in for the hardware page table in tests and in vmctl without
// --host, and records how often it was asked to invalidate so callers can
// check that removals were batched.
package pagetable

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/vmkit/mm"
)

var (
	// ErrUnaligned is returned by Apply for a range that is not whole pages.
	ErrUnaligned = errors.New("pagetable: range not page aligned")

	// ErrNotPresent is returned by Read for a page with no translation.
	ErrNotPresent = errors.New("pagetable: page not present")
)

// Entry is one installed translation.
type Entry struct {
	Prot mm.Prot
	Data []byte
}

// Table is a software page table. The zero value is not usable; call New.
type Table struct {
	pageSize uint64

	mu            sync.Mutex
	entries       map[uint64]*Entry
	invalidations int
	invalidated   uint64
	failApply     error
}

// New returns an empty table for pages of pageSize bytes.
func New(pageSize uint64) *Table {
	return &Table{
		pageSize: pageSize,
		entries:  make(map[uint64]*Entry),
	}
}

// Apply implements mm.Translator. Pages past len(data) are zero-filled.
func (t *Table) Apply(ar mm.Range, prot mm.Prot, data []byte) error {
	if !ar.Start.Aligned(t.pageSize) || !ar.End.Aligned(t.pageSize) {
		return errors.Wrapf(ErrUnaligned, "%v", ar)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failApply != nil {
		return t.failApply
	}
	for addr := ar.Start; addr < ar.End; addr += mm.Addr(t.pageSize) {
		page := make([]byte, t.pageSize)
		if off := uint64(addr - ar.Start); off < uint64(len(data)) {
			copy(page, data[off:])
		}
		t.entries[uint64(addr)/t.pageSize] = &Entry{Prot: prot, Data: page}
	}
	return nil
}

// Invalidate implements mm.Translator.
func (t *Table) Invalidate(ar mm.Range) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invalidations++
	t.invalidated += ar.Length()
	first := uint64(ar.Start) / t.pageSize
	last := (uint64(ar.End) + t.pageSize - 1) / t.pageSize
	if last-first > uint64(len(t.entries)) {
		for pn := range t.entries {
			if pn >= first && pn < last {
				delete(t.entries, pn)
			}
		}
		return
	}
	for pn := first; pn < last; pn++ {
		delete(t.entries, pn)
	}
}

// FailApply makes subsequent Apply calls return err; nil restores them.
func (t *Table) FailApply(err error) {
	t.mu.Lock()
	t.failApply = err
	t.mu.Unlock()
}

// Lookup returns the translation of the page containing addr.
func (t *Table) Lookup(addr mm.Addr) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[uint64(addr)/t.pageSize]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Read copies the contents of [addr, addr+len(buf)) into buf. Every page
// in the range must be present and readable.
func (t *Table) Read(addr mm.Addr, buf []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for done := 0; done < len(buf); {
		a := uint64(addr) + uint64(done)
		e, ok := t.entries[a/t.pageSize]
		if !ok || e.Prot&mm.ProtRead == 0 {
			return errors.Wrapf(ErrNotPresent, "%v", mm.Addr(a))
		}
		done += copy(buf[done:], e.Data[a%t.pageSize:])
	}
	return nil
}

// Resident returns the start addresses of every installed page in order.
func (t *Table) Resident() []mm.Addr {
	t.mu.Lock()
	out := make([]mm.Addr, 0, len(t.entries))
	for pn := range t.entries {
		out = append(out, mm.Addr(pn*t.pageSize))
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of installed pages.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Invalidations returns the number of Invalidate calls and the total bytes
// they covered.
func (t *Table) Invalidations() (calls int, bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.invalidations, t.invalidated
}
