package mm

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Addr is a virtual address in a simulated address space.
type Addr uint64

// RoundDown returns a rounded down to a multiple of pageSize.
// pageSize must be a power of two.
func (a Addr) RoundDown(pageSize uint64) Addr {
	return a &^ Addr(pageSize-1)
}

// RoundUp returns a rounded up to a multiple of pageSize, and false if that
// overflows.
func (a Addr) RoundUp(pageSize uint64) (Addr, bool) {
	r := (a + Addr(pageSize-1)).RoundDown(pageSize)
	return r, r >= a
}

// Aligned reports whether a is a multiple of pageSize.
func (a Addr) Aligned(pageSize uint64) bool {
	return a&Addr(pageSize-1) == 0
}

// ToRange returns [a, a+length) and false if the end overflows.
func (a Addr) ToRange(length uint64) (Range, bool) {
	end := a + Addr(length)
	return Range{Start: a, End: end}, end >= a
}

func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Range is the half-open address range [Start, End).
type Range struct {
	Start Addr
	End   Addr
}

// Length returns the number of bytes in r.
func (r Range) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Empty reports whether r contains no addresses.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

// Contains reports whether addr lies in r.
func (r Range) Contains(addr Addr) bool {
	return r.Start <= addr && addr < r.End
}

// Overlaps reports whether r and o share at least one address.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// IsSupersetOf reports whether o lies entirely inside r.
func (r Range) IsSupersetOf(o Range) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// Intersect returns the overlap of r and o, which is empty if they are disjoint.
func (r Range) Intersect(o Range) Range {
	out := Range{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}

// Prot is the access a mapping request asks for.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec

	ProtNone Prot = 0
	ProtRW        = ProtRead | ProtWrite
	ProtAll       = ProtRead | ProtWrite | ProtExec
)

// SupersetOf reports whether p grants everything o asks for.
func (p Prot) SupersetOf(o Prot) bool {
	return p&o == o
}

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// ParseProt parses the String form ("r-x", "rw-") or any subset of the
// letters r, w and x ("rw"). "none" and "---" give ProtNone.
func ParseProt(s string) (Prot, error) {
	if s == "none" {
		return ProtNone, nil
	}
	var p Prot
	for _, c := range s {
		switch c {
		case 'r':
			p |= ProtRead
		case 'w':
			p |= ProtWrite
		case 'x':
			p |= ProtExec
		case '-':
		default:
			return 0, errors.Wrapf(ErrInvalidArgument, "protection %q", s)
		}
	}
	return p, nil
}

// MapFlags select the kind of mapping Map creates.
type MapFlags uint32

const (
	// MapFixed places the mapping exactly at the requested address,
	// replacing whatever was mapped there.
	MapFixed MapFlags = 1 << iota
	// MapShared makes writes visible to every mapper of the same object.
	MapShared
	// MapPrivate gives copy-on-write semantics.
	MapPrivate
	// MapDenyWrite fails if the object is open for direct writing, and
	// blocks such opens while the mapping exists.
	MapDenyWrite
	// MapLocked pre-faults the range and counts it against the locked limit.
	MapLocked
	// MapNoReserve skips the overcommit check.
	MapNoReserve
	// MapGrowsDown lets the mapping extend downward on a fault just below it.
	MapGrowsDown
	// MapExecutable marks the mapping as a program image.
	MapExecutable
)

var mapFlagNames = []struct {
	f    MapFlags
	name string
}{
	{MapFixed, "FIXED"},
	{MapShared, "SHARED"},
	{MapPrivate, "PRIVATE"},
	{MapDenyWrite, "DENYWRITE"},
	{MapLocked, "LOCKED"},
	{MapNoReserve, "NORESERVE"},
	{MapGrowsDown, "GROWSDOWN"},
	{MapExecutable, "EXECUTABLE"},
}

func (f MapFlags) String() string {
	var parts []string
	for _, n := range mapFlagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// ParseMapFlags parses names joined by '|' or ',' in any case, such as
// "private|fixed".
func ParseMapFlags(s string) (MapFlags, error) {
	var f MapFlags
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		name := strings.ToUpper(strings.TrimSpace(part))
		found := false
		for _, n := range mapFlagNames {
			if n.name == name {
				f |= n.f
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Wrapf(ErrInvalidArgument, "map flag %q", part)
		}
	}
	return f, nil
}

// VMFlags are the attributes stored on a Region.
type VMFlags uint32

const (
	VMRead VMFlags = 1 << iota
	VMWrite
	VMExec
	VMMayRead
	VMMayWrite
	VMMayExec
	VMGrowsDown
	VMShared
	VMDenyWrite
	VMLocked
	VMExecutable
	// VMAccount marks private writable memory charged to the overcommit
	// ledger.
	VMAccount
)

// Prot returns the effective access bits of f.
func (f VMFlags) Prot() Prot {
	var p Prot
	if f&VMRead != 0 {
		p |= ProtRead
	}
	if f&VMWrite != 0 {
		p |= ProtWrite
	}
	if f&VMExec != 0 {
		p |= ProtExec
	}
	return p
}

// MayProt returns the maximum access bits recorded in f.
func (f VMFlags) MayProt() Prot {
	var p Prot
	if f&VMMayRead != 0 {
		p |= ProtRead
	}
	if f&VMMayWrite != 0 {
		p |= ProtWrite
	}
	if f&VMMayExec != 0 {
		p |= ProtExec
	}
	return p
}

func protToVM(p Prot) VMFlags {
	var f VMFlags
	if p&ProtRead != 0 {
		f |= VMRead
	}
	if p&ProtWrite != 0 {
		f |= VMWrite
	}
	if p&ProtExec != 0 {
		f |= VMExec
	}
	return f
}

func protToMay(p Prot) VMFlags {
	return protToVM(p) << 3
}

// String renders f in the /proc/<pid>/maps style, e.g. "rw-p".
func (f VMFlags) String() string {
	s := f.Prot().String()
	if f&VMShared != 0 {
		return s + "s"
	}
	return s + "p"
}
