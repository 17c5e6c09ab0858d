package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/vmkit/mm"
	"github.com/joshuapare/vmkit/mm/backing"
)

// errScript marks malformed script lines, as opposed to operations the
// address space refused.
var errScript = errors.New("script error")

// memReader is implemented by both page-table collaborators.
type memReader interface {
	Read(addr mm.Addr, buf []byte) error
}

// session is the state a script runs against.
type session struct {
	as    *mm.AddressSpace
	mem   memReader
	files map[string]*backing.File
	rep   *reporter
}

func newSession(as *mm.AddressSpace, mem memReader, rep *reporter) *session {
	return &session{
		as:    as,
		mem:   mem,
		files: make(map[string]*backing.File),
		rep:   rep,
	}
}

// close releases every file the script opened.
func (s *session) close() {
	for _, f := range s.files {
		f.Close()
	}
}

// run executes the script read from r. With keepGoing, a failing command is
// reported and the script continues; the first error is still returned.
func (s *session) run(ctx context.Context, r io.Reader, keepGoing bool) error {
	var first error
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		if err := s.exec(ctx, fields); err != nil {
			err = errors.Wrapf(err, "line %d: %s", line, strings.Join(fields, " "))
			if !keepGoing {
				return err
			}
			s.rep.failure(err)
			if first == nil {
				first = err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "read script")
	}
	return first
}

func (s *session) exec(ctx context.Context, f []string) error {
	cmd, args := f[0], f[1:]
	switch cmd {
	case "file":
		return s.cmdFile(args)
	case "memfile":
		return s.cmdMemFile(args)
	case "map":
		return s.cmdMap(ctx, args)
	case "unmap":
		return s.cmdUnmap(ctx, args)
	case "brk-init":
		return s.cmdBreakInit(ctx, args)
	case "brk":
		return s.cmdBreak(ctx, args)
	case "fault":
		return s.cmdFault(ctx, args)
	case "read":
		return s.cmdRead(args)
	case "lockall":
		return s.cmdLockAll(args)
	case "maps":
		return s.rep.maps(s.as.Regions())
	case "usage":
		return s.rep.usage(s.as)
	case "check":
		return s.as.Validate()
	case "teardown":
		s.as.Teardown()
		return nil
	}
	return errors.Wrapf(errScript, "unknown command %q", cmd)
}

// file NAME PATH [rw|mmap]
func (s *session) cmdFile(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.Wrap(errScript, "usage: file NAME PATH [rw|mmap]")
	}
	mode := ""
	if len(args) == 3 {
		mode = args[2]
	}
	var (
		f   *backing.File
		err error
	)
	switch mode {
	case "", "rw":
		f, err = backing.OpenFile(args[1], mode == "rw")
	case "mmap":
		f, err = backing.MapFile(args[1])
	default:
		return errors.Wrapf(errScript, "unknown file mode %q", mode)
	}
	if err != nil {
		return err
	}
	s.addFile(args[0], f)
	return nil
}

// memfile NAME SIZE [PROT]
func (s *session) cmdMemFile(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.Wrap(errScript, "usage: memfile NAME SIZE [PROT]")
	}
	size, err := parseNum(args[1])
	if err != nil {
		return err
	}
	prot := mm.ProtAll
	if len(args) == 3 {
		if prot, err = mm.ParseProt(args[2]); err != nil {
			return err
		}
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	s.addFile(args[0], backing.NewMemFile(args[0], data, prot))
	return nil
}

func (s *session) addFile(name string, f *backing.File) {
	if old, ok := s.files[name]; ok {
		old.Close()
	}
	s.files[name] = f
}

// map ADDR LEN PROT FLAGS [FILE [OFFSET]]
func (s *session) cmdMap(ctx context.Context, args []string) error {
	if len(args) < 4 || len(args) > 6 {
		return errors.Wrap(errScript, "usage: map ADDR LEN PROT FLAGS [FILE [OFFSET]]")
	}
	var req mm.MapRequest
	addr, err := parseNum(args[0])
	if err != nil {
		return err
	}
	req.Addr = mm.Addr(addr)
	if req.Length, err = parseNum(args[1]); err != nil {
		return err
	}
	if req.Prot, err = mm.ParseProt(args[2]); err != nil {
		return err
	}
	if req.Flags, err = mm.ParseMapFlags(args[3]); err != nil {
		return err
	}
	if len(args) >= 5 {
		f, ok := s.files[args[4]]
		if !ok {
			return errors.Wrapf(errScript, "no file %q", args[4])
		}
		req.Object = f
	}
	if len(args) == 6 {
		if req.Offset, err = parseNum(args[5]); err != nil {
			return err
		}
	}
	got, err := s.as.Map(ctx, req)
	if err == nil || got != 0 {
		s.rep.mapped(got)
	}
	return err
}

// unmap ADDR LEN
func (s *session) cmdUnmap(ctx context.Context, args []string) error {
	addr, length, err := addrLen(args, "usage: unmap ADDR LEN")
	if err != nil {
		return err
	}
	return s.as.Unmap(ctx, addr, length)
}

// brk-init ADDR
func (s *session) cmdBreakInit(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.Wrap(errScript, "usage: brk-init ADDR")
	}
	addr, err := parseNum(args[0])
	if err != nil {
		return err
	}
	return s.as.SetupBreak(ctx, mm.Addr(addr))
}

// brk ADDR
func (s *session) cmdBreak(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.Wrap(errScript, "usage: brk ADDR")
	}
	addr, err := parseNum(args[0])
	if err != nil {
		return err
	}
	got, err := s.as.GrowBreak(ctx, mm.Addr(addr))
	s.rep.brk(got)
	return err
}

// fault ADDR [w]
func (s *session) cmdFault(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.Wrap(errScript, "usage: fault ADDR [w]")
	}
	addr, err := parseNum(args[0])
	if err != nil {
		return err
	}
	return s.as.HandleFault(ctx, mm.Addr(addr), len(args) == 2 && args[1] == "w")
}

// read ADDR LEN
func (s *session) cmdRead(args []string) error {
	addr, length, err := addrLen(args, "usage: read ADDR LEN")
	if err != nil {
		return err
	}
	buf := make([]byte, length)
	if err := s.mem.Read(addr, buf); err != nil {
		return err
	}
	s.rep.dump(addr, buf)
	return nil
}

// lockall on|off
func (s *session) cmdLockAll(args []string) error {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return errors.Wrap(errScript, "usage: lockall on|off")
	}
	var flags mm.VMFlags
	if args[0] == "on" {
		flags = mm.VMLocked
	}
	s.as.SetDefaultFlags(flags)
	return nil
}

func addrLen(args []string, usage string) (mm.Addr, uint64, error) {
	if len(args) != 2 {
		return 0, 0, errors.Wrap(errScript, usage)
	}
	addr, err := parseNum(args[0])
	if err != nil {
		return 0, 0, err
	}
	length, err := parseNum(args[1])
	if err != nil {
		return 0, 0, err
	}
	return mm.Addr(addr), length, nil
}

// parseNum accepts decimal, 0x hex and a k/m/g suffix (powers of 1024).
func parseNum(s string) (uint64, error) {
	mult := uint64(1)
	if n := len(s); n > 1 && !strings.HasPrefix(s, "0x") {
		switch s[n-1] {
		case 'k', 'K':
			mult = 1 << 10
		case 'm', 'M':
			mult = 1 << 20
		case 'g', 'G':
			mult = 1 << 30
		}
		if mult != 1 {
			s = s[:n-1]
		}
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(errScript, "bad number %q", s)
	}
	if v != 0 && v*mult/mult != v {
		return 0, errors.Wrapf(errScript, "number %q overflows", s)
	}
	return v * mult, nil
}

// openScript opens path, or stdin for "-".
func openScript(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// hexDump renders buf in the usual sixteen-bytes-per-line layout.
func hexDump(addr mm.Addr, buf []byte) string {
	var sb strings.Builder
	for off := 0; off < len(buf); off += 16 {
		end := min(off+16, len(buf))
		sb.WriteString(strconv.FormatUint(uint64(addr)+uint64(off), 16))
		sb.WriteString(": ")
		sb.WriteString(hex.EncodeToString(buf[off:end]))
		sb.WriteByte('\n')
	}
	return sb.String()
}
