package main

import (
	"fmt"
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/vmkit/mm"
	"github.com/joshuapare/vmkit/mm/backing"
)

// reporter prints script results as text or JSON.
type reporter struct {
	w     io.Writer
	p     *message.Printer
	json  bool
	quiet bool
}

func newReporter(w io.Writer, json, quiet bool) *reporter {
	return &reporter{
		w:     w,
		p:     message.NewPrinter(language.English),
		json:  json,
		quiet: quiet,
	}
}

// RegionReport is the JSON form of one region.
type RegionReport struct {
	Start  string `json:"start"`
	End    string `json:"end"`
	Perms  string `json:"perms"`
	Offset uint64 `json:"offset"`
	Object string `json:"object,omitempty"`
	Locked bool   `json:"locked,omitempty"`
	Grows  bool   `json:"growsDown,omitempty"`
}

// UsageReport is the JSON form of the accounting counters.
type UsageReport struct {
	Regions        int    `json:"regions"`
	MappedPages    uint64 `json:"mappedPages"`
	LockedPages    uint64 `json:"lockedPages"`
	CommittedPages uint64 `json:"committedPages"`
	MappedBytes    uint64 `json:"mappedBytes"`
	LedgerPages    uint64 `json:"ledgerPages"`
	Policy         string `json:"policy"`
	Break          string `json:"break"`
}

func objectName(o mm.Object) string {
	if f, ok := o.(*backing.File); ok {
		return f.Name()
	}
	if o != nil {
		return fmt.Sprintf("%T", o)
	}
	return ""
}

func regionReports(regions []mm.RegionInfo) []RegionReport {
	out := make([]RegionReport, 0, len(regions))
	for _, ri := range regions {
		out = append(out, RegionReport{
			Start:  ri.Range.Start.String(),
			End:    ri.Range.End.String(),
			Perms:  ri.Flags.String(),
			Offset: ri.Offset,
			Object: objectName(ri.Object),
			Locked: ri.Flags&mm.VMLocked != 0,
			Grows:  ri.Flags&mm.VMGrowsDown != 0,
		})
	}
	return out
}

func usageReport(as *mm.AddressSpace) UsageReport {
	u := as.Usage()
	ledger := as.Ledger()
	return UsageReport{
		Regions:        as.Len(),
		MappedPages:    u.MappedPages,
		LockedPages:    u.LockedPages,
		CommittedPages: u.CommittedPages,
		MappedBytes:    u.MappedPages * as.PageSize(),
		LedgerPages:    ledger.Committed(),
		Policy:         ledger.Policy().String(),
		Break:          as.Break().String(),
	}
}

func (r *reporter) maps(regions []mm.RegionInfo) error {
	if r.json {
		return printJSON(regionReports(regions))
	}
	if r.quiet {
		return nil
	}
	for _, ri := range regions {
		name := objectName(ri.Object)
		switch {
		case name != "":
		case ri.Flags&mm.VMGrowsDown != 0:
			name = "[stack]"
		default:
			name = "[anon]"
		}
		fmt.Fprintf(r.w, "%08x-%08x %s %08x %s\n",
			uint64(ri.Range.Start), uint64(ri.Range.End), ri.Flags, ri.Offset, name)
	}
	return nil
}

func (r *reporter) usage(as *mm.AddressSpace) error {
	rep := usageReport(as)
	if r.json {
		return printJSON(rep)
	}
	if r.quiet {
		return nil
	}
	r.p.Fprintf(r.w, "regions:   %d\n", rep.Regions)
	r.p.Fprintf(r.w, "mapped:    %d pages (%d bytes)\n", rep.MappedPages, rep.MappedBytes)
	r.p.Fprintf(r.w, "locked:    %d pages\n", rep.LockedPages)
	r.p.Fprintf(r.w, "committed: %d pages (ledger %d, policy %s)\n",
		rep.CommittedPages, rep.LedgerPages, rep.Policy)
	r.p.Fprintf(r.w, "break:     %s\n", rep.Break)
	return nil
}

func (r *reporter) mapped(addr mm.Addr) {
	if !r.json && !r.quiet {
		fmt.Fprintf(r.w, "mapped at %v\n", addr)
	}
}

func (r *reporter) brk(addr mm.Addr) {
	if !r.json && !r.quiet {
		fmt.Fprintf(r.w, "break at %v\n", addr)
	}
}

func (r *reporter) dump(addr mm.Addr, buf []byte) {
	if !r.json && !r.quiet {
		io.WriteString(r.w, hexDump(addr, buf))
	}
}

func (r *reporter) failure(err error) {
	if !r.json {
		fmt.Fprintf(r.w, "error: %v\n", err)
	}
}
