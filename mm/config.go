package mm

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/vmkit/internal/logger"
	"github.com/joshuapare/vmkit/mm/account"
)

const (
	// DefaultPageSize is the page size used when Config.PageSize is zero.
	DefaultPageSize = 4096

	// DefaultMmapBase is where relocatable mappings are placed when the
	// request carries no hint (TASK_UNMAPPED_BASE on 32-bit x86).
	DefaultMmapBase Addr = 0x4000_0000

	// DefaultCeiling is the top of the user address space (3 GiB).
	DefaultCeiling Addr = 0xC000_0000

	// DefaultStackGuardGap is how far below a grows-down region a fault may
	// land and still extend the region.
	DefaultStackGuardGap = 64 << 10
)

// Translator is the page-table collaborator.
type Translator interface {
	// Apply installs translations for ar with access prot. data holds the
	// contents of the first len(data) bytes; nil means zero-filled.
	Apply(ar Range, prot Prot, data []byte) error

	// Invalidate clears every translation in ar. It must not return until
	// no stale translation for ar can be used.
	Invalidate(ar Range)
}

type nopTranslator struct{}

func (nopTranslator) Apply(Range, Prot, []byte) error { return nil }
func (nopTranslator) Invalidate(Range)                {}

// Config controls how an AddressSpace places, limits and reports mappings.
type Config struct {
	// PageSize is the allocation granule. It must be a power of two.
	// Default: DefaultPageSize.
	PageSize uint64

	// MmapBase is the lowest address tried for a mapping without a hint.
	// Default: DefaultMmapBase.
	MmapBase Addr

	// Ceiling is the first address past the usable address space.
	// Default: DefaultCeiling.
	Ceiling Addr

	// StackGuardGap bounds grows-down expansion on a fault.
	// Default: DefaultStackGuardGap.
	StackGuardGap uint64

	// Limits are the per-space resource limits. Default: account.DefaultLimits().
	Limits *account.Limits

	// DefaultFlags are added to every new mapping. Only VMLocked is honoured.
	DefaultFlags VMFlags

	// Ledger is the system-wide commitment ledger. Spaces that share a
	// ledger compete for the same memory. Default: a private ledger that
	// always overcommits.
	Ledger *account.Ledger

	// Translator receives page-table updates. Default: a no-op.
	Translator Translator

	// Logger receives debug and warning events. Default: logger.L.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	limits := account.DefaultLimits()
	return Config{
		PageSize:      DefaultPageSize,
		MmapBase:      DefaultMmapBase,
		Ceiling:       DefaultCeiling,
		StackGuardGap: DefaultStackGuardGap,
		Limits:        &limits,
		Ledger:        account.NewLedger(account.OvercommitAlways, nil),
		Translator:    nopTranslator{},
		Logger:        logger.L,
	}
}

// withDefaults fills zero fields of c from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PageSize == 0 {
		c.PageSize = def.PageSize
	}
	if c.MmapBase == 0 {
		c.MmapBase = def.MmapBase
	}
	if c.Ceiling == 0 {
		c.Ceiling = def.Ceiling
	}
	if c.StackGuardGap == 0 {
		c.StackGuardGap = def.StackGuardGap
	}
	if c.Limits == nil {
		c.Limits = def.Limits
	}
	if c.Ledger == nil {
		c.Ledger = def.Ledger
	}
	if c.Translator == nil {
		c.Translator = def.Translator
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	c.DefaultFlags &= VMLocked
	return c
}

// ctxErr reports cancellation before a request starts mutating anything.
// Backing callbacks receive the same context, so a nil one is refused here.
func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return errors.Wrap(ErrInvalidArgument, "nil context")
	}
	return ctx.Err()
}
