package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/joshuapare/vmkit/internal/hostmem"
	"github.com/joshuapare/vmkit/internal/logger"
	"github.com/joshuapare/vmkit/mm"
	"github.com/joshuapare/vmkit/mm/account"
	"github.com/joshuapare/vmkit/mm/pagetable"
)

var (
	runPageSize  uint64
	runMmapBase  string
	runCeiling   string
	runPolicy    string
	runFreePages uint64
	runLockLimit string
	runHost      bool
	runKeepGoing bool
	runNoReport  bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().Uint64Var(&runPageSize, "page-size", mm.DefaultPageSize, "Page size in bytes (power of two)")
	cmd.Flags().StringVar(&runMmapBase, "mmap-base", "0x40000000", "Lowest address for unhinted mappings")
	cmd.Flags().StringVar(&runCeiling, "ceiling", "0xc0000000", "Top of the address space")
	cmd.Flags().StringVar(&runPolicy, "policy", "always", "Overcommit policy: guess, always or never")
	cmd.Flags().Uint64Var(&runFreePages, "free-pages", 0, "Free memory estimate in pages (0: ask the host)")
	cmd.Flags().StringVar(&runLockLimit, "lock-limit", "64k", "Locked memory limit in bytes (0: unlimited)")
	cmd.Flags().BoolVar(&runHost, "host", false, "Back pages with reserved host memory (Linux)")
	cmd.Flags().BoolVar(&runKeepGoing, "keep-going", false, "Report failing commands and continue")
	cmd.Flags().BoolVar(&runNoReport, "no-report", false, "Skip the final map and usage report")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script|->",
		Short: "Replay a mapping script",
		Long: `The run command executes a script of address-space operations, one per
line, and prints the final region map and usage counters.

Commands:
  memfile NAME SIZE [PROT]            in-memory file filled with a byte ramp
  file NAME PATH [rw|mmap]            file on disk; mmap reads it through a host mapping
  map ADDR LEN PROT FLAGS [FILE [OFF]]
  unmap ADDR LEN
  brk-init ADDR                       place the heap
  brk ADDR                            move the program break
  fault ADDR [w]
  read ADDR LEN                       hex dump of resident pages
  lockall on|off
  maps | usage | check | teardown

Numbers may be decimal, 0x hex, or carry a k/m/g suffix. FLAGS are names
such as private|fixed|locked. '#' starts a comment.

Example:
  vmctl run script.vm
  vmctl run --policy never --free-pages 1024 script.vm
  echo "map 0 16k rw private" | vmctl run -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd.Context(), args)
		},
	}
	return cmd
}

func runScript(ctx context.Context, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, mem, cleanup, err := buildConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	as, err := mm.New(cfg)
	if err != nil {
		return err
	}
	defer as.DecUsers()

	script, err := openScript(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to open script")
	}
	defer script.Close()

	rep := newReporter(stdout, jsonOut, quiet)
	sess := newSession(as, mem, rep)
	defer sess.close()

	runErr := sess.run(ctx, script, runKeepGoing)
	if !runNoReport && (runErr == nil || runKeepGoing) {
		if jsonOut {
			if err := printJSON(struct {
				Regions []RegionReport `json:"regions"`
				Usage   UsageReport    `json:"usage"`
			}{regionReports(as.Regions()), usageReport(as)}); err != nil {
				return err
			}
		} else {
			printInfo("--- final map ---\n")
			rep.maps(as.Regions())
			rep.usage(as)
		}
	}
	if err := as.Validate(); err != nil {
		logger.Error("address space inconsistent", "error", err)
		return errors.Wrap(err, "address space inconsistent")
	}
	return runErr
}

// buildConfig turns the run flags into an mm.Config. The returned cleanup
// releases a host arena, if one was reserved.
func buildConfig() (mm.Config, memReader, func(), error) {
	nop := func() {}
	cfg := mm.DefaultConfig()
	cfg.PageSize = runPageSize
	cfg.Logger = logger.L

	base, err := parseNum(runMmapBase)
	if err != nil {
		return cfg, nil, nop, err
	}
	ceiling, err := parseNum(runCeiling)
	if err != nil {
		return cfg, nil, nop, err
	}
	cfg.MmapBase, cfg.Ceiling = mm.Addr(base), mm.Addr(ceiling)

	lock, err := parseNum(runLockLimit)
	if err != nil {
		return cfg, nil, nop, err
	}
	limits := account.DefaultLimits()
	limits.Locked = lock
	if lock == 0 {
		limits.Locked = account.Unlimited
	}
	cfg.Limits = &limits

	policy, err := account.ParsePolicy(runPolicy)
	if err != nil {
		return cfg, nil, nop, err
	}
	var est account.Estimator = hostmem.SysinfoEstimator{PageSize: runPageSize}
	if runFreePages != 0 {
		est = account.StaticEstimator(runFreePages)
	}
	cfg.Ledger = account.NewLedger(policy, est)

	if !runHost {
		pt := pagetable.New(runPageSize)
		cfg.Translator = pt
		return cfg, pt, nop, nil
	}
	arena, err := hostmem.NewArena(ceiling, runPageSize)
	if err != nil {
		return cfg, nil, nop, errors.Wrap(err, "failed to reserve host arena")
	}
	cfg.Translator = arena
	return cfg, arena, func() { arena.Close() }, nil
}
