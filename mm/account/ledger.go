package account

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
)

// Policy selects how a Ledger decides whether a commitment fits.
type Policy int

const (
	// OvercommitGuess refuses only requests that could never be satisfied.
	OvercommitGuess Policy = iota
	// OvercommitAlways accepts every request.
	OvercommitAlways
	// OvercommitNever refuses requests that push total commitment past the
	// free estimate.
	OvercommitNever
)

func (p Policy) String() string {
	switch p {
	case OvercommitGuess:
		return "guess"
	case OvercommitAlways:
		return "always"
	case OvercommitNever:
		return "never"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy converts the names printed by Policy.String back to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "guess", "heuristic":
		return OvercommitGuess, nil
	case "always":
		return OvercommitAlways, nil
	case "never", "strict":
		return OvercommitNever, nil
	}
	return 0, errors.Newf("account: unknown overcommit policy %q", s)
}

// Estimator is the physical memory collaborator.
type Estimator interface {
	// FreePages returns an estimate of the pages that could still back new
	// memory: free pages plus reclaimable cache plus free swap.
	FreePages() uint64
}

// StaticEstimator reports a fixed number of free pages.
type StaticEstimator uint64

// FreePages implements Estimator.
func (s StaticEstimator) FreePages() uint64 { return uint64(s) }

// Ledger tracks committed pages across every address space sharing it.
type Ledger struct {
	mu        sync.Mutex
	policy    Policy
	est       Estimator
	committed uint64
}

// NewLedger returns a ledger with the given policy. est may be nil only for
// OvercommitAlways.
func NewLedger(policy Policy, est Estimator) *Ledger {
	if est == nil {
		est = StaticEstimator(^uint64(0))
	}
	return &Ledger{policy: policy, est: est}
}

// Policy returns the ledger's policy.
func (l *Ledger) Policy() Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policy
}

// SetPolicy changes the policy. Existing commitments are kept.
func (l *Ledger) SetPolicy(p Policy) {
	l.mu.Lock()
	l.policy = p
	l.mu.Unlock()
}

// CanAfford reports whether pages more could be committed now.
func (l *Ledger) CanAfford(pages uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canAffordLocked(pages)
}

func (l *Ledger) canAffordLocked(pages uint64) bool {
	switch l.policy {
	case OvercommitAlways:
		return true
	case OvercommitNever:
		total := l.committed + pages
		return total >= l.committed && total < l.est.FreePages()
	default:
		return pages < l.est.FreePages()
	}
}

// Charge commits pages if the policy allows it.
func (l *Ledger) Charge(pages uint64) error {
	return l.Exchange(pages, 0)
}

// Exchange releases release pages and commits add pages in one step. The
// policy is consulted only for the net increase; on failure nothing changes.
func (l *Ledger) Exchange(add, release uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if add > release && !l.canAffordLocked(add-release) {
		return ErrOvercommit
	}
	l.committed = sub(l.committed+add, release)
	return nil
}

// Undo reverses a successful Exchange(add, release).
func (l *Ledger) Undo(add, release uint64) {
	l.mu.Lock()
	l.committed = sub(l.committed+release, add)
	l.mu.Unlock()
}

// Uncharge releases pages previously charged.
func (l *Ledger) Uncharge(pages uint64) {
	l.mu.Lock()
	if pages > l.committed {
		pages = l.committed
	}
	l.committed -= pages
	l.mu.Unlock()
}

// Committed returns the number of pages currently charged.
func (l *Ledger) Committed() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}
