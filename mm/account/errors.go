package account

import "github.com/cockroachdb/errors"

var (
	// ErrAddressSpaceLimit indicates the mapped byte limit would be exceeded.
	ErrAddressSpaceLimit = errors.New("account: address space limit exceeded")

	// ErrLockedLimit indicates the locked byte limit would be exceeded.
	ErrLockedLimit = errors.New("account: locked memory limit exceeded")

	// ErrDataLimit indicates the heap size limit would be exceeded.
	ErrDataLimit = errors.New("account: data limit exceeded")

	// ErrOvercommit indicates the ledger refused a commitment.
	ErrOvercommit = errors.New("account: not enough memory to commit")
)
