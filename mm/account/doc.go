// Package account implements address space accounting: the system-wide
// overcommit ledger, per-space usage counters and resource limits.
//
// # Overcommit
//
// A Ledger tracks how many pages of private writable memory have been
// promised across every address space that shares it. Before such a mapping
// is created the engine asks the ledger to Charge the pages; the answer
// depends on the Policy:
//
//	OvercommitGuess   the request alone must fit in the free estimate
//	OvercommitAlways  every request succeeds
//	OvercommitNever   committed + request must stay below the free estimate
//
// The free estimate comes from an Estimator, the physical memory
// collaborator. The ledger is advisory: it refuses new commitments but never
// revokes existing ones.
//
// # Limits
//
// Limits hold the per-space ceilings on mapped bytes, locked bytes and heap
// size. Limits.Check compares a Usage plus a Delta against them.
//
// # Thread Safety
//
// Ledger is safe for concurrent use. Usage and Limits are plain values owned
// by the address space that holds them.
package account
