package mm_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/vmkit/mm"
	"github.com/joshuapare/vmkit/mm/account"
	"github.com/joshuapare/vmkit/mm/backing"
)

// Test_Errors_Categories checks that every category sentinel, and the cause
// it was attached to, is visible to both the standard library and
// cockroachdb/errors.
func Test_Errors_Categories(t *testing.T) {
	errBacking := errors.New("backing store offline")
	errApply := errors.New("page table full")

	tests := []struct {
		name  string
		class error
		cause error
		run   func(t *testing.T) error
	}{
		{
			name:  "address space limit",
			class: mm.ErrResourceExhausted,
			cause: account.ErrAddressSpaceLimit,
			run: func(t *testing.T) error {
				as, _ := newSpace(t, func(c *mm.Config) {
					c.Limits = &account.Limits{AddressSpace: testPage, Locked: account.Unlimited, Data: account.Unlimited}
				})
				_, err := as.Map(context.Background(), anon(0, 2*testPage, mm.ProtRW, mm.MapPrivate))
				return err
			},
		},
		{
			name:  "overcommit",
			class: mm.ErrResourceExhausted,
			cause: account.ErrOvercommit,
			run: func(t *testing.T) error {
				as, _ := newSpace(t, func(c *mm.Config) {
					c.Ledger = account.NewLedger(account.OvercommitNever, account.StaticEstimator(1))
				})
				_, err := as.Map(context.Background(), anon(0, 2*testPage, mm.ProtRW, mm.MapPrivate))
				return err
			},
		},
		{
			name:  "data limit",
			class: mm.ErrResourceExhausted,
			cause: account.ErrDataLimit,
			run: func(t *testing.T) error {
				as := newHeap(t, func(c *mm.Config) {
					c.Limits = &account.Limits{AddressSpace: account.Unlimited, Locked: account.Unlimited, Data: testPage}
				})
				_, err := as.GrowBreak(context.Background(), heapStart+2*testPage)
				return err
			},
		},
		{
			name:  "deny write",
			class: mm.ErrPermissionDenied,
			cause: backing.ErrTextBusy,
			run: func(t *testing.T) error {
				as, _ := newSpace(t, nil)
				f := backing.NewMemFile("exe", make([]byte, testPage), mm.ProtAll)
				require.NoError(t, f.OpenForWrite())
				_, err := as.Map(context.Background(), mm.MapRequest{
					Length: testPage, Prot: mm.ProtRead, Flags: mm.MapPrivate | mm.MapDenyWrite, Object: f,
				})
				return err
			},
		},
		{
			name:  "backing mmap",
			class: mm.ErrBackingObject,
			cause: errBacking,
			run: func(t *testing.T) error {
				as, _ := newSpace(t, nil)
				f := backing.NewMemFile("lib", make([]byte, testPage), mm.ProtRead)
				f.FailMmap(errBacking)
				_, err := as.Map(context.Background(), mm.MapRequest{
					Length: testPage, Prot: mm.ProtRead, Flags: mm.MapPrivate, Object: f,
				})
				return err
			},
		},
		{
			name:  "translator apply",
			class: mm.ErrFault,
			cause: errApply,
			run: func(t *testing.T) error {
				as, pt := newSpace(t, nil)
				addr := mustMap(t, as, anon(0, testPage, mm.ProtRW, mm.MapPrivate))
				pt.FailApply(errApply)
				return as.HandleFault(context.Background(), addr, true)
			},
		},
		{
			name:  "file fault",
			class: mm.ErrFault,
			cause: backing.ErrBeyondEOF,
			run: func(t *testing.T) error {
				as, _ := newSpace(t, nil)
				f := backing.NewMemFile("short", make([]byte, 10), mm.ProtRead)
				addr := mustMap(t, as, mm.MapRequest{
					Length: 2 * testPage, Prot: mm.ProtRead, Flags: mm.MapPrivate, Object: f,
				})
				return as.HandleFault(context.Background(), addr+testPage, false)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run(t)
			require.Error(t, err)

			assert.True(t, stderrors.Is(err, tt.class), "stdlib errors.Is %v: %+v", tt.class, err)
			assert.True(t, stderrors.Is(err, tt.cause), "stdlib errors.Is %v: %+v", tt.cause, err)
			assert.True(t, errors.Is(err, tt.class), "errors.Is %v: %+v", tt.class, err)
			assert.True(t, errors.Is(err, tt.cause), "errors.Is %v: %+v", tt.cause, err)
			assert.False(t, stderrors.Is(err, mm.ErrInvalidArgument))

			var opErr *mm.OpError
			require.True(t, stderrors.As(err, &opErr))
			assert.Contains(t, err.Error(), tt.cause.Error())
		})
	}
}

func Test_Errors_WrappedSentinels(t *testing.T) {
	as, _ := newSpace(t, nil)
	ctx := context.Background()

	_, err := as.Map(ctx, anon(0x20001, testPage, mm.ProtRW, mm.MapFixed|mm.MapPrivate))
	require.ErrorIs(t, err, mm.ErrInvalidArgument)

	_, err = as.Map(ctx, anon(0, 0x200000, mm.ProtRW, mm.MapPrivate))
	require.ErrorIs(t, err, mm.ErrOutOfAddressSpace)

	err = as.HandleFault(ctx, 0x80000, false)
	require.ErrorIs(t, err, mm.ErrFault)
	assert.NotErrorIs(t, err, mm.ErrBackingObject)
}
