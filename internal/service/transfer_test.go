package service

import (
	"context"
	"testing"
	"time"

	"nexus/internal/apperr"
	"nexus/internal/hangout"
	"nexus/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestTransferOwnership_Immediate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c, m := f.user(t, "a"), f.user(t, "b"), f.user(t, "c"), f.user(t, "m")
	hid := f.hangout(t, a, 3)
	f.coAdmin(t, hid, a, b)
	f.coAdmin(t, hid, a, c)
	f.join(t, hid, m)

	requireCode(t, f.hangouts.TransferOwnership(ctx, hid, b, c), apperr.CodePermissionDenied)
	requireCode(t, f.hangouts.TransferOwnership(ctx, hid, a, m), apperr.CodeValidation)
	requireCode(t, f.hangouts.TransferOwnership(ctx, hid, a, a), apperr.CodeValidation)

	require.NoError(t, f.hangouts.TransferOwnership(ctx, hid, a, b))
	assert.Equal(t, hangout.RoleCoAdmin, f.role(t, hid, a))
	assert.Equal(t, hangout.RoleAdmin, f.role(t, hid, b))
	assert.Equal(t, hangout.RoleCoAdmin, f.role(t, hid, c))
	assert.Equal(t, b, f.requireSingleAdmin(t, hid))

	// the former admin lost every admin-only right
	requireCode(t, f.hangouts.TransferOwnership(ctx, hid, a, c), apperr.CodePermissionDenied)
	requireCode(t, f.hangouts.BanUser(ctx, hid, a, m, 1, ""), apperr.CodePermissionDenied)
}

func TestSwapAdmin_StaleExpectedAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c := f.user(t, "a"), f.user(t, "b"), f.user(t, "c")
	hid := f.hangout(t, a, 3)
	f.coAdmin(t, hid, a, b)
	f.coAdmin(t, hid, a, c)
	require.NoError(t, f.hangouts.TransferOwnership(ctx, hid, a, b))

	// a second writer that still believes a is admin must lose the compare-and-swap
	err := f.db.Transaction(func(tx *gorm.DB) error {
		return swapAdmin(tx, hid, a, c, f.clock)
	})
	assert.ErrorIs(t, err, ErrConcurrentChange)
	assert.Equal(t, b, f.requireSingleAdmin(t, hid))
	assert.Equal(t, hangout.RoleCoAdmin, f.role(t, hid, c))
}

func TestInitiateAndAcceptTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sched := &fakeScheduler{}
	f.hangouts.SetTransferScheduler(sched)
	a, b, m := f.user(t, "a"), f.user(t, "b"), f.user(t, "m")
	hid := f.hangout(t, a, 3)
	f.join(t, hid, m)

	_, err := f.hangouts.InitiateOwnershipTransfer(ctx, hid, a)
	requireCode(t, err, apperr.CodeValidation)

	f.coAdmin(t, hid, a, b)
	_, err = f.hangouts.InitiateOwnershipTransfer(ctx, hid, b)
	requireCode(t, err, apperr.CodePermissionDenied)

	st, err := f.hangouts.InitiateOwnershipTransfer(ctx, hid, a)
	require.NoError(t, err)
	assert.True(t, st.ExpiresAt.Equal(f.clock.Add(48*time.Hour)))
	require.Len(t, sched.calls, 1)
	assert.Equal(t, hid, sched.calls[0].hangoutID)
	assert.True(t, sched.calls[0].at.Equal(st.ExpiresAt))

	_, err = f.hangouts.InitiateOwnershipTransfer(ctx, hid, a)
	requireCode(t, err, apperr.CodeConflict)

	pending, err := f.hangouts.PendingTransfer(ctx, hid)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, a, pending.InitiatedBy)

	requireCode(t, f.hangouts.AcceptOwnershipTransfer(ctx, hid, m), apperr.CodePermissionDenied)

	f.advance(47 * time.Hour)
	require.NoError(t, f.hangouts.AcceptOwnershipTransfer(ctx, hid, b))
	assert.Equal(t, b, f.requireSingleAdmin(t, hid))
	assert.Equal(t, hangout.RoleCoAdmin, f.role(t, hid, a))

	pending, err = f.hangouts.PendingTransfer(ctx, hid)
	require.NoError(t, err)
	assert.Nil(t, pending)
	requireCode(t, f.hangouts.AcceptOwnershipTransfer(ctx, hid, a), apperr.CodeValidation)
}

func TestAcceptTransfer_AfterWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.user(t, "a"), f.user(t, "b")
	hid := f.hangout(t, a, 3)
	f.coAdmin(t, hid, a, b)

	_, err := f.hangouts.InitiateOwnershipTransfer(ctx, hid, a)
	require.NoError(t, err)
	f.advance(49 * time.Hour)
	requireCode(t, f.hangouts.AcceptOwnershipTransfer(ctx, hid, b), apperr.CodeValidation)
	assert.Equal(t, a, f.requireSingleAdmin(t, hid))
}

func TestCancelTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.user(t, "a"), f.user(t, "b")
	hid := f.hangout(t, a, 3)
	f.coAdmin(t, hid, a, b)

	requireCode(t, f.hangouts.CancelOwnershipTransfer(ctx, hid, a), apperr.CodeValidation)
	_, err := f.hangouts.InitiateOwnershipTransfer(ctx, hid, a)
	require.NoError(t, err)
	requireCode(t, f.hangouts.CancelOwnershipTransfer(ctx, hid, b), apperr.CodePermissionDenied)
	require.NoError(t, f.hangouts.CancelOwnershipTransfer(ctx, hid, a))

	f.advance(72 * time.Hour)
	n, err := f.hangouts.ExpireDueTransfers(ctx, f.clock)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, a, f.requireSingleAdmin(t, hid))
}

func TestExpireDueTransfers_PicksMostActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c, d := f.user(t, "a"), f.user(t, "b"), f.user(t, "c"), f.user(t, "d")
	hid := f.hangout(t, a, 3)
	f.coAdmin(t, hid, a, b)
	f.coAdmin(t, hid, a, c)
	f.coAdmin(t, hid, a, d)

	_, err := f.hangouts.InitiateOwnershipTransfer(ctx, hid, a)
	require.NoError(t, err)

	// not due yet
	n, err := f.hangouts.ExpireDueTransfers(ctx, f.clock.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	f.advance(49 * time.Hour)
	setActive := func(user uint, at time.Time) {
		require.NoError(t, f.db.Model(&models.Member{}).
			Where("hangout_id = ? AND user_id = ? AND left_at IS NULL", hid, user).
			Update("last_active_at", at).Error)
	}
	setActive(b, f.clock.Add(-5*24*time.Hour))
	setActive(c, f.clock.Add(-30*time.Minute))
	setActive(d, f.clock.Add(-10*time.Minute))
	// d is the most recent but banned, so c wins
	require.NoError(t, f.hangouts.BanUser(ctx, hid, a, d, 24, ""))

	n, err = f.hangouts.ExpireDueTransfers(ctx, f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, c, f.requireSingleAdmin(t, hid))
	assert.Equal(t, hangout.RoleCoAdmin, f.role(t, hid, a))

	// already handled
	ok, err := f.hangouts.ExpireTransfer(ctx, hid, f.clock)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpireTransfer_NoCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.user(t, "a"), f.user(t, "b")
	hid := f.hangout(t, a, 3)
	f.coAdmin(t, hid, a, b)

	_, err := f.hangouts.InitiateOwnershipTransfer(ctx, hid, a)
	require.NoError(t, err)
	require.NoError(t, f.hangouts.RemoveMember(ctx, hid, a, b))

	f.advance(49 * time.Hour)
	ok, err := f.hangouts.ExpireTransfer(ctx, hid, f.clock)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, a, f.requireSingleAdmin(t, hid))

	pending, err := f.hangouts.PendingTransfer(ctx, hid)
	require.NoError(t, err)
	assert.Nil(t, pending, "transfer is cleared when nobody can take over")
}
