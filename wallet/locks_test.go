package wallet_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/wallet"
)

type recordingLocker struct {
	locked []wallet.AccountID
	failOn wallet.AccountID
}

func (r *recordingLocker) LockAccount(_ context.Context, id wallet.AccountID) error {
	if id == r.failOn {
		return errors.New("lock timeout")
	}
	r.locked = append(r.locked, id)
	return nil
}

func TestLockPair_OrderIndependentOfRoles(t *testing.T) {
	// GIVEN: top-up passes (treasury, user), spend passes (user, treasury)
	// WHEN: both lock the same pair
	// THEN: both acquire in the same ascending order
	topUp := &recordingLocker{}
	spend := &recordingLocker{}

	require.NoError(t, wallet.LockPair(context.Background(), topUp, "b-treasury", "a-user"))
	require.NoError(t, wallet.LockPair(context.Background(), spend, "a-user", "b-treasury"))

	assert.Equal(t, []wallet.AccountID{"a-user", "b-treasury"}, topUp.locked)
	assert.Equal(t, topUp.locked, spend.locked)
}

func TestLockPair_IdenticalIDsLockedOnce(t *testing.T) {
	l := &recordingLocker{}
	require.NoError(t, wallet.LockPair(context.Background(), l, "acc", "acc"))
	assert.Equal(t, []wallet.AccountID{"acc"}, l.locked)
}

func TestLockPair_StopsOnFirstFailure(t *testing.T) {
	l := &recordingLocker{failOn: "a"}
	err := wallet.LockPair(context.Background(), l, "b", "a")

	require.Error(t, err)
	assert.Empty(t, l.locked)
	assert.Equal(t, wallet.KindStoreFailure, wallet.KindOf(err))
}
