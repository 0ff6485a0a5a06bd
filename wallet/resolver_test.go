package wallet_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/wallet"
)

type mapFinder map[wallet.OwnerID]*wallet.Account

func (f mapFinder) FindAccount(_ context.Context, owner wallet.OwnerID, _ wallet.AssetTypeID) (*wallet.Account, error) {
	return f[owner], nil
}

type failingFinder struct{}

func (failingFinder) FindAccount(context.Context, wallet.OwnerID, wallet.AssetTypeID) (*wallet.Account, error) {
	return nil, errors.New("connection refused")
}

var (
	aliceGold    = &wallet.Account{ID: "acc-alice-gld", OwnerID: "user-alice", OwnerType: wallet.OwnerUser, AssetTypeID: "gld"}
	treasuryGold = &wallet.Account{ID: "acc-treasury-gld", OwnerID: wallet.TreasuryOwnerID, OwnerType: wallet.OwnerSystem, AssetTypeID: "gld"}
)

func TestResolveAccounts_ReturnsBothSides(t *testing.T) {
	f := mapFinder{"user-alice": aliceGold, wallet.TreasuryOwnerID: treasuryGold}

	user, treasury, err := wallet.ResolveAccounts(context.Background(), f, "user-alice", "gld")

	require.NoError(t, err)
	assert.Equal(t, aliceGold.ID, user.ID)
	assert.Equal(t, treasuryGold.ID, treasury.ID)
}

func TestResolveAccounts_MissingUser(t *testing.T) {
	f := mapFinder{wallet.TreasuryOwnerID: treasuryGold}

	_, _, err := wallet.ResolveAccounts(context.Background(), f, "user-zed", "gld")

	var notFound *wallet.AccountNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, wallet.SideUser, notFound.Side)
	assert.Equal(t, wallet.OwnerID("user-zed"), notFound.OwnerID)
}

func TestResolveAccounts_MissingTreasury(t *testing.T) {
	f := mapFinder{"user-alice": aliceGold}

	_, _, err := wallet.ResolveAccounts(context.Background(), f, "user-alice", "gld")

	var notFound *wallet.AccountNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, wallet.SideTreasury, notFound.Side)
}

func TestResolveAccounts_TreasuryCannotActAsUser(t *testing.T) {
	f := mapFinder{wallet.TreasuryOwnerID: treasuryGold}

	_, _, err := wallet.ResolveAccounts(context.Background(), f, wallet.TreasuryOwnerID, "gld")

	var notFound *wallet.AccountNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, wallet.SideUser, notFound.Side)
}

func TestResolveAccounts_StoreFailurePropagates(t *testing.T) {
	_, _, err := wallet.ResolveAccounts(context.Background(), failingFinder{}, "user-alice", "gld")

	require.Error(t, err)
	assert.Equal(t, wallet.KindStoreFailure, wallet.KindOf(err))
}
