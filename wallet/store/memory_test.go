package store_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/wallet"
	"github.com/warp/wallet-ledger/wallet/store"
)

func provisioned(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveAssetType(ctx, wallet.AssetType{ID: "gld", Name: "Gold Coins", Symbol: "GLD"}))
	require.NoError(t, m.SaveAccount(ctx, wallet.Account{ID: "t", OwnerID: wallet.TreasuryOwnerID, OwnerType: wallet.OwnerSystem, AssetTypeID: "gld"}))
	require.NoError(t, m.SaveAccount(ctx, wallet.Account{ID: "u", OwnerID: "user-1", OwnerType: wallet.OwnerUser, AssetTypeID: "gld"}))
	return m
}

func entry(key string, amount int64) *wallet.LedgerEntry {
	return &wallet.LedgerEntry{
		ID: wallet.EntryID("id-" + key), DebitAccountID: "t", CreditAccountID: "u",
		Amount: decimal.NewFromInt(amount), Type: wallet.EntryTopUp,
		IdempotencyKey: key, CreatedAt: time.Now().UTC(),
	}
}

func TestMemory_InsertAssignsSequenceAndRejectsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	m := provisioned(t)

	var first, dup *wallet.LedgerEntry
	err := m.WithTx(ctx, func(tx wallet.Tx) error {
		first = entry("k1", 10)
		return tx.InsertEntry(ctx, first)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)

	err = m.WithTx(ctx, func(tx wallet.Tx) error {
		dup = entry("k1", 99)
		return tx.InsertEntry(ctx, dup)
	})
	assert.ErrorIs(t, err, wallet.ErrDuplicateTransaction)

	found, err := m.FindEntryByKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found.Amount.Equal(decimal.NewFromInt(10)))
}

func TestMemory_RollbackDiscardsEntries(t *testing.T) {
	// GIVEN: a unit of work that inserts then fails
	// THEN: nothing it wrote is visible and the key is free again
	ctx := context.Background()
	m := provisioned(t)

	err := m.WithTx(ctx, func(tx wallet.Tx) error {
		if err := tx.InsertEntry(ctx, entry("k1", 10)); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	found, err := m.FindEntryByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, found)

	err = m.WithTx(ctx, func(tx wallet.Tx) error {
		e := entry("k1", 10)
		if err := tx.InsertEntry(ctx, e); err != nil {
			return err
		}
		assert.Equal(t, int64(1), e.Sequence)
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_BalanceAsOf(t *testing.T) {
	ctx := context.Background()
	m := provisioned(t)
	for i, amount := range []int64{10, 20, 30} {
		key := string(rune('a' + i))
		require.NoError(t, m.WithTx(ctx, func(tx wallet.Tx) error { return tx.InsertEntry(ctx, entry(key, amount)) }))
	}

	asOf2, err := m.BalanceAsOf(ctx, "u", 2)
	require.NoError(t, err)
	all, err := m.BalanceAsOf(ctx, "u", math.MaxInt64)
	require.NoError(t, err)
	treasury, err := m.BalanceAsOf(ctx, "t", math.MaxInt64)
	require.NoError(t, err)

	assert.True(t, asOf2.Equal(decimal.NewFromInt(30)))
	assert.True(t, all.Equal(decimal.NewFromInt(60)))
	assert.True(t, treasury.Equal(decimal.NewFromInt(-60)))
}

func TestMemory_RejectsMalformedEntry(t *testing.T) {
	ctx := context.Background()
	m := provisioned(t)

	err := m.WithTx(ctx, func(tx wallet.Tx) error {
		e := entry("self", 1)
		e.CreditAccountID = e.DebitAccountID
		return tx.InsertEntry(ctx, e)
	})
	assert.ErrorIs(t, err, wallet.ErrInvalidEntry)
}

func TestMemory_ProvisioningConstraints(t *testing.T) {
	ctx := context.Background()
	m := provisioned(t)

	// upsert of the same account is fine
	assert.NoError(t, m.SaveAccount(ctx, wallet.Account{ID: "u", OwnerID: "user-1", OwnerType: wallet.OwnerUser, AssetTypeID: "gld"}))

	assert.Error(t, m.SaveAccount(ctx, wallet.Account{ID: "u2", OwnerID: "user-1", OwnerType: wallet.OwnerUser, AssetTypeID: "gld"}))
	assert.Error(t, m.SaveAccount(ctx, wallet.Account{ID: "t2", OwnerID: "other-system", OwnerType: wallet.OwnerSystem, AssetTypeID: "gld"}))
	assert.Error(t, m.SaveAccount(ctx, wallet.Account{ID: "x", OwnerID: "user-1", OwnerType: wallet.OwnerUser, AssetTypeID: "missing"}))
	assert.Error(t, m.SaveAssetType(ctx, wallet.AssetType{ID: "other", Name: "Gold Coins", Symbol: "GC2"}))
}

func TestMemory_LockUnknownAccountFails(t *testing.T) {
	ctx := context.Background()
	m := provisioned(t)

	err := m.WithTx(ctx, func(tx wallet.Tx) error { return tx.LockAccount(ctx, "ghost") })

	assert.Error(t, err)
}

func TestMemory_AssetTotals(t *testing.T) {
	// GIVEN: two assets, one with movements
	ctx := context.Background()
	m := provisioned(t)
	require.NoError(t, m.SaveAssetType(ctx, wallet.AssetType{ID: "dmd", Name: "Diamonds", Symbol: "DMD"}))
	require.NoError(t, m.WithTx(ctx, func(tx wallet.Tx) error {
		return tx.InsertEntry(ctx, entry("k1", 40))
	}))

	// WHEN
	totals, err := m.AssetTotals(ctx)

	// THEN: both assets are listed by symbol and sum to zero
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, "DMD", totals[0].Symbol)
	assert.Equal(t, "GLD", totals[1].Symbol)
	for _, total := range totals {
		assert.True(t, total.Total.IsZero())
	}
}
