// Package seed provisions the demo asset types, accounts and opening
// balances. Seeding twice is safe: provisioning is an upsert and opening
// balances are TOPUP entries under fixed idempotency keys, so a second run
// is answered as a replay.
package seed

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/warp/wallet-ledger/wallet"
)

const (
	GoldID    wallet.AssetTypeID = "00000000-0000-4000-a000-000000000001"
	DiamondID wallet.AssetTypeID = "00000000-0000-4000-a000-000000000002"
	LoyaltyID wallet.AssetTypeID = "00000000-0000-4000-a000-000000000003"
)

var Assets = []wallet.AssetType{
	{ID: GoldID, Name: "Gold Coins", Symbol: "GLD"},
	{ID: DiamondID, Name: "Diamonds", Symbol: "DMD"},
	{ID: LoyaltyID, Name: "Loyalty Points", Symbol: "LPT"},
}

type OpeningBalance struct {
	AssetTypeID wallet.AssetTypeID
	Amount      float64
}

type User struct {
	ID       wallet.OwnerID
	Balances []OpeningBalance
}

var Users = []User{
	{
		ID: "user-alice",
		Balances: []OpeningBalance{
			{AssetTypeID: GoldID, Amount: 1000},
			{AssetTypeID: DiamondID, Amount: 50},
			{AssetTypeID: LoyaltyID, Amount: 500},
		},
	},
	{
		ID: "user-bob",
		Balances: []OpeningBalance{
			{AssetTypeID: GoldID, Amount: 750},
			{AssetTypeID: DiamondID, Amount: 30},
			{AssetTypeID: LoyaltyID, Amount: 300},
		},
	},
}

var accountNamespace = uuid.MustParse("6f1c2b8e-4d3a-5e7f-9a0b-1c2d3e4f5a6b")

// AccountID derives a stable account id from owner and asset.
func AccountID(owner wallet.OwnerID, asset wallet.AssetTypeID) wallet.AccountID {
	name := string(owner) + "/" + string(asset)
	return wallet.AccountID(uuid.NewSHA1(accountNamespace, []byte(name)).String())
}

// Demo provisions Assets, one treasury account per asset, one account per
// user and asset, and funds each user through svc.
func Demo(ctx context.Context, prov wallet.Provisioner, svc *wallet.Service) error {
	symbols := make(map[wallet.AssetTypeID]string, len(Assets))
	for _, asset := range Assets {
		if err := prov.SaveAssetType(ctx, asset); err != nil {
			return fmt.Errorf("seed asset %s: %w", asset.Symbol, err)
		}
		symbols[asset.ID] = asset.Symbol

		treasury := wallet.Account{
			ID:          AccountID(wallet.TreasuryOwnerID, asset.ID),
			OwnerID:     wallet.TreasuryOwnerID,
			OwnerType:   wallet.OwnerSystem,
			AssetTypeID: asset.ID,
		}
		if err := prov.SaveAccount(ctx, treasury); err != nil {
			return fmt.Errorf("seed treasury %s: %w", asset.Symbol, err)
		}
	}

	for _, u := range Users {
		for _, ob := range u.Balances {
			account := wallet.Account{
				ID:          AccountID(u.ID, ob.AssetTypeID),
				OwnerID:     u.ID,
				OwnerType:   wallet.OwnerUser,
				AssetTypeID: ob.AssetTypeID,
			}
			if err := prov.SaveAccount(ctx, account); err != nil {
				return fmt.Errorf("seed account %s/%s: %w", u.ID, symbols[ob.AssetTypeID], err)
			}

			_, err := svc.TopUp(ctx, wallet.Params{
				UserID:         u.ID,
				AssetTypeID:    ob.AssetTypeID,
				Amount:         ob.Amount,
				IdempotencyKey: OpeningKey(u.ID, symbols[ob.AssetTypeID]),
				Note:           "Initial balance",
			})
			if err != nil {
				return fmt.Errorf("seed opening balance %s/%s: %w", u.ID, symbols[ob.AssetTypeID], err)
			}
		}
	}
	return nil
}

func OpeningKey(user wallet.OwnerID, symbol string) string {
	return fmt.Sprintf("seed-%s-%s-initial", user, symbol)
}
