package wallet

import (
	"context"
	"fmt"
)

// ResolveAccounts finds the user's account for the asset and the asset's
// treasury account. It fails closed, naming the missing side.
func ResolveAccounts(ctx context.Context, f AccountFinder, userID OwnerID, assetTypeID AssetTypeID) (user, treasury *Account, err error) {
	user, err = f.FindAccount(ctx, userID, assetTypeID)
	if err != nil {
		return nil, nil, fmt.Errorf("find user account: %w", err)
	}
	if user == nil || user.IsTreasury() {
		return nil, nil, &AccountNotFoundError{OwnerID: userID, AssetTypeID: assetTypeID, Side: SideUser}
	}

	treasury, err = f.FindAccount(ctx, TreasuryOwnerID, assetTypeID)
	if err != nil {
		return nil, nil, fmt.Errorf("find treasury account: %w", err)
	}
	if treasury == nil || !treasury.IsTreasury() {
		// A provisioning bug rather than a caller mistake.
		return nil, nil, &AccountNotFoundError{OwnerID: TreasuryOwnerID, AssetTypeID: assetTypeID, Side: SideTreasury}
	}
	return user, treasury, nil
}
