package wallet

import "context"

// =============================================================================
// READ SIDE - No locking, no unit of work
// =============================================================================

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// ClampPage bounds limit to [1, MaxPageLimit] and offset to >= 0. A zero
// limit means "not given" and becomes DefaultPageLimit.
func ClampPage(limit, offset int) (int, int) {
	switch {
	case limit == 0:
		limit = DefaultPageLimit
	case limit < 1:
		limit = 1
	case limit > MaxPageLimit:
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// GetBalances returns the derived balance of every account the user owns.
// An unknown user has no accounts and gets an empty list.
func (s *Service) GetBalances(ctx context.Context, userID OwnerID) ([]AssetBalance, error) {
	balances, err := s.store.Balances(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balances == nil {
		balances = []AssetBalance{}
	}
	return balances, nil
}

// GetTransactions pages through the entries touching any of the user's
// accounts, newest first.
func (s *Service) GetTransactions(ctx context.Context, userID OwnerID, limit, offset int) ([]HistoryItem, error) {
	accounts, err := s.store.AccountsByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, &AccountNotFoundError{OwnerID: userID, Side: SideOwner}
	}

	ids := make([]AccountID, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	limit, offset = ClampPage(limit, offset)

	items, err := s.store.History(ctx, ids, limit, offset)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []HistoryItem{}
	}
	return items, nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []Account{}
	}
	return accounts, nil
}
