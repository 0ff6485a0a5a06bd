// Package store provides an in-memory wallet.Store for tests and local runs.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/wallet"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serialises every unit of work behind one mutex, which is a
// coarser version of the per-account row locks a SQL store takes.
type Memory struct {
	mu       sync.RWMutex
	assets   map[wallet.AssetTypeID]wallet.AssetType
	accounts map[wallet.AccountID]wallet.Account
	byOwner  map[ownerAsset]wallet.AccountID
	entries  []wallet.LedgerEntry
	byKey    map[string]int // idempotency key -> index in entries
	seq      int64
}

type ownerAsset struct {
	OwnerID     wallet.OwnerID
	AssetTypeID wallet.AssetTypeID
}

var (
	_ wallet.Store        = (*Memory)(nil)
	_ wallet.Provisioner  = (*Memory)(nil)
	_ wallet.TotalsReader = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		assets:   make(map[wallet.AssetTypeID]wallet.AssetType),
		accounts: make(map[wallet.AccountID]wallet.Account),
		byOwner:  make(map[ownerAsset]wallet.AccountID),
		byKey:    make(map[string]int),
	}
}

// =============================================================================
// PROVISIONING
// =============================================================================

func (m *Memory) SaveAssetType(_ context.Context, asset wallet.AssetType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.assets {
		if id != asset.ID && existing.Name == asset.Name {
			return fmt.Errorf("asset type name %q already used by %s", asset.Name, id)
		}
	}
	m.assets[asset.ID] = asset
	return nil
}

func (m *Memory) SaveAccount(_ context.Context, account wallet.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assets[account.AssetTypeID]; !ok {
		return fmt.Errorf("asset type %s does not exist", account.AssetTypeID)
	}
	k := ownerAsset{OwnerID: account.OwnerID, AssetTypeID: account.AssetTypeID}
	if id, ok := m.byOwner[k]; ok && id != account.ID {
		return fmt.Errorf("owner %s already has account %s for asset %s", account.OwnerID, id, account.AssetTypeID)
	}
	if account.IsTreasury() {
		for id, a := range m.accounts {
			if id != account.ID && a.IsTreasury() && a.AssetTypeID == account.AssetTypeID {
				return fmt.Errorf("asset %s already has treasury account %s", account.AssetTypeID, id)
			}
		}
	}
	m.accounts[account.ID] = account
	m.byOwner[k] = account.ID
	return nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx executes fn with the store locked. Entries inserted by fn are
// discarded if it returns an error.
func (m *Memory) WithTx(ctx context.Context, fn func(wallet.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	mark := len(m.entries)
	seq := m.seq

	if err := fn(&memoryTx{m: m}); err != nil {
		m.rollback(mark, seq)
		return err
	}
	if err := ctx.Err(); err != nil {
		m.rollback(mark, seq)
		return err
	}
	return nil
}

func (m *Memory) rollback(mark int, seq int64) {
	for _, e := range m.entries[mark:] {
		delete(m.byKey, e.IdempotencyKey)
	}
	m.entries = m.entries[:mark]
	m.seq = seq
}

type memoryTx struct {
	m *Memory
}

func (t *memoryTx) FindAccount(_ context.Context, ownerID wallet.OwnerID, assetTypeID wallet.AssetTypeID) (*wallet.Account, error) {
	return t.m.findAccountLocked(ownerID, assetTypeID), nil
}

func (t *memoryTx) LockAccount(ctx context.Context, id wallet.AccountID) error {
	if _, ok := t.m.accounts[id]; !ok {
		return fmt.Errorf("lock account %s: no such account", id)
	}
	return ctx.Err()
}

func (t *memoryTx) FindEntryByKey(_ context.Context, key string) (*wallet.LedgerEntry, error) {
	return t.m.findEntryLocked(key), nil
}

func (t *memoryTx) InsertEntry(_ context.Context, entry *wallet.LedgerEntry) error {
	m := t.m
	if _, ok := m.byKey[entry.IdempotencyKey]; ok {
		return wallet.ErrDuplicateTransaction
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	m.seq++
	entry.Sequence = m.seq
	m.byKey[entry.IdempotencyKey] = len(m.entries)
	m.entries = append(m.entries, *entry)
	return nil
}

func (t *memoryTx) Balance(_ context.Context, id wallet.AccountID) (decimal.Decimal, error) {
	return wallet.SumBalance(id, t.m.entries), nil
}

// =============================================================================
// READ SIDE
// =============================================================================

func (m *Memory) FindEntryByKey(_ context.Context, key string) (*wallet.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findEntryLocked(key), nil
}

func (m *Memory) BalanceAsOf(_ context.Context, id wallet.AccountID, seq int64) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// entries are kept in sequence order
	n := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Sequence > seq })
	return wallet.SumBalance(id, m.entries[:n]), nil
}

func (m *Memory) Balances(_ context.Context, ownerID wallet.OwnerID) ([]wallet.AssetBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []wallet.AssetBalance
	for _, a := range m.ownedLocked(ownerID) {
		asset := m.assets[a.AssetTypeID]
		result = append(result, wallet.AssetBalance{
			AccountID:   a.ID,
			AssetTypeID: a.AssetTypeID,
			AssetName:   asset.Name,
			Symbol:      asset.Symbol,
			Balance:     wallet.SumBalance(a.ID, m.entries),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AssetName < result[j].AssetName })
	return result, nil
}

func (m *Memory) AccountsByOwner(_ context.Context, ownerID wallet.OwnerID) ([]wallet.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ownedLocked(ownerID), nil
}

func (m *Memory) History(_ context.Context, ids []wallet.AccountID, limit, offset int) ([]wallet.HistoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[wallet.AccountID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var result []wallet.HistoryItem
	skipped := 0
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if !want[e.DebitAccountID] && !want[e.CreditAccountID] {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		asset := m.assets[m.accounts[e.CreditAccountID].AssetTypeID]
		result = append(result, wallet.HistoryItem{Entry: e, Asset: asset})
	}
	return result, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]wallet.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]wallet.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// HELPERS - caller holds m.mu
// =============================================================================

func (m *Memory) findAccountLocked(ownerID wallet.OwnerID, assetTypeID wallet.AssetTypeID) *wallet.Account {
	id, ok := m.byOwner[ownerAsset{OwnerID: ownerID, AssetTypeID: assetTypeID}]
	if !ok {
		return nil
	}
	a := m.accounts[id]
	return &a
}

func (m *Memory) findEntryLocked(key string) *wallet.LedgerEntry {
	i, ok := m.byKey[key]
	if !ok {
		return nil
	}
	e := m.entries[i]
	return &e
}

func (m *Memory) ownedLocked(ownerID wallet.OwnerID) []wallet.Account {
	var result []wallet.Account
	for _, a := range m.accounts {
		if a.OwnerID == ownerID && a.OwnerType == wallet.OwnerUser {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// AssetTotals sums every entry into the asset of each side. Assets without
// entries report zero.
func (m *Memory) AssetTotals(_ context.Context) ([]wallet.AssetTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[wallet.AssetTypeID]decimal.Decimal, len(m.assets))
	for id := range m.assets {
		totals[id] = decimal.Zero
	}
	for _, e := range m.entries {
		credit := m.accounts[e.CreditAccountID].AssetTypeID
		debit := m.accounts[e.DebitAccountID].AssetTypeID
		totals[credit] = totals[credit].Add(e.Amount)
		totals[debit] = totals[debit].Sub(e.Amount)
	}

	result := make([]wallet.AssetTotal, 0, len(totals))
	for id, total := range totals {
		result = append(result, wallet.AssetTotal{AssetTypeID: id, Symbol: m.assets[id].Symbol, Total: total})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}
