/*
Package wallet provides the double-entry ledger transaction engine.

PURPOSE:
  Records movements of fungible assets (coins, points, diamonds) between a
  per-asset treasury account and per-user accounts. Balances are exact,
  never negative for users, idempotent under retries and safe under
  concurrent callers.

KEY CONCEPTS IN THIS FILE (types.go):
  - AssetType: a fungible unit kind ("Gold Coins", GLD)
  - Account: ownership of a balance in exactly one asset
  - LedgerEntry: one immutable movement from a debit to a credit account
  - AssetBalance / HistoryItem: read-side projections

DESIGN PRINCIPLES:
  1. Append-only: entries are inserted, never updated or deleted
  2. Derived balances: Σ credits - Σ debits, computed on demand
  3. Precision: amounts are decimal.Decimal, never float
  4. One writer: only Service inserts ledger entries

SEE ALSO:
  - money.go: validated positive amounts
  - store.go: unit-of-work interfaces the engine runs against
  - service.go: TopUp, IssueBonus, Spend
*/
package wallet

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type AssetTypeID string
type OwnerID string
type EntryID string

// TreasuryOwnerID owns the SYSTEM account of every asset type.
const TreasuryOwnerID OwnerID = "system-treasury"

// =============================================================================
// REFERENCE DATA - Provisioned outside the engine, read-only here
// =============================================================================

type OwnerType string

const (
	OwnerUser   OwnerType = "USER"
	OwnerSystem OwnerType = "SYSTEM"
)

// AssetType is immutable after creation. Name is unique.
type AssetType struct {
	ID     AssetTypeID
	Name   string
	Symbol string
}

// Account holds a balance in one asset. There is exactly one account per
// (OwnerID, AssetTypeID) and one SYSTEM account per asset type.
type Account struct {
	ID          AccountID
	OwnerID     OwnerID
	OwnerType   OwnerType
	AssetTypeID AssetTypeID
}

func (a Account) IsTreasury() bool { return a.OwnerType == OwnerSystem }

// =============================================================================
// LEDGER ENTRY - Atomic, irreversible value movement
// =============================================================================

type EntryType string

const (
	EntryTopUp EntryType = "TOPUP" // treasury -> user
	EntryBonus EntryType = "BONUS" // treasury -> user
	EntrySpend EntryType = "SPEND" // user -> treasury
)

// LedgerEntry moves Amount from DebitAccountID to CreditAccountID.
//
// INVARIANTS:
//   - DebitAccountID != CreditAccountID
//   - Amount > 0
//   - IdempotencyKey is unique across the whole ledger
//
// Sequence is assigned by the store on insert and grows monotonically.
type LedgerEntry struct {
	ID              EntryID
	Sequence        int64
	DebitAccountID  AccountID
	CreditAccountID AccountID
	Amount          decimal.Decimal
	Type            EntryType
	IdempotencyKey  string
	ReferenceID     string
	Note            string
	Metadata        map[string]any
	CreatedAt       time.Time
}

// UserAccountID returns the non-treasury side of the entry.
func (e LedgerEntry) UserAccountID() AccountID {
	if e.Type == EntrySpend {
		return e.DebitAccountID
	}
	return e.CreditAccountID
}

// Validate checks the structural invariants of an entry before it is written.
func (e LedgerEntry) Validate() error {
	if e.DebitAccountID == e.CreditAccountID {
		return fmt.Errorf("%w: debit and credit account are both %s", ErrInvalidEntry, e.DebitAccountID)
	}
	if !e.Amount.IsPositive() {
		return &InvalidAmountError{Reason: "must be greater than zero"}
	}
	return nil
}

// =============================================================================
// READ-SIDE PROJECTIONS
// =============================================================================

// AssetBalance is a user account's derived balance joined with its asset.
type AssetBalance struct {
	AccountID   AccountID
	AssetTypeID AssetTypeID
	AssetName   string
	Symbol      string
	Balance     decimal.Decimal
}

// HistoryItem is an entry together with the asset it moved.
type HistoryItem struct {
	Entry LedgerEntry
	Asset AssetType
}

// AssetTotal is the sum of every account balance of one asset, treasury
// included. Double entry keeps it at zero.
type AssetTotal struct {
	AssetTypeID AssetTypeID
	Symbol      string
	Total       decimal.Decimal
}
