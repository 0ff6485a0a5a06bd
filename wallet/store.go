/*
store.go - Unit-of-work interfaces the engine runs against

PURPOSE:
  Defines the boundary between the ledger engine and the relational store.
  Each helper of the engine depends only on the narrow capability it uses
  (find, lock, insert, aggregate), so helpers can be tested with a fake
  handle and the orchestration stays independent of the database.

KEY INTERFACES:
  Tx:           Handle valid only inside Store.WithTx (find, lock, insert, sum)
  Store:        Unit-of-work execution plus the lock-free read side
  Provisioner:  Reference data upserts (asset types, accounts)
  TotalsReader: Per-asset balance sums for the conservation audit

APPEND-ONLY CONTRACT:
  EntryWriter.InsertEntry is the only write path for ledger entries.
  No Update() or Delete() methods exist.

IMPLEMENTATIONS:
  - wallet/store/memory.go: in-memory, for tests
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL with SELECT ... FOR UPDATE

SEE ALSO:
  - service.go: the only caller of WithTx
*/
package wallet

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// UNIT-OF-WORK CAPABILITIES
// =============================================================================

// AccountFinder returns (nil, nil) when no account matches.
type AccountFinder interface {
	FindAccount(ctx context.Context, ownerID OwnerID, assetTypeID AssetTypeID) (*Account, error)
}

// AccountLocker takes an exclusive lock on an account row, held until the
// enclosing unit of work ends.
type AccountLocker interface {
	LockAccount(ctx context.Context, id AccountID) error
}

// EntryFinder returns (nil, nil) when no entry carries the key.
type EntryFinder interface {
	FindEntryByKey(ctx context.Context, idempotencyKey string) (*LedgerEntry, error)
}

// EntryWriter appends an entry and assigns its Sequence. A violation of the
// idempotency key uniqueness constraint is reported as ErrDuplicateTransaction.
type EntryWriter interface {
	InsertEntry(ctx context.Context, entry *LedgerEntry) error
}

// BalanceReader computes Σ credits - Σ debits for an account.
type BalanceReader interface {
	Balance(ctx context.Context, id AccountID) (decimal.Decimal, error)
}

// Tx is the handle passed into Store.WithTx.
type Tx interface {
	AccountFinder
	AccountLocker
	EntryFinder
	EntryWriter
	BalanceReader
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// WithTx executes fn within one atomic, isolated unit of work.
	// If fn returns error, the unit of work is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	EntryFinder

	// BalanceAsOf sums entries touching id with Sequence <= seq.
	BalanceAsOf(ctx context.Context, id AccountID, seq int64) (decimal.Decimal, error)

	// Balances returns every USER account of ownerID with its derived balance.
	Balances(ctx context.Context, ownerID OwnerID) ([]AssetBalance, error)

	// AccountsByOwner returns the USER accounts of ownerID.
	AccountsByOwner(ctx context.Context, ownerID OwnerID) ([]Account, error)

	// History returns entries where any of ids is debit or credit side,
	// newest first.
	History(ctx context.Context, ids []AccountID, limit, offset int) ([]HistoryItem, error)

	ListAccounts(ctx context.Context) ([]Account, error)
}

// Provisioner writes reference data. Both methods are idempotent upserts.
type Provisioner interface {
	SaveAssetType(ctx context.Context, asset AssetType) error
	SaveAccount(ctx context.Context, account Account) error
}

// TotalsReader sums balances per asset from one consistent view of the
// ledger. Used by the conservation audit.
type TotalsReader interface {
	AssetTotals(ctx context.Context) ([]AssetTotal, error)
}
