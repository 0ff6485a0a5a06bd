/*
errors.go - Closed error taxonomy for the ledger engine

PURPOSE:
  Every failure the engine can report belongs to exactly one Kind. The
  request layer switches on KindOf(err) to pick a transport response, so
  adding a Kind means updating that switch.

ERROR KINDS:
  1. InvalidAmount - amount non-finite, zero or negative (no store access)
  2. AccountNotFound - user or treasury account missing for an asset
  3. InsufficientBalance - spend larger than the locked balance
  4. DuplicateTransaction - idempotency key already committed
  5. StoreFailure - anything else, propagated unmodified

  DuplicateTransaction never reaches callers of Service: it is turned into a
  replayed Result. Store adapters return ErrDuplicateTransaction when the
  idempotency key uniqueness constraint rejects an insert.

SEE ALSO:
  - service.go: converts DuplicateTransaction into a replay
  - api/handlers.go: maps Kind to HTTP status
*/
package wallet

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrAccountNotFound is returned when the user or treasury account for an
	// asset does not exist, or when a user owns no accounts at all.
	ErrAccountNotFound = errors.New("account not found")

	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateTransaction is returned by stores when an insert violates
	// the idempotency key uniqueness constraint.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrInvalidEntry flags a malformed entry that must never be written.
	ErrInvalidEntry = errors.New("invalid ledger entry")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type InvalidAmountError struct {
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount: %s", e.Reason)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// AccountSide names which party of an operation is missing.
type AccountSide string

const (
	SideUser     AccountSide = "user"
	SideTreasury AccountSide = "treasury"
	// SideOwner means the owner has no accounts in any asset.
	SideOwner AccountSide = "owner"
)

type AccountNotFoundError struct {
	OwnerID     OwnerID
	AssetTypeID AssetTypeID
	Side        AccountSide
}

func (e *AccountNotFoundError) Error() string {
	switch e.Side {
	case SideTreasury:
		return fmt.Sprintf("treasury account not found for asset %s", e.AssetTypeID)
	case SideOwner:
		return fmt.Sprintf("no accounts found for owner %s", e.OwnerID)
	default:
		return fmt.Sprintf("account not found for owner %s and asset %s", e.OwnerID, e.AssetTypeID)
	}
}

func (e *AccountNotFoundError) Unwrap() error { return ErrAccountNotFound }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: available %s, requested %s",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// DuplicateTransactionError carries the entry already committed under the key.
// Entry is nil when the store only reported the constraint violation.
type DuplicateTransactionError struct {
	IdempotencyKey string
	Entry          *LedgerEntry
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("transaction with idempotency key %q already processed", e.IdempotencyKey)
}

func (e *DuplicateTransactionError) Unwrap() error { return ErrDuplicateTransaction }

// =============================================================================
// KIND - Closed classification used at the transport boundary
// =============================================================================

type Kind int

const (
	KindStoreFailure Kind = iota
	KindInvalidAmount
	KindAccountNotFound
	KindInsufficientBalance
	KindDuplicateTransaction
)

func (k Kind) String() string {
	switch k {
	case KindInvalidAmount:
		return "invalid_amount"
	case KindAccountNotFound:
		return "account_not_found"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindDuplicateTransaction:
		return "duplicate_transaction"
	default:
		return "store_failure"
	}
}

// KindOf classifies err. Unrecognised errors, including context
// cancellation and driver failures, are KindStoreFailure.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, ErrAccountNotFound):
		return KindAccountNotFound
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrDuplicateTransaction):
		return KindDuplicateTransaction
	default:
		return KindStoreFailure
	}
}

// IsClientError returns true if the error is due to the request rather
// than the server: a bad amount, overdraw, or a replayed key. A missing
// account is reported separately by IsNotFound.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindInvalidAmount, KindInsufficientBalance, KindDuplicateTransaction:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}
