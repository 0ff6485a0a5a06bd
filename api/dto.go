/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the wallet domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - Envelope: wrapper around every response body

ENVELOPE:
  {"success": bool, "message": str, "data": any?, "error": str?, "errorCode": str?}

AMOUNTS:
  Amounts and balances are serialised as decimal strings ("10.5") so no
  precision is lost on the way out. Request amounts are JSON numbers.

VALIDATION:
  MovementRequest carries validator/v10 struct tags. Positivity of the
  amount is checked by the engine so it surfaces as INVALID_AMOUNT.

SEE ALSO:
  - handlers.go: Uses these types
  - wallet/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/wallet"
)

// =============================================================================
// ENVELOPE
// =============================================================================

type Envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// =============================================================================
// REQUESTS
// =============================================================================

// MovementRequest is the body of topup, bonus and spend.
type MovementRequest struct {
	Amount         *float64       `json:"amount" validate:"required"`
	AssetTypeID    string         `json:"assetTypeId" validate:"required,uuid"`
	IdempotencyKey string         `json:"idempotencyKey" validate:"required,uuid"`
	ReferenceID    string         `json:"referenceId,omitempty" validate:"omitempty,max=255"`
	Note           string         `json:"note,omitempty" validate:"omitempty,max=1024"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (r MovementRequest) params(userID string) wallet.Params {
	return wallet.Params{
		UserID:         wallet.OwnerID(userID),
		AssetTypeID:    wallet.AssetTypeID(r.AssetTypeID),
		Amount:         *r.Amount,
		IdempotencyKey: r.IdempotencyKey,
		ReferenceID:    r.ReferenceID,
		Note:           r.Note,
		Metadata:       r.Metadata,
	}
}

// =============================================================================
// RESPONSES
// =============================================================================

type AccountDTO struct {
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	OwnerType   string `json:"ownerType"`
	AssetTypeID string `json:"assetTypeId"`
}

type BalanceDTO struct {
	AccountID   string          `json:"accountId"`
	AssetTypeID string          `json:"assetTypeId"`
	AssetName   string          `json:"assetName"`
	Symbol      string          `json:"symbol"`
	Balance     decimal.Decimal `json:"balance"`
}

// OperationResultDTO is returned by topup, bonus and spend, for both a
// fresh commit and a replay.
type OperationResultDTO struct {
	TransactionID string          `json:"transactionId"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"newBalance"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     string          `json:"createdAt"`
}

type TransactionDTO struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	DebitAccountID  string          `json:"debitAccountId"`
	CreditAccountID string          `json:"creditAccountId"`
	Amount          decimal.Decimal `json:"amount"`
	AssetTypeID     string          `json:"assetTypeId"`
	AssetSymbol     string          `json:"assetSymbol"`
	IdempotencyKey  string          `json:"idempotencyKey"`
	ReferenceID     string          `json:"referenceId,omitempty"`
	Note            string          `json:"note,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	CreatedAt       string          `json:"createdAt"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func toAccountDTO(a wallet.Account) AccountDTO {
	return AccountDTO{
		ID:          string(a.ID),
		OwnerID:     string(a.OwnerID),
		OwnerType:   string(a.OwnerType),
		AssetTypeID: string(a.AssetTypeID),
	}
}

func toBalanceDTO(b wallet.AssetBalance) BalanceDTO {
	return BalanceDTO{
		AccountID:   string(b.AccountID),
		AssetTypeID: string(b.AssetTypeID),
		AssetName:   b.AssetName,
		Symbol:      b.Symbol,
		Balance:     b.Balance,
	}
}

func toOperationResultDTO(r wallet.Result) OperationResultDTO {
	return OperationResultDTO{
		TransactionID: string(r.Entry.ID),
		Type:          string(r.Entry.Type),
		Amount:        r.Entry.Amount,
		NewBalance:    r.NewBalance,
		Metadata:      r.Entry.Metadata,
		CreatedAt:     r.Entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toTransactionDTO(item wallet.HistoryItem) TransactionDTO {
	e := item.Entry
	return TransactionDTO{
		ID:              string(e.ID),
		Type:            string(e.Type),
		DebitAccountID:  string(e.DebitAccountID),
		CreditAccountID: string(e.CreditAccountID),
		Amount:          e.Amount,
		AssetTypeID:     string(item.Asset.ID),
		AssetSymbol:     item.Asset.Symbol,
		IdempotencyKey:  e.IdempotencyKey,
		ReferenceID:     e.ReferenceID,
		Note:            e.Note,
		Metadata:        e.Metadata,
		CreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
