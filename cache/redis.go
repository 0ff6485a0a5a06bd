// Package cache holds replay caches for the wallet service.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/wallet"
)

const keyPrefix = "wallet:replay:"

// RedisReplayCache stores operation results by idempotency key so replays
// are answered without opening a database transaction. It is never the
// idempotency authority: entries expire after the TTL and a miss falls
// through to the store.
type RedisReplayCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ wallet.ReplayCache = (*RedisReplayCache)(nil)

func NewRedisReplayCache(rdb *redis.Client, ttl time.Duration) *RedisReplayCache {
	return &RedisReplayCache{rdb: rdb, ttl: ttl}
}

// Get returns (nil, nil) on a miss.
func (c *RedisReplayCache) Get(ctx context.Context, idempotencyKey string) (*wallet.Result, error) {
	raw, err := c.rdb.Get(ctx, keyPrefix+idempotencyKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", idempotencyKey, err)
	}

	var cached cachedResult
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("decode cached result %s: %w", idempotencyKey, err)
	}
	res := cached.toResult()
	return &res, nil
}

func (c *RedisReplayCache) Put(ctx context.Context, idempotencyKey string, result wallet.Result) error {
	payload, err := encode(result)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, keyPrefix+idempotencyKey, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", idempotencyKey, err)
	}
	return nil
}

// =============================================================================
// WIRE FORMAT
// =============================================================================

type cachedResult struct {
	Outcome         wallet.Outcome   `json:"outcome"`
	EntryID         wallet.EntryID   `json:"entryId"`
	Sequence        int64            `json:"sequence"`
	DebitAccountID  wallet.AccountID `json:"debitAccountId"`
	CreditAccountID wallet.AccountID `json:"creditAccountId"`
	Amount          decimal.Decimal  `json:"amount"`
	Type            wallet.EntryType `json:"type"`
	IdempotencyKey  string           `json:"idempotencyKey"`
	ReferenceID     string           `json:"referenceId,omitempty"`
	Note            string           `json:"note,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	NewBalance      decimal.Decimal  `json:"newBalance"`
}

func encode(r wallet.Result) (string, error) {
	e := r.Entry
	raw, err := json.Marshal(cachedResult{
		Outcome:         r.Outcome,
		EntryID:         e.ID,
		Sequence:        e.Sequence,
		DebitAccountID:  e.DebitAccountID,
		CreditAccountID: e.CreditAccountID,
		Amount:          e.Amount,
		Type:            e.Type,
		IdempotencyKey:  e.IdempotencyKey,
		ReferenceID:     e.ReferenceID,
		Note:            e.Note,
		Metadata:        e.Metadata,
		CreatedAt:       e.CreatedAt,
		NewBalance:      r.NewBalance,
	})
	if err != nil {
		return "", fmt.Errorf("encode result %s: %w", e.IdempotencyKey, err)
	}
	return string(raw), nil
}

func (c cachedResult) toResult() wallet.Result {
	return wallet.Result{
		Outcome: c.Outcome,
		Entry: wallet.LedgerEntry{
			ID:              c.EntryID,
			Sequence:        c.Sequence,
			DebitAccountID:  c.DebitAccountID,
			CreditAccountID: c.CreditAccountID,
			Amount:          c.Amount,
			Type:            c.Type,
			IdempotencyKey:  c.IdempotencyKey,
			ReferenceID:     c.ReferenceID,
			Note:            c.Note,
			Metadata:        c.Metadata,
			CreatedAt:       c.CreatedAt,
		},
		NewBalance: c.NewBalance,
	}
}
