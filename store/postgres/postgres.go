/*
Package postgres provides a PostgreSQL-backed implementation of wallet.Store.

PURPOSE:
  The production store. Units of work are READ COMMITTED transactions;
  account rows are locked with SELECT ... FOR UPDATE, so two operations
  touching the same account serialize at LockAccount and a balance read
  after the lock sees every entry committed before it.

KEY TABLES:
  asset_types:    Fungible unit kinds, unique name
  accounts:       One per (owner_id, asset_type_id), one SYSTEM per asset
  ledger_entries: Immutable movements; seq (BIGSERIAL) is assigned while
                  the user account lock is held

CONSTRAINTS:
  uq_ledger_entries_idempotency_key is the idempotency authority. A 23505
  on that constraint is reported as wallet.ErrDuplicateTransaction; every
  other violation is an ordinary store failure.

DECIMALS:
  amount is NUMERIC and crosses the wire as text, so no value is ever
  rounded through float64.

SEE ALSO:
  - store/sqlite: same schema for SQLite
  - wallet/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/wallet"
)

const idempotencyConstraint = "uq_ledger_entries_idempotency_key"

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ wallet.Store        = (*Store)(nil)
	_ wallet.Provisioner  = (*Store)(nil)
	_ wallet.TotalsReader = (*Store)(nil)
	_ wallet.Tx           = (*txStore)(nil)
)

// Connect opens a pool against url and migrates the schema.
func Connect(ctx context.Context, url string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS asset_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		symbol TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		owner_type TEXT NOT NULL CHECK (owner_type IN ('USER', 'SYSTEM')),
		asset_type_id TEXT NOT NULL REFERENCES asset_types(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT uq_accounts_owner_asset UNIQUE (owner_id, asset_type_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_accounts_treasury
		ON accounts(asset_type_id) WHERE owner_type = 'SYSTEM';

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		debit_account_id TEXT NOT NULL REFERENCES accounts(id),
		credit_account_id TEXT NOT NULL REFERENCES accounts(id),
		amount NUMERIC NOT NULL CHECK (amount > 0),
		entry_type TEXT NOT NULL CHECK (entry_type IN ('TOPUP', 'BONUS', 'SPEND')),
		idempotency_key TEXT NOT NULL,
		reference_id TEXT,
		note TEXT,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT uq_ledger_entries_idempotency_key UNIQUE (idempotency_key),
		CONSTRAINT chk_ledger_entries_distinct_accounts CHECK (debit_account_id <> credit_account_id)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_debit ON ledger_entries(debit_account_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_credit ON ledger_entries(credit_account_id, seq);
	`)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// PROVISIONING
// =============================================================================

func (s *Store) SaveAssetType(ctx context.Context, asset wallet.AssetType) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO asset_types (id, name, symbol) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, symbol = EXCLUDED.symbol
	`, string(asset.ID), asset.Name, asset.Symbol)
	if err != nil {
		return fmt.Errorf("save asset type %s: %w", asset.ID, err)
	}
	return nil
}

func (s *Store) SaveAccount(ctx context.Context, account wallet.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, owner_id, owner_type, asset_type_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, string(account.ID), string(account.OwnerID), string(account.OwnerType), string(account.AssetTypeID))
	if err != nil {
		return fmt.Errorf("save account %s: %w", account.ID, err)
	}
	return nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(wallet.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

func (t *txStore) FindAccount(ctx context.Context, ownerID wallet.OwnerID, assetTypeID wallet.AssetTypeID) (*wallet.Account, error) {
	return findAccount(ctx, t.tx, ownerID, assetTypeID)
}

func (t *txStore) LockAccount(ctx context.Context, id wallet.AccountID) error {
	var locked string
	err := t.tx.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, string(id)).Scan(&locked)
	if err != nil {
		return fmt.Errorf("lock account %s: %w", id, err)
	}
	return nil
}

func (t *txStore) FindEntryByKey(ctx context.Context, key string) (*wallet.LedgerEntry, error) {
	return findEntryByKey(ctx, t.tx, key)
}

func (t *txStore) InsertEntry(ctx context.Context, entry *wallet.LedgerEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	var metadata []byte
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = raw
	}

	err := t.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries
			(id, debit_account_id, credit_account_id, amount, entry_type,
			 idempotency_key, reference_id, note, metadata, created_at)
		VALUES ($1, $2, $3, CAST($4::text AS NUMERIC), $5, $6, $7, $8, $9, $10)
		RETURNING seq, created_at
	`,
		string(entry.ID),
		string(entry.DebitAccountID),
		string(entry.CreditAccountID),
		entry.Amount.String(),
		string(entry.Type),
		entry.IdempotencyKey,
		nullable(entry.ReferenceID),
		nullable(entry.Note),
		metadata,
		entry.CreatedAt,
	).Scan(&entry.Sequence, &entry.CreatedAt)
	if err != nil {
		if isIdempotencyViolation(err) {
			return wallet.ErrDuplicateTransaction
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return nil
}

func (t *txStore) Balance(ctx context.Context, id wallet.AccountID) (decimal.Decimal, error) {
	return balance(ctx, t.tx, id, -1)
}

// =============================================================================
// READ SIDE
// =============================================================================

func (s *Store) FindEntryByKey(ctx context.Context, key string) (*wallet.LedgerEntry, error) {
	return findEntryByKey(ctx, s.pool, key)
}

func (s *Store) BalanceAsOf(ctx context.Context, id wallet.AccountID, seq int64) (decimal.Decimal, error) {
	return balance(ctx, s.pool, id, seq)
}

func (s *Store) Balances(ctx context.Context, ownerID wallet.OwnerID) ([]wallet.AssetBalance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.asset_type_id, at.name, at.symbol,
			(COALESCE(SUM(CASE WHEN le.credit_account_id = a.id THEN le.amount ELSE 0 END), 0) -
			 COALESCE(SUM(CASE WHEN le.debit_account_id = a.id THEN le.amount ELSE 0 END), 0))::text
		FROM accounts a
		JOIN asset_types at ON at.id = a.asset_type_id
		LEFT JOIN ledger_entries le
			ON le.credit_account_id = a.id OR le.debit_account_id = a.id
		WHERE a.owner_id = $1 AND a.owner_type = 'USER'
		GROUP BY a.id, a.asset_type_id, at.name, at.symbol
		ORDER BY at.name
	`, string(ownerID))
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var result []wallet.AssetBalance
	for rows.Next() {
		var (
			b   wallet.AssetBalance
			raw string
		)
		if err := rows.Scan(&b.AccountID, &b.AssetTypeID, &b.AssetName, &b.Symbol, &raw); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		if b.Balance, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("parse balance %q: %w", raw, err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *Store) AccountsByOwner(ctx context.Context, ownerID wallet.OwnerID) ([]wallet.Account, error) {
	return queryAccounts(ctx, s.pool, `
		SELECT id, owner_id, owner_type, asset_type_id FROM accounts
		WHERE owner_id = $1 AND owner_type = 'USER'
		ORDER BY id
	`, string(ownerID))
}

func (s *Store) ListAccounts(ctx context.Context) ([]wallet.Account, error) {
	return queryAccounts(ctx, s.pool, `
		SELECT id, owner_id, owner_type, asset_type_id FROM accounts ORDER BY id
	`)
}

// AssetTotals aggregates in one statement, so the sums come from a single
// snapshot even while operations commit.
func (s *Store) AssetTotals(ctx context.Context) ([]wallet.AssetTotal, error) {
	rows, err := s.pool.Query(ctx, `
		WITH movements AS (
			SELECT a.asset_type_id, le.amount AS delta
			FROM ledger_entries le JOIN accounts a ON a.id = le.credit_account_id
			UNION ALL
			SELECT a.asset_type_id, -le.amount
			FROM ledger_entries le JOIN accounts a ON a.id = le.debit_account_id
		)
		SELECT at.id, at.symbol, COALESCE(SUM(m.delta), 0)::text
		FROM asset_types at
		LEFT JOIN movements m ON m.asset_type_id = at.id
		GROUP BY at.id, at.symbol
		ORDER BY at.symbol, at.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query asset totals: %w", err)
	}
	defer rows.Close()

	var result []wallet.AssetTotal
	for rows.Next() {
		var (
			t   wallet.AssetTotal
			raw string
		)
		if err := rows.Scan(&t.AssetTypeID, &t.Symbol, &raw); err != nil {
			return nil, fmt.Errorf("scan asset total: %w", err)
		}
		if t.Total, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("parse asset total %q: %w", raw, err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) History(ctx context.Context, ids []wallet.AccountID, limit, offset int) ([]wallet.HistoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	accountIDs := make([]string, len(ids))
	for i, id := range ids {
		accountIDs[i] = string(id)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`, at.id, at.name, at.symbol
		FROM ledger_entries e
		JOIN accounts a ON a.id = e.credit_account_id
		JOIN asset_types at ON at.id = a.asset_type_id
		WHERE e.debit_account_id = ANY($1) OR e.credit_account_id = ANY($1)
		ORDER BY e.seq DESC
		LIMIT $2 OFFSET $3
	`, accountIDs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var result []wallet.HistoryItem
	for rows.Next() {
		var (
			row   entryRow
			asset wallet.AssetType
		)
		if err := rows.Scan(append(row.fields(), &asset.ID, &asset.Name, &asset.Symbol)...); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry, err := row.decode()
		if err != nil {
			return nil, err
		}
		result = append(result, wallet.HistoryItem{Entry: entry, Asset: asset})
	}
	return result, rows.Err()
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

const entryColumns = `e.seq, e.id, e.debit_account_id, e.credit_account_id, e.amount::text, e.entry_type,
		e.idempotency_key, COALESCE(e.reference_id, ''), COALESCE(e.note, ''), e.metadata, e.created_at`

type entryRow struct {
	entry    wallet.LedgerEntry
	amount   string
	metadata []byte
}

func (r *entryRow) fields() []any {
	return []any{
		&r.entry.Sequence, &r.entry.ID, &r.entry.DebitAccountID, &r.entry.CreditAccountID,
		&r.amount, &r.entry.Type, &r.entry.IdempotencyKey,
		&r.entry.ReferenceID, &r.entry.Note, &r.metadata, &r.entry.CreatedAt,
	}
}

func (r *entryRow) decode() (wallet.LedgerEntry, error) {
	e := r.entry
	amount, err := decimal.NewFromString(r.amount)
	if err != nil {
		return e, fmt.Errorf("entry %s has malformed amount %q: %w", e.ID, r.amount, err)
	}
	e.Amount = amount
	e.CreatedAt = e.CreatedAt.UTC()
	if len(r.metadata) > 0 {
		if err := json.Unmarshal(r.metadata, &e.Metadata); err != nil {
			return e, fmt.Errorf("entry %s has malformed metadata: %w", e.ID, err)
		}
	}
	return e, nil
}

func findAccount(ctx context.Context, q querier, ownerID wallet.OwnerID, assetTypeID wallet.AssetTypeID) (*wallet.Account, error) {
	var a wallet.Account
	err := q.QueryRow(ctx, `
		SELECT id, owner_id, owner_type, asset_type_id FROM accounts
		WHERE owner_id = $1 AND asset_type_id = $2
	`, string(ownerID), string(assetTypeID)).Scan(&a.ID, &a.OwnerID, &a.OwnerType, &a.AssetTypeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	return &a, nil
}

func queryAccounts(ctx context.Context, q querier, query string, args ...any) ([]wallet.Account, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []wallet.Account
	for rows.Next() {
		var a wallet.Account
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.OwnerType, &a.AssetTypeID); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func findEntryByKey(ctx context.Context, q querier, key string) (*wallet.LedgerEntry, error) {
	var row entryRow
	err := q.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries e WHERE e.idempotency_key = $1`, key,
	).Scan(row.fields()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find entry by idempotency key: %w", err)
	}
	entry, err := row.decode()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// balance aggregates in SQL. A negative upTo means all entries.
func balance(ctx context.Context, q querier, id wallet.AccountID, upTo int64) (decimal.Decimal, error) {
	query := `
		SELECT (COALESCE(SUM(CASE WHEN credit_account_id = $1 THEN amount ELSE 0 END), 0) -
		        COALESCE(SUM(CASE WHEN debit_account_id = $1 THEN amount ELSE 0 END), 0))::text
		FROM ledger_entries
		WHERE (credit_account_id = $1 OR debit_account_id = $1)`
	args := []any{string(id)}
	if upTo >= 0 {
		query += ` AND seq <= $2`
		args = append(args, upTo)
	}

	var raw string
	if err := q.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("compute balance of %s: %w", id, err)
	}
	b, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", raw, err)
	}
	return b, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isIdempotencyViolation reports a unique violation (23505) on the
// idempotency key constraint only.
func isIdempotencyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == idempotencyConstraint
}
