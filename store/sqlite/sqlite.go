/*
Package sqlite provides a SQLite-backed implementation of wallet.Store.

PURPOSE:
  Persists asset types, accounts and the append-only ledger in a single
  SQLite file. Used for local runs and single-node deployments; the
  PostgreSQL store in store/postgres has the same schema and semantics.

INTERFACES IMPLEMENTED:
  wallet.Store:       Units of work plus the read side
  wallet.Tx:          Handle passed to WithTx
  wallet.Provisioner: Asset type and account upserts
  wallet.TotalsReader: Per-asset sums for the conservation audit

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries
  - No DELETE statements on ledger_entries
  - amount > 0 and debit <> credit are CHECK constraints

KEY TABLES:
  asset_types:    Fungible unit kinds, unique name
  accounts:       One per (owner_id, asset_type_id), one SYSTEM per asset
  ledger_entries: Immutable movements; seq is the commit order

CONCURRENCY:
  SQLite has no row locks. Units of work run under the store mutex and
  are opened with BEGIN IMMEDIATE (_txlock=immediate), which takes the
  database write lock up front. LockAccount therefore only checks that
  the row exists; the whole database is already exclusively held.

DECIMALS:
  Amounts are stored as decimal strings and summed in Go with
  shopspring/decimal, since SQLite arithmetic on TEXT goes through REAL.

USAGE:
  store, err := sqlite.New("./wallet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := wallet.NewService(store)

SEE ALSO:
  - wallet/store.go: Interface definitions
  - store/postgres: PostgreSQL implementation
  - wallet/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/wallet"
)

// Store implements wallet.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ wallet.Store        = (*Store)(nil)
	_ wallet.Provisioner  = (*Store)(nil)
	_ wallet.TotalsReader = (*Store)(nil)
	_ wallet.Tx           = (*txStore)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	store := NewFromDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// NewFromDB wraps an already opened database without migrating it.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS asset_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		symbol TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		owner_type TEXT NOT NULL CHECK (owner_type IN ('USER', 'SYSTEM')),
		asset_type_id TEXT NOT NULL REFERENCES asset_types(id),
		created_at TEXT NOT NULL,
		UNIQUE (owner_id, asset_type_id)
	);

	-- Exactly one treasury per asset type
	CREATE UNIQUE INDEX IF NOT EXISTS uq_accounts_treasury
		ON accounts(asset_type_id) WHERE owner_type = 'SYSTEM';

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		debit_account_id TEXT NOT NULL REFERENCES accounts(id),
		credit_account_id TEXT NOT NULL REFERENCES accounts(id),
		amount TEXT NOT NULL CHECK (CAST(amount AS REAL) > 0),
		entry_type TEXT NOT NULL CHECK (entry_type IN ('TOPUP', 'BONUS', 'SPEND')),
		idempotency_key TEXT NOT NULL,
		reference_id TEXT,
		note TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		CHECK (debit_account_id <> credit_account_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_entries_idempotency_key
		ON ledger_entries(idempotency_key);

	-- Balance aggregation (hot path)
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_debit
		ON ledger_entries(debit_account_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_credit
		ON ledger_entries(credit_account_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// PROVISIONING (wallet.Provisioner)
// =============================================================================

func (s *Store) SaveAssetType(ctx context.Context, asset wallet.AssetType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO asset_types (id, name, symbol, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, symbol = excluded.symbol
	`, asset.ID, asset.Name, asset.Symbol, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save asset type %s: %w", asset.ID, err)
	}
	return nil
}

func (s *Store) SaveAccount(ctx context.Context, account wallet.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, owner_type, asset_type_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, account.ID, account.OwnerID, account.OwnerType, account.AssetTypeID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save account %s: %w", account.ID, err)
	}
	return nil
}

// =============================================================================
// UNIT OF WORK (wallet.Store.WithTx)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(wallet.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) FindAccount(ctx context.Context, ownerID wallet.OwnerID, assetTypeID wallet.AssetTypeID) (*wallet.Account, error) {
	return findAccount(ctx, ts.tx, ownerID, assetTypeID)
}

func (ts *txStore) LockAccount(ctx context.Context, id wallet.AccountID) error {
	var found string
	err := ts.tx.QueryRowContext(ctx, "SELECT id FROM accounts WHERE id = ?", id).Scan(&found)
	if err != nil {
		return fmt.Errorf("failed to lock account %s: %w", id, err)
	}
	return nil
}

func (ts *txStore) FindEntryByKey(ctx context.Context, key string) (*wallet.LedgerEntry, error) {
	return findEntryByKey(ctx, ts.tx, key)
}

func (ts *txStore) InsertEntry(ctx context.Context, entry *wallet.LedgerEntry) error {
	return insertEntry(ctx, ts.tx, entry)
}

func (ts *txStore) Balance(ctx context.Context, id wallet.AccountID) (decimal.Decimal, error) {
	return balance(ctx, ts.tx, id, -1)
}

// =============================================================================
// READ SIDE (wallet.Store)
// =============================================================================

func (s *Store) FindEntryByKey(ctx context.Context, key string) (*wallet.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findEntryByKey(ctx, s.db, key)
}

func (s *Store) BalanceAsOf(ctx context.Context, id wallet.AccountID, seq int64) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return balance(ctx, s.db, id, seq)
}

func (s *Store) Balances(ctx context.Context, ownerID wallet.OwnerID) ([]wallet.AssetBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.asset_type_id, at.name, at.symbol
		FROM accounts a
		JOIN asset_types at ON at.id = a.asset_type_id
		WHERE a.owner_id = ? AND a.owner_type = 'USER'
		ORDER BY at.name
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}

	var result []wallet.AssetBalance
	for rows.Next() {
		var b wallet.AssetBalance
		if err := rows.Scan(&b.AccountID, &b.AssetTypeID, &b.AssetName, &b.Symbol); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		result = append(result, b)
	}
	// rows must be closed before the per-account sums: :memory: has one connection
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		result[i].Balance, err = balance(ctx, s.db, result[i].AccountID, -1)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Store) AccountsByOwner(ctx context.Context, ownerID wallet.OwnerID) ([]wallet.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryAccounts(ctx, s.db, `
		SELECT id, owner_id, owner_type, asset_type_id FROM accounts
		WHERE owner_id = ? AND owner_type = 'USER'
		ORDER BY id
	`, ownerID)
}

func (s *Store) ListAccounts(ctx context.Context) ([]wallet.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryAccounts(ctx, s.db, `
		SELECT id, owner_id, owner_type, asset_type_id FROM accounts ORDER BY id
	`)
}

// AssetTotals reads every movement in one statement and sums it in Go.
func (s *Store) AssetTotals(ctx context.Context) ([]wallet.AssetTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT at.id, at.symbol, m.sign, m.amount
		FROM asset_types at
		LEFT JOIN (
			SELECT a.asset_type_id, 1 AS sign, le.amount
			FROM ledger_entries le JOIN accounts a ON a.id = le.credit_account_id
			UNION ALL
			SELECT a.asset_type_id, -1 AS sign, le.amount
			FROM ledger_entries le JOIN accounts a ON a.id = le.debit_account_id
		) m ON m.asset_type_id = at.id
		ORDER BY at.symbol, at.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query asset totals: %w", err)
	}
	defer rows.Close()

	var result []wallet.AssetTotal
	for rows.Next() {
		var (
			id     wallet.AssetTypeID
			symbol string
			sign   sql.NullInt64
			amount sql.NullString
		)
		if err := rows.Scan(&id, &symbol, &sign, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan asset total: %w", err)
		}
		if len(result) == 0 || result[len(result)-1].AssetTypeID != id {
			result = append(result, wallet.AssetTotal{AssetTypeID: id, Symbol: symbol, Total: decimal.Zero})
		}
		if !amount.Valid {
			continue
		}
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return nil, fmt.Errorf("malformed amount %q: %w", amount.String, err)
		}
		last := &result[len(result)-1]
		if sign.Int64 < 0 {
			last.Total = last.Total.Sub(d)
		} else {
			last.Total = last.Total.Add(d)
		}
	}
	return result, rows.Err()
}

func (s *Store) History(ctx context.Context, ids []wallet.AccountID, limit, offset int) ([]wallet.HistoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := `
		SELECT ` + entryColumns + `, at.id, at.name, at.symbol
		FROM ledger_entries e
		JOIN accounts a ON a.id = e.credit_account_id
		JOIN asset_types at ON at.id = a.asset_type_id
		WHERE e.debit_account_id IN (` + placeholders + `)
		   OR e.credit_account_id IN (` + placeholders + `)
		ORDER BY e.seq DESC
		LIMIT ? OFFSET ?
	`
	args := make([]any, 0, 2*len(ids)+2)
	for n := 0; n < 2; n++ {
		for _, id := range ids {
			args = append(args, id)
		}
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var result []wallet.HistoryItem
	for rows.Next() {
		var (
			row   entryRow
			asset wallet.AssetType
		)
		fields := append(row.fields(), &asset.ID, &asset.Name, &asset.Symbol)
		if err := rows.Scan(fields...); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
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
// SHARED QUERIES - run against *sql.DB or *sql.Tx
// =============================================================================

const entryColumns = `e.seq, e.id, e.debit_account_id, e.credit_account_id, e.amount, e.entry_type,
		e.idempotency_key, e.reference_id, e.note, e.metadata_json, e.created_at`

// entryRow holds the raw columns of a ledger_entries row.
type entryRow struct {
	entry       wallet.LedgerEntry
	amount      string
	referenceID sql.NullString
	note        sql.NullString
	metadata    sql.NullString
	createdAt   string
}

func (r *entryRow) fields() []any {
	return []any{
		&r.entry.Sequence, &r.entry.ID, &r.entry.DebitAccountID, &r.entry.CreditAccountID,
		&r.amount, &r.entry.Type, &r.entry.IdempotencyKey,
		&r.referenceID, &r.note, &r.metadata, &r.createdAt,
	}
}

func (r *entryRow) decode() (wallet.LedgerEntry, error) {
	e := r.entry
	amount, err := decimal.NewFromString(r.amount)
	if err != nil {
		return e, fmt.Errorf("entry %s has malformed amount %q: %w", e.ID, r.amount, err)
	}
	e.Amount = amount
	e.ReferenceID = r.referenceID.String
	e.Note = r.note.String
	e.CreatedAt, err = time.Parse(time.RFC3339Nano, r.createdAt)
	if err != nil {
		return e, fmt.Errorf("entry %s has malformed created_at %q: %w", e.ID, r.createdAt, err)
	}
	if r.metadata.Valid && r.metadata.String != "" {
		if err := json.Unmarshal([]byte(r.metadata.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("entry %s has malformed metadata: %w", e.ID, err)
		}
	}
	return e, nil
}

func findAccount(ctx context.Context, db queryer, ownerID wallet.OwnerID, assetTypeID wallet.AssetTypeID) (*wallet.Account, error) {
	var a wallet.Account
	err := db.QueryRowContext(ctx, `
		SELECT id, owner_id, owner_type, asset_type_id FROM accounts
		WHERE owner_id = ? AND asset_type_id = ?
	`, ownerID, assetTypeID).Scan(&a.ID, &a.OwnerID, &a.OwnerType, &a.AssetTypeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &a, nil
}

func queryAccounts(ctx context.Context, db queryer, query string, args ...any) ([]wallet.Account, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []wallet.Account
	for rows.Next() {
		var a wallet.Account
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.OwnerType, &a.AssetTypeID); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func findEntryByKey(ctx context.Context, db queryer, key string) (*wallet.LedgerEntry, error) {
	var row entryRow
	err := db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries e WHERE e.idempotency_key = ?", key,
	).Scan(row.fields()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entry by idempotency key: %w", err)
	}
	entry, err := row.decode()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func insertEntry(ctx context.Context, db queryer, entry *wallet.LedgerEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	var metadataJSON sql.NullString
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(raw), Valid: true}
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, debit_account_id, credit_account_id, amount, entry_type,
		 idempotency_key, reference_id, note, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.DebitAccountID,
		entry.CreditAccountID,
		entry.Amount.String(),
		entry.Type,
		entry.IdempotencyKey,
		nullString(entry.ReferenceID),
		nullString(entry.Note),
		metadataJSON,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isIdempotencyViolation(err) {
			return wallet.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read entry sequence: %w", err)
	}
	entry.Sequence = seq
	return nil
}

// balance sums entries touching id. A negative upTo means all entries.
func balance(ctx context.Context, db queryer, id wallet.AccountID, upTo int64) (decimal.Decimal, error) {
	query := `
		SELECT debit_account_id, credit_account_id, amount FROM ledger_entries
		WHERE (debit_account_id = ? OR credit_account_id = ?)`
	args := []any{id, id}
	if upTo >= 0 {
		query += " AND seq <= ?"
		args = append(args, upTo)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to compute balance: %w", err)
	}
	defer rows.Close()

	var entries []wallet.LedgerEntry
	for rows.Next() {
		var (
			e      wallet.LedgerEntry
			amount string
		)
		if err := rows.Scan(&e.DebitAccountID, &e.CreditAccountID, &amount); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan amount: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return decimal.Zero, fmt.Errorf("malformed amount %q: %w", amount, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, err
	}
	return wallet.SumBalance(id, entries), nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isIdempotencyViolation distinguishes the idempotency key constraint from
// other unique constraints, which are ordinary store failures.
func isIdempotencyViolation(err error) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key")
}
