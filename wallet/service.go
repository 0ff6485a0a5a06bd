/*
service.go - Transaction orchestrator for TopUp, IssueBonus and Spend

PURPOSE:
  Sequences validation, the idempotency guard, account resolution, lock
  ordering and balance computation into one atomic unit of work per
  money-movement operation. Service is the only writer of ledger entries.

STATE MACHINE (per operation):
  Validating -> IdempotencyPreCheck -> Resolving -> Locking
    -> [Spend: SufficiencyCheck] -> Recording -> ComputingResult -> Committed

  DuplicateReplay leaves from IdempotencyPreCheck, or from Recording when
  the idempotency key uniqueness constraint rejects a racing insert.
  Any other failure rolls back the whole unit of work.

DIRECTION:
  TopUp / IssueBonus: debit treasury, credit user
  Spend:              debit user, credit treasury (after sufficiency check)

REPLAYS:
  A replay returns the committed entry and the user balance as of that
  entry's sequence. Entries touching a user account are inserted while the
  account lock is held, so that balance is the original post-state no
  matter how many operations committed since.

SEE ALSO:
  - idempotency.go: pre-check and race fallback
  - locks.go: deterministic lock ordering
  - query.go: read-side operations
*/
package wallet

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// PARAMETERS AND RESULTS
// =============================================================================

// Params are already-validated request parameters. IdempotencyKey is opaque
// and caller-supplied; the engine never generates one.
type Params struct {
	UserID         OwnerID
	AssetTypeID    AssetTypeID
	Amount         float64
	IdempotencyKey string
	ReferenceID    string
	Note           string
	Metadata       map[string]any
}

type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeReplayed  Outcome = "replayed"
)

// Result of a money-movement operation. A replay is a success, not an error.
type Result struct {
	Outcome    Outcome
	Entry      LedgerEntry
	NewBalance decimal.Decimal
}

func (r Result) Replayed() bool { return r.Outcome == OutcomeReplayed }

var defaultNotes = map[EntryType]string{
	EntryTopUp: "Wallet top-up",
	EntryBonus: "Bonus credit",
	EntrySpend: "Credit spend",
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// ReplayCache short-circuits replays before a unit of work is opened. The
// store stays the only idempotency authority: Get returns (nil, nil) on a
// miss and cache failures never fail an operation.
type ReplayCache interface {
	Get(ctx context.Context, idempotencyKey string) (*Result, error)
	Put(ctx context.Context, idempotencyKey string, result Result) error
}

// Observer is told about every finished money-movement operation. outcome is
// "committed", "replayed" or the Kind of the failure.
type Observer interface {
	OperationCompleted(op EntryType, outcome string, elapsed time.Duration)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type noopObserver struct{}

func (noopObserver) OperationCompleted(EntryType, string, time.Duration) {}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store    Store
	cache    ReplayCache
	observer Observer
	clock    Clock
	logger   *slog.Logger
	newID    func() EntryID
}

type Option func(*Service)

func WithCache(c ReplayCache) Option   { return func(s *Service) { s.cache = c } }
func WithObserver(o Observer) Option   { return func(s *Service) { s.observer = o } }
func WithClock(c Clock) Option         { return func(s *Service) { s.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }
func WithIDGenerator(f func() EntryID) Option {
	return func(s *Service) { s.newID = f }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		observer: noopObserver{},
		clock:    systemClock{},
		logger:   slog.Default(),
		newID:    func() EntryID { return EntryID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TopUp credits the user from the asset's treasury.
func (s *Service) TopUp(ctx context.Context, p Params) (Result, error) {
	return s.execute(ctx, EntryTopUp, p)
}

// IssueBonus credits the user from the asset's treasury as a BONUS entry.
func (s *Service) IssueBonus(ctx context.Context, p Params) (Result, error) {
	return s.execute(ctx, EntryBonus, p)
}

// Spend debits the user in favour of the treasury. It fails with
// InsufficientBalance, before anything is written, when the locked balance
// is below the amount.
func (s *Service) Spend(ctx context.Context, p Params) (Result, error) {
	return s.execute(ctx, EntrySpend, p)
}

func (s *Service) execute(ctx context.Context, op EntryType, p Params) (res Result, err error) {
	start := s.clock.Now()
	defer func() { s.observe(op, res, err, start) }()

	amount, err := NewMoney(p.Amount)
	if err != nil {
		return Result{}, err
	}

	if cached := s.lookupCache(ctx, p.IdempotencyKey); cached != nil {
		return *cached, nil
	}

	entry := s.newEntry(op, p, amount, start)
	var newBalance decimal.Decimal

	err = s.store.WithTx(ctx, func(tx Tx) error {
		if err := precheckKey(ctx, tx, p.IdempotencyKey); err != nil {
			return err
		}

		user, treasury, err := ResolveAccounts(ctx, tx, p.UserID, p.AssetTypeID)
		if err != nil {
			return err
		}
		if err := LockPair(ctx, tx, user.ID, treasury.ID); err != nil {
			return err
		}

		if op == EntrySpend {
			balance, err := tx.Balance(ctx, user.ID)
			if err != nil {
				return err
			}
			if !Sufficient(balance, amount) {
				return &InsufficientBalanceError{
					AccountID: user.ID,
					Available: balance,
					Requested: amount.Decimal(),
				}
			}
			entry.DebitAccountID, entry.CreditAccountID = user.ID, treasury.ID
			newBalance = balance.Sub(amount.Decimal())
		} else {
			entry.DebitAccountID, entry.CreditAccountID = treasury.ID, user.ID
		}

		if err := entry.Validate(); err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, &entry); err != nil {
			return err
		}

		if op != EntrySpend {
			newBalance, err = tx.Balance(ctx, user.ID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		existing, recoverErr := recoverDuplicate(ctx, s.store, p.IdempotencyKey, err)
		if recoverErr != nil {
			return Result{}, recoverErr
		}
		if !hasCarriedEntry(err) {
			s.logger.WarnContext(ctx, "idempotency key won by concurrent request",
				"type", op,
				"idempotency_key", p.IdempotencyKey,
				"entry_id", existing.ID)
		}
		return s.replay(ctx, *existing)
	}

	res = Result{Outcome: OutcomeCommitted, Entry: entry, NewBalance: newBalance}
	s.logger.InfoContext(ctx, "ledger entry committed",
		"type", op,
		"entry_id", entry.ID,
		"user_id", p.UserID,
		"asset_type_id", p.AssetTypeID,
		"amount", entry.Amount.String(),
		"new_balance", newBalance.String())
	s.rememberResult(ctx, res)
	return res, nil
}

func (s *Service) newEntry(op EntryType, p Params, amount Money, now time.Time) LedgerEntry {
	note := p.Note
	if note == "" {
		note = defaultNotes[op]
	}
	return LedgerEntry{
		ID:             s.newID(),
		Amount:         amount.Decimal(),
		Type:           op,
		IdempotencyKey: p.IdempotencyKey,
		ReferenceID:    p.ReferenceID,
		Note:           note,
		Metadata:       p.Metadata,
		CreatedAt:      now,
	}
}

// replay rebuilds the result of an already committed entry.
func (s *Service) replay(ctx context.Context, entry LedgerEntry) (Result, error) {
	balance, err := s.store.BalanceAsOf(ctx, entry.UserAccountID(), entry.Sequence)
	if err != nil {
		return Result{}, err
	}
	res := Result{Outcome: OutcomeReplayed, Entry: entry, NewBalance: balance}
	s.logger.DebugContext(ctx, "ledger entry replayed",
		"type", entry.Type,
		"entry_id", entry.ID,
		"idempotency_key", entry.IdempotencyKey)
	s.rememberResult(ctx, res)
	return res, nil
}

// =============================================================================
// REPLAY CACHE AND OBSERVER
// =============================================================================

func (s *Service) lookupCache(ctx context.Context, key string) *Result {
	if s.cache == nil {
		return nil
	}
	cached, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "replay cache lookup failed", "idempotency_key", key, "error", err)
		return nil
	}
	if cached == nil {
		return nil
	}
	cached.Outcome = OutcomeReplayed
	return cached
}

func (s *Service) rememberResult(ctx context.Context, res Result) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, res.Entry.IdempotencyKey, res); err != nil {
		s.logger.WarnContext(ctx, "replay cache write failed", "idempotency_key", res.Entry.IdempotencyKey, "error", err)
	}
}

func (s *Service) observe(op EntryType, res Result, err error, start time.Time) {
	outcome := string(res.Outcome)
	if err != nil {
		outcome = KindOf(err).String()
	}
	s.observer.OperationCompleted(op, outcome, s.clock.Now().Sub(start))
}
