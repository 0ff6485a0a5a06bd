package wallet_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/wallet"
	"github.com/warp/wallet-ledger/wallet/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	gold     wallet.AssetTypeID = "00000000-0000-4000-a000-000000000001"
	diamonds wallet.AssetTypeID = "00000000-0000-4000-a000-000000000002"
	alice    wallet.OwnerID     = "user-alice"
	bob      wallet.OwnerID     = "user-bob"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newLedger provisions gold and diamonds with treasuries, alice and bob
// accounts, and funds alice with 1000 gold.
func newLedger(t *testing.T, opts ...wallet.Option) (*wallet.Service, *store.Memory) {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()

	for _, a := range []wallet.AssetType{
		{ID: gold, Name: "Gold Coins", Symbol: "GLD"},
		{ID: diamonds, Name: "Diamonds", Symbol: "DMD"},
	} {
		require.NoError(t, m.SaveAssetType(ctx, a))
		require.NoError(t, m.SaveAccount(ctx, wallet.Account{
			ID: wallet.AccountID("treasury-" + a.Symbol), OwnerID: wallet.TreasuryOwnerID,
			OwnerType: wallet.OwnerSystem, AssetTypeID: a.ID,
		}))
		for _, u := range []wallet.OwnerID{alice, bob} {
			require.NoError(t, m.SaveAccount(ctx, wallet.Account{
				ID: wallet.AccountID(string(u) + "-" + a.Symbol), OwnerID: u,
				OwnerType: wallet.OwnerUser, AssetTypeID: a.ID,
			}))
		}
	}

	svc := wallet.NewService(m, append([]wallet.Option{wallet.WithLogger(quietLogger())}, opts...)...)
	_, err := svc.TopUp(ctx, wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 1000, IdempotencyKey: "seed-alice-gold"})
	require.NoError(t, err)
	return svc, m
}

func balanceOf(t *testing.T, svc *wallet.Service, user wallet.OwnerID, asset wallet.AssetTypeID) decimal.Decimal {
	t.Helper()
	balances, err := svc.GetBalances(context.Background(), user)
	require.NoError(t, err)
	for _, b := range balances {
		if b.AssetTypeID == asset {
			return b.Balance
		}
	}
	t.Fatalf("no %s balance for %s", asset, user)
	return decimal.Zero
}

// countingStore counts units of work opened against the wrapped store.
type countingStore struct {
	wallet.Store
	mu    sync.Mutex
	units int
}

func (c *countingStore) WithTx(ctx context.Context, fn func(wallet.Tx) error) error {
	c.mu.Lock()
	c.units++
	c.mu.Unlock()
	return c.Store.WithTx(ctx, fn)
}

// lateRacerStore hides committed entries from the in-transaction pre-check,
// as if a concurrent caller committed between pre-check and insert.
type lateRacerStore struct {
	wallet.Store
}

func (s lateRacerStore) WithTx(ctx context.Context, fn func(wallet.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx wallet.Tx) error {
		return fn(blindTx{tx})
	})
}

type blindTx struct {
	wallet.Tx
}

func (blindTx) FindEntryByKey(context.Context, string) (*wallet.LedgerEntry, error) {
	return nil, nil
}

type brokenStore struct {
	wallet.Store
}

func (brokenStore) WithTx(context.Context, func(wallet.Tx) error) error {
	return errors.New("connection reset by peer")
}

// =============================================================================
// MONEY MOVEMENT
// =============================================================================

func TestSpend_InsufficientBalance_NothingWritten(t *testing.T) {
	// GIVEN: alice holds 1000 gold
	// WHEN: alice spends 1500
	// THEN: InsufficientBalance, balance unchanged, no entry recorded
	ctx := context.Background()
	svc, _ := newLedger(t)

	_, err := svc.Spend(ctx, wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 1500, IdempotencyKey: "spend-1"})

	var insufficient *wallet.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(dec("1000")))
	assert.True(t, insufficient.Requested.Equal(dec("1500")))
	assert.True(t, balanceOf(t, svc, alice, gold).Equal(dec("1000")))

	history, err := svc.GetTransactions(ctx, alice, 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTopUp_ReplayReturnsOriginalResult(t *testing.T) {
	// GIVEN: alice holds 1000 gold
	// WHEN: alice tops up 50 with key K twice
	// THEN: one entry with key K, second call is a replay with the same result
	ctx := context.Background()
	svc, m := newLedger(t)
	params := wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 50, IdempotencyKey: "K"}

	first, err := svc.TopUp(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, wallet.OutcomeCommitted, first.Outcome)
	assert.True(t, first.NewBalance.Equal(dec("1050")))

	second, err := svc.TopUp(ctx, params)
	require.NoError(t, err)
	assert.True(t, second.Replayed())
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.True(t, second.NewBalance.Equal(dec("1050")))

	history, err := m.History(ctx, []wallet.AccountID{"user-alice-GLD"}, 100, 0)
	require.NoError(t, err)
	keys := 0
	for _, h := range history {
		if h.Entry.IdempotencyKey == "K" {
			keys++
		}
	}
	assert.Equal(t, 1, keys)
	assert.True(t, balanceOf(t, svc, alice, gold).Equal(dec("1050")))
}

func TestReplay_NewBalanceIsOriginalPostState(t *testing.T) {
	// GIVEN: a committed top-up followed by a spend
	// WHEN: the top-up is replayed
	// THEN: newBalance is the balance right after the top-up, not the current one
	ctx := context.Background()
	svc, _ := newLedger(t)
	params := wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 50, IdempotencyKey: "K"}

	_, err := svc.TopUp(ctx, params)
	require.NoError(t, err)
	_, err = svc.Spend(ctx, wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 300, IdempotencyKey: "S"})
	require.NoError(t, err)

	replay, err := svc.TopUp(ctx, params)
	require.NoError(t, err)
	assert.True(t, replay.Replayed())
	assert.True(t, replay.NewBalance.Equal(dec("1050")), "got %s", replay.NewBalance)
	assert.True(t, balanceOf(t, svc, alice, gold).Equal(dec("750")))
}

func TestSpend_UnknownUser_AccountNotFoundOnUserSide(t *testing.T) {
	svc, _ := newLedger(t)

	_, err := svc.Spend(context.Background(), wallet.Params{UserID: "user-nobody", AssetTypeID: gold, Amount: 1, IdempotencyKey: "x"})

	var notFound *wallet.AccountNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, wallet.SideUser, notFound.Side)
	assert.Equal(t, wallet.OwnerID("user-nobody"), notFound.OwnerID)
}

func TestSpend_Success_DebitsUserCreditsTreasury(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedger(t)

	res, err := svc.Spend(ctx, wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 250.5, IdempotencyKey: "s1", ReferenceID: "order-7"})

	require.NoError(t, err)
	assert.Equal(t, wallet.EntrySpend, res.Entry.Type)
	assert.Equal(t, wallet.AccountID("user-alice-GLD"), res.Entry.DebitAccountID)
	assert.Equal(t, wallet.AccountID("treasury-GLD"), res.Entry.CreditAccountID)
	assert.Equal(t, "Credit spend", res.Entry.Note)
	assert.Equal(t, "order-7", res.Entry.ReferenceID)
	assert.True(t, res.NewBalance.Equal(dec("749.5")))
	assert.True(t, balanceOf(t, svc, alice, gold).Equal(res.NewBalance))
}

func TestIssueBonus_RecordsBonusWithDefaultNote(t *testing.T) {
	ctx := context.Background()
	svc, _ := newLedger(t)

	res, err := svc.IssueBonus(ctx, wallet.Params{UserID: bob, AssetTypeID: diamonds, Amount: 5, IdempotencyKey: "b1",
		Metadata: map[string]any{"campaign": "spring"}})
	require.NoError(t, err)
	assert.Equal(t, wallet.EntryBonus, res.Entry.Type)
	assert.Equal(t, "Bonus credit", res.Entry.Note)
	assert.Equal(t, "spring", res.Entry.Metadata["campaign"])
	assert.Equal(t, wallet.AccountID("treasury-DMD"), res.Entry.DebitAccountID)
	assert.True(t, res.NewBalance.Equal(dec("5")))

	custom, err := svc.IssueBonus(ctx, wallet.Params{UserID: bob, AssetTypeID: diamonds, Amount: 1, IdempotencyKey: "b2", Note: "Referral"})
	require.NoError(t, err)
	assert.Equal(t, "Referral", custom.Entry.Note)
}

func TestTopUp_DefaultNoteAndTimestamp(t *testing.T) {
	at := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newLedger(t, wallet.WithClock(fixedClock{at}))

	res, err := svc.TopUp(context.Background(), wallet.Params{UserID: bob, AssetTypeID: gold, Amount: 10, IdempotencyKey: "t1"})

	require.NoError(t, err)
	assert.Equal(t, "Wallet top-up", res.Entry.Note)
	assert.Equal(t, at, res.Entry.CreatedAt)
}

func TestInvalidAmount_NoStoreAccess(t *testing.T) {
	m := store.NewMemory()
	counting := &countingStore{Store: m}
	svc := wallet.NewService(counting, wallet.WithLogger(quietLogger()))

	for _, amount := range []float64{0, -10, math.NaN(), math.Inf(1)} {
		_, err := svc.TopUp(context.Background(), wallet.Params{UserID: alice, AssetTypeID: gold, Amount: amount, IdempotencyKey: "k"})
		assert.Equal(t, wallet.KindInvalidAmount, wallet.KindOf(err))
	}
	assert.Zero(t, counting.units)
}

func TestRaceFallback_ConstraintViolationBecomesReplay(t *testing.T) {
	// GIVEN: key K already committed, but the pre-check does not see it
	// WHEN: the insert is rejected by the uniqueness constraint
	// THEN: the committed entry is re-read and returned as a replay
	ctx := context.Background()
	_, m := newLedger(t)
	racing := wallet.NewService(lateRacerStore{Store: m}, wallet.WithLogger(quietLogger()))

	first, err := racing.TopUp(ctx, wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 50, IdempotencyKey: "K"})
	require.NoError(t, err)

	second, err := racing.TopUp(ctx, wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 50, IdempotencyKey: "K"})
	require.NoError(t, err)
	assert.True(t, second.Replayed())
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.True(t, second.NewBalance.Equal(dec("1050")))
}

func TestRaceFallback_LogsWarning(t *testing.T) {
	ctx := context.Background()
	_, m := newLedger(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	racing := wallet.NewService(lateRacerStore{Store: m}, wallet.WithLogger(logger))

	_, err := racing.Spend(ctx, wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 5, IdempotencyKey: "K2"})
	require.NoError(t, err)
	assert.Empty(t, buf.String())

	_, err = racing.Spend(ctx, wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 5, IdempotencyKey: "K2"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "idempotency key won by concurrent request")
}

func TestStoreFailure_Propagates(t *testing.T) {
	svc := wallet.NewService(brokenStore{Store: store.NewMemory()}, wallet.WithLogger(quietLogger()))

	_, err := svc.TopUp(context.Background(), wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 1, IdempotencyKey: "k"})

	require.Error(t, err)
	assert.Equal(t, wallet.KindStoreFailure, wallet.KindOf(err))
}

func TestCancelledContext_NothingCommitted(t *testing.T) {
	svc, _ := newLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Spend(ctx, wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 1, IdempotencyKey: "c1"})

	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, balanceOf(t, svc, alice, gold).Equal(dec("1000")))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentSpends_NeverOverdraw(t *testing.T) {
	// GIVEN: alice holds 1000 gold
	// WHEN: three concurrent spends of ceil(1000/2)+1 = 501
	// THEN: one or two succeed, never all three, balance stays >= 0
	ctx := context.Background()
	svc, _ := newLedger(t)

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Spend(ctx, wallet.Params{
				UserID: alice, AssetTypeID: gold, Amount: 501,
				IdempotencyKey: "race-" + string(rune('a'+i)),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, wallet.ErrInsufficientBalance)
	}
	assert.GreaterOrEqual(t, succeeded, 1)
	assert.LessOrEqual(t, succeeded, 2)

	final := balanceOf(t, svc, alice, gold)
	assert.False(t, final.IsNegative())
	assert.True(t, final.Equal(dec("1000").Sub(dec("501").Mul(decimal.NewFromInt(int64(succeeded))))))
}

func TestOpposingOperations_ConserveValue(t *testing.T) {
	// GIVEN: concurrent top-ups and spends on the same account pair
	// WHEN: all complete
	// THEN: treasury + users sum to zero for the asset
	ctx := context.Background()
	svc, m := newLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		key := string(rune('A' + i))
		go func() {
			defer wg.Done()
			_, err := svc.TopUp(ctx, wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 7, IdempotencyKey: "up-" + key})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := svc.Spend(ctx, wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 3, IdempotencyKey: "down-" + key})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	total := decimal.Zero
	for _, id := range []wallet.AccountID{"treasury-GLD", "user-alice-GLD", "user-bob-GLD"} {
		b, err := m.BalanceAsOf(ctx, id, math.MaxInt64)
		require.NoError(t, err)
		total = total.Add(b)
	}
	assert.True(t, total.IsZero(), "ledger not conserved: %s", total)
	assert.True(t, balanceOf(t, svc, alice, gold).Equal(dec("1080")))
}

// =============================================================================
// REPLAY CACHE AND OBSERVER
// =============================================================================

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type mapCache struct {
	mu      sync.Mutex
	results map[string]wallet.Result
	failGet bool
}

func (c *mapCache) Get(_ context.Context, key string) (*wallet.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet {
		return nil, errors.New("cache down")
	}
	r, ok := c.results[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (c *mapCache) Put(_ context.Context, key string, r wallet.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = r
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) OperationCompleted(op wallet.EntryType, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, string(op)+":"+outcome)
}

func TestReplayCache_HitSkipsUnitOfWork(t *testing.T) {
	ctx := context.Background()
	cache := &mapCache{results: map[string]wallet.Result{}}
	_, m := newLedger(t)
	counting := &countingStore{Store: m}
	svc := wallet.NewService(counting, wallet.WithCache(cache), wallet.WithLogger(quietLogger()))
	params := wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 50, IdempotencyKey: "K"}

	first, err := svc.TopUp(ctx, params)
	require.NoError(t, err)
	require.Contains(t, cache.results, "K")

	second, err := svc.TopUp(ctx, params)
	require.NoError(t, err)
	assert.True(t, second.Replayed())
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, 1, counting.units)
}

func TestReplayCache_FailureFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	cache := &mapCache{results: map[string]wallet.Result{}, failGet: true}
	svc, _ := newLedger(t, wallet.WithCache(cache))
	params := wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 50, IdempotencyKey: "K"}

	_, err := svc.TopUp(ctx, params)
	require.NoError(t, err)
	again, err := svc.TopUp(ctx, params)

	require.NoError(t, err)
	assert.True(t, again.Replayed())
	assert.True(t, balanceOf(t, svc, alice, gold).Equal(dec("1050")))
}

func TestObserver_ReportsOutcomes(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	svc, _ := newLedger(t, wallet.WithObserver(obs))

	_, _ = svc.TopUp(ctx, wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 1, IdempotencyKey: "seed-alice-gold"})
	_, _ = svc.Spend(ctx, wallet.Params{UserID: alice, AssetTypeID: gold, Amount: 5000, IdempotencyKey: "big"})
	_, _ = svc.IssueBonus(ctx, wallet.Params{UserID: alice, AssetTypeID: gold, Amount: -1, IdempotencyKey: "neg"})

	assert.Equal(t, []string{
		"TOPUP:committed",
		"TOPUP:replayed",
		"SPEND:insufficient_balance",
		"BONUS:invalid_amount",
	}, obs.outcomes)
}
