package audit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/audit"
	"github.com/warp/wallet-ledger/seed"
	"github.com/warp/wallet-ledger/wallet"
	"github.com/warp/wallet-ledger/wallet/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubTotals struct {
	totals []wallet.AssetTotal
	err    error
	calls  atomic.Int32
}

func (s *stubTotals) AssetTotals(context.Context) ([]wallet.AssetTotal, error) {
	s.calls.Add(1)
	return s.totals, s.err
}

type recordingRecorder struct {
	mu   sync.Mutex
	seen [][]wallet.AssetTotal
}

func (r *recordingRecorder) ObserveAudit(totals []wallet.AssetTotal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, totals)
}

func TestCheck_SeededLedgerIsBalanced(t *testing.T) {
	// GIVEN: the demo ledger plus some movements
	ctx := context.Background()
	m := store.NewMemory()
	svc := wallet.NewService(m, wallet.WithLogger(quietLogger()))
	require.NoError(t, seed.Demo(ctx, m, svc))
	_, err := svc.Spend(ctx, wallet.Params{UserID: "user-alice", AssetTypeID: seed.GoldID, Amount: 12.34, IdempotencyKey: "spend-1"})
	require.NoError(t, err)
	_, err = svc.IssueBonus(ctx, wallet.Params{UserID: "user-bob", AssetTypeID: seed.DiamondID, Amount: 3, IdempotencyKey: "bonus-1"})
	require.NoError(t, err)

	rec := &recordingRecorder{}
	a := audit.New(m, audit.WithRecorder(rec), audit.WithLogger(quietLogger()))

	// WHEN
	report, err := a.Check(ctx)

	// THEN: every asset sums to zero
	require.NoError(t, err)
	assert.True(t, report.Balanced())
	assert.Len(t, report.Totals, 3)
	for _, total := range report.Totals {
		assert.True(t, total.Total.IsZero(), "%s: %s", total.Symbol, total.Total)
	}
	assert.Len(t, rec.seen, 1)
	assert.Equal(t, report, a.Last())
}

func TestCheck_ReportsImbalance(t *testing.T) {
	stub := &stubTotals{totals: []wallet.AssetTotal{
		{AssetTypeID: "gold", Symbol: "GLD", Total: decimal.Zero},
		{AssetTypeID: "dmd", Symbol: "DMD", Total: decimal.NewFromInt(7)},
	}}
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	a := audit.New(stub, audit.WithLogger(quietLogger()), audit.WithClock(func() time.Time { return fixed }))

	report, err := a.Check(context.Background())

	require.NoError(t, err)
	assert.False(t, report.Balanced())
	require.Len(t, report.Imbalanced, 1)
	assert.Equal(t, "DMD", report.Imbalanced[0].Symbol)
	assert.Equal(t, fixed, report.CheckedAt)
}

func TestCheck_PropagatesStoreError(t *testing.T) {
	boom := errors.New("db down")
	rec := &recordingRecorder{}
	a := audit.New(&stubTotals{err: boom}, audit.WithRecorder(rec), audit.WithLogger(quietLogger()))

	_, err := a.Check(context.Background())

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.seen)
}

func TestStartStop(t *testing.T) {
	// GIVEN: an auditor with a short interval
	stub := &stubTotals{}
	a := audit.New(stub, audit.WithInterval(10*time.Millisecond), audit.WithLogger(quietLogger()))

	// WHEN: it runs for a while
	a.Start()
	a.Start()
	require.Eventually(t, func() bool { return stub.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	a.Stop()

	// THEN: no check runs after Stop returns
	after := stub.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, stub.calls.Load())
	a.Stop()
}
