/*
auditor.go - Periodic ledger conservation audit

PURPOSE:
  Every movement debits one account and credits another of the same asset,
  so the balances of all accounts of an asset, treasury included, sum to
  zero. The auditor checks that on a ticker and reports any asset whose
  total drifted, which can only happen through writes that bypass the
  wallet service.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Checks once immediately on Start
  - Each check is a single TotalsReader call (one consistent snapshot)
  - Results go to the logger and to an optional Recorder (metrics)

USAGE:
  a := audit.New(store, audit.WithInterval(time.Hour))
  a.Start()
  // ... later
  a.Stop()

SEE ALSO:
  - wallet/store.go: TotalsReader
  - metrics/metrics.go: imbalance gauge
*/
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/wallet-ledger/wallet"
)

const DefaultInterval = time.Hour

// Recorder receives every completed check.
type Recorder interface {
	ObserveAudit(totals []wallet.AssetTotal)
}

// Report is the outcome of one check.
type Report struct {
	CheckedAt  time.Time
	Totals     []wallet.AssetTotal
	Imbalanced []wallet.AssetTotal
}

func (r Report) Balanced() bool { return len(r.Imbalanced) == 0 }

type Auditor struct {
	totals   wallet.TotalsReader
	interval time.Duration
	timeout  time.Duration
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	last   Report
}

type Option func(*Auditor)

func WithInterval(d time.Duration) Option   { return func(a *Auditor) { a.interval = d } }
func WithRecorder(r Recorder) Option        { return func(a *Auditor) { a.recorder = r } }
func WithLogger(l *slog.Logger) Option      { return func(a *Auditor) { a.logger = l } }
func WithClock(now func() time.Time) Option { return func(a *Auditor) { a.now = now } }

func New(totals wallet.TotalsReader, opts ...Option) *Auditor {
	a := &Auditor{
		totals:   totals,
		interval: DefaultInterval,
		timeout:  time.Minute,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start begins periodic checks. Calling Start on a running auditor is a
// no-op.
func (a *Auditor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ticker != nil {
		return
	}
	a.ticker = time.NewTicker(a.interval)
	a.stop = make(chan struct{})
	a.wg.Add(1)
	go a.run(a.ticker, a.stop)

	a.logger.Info("ledger audit started", "interval", a.interval)
}

// Stop halts the loop and waits for an in-flight check to finish.
func (a *Auditor) Stop() {
	a.mu.Lock()
	if a.ticker == nil {
		a.mu.Unlock()
		return
	}
	a.ticker.Stop()
	close(a.stop)
	a.ticker = nil
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("ledger audit stopped")
}

func (a *Auditor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer a.wg.Done()

	a.checkLogged()
	for {
		select {
		case <-ticker.C:
			a.checkLogged()
		case <-stop:
			return
		}
	}
}

func (a *Auditor) checkLogged() {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if _, err := a.Check(ctx); err != nil {
		a.logger.Error("ledger audit failed", "error", err)
	}
}

// Check runs one audit synchronously.
func (a *Auditor) Check(ctx context.Context) (Report, error) {
	totals, err := a.totals.AssetTotals(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{CheckedAt: a.now(), Totals: totals}
	for _, t := range totals {
		if !t.Total.IsZero() {
			report.Imbalanced = append(report.Imbalanced, t)
			a.logger.ErrorContext(ctx, "asset balances do not sum to zero",
				"asset_type_id", t.AssetTypeID,
				"symbol", t.Symbol,
				"total", t.Total.String())
		}
	}
	if report.Balanced() {
		a.logger.DebugContext(ctx, "ledger audit passed", "assets", len(totals))
	}
	if a.recorder != nil {
		a.recorder.ObserveAudit(totals)
	}

	a.mu.Lock()
	a.last = report
	a.mu.Unlock()
	return report, nil
}

// Last returns the most recent report, or the zero Report before the
// first check.
func (a *Auditor) Last() Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
