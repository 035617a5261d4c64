// Package jobs runs the ledger's periodic sweeps.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mcclellann/sinkfund/pkg/apperr"
	"github.com/mcclellann/sinkfund/pkg/ledger"
	"github.com/mcclellann/sinkfund/pkg/metrics"
)

const (
	GenerateContributions = "generate-contributions"
	CheckMissedPayments   = "check-missed-payments"
	CheckLoanDueDates     = "check-loan-due-dates"
)

// Sweep is one idempotent batch operation. Run returns the number of
// records it changed.
type Sweep struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// LedgerSweeps returns the ledger's sweeps in the order they should run:
// contributions are scheduled before they are checked for misses.
func LedgerSweeps(l *ledger.Ledger) []Sweep {
	return []Sweep{
		{Name: GenerateContributions, Run: l.GenerateContributions},
		{Name: CheckMissedPayments, Run: l.CheckMissedPayments},
		{Name: CheckLoanDueDates, Run: l.CheckLoanDueDates},
	}
}

// Runner executes sweeps on a ticker or on demand. Runs never overlap.
type Runner struct {
	sweeps   []Sweep
	interval time.Duration
	metrics  *metrics.Metrics
	mu       sync.Mutex
}

func NewRunner(interval time.Duration, m *metrics.Metrics, sweeps ...Sweep) *Runner {
	return &Runner{sweeps: sweeps, interval: interval, metrics: m}
}

// Start runs every sweep each interval until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("Sweep runner started", "interval", r.interval, "sweeps", len(r.sweeps))
	for {
		select {
		case <-ctx.Done():
			slog.Info("Sweep runner stopped")
			return
		case <-ticker.C:
			r.RunAll(ctx)
		}
	}
}

// RunAll runs every sweep once. A failing sweep does not stop the others.
func (r *Runner) RunAll(ctx context.Context) {
	for _, s := range r.sweeps {
		if ctx.Err() != nil {
			return
		}
		r.run(ctx, s)
	}
}

// Run runs the named sweep once.
func (r *Runner) Run(ctx context.Context, name string) (int, error) {
	for _, s := range r.sweeps {
		if s.Name == name {
			return r.run(ctx, s)
		}
	}
	return 0, apperr.NotFound("unknown job %q", name)
}

func (r *Runner) run(ctx context.Context, s Sweep) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	n, err := s.Run(ctx)
	r.metrics.ObserveSweep(s.Name, n, err)
	if err != nil {
		slog.Error("Sweep failed", "sweep", s.Name, "processed", n, "error", err)
		return n, err
	}
	slog.Info("Sweep complete", "sweep", s.Name, "processed", n, "duration", time.Since(start))
	return n, nil
}
