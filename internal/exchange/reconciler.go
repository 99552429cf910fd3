package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ktex/exchange-engine/internal/metrics"
	"github.com/ktex/exchange-engine/internal/model"
	"github.com/ktex/exchange-engine/internal/price"
)

// ErrAbandoned is the outcome recorded for an operation whose remote call
// never answered.
var ErrAbandoned = errors.New("exchange: no outcome before deadline")

// Reconciler drives operations left suspended on a remote call to a
// terminal state. A quote that never arrived fails the operation; a
// transfer that never resolved is treated as failed and compensated.
type Reconciler struct {
	orch       *Orchestrator
	interval   time.Duration
	staleAfter time.Duration
}

// NewReconciler creates a reconciler that every interval resolves
// operations untouched for longer than staleAfter.
func NewReconciler(o *Orchestrator, interval, staleAfter time.Duration) *Reconciler {
	return &Reconciler{orch: o, interval: interval, staleAfter: staleAfter}
}

// Run reconciles until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.orch.log.Info("reconciler started", "interval", r.interval, "stale_after", r.staleAfter)
	for {
		select {
		case <-ctx.Done():
			r.orch.log.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.orch.log.Error("reconcile failed", "err", err)
			}
		}
	}
}

// RunOnce performs a single pass and returns how many operations it
// resolved.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	o := r.orch
	cutoff := o.now().Add(-r.staleAfter)
	ops, err := o.store.ListOperations(ctx,
		[]model.OperationState{model.StateQuoteRequested, model.StateRemoteTransferRequested}, cutoff)
	if err != nil {
		metrics.ReconcilerRuns.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("list stale operations: %w", err)
	}

	resolved := 0
	var errs []error
	for _, op := range ops {
		var err error
		switch op.State {
		case model.StateQuoteRequested:
			_, err = o.ResolveQuote(ctx, op.ID, price.Data{}, ErrAbandoned)
			// The failure is the expected outcome here.
			if errors.Is(err, model.ErrStaleQuote) {
				err = nil
			}
		case model.StateRemoteTransferRequested:
			_, err = o.ResolveTransfer(ctx, op.ID, ErrAbandoned)
		}
		switch {
		case err == nil:
			resolved++
			o.log.Warn("reconciled stale operation", "op_id", op.ID, "kind", op.Kind, "state", op.State)
		case errors.Is(err, model.ErrInvalidState):
			// Resolved concurrently.
		default:
			errs = append(errs, fmt.Errorf("operation %s: %w", op.ID, err))
		}
	}

	if len(errs) > 0 {
		metrics.ReconcilerRuns.WithLabelValues("error").Inc()
		return resolved, errors.Join(errs...)
	}
	metrics.ReconcilerRuns.WithLabelValues("ok").Inc()
	return resolved, nil
}
