// Package transfer moves registered assets out of the exchange to their
// holders. A transfer either succeeds, fails, or is accepted for later
// settlement; in the last case the outcome arrives through the operation's
// transfer-result continuation.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
)

// ErrPending is returned when the remote side accepted the transfer but has
// not settled it yet.
var ErrPending = errors.New("transfer: pending")

// ErrRejected is the generic remote failure.
var ErrRejected = errors.New("transfer: rejected")

// Request is one outgoing asset transfer. OperationID doubles as the
// idempotency key.
type Request struct {
	OperationID string     `json:"operation_id"`
	AssetID     string     `json:"asset_id"`
	Receiver    string     `json:"receiver_id"`
	Amount      fixed.Uint `json:"amount"`
	Memo        string     `json:"memo,omitempty"`
}

// Transferer issues remote asset transfers.
type Transferer interface {
	Transfer(ctx context.Context, req Request) error
}

// Bank is an in-process asset custodian that records every transfer it
// settles. Failures and pending answers can be scripted.
type Bank struct {
	mu       sync.Mutex
	balances map[string]map[string]fixed.Uint
	settled  []Request
	seen     map[string]bool
	failures []error
	pending  bool
}

// NewBank creates an empty bank.
func NewBank() *Bank {
	return &Bank{
		balances: make(map[string]map[string]fixed.Uint),
		seen:     make(map[string]bool),
	}
}

// FailNext makes the next transfers fail with the given errors, in order.
func (b *Bank) FailNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, errs...)
}

// SetPending makes transfers answer ErrPending without settling.
func (b *Bank) SetPending(pending bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = pending
}

func (b *Bank) Transfer(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		return err
	}
	if b.pending {
		return ErrPending
	}
	if req.Amount.IsZero() {
		return fmt.Errorf("%w: %v: zero amount", ErrRejected, model.ErrInvalidInput)
	}
	if b.seen[req.OperationID] {
		// Idempotent replay.
		return nil
	}

	accounts, ok := b.balances[req.AssetID]
	if !ok {
		accounts = make(map[string]fixed.Uint)
		b.balances[req.AssetID] = accounts
	}
	next, err := accounts[req.Receiver].Add(req.Amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	accounts[req.Receiver] = next
	b.seen[req.OperationID] = true
	b.settled = append(b.settled, req)
	return nil
}

// BalanceOf returns how much of assetID the bank has paid out to account.
func (b *Bank) BalanceOf(assetID, account string) fixed.Uint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[assetID][account]
}

// Settled returns every settled transfer in order.
func (b *Bank) Settled() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.settled...)
}
