// Package token is the native-token balance ledger. Every holder carries an
// amount and the weighted average price at which that amount was acquired;
// the total supply always equals the sum of all holder amounts.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
	"github.com/ktex/exchange-engine/internal/price"
)

// Metadata of the native token.
var Metadata = model.TokenMetadata{
	Spec:     "ft-1.0.0",
	Name:     "K fungible token",
	Symbol:   "KTK",
	Decimals: price.NativeDecimals,
}

// Store persists holder balances together with the supply counter.
// SaveBalances must write the supply and every given holder atomically.
type Store interface {
	GetHolder(ctx context.Context, accountID string) (*model.HolderBalance, error)
	ListBalances(ctx context.Context) ([]model.HolderBalance, error)
	TotalSupply(ctx context.Context) (fixed.Uint, error)
	SaveBalances(ctx context.Context, supply fixed.Uint, holders ...model.HolderBalance) error
}

// Ledger serializes read-modify-write cycles on balances. Each mutation is a
// single checked step: either every record it touches is saved or none is.
//
// Mutations and the Balance/TotalSupply reads feeding them always go to the
// authoritative store. A cache may only serve the View methods.
type Ledger struct {
	mu    sync.Mutex
	store Store
	views Store
}

// NewLedger creates a ledger over st.
func NewLedger(st Store) *Ledger {
	return &Ledger{store: st, views: st}
}

// WithViews routes ViewBalance and ViewTotalSupply through v, typically a
// read-through cache in front of the ledger's store.
func (l *Ledger) WithViews(v Store) *Ledger {
	l.views = v
	return l
}

// Balance returns the holder record for account. Unknown accounts read as a
// zero balance; nothing is created.
func (l *Ledger) Balance(ctx context.Context, account string) (model.HolderBalance, error) {
	return balanceFrom(ctx, l.store, account)
}

// ViewBalance is Balance for display. It may lag behind recent mutations.
func (l *Ledger) ViewBalance(ctx context.Context, account string) (model.HolderBalance, error) {
	return balanceFrom(ctx, l.views, account)
}

// ViewTotalSupply is TotalSupply for display.
func (l *Ledger) ViewTotalSupply(ctx context.Context) (fixed.Uint, error) {
	return l.views.TotalSupply(ctx)
}

func balanceFrom(ctx context.Context, st Store, account string) (model.HolderBalance, error) {
	h, err := st.GetHolder(ctx, account)
	if errors.Is(err, model.ErrNotFound) {
		return model.HolderBalance{AccountID: account}, nil
	}
	if err != nil {
		return model.HolderBalance{}, err
	}
	return *h, nil
}

// BalanceOf returns the amount held by account.
func (l *Ledger) BalanceOf(ctx context.Context, account string) (fixed.Uint, error) {
	h, err := l.Balance(ctx, account)
	return h.Amount, err
}

// TotalSupply returns the amount of native tokens in circulation.
func (l *Ledger) TotalSupply(ctx context.Context) (fixed.Uint, error) {
	return l.store.TotalSupply(ctx)
}

// Holders lists every balance ever created, including emptied ones.
func (l *Ledger) Holders(ctx context.Context) ([]model.HolderBalance, error) {
	return l.store.ListBalances(ctx)
}

// Deposit credits amount acquired at price to account and grows the supply.
func (l *Ledger) Deposit(ctx context.Context, account string, amount, p fixed.Uint) (model.HolderBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, err := l.Balance(ctx, account)
	if err != nil {
		return model.HolderBalance{}, err
	}
	supply, err := l.store.TotalSupply(ctx)
	if err != nil {
		return model.HolderBalance{}, err
	}

	next, err := credit(h, amount, p)
	if err != nil {
		return h, err
	}
	if supply, err = supply.Add(amount); err != nil {
		return h, fmt.Errorf("total supply: %w", err)
	}
	if err := l.store.SaveBalances(ctx, supply, next); err != nil {
		return h, fmt.Errorf("save balance: %w", err)
	}
	return next, nil
}

// Withdraw debits amount released at price from account and shrinks the
// supply. It fails with model.ErrUnderflow when the balance is insufficient.
func (l *Ledger) Withdraw(ctx context.Context, account string, amount, p fixed.Uint) (model.HolderBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, err := l.Balance(ctx, account)
	if err != nil {
		return model.HolderBalance{}, err
	}
	supply, err := l.store.TotalSupply(ctx)
	if err != nil {
		return model.HolderBalance{}, err
	}

	next, err := debit(h, amount, p)
	if err != nil {
		return h, err
	}
	if supply, err = supply.Sub(amount); err != nil {
		return h, fmt.Errorf("total supply: %w", err)
	}
	if err := l.store.SaveBalances(ctx, supply, next); err != nil {
		return h, fmt.Errorf("save balance: %w", err)
	}
	return next, nil
}

// Transfer moves amount from sender to receiver at the sender's current
// weighted price, so the sender's average is unchanged and the receiver
// inherits the cost basis. Both records are saved together. The price used
// is returned.
func (l *Ledger) Transfer(ctx context.Context, sender, receiver string, amount fixed.Uint) (fixed.Uint, error) {
	if sender == receiver {
		return fixed.Zero, fmt.Errorf("%w: sender and receiver should be different", model.ErrInvalidInput)
	}
	if amount.IsZero() {
		return fixed.Zero, fmt.Errorf("%w: the amount should be a positive number", model.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from, err := l.Balance(ctx, sender)
	if err != nil {
		return fixed.Zero, err
	}
	to, err := l.Balance(ctx, receiver)
	if err != nil {
		return fixed.Zero, err
	}
	supply, err := l.store.TotalSupply(ctx)
	if err != nil {
		return fixed.Zero, err
	}

	p := from.Price
	nextFrom, err := debit(from, amount, p)
	if err != nil {
		return fixed.Zero, err
	}
	nextTo, err := credit(to, amount, p)
	if err != nil {
		return fixed.Zero, err
	}
	if err := l.store.SaveBalances(ctx, supply, nextFrom, nextTo); err != nil {
		return fixed.Zero, fmt.Errorf("save balances: %w", err)
	}
	return p, nil
}
