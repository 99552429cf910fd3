package token

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
	"github.com/ktex/exchange-engine/internal/store"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(store.NewMemoryStore())
}

// requireSupplyInvariant checks that the supply equals the sum of balances.
func requireSupplyInvariant(t *testing.T, l *Ledger) {
	t.Helper()
	ctx := context.Background()
	holders, err := l.Holders(ctx)
	require.NoError(t, err)
	sum := fixed.Zero
	for _, h := range holders {
		sum, err = sum.Add(h.Amount)
		require.NoError(t, err)
	}
	supply, err := l.TotalSupply(ctx)
	require.NoError(t, err)
	require.Equal(t, sum, supply)
}

func TestCredit_WeightedAverage(t *testing.T) {
	h := model.HolderBalance{AccountID: "alice.near"}
	h, err := credit(h, fixed.New(100), fixed.New(1_000_000))
	require.NoError(t, err)
	h, err = credit(h, fixed.New(200), fixed.New(1_500_000))
	require.NoError(t, err)

	require.Equal(t, fixed.New(300), h.Amount)
	require.Equal(t, fixed.New(1_333_333), h.Price)

	// A lower price pulls the average down.
	h, err = credit(h, fixed.New(300), fixed.New(1_000_000))
	require.NoError(t, err)
	require.Equal(t, fixed.New(600), h.Amount)
	require.Equal(t, fixed.New(1_166_667), h.Price)

	// Equal price leaves it unchanged.
	h, err = credit(h, fixed.New(1), fixed.New(1_166_667))
	require.NoError(t, err)
	require.Equal(t, fixed.New(1_166_667), h.Price)
}

func TestCredit_Overflow(t *testing.T) {
	h := model.HolderBalance{AccountID: "alice.near"}
	h, err := credit(h, fixed.New(1), fixed.Zero)
	require.NoError(t, err)

	_, err = credit(h, fixed.Max, fixed.Zero)
	require.ErrorIs(t, err, model.ErrOverflow)

	// Weighted price product overflows.
	_, err = credit(h, fixed.MustParse("100000000000000000000"), fixed.MustParse("100000000000000000000"))
	require.ErrorIs(t, err, model.ErrOverflow)

	// Nothing to average over.
	_, err = credit(model.HolderBalance{}, fixed.Zero, fixed.New(1))
	require.ErrorIs(t, err, model.ErrOverflow)
}

func TestDebit(t *testing.T) {
	h := model.HolderBalance{AccountID: "alice.near", Amount: fixed.New(300), Price: fixed.New(1_000)}

	// Releasing above the average lowers the remaining average.
	next, err := debit(h, fixed.New(100), fixed.New(1_200))
	require.NoError(t, err)
	require.Equal(t, fixed.New(200), next.Amount)
	require.Equal(t, fixed.New(900), next.Price)

	// Releasing below the average raises it.
	next, err = debit(h, fixed.New(100), fixed.New(800))
	require.NoError(t, err)
	require.Equal(t, fixed.New(1_100), next.Price)

	// Emptying the balance resets its price.
	next, err = debit(h, fixed.New(300), fixed.New(5_000))
	require.NoError(t, err)
	require.True(t, next.Amount.IsZero())
	require.True(t, next.Price.IsZero())

	_, err = debit(h, fixed.New(301), fixed.New(1_000))
	require.ErrorIs(t, err, model.ErrUnderflow)

	// The mirrored formula can drive the average below zero.
	_, err = debit(h, fixed.New(200), fixed.New(2_000))
	require.ErrorIs(t, err, model.ErrUnderflow)

	_, err = debit(model.HolderBalance{}, fixed.New(1), fixed.Zero)
	require.ErrorIs(t, err, model.ErrUnderflow)
}

func TestLedger_BalanceOfUnknown(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	amount, err := l.BalanceOf(ctx, "nobody.near")
	require.NoError(t, err)
	require.True(t, amount.IsZero())

	holders, err := l.Holders(ctx)
	require.NoError(t, err)
	require.Empty(t, holders)
}

func TestLedger_DepositWithdraw(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	_, err := l.Deposit(ctx, "alice.near", fixed.New(100), fixed.New(1_000_000))
	require.NoError(t, err)
	h, err := l.Deposit(ctx, "alice.near", fixed.New(200), fixed.New(1_500_000))
	require.NoError(t, err)
	require.Equal(t, fixed.New(1_333_333), h.Price)

	_, err = l.Deposit(ctx, "bob.near", fixed.New(50), fixed.New(1))
	require.NoError(t, err)
	requireSupplyInvariant(t, l)

	supply, err := l.TotalSupply(ctx)
	require.NoError(t, err)
	require.Equal(t, fixed.New(350), supply)

	h, err = l.Withdraw(ctx, "alice.near", fixed.New(300), fixed.New(1_333_333))
	require.NoError(t, err)
	require.True(t, h.Amount.IsZero())
	requireSupplyInvariant(t, l)

	// The emptied holder remains addressable.
	stored, err := l.Balance(ctx, "alice.near")
	require.NoError(t, err)
	require.True(t, stored.Amount.IsZero())
}

func TestLedger_FailedMutationLeavesState(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	_, err := l.Deposit(ctx, "alice.near", fixed.New(10), fixed.New(5))
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, "alice.near", fixed.New(11), fixed.New(5))
	require.ErrorIs(t, err, model.ErrUnderflow)

	_, err = l.Deposit(ctx, "bob.near", fixed.Max, fixed.New(5))
	require.ErrorIs(t, err, model.ErrOverflow)

	amount, err := l.BalanceOf(ctx, "alice.near")
	require.NoError(t, err)
	require.Equal(t, fixed.New(10), amount)
	requireSupplyInvariant(t, l)
}

func TestLedger_Transfer(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	_, err := l.Deposit(ctx, "alice.near", fixed.New(100), fixed.New(2_000))
	require.NoError(t, err)
	_, err = l.Deposit(ctx, "bob.near", fixed.New(100), fixed.New(1_000))
	require.NoError(t, err)

	p, err := l.Transfer(ctx, "alice.near", "bob.near", fixed.New(100))
	require.NoError(t, err)
	require.Equal(t, fixed.New(2_000), p)

	bob, err := l.Balance(ctx, "bob.near")
	require.NoError(t, err)
	require.Equal(t, fixed.New(200), bob.Amount)
	require.Equal(t, fixed.New(1_500), bob.Price)
	requireSupplyInvariant(t, l)

	_, err = l.Transfer(ctx, "bob.near", "bob.near", fixed.New(1))
	require.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = l.Transfer(ctx, "bob.near", "carol.near", fixed.Zero)
	require.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = l.Transfer(ctx, "alice.near", "carol.near", fixed.New(1))
	require.ErrorIs(t, err, model.ErrUnderflow)

	carol, err := l.BalanceOf(ctx, "carol.near")
	require.NoError(t, err)
	require.True(t, carol.IsZero())
}

// frozenViews serves a fixed snapshot, like a cache entry that was filled
// just before a write landed.
type frozenViews struct {
	holders map[string]model.HolderBalance
	supply  fixed.Uint
}

func (f *frozenViews) GetHolder(_ context.Context, id string) (*model.HolderBalance, error) {
	h, ok := f.holders[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &h, nil
}

func (f *frozenViews) ListBalances(context.Context) ([]model.HolderBalance, error) {
	var out []model.HolderBalance
	for _, h := range f.holders {
		out = append(out, h)
	}
	return out, nil
}

func (f *frozenViews) TotalSupply(context.Context) (fixed.Uint, error) { return f.supply, nil }

func (f *frozenViews) SaveBalances(context.Context, fixed.Uint, ...model.HolderBalance) error {
	return nil
}

func TestLedger_MutationsIgnoreStaleViews(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	_, err := l.Deposit(ctx, "alice.near", fixed.New(100), fixed.New(1))
	require.NoError(t, err)
	snapshot, err := l.Balance(ctx, "alice.near")
	require.NoError(t, err)
	views := &frozenViews{
		holders: map[string]model.HolderBalance{"alice.near": snapshot},
		supply:  fixed.New(100),
	}
	l.WithViews(views)

	_, err = l.Deposit(ctx, "alice.near", fixed.New(50), fixed.New(1))
	require.NoError(t, err)
	_, err = l.Deposit(ctx, "alice.near", fixed.New(10), fixed.New(1))
	require.NoError(t, err)

	amount, err := l.BalanceOf(ctx, "alice.near")
	require.NoError(t, err)
	require.Equal(t, fixed.New(160), amount)
	requireSupplyInvariant(t, l)

	// Views lag until the cache entry is replaced.
	view, err := l.ViewBalance(ctx, "alice.near")
	require.NoError(t, err)
	require.Equal(t, fixed.New(100), view.Amount)
	supply, err := l.ViewTotalSupply(ctx)
	require.NoError(t, err)
	require.Equal(t, fixed.New(100), supply)

	_, err = l.Transfer(ctx, "alice.near", "bob.near", fixed.New(160))
	require.NoError(t, err)
	requireSupplyInvariant(t, l)
}
