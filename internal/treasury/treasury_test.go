package treasury

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
	"github.com/ktex/exchange-engine/internal/store"
)

func TestRegister(t *testing.T) {
	ctx := context.Background()
	tr := New(store.NewMemoryStore())

	a, err := tr.Register(ctx, "usdc.near", 6)
	require.NoError(t, err)
	require.Equal(t, model.AssetEnabled, a.Status)
	require.True(t, a.Balance.IsZero())

	_, err = tr.Register(ctx, "usdc.near", 6)
	require.ErrorIs(t, err, model.ErrAlreadyExists)

	_, err = tr.Register(ctx, "dai.near", 0)
	require.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = tr.Register(ctx, "dai.near", 38)
	require.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = tr.Register(ctx, "Not An Account", 6)
	require.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = tr.Register(ctx, "dai.near", 18)
	require.NoError(t, err)
	_, err = tr.Register(ctx, "usdt.near", 37)
	require.NoError(t, err)

	assets, err := tr.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(assets))
	for _, a := range assets {
		ids = append(ids, a.ID)
	}
	require.Equal(t, []string{"usdc.near", "dai.near", "usdt.near"}, ids)
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	tr := New(store.NewMemoryStore())
	_, err := tr.Register(ctx, "usdc.near", 6)
	require.NoError(t, err)

	_, err = tr.Enable(ctx, "usdc.near")
	require.ErrorIs(t, err, model.ErrInvalidState)

	a, err := tr.Disable(ctx, "usdc.near")
	require.NoError(t, err)
	require.Equal(t, model.AssetDisabled, a.Status)

	_, err = tr.Disable(ctx, "usdc.near")
	require.ErrorIs(t, err, model.ErrInvalidState)

	_, err = tr.RequireStatus(ctx, "usdc.near", model.AssetEnabled)
	require.ErrorIs(t, err, model.ErrInvalidState)
	require.Contains(t, err.Error(), "currently not Enabled")

	a, err = tr.Enable(ctx, "usdc.near")
	require.NoError(t, err)
	require.Equal(t, model.AssetEnabled, a.Status)

	got, err := tr.RequireStatus(ctx, "usdc.near", model.AssetEnabled)
	require.NoError(t, err)
	require.Equal(t, uint8(6), got.Decimals)

	_, err = tr.Enable(ctx, "unknown.near")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = tr.RequireStatus(ctx, "unknown.near", model.AssetEnabled)
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = tr.SetStatus(ctx, "usdc.near", model.AssetStatus("Paused"))
	require.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestDepositWithdraw(t *testing.T) {
	ctx := context.Background()
	tr := New(store.NewMemoryStore())
	_, err := tr.Register(ctx, "usdc.near", 6)
	require.NoError(t, err)

	a, err := tr.Deposit(ctx, "usdc.near", fixed.New(1_000_000))
	require.NoError(t, err)
	require.Equal(t, fixed.New(1_000_000), a.Balance)

	_, err = tr.Withdraw(ctx, "usdc.near", fixed.New(1_000_001))
	require.ErrorIs(t, err, model.ErrUnderflow)

	_, err = tr.Deposit(ctx, "usdc.near", fixed.Max)
	require.ErrorIs(t, err, model.ErrOverflow)

	a, err = tr.Withdraw(ctx, "usdc.near", fixed.New(999_999))
	require.NoError(t, err)
	require.Equal(t, fixed.New(1), a.Balance)

	stored, err := tr.Asset(ctx, "usdc.near")
	require.NoError(t, err)
	require.Equal(t, fixed.New(1), stored.Balance)

	_, err = tr.Deposit(ctx, "unknown.near", fixed.New(1))
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestAdjustIgnoresStaleViews(t *testing.T) {
	ctx := context.Background()
	tr := New(store.NewMemoryStore())
	a, err := tr.Register(ctx, "usdc.near", 6)
	require.NoError(t, err)

	// A second store holding the record as it was at registration stands
	// in for a cache that missed the invalidation.
	stale := store.NewMemoryStore()
	require.NoError(t, stale.InsertAsset(ctx, a))
	tr.WithViews(stale)

	_, err = tr.Deposit(ctx, "usdc.near", fixed.New(50))
	require.NoError(t, err)
	got, err := tr.Deposit(ctx, "usdc.near", fixed.New(10))
	require.NoError(t, err)
	require.Equal(t, fixed.New(60), got.Balance)

	_, err = tr.Disable(ctx, "usdc.near")
	require.NoError(t, err)
	_, err = tr.RequireStatus(ctx, "usdc.near", model.AssetEnabled)
	require.ErrorIs(t, err, model.ErrInvalidState)

	view, err := tr.ViewAsset(ctx, "usdc.near")
	require.NoError(t, err)
	require.True(t, view.Balance.IsZero())
	require.Equal(t, model.AssetEnabled, view.Status)
}
