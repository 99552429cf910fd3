// Package treasury is the asset ledger: the registry of supported assets,
// their precision, trading status and pooled balance.
package treasury

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/ident"
	"github.com/ktex/exchange-engine/internal/model"
	"github.com/ktex/exchange-engine/internal/price"
)

// Store persists assets keyed by id.
type Store interface {
	InsertAsset(ctx context.Context, a *model.Asset) error
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	ListAssets(ctx context.Context) ([]model.Asset, error)
	UpdateAssetStatus(ctx context.Context, id string, status model.AssetStatus) error
	UpdateAssetBalance(ctx context.Context, id string, balance fixed.Uint) error
}

// Treasury serializes status changes and pooled balance updates. Assets are
// never deleted. Only ViewAsset may be served by a cache.
type Treasury struct {
	mu    sync.Mutex
	store Store
	views Store
	now   func() time.Time
}

// New creates a treasury over st.
func New(st Store) *Treasury {
	return &Treasury{store: st, views: st, now: time.Now}
}

// WithViews routes ViewAsset through v.
func (t *Treasury) WithViews(v Store) *Treasury {
	t.views = v
	return t
}

// Register adds an Enabled asset with an empty pool.
func (t *Treasury) Register(ctx context.Context, assetID string, decimals uint8) (*model.Asset, error) {
	if err := ident.Validate(assetID); err != nil {
		return nil, err
	}
	if err := price.ValidateAssetDecimals(decimals); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a := &model.Asset{
		ID:        assetID,
		Decimals:  decimals,
		Status:    model.AssetEnabled,
		Balance:   fixed.Zero,
		CreatedAt: t.now().UTC(),
	}
	if err := t.store.InsertAsset(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Asset returns a snapshot of the asset.
func (t *Treasury) Asset(ctx context.Context, assetID string) (*model.Asset, error) {
	return t.store.GetAsset(ctx, assetID)
}

// ViewAsset is Asset for display. It may lag behind recent mutations.
func (t *Treasury) ViewAsset(ctx context.Context, assetID string) (*model.Asset, error) {
	return t.views.GetAsset(ctx, assetID)
}

// List returns every supported asset in registration order.
func (t *Treasury) List(ctx context.Context) ([]model.Asset, error) {
	return t.store.ListAssets(ctx)
}

// SetStatus moves an asset to status. Setting the status it already has is
// an error.
func (t *Treasury) SetStatus(ctx context.Context, assetID string, status model.AssetStatus) (*model.Asset, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown asset status %q", model.ErrInvalidInput, status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a, err := t.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if a.Status == status {
		return nil, fmt.Errorf("%w: asset %s is already %s", model.ErrInvalidState, assetID, status)
	}
	if err := t.store.UpdateAssetStatus(ctx, assetID, status); err != nil {
		return nil, err
	}
	a.Status = status
	return a, nil
}

// Enable is SetStatus(assetID, AssetEnabled).
func (t *Treasury) Enable(ctx context.Context, assetID string) (*model.Asset, error) {
	return t.SetStatus(ctx, assetID, model.AssetEnabled)
}

// Disable is SetStatus(assetID, AssetDisabled).
func (t *Treasury) Disable(ctx context.Context, assetID string) (*model.Asset, error) {
	return t.SetStatus(ctx, assetID, model.AssetDisabled)
}

// RequireStatus returns a read-only snapshot of the asset if it is in
// status.
func (t *Treasury) RequireStatus(ctx context.Context, assetID string, status model.AssetStatus) (*model.Asset, error) {
	a, err := t.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if a.Status != status {
		return nil, fmt.Errorf("%w: asset %s is currently not %s", model.ErrInvalidState, assetID, status)
	}
	return a, nil
}

// Deposit adds amount to the asset's pool.
func (t *Treasury) Deposit(ctx context.Context, assetID string, amount fixed.Uint) (*model.Asset, error) {
	return t.adjust(ctx, assetID, func(balance fixed.Uint) (fixed.Uint, error) {
		next, err := balance.Add(amount)
		if err != nil {
			return fixed.Zero, fmt.Errorf("treasury balance of %s: %w", assetID, err)
		}
		return next, nil
	})
}

// Withdraw removes amount from the asset's pool. It fails with
// model.ErrUnderflow when the pool holds less than amount.
func (t *Treasury) Withdraw(ctx context.Context, assetID string, amount fixed.Uint) (*model.Asset, error) {
	return t.adjust(ctx, assetID, func(balance fixed.Uint) (fixed.Uint, error) {
		next, err := balance.Sub(amount)
		if err != nil {
			return fixed.Zero, fmt.Errorf("%w: treasury doesn't have enough balance of %s", model.ErrUnderflow, assetID)
		}
		return next, nil
	})
}

func (t *Treasury) adjust(ctx context.Context, assetID string, apply func(fixed.Uint) (fixed.Uint, error)) (*model.Asset, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, err := t.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	next, err := apply(a.Balance)
	if err != nil {
		return nil, err
	}
	if err := t.store.UpdateAssetBalance(ctx, assetID, next); err != nil {
		return nil, err
	}
	a.Balance = next
	return a, nil
}
