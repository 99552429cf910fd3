package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ktex/exchange-engine/internal/config"
	"github.com/ktex/exchange-engine/internal/exchange"
	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
	"github.com/ktex/exchange-engine/internal/oracle"
	"github.com/ktex/exchange-engine/internal/price"
)

// system is the caller used for startup registration.
var system = model.Caller{AccountID: "system", Admin: true}

// bootstrapAssets registers configured assets that are not yet known and
// disables those marked disabled. Existing assets are otherwise left as
// they are.
func bootstrapAssets(ctx context.Context, orch *exchange.Orchestrator, assets []config.AssetConfig) error {
	for _, ac := range assets {
		a, err := orch.Asset(ctx, ac.AssetID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			if a, err = orch.RegisterAsset(ctx, system, ac.AssetID, ac.Decimals); err != nil {
				return fmt.Errorf("register %s: %w", ac.AssetID, err)
			}
		case err != nil:
			return fmt.Errorf("load %s: %w", ac.AssetID, err)
		case a.Decimals != ac.Decimals:
			slog.Warn("configured decimals differ from registered asset",
				"asset", ac.AssetID, "configured", ac.Decimals, "registered", a.Decimals)
		}
		if ac.Disabled && a.Status == model.AssetEnabled {
			// A cached view can still show Enabled after another instance
			// disabled the asset.
			if _, err := orch.DisableAsset(ctx, system, ac.AssetID); err != nil && !errors.Is(err, model.ErrInvalidState) {
				return fmt.Errorf("disable %s: %w", ac.AssetID, err)
			}
		}
	}
	return nil
}

func seedPrices(local *oracle.Local, prices []config.PriceConfig) error {
	for _, pc := range prices {
		m, err := fixed.Parse(pc.Multiplier)
		if err != nil {
			return fmt.Errorf("price of %s: %w", pc.AssetID, err)
		}
		if err := local.SetExchangePrice(pc.AssetID, price.Price{Multiplier: m, Decimals: pc.Decimals}); err != nil {
			return fmt.Errorf("price of %s: %w", pc.AssetID, err)
		}
	}
	return nil
}
