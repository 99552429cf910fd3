// Package price converts amounts between asset precision and native-token
// precision using externally supplied quotes.
//
// A quote {multiplier, decimals} prices one native token in asset units:
// for an asset with d decimals, one whole native token costs
// multiplier / 10^(decimals - d) whole asset units. USDC at
// {multiplier: 10000, decimals: 10} is therefore exactly 1:1.
//
// Every operation is checked; conversion always happens before any ledger
// is touched, so an error here aborts a request with nothing to undo.
package price

import (
	"fmt"
	"time"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
)

const (
	// NativeDecimals is the precision of the native token.
	NativeDecimals uint8 = 18

	// MaxDecimals bounds asset precision so that 10^decimals leaves
	// headroom in the 128-bit domain.
	MaxDecimals uint8 = 37

	// Decimals is the precision of normalized prices kept with holder
	// balances.
	Decimals uint8 = 18
)

// Price is the raw price an oracle publishes.
type Price struct {
	Multiplier fixed.Uint `json:"multiplier"`
	Decimals   uint8      `json:"decimals"`
}

// Data is an oracle response. Price is nil when the oracle has no price for
// the asset.
type Data struct {
	AssetID    string    `json:"asset_id"`
	Timestamp  time.Time `json:"timestamp"`
	Expiration time.Time `json:"expiration"`
	Price      *Price    `json:"price"`
}

// Quote is a validated price, consumed once and never cached.
type Quote struct {
	Multiplier fixed.Uint
	Decimals   uint8
	Expiration time.Time
}

// NewQuote builds a quote without expiration checks.
func NewQuote(multiplier uint64, decimals uint8) Quote {
	return Quote{Multiplier: fixed.New(multiplier), Decimals: decimals}
}

// Quote validates the oracle response at time now.
func (d Data) Quote(now time.Time) (Quote, error) {
	if !now.Before(d.Expiration) {
		return Quote{}, fmt.Errorf("%w: oracle price is outdated", model.ErrStaleQuote)
	}
	if d.Price == nil {
		return Quote{}, fmt.Errorf("%w: oracle price is missing", model.ErrStaleQuote)
	}
	if d.Price.Multiplier.IsZero() {
		return Quote{}, fmt.Errorf("%w: oracle price is zero", model.ErrStaleQuote)
	}
	return Quote{
		Multiplier: d.Price.Multiplier,
		Decimals:   d.Price.Decimals,
		Expiration: d.Expiration,
	}, nil
}

// Validate checks that the quote can price an asset with assetDecimals.
func (q Quote) Validate(assetDecimals uint8) error {
	if q.Decimals < assetDecimals {
		return fmt.Errorf("%w: oracle price decimals %d below asset decimals %d",
			model.ErrPrecisionMismatch, q.Decimals, assetDecimals)
	}
	if q.Multiplier.IsZero() {
		return fmt.Errorf("%w: oracle price is zero", model.ErrStaleQuote)
	}
	return nil
}

// Normalize expresses the quote at the shared price precision so that
// weighted averages are comparable across assets.
func (q Quote) Normalize(assetDecimals uint8) (fixed.Uint, error) {
	if err := q.Validate(assetDecimals); err != nil {
		return fixed.Zero, err
	}
	p, err := fixed.Rescale(q.Multiplier, q.Decimals-assetDecimals, Decimals)
	if err != nil {
		return fixed.Zero, fmt.Errorf("normalize price: %w", err)
	}
	return p, nil
}

// AssetToNative converts an asset amount into native tokens:
//
//	rescale(amount, d, 18) * 10^(q.decimals - d) / q.multiplier
func AssetToNative(amount fixed.Uint, assetDecimals uint8, q Quote) (fixed.Uint, error) {
	if err := q.Validate(assetDecimals); err != nil {
		return fixed.Zero, err
	}
	scaled, err := fixed.Rescale(amount, assetDecimals, NativeDecimals)
	if err != nil {
		return fixed.Zero, fmt.Errorf("asset to native: %w", err)
	}
	factor, err := fixed.Pow10(uint(q.Decimals - assetDecimals))
	if err != nil {
		return fixed.Zero, fmt.Errorf("asset to native: %w", err)
	}
	scaled, err = scaled.Mul(factor)
	if err != nil {
		return fixed.Zero, fmt.Errorf("asset to native: %w", err)
	}
	return scaled.Div(q.Multiplier)
}

// NativeToAsset converts native tokens into an asset amount:
//
//	rescale(amount * q.multiplier / 10^(q.decimals - d), 18, d)
func NativeToAsset(amount fixed.Uint, assetDecimals uint8, q Quote) (fixed.Uint, error) {
	if err := q.Validate(assetDecimals); err != nil {
		return fixed.Zero, err
	}
	value, err := amount.Mul(q.Multiplier)
	if err != nil {
		return fixed.Zero, fmt.Errorf("native to asset: %w", err)
	}
	factor, err := fixed.Pow10(uint(q.Decimals - assetDecimals))
	if err != nil {
		return fixed.Zero, fmt.Errorf("native to asset: %w", err)
	}
	value, err = value.Div(factor)
	if err != nil {
		return fixed.Zero, err
	}
	return fixed.Rescale(value, NativeDecimals, assetDecimals)
}

// ApplySlippage accepts q only when it has the expected decimals and its
// multiplier lies within expected.Multiplier ± expected.Slippage. The window
// saturates at the bounds of the domain.
func ApplySlippage(expected model.ExpectedPrice, q Quote) error {
	if expected.Decimals != q.Decimals {
		return fmt.Errorf("%w: oracle price decimals %d, expected %d",
			model.ErrSlippageExceeded, q.Decimals, expected.Decimals)
	}
	low := expected.Multiplier.SaturatingSub(expected.Slippage)
	high := expected.Multiplier.SaturatingAdd(expected.Slippage)
	if q.Multiplier.Lt(low) || q.Multiplier.Gt(high) {
		return fmt.Errorf("%w: oracle price %s outside [%s, %s]",
			model.ErrSlippageExceeded, q.Multiplier, low, high)
	}
	return nil
}

// ValidateAssetDecimals checks an asset precision against [1, MaxDecimals].
func ValidateAssetDecimals(decimals uint8) error {
	if decimals == 0 || decimals > MaxDecimals {
		return fmt.Errorf("%w: decimal value %d is out of bounds [1, %d]",
			model.ErrInvalidInput, decimals, MaxDecimals)
	}
	return nil
}
