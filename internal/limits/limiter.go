// Package limits implements exposure caps checked before a buy commits.
//
// A buy grows three quantities at once: the buyer's native balance, the
// total native supply and the pooled balance of the deposited asset. Each
// can be capped independently; a zero cap means unlimited.
package limits

import (
	"fmt"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
)

var (
	// ErrHolderLimitExceeded is returned when a credit would push a single
	// holder's balance beyond the per-holder maximum.
	ErrHolderLimitExceeded = fmt.Errorf("%w: holder balance limit", model.ErrLimitExceeded)

	// ErrSupplyLimitExceeded is returned when a mint would push the total
	// supply beyond its maximum.
	ErrSupplyLimitExceeded = fmt.Errorf("%w: total supply limit", model.ErrLimitExceeded)

	// ErrPoolLimitExceeded is returned when a deposit would push an asset
	// pool beyond its maximum.
	ErrPoolLimitExceeded = fmt.Errorf("%w: asset pool limit", model.ErrLimitExceeded)
)

// Limiter enforces exposure caps.
type Limiter struct {
	// MaxHolder is the maximum native balance of any single holder.
	MaxHolder fixed.Uint

	// MaxSupply is the maximum native total supply.
	MaxSupply fixed.Uint

	// MaxPool is the default maximum pooled balance per asset, in asset
	// units. PoolOverrides replaces it for individual assets.
	MaxPool       fixed.Uint
	PoolOverrides map[string]fixed.Uint
}

// NewLimiter creates a limiter with the given holder, supply and default
// pool caps.
func NewLimiter(maxHolder, maxSupply, maxPool fixed.Uint) *Limiter {
	return &Limiter{
		MaxHolder:     maxHolder,
		MaxSupply:     maxSupply,
		MaxPool:       maxPool,
		PoolOverrides: make(map[string]fixed.Uint),
	}
}

// Unlimited returns a limiter that accepts everything.
func Unlimited() *Limiter {
	return NewLimiter(fixed.Zero, fixed.Zero, fixed.Zero)
}

// SetPoolLimit overrides the pool cap of one asset.
func (l *Limiter) SetPoolLimit(assetID string, max fixed.Uint) {
	l.PoolOverrides[assetID] = max
}

// PoolLimit returns the cap that applies to assetID.
func (l *Limiter) PoolLimit(assetID string) fixed.Uint {
	if max, ok := l.PoolOverrides[assetID]; ok {
		return max
	}
	return l.MaxPool
}

// Exposure is the state a buy is checked against.
type Exposure struct {
	AssetID string
	Holder  fixed.Uint
	Supply  fixed.Uint
	Pool    fixed.Uint
}

// CheckBuy validates whether crediting native tokens against assetAmount
// deposited respects every cap.
//
// Returns nil if the buy is within limits, or an error describing the
// violation. Arithmetic overflow of the projected values is reported as
// model.ErrOverflow, since the ledgers would reject it anyway.
func (l *Limiter) CheckBuy(e Exposure, native, assetAmount fixed.Uint) error {
	// 1. Per-holder.
	if err := check(e.Holder, native, l.MaxHolder, ErrHolderLimitExceeded); err != nil {
		return err
	}

	// 2. Supply.
	if err := check(e.Supply, native, l.MaxSupply, ErrSupplyLimitExceeded); err != nil {
		return err
	}

	// 3. Asset pool.
	return check(e.Pool, assetAmount, l.PoolLimit(e.AssetID), ErrPoolLimitExceeded)
}

// CheckHolder validates crediting delta to a holder that has current.
func (l *Limiter) CheckHolder(current, delta fixed.Uint) error {
	return check(current, delta, l.MaxHolder, ErrHolderLimitExceeded)
}

func check(current, delta, max fixed.Uint, limitErr error) error {
	next, err := current.Add(delta)
	if err != nil {
		return err
	}
	if !max.IsZero() && next.Gt(max) {
		return fmt.Errorf("%w: %s exceeds %s", limitErr, next, max)
	}
	return nil
}
