// Package oracle provides exchange prices for registered assets. Prices are
// fetched fresh for every request and never cached.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
	"github.com/ktex/exchange-engine/internal/price"
)

// ErrUnavailable is returned when the price source could not be reached or
// answered with an error. The request never produced a price.
var ErrUnavailable = errors.New("oracle: price source unavailable")

// Source answers price requests. Staleness and zero prices are judged by
// the caller through price.Data.Quote.
type Source interface {
	GetExchangePrice(ctx context.Context, assetID string) (price.Data, error)
}

// Local is an in-process price source. Every answer expires recency after
// it is produced.
type Local struct {
	mu      sync.RWMutex
	prices  map[string]price.Price
	recency time.Duration
	now     func() time.Time
}

// NewLocal creates an in-process oracle.
func NewLocal(recency time.Duration) *Local {
	return &Local{
		prices:  make(map[string]price.Price),
		recency: recency,
		now:     time.Now,
	}
}

// WithClock replaces the time source; intended for tests.
func (o *Local) WithClock(now func() time.Time) *Local {
	o.now = now
	return o
}

// SetExchangePrice publishes the price of assetID.
func (o *Local) SetExchangePrice(assetID string, p price.Price) error {
	if p.Multiplier.IsZero() {
		return fmt.Errorf("%w: price multiplier must be positive", model.ErrInvalidInput)
	}
	if p.Decimals > fixed.MaxPow10 {
		return fmt.Errorf("%w: price decimals %d out of range", model.ErrInvalidInput, p.Decimals)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[assetID] = p
	return nil
}

// RemoveExchangePrice withdraws the price of assetID. Later requests are
// answered with a missing price.
func (o *Local) RemoveExchangePrice(assetID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.prices, assetID)
}

// Prices returns a copy of every published price.
func (o *Local) Prices() map[string]price.Price {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]price.Price, len(o.prices))
	for id, p := range o.prices {
		out[id] = p
	}
	return out
}

func (o *Local) GetExchangePrice(ctx context.Context, assetID string) (price.Data, error) {
	if err := ctx.Err(); err != nil {
		return price.Data{}, err
	}
	now := o.now().UTC()
	data := price.Data{
		AssetID:    assetID,
		Timestamp:  now,
		Expiration: now.Add(o.recency),
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if p, ok := o.prices[assetID]; ok {
		data.Price = &p
	}
	return data, nil
}
