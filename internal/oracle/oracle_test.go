package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
	"github.com/ktex/exchange-engine/internal/price"
)

func TestLocal_GetExchangePrice(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := NewLocal(90 * time.Second).WithClock(func() time.Time { return now })
	ctx := context.Background()

	data, err := o.GetExchangePrice(ctx, "usdc.near")
	require.NoError(t, err)
	require.Nil(t, data.Price)
	_, err = data.Quote(now)
	require.ErrorIs(t, err, model.ErrStaleQuote)

	require.NoError(t, o.SetExchangePrice("usdc.near", price.Price{Multiplier: fixed.New(10001), Decimals: 10}))
	data, err = o.GetExchangePrice(ctx, "usdc.near")
	require.NoError(t, err)
	require.NotNil(t, data.Price)
	require.Equal(t, now.Add(90*time.Second), data.Expiration)

	q, err := data.Quote(now)
	require.NoError(t, err)
	require.Equal(t, fixed.New(10001), q.Multiplier)

	// The same answer is outdated once its expiration passes.
	_, err = data.Quote(now.Add(90 * time.Second))
	require.ErrorIs(t, err, model.ErrStaleQuote)

	o.RemoveExchangePrice("usdc.near")
	data, err = o.GetExchangePrice(ctx, "usdc.near")
	require.NoError(t, err)
	require.Nil(t, data.Price)
}

func TestLocal_SetExchangePriceValidation(t *testing.T) {
	o := NewLocal(time.Minute)

	err := o.SetExchangePrice("usdc.near", price.Price{Decimals: 10})
	require.ErrorIs(t, err, model.ErrInvalidInput)
	err = o.SetExchangePrice("usdc.near", price.Price{Multiplier: fixed.New(1), Decimals: 39})
	require.ErrorIs(t, err, model.ErrInvalidInput)
	require.Empty(t, o.Prices())
}

func TestLocal_CancelledContext(t *testing.T) {
	o := NewLocal(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.GetExchangePrice(ctx, "usdc.near")
	require.ErrorIs(t, err, context.Canceled)
}

func TestClient_GetExchangePrice(t *testing.T) {
	expiration := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prices/usdc.near":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"asset_id":   "usdc.near",
				"timestamp":  expiration.Add(-time.Minute),
				"expiration": expiration,
				"price":      map[string]any{"multiplier": "10001", "decimals": 10},
			})
		case "/prices/broken.near":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	data, err := c.GetExchangePrice(ctx, "usdc.near")
	require.NoError(t, err)
	require.NotNil(t, data.Price)
	require.Equal(t, "10001", data.Price.Multiplier.String())
	require.Equal(t, uint8(10), data.Price.Decimals)
	require.True(t, data.Expiration.Equal(expiration))

	data, err = c.GetExchangePrice(ctx, "unknown.near")
	require.NoError(t, err)
	require.Nil(t, data.Price)

	_, err = c.GetExchangePrice(ctx, "broken.near")
	require.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}
