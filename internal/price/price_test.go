package price

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
)

func TestAssetToNative(t *testing.T) {
	tests := []struct {
		quote Quote
		want  string
	}{
		{NewQuote(1, 6), "1000000000000000000"},
		{NewQuote(10000, 10), "1000000000000000000"},
		{NewQuote(20000, 10), "500000000000000000"},
		{NewQuote(5000, 10), "2000000000000000000"},
		{NewQuote(10001, 10), "999900009999000099"},
		{NewQuote(9999, 10), "1000100010001000100"},
	}
	for _, tt := range tests {
		got, err := AssetToNative(fixed.New(1_000_000), 6, tt.quote)
		require.NoError(t, err)
		require.Equal(t, tt.want, got.String(), "quote %s/%d", tt.quote.Multiplier, tt.quote.Decimals)
	}
}

func TestAssetToNative_Overflow(t *testing.T) {
	// 100 quadrillion USDC.
	_, err := AssetToNative(fixed.MustParse("100000000000000000000000"), 6, NewQuote(10000, 10))
	require.ErrorIs(t, err, model.ErrOverflow)

	// 100 quadrillion DAI.
	_, err = AssetToNative(fixed.MustParse("100000000000000000000000000000000000"), 18, NewQuote(10000, 22))
	require.ErrorIs(t, err, model.ErrOverflow)
}

func TestNativeToAsset(t *testing.T) {
	tests := []struct {
		amount string
		quote  Quote
		want   string
	}{
		{"1000000000000000000", NewQuote(1, 6), "1000000"},
		{"1000000000000000000", NewQuote(10000, 10), "1000000"},
		{"500000000000000000", NewQuote(20000, 10), "1000000"},
		{"2000000000000000000", NewQuote(5000, 10), "1000000"},
		// Truncation loses at most one unit of asset precision.
		{"999900009999000099", NewQuote(10001, 10), "999999"},
		{"1000100010001000100", NewQuote(9990, 10), "999099"},
	}
	for _, tt := range tests {
		got, err := NativeToAsset(fixed.MustParse(tt.amount), 6, tt.quote)
		require.NoError(t, err)
		require.Equal(t, tt.want, got.String())
	}
}

func TestNativeToAsset_Overflow(t *testing.T) {
	// One trillion native tokens at a 100,000 price.
	amount := fixed.MustParse("1000000000000000000000000000000")
	_, err := NativeToAsset(amount, 6, NewQuote(1_000_000_000, 10))
	require.ErrorIs(t, err, model.ErrOverflow)
	_, err = NativeToAsset(amount, 18, NewQuote(1_000_000_000, 22))
	require.ErrorIs(t, err, model.ErrOverflow)
}

func TestPrecisionMismatch(t *testing.T) {
	require.NoError(t, NewQuote(1, 6).Validate(6))
	require.NoError(t, NewQuote(10000, 10).Validate(6))

	err := NewQuote(1, 6).Validate(10)
	require.ErrorIs(t, err, model.ErrPrecisionMismatch)

	_, err = AssetToNative(fixed.New(1), 10, NewQuote(1, 6))
	require.ErrorIs(t, err, model.ErrPrecisionMismatch)
	_, err = NativeToAsset(fixed.New(1), 10, NewQuote(1, 6))
	require.ErrorIs(t, err, model.ErrPrecisionMismatch)
}

func TestNormalize(t *testing.T) {
	p, err := NewQuote(10001, 10).Normalize(6)
	require.NoError(t, err)
	require.Equal(t, "1000100000000000000", p.String())

	p, err = NewQuote(1, 6).Normalize(6)
	require.NoError(t, err)
	require.Equal(t, "1", p.String())
}

func TestDataQuote(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	data := func(p *Price, expiration time.Time) Data {
		return Data{AssetID: "usdc.near", Timestamp: now, Expiration: expiration, Price: p}
	}
	valid := &Price{Multiplier: fixed.New(1001), Decimals: 10}

	q, err := data(valid, now.Add(time.Second)).Quote(now)
	require.NoError(t, err)
	require.Equal(t, fixed.New(1001), q.Multiplier)
	require.Equal(t, uint8(10), q.Decimals)

	_, err = data(valid, now).Quote(now)
	require.ErrorIs(t, err, model.ErrStaleQuote)
	require.Contains(t, err.Error(), "outdated")

	_, err = data(nil, now.Add(time.Second)).Quote(now)
	require.ErrorIs(t, err, model.ErrStaleQuote)
	require.Contains(t, err.Error(), "missing")

	_, err = data(&Price{Decimals: 10}, now.Add(time.Second)).Quote(now)
	require.ErrorIs(t, err, model.ErrStaleQuote)
	require.Contains(t, err.Error(), "zero")
}

func TestApplySlippage(t *testing.T) {
	expected := model.ExpectedPrice{Multiplier: fixed.New(9_999), Decimals: 10, Slippage: fixed.New(10)}

	for _, m := range []uint64{9_989, 9_999, 10_009} {
		require.NoError(t, ApplySlippage(expected, NewQuote(m, 10)), "multiplier %d", m)
	}
	for _, m := range []uint64{9_988, 10_010} {
		require.ErrorIs(t, ApplySlippage(expected, NewQuote(m, 10)), model.ErrSlippageExceeded, "multiplier %d", m)
	}
	require.ErrorIs(t, ApplySlippage(expected, NewQuote(9_999, 11)), model.ErrSlippageExceeded)
}

func TestApplySlippage_Saturates(t *testing.T) {
	low := model.ExpectedPrice{Multiplier: fixed.New(5), Decimals: 8, Slippage: fixed.New(100)}
	require.NoError(t, ApplySlippage(low, NewQuote(1, 8)))

	high := model.ExpectedPrice{Multiplier: fixed.Max, Decimals: 8, Slippage: fixed.New(100)}
	require.NoError(t, ApplySlippage(high, Quote{Multiplier: fixed.Max, Decimals: 8}))
}

func TestValidateAssetDecimals(t *testing.T) {
	require.NoError(t, ValidateAssetDecimals(1))
	require.NoError(t, ValidateAssetDecimals(MaxDecimals))
	require.ErrorIs(t, ValidateAssetDecimals(0), model.ErrInvalidInput)
	require.ErrorIs(t, ValidateAssetDecimals(MaxDecimals+1), model.ErrInvalidInput)
}
