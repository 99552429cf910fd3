package transfer

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
)

func TestBank_Transfer(t *testing.T) {
	b := NewBank()
	ctx := context.Background()
	req := Request{OperationID: "op-1", AssetID: "usdc.near", Receiver: "alice.near", Amount: fixed.New(999_999)}

	require.NoError(t, b.Transfer(ctx, req))
	require.NoError(t, b.Transfer(ctx, req))
	require.Equal(t, fixed.New(999_999), b.BalanceOf("usdc.near", "alice.near"))
	require.Len(t, b.Settled(), 1)
}

func TestBank_ScriptedOutcomes(t *testing.T) {
	b := NewBank()
	ctx := context.Background()
	req := Request{OperationID: "op-1", AssetID: "usdc.near", Receiver: "alice.near", Amount: fixed.New(1)}

	b.FailNext(ErrRejected)
	require.ErrorIs(t, b.Transfer(ctx, req), ErrRejected)
	require.True(t, b.BalanceOf("usdc.near", "alice.near").IsZero())

	b.SetPending(true)
	require.ErrorIs(t, b.Transfer(ctx, req), ErrPending)
	b.SetPending(false)

	require.NoError(t, b.Transfer(ctx, req))
	require.Equal(t, fixed.New(1), b.BalanceOf("usdc.near", "alice.near"))

	req.OperationID = "op-2"
	req.Amount = fixed.Zero
	require.ErrorIs(t, b.Transfer(ctx, req), ErrRejected)
}

func TestClient_Transfer(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transfers" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch got.Receiver {
		case "alice.near":
			w.WriteHeader(http.StatusOK)
		case "slow.near":
			w.WriteHeader(http.StatusAccepted)
		default:
			http.Error(w, "receiver not registered", http.StatusUnprocessableEntity)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	ctx := context.Background()
	req := Request{OperationID: "op-1", AssetID: "usdc.near", Receiver: "alice.near", Amount: fixed.New(42), Memo: "sell"}

	require.NoError(t, c.Transfer(ctx, req))
	require.Equal(t, req, got)

	req.Receiver = "slow.near"
	require.ErrorIs(t, c.Transfer(ctx, req), ErrPending)

	req.Receiver = "bob.near"
	err := c.Transfer(ctx, req)
	require.True(t, errors.Is(err, ErrRejected))
	require.Contains(t, err.Error(), "receiver not registered")
}
