// Package model defines the core domain types shared across the exchange
// engine. All amounts and prices are fixed.Uint: exact unsigned 128-bit
// integers, never float64.
package model

import (
	"time"

	"github.com/ktex/exchange-engine/internal/fixed"
)

// AssetStatus is the trading status of a registered asset.
type AssetStatus string

const (
	AssetEnabled  AssetStatus = "Enabled"
	AssetDisabled AssetStatus = "Disabled"
)

// Valid reports whether s is a known status.
func (s AssetStatus) Valid() bool {
	return s == AssetEnabled || s == AssetDisabled
}

// Asset is one supported external asset. Balance is the amount of the asset
// currently pooled by the treasury.
type Asset struct {
	ID        string      `json:"asset_id" db:"id"`
	Decimals  uint8       `json:"decimals" db:"decimals"`
	Status    AssetStatus `json:"status" db:"status"`
	Balance   fixed.Uint  `json:"balance" db:"balance"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// HolderBalance is an account's native-token balance with the weighted
// average price at which it was acquired. Price is meaningless when Amount
// is zero.
type HolderBalance struct {
	AccountID string     `json:"account_id" db:"account_id"`
	Amount    fixed.Uint `json:"amount" db:"amount"`
	Price     fixed.Uint `json:"weighted_price" db:"price"`
}

// OperationKind distinguishes buy and sell orchestrations.
type OperationKind string

const (
	OperationBuy  OperationKind = "buy"
	OperationSell OperationKind = "sell"
)

// OperationState is a node of the buy/sell state machine.
//
//	QuoteRequested -> Committed                             (buy)
//	QuoteRequested -> RemoteTransferRequested -> Settled    (sell)
//	                                          -> Reverted   (sell, compensated)
//	QuoteRequested -> Failed                                (no ledger change)
type OperationState string

const (
	StateQuoteRequested          OperationState = "QuoteRequested"
	StateCommitted               OperationState = "Committed"
	StateRemoteTransferRequested OperationState = "RemoteTransferRequested"
	StateSettled                 OperationState = "Settled"
	StateReverted                OperationState = "Reverted"
	StateFailed                  OperationState = "Failed"
)

// Terminal reports whether no further transition is possible from s.
func (s OperationState) Terminal() bool {
	switch s {
	case StateCommitted, StateSettled, StateReverted, StateFailed:
		return true
	}
	return false
}

// Operation is the persisted record of one in-flight or finished buy or
// sell. Continuations are keyed by ID and applied with a compare-and-set on
// State, so a duplicate continuation can never re-apply a commit.
type Operation struct {
	ID        string         `json:"id" db:"id"`
	Kind      OperationKind  `json:"kind" db:"kind"`
	State     OperationState `json:"state" db:"state"`
	AccountID string         `json:"account_id" db:"account_id"`
	AssetID   string         `json:"asset_id" db:"asset_id"`
	// AmountIn is the asset amount for a buy, the native amount for a sell.
	AmountIn fixed.Uint `json:"amount_in" db:"amount_in"`
	// AmountOut is the native amount minted for a buy, the asset amount
	// released for a sell. Zero until committed.
	AmountOut       fixed.Uint     `json:"amount_out" db:"amount_out"`
	QuoteMultiplier fixed.Uint     `json:"quote_multiplier" db:"quote_multiplier"`
	QuoteDecimals   uint8          `json:"quote_decimals" db:"quote_decimals"`
	Price           fixed.Uint     `json:"price" db:"price"`
	Expected        *ExpectedPrice `json:"expected,omitempty" db:"expected"`
	Error           string         `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// ExpectedPrice is a caller-supplied bound on the quote a request may be
// filled at.
type ExpectedPrice struct {
	Multiplier fixed.Uint `json:"multiplier"`
	Decimals   uint8      `json:"decimals"`
	Slippage   fixed.Uint `json:"slippage"`
}

// EventKind enumerates ledger notifications.
type EventKind string

const (
	EventMint     EventKind = "ft_mint"
	EventBurn     EventKind = "ft_burn"
	EventTransfer EventKind = "ft_transfer"
)

// MemoRefund marks the mint emitted by sell compensation.
const MemoRefund = "refund"

// Event is an immutable ledger notification. Once appended it is never
// modified or deleted.
type Event struct {
	ID          string     `json:"id" db:"id"`
	Kind        EventKind  `json:"event" db:"kind"`
	OwnerID     string     `json:"owner_id,omitempty" db:"owner_id"`
	OldOwnerID  string     `json:"old_owner_id,omitempty" db:"old_owner_id"`
	NewOwnerID  string     `json:"new_owner_id,omitempty" db:"new_owner_id"`
	Amount      fixed.Uint `json:"amount" db:"amount"`
	Memo        string     `json:"memo,omitempty" db:"memo"`
	OperationID string     `json:"operation_id,omitempty" db:"operation_id"`
	Timestamp   time.Time  `json:"timestamp" db:"timestamp"`
}

// Involves reports whether account appears on either side of the event.
func (e Event) Involves(account string) bool {
	return e.OwnerID == account || e.OldOwnerID == account || e.NewOwnerID == account
}

// Caller is the identity a request runs as, together with the result of the
// administrator predicate for that identity.
type Caller struct {
	AccountID string
	Admin     bool
}

// TokenMetadata describes the native token.
type TokenMetadata struct {
	Spec     string `json:"spec"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}
