// Package store defines the persistence interface for the exchange engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"time"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
)

// AssetStore is the asset-by-id keyed store.
type AssetStore interface {
	// InsertAsset persists a newly registered asset. Fails with
	// model.ErrAlreadyExists when the id is taken.
	InsertAsset(ctx context.Context, a *model.Asset) error

	// GetAsset retrieves an asset by id, or model.ErrNotFound.
	GetAsset(ctx context.Context, id string) (*model.Asset, error)

	// ListAssets returns every asset in registration order.
	ListAssets(ctx context.Context) ([]model.Asset, error)

	// UpdateAssetStatus sets the trading status of an asset.
	UpdateAssetStatus(ctx context.Context, id string, status model.AssetStatus) error

	// UpdateAssetBalance sets the pooled balance of an asset.
	UpdateAssetBalance(ctx context.Context, id string, balance fixed.Uint) error
}

// BalanceStore is the holder-by-account keyed store plus the supply scalar.
type BalanceStore interface {
	// GetHolder retrieves a holder balance, or model.ErrNotFound.
	GetHolder(ctx context.Context, accountID string) (*model.HolderBalance, error)

	// ListBalances returns every holder record.
	ListBalances(ctx context.Context) ([]model.HolderBalance, error)

	// TotalSupply returns the supply counter.
	TotalSupply(ctx context.Context) (fixed.Uint, error)

	// SaveBalances writes the supply counter and the given holders in a
	// single atomic step.
	SaveBalances(ctx context.Context, supply fixed.Uint, holders ...model.HolderBalance) error
}

// OperationStore keeps the pending-operation records that continuations
// are keyed on.
type OperationStore interface {
	// CreateOperation persists a new operation.
	CreateOperation(ctx context.Context, op *model.Operation) error

	// GetOperation retrieves an operation by id, or model.ErrNotFound.
	GetOperation(ctx context.Context, id string) (*model.Operation, error)

	// TransitionOperation overwrites op only if the stored state is still
	// from. Fails with model.ErrInvalidState otherwise.
	TransitionOperation(ctx context.Context, op *model.Operation, from model.OperationState) error

	// ListOperations returns operations in any of states last updated
	// before the given time, oldest first.
	ListOperations(ctx context.Context, states []model.OperationState, updatedBefore time.Time) ([]model.Operation, error)
}

// EventStore is the append-only event log.
type EventStore interface {
	// AppendEvent appends an immutable event.
	AppendEvent(ctx context.Context, e *model.Event) error

	// ListEvents returns up to limit most recent events in append order,
	// restricted to those involving account when it is non-empty.
	ListEvents(ctx context.Context, account string, limit int) ([]model.Event, error)
}

// Store is the full persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	AssetStore
	BalanceStore
	OperationStore
	EventStore
}
