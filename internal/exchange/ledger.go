package exchange

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/ident"
	"github.com/ktex/exchange-engine/internal/metrics"
	"github.com/ktex/exchange-engine/internal/model"
	"github.com/ktex/exchange-engine/internal/price"
	"github.com/ktex/exchange-engine/internal/token"
)

// Transfer moves native tokens between two accounts. The receiver inherits
// the tokens at the sender's weighted price.
func (o *Orchestrator) Transfer(ctx context.Context, sender, receiver string, amount fixed.Uint, memo string) (*model.Event, error) {
	if err := ident.Validate(sender); err != nil {
		return nil, err
	}
	if err := ident.Validate(receiver); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	current, err := o.token.BalanceOf(ctx, receiver)
	if err != nil {
		return nil, err
	}
	if sender != receiver {
		if err := o.limiter.CheckHolder(current, amount); err != nil {
			metrics.LimitRejections.Inc()
			return nil, err
		}
	}

	if _, err := o.token.Transfer(ctx, sender, receiver, amount); err != nil {
		return nil, err
	}
	e := o.emit(ctx, model.Event{
		Kind:       model.EventTransfer,
		OldOwnerID: sender,
		NewOwnerID: receiver,
		Amount:     amount,
		Memo:       memo,
	})
	return &e, nil
}

// emit appends e to the event log and hands it to the publisher. A failed
// append is logged, never returned: the ledger change it reports has
// already happened.
func (o *Orchestrator) emit(ctx context.Context, e model.Event) model.Event {
	e.ID = uuid.NewString()
	e.Timestamp = o.now().UTC()
	if err := o.store.AppendEvent(ctx, &e); err != nil {
		o.log.Error("append event failed", "event", e.Kind, "op_id", e.OperationID, "err", err)
	}
	switch e.Kind {
	case model.EventMint, model.EventBurn:
		metrics.NativeVolume.WithLabelValues(string(e.Kind)).Add(e.Amount.Decimal(price.NativeDecimals).InexactFloat64())
		o.log.Info(string(e.Kind), "owner_id", e.OwnerID, "amount", e.Amount.String(), "memo", e.Memo)
	case model.EventTransfer:
		o.log.Info(string(e.Kind), "old_owner_id", e.OldOwnerID, "new_owner_id", e.NewOwnerID,
			"amount", e.Amount.String(), "memo", e.Memo)
	}
	if o.publisher != nil {
		o.publisher.Publish(e)
	}
	return e
}

// RegisterAsset adds a new asset in the Enabled state.
func (o *Orchestrator) RegisterAsset(ctx context.Context, caller model.Caller, assetID string, decimals uint8) (*model.Asset, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	a, err := o.treasury.Register(ctx, assetID, decimals)
	if err != nil {
		return nil, err
	}
	o.log.Info("asset registered", "asset", a.ID, "decimals", a.Decimals, "by", caller.AccountID)
	return a, nil
}

// EnableAsset re-enables trading of a disabled asset.
func (o *Orchestrator) EnableAsset(ctx context.Context, caller model.Caller, assetID string) (*model.Asset, error) {
	return o.setStatus(ctx, caller, assetID, model.AssetEnabled)
}

// DisableAsset stops new buys and sells of an asset. Operations already
// past their quote are unaffected.
func (o *Orchestrator) DisableAsset(ctx context.Context, caller model.Caller, assetID string) (*model.Asset, error) {
	return o.setStatus(ctx, caller, assetID, model.AssetDisabled)
}

func (o *Orchestrator) setStatus(ctx context.Context, caller model.Caller, assetID string, status model.AssetStatus) (*model.Asset, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	a, err := o.treasury.SetStatus(ctx, assetID, status)
	if err != nil {
		return nil, err
	}
	o.log.Info("asset status changed", "asset", a.ID, "status", a.Status, "by", caller.AccountID)
	return a, nil
}

func requireAdmin(caller model.Caller) error {
	if !caller.Admin {
		return fmt.Errorf("%w: %q is not an administrator", model.ErrUnauthorized, caller.AccountID)
	}
	return nil
}

// Asset returns one registered asset. Like Balance and TotalSupply it is a
// view and may be served from a cache.
func (o *Orchestrator) Asset(ctx context.Context, assetID string) (*model.Asset, error) {
	return o.treasury.ViewAsset(ctx, assetID)
}

// Assets returns every registered asset in registration order.
func (o *Orchestrator) Assets(ctx context.Context) ([]model.Asset, error) {
	return o.treasury.List(ctx)
}

// Balance returns an account's native balance and weighted price.
func (o *Orchestrator) Balance(ctx context.Context, account string) (model.HolderBalance, error) {
	return o.token.ViewBalance(ctx, account)
}

// TotalSupply returns the native token supply.
func (o *Orchestrator) TotalSupply(ctx context.Context) (fixed.Uint, error) {
	return o.token.ViewTotalSupply(ctx)
}

// Metadata describes the native token.
func (o *Orchestrator) Metadata() model.TokenMetadata {
	return token.Metadata
}

// Operation returns an operation record by ID.
func (o *Orchestrator) Operation(ctx context.Context, opID string) (*model.Operation, error) {
	return o.store.GetOperation(ctx, opID)
}

// Events returns up to limit of the most recent events involving account,
// or all accounts when account is empty.
func (o *Orchestrator) Events(ctx context.Context, account string, limit int) ([]model.Event, error) {
	return o.store.ListEvents(ctx, account, limit)
}
