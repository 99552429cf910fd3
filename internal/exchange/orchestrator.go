// Package exchange orchestrates buys and sells between external assets and
// the native token. Every request is persisted as an operation record that
// walks the state machine documented on model.OperationState; each remote
// call suspends the operation and its continuation is keyed by operation ID.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/ident"
	"github.com/ktex/exchange-engine/internal/limits"
	"github.com/ktex/exchange-engine/internal/metrics"
	"github.com/ktex/exchange-engine/internal/model"
	"github.com/ktex/exchange-engine/internal/oracle"
	"github.com/ktex/exchange-engine/internal/price"
	"github.com/ktex/exchange-engine/internal/store"
	"github.com/ktex/exchange-engine/internal/token"
	"github.com/ktex/exchange-engine/internal/transfer"
	"github.com/ktex/exchange-engine/internal/treasury"
)

// DefaultTransferTimeout bounds a single outbound asset transfer.
const DefaultTransferTimeout = 10 * time.Second

// Store persists operation records and the event log.
type Store interface {
	store.OperationStore
	store.EventStore
}

// Publisher receives every ledger event after it has been appended.
type Publisher interface {
	Publish(e model.Event)
}

// Request is a buy or sell submitted by AccountID. For a buy Amount is in
// asset units, for a sell in native units.
type Request struct {
	AccountID string
	AssetID   string
	Amount    fixed.Uint
	Expected  *model.ExpectedPrice
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLimiter installs exposure limits checked before every buy.
func WithLimiter(l *limits.Limiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

// WithPublisher sets the event subscriber.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTransferTimeout overrides DefaultTransferTimeout.
func WithTransferTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.transferTimeout = d }
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// Orchestrator owns the buy and sell state machines. Commit and
// compensation steps run under a single mutex so that the treasury and the
// token ledger move together.
type Orchestrator struct {
	mu sync.Mutex

	store     Store
	treasury  *treasury.Treasury
	token     *token.Ledger
	oracle    oracle.Source
	transfers transfer.Transferer

	limiter         *limits.Limiter
	publisher       Publisher
	now             func() time.Time
	transferTimeout time.Duration
	log             *slog.Logger
	tracer          trace.Tracer
}

// New wires an orchestrator over its ledgers and remote services.
func New(st Store, tr *treasury.Treasury, tk *token.Ledger, src oracle.Source, tf transfer.Transferer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:           st,
		treasury:        tr,
		token:           tk,
		oracle:          src,
		transfers:       tf,
		limiter:         limits.Unlimited(),
		now:             time.Now,
		transferTimeout: DefaultTransferTimeout,
		log:             slog.Default(),
		tracer:          otel.Tracer("github.com/ktex/exchange-engine/internal/exchange"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Buy deposits req.Amount of an asset into the treasury and mints native
// tokens for it at the oracle's price. The returned operation is Committed
// on success and Failed otherwise; a Failed buy changed no ledger.
func (o *Orchestrator) Buy(ctx context.Context, req Request) (*model.Operation, error) {
	ctx, span := o.tracer.Start(ctx, "exchange.buy", trace.WithAttributes(
		attribute.String("asset.id", req.AssetID),
		attribute.String("account.id", req.AccountID),
		attribute.String("amount", req.Amount.String()),
	))
	defer span.End()

	op, err := o.start(ctx, model.OperationBuy, req)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("op.id", op.ID))

	return o.quote(ctx, span, op)
}

// Sell burns req.Amount native tokens and releases the matching amount of
// the asset to the caller. The asset transfer is remote: the operation is
// returned Settled, Reverted (tokens restored) or, when the transfer is
// still outstanding, RemoteTransferRequested.
func (o *Orchestrator) Sell(ctx context.Context, req Request) (*model.Operation, error) {
	ctx, span := o.tracer.Start(ctx, "exchange.sell", trace.WithAttributes(
		attribute.String("asset.id", req.AssetID),
		attribute.String("account.id", req.AccountID),
		attribute.String("amount", req.Amount.String()),
	))
	defer span.End()

	balance, err := o.token.BalanceOf(ctx, req.AccountID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if balance.Lt(req.Amount) {
		err := fmt.Errorf("%w: The account doesn't have enough balance", model.ErrUnderflow)
		recordError(span, err)
		return nil, err
	}

	op, err := o.start(ctx, model.OperationSell, req)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("op.id", op.ID))

	return o.quote(ctx, span, op)
}

// start validates a request and persists it in QuoteRequested.
func (o *Orchestrator) start(ctx context.Context, kind model.OperationKind, req Request) (*model.Operation, error) {
	if err := ident.Validate(req.AccountID); err != nil {
		return nil, err
	}
	if req.Amount.IsZero() {
		return nil, fmt.Errorf("%w: The amount should be a positive number", model.ErrInvalidInput)
	}
	if _, err := o.treasury.RequireStatus(ctx, req.AssetID, model.AssetEnabled); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	op := &model.Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		State:     model.StateQuoteRequested,
		AccountID: req.AccountID,
		AssetID:   req.AssetID,
		AmountIn:  req.Amount,
		Expected:  req.Expected,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}
	metrics.PendingOperations.WithLabelValues(string(model.StateQuoteRequested)).Inc()
	o.log.Info("operation requested",
		"op_id", op.ID, "kind", kind, "account", op.AccountID, "asset", op.AssetID, "amount", op.AmountIn.String())
	return op, nil
}

// quote fetches the oracle price for a QuoteRequested operation and runs
// its continuation. Once the operation exists it is driven to an outcome
// even if the caller goes away.
func (o *Orchestrator) quote(ctx context.Context, span trace.Span, op *model.Operation) (*model.Operation, error) {
	data, fetchErr := o.oracle.GetExchangePrice(ctx, op.AssetID)

	next, err := o.ResolveQuote(context.WithoutCancel(ctx), op.ID, data, fetchErr)
	if err != nil {
		recordError(span, err)
		return next, err
	}
	span.SetAttributes(attribute.String("op.state", string(next.State)))
	span.SetStatus(codes.Ok, "operation resolved")
	return next, nil
}

// ResolveQuote is the continuation of the oracle call for operation opID.
// fetchErr is the failure of the call itself, if any. Only an operation in
// QuoteRequested can be resolved: a duplicate continuation fails with
// model.ErrInvalidState and changes nothing.
func (o *Orchestrator) ResolveQuote(ctx context.Context, opID string, data price.Data, fetchErr error) (*model.Operation, error) {
	ctx, span := o.tracer.Start(ctx, "exchange.resolve_quote", trace.WithAttributes(attribute.String("op.id", opID)))
	defer span.End()

	op, err := o.commit(ctx, opID, data, fetchErr)
	if err != nil {
		recordError(span, err)
		return op, err
	}
	if op.State == model.StateRemoteTransferRequested {
		return o.requestTransfer(ctx, op)
	}
	return op, nil
}

// plan is a validated commit, computed before any ledger is touched.
type plan struct {
	state     model.OperationState
	amountOut fixed.Uint
	quote     price.Quote
	price     fixed.Uint
}

func (o *Orchestrator) commit(ctx context.Context, opID string, data price.Data, fetchErr error) (*model.Operation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	op, err := o.store.GetOperation(ctx, opID)
	if err != nil {
		return nil, err
	}
	if op.State != model.StateQuoteRequested {
		return op, fmt.Errorf("%w: operation %s is %s, quote already resolved", model.ErrInvalidState, op.ID, op.State)
	}

	var p *plan
	if fetchErr != nil {
		err = fmt.Errorf("%w: %v", model.ErrStaleQuote, fetchErr)
	} else {
		p, err = o.prepare(ctx, op, data)
	}
	if err != nil {
		metrics.ConversionFailures.WithLabelValues(failureReason(err)).Inc()
		o.log.Warn("operation rejected", "op_id", op.ID, "kind", op.Kind, "err", err)
		return o.finish(ctx, op, model.StateFailed, err)
	}

	claimed := *op
	claimed.State = p.state
	claimed.AmountOut = p.amountOut
	claimed.QuoteMultiplier = p.quote.Multiplier
	claimed.QuoteDecimals = p.quote.Decimals
	claimed.Price = p.price
	claimed.UpdatedAt = o.now().UTC()
	if err := o.store.TransitionOperation(ctx, &claimed, model.StateQuoteRequested); err != nil {
		return op, err
	}
	o.track(model.StateQuoteRequested, claimed.State)

	if err := o.apply(ctx, &claimed); err != nil {
		o.log.Error("ledger commit failed", "op_id", op.ID, "kind", op.Kind, "err", err)
		return o.finish(ctx, &claimed, model.StateFailed, err)
	}

	switch claimed.Kind {
	case model.OperationBuy:
		o.observe(&claimed)
		o.emit(ctx, model.Event{
			Kind:        model.EventMint,
			OwnerID:     claimed.AccountID,
			Amount:      claimed.AmountOut,
			OperationID: claimed.ID,
		})
	case model.OperationSell:
		o.emit(ctx, model.Event{
			Kind:        model.EventBurn,
			OwnerID:     claimed.AccountID,
			Amount:      claimed.AmountIn,
			OperationID: claimed.ID,
		})
	}
	o.log.Info("operation committed",
		"op_id", claimed.ID, "kind", claimed.Kind, "state", claimed.State,
		"amount_in", claimed.AmountIn.String(), "amount_out", claimed.AmountOut.String(),
		"price", claimed.Price.String())
	return &claimed, nil
}

// prepare runs every check that can reject a quote. Nothing here mutates
// a ledger.
func (o *Orchestrator) prepare(ctx context.Context, op *model.Operation, data price.Data) (*plan, error) {
	q, err := data.Quote(o.now())
	if err != nil {
		return nil, err
	}
	asset, err := o.treasury.RequireStatus(ctx, op.AssetID, model.AssetEnabled)
	if err != nil {
		return nil, err
	}
	if err := q.Validate(asset.Decimals); err != nil {
		return nil, err
	}
	if op.Expected != nil {
		if err := price.ApplySlippage(*op.Expected, q); err != nil {
			return nil, err
		}
	}
	normalized, err := q.Normalize(asset.Decimals)
	if err != nil {
		return nil, err
	}
	p := &plan{quote: q, price: normalized}

	switch op.Kind {
	case model.OperationBuy:
		native, err := price.AssetToNative(op.AmountIn, asset.Decimals, q)
		if err != nil {
			return nil, err
		}
		if native.IsZero() {
			return nil, fmt.Errorf("%w: deposit of %s %s is too small to mint any tokens",
				model.ErrInvalidInput, op.AmountIn, op.AssetID)
		}
		holder, err := o.token.Balance(ctx, op.AccountID)
		if err != nil {
			return nil, err
		}
		supply, err := o.token.TotalSupply(ctx)
		if err != nil {
			return nil, err
		}
		exposure := limits.Exposure{AssetID: asset.ID, Holder: holder.Amount, Supply: supply, Pool: asset.Balance}
		if err := o.limiter.CheckBuy(exposure, native, op.AmountIn); err != nil {
			metrics.LimitRejections.Inc()
			return nil, err
		}
		p.state = model.StateCommitted
		p.amountOut = native

	case model.OperationSell:
		assetAmount, err := price.NativeToAsset(op.AmountIn, asset.Decimals, q)
		if err != nil {
			return nil, err
		}
		if assetAmount.IsZero() {
			return nil, fmt.Errorf("%w: sell of %s is too small to release any %s",
				model.ErrInvalidInput, op.AmountIn, op.AssetID)
		}
		balance, err := o.token.BalanceOf(ctx, op.AccountID)
		if err != nil {
			return nil, err
		}
		if balance.Lt(op.AmountIn) {
			return nil, fmt.Errorf("%w: The account doesn't have enough balance", model.ErrUnderflow)
		}
		if asset.Balance.Lt(assetAmount) {
			return nil, fmt.Errorf("%w: treasury doesn't have enough balance of %s", model.ErrUnderflow, asset.ID)
		}
		p.state = model.StateRemoteTransferRequested
		p.amountOut = assetAmount

	default:
		return nil, fmt.Errorf("%w: unknown operation kind %q", model.ErrInvalidInput, op.Kind)
	}
	return p, nil
}

// apply moves both ledgers for a claimed operation. When the second step
// fails the first is undone, so a failed apply leaves no trace.
func (o *Orchestrator) apply(ctx context.Context, op *model.Operation) error {
	switch op.Kind {
	case model.OperationBuy:
		if _, err := o.treasury.Deposit(ctx, op.AssetID, op.AmountIn); err != nil {
			return err
		}
		if _, err := o.token.Deposit(ctx, op.AccountID, op.AmountOut, op.Price); err != nil {
			if _, undoErr := o.treasury.Withdraw(ctx, op.AssetID, op.AmountIn); undoErr != nil {
				o.log.Error("undo treasury deposit failed", "op_id", op.ID, "err", undoErr)
			}
			return err
		}
	case model.OperationSell:
		if _, err := o.token.Withdraw(ctx, op.AccountID, op.AmountIn, op.Price); err != nil {
			return err
		}
		if _, err := o.treasury.Withdraw(ctx, op.AssetID, op.AmountOut); err != nil {
			if _, undoErr := o.token.Deposit(ctx, op.AccountID, op.AmountIn, op.Price); undoErr != nil {
				o.log.Error("undo token withdraw failed", "op_id", op.ID, "err", undoErr)
			}
			return err
		}
	}
	return nil
}

// requestTransfer sends the released asset for a sell and resolves the
// outcome. A pending transfer leaves the operation for ResolveTransfer.
func (o *Orchestrator) requestTransfer(ctx context.Context, op *model.Operation) (*model.Operation, error) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.transferTimeout)
	defer cancel()

	err := o.transfers.Transfer(tctx, transfer.Request{
		OperationID: op.ID,
		AssetID:     op.AssetID,
		Receiver:    op.AccountID,
		Amount:      op.AmountOut,
	})
	if errors.Is(err, transfer.ErrPending) {
		o.log.Info("transfer pending", "op_id", op.ID, "asset", op.AssetID, "amount", op.AmountOut.String())
		return op, nil
	}
	return o.ResolveTransfer(ctx, op.ID, err)
}

// ResolveTransfer is the continuation of the asset transfer for a sell.
// A nil transferErr settles the operation. Otherwise the sell is reverted:
// the released asset goes back to the treasury and the burned tokens are
// re-minted to the seller at the price they were burned at, with a refund
// memo. A failed transfer is an outcome, not an error.
func (o *Orchestrator) ResolveTransfer(ctx context.Context, opID string, transferErr error) (*model.Operation, error) {
	ctx, span := o.tracer.Start(ctx, "exchange.resolve_transfer", trace.WithAttributes(
		attribute.String("op.id", opID),
		attribute.Bool("transfer.ok", transferErr == nil),
	))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()

	op, err := o.store.GetOperation(ctx, opID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if op.State != model.StateRemoteTransferRequested {
		err := fmt.Errorf("%w: operation %s is %s, transfer already resolved", model.ErrInvalidState, op.ID, op.State)
		recordError(span, err)
		return op, err
	}

	if transferErr == nil {
		next, err := o.finish(ctx, op, model.StateSettled, nil)
		if err != nil {
			recordError(span, err)
			return next, err
		}
		o.log.Info("sell settled", "op_id", op.ID, "account", op.AccountID,
			"asset", op.AssetID, "amount", op.AmountOut.String())
		span.SetStatus(codes.Ok, "settled")
		return next, nil
	}

	reverted := *op
	reverted.State = model.StateReverted
	// A recorded error means an earlier transfer failure whose compensation
	// is being retried; that failure stays the reason.
	if reverted.Error == "" {
		reverted.Error = transferErr.Error()
	}
	reverted.UpdatedAt = o.now().UTC()
	if err := o.store.TransitionOperation(ctx, &reverted, model.StateRemoteTransferRequested); err != nil {
		recordError(span, err)
		return op, err
	}

	if err := o.compensate(ctx, &reverted); err != nil {
		// Hand the operation back so the reconciler retries compensation.
		released := reverted
		released.State = model.StateRemoteTransferRequested
		released.UpdatedAt = o.now().UTC()
		if relErr := o.store.TransitionOperation(ctx, &released, model.StateReverted); relErr != nil {
			o.log.Error("release reverted operation failed", "op_id", op.ID, "err", relErr)
		}
		o.log.Error("sell compensation failed", "op_id", op.ID, "transfer_err", reverted.Error, "err", err)
		err = fmt.Errorf("compensate operation %s: %w", op.ID, err)
		recordError(span, err)
		return &released, err
	}

	o.track(model.StateRemoteTransferRequested, model.StateReverted)
	o.observe(&reverted)
	metrics.RefundsTotal.Inc()
	o.emit(ctx, model.Event{
		Kind:        model.EventMint,
		OwnerID:     reverted.AccountID,
		Amount:      reverted.AmountIn,
		Memo:        model.MemoRefund,
		OperationID: reverted.ID,
	})
	o.log.Warn("sell reverted", "op_id", op.ID, "account", op.AccountID, "err", transferErr)
	span.SetStatus(codes.Ok, "reverted")
	return &reverted, nil
}

func (o *Orchestrator) compensate(ctx context.Context, op *model.Operation) error {
	if _, err := o.treasury.Deposit(ctx, op.AssetID, op.AmountOut); err != nil {
		return err
	}
	if _, err := o.token.Deposit(ctx, op.AccountID, op.AmountIn, op.Price); err != nil {
		if _, undoErr := o.treasury.Withdraw(ctx, op.AssetID, op.AmountOut); undoErr != nil {
			o.log.Error("undo treasury refund failed", "op_id", op.ID, "err", undoErr)
		}
		return err
	}
	return nil
}

// finish moves op to a terminal state. cause, when set, is recorded on the
// operation and returned unchanged.
func (o *Orchestrator) finish(ctx context.Context, op *model.Operation, state model.OperationState, cause error) (*model.Operation, error) {
	next := *op
	next.State = state
	if cause != nil {
		next.Error = cause.Error()
	}
	next.UpdatedAt = o.now().UTC()
	if err := o.store.TransitionOperation(ctx, &next, op.State); err != nil {
		if cause != nil {
			return op, errors.Join(cause, err)
		}
		return op, err
	}
	o.track(op.State, state)
	o.observe(&next)
	return &next, cause
}

func pending(s model.OperationState) bool {
	return s == model.StateQuoteRequested || s == model.StateRemoteTransferRequested
}

func (o *Orchestrator) track(from, to model.OperationState) {
	if pending(from) {
		metrics.PendingOperations.WithLabelValues(string(from)).Dec()
	}
	if pending(to) {
		metrics.PendingOperations.WithLabelValues(string(to)).Inc()
	}
}

func (o *Orchestrator) observe(op *model.Operation) {
	if !op.State.Terminal() {
		return
	}
	metrics.OperationsTotal.WithLabelValues(string(op.Kind), string(op.State)).Inc()
	metrics.OperationLatency.WithLabelValues(string(op.Kind)).Observe(op.UpdatedAt.Sub(op.CreatedAt).Seconds())
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, model.ErrStaleQuote):
		return "stale_quote"
	case errors.Is(err, model.ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, model.ErrPrecisionMismatch):
		return "precision"
	case errors.Is(err, model.ErrOverflow):
		return "overflow"
	case errors.Is(err, model.ErrUnderflow):
		return "underflow"
	case errors.Is(err, model.ErrLimitExceeded):
		return "limit"
	case errors.Is(err, model.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, model.ErrInvalidInput):
		return "invalid_input"
	}
	return "other"
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
