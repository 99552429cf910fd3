// Package api exposes the exchange over HTTP: public ledger views, the
// deposit notification endpoint, authenticated sells and transfers, the
// administrator surface, and a WebSocket event stream.
//
// Amounts are JSON strings of base-10 integers in the smallest unit.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ktex/exchange-engine/internal/auth"
	"github.com/ktex/exchange-engine/internal/exchange"
	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
	"github.com/ktex/exchange-engine/internal/price"
	"github.com/ktex/exchange-engine/internal/transfer"
)

const (
	maxBodyBytes      = 1 << 20
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// PriceSetter publishes oracle prices. Only the in-process oracle has one.
type PriceSetter interface {
	SetExchangePrice(assetID string, p price.Price) error
}

// Handler serves the exchange API.
type Handler struct {
	orch    *exchange.Orchestrator
	auth    *auth.Authenticator
	hub     *WSHub
	prices  PriceSetter
	limiter *RateLimiter
}

// NewHandler creates a handler. hub, prices and limiter may be nil.
func NewHandler(orch *exchange.Orchestrator, authn *auth.Authenticator, hub *WSHub, prices PriceSetter, limiter *RateLimiter) *Handler {
	return &Handler{orch: orch, auth: authn, hub: hub, prices: prices, limiter: limiter}
}

// Mount registers every route under /api/v1.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware)
		}

		r.Get("/assets", h.ListAssets)
		r.Get("/assets/{assetID}", h.GetAsset)
		r.Get("/accounts/{accountID}", h.GetAccount)
		r.Get("/supply", h.GetSupply)
		r.Get("/metadata", h.GetMetadata)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware)

			r.Post("/assets/{assetID}/on-transfer", h.OnTransfer)
			r.Post("/sell", h.Sell)
			r.Post("/transfer", h.Transfer)
			r.Get("/operations/{opID}", h.GetOperation)
			r.Post("/operations/{opID}/transfer-result", h.TransferResult)
			r.Get("/events", h.ListEvents)
			if h.hub != nil {
				r.Get("/ws", h.Stream)
			}

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireAdmin)
				r.Post("/assets", h.RegisterAsset)
				r.Post("/assets/{assetID}/enable", h.EnableAsset)
				r.Post("/assets/{assetID}/disable", h.DisableAsset)
				r.Put("/prices/{assetID}", h.SetPrice)
				r.Get("/owners", h.ListOwners)
			})
		})
	})
}

// --- Request/Response types ---

// OnTransferRequest is the JSON body of a deposit notification. The asset
// is the authenticated caller.
type OnTransferRequest struct {
	SenderID string     `json:"sender_id"`
	Amount   fixed.Uint `json:"amount"`
	Msg      string     `json:"msg"`
}

// OnTransferResponse reports how much of the deposit must go back to the
// sender.
type OnTransferResponse struct {
	UnusedAmount fixed.Uint       `json:"unused_amount"`
	Operation    *model.Operation `json:"operation,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// SellRequest is the JSON body for POST /sell.
type SellRequest struct {
	AssetID  string               `json:"asset_id"`
	Amount   fixed.Uint           `json:"amount"`
	Expected *model.ExpectedPrice `json:"expected,omitempty"`
}

// TransferRequest is the JSON body for POST /transfer.
type TransferRequest struct {
	ReceiverID string     `json:"receiver_id"`
	Amount     fixed.Uint `json:"amount"`
	Memo       string     `json:"memo,omitempty"`
}

// TransferResultRequest reports the outcome of an asynchronous asset
// transfer.
type TransferResultRequest struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// RegisterAssetRequest is the JSON body for POST /admin/assets.
type RegisterAssetRequest struct {
	AssetID  string `json:"asset_id"`
	Decimals uint8  `json:"decimals"`
}

// SetPriceRequest is the JSON body for PUT /admin/prices/{assetID}.
type SetPriceRequest struct {
	Multiplier fixed.Uint `json:"multiplier"`
	Decimals   uint8      `json:"decimals"`
}

// AccountResponse is a holder balance with a human-readable amount.
type AccountResponse struct {
	AccountID     string     `json:"account_id"`
	Amount        fixed.Uint `json:"amount"`
	WeightedPrice fixed.Uint `json:"weighted_price"`
	Formatted     string     `json:"formatted"`
}

type errorResponse struct {
	Error     string           `json:"error"`
	Operation *model.Operation `json:"operation,omitempty"`
}

// --- Public views ---

// ListAssets handles GET /api/v1/assets
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.orch.Assets(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// GetAsset handles GET /api/v1/assets/{assetID}
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	a, err := h.orch.Asset(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	b, err := h.orch.Balance(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{
		AccountID:     b.AccountID,
		Amount:        b.Amount,
		WeightedPrice: b.Price,
		Formatted:     b.Amount.Format(h.orch.Metadata().Decimals),
	})
}

// GetSupply handles GET /api/v1/supply
func (h *Handler) GetSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := h.orch.TotalSupply(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_supply": supply,
		"formatted":    supply.Format(h.orch.Metadata().Decimals),
	})
}

// GetMetadata handles GET /api/v1/metadata
func (h *Handler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Metadata())
}

// --- Authenticated ---

// OnTransfer handles POST /api/v1/assets/{assetID}/on-transfer
// Only the asset itself (or an administrator relaying for it) may report a
// deposit of that asset.
func (h *Handler) OnTransfer(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	assetID := chi.URLParam(r, "assetID")
	if caller.AccountID != assetID && !caller.Admin {
		writeError(w, "only the asset can report its deposits", http.StatusForbidden)
		return
	}

	var req OnTransferRequest
	if !decode(w, r, &req) {
		return
	}

	unused, op, err := h.orch.OnTransfer(r.Context(), exchange.Notification{
		AssetID:  assetID,
		SenderID: req.SenderID,
		Amount:   req.Amount,
		Msg:      req.Msg,
	})
	if err != nil {
		writeJSON(w, statusOf(err), OnTransferResponse{UnusedAmount: unused, Operation: op, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, OnTransferResponse{UnusedAmount: unused, Operation: op})
}

// Sell handles POST /api/v1/sell
// Answers 202 when the asset transfer is still outstanding.
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if !decode(w, r, &req) {
		return
	}

	op, err := h.orch.Sell(r.Context(), exchange.Request{
		AccountID: callerOf(r).AccountID,
		AssetID:   req.AssetID,
		Amount:    req.Amount,
		Expected:  req.Expected,
	})
	if err != nil {
		writeJSON(w, statusOf(err), errorResponse{Error: err.Error(), Operation: op})
		return
	}
	status := http.StatusOK
	if op.State == model.StateRemoteTransferRequested {
		status = http.StatusAccepted
	}
	writeJSON(w, status, op)
}

// Transfer handles POST /api/v1/transfer
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := h.orch.Transfer(r.Context(), callerOf(r).AccountID, req.ReceiverID, req.Amount, req.Memo)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// GetOperation handles GET /api/v1/operations/{opID}
func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.orch.Operation(r.Context(), chi.URLParam(r, "opID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	caller := callerOf(r)
	if op.AccountID != caller.AccountID && !caller.Admin {
		writeError(w, "operation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// TransferResult handles POST /api/v1/operations/{opID}/transfer-result
// The transfer service reports the outcome of a pending transfer.
func (h *Handler) TransferResult(w http.ResponseWriter, r *http.Request) {
	if !callerOf(r).Admin {
		writeError(w, "administrator required", http.StatusForbidden)
		return
	}
	var req TransferResultRequest
	if !decode(w, r, &req) {
		return
	}

	var outcome error
	if !req.Success {
		outcome = fmt.Errorf("%w: %s", transfer.ErrRejected, req.Reason)
	}
	op, err := h.orch.ResolveTransfer(r.Context(), chi.URLParam(r, "opID"), outcome)
	if err != nil {
		writeJSON(w, statusOf(err), errorResponse{Error: err.Error(), Operation: op})
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// Stream handles GET /api/v1/ws?account=
// The WebSocket follows the same visibility rule as ListEvents.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	account, ok := eventScope(w, r)
	if !ok {
		return
	}
	h.hub.Serve(w, r, account)
}

// ListEvents handles GET /api/v1/events?account=&limit=
// Non-administrators only see their own events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	account, ok := eventScope(w, r)
	if !ok {
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := h.orch.Events(r.Context(), account, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Administrator ---

// RegisterAsset handles POST /api/v1/admin/assets
func (h *Handler) RegisterAsset(w http.ResponseWriter, r *http.Request) {
	var req RegisterAssetRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.orch.RegisterAsset(r.Context(), callerOf(r), req.AssetID, req.Decimals)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// EnableAsset handles POST /api/v1/admin/assets/{assetID}/enable
func (h *Handler) EnableAsset(w http.ResponseWriter, r *http.Request) {
	a, err := h.orch.EnableAsset(r.Context(), callerOf(r), chi.URLParam(r, "assetID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DisableAsset handles POST /api/v1/admin/assets/{assetID}/disable
func (h *Handler) DisableAsset(w http.ResponseWriter, r *http.Request) {
	a, err := h.orch.DisableAsset(r.Context(), callerOf(r), chi.URLParam(r, "assetID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// SetPrice handles PUT /api/v1/admin/prices/{assetID}
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	if h.prices == nil {
		writeError(w, "prices are served by a remote oracle", http.StatusNotImplemented)
		return
	}
	var req SetPriceRequest
	if !decode(w, r, &req) {
		return
	}
	assetID := chi.URLParam(r, "assetID")
	p := price.Price{Multiplier: req.Multiplier, Decimals: req.Decimals}
	if err := h.prices.SetExchangePrice(assetID, p); err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("price published", "asset", assetID, "multiplier", p.Multiplier.String(),
		"decimals", p.Decimals, "by", callerOf(r).AccountID)
	writeJSON(w, http.StatusOK, p)
}

// ListOwners handles GET /api/v1/admin/owners
func (h *Handler) ListOwners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"owners": h.auth.Admins()})
}

// --- Helpers ---

// eventScope resolves ?account= against the caller. Administrators may name
// any account or none (every account); other callers get their own.
func eventScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := callerOf(r)
	account := r.URL.Query().Get("account")
	if caller.Admin {
		return account, true
	}
	if account != "" && account != caller.AccountID {
		writeError(w, "events of other accounts are not visible", http.StatusForbidden)
		return "", false
	}
	return caller.AccountID, true
}

func callerOf(r *http.Request) model.Caller {
	caller, _ := auth.CallerFromContext(r.Context())
	return caller
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusOf maps an error kind to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrOverflow),
		errors.Is(err, model.ErrUnderflow),
		errors.Is(err, model.ErrStaleQuote),
		errors.Is(err, model.ErrSlippageExceeded),
		errors.Is(err, model.ErrPrecisionMismatch):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
