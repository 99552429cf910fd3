package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for assets, holder balances and the supply counter. Writes go to the
// primary store and invalidate the cache; reads check Redis first then fall
// back to the primary. Operations and events are never cached.
//
// A cached read can return a value that a concurrent write has already
// replaced, until the entry expires. Use it for views only; read-modify-write
// cycles must read Primary().
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Primary returns the store behind the cache.
func (s *CachedStore) Primary() Store {
	return s.primary
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertAsset(ctx context.Context, a *model.Asset) error {
	if err := s.primary.InsertAsset(ctx, a); err != nil {
		return err
	}
	s.cache(ctx, assetKey(a.ID), a)
	return nil
}

func (s *CachedStore) UpdateAssetStatus(ctx context.Context, id string, status model.AssetStatus) error {
	if err := s.primary.UpdateAssetStatus(ctx, id, status); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.invalidate(ctx, assetKey(id))
	return nil
}

func (s *CachedStore) UpdateAssetBalance(ctx context.Context, id string, balance fixed.Uint) error {
	if err := s.primary.UpdateAssetBalance(ctx, id, balance); err != nil {
		return err
	}
	s.invalidate(ctx, assetKey(id))
	return nil
}

func (s *CachedStore) SaveBalances(ctx context.Context, supply fixed.Uint, holders ...model.HolderBalance) error {
	if err := s.primary.SaveBalances(ctx, supply, holders...); err != nil {
		return err
	}
	keys := []string{supplyKey}
	for _, h := range holders {
		keys = append(keys, holderKey(h.AccountID))
	}
	s.invalidate(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	var a model.Asset
	if s.lookup(ctx, assetKey(id), &a) {
		return &a, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, assetKey(id), got)
	return got, nil
}

func (s *CachedStore) GetHolder(ctx context.Context, accountID string) (*model.HolderBalance, error) {
	var h model.HolderBalance
	if s.lookup(ctx, holderKey(accountID), &h) {
		return &h, nil
	}

	got, err := s.primary.GetHolder(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, holderKey(accountID), got)
	return got, nil
}

func (s *CachedStore) TotalSupply(ctx context.Context) (fixed.Uint, error) {
	var supply fixed.Uint
	if s.lookup(ctx, supplyKey, &supply) {
		return supply, nil
	}

	supply, err := s.primary.TotalSupply(ctx)
	if err != nil {
		return fixed.Zero, err
	}
	s.cache(ctx, supplyKey, supply)
	return supply, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	return s.primary.ListAssets(ctx)
}

func (s *CachedStore) ListBalances(ctx context.Context) ([]model.HolderBalance, error) {
	return s.primary.ListBalances(ctx)
}

func (s *CachedStore) CreateOperation(ctx context.Context, op *model.Operation) error {
	return s.primary.CreateOperation(ctx, op)
}

func (s *CachedStore) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	return s.primary.GetOperation(ctx, id)
}

func (s *CachedStore) TransitionOperation(ctx context.Context, op *model.Operation, from model.OperationState) error {
	return s.primary.TransitionOperation(ctx, op, from)
}

func (s *CachedStore) ListOperations(ctx context.Context, states []model.OperationState, updatedBefore time.Time) ([]model.Operation, error) {
	return s.primary.ListOperations(ctx, states, updatedBefore)
}

func (s *CachedStore) AppendEvent(ctx context.Context, e *model.Event) error {
	return s.primary.AppendEvent(ctx, e)
}

func (s *CachedStore) ListEvents(ctx context.Context, account string, limit int) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, account, limit)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// invalidate drops keys. A failure leaves a stale view until the TTL
// expires; the primary write has already succeeded, so it is only logged.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const supplyKey = "ktex:supply"

func assetKey(id string) string   { return fmt.Sprintf("ktex:asset:%s", id) }
func holderKey(id string) string  { return fmt.Sprintf("ktex:holder:%s", id) }
