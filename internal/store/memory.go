package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ktex/exchange-engine/internal/fixed"
	"github.com/ktex/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	assets     map[string]*model.Asset
	assetOrder []string
	holders    map[string]*model.HolderBalance
	supply     fixed.Uint
	ops        map[string]*model.Operation
	events     []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:  make(map[string]*model.Asset),
		holders: make(map[string]*model.HolderBalance),
		ops:     make(map[string]*model.Operation),
	}
}

func (s *MemoryStore) InsertAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assets[a.ID]; ok {
		return fmt.Errorf("asset %s: %w", a.ID, model.ErrAlreadyExists)
	}
	// Store a copy to avoid external mutation.
	copy := *a
	s.assets[a.ID] = &copy
	s.assetOrder = append(s.assetOrder, a.ID)
	return nil
}

func (s *MemoryStore) GetAsset(_ context.Context, id string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, model.ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]model.Asset, 0, len(s.assetOrder))
	for _, id := range s.assetOrder {
		assets = append(assets, *s.assets[id])
	}
	return assets, nil
}

func (s *MemoryStore) UpdateAssetStatus(_ context.Context, id string, status model.AssetStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, model.ErrNotFound)
	}
	a.Status = status
	return nil
}

func (s *MemoryStore) UpdateAssetBalance(_ context.Context, id string, balance fixed.Uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, model.ErrNotFound)
	}
	a.Balance = balance
	return nil
}

func (s *MemoryStore) GetHolder(_ context.Context, accountID string) (*model.HolderBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holders[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}
	copy := *h
	return &copy, nil
}

func (s *MemoryStore) ListBalances(_ context.Context) ([]model.HolderBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balances := make([]model.HolderBalance, 0, len(s.holders))
	for _, h := range s.holders {
		balances = append(balances, *h)
	}
	slices.SortFunc(balances, func(a, b model.HolderBalance) int {
		switch {
		case a.AccountID < b.AccountID:
			return -1
		case a.AccountID > b.AccountID:
			return 1
		}
		return 0
	})
	return balances, nil
}

func (s *MemoryStore) TotalSupply(_ context.Context) (fixed.Uint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.supply, nil
}

func (s *MemoryStore) SaveBalances(_ context.Context, supply fixed.Uint, holders ...model.HolderBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.supply = supply
	for _, h := range holders {
		copy := h
		s.holders[h.AccountID] = &copy
	}
	return nil
}

func (s *MemoryStore) CreateOperation(_ context.Context, op *model.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[op.ID]; ok {
		return fmt.Errorf("operation %s: %w", op.ID, model.ErrAlreadyExists)
	}
	copy := *op
	s.ops[op.ID] = &copy
	return nil
}

func (s *MemoryStore) GetOperation(_ context.Context, id string) (*model.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", id, model.ErrNotFound)
	}
	copy := *op
	return &copy, nil
}

func (s *MemoryStore) TransitionOperation(_ context.Context, op *model.Operation, from model.OperationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.ops[op.ID]
	if !ok {
		return fmt.Errorf("operation %s: %w", op.ID, model.ErrNotFound)
	}
	if cur.State != from {
		return fmt.Errorf("%w: operation %s is %s, not %s", model.ErrInvalidState, op.ID, cur.State, from)
	}
	copy := *op
	s.ops[op.ID] = &copy
	return nil
}

func (s *MemoryStore) ListOperations(_ context.Context, states []model.OperationState, updatedBefore time.Time) ([]model.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Operation
	for _, op := range s.ops {
		if slices.Contains(states, op.State) && op.UpdatedAt.Before(updatedBefore) {
			result = append(result, *op)
		}
	}
	slices.SortFunc(result, func(a, b model.Operation) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	return result, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, account string, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if account == "" || e.Involves(account) {
			result = append(result, e)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}
