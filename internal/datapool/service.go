// Package datapool is the dispatch pipeline's boundary to the data ingestion
// subsystem. The Producer talks only to this contract; how items got into a
// pool (file, HTTP, MQTT, ...) is someone else's problem.
package datapool

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/inkfleet/inkfleet-backend/internal/models"
	"github.com/inkfleet/inkfleet-backend/internal/store"
)

// Service is the data-pool contract consumed by the Producer and the task
// preflight checks.
type Service interface {
	// SelectPendingItems claims up to limit pending items from the pool,
	// marking them PRINTING so no other worker double-claims.
	SelectPendingItems(ctx context.Context, poolID string, limit int) ([]*models.DataItem, error)
	// MarkStatus moves items to the given status.
	MarkStatus(ctx context.Context, itemIDs []string, status models.DataItemStatus) error
	// RequeueOrFail resolves a retry-exhausted item per the print-count cap.
	RequeueOrFail(ctx context.Context, itemID string, maxPrints int) error
	// Exists reports whether the pool has any items at all.
	Exists(ctx context.Context, poolID string) (bool, error)
	// Statistics summarises the pool backlog.
	Statistics(ctx context.Context, poolID string) (*store.PoolStatistics, error)
}

// StoreService implements Service directly on the item store.
type StoreService struct {
	items  store.ItemStore
	logger *zap.Logger
}

// NewStoreService wraps the item store as a pool service.
func NewStoreService(items store.ItemStore, logger *zap.Logger) *StoreService {
	return &StoreService{items: items, logger: logger}
}

func (s *StoreService) SelectPendingItems(ctx context.Context, poolID string, limit int) ([]*models.DataItem, error) {
	items, err := s.items.SelectAndClaimPending(ctx, poolID, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting pending items: %w", err)
	}
	if len(items) > 0 {
		s.logger.Debug("Claimed pending items",
			zap.String("pool_id", poolID),
			zap.Int("count", len(items)),
		)
	}
	return items, nil
}

func (s *StoreService) MarkStatus(ctx context.Context, itemIDs []string, status models.DataItemStatus) error {
	return s.items.MarkItemsStatus(ctx, itemIDs, status)
}

func (s *StoreService) RequeueOrFail(ctx context.Context, itemID string, maxPrints int) error {
	return s.items.RequeueOrFail(ctx, itemID, maxPrints)
}

func (s *StoreService) Exists(ctx context.Context, poolID string) (bool, error) {
	return s.items.PoolExists(ctx, poolID)
}

func (s *StoreService) Statistics(ctx context.Context, poolID string) (*store.PoolStatistics, error) {
	return s.items.PoolStatistics(ctx, poolID)
}
