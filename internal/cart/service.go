// Package cart removes purchased items from buyers' carts.
package cart

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ariefcatur/unitrade-orders/internal/apperr"
	"github.com/ariefcatur/unitrade-orders/internal/cache"
	"github.com/ariefcatur/unitrade-orders/internal/logging"
	"github.com/ariefcatur/unitrade-orders/internal/redisx"
)

type Store interface {
	RemoveItems(ctx context.Context, userID int64, itemIDs []int64) (int64, error)
}

type Service struct {
	store Store
	cache *cache.Client
}

func NewService(store Store, c *cache.Client) *Service {
	return &Service{store: store, cache: c}
}

// Clear drops the items from the cart rows, then the cached cart. Clearing
// items that are no longer in the cart is not an error.
func (s *Service) Clear(ctx context.Context, userID int64, itemIDs []int64) error {
	if userID <= 0 {
		return errors.Wrap(apperr.ErrBadRequest, "cart owner required")
	}
	if len(itemIDs) == 0 {
		return nil
	}
	n, err := s.store.RemoveItems(ctx, userID, itemIDs)
	if err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, cartKey(userID)); err != nil {
		// rows are gone; the cached cart expires on its own
		logging.FromContext(ctx).Warn("cart_cache_invalidate_failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	logging.FromContext(ctx).Debug("cart_cleared", zap.Int64("user_id", userID), zap.Int64("removed", n))
	return nil
}

func cartKey(userID int64) string { return fmt.Sprintf(redisx.KeyCartCache, userID) }
