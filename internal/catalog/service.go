package catalog

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ariefcatur/unitrade-orders/internal/apperr"
	"github.com/ariefcatur/unitrade-orders/internal/cache"
	"github.com/ariefcatur/unitrade-orders/internal/inventory"
	"github.com/ariefcatur/unitrade-orders/internal/logging"
	"github.com/ariefcatur/unitrade-orders/internal/redisx"
)

type Store interface {
	Get(ctx context.Context, id int64) (*Item, error)
	ListByIDs(ctx context.Context, ids []int64) ([]Item, error)
	ListOnSale(ctx context.Context, limit int) ([]Item, error)
	Insert(ctx context.Context, it *Item) error
	Update(ctx context.Context, it *Item) error
}

// Service is the hot read path of the catalog plus its write operations.
// Items are served from a logical-expiration cache.
type Service struct {
	store Store
	cache *cache.Client
	stock *inventory.StockCache
	ttl   time.Duration
}

func NewService(store Store, c *cache.Client, stock *inventory.StockCache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = redisx.TTLItemCache
	}
	return &Service{store: store, cache: c, stock: stock, ttl: ttl}
}

func itemCacheKey(id int64) string { return redisx.PrefixItemCache + strconv.FormatInt(id, 10) }

// SaveItem publishes a new item and seeds its stock counter.
func (s *Service) SaveItem(ctx context.Context, it *Item) error {
	if err := validate(it); err != nil {
		return err
	}
	if it.Status == 0 {
		it.Status = StatusOnSale
	}
	if err := s.store.Insert(ctx, it); err != nil {
		return err
	}
	return s.stock.Init(ctx, it.ID, it.Stock)
}

func (s *Service) QueryItem(ctx context.Context, id int64) (*Item, error) {
	it, err := cache.QueryWithLogicalExpire(ctx, s.cache, redisx.PrefixItemCache, redisx.PrefixItemLock, id, s.store.Get, s.ttl)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, errors.Wrapf(apperr.ErrNotFound, "item %d", id)
	}
	return it, nil
}

// QueryItems returns the items that exist, in the order asked for.
func (s *Service) QueryItems(ctx context.Context, ids []int64) ([]Item, error) {
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		it, err := s.QueryItem(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, nil
}

// UpdateItem writes the database first and then drops the cached copy.
func (s *Service) UpdateItem(ctx context.Context, it *Item) error {
	if it.ID <= 0 {
		return errors.Wrap(apperr.ErrBadRequest, "item id required")
	}
	if err := validate(it); err != nil {
		return err
	}
	if err := s.store.Update(ctx, it); err != nil {
		return err
	}
	return s.cache.Delete(ctx, itemCacheKey(it.ID))
}

// WarmUp loads up to limit on-sale items into the hot cache and seeds any
// missing stock counters. Existing counters are left alone.
func (s *Service) WarmUp(ctx context.Context, limit int) (int, error) {
	items, err := s.store.ListOnSale(ctx, limit)
	if err != nil {
		return 0, err
	}
	log := logging.FromContext(ctx)
	for i := range items {
		it := &items[i]
		if err := s.cache.SetWithLogicalExpire(ctx, itemCacheKey(it.ID), it, s.ttl); err != nil {
			return i, err
		}
		seeded, err := s.stock.InitIfAbsent(ctx, it.ID, it.Stock)
		if err != nil {
			return i, err
		}
		log.Debug("item_warmed", zap.Int64("item_id", it.ID), zap.Bool("stock_seeded", seeded))
	}
	return len(items), nil
}

// Prices returns the durable items for ids keyed by id, bypassing the cache.
func (s *Service) Prices(ctx context.Context, ids []int64) (map[int64]Item, error) {
	items, err := s.store.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Item, len(items))
	for _, it := range items {
		out[it.ID] = it
	}
	return out, nil
}

func validate(it *Item) error {
	switch {
	case it == nil:
		return errors.Wrap(apperr.ErrBadRequest, "item required")
	case strings.TrimSpace(it.Name) == "":
		return errors.Wrap(apperr.ErrBadRequest, "item name required")
	case it.Price < 0:
		return errors.Wrap(apperr.ErrBadRequest, "price must not be negative")
	case it.Stock < 0:
		return errors.Wrap(apperr.ErrBadRequest, "stock must not be negative")
	case it.Status != 0 && !it.Status.Valid():
		return errors.Wrapf(apperr.ErrBadRequest, "unknown item status %d", it.Status)
	}
	return nil
}
