package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/store"
	"github.com/gridpulse/metering-plane/pkg/cache"
	"github.com/gridpulse/metering-plane/pkg/models"
)

// RateSource resolves the rate table for a region.
type RateSource interface {
	RateTable(ctx context.Context, region string) (*models.RateTable, error)
}

// StoreRateSource reads rate tables straight from the store.
type StoreRateSource struct {
	store store.Store
}

// NewStoreRateSource creates an uncached source.
func NewStoreRateSource(s store.Store) *StoreRateSource {
	return &StoreRateSource{store: s}
}

// RateTable implements RateSource.
func (s *StoreRateSource) RateTable(ctx context.Context, region string) (*models.RateTable, error) {
	return s.store.GetRateTable(ctx, region)
}

// CachedRateSource fronts another source with a Redis cache. Rate
// tables change rarely and every ingested sample needs one, so a short
// TTL keeps the store off the hot path without making admin updates
// wait long to take effect.
type CachedRateSource struct {
	next   RateSource
	cache  *cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedRateSource wraps next with a cache.
func NewCachedRateSource(next RateSource, c *cache.Cache, ttl time.Duration, logger *zap.Logger) *CachedRateSource {
	return &CachedRateSource{next: next, cache: c, ttl: ttl, logger: logger}
}

func rateTableKey(region string) string {
	return fmt.Sprintf("ratetable:%s", region)
}

// RateTable implements RateSource. Cache failures degrade to the
// underlying source rather than failing the sample.
func (c *CachedRateSource) RateTable(ctx context.Context, region string) (*models.RateTable, error) {
	key := rateTableKey(region)

	if raw, err := c.cache.Get(ctx, key); err == nil {
		var table models.RateTable
		if err := json.Unmarshal([]byte(raw), &table); err == nil {
			return &table, nil
		}
		c.logger.Warn("dropping corrupt rate table cache entry", zap.String("region", region))
		_ = c.cache.Delete(ctx, key)
	}

	table, err := c.next.RateTable(ctx, region)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(table); err == nil {
		if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
			c.logger.Warn("failed to cache rate table", zap.String("region", region), zap.Error(err))
		}
	}
	return table, nil
}

// Invalidate drops a region's cache entry. The admin API calls this
// after a rate table update so new samples price against the new
// table immediately.
func (c *CachedRateSource) Invalidate(ctx context.Context, region string) {
	if err := c.cache.Delete(ctx, rateTableKey(region)); err != nil {
		c.logger.Warn("failed to invalidate rate table cache", zap.String("region", region), zap.Error(err))
	}
}
