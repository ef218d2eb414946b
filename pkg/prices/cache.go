package prices

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rolegate/rolegate/pkg/storage"
)

type (
	// QuoteStore is the part of the persistence layer the cache needs.
	QuoteStore interface {
		GetQuotes(ctx context.Context, assetIDs []string) (map[string]storage.PriceQuote, error)
		UpsertQuote(ctx context.Context, q storage.PriceQuote) error
	}

	// Fetcher pulls fresh quotes from the upstream provider.
	Fetcher interface {
		SimplePrices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error)
	}

	// Cache is the TTL-bounded quote cache. Concurrent misses for the
	// same id set collapse into a single upstream call.
	Cache struct {
		Config

		sf singleflight.Group
	}

	// Config contains cache parameters.
	Config struct {
		Store   QuoteStore
		Fetcher Fetcher
		TTL     time.Duration
		Log     *zap.Logger
		// Now is the clock, overridable in tests.
		Now func() time.Time
	}
)

// NewCache creates a price cache.
func NewCache(cfg Config) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	return &Cache{Config: cfg}
}

// GetUSDPrices returns USD quotes for the requested asset ids. Entries
// absent from the result mean "price unknown"; the caller's USD rules
// then evaluate as indeterminate. An upstream failure fails the whole
// call even when some ids were served from cache.
func (c *Cache) GetUSDPrices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(assetIDs))
	if len(assetIDs) == 0 {
		return out, nil
	}

	now := c.Now()
	stored, err := c.Store.GetQuotes(ctx, assetIDs)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range assetIDs {
		// A quote fetched exactly TTL ago is still fresh.
		if q, ok := stored[id]; ok && now.Sub(q.FetchedAt) <= c.TTL {
			out[id] = q.PriceUSD
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	sort.Strings(missing)
	fetched, err, _ := c.sf.Do(strings.Join(missing, ","), func() (any, error) {
		return c.fetchAndStore(ctx, missing)
	})
	if err != nil {
		return nil, err
	}
	for id, price := range fetched.(map[string]decimal.Decimal) {
		out[id] = price
	}
	return out, nil
}

func (c *Cache) fetchAndStore(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	quotes, err := c.Fetcher.SimplePrices(ctx, assetIDs)
	if err != nil {
		return nil, err
	}
	fetchedAt := c.Now()
	for id, price := range quotes {
		err := c.Store.UpsertQuote(ctx, storage.PriceQuote{
			AssetID:   id,
			PriceUSD:  price,
			FetchedAt: fetchedAt,
		})
		if err != nil {
			// Serving the fresh quote matters more than caching it.
			c.Log.Warn("failed to store price quote", zap.String("asset", id), zap.Error(err))
		}
	}
	return quotes, nil
}
