package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// GetQuotes returns the stored quotes for the given asset ids. Missing
// ids are simply absent from the result.
func (s *Store) GetQuotes(ctx context.Context, assetIDs []string) (map[string]PriceQuote, error) {
	quotes := make(map[string]PriceQuote, len(assetIDs))
	if len(assetIDs) == 0 {
		return quotes, nil
	}
	query, args, err := qb.Select("asset_id", "price_usd", "fetched_at").
		From("price_quotes").
		Where(sq.Eq{"asset_id": assetIDs}).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load price quotes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q PriceQuote
		if err := rows.Scan(&q.AssetID, &q.PriceUSD, &q.FetchedAt); err != nil {
			return nil, err
		}
		quotes[q.AssetID] = q
	}
	return quotes, rows.Err()
}

// UpsertQuote stores one quote, keeping at most one row per asset id.
func (s *Store) UpsertQuote(ctx context.Context, q PriceQuote) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO price_quotes (asset_id, price_usd, fetched_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (asset_id) DO UPDATE SET
			price_usd  = EXCLUDED.price_usd,
			fetched_at = EXCLUDED.fetched_at`,
		q.AssetID, q.PriceUSD, q.FetchedAt)
	if err != nil {
		return fmt.Errorf("upsert price quote %s: %w", q.AssetID, err)
	}
	return nil
}
