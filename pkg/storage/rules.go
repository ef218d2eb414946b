package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/rolegate/rolegate/pkg/gate"
)

const ruleColumns = `id, server_id, role_id, enabled, kind, mint,
	threshold_amount, threshold_usd, price_source, price_asset_id,
	collection_address, threshold_count, created_by, created_at, updated_at`

// CreateRule stores a new gating rule.
func (s *Store) CreateRule(ctx context.Context, row RuleRow) error {
	query, args, err := qb.Insert("gating_rules").
		Columns("id", "server_id", "role_id", "enabled", "kind", "mint",
			"threshold_amount", "threshold_usd", "price_source", "price_asset_id",
			"collection_address", "threshold_count", "created_by").
		Values(row.ID, row.ServerID, row.RoleID, row.Enabled, row.Kind, row.Mint,
			row.ThresholdAmount, row.ThresholdUSD, row.PriceSource, row.PriceAssetID,
			row.CollectionAddress, row.ThresholdCount, row.CreatedBy).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("create gating rule: %w", err)
	}
	return nil
}

// SetRuleEnabled flips the enabled flag; reports whether the rule
// exists within the server.
func (s *Store) SetRuleEnabled(ctx context.Context, serverID, ruleID string, enabled bool) (bool, error) {
	query, args, err := qb.Update("gating_rules").
		Set("enabled", enabled).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": ruleID, "server_id": serverID}).
		ToSql()
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("set rule enabled: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteRule removes the rule; reports whether it existed.
func (s *Store) DeleteRule(ctx context.Context, serverID, ruleID string) (bool, error) {
	query, args, err := qb.Delete("gating_rules").
		Where(sq.Eq{"id": ruleID, "server_id": serverID}).
		ToSql()
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete gating rule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListRules returns the server's rules, optionally only enabled ones,
// converted to the in-memory sum type. Rows that fail conversion are
// skipped and logged rather than failing the whole set.
func (s *Store) ListRules(ctx context.Context, serverID string, enabledOnly bool) ([]gate.Rule, error) {
	where := sq.Eq{"server_id": serverID}
	if enabledOnly {
		where["enabled"] = true
	}
	query, args, err := qb.Select(ruleColumns).
		From("gating_rules").
		Where(where).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list gating rules for %s: %w", serverID, err)
	}
	defer rows.Close()

	var rules []gate.Rule
	for rows.Next() {
		var r RuleRow
		if err := rows.Scan(&r.ID, &r.ServerID, &r.RoleID, &r.Enabled, &r.Kind, &r.Mint,
			&r.ThresholdAmount, &r.ThresholdUSD, &r.PriceSource, &r.PriceAssetID,
			&r.CollectionAddress, &r.ThresholdCount, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		rule, err := r.Rule()
		if err != nil {
			s.log.Warn("skipping malformed gating rule",
				zap.String("rule", r.ID), zap.Error(err))
			continue
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// RoleIDsWithRules returns the distinct role ids referenced by any rule
// (enabled or not) of the server. Used on unlink to strip managed roles.
func (s *Store) RoleIDsWithRules(ctx context.Context, serverID string) ([]string, error) {
	query, args, err := qb.Select("DISTINCT role_id").
		From("gating_rules").
		Where(sq.Eq{"server_id": serverID}).
		OrderBy("role_id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list gated roles for %s: %w", serverID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
