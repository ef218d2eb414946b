package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// EnsureServer inserts the server row if it does not exist yet.
func (s *Store) EnsureServer(ctx context.Context, serverID string) error {
	query, args, err := qb.Insert("servers").
		Columns("server_id").
		Values(serverID).
		Suffix("ON CONFLICT (server_id) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("ensure server %s: %w", serverID, err)
	}
	return nil
}

// ServerIDsWithEnabledRules returns the distinct servers that have at
// least one enabled gating rule.
func (s *Store) ServerIDsWithEnabledRules(ctx context.Context) ([]string, error) {
	query, args, err := qb.Select("DISTINCT server_id").
		From("gating_rules").
		Where(sq.Eq{"enabled": true}).
		OrderBy("server_id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list servers with enabled rules: %w", err)
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
