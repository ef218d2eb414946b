package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// AppendAudit records one audit entry. The id and timestamp are
// assigned by the store.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	query, args, err := qb.Insert("audit_entries").
		Columns("id", "server_id", "member_id", "rule_id", "role_id", "action", "reason").
		Values(uuid.NewString(), e.ServerID, e.MemberID, e.RuleID, e.RoleID, string(e.Action), e.Reason).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the most recent entries for a server, newest first.
func (s *Store) ListAudit(ctx context.Context, serverID string, limit, offset uint64) ([]AuditEntry, error) {
	if limit == 0 || limit > 500 {
		limit = 100
	}
	query, args, err := qb.Select("id", "at", "server_id", "member_id", "rule_id", "role_id", "action", "reason").
		From("audit_entries").
		Where(sq.Eq{"server_id": serverID}).
		OrderBy("at DESC").
		Limit(limit).
		Offset(offset).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries for %s: %w", serverID, err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e      AuditEntry
			action string
		)
		if err := rows.Scan(&e.ID, &e.At, &e.ServerID, &e.MemberID, &e.RuleID, &e.RoleID, &action, &e.Reason); err != nil {
			return nil, err
		}
		e.Action = AuditAction(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteAuditBefore prunes entries older than the cutoff and returns
// the number removed.
func (s *Store) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_entries WHERE at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
