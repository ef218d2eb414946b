package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

const linkColumns = "id, server_id, member_id, wallet_pubkey, verified_at, last_checked_at, created_at, updated_at"

// UpsertWalletLink creates or replaces the wallet link for the member.
// It returns the previously linked pubkey ("" when this is a fresh
// link), which callers use to distinguish VERIFY_SUCCESS from
// VERIFY_REPLACED.
func (s *Store) UpsertWalletLink(ctx context.Context, serverID, memberID, walletPubkey string) (previous string, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin upsert wallet link: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`SELECT wallet_pubkey FROM wallet_links
		 WHERE server_id = $1 AND member_id = $2 FOR UPDATE`,
		serverID, memberID).Scan(&previous)
	if err != nil && !noRows(err) {
		return "", fmt.Errorf("load existing wallet link: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_links (id, server_id, member_id, wallet_pubkey, verified_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (server_id, member_id) DO UPDATE SET
			wallet_pubkey = EXCLUDED.wallet_pubkey,
			verified_at   = EXCLUDED.verified_at,
			updated_at    = now()`,
		uuid.NewString(), serverID, memberID, walletPubkey)
	if err != nil {
		return "", fmt.Errorf("upsert wallet link: %w", err)
	}
	return previous, tx.Commit(ctx)
}

// GetWalletLink returns the link for (serverID, memberID).
func (s *Store) GetWalletLink(ctx context.Context, serverID, memberID string) (WalletLink, error) {
	query, args, err := qb.Select(linkColumns).
		From("wallet_links").
		Where(sq.Eq{"server_id": serverID, "member_id": memberID}).
		ToSql()
	if err != nil {
		return WalletLink{}, err
	}
	var l WalletLink
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&l.ID, &l.ServerID, &l.MemberID, &l.WalletPubkey,
		&l.VerifiedAt, &l.LastCheckedAt, &l.CreatedAt, &l.UpdatedAt)
	if noRows(err) {
		return WalletLink{}, ErrNotFound
	}
	return l, err
}

// ListWalletLinks returns every link of the server ordered by creation.
func (s *Store) ListWalletLinks(ctx context.Context, serverID string) ([]WalletLink, error) {
	query, args, err := qb.Select(linkColumns).
		From("wallet_links").
		Where(sq.Eq{"server_id": serverID}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list wallet links for %s: %w", serverID, err)
	}
	defer rows.Close()

	var links []WalletLink
	for rows.Next() {
		var l WalletLink
		if err := rows.Scan(&l.ID, &l.ServerID, &l.MemberID, &l.WalletPubkey,
			&l.VerifiedAt, &l.LastCheckedAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// DeleteWalletLink removes the link; it reports whether one existed.
func (s *Store) DeleteWalletLink(ctx context.Context, serverID, memberID string) (bool, error) {
	query, args, err := qb.Delete("wallet_links").
		Where(sq.Eq{"server_id": serverID, "member_id": memberID}).
		ToSql()
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete wallet link: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TouchLastChecked records the completion time of a per-member check.
func (s *Store) TouchLastChecked(ctx context.Context, serverID, memberID string, at time.Time) error {
	query, args, err := qb.Update("wallet_links").
		Set("last_checked_at", at).
		Set("updated_at", at).
		Where(sq.Eq{"server_id": serverID, "member_id": memberID}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return err
}
