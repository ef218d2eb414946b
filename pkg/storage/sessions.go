package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const sessionColumns = "id, server_id, member_id, nonce, challenge_message, expires_at, used_at, created_at"

// CreateVerifySession stores a new session. The nonce column is
// globally unique; a collision surfaces as an error.
func (s *Store) CreateVerifySession(ctx context.Context, sess VerifySession) error {
	query, args, err := qb.Insert("verify_sessions").
		Columns("id", "server_id", "member_id", "nonce", "challenge_message", "expires_at").
		Values(sess.ID, sess.ServerID, sess.MemberID, sess.Nonce, sess.ChallengeMessage, sess.ExpiresAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("create verify session: %w", err)
	}
	return nil
}

// GetVerifySession loads a session by id.
func (s *Store) GetVerifySession(ctx context.Context, id string) (VerifySession, error) {
	query, args, err := qb.Select(sessionColumns).
		From("verify_sessions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return VerifySession{}, err
	}
	var sess VerifySession
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&sess.ID, &sess.ServerID, &sess.MemberID, &sess.Nonce,
		&sess.ChallengeMessage, &sess.ExpiresAt, &sess.UsedAt, &sess.CreatedAt)
	if noRows(err) {
		return VerifySession{}, ErrNotFound
	}
	return sess, err
}

// ConsumeVerifySession atomically marks the session used. It reports
// false when the session is already used or expired, which makes two
// concurrent submits race safely: exactly one wins.
func (s *Store) ConsumeVerifySession(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE verify_sessions SET used_at = $2
		 WHERE id = $1 AND used_at IS NULL AND expires_at > $2`,
		id, now)
	if err != nil {
		return false, fmt.Errorf("consume verify session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteFinishedSessions removes sessions that are expired or used.
func (s *Store) DeleteFinishedSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM verify_sessions WHERE expires_at <= $1 OR used_at IS NOT NULL`, now)
	if err != nil {
		return 0, fmt.Errorf("delete finished sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
