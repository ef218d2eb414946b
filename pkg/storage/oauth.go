package storage

import (
	"context"
	"fmt"
	"time"
)

// CreateOAuthState stores a single-use login state.
func (s *Store) CreateOAuthState(ctx context.Context, st OAuthState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_states (state, nonce, redirect_path, expires_at)
		VALUES ($1, $2, $3, $4)`,
		st.State, st.Nonce, st.RedirectPath, st.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create oauth state: %w", err)
	}
	return nil
}

// ConsumeOAuthState atomically marks the state used and returns it.
// ErrNotFound covers missing, expired and already-used states alike.
func (s *Store) ConsumeOAuthState(ctx context.Context, state string, now time.Time) (OAuthState, error) {
	var st OAuthState
	err := s.pool.QueryRow(ctx, `
		UPDATE oauth_states SET used_at = $2
		WHERE state = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING state, nonce, redirect_path, expires_at, used_at`,
		state, now).Scan(&st.State, &st.Nonce, &st.RedirectPath, &st.ExpiresAt, &st.UsedAt)
	if noRows(err) {
		return OAuthState{}, ErrNotFound
	}
	if err != nil {
		return OAuthState{}, fmt.Errorf("consume oauth state: %w", err)
	}
	return st, nil
}

// DeleteFinishedOAuthStates removes expired or used states.
func (s *Store) DeleteFinishedOAuthStates(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM oauth_states WHERE expires_at <= $1 OR used_at IS NOT NULL`, now)
	if err != nil {
		return 0, fmt.Errorf("delete finished oauth states: %w", err)
	}
	return tag.RowsAffected(), nil
}
