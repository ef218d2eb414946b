// Package verify implements the wallet-verification protocol: a
// single-use server-side session whose challenge the member signs with
// the wallet key, proving control of it to bind a Discord identity to a
// wallet.
package verify

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/rolegate/rolegate/pkg/storage"
)

// Protocol errors surfaced to the HTTP layer.
var (
	// ErrInvalidToken means the opaque token failed validation.
	ErrInvalidToken = errors.New("invalid verification token")
	// ErrSessionInvalid means the session is missing, expired,
	// mismatched or already used.
	ErrSessionInvalid = errors.New("verification session invalid")
	// ErrInvalidSignature means the cryptographic check failed.
	ErrInvalidSignature = errors.New("invalid signature")
)

// SessionTTL bounds both the server-side session and the signed token.
const SessionTTL = 10 * time.Minute

type (
	// Store is the part of the persistence layer the protocol needs.
	Store interface {
		EnsureServer(ctx context.Context, serverID string) error
		CreateVerifySession(ctx context.Context, sess storage.VerifySession) error
		GetVerifySession(ctx context.Context, id string) (storage.VerifySession, error)
		ConsumeVerifySession(ctx context.Context, id string, now time.Time) (bool, error)
		DeleteFinishedSessions(ctx context.Context, now time.Time) (int64, error)
		UpsertWalletLink(ctx context.Context, serverID, memberID, walletPubkey string) (string, error)
		DeleteWalletLink(ctx context.Context, serverID, memberID string) (bool, error)
		AppendAudit(ctx context.Context, e storage.AuditEntry) error
	}

	// RoleSyncer is the worker-side contract: recheck a member after a
	// new link, strip managed roles after an unlink. Both are
	// asynchronous.
	RoleSyncer interface {
		EnqueueRecheck(serverID, memberID string)
		EnqueueRoleStrip(serverID, memberID string)
	}

	// Service runs the verification protocol.
	Service struct {
		Config
	}

	// Config contains protocol parameters.
	Config struct {
		Store         Store
		Syncer        RoleSyncer
		HMACSecret    []byte
		PublicBaseURL string
		Log           *zap.Logger
		// Now is the clock, overridable in tests.
		Now func() time.Time
	}

	// Session is the caller-facing view of a freshly created session.
	Session struct {
		Token     string
		DeepLink  string
		ExpiresAt time.Time
	}

	// Challenge is what the signing page shows the member.
	Challenge struct {
		Message   string
		ExpiresAt time.Time
	}

	// SubmitResult reports a successful verification.
	SubmitResult struct {
		ServerID string
		MemberID string
		Replaced bool
	}
)

// NewService creates the verification service.
func NewService(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Service{Config: cfg}
}

// ChallengeMessage renders the exact message the wallet must sign. The
// member signs the server-chosen bytes; no client-supplied substitution
// is possible.
func ChallengeMessage(serverID, memberID, nonce string, expiresAt time.Time) string {
	return fmt.Sprintf("Verify Discord %s in Guild %s nonce %s exp %s",
		memberID, serverID, nonce, expiresAt.UTC().Format(time.RFC3339))
}

// CreateSession starts a verification handshake for the member and
// returns the signed token plus a deep link to the signing page.
func (s *Service) CreateSession(ctx context.Context, serverID, memberID string) (Session, error) {
	if err := s.Store.EnsureServer(ctx, serverID); err != nil {
		return Session{}, err
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return Session{}, fmt.Errorf("generate nonce: %w", err)
	}
	var (
		nonce     = hex.EncodeToString(nonceBytes)
		sessionID = uuid.NewString()
		expiresAt = s.Now().Add(SessionTTL)
	)
	sess := storage.VerifySession{
		ID:               sessionID,
		ServerID:         serverID,
		MemberID:         memberID,
		Nonce:            nonce,
		ChallengeMessage: ChallengeMessage(serverID, memberID, nonce, expiresAt),
		ExpiresAt:        expiresAt,
	}
	if err := s.Store.CreateVerifySession(ctx, sess); err != nil {
		return Session{}, err
	}

	token, err := signToken(s.HMACSecret, serverID, memberID, sessionID, expiresAt)
	if err != nil {
		return Session{}, fmt.Errorf("sign verification token: %w", err)
	}
	return Session{
		Token:     token,
		DeepLink:  strings.TrimRight(s.PublicBaseURL, "/") + "/verify?token=" + url.QueryEscape(token),
		ExpiresAt: expiresAt,
	}, nil
}

// GetChallenge validates the token and returns the message to sign.
func (s *Service) GetChallenge(ctx context.Context, token string) (Challenge, error) {
	sess, err := s.loadSession(ctx, token)
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{Message: sess.ChallengeMessage, ExpiresAt: sess.ExpiresAt}, nil
}

// Submit finishes the handshake: it checks the Ed25519 signature over
// the session's challenge, burns the session, upserts the wallet link
// and queues a recheck so the member's roles reflect the new wallet.
func (s *Service) Submit(ctx context.Context, token, walletPubkey, signatureB58 string) (SubmitResult, error) {
	sess, err := s.loadSession(ctx, token)
	if err != nil {
		return SubmitResult{}, err
	}

	pub, err := solana.PublicKeyFromBase58(walletPubkey)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: bad public key: %w", ErrInvalidSignature, err)
	}
	sig, err := base58.Decode(signatureB58)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return SubmitResult{}, fmt.Errorf("%w: bad signature encoding", ErrInvalidSignature)
	}
	if !ed25519.Verify(pub.Bytes(), []byte(sess.ChallengeMessage), sig) {
		return SubmitResult{}, ErrInvalidSignature
	}

	// Burn the session before writing the link: if the upsert fails the
	// session stays unusable and the member restarts, which is the
	// safer failure for replay protection. Exactly one of two
	// concurrent submits can get past this point.
	consumed, err := s.Store.ConsumeVerifySession(ctx, sess.ID, s.Now())
	if err != nil {
		return SubmitResult{}, err
	}
	if !consumed {
		return SubmitResult{}, ErrSessionInvalid
	}

	previous, err := s.Store.UpsertWalletLink(ctx, sess.ServerID, sess.MemberID, pub.String())
	if err != nil {
		return SubmitResult{}, err
	}

	replaced := previous != "" && previous != pub.String()
	action := storage.AuditVerifySuccess
	reason := fmt.Sprintf("wallet %s verified", pub)
	if replaced {
		action = storage.AuditVerifyReplaced
		reason = fmt.Sprintf("wallet %s replaced %s", pub, previous)
	}
	if err := s.Store.AppendAudit(ctx, storage.AuditEntry{
		ServerID: sess.ServerID,
		MemberID: sess.MemberID,
		Action:   action,
		Reason:   reason,
	}); err != nil {
		s.Log.Warn("failed to record verification audit entry", zap.Error(err))
	}

	s.Syncer.EnqueueRecheck(sess.ServerID, sess.MemberID)
	return SubmitResult{ServerID: sess.ServerID, MemberID: sess.MemberID, Replaced: replaced}, nil
}

// Unlink removes the member's wallet link and schedules removal of
// every role the service manages in that server.
func (s *Service) Unlink(ctx context.Context, serverID, memberID string) (bool, error) {
	existed, err := s.Store.DeleteWalletLink(ctx, serverID, memberID)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	if err := s.Store.AppendAudit(ctx, storage.AuditEntry{
		ServerID: serverID,
		MemberID: memberID,
		Action:   storage.AuditVerifyUnlinked,
		Reason:   "wallet unlinked",
	}); err != nil {
		s.Log.Warn("failed to record unlink audit entry", zap.Error(err))
	}
	s.Syncer.EnqueueRoleStrip(serverID, memberID)
	return true, nil
}

// Cleanup deletes expired and used sessions.
func (s *Service) Cleanup(ctx context.Context) error {
	n, err := s.Store.DeleteFinishedSessions(ctx, s.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.Log.Debug("pruned verification sessions", zap.Int64("count", n))
	}
	return nil
}

// loadSession verifies the token and loads its session, rejecting
// identity mismatches, burned and expired sessions.
func (s *Service) loadSession(ctx context.Context, token string) (storage.VerifySession, error) {
	claims, err := parseToken(s.HMACSecret, token)
	if err != nil {
		return storage.VerifySession{}, err
	}
	sess, err := s.Store.GetVerifySession(ctx, claims.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.VerifySession{}, ErrSessionInvalid
	}
	if err != nil {
		return storage.VerifySession{}, err
	}
	if sess.ServerID != claims.ServerID || sess.MemberID != claims.MemberID {
		return storage.VerifySession{}, ErrSessionInvalid
	}
	if sess.UsedAt != nil || !s.Now().Before(sess.ExpiresAt) {
		return storage.VerifySession{}, ErrSessionInvalid
	}
	return sess, nil
}
