package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rolegate/rolegate/pkg/storage"
)

const (
	sessionCookie = "rolegate_session"
	// oauthStateTTL bounds the login round trip through Discord.
	oauthStateTTL = 10 * time.Minute
	// discordAPIBase is the REST base used with the OAuth bearer token.
	discordAPIBase = "https://discord.com/api/v10"
)

// permissionManageGuild is the MANAGE_GUILD bit of the Discord
// permission set; holders may administer gating rules of that guild.
const permissionManageGuild = 1 << 5

// adminClaims is the session cookie payload: the operator's Discord
// user id and the guilds they may manage.
type adminClaims struct {
	UserID   string   `json:"uid"`
	Username string   `json:"name"`
	GuildIDs []string `json:"guilds"`
	jwt.RegisteredClaims
}

func (s *Service) handleAdminLogin(c *fiber.Ctx) error {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return fmt.Errorf("generate oauth state: %w", err)
	}
	state := hex.EncodeToString(stateBytes)

	redirect := c.Query("redirect", "/")
	// Only same-site relative paths survive the round trip.
	if u, err := url.Parse(redirect); err != nil || u.IsAbs() || u.Host != "" {
		redirect = "/"
	}
	err := s.Store.CreateOAuthState(c.Context(), storage.OAuthState{
		State:        state,
		Nonce:        uuid.NewString(),
		RedirectPath: redirect,
		ExpiresAt:    s.Now().Add(oauthStateTTL),
	})
	if err != nil {
		return err
	}
	return c.Redirect(s.Admin.OAuth.AuthCodeURL(state), fiber.StatusFound)
}

func (s *Service) handleAdminCallback(c *fiber.Ctx) error {
	state, code := c.Query("state"), c.Query("code")
	if state == "" || code == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing state or code")
	}
	st, err := s.Store.ConsumeOAuthState(c.Context(), state, s.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return fiber.NewError(fiber.StatusBadRequest, "unknown or expired oauth state")
	}
	if err != nil {
		return err
	}

	token, err := s.Admin.OAuth.Exchange(c.Context(), code)
	if err != nil {
		s.Log.Warn("oauth code exchange failed", zap.Error(err))
		return fiber.NewError(fiber.StatusUnauthorized, "oauth exchange failed")
	}

	user, guilds, err := s.fetchDiscordIdentity(c.Context(), token.AccessToken)
	if err != nil {
		s.Log.Warn("fetching discord identity failed", zap.Error(err))
		return fiber.NewError(fiber.StatusUnauthorized, "could not load discord identity")
	}
	if len(guilds) == 0 {
		return fiber.NewError(fiber.StatusForbidden, "no manageable guilds")
	}

	expiresAt := s.Now().Add(s.Admin.SessionTTL)
	claims := adminClaims{
		UserID:   user.ID,
		Username: user.Username,
		GuildIDs: guilds,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(s.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Admin.SessionSecret)
	if err != nil {
		return fmt.Errorf("sign admin session: %w", err)
	}
	c.Cookie(&fiber.Cookie{
		Name:     sessionCookie,
		Value:    signed,
		Expires:  expiresAt,
		HTTPOnly: true,
		Secure:   s.Production,
		SameSite: fiber.CookieSameSiteLaxMode,
		Path:     "/",
	})
	return c.Redirect(st.RedirectPath, fiber.StatusFound)
}

func (s *Service) handleAdminLogout(c *fiber.Ctx) error {
	c.Cookie(&fiber.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Expires:  s.Now().Add(-time.Hour),
		HTTPOnly: true,
		Secure:   s.Production,
		SameSite: fiber.CookieSameSiteLaxMode,
		Path:     "/",
	})
	return c.SendStatus(fiber.StatusNoContent)
}

// requireAdmin validates the session cookie and stashes the claims.
func (s *Service) requireAdmin(c *fiber.Ctx) error {
	cookie := c.Cookies(sessionCookie)
	if cookie == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "not logged in")
	}
	claims := new(adminClaims)
	parsed, err := jwt.ParseWithClaims(cookie, claims, func(*jwt.Token) (any, error) {
		return s.Admin.SessionSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid || claims.UserID == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid session")
	}
	c.Locals("admin", claims)
	return c.Next()
}

// requireSameOrigin rejects mutating requests whose Origin is missing
// or differs from the configured admin origin.
func (s *Service) requireSameOrigin(c *fiber.Ctx) error {
	origin := c.Get(fiber.HeaderOrigin)
	if origin == "" {
		return fiber.NewError(fiber.StatusForbidden, "missing origin")
	}
	base, err := url.Parse(s.Admin.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid admin base url: %w", err)
	}
	got, err := url.Parse(origin)
	if err != nil || got.Scheme != base.Scheme || got.Host != base.Host {
		return fiber.NewError(fiber.StatusForbidden, "cross-origin request rejected")
	}
	return c.Next()
}

// requireGuild checks that the session may manage the addressed server.
func requireGuild(c *fiber.Ctx) (*adminClaims, string, error) {
	claims := c.Locals("admin").(*adminClaims)
	serverID := c.Params("server")
	for _, id := range claims.GuildIDs {
		if id == serverID {
			return claims, serverID, nil
		}
	}
	return nil, "", fiber.NewError(fiber.StatusForbidden, "guild not manageable by this account")
}

func (s *Service) handleAdminListGuilds(c *fiber.Ctx) error {
	claims := c.Locals("admin").(*adminClaims)
	return c.JSON(fiber.Map{
		"user_id":  claims.UserID,
		"username": claims.Username,
		"guilds":   claims.GuildIDs,
	})
}

func (s *Service) handleAdminRecheck(c *fiber.Ctx) error {
	_, serverID, err := requireGuild(c)
	if err != nil {
		return err
	}
	s.Syncer.EnqueueRecheck(serverID, c.Query("member"))
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Service) handleAdminListRules(c *fiber.Ctx) error {
	_, serverID, err := requireGuild(c)
	if err != nil {
		return err
	}
	rules, err := s.Store.ListRules(c.Context(), serverID, false)
	if err != nil {
		return err
	}
	out := make([]ruleResponse, 0, len(rules))
	for _, r := range rules {
		out = append(out, ruleToResponse(r))
	}
	return c.JSON(out)
}

func (s *Service) handleAdminCreateRule(c *fiber.Ctx) error {
	claims, serverID, err := requireGuild(c)
	if err != nil {
		return err
	}
	var req ruleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}
	rule, err := req.toRule(uuid.NewString(), serverID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := s.Store.EnsureServer(c.Context(), serverID); err != nil {
		return err
	}
	if err := s.Store.CreateRule(c.Context(), storage.RowFromRule(rule, claims.UserID)); err != nil {
		return err
	}
	s.Syncer.EnqueueRecheck(serverID, "")
	return c.Status(fiber.StatusCreated).JSON(ruleToResponse(rule))
}

type ruleUpdateRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Service) handleAdminUpdateRule(c *fiber.Ctx) error {
	_, serverID, err := requireGuild(c)
	if err != nil {
		return err
	}
	var req ruleUpdateRequest
	if err := c.BodyParser(&req); err != nil || req.Enabled == nil {
		return fiber.NewError(fiber.StatusBadRequest, "enabled flag is required")
	}
	ok, err := s.Store.SetRuleEnabled(c.Context(), serverID, c.Params("rule"), *req.Enabled)
	if err != nil {
		return err
	}
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "no such rule")
	}
	s.Syncer.EnqueueRecheck(serverID, "")
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Service) handleAdminDeleteRule(c *fiber.Ctx) error {
	_, serverID, err := requireGuild(c)
	if err != nil {
		return err
	}
	ok, err := s.Store.DeleteRule(c.Context(), serverID, c.Params("rule"))
	if err != nil {
		return err
	}
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "no such rule")
	}
	s.Syncer.EnqueueRecheck(serverID, "")
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Service) handleAdminListAudit(c *fiber.Ctx) error {
	_, serverID, err := requireGuild(c)
	if err != nil {
		return err
	}
	entries, err := s.Store.ListAudit(c.Context(),
		serverID, uint64(c.QueryInt("limit", 100)), uint64(c.QueryInt("offset", 0)))
	if err != nil {
		return err
	}
	type auditResponse struct {
		ID       string `json:"id"`
		At       string `json:"at"`
		MemberID string `json:"member_id"`
		RoleID   string `json:"role_id,omitempty"`
		Action   string `json:"action"`
		Reason   string `json:"reason"`
	}
	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResponse{
			ID:       e.ID,
			At:       e.At.UTC().Format(time.RFC3339),
			MemberID: e.MemberID,
			RoleID:   e.RoleID,
			Action:   string(e.Action),
			Reason:   e.Reason,
		})
	}
	return c.JSON(out)
}

type discordUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type discordGuild struct {
	ID          string `json:"id"`
	Permissions string `json:"permissions"`
}

// fetchDiscordIdentity loads the operator's identity and the guilds
// they hold MANAGE_GUILD in, using the freshly exchanged bearer token.
func (s *Service) fetchDiscordIdentity(ctx context.Context, accessToken string) (discordUser, []string, error) {
	var user discordUser
	if err := s.discordGet(ctx, accessToken, "/users/@me", &user); err != nil {
		return discordUser{}, nil, err
	}
	var guilds []discordGuild
	if err := s.discordGet(ctx, accessToken, "/users/@me/guilds", &guilds); err != nil {
		return discordUser{}, nil, err
	}
	var manageable []string
	for _, g := range guilds {
		var perms uint64
		if _, err := fmt.Sscanf(g.Permissions, "%d", &perms); err != nil {
			continue
		}
		if perms&permissionManageGuild != 0 {
			manageable = append(manageable, g.ID)
		}
	}
	return user, manageable, nil
}

func (s *Service) discordGet(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discordAPIBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord api %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("discord api %s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
