package web

import (
	"crypto/subtle"
	_ "embed"
	"time"

	"github.com/gofiber/fiber/v2"
)

//go:embed verify.html
var verifyPage string

func (s *Service) handleVerifyPage(c *fiber.Ctx) error {
	if c.Query("token") == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing token")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(verifyPage)
}

func (s *Service) handleChallenge(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing token")
	}
	ch, err := s.Verifier.GetChallenge(c.Context(), token)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"challenge_message": ch.Message,
		"expires_at":        ch.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type submitRequest struct {
	Token           string `json:"token"`
	WalletPubkey    string `json:"wallet_pubkey"`
	SignatureBase58 string `json:"signature_base58"`
}

func (s *Service) handleSubmit(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}
	if req.Token == "" || req.WalletPubkey == "" || req.SignatureBase58 == "" {
		return fiber.NewError(fiber.StatusBadRequest, "token, wallet_pubkey and signature_base58 are required")
	}
	res, err := s.Verifier.Submit(c.Context(), req.Token, req.WalletPubkey, req.SignatureBase58)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"ok":        true,
		"server_id": res.ServerID,
		"member_id": res.MemberID,
		"replaced":  res.Replaced,
	})
}

// requireInternalSecret authenticates service-to-service calls.
func (s *Service) requireInternalSecret(c *fiber.Ctx) error {
	got := c.Get("X-Internal-Secret")
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.InternalSecret)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid internal secret")
	}
	return c.Next()
}

type recheckRequest struct {
	GuildID       string `json:"guild_id"`
	DiscordUserID string `json:"discord_user_id"`
}

func (s *Service) handleRecheck(c *fiber.Ctx) error {
	var req recheckRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}
	if req.GuildID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "guild_id is required")
	}
	s.Syncer.EnqueueRecheck(req.GuildID, req.DiscordUserID)
	return c.JSON(fiber.Map{"ok": true})
}

type sessionRequest struct {
	GuildID       string `json:"guild_id"`
	DiscordUserID string `json:"discord_user_id"`
}

func (s *Service) handleCreateSession(c *fiber.Ctx) error {
	var req sessionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}
	if req.GuildID == "" || req.DiscordUserID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "guild_id and discord_user_id are required")
	}
	sess, err := s.Verifier.CreateSession(c.Context(), req.GuildID, req.DiscordUserID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"deep_link":  sess.DeepLink,
		"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
