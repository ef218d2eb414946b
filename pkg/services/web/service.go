// Package web serves the public HTTP surface: health checking, the
// wallet signing page with its challenge and submit endpoints, the
// internal recheck hook and the admin API behind Discord OAuth.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/rolegate/rolegate/pkg/gate"
	"github.com/rolegate/rolegate/pkg/storage"
	"github.com/rolegate/rolegate/pkg/verify"
)

type (
	// Store is the part of the persistence layer the HTTP surface
	// needs.
	Store interface {
		EnsureServer(ctx context.Context, serverID string) error
		CreateRule(ctx context.Context, row storage.RuleRow) error
		SetRuleEnabled(ctx context.Context, serverID, ruleID string, enabled bool) (bool, error)
		DeleteRule(ctx context.Context, serverID, ruleID string) (bool, error)
		ListRules(ctx context.Context, serverID string, enabledOnly bool) ([]gate.Rule, error)
		ListAudit(ctx context.Context, serverID string, limit, offset uint64) ([]storage.AuditEntry, error)
		CreateOAuthState(ctx context.Context, st storage.OAuthState) error
		ConsumeOAuthState(ctx context.Context, state string, now time.Time) (storage.OAuthState, error)
	}

	// Syncer triggers rechecks from the internal hook and rule
	// changes.
	Syncer interface {
		EnqueueRecheck(serverID, memberID string)
	}

	// Service is the HTTP server.
	Service struct {
		Config

		app *fiber.App
	}

	// Config contains server parameters.
	Config struct {
		Port     uint16
		Store    Store
		Verifier *verify.Service
		Syncer   Syncer

		// InternalSecret authenticates service-to-service calls on the
		// /internal endpoints.
		InternalSecret string

		// Admin configures the operator surface; a zero value disables
		// it.
		Admin AdminConfig

		Production bool
		Log        *zap.Logger
		// Now is the clock, overridable in tests.
		Now func() time.Time
	}

	// AdminConfig configures the admin OAuth surface.
	AdminConfig struct {
		BaseURL       string
		SessionSecret []byte
		SessionTTL    time.Duration
		OAuth         oauth2.Config
	}
)

// New creates the HTTP service and registers all routes.
func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Service{Config: cfg}
	s.app = fiber.New(fiber.Config{
		AppName:               "rolegate",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.registerRoutes()
	return s
}

func (s *Service) registerRoutes() {
	s.app.Get("/healthz", s.handleHealth)

	s.app.Get("/verify", s.handleVerifyPage)
	s.app.Get("/verify/challenge", s.handleChallenge)
	s.app.Post("/verify/submit", s.handleSubmit)

	internal := s.app.Group("/internal", s.requireInternalSecret)
	internal.Post("/recheck", s.handleRecheck)
	internal.Post("/session", s.handleCreateSession)

	if s.adminEnabled() {
		s.app.Get("/admin/login", s.handleAdminLogin)
		s.app.Get("/admin/oauth/callback", s.handleAdminCallback)
		s.app.Post("/admin/logout", s.requireAdmin, s.requireSameOrigin, s.handleAdminLogout)

		api := s.app.Group("/admin/api", s.requireAdmin)
		api.Get("/guilds", s.handleAdminListGuilds)
		api.Post("/servers/:server/recheck", s.requireSameOrigin, s.handleAdminRecheck)
		api.Get("/servers/:server/rules", s.handleAdminListRules)
		api.Post("/servers/:server/rules", s.requireSameOrigin, s.handleAdminCreateRule)
		api.Patch("/servers/:server/rules/:rule", s.requireSameOrigin, s.handleAdminUpdateRule)
		api.Delete("/servers/:server/rules/:rule", s.requireSameOrigin, s.handleAdminDeleteRule)
		api.Get("/servers/:server/audit", s.handleAdminListAudit)
	}
}

func (s *Service) adminEnabled() bool {
	return s.Admin.BaseURL != "" && len(s.Admin.SessionSecret) > 0
}

// Start runs the listener. It does not return until the server stops.
func (s *Service) Start() error {
	addr := fmt.Sprintf(":%d", s.Port)
	s.Log.Info("http server is running", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Service) Shutdown() {
	if err := s.app.ShutdownWithTimeout(10 * time.Second); err != nil {
		s.Log.Error("http server shutdown failed", zap.Error(err))
	}
}

// Test runs a request through the app without a network listener.
func (s *Service) Test(req *http.Request) (*http.Response, error) {
	return s.app.Test(req, -1)
}

func (s *Service) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// errorHandler maps protocol errors onto status codes and a stable
// JSON error shape.
func (s *Service) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	case errors.Is(err, verify.ErrInvalidToken), errors.Is(err, verify.ErrSessionInvalid),
		errors.Is(err, verify.ErrInvalidSignature):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	s.Log.Error("request failed",
		zap.String("method", c.Method()), zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}

// ruleResponse is the JSON shape of a gating rule on the admin API.
type ruleResponse struct {
	ID                string `json:"id"`
	RoleID            string `json:"role_id"`
	Enabled           bool   `json:"enabled"`
	Kind              string `json:"kind"`
	Mint              string `json:"mint,omitempty"`
	ThresholdAmount   string `json:"threshold_amount,omitempty"`
	ThresholdUSD      string `json:"threshold_usd,omitempty"`
	PriceAssetID      string `json:"price_asset_id,omitempty"`
	CollectionAddress string `json:"collection_address,omitempty"`
	ThresholdCount    int64  `json:"threshold_count,omitempty"`
}

func ruleToResponse(r gate.Rule) ruleResponse {
	resp := ruleResponse{
		ID:      r.ID,
		RoleID:  r.RoleID,
		Enabled: r.Enabled,
		Kind:    r.Kind.String(),
	}
	switch r.Kind {
	case gate.TokenAmount:
		resp.Mint = r.Mint
		resp.ThresholdAmount = r.ThresholdAmount.String()
	case gate.TokenUSD:
		resp.Mint = r.Mint
		resp.ThresholdUSD = r.ThresholdUSD.String()
		resp.PriceAssetID = r.PriceAssetID
	case gate.NFTCollection:
		resp.CollectionAddress = r.CollectionAddress
		resp.ThresholdCount = r.ThresholdCount
	}
	return resp
}

// ruleRequest is the JSON shape accepted on rule creation.
type ruleRequest struct {
	RoleID            string `json:"role_id"`
	Kind              string `json:"kind"`
	Mint              string `json:"mint"`
	ThresholdAmount   string `json:"threshold_amount"`
	ThresholdUSD      string `json:"threshold_usd"`
	PriceAssetID      string `json:"price_asset_id"`
	CollectionAddress string `json:"collection_address"`
	ThresholdCount    int64  `json:"threshold_count"`
}

func (r ruleRequest) toRule(id, serverID string) (gate.Rule, error) {
	kind, err := gate.KindFromString(r.Kind)
	if err != nil {
		return gate.Rule{}, err
	}
	rule := gate.Rule{
		ID:       id,
		ServerID: serverID,
		RoleID:   r.RoleID,
		Enabled:  true,
		Kind:     kind,
	}
	switch kind {
	case gate.TokenAmount:
		rule.Mint = r.Mint
		if rule.ThresholdAmount, err = decimal.NewFromString(r.ThresholdAmount); err != nil {
			return gate.Rule{}, fmt.Errorf("invalid threshold_amount: %w", err)
		}
	case gate.TokenUSD:
		rule.Mint = r.Mint
		rule.PriceAssetID = r.PriceAssetID
		if rule.ThresholdUSD, err = decimal.NewFromString(r.ThresholdUSD); err != nil {
			return gate.Rule{}, fmt.Errorf("invalid threshold_usd: %w", err)
		}
	case gate.NFTCollection:
		rule.CollectionAddress = r.CollectionAddress
		rule.ThresholdCount = r.ThresholdCount
	}
	if err := rule.Validate(); err != nil {
		return gate.Rule{}, err
	}
	return rule, nil
}
