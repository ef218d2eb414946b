package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rolegate/rolegate/pkg/gate"
	"github.com/rolegate/rolegate/pkg/storage"
	"github.com/rolegate/rolegate/pkg/verify"
)

// handlerTimeout bounds the work done for one interaction; Discord
// expects a response within a few seconds anyway.
const handlerTimeout = 10 * time.Second

type (
	// Verifier is the part of the verification protocol the commands
	// need.
	Verifier interface {
		CreateSession(ctx context.Context, serverID, memberID string) (verify.Session, error)
		Unlink(ctx context.Context, serverID, memberID string) (bool, error)
	}

	// RuleStore is the part of the persistence layer the commands need.
	RuleStore interface {
		EnsureServer(ctx context.Context, serverID string) error
		CreateRule(ctx context.Context, row storage.RuleRow) error
		SetRuleEnabled(ctx context.Context, serverID, ruleID string, enabled bool) (bool, error)
		DeleteRule(ctx context.Context, serverID, ruleID string) (bool, error)
		ListRules(ctx context.Context, serverID string, enabledOnly bool) ([]gate.Rule, error)
	}

	// Syncer triggers whole-server rechecks after rule changes.
	Syncer interface {
		EnqueueRecheck(serverID, memberID string)
	}
)

func (c *Client) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	data := i.ApplicationCommandData()
	var reply string
	switch data.Name {
	case "verify":
		reply = c.cmdVerify(ctx, i)
	case "unlink":
		reply = c.cmdUnlink(ctx, i)
	case "gating":
		reply = c.cmdGating(ctx, i, data)
	default:
		return
	}
	c.respondEphemeral(s, i, reply)
}

func (c *Client) respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		c.Log.Error("responding to interaction", zap.Error(err))
	}
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	return ""
}

func (c *Client) cmdVerify(ctx context.Context, i *discordgo.InteractionCreate) string {
	userID := interactionUserID(i)
	if i.GuildID == "" || userID == "" {
		return "This command only works inside a server."
	}
	sess, err := c.Verifier.CreateSession(ctx, i.GuildID, userID)
	if err != nil {
		c.Log.Error("creating verify session", zap.String("guild", i.GuildID), zap.Error(err))
		return "Could not start verification, please try again later."
	}
	return fmt.Sprintf("Prove wallet ownership by signing a message: %s\nThe link expires <t:%d:R>.",
		sess.DeepLink, sess.ExpiresAt.Unix())
}

func (c *Client) cmdUnlink(ctx context.Context, i *discordgo.InteractionCreate) string {
	userID := interactionUserID(i)
	if i.GuildID == "" || userID == "" {
		return "This command only works inside a server."
	}
	existed, err := c.Verifier.Unlink(ctx, i.GuildID, userID)
	if err != nil {
		c.Log.Error("unlinking wallet", zap.String("guild", i.GuildID), zap.Error(err))
		return "Could not unlink your wallet, please try again later."
	}
	if !existed {
		return "No wallet is linked to your account in this server."
	}
	return "Wallet unlinked. Gated roles will be removed shortly."
}

func (c *Client) cmdGating(ctx context.Context, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) string {
	if i.GuildID == "" || i.Member == nil {
		return "This command only works inside a server."
	}
	if i.Member.Permissions&discordgo.PermissionManageServer == 0 {
		return "You need the Manage Server permission to configure gating."
	}
	if len(data.Options) == 0 {
		return "Missing subcommand."
	}
	sub := data.Options[0]
	opts := namedOptions(sub.Options)

	if err := c.Rules.EnsureServer(ctx, i.GuildID); err != nil {
		c.Log.Error("ensuring server", zap.Error(err))
		return "Storage error, please try again later."
	}

	switch sub.Name {
	case "list":
		return c.gatingList(ctx, i.GuildID)
	case "add-token", "add-usd", "add-nft":
		return c.gatingAdd(ctx, i, sub.Name, opts)
	case "remove":
		return c.gatingSetState(ctx, i.GuildID, opts, "remove")
	case "enable":
		return c.gatingSetState(ctx, i.GuildID, opts, "enable")
	case "disable":
		return c.gatingSetState(ctx, i.GuildID, opts, "disable")
	default:
		return "Unknown subcommand."
	}
}

func namedOptions(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, o := range opts {
		m[o.Name] = o
	}
	return m
}

func (c *Client) gatingList(ctx context.Context, guildID string) string {
	rules, err := c.Rules.ListRules(ctx, guildID, false)
	if err != nil {
		c.Log.Error("listing rules", zap.Error(err))
		return "Storage error, please try again later."
	}
	if len(rules) == 0 {
		return "No gating rules configured."
	}
	var b strings.Builder
	for _, r := range rules {
		state := "enabled"
		if !r.Enabled {
			state = "disabled"
		}
		switch r.Kind {
		case gate.TokenAmount:
			fmt.Fprintf(&b, "`%s` <@&%s>: hold ≥ %s of `%s` (%s)\n", r.ID, r.RoleID, r.ThresholdAmount, r.Mint, state)
		case gate.TokenUSD:
			fmt.Fprintf(&b, "`%s` <@&%s>: hold ≥ $%s of `%s` via %s (%s)\n", r.ID, r.RoleID, r.ThresholdUSD, r.Mint, r.PriceAssetID, state)
		case gate.NFTCollection:
			fmt.Fprintf(&b, "`%s` <@&%s>: hold ≥ %d NFTs of collection `%s` (%s)\n", r.ID, r.RoleID, r.ThresholdCount, r.CollectionAddress, state)
		}
	}
	return b.String()
}

func (c *Client) gatingAdd(ctx context.Context, i *discordgo.InteractionCreate, sub string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) string {
	roleID := stringOption(opts, "role")
	if roleID == "" {
		return "Missing role option."
	}
	rule := gate.Rule{
		ID:       uuid.NewString(),
		ServerID: i.GuildID,
		RoleID:   roleID,
		Enabled:  true,
	}

	var err error
	switch sub {
	case "add-token":
		rule.Kind = gate.TokenAmount
		rule.Mint = stringOption(opts, "mint")
		rule.ThresholdAmount, err = decimalOption(opts, "amount")
	case "add-usd":
		rule.Kind = gate.TokenUSD
		rule.Mint = stringOption(opts, "mint")
		rule.PriceAssetID = stringOption(opts, "asset")
		rule.ThresholdUSD, err = decimalOption(opts, "usd")
	case "add-nft":
		rule.Kind = gate.NFTCollection
		rule.CollectionAddress = stringOption(opts, "collection")
		rule.ThresholdCount = intOption(opts, "count")
	}
	if err != nil {
		return fmt.Sprintf("Invalid threshold: %v", err)
	}
	if err := rule.Validate(); err != nil {
		return fmt.Sprintf("Invalid rule: %v", err)
	}

	if err := c.Rules.CreateRule(ctx, storage.RowFromRule(rule, interactionUserID(i))); err != nil {
		c.Log.Error("creating rule", zap.Error(err))
		return "Storage error, please try again later."
	}
	c.Syncer.EnqueueRecheck(i.GuildID, "")
	return fmt.Sprintf("Rule `%s` created for <@&%s>. A server recheck has been queued.", rule.ID, rule.RoleID)
}

func (c *Client) gatingSetState(ctx context.Context, guildID string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption, action string) string {
	ruleID := stringOption(opts, "id")
	if ruleID == "" {
		return "Missing rule id."
	}
	var (
		ok  bool
		err error
	)
	switch action {
	case "remove":
		ok, err = c.Rules.DeleteRule(ctx, guildID, ruleID)
	case "enable":
		ok, err = c.Rules.SetRuleEnabled(ctx, guildID, ruleID, true)
	case "disable":
		ok, err = c.Rules.SetRuleEnabled(ctx, guildID, ruleID, false)
	}
	if err != nil {
		c.Log.Error("updating rule", zap.String("rule", ruleID), zap.Error(err))
		return "Storage error, please try again later."
	}
	if !ok {
		return fmt.Sprintf("No rule `%s` in this server.", ruleID)
	}
	c.Syncer.EnqueueRecheck(guildID, "")
	return fmt.Sprintf("Rule `%s` %sd. A server recheck has been queued.", ruleID, action)
}

func stringOption(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	if o, ok := opts[name]; ok {
		if s, ok := o.Value.(string); ok {
			return s
		}
	}
	return ""
}

func intOption(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) int64 {
	if o, ok := opts[name]; ok {
		if f, ok := o.Value.(float64); ok {
			return int64(f)
		}
	}
	return 0
}

func decimalOption(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) (decimal.Decimal, error) {
	o, ok := opts[name]
	if !ok {
		return decimal.Zero, fmt.Errorf("missing option %s", name)
	}
	switch v := o.Value.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported option type %T", v)
	}
}
