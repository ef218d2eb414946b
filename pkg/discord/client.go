// Package discord wraps the Discord session: guild, member and role
// lookups, role mutations behind the manageability gate, and the slash
// command surface.
package discord

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// ErrNotManageable is returned when the bot lacks the permission or
// hierarchy position to mutate a role.
var ErrNotManageable = errors.New("role not manageable by bot")

type (
	// Client wraps a Discord gateway session.
	Client struct {
		Config

		session *discordgo.Session
		// removeHandler detaches the interaction handler on Close.
		removeHandler func()
	}

	// Config contains client parameters.
	Config struct {
		BotToken      string
		ApplicationID string
		// GuildAllowList limits command registration; empty registers
		// globally.
		GuildAllowList []string
		Log            *zap.Logger

		Verifier Verifier
		Rules    RuleStore
		Syncer   Syncer
	}
)

// New creates the client without opening the gateway connection.
func New(cfg Config) (*Client, error) {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	session.StateEnabled = true
	return &Client{Config: cfg, session: session}, nil
}

// Start opens the gateway connection and registers slash commands.
func (c *Client) Start() error {
	c.removeHandler = c.session.AddHandler(c.handleInteraction)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	if err := c.registerCommands(); err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	c.Log.Info("discord client connected")
	return nil
}

// Shutdown disconnects from the gateway.
func (c *Client) Shutdown() {
	if c.removeHandler != nil {
		c.removeHandler()
	}
	if err := c.session.Close(); err != nil {
		c.Log.Error("closing discord session", zap.Error(err))
	}
}

// Guild resolves a guild, preferring gateway state over REST.
func (c *Client) Guild(guildID string) (*discordgo.Guild, error) {
	if g, err := c.session.State.Guild(guildID); err == nil && len(g.Roles) > 0 {
		return g, nil
	}
	g, err := c.session.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("fetch guild %s: %w", guildID, err)
	}
	if len(g.Roles) == 0 {
		roles, err := c.session.GuildRoles(guildID)
		if err != nil {
			return nil, fmt.Errorf("fetch roles of %s: %w", guildID, err)
		}
		g.Roles = roles
	}
	return g, nil
}

// Member resolves a guild member, preferring gateway state.
func (c *Client) Member(guildID, userID string) (*discordgo.Member, error) {
	if m, err := c.session.State.Member(guildID, userID); err == nil {
		return m, nil
	}
	m, err := c.session.GuildMember(guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch member %s of %s: %w", userID, guildID, err)
	}
	return m, nil
}

// MemberHasRole reports whether the member currently holds the role.
func MemberHasRole(m *discordgo.Member, roleID string) bool {
	for _, id := range m.Roles {
		if id == roleID {
			return true
		}
	}
	return false
}

// AddRole grants the role to the member.
func (c *Client) AddRole(guildID, userID, roleID string) error {
	return c.session.GuildMemberRoleAdd(guildID, userID, roleID)
}

// RemoveRole revokes the role from the member.
func (c *Client) RemoveRole(guildID, userID, roleID string) error {
	return c.session.GuildMemberRoleRemove(guildID, userID, roleID)
}

// CanManageRole reports whether the bot may mutate the role: it must
// hold MANAGE_ROLES and its highest role must rank strictly above the
// target.
func (c *Client) CanManageRole(guildID, roleID string) (bool, error) {
	guild, err := c.Guild(guildID)
	if err != nil {
		return false, err
	}
	bot, err := c.Member(guildID, c.session.State.User.ID)
	if err != nil {
		return false, err
	}
	return canManage(guild, bot, roleID), nil
}

// canManage is the pure manageability check over guild data.
func canManage(guild *discordgo.Guild, bot *discordgo.Member, roleID string) bool {
	roles := make(map[string]*discordgo.Role, len(guild.Roles))
	for _, r := range guild.Roles {
		roles[r.ID] = r
	}
	target, ok := roles[roleID]
	if !ok || target.Managed {
		return false
	}

	var (
		perms      int64
		highestPos = -1
	)
	// The @everyone role (id == guild id) applies to every member.
	if everyone, ok := roles[guild.ID]; ok {
		perms |= everyone.Permissions
	}
	for _, id := range bot.Roles {
		r, ok := roles[id]
		if !ok {
			continue
		}
		perms |= r.Permissions
		if r.Position > highestPos {
			highestPos = r.Position
		}
	}
	if perms&discordgo.PermissionAdministrator == 0 &&
		perms&discordgo.PermissionManageRoles == 0 {
		return false
	}
	return highestPos > target.Position
}
