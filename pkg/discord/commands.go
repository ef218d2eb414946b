package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func commandDefinitions() []*discordgo.ApplicationCommand {
	var (
		minZero = 0.0

		roleOpt = &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionRole,
			Name:        "role",
			Description: "Role to grant when the rule matches",
			Required:    true,
		}
		mintOpt = &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "mint",
			Description: "Token mint address",
			Required:    true,
		}
		idOpt = &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "id",
			Description: "Rule id, as shown by /gating list",
			Required:    true,
		}
	)

	return []*discordgo.ApplicationCommand{
		{
			Name:        "verify",
			Description: "Link a wallet to your account by signing a message",
		},
		{
			Name:        "unlink",
			Description: "Remove your linked wallet from this server",
		},
		{
			Name:                     "gating",
			Description:              "Manage role gating rules",
			DefaultMemberPermissions: ptr(int64(discordgo.PermissionManageServer)),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "list",
					Description: "List all gating rules of this server",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "add-token",
					Description: "Gate a role on a minimum token balance",
					Options: []*discordgo.ApplicationCommandOption{
						roleOpt, mintOpt,
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "amount",
							Description: "Minimum balance, in UI units",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "add-usd",
					Description: "Gate a role on a minimum USD value of a token balance",
					Options: []*discordgo.ApplicationCommandOption{
						roleOpt, mintOpt,
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "asset",
							Description: "CoinGecko asset id used to price the token",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "usd",
							Description: "Minimum value in USD",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "add-nft",
					Description: "Gate a role on holding NFTs of a verified collection",
					Options: []*discordgo.ApplicationCommandOption{
						roleOpt,
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "collection",
							Description: "Verified collection address",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "count",
							Description: "Minimum number of NFTs held",
							Required:    true,
							MinValue:    &minZero,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "remove",
					Description: "Delete a gating rule",
					Options:     []*discordgo.ApplicationCommandOption{idOpt},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "enable",
					Description: "Enable a gating rule",
					Options:     []*discordgo.ApplicationCommandOption{idOpt},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "disable",
					Description: "Disable a gating rule",
					Options:     []*discordgo.ApplicationCommandOption{idOpt},
				},
			},
		},
	}
}

// registerCommands overwrites the command set, per guild when an allow
// list is configured and globally otherwise.
func (c *Client) registerCommands() error {
	defs := commandDefinitions()
	if len(c.GuildAllowList) == 0 {
		if _, err := c.session.ApplicationCommandBulkOverwrite(c.ApplicationID, "", defs); err != nil {
			return fmt.Errorf("overwrite global commands: %w", err)
		}
		c.Log.Info("registered global commands", zap.Int("count", len(defs)))
		return nil
	}
	for _, guildID := range c.GuildAllowList {
		if _, err := c.session.ApplicationCommandBulkOverwrite(c.ApplicationID, guildID, defs); err != nil {
			return fmt.Errorf("overwrite commands in guild %s: %w", guildID, err)
		}
	}
	c.Log.Info("registered guild commands",
		zap.Int("count", len(defs)), zap.Int("guilds", len(c.GuildAllowList)))
	return nil
}

func ptr[T any](v T) *T { return &v }
