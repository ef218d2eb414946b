package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"
)

func TestCanManage(t *testing.T) {
	const guildID = "100"
	guild := func(roles ...*discordgo.Role) *discordgo.Guild {
		return &discordgo.Guild{ID: guildID, Roles: roles}
	}
	role := func(id string, pos int, perms int64) *discordgo.Role {
		return &discordgo.Role{ID: id, Position: pos, Permissions: perms}
	}
	bot := func(roleIDs ...string) *discordgo.Member {
		return &discordgo.Member{Roles: roleIDs}
	}

	testCases := []struct {
		name   string
		guild  *discordgo.Guild
		bot    *discordgo.Member
		roleID string
		want   bool
	}{
		{
			name: "bot above target with manage roles",
			guild: guild(
				role("bot", 5, discordgo.PermissionManageRoles),
				role("target", 3, 0),
			),
			bot:    bot("bot"),
			roleID: "target",
			want:   true,
		},
		{
			name: "bot below target",
			guild: guild(
				role("bot", 2, discordgo.PermissionManageRoles),
				role("target", 3, 0),
			),
			bot:    bot("bot"),
			roleID: "target",
			want:   false,
		},
		{
			name: "equal position is not enough",
			guild: guild(
				role("bot", 3, discordgo.PermissionManageRoles),
				role("target", 3, 0),
			),
			bot:    bot("bot"),
			roleID: "target",
			want:   false,
		},
		{
			name: "missing manage roles permission",
			guild: guild(
				role("bot", 5, discordgo.PermissionSendMessages),
				role("target", 3, 0),
			),
			bot:    bot("bot"),
			roleID: "target",
			want:   false,
		},
		{
			name: "administrator works in place of manage roles",
			guild: guild(
				role("bot", 5, discordgo.PermissionAdministrator),
				role("target", 3, 0),
			),
			bot:    bot("bot"),
			roleID: "target",
			want:   true,
		},
		{
			name: "permission from everyone role",
			guild: guild(
				role(guildID, 0, discordgo.PermissionManageRoles),
				role("bot", 5, 0),
				role("target", 3, 0),
			),
			bot:    bot("bot"),
			roleID: "target",
			want:   true,
		},
		{
			name: "managed role is untouchable",
			guild: guild(
				role("bot", 5, discordgo.PermissionManageRoles),
				&discordgo.Role{ID: "target", Position: 3, Managed: true},
			),
			bot:    bot("bot"),
			roleID: "target",
			want:   false,
		},
		{
			name: "unknown role",
			guild: guild(
				role("bot", 5, discordgo.PermissionManageRoles),
			),
			bot:    bot("bot"),
			roleID: "missing",
			want:   false,
		},
		{
			name: "highest of several bot roles decides",
			guild: guild(
				role("low", 1, discordgo.PermissionManageRoles),
				role("high", 7, 0),
				role("target", 5, 0),
			),
			bot:    bot("low", "high"),
			roleID: "target",
			want:   true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, canManage(tc.guild, tc.bot, tc.roleID))
		})
	}
}

func TestMemberHasRole(t *testing.T) {
	m := &discordgo.Member{Roles: []string{"1", "2"}}
	require.True(t, MemberHasRole(m, "2"))
	require.False(t, MemberHasRole(m, "3"))
	require.False(t, MemberHasRole(&discordgo.Member{}, "1"))
}
