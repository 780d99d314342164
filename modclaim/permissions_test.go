package modclaim

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type channelGetterFunc func(channelID string) (*discordgo.Channel, error)

func (f channelGetterFunc) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return f(channelID)
}

func TestMemberLevel(t *testing.T) {
	t.Parallel()
	perms := &PermissionsConfig{
		SupporterRoles: []string{"support"},
		ModeratorRoles: []string{"mod"},
		AdminRoles:     []string{"admin"},
	}
	testCases := []struct {
		name     string
		member   *discordgo.Member
		perms    *PermissionsConfig
		expected PermissionLevel
	}{
		{name: "nil member", member: nil, perms: perms, expected: PermissionNone},
		{name: "no roles", member: &discordgo.Member{}, perms: perms, expected: PermissionNone},
		{
			name:     "supporter",
			member:   &discordgo.Member{Roles: []string{"other", "support"}},
			perms:    perms,
			expected: PermissionSupporter,
		},
		{
			name:     "highest role wins",
			member:   &discordgo.Member{Roles: []string{"support", "mod"}},
			perms:    perms,
			expected: PermissionModerator,
		},
		{
			name:     "admin role",
			member:   &discordgo.Member{Roles: []string{"admin"}},
			perms:    perms,
			expected: PermissionAdmin,
		},
		{
			name:     "administrator permission",
			member:   &discordgo.Member{Permissions: discordgo.PermissionAdministrator},
			perms:    nil,
			expected: PermissionAdmin,
		},
		{
			name:     "no config",
			member:   &discordgo.Member{Roles: []string{"support"}},
			perms:    nil,
			expected: PermissionNone,
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, memberLevel(tc.member, tc.perms))
			},
		)
	}
}

func TestRequireLevel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	perms := &PermissionsConfig{
		SupporterRoles: []string{"support"},
		ModeratorRoles: []string{"mod"},
	}
	check := requireLevel(perms, PermissionModerator)

	req := &commandRequest{guildID: "g1", member: &discordgo.Member{Roles: []string{"support"}}}
	err := check(ctx, req)
	require.ErrorIs(t, err, ErrMissingPermission)

	req.member.Roles = []string{"mod"}
	require.NoError(t, check(ctx, req))

	// DMs never pass a level check
	req.guildID = ""
	require.ErrorIs(t, check(ctx, req), ErrMissingPermission)
}

func TestIsModmailThread(t *testing.T) {
	t.Parallel()
	topic := "User ID: 123456789012345678"
	testCases := []struct {
		name       string
		channel    *discordgo.Channel
		categoryID string
		expected   bool
	}{
		{name: "nil", channel: nil, expected: false},
		{
			name:     "no guild",
			channel:  &discordgo.Channel{ID: "c1", Topic: topic},
			expected: false,
		},
		{
			name:     "topic without category",
			channel:  &discordgo.Channel{ID: "c1", GuildID: "g1", Topic: topic},
			expected: true,
		},
		{
			name:     "no topic without category",
			channel:  &discordgo.Channel{ID: "c1", GuildID: "g1"},
			expected: false,
		},
		{
			name:       "in category",
			channel:    &discordgo.Channel{ID: "c1", GuildID: "g1", ParentID: "cat"},
			categoryID: "cat",
			expected:   true,
		},
		{
			name:       "outside category",
			channel:    &discordgo.Channel{ID: "c1", GuildID: "g1", ParentID: "other", Topic: topic},
			categoryID: "cat",
			expected:   false,
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, isModmailThread(tc.channel, tc.categoryID))
			},
		)
	}
}

func TestThreadOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	channels := channelGetterFunc(
		func(channelID string) (*discordgo.Channel, error) {
			switch channelID {
			case "thread":
				return &discordgo.Channel{ID: channelID, GuildID: "g1", ParentID: "cat"}, nil
			case "general":
				return &discordgo.Channel{ID: channelID, GuildID: "g1"}, nil
			default:
				return nil, errors.New("unknown channel")
			}
		},
	)
	check := threadOnly(channels, func() string { return "cat" })

	req := &commandRequest{guildID: "g1", channelID: "thread"}
	require.NoError(t, check(ctx, req))
	require.NotNil(t, req.channel)
	assert.Equal(t, "thread", req.channel.ID)

	require.ErrorIs(t, check(ctx, &commandRequest{guildID: "g1", channelID: "general"}), ErrNotThread)
	require.ErrorIs(t, check(ctx, &commandRequest{channelID: "thread"}), ErrNotThread)

	err := check(ctx, &commandRequest{guildID: "g1", channelID: "missing"})
	require.Error(t, err)
	_, isDenial := AsDenial(err)
	assert.False(t, isDenial, "lookup failures aren't denials")
}

func TestNewCommandRequest_Subcommand(t *testing.T) {
	t.Parallel()
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "g1",
			ChannelID: "c1",
			Member: &discordgo.Member{
				User:  &discordgo.User{ID: "u1", Bot: true},
				Roles: []string{"r1"},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name: DiscordSlashCommandClaimBypass,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name: claimBypassSubcommandRemove,
						Type: discordgo.ApplicationCommandOptionSubCommand,
						Options: []*discordgo.ApplicationCommandInteractionDataOption{
							{Name: optionRole, Type: discordgo.ApplicationCommandOptionRole, Value: "r9"},
						},
					},
				},
			},
		},
	}
	req := newCommandRequest(i)
	assert.Equal(t, "u1", req.userID())
	assert.Equal(t, []string{"r1"}, req.roles())
	assert.True(t, req.automated())
	assert.Equal(t, claimBypassSubcommandRemove, req.subcommand)
	require.Contains(t, req.options, optionRole)
	assert.Equal(t, "r9", req.options[optionRole].Value)
}

func TestRunChecks_StopsAtFirst(t *testing.T) {
	t.Parallel()
	var ran []string
	check := func(name string, err error) commandCheck {
		return func(context.Context, *commandRequest) error {
			ran = append(ran, name)
			return err
		}
	}
	err := runChecks(
		context.Background(),
		&commandRequest{},
		check("first", nil),
		check("second", ErrNotThread),
		check("third", nil),
	)
	require.ErrorIs(t, err, ErrNotThread)
	assert.Equal(t, []string{"first", "second"}, ran)
}
