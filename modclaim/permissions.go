package modclaim

import (
	"context"
	"fmt"
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionLevel is the level of access a guild member has to claim
// commands. Each level includes the ones below it.
type PermissionLevel int

const (
	PermissionNone PermissionLevel = iota
	PermissionSupporter
	PermissionModerator
	PermissionAdmin
)

func (l PermissionLevel) String() string {
	switch l {
	case PermissionSupporter:
		return "supporter"
	case PermissionModerator:
		return "moderator"
	case PermissionAdmin:
		return "admin"
	default:
		return "none"
	}
}

// memberLevel returns the highest level granted by the member's roles.
// Members with the Administrator permission are always admins.
func memberLevel(member *discordgo.Member, perms *PermissionsConfig) PermissionLevel {
	if member == nil {
		return PermissionNone
	}
	if member.Permissions&discordgo.PermissionAdministrator != 0 {
		return PermissionAdmin
	}
	if perms == nil {
		return PermissionNone
	}
	hasAny := func(roleIDs []string) bool {
		for _, r := range member.Roles {
			if slices.Contains(roleIDs, r) {
				return true
			}
		}
		return false
	}
	switch {
	case hasAny(perms.AdminRoles):
		return PermissionAdmin
	case hasAny(perms.ModeratorRoles):
		return PermissionModerator
	case hasAny(perms.SupporterRoles):
		return PermissionSupporter
	default:
		return PermissionNone
	}
}

// commandRequest is a slash command invocation, along with anything
// resolved about it by the command's checks.
type commandRequest struct {
	interaction *discordgo.InteractionCreate
	user        *discordgo.User
	member      *discordgo.Member
	guildID     string
	channelID   string
	subcommand  string
	options     map[string]*discordgo.ApplicationCommandInteractionDataOption

	// channel is set by threadOnly
	channel *discordgo.Channel
}

func newCommandRequest(i *discordgo.InteractionCreate) *commandRequest {
	req := &commandRequest{
		interaction: i,
		user:        getDiscordUser(i),
		member:      i.Member,
		guildID:     i.GuildID,
		channelID:   i.ChannelID,
	}
	if i.Type != discordgo.InteractionApplicationCommand {
		return req
	}
	req.options = discordInteractionOptions(i)
	for _, opt := range req.options {
		if opt.Type == discordgo.ApplicationCommandOptionSubCommand {
			req.subcommand = opt.Name
			req.options = optionMap(opt.Options)
			break
		}
	}
	return req
}

func (r *commandRequest) userID() string {
	if r.user == nil {
		return ""
	}
	return r.user.ID
}

func (r *commandRequest) roles() []string {
	if r.member == nil {
		return nil
	}
	return r.member.Roles
}

// automated reports whether the request comes from a bot account
func (r *commandRequest) automated() bool {
	return r.user != nil && r.user.Bot
}

// commandCheck is a precondition for running a command. A
// [*DenialError] is shown to the user, any other error is logged.
type commandCheck func(ctx context.Context, req *commandRequest) error

// requireLevel denies members below the given permission level
func requireLevel(perms *PermissionsConfig, level PermissionLevel) commandCheck {
	return func(_ context.Context, req *commandRequest) error {
		if req.guildID == "" || memberLevel(req.member, perms) < level {
			return ErrMissingPermission
		}
		return nil
	}
}

type channelGetter interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// isModmailThread reports whether ch is a modmail thread channel: a
// channel under categoryID or, with no category configured, any guild
// channel whose topic names the modmail recipient.
func isModmailThread(ch *discordgo.Channel, categoryID string) bool {
	if ch == nil || ch.GuildID == "" {
		return false
	}
	if categoryID != "" {
		return ch.ParentID == categoryID
	}
	return recipientFromTopic(ch.Topic) != ""
}

// threadOnly denies commands used outside a modmail thread
func threadOnly(channels channelGetter, categoryID func() string) commandCheck {
	return func(ctx context.Context, req *commandRequest) error {
		if req.guildID == "" || req.channelID == "" {
			return ErrNotThread
		}
		ch, err := channels.Channel(req.channelID, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("error getting channel: %w", err)
		}
		if !isModmailThread(ch, categoryID()) {
			return ErrNotThread
		}
		req.channel = ch
		return nil
	}
}

// replyGate denies replies to threads claimed by someone else, unless
// the member holds a bypass role
func replyGate(policy *ClaimPolicy) commandCheck {
	return func(ctx context.Context, req *commandRequest) error {
		return policy.CanReply(
			ctx,
			req.guildID,
			req.userID(),
			req.channelID,
			req.roles(),
			req.automated(),
		)
	}
}

// runChecks runs each check in order, returning the first error
func runChecks(ctx context.Context, req *commandRequest, checks ...commandCheck) error {
	for _, check := range checks {
		if err := check(ctx, req); err != nil {
			return err
		}
	}
	return nil
}
