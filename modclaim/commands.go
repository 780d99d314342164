package modclaim

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

const (
	DiscordSlashCommandClaim         = "claim"
	DiscordSlashCommandClaimLimit    = "claim_limit"
	DiscordSlashCommandClaimCleanup  = "claim_cleanup"
	DiscordSlashCommandClaimBypass   = "claim_bypass"
	DiscordSlashCommandClaims        = "claims"
	DiscordSlashCommandUnclaim       = "unclaim"
	DiscordSlashCommandForceClaim    = "forceclaim"
	DiscordSlashCommandReply         = "reply"
	DiscordSlashCommandOverrideReply = "overridereply"

	claimBypassSubcommandAdd    = "add"
	claimBypassSubcommandRemove = "remove"

	optionSubscribe = "subscribe"
	optionLimit     = "limit"
	optionRole      = "role"
	optionMember    = "member"
	optionMessage   = "message"

	// discord doesn't support variadic options, so claim_bypass add
	// takes up to this many roles
	maxBypassRolesPerCommand = 5

	replyMaxLength = 2000
)

// commandFunc runs a slash command after its checks pass
type commandFunc func(
	ctx context.Context,
	req *commandRequest,
) (*discordgo.InteractionResponse, error)

// slashCommand is a command handler, plus the checks that must pass
// before it runs
type slashCommand struct {
	checks []commandCheck
	run    commandFunc
}

// commandKey identifies a command and its subcommand, if any
func commandKey(name, subcommand string) string {
	if subcommand == "" {
		return name
	}
	return name + " " + subcommand
}

// slashCommands builds the command table, composing each handler
// with its permission checks
func (m *ModClaim) slashCommands() map[string]slashCommand {
	perms := m.config.Permissions
	inThread := threadOnly(m.discord, m.modmailCategoryID)
	supporter := requireLevel(perms, PermissionSupporter)
	moderator := requireLevel(perms, PermissionModerator)
	admin := requireLevel(perms, PermissionAdmin)

	return map[string]slashCommand{
		DiscordSlashCommandClaim: {
			checks: []commandCheck{supporter, inThread},
			run:    m.commandClaim,
		},
		DiscordSlashCommandClaimLimit: {
			checks: []commandCheck{admin},
			run:    m.commandClaimLimit,
		},
		DiscordSlashCommandClaimCleanup: {
			checks: []commandCheck{supporter},
			run:    m.commandClaimCleanup,
		},
		commandKey(DiscordSlashCommandClaimBypass, claimBypassSubcommandAdd): {
			checks: []commandCheck{admin},
			run:    m.commandClaimBypassAdd,
		},
		commandKey(DiscordSlashCommandClaimBypass, claimBypassSubcommandRemove): {
			checks: []commandCheck{moderator},
			run:    m.commandClaimBypassRemove,
		},
		DiscordSlashCommandClaims: {
			checks: []commandCheck{supporter},
			run:    m.commandClaims,
		},
		DiscordSlashCommandUnclaim: {
			checks: []commandCheck{supporter, inThread},
			run:    m.commandUnclaim,
		},
		DiscordSlashCommandForceClaim: {
			checks: []commandCheck{moderator, inThread},
			run:    m.commandForceClaim,
		},
		DiscordSlashCommandReply: {
			checks: []commandCheck{supporter, inThread, replyGate(m.policy)},
			run:    m.commandReply,
		},
		DiscordSlashCommandOverrideReply: {
			checks: []commandCheck{moderator, inThread},
			run:    m.commandReply,
		},
	}
}

func guildOnlyContexts() *[]discordgo.InteractionContextType {
	return &[]discordgo.InteractionContextType{discordgo.InteractionContextGuild}
}

// applicationCommands returns the slash commands registered with discord
func applicationCommands() []*discordgo.ApplicationCommand {
	minLimit := float64(0)
	minLength := 1
	dmPerm := false

	bypassAddOptions := make([]*discordgo.ApplicationCommandOption, 0, maxBypassRolesPerCommand)
	for n := 1; n <= maxBypassRolesPerCommand; n++ {
		name := optionRole
		if n > 1 {
			name = optionRole + string(rune('0'+n))
		}
		bypassAddOptions = append(
			bypassAddOptions, &discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionRole,
				Name:        name,
				Description: "Role allowed to reply to claimed threads",
				Required:    n == 1,
			},
		)
	}

	messageOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        optionMessage,
		Description: "Message to send to the recipient",
		Required:    true,
		MinLength:   &minLength,
		MaxLength:   replyMaxLength,
	}

	commands := []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandClaim,
			Description: "Claim this thread",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        optionSubscribe,
					Description: "Toggle notifications for this thread (default: true)",
				},
			},
		},
		{
			Name:        DiscordSlashCommandClaimLimit,
			Description: "Set how many threads each member may claim (0 is unlimited)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        optionLimit,
					Description: "Maximum claimed threads per member",
					Required:    true,
					MinValue:    &minLimit,
				},
			},
		},
		{
			Name:        DiscordSlashCommandClaimCleanup,
			Description: "Remove claims for threads that were closed",
		},
		{
			Name:        DiscordSlashCommandClaimBypass,
			Description: "Manage roles that may reply to any claimed thread",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        claimBypassSubcommandAdd,
					Description: "Add bypass roles",
					Options:     bypassAddOptions,
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        claimBypassSubcommandRemove,
					Description: "Remove a bypass role",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionRole,
							Name:        optionRole,
							Description: "Role to remove",
							Required:    true,
						},
					},
				},
			},
		},
		{
			Name:        DiscordSlashCommandClaims,
			Description: "List the threads you have claimed",
		},
		{
			Name:        DiscordSlashCommandUnclaim,
			Description: "Unclaim this thread",
		},
		{
			Name:        DiscordSlashCommandForceClaim,
			Description: "Claim this thread on behalf of another member",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        optionMember,
					Description: "Member to assign the thread to",
					Required:    true,
				},
			},
		},
		{
			Name:        DiscordSlashCommandReply,
			Description: "Reply to the recipient of this thread",
			Options:     []*discordgo.ApplicationCommandOption{messageOption},
		},
		{
			Name:        DiscordSlashCommandOverrideReply,
			Description: "Reply to the recipient, even if the thread is claimed by someone else",
			Options:     []*discordgo.ApplicationCommandOption{messageOption},
		},
	}
	for _, c := range commands {
		c.Type = discordgo.ChatApplicationCommand
		c.DMPermission = &dmPerm
		c.Contexts = guildOnlyContexts()
	}
	return commands
}

// runCommand runs the checks for the requested command, then the
// command itself
func (m *ModClaim) runCommand(
	ctx context.Context,
	logger *slog.Logger,
	req *commandRequest,
) (*discordgo.InteractionResponse, error) {
	key := commandKey(req.interaction.ApplicationCommandData().Name, req.subcommand)
	cmd, ok := m.commands[key]
	if !ok {
		logger.WarnContext(ctx, "unknown command", "command", key)
		return nil, fmt.Errorf("%w: %q", errUnknownCommand, key)
	}
	if err := runChecks(ctx, req, cmd.checks...); err != nil {
		return nil, err
	}
	return cmd.run(ctx, req)
}
