package modclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	ClaimCommandOutcomeCompleted ClaimCommandOutcome = "completed"
	ClaimCommandOutcomeDenied    ClaimCommandOutcome = "denied"
	ClaimCommandOutcomeFailed    ClaimCommandOutcome = "failed"

	claimResponseRespond      = "Please respond to the case asap."
	claimResponseUnclaimed    = "Removed from claimers."
	claimsEmbedTitle          = "Your claimed tickets:"
	claimsEmbedEmpty          = "You haven't claimed any tickets."
	claimsLookupConcurrency   = 5
	subscribedMessageFormat   = "%s will now be notified of all messages received."
	unsubscribedMessageFormat = "%s will __not__ be notified of any message now."
)

type ClaimCommandOutcome string

// ClaimCommand records a claim-related slash command and how it ended
type ClaimCommand struct {
	ModelUintID
	ModelUnixTime
	InteractionID string              `json:"interaction_id" gorm:"uniqueIndex;not null"`
	Command       string              `json:"command" gorm:"index;not null"`
	GuildID       string              `json:"guild_id" gorm:"index"`
	ChannelID     string              `json:"channel_id"`
	UserID        string              `json:"user_id" gorm:"index"`
	Outcome       ClaimCommandOutcome `json:"outcome" gorm:"type:string"`
	Denial        DenialKind          `json:"denial,omitempty" gorm:"type:string"`
	Response      string              `json:"response" gorm:"type:string"`
	Error         NullableString      `json:"error"`
}

func newClaimCommand(req *commandRequest) *ClaimCommand {
	return &ClaimCommand{
		InteractionID: req.interaction.ID,
		Command:       commandKey(req.interaction.ApplicationCommandData().Name, req.subcommand),
		GuildID:       req.guildID,
		ChannelID:     req.channelID,
		UserID:        req.userID(),
	}
}

func (c ClaimCommand) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("interaction_id", c.InteractionID),
		slog.String("command", c.Command),
		slog.String("outcome", string(c.Outcome)),
		slog.String("denial", string(c.Denial)),
	)
}

// finish sets the outcome from the command's result
func (c *ClaimCommand) finish(resp *discordgo.InteractionResponse, err error) {
	switch denial, isDenial := AsDenial(err); {
	case err == nil:
		c.Outcome = ClaimCommandOutcomeCompleted
	case isDenial:
		c.Outcome = ClaimCommandOutcomeDenied
		c.Denial = denial.Kind
	default:
		c.Outcome = ClaimCommandOutcomeFailed
		c.Error = NullableString(err.Error())
	}
	if resp != nil && resp.Data != nil {
		c.Response = resp.Data.Content
		if c.Response == "" && len(resp.Data.Embeds) > 0 {
			c.Response = resp.Data.Embeds[0].Description
		}
	}
}

// ClaimCommandQuery narrows a listing of recorded commands
type ClaimCommandQuery struct {
	GuildID string              `form:"guild_id"`
	UserID  string              `form:"user_id"`
	Command string              `form:"command"`
	Outcome ClaimCommandOutcome `form:"outcome" binding:"omitempty,oneof=completed denied failed"`
	Limit   int                 `form:"limit" binding:"omitempty,min=1,max=500"`
}

func listClaimCommands(ctx context.Context, db *gorm.DB, q ClaimCommandQuery) (
	[]ClaimCommand,
	error,
) {
	tx := db.WithContext(ctx).Model(&ClaimCommand{})
	if q.GuildID != "" {
		tx = tx.Where("guild_id = ?", q.GuildID)
	}
	if q.UserID != "" {
		tx = tx.Where("user_id = ?", q.UserID)
	}
	if q.Command != "" {
		tx = tx.Where("command = ?", q.Command)
	}
	if q.Outcome != "" {
		tx = tx.Where("outcome = ?", q.Outcome)
	}
	limit := q.Limit
	if limit == 0 {
		limit = apiDefaultClaimCommandsMax
	}

	var commands []ClaimCommand
	if err := tx.Order("id desc").Limit(limit).Find(&commands).Error; err != nil {
		return nil, fmt.Errorf("error listing claim commands: %w", err)
	}
	return commands, nil
}

func claimEmbed(description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Color:       embedColor,
		Description: description,
	}
}

// toggleSubscription flips the user's subscription to the thread, and
// returns the line describing the new state
func (m *ModClaim) toggleSubscription(ctx context.Context, req *commandRequest) (string, error) {
	subscribed, err := m.store.ToggleSubscription(ctx, req.guildID, req.channelID, req.userID())
	if err != nil {
		return "", fmt.Errorf("error toggling subscription: %w", err)
	}
	mention := req.user.Mention()
	if subscribed {
		return fmt.Sprintf(subscribedMessageFormat, mention), nil
	}
	return fmt.Sprintf(unsubscribedMessageFormat, mention), nil
}

// claimEvent builds the event for a claim change made by req
func (m *ModClaim) claimEvent(
	ctx context.Context,
	eventType ClaimEventType,
	req *commandRequest,
) ClaimEvent {
	e := NewClaimEvent(eventType, req.guildID, req.channelID, req.userID())
	if req.user != nil {
		e.ActorName = req.user.Username
	}
	if req.channel != nil {
		e.ThreadName = req.channel.Name
		e.RecipientID = recipientFromTopic(req.channel.Topic)
	}
	if eventType == ClaimEventCreated {
		e.ActorTopRole = m.discord.topRoleName(ctx, req.guildID, req.member)
	}
	return e
}

// commandClaim claims the thread for the invoking member, optionally
// toggling their subscription to it
func (m *ModClaim) commandClaim(
	ctx context.Context,
	req *commandRequest,
) (*discordgo.InteractionResponse, error) {
	if _, err := m.policy.Claim(ctx, req.guildID, req.userID(), req.channelID); err != nil {
		return nil, err
	}

	var lines []string
	subscribe := true
	if opt, ok := req.options[optionSubscribe]; ok {
		subscribe = opt.BoolValue()
	}
	if subscribe {
		line, err := m.toggleSubscription(ctx, req)
		if err != nil {
			m.logger.ErrorContext(ctx, "claimed, but subscription failed", tint.Err(err))
		} else {
			lines = append(lines, line)
		}
	}
	lines = append(lines, claimResponseRespond)

	m.notifier.Notify(ctx, m.claimEvent(ctx, ClaimEventCreated, req))

	embed := claimEmbed(strings.Join(lines, "\n"))
	embed.Title = ticketClaimedTitle
	return embedResponse(embed, false), nil
}

// commandClaimLimit sets the guild's per-member claim limit
func (m *ModClaim) commandClaimLimit(
	ctx context.Context,
	req *commandRequest,
) (*discordgo.InteractionResponse, error) {
	opt, ok := req.options[optionLimit]
	if !ok {
		return nil, errors.New("missing limit option")
	}
	limit := int(opt.IntValue())
	if err := m.policy.SetLimit(ctx, req.guildID, limit); err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("Claim limit set to %d.", limit)
	if limit == 0 {
		msg = "Claim limit removed, members may claim any number of threads."
	}
	return messageResponse(msg, false), nil
}

// commandClaimCleanup removes records for threads that no longer exist
func (m *ModClaim) commandClaimCleanup(
	ctx context.Context,
	req *commandRequest,
) (*discordgo.InteractionResponse, error) {
	removed, err := m.sweeper.Sweep(ctx, req.guildID, m.discord)
	if err != nil {
		return nil, err
	}
	return embedResponse(
		claimEmbed(fmt.Sprintf("Cleaned up %d closed tickets records", removed)),
		false,
	), nil
}

// commandClaimBypassAdd adds every given role to the bypass list
func (m *ModClaim) commandClaimBypassAdd(
	ctx context.Context,
	req *commandRequest,
) (*discordgo.InteractionResponse, error) {
	var roleIDs []string
	for n := 1; n <= maxBypassRolesPerCommand; n++ {
		name := optionRole
		if n > 1 {
			name = optionRole + string(rune('0'+n))
		}
		if opt, ok := req.options[name]; ok {
			roleIDs = append(roleIDs, opt.RoleValue(nil, req.guildID).ID)
		}
	}
	if len(roleIDs) == 0 {
		return nil, errors.New("no roles given")
	}
	if _, err := m.policy.AddBypassRoles(ctx, req.guildID, roleIDs...); err != nil {
		return nil, err
	}
	mentions := make([]string, 0, len(roleIDs))
	for _, r := range addUnique(nil, roleIDs...) {
		mentions = append(mentions, roleMention(r))
	}
	return messageResponse(
		"**Added bypass roles**:\n"+strings.Join(mentions, ", "),
		false,
	), nil
}

// commandClaimBypassRemove removes a single role from the bypass list
func (m *ModClaim) commandClaimBypassRemove(
	ctx context.Context,
	req *commandRequest,
) (*discordgo.InteractionResponse, error) {
	opt, ok := req.options[optionRole]
	if !ok {
		return nil, errors.New("missing role option")
	}
	roleID := opt.RoleValue(nil, req.guildID).ID
	if _, err := m.policy.RemoveBypassRole(ctx, req.guildID, roleID); err != nil {
		return nil, err
	}
	return messageResponse("**Removed bypass role**:\n"+roleMention(roleID), false), nil
}

// commandClaims lists the invoking member's claimed threads. Records
// for threads that no longer exist are removed along the way.
func (m *ModClaim) commandClaims(
	ctx context.Context,
	req *commandRequest,
) (*discordgo.InteractionResponse, error) {
	records, err := m.policy.UserClaims(ctx, req.guildID, req.userID())
	if err != nil {
		return nil, err
	}

	exists := make([]bool, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(claimsLookupConcurrency)
	for idx, rec := range records {
		g.Go(
			func() error {
				found, lookupErr := m.discord.ThreadExists(gctx, rec.ThreadID)
				if lookupErr != nil {
					// listed anyway, the thread may only be unreachable
					m.logger.WarnContext(gctx, "error checking thread", "thread_id", rec.ThreadID, tint.Err(lookupErr))
					exists[idx] = true
					return nil
				}
				exists[idx] = found
				if !found {
					if _, delErr := m.sweeper.OnThreadDeleted(gctx, req.guildID, rec.ThreadID); delErr != nil {
						m.logger.ErrorContext(gctx, "error pruning claim", "thread_id", rec.ThreadID, tint.Err(delErr))
					}
				}
				return nil
			},
		)
	}
	_ = g.Wait()

	mentions := make([]string, 0, len(records))
	for idx, rec := range records {
		if exists[idx] {
			mentions = append(mentions, channelMention(rec.ThreadID))
		}
	}
	embed := claimEmbed(strings.Join(mentions, ", "))
	embed.Title = claimsEmbedTitle
	if len(mentions) == 0 {
		embed.Description = claimsEmbedEmpty
	}
	return embedResponse(embed, true), nil
}

// commandUnclaim releases the invoking member's claim, and toggles
// their subscription
func (m *ModClaim) commandUnclaim(
	ctx context.Context,
	req *commandRequest,
) (*discordgo.InteractionResponse, error) {
	if err := m.policy.Unclaim(ctx, req.guildID, req.userID(), req.channelID); err != nil {
		return nil, err
	}
	lines := []string{claimResponseUnclaimed}
	line, err := m.toggleSubscription(ctx, req)
	if err != nil {
		m.logger.ErrorContext(ctx, "unclaimed, but subscription failed", tint.Err(err))
	} else {
		lines = append(lines, line)
	}

	m.notifier.Notify(ctx, m.claimEvent(ctx, ClaimEventReleased, req))
	return embedResponse(claimEmbed(strings.Join(lines, "\n")), false), nil
}

// commandForceClaim assigns the thread to another member, replacing
// any existing claimers
func (m *ModClaim) commandForceClaim(
	ctx context.Context,
	req *commandRequest,
) (*discordgo.InteractionResponse, error) {
	opt, ok := req.options[optionMember]
	if !ok {
		return nil, errors.New("missing member option")
	}
	target := opt.UserValue(nil)
	if target == nil || target.ID == "" {
		return nil, errors.New("invalid member option")
	}
	if _, err := m.policy.ForceClaim(
		ctx,
		req.guildID,
		req.userID(),
		target.ID,
		req.channelID,
	); err != nil {
		return nil, err
	}

	// the channel notification names the member the thread was
	// assigned to
	e := m.claimEvent(ctx, ClaimEventForced, req)
	e.TargetID = target.ID
	e.ActorName = ""
	if resolved := req.interaction.ApplicationCommandData().Resolved; resolved != nil {
		if u, found := resolved.Users[target.ID]; found && u != nil {
			e.ActorName = u.Username
		}
		if member, found := resolved.Members[target.ID]; found && member != nil {
			e.ActorTopRole = m.discord.topRoleName(ctx, req.guildID, member)
		}
	}
	m.notifier.Notify(ctx, e)

	return embedResponse(
		claimEmbed(fmt.Sprintf("%s has been assigned to this thread.", target.Mention())),
		false,
	), nil
}

// commandReply sends a message to the thread's recipient. Used by both
// reply (behind the reply gate) and overridereply.
func (m *ModClaim) commandReply(
	ctx context.Context,
	req *commandRequest,
) (*discordgo.InteractionResponse, error) {
	opt, ok := req.options[optionMessage]
	if !ok {
		return nil, errors.New("missing message option")
	}
	recipientID := ""
	if req.channel != nil {
		recipientID = recipientFromTopic(req.channel.Topic)
	}
	if recipientID == "" {
		return nil, ErrNoRecipient
	}

	embed := &discordgo.MessageEmbed{
		Color:       embedColor,
		Description: truncate(opt.StringValue(), replyMaxLength),
	}
	if req.user != nil {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    req.user.Username,
			IconURL: req.user.AvatarURL(""),
		}
	}

	dm, err := m.discord.UserChannelCreate(recipientID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("error opening DM channel: %w", err)
	}
	if _, err = m.discord.ChannelMessageSendEmbed(
		dm.ID,
		embed,
		discordgo.WithContext(ctx),
	); err != nil {
		return nil, fmt.Errorf("error sending reply: %w", err)
	}
	return embedResponse(embed, false), nil
}
