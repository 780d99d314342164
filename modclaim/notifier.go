package modclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	embedColor             = 0x7289DA
	ticketClaimedTitle     = "Ticket Claimed"
	ticketClaimedDesc      = "Please wait as the assigned support agent reviews your case, you will receive a response shortly."
	defaultNotifyTimeout   = 15 * time.Second
	defaultNotifyPerSecond = 1
	defaultNotifyBurst     = 5
)

var errNoNotificationChannel = errors.New("notification channel not set")

// NotificationDispatcher is notified after a claim state transition
// is stored. Notify must not block the caller, and delivery failures
// are logged rather than returned.
type NotificationDispatcher interface {
	Notify(ctx context.Context, e ClaimEvent)
}

type channelMessageSender interface {
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

type directMessageSender interface {
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// notifyGroup runs notification deliveries in the background, detached
// from the triggering request's cancellation.
type notifyGroup struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
}

func (g *notifyGroup) goNotify(
	ctx context.Context,
	e ClaimEvent,
	fn func(ctx context.Context) error,
) {
	timeout := g.timeout
	if timeout == 0 {
		timeout = defaultNotifyTimeout
	}
	ctx = context.WithoutCancel(ctx)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.logger.WarnContext(ctx, "notifier closed, dropping event", "event", e)
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		nctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(nctx); err != nil {
			g.logger.WarnContext(nctx, "notification failed", "event", e, tint.Err(err))
		}
	}()
}

// Wait blocks until in-flight notifications finish
func (g *notifyGroup) Wait() {
	g.wg.Wait()
}

// Close stops accepting new notifications, then waits for in-flight
// ones to finish.
func (g *notifyGroup) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}

// ChannelNotifier posts a message to the configured notification
// channel whenever a thread is claimed.
type ChannelNotifier struct {
	notifyGroup
	session   channelMessageSender
	channelID func() string
	limiter   *rate.Limiter
}

func NewChannelNotifier(
	session channelMessageSender,
	channelID func() string,
	logger *slog.Logger,
) *ChannelNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelNotifier{
		notifyGroup: notifyGroup{logger: logger.With(loggerNameKey, "channel_notifier")},
		session:     session,
		channelID:   channelID,
		limiter:     rate.NewLimiter(rate.Limit(defaultNotifyPerSecond), defaultNotifyBurst),
	}
}

func (n *ChannelNotifier) Notify(ctx context.Context, e ClaimEvent) {
	if e.Type != ClaimEventCreated && e.Type != ClaimEventForced {
		return
	}
	n.goNotify(
		ctx, e, func(ctx context.Context) error {
			channelID := n.channelID()
			if channelID == "" {
				n.logger.DebugContext(ctx, "skipping notification", tint.Err(errNoNotificationChannel))
				return nil
			}
			if err := n.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
			_, err := n.session.ChannelMessageSend(
				channelID,
				claimNotificationMessage(e),
				discordgo.WithContext(ctx),
			)
			return err
		},
	)
}

func claimNotificationMessage(e ClaimEvent) string {
	who := fmt.Sprintf("<@%s>", e.TargetID)
	var details []any
	if e.ActorName != "" {
		details = append(details, e.ActorName)
	}
	if e.ActorTopRole != "" {
		details = append(details, e.ActorTopRole)
	}
	switch len(details) {
	case 1:
		who = fmt.Sprintf("%s (%s)", who, details[0])
	case 2:
		who = fmt.Sprintf("%s (%s, %s)", who, details[0], details[1])
	}

	threadName := e.ThreadName
	if threadName == "" {
		threadName = e.ThreadID
	}
	msg := fmt.Sprintf("%s has claimed the ticket `%s`.", who, threadName)
	if e.Type == ClaimEventForced && e.ActorID != e.TargetID {
		msg = fmt.Sprintf("%s (assigned by <@%s>)", msg, e.ActorID)
	}
	return msg
}

// RecipientNotifier sends the modmail recipient a direct message when
// their thread is claimed.
type RecipientNotifier struct {
	notifyGroup
	session directMessageSender
}

func NewRecipientNotifier(session directMessageSender, logger *slog.Logger) *RecipientNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecipientNotifier{
		notifyGroup: notifyGroup{logger: logger.With(loggerNameKey, "recipient_notifier")},
		session:     session,
	}
}

func (n *RecipientNotifier) Notify(ctx context.Context, e ClaimEvent) {
	if e.Type != ClaimEventCreated || e.RecipientID == "" {
		return
	}
	n.goNotify(
		ctx, e, func(ctx context.Context) error {
			ch, err := n.session.UserChannelCreate(e.RecipientID, discordgo.WithContext(ctx))
			if err != nil {
				return fmt.Errorf("error creating DM channel: %w", err)
			}
			_, err = n.session.ChannelMessageSendEmbed(
				ch.ID,
				ticketClaimedEmbed(e),
				discordgo.WithContext(ctx),
			)
			return err
		},
	)
}

func ticketClaimedEmbed(e ClaimEvent) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       ticketClaimedTitle,
		Description: ticketClaimedDesc,
		Color:       embedColor,
		Timestamp:   e.CreatedAt.Format(time.RFC3339),
	}
	if e.ActorName != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: e.ActorName}
	}
	return embed
}

// AuditNotifier records every claim event in the database.
type AuditNotifier struct {
	notifyGroup
	db DBI
}

func NewAuditNotifier(db DBI, logger *slog.Logger) *AuditNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditNotifier{
		notifyGroup: notifyGroup{logger: logger.With(loggerNameKey, "audit_notifier")},
		db:          db,
	}
}

func (n *AuditNotifier) Notify(ctx context.Context, e ClaimEvent) {
	n.goNotify(
		ctx, e, func(ctx context.Context) error {
			_, err := n.db.Create(ctx, newClaimEventLog(e))
			return err
		},
	)
}

// Dispatchers fans out each event to every dispatcher
type Dispatchers []NotificationDispatcher

func (d Dispatchers) Notify(ctx context.Context, e ClaimEvent) {
	for _, n := range d {
		n.Notify(ctx, e)
	}
}

// Wait waits for any dispatchers with in-flight notifications
func (d Dispatchers) Wait() {
	for _, n := range d {
		if w, ok := n.(interface{ Wait() }); ok {
			w.Wait()
		}
	}
}

// Close closes every dispatcher that can be closed, waiting for its
// in-flight notifications. Events notified afterward are dropped.
func (d Dispatchers) Close() {
	for _, n := range d {
		if c, ok := n.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
