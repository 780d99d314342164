package modclaim

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingNotifier keeps every event it's notified of
type recordingNotifier struct {
	mu     sync.Mutex
	events []ClaimEvent
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{}
}

func (r *recordingNotifier) Notify(_ context.Context, e ClaimEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) Events() []ClaimEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ClaimEvent(nil), r.events...)
}

type sentMessage struct {
	ChannelID string
	Content   string
	Embed     *discordgo.MessageEmbed
}

// fakeSender records channel messages and DMs instead of sending them
type fakeSender struct {
	mu       sync.Mutex
	messages []sentMessage
	dms      []string
	err      error
}

func (f *fakeSender) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.messages = append(f.messages, sentMessage{ChannelID: channelID, Content: content})
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (f *fakeSender) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.messages = append(f.messages, sentMessage{ChannelID: channelID, Embed: embed})
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (f *fakeSender) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.dms = append(f.dms, recipientID)
	return &discordgo.Channel{ID: "dm-" + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (f *fakeSender) Messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

func TestClaimNotificationMessage(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		event    ClaimEvent
		expected string
	}{
		{
			name: "claim with name and role",
			event: ClaimEvent{
				Type:         ClaimEventCreated,
				ThreadID:     "123",
				ThreadName:   "alice-0001",
				ActorID:      "42",
				TargetID:     "42",
				ActorName:    "bob",
				ActorTopRole: "Support",
			},
			expected: "<@42> (bob, Support) has claimed the ticket `alice-0001`.",
		},
		{
			name: "claim without thread name",
			event: ClaimEvent{
				Type:      ClaimEventCreated,
				ThreadID:  "123",
				ActorID:   "42",
				TargetID:  "42",
				ActorName: "bob",
			},
			expected: "<@42> (bob) has claimed the ticket `123`.",
		},
		{
			name: "forced",
			event: ClaimEvent{
				Type:       ClaimEventForced,
				ThreadID:   "123",
				ThreadName: "alice-0001",
				ActorID:    "1",
				TargetID:   "42",
			},
			expected: "<@42> has claimed the ticket `alice-0001`. (assigned by <@1>)",
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, claimNotificationMessage(tc.event))
			},
		)
	}
}

func TestChannelNotifier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sender := &fakeSender{}
	channelID := "555"
	n := NewChannelNotifier(sender, func() string { return channelID }, nil)

	e := NewClaimEvent(ClaimEventCreated, "g1", "t1", "42")
	n.Notify(ctx, e)

	// only claims are announced
	n.Notify(ctx, NewClaimEvent(ClaimEventReleased, "g1", "t1", "42"))
	n.Notify(ctx, NewClaimEvent(ClaimEventSwept, "g1", "t1", ""))
	n.Wait()

	messages := sender.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, channelID, messages[0].ChannelID)
	assert.Equal(t, claimNotificationMessage(e), messages[0].Content)
}

func TestChannelNotifier_NoChannel(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	n := NewChannelNotifier(sender, func() string { return "" }, nil)
	n.Notify(context.Background(), NewClaimEvent(ClaimEventCreated, "g1", "t1", "42"))
	n.Wait()
	assert.Empty(t, sender.Messages())
}

func TestChannelNotifier_DetachedFromCaller(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	n := NewChannelNotifier(sender, func() string { return "555" }, nil)

	// the command's context ending doesn't cancel delivery
	ctx, cancel := context.WithCancel(context.Background())
	n.Notify(ctx, NewClaimEvent(ClaimEventCreated, "g1", "t1", "42"))
	cancel()
	n.Wait()
	assert.Len(t, sender.Messages(), 1)
}

func TestChannelNotifier_FailureSwallowed(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{err: errors.New("discord down")}
	n := NewChannelNotifier(sender, func() string { return "555" }, nil)
	n.timeout = time.Second

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Notify(context.Background(), NewClaimEvent(ClaimEventCreated, "g1", "t1", "42"))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Notify blocked")
	}
	n.Wait()
	assert.Empty(t, sender.Messages())
}

func TestRecipientNotifier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sender := &fakeSender{}
	n := NewRecipientNotifier(sender, nil)

	e := NewClaimEvent(ClaimEventCreated, "g1", "t1", "42")
	e.RecipientID = "777"
	e.ActorName = "bob"
	n.Notify(ctx, e)

	// no recipient, or not a claim
	n.Notify(ctx, NewClaimEvent(ClaimEventCreated, "g1", "t2", "42"))
	forced := NewClaimEvent(ClaimEventForced, "g1", "t3", "42")
	forced.RecipientID = "777"
	n.Notify(ctx, forced)
	n.Wait()

	messages := sender.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "dm-777", messages[0].ChannelID)
	require.NotNil(t, messages[0].Embed)
	assert.Equal(t, ticketClaimedTitle, messages[0].Embed.Title)
	assert.Equal(t, ticketClaimedDesc, messages[0].Embed.Description)
	require.NotNil(t, messages[0].Embed.Footer)
	assert.Equal(t, "bob", messages[0].Embed.Footer.Text)
}

func TestAuditNotifier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := setupTestDB(t)
	n := NewAuditNotifier(NewDatabase(db, nil, false), nil)

	created := NewClaimEvent(ClaimEventCreated, "g1", "t1", "42")
	forced := NewClaimEvent(ClaimEventForced, "g1", "t1", "1")
	forced.TargetID = "43"
	swept := NewClaimEvent(ClaimEventSwept, "g2", "t2", "")
	for _, e := range []ClaimEvent{created, forced, swept} {
		n.Notify(ctx, e)
	}
	n.Wait()

	events, err := listClaimEvents(ctx, db, ClaimEventFilter{GuildID: "g1"})
	require.NoError(t, err)
	require.Len(t, events, 2)

	byType := map[ClaimEventType]ClaimEventLog{}
	for _, e := range events {
		byType[e.Type] = e
	}
	assert.Equal(t, "43", byType[ClaimEventForced].TargetID)
	assert.Equal(t, "1", byType[ClaimEventForced].ActorID)
	assert.Equal(t, created.ID.String(), byType[ClaimEventCreated].EventID)

	events, err = listClaimEvents(ctx, db, ClaimEventFilter{Type: string(ClaimEventSwept)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "t2", events[0].ThreadID)

	events, err = listClaimEvents(ctx, db, ClaimEventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDispatchers(t *testing.T) {
	t.Parallel()
	first := newRecordingNotifier()
	second := newRecordingNotifier()
	d := Dispatchers{first, second}

	e := NewClaimEvent(ClaimEventReleased, "g1", "t1", "42")
	d.Notify(context.Background(), e)
	d.Wait()

	assert.Equal(t, []ClaimEvent{e}, first.Events())
	assert.Equal(t, []ClaimEvent{e}, second.Events())
}

func TestNotifyGroup_CloseDuringNotify(t *testing.T) {
	t.Parallel()
	g := &notifyGroup{logger: slog.Default()}
	e := NewClaimEvent(ClaimEventCreated, "g1", "t1", "42")

	var delivered atomic.Int64
	deliver := func(context.Context) error {
		delivered.Add(1)
		return nil
	}

	// interactions still arriving while the bot shuts down
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.goNotify(context.Background(), e, deliver)
		}()
	}
	g.Close()
	wg.Wait()

	// anything accepted before Close was delivered before it returned
	afterClose := delivered.Load()
	assert.LessOrEqual(t, afterClose, int64(20))

	g.goNotify(context.Background(), e, deliver)
	g.Wait()
	assert.Equal(t, afterClose, delivered.Load())
}

func TestDispatchers_Close(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	n := NewChannelNotifier(sender, func() string { return "555" }, nil)
	d := Dispatchers{n, newRecordingNotifier()}

	d.Notify(context.Background(), NewClaimEvent(ClaimEventCreated, "g1", "t1", "42"))
	d.Close()
	require.Len(t, sender.Messages(), 1)

	d.Notify(context.Background(), NewClaimEvent(ClaimEventCreated, "g1", "t2", "42"))
	d.Wait()
	assert.Len(t, sender.Messages(), 1)
}
