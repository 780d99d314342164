package modclaim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ClaimEventType identifies a claim state transition
type ClaimEventType string

const (
	ClaimEventCreated  ClaimEventType = "claim:created"
	ClaimEventForced   ClaimEventType = "claim:forced"
	ClaimEventReleased ClaimEventType = "claim:released"
	ClaimEventSwept    ClaimEventType = "claim:swept"
)

// ClaimEvent describes a successful claim state transition, passed to
// a [NotificationDispatcher] after the change is stored.
type ClaimEvent struct {
	ID       uuid.UUID      `json:"id"`
	Type     ClaimEventType `json:"type"`
	GuildID  string         `json:"guild_id"`
	ThreadID string         `json:"thread_id"`

	// ActorID is the user who ran the command
	ActorID string `json:"actor_id,omitempty"`

	// TargetID is the user the thread was claimed for. Same as ActorID,
	// except for force claims.
	TargetID string `json:"target_id,omitempty"`

	ThreadName   string `json:"thread_name,omitempty"`
	ActorName    string `json:"actor_name,omitempty"`
	ActorTopRole string `json:"actor_top_role,omitempty"`

	// RecipientID is the modmail user the thread belongs to
	RecipientID string `json:"recipient_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func NewClaimEvent(eventType ClaimEventType, guildID, threadID, actorID string) ClaimEvent {
	return ClaimEvent{
		ID:        uuid.New(),
		Type:      eventType,
		GuildID:   guildID,
		ThreadID:  threadID,
		ActorID:   actorID,
		TargetID:  actorID,
		CreatedAt: time.Now().UTC(),
	}
}

func (e ClaimEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", e.ID.String()),
		slog.String("type", string(e.Type)),
		slog.String("guild_id", e.GuildID),
		slog.String("thread_id", e.ThreadID),
		slog.String("actor_id", e.ActorID),
		slog.String("target_id", e.TargetID),
	)
}

// ClaimEventLog is the persisted form of a [ClaimEvent]
type ClaimEventLog struct {
	ModelUintID
	EventID   string         `gorm:"uniqueIndex;not null" json:"event_id"`
	Type      ClaimEventType `gorm:"index;not null" json:"type"`
	GuildID   string         `gorm:"index:idx_claim_event_thread;not null" json:"guild_id"`
	ThreadID  string         `gorm:"index:idx_claim_event_thread;not null" json:"thread_id"`
	ActorID   string         `json:"actor_id,omitempty"`
	TargetID  string         `json:"target_id,omitempty"`
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at"`
}

func newClaimEventLog(e ClaimEvent) *ClaimEventLog {
	return &ClaimEventLog{
		EventID:   e.ID.String(),
		Type:      e.Type,
		GuildID:   e.GuildID,
		ThreadID:  e.ThreadID,
		ActorID:   e.ActorID,
		TargetID:  e.TargetID,
		CreatedAt: e.CreatedAt.UnixMilli(),
	}
}

// ClaimEventFilter narrows a claim event listing.
type ClaimEventFilter struct {
	GuildID  string `form:"guild_id"`
	ThreadID string `form:"thread_id"`
	Type     string `form:"type" binding:"omitempty,oneof=claim:created claim:forced claim:released claim:swept"`
	Limit    int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset   int    `form:"offset" binding:"omitempty,min=0"`
}

// listClaimEvents returns events matching the filter, newest first.
func listClaimEvents(ctx context.Context, db *gorm.DB, f ClaimEventFilter) (
	[]ClaimEventLog,
	error,
) {
	q := db.WithContext(ctx).Model(&ClaimEventLog{})
	if f.GuildID != "" {
		q = q.Where("guild_id = ?", f.GuildID)
	}
	if f.ThreadID != "" {
		q = q.Where("thread_id = ?", f.ThreadID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	limit := f.Limit
	if limit == 0 {
		limit = 50
	}

	var events []ClaimEventLog
	err := q.Order("created_at desc").Order("id desc").Limit(limit).Offset(f.Offset).Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("error listing claim events: %w", err)
	}
	return events, nil
}
