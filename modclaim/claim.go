package modclaim

import (
	"context"
	"slices"
)

// ClaimRecord is the claim state of a single modmail thread. A thread is
// claimed when it has at least one claimer.
type ClaimRecord struct {
	GuildID  string   `json:"guild_id" bson:"guild"`
	ThreadID string   `json:"thread_id" bson:"thread_id"`
	Claimers []string `json:"claimers" bson:"claimers"`
}

// Claimed reports whether the thread has any claimers.
func (r ClaimRecord) Claimed() bool {
	return len(r.Claimers) > 0
}

// HasClaimer reports whether userID is one of the thread's claimers.
func (r ClaimRecord) HasClaimer(userID string) bool {
	return slices.Contains(r.Claimers, userID)
}

// GuildConfig holds the per-guild claim settings.
//
// A nil Limit means the limit was never set, and claims are refused
// until an admin sets one. A Limit of 0 means unlimited.
type GuildConfig struct {
	GuildID     string   `json:"guild_id" bson:"_id"`
	Limit       *int     `json:"limit" bson:"limit,omitempty"`
	BypassRoles []string `json:"bypass_roles" bson:"bypass_roles"`
}

// Configured reports whether a claim limit has been set.
func (c GuildConfig) Configured() bool {
	return c.Limit != nil
}

// HasBypassRole reports whether any of roleIDs is a bypass role.
func (c GuildConfig) HasBypassRole(roleIDs ...string) bool {
	for _, r := range roleIDs {
		if slices.Contains(c.BypassRoles, r) {
			return true
		}
	}
	return false
}

// ClaimStore persists claim records and guild configuration.
//
// Lookups return [ErrRecordNotFound] when nothing is stored for the key.
// Every implementation performs ClaimIfUnclaimed atomically.
type ClaimStore interface {
	GetRecord(ctx context.Context, guildID, threadID string) (ClaimRecord, error)

	// UpsertRecord creates the record, or overwrites its claimer set.
	UpsertRecord(ctx context.Context, guildID, threadID string, claimers []string) (ClaimRecord, error)

	// ClaimIfUnclaimed sets the claimers to {userID} only if the record
	// doesn't exist or has no claimers. Otherwise, it returns
	// [ErrAlreadyClaimed].
	ClaimIfUnclaimed(ctx context.Context, guildID, threadID, userID string) (ClaimRecord, error)

	// AddClaimer adds userID to the claimer set, creating the record
	// if needed.
	AddClaimer(ctx context.Context, guildID, threadID, userID string) error

	// RemoveClaimer removes userID from the claimer set. The record
	// itself is kept.
	RemoveClaimer(ctx context.Context, guildID, threadID, userID string) error

	// DeleteRecord deletes the record, returning true if one existed.
	DeleteRecord(ctx context.Context, guildID, threadID string) (bool, error)

	// ListRecords calls fn for each record in the guild. If fn returns
	// an error, iteration stops and that error is returned.
	ListRecords(ctx context.Context, guildID string, fn func(ClaimRecord) error) error

	// CountClaims returns the number of threads in the guild where
	// userID is a claimer.
	CountClaims(ctx context.Context, guildID, userID string) (int, error)

	// ListGuilds returns the IDs of guilds with at least one record
	ListGuilds(ctx context.Context) ([]string, error)

	GetConfig(ctx context.Context, guildID string) (GuildConfig, error)
	SetConfig(ctx context.Context, cfg GuildConfig) error
	SetLimit(ctx context.Context, guildID string, limit int) error

	// AddBypassRoles adds roleIDs to the guild's bypass roles. Roles
	// already present are ignored.
	AddBypassRoles(ctx context.Context, guildID string, roleIDs ...string) (GuildConfig, error)

	// RemoveBypassRole removes roleID from the guild's bypass roles,
	// returning [ErrNotInBypassList] if it isn't present.
	RemoveBypassRole(ctx context.Context, guildID, roleID string) (GuildConfig, error)

	Close(ctx context.Context) error
}

// SubscriptionStore tracks which staff members want to be notified of
// every message in a thread.
type SubscriptionStore interface {
	// ToggleSubscription flips the user's subscription, returning
	// true if the user is now subscribed.
	ToggleSubscription(ctx context.Context, guildID, threadID, userID string) (bool, error)
	Subscribers(ctx context.Context, guildID, threadID string) ([]string, error)
}

// Store is implemented by every claim backend.
type Store interface {
	ClaimStore
	SubscriptionStore
}

// collectRecords drains ListRecords into a slice.
func collectRecords(ctx context.Context, store ClaimStore, guildID string) ([]ClaimRecord, error) {
	var records []ClaimRecord
	err := store.ListRecords(
		ctx, guildID, func(r ClaimRecord) error {
			records = append(records, r)
			return nil
		},
	)
	return records, err
}

// addUnique appends each item not already present in set.
func addUnique(set []string, items ...string) []string {
	for _, item := range items {
		if item == "" || slices.Contains(set, item) {
			continue
		}
		set = append(set, item)
	}
	return set
}
