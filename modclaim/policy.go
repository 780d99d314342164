package modclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ClaimPolicy decides whether claim, unclaim, force-claim and reply
// requests are allowed, and applies the allowed ones to a [ClaimStore].
//
// Denials are returned as [*DenialError]. Any other error means the
// store failed, and should not be shown to users verbatim.
type ClaimPolicy struct {
	store  ClaimStore
	logger *slog.Logger
}

func NewClaimPolicy(store ClaimStore, logger *slog.Logger) *ClaimPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaimPolicy{
		store:  store,
		logger: logger.With(loggerNameKey, "claim_policy"),
	}
}

// checkQuota returns nil if userID may take another claim in the guild.
func (p *ClaimPolicy) checkQuota(ctx context.Context, guildID, userID string) error {
	cfg, err := p.store.GetConfig(ctx, guildID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return ErrNotConfigured
		}
		return fmt.Errorf("error getting guild config: %w", err)
	}
	if !cfg.Configured() {
		return ErrNotConfigured
	}
	limit := *cfg.Limit
	if limit == 0 {
		return nil
	}

	count, err := p.store.CountClaims(ctx, guildID, userID)
	if err != nil {
		return fmt.Errorf("error counting claims: %w", err)
	}
	if count >= limit {
		p.logger.DebugContext(
			ctx,
			"claim quota reached",
			"guild_id", guildID,
			"user_id", userID,
			"count", count,
			"limit", limit,
		)
		return ErrQuotaExceeded
	}
	return nil
}

func (p *ClaimPolicy) getRecord(ctx context.Context, guildID, threadID string) (
	ClaimRecord,
	bool,
	error,
) {
	rec, err := p.store.GetRecord(ctx, guildID, threadID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return rec, false, nil
		}
		return rec, false, fmt.Errorf("error getting claim record: %w", err)
	}
	return rec, true, nil
}

// CanClaim checks, in order: that the guild has a limit configured, that
// userID is under that limit, and that the thread isn't already claimed.
func (p *ClaimPolicy) CanClaim(ctx context.Context, guildID, userID, threadID string) error {
	if err := p.checkQuota(ctx, guildID, userID); err != nil {
		return err
	}
	rec, found, err := p.getRecord(ctx, guildID, threadID)
	if err != nil {
		return err
	}
	if found && rec.Claimed() {
		return ErrAlreadyClaimed
	}
	return nil
}

// Claim runs CanClaim, then claims the thread for userID. The final
// write only succeeds if the thread is still unclaimed, so concurrent
// claims on the same thread produce a single winner.
func (p *ClaimPolicy) Claim(ctx context.Context, guildID, userID, threadID string) (
	ClaimRecord,
	error,
) {
	if err := p.CanClaim(ctx, guildID, userID, threadID); err != nil {
		return ClaimRecord{}, err
	}
	rec, err := p.store.ClaimIfUnclaimed(ctx, guildID, threadID, userID)
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			return rec, ErrAlreadyClaimed
		}
		return rec, fmt.Errorf("error claiming thread: %w", err)
	}
	p.logger.InfoContext(
		ctx,
		"thread claimed",
		"guild_id", guildID,
		"thread_id", threadID,
		"user_id", userID,
	)
	return rec, nil
}

// CanForceClaim checks the quota of targetID. Existing claims on the
// thread are ignored, as they will be overwritten.
func (p *ClaimPolicy) CanForceClaim(
	ctx context.Context,
	guildID, actorID, targetID, threadID string,
) error {
	p.logger.DebugContext(
		ctx,
		"checking force claim",
		"guild_id", guildID,
		"actor_id", actorID,
		"target_id", targetID,
		"thread_id", threadID,
	)
	return p.checkQuota(ctx, guildID, targetID)
}

// ForceClaim replaces the thread's claimers with targetID.
func (p *ClaimPolicy) ForceClaim(
	ctx context.Context,
	guildID, actorID, targetID, threadID string,
) (ClaimRecord, error) {
	if err := p.CanForceClaim(ctx, guildID, actorID, targetID, threadID); err != nil {
		return ClaimRecord{}, err
	}
	rec, err := p.store.UpsertRecord(ctx, guildID, threadID, []string{targetID})
	if err != nil {
		return rec, fmt.Errorf("error force claiming thread: %w", err)
	}
	p.logger.InfoContext(
		ctx,
		"thread force claimed",
		"guild_id", guildID,
		"thread_id", threadID,
		"actor_id", actorID,
		"target_id", targetID,
	)
	return rec, nil
}

// CanUnclaim allows the request only if userID is a current claimer.
func (p *ClaimPolicy) CanUnclaim(ctx context.Context, guildID, userID, threadID string) error {
	rec, found, err := p.getRecord(ctx, guildID, threadID)
	if err != nil {
		return err
	}
	if !found || !rec.HasClaimer(userID) {
		return ErrNotClaimedByActor
	}
	return nil
}

// Unclaim removes userID from the thread's claimers.
func (p *ClaimPolicy) Unclaim(ctx context.Context, guildID, userID, threadID string) error {
	if err := p.CanUnclaim(ctx, guildID, userID, threadID); err != nil {
		return err
	}
	if err := p.store.RemoveClaimer(ctx, guildID, threadID, userID); err != nil {
		return fmt.Errorf("error removing claimer: %w", err)
	}
	p.logger.InfoContext(
		ctx,
		"thread unclaimed",
		"guild_id", guildID,
		"thread_id", threadID,
		"user_id", userID,
	)
	return nil
}

// CanReply decides whether actorID may send a reply into the thread.
// Unclaimed threads are open to everyone. Claimed threads accept
// replies from automated actors, from claimers, and from members
// holding a bypass role.
func (p *ClaimPolicy) CanReply(
	ctx context.Context,
	guildID, actorID, threadID string,
	actorRoleIDs []string,
	automated bool,
) error {
	rec, found, err := p.getRecord(ctx, guildID, threadID)
	if err != nil {
		return err
	}
	if !found || !rec.Claimed() {
		return nil
	}
	if automated || rec.HasClaimer(actorID) {
		return nil
	}
	if len(actorRoleIDs) > 0 {
		cfg, cfgErr := p.store.GetConfig(ctx, guildID)
		switch {
		case cfgErr == nil:
			if cfg.HasBypassRole(actorRoleIDs...) {
				return nil
			}
		case !errors.Is(cfgErr, ErrRecordNotFound):
			return fmt.Errorf("error getting guild config: %w", cfgErr)
		}
	}
	return ErrClaimedByOther
}

// UserClaims returns the records in the guild claimed by userID.
func (p *ClaimPolicy) UserClaims(ctx context.Context, guildID, userID string) (
	[]ClaimRecord,
	error,
) {
	var claimed []ClaimRecord
	err := p.store.ListRecords(
		ctx, guildID, func(r ClaimRecord) error {
			if r.HasClaimer(userID) {
				claimed = append(claimed, r)
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error listing claims: %w", err)
	}
	return claimed, nil
}

// AddBypassRoles adds roleIDs to the guild's bypass list and returns the
// updated list.
func (p *ClaimPolicy) AddBypassRoles(ctx context.Context, guildID string, roleIDs ...string) (
	[]string,
	error,
) {
	cfg, err := p.store.AddBypassRoles(ctx, guildID, roleIDs...)
	if err != nil {
		return nil, fmt.Errorf("error adding bypass roles: %w", err)
	}
	return cfg.BypassRoles, nil
}

// RemoveBypassRole removes roleID from the guild's bypass list and
// returns the updated list.
func (p *ClaimPolicy) RemoveBypassRole(ctx context.Context, guildID, roleID string) (
	[]string,
	error,
) {
	cfg, err := p.store.RemoveBypassRole(ctx, guildID, roleID)
	if err != nil {
		if errors.Is(err, ErrNotInBypassList) {
			return nil, notInBypassList(roleID)
		}
		return nil, fmt.Errorf("error removing bypass role: %w", err)
	}
	return cfg.BypassRoles, nil
}

// SetLimit sets the maximum number of threads a user may claim at once
// in the guild. 0 means unlimited.
func (p *ClaimPolicy) SetLimit(ctx context.Context, guildID string, limit int) error {
	if limit < 0 {
		return errInvalidLimit
	}
	if err := p.store.SetLimit(ctx, guildID, limit); err != nil {
		return fmt.Errorf("error setting limit: %w", err)
	}
	p.logger.InfoContext(ctx, "claim limit updated", "guild_id", guildID, "limit", limit)
	return nil
}
