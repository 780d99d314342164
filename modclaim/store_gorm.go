package modclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnGuildID      = "guild_id"
	columnThreadID     = "thread_id"
	columnUserID       = "user_id"
	columnRoleID       = "role_id"
	columnClaimerCount = "claimer_count"
	columnClaimLimit   = "claim_limit"
	listBatchSize      = 100
)

// ThreadClaim is the claim record for a thread. ClaimerCount mirrors the
// number of [ThreadClaimer] rows, so claims can be taken with a
// single conditional update.
type ThreadClaim struct {
	ModelUintID
	GuildID      string `gorm:"uniqueIndex:idx_thread_claim;not null" json:"guild_id"`
	ThreadID     string `gorm:"uniqueIndex:idx_thread_claim;not null" json:"thread_id"`
	ClaimerCount int    `gorm:"not null;default:0" json:"claimer_count"`
	ModelUnixTime
}

// ThreadClaimer is a single claimer of a thread
type ThreadClaimer struct {
	ModelUintID
	GuildID   string `gorm:"uniqueIndex:idx_thread_claimer;index:idx_claimer_user;not null" json:"guild_id"`
	ThreadID  string `gorm:"uniqueIndex:idx_thread_claimer;not null" json:"thread_id"`
	UserID    string `gorm:"uniqueIndex:idx_thread_claimer;index:idx_claimer_user;not null" json:"user_id"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

// GuildClaimConfig holds a guild's claim limit. A NULL ClaimLimit means
// the limit hasn't been set.
type GuildClaimConfig struct {
	GuildID    string `gorm:"primaryKey" json:"guild_id"`
	ClaimLimit *int   `json:"claim_limit"`
	ModelUnixTime
}

type GuildBypassRole struct {
	ModelUintID
	GuildID   string `gorm:"uniqueIndex:idx_bypass_role;not null" json:"guild_id"`
	RoleID    string `gorm:"uniqueIndex:idx_bypass_role;not null" json:"role_id"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

type ThreadSubscription struct {
	ModelUintID
	GuildID   string `gorm:"uniqueIndex:idx_thread_subscription;not null" json:"guild_id"`
	ThreadID  string `gorm:"uniqueIndex:idx_thread_subscription;not null" json:"thread_id"`
	UserID    string `gorm:"uniqueIndex:idx_thread_subscription;not null" json:"user_id"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

// GormStore is a [Store] backed by SQLite or PostgreSQL via gorm.
type GormStore struct {
	db     DBI
	logger *slog.Logger
}

func NewGormStore(db DBI, logger *slog.Logger) *GormStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GormStore{db: db, logger: logger.With(loggerNameKey, "gorm_store")}
}

func threadScope(guildID, threadID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("guild_id = ? AND thread_id = ?", guildID, threadID)
	}
}

func (s *GormStore) read(ctx context.Context) *gorm.DB {
	return s.db.DB().WithContext(ctx)
}

func loadClaimers(db *gorm.DB, guildID, threadID string) ([]string, error) {
	var claimers []string
	err := db.Model(&ThreadClaimer{}).
		Scopes(threadScope(guildID, threadID)).
		Order("id").
		Pluck(columnUserID, &claimers).Error
	return claimers, err
}

func getRecord(db *gorm.DB, guildID, threadID string) (ClaimRecord, error) {
	rec := ClaimRecord{GuildID: guildID, ThreadID: threadID}
	var claim ThreadClaim
	err := db.Scopes(threadScope(guildID, threadID)).Take(&claim).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rec, ErrRecordNotFound
		}
		return rec, err
	}
	claimers, err := loadClaimers(db, guildID, threadID)
	if err != nil {
		return rec, err
	}
	rec.Claimers = claimers
	return rec, nil
}

func ensureThreadClaim(tx *gorm.DB, guildID, threadID string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ThreadClaim{GuildID: guildID, ThreadID: threadID}).Error
}

func (s *GormStore) GetRecord(ctx context.Context, guildID, threadID string) (
	ClaimRecord,
	error,
) {
	return getRecord(s.read(ctx), guildID, threadID)
}

func (s *GormStore) UpsertRecord(
	ctx context.Context,
	guildID, threadID string,
	claimers []string,
) (ClaimRecord, error) {
	claimers = addUnique(nil, claimers...)
	var rec ClaimRecord
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := ensureThreadClaim(tx, guildID, threadID); err != nil {
				return err
			}
			if err := tx.Scopes(threadScope(guildID, threadID)).Delete(&ThreadClaimer{}).Error; err != nil {
				return err
			}
			for _, userID := range claimers {
				c := &ThreadClaimer{GuildID: guildID, ThreadID: threadID, UserID: userID}
				if err := tx.Create(c).Error; err != nil {
					return err
				}
			}
			err := tx.Model(&ThreadClaim{}).
				Scopes(threadScope(guildID, threadID)).
				Update(columnClaimerCount, len(claimers)).Error
			if err != nil {
				return err
			}
			var e error
			rec, e = getRecord(tx, guildID, threadID)
			return e
		},
	)
	return rec, err
}

func (s *GormStore) ClaimIfUnclaimed(
	ctx context.Context,
	guildID, threadID, userID string,
) (ClaimRecord, error) {
	var rec ClaimRecord
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := ensureThreadClaim(tx, guildID, threadID); err != nil {
				return err
			}
			rv := tx.Model(&ThreadClaim{}).
				Scopes(threadScope(guildID, threadID)).
				Where("claimer_count = 0").
				Update(columnClaimerCount, 1)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return ErrAlreadyClaimed
			}
			c := &ThreadClaimer{GuildID: guildID, ThreadID: threadID, UserID: userID}
			if err := tx.Create(c).Error; err != nil {
				return err
			}
			rec = ClaimRecord{GuildID: guildID, ThreadID: threadID, Claimers: []string{userID}}
			return nil
		},
	)
	return rec, err
}

func (s *GormStore) AddClaimer(ctx context.Context, guildID, threadID, userID string) error {
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := ensureThreadClaim(tx, guildID, threadID); err != nil {
				return err
			}
			rv := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(
				&ThreadClaimer{GuildID: guildID, ThreadID: threadID, UserID: userID},
			)
			if rv.Error != nil || rv.RowsAffected == 0 {
				return rv.Error
			}
			return tx.Model(&ThreadClaim{}).
				Scopes(threadScope(guildID, threadID)).
				Update(columnClaimerCount, gorm.Expr("claimer_count + 1")).Error
		},
	)
}

func (s *GormStore) RemoveClaimer(ctx context.Context, guildID, threadID, userID string) error {
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Scopes(threadScope(guildID, threadID)).
				Where("user_id = ?", userID).
				Delete(&ThreadClaimer{})
			if rv.Error != nil || rv.RowsAffected == 0 {
				return rv.Error
			}
			return tx.Model(&ThreadClaim{}).
				Scopes(threadScope(guildID, threadID)).
				Where("claimer_count > 0").
				Update(columnClaimerCount, gorm.Expr("claimer_count - 1")).Error
		},
	)
}

func (s *GormStore) DeleteRecord(ctx context.Context, guildID, threadID string) (bool, error) {
	var deleted bool
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Scopes(threadScope(guildID, threadID)).Delete(&ThreadClaimer{}).Error; err != nil {
				return err
			}
			if err := tx.Scopes(threadScope(guildID, threadID)).Delete(&ThreadSubscription{}).Error; err != nil {
				return err
			}
			rv := tx.Scopes(threadScope(guildID, threadID)).Delete(&ThreadClaim{})
			deleted = rv.RowsAffected > 0
			return rv.Error
		},
	)
	return deleted, err
}

func (s *GormStore) ListRecords(
	ctx context.Context,
	guildID string,
	fn func(ClaimRecord) error,
) error {
	var batch []ThreadClaim
	var fnErr error
	rv := s.read(ctx).Where("guild_id = ?", guildID).FindInBatches(
		&batch, listBatchSize, func(_ *gorm.DB, _ int) error {
			threadIDs := make([]string, len(batch))
			for i, c := range batch {
				threadIDs[i] = c.ThreadID
			}
			var claimers []ThreadClaimer
			err := s.read(ctx).
				Where("guild_id = ? AND thread_id IN ?", guildID, threadIDs).
				Order("id").
				Find(&claimers).Error
			if err != nil {
				return err
			}
			byThread := make(map[string][]string, len(batch))
			for _, c := range claimers {
				byThread[c.ThreadID] = append(byThread[c.ThreadID], c.UserID)
			}
			for _, c := range batch {
				rec := ClaimRecord{GuildID: guildID, ThreadID: c.ThreadID, Claimers: byThread[c.ThreadID]}
				if err = fn(rec); err != nil {
					fnErr = err
					return err
				}
			}
			return nil
		},
	)
	if fnErr != nil {
		return fnErr
	}
	return rv.Error
}

func (s *GormStore) CountClaims(ctx context.Context, guildID, userID string) (int, error) {
	var count int64
	err := s.read(ctx).Model(&ThreadClaimer{}).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Count(&count).Error
	return int(count), err
}

func (s *GormStore) ListGuilds(ctx context.Context) ([]string, error) {
	var guildIDs []string
	err := s.read(ctx).Model(&ThreadClaim{}).Distinct(columnGuildID).Pluck(columnGuildID, &guildIDs).Error
	return guildIDs, err
}

func getConfig(db *gorm.DB, guildID string) (GuildConfig, error) {
	cfg := GuildConfig{GuildID: guildID}
	var row GuildClaimConfig
	if err := db.Where("guild_id = ?", guildID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return cfg, ErrRecordNotFound
		}
		return cfg, err
	}
	cfg.Limit = row.ClaimLimit
	err := db.Model(&GuildBypassRole{}).
		Where("guild_id = ?", guildID).
		Order("id").
		Pluck(columnRoleID, &cfg.BypassRoles).Error
	return cfg, err
}

func ensureGuildConfig(tx *gorm.DB, guildID string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&GuildClaimConfig{GuildID: guildID}).Error
}

func (s *GormStore) GetConfig(ctx context.Context, guildID string) (GuildConfig, error) {
	return getConfig(s.read(ctx), guildID)
}

func (s *GormStore) SetConfig(ctx context.Context, cfg GuildConfig) error {
	if cfg.Limit != nil && *cfg.Limit < 0 {
		return errInvalidLimit
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			row := &GuildClaimConfig{GuildID: cfg.GuildID, ClaimLimit: cfg.Limit}
			err := tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: columnGuildID}},
					DoUpdates: clause.AssignmentColumns([]string{columnClaimLimit, "updated_at"}),
				},
			).Create(row).Error
			if err != nil {
				return err
			}
			if err = tx.Where("guild_id = ?", cfg.GuildID).Delete(&GuildBypassRole{}).Error; err != nil {
				return err
			}
			for _, roleID := range addUnique(nil, cfg.BypassRoles...) {
				if err = tx.Create(&GuildBypassRole{GuildID: cfg.GuildID, RoleID: roleID}).Error; err != nil {
					return err
				}
			}
			return nil
		},
	)
}

func (s *GormStore) SetLimit(ctx context.Context, guildID string, limit int) error {
	if limit < 0 {
		return errInvalidLimit
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := ensureGuildConfig(tx, guildID); err != nil {
				return err
			}
			return tx.Model(&GuildClaimConfig{}).
				Where("guild_id = ?", guildID).
				Update(columnClaimLimit, limit).Error
		},
	)
}

func (s *GormStore) AddBypassRoles(
	ctx context.Context,
	guildID string,
	roleIDs ...string,
) (GuildConfig, error) {
	var cfg GuildConfig
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := ensureGuildConfig(tx, guildID); err != nil {
				return err
			}
			for _, roleID := range addUnique(nil, roleIDs...) {
				err := tx.Clauses(clause.OnConflict{DoNothing: true}).
					Create(&GuildBypassRole{GuildID: guildID, RoleID: roleID}).Error
				if err != nil {
					return err
				}
			}
			var e error
			cfg, e = getConfig(tx, guildID)
			return e
		},
	)
	return cfg, err
}

func (s *GormStore) RemoveBypassRole(
	ctx context.Context,
	guildID, roleID string,
) (GuildConfig, error) {
	var cfg GuildConfig
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Where("guild_id = ? AND role_id = ?", guildID, roleID).Delete(&GuildBypassRole{})
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return notInBypassList(roleID)
			}
			var e error
			cfg, e = getConfig(tx, guildID)
			return e
		},
	)
	return cfg, err
}

func (s *GormStore) ToggleSubscription(
	ctx context.Context,
	guildID, threadID, userID string,
) (bool, error) {
	var subscribed bool
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Scopes(threadScope(guildID, threadID)).
				Where("user_id = ?", userID).
				Delete(&ThreadSubscription{})
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected > 0 {
				return nil
			}
			subscribed = true
			return tx.Create(
				&ThreadSubscription{GuildID: guildID, ThreadID: threadID, UserID: userID},
			).Error
		},
	)
	return subscribed, err
}

func (s *GormStore) Subscribers(ctx context.Context, guildID, threadID string) (
	[]string,
	error,
) {
	var userIDs []string
	err := s.read(ctx).Model(&ThreadSubscription{}).
		Scopes(threadScope(guildID, threadID)).
		Order("id").
		Pluck(columnUserID, &userIDs).Error
	if err != nil {
		return nil, fmt.Errorf("error listing subscribers: %w", err)
	}
	return userIDs, nil
}

// Close is a no-op, as the database is shared with the rest of the bot.
func (s *GormStore) Close(context.Context) error {
	return nil
}
