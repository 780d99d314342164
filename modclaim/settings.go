package modclaim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

var (
	columnSettingsAdminUsername      = "admin_username"
	columnSettingsAdminPassword      = "admin_password"
	columnSettingsCommandsRegistered = "commands_registered"
)

// Settings holds bot settings that can be changed while the bot is
// running, and are persisted across restarts. There is a single row.
//
//nolint:lll // struct tags can't be split
type Settings struct {
	ModelUintID
	ModelUnixTime

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	// DiscordNotificationChannelID is where claim notifications and the
	// startup message are sent. Empty disables channel notifications.
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// DiscordCustomStatus is the custom status message displayed for the bot
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// DiscordErrorMessage is shown to users when a command fails for a
	// reason other than a claim denial
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string" binding:"max=2000"`

	// RecoverPanic recovers panics raised by command handlers, rather
	// than crashing the bot
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// CommandsRegistered is set after slash commands were registered
	// with discord
	CommandsRegistered bool `json:"commands_registered" gorm:"not null;default:false"`

	LogLevel               DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	ClaimsLogLevel         DBLogLevel `gorm:"default:INFO;type:string;check:claims_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"claims_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_webhook_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_webhook_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (Settings) TableName() string {
	return "settings"
}

func (s Settings) LogValue() slog.Value {
	return structToSlogValue(s)
}

// DefaultSettings returns the settings a fresh database starts with
func DefaultSettings() Settings {
	return Settings{
		DiscordCustomStatus:    DefaultDiscordCustomStatus,
		DiscordErrorMessage:    DefaultDiscordErrorMessage,
		LogLevel:               DBLogLevelInfo,
		ClaimsLogLevel:         DBLogLevelInfo,
		DiscordLogLevel:        DBLogLevelInfo,
		DiscordGoLogLevel:      DBLogLevelWarn,
		DatabaseLogLevel:       DBLogLevelInfo,
		DiscordWebhookLogLevel: DBLogLevelInfo,
		APILogLevel:            DBLogLevelInfo,
	}
}

// SettingsUpdate is a partial update to [Settings]. Nil fields are
// left unchanged.
//
//nolint:lll // can't break tags
type SettingsUpdate struct {
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty" binding:"omitnil,omitempty,numeric"`

	LogLevel               *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	ClaimsLogLevel         *DBLogLevel `json:"claims_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel *DBLogLevel `json:"discord_webhook_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// columns returns the update as a column/value map for gorm, omitting
// nil fields
func (u SettingsUpdate) columns() (map[string]any, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	var updates map[string]any
	if err = json.Unmarshal(data, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// loadSettings returns the settings row, creating it with
// [DefaultSettings] if it doesn't exist yet
func loadSettings(ctx context.Context, db DBI) (Settings, error) {
	var settings Settings
	err := db.DB().WithContext(ctx).Last(&settings).Error
	switch {
	case err == nil:
		return settings, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		settings = DefaultSettings()
		if _, err = db.Create(ctx, &settings); err != nil {
			return settings, fmt.Errorf("error creating settings: %w", err)
		}
		return settings, nil
	default:
		return settings, fmt.Errorf("error loading settings: %w", err)
	}
}

// updateSettings applies the update to the given settings row, and
// validates the result. On error, the row is left unchanged.
func updateSettings(
	ctx context.Context,
	db DBI,
	settings *Settings,
	update SettingsUpdate,
) error {
	updates, err := update.columns()
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}
	rollback := *settings
	err = db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if e := tx.Model(settings).Updates(updates).Error; e != nil {
				return e
			}
			return structValidator.Struct(settings)
		},
	)
	if err != nil {
		*settings = rollback
		return err
	}
	return nil
}

// setAdminCredentials sets the admin username and (hashed) password
func setAdminCredentials(
	ctx context.Context,
	db DBI,
	settings *Settings,
	username, password string,
) error {
	hashed, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	_, err = db.Updates(
		ctx,
		settings,
		map[string]any{
			columnSettingsAdminUsername: username,
			columnSettingsAdminPassword: hashed,
		},
	)
	return err
}
