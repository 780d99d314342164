package modclaim

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DefaultTestConfig returns a valid config using a sqlite database in
// a temporary directory, with quiet loggers
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", name))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.SettingsTTL = 0

	cfg.Discord.Token = "test-discord-token"
	cfg.Discord.ApplicationID = "123456789012345678"
	cfg.Discord.GuildID = testGuildID
	cfg.Discord.ModmailCategoryID = testCategoryID

	cfg.Claims.SweepInterval = 0

	cfg.Permissions.SupporterRoles = []string{testSupporterRole}
	cfg.Permissions.ModeratorRoles = []string{testModeratorRole}
	cfg.Permissions.AdminRoles = []string{testAdminRole}

	cfg.API.Secret = "aksdfjakjsfdajfefIJHShi sfEISHSIDF HSIHDF"
	cfg.API.CORS.AllowOrigins = []string{"*"}

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.Claims.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.Discord.WebhookServer.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}

func TestDefaultTestConfig_Valid(t *testing.T) {
	t.Parallel()
	require.NoError(t, structValidator.Struct(DefaultTestConfig(t)))
}

func TestDefaultConfig_RequiresCredentials(t *testing.T) {
	t.Parallel()
	err := structValidator.Struct(DefaultConfig())
	require.Error(t, err)

	var validationErrs validator.ValidationErrors
	require.True(t, errors.As(err, &validationErrs))
	var fields []string
	for _, e := range validationErrs {
		fields = append(fields, e.Field())
	}
	assert.Contains(t, fields, "Token")
	assert.Contains(t, fields, "ApplicationID")
}

func TestConfig_Validation(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		modify func(cfg *Config)
		valid  bool
	}{
		{
			name:   "session max age too short",
			modify: func(cfg *Config) { cfg.API.SessionMaxAge = time.Minute },
		},
		{
			name:   "session max age too long",
			modify: func(cfg *Config) { cfg.API.SessionMaxAge = 48 * time.Hour },
		},
		{
			name: "session max age ignored when disabled",
			modify: func(cfg *Config) {
				cfg.API.Enabled = false
				cfg.API.SessionMaxAge = 0
			},
			valid: true,
		},
		{
			name:   "unknown database type",
			modify: func(cfg *Config) { cfg.DatabaseType = "mysql" },
		},
		{
			name:   "unknown claim backend",
			modify: func(cfg *Config) { cfg.Claims.Backend = "etcd" },
		},
		{
			name:   "redis without url",
			modify: func(cfg *Config) { cfg.Claims.Backend = ClaimBackendRedis },
		},
		{
			name: "redis with url",
			modify: func(cfg *Config) {
				cfg.Claims.Backend = ClaimBackendRedis
				cfg.Claims.RedisURL = "redis://localhost:6379/0"
			},
			valid: true,
		},
		{
			name:   "mongo without uri",
			modify: func(cfg *Config) { cfg.Claims.Backend = ClaimBackendMongo },
		},
		{
			name:   "negative sweep interval",
			modify: func(cfg *Config) { cfg.Claims.SweepInterval = -time.Second },
		},
		{
			name:   "negative cache size",
			modify: func(cfg *Config) { cfg.Claims.ConfigCacheSize = -1 },
		},
		{
			name:   "negative cache ttl",
			modify: func(cfg *Config) { cfg.Claims.ConfigCacheTTL = -time.Second },
		},
		{
			name:   "sweep concurrency out of range",
			modify: func(cfg *Config) { cfg.Claims.SweepConcurrency = 0 },
		},
		{
			name: "webhook server without public key",
			modify: func(cfg *Config) {
				cfg.Discord.WebhookServer.Enabled = true
			},
		},
		{
			name:   "bad listen network",
			modify: func(cfg *Config) { cfg.API.ListenNetwork = "udp" },
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				err := structValidator.Struct(cfg)
				if tc.valid {
					assert.NoError(t, err)
				} else {
					assert.Error(t, err)
				}
			},
		)
	}
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database type")
}

func TestNew_InvalidPublicKey(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.WebhookServer.PublicKey = "not-hex"
	_, err := New(cfg)
	require.Error(t, err)
}

func TestConfig_LogValueRedacted(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Claims.RedisURL = "redis://:hunter2@localhost:6379/0"

	attrs := map[string]slog.Value{}
	for _, a := range cfg.LogValue().Group() {
		attrs[a.Key] = a.Value
	}
	require.Contains(t, attrs, "database")
	assert.Equal(t, "[redacted]", attrs["database"].String())

	claims := map[string]string{}
	for _, a := range attrs["claims"].Group() {
		claims[a.Key] = a.Value.String()
	}
	assert.Equal(t, "[redacted]", claims["redis_url"])
	assert.Equal(t, ClaimBackendGorm, claims["backend"])
}
