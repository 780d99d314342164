//nolint:lll // struct tags can't be split
package modclaim

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix     = "MODCLAIM_ENV_PREFIX"
	DefaultEnvPrefix       = "DC"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "modclaim.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	ClaimBackendGorm  = "gorm"
	ClaimBackendRedis = "redis"
	ClaimBackendMongo = "mongo"

	DefaultClaimBackend          = ClaimBackendGorm
	DefaultClaimSweepInterval    = 6 * time.Hour
	DefaultClaimSweepConcurrency = defaultSweepConcurrency
	DefaultMongoDatabase         = "modmail_bot"

	DefaultReadTimeout                       = 5 * time.Second
	DefaultReadHeaderTimeout                 = 5 * time.Second
	DefaultWriteTimeout                      = 10 * time.Second
	DefaultIdleTimeout                       = 30 * time.Second
	DefaultDiscordWebhookServerListen        = "127.0.0.1:5001"
	DefaultDiscordWebhookServerTLSminVersion = tls.VersionTLS12
	DefaultDiscordGatewayIntent              = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages

	DefaultDiscordWebhookLogLevel = slog.LevelInfo
	DefaultDiscordLogLevel        = slog.LevelWarn
	DefaultDiscordErrorMessage    = "sorry, something went wrong!"
	DefaultDiscordCustomStatus    = "/claim a ticket"
	DefaultDiscordStartupMessage  = "I'm here!"
	discordMaxMessageLength       = 2000
	DefaultAPIListen              = "127.0.0.1:5000"
	DefaultUITLSMinVersion        = tls.VersionTLS12
	DefaultAPISessionMaxAge       = 6 * time.Hour

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultClaimsLogLevel          = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultSettingsTTL = 5 * time.Minute
)

type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// structValidator validates [Config] and API payloads, using the
// `binding` tag (the same tag gin uses)
var structValidator = validator.New()

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Claims configures claim storage and cleanup
	Claims *ClaimsConfig `yaml:"claims" mapstructure:"claims" json:"claims" binding:"required"`

	// Permissions maps permission levels to Discord role IDs
	Permissions *PermissionsConfig `yaml:"permissions" mapstructure:"permissions" json:"permissions" binding:"required"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// SettingsTTL sets how often [Settings] are reloaded from the
	// database, for deployments with multiple instances. 0 disables
	// periodic reloads. Under PostgreSQL, LISTEN/NOTIFY is also used
	// to announce updates.
	SettingsTTL time.Duration `yaml:"settings_ttl" mapstructure:"settings_ttl" json:"settings_ttl"`

	HTTPClient *http.Client `mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// ClaimsConfig configures where claims are stored and how stale claims
// are cleaned up.
type ClaimsConfig struct {
	// Backend is one of 'gorm' (the bot's own database), 'redis' or 'mongo'
	Backend string `yaml:"backend" mapstructure:"backend" json:"backend" binding:"oneof=gorm redis mongo"`

	// RedisURL is the redis server URL, ex: redis://localhost:6379/0
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url" json:"redis_url" log:"[redacted]" binding:"required_if=Backend redis"`

	// RedisKeyPrefix is prepended to every redis key
	RedisKeyPrefix string `yaml:"redis_key_prefix" mapstructure:"redis_key_prefix" json:"redis_key_prefix"`

	// MongoURI is the MongoDB connection string
	MongoURI string `yaml:"mongo_uri" mapstructure:"mongo_uri" json:"mongo_uri" log:"[redacted]" binding:"required_if=Backend mongo"`

	// MongoDatabase is the MongoDB database holding the claim collections
	MongoDatabase string `yaml:"mongo_database" mapstructure:"mongo_database" json:"mongo_database" binding:"required_if=Backend mongo"`

	// ConfigCacheSize is the number of guild configs to keep cached.
	// 0 disables the cache.
	ConfigCacheSize int `yaml:"config_cache_size" mapstructure:"config_cache_size" json:"config_cache_size"`

	// ConfigCacheTTL is how long a cached guild config is trusted.
	// Writes made by another process are seen after at most this long.
	ConfigCacheTTL time.Duration `yaml:"config_cache_ttl" mapstructure:"config_cache_ttl" json:"config_cache_ttl"`

	// SweepInterval is how often stale claims are removed for every
	// guild. 0 disables the periodic sweep.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval"`

	// SweepConcurrency limits concurrent thread lookups during a sweep
	SweepConcurrency int `yaml:"sweep_concurrency" mapstructure:"sweep_concurrency" json:"sweep_concurrency" binding:"min=1,max=50"`

	// LogLevel is the log level for claim storage and policy
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// PermissionsConfig maps each [PermissionLevel] to the roles granting
// it. Higher levels include the lower ones, and members with the
// Administrator permission are always [PermissionAdmin].
type PermissionsConfig struct {
	SupporterRoles []string `yaml:"supporter_roles" mapstructure:"supporter_roles" json:"supporter_roles"`
	ModeratorRoles []string `yaml:"moderator_roles" mapstructure:"moderator_roles" json:"moderator_roles"`
	AdminRoles     []string `yaml:"admin_roles" mapstructure:"admin_roles" json:"admin_roles"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// Required when receiving webhook events rather than websockets
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	// GuildID is the modmail guild. Slash commands are registered to it,
	// and claim events from other guilds are ignored. Leave empty to
	// register global commands and serve every guild.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// ModmailCategoryID is the category modmail threads are created in.
	// If empty, any channel whose topic includes a recipient user ID is
	// treated as a thread.
	ModmailCategoryID string `yaml:"modmail_category_id" mapstructure:"modmail_category_id" json:"modmail_category_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If set, and [Settings.DiscordNotificationChannelID] is set, the
	// bot sends this message to that channel when it connects to the
	// gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig configures the optional server receiving
// Discord interactions over HTTP.
type DiscordWebhookServerConfig struct {
	// Determines if the webhook server should be active.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,omitempty,hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	// The logging level for the webhook server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`
}

// APIConfig configures the backend API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,omitempty,hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_if=Enabled true"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"required_if=Enabled true"`

	// If true, the SameSite attribute of the session cookie will be set to 'None'
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string{}, DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string{}, DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return lv
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		SettingsTTL:           DefaultSettingsTTL,
		Claims: &ClaimsConfig{
			Backend:          DefaultClaimBackend,
			RedisKeyPrefix:   defaultRedisKeyPrefix,
			MongoDatabase:    DefaultMongoDatabase,
			ConfigCacheSize:  DefaultConfigCacheSize,
			ConfigCacheTTL:   DefaultConfigCacheTTL,
			SweepInterval:    DefaultClaimSweepInterval,
			SweepConcurrency: DefaultClaimSweepConcurrency,
			LogLevel:         newLevelVar(DefaultClaimsLogLevel),
		},
		Permissions: &PermissionsConfig{},
		Discord: &DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{
				Enabled:       false,
				Listen:        DefaultDiscordWebhookServerListen,
				ListenNetwork: defaultListenNetwork,
				SSL: SSLConfig{
					TLSMinVersion: DefaultDiscordWebhookServerTLSminVersion,
				},
				LogLevel:          newLevelVar(DefaultDiscordWebhookLogLevel),
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}

// validateAPIConfig bounds the session cookie lifetime when the API
// server is enabled
func validateAPIConfig(sl validator.StructLevel) {
	value, ok := sl.Current().Interface().(APIConfig)
	if !ok || !value.Enabled {
		return
	}
	if value.SessionMaxAge < 10*time.Minute || value.SessionMaxAge > 24*time.Hour {
		sl.ReportError(
			value.SessionMaxAge,
			"SessionMaxAge",
			"session_max_age",
			"session_max_age",
			"",
		)
	}
}

// validateClaimsConfig rejects negative sweep intervals and cache settings
func validateClaimsConfig(sl validator.StructLevel) {
	value, ok := sl.Current().Interface().(ClaimsConfig)
	if !ok {
		return
	}
	if value.SweepInterval < 0 {
		sl.ReportError(value.SweepInterval, "SweepInterval", "sweep_interval", "gte", "0")
	}
	if value.ConfigCacheSize < 0 {
		sl.ReportError(value.ConfigCacheSize, "ConfigCacheSize", "config_cache_size", "gte", "0")
	}
	if value.ConfigCacheTTL < 0 {
		sl.ReportError(value.ConfigCacheTTL, "ConfigCacheTTL", "config_cache_ttl", "gte", "0")
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateAPIConfig, APIConfig{})
	structValidator.RegisterStructValidation(validateClaimsConfig, ClaimsConfig{})
}
