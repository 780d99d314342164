package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/modclaim/modclaim"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = modclaim.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"claims.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"api.log_level",
}

// stringSliceKeys are split on whitespace when set from the environment
var stringSliceKeys = []string{
	"permissions.supporter_roles",
	"permissions.moderator_roles",
	"permissions.admin_roles",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "modclaim [flags]",
	Short: "Modmail thread claims for Discord support teams",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cfg)
	},
}

// loadConfig decodes the current viper settings into c
func loadConfig(c *modclaim.Config) error {
	err := viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	return nil
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names into a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	// overrides from a previous run would otherwise shadow the environment
	viper.Reset()

	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else if err := godotenv.Load(configFile); err != nil {
		log.Printf("error loading %s: %v", configFile, err)
	}

	envPrefix := os.Getenv(modclaim.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = modclaim.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	defaults := modclaim.DefaultConfig()

	viper.SetDefault("database", defaults.Database)
	viper.SetDefault("database_type", defaults.DatabaseType)
	viper.SetDefault("database_slow_threshold", defaults.DatabaseSlowThreshold)
	viper.SetDefault("database_log_level", defaults.DatabaseLogLevel.Level().String())
	viper.SetDefault("log_level", defaults.LogLevel.Level().String())
	viper.SetDefault("startup_timeout", defaults.StartupTimeout)
	viper.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)
	viper.SetDefault("settings_ttl", defaults.SettingsTTL)

	// Claim storage
	viper.SetDefault("claims.backend", defaults.Claims.Backend)
	viper.SetDefault("claims.redis_url", "")
	viper.SetDefault("claims.redis_key_prefix", defaults.Claims.RedisKeyPrefix)
	viper.SetDefault("claims.mongo_uri", "")
	viper.SetDefault("claims.mongo_database", defaults.Claims.MongoDatabase)
	viper.SetDefault("claims.config_cache_size", defaults.Claims.ConfigCacheSize)
	viper.SetDefault("claims.config_cache_ttl", defaults.Claims.ConfigCacheTTL)
	viper.SetDefault("claims.sweep_interval", defaults.Claims.SweepInterval)
	viper.SetDefault("claims.sweep_concurrency", defaults.Claims.SweepConcurrency)
	viper.SetDefault("claims.log_level", defaults.Claims.LogLevel.Level().String())

	// Permissions
	viper.SetDefault("permissions.supporter_roles", []string{})
	viper.SetDefault("permissions.moderator_roles", []string{})
	viper.SetDefault("permissions.admin_roles", []string{})

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.modmail_category_id", "")
	viper.SetDefault("discord.log_level", defaults.Discord.LogLevel.Level().String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		defaults.Discord.DiscordGoLogLevel.Level().String(),
	)
	viper.SetDefault("discord.gateway_intents", int(defaults.Discord.GatewayIntents))
	viper.SetDefault("discord.startup_message", defaults.Discord.StartupMessage)

	// Discord: Webhook server
	webhook := defaults.Discord.WebhookServer
	viper.SetDefault("discord.webhook_server.enabled", webhook.Enabled)
	viper.SetDefault("discord.webhook_server.listen", webhook.Listen)
	viper.SetDefault("discord.webhook_server.listen_network", webhook.ListenNetwork)
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.read_timeout", webhook.ReadTimeout)
	viper.SetDefault("discord.webhook_server.read_header_timeout", webhook.ReadHeaderTimeout)
	viper.SetDefault("discord.webhook_server.write_timeout", webhook.WriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", webhook.IdleTimeout)
	viper.SetDefault("discord.webhook_server.log_level", webhook.LogLevel.Level().String())
	viper.SetDefault("discord.webhook_server.ssl.tls_min_version", webhook.SSL.TLSMinVersion)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key"))

	// API config
	api := defaults.API
	viper.SetDefault("api.enabled", api.Enabled)
	viper.SetDefault("api.listen", api.Listen)
	viper.SetDefault("api.listen_network", api.ListenNetwork)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", api.LogLevel.Level().String())
	viper.SetDefault("api.session_max_age", api.SessionMaxAge)
	viper.SetDefault("api.read_timeout", api.ReadTimeout)
	viper.SetDefault("api.read_header_timeout", api.ReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", api.WriteTimeout)
	viper.SetDefault("api.idle_timeout", api.IdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", api.SSL.TLSMinVersion)

	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", api.CORS.AllowHeaders)
	viper.SetDefault("api.cors.allow_methods", api.CORS.AllowMethods)
	viper.SetDefault("api.cors.expose_headers", api.CORS.ExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", api.CORS.MaxAge)
	viper.SetDefault("api.cors.allow_credentials", api.CORS.AllowCredentials)

	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits // cobra setup
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from",
	)
}
