package modclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const setupPollInterval = 5 * time.Second

var (
	// Set at build time:
	// -ldflags "-X github.com/arcward/modclaim/modclaim.Version=$$(git describe --tags)"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// ModClaim is the bot. It wires claim storage and policy to the
// discord session, the optional webhook interactions server, and the
// admin API.
type ModClaim struct {
	config *Config
	logger *slog.Logger

	// read connection
	db *gorm.DB

	// writes go through here, serialized under sqlite
	writeDB DBI

	dbNotifier DBNotifier
	signals    *notifySignals

	settings   *Settings
	settingsMu sync.RWMutex

	// serializes settings updates, so concurrent PATCHes don't
	// overwrite each other
	settingsWriteMu sync.Mutex

	store    Store
	cache    *CachedStore
	policy   *ClaimPolicy
	sweeper  *CleanupSweeper
	notifier Dispatchers
	commands map[string]slashCommand

	discord              *Discord
	api                  *API
	discordWebhookServer *DiscordWebhookServer

	// handles interactions received by the webhook server
	webhookInteractionHandler func(c *gin.Context)

	// getInteractionHandlerFunc returns the [InteractionHandler] for a
	// gateway interaction. Replaced in tests.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// signalStop stops Run, as with the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// eventShutdown receives a value when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time

	// Set when admin credentials haven't been configured. Run waits
	// after starting the API until they are.
	pendingSetup atomic.Bool

	commandsInProgress atomic.Int64
	commandsHandled    atomic.Int64
}

// New validates the database type and builds the bot's components
// from config. Connections aren't opened until [ModClaim.Run].
func New(config *Config) (*ModClaim, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	m := &ModClaim{
		config:        config,
		signals:       newNotifySignals(),
		signalStop:    make(chan struct{}, 1),
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	m.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     m.config.LogLevel,
				AddSource: true,
			},
		),
	)
	slog.SetDefault(m.logger)

	if config.Discord == nil {
		return m, errors.Join(append(errs, errors.New("discord config required"))...)
	}
	config.Discord.httpClient = config.HTTPClient

	disc, err := newDiscord(config.Discord)
	if err != nil {
		return m, errors.Join(append(errs, err)...)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = newComponentLogger("discord", config.Discord.LogLevel)
	disc.mc = m
	m.discord = disc

	if config.API != nil && config.API.Enabled {
		api, apiErr := newAPI(m, config.API)
		errs = append(errs, apiErr)
		m.api = api
	}

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(m, config.Discord.WebhookServer)
		errs = append(errs, e)
		m.discordWebhookServer = webhookServer
	}

	return m, errors.Join(errs...)
}

func (m *ModClaim) ValidateConfig() error {
	return structValidator.Struct(m.config)
}

// Settings returns a copy of the current settings
func (m *ModClaim) Settings() Settings {
	m.settingsMu.RLock()
	defer m.settingsMu.RUnlock()
	if m.settings == nil {
		return DefaultSettings()
	}
	return *m.settings
}

// setSettings replaces the current settings, and applies the
// log levels and custom status they carry
func (m *ModClaim) setSettings(ctx context.Context, s Settings) {
	m.settingsMu.Lock()
	prev := m.settings
	m.settings = &s
	m.settingsMu.Unlock()

	m.setLogLevels(s)
	if s.AdminUsername != "" && s.AdminPassword != "" {
		m.pendingSetup.Store(false)
	}

	statusChanged := prev == nil || prev.DiscordCustomStatus != s.DiscordCustomStatus
	if statusChanged && m.discord != nil && m.discord.connected.Load() {
		go func() {
			if err := m.discord.updateCustomStatus(s.DiscordCustomStatus); err != nil {
				m.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
			}
		}()
	}
}

// reloadSettings reads the settings row from the database
func (m *ModClaim) reloadSettings(ctx context.Context) {
	var s Settings
	if err := m.db.WithContext(ctx).Last(&s).Error; err != nil {
		m.logger.ErrorContext(ctx, "error reloading settings", tint.Err(err))
		return
	}
	m.setSettings(ctx, s)
	m.logger.DebugContext(ctx, "reloaded settings")
}

// UpdateSettings applies the update, then tells other instances sharing
// the database to reload their settings.
func (m *ModClaim) UpdateSettings(ctx context.Context, update SettingsUpdate) (Settings, error) {
	m.settingsWriteMu.Lock()
	defer m.settingsWriteMu.Unlock()

	current := m.Settings()
	if err := updateSettings(ctx, m.writeDB, &current, update); err != nil {
		return m.Settings(), err
	}
	m.setSettings(ctx, current)
	m.notifySettingsReload(ctx)
	return current, nil
}

// SetAdminCredentials sets the admin API username and password
func (m *ModClaim) SetAdminCredentials(ctx context.Context, username, password string) error {
	m.settingsWriteMu.Lock()
	defer m.settingsWriteMu.Unlock()

	current := m.Settings()
	if err := setAdminCredentials(ctx, m.writeDB, &current, username, password); err != nil {
		return err
	}
	m.reloadSettings(ctx)
	m.notifySettingsReload(ctx)
	return nil
}

func (m *ModClaim) notifySettingsReload(ctx context.Context) {
	// under sqlite, the local notifier would only signal this instance
	if m.dbNotifier == nil || m.config.DatabaseType != dbTypePostgres {
		return
	}
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbNotifierSendTimeout)
		defer cancel()
		m.dbNotifier.ReloadSettings(nctx)
	}()
}

func setLevel(lv *slog.LevelVar, level DBLogLevel) {
	if lv != nil && level != "" {
		lv.Set(level.Level())
	}
}

// setLogLevels sets component log levels from the given settings
func (m *ModClaim) setLogLevels(s Settings) {
	setLevel(m.config.LogLevel, s.LogLevel)
	setLevel(m.config.DatabaseLogLevel, s.DatabaseLogLevel)
	if m.config.Claims != nil {
		setLevel(m.config.Claims.LogLevel, s.ClaimsLogLevel)
	}
	if m.config.API != nil {
		setLevel(m.config.API.LogLevel, s.APILogLevel)
	}
	if m.config.Discord != nil {
		setLevel(m.config.Discord.LogLevel, s.DiscordLogLevel)
		setLevel(m.config.Discord.DiscordGoLogLevel, s.DiscordGoLogLevel)
		setLevel(m.config.Discord.WebhookServer.LogLevel, s.DiscordWebhookLogLevel)
	}
}

func (m *ModClaim) modmailCategoryID() string {
	return m.config.Discord.ModmailCategoryID
}

// servesGuild reports whether the bot acts on events from the guild
func (m *ModClaim) servesGuild(guildID string) bool {
	return m.config.Discord.GuildID == "" || m.config.Discord.GuildID == guildID
}

// RegisterSlashCommands overwrites the bot's discord commands, and
// records that they were registered
func (m *ModClaim) RegisterSlashCommands(
	ctx context.Context,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := m.discord.registerCommands(
		append([]discordgo.RequestOption{discordgo.WithContext(ctx)}, options...)...,
	)
	if err != nil {
		return created, err
	}

	m.settingsWriteMu.Lock()
	defer m.settingsWriteMu.Unlock()
	current := m.Settings()
	if current.ID == 0 {
		return created, nil
	}
	if _, err = m.writeDB.Update(ctx, &current, columnSettingsCommandsRegistered, true); err != nil {
		m.logger.ErrorContext(ctx, "error saving command registration", tint.Err(err))
		return created, nil
	}
	current.CommandsRegistered = true
	m.setSettings(ctx, current)
	return created, nil
}

// Stop signals Run to shut down this instance and, under postgres,
// every other instance sharing the database
func (m *ModClaim) Stop(ctx context.Context) {
	if m.dbNotifier != nil && m.config.DatabaseType == dbTypePostgres {
		m.dbNotifier.Stop(ctx)
	}
	select {
	case m.signalStop <- struct{}{}:
	default:
	}
}

// Run opens the database and claim store, starts the API and webhook
// servers, connects to discord and handles commands until ctx is
// cancelled or a stop signal is received.
func (m *ModClaim) Run(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.startedAt = time.Now()
	logger := m.logger

	if err := m.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	if m.discordWebhookServer != nil {
		m.webhookInteractionHandler = webhookReceiveHandler(ctx, m)
	}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", m.config))

	// canceling the runtime context triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-m.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-m.signals.stop:
			logger.Warn("got stop notification, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, m.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- m.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if m.api != nil {
		go func() {
			httpErr := m.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if setupErr := m.waitOnSetup(ctx, logger); setupErr != nil {
		return errors.Join(setupErr, m.shutdown(ctx, runtimeWG))
	}

	if m.discordWebhookServer != nil {
		m.startWebhookServer(ctx)
	}

	if err := m.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return errors.Join(err, m.shutdown(ctx, runtimeWG))
	}
	if err := m.discordInit(ctx, logger); err != nil {
		return errors.Join(err, m.shutdown(ctx, runtimeWG))
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		m.sweeper.Run(ctx, m.config.Claims.SweepInterval, m.discord)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		m.watchSignals(ctx)
	}()

	for _, channel := range []string{
		m.dbNotifier.SettingsChannelName(),
		m.dbNotifier.GuildConfigChannelName(),
		m.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := m.dbNotifier.Listen(ctx, channel); e != nil {
				logger.ErrorContext(ctx, "error listening for notifications", "channel", channel, tint.Err(e))
			}
		}()
	}

	select {
	case m.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	<-ctx.Done()
	return m.shutdown(ctx, runtimeWG)
}

// initRun opens the database, loads settings and sets up the claim store
func (m *ModClaim) initRun(ctx context.Context) error {
	if err := m.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	notifier, err := newDBNotifier(
		m.config.DatabaseType,
		m.config.Database,
		m.writeDB,
		m.signals,
		m.logger,
	)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	m.dbNotifier = notifier

	settings, err := loadSettings(ctx, m.writeDB)
	if err != nil {
		return err
	}
	if validationErr := structValidator.Struct(settings); validationErr != nil {
		return fmt.Errorf("invalid settings: %w", validationErr)
	}
	if settings.AdminUsername == "" || settings.AdminPassword == "" {
		m.pendingSetup.Store(true)
	}
	m.setSettings(ctx, settings)

	return m.initStore(ctx)
}

// initDB opens the gorm connection and migrates the schema
func (m *ModClaim) initDB(ctx context.Context) error {
	logger := loggerOrDefault(ctx, m.logger)

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     m.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, m.config.DatabaseSlowThreshold)
	db, err := getDB(m.config.DatabaseType, m.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	m.db = db
	m.writeDB = NewDatabase(db, m.logger, m.config.DatabaseType == dbTypePostgres)

	if m.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}

	logger.Debug("migrating database...")
	if err = migrateDB(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")
	return nil
}

// initStore opens the configured claim backend, and builds the policy,
// notifiers and sweeper on top of it
func (m *ModClaim) initStore(ctx context.Context) error {
	cfg := m.config.Claims
	claimsLogger := newComponentLogger("claims", cfg.LogLevel)

	var store Store
	switch cfg.Backend {
	case ClaimBackendRedis:
		client, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		store = NewRedisStore(client, cfg.RedisKeyPrefix, claimsLogger)
	case ClaimBackendMongo:
		client, err := NewMongoClient(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		mongoStore := NewMongoStore(client.Database(cfg.MongoDatabase), claimsLogger)
		if err = mongoStore.EnsureIndexes(ctx); err != nil {
			_ = mongoStore.Close(ctx)
			return fmt.Errorf("error creating mongo indexes: %w", err)
		}
		store = mongoStore
	default:
		store = NewGormStore(m.writeDB, claimsLogger)
	}
	claimsLogger.InfoContext(ctx, "claim store ready", "backend", cfg.Backend)

	if cfg.ConfigCacheSize > 0 {
		var onConfigWrite func(ctx context.Context, guildID string)
		if m.config.DatabaseType == dbTypePostgres {
			onConfigWrite = func(ctx context.Context, guildID string) {
				nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbNotifierSendTimeout)
				defer cancel()
				m.dbNotifier.GuildConfigUpdated(nctx, guildID)
			}
		}
		cached, err := NewCachedStore(
			store,
			cfg.ConfigCacheSize,
			cfg.ConfigCacheTTL,
			onConfigWrite,
			claimsLogger,
		)
		if err != nil {
			return fmt.Errorf("error creating config cache: %w", err)
		}
		m.cache = cached
		store = cached
	}
	m.store = store

	m.notifier = Dispatchers{
		NewAuditNotifier(m.writeDB, claimsLogger),
		NewChannelNotifier(
			m.discord,
			func() string { return m.Settings().DiscordNotificationChannelID },
			claimsLogger,
		),
		NewRecipientNotifier(m.discord, claimsLogger),
	}

	m.policy = NewClaimPolicy(store, claimsLogger)
	m.sweeper = NewCleanupSweeper(store, m.notifier, claimsLogger)
	m.sweeper.concurrency = cfg.SweepConcurrency
	m.sweeper.guilds = m.servesGuild
	m.commands = m.slashCommands()
	return nil
}

// Open connects to the database and claim store without starting the
// discord session or servers, for one-off admin tasks. Call
// [ModClaim.Close] when done.
func (m *ModClaim) Open(ctx context.Context) error {
	return m.initRun(ctx)
}

// Close waits for pending notifications, then closes the claim store
// and database opened by [ModClaim.Open].
func (m *ModClaim) Close(ctx context.Context) error {
	if m.notifier != nil {
		m.notifier.Close()
	}
	var errs []error
	if m.store != nil {
		errs = append(errs, m.store.Close(ctx))
	}
	if m.db != nil {
		if sqlDB, err := m.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// Policy returns the claim policy. Nil until the store is opened.
func (m *ModClaim) Policy() *ClaimPolicy {
	return m.policy
}

// Store returns the claim store. Nil until the store is opened.
func (m *ModClaim) Store() Store {
	return m.store
}

// Sweep removes the guild's claim records for threads that no longer
// exist, returning how many were removed
func (m *ModClaim) Sweep(ctx context.Context, guildID string) (int, error) {
	return m.sweeper.Sweep(ctx, guildID, m.discord)
}

// waitOnSetup blocks until admin credentials are set, when they
// weren't at startup
func (m *ModClaim) waitOnSetup(ctx context.Context, logger *slog.Logger) error {
	if !m.pendingSetup.Load() {
		return nil
	}
	if m.api != nil {
		logger.WarnContext(ctx, fmt.Sprintf("pending initial setup at: %s%s", m.config.API.Listen, apiPathSetup))
	} else {
		logger.WarnContext(ctx, "admin credentials not set, run 'modclaim init'")
	}

	ticker := time.NewTicker(setupPollInterval)
	defer ticker.Stop()
	for m.pendingSetup.Load() {
		select {
		case <-ctx.Done():
			logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
			return ctx.Err()
		case <-ticker.C:
			logger.InfoContext(ctx, "checking if admin credentials exist yet")
			m.reloadSettings(ctx)
		}
	}
	return nil
}

func (m *ModClaim) startWebhookServer(ctx context.Context) {
	go func() {
		httpErr := m.discordWebhookServer.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			m.logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
		}
	}()
}

// watchSignals drops cached guild configs and reloads settings when
// notified, and reloads settings every [Config.SettingsTTL]
func (m *ModClaim) watchSignals(ctx context.Context) {
	var refresh <-chan time.Time
	if m.config.SettingsTTL > 0 {
		ticker := time.NewTicker(m.config.SettingsTTL)
		defer ticker.Stop()
		refresh = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case guildID := <-m.signals.guildConfigUpdated:
			if m.cache != nil {
				m.cache.Invalidate(guildID)
			}
		case <-m.signals.reloadSettings:
			m.reloadSettings(ctx)
		case <-refresh:
			m.reloadSettings(ctx)
		}
	}
}

// initDiscordSession creates the discord session (if one wasn't set)
// and adds the bot's gateway event handlers
func (m *ModClaim) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := m.logger.With(loggerNameKey, "discord_session")

	if m.discord.session == nil {
		disc, err := m.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		m.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, removeHandler := range m.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}

	m.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  m.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{Status: string(discordgo.StatusOnline)},
		},
	)

	if m.getInteractionHandlerFunc == nil {
		m.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     m.discord.session,
				interaction: i,
				logger: m.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}

	m.discord.discordgoRemoveHandlerFuncs = []func(){
		m.discord.session.AddHandler(m.discord.handlerConnect()),
		m.discord.session.AddHandler(m.discord.handlerDisconnect()),
		m.discord.session.AddHandler(m.discord.handlerReady()),
		m.discord.session.AddHandler(m.discord.handlerChannelDelete(ctx, m.sweeper)),
		m.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := m.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					m.handleInteraction(ctx, handler)
				}()
			},
		),
	}
	return nil
}

// discordInit opens the gateway connection, and registers commands if
// they haven't been yet
func (m *ModClaim) discordInit(ctx context.Context, logger *slog.Logger) error {
	logger.InfoContext(ctx, "connecting to discord")
	if err := m.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	settings := m.Settings()
	if !settings.CommandsRegistered {
		if _, err := m.RegisterSlashCommands(ctx); err != nil {
			logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		}
	}
	if settings.DiscordCustomStatus != "" {
		go func() {
			if err := m.discord.updateCustomStatus(settings.DiscordCustomStatus); err != nil {
				logger.Error("error updating discord status", tint.Err(err))
			}
		}()
	}
	return nil
}

// shutdown stops the servers, waits for in-flight commands and
// notifications, then closes connections. Anything still running after
// [Config.ShutdownTimeout] is abandoned.
func (m *ModClaim) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	m.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case m.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), m.config.ShutdownTimeout)
	defer closeCancel()

	m.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", m.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
	)

	var errs []error
	if m.api != nil && m.api.httpServer != nil {
		errs = append(errs, m.api.httpServer.Shutdown(closeCtx))
	}
	if m.discordWebhookServer != nil {
		errs = append(errs, m.discordWebhookServer.httpServer.Shutdown(closeCtx))
	}

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		m.notifier.Close()
		close(done)
	}()
	select {
	case <-done:
		m.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		m.logger.Warn("in-flight requests did not finish in time")
		errs = append(errs, errors.New("in-flight requests did not finish in time"))
	}

	if m.discord != nil && m.discord.session != nil {
		if err := m.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}
	if m.store != nil {
		if err := m.store.Close(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("error closing claim store: %w", err))
		}
	}
	if m.db != nil {
		if sqlDB, err := m.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// handleInteraction logs the interaction, then answers pings or runs
// the requested command
func (m *ModClaim) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	if logger == nil {
		logger = m.logger
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil && i.Type != discordgo.InteractionPing {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}

	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i, discordUser, handler.InteractionReceiveMethod())
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := m.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
	case discordgo.InteractionApplicationCommand:
		m.handleCommand(ctx, handler, logger)
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type.String())
	}
}

// handleCommand runs a slash command and responds with its result.
// Denials are shown to the user, other errors are logged and replaced
// with [Settings.DiscordErrorMessage].
func (m *ModClaim) handleCommand(
	ctx context.Context,
	handler InteractionHandler,
	logger *slog.Logger,
) {
	m.commandsInProgress.Add(1)
	defer m.commandsInProgress.Add(-1)

	settings := m.Settings()
	if settings.RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				m.handleRecover(ctx, rc)
				_ = handler.Respond(ctx, messageResponse(settings.DiscordErrorMessage, true))
			}
		}()
	}

	req := newCommandRequest(handler.GetInteraction())
	record := newClaimCommand(req)

	resp, err := m.runCommand(ctx, logger, req)
	switch denial, isDenial := AsDenial(err); {
	case err == nil:
	case isDenial:
		logger.InfoContext(ctx, "command denied", "denial", denial.Kind)
		resp = messageResponse(denial.Message, true)
	default:
		logger.ErrorContext(ctx, "command failed", tint.Err(err))
		resp = messageResponse(settings.DiscordErrorMessage, true)
	}
	record.finish(resp, err)
	m.commandsHandled.Add(1)

	if respErr := handler.Respond(ctx, resp); respErr != nil {
		logger.ErrorContext(ctx, "error responding to command", tint.Err(respErr))
	}
	if _, createErr := m.writeDB.Create(ctx, record); createErr != nil {
		logger.ErrorContext(ctx, "error saving claim command", tint.Err(createErr))
	}
	logger.InfoContext(ctx, "command finished", "claim_command", record)
}

// handleRecover logs a panic recovered from a command handler. Only
// used when [Settings.RecoverPanic] is set.
func (*ModClaim) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
