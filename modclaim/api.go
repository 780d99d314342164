package modclaim

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix                = "/debug/pprof"
	apiPrefix                  = "/api"
	apiPathQuit                = "/quit"
	apiPathLogin               = "/login"
	apiPathLogout              = "/logout"
	apiPathLoggedIn            = "/logged_in"
	apiHealthCheck             = "/healthz"
	apiDiscordInteractions     = "/discord/interactions"
	apiPathRegisterCommands    = "/discord/register_commands"
	apiPathSetup               = "/setup"
	apiPathSetupStatus         = "/setup/status"
	apiPathSettings            = "/settings"
	apiPathGuildClaims         = "/guilds/:guild/claims"
	apiPathGuildClaim          = "/guilds/:guild/claims/:thread"
	apiPathGuildSubscribers    = "/guilds/:guild/claims/:thread/subscribers"
	apiPathGuildSweep          = "/guilds/:guild/sweep"
	apiPathGuildConfig         = "/guilds/:guild/config"
	apiPathGuildLimit          = "/guilds/:guild/config/limit"
	apiPathGuildBypassRoles    = "/guilds/:guild/config/bypass_roles"
	apiPathGuildBypassRole     = "/guilds/:guild/config/bypass_roles/:role"
	apiPathClaimEvents         = "/claim_events"
	apiPathClaimCommands       = "/claim_commands"
	apiLoginRequestsPerSecond  = 1
	apiStopSignalTimeout       = 30 * time.Second
	apiDefaultClaimCommandsMax = 50
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

// API is the admin HTTP API: setup and login, claim and guild config
// management, settings, and audit logs.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI builds the gin engine, session store and routes
func newAPI(m *ModClaim, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(apiLoginRequestsPerSecond), 1),
		logger:              newComponentLogger("api", config.LogLevel),
	}
	apiHandlers := NewAPIHandlers(m, api)
	api.handlers = apiHandlers
	api.store = apiHandlers.store

	tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen, "https://" + config.Listen}
		}
	}

	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, apiHandlers.store),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)
	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(m, api))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathGuildClaims, apiHandlers.listClaims)
	protected.DELETE(apiPathGuildClaim, apiHandlers.deleteClaim)
	protected.GET(apiPathGuildSubscribers, apiHandlers.getSubscribers)
	protected.POST(apiPathGuildSweep, apiHandlers.sweepGuild)
	protected.GET(apiPathGuildConfig, apiHandlers.getGuildConfig)
	protected.PUT(apiPathGuildLimit, apiHandlers.setGuildLimit)
	protected.POST(apiPathGuildBypassRoles, apiHandlers.addBypassRoles)
	protected.DELETE(apiPathGuildBypassRole, apiHandlers.removeBypassRole)
	protected.GET(apiPathClaimEvents, apiHandlers.getClaimEvents)
	protected.GET(apiPathClaimCommands, apiHandlers.getClaimCommands)
	protected.GET(apiPathSettings, apiHandlers.getSettings)
	protected.PATCH(apiPathSettings, apiHandlers.updateSettings)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)
	protected.POST(apiPathQuit, apiHandlers.botQuit)

	if config.Development {
		ginPprof.RouteRegister(protected, pprofPrefix)
	}

	return api, nil
}

// Serve listens on the configured address, with TLS when certs are set
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		} else {
			a.logger.Warn("starting api server without TLS")
		}
		a.listener = ln
	}
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, isString := username.(string)
	if !isString || s == "" {
		return "", errors.New("username not found in session")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	m      *ModClaim
	api    *API
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store. Without a configured
// secret, a random one is generated, and sessions won't persist across
// restarts.
func NewAPIHandlers(m *ModClaim, api *API) *APIHandlers {
	logger := api.logger

	var secretKey []byte
	switch sk := api.config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(api.config))
	return &APIHandlers{m: m, api: api, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// setupStatus reports whether admin credentials still need to be set
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.m.pendingSetup.Load()})
}

// adminSetup sets the admin credentials. Only allowed while setup
// is pending.
//
// Responses:
//   - 201 Created: credentials set
//   - 400 Bad Request: invalid payload
//   - 403 Forbidden: setup isn't pending
func (h *APIHandlers) adminSetup(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.m.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	logger.Info("first time admin setup")
	if err := h.m.SetAdminCredentials(c, payload.Username, payload.Password); err != nil {
		logger.Error("error setting admin credentials", tint.Err(err))
		ginReplyError(c, "error setting admin credentials")
		return
	}
	h.m.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the admin credentials, and starts a session.
// Attempts are rate limited.
//
// Responses:
//   - 200 OK: logged in
//   - 400 Bad Request: invalid payload
//   - 401 Unauthorized: bad credentials, or credentials aren't set
//   - 429 Too Many Requests: rate limited
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	settings := h.m.Settings()
	if settings.AdminUsername == "" || settings.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	if login.Username != settings.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(settings.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "Internal Server Error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	opts := sessionOptions(h.api.config)
	session.Options = opts.ToGorillaOptions()
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		CommandsInProgress: h.m.commandsInProgress.Load(),
		CommandsHandled:    h.m.commandsHandled.Load(),
	}
	if !h.m.startedAt.IsZero() {
		resp.Uptime = time.Since(h.m.startedAt).Round(time.Second).String()
	}
	if h.m.discord != nil {
		resp.DiscordGatewayConnected = h.m.discord.connected.Load()
		resp.DiscordConnects = h.m.discord.metricConnects.Load()
		resp.DiscordDisconnects = h.m.discord.metricDisconnects.Load()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	session.Values[sessionVarField] = ""
	session.Options.MaxAge = -1
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// listClaims returns every claim record in the guild
func (h *APIHandlers) listClaims(c *gin.Context) {
	records, err := collectRecords(c, h.m.store, c.Param("guild"))
	if err != nil {
		ginContextLogger(c).Error("error listing claims", tint.Err(err))
		ginReplyError(c, "error listing claims")
		return
	}
	if records == nil {
		records = []ClaimRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// deleteClaim removes a thread's claim record
//
// Responses:
//   - 200 OK: deleted
//   - 404 Not Found: no record for the thread
func (h *APIHandlers) deleteClaim(c *gin.Context) {
	deleted, err := h.m.store.DeleteRecord(c, c.Param("guild"), c.Param("thread"))
	if err != nil {
		ginContextLogger(c).Error("error deleting claim", tint.Err(err))
		ginReplyError(c, "error deleting claim")
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, httpError{Error: "claim not found"})
		return
	}
	ginReplyMessage(c, "claim deleted")
}

func (h *APIHandlers) getSubscribers(c *gin.Context) {
	subscribers, err := h.m.store.Subscribers(c, c.Param("guild"), c.Param("thread"))
	if err != nil {
		ginContextLogger(c).Error("error getting subscribers", tint.Err(err))
		ginReplyError(c, "error getting subscribers")
		return
	}
	if subscribers == nil {
		subscribers = []string{}
	}
	c.JSON(http.StatusOK, subscribersResponse{Subscribers: subscribers})
}

// sweepGuild removes the guild's claim records for threads that no
// longer exist
func (h *APIHandlers) sweepGuild(c *gin.Context) {
	removed, err := h.m.sweeper.Sweep(c, c.Param("guild"), h.m.discord)
	if err != nil {
		ginContextLogger(c).Error("error sweeping claims", tint.Err(err))
		ginReplyError(c, "error sweeping claims")
		return
	}
	c.JSON(http.StatusOK, sweepResponse{Removed: removed})
}

// getGuildConfig returns the guild's claim config, along with the
// number of claim records it has
func (h *APIHandlers) getGuildConfig(c *gin.Context) {
	guildID := c.Param("guild")

	var resp guildConfigResponse
	g, ctx := errgroup.WithContext(c)
	g.Go(
		func() error {
			cfg, err := h.m.store.GetConfig(ctx, guildID)
			switch {
			case err == nil:
				resp.GuildConfig = cfg
				resp.Configured = cfg.Configured()
			case errors.Is(err, ErrRecordNotFound):
				resp.GuildConfig = GuildConfig{GuildID: guildID}
			default:
				return err
			}
			return nil
		},
	)
	g.Go(
		func() error {
			return h.m.store.ListRecords(
				ctx, guildID, func(r ClaimRecord) error {
					resp.Records++
					if r.Claimed() {
						resp.Claimed++
					}
					return nil
				},
			)
		},
	)
	if err := g.Wait(); err != nil {
		ginContextLogger(c).Error("error getting guild config", tint.Err(err))
		ginReplyError(c, "error getting guild config")
		return
	}
	if resp.BypassRoles == nil {
		resp.BypassRoles = []string{}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) setGuildLimit(c *gin.Context) {
	var payload setLimitPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := h.m.policy.SetLimit(c, c.Param("guild"), *payload.Limit); err != nil {
		ginContextLogger(c).Error("error setting limit", tint.Err(err))
		ginReplyError(c, "error setting limit")
		return
	}
	ginReplyMessage(c, fmt.Sprintf("limit set to %d", *payload.Limit))
}

func (h *APIHandlers) addBypassRoles(c *gin.Context) {
	var payload bypassRolesPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	roles, err := h.m.policy.AddBypassRoles(c, c.Param("guild"), payload.RoleIDs...)
	if err != nil {
		ginContextLogger(c).Error("error adding bypass roles", tint.Err(err))
		ginReplyError(c, "error adding bypass roles")
		return
	}
	c.JSON(http.StatusOK, bypassRolesResponse{BypassRoles: roles})
}

func (h *APIHandlers) removeBypassRole(c *gin.Context) {
	roles, err := h.m.policy.RemoveBypassRole(c, c.Param("guild"), c.Param("role"))
	if err != nil {
		if denial, ok := AsDenial(err); ok {
			c.JSON(http.StatusNotFound, httpError{Error: denial.Message})
			return
		}
		ginContextLogger(c).Error("error removing bypass role", tint.Err(err))
		ginReplyError(c, "error removing bypass role")
		return
	}
	if roles == nil {
		roles = []string{}
	}
	c.JSON(http.StatusOK, bypassRolesResponse{BypassRoles: roles})
}

// getClaimEvents lists audit log entries, newest first
func (h *APIHandlers) getClaimEvents(c *gin.Context) {
	var filter ClaimEventFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	events, err := listClaimEvents(c, h.m.db, filter)
	if err != nil {
		ginContextLogger(c).Error("error listing claim events", tint.Err(err))
		ginReplyError(c, "error listing claim events")
		return
	}
	if events == nil {
		events = []ClaimEventLog{}
	}
	c.JSON(http.StatusOK, events)
}

// getClaimCommands lists recorded slash commands, newest first
func (h *APIHandlers) getClaimCommands(c *gin.Context) {
	var query ClaimCommandQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	commands, err := listClaimCommands(c, h.m.db, query)
	if err != nil {
		ginContextLogger(c).Error("error listing claim commands", tint.Err(err))
		ginReplyError(c, "error listing claim commands")
		return
	}
	if commands == nil {
		commands = []ClaimCommand{}
	}
	c.JSON(http.StatusOK, commands)
}

func (h *APIHandlers) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.m.Settings())
}

// updateSettings applies a partial settings update
//
// Responses:
//   - 200 OK: the updated settings
//   - 400 Bad Request: invalid payload
func (h *APIHandlers) updateSettings(c *gin.Context) {
	logger := ginContextLogger(c)
	var update SettingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	settings, err := h.m.UpdateSettings(c, update)
	if err != nil {
		logger.Error("error updating settings", tint.Err(err))
		ginReplyError(c, "error updating settings")
		return
	}
	logger.Info("updated settings", "settings", settings)
	c.JSON(http.StatusOK, settings)
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Info("registering commands")

	created, err := h.m.RegisterSlashCommands(c)
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

// botQuit stops the bot, and any other instances sharing its database
func (h *APIHandlers) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c), apiStopSignalTimeout)
	defer cancel()

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		h.m.Stop(ctx)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		logger.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	DiscordConnects         int64  `json:"discord_connects"`
	DiscordDisconnects      int64  `json:"discord_disconnects"`
	CommandsInProgress      int64  `json:"commands_in_progress"`
	CommandsHandled         int64  `json:"commands_handled"`
	Uptime                  string `json:"uptime,omitempty"`
}

type httpReply struct {
	Message string `json:"message"`
}

// httpError is an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,min=8,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse tells the client whether admin credentials still need
// to be set
type setupResponse struct {
	Required bool `json:"required"`
}

type setLimitPayload struct {
	Limit *int `json:"limit" binding:"required,min=0"`
}

type bypassRolesPayload struct {
	RoleIDs []string `json:"role_ids" binding:"required,min=1,dive,numeric"`
}

type bypassRolesResponse struct {
	BypassRoles []string `json:"bypass_roles"`
}

type subscribersResponse struct {
	Subscribers []string `json:"subscribers"`
}

type sweepResponse struct {
	Removed int `json:"removed"`
}

type guildConfigResponse struct {
	GuildConfig
	Configured bool `json:"configured"`
	Records    int  `json:"records"`
	Claimed    int  `json:"claimed"`
}

// authMiddleware rejects requests without a logged-in session, and
// every request while setup is pending
func authMiddleware(m *ModClaim, api *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if m.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, err := api.getSessionUsername(c)
		if err != nil {
			logger.Warn("no session", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a random ID to each request, set in the
// gin context and the response headers
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger from the gin context,
// creating one from [slog.Default] if it isn't set
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, isLogger := v.(*slog.Logger); isLogger {
			return logger
		}
	}
	return setRequestLogger(c, slog.Default())
}

// setRequestLogger adds request details to base, and sets it as the
// request's logger
func setRequestLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	logger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), logger)
	return logger
}

// ginLoggingMiddleware logs each request when it finishes, along with
// any private errors attached to the context
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := setRequestLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with HTTP 500 and the given message
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
