package modclaim

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	headerSignatureEd25519   = "X-Signature-Ed25519"
	headerSignatureTimestamp = "X-Signature-Timestamp"
	maxInteractionBodySize   = 1 << 20
)

// DiscordWebhookServer receives discord interactions over HTTP, as an
// alternative to the gateway.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, d.config.ListenNetwork, d.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
	}
	if d.httpServer.TLSConfig == nil {
		d.logger.Warn("starting server without TLS")
		return d.httpServer.Serve(ln)
	}
	return d.httpServer.ServeTLS(ln, "", "")
}

// newWebhookServer creates the webhook server, verifying every request
// with the application's public key
func newWebhookServer(
	m *ModClaim,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	if len(m.discord.publicKey) == 0 {
		return nil, fmt.Errorf("webhook server requires a public key")
	}

	r := gin.New()
	srv := &DiscordWebhookServer{
		config: config,
		engine: r,
		logger: newComponentLogger("discord_webhook", config.LogLevel),
	}

	tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
	if err != nil {
		return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
	}
	srv.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	gin.SetMode(gin.ReleaseMode)
	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(srv.logger),
		discordRequestAuthenticationMiddleware(m.discord.publicKey),
	)
	r.POST(
		apiDiscordInteractions,
		func(c *gin.Context) {
			m.webhookInteractionHandler(c)
		},
	)
	return srv, nil
}

// WebhookHandler responds to interactions received by the webhook server
// by writing the response as the HTTP reply.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint
type WebhookHandler struct {
	ginContext  *gin.Context
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	return nil
}

func (w WebhookHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w WebhookHandler) Logger() *slog.Logger {
	return w.logger
}

// webhookReceiveHandler returns a [gin.HandlerFunc] decoding the
// interaction in the request body and handling it
func webhookReceiveHandler(ctx context.Context, m *ModClaim) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c)

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInteractionBodySize))
		if err != nil {
			logger.ErrorContext(c, "error reading body", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error reading body"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(c, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}

		handler := WebhookHandler{
			ginContext:  c,
			interaction: &interaction,
			logger: logger.With(
				slog.Group("interaction", interactionLogAttrs(interaction)...),
				slog.Any(xRequestIDHeader, requestID),
			),
		}
		m.handleInteraction(WithLogger(ctx, handler.logger), handler)
	}
}

// discordRequestAuthenticationMiddleware rejects requests without a valid
// discord signature.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the request's ed25519 signature, computed over
// the timestamp header followed by the body. The body is restored so
// later handlers can read it.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	signature := r.Header.Get(headerSignatureEd25519)
	if signature == "" {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get(headerSignatureTimestamp)
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	var body bytes.Buffer
	defer func() {
		_ = r.Body.Close()
		r.Body = io.NopCloser(&body)
	}()

	if _, err = io.Copy(&msg, io.TeeReader(io.LimitReader(r.Body, maxInteractionBodySize), &body)); err != nil {
		return false
	}
	return ed25519.Verify(key, msg.Bytes(), sig)
}
