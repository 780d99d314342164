package modclaim

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyPair(t testing.TB) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

// newSignedRequest returns an interactions request signed the way
// discord signs them
func newSignedRequest(
	t testing.TB,
	key ed25519.PrivateKey,
	body []byte,
) *http.Request {
	t.Helper()
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig := ed25519.Sign(key, append([]byte(timestamp), body...))

	req := httptest.NewRequest(http.MethodPost, apiDiscordInteractions, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSignatureEd25519, hex.EncodeToString(sig))
	req.Header.Set(headerSignatureTimestamp, timestamp)
	return req
}

func TestVerifyRequest(t *testing.T) {
	t.Parallel()
	pub, priv := newTestKeyPair(t)
	_, otherPriv := newTestKeyPair(t)
	body := []byte(`{"type":1}`)

	t.Run(
		"valid", func(t *testing.T) {
			req := newSignedRequest(t, priv, body)
			require.True(t, verifyRequest(req, pub))

			// the body can still be read afterward
			restored, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			assert.Equal(t, body, restored)
		},
	)
	t.Run(
		"wrong key", func(t *testing.T) {
			assert.False(t, verifyRequest(newSignedRequest(t, otherPriv, body), pub))
		},
	)
	t.Run(
		"tampered body", func(t *testing.T) {
			req := newSignedRequest(t, priv, body)
			req.Body = io.NopCloser(bytes.NewReader([]byte(`{"type":2}`)))
			assert.False(t, verifyRequest(req, pub))
		},
	)
	t.Run(
		"missing signature", func(t *testing.T) {
			req := newSignedRequest(t, priv, body)
			req.Header.Del(headerSignatureEd25519)
			assert.False(t, verifyRequest(req, pub))
		},
	)
	t.Run(
		"missing timestamp", func(t *testing.T) {
			req := newSignedRequest(t, priv, body)
			req.Header.Del(headerSignatureTimestamp)
			assert.False(t, verifyRequest(req, pub))
		},
	)
	t.Run(
		"malformed signature", func(t *testing.T) {
			req := newSignedRequest(t, priv, body)
			req.Header.Set(headerSignatureEd25519, "zz")
			assert.False(t, verifyRequest(req, pub))
		},
	)
}

func newTestWebhookModClaim(t testing.TB) (*ModClaim, ed25519.PrivateKey) {
	t.Helper()
	pub, priv := newTestKeyPair(t)
	m, _ := newTestModClaim(
		t, func(cfg *Config) {
			cfg.Discord.WebhookServer.Enabled = true
			cfg.Discord.WebhookServer.PublicKey = hex.EncodeToString(pub)
		},
	)
	require.NotNil(t, m.discordWebhookServer)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.webhookInteractionHandler = webhookReceiveHandler(ctx, m)
	return m, priv
}

func TestWebhookServer_Ping(t *testing.T) {
	t.Parallel()
	m, priv := newTestWebhookModClaim(t)

	w := httptest.NewRecorder()
	m.discordWebhookServer.engine.ServeHTTP(w, newSignedRequest(t, priv, []byte(`{"id":"1","type":1}`)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp discordgo.InteractionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, discordgo.InteractionResponsePong, resp.Type)
}

func TestWebhookServer_InvalidSignature(t *testing.T) {
	t.Parallel()
	m, _ := newTestWebhookModClaim(t)
	_, otherPriv := newTestKeyPair(t)

	w := httptest.NewRecorder()
	m.discordWebhookServer.engine.ServeHTTP(w, newSignedRequest(t, otherPriv, []byte(`{"id":"1","type":1}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookServer_BadBody(t *testing.T) {
	t.Parallel()
	m, priv := newTestWebhookModClaim(t)

	w := httptest.NewRecorder()
	m.discordWebhookServer.engine.ServeHTTP(w, newSignedRequest(t, priv, []byte(`not json`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookServer_Command(t *testing.T) {
	t.Parallel()
	m, priv := newTestWebhookModClaim(t)

	i := newCommandInteraction(supporter1, testThreadID, DiscordSlashCommandClaim)
	body, err := json.Marshal(i.Interaction)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	m.discordWebhookServer.engine.ServeHTTP(w, newSignedRequest(t, priv, body))
	require.Equal(t, http.StatusOK, w.Code)

	var resp discordgo.InteractionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Data)
	assert.Equal(t, ErrNotConfigured.Message, resp.Data.Content)

	var logs []InteractionLog
	require.NoError(t, m.db.Where("interaction_id = ?", i.ID).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, discordInteractionReceiveMethodWebhook, logs[0].Method)
	assert.Equal(t, supporter1.id, logs[0].UserID)
}
