package cmd

import (
	"context"
	"os"
	"testing"

	"github.com/arcward/modclaim/modclaim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGuildID = "100000000000000001"

func TestGuildCommands(t *testing.T) {
	isolateEnv(t)
	useTestDatabase(t)

	out, err := executeCommand(t, "guild", "show", testGuildID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Guild "+testGuildID)
	assert.Contains(t, out, "claim limit: not set")
	assert.Contains(t, out, "bypass roles: none")

	_, err = executeCommand(t, "guild", "set-limit", testGuildID, "many")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid limit")

	out, err = executeCommand(t, "guild", "set-limit", testGuildID, "3")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Claim limit set to 3")

	out, err = executeCommand(t, "guild", "add-bypass", testGuildID, "200000000000000001", "200000000000000002")
	require.NoError(t, err, out)
	assert.Contains(t, out, "200000000000000001")
	assert.Contains(t, out, "200000000000000002")

	out, err = executeCommand(t, "guild", "remove-bypass", testGuildID, "200000000000000001")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Removed bypass role 200000000000000001")

	_, err = executeCommand(t, "guild", "remove-bypass", testGuildID, "200000000000000001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not in the bypass list")

	out, err = executeCommand(t, "guild", "show", testGuildID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "claim limit: 3")
	assert.Contains(t, out, "bypass roles: 200000000000000002")
	assert.Contains(t, out, "claim records: 0 (0 claimed)")

	out, err = executeCommand(t, "guild", "set-limit", testGuildID, "0")
	require.NoError(t, err, out)
	out, err = executeCommand(t, "guild", "show", testGuildID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "claim limit: unlimited")
}

func TestGuildShow_ConfiguredGuild(t *testing.T) {
	isolateEnv(t)
	useTestDatabase(t)

	_, err := executeCommand(t, "guild", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guild ID required")

	require.NoError(t, os.Setenv("DC_DISCORD_GUILD_ID", testGuildID))
	out, err := executeCommand(t, "guild", "show")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Guild "+testGuildID)
}

// seedClaims claims threads directly through the store the CLI uses
func seedClaims(t testing.TB, records map[string][]string) {
	t.Helper()
	_, err := executeCommand(t, "version")
	require.NoError(t, err)

	ctx := context.Background()
	mc, err := modclaim.New(cfg)
	require.NoError(t, err)
	require.NoError(t, mc.Open(ctx))
	for threadID, claimers := range records {
		_, err = mc.Store().UpsertRecord(ctx, testGuildID, threadID, claimers)
		require.NoError(t, err)
	}
	require.NoError(t, mc.Close(ctx))
}

func TestClaimsCommands(t *testing.T) {
	isolateEnv(t)
	useTestDatabase(t)

	out, err := executeCommand(t, "claims", "list", testGuildID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "No claim records")

	seedClaims(
		t, map[string][]string{
			"300000000000000001": {"600000000000000001", "600000000000000002"},
			"300000000000000002": {},
		},
	)

	out, err = executeCommand(t, "claims", "list", testGuildID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "300000000000000001\t600000000000000001, 600000000000000002")
	assert.Contains(t, out, "300000000000000002\tunclaimed")

	out, err = executeCommand(t, "guild", "show", testGuildID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "claim records: 2 (1 claimed)")

	out, err = executeCommand(t, "claims", "release", testGuildID, "300000000000000001")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Released thread 300000000000000001")

	_, err = executeCommand(t, "claims", "release", testGuildID, "300000000000000001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no claim record")

	out, err = executeCommand(t, "claims", "list", testGuildID)
	require.NoError(t, err, out)
	assert.NotContains(t, out, "300000000000000001")
}
