package cmd

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/arcward/modclaim/modclaim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPasswords replaces the password prompt with the given answers
func mockPasswords(t testing.TB, passwords ...string) {
	t.Helper()
	idx := 0
	customPasswordReader = func() ([]byte, error) {
		if idx >= len(passwords) {
			return nil, errors.New("no more passwords")
		}
		p := passwords[idx]
		idx++
		return []byte(p), nil
	}
	t.Cleanup(func() { customPasswordReader = nil })
}

func mockUsername(t testing.TB, username string) {
	t.Helper()
	usernameInput = strings.NewReader(username + "\n")
	t.Cleanup(func() { usernameInput = os.Stdin })
}

func TestInitCommand(t *testing.T) {
	isolateEnv(t)
	dbPath := useTestDatabase(t)

	mockUsername(t, "testadmin")
	mockPasswords(t, "short", "short", "testpassword", "different", "testpassword", "testpassword")

	output, err := executeCommand(t, "init")
	require.NoError(t, err, output)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")

	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Password must be at least 8 characters.")
	assert.Contains(t, output, "Passwords do not match. Please try again.")
	assert.Contains(t, output, "Admin credentials set successfully")
	assert.Contains(t, output, "Initialization complete")

	ctx := context.Background()
	db, err := modclaim.CreateDB(ctx, "sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var settings modclaim.Settings
	require.NoError(t, db.First(&settings).Error)
	assert.Equal(t, "testadmin", settings.AdminUsername)
	assert.NotEqual(t, "testpassword", settings.AdminPassword)

	valid, err := modclaim.VerifyPassword(settings.AdminPassword, "testpassword")
	require.NoError(t, err)
	assert.True(t, valid)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&modclaim.ThreadClaim{}))
	assert.True(t, mg.HasTable(&modclaim.ThreadClaimer{}))
	assert.True(t, mg.HasTable(&modclaim.ThreadSubscription{}))
	assert.True(t, mg.HasTable(&modclaim.ClaimEventLog{}))
	assert.True(t, mg.HasTable(&modclaim.ClaimCommand{}))
	assert.True(t, mg.HasTable(&modclaim.InteractionLog{}))

	// running again leaves the credentials alone
	output, err = executeCommand(t, "init")
	require.NoError(t, err, output)
	assert.Contains(t, output, "Admin credentials are already set.")
}

func TestInitCommand_NoUsername(t *testing.T) {
	isolateEnv(t)
	useTestDatabase(t)
	mockUsername(t, "")
	mockPasswords(t)

	_, err := executeCommand(t, "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username required")
}
