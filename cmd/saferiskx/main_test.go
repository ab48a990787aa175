package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/saferiskx/saferiskx-server/internal/accesscp/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetFlags() {
	accountEmail = ""
	accountPassword = ""
	accountVerified = false
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)

	if args == nil {
		args = []string{}
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setStoreEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("SESSION_TTL", "")
	t.Setenv("SAFERISKX_PASSWORD", "")
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"

	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "SafeRiskX 1.2.3")
	assert.Contains(t, output, "Built: 2026-01-01")
	assert.Contains(t, output, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	output, err = execute(t, "version")
	require.NoError(t, err)
	assert.NotContains(t, output, "Built:")
	assert.NotContains(t, output, "Commit:")
}

func TestRootAndServeRunServer(t *testing.T) {
	old := runServer
	defer func() { runServer = old }()

	calls := 0
	runServer = func(ctx context.Context, version string) error {
		calls++
		assert.Equal(t, Version, version)
		return errors.New("stopped")
	}

	_, err := execute(t)
	assert.EqualError(t, err, "stopped")
	_, err = execute(t, "serve")
	assert.EqualError(t, err, "stopped")
	assert.Equal(t, 2, calls)
}

func TestAccountLifecycle(t *testing.T) {
	setStoreEnv(t)

	output, err := execute(t, "account", "create", "--email", "Ana@Example.com", "--password", "correct-horse")
	require.NoError(t, err)
	assert.Contains(t, output, "ana@example.com, verified=false")

	output, err = execute(t, "account", "verify", "--email", "ana@example.com")
	require.NoError(t, err)
	assert.Contains(t, output, "Verified account")

	output, err = execute(t, "account", "token", "--email", "ana@example.com")
	require.NoError(t, err)

	tokens, err := auth.NewTokens("cli-secret", time.Hour)
	require.NoError(t, err)
	claims, err := tokens.Verify(strings.TrimSpace(output))
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", claims.Email)
	assert.Positive(t, claims.AccountID)
}

func TestAccountCreateRejectsDuplicateAndShortPassword(t *testing.T) {
	setStoreEnv(t)
	t.Setenv("SAFERISKX_PASSWORD", "from-the-env")

	_, err := execute(t, "account", "create", "--email", "dup@example.com", "--verified")
	require.NoError(t, err)

	_, err = execute(t, "account", "create", "--email", "dup@example.com")
	assert.Error(t, err)

	t.Setenv("SAFERISKX_PASSWORD", "")
	_, err = execute(t, "account", "create", "--email", "short@example.com", "--password", "short")
	assert.ErrorIs(t, err, auth.ErrPasswordTooShort)
}

func TestAccountCreatePromptsForPassword(t *testing.T) {
	setStoreEnv(t)

	old := readPassword
	defer func() { readPassword = old }()

	answers := [][]byte{[]byte("prompted-pass"), []byte("different-pass")}
	readPassword = func(int) ([]byte, error) {
		next := answers[0]
		answers = answers[1:]
		return next, nil
	}

	_, err := execute(t, "account", "create", "--email", "prompt@example.com")
	assert.EqualError(t, err, "passwords do not match")
}

func TestAccountCommandsRequireKnownEmail(t *testing.T) {
	setStoreEnv(t)

	_, err := execute(t, "account", "verify", "--email", "ghost@example.com")
	assert.ErrorContains(t, err, "no account")

	_, err = execute(t, "account", "token")
	assert.Error(t, err)
}

func TestAccountTokenRequiresSecret(t *testing.T) {
	setStoreEnv(t)
	t.Setenv("JWT_SECRET", "")

	_, err := execute(t, "account", "create", "--email", "nosecret@example.com", "--password", "long-enough")
	require.NoError(t, err)

	_, err = execute(t, "account", "token", "--email", "nosecret@example.com")
	assert.ErrorIs(t, err, auth.ErrSecretMissing)
}

func TestSweepRequiresConfig(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("DISCORD_BOT_TOKEN", "")

	_, err := execute(t, "sweep")
	assert.ErrorContains(t, err, "load config:")
}
