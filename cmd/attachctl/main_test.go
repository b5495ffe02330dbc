package main

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/attachvault/internal/auth"
	"github.com/dharsanguruparan/attachvault/internal/maintenance"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func localEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ATTACHVAULT_BASE_DIR", t.TempDir())
	t.Setenv("ATTACHVAULT_TMP_DIR", t.TempDir())
	for _, key := range []string{"ATTACHVAULT_DATABASE_URL", "ATTACHVAULT_REDIS_ADDR", "ATTACHVAULT_S3_ENDPOINT", "ATTACHVAULT_JWT_SECRET"} {
		t.Setenv(key, "")
	}
	t.Setenv("ATTACHVAULT_PUBLIC_BASE_URL", "https://files.example")
}

func TestSignAndVerify(t *testing.T) {
	localEnv(t)
	t.Setenv(signingSecretEnv, "cli-secret")

	out, err := execute(t, "sign", "att-1", "--ttl", "10m")
	require.NoError(t, err)
	link, err := url.Parse(strings.SplitN(out, "\n", 2)[0])
	require.NoError(t, err)
	assert.Equal(t, "/attachments/att-1", link.Path)
	token, exp := link.Query().Get("token"), link.Query().Get("exp")

	out, err = execute(t, "verify", "att-1", "--token", token, "--exp", exp)
	require.NoError(t, err)
	assert.Equal(t, "valid\n", out)

	_, err = execute(t, "verify", "att-2", "--token", token, "--exp", exp)
	assert.ErrorIs(t, err, errInvalidSignature)
}

func TestSignRequiresExplicitSecret(t *testing.T) {
	localEnv(t)
	t.Setenv(signingSecretEnv, "")
	_, err := execute(t, "sign", "att-1")
	assert.ErrorContains(t, err, signingSecretEnv)
}

func TestTokenCommand(t *testing.T) {
	localEnv(t)
	_, err := execute(t, "token", "user-7")
	assert.Error(t, err)

	t.Setenv("ATTACHVAULT_JWT_SECRET", "jwt-secret")
	out, err := execute(t, "token", "user-7", "--ttl", "1h")
	require.NoError(t, err)
	claims, err := auth.NewTokens([]byte("jwt-secret")).Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.UserID)
}

func TestMaintainRunsTasks(t *testing.T) {
	localEnv(t)
	out, err := execute(t, "maintain")
	require.NoError(t, err)
	for _, task := range maintenance.Tasks() {
		assert.Contains(t, out, task+": 0\n")
	}

	out, err = execute(t, "maintain", maintenance.TaskReap)
	require.NoError(t, err)
	assert.Equal(t, "reap: 0\n", out)

	_, err = execute(t, "maintain", "defragment")
	assert.Error(t, err)
}

func TestRestoreNeedsBackup(t *testing.T) {
	localEnv(t)
	_, err := execute(t, "restore", "att-1")
	assert.ErrorContains(t, err, "restore att-1")
}
