package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"avatarlink/internal/core/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		cfgFile = ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "avatarlink v"+version+"\n", out)
}

func TestTokenCommand_IssuesVerifiableToken(t *testing.T) {
	path := writeConfig(t, "auth:\n  enabled: true\n  jwt_secret: cli-secret\n")

	out, err := run(t, "--config", path, "token", "ops", "--role", "operator")
	require.NoError(t, err)

	claims, err := services.NewAuthService("cli-secret").ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, services.RoleOperator, claims.Role)
}

func TestTokenCommand_RejectsUnknownRole(t *testing.T) {
	path := writeConfig(t, "auth:\n  enabled: true\n  jwt_secret: cli-secret\n")

	_, err := run(t, "--config", path, "token", "ops", "--role", "root")
	assert.ErrorContains(t, err, "unknown role")
}

func TestProvidersCommand_ListsAllVendors(t *testing.T) {
	path := writeConfig(t, "providers:\n  default: trtc\n  trtc:\n    signaling_url: wss://trtc.example.com\n")

	out, err := run(t, "--config", path, "providers")
	require.NoError(t, err)
	assert.Contains(t, out, "agora")
	assert.Contains(t, out, "livekit")
	assert.Contains(t, out, "(from session credentials)")
	assert.Regexp(t, `trtc\s+\*\s+wss://trtc.example.com`, out)
}
