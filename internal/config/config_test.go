package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxeledgerweb-netizen/dec-sub001/krypto"
)

func clearEnv(t *testing.T) {
	t.Setenv(EnvDir, "")
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvConfig, "")
}

func TestParse_Defaults(t *testing.T) {
	clearEnv(t)

	opts, rest, err := Parse("pm", []string{"extra"})
	require.NoError(t, err)
	assert.Equal(t, []string{"extra"}, rest)
	assert.Equal(t, defaultDir, opts.Dir)
	assert.Equal(t, 5*time.Minute, opts.LockTimeout)
	assert.Equal(t, "warn", opts.LogLevel)
	assert.Equal(t, filepath.Join(defaultDir, "vault.db"), opts.DBPath())

	p, err := opts.EncryptionParameters()
	require.NoError(t, err)
	assert.Equal(t, krypto.DefaultEncryptionParameters(), p)
}

func TestParse_Flags(t *testing.T) {
	clearEnv(t)

	opts, _, err := Parse("pm", []string{
		"-d", "/tmp/v", "--db", "/tmp/other.db", "--lock-timeout", "90s",
		"--kdf", "argon2id", "--mode", "aes-cbc-hmac-sha256", "--log-level", "debug",
	})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/v", opts.Dir)
	assert.Equal(t, "/tmp/other.db", opts.DBPath())
	assert.Equal(t, 90*time.Second, opts.LockTimeout)
	assert.Equal(t, "debug", opts.LogLevel)

	p, err := opts.EncryptionParameters()
	require.NoError(t, err)
	assert.Equal(t, krypto.KDFArgon2id, p.KDF)
	assert.Equal(t, krypto.ModeCBCHMAC, p.Mode)
}

func TestParse_Precedence(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "pm.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{
		"dir": "/from/file",
		"lockTimeout": "10m",
		"logLevel": "info",
		"breachCheck": true,
		"iterations": 500000
	}`), 0o600))

	t.Setenv(EnvConfig, cfgPath)
	opts, _, err := Parse("pm", nil)
	require.NoError(t, err)
	assert.Equal(t, "/from/file", opts.Dir)
	assert.Equal(t, 10*time.Minute, opts.LockTimeout)
	assert.Equal(t, 500_000, opts.Iterations)
	assert.Equal(t, "info", opts.LogLevel)
	assert.True(t, opts.BreachCheck)

	t.Setenv(EnvDir, "/from/env")
	t.Setenv(EnvLogLevel, "error")
	opts, _, err = Parse("pm", nil)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", opts.Dir)
	assert.Equal(t, "error", opts.LogLevel)

	opts, _, err = Parse("pm", []string{"--dir", "/from/flag", "--iterations", "400000", "--breach-check=false"})
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", opts.Dir)
	assert.Equal(t, 400_000, opts.Iterations)
	assert.False(t, opts.BreachCheck)
	assert.Equal(t, 10*time.Minute, opts.LockTimeout, "unset flags do not override the file")
}

func TestParse_Errors(t *testing.T) {
	clearEnv(t)

	_, _, err := Parse("pm", []string{"--nope"})
	assert.Error(t, err)

	_, _, err = Parse("pm", []string{"--config", filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"lockTimeout": "soon"}`), 0o600))
	_, _, err = Parse("pm", []string{"-c", bad})
	assert.Error(t, err)

	_, _, err = Parse("pm", []string{"--lock-timeout=-1s"})
	assert.Error(t, err)

	_, _, err = Parse("pm", []string{"--dir", ""})
	assert.Error(t, err)
}

func TestEncryptionParameters_Invalid(t *testing.T) {
	clearEnv(t)
	opts, _, err := Parse("pm", []string{"--iterations", "1000"})
	require.NoError(t, err)
	_, err = opts.EncryptionParameters()
	assert.ErrorIs(t, err, krypto.ErrInvalidParameter)
}
