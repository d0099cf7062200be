package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaultledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("", noEnv)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 10*time.Millisecond, cfg.Persist.FlushTimeout)
	assert.False(t, cfg.Auth.Enabled)
	assert.False(t, cfg.Auth.AllowOpenAdmin, "operator commands are closed by default")
}

func TestLoadOpenAdmin(t *testing.T) {
	cfg, err := load(writeConfig(t, "auth:\n  allow_open_admin: true\n"), noEnv)
	require.NoError(t, err)
	assert.True(t, cfg.Auth.AllowOpenAdmin)

	cfg, err = load("", envMap(map[string]string{"VAULT_AUTH_ALLOW_OPEN_ADMIN": "true"}))
	require.NoError(t, err)
	assert.True(t, cfg.Auth.AllowOpenAdmin)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
postgres:
  dsn: postgres://file/db
nats:
  enabled: false
persist:
  batch_size: 200
  flush_timeout: 25ms
snapshot:
  interval_events: 500
auth:
  enabled: true
  secret: hunter2
  admin_subjects: [" 0b8f3e55-8f1e-4a53-9d2c-6c3f1d8c2a11 ", ""]
log:
  level: DEBUG
`)
	cfg, err := load(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, "postgres://file/db", cfg.Postgres.DSN)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, 200, cfg.Persist.BatchSize)
	assert.Equal(t, 25*time.Millisecond, cfg.Persist.FlushTimeout)
	assert.Equal(t, int64(500), cfg.Snapshot.IntervalEvents)
	assert.Equal(t, []string{"0b8f3e55-8f1e-4a53-9d2c-6c3f1d8c2a11"}, cfg.Auth.AdminSubjects)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched sections keep their defaults
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := load(writeConfig(t, ""), noEnv)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "postgres:\n  dsn: postgres://file/db\n")
	cfg, err := load(path, envMap(map[string]string{
		"VAULT_POSTGRES_DSN":          "postgres://env/db",
		"VAULT_PERSIST_BATCH_SIZE":    "7",
		"VAULT_PERSIST_FLUSH_TIMEOUT": "1s",
		"VAULT_SNAPSHOT_INTERVAL":     "42",
		"VAULT_AUTH_SECRET":           "s3cret",
		"VAULT_NATS_ENABLED":          "false",
		"VAULT_LOG_LEVEL":             "warn",
	}))
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Postgres.DSN)
	assert.Equal(t, 7, cfg.Persist.BatchSize)
	assert.Equal(t, time.Second, cfg.Persist.FlushTimeout)
	assert.Equal(t, int64(42), cfg.Snapshot.IntervalEvents)
	assert.True(t, cfg.Auth.Enabled, "a secret in the environment enables auth")
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]struct {
		file string
		env  map[string]string
	}{
		"unknown field":        {file: "postgres:\n  dns: typo\n"},
		"zero batch":           {file: "persist:\n  batch_size: 0\n"},
		"auth without secret":  {file: "auth:\n  enabled: true\n"},
		"open admin with auth": {env: map[string]string{"VAULT_AUTH_SECRET": "s3cret", "VAULT_AUTH_ALLOW_OPEN_ADMIN": "true"}},
		"bad level":            {file: "log:\n  level: loud\n"},
		"bad env number":       {env: map[string]string{"VAULT_PERSIST_BATCH_SIZE": "many"}},
		"bad env duration":     {env: map[string]string{"VAULT_PERSIST_FLUSH_TIMEOUT": "soon"}},
		"nats without url":     {file: "nats:\n  url: \"\"\n"},
		"negative snapshot":    {env: map[string]string{"VAULT_SNAPSHOT_INTERVAL": "-1"}},
		"empty dsn after trim": {env: map[string]string{"VAULT_POSTGRES_DSN": "   "}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			path := ""
			if tc.file != "" {
				path = writeConfig(t, tc.file)
			}
			_, err := load(path, envMap(tc.env))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
