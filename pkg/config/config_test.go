package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
global:
  token_secret: test-secret
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, config.DefaultListen, cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, config.DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, config.DefaultAPIRetries, cfg.GitLab.Retries)
	assert.Equal(t, config.DefaultSyncBatchSize, cfg.Sync.BatchSize)
	assert.Equal(t, config.DefaultEventMaxAttempts, cfg.Events.MaxAttempts)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":9000"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.ErrorContains(t, cfg.Validate(), "token_secret")
}

func TestValidateRejectsNonPositiveValues(t *testing.T) {
	path := writeConfig(t, `
global:
  token_secret: s
sync:
  batch_size: -5
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.ErrorContains(t, cfg.Validate(), "sync.batch_size")
}

func TestValidateRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
global:
  token_secret: s
gitlab:
  timeout: soon
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.ErrorContains(t, cfg.Validate(), "gitlab.timeout")
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, `
global:
  token_secret: s
database:
  driver: oracle
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.ErrorContains(t, cfg.Validate(), "unsupported database driver")
}

func TestValidatePostgres(t *testing.T) {
	path := writeConfig(t, `
global:
  token_secret: s
database:
  driver: postgres
  postgres:
    host: localhost
    port: 5432
    user: glsync
    password: pw
    database: glsync
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestValidateArchiveRequiresBucket(t *testing.T) {
	path := writeConfig(t, `
global:
  token_secret: s
archive:
  enabled: true
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.ErrorContains(t, cfg.Validate(), "archive.bucket")
}
