package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadJSONAppliesDefaultsAndResolvesPaths(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"basic_config": {"server_address": ":9000", "max_workers": 8},
		"preview": {"allowed_hosts": ["cdn.example.com"]},
		"databases": {"sqlite3": {"dsn": "db/preview.db"}}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, ":9000", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, 8, cfg.BasicConfig.MaxWorkers)
	assert.Equal(t, defaultQueueSize, cfg.BasicConfig.QueueSize)
	assert.Equal(t, "sqlite3", cfg.BasicConfig.Database)
	assert.Equal(t, filepath.Join(dir, "db/preview.db"), cfg.Databases["sqlite3"].DSN)
	assert.Equal(t, filepath.Join(dir, "data/uploads"), cfg.BasicConfig.FileBaseDir)
	assert.Equal(t, []string{"cdn.example.com"}, cfg.Preview.AllowedHosts)
	assert.Equal(t, 30*time.Second, cfg.Preview.FetchTimeoutDuration())
	assert.Equal(t, 24*time.Hour, cfg.BasicConfig.AttachmentTTLDuration())
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
basic_config:
  database: postgres
  file_base_dir: /srv/uploads
databases:
  postgres:
    host: db
    port: 5432
    username: preview
    dbname: preview
redis:
  enabled: true
  host: cache
logging:
  level: debug
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.BasicConfig.Database)
	assert.Equal(t, "/srv/uploads", cfg.BasicConfig.FileBaseDir)
	assert.Equal(t, 5432, cfg.Databases["postgres"].Port)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "cache", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadFromEnv(t *testing.T) {
	path := writeFile(t, "env.json", `{"databases": {"sqlite3": {"dsn": ":memory:"}}}`)
	t.Setenv(EnvPath, path)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.Databases["sqlite3"].DSN)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"workers":  `{"basic_config": {"min_workers": 5, "max_workers": 2}}`,
		"database": `{"basic_config": {"database": "mysql"}}`,
		"format":   `{"logging": {"format": "xml"}}`,
		"s3":       `{"s3": {"enabled": true}}`,
		"syntax":   `{"basic_config":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.json", body))
			require.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, defaultServerAddress, cfg.BasicConfig.ServerAddress)
	assert.Equal(t, defaultSQLiteDSN, cfg.Databases["sqlite3"].DSN)
	assert.Equal(t, int64(defaultMaxUploadBytes), cfg.BasicConfig.MaxUploadBytes)
}
