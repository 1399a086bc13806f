package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lifeboat/internal/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lifeboat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host)
	assert.Equal(t, uint16(8420), cfg.HTTP.Port)
	assert.Equal(t, "0.0.0.0:8420", cfg.HTTP.Addr())
	assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, "lifeboat.db", cfg.Storage.Path)
	assert.Equal(t, "node", cfg.Node.Prefix)
	assert.Equal(t, 1000, cfg.Restore.MaxBatchSize)
	assert.Empty(t, cfg.Restore.Secret)
	assert.Equal(t, 1000, cfg.Export.DefaultLimit)
	assert.Equal(t, 5000, cfg.Export.MaxLimit)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Encoding)
	assert.Empty(t, cfg.Tracing.Endpoint)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
http:
  port: 9000
  read_timeout: 5s
storage:
  path: /var/lib/lifeboat/node.db
restore:
  secret: from-file
  max_batch_size: 250
snapshot:
  tables:
    - name: entity_state
      primary_key: [entity_type, entity_id]
    - name: inventory
      primary_key: [sku]
logging:
  encoding: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint16(9000), cfg.HTTP.Port)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.HTTP.WriteTimeout)
	assert.Equal(t, "/var/lib/lifeboat/node.db", cfg.Storage.Path)
	assert.Equal(t, "from-file", cfg.Restore.Secret)
	assert.Equal(t, 250, cfg.Restore.MaxBatchSize)
	assert.Equal(t, "console", cfg.Logging.Encoding)
	assert.Equal(t, []store.TableSpec{
		{Name: "entity_state", PrimaryKey: []string{"entity_type", "entity_id"}},
		{Name: "inventory", PrimaryKey: []string{"sku"}},
	}, cfg.Snapshot.Tables)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "restore:\n  secret: from-file\n")
	t.Setenv("LIFEBOAT_RESTORE_SECRET", "from-env")
	t.Setenv("LIFEBOAT_RESTORE_MAX_BATCH_SIZE", "500")
	t.Setenv("LIFEBOAT_HTTP_PORT", "9100")
	t.Setenv("LIFEBOAT_STORAGE_PATH", "/tmp/env.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Restore.Secret)
	assert.Equal(t, 500, cfg.Restore.MaxBatchSize)
	assert.Equal(t, uint16(9100), cfg.HTTP.Port)
	assert.Equal(t, "/tmp/env.db", cfg.Storage.Path)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config file")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"no storage", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"zero batch size", func(c *Config) { c.Restore.MaxBatchSize = 0 }, "restore.max_batch_size"},
		{"default above max", func(c *Config) { c.Export.DefaultLimit = 6000 }, "export.default_limit"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad encoding", func(c *Config) { c.Logging.Encoding = "xml" }, "logging.encoding"},
		{"bad ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }, "tracing.sample_ratio"},
		{"table without key", func(c *Config) { c.Snapshot.Tables = []store.TableSpec{{Name: "t"}} }, "snapshot.tables[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
