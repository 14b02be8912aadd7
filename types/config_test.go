package types

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.Nil(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}"))
	assert.Nil(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "mem", cfg.Store.Driver)
	assert.Equal(t, 1, cfg.Snapshot.Every)
}

func TestLoadConfig_File(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
log_level: debug
store:
  driver: sqlite
  path: /tmp/defiflow.db
snapshot:
  every: 5
`))
	assert.Nil(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/defiflow.db", cfg.Store.Path)
	assert.Equal(t, 5, cfg.Snapshot.Every)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DEFIFLOW_STORE_DRIVER", "postgres")
	t.Setenv("DEFIFLOW_PG_HOST", "db.internal")
	t.Setenv("DEFIFLOW_SNAPSHOT_EVERY", "10")

	cfg, err := LoadConfig(writeConfig(t, "store:\n  driver: mem\n"))
	assert.Nil(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "db.internal", cfg.Store.Postgres.Host)
	assert.Equal(t, 10, cfg.Snapshot.Every)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.NotNil(t, err)
}

func TestEngineConfig_Options(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "store:\n  driver: sqlite\n  path: x.db\n"))
	assert.Nil(t, err)

	opts := NewEngineOptions()
	for _, option := range cfg.Options() {
		option(opts)
	}
	assert.Equal(t, "x.db", opts.SQLitePath)
	assert.Equal(t, 1, opts.SnapshotEvery)
	assert.False(t, opts.MemStore)
}
