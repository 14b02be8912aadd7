package types

import (
	"os"

	"github.com/juju/errors"
	"github.com/mcuadros/go-defaults"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// EngineConfig is the file-backed configuration an embedding process
// loads for a daemon. Environment variables of the form DEFIFLOW_*
// override file values.
type EngineConfig struct {
	LogLevel string `yaml:"log_level" default:"info"`

	Store struct {
		// Driver: mem, sqlite or postgres.
		Driver   string         `yaml:"driver" default:"mem"`
		Path     string         `yaml:"path"`
		Postgres PostgresConfig `yaml:"postgres"`
	} `yaml:"store"`

	Snapshot struct {
		Every int `yaml:"every" default:"1"`
	} `yaml:"snapshot"`
}

// LoadConfig reads an EngineConfig from a YAML file, applies defaults,
// then environment overrides.
func LoadConfig(path string) (*EngineConfig, error) {
	cfg := &EngineConfig{}
	defaults.SetDefaults(cfg)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Annotatef(err, "parsing config %s", path)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *EngineConfig) applyEnv() {
	if v := os.Getenv("DEFIFLOW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DEFIFLOW_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("DEFIFLOW_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("DEFIFLOW_PG_HOST"); v != "" {
		c.Store.Postgres.Host = v
	}
	if v := os.Getenv("DEFIFLOW_PG_PORT"); v != "" {
		c.Store.Postgres.Port = cast.ToInt(v)
	}
	if v := os.Getenv("DEFIFLOW_SNAPSHOT_EVERY"); v != "" {
		c.Snapshot.Every = cast.ToInt(v)
	}
}

// Options translates the config into engine options.
func (c *EngineConfig) Options() []EngineOption {
	if level, err := log.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(level)
	}

	opts := []EngineOption{WithSnapshotEvery(c.Snapshot.Every)}
	switch c.Store.Driver {
	case "postgres":
		pg := c.Store.Postgres
		opts = append(opts, WithPostgresConfig(&pg))
	case "sqlite":
		opts = append(opts, WithSQLitePath(c.Store.Path))
	default:
		opts = append(opts, EnableMemStore())
	}
	return opts
}
