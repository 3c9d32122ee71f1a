package weft

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	workerpkg "github.com/ekorhonen/weft/pkg/worker"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// as well as integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config describes a complete single-process deployment: the storage
// backend, queue names, and worker pool tuning. It maps one-to-one to the
// YAML file loaded by LoadConfig.
type Config struct {
	Storage struct {
		// Driver selects the backend: "memory" or "sqlite".
		Driver string `yaml:"driver"`
		// DSN is the SQLite data source, e.g. "file:weft.db?_journal=WAL".
		DSN string `yaml:"dsn"`
	} `yaml:"storage"`

	Queues struct {
		Decision string `yaml:"decision"`
		Activity string `yaml:"activity"`
	} `yaml:"queues"`

	Worker struct {
		Concurrency       int      `yaml:"concurrency"`
		LeaseTTL          Duration `yaml:"lease_ttl"`
		HeartbeatInterval Duration `yaml:"heartbeat_interval"`
		MaxTaskAttempts   int      `yaml:"max_task_attempts"`
		RedeliverDelay    Duration `yaml:"redeliver_delay"`
	} `yaml:"worker"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the config for contradictions before anything is opened.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "", "memory":
		if c.Storage.DSN != "" {
			return fmt.Errorf("storage.dsn is set but driver is memory")
		}
	case "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.driver sqlite requires storage.dsn")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if (c.Queues.Decision == "") != (c.Queues.Activity == "") {
		return fmt.Errorf("queues.decision and queues.activity must be set together")
	}
	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("worker.concurrency must not be negative")
	}
	return nil
}

// Concurrency returns the configured worker count, defaulting to 1.
func (c *Config) Concurrency() int {
	if c.Worker.Concurrency <= 0 {
		return 1
	}
	return c.Worker.Concurrency
}

func (c *Config) workerConfig() workerpkg.Config {
	wcfg := workerpkg.Config{
		LeaseTTL:          c.Worker.LeaseTTL.Std(),
		HeartbeatInterval: c.Worker.HeartbeatInterval.Std(),
		MaxTaskAttempts:   c.Worker.MaxTaskAttempts,
		RedeliverDelay:    c.Worker.RedeliverDelay.Std(),
	}
	if c.Queues.Decision != "" && c.Queues.Activity != "" {
		wcfg.Queues = []string{c.Queues.Decision, c.Queues.Activity}
	}
	return wcfg
}

// Build opens the configured backend and returns the assembled bundle.
// For the sqlite driver, Build owns opening the database; the returned
// bundle's engine and queue share it.
func (c *Config) Build() (*WorkerBundle, error) {
	return c.BuildWithObserver(nil)
}

// BuildWithObserver is Build with an Observer attached to the engine.
func (c *Config) BuildWithObserver(obs Observer) (*WorkerBundle, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	wcfg := c.workerConfig()

	switch c.Storage.Driver {
	case "", "memory":
		return NewInMemoryBundleWithObserver(wcfg, obs), nil
	default:
		db, err := sql.Open("sqlite", c.Storage.DSN)
		if err != nil {
			return nil, err
		}
		bundle, err := NewSQLiteBundleWithObserver(db, wcfg, obs)
		if err != nil {
			db.Close()
			return nil, err
		}
		return bundle, nil
	}
}
