// Package config loads the daemon configuration from a YAML file.
// Every field has a working default so a bare `relayq` starts without
// any file at all.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Worker  WorkerConfig  `yaml:"worker"`
	Beat    BeatConfig    `yaml:"beat"`
	Results ResultsConfig `yaml:"results"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

type StorageConfig struct {
	// Path is the SQLite database file. InMemory switches both the
	// broker and the result store to process-local backends; queued
	// work is then lost on restart.
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

type WorkerConfig struct {
	ID             string   `yaml:"id"`
	Queues         []string `yaml:"queues"`
	Slots          int      `yaml:"slots"`
	Prefetch       int      `yaml:"prefetch"`
	PollIntervalMs int      `yaml:"poll_interval_ms"`
	VisibilitySec  int      `yaml:"visibility_sec"`
}

type BeatConfig struct {
	Enabled     bool   `yaml:"enabled"`
	IntervalSec int    `yaml:"interval_sec"`
	LockPath    string `yaml:"lock_path"`
}

type ResultsConfig struct {
	CacheSize        int `yaml:"cache_size"`
	TTLSec           int `yaml:"ttl_sec"`
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Storage: StorageConfig{
			Path: "relayq.db",
		},
		Worker: WorkerConfig{
			Queues:         []string{"default"},
			Slots:          4,
			PollIntervalMs: 250,
			VisibilitySec:  60,
		},
		Beat: BeatConfig{
			Enabled:     true,
			IntervalSec: 1,
			LockPath:    "relayq-beat.lock",
		},
		Results: ResultsConfig{
			CacheSize:        8192,
			TTLSec:           24 * 3600,
			SweepIntervalSec: 300,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the file on top of the defaults; an empty path returns
// the defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Worker.Slots < 1 {
		return fmt.Errorf("worker.slots must be at least 1, got %d", c.Worker.Slots)
	}
	if c.Worker.Prefetch < 0 {
		return fmt.Errorf("worker.prefetch must not be negative, got %d", c.Worker.Prefetch)
	}
	if len(c.Worker.Queues) == 0 {
		return fmt.Errorf("worker.queues must name at least one queue")
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required unless storage.in_memory is set")
	}
	if c.Beat.Enabled && c.Beat.IntervalSec < 1 {
		return fmt.Errorf("beat.interval_sec must be at least 1, got %d", c.Beat.IntervalSec)
	}
	return nil
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMs) * time.Millisecond
}

func (c Config) Visibility() time.Duration {
	return time.Duration(c.Worker.VisibilitySec) * time.Second
}

func (c Config) BeatInterval() time.Duration {
	return time.Duration(c.Beat.IntervalSec) * time.Second
}

func (c Config) ResultTTL() time.Duration {
	return time.Duration(c.Results.TTLSec) * time.Second
}

func (c Config) ResultSweepInterval() time.Duration {
	return time.Duration(c.Results.SweepIntervalSec) * time.Second
}
