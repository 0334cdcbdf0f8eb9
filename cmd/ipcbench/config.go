package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aradilov/ipcring"
	"github.com/aradilov/ipcring/backoff"
)

// Run modes.
const (
	modeInproc   = "inproc"   // heap queue, producers and consumers in this process
	modeShm      = "shm"      // shared queue, every worker binds its own handle
	modeProducer = "producer" // attach to a shared queue and only produce
	modeConsumer = "consumer" // attach to a shared queue and only consume
	modeRemove   = "remove"   // unlink a shared queue left behind by earlier runs
)

// Config describes one benchmark run.
type Config struct {
	Mode          string        `yaml:"mode"`
	Name          string        `yaml:"name"`
	Dir           string        `yaml:"dir"`
	Capacity      uint64        `yaml:"capacity"`
	Producers     int           `yaml:"producers"`
	Consumers     int           `yaml:"consumers"`
	Messages      int           `yaml:"messages"`
	Backoff       string        `yaml:"backoff"`
	Teardown      string        `yaml:"teardown"`
	AttachTimeout time.Duration `yaml:"attach_timeout"`
	Timeout       time.Duration `yaml:"timeout"`
	MetricsAddr   string        `yaml:"metrics_addr"`
}

// DefaultConfig is the classic demo setup: 2 producers, 2 consumers and a
// 1024-slot queue.
func DefaultConfig() Config {
	return Config{
		Mode:          modeShm,
		Name:          "mpmc_demo_queue",
		Capacity:      1024,
		Producers:     2,
		Consumers:     2,
		Messages:      1_000_000,
		Backoff:       "yield",
		Teardown:      "manual",
		AttachTimeout: ipcring.DefaultAttachTimeout,
		Timeout:       5 * time.Minute,
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for the selected mode.
func (c Config) Validate() error {
	var errs []error

	switch c.Mode {
	case modeInproc, modeShm:
	case modeProducer, modeConsumer, modeRemove:
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("name is required in %s mode", c.Mode))
		}
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if c.Mode == modeRemove {
		return errors.Join(errs...)
	}

	if c.Capacity < 2 || c.Capacity&(c.Capacity-1) != 0 {
		errs = append(errs, fmt.Errorf("capacity %d is not a power of two >= 2", c.Capacity))
	}
	if c.Messages <= 0 {
		errs = append(errs, fmt.Errorf("messages must be positive, got %d", c.Messages))
	}
	if c.Mode != modeConsumer && c.Producers <= 0 {
		errs = append(errs, fmt.Errorf("producers must be positive, got %d", c.Producers))
	}
	if c.Mode != modeProducer && c.Consumers <= 0 {
		errs = append(errs, fmt.Errorf("consumers must be positive, got %d", c.Consumers))
	}
	if _, err := backoff.Parse(c.Backoff); err != nil {
		errs = append(errs, err)
	}
	if _, err := ipcring.ParseTeardown(c.Teardown); err != nil {
		errs = append(errs, err)
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}

	return errors.Join(errs...)
}
