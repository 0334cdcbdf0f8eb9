package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string

	// Overrides applied on top of the config file. Only flags that were
	// set on the command line take effect.
	overrides Config
	set       map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{set: make(map[string]bool)}
	fs := flag.NewFlagSet("ipcbench", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("IPCBENCH_CONFIG", ""),
		"Path to YAML configuration file (env: IPCBENCH_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("IPCBENCH_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: IPCBENCH_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("IPCBENCH_LOG_FORMAT", "text"),
		"Log format: json, text (env: IPCBENCH_LOG_FORMAT)")

	o := &cfg.overrides
	fs.StringVar(&o.Mode, "mode", "", "Run mode: inproc, shm, producer, consumer, remove")
	fs.StringVar(&o.Name, "name", "", "Shared segment name")
	fs.StringVar(&o.Dir, "dir", "", "Directory for shared segments (default /dev/shm)")
	fs.Uint64Var(&o.Capacity, "capacity", 0, "Queue capacity, a power of two")
	fs.IntVar(&o.Producers, "producers", 0, "Producer goroutines")
	fs.IntVar(&o.Consumers, "consumers", 0, "Consumer goroutines")
	fs.IntVar(&o.Messages, "messages", 0, "Total messages to send or receive")
	fs.StringVar(&o.Backoff, "backoff", "", "Retry strategy on full/empty: spin, yield, exponential")
	fs.StringVar(&o.Teardown, "teardown", "", "Segment teardown: manual, owner, last-detach")
	fs.DurationVar(&o.AttachTimeout, "attach-timeout", 0, "How long to wait for a concurrent creator")
	fs.DurationVar(&o.Timeout, "timeout", 0, "Abort the run after this long")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "%s - lock-free MPMC queue benchmark\n\nUsage: %s [options]\n\nOptions:\n", appName, appName)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		cfg.set[f.Name] = true
	})
	return cfg, nil
}

// apply copies the flags that were set onto c.
func (cli *CLIConfig) apply(c *Config) {
	o := cli.overrides
	for name := range cli.set {
		switch name {
		case "mode":
			c.Mode = o.Mode
		case "name":
			c.Name = o.Name
		case "dir":
			c.Dir = o.Dir
		case "capacity":
			c.Capacity = o.Capacity
		case "producers":
			c.Producers = o.Producers
		case "consumers":
			c.Consumers = o.Consumers
		case "messages":
			c.Messages = o.Messages
		case "backoff":
			c.Backoff = o.Backoff
		case "teardown":
			c.Teardown = o.Teardown
		case "attach-timeout":
			c.AttachTimeout = o.AttachTimeout
		case "timeout":
			c.Timeout = o.Timeout
		case "metrics-addr":
			c.MetricsAddr = o.MetricsAddr
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
