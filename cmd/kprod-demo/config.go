package main

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// demoConfig is the thin outer-shell configuration for the kprod-demo
// command. This belongs entirely to the cmd shell, not the pkg/kprod
// core: the core's own configuration surface is the functional-options
// cfg/Opt pattern in pkg/kprod/config.go, grounded on the teacher's
// in-process options; this file loads the values a real deployment would
// hand to those options from a YAML file plus KPROD_-prefixed env vars.
type demoConfig struct {
	SeedBrokers []string `koanf:"seed.brokers"`
	ClientID    string   `koanf:"client.id"`

	Topic string `koanf:"topic"`

	Acks              string `koanf:"acks"`
	CompressionType   string `koanf:"compression.type"`
	LingerMs          int    `koanf:"linger.ms"`
	MaxBatchSize      int    `koanf:"max.batch.size"`
	EnableIdempotence bool   `koanf:"enable.idempotence"`
	TransactionalID   string `koanf:"transactional.id"`

	Metrics struct {
		Enabled bool   `koanf:"enabled"`
		Host    string `koanf:"host"`
		Port    int    `koanf:"port"`
		Path    string `koanf:"path"`
	} `koanf:"metrics"`

	Logging struct {
		Level string `koanf:"level"`
	} `koanf:"logging"`
}

// loadConfig loads configuration from an optional YAML file and
// KPROD_-prefixed environment variables, following the teacher pack's
// koanf wiring (zinohome-Takhin's pkg/config.Load): file first, env
// overrides second.
func loadConfig(path string) (*demoConfig, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("KPROD_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "KPROD_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	var c demoConfig
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	setDemoDefaults(&c)
	return &c, nil
}

func setDemoDefaults(c *demoConfig) {
	if len(c.SeedBrokers) == 0 {
		c.SeedBrokers = []string{"127.0.0.1:9092"}
	}
	if c.Topic == "" {
		c.Topic = "kprod-demo"
	}
	if c.Acks == "" {
		c.Acks = "all"
	}
	if c.CompressionType == "" {
		c.CompressionType = "none"
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 16384
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
