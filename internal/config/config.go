// Package config loads the shard configuration shared by every process.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ShardName  string `yaml:"shard_name"`
	BrokerAddr string `yaml:"broker_addr"`
	DataDir    string `yaml:"data_dir"`

	Runner       RunnerConfig       `yaml:"runner"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

type RunnerConfig struct {
	// Concurrency bounds the worker pool; 0 means core count.
	Concurrency int `yaml:"concurrency"`

	// Unsafe disables parallel sandboxes for debuggability.
	Unsafe bool `yaml:"unsafe"`
}

type OrchestratorConfig struct {
	// Runners/Processors are how many connected acks to wait for before
	// the first tick starts.
	Runners    int `yaml:"runners"`
	Processors int `yaml:"processors"`

	// MinTickDuration paces the loop; a tick that ran long is not slept.
	MinTickDuration time.Duration `yaml:"min_tick_duration"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("shard config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("shard config: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ShardName:  "shard0",
		BrokerAddr: "ws://127.0.0.1:8081/v1/shard",
		DataDir:    "./data",
		Orchestrator: OrchestratorConfig{
			Runners:         1,
			Processors:      1,
			MinTickDuration: time.Second,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ShardName) == "" {
		return fmt.Errorf("shard_name must not be empty")
	}
	if strings.TrimSpace(c.BrokerAddr) == "" {
		return fmt.Errorf("broker_addr must not be empty")
	}
	if c.Runner.Concurrency < 0 {
		return fmt.Errorf("runner.concurrency must not be negative")
	}
	if c.Orchestrator.Runners < 1 || c.Orchestrator.Processors < 1 {
		return fmt.Errorf("orchestrator requires at least one runner and one processor")
	}
	return nil
}
