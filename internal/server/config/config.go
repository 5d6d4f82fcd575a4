// Copyright 2026 The flowlite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"strconv"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/flowlite/flowlite/internal/server/types"
)

// Config holds the complete application configuration
type Config struct {
	Service string       `json:"service_name" env:"APP_NAME" envDefault:"flowlite"`
	Version string       `json:"version"      env:"VERSION"  envDefault:"v0.1.0"`
	Mode    types.Mode   `json:"mode"         env:"MODE"     envDefault:"debug"`
	NATS    NATSConfig   `json:"nats"         envPrefix:"NATS_"`
	Store   StoreConfig  `json:"store"        envPrefix:"STORE_"`
	Engine  EngineConfig `json:"engine"       envPrefix:"ENGINE_"`
	Logger  LoggerConfig `json:"logger"       envPrefix:"LOG_"`
}

// StoreConfig selects the process state backend.
type StoreConfig struct {
	Backend string `json:"backend" env:"BACKEND" envDefault:"bolt"` // bolt|memory
	Path    string `json:"path"    env:"PATH"    envDefault:"flowlite.db"`
}

// EngineConfig tunes the execution loop.
type EngineConfig struct {
	// TickInterval is the cadence of the timer pass over running instances.
	TickInterval time.Duration `json:"tick_interval" env:"TICK_INTERVAL" envDefault:"250ms"`
	// JobBatchSize caps activations fetched per task type per dispatch round.
	JobBatchSize int `json:"job_batch_size" env:"JOB_BATCH_SIZE" envDefault:"32"`
	// JobRetries is the retry budget handed to each new job activation.
	JobRetries int `json:"job_retries" env:"JOB_RETRIES" envDefault:"3"`
}

func LoadConfig() (*Config, error) {
	cfg := Config{
		NATS: NATSConfig{
			Host:          DefaultNATSHost,
			Port:          DefaultNATSPort,
			MaxReconnects: DefaultMaxReconnects,
			ReconnectWait: DefaultReconnectWait,
			DrainTimeout:  DefaultDrainTimeout,
			PingInterval:  DefaultPingInterval,
			MaxPingsOut:   DefaultMaxPingsOut,
			ClientName:    "flowlite",
		},
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = fmt.Sprintf("nats://%s:%s", cfg.NATS.Host, cfg.NATS.Port)
	}

	return &cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("service name is required")
	}
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.NATS.Host == "" {
		return fmt.Errorf("NATS host is required")
	}
	if c.NATS.Port == "" {
		return fmt.Errorf("NATS port is required")
	}
	if _, err := strconv.Atoi(c.NATS.Port); err != nil {
		return fmt.Errorf("invalid NATS port %q: %w", c.NATS.Port, err)
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("NATS URL is required")
	}
	if c.NATS.MaxReconnects < -1 {
		return fmt.Errorf("NATS max reconnects must be >= -1")
	}
	if c.NATS.ReconnectWait <= 0 {
		return fmt.Errorf("NATS reconnect wait must be positive")
	}
	if c.NATS.DrainTimeout <= 0 {
		return fmt.Errorf("NATS drain timeout must be positive")
	}
	switch c.Store.Backend {
	case "bolt":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for the bolt backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine tick interval must be positive")
	}
	if c.Engine.JobBatchSize <= 0 {
		return fmt.Errorf("engine job batch size must be positive")
	}
	if c.Engine.JobRetries < 0 {
		return fmt.Errorf("engine job retries must not be negative")
	}
	return nil
}

func (c *Config) ServiceName() string {
	return c.Service
}

func (c *Config) GetVersion() string {
	return c.Version
}
