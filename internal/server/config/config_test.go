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
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/flowlite/flowlite/internal/server/types"
)

func validConfig() *Config {
	return &Config{
		Service: "test-service",
		Version: "v1.0.0",
		Mode:    types.ModeDebug,
		NATS: NATSConfig{
			Host:          "localhost",
			Port:          "4222",
			URL:           "nats://localhost:4222",
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
			DrainTimeout:  30 * time.Second,
			PingInterval:  2 * time.Minute,
			MaxPingsOut:   2,
			ClientName:    "test-client",
		},
		Store: StoreConfig{
			Backend: "bolt",
			Path:    "test.db",
		},
		Engine: EngineConfig{
			TickInterval: 250 * time.Millisecond,
			JobBatchSize: 32,
			JobRetries:   3,
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing service name",
			mutate:  func(c *Config) { c.Service = "" },
			wantErr: true,
			errMsg:  "service name is required",
		},
		{
			name:    "missing version",
			mutate:  func(c *Config) { c.Version = "" },
			wantErr: true,
			errMsg:  "version is required",
		},
		{
			name:    "missing NATS host",
			mutate:  func(c *Config) { c.NATS.Host = "" },
			wantErr: true,
			errMsg:  "NATS host is required",
		},
		{
			name:    "missing NATS port",
			mutate:  func(c *Config) { c.NATS.Port = "" },
			wantErr: true,
			errMsg:  "NATS port is required",
		},
		{
			name:    "invalid NATS port",
			mutate:  func(c *Config) { c.NATS.Port = "invalid" },
			wantErr: true,
			errMsg:  "invalid NATS port",
		},
		{
			name:    "missing NATS URL",
			mutate:  func(c *Config) { c.NATS.URL = "" },
			wantErr: true,
			errMsg:  "NATS URL is required",
		},
		{
			name:    "invalid NATS max reconnects",
			mutate:  func(c *Config) { c.NATS.MaxReconnects = -2 },
			wantErr: true,
			errMsg:  "NATS max reconnects must be >= -1",
		},
		{
			name:    "invalid NATS reconnect wait",
			mutate:  func(c *Config) { c.NATS.ReconnectWait = 0 },
			wantErr: true,
			errMsg:  "NATS reconnect wait must be positive",
		},
		{
			name:    "invalid NATS drain timeout",
			mutate:  func(c *Config) { c.NATS.DrainTimeout = 0 },
			wantErr: true,
			errMsg:  "NATS drain timeout must be positive",
		},
		{
			name:    "unknown store backend",
			mutate:  func(c *Config) { c.Store.Backend = "etcd" },
			wantErr: true,
			errMsg:  "unknown store backend",
		},
		{
			name: "bolt backend without path",
			mutate: func(c *Config) {
				c.Store.Backend = "bolt"
				c.Store.Path = ""
			},
			wantErr: true,
			errMsg:  "store path is required",
		},
		{
			name: "memory backend needs no path",
			mutate: func(c *Config) {
				c.Store.Backend = "memory"
				c.Store.Path = ""
			},
		},
		{
			name:    "invalid tick interval",
			mutate:  func(c *Config) { c.Engine.TickInterval = 0 },
			wantErr: true,
			errMsg:  "engine tick interval must be positive",
		},
		{
			name:    "invalid job batch size",
			mutate:  func(c *Config) { c.Engine.JobBatchSize = 0 },
			wantErr: true,
			errMsg:  "engine job batch size must be positive",
		},
		{
			name:    "negative job retries",
			mutate:  func(c *Config) { c.Engine.JobRetries = -1 },
			wantErr: true,
			errMsg:  "engine job retries must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() expected error, got nil")
					return
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
				}
			} else {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
			}
		})
	}
}

func TestConfig_ServiceName(t *testing.T) {
	cfg := &Config{
		Service: "test-service",
	}

	if got := cfg.ServiceName(); got != "test-service" {
		t.Errorf("ServiceName() = %v, want %v", got, "test-service")
	}
}

func TestConfig_GetVersion(t *testing.T) {
	cfg := &Config{
		Version: "v1.2.3",
	}

	if got := cfg.GetVersion(); got != "v1.2.3" {
		t.Errorf("GetVersion() = %v, want %v", got, "v1.2.3")
	}
}

func TestConfig_LogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		cfg := &Config{Logger: LoggerConfig{Level: tt.level}}
		if got := cfg.LogLevel(); got != tt.want {
			t.Errorf("LogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}
