// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package config loads layered configuration from environment variables,
// following an OPS_SECTION__FIELD naming convention. It
// mirrors this module's gopkg.in/yaml.v2 use for the CI-config file by
// applying the same library to on-disk overrides layered under env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ConcurrencyConfig configures internal/concurrency's controller.
type ConcurrencyConfig struct {
	GlobalLimit        int           `yaml:"global_limit"`
	GroupLimit         int           `yaml:"group_limit"`
	EnvironmentLimit   int           `yaml:"environment_limit"`
	ProductionLimit    int           `yaml:"production_limit"`
	AcquireTimeoutSecs int           `yaml:"acquire_timeout_secs"`
	Strategy           string        `yaml:"strategy"`
	QueueMaxLength     int           `yaml:"queue_max_length"`
}

// ServerConfig configures the control-plane HTTP listener.
type ServerConfig struct {
	Addr                      string        `yaml:"addr"`
	GracefulShutdownTimeout   time.Duration `yaml:"graceful_shutdown_timeout_secs"`
}

// SecurityConfig configures JWT/runner-auth secrets.
type SecurityConfig struct {
	JWTSecret        string        `yaml:"jwt_secret"`
	RunnerAPIKey     string        `yaml:"runner_api_key"`
	AccessTokenTTL   time.Duration `yaml:"access_token_ttl_secs"`
	RefreshTokenTTL  time.Duration `yaml:"refresh_token_ttl_secs"`
	TrustProxyHeaders bool         `yaml:"trust_proxy_headers"`
}

// StorageConfig configures internal/storage.
type StorageConfig struct {
	Type           string `yaml:"type"` // "local" | "s3"
	LocalBasePath  string `yaml:"local_base_path"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3Region       string `yaml:"s3_region"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	PresignTTLSecs int    `yaml:"presign_ttl_secs"`
	AllowPlaceholder bool `yaml:"allow_placeholder_urls"`
}

// RabbitMQConfig configures internal/broker.
type RabbitMQConfig struct {
	AMQPURL         string        `yaml:"amqp_url"`
	QueuePrefix     string        `yaml:"queue_prefix"`
	PoolSize        int           `yaml:"pool_size"`
	PublishTimeout  time.Duration `yaml:"publish_timeout_secs"`
	RetryBudget     int           `yaml:"retry_budget"`
}

// DatabaseConfig configures internal/repository's SQL-backed store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// DockerDefaultsConfig seeds internal/dockerconfig.Store's default
// layer at startup; SetDefault/SetCapabilityOverride/SetRunnerOverride
// adjust it at runtime without a restart.
type DockerDefaultsConfig struct {
	DefaultImage       string `yaml:"default_image"`
	MemoryLimitMB      int64  `yaml:"memory_limit_mb"`
	CPULimit           float64 `yaml:"cpu_limit"`
	PidsLimit          int64  `yaml:"pids_limit"`
	DefaultTimeoutSecs int    `yaml:"default_timeout_secs"`
}

// ControlPlaneConfig is the full control-plane configuration.
type ControlPlaneConfig struct {
	Database    DatabaseConfig       `yaml:"database"`
	Security    SecurityConfig       `yaml:"security"`
	RabbitMQ    RabbitMQConfig       `yaml:"rabbitmq"`
	Concurrency ConcurrencyConfig    `yaml:"concurrency"`
	Server      ServerConfig         `yaml:"server"`
	Storage     StorageConfig        `yaml:"storage"`
	Docker      DockerDefaultsConfig `yaml:"docker"`
}

func defaultControlPlaneConfig() ControlPlaneConfig {
	return ControlPlaneConfig{
		RabbitMQ: RabbitMQConfig{
			QueuePrefix:    "ops",
			PoolSize:       4,
			PublishTimeout: 10 * time.Second,
			RetryBudget:    2,
		},
		Concurrency: ConcurrencyConfig{
			GlobalLimit:        50,
			GroupLimit:         10,
			EnvironmentLimit:   20,
			ProductionLimit:    5,
			AcquireTimeoutSecs: 300,
			Strategy:           "wait",
			QueueMaxLength:     100,
		},
		Server: ServerConfig{
			Addr:                    ":8080",
			GracefulShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			Type:           "local",
			LocalBasePath:  "/var/lib/ops/artifacts",
			PresignTTLSecs: 900,
		},
		Docker: DockerDefaultsConfig{
			DefaultImage:       "alpine:3.19",
			MemoryLimitMB:      2048,
			CPULimit:           2,
			PidsLimit:          512,
			DefaultTimeoutSecs: 1800,
		},
	}
}

// LoadControlPlaneConfig reads OPS_* environment variables over a set of
// documented defaults, matching the env-var naming convention above.
func LoadControlPlaneConfig(getenv func(string) string) (*ControlPlaneConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := defaultControlPlaneConfig()

	cfg.Database.URL = getenv("OPS_DATABASE__URL")
	cfg.Security.JWTSecret = getenv("OPS_SECURITY__JWT_SECRET")
	cfg.Security.RunnerAPIKey = getenv("OPS_SECURITY__RUNNER_API_KEY")
	cfg.Security.TrustProxyHeaders = getenv("OPS_SECURITY__TRUST_PROXY_HEADERS") == "true"
	if v := getenv("OPS_SECURITY__ACCESS_TOKEN_TTL_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Security.AccessTokenTTL = time.Duration(secs) * time.Second
		}
	}
	if v := getenv("OPS_SECURITY__REFRESH_TOKEN_TTL_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Security.RefreshTokenTTL = time.Duration(secs) * time.Second
		}
	}
	cfg.RabbitMQ.AMQPURL = getenv("OPS_RABBITMQ__AMQP_URL")

	if v := getenv("OPS_SERVER__ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := getenv("OPS_SERVER__GRACEFUL_SHUTDOWN_TIMEOUT_SECS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid OPS_SERVER__GRACEFUL_SHUTDOWN_TIMEOUT_SECS: %w", err)
		}
		cfg.Server.GracefulShutdownTimeout = time.Duration(secs) * time.Second
	}

	if v := getenv("OPS_CONCURRENCY__GLOBAL_LIMIT"); v != "" {
		n, _ := strconv.Atoi(v)
		cfg.Concurrency.GlobalLimit = n
	}
	if v := getenv("OPS_CONCURRENCY__STRATEGY"); v != "" {
		cfg.Concurrency.Strategy = strings.ToLower(v)
	}

	if v := getenv("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = strings.ToLower(v)
	}
	cfg.Storage.LocalBasePath = firstNonEmpty(getenv("STORAGE_LOCAL_BASE_PATH"), cfg.Storage.LocalBasePath)
	cfg.Storage.S3Bucket = getenv("STORAGE_S3_BUCKET")
	cfg.Storage.S3Region = getenv("STORAGE_S3_REGION")
	cfg.Storage.S3Endpoint = getenv("STORAGE_S3_ENDPOINT")

	if v := getenv("OPS_DOCKER__DEFAULT_IMAGE"); v != "" {
		cfg.Docker.DefaultImage = v
	}
	if v := getenv("OPS_DOCKER__MEMORY_LIMIT_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Docker.MemoryLimitMB = n
		}
	}
	if v := getenv("OPS_DOCKER__DEFAULT_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Docker.DefaultTimeoutSecs = n
		}
	}

	if len(cfg.Security.JWTSecret) > 0 && len(cfg.Security.JWTSecret) < 32 {
		return nil, fmt.Errorf("OPS_SECURITY__JWT_SECRET must be at least 32 characters")
	}

	return &cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// LoadYAMLOverrides merges a YAML document (typically a capability/runner
// Docker-config overlay) on top of an existing value of the same
// shape. Mirrors the CIConfig-from-yaml idiom used elsewhere in this package.
func LoadYAMLOverrides(data []byte, into any) error {
	return yaml.Unmarshal(data, into)
}

// RunnerEnvConfig is the Runner agent's own configuration.
type RunnerEnvConfig struct {
	Name                string
	ControlPlaneAPIURL  string
	APIKey              string
	AMQPURL             string
	Capabilities        []string
	MaxConcurrentJobs   int
	WorkspaceDir        string
	HeartbeatInterval   time.Duration
}

// LoadRunnerConfig reads RUNNER_*/RABBITMQ_* environment variables,
// failing on any missing required value.
func LoadRunnerConfig(getenv func(string) string) (*RunnerEnvConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := &RunnerEnvConfig{
		MaxConcurrentJobs: 4,
		WorkspaceDir:      "/var/lib/ops-runner/workspaces",
		HeartbeatInterval: 30 * time.Second,
	}
	cfg.Name = getenv("RUNNER_NAME")
	cfg.ControlPlaneAPIURL = getenv("CONTROL_PLANE_API_URL")
	cfg.APIKey = getenv("RUNNER_API_KEY")
	cfg.AMQPURL = getenv("RABBITMQ_AMQP_URL")

	missing := []string{}
	if cfg.Name == "" {
		missing = append(missing, "RUNNER_NAME")
	}
	if cfg.ControlPlaneAPIURL == "" {
		missing = append(missing, "CONTROL_PLANE_API_URL")
	}
	if cfg.APIKey == "" {
		missing = append(missing, "RUNNER_API_KEY")
	}
	if cfg.AMQPURL == "" {
		missing = append(missing, "RABBITMQ_AMQP_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if v := getenv("RUNNER_CAPABILITIES"); v != "" {
		for _, c := range strings.Split(v, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				cfg.Capabilities = append(cfg.Capabilities, c)
			}
		}
	}
	if v := getenv("RUNNER_MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentJobs = n
		}
	}
	if v := getenv("RUNNER_WORKSPACE_DIR"); v != "" {
		cfg.WorkspaceDir = v
	}
	if v := getenv("RUNNER_HEARTBEAT_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatInterval = time.Duration(n) * time.Second
		}
	}
	return cfg, nil
}
