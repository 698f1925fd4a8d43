/*
Copyright 2025 the ICVSB authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads service configuration from an optional YAML file with
// environment variables taking precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListenAddr  = ":8080"
	DefaultDatabaseURL = "sqlite://icvsb.db"
	DefaultDatabaseLog = "icvsb.db.log"
)

// Config is the full service configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	DatabaseURL     string `yaml:"database_connection_url"`
	DatabaseLogFile string `yaml:"database_log_file"`
	LoggerFile      string `yaml:"logger_file"`

	ProviderDeadline time.Duration `yaml:"provider_deadline"`

	GoogleAPIKey         string `yaml:"google_api_key"`
	GoogleEndpoint       string `yaml:"google_endpoint"`
	AzureSubscriptionKey string `yaml:"azure_subscription_key"`
	AzureEndpoint        string `yaml:"azure_endpoint"`
	AWSRegion            string `yaml:"aws_region"`
}

// Load reads the YAML file at path when path is non-empty, then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	overrideString(&cfg.ListenAddr, "ICVSB_LISTEN_ADDR")
	overrideString(&cfg.DatabaseURL, "ICVSB_DATABASE_CONNECTION_URL")
	overrideString(&cfg.DatabaseLogFile, "ICVSB_DATABASE_LOG_FILE")
	overrideString(&cfg.LoggerFile, "ICVSB_LOGGER_FILE")
	overrideString(&cfg.GoogleAPIKey, "GOOGLE_API_KEY")
	overrideString(&cfg.AzureSubscriptionKey, "AZURE_SUBSCRIPTION_KEY")
	overrideString(&cfg.AWSRegion, "AWS_REGION")

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = DefaultDatabaseURL
	}
	if cfg.DatabaseLogFile == "" {
		cfg.DatabaseLogFile = DefaultDatabaseLog
	}

	return cfg, nil
}

func overrideString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*dst = v
	}
}
