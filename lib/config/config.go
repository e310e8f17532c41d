/*
Copyright 2024 Gravitational, Inc.

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

// Package config loads the service configuration from a YAML file.
package config

import (
	"log/slog"
	"os"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"

	"github.com/gravitational/u2fval/lib/defaults"
)

// Config is the on-disk service configuration.
type Config struct {
	// DatabaseURI is the relational store connection string.
	DatabaseURI string `json:"database_uri"`
	// UseCache moves pending ceremonies to an external cache instead of
	// the database.
	UseCache bool `json:"use_cache"`
	// CacheServers lists the cache servers, host:port.
	CacheServers []string `json:"cache_servers"`
	// Metadata is an attestation metadata file or directory.
	Metadata string `json:"metadata"`
	// AllowUntrusted permits registration of devices without trusted
	// attestation.
	AllowUntrusted bool `json:"allow_untrusted"`
	// ListenAddr is the HTTP listen address.
	ListenAddr string `json:"listen_addr"`
	// ClientHeader names the trusted header carrying the client
	// principal.
	ClientHeader string `json:"client_header"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.DatabaseURI == "" {
		c.DatabaseURI = defaults.DatabaseURI
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.ClientHeader == "" {
		c.ClientHeader = defaults.ClientHeader
	}
	if c.UseCache && len(c.CacheServers) == 0 {
		return trace.BadParameter("use_cache is set but cache_servers is empty")
	}
	if c.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
			return trace.BadParameter("invalid log_level %q", c.LogLevel)
		}
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if c.LogLevel != "" {
		_ = level.UnmarshalText([]byte(c.LogLevel))
	}
	return level
}

// ReadFromFile loads configuration from a YAML file.
func ReadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	cfg, err := Read(data)
	if err != nil {
		return nil, trace.Wrap(err, "parsing %v", path)
	}
	return cfg, nil
}

// Read parses configuration from YAML bytes and applies defaults.
func Read(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.BadParameter("invalid configuration: %v", err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}
