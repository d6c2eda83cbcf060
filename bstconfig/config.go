// Package bstconfig loads the small ambient bootstrap configuration every
// core component needs before any element is parsed: cache root, quota
// expression, worker pool sizing, and remote CAS endpoints: a single YAML
// file, one struct, validated once at startup and threaded explicitly
// through constructors — never a package-level singleton.
/*
 * Copyright (c) 2024, BuildStream Go Authors. All rights reserved.
 */
package bstconfig

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v2"

	"github.com/buildstream-go/bst-core/cmn/cerr"
)

// RemoteConfig describes one remote CAS server this process may pull from
// and/or push to.
type RemoteConfig struct {
	Address    string `yaml:"address"`
	Instance   string `yaml:"instance"`
	Push       bool   `yaml:"push"`
	Priority   int    `yaml:"priority"` // lower runs first on pull
	ServerCA   string `yaml:"server-ca"`
	ClientCert string `yaml:"client-cert"`
	ClientKey  string `yaml:"client-key"`
	Insecure   bool   `yaml:"insecure"` // plaintext, loopback/testing only
}

// ServerConfig holds listen/TLS settings for a CAS server. cmd/cas-server
// takes its settings as command-line flags and does not read this struct.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	ServerKey   string `yaml:"server-key"`
	ServerCert  string `yaml:"server-cert"`
	ClientCerts string `yaml:"client-certs"` // non-empty enables mutual TLS
	AllowPush   bool   `yaml:"allow-push"`
	AuthToken   string `yaml:"auth-token"` // optional bearer token, checked alongside mTLS
}

// Config is the whole bootstrap file.
type Config struct {
	CacheRoot    string         `yaml:"cache-root"`
	Quota        string         `yaml:"quota"`          // size expression; empty means "infinity"
	Headroom     int64          `yaml:"headroom-bytes"` // 2GiB in production, 0 in tests
	WorkersFetch int            `yaml:"workers-fetch"`
	WorkersBuild int            `yaml:"workers-build"`
	WorkersPush  int            `yaml:"workers-push"`
	MaxRetries   int            `yaml:"max-retries"`
	Remotes      []RemoteConfig `yaml:"remotes"`
	Server       ServerConfig   `yaml:"server"`
}

// DefaultHeadroomBytes is the production default.
const DefaultHeadroomBytes = 2 << 30

// Load reads and validates a bootstrap config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, cerr.Wrap(cerr.Load, cerr.MissingFile, "cannot read config file", err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, cerr.Wrap(cerr.Load, cerr.InvalidYAML, "cannot parse config file", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Headroom == 0 {
		c.Headroom = DefaultHeadroomBytes
	}
	if c.WorkersFetch == 0 {
		c.WorkersFetch = 4
	}
	if c.WorkersBuild == 0 {
		c.WorkersBuild = 4
	}
	if c.WorkersPush == 0 {
		c.WorkersPush = 4
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

func (c *Config) validate() error {
	if c.CacheRoot == "" {
		return cerr.New(cerr.Load, cerr.InvalidData, "cache-root is required")
	}
	for i, r := range c.Remotes {
		if r.Address == "" {
			return cerr.New(cerr.Load, cerr.InvalidData, "remotes["+strconv.Itoa(i)+"].address is required")
		}
	}
	return nil
}
