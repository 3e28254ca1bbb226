// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads rpcframe settings from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luxfi/rpcframe/extension"
)

// Property keys handed to extension factories.
const (
	PropZookeeperAddress  = "registry.zookeeper.address"
	PropZookeeperSession  = "registry.zookeeper.session_timeout"
	PropHTTPRegistryURL   = "registry.http.url"
	PropHTTPHeartbeat     = "registry.http.heartbeat"
	PropConsistentReplica = "loadbalance.consistenthash.replicas"
)

// Config holds every setting of a client or server.
type Config struct {
	Registry    Registry `yaml:"registry"`
	Transport   string   `yaml:"transport"`
	Serializer  string   `yaml:"serializer"`
	Compressor  string   `yaml:"compressor"`
	LoadBalance string   `yaml:"loadbalance"`
	Server      Server   `yaml:"server"`
	Client      Client   `yaml:"client"`
}

// Registry selects and configures the registry backend.
type Registry struct {
	Backend string `yaml:"backend"`
	// Address is the zookeeper connect string or the http registry URL of
	// the selected backend. Empty uses the backend's own default.
	Address        string        `yaml:"address"`
	Root           string        `yaml:"root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
}

// Server configures the provider side.
type Server struct {
	Listen      string        `yaml:"listen"`
	Advertise   string        `yaml:"advertise"`
	MaxConns    int           `yaml:"max_conns"`
	Workers     int64         `yaml:"workers"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Client configures the caller side.
type Client struct {
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	MaxMissedHeartbeats int           `yaml:"max_missed_heartbeats"`
	ConsistentReplicas  int           `yaml:"consistent_replicas"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Registry: Registry{
			Backend:        "zk",
			Root:           "/rpcframe",
			SessionTimeout: 30 * time.Second,
		},
		Transport:   "tcp",
		Serializer:  "msgpack",
		Compressor:  "gzip",
		LoadBalance: "consistenthash",
		Server: Server{
			Listen:      ":9998",
			IdleTimeout: 30 * time.Second,
			Workers:     256,
		},
		Client: Client{
			RequestTimeout:      10 * time.Second,
			ConnectTimeout:      5 * time.Second,
			HeartbeatInterval:   5 * time.Second,
			MaxMissedHeartbeats: 3,
		},
	}
}

// Load reads the YAML file at path over the defaults. ${VAR} references
// are expanded from the environment first.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(raw)
}

// Parse reads YAML over the defaults.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Transport == "":
		return fmt.Errorf("config: transport is required")
	case c.Serializer == "":
		return fmt.Errorf("config: serializer is required")
	case c.Registry.Backend == "":
		return fmt.Errorf("config: registry backend is required")
	case c.Client.RequestTimeout < 0 || c.Client.HeartbeatInterval < 0:
		return fmt.Errorf("config: negative client timeout")
	}
	return nil
}

// Properties flattens the settings extension factories read.
func (c *Config) Properties() extension.Properties {
	p := extension.Properties{}
	if addr := c.Registry.Address; addr != "" {
		switch c.Registry.Backend {
		case "zk":
			p[PropZookeeperAddress] = addr
		case "http":
			p[PropHTTPRegistryURL] = addr
		}
	}
	if c.Registry.SessionTimeout > 0 {
		p[PropZookeeperSession] = c.Registry.SessionTimeout.String()
	}
	if c.Registry.Heartbeat > 0 {
		p[PropHTTPHeartbeat] = c.Registry.Heartbeat.String()
	}
	if c.Client.ConsistentReplicas > 0 {
		p[PropConsistentReplica] = strconv.Itoa(c.Client.ConsistentReplicas)
	}
	return p
}
