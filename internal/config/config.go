// Package config loads and validates the broker's TOML configuration file,
// mirroring the shape of giztoy's internal/config (Load returning
// (*Config, error)) but targeting a single broker-wide TOML file instead
// of a directory of per-context YAML service configs.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/pelletier/go-toml/v2"
)

// Network holds the broker's four listener addresses: plain TCP, TLS, and
// the two WebSocket ports (plain and TLS-terminated).
type Network struct {
	TCPPort       int    `toml:"tcp_port"`
	TLSPort       int    `toml:"tls_port"`
	WebSocketPort int    `toml:"websocket_port"`
	WebSocketsPort int   `toml:"websockets_port"`
	TLSCert       string `toml:"tls_cert"`
	TLSKey        string `toml:"tls_key"`
}

// Runtime holds process-level tunables.
type Runtime struct {
	WorkerThreads int `toml:"worker_threads"`
}

// Metadata holds the addresses of the external metadata/placement service.
type Metadata struct {
	PlacementCenterAddrs []string `toml:"placement_center_addrs"`
}

// Journal controls where published messages are persisted. A zero value
// means "local disk under --data-dir"; setting RemoteAddr delegates
// append/read to a standalone journal service node instead.
type Journal struct {
	RemoteAddr string `toml:"remote_addr"`
}

// MQTT holds the cluster's negotiated protocol capability flags, mirrored
// 1:1 onto pkg/metadata.Cluster once loaded.
type MQTT struct {
	MaxPacketSize                uint32 `toml:"max_packet_size" json:"max_packet_size"`
	RetainAvailable              bool   `toml:"retain_available" json:"retain_available"`
	WildcardSubscriptionAvailable bool  `toml:"wildcard_subscription_available" json:"wildcard_subscription_available"`
	SharedSubscriptionAvailable  bool   `toml:"shared_subscription_available" json:"shared_subscription_available"`
	MaxQoS                       byte   `toml:"max_qos" json:"max_qos"`
}

// Config is the broker's complete TOML configuration.
type Config struct {
	ClusterName string   `toml:"cluster_name" json:"cluster_name"`
	BrokerID    string   `toml:"broker_id" json:"broker_id"`
	Network     Network  `toml:"network" json:"network"`
	Runtime     Runtime  `toml:"runtime" json:"runtime"`
	Metadata    Metadata `toml:"metadata" json:"metadata"`
	Journal     Journal  `toml:"journal" json:"journal"`
	MQTT        MQTT     `toml:"mqtt" json:"mqtt"`
}

// Load reads and decodes the TOML file at path. It does not validate;
// callers that need validation should follow with Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks cfg against a JSON Schema generated from Config's own
// field tags, catching type mismatches and out-of-range values (e.g.
// max_qos > 2) before the broker starts listening.
func Validate(cfg *Config) error {
	schema, err := jsonschema.For[Config](nil)
	if err != nil {
		return fmt.Errorf("config: build schema: %w", err)
	}
	addConstraints(schema)

	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("config: resolve schema: %w", err)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal for validation: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("config: unmarshal for validation: %w", err)
	}

	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// addConstraints layers max_qos's numeric upper bound onto the
// struct-derived schema (jsonschema.For has no tag for "maximum").
func addConstraints(schema *jsonschema.Schema) {
	mqtt, ok := schema.Properties["mqtt"]
	if !ok || mqtt == nil {
		return
	}
	if maxQoS, ok := mqtt.Properties["max_qos"]; ok && maxQoS != nil {
		max := float64(2)
		maxQoS.Maximum = &max
	}
}
