// Package config loads the YAML file describing how to bring up a
// multiplexer: which connections to construct, which one is the default
// destination, and the static protocol-id routing table.
package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tenzoki/agen/mux/internal/connection"
	"github.com/tenzoki/agen/mux/internal/connection/local"
	"github.com/tenzoki/agen/mux/internal/connection/stub"
	"github.com/tenzoki/agen/mux/internal/connection/tcp"
	"github.com/tenzoki/agen/mux/internal/ids"
)

// Config is the top-level bring-up document.
type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	Connections       []ConnectionConfig `yaml:"connections"`
	DefaultConnection string             `yaml:"default_connection"`
	DefaultRouting    []RoutingEntry     `yaml:"default_routing,omitempty"`

	AwaitTimeoutSeconds int `yaml:"await_timeout_seconds"`
}

// ConnectionConfig declares one Connection to construct. Kind selects the
// variant; Params is kind-specific (see BuildConnections).
type ConnectionConfig struct {
	ID                    string            `yaml:"id"`
	Kind                  string            `yaml:"kind"`
	RestrictedToProtocols []string          `yaml:"restricted_to_protocols,omitempty"`
	Params                map[string]string `yaml:"params,omitempty"`
}

// RoutingEntry maps one protocol id to the connection id that should carry
// it, absent a more specific routing hint on the envelope's context.
type RoutingEntry struct {
	ProtocolID   string `yaml:"protocol_id"`
	ConnectionID string `yaml:"connection_id"`
}

// Supported ConnectionConfig.Kind values.
const (
	KindStub  = "stub"
	KindLocal = "local"
	KindTCP   = "tcp"
)

// Load reads and validates filename, applying defaults for anything left
// unset.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.AwaitTimeoutSeconds == 0 {
		cfg.AwaitTimeoutSeconds = 300
	}
	if cfg.AwaitTimeoutSeconds < 0 {
		return nil, fmt.Errorf("await timeout seconds cannot be negative: %d", cfg.AwaitTimeoutSeconds)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Connections) == 0 {
		return fmt.Errorf("config: at least one connection must be declared")
	}

	seen := make(map[string]bool, len(c.Connections))
	for _, cc := range c.Connections {
		if _, err := ids.Parse(cc.ID); err != nil {
			return fmt.Errorf("config: connection id %q: %w", cc.ID, err)
		}
		if seen[cc.ID] {
			return fmt.Errorf("config: duplicate connection id %q", cc.ID)
		}
		seen[cc.ID] = true

		switch cc.Kind {
		case KindStub, KindLocal, KindTCP:
		default:
			return fmt.Errorf("config: connection %q has unknown kind %q", cc.ID, cc.Kind)
		}
	}

	if c.DefaultConnection == "" {
		return fmt.Errorf("config: default_connection must be set")
	}
	if !seen[c.DefaultConnection] {
		return fmt.Errorf("config: default_connection %q does not match any declared connection", c.DefaultConnection)
	}

	for _, r := range c.DefaultRouting {
		if _, err := ids.Parse(r.ProtocolID); err != nil {
			return fmt.Errorf("config: routing entry protocol_id %q: %w", r.ProtocolID, err)
		}
		if !seen[r.ConnectionID] {
			return fmt.Errorf("config: routing entry references unknown connection_id %q", r.ConnectionID)
		}
	}

	return nil
}

// BuildConnections constructs one connection.Connection per declared entry,
// in file order, along with the index of DefaultConnection within that
// slice.
func (c *Config) BuildConnections(log *logrus.Logger) ([]connection.Connection, int, error) {
	conns := make([]connection.Connection, 0, len(c.Connections))
	defaultIndex := -1

	for _, cc := range c.Connections {
		id, err := ids.Parse(cc.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("config: connection id %q: %w", cc.ID, err)
		}

		restricted := make([]ids.ProtocolId, 0, len(cc.RestrictedToProtocols))
		for _, raw := range cc.RestrictedToProtocols {
			pid, err := ids.Parse(raw)
			if err != nil {
				return nil, 0, fmt.Errorf("config: connection %q restricted protocol %q: %w", cc.ID, raw, err)
			}
			restricted = append(restricted, pid)
		}

		conn, err := buildOne(id, restricted, cc, log)
		if err != nil {
			return nil, 0, err
		}
		conns = append(conns, conn)
		if cc.ID == c.DefaultConnection {
			defaultIndex = len(conns) - 1
		}
	}

	if defaultIndex < 0 {
		return nil, 0, fmt.Errorf("config: default_connection %q was not built", c.DefaultConnection)
	}
	return conns, defaultIndex, nil
}

func buildOne(id ids.ConnectionId, restricted []ids.ProtocolId, cc ConnectionConfig, log *logrus.Logger) (connection.Connection, error) {
	switch cc.Kind {
	case KindStub:
		input, output := cc.Params["input_file"], cc.Params["output_file"]
		if input == "" || output == "" {
			return nil, fmt.Errorf("config: stub connection %q requires params.input_file and params.output_file", cc.ID)
		}
		return stub.New(id, restricted, input, output, log), nil

	case KindLocal:
		return nil, fmt.Errorf("config: local connection %q cannot be built standalone from config; wire it in code with local.NewPair", cc.ID)

	case KindTCP:
		address := cc.Params["address"]
		if address == "" {
			return nil, fmt.Errorf("config: tcp connection %q requires params.address", cc.ID)
		}
		return tcp.Dial(id, restricted, address, log), nil

	default:
		return nil, fmt.Errorf("config: connection %q has unknown kind %q", cc.ID, cc.Kind)
	}
}

// ResolveDefaultRouting converts the declared routing entries into the map
// shape Multiplexer.SetDefaultRouting expects.
func (c *Config) ResolveDefaultRouting() (map[ids.ProtocolId]ids.ConnectionId, error) {
	routing := make(map[ids.ProtocolId]ids.ConnectionId, len(c.DefaultRouting))
	for _, r := range c.DefaultRouting {
		pid, err := ids.Parse(r.ProtocolID)
		if err != nil {
			return nil, fmt.Errorf("config: routing entry protocol_id %q: %w", r.ProtocolID, err)
		}
		cid, err := ids.Parse(r.ConnectionID)
		if err != nil {
			return nil, fmt.Errorf("config: routing entry connection_id %q: %w", r.ConnectionID, err)
		}
		routing[pid] = cid
	}
	return routing, nil
}
