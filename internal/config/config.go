// Package config manages arbcast daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/arbcast/internal/identity"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete arbcast configuration.
type Config struct {
	Node    NodeConfig    `koanf:"node"`
	RBC     RBCConfig     `koanf:"rbc"`
	Admin   AdminConfig   `koanf:"admin"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// NodeConfig identifies the local participant and lists the full static
// deployment.
type NodeConfig struct {
	// MyID is the local participant id. Must appear in Nodes.
	MyID uint16 `koanf:"my_id"`

	// Nodes is the complete participant table, identical on every node.
	// Its order matters: payload recovery asks the first 2t+1 entries.
	Nodes []NodeEntry `koanf:"nodes"`
}

// NodeEntry is one participant in the deployment.
type NodeEntry struct {
	// ID is the participant id, unique within the deployment.
	ID uint16 `koanf:"id"`

	// Address is the node's UDP host:port.
	Address string `koanf:"address"`

	// Privkey is the node's 32-byte Ed25519 seed, hex encoded. Peers only
	// derive the verification key from it; a deployment that must not
	// share seeds lists the real seed for the local node only and any
	// seed-preimage of the peer's public key otherwise.
	Privkey string `koanf:"privkey"`
}

// RBCConfig holds the broadcast runtime tuning knobs.
type RBCConfig struct {
	// QueueCapacity bounds each instance's input queue.
	QueueCapacity int `koanf:"queue_capacity"`

	// RetainDelivered is how long a delivered instance keeps answering
	// payload requests from lagging peers.
	RetainDelivered time.Duration `koanf:"retain_delivered"`

	// MaxInstances bounds the live instance table.
	MaxInstances int `koanf:"max_instances"`
}

// AdminConfig holds the HTTP admin API configuration.
type AdminConfig struct {
	// Addr is the admin API listen address (e.g., ":7180").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9180").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults. The
// node section has no default: the participant table must come from the
// file.
func DefaultConfig() *Config {
	return &Config{
		RBC: RBCConfig{
			QueueCapacity:   2048,
			RetainDelivered: 2 * time.Minute,
			MaxInstances:    65536,
		},
		Admin: AdminConfig{
			Addr: ":7180",
		},
		Metrics: MetricsConfig{
			Addr: ":9180",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for arbcast configuration.
// Variables are named ARBCAST_<section>_<key>, e.g., ARBCAST_ADMIN_ADDR.
const envPrefix = "ARBCAST_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (ARBCAST_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	ARBCAST_NODE_MY_ID    -> node.my_id
//	ARBCAST_ADMIN_ADDR    -> admin.addr
//	ARBCAST_METRICS_ADDR  -> metrics.addr
//	ARBCAST_METRICS_PATH  -> metrics.path
//	ARBCAST_LOG_LEVEL     -> log.level
//	ARBCAST_LOG_FORMAT    -> log.format
//
// The participant table has no environment form; it comes from the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// ARBCAST_ADMIN_ADDR -> admin.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms ARBCAST_ADMIN_ADDR -> admin.addr.
// Strips the ARBCAST_ prefix, lowercases, and replaces _ with .
//
// Keys whose YAML name itself contains an underscore are special-cased;
// the generic mapping would split them at the wrong place.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)

	switch s {
	case "node_my_id":
		return "node.my_id"
	case "rbc_queue_capacity":
		return "rbc.queue_capacity"
	case "rbc_retain_delivered":
		return "rbc.retain_delivered"
	case "rbc_max_instances":
		return "rbc.max_instances"
	}

	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"rbc.queue_capacity":   defaults.RBC.QueueCapacity,
		"rbc.retain_delivered": defaults.RBC.RetainDelivered.String(),
		"rbc.max_instances":    defaults.RBC.MaxInstances,
		"admin.addr":           defaults.Admin.Addr,
		"metrics.addr":         defaults.Metrics.Addr,
		"metrics.path":         defaults.Metrics.Path,
		"log.level":            defaults.Log.Level,
		"log.format":           defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrNoNodes indicates the participant table is empty.
	ErrNoNodes = errors.New("node.nodes must not be empty")

	// ErrDuplicateNodeID indicates two participant entries share an id.
	ErrDuplicateNodeID = errors.New("duplicate node id")

	// ErrSelfNotListed indicates node.my_id is missing from the table.
	ErrSelfNotListed = errors.New("node.my_id not present in node.nodes")

	// ErrEmptyNodeAddress indicates a participant entry has no address.
	ErrEmptyNodeAddress = errors.New("node address must not be empty")

	// ErrBadPrivkey indicates a participant seed is not 32 hex-encoded bytes.
	ErrBadPrivkey = errors.New("node privkey must be 64 hex characters")

	// ErrEmptyAdminAddr indicates the admin API listen address is empty.
	ErrEmptyAdminAddr = errors.New("admin.addr must not be empty")

	// ErrInvalidQueueCapacity indicates a non-positive instance queue bound.
	ErrInvalidQueueCapacity = errors.New("rbc.queue_capacity must be >= 1")

	// ErrInvalidMaxInstances indicates a non-positive instance table bound.
	ErrInvalidMaxInstances = errors.New("rbc.max_instances must be >= 1")

	// ErrNegativeRetain indicates a negative retention period.
	ErrNegativeRetain = errors.New("rbc.retain_delivered must be >= 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if err := validateNodes(&cfg.Node); err != nil {
		return err
	}

	if cfg.RBC.QueueCapacity < 1 {
		return ErrInvalidQueueCapacity
	}
	if cfg.RBC.MaxInstances < 1 {
		return ErrInvalidMaxInstances
	}
	if cfg.RBC.RetainDelivered < 0 {
		return ErrNegativeRetain
	}

	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	return nil
}

// validateNodes checks the participant table for completeness: ids
// unique, addresses present, seeds well-formed, self listed.
func validateNodes(nc *NodeConfig) error {
	if len(nc.Nodes) == 0 {
		return ErrNoNodes
	}

	seen := make(map[uint16]struct{}, len(nc.Nodes))
	selfListed := false

	for i, entry := range nc.Nodes {
		if _, dup := seen[entry.ID]; dup {
			return fmt.Errorf("node.nodes[%d] id %d: %w", i, entry.ID, ErrDuplicateNodeID)
		}
		seen[entry.ID] = struct{}{}

		if entry.Address == "" {
			return fmt.Errorf("node.nodes[%d] id %d: %w", i, entry.ID, ErrEmptyNodeAddress)
		}

		if _, err := entry.Seed(); err != nil {
			return fmt.Errorf("node.nodes[%d] id %d: %w", i, entry.ID, err)
		}

		if entry.ID == nc.MyID {
			selfListed = true
		}
	}

	if !selfListed {
		return fmt.Errorf("node.my_id %d: %w", nc.MyID, ErrSelfNotListed)
	}

	return nil
}

// -------------------------------------------------------------------------
// Identity Bridging
// -------------------------------------------------------------------------

// Seed decodes the entry's hex privkey into the raw 32-byte seed.
func (e NodeEntry) Seed() ([]byte, error) {
	seed, err := hex.DecodeString(e.Privkey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadPrivkey, err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadPrivkey, len(seed))
	}
	return seed, nil
}

// NodeSpecs converts the participant table into directory specs,
// preserving configuration order. Call after Validate; decode errors
// here mean the config was never validated.
func (nc NodeConfig) NodeSpecs() ([]identity.NodeSpec, error) {
	specs := make([]identity.NodeSpec, 0, len(nc.Nodes))
	for _, entry := range nc.Nodes {
		seed, err := entry.Seed()
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", entry.ID, err)
		}
		specs = append(specs, identity.NodeSpec{
			ID:      entry.ID,
			Address: entry.Address,
			Seed:    seed,
		})
	}
	return specs, nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
