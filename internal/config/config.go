// Package config provides centralized, layered configuration for the
// Layer-2 dispatcher. ALL dispatcher parameters (protocol endpoints, fee
// policies, HSM provider order, audit/logging) are defined here. No
// hardcoded values should exist elsewhere in the codebase.
//
// Configuration is layered: built-in defaults, then an optional YAML
// file, then environment variables, then programmatic overrides, each
// taking priority over the last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/l2dispatch/internal/hsm"
	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/internal/layer2"
)

// NetworkType selects mainnet or testnet endpoints/parameters across every
// registered protocol. Changing it requires a restart (§9 design note):
// adapters cache network-specific chain params at construction time.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// LoggingConfig holds logging settings. Level is hot-reloadable; File is
// not (the log sink is opened once at startup).
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// AuditConfig configures the tamper-evident audit log (internal/hsm/audit).
type AuditConfig struct {
	Path          string `yaml:"path"`
	Encrypt       bool   `yaml:"encrypt"`
	RetentionDays uint32 `yaml:"retention_days"`
}

// HSMConfig configures the provider Factory (internal/hsm). ProviderOrder
// is hot-reloadable; the rest — which cryptographic backend variants are
// even compiled/linked in — requires a restart.
type HSMConfig struct {
	ProviderOrder         []hsm.Variant      `yaml:"provider_order"`
	Policy                hsm.FallbackPolicy `yaml:"fallback_policy"`
	AllowSoftwareFallback bool               `yaml:"allow_software_fallback"`
}

// FeePolicy parameterizes EstimateFees calls for one protocol. Hot-reloadable.
type FeePolicy struct {
	Priority string `yaml:"priority"`
}

// ProtocolConfig enables and parameterizes one registered adapter.
type ProtocolConfig struct {
	Enabled          bool   `yaml:"enabled"`
	RPCURL           string `yaml:"rpc_url"`
	MinConfirmations uint32 `yaml:"min_confirmations"`
}

// Config is the dispatcher's full configuration, loaded in layers:
// DefaultConfig() < LoadFile(path) < ApplyEnv() < ApplyOverrides().
type Config struct {
	SchemaVersion int                                   `yaml:"schema_version"`
	Network       NetworkType                           `yaml:"network"`
	DataDir       string                                `yaml:"data_dir"`
	Logging       LoggingConfig                         `yaml:"logging"`
	Audit         AuditConfig                           `yaml:"audit"`
	HSM           HSMConfig                             `yaml:"hsm"`
	Protocols     map[layer2.ProtocolID]ProtocolConfig  `yaml:"protocols"`
	FeePolicies   map[layer2.ProtocolID]FeePolicy       `yaml:"fee_policies"`
}

// CurrentSchemaVersion is checked first when loading a file; a mismatch is
// a Config error rather than a best-effort upgrade, since the dispatcher
// has no migration tooling yet.
const CurrentSchemaVersion = 1

// DefaultConfig returns a Config with sensible defaults: mainnet, every
// protocol disabled (the operator opts each one in), HSM provider order
// [software] with no fallback.
func DefaultConfig() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		Network:       Mainnet,
		DataDir:       "~/.l2dispatch",
		Logging:       LoggingConfig{Level: "info"},
		Audit: AuditConfig{
			Path:          "~/.l2dispatch/audit.log",
			RetentionDays: 90,
		},
		HSM: HSMConfig{
			ProviderOrder: []hsm.Variant{hsm.VariantSoftware},
			Policy:        hsm.FallbackFail,
		},
		Protocols:   map[layer2.ProtocolID]ProtocolConfig{},
		FeePolicies: map[layer2.ProtocolID]FeePolicy{},
	}
}

// LoadFile reads and strictly decodes a YAML config file: any top-level
// key this struct does not declare is an UnknownOption error rather than
// a silently-ignored typo, since an unrecognized HSM or protocol key
// could otherwise leave a provider unconfigured without any warning.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, l2err.Wrap(l2err.Config, "failed to open config file", err)
	}
	defer f.Close()

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if strings.Contains(err.Error(), "not found in type") || strings.Contains(err.Error(), "unknown field") {
			return nil, l2err.Wrap(l2err.UnknownOption, "config file contains an unrecognized option", err)
		}
		return nil, l2err.Wrap(l2err.Config, "failed to parse config file", err)
	}

	if cfg.SchemaVersion != CurrentSchemaVersion {
		return nil, l2err.New(l2err.Config, fmt.Sprintf("unsupported config schema version %d, expected %d", cfg.SchemaVersion, CurrentSchemaVersion))
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return l2err.Wrap(l2err.Internal, "failed to create config directory", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return l2err.Wrap(l2err.Internal, "failed to marshal config", err)
	}
	header := []byte("# l2dispatch configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return l2err.Wrap(l2err.Internal, "failed to write config file", err)
	}
	return nil
}

// envPrefix namespaces every recognized environment variable.
const envPrefix = "L2DISPATCH_"

// ApplyEnv overlays recognized environment variables onto cfg, per §6:
//
//	L2DISPATCH_NETWORK, L2DISPATCH_LOG_LEVEL, L2DISPATCH_DATA_DIR,
//	L2DISPATCH_HSM_PROVIDER_ORDER (comma-separated),
//	L2DISPATCH_HSM_ALLOW_SOFTWARE_FALLBACK (bool)
//
// Unrecognized L2DISPATCH_* variables are ignored, not errors: unlike the
// file loader, the environment is not a closed, validated schema.
func ApplyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(envPrefix + "NETWORK"); ok {
		cfg.Network = NetworkType(v)
	}
	if v, ok := os.LookupEnv(envPrefix + "LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := os.LookupEnv(envPrefix + "DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv(envPrefix + "HSM_PROVIDER_ORDER"); ok {
		parts := strings.Split(v, ",")
		order := make([]hsm.Variant, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				order = append(order, hsm.Variant(p))
			}
		}
		cfg.HSM.ProviderOrder = order
	}
	if v, ok := os.LookupEnv(envPrefix + "HSM_ALLOW_SOFTWARE_FALLBACK"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HSM.AllowSoftwareFallback = b
		}
	}
}

// Overrides carries programmatic settings applied after file+env, the
// layer a CLI flag or embedding application uses.
type Overrides struct {
	Network  *NetworkType
	LogLevel *string
	DataDir  *string
}

// ApplyOverrides layers programmatic overrides onto cfg, the final and
// highest-priority layer.
func ApplyOverrides(cfg *Config, o Overrides) {
	if o.Network != nil {
		cfg.Network = *o.Network
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.DataDir != nil {
		cfg.DataDir = *o.DataDir
	}
}

// ValidateForRelease rejects configurations unsafe for a release build:
// the simulator HSM provider must never be reachable in production (§8
// boundary behavior). Returns l2err.Config, mapped to exit code 1.
func (c *Config) ValidateForRelease() error {
	for _, v := range c.HSM.ProviderOrder {
		if v == hsm.VariantSimulator {
			return l2err.New(l2err.Config, "hsm provider_order must not include simulator in a release build")
		}
	}
	return nil
}

// ExpandDataDir expands a leading ~ to the user's home directory.
func (c *Config) ExpandDataDir() string {
	return expandPath(c.DataDir)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// HotReloadable applies the subset of next that §9 permits to change
// without a restart (fee_policies, log_level, hsm.provider_order) onto c
// in place. Network selection is baked into adapters at construction
// time, so a reload that also changes it is rejected entirely rather than
// silently applying only the safe subset.
func (c *Config) HotReloadable(next *Config) error {
	if c.Network != next.Network {
		return l2err.New(l2err.Config, "network selection cannot be hot-reloaded, restart required")
	}
	c.FeePolicies = next.FeePolicies
	c.Logging.Level = next.Logging.Level
	c.HSM.ProviderOrder = next.HSM.ProviderOrder
	return nil
}
