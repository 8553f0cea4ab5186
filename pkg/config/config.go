// Package config loads vault configuration from a YAML file.
//
// A Config is built once from Default() plus the file and never changed
// afterwards; components receive the parts they need through their own
// Config structs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/transport"
	"go.uber.org/multierr"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Config is the vault configuration
type Config struct {
	// Contacts are endpoints of existing vaults used to join the network
	Contacts []string `yaml:"contacts"`

	// Whitelist restricts which addresses may connect. Empty lists allow all.
	Whitelist WhitelistConfig `yaml:"whitelist"`

	ListenPort           int    `yaml:"listen_port"`
	ServiceDiscoveryPort int    `yaml:"service_discovery_port"`
	BootstrapCache       string `yaml:"bootstrap_cache"`

	// NetworkName separates independent networks. It is NFKC-normalized.
	NetworkName string `yaml:"network_name"`

	DisableReachabilityCheck bool `yaml:"disable_reachability_check"`
	AllowMultipleLocalNodes  bool `yaml:"allow_multiple_local_nodes"`
	DisableClientRateLimiter bool `yaml:"disable_client_rate_limiter"`
	DisableResourceProof     bool `yaml:"disable_resource_proof"`
	DisableMutationLimit     bool `yaml:"disable_mutation_limit"`

	MinSectionSize int    `yaml:"min_section_size"`
	WalletAddress  string `yaml:"wallet_address"`
	MaxCapacity    uint64 `yaml:"max_capacity"`

	Log LogConfig `yaml:"log"`

	// Transport is "quic" or "tcp"
	Transport string `yaml:"transport"`

	Quorum           QuorumConfig   `yaml:"quorum"`
	ProposalTimeout  time.Duration  `yaml:"proposal_timeout"`
	RetryBudget      int            `yaml:"retry_budget"`
	TickInterval     time.Duration  `yaml:"tick_interval"`
	ChallengeTimeout time.Duration  `yaml:"challenge_timeout"`
	RateLimit        RateConfig     `yaml:"rate_limit"`
	MaxMutations     uint64         `yaml:"max_mutations"`
	Liveness         LivenessConfig `yaml:"liveness"`

	ControlAddr  string `yaml:"control_addr"`
	MetricsAddr  string `yaml:"metrics_addr"`
	IdentityFile string `yaml:"identity_file"`
}

// WhitelistConfig lists IP addresses or CIDR ranges
type WhitelistConfig struct {
	Nodes   []string `yaml:"nodes"`
	Clients []string `yaml:"clients"`
}

// LogConfig sets the default log level and per-subsystem overrides
type LogConfig struct {
	Level       string            `yaml:"level"`
	Levels      map[string]string `yaml:"levels"`
	Development bool              `yaml:"development"`
}

// QuorumConfig is the fraction of a section that must exceed for agreement
type QuorumConfig struct {
	Numerator   int `yaml:"numerator"`
	Denominator int `yaml:"denominator"`
}

// RateConfig configures the per-client token bucket
type RateConfig struct {
	Burst           float64 `yaml:"burst"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// LivenessConfig sets when silent members become suspect and then lost
type LivenessConfig struct {
	SuspectAfter time.Duration `yaml:"suspect_after"`
	FailAfter    time.Duration `yaml:"fail_after"`
}

// Default returns the configuration used for any option the file omits
func Default() *Config {
	return &Config{
		ListenPort:           constants.DefaultListenPort,
		ServiceDiscoveryPort: constants.DefaultServiceDiscoveryPort,
		NetworkName:          constants.DefaultNetworkName,
		MinSectionSize:       constants.DefaultMinSectionSize,
		MaxCapacity:          constants.DefaultMaxCapacity,
		Log:                  LogConfig{Level: "info"},
		Transport:            "quic",
		Quorum: QuorumConfig{
			Numerator:   constants.DefaultQuorumNumerator,
			Denominator: constants.DefaultQuorumDenominator,
		},
		ProposalTimeout:  constants.DefaultProposalTimeout,
		RetryBudget:      constants.DefaultRetryBudget,
		TickInterval:     constants.DefaultTickInterval,
		ChallengeTimeout: constants.DefaultChallengeTimeout,
		RateLimit: RateConfig{
			Burst:           constants.DefaultRateBurst,
			RefillPerSecond: constants.DefaultRateRefillPerSec,
		},
		MaxMutations: constants.DefaultMaxMutations,
		Liveness: LivenessConfig{
			SuspectAfter: constants.DefaultSuspectAfter,
			FailAfter:    constants.DefaultFailAfter,
		},
		ControlAddr:  "127.0.0.1:5490",
		IdentityFile: "vault.key",
	}
}

// Load reads the YAML file at path over the defaults. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.NetworkName = NormalizeNetworkName(cfg.NetworkName)
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	return cfg, nil
}

// NormalizeNetworkName trims and NFKC-normalizes a network name so visually
// identical names select the same network
func NormalizeNetworkName(name string) string {
	return norm.NFKC.String(strings.TrimSpace(name))
}

// Validate checks the configuration and reports every problem found
func (c *Config) Validate() error {
	var errs error

	if c.NetworkName == "" {
		errs = multierr.Append(errs, fmt.Errorf("network_name is required"))
	}
	if c.MinSectionSize < constants.MinSectionSizeFloor {
		errs = multierr.Append(errs, fmt.Errorf("min_section_size %d is below the floor of %d",
			c.MinSectionSize, constants.MinSectionSizeFloor))
	}
	if c.MaxCapacity == 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_capacity must be positive"))
	}

	num, den := c.Quorum.Numerator, c.Quorum.Denominator
	if num <= 0 || den <= 0 || num*2 < den || num >= den {
		errs = multierr.Append(errs, fmt.Errorf("quorum %d/%d must lie in [1/2, 1)", num, den))
	}

	switch c.Transport {
	case "quic", "tcp":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	for _, port := range []struct {
		name  string
		value int
	}{
		{"listen_port", c.ListenPort},
		{"service_discovery_port", c.ServiceDiscoveryPort},
	} {
		if port.value < 0 || port.value > 65535 {
			errs = multierr.Append(errs, fmt.Errorf("%s %d out of range", port.name, port.value))
		}
	}
	if c.ListenPort != 0 && c.ListenPort == c.ServiceDiscoveryPort {
		errs = multierr.Append(errs, fmt.Errorf("listen_port and service_discovery_port must differ"))
	}

	if _, err := transport.ParseWhitelist(c.Whitelist.Nodes); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("whitelist.nodes: %w", err))
	}
	if _, err := transport.ParseWhitelist(c.Whitelist.Clients); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("whitelist.clients: %w", err))
	}

	if c.ProposalTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("proposal_timeout must be positive"))
	}
	if c.TickInterval <= 0 || c.TickInterval >= c.ProposalTimeout {
		errs = multierr.Append(errs, fmt.Errorf("tick_interval must be positive and shorter than proposal_timeout"))
	}
	if c.RetryBudget <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("retry_budget must be positive"))
	}
	if c.ChallengeTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("challenge_timeout must be positive"))
	}
	if !c.DisableClientRateLimiter && (c.RateLimit.Burst < 1 || c.RateLimit.RefillPerSecond <= 0) {
		errs = multierr.Append(errs, fmt.Errorf("rate_limit needs burst >= 1 and a positive refill_per_second"))
	}
	if !c.DisableMutationLimit && c.MaxMutations == 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_mutations must be positive"))
	}
	if c.Liveness.SuspectAfter <= 0 || c.Liveness.FailAfter <= c.Liveness.SuspectAfter {
		errs = multierr.Append(errs, fmt.Errorf("liveness needs 0 < suspect_after < fail_after"))
	}

	return errs
}

// ListenAddr returns the address the vault listens on
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.ListenPort)
}
