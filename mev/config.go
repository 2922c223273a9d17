package mev

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"
)

var ErrInvalidProtectionConfig = errors.New("invalid protection config")

// DefaultRelays are the bundle relays known per chain id.
var DefaultRelays = map[uint64]string{
	1: "https://relay.flashbots.net",
	5: "https://relay-goerli.flashbots.net",
}

type PrivatePool struct {
	Name string
	URL  string
	// ChainID 0 serves every chain.
	ChainID uint64
}

type Config struct {
	DefaultLevel ProtectionLevel
	// Advanced switches the analyzer to the finer CRITICAL..LOW ladder.
	Advanced bool
	// SigningKey signs relay requests, bundle levels degrade without it.
	SigningKey    *ecdsa.PrivateKey
	Pools         []PrivatePool
	Relays        map[uint64]string
	ExtraRouters  []common.Address
	StealthWindow uint64
	BlockTimeout  time.Duration
	SubmitTimeout time.Duration
}

func DefaultConfig() Config {
	relays := make(map[uint64]string, len(DefaultRelays))
	for id, url := range DefaultRelays {
		relays[id] = url
	}
	return Config{
		DefaultLevel:  ProtectionStandard,
		Relays:        relays,
		StealthWindow: 3,
		BlockTimeout:  5 * time.Second,
		SubmitTimeout: 10 * time.Second,
	}
}

// PoolsForChain returns the private pools serving chainID in configuration order.
func (c Config) PoolsForChain(chainID uint64) []PrivatePool {
	var res []PrivatePool
	for _, p := range c.Pools {
		if p.ChainID == 0 || p.ChainID == chainID {
			res = append(res, p)
		}
	}
	return res
}

type ProtectionFile struct {
	Advanced     bool `yaml:"advanced"`
	PrivatePools []struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		ChainID  uint64 `yaml:"chain_id"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"private_pools"`
	Relays []struct {
		ChainID uint64 `yaml:"chain_id"`
		URL     string `yaml:"url"`
	} `yaml:"relays"`
	Routers []string `yaml:"routers"`
}

// LoadProtectionFile overlays pools, relays and extra routers from a yaml file onto config.
func LoadProtectionFile(file string, config *Config) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	var pf ProtectionFile
	err = yaml.Unmarshal(data, &pf)
	if err != nil {
		return err
	}

	if pf.Advanced {
		config.Advanced = true
	}
	for _, p := range pf.PrivatePools {
		if p.Disabled {
			continue
		}
		if p.Name == "" || p.URL == "" {
			return fmt.Errorf("%w: private pool needs name and url", ErrInvalidProtectionConfig)
		}
		config.Pools = append(config.Pools, PrivatePool{Name: p.Name, URL: p.URL, ChainID: p.ChainID})
	}
	if config.Relays == nil {
		config.Relays = make(map[uint64]string)
	}
	for _, r := range pf.Relays {
		if r.ChainID == 0 || r.URL == "" {
			return fmt.Errorf("%w: relay needs chain_id and url", ErrInvalidProtectionConfig)
		}
		config.Relays[r.ChainID] = r.URL
	}
	for _, r := range pf.Routers {
		if !common.IsHexAddress(r) {
			return fmt.Errorf("%w: router %q", ErrInvalidProtectionConfig, r)
		}
		config.ExtraRouters = append(config.ExtraRouters, common.HexToAddress(r))
	}
	return nil
}

// ConfigFromEnv loads `mev` config from environment.
// - `DEFAULT_PROTECTION_LEVEL` none, basic, standard, maximum or stealth (default standard)
// - `BUNDLE_SIGNING_KEY` hex private key for relay requests, bundle levels are unavailable without it
// - `PROTECTION_CONFIG` yaml file with private pools, relays and extra routers
// - `MEV_ADVANCED_ANALYSIS` use the finer risk ladder
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig()
	if v := os.Getenv("DEFAULT_PROTECTION_LEVEL"); v != "" {
		level, err := ParseProtectionLevel(v)
		if err != nil {
			return config, err
		}
		config.DefaultLevel = level
	}
	if v := os.Getenv("BUNDLE_SIGNING_KEY"); v != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(v, "0x"))
		if err != nil {
			return config, fmt.Errorf("BUNDLE_SIGNING_KEY: %w", err)
		}
		config.SigningKey = key
	}
	if v := os.Getenv("MEV_ADVANCED_ANALYSIS"); v != "" {
		advanced, err := strconv.ParseBool(v)
		if err != nil {
			return config, fmt.Errorf("MEV_ADVANCED_ANALYSIS: %w", err)
		}
		config.Advanced = advanced
	}
	if v := os.Getenv("PROTECTION_CONFIG"); v != "" {
		if err := LoadProtectionFile(v, &config); err != nil {
			return config, fmt.Errorf("PROTECTION_CONFIG: %w", err)
		}
	}
	return config, nil
}
