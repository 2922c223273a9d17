package nodepool

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidEndpoint = errors.New("invalid endpoint specification")

	defaultRateLimit    = 10.0
	envRateLimit        = 25.0
	defaultCallTimeout  = 10 * time.Second
	maxNumberedNodeURLs = 3
)

type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportWebsocket Transport = "websocket"
)

func TransportFromURL(url string) Transport {
	if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
		return TransportWebsocket
	}
	return TransportHTTP
}

// ChainIDs maps supported chain names to their numeric chain id.
var ChainIDs = map[string]uint64{
	"ethereum": 1,
	"goerli":   5,
	"base":     8453,
	"bsc":      56,
}

// EndpointConfig describes a single node. It is never mutated after loading.
type EndpointConfig struct {
	Name       string        `json:"name"`
	URL        string        `json:"-"`
	Transport  Transport     `json:"transport"`
	Chain      string        `json:"chain"`
	ChainID    uint64        `json:"chainId"`
	Priority   int           `json:"priority"`
	RateLimit  float64       `json:"rateLimit"`
	Timeout    time.Duration `json:"timeout"`
	AuthHeader string        `json:"-"`
	Enabled    bool          `json:"enabled"`
}

func (c EndpointConfig) validate() error {
	if c.Name == "" || c.URL == "" || c.Chain == "" {
		return fmt.Errorf("%w: name, url and chain are required (%q)", ErrInvalidEndpoint, c.Name)
	}
	return nil
}

func newEndpoint(name, chain, url string, priority int, rateLimit float64) EndpointConfig {
	return EndpointConfig{
		Name:      name,
		URL:       url,
		Transport: TransportFromURL(url),
		Chain:     chain,
		ChainID:   ChainIDs[chain],
		Priority:  priority,
		RateLimit: rateLimit,
		Timeout:   defaultCallTimeout,
		Enabled:   true,
	}
}

// DefaultEndpoints returns the public endpoints used when nothing else is configured.
func DefaultEndpoints() []EndpointConfig {
	return []EndpointConfig{
		newEndpoint("ethereum-publicnode-ws", "ethereum", "wss://ethereum-rpc.publicnode.com", 10, defaultRateLimit),
		newEndpoint("ethereum-ankr", "ethereum", "https://rpc.ankr.com/eth", 8, defaultRateLimit),
		newEndpoint("ethereum-public-rpc", "ethereum", "https://eth.public-rpc.com", 5, defaultRateLimit),
		newEndpoint("base-publicnode-ws", "base", "wss://base-rpc.publicnode.com", 10, defaultRateLimit),
		newEndpoint("base-mainnet", "base", "https://mainnet.base.org", 8, defaultRateLimit),
		newEndpoint("bsc-publicnode-ws", "bsc", "wss://bsc-rpc.publicnode.com", 10, defaultRateLimit),
		newEndpoint("bsc-dataseed", "bsc", "https://bsc-dataseed.binance.org", 8, defaultRateLimit),
	}
}

// EndpointsFromEnv reads per-chain overrides. Every environment entry outranks every default.
// - `{CHAIN}_WS_URL` streaming endpoint, priority 100
// - `{CHAIN}_RPC_URL` request/response endpoint, priority 95
// - `{CHAIN}_NODE_URL_1..3` additional endpoints, priority 90, 89, 88
// - `{CHAIN}_RPC_AUTH` Authorization header value sent to all of the above
func EndpointsFromEnv(chains []string, getenv func(string) string) []EndpointConfig {
	var res []EndpointConfig
	for _, chain := range chains {
		prefix := strings.ToUpper(chain)
		auth := getenv(prefix + "_RPC_AUTH")
		add := func(name, url string, priority int) {
			if url == "" {
				return
			}
			ep := newEndpoint(name, chain, url, priority, envRateLimit)
			ep.AuthHeader = auth
			res = append(res, ep)
		}
		add(chain+"-env-ws", getenv(prefix+"_WS_URL"), 100)
		add(chain+"-env-rpc", getenv(prefix+"_RPC_URL"), 95)
		for i := 1; i <= maxNumberedNodeURLs; i++ {
			add(fmt.Sprintf("%s-env-node-%d", chain, i), getenv(fmt.Sprintf("%s_NODE_URL_%d", prefix, i)), 91-i)
		}
	}
	return res
}

// ChainEnabled reads `{CHAIN}_ENABLED`, chains are enabled unless set to 0 or false.
func ChainEnabled(chain string, getenv func(string) string) bool {
	v := getenv(strings.ToUpper(chain) + "_ENABLED")
	if v == "" {
		return true
	}
	enabled, err := strconv.ParseBool(v)
	return err != nil || enabled
}

type EndpointsFile struct {
	Endpoints []struct {
		Name       string        `yaml:"name"`
		Chain      string        `yaml:"chain"`
		URL        string        `yaml:"url"`
		Priority   int           `yaml:"priority"`
		RateLimit  float64       `yaml:"rate_limit"`
		Timeout    time.Duration `yaml:"timeout"`
		AuthHeader string        `yaml:"auth_header"`
		Disabled   bool          `yaml:"disabled"`
	} `yaml:"endpoints"`
}

// LoadEndpointsFile parses additional endpoints from a yaml file. A disabled entry with the name of a
// default endpoint switches that default off.
func LoadEndpointsFile(file string) ([]EndpointConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var config EndpointsFile
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	res := make([]EndpointConfig, 0, len(config.Endpoints))
	for _, e := range config.Endpoints {
		ep := newEndpoint(e.Name, e.Chain, e.URL, e.Priority, e.RateLimit)
		if ep.RateLimit <= 0 {
			ep.RateLimit = defaultRateLimit
		}
		if e.Timeout > 0 {
			ep.Timeout = e.Timeout
		}
		ep.AuthHeader = e.AuthHeader
		ep.Enabled = !e.Disabled
		if ep.Enabled {
			if err := ep.validate(); err != nil {
				return nil, err
			}
		}
		res = append(res, ep)
	}
	return res, nil
}

// MergeEndpoints overlays endpoint lists by name, later lists win. Only enabled endpoints of the given
// chains are returned, sorted by chain then priority.
func MergeEndpoints(chains []string, lists ...[]EndpointConfig) []EndpointConfig {
	wanted := make(map[string]bool, len(chains))
	for _, c := range chains {
		wanted[c] = true
	}

	byName := make(map[string]EndpointConfig)
	var order []string
	for _, list := range lists {
		for _, ep := range list {
			if _, ok := byName[ep.Name]; !ok {
				order = append(order, ep.Name)
			}
			byName[ep.Name] = ep
		}
	}

	res := make([]EndpointConfig, 0, len(order))
	for _, name := range order {
		ep := byName[name]
		if !ep.Enabled || !wanted[ep.Chain] {
			continue
		}
		res = append(res, ep)
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].Chain != res[j].Chain {
			return res[i].Chain < res[j].Chain
		}
		return res[i].Priority > res[j].Priority
	})
	return res
}

// LoadEndpoints builds the endpoint set for the enabled chains: defaults, then the optional yaml file,
// then environment overrides.
func LoadEndpoints(chains []string, file string, getenv func(string) string) ([]EndpointConfig, error) {
	enabled := make([]string, 0, len(chains))
	for _, chain := range chains {
		if ChainEnabled(chain, getenv) {
			enabled = append(enabled, chain)
		}
	}

	var fromFile []EndpointConfig
	if file != "" {
		var err error
		fromFile, err = LoadEndpointsFile(file)
		if err != nil {
			return nil, err
		}
	}

	return MergeEndpoints(enabled, DefaultEndpoints(), fromFile, EndpointsFromEnv(enabled, getenv)), nil
}

type Config struct {
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	DialTimeout    time.Duration
	DialAttempts   int
	// FailureThreshold consecutive failed health checks stop probing an endpoint for RecoveryTimeout.
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		HealthInterval:   30 * time.Second,
		HealthTimeout:    5 * time.Second,
		DialTimeout:      10 * time.Second,
		DialAttempts:     3,
		FailureThreshold: 3,
		RecoveryTimeout:  2 * time.Minute,
	}
}

// ConfigFromEnv loads `nodepool` config from environment.
// - `HEALTH_CHECK_INTERVAL` (default 30s)
// - `HEALTH_CHECK_TIMEOUT` (default 5s)
// - `NODE_DIAL_TIMEOUT` (default 10s)
// - `NODE_DIAL_ATTEMPTS` (default 3)
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig()
	durations := map[string]*time.Duration{
		"HEALTH_CHECK_INTERVAL": &config.HealthInterval,
		"HEALTH_CHECK_TIMEOUT":  &config.HealthTimeout,
		"NODE_DIAL_TIMEOUT":     &config.DialTimeout,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return config, fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	if v := os.Getenv("NODE_DIAL_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return config, fmt.Errorf("NODE_DIAL_ATTEMPTS: %w", err)
		}
		config.DialAttempts = n
	}
	return config, nil
}
