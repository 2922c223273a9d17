// Package simulator predicts trade outcomes before anything is broadcast
package simulator

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dexsniper/execution-node/metrics"
	"github.com/dexsniper/execution-node/nodepool"
	"github.com/dexsniper/execution-node/txn"
	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidAmount      = errors.New("trade amount must be positive")
	ErrInvalidOpportunity = errors.New("opportunity needs a token and a chain")
	ErrNodeUnavailable    = errors.New("node failed during simulation")

	// WETH is the wrapped native token swaps are routed through on ethereum.
	WETH = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

type Result string

const (
	ResultSuccess               Result = "SUCCESS"
	ResultReverted              Result = "REVERTED"
	ResultInsufficientLiquidity Result = "INSUFFICIENT_LIQUIDITY"
	ResultSlippageExceeded      Result = "SLIPPAGE_EXCEEDED"
	ResultPriceImpactHigh       Result = "PRICE_IMPACT_HIGH"
	ResultInsufficientBalance   Result = "INSUFFICIENT_BALANCE"
	ResultGasEstimationFailed   Result = "GAS_ESTIMATION_FAILED"
	ResultUnknownError          Result = "UNKNOWN_ERROR"
)

// Opportunity is the pool a swap would trade against.
type Opportunity struct {
	Token        common.Address  `json:"token"`
	Symbol       string          `json:"symbol,omitempty"`
	Chain        string          `json:"chain"`
	LiquidityUSD decimal.Decimal `json:"liquidityUsd"`
	// PriceUSD is the current unit price, 1 when unknown.
	PriceUSD decimal.Decimal `json:"priceUsd"`
}

// Report is a prediction. Policy rejections are reports with Success false, not errors.
type Report struct {
	Result          Result          `json:"result"`
	Success         bool            `json:"success"`
	GasUsed         uint64          `json:"gasUsed"`
	GasLimit        uint64          `json:"gasLimit"`
	GasCostUSD      decimal.Decimal `json:"gasCostUsd"`
	PriceImpact     float64         `json:"priceImpact"`
	Slippage        float64         `json:"slippage"`
	EstimatedOutput decimal.Decimal `json:"estimatedOutput"`
	EstimatedPrice  decimal.Decimal `json:"estimatedPrice"`
	LiquidityBefore decimal.Decimal `json:"liquidityBefore"`
	LiquidityAfter  decimal.Decimal `json:"liquidityAfter"`
	Error           string          `json:"error,omitempty"`
	RevertReason    string          `json:"revertReason,omitempty"`
	Confidence      float64         `json:"confidence"`
	Warnings        []string        `json:"warnings"`
	Elapsed         time.Duration   `json:"elapsed"`
}

func (r *Report) Copy() *Report {
	cpy := *r
	cpy.Warnings = append([]string{}, r.Warnings...)
	return &cpy
}

type Config struct {
	// PriceImpactCeiling rejects swaps whose impact is strictly above it.
	PriceImpactCeiling float64
	MaxSlippage        float64
	NativeUSDPrice     decimal.Decimal
	FallbackGasPrice   *big.Int
	Timeout            time.Duration
	CacheTTL           time.Duration
}

func DefaultConfig() Config {
	return Config{
		PriceImpactCeiling: 0.2,
		MaxSlippage:        0.05,
		NativeUSDPrice:     decimal.NewFromInt(2000),
		FallbackGasPrice:   txn.Gwei(25),
		Timeout:            10 * time.Second,
		CacheTTL:           30 * time.Second,
	}
}

// ConfigFromEnv loads `simulator` config from environment.
// - `SIM_PRICE_IMPACT_CEILING` (default 0.2)
// - `SIM_MAX_SLIPPAGE` default max slippage (default 0.05)
// - `NATIVE_USD_PRICE` native asset price used for gas costs (default 2000)
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig()
	if v := os.Getenv("SIM_PRICE_IMPACT_CEILING"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			return config, fmt.Errorf("SIM_PRICE_IMPACT_CEILING: invalid value %q", v)
		}
		config.PriceImpactCeiling = f
	}
	if v := os.Getenv("SIM_MAX_SLIPPAGE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			return config, fmt.Errorf("SIM_MAX_SLIPPAGE: invalid value %q", v)
		}
		config.MaxSlippage = f
	}
	if v := os.Getenv("NATIVE_USD_PRICE"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil || !d.IsPositive() {
			return config, fmt.Errorf("NATIVE_USD_PRICE: invalid value %q", v)
		}
		config.NativeUSDPrice = d
	}
	return config, nil
}

// Pool hands out node connections.
type Pool interface {
	GetConnection(chain string) (*nodepool.Conn, error)
}

type Simulator struct {
	log    *zap.Logger
	pool   Pool
	config Config
	cache  *gocache.Cache

	total            atomic.Uint64
	successful       atomic.Uint64
	failed           atomic.Uint64
	slippageWarnings atomic.Uint64
	cacheHits        atomic.Uint64
}

func New(log *zap.Logger, pool Pool, config Config) *Simulator {
	return &Simulator{
		log:    log.Named("simulator"),
		pool:   pool,
		config: config,
		cache:  gocache.New(config.CacheTTL, time.Minute),
	}
}

func (s *Simulator) record(r *Report, start time.Time) {
	r.Elapsed = time.Since(start)
	s.total.Add(1)
	if r.Success {
		s.successful.Add(1)
	} else {
		s.failed.Add(1)
	}
	metrics.IncSimulationResult(string(r.Result))
	metrics.RecordSimulationDuration(float64(r.Elapsed.Microseconds()) / 1000)
}

type Stats struct {
	TotalSimulations      uint64  `json:"totalSimulations"`
	SuccessfulSimulations uint64  `json:"successfulSimulations"`
	PreventedFailures     uint64  `json:"preventedFailures"`
	FailurePreventionRate float64 `json:"failurePreventionRate"`
	SlippageWarnings      uint64  `json:"slippageWarnings"`
	CacheHits             uint64  `json:"cacheHits"`
	CacheSize             int     `json:"cacheSize"`
}

// Stats counts failed predictions as prevented failures, an estimate since trades not submitted are never
// observed on chain.
func (s *Simulator) Stats() Stats {
	st := Stats{
		TotalSimulations:      s.total.Load(),
		SuccessfulSimulations: s.successful.Load(),
		PreventedFailures:     s.failed.Load(),
		SlippageWarnings:      s.slippageWarnings.Load(),
		CacheHits:             s.cacheHits.Load(),
		CacheSize:             s.cache.ItemCount(),
	}
	if st.TotalSimulations > 0 {
		st.FailurePreventionRate = float64(st.PreventedFailures) / float64(st.TotalSimulations)
	}
	return st
}
