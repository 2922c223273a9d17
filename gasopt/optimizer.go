// Package gasopt prices transactions from live fee data and rewrites their fee fields for a strategy
package gasopt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dexsniper/execution-node/breaker"
	"github.com/dexsniper/execution-node/metrics"
	"github.com/dexsniper/execution-node/nodepool"
	"github.com/dexsniper/execution-node/spike"
	"github.com/dexsniper/execution-node/txn"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

var (
	ErrUnknownStrategy = errors.New("unknown gas strategy")
	ErrInvalidUrgency  = errors.New("urgency must be within [0, 1]")

	gasLimitBufferPct   int64 = 115
	defaultCallGasLimit       = uint64(200_000)
	transferGasLimit          = uint64(21_000)
	fallbackConfidence        = 0.5
)

type Strategy string

const (
	StrategyEconomy  Strategy = "economy"
	StrategyStandard Strategy = "standard"
	StrategyFast     Strategy = "fast"
	StrategyUrgent   Strategy = "urgent"
)

var strategyOrder = map[Strategy]int{
	StrategyEconomy:  0,
	StrategyStandard: 1,
	StrategyFast:     2,
	StrategyUrgent:   3,
}

func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := strategyOrder[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
	return st, nil
}

func (s Strategy) tier() Tier {
	return Tier(strategyOrder[s])
}

// confirmationBlocks is the expected inclusion delay per tier.
var confirmationBlocks = [numTiers]int64{5, 3, 2, 1}

// applyUrgency never lowers the requested strategy: urgency >= 0.9 forces URGENT, >= 0.7 floors at FAST.
func applyUrgency(s Strategy, urgency float64) Strategy {
	switch {
	case urgency >= 0.9:
		return StrategyUrgent
	case urgency >= 0.7 && strategyOrder[s] < strategyOrder[StrategyFast]:
		return StrategyFast
	default:
		return s
	}
}

// Pool hands out node connections.
type Pool interface {
	GetConnection(chain string) (*nodepool.Conn, error)
}

type Config struct {
	EstimateTTL        time.Duration
	OracleTimeout      time.Duration
	ChainTimeout       time.Duration
	ConditionsInterval time.Duration
	BlockTime          time.Duration
	// MaxGasPrice caps fee prices when the caller passes no ceiling, nil disables it.
	MaxGasPrice     *big.Int
	DefaultStrategy Strategy
}

func DefaultConfig() Config {
	return Config{
		EstimateTTL:        12 * time.Second,
		OracleTimeout:      3 * time.Second,
		ChainTimeout:       5 * time.Second,
		ConditionsInterval: 30 * time.Second,
		BlockTime:          12 * time.Second,
		DefaultStrategy:    StrategyStandard,
	}
}

// ConfigFromEnv loads `gasopt` config from environment.
// - `DEFAULT_GAS_STRATEGY` economy, standard, fast or urgent (default standard)
// - `MAX_GAS_PRICE_GWEI` fee price ceiling, unset for none
// - `GAS_ESTIMATE_TTL` (default 12s)
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig()
	if v := os.Getenv("DEFAULT_GAS_STRATEGY"); v != "" {
		s, err := ParseStrategy(v)
		if err != nil {
			return config, err
		}
		config.DefaultStrategy = s
	}
	if v := os.Getenv("MAX_GAS_PRICE_GWEI"); v != "" {
		gwei, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return config, fmt.Errorf("MAX_GAS_PRICE_GWEI: %w", err)
		}
		config.MaxGasPrice = txn.Gwei(gwei)
	}
	if v := os.Getenv("GAS_ESTIMATE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return config, fmt.Errorf("GAS_ESTIMATE_TTL: %w", err)
		}
		config.EstimateTTL = d
	}
	return config, nil
}

// Optimizer prices transactions for one chain.
type Optimizer struct {
	log     *zap.Logger
	pool    Pool
	chain   string
	config  Config
	oracles []oracleSource

	estimates *spike.Manager[*Estimate]

	conditions atomic.Pointer[NetworkConditions]
	samplesMu  sync.Mutex
	samples    []conditionSample

	optimized     atomic.Uint64
	gasSaved      atomic.Int64
	feeSavingsMu  sync.Mutex
	feeSavingsWei *big.Int
}

func NewOptimizer(log *zap.Logger, pool Pool, chain string, oracles []Oracle, config Config) *Optimizer {
	o := &Optimizer{
		log:           log.Named("gasopt").With(zap.String("chain", chain)),
		pool:          pool,
		chain:         chain,
		config:        config,
		feeSavingsWei: new(big.Int),
	}
	for _, oracle := range oracles {
		o.oracles = append(o.oracles, oracleSource{
			oracle:  oracle,
			breaker: breaker.New(oracle.Name(), breaker.DefaultConfig()),
		})
	}
	o.estimates = spike.NewManager(o.fetchEstimate, config.EstimateTTL, config.OracleTimeout+config.ChainTimeout)
	return o
}

func (o *Optimizer) Chain() string {
	return o.chain
}

func (o *Optimizer) DefaultStrategy() Strategy {
	return o.config.DefaultStrategy
}

type OptimizedTransaction struct {
	Original             *txn.Transaction `json:"original"`
	Optimized            *txn.Transaction `json:"optimized"`
	RequestedStrategy    Strategy         `json:"requestedStrategy"`
	Strategy             Strategy         `json:"strategy"`
	GasSaved             int64            `json:"gasSaved"`
	FeeSavings           *hexutil.Big     `json:"feeSavings"`
	ExpectedConfirmation time.Duration    `json:"expectedConfirmation"`
	Confidence           float64          `json:"confidence"`
	Clamped              bool             `json:"clamped"`
	// Ceiling is the fee price ceiling in effect, nil when there was none.
	Ceiling        *hexutil.Big `json:"ceiling,omitempty"`
	EstimateSource Source       `json:"estimateSource"`
}

// Optimize rewrites the fee fields of tx for the strategy, bumped by urgency, and re-estimates its gas
// limit with a 15% buffer that never goes below the caller's limit. ceiling overrides the configured
// maximum fee price when set. tx is never modified.
func (o *Optimizer) Optimize(ctx context.Context, tx *txn.Transaction, strategy Strategy, urgency float64, ceiling *big.Int) (*OptimizedTransaction, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	if math.IsNaN(urgency) || urgency < 0 || urgency > 1 {
		return nil, ErrInvalidUrgency
	}
	if strategy == "" {
		strategy = o.config.DefaultStrategy
	}
	if _, ok := strategyOrder[strategy]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	applied := applyUrgency(strategy, urgency)
	tier := applied.tier()

	est, err := o.GetEstimate(ctx)
	if err != nil {
		o.log.Warn("Gas estimate unavailable, using static tiers", zap.Error(err))
		est = fallbackEstimate(o.chain)
	}
	fallback := est.Source == SourceFallback

	price := new(big.Int).Set(est.Prices[tier])
	tip := new(big.Int).Set(est.PriorityFees[tier])
	if ceiling == nil {
		ceiling = o.config.MaxGasPrice
	}
	clamped := false
	if ceiling != nil && price.Cmp(ceiling) > 0 {
		price.Set(ceiling)
		clamped = true
	}
	if tip.Cmp(price) > 0 {
		tip.Set(price)
	}

	out := tx.Copy()
	dynamic := tx.IsDynamicFee() || (tx.GasPrice == nil && est.BaseFee != nil && est.BaseFee.Sign() > 0)
	if dynamic {
		out.GasPrice = nil
		out.GasFeeCap = txn.NewBig(price)
		out.GasTipCap = txn.NewBig(tip)
	} else {
		out.GasPrice = txn.NewBig(price)
		out.GasFeeCap = nil
		out.GasTipCap = nil
	}
	out.Gas = hexutil.Uint64(o.gasLimit(ctx, tx))

	res := &OptimizedTransaction{
		Original:             tx.Copy(),
		Optimized:            out,
		RequestedStrategy:    strategy,
		Strategy:             applied,
		FeeSavings:           (*hexutil.Big)(new(big.Int)),
		ExpectedConfirmation: time.Duration(confirmationBlocks[tier]) * o.config.BlockTime,
		Confidence:           est.Confidence,
		Clamped:              clamped,
		Ceiling:              txn.NewBig(ceiling),
		EstimateSource:       est.Source,
	}
	if fallback {
		res.Confidence = fallbackConfidence
	} else {
		o.computeSavings(res)
	}

	o.optimized.Add(1)
	metrics.IncGasOptimized()
	o.log.Debug("Optimized transaction",
		zap.String("strategy", string(applied)),
		zap.String("feePrice", txn.FormatUnits(price, "gwei")),
		zap.Uint64("gas", uint64(out.Gas)),
		zap.Bool("clamped", clamped),
	)
	return res, nil
}

func (o *Optimizer) gasLimit(ctx context.Context, tx *txn.Transaction) uint64 {
	original := uint64(tx.Gas)
	fallback := original
	if fallback == 0 {
		fallback = transferGasLimit
		if len(tx.Data) > 0 {
			fallback = defaultCallGasLimit
		}
	}

	conn, err := o.pool.GetConnection(o.chain)
	if err != nil {
		return fallback
	}
	msg := tx.CallMsg()
	msg.Gas = 0
	ctx, cancel := context.WithTimeout(ctx, o.config.ChainTimeout)
	defer cancel()
	estimated, err := conn.EstimateGas(ctx, msg)
	if err != nil {
		o.log.Debug("Gas limit estimation failed", zap.Error(err))
		return fallback
	}

	buffered := new(big.Int).SetUint64(estimated)
	buffered.Mul(buffered, big.NewInt(gasLimitBufferPct))
	buffered.Add(buffered, big.NewInt(99))
	buffered.Div(buffered, big.NewInt(100))
	if !buffered.IsUint64() {
		return fallback
	}
	if limit := buffered.Uint64(); limit > original {
		return limit
	}
	return original
}

func (o *Optimizer) computeSavings(res *OptimizedTransaction) {
	origGas := uint64(res.Original.Gas)
	newGas := uint64(res.Optimized.Gas)
	if origGas > 0 {
		res.GasSaved = int64(origGas) - int64(newGas)
	}

	origPrice := res.Original.FeePrice()
	if origPrice == nil || origGas == 0 {
		return
	}
	origCost := new(big.Int).Mul(origPrice, new(big.Int).SetUint64(origGas))
	newCost := new(big.Int).Mul(res.Optimized.FeePrice(), new(big.Int).SetUint64(newGas))
	savings := origCost.Sub(origCost, newCost)
	res.FeeSavings = (*hexutil.Big)(savings)

	o.gasSaved.Add(res.GasSaved)
	o.feeSavingsMu.Lock()
	o.feeSavingsWei.Add(o.feeSavingsWei, savings)
	o.feeSavingsMu.Unlock()
}

type Stats struct {
	Chain                 string       `json:"chain"`
	TransactionsOptimized uint64       `json:"transactionsOptimized"`
	TotalGasSaved         int64        `json:"totalGasSaved"`
	TotalFeeSavings       *hexutil.Big `json:"totalFeeSavings"`
}

func (o *Optimizer) Stats() Stats {
	o.feeSavingsMu.Lock()
	savings := new(big.Int).Set(o.feeSavingsWei)
	o.feeSavingsMu.Unlock()
	return Stats{
		Chain:                 o.chain,
		TransactionsOptimized: o.optimized.Load(),
		TotalGasSaved:         o.gasSaved.Load(),
		TotalFeeSavings:       (*hexutil.Big)(savings),
	}
}
