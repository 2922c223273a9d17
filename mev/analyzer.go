// Package mev scores the extractable-value exposure of transactions and rewrites them for protected submission
package mev

import (
	"bytes"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/dexsniper/execution-node/metrics"
	"github.com/dexsniper/execution-node/nodepool"
	"github.com/dexsniper/execution-node/txn"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	highValueThreshold   = big.NewInt(params.Ether)
	knownTargetThreshold = new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether))
	elevatedFeeThreshold = big.NewInt(100 * params.GWei)

	complexGasThreshold uint64 = 200_000
	largeGasThreshold   uint64 = 500_000

	// share of the transaction value a sandwich is expected to extract
	valueAtRiskShare = 0.05
)

var (
	UniswapV2Router = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	UniswapV3Router = common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564")
	SushiSwapRouter = common.HexToAddress("0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F")
	OneInchRouter   = common.HexToAddress("0x1111111254EEB25477B68fb85Ed929f73A960582")

	knownRouters = []common.Address{UniswapV2Router, UniswapV3Router, SushiSwapRouter, OneInchRouter}

	swapSelectors = [][]byte{
		hexutil.MustDecode("0x7ff36ab5"), // swapExactETHForTokens
		hexutil.MustDecode("0x18cbafe5"), // swapExactTokensForETH
		hexutil.MustDecode("0x38ed1739"), // swapExactTokensForTokens
		hexutil.MustDecode("0x8803dbee"), // swapTokensForExactTokens
		hexutil.MustDecode("0xfb3bdb41"), // swapETHForExactTokens
		hexutil.MustDecode("0x5c11d795"), // swapExactTokensForTokensSupportingFeeOnTransferTokens
	}
)

// Factors are the boolean signals the risk score is computed from.
type Factors struct {
	HighValue   bool `json:"highValue"`
	KnownTarget bool `json:"knownTarget"`
	DEXRouter   bool `json:"dexRouter"`
	ComplexGas  bool `json:"complexGas"`
	LargeGas    bool `json:"largeGas"`
	ElevatedFee bool `json:"elevatedFee"`
}

const numFactors = 6

func (f Factors) Count() int {
	n := 0
	for _, v := range []bool{f.HighValue, f.KnownTarget, f.DEXRouter, f.ComplexGas, f.LargeGas, f.ElevatedFee} {
		if v {
			n++
		}
	}
	return n
}

// RiskAnalysis is a heuristic triage of one transaction. Score is not a probability.
type RiskAnalysis struct {
	Level                 RiskLevel       `json:"level"`
	Score                 float64         `json:"score"`
	SandwichRisk          float64         `json:"sandwichRisk"`
	FrontrunRisk          float64         `json:"frontrunRisk"`
	RecommendedProtection ProtectionLevel `json:"recommendedProtection"`
	Factors               Factors         `json:"factors"`
	ValueAtRisk           *hexutil.Big    `json:"valueAtRisk"`
	Confidence            float64         `json:"confidence"`
	Reasons               []string        `json:"reasons"`
}

// LevelForScore maps a score in [0, 1] onto the basic or the advanced ladder.
func LevelForScore(score float64, advanced bool) RiskLevel {
	if advanced {
		switch {
		case score >= 0.7:
			return RiskCritical
		case score >= 0.5:
			return RiskHigh
		case score >= 0.3:
			return RiskMedium
		default:
			return RiskLow
		}
	}
	switch {
	case score >= 0.6:
		return RiskHigh
	case score >= 0.4:
		return RiskMedium
	case score >= 0.2:
		return RiskLow
	default:
		return RiskMinimal
	}
}

// RecommendedProtection maps a risk level to the protection level matching it.
func RecommendedProtection(level RiskLevel) ProtectionLevel {
	switch level {
	case RiskCritical:
		return ProtectionStealth
	case RiskHigh:
		return ProtectionMaximum
	case RiskMedium:
		return ProtectionStandard
	case RiskLow:
		return ProtectionBasic
	default:
		return ProtectionNone
	}
}

// Pool hands out node connections.
type Pool interface {
	GetConnection(chain string) (*nodepool.Conn, error)
}

// Analyzer scores and protects transactions for one chain.
type Analyzer struct {
	log     *zap.Logger
	pool    Pool
	chain   string
	chainID uint64
	config  Config
	routers map[common.Address]struct{}

	analyzed        atomic.Uint64
	total           atomic.Uint64
	protected       atomic.Uint64
	prevented       atomic.Uint64
	bundlesPrepared atomic.Uint64
	degraded        atomic.Uint64
	savingsMu       sync.Mutex
	savings         decimal.Decimal
}

func NewAnalyzer(log *zap.Logger, pool Pool, chain string, chainID uint64, config Config) *Analyzer {
	routers := make(map[common.Address]struct{}, len(knownRouters)+len(config.ExtraRouters))
	for _, r := range knownRouters {
		routers[r] = struct{}{}
	}
	for _, r := range config.ExtraRouters {
		routers[r] = struct{}{}
	}
	return &Analyzer{
		log:     log.Named("mev").With(zap.String("chain", chain)),
		pool:    pool,
		chain:   chain,
		chainID: chainID,
		config:  config,
		routers: routers,
	}
}

func (a *Analyzer) isDEXInteraction(tx *txn.Transaction) bool {
	if tx.To != nil {
		if _, ok := a.routers[*tx.To]; ok {
			return true
		}
	}
	if sel := tx.Selector(); sel != nil {
		for _, s := range swapSelectors {
			if bytes.Equal(sel, s) {
				return true
			}
		}
	}
	return false
}

// AnalyzeRisk is deterministic: the same transaction always yields the same analysis.
func (a *Analyzer) AnalyzeRisk(tx *txn.Transaction) (*RiskAnalysis, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	value := tx.ValueWei()
	gas := uint64(tx.Gas)
	feePrice := tx.FeePrice()

	var reasons []string
	f := Factors{}
	if value.Cmp(highValueThreshold) > 0 {
		f.HighValue = true
		reasons = append(reasons, "value above 1 "+a.nativeSymbol())
	}
	if value.Cmp(knownTargetThreshold) > 0 {
		f.KnownTarget = true
		reasons = append(reasons, "value above 10 "+a.nativeSymbol()+", known target size")
	}
	if a.isDEXInteraction(tx) {
		f.DEXRouter = true
		reasons = append(reasons, "DEX router interaction")
	}
	if gas > complexGasThreshold {
		f.ComplexGas = true
		reasons = append(reasons, "complex transaction, gas limit above 200k")
	}
	if gas > largeGasThreshold {
		f.LargeGas = true
		reasons = append(reasons, "gas limit above 500k")
	}
	if feePrice != nil && feePrice.Cmp(elevatedFeeThreshold) > 0 {
		f.ElevatedFee = true
		reasons = append(reasons, "fee above 100 gwei, time-sensitive")
	}

	score := float64(f.Count()) / numFactors
	level := LevelForScore(score, a.config.Advanced)

	sandwichFactor, frontrunFactor, confidence := 0.8, 0.6, 0.6
	if a.config.Advanced {
		sandwichFactor, frontrunFactor, confidence = 0.9, 0.8, 0.8
	}
	if tx.To == nil || tx.Value == nil {
		confidence = 0.5
	}
	sandwich := capOne(score * sandwichFactor)

	res := &RiskAnalysis{
		Level:                 level,
		Score:                 score,
		SandwichRisk:          sandwich,
		FrontrunRisk:          capOne(score * frontrunFactor),
		RecommendedProtection: RecommendedProtection(level),
		Factors:               f,
		ValueAtRisk:           txn.NewBig(txn.MulFloat(value, sandwich*valueAtRiskShare)),
		Confidence:            confidence,
		Reasons:               reasons,
	}
	if res.Reasons == nil {
		res.Reasons = []string{}
	}

	a.analyzed.Add(1)
	metrics.IncRiskLevel(level.String())
	return res, nil
}

func (a *Analyzer) nativeSymbol() string {
	if a.chainID == 56 {
		return "BNB"
	}
	return "ETH"
}

func capOne(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
