package simulator

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxPriceImpact = 0.5
	// impact = ratio^2 / impactCurvature, ratio being trade size over pool liquidity
	impactCurvature = 0.6
	slippageFactor  = 0.8

	baseSwapGas     = 150_000
	impactSwapGas   = 200_000
	gasLimitPercent = 120

	deepLiquidityUSD      = 50_000
	lowImpact             = 0.02
	highImpact            = 0.10
	slippageWarningImpact = 0.10
)

var weiPerEther = decimal.NewFromBigInt(big.NewInt(params.Ether), 0)

// PriceImpact maps the trade to liquidity ratio onto a convex impact estimate, capped at 50%.
func PriceImpact(ratio float64) float64 {
	if ratio <= 0 || math.IsNaN(ratio) {
		return 0
	}
	impact := ratio * ratio / impactCurvature
	if impact > maxPriceImpact {
		return maxPriceImpact
	}
	return impact
}

func impactFor(amountUSD, liquidityUSD decimal.Decimal) float64 {
	ratio, _ := amountUSD.Div(liquidityUSD).Float64()
	return PriceImpact(ratio)
}

func swapConfidence(liquidityUSD decimal.Decimal, impact float64) float64 {
	c := 0.7
	if liquidityUSD.GreaterThanOrEqual(decimal.NewFromInt(deepLiquidityUSD)) {
		c += 0.1
	}
	if impact < lowImpact {
		c += 0.1
	}
	if impact > highImpact {
		c -= 0.2
	}
	return math.Max(0.1, math.Min(0.95, c))
}

func (s *Simulator) unitPrice(opp Opportunity) decimal.Decimal {
	if opp.PriceUSD.IsPositive() {
		return opp.PriceUSD
	}
	if opp.Token == WETH {
		return s.config.NativeUSDPrice
	}
	return decimal.NewFromInt(1)
}

func swapCacheKey(opp Opportunity, amountUSD decimal.Decimal, isBuy bool, maxSlippage float64, feeHint *big.Int) string {
	return fmt.Sprintf("%s:%s:%t:%s:%s:%s:%g:%v", opp.Chain, opp.Token.Hex(), isBuy, amountUSD, opp.LiquidityUSD, opp.PriceUSD, maxSlippage, feeHint)
}

// SimulateSwap predicts a swap of amountUSD against the opportunity's pool. maxSlippage <= 0 uses the
// configured default. feeHint is the fee price per gas the trade would pay, nil to ask the chain.
// Identical simulations within the cache TTL return a copy of the cached report.
func (s *Simulator) SimulateSwap(ctx context.Context, opp Opportunity, amountUSD decimal.Decimal, isBuy bool, maxSlippage float64, feeHint *big.Int) (*Report, error) {
	if !amountUSD.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if opp.Chain == "" {
		return nil, ErrInvalidOpportunity
	}
	if maxSlippage <= 0 {
		maxSlippage = s.config.MaxSlippage
	}

	key := swapCacheKey(opp, amountUSD, isBuy, maxSlippage, feeHint)
	if v, ok := s.cache.Get(key); ok {
		s.cacheHits.Add(1)
		return v.(*Report).Copy(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	start := time.Now()
	r := s.simulateSwap(ctx, opp, amountUSD, isBuy, maxSlippage, feeHint)
	s.record(r, start)
	if r.Slippage > 0 && r.PriceImpact > slippageWarningImpact {
		s.slippageWarnings.Add(1)
	}

	s.cache.Set(key, r.Copy(), s.config.CacheTTL)
	s.log.Debug("Simulated swap",
		zap.String("token", opp.Token.Hex()),
		zap.Bool("buy", isBuy),
		zap.String("amountUsd", amountUSD.String()),
		zap.String("result", string(r.Result)),
		zap.Float64("impact", r.PriceImpact),
	)
	return r, nil
}

func (s *Simulator) simulateSwap(ctx context.Context, opp Opportunity, amountUSD decimal.Decimal, isBuy bool, maxSlippage float64, feeHint *big.Int) *Report {
	r := &Report{
		LiquidityBefore: opp.LiquidityUSD,
		LiquidityAfter:  opp.LiquidityUSD,
		Warnings:        []string{},
	}
	if !opp.LiquidityUSD.IsPositive() {
		r.Result = ResultInsufficientLiquidity
		r.Error = "pool has no liquidity"
		r.Confidence = 0.9
		return r
	}

	impact := impactFor(amountUSD, opp.LiquidityUSD)
	r.PriceImpact = impact
	if impact > s.config.PriceImpactCeiling {
		r.Result = ResultPriceImpactHigh
		r.Error = fmt.Sprintf("price impact %.2f%% above ceiling %.2f%%", impact*100, s.config.PriceImpactCeiling*100)
		r.Confidence = swapConfidence(opp.LiquidityUSD, impact)
		return r
	}

	r.Slippage = impact * slippageFactor
	if r.Slippage > maxSlippage {
		r.Result = ResultSlippageExceeded
		r.Error = fmt.Sprintf("slippage %.2f%% above max %.2f%%", r.Slippage*100, maxSlippage*100)
		r.Confidence = swapConfidence(opp.LiquidityUSD, impact)
		return r
	}

	impactDec := decimal.NewFromFloat(impact)
	one := decimal.NewFromInt(1)
	price := s.unitPrice(opp)
	if isBuy {
		r.EstimatedPrice = price.Mul(one.Add(impactDec))
		r.EstimatedOutput = amountUSD.Div(r.EstimatedPrice)
		r.LiquidityAfter = opp.LiquidityUSD.Add(amountUSD)
	} else {
		r.EstimatedPrice = price.Mul(one.Sub(impactDec))
		r.EstimatedOutput = amountUSD.Mul(one.Sub(impactDec))
		r.LiquidityAfter = decimal.Max(decimal.Zero, opp.LiquidityUSD.Sub(r.EstimatedOutput))
	}

	r.GasUsed = uint64(baseSwapGas + impact*impactSwapGas)
	r.GasLimit = r.GasUsed * gasLimitPercent / 100
	gasPrice := s.gasPrice(ctx, opp.Chain, feeHint, r)
	r.GasCostUSD = s.gasCostUSD(r.GasUsed, gasPrice)

	if impact > slippageWarningImpact {
		r.Warnings = append(r.Warnings, fmt.Sprintf("high price impact %.2f%%", impact*100))
	}
	r.Result = ResultSuccess
	r.Success = true
	r.Confidence = swapConfidence(opp.LiquidityUSD, impact)
	return r
}

// gasPrice prefers the caller's hint, then the chain, then the static fallback.
func (s *Simulator) gasPrice(ctx context.Context, chain string, hint *big.Int, r *Report) *big.Int {
	if hint != nil && hint.Sign() > 0 {
		return hint
	}
	conn, err := s.pool.GetConnection(chain)
	if err == nil {
		var price *big.Int
		price, err = conn.SuggestGasPrice(ctx)
		if err == nil && price != nil && price.Sign() > 0 {
			return price
		}
	}
	r.Warnings = append(r.Warnings, "gas price unavailable, using fallback")
	s.log.Debug("Using fallback gas price", zap.String("chain", chain), zap.Error(err))
	return s.config.FallbackGasPrice
}

func (s *Simulator) gasCostUSD(gas uint64, price *big.Int) decimal.Decimal {
	wei := decimal.NewFromBigInt(price, 0).Mul(decimal.NewFromInt(int64(gas)))
	return wei.Div(weiPerEther).Mul(s.config.NativeUSDPrice)
}

type ImpactPoint struct {
	AmountUSD   decimal.Decimal `json:"amountUsd"`
	PriceImpact float64         `json:"priceImpact"`
	Slippage    float64         `json:"slippage"`
}

type LiquidityAnalysis struct {
	Token              string          `json:"token"`
	Curve              []ImpactPoint   `json:"curve"`
	MaxRecommendedSize decimal.Decimal `json:"maxRecommendedSize"`
	// TotalLiquidityEstimate is extrapolated from the curve alone.
	TotalLiquidityEstimate decimal.Decimal `json:"totalLiquidityEstimate"`
}

// AnalyzeLiquidityImpact computes the impact curve over amounts, sorted ascending. It runs no simulation
// and touches no cache or counter.
func (s *Simulator) AnalyzeLiquidityImpact(_ context.Context, opp Opportunity, amounts []decimal.Decimal) (*LiquidityAnalysis, error) {
	sorted := make([]decimal.Decimal, 0, len(amounts))
	for _, a := range amounts {
		if !a.IsPositive() {
			return nil, ErrInvalidAmount
		}
		sorted = append(sorted, a)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	res := &LiquidityAnalysis{
		Token:                  opp.Token.Hex(),
		Curve:                  make([]ImpactPoint, 0, len(sorted)),
		MaxRecommendedSize:     decimal.Zero,
		TotalLiquidityEstimate: decimal.Zero,
	}
	for _, amount := range sorted {
		impact := maxPriceImpact
		if opp.LiquidityUSD.IsPositive() {
			impact = impactFor(amount, opp.LiquidityUSD)
		}
		res.Curve = append(res.Curve, ImpactPoint{AmountUSD: amount, PriceImpact: impact, Slippage: impact * slippageFactor})
		if impact < lowImpact && amount.GreaterThan(res.MaxRecommendedSize) {
			res.MaxRecommendedSize = amount
		}
	}
	if len(res.Curve) == 0 {
		return res, nil
	}
	res.TotalLiquidityEstimate = res.Curve[len(res.Curve)-1].AmountUSD.Mul(decimal.NewFromInt(20))
	for _, p := range res.Curve {
		if p.PriceImpact >= highImpact {
			res.TotalLiquidityEstimate = p.AmountUSD.Mul(decimal.NewFromInt(10))
			break
		}
	}
	return res, nil
}
