// Package engine composes the execution components into the trade pipeline and exposes them as JSON-RPC methods
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/dexsniper/execution-node/gasopt"
	"github.com/dexsniper/execution-node/jsonrpcserver"
	"github.com/dexsniper/execution-node/metrics"
	"github.com/dexsniper/execution-node/mev"
	"github.com/dexsniper/execution-node/nodepool"
	"github.com/dexsniper/execution-node/simulator"
	"github.com/dexsniper/execution-node/txn"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnknownChain   = errors.New("unknown chain")
	ErrMissingTx      = errors.New("missing transaction")
	ErrChainMismatch  = errors.New("opportunity chain does not match trade chain")
	ErrMissingPayload = errors.New("missing protected transaction or raw bytes")

	// tradeValueAtRisk is the share of the trade amount assumed extractable when protecting a swap.
	tradeValueAtRisk = decimal.NewFromFloat(0.05)
	weiPerEther      = decimal.NewFromBigInt(big.NewInt(params.Ether), 0)
)

type Pool interface {
	GetConnection(chain string) (*nodepool.Conn, error)
	GetStats() nodepool.Stats
}

// Chain bundles the per-chain components.
type Chain struct {
	Name      string
	ChainID   uint64
	Optimizer *gasopt.Optimizer
	Analyzer  *mev.Analyzer
	Submitter *mev.Submitter
}

type API struct {
	log *zap.Logger

	pool           Pool
	simulator      *simulator.Simulator
	chains         map[string]*Chain
	nativeUSDPrice decimal.Decimal

	prepared atomic.Uint64
	approved atomic.Uint64
}

func NewAPI(log *zap.Logger, pool Pool, sim *simulator.Simulator, nativeUSDPrice decimal.Decimal, chains ...*Chain) *API {
	m := make(map[string]*Chain, len(chains))
	for _, c := range chains {
		m[c.Name] = c
	}
	return &API{
		log:            log.Named("engine"),
		pool:           pool,
		simulator:      sim,
		chains:         m,
		nativeUSDPrice: nativeUSDPrice,
	}
}

// Methods maps every endpoint name to its handler.
func (a *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		GetConnectionStatsEndpointName: a.GetConnectionStats,
		GetGasEstimateEndpointName:     a.GetGasEstimate,
		OptimizeGasEndpointName:        a.OptimizeGas,
		AnalyzeRiskEndpointName:        a.AnalyzeRisk,
		ProtectEndpointName:            a.Protect,
		SimulateSwapEndpointName:       a.SimulateSwap,
		SimulateCallEndpointName:       a.SimulateCall,
		AnalyzeLiquidityEndpointName:   a.AnalyzeLiquidity,
		PrepareTradeEndpointName:       a.PrepareTrade,
		SubmitEndpointName:             a.Submit,
		GetStatsEndpointName:           a.GetStats,
	}
}

func (a *API) chain(name string) (*Chain, error) {
	c, ok := a.chains[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChain, name)
	}
	return c, nil
}

func observe(method string, startAt time.Time, err error) {
	metrics.RecordRPCCallDuration(method, time.Since(startAt).Milliseconds())
	if err != nil {
		metrics.IncRPCCallFailure(method)
	}
}

func (a *API) GetConnectionStats(_ context.Context) (nodepool.Stats, error) {
	defer observe(GetConnectionStatsEndpointName, time.Now(), nil)
	return a.pool.GetStats(), nil
}

func (a *API) GetGasEstimate(ctx context.Context, chain string) (_ *gasopt.Estimate, err error) {
	defer func(startAt time.Time) { observe(GetGasEstimateEndpointName, startAt, err) }(time.Now())
	c, err := a.chain(chain)
	if err != nil {
		return nil, err
	}
	return c.Optimizer.GetEstimate(ctx)
}

func (a *API) OptimizeGas(ctx context.Context, args OptimizeGasArgs) (_ *gasopt.OptimizedTransaction, err error) {
	defer func(startAt time.Time) { observe(OptimizeGasEndpointName, startAt, err) }(time.Now())
	c, err := a.chain(args.Chain)
	if err != nil {
		return nil, err
	}
	return c.Optimizer.Optimize(ctx, args.Tx, args.Strategy, args.Urgency, args.MaxGasPrice.ToInt())
}

func (a *API) AnalyzeRisk(_ context.Context, args TxArgs) (_ *mev.RiskAnalysis, err error) {
	defer func(startAt time.Time) { observe(AnalyzeRiskEndpointName, startAt, err) }(time.Now())
	c, err := a.chain(args.Chain)
	if err != nil {
		return nil, err
	}
	return c.Analyzer.AnalyzeRisk(args.Tx)
}

func (a *API) Protect(ctx context.Context, args ProtectArgs) (_ *mev.ProtectedTransaction, err error) {
	defer func(startAt time.Time) { observe(ProtectEndpointName, startAt, err) }(time.Now())
	c, err := a.chain(args.Chain)
	if err != nil {
		return nil, err
	}
	return c.Analyzer.ProtectCapped(ctx, args.Tx, args.ValueAtRiskUSD, args.Level, args.MaxGasPrice.ToInt())
}

func (a *API) SimulateSwap(ctx context.Context, args SimulateSwapArgs) (_ *simulator.Report, err error) {
	defer func(startAt time.Time) { observe(SimulateSwapEndpointName, startAt, err) }(time.Now())
	if _, err = a.chain(args.Opportunity.Chain); err != nil {
		return nil, err
	}
	return a.simulator.SimulateSwap(ctx, args.Opportunity, args.AmountUSD, args.IsBuy, args.MaxSlippage, args.FeePrice.ToInt())
}

func (a *API) SimulateCall(ctx context.Context, args TxArgs) (_ *simulator.Report, err error) {
	defer func(startAt time.Time) { observe(SimulateCallEndpointName, startAt, err) }(time.Now())
	if _, err = a.chain(args.Chain); err != nil {
		return nil, err
	}
	return a.simulator.SimulateGenericCall(ctx, args.Chain, args.Tx)
}

func (a *API) AnalyzeLiquidity(ctx context.Context, args AnalyzeLiquidityArgs) (_ *simulator.LiquidityAnalysis, err error) {
	defer func(startAt time.Time) { observe(AnalyzeLiquidityEndpointName, startAt, err) }(time.Now())
	return a.simulator.AnalyzeLiquidityImpact(ctx, args.Opportunity, args.Amounts)
}

// PrepareTrade runs one trade through the pipeline: borrow a connection, optimize gas, simulate with the
// optimized fees, analyze risk and protect. A failed simulation is a rejected trade, not an error. Nothing
// is submitted.
func (a *API) PrepareTrade(ctx context.Context, args PrepareTradeArgs) (_ *PreparedTrade, err error) {
	defer func(startAt time.Time) { observe(PrepareTradeEndpointName, startAt, err) }(time.Now())
	c, err := a.chain(args.Chain)
	if err != nil {
		return nil, err
	}
	if args.Tx == nil {
		return nil, errors.Join(txn.ErrMalformedTransaction, ErrMissingTx)
	}
	if args.Opportunity != nil && args.Opportunity.Chain != "" && args.Opportunity.Chain != c.Name {
		return nil, ErrChainMismatch
	}
	logger := a.log.With(zap.String("chain", c.Name), zap.String("caller", jsonrpcserver.GetCaller(ctx)))

	// fail fast without a live endpoint, the steps below borrow their own handles
	conn, err := a.pool.GetConnection(c.Name)
	if err != nil {
		logger.Warn("No connection for trade", zap.Error(err))
		return nil, err
	}
	res := &PreparedTrade{Chain: c.Name, Connection: conn.Name()}

	res.Gas, err = c.Optimizer.Optimize(ctx, args.Tx, args.Strategy, args.Urgency, args.MaxGasPrice.ToInt())
	if err != nil {
		return nil, err
	}
	optimized := res.Gas.Optimized

	if args.Opportunity != nil {
		opp := *args.Opportunity
		opp.Chain = c.Name
		res.Simulation, err = a.simulator.SimulateSwap(ctx, opp, args.AmountUSD, args.IsBuy, args.MaxSlippage, optimized.FeePrice())
	} else {
		res.Simulation, err = a.simulator.SimulateGenericCall(ctx, c.Name, optimized)
	}
	if err != nil {
		return nil, err
	}
	a.prepared.Add(1)
	if !res.Simulation.Success {
		res.Reason = res.Simulation.Error
		metrics.IncTradesPrepared(false)
		logger.Info("Trade rejected by simulation",
			zap.String("result", string(res.Simulation.Result)),
			zap.String("reason", res.Reason),
		)
		return res, nil
	}

	res.Risk, err = c.Analyzer.AnalyzeRisk(optimized)
	if err != nil {
		return nil, err
	}
	level := args.Protection
	if level == nil && !args.ForceProtection && res.Risk.Level < mev.RiskMedium {
		none := mev.ProtectionNone
		level = &none
	}
	// the fee bump stays within the ceiling the gas step applied
	res.Protection, err = c.Analyzer.ProtectCapped(ctx, optimized, a.valueAtRisk(args, res.Risk), level, res.Gas.Ceiling.ToInt())
	if err != nil {
		return nil, err
	}

	res.Final = res.Protection.Protected
	res.Approved = true
	a.approved.Add(1)
	metrics.IncTradesPrepared(true)
	logger.Info("Trade prepared",
		zap.String("connection", res.Connection),
		zap.String("strategy", string(res.Gas.Strategy)),
		zap.String("risk", res.Risk.Level.String()),
		zap.String("protection", res.Protection.Level.String()),
		zap.String("method", string(res.Protection.Method)),
		zap.Bool("degraded", res.Protection.Degraded),
	)
	return res, nil
}

// valueAtRisk prices the exposure of a swap as a share of the trade amount, and of any other call as the
// analyzer's native value at risk.
func (a *API) valueAtRisk(args PrepareTradeArgs, risk *mev.RiskAnalysis) decimal.Decimal {
	if args.Opportunity != nil && args.AmountUSD.IsPositive() {
		return args.AmountUSD.Mul(tradeValueAtRisk)
	}
	if risk.ValueAtRisk == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(risk.ValueAtRisk.ToInt(), 0).Div(weiPerEther).Mul(a.nativeUSDPrice)
}

// Submit sends a signed protected transaction once through its chosen route.
func (a *API) Submit(ctx context.Context, args SubmitArgs) (_ *mev.Submission, err error) {
	defer func(startAt time.Time) { observe(SubmitEndpointName, startAt, err) }(time.Now())
	c, err := a.chain(args.Chain)
	if err != nil {
		return nil, err
	}
	if args.Protected == nil || args.Protected.Protected == nil || len(args.Raw) == 0 {
		return nil, errors.Join(txn.ErrMalformedTransaction, ErrMissingPayload)
	}
	return c.Submitter.Submit(ctx, args.Protected, args.Raw)
}

func (a *API) GetStats(_ context.Context) (_ *Stats, err error) {
	defer func(startAt time.Time) { observe(GetStatsEndpointName, startAt, err) }(time.Now())
	return a.Stats(), nil
}

func (a *API) Stats() *Stats {
	st := &Stats{
		Connections: a.pool.GetStats(),
		Chains:      make(map[string]ChainStats, len(a.chains)),
		Simulation:  a.simulator.Stats(),
	}
	for name, c := range a.chains {
		st.Chains[name] = ChainStats{
			ChainID:     c.ChainID,
			Gas:         c.Optimizer.Stats(),
			Conditions:  c.Optimizer.NetworkConditions(),
			MEV:         c.Analyzer.Stats(),
			Submissions: c.Submitter.Stats(),
		}
	}
	// approved is loaded first so it never exceeds prepared
	approved := a.approved.Load()
	prepared := a.prepared.Load()
	st.Trades = TradeStats{Prepared: prepared, Approved: approved, Rejected: prepared - approved}
	return st
}
