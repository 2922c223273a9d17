package simulator

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/dexsniper/execution-node/nodepool"
	"github.com/dexsniper/execution-node/nodepool/nodepooltest"
	"github.com/dexsniper/execution-node/txn"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var token = common.HexToAddress("0x2000000000000000000000000000000000000002")

func usd(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func opportunity(liquidity int64) Opportunity {
	return Opportunity{Token: token, Chain: "ethereum", LiquidityUSD: usd(liquidity)}
}

func newSimulator(t *testing.T, config Config, nodes ...*nodepooltest.Node) *Simulator {
	t.Helper()
	if len(nodes) == 0 {
		nodes = append(nodes, nodepooltest.NewNode(1))
	}
	return New(zap.NewNop(), nodepooltest.NewPool(t, "ethereum", nodes...), config)
}

func TestSimulateSwap_WithinCeiling(t *testing.T) {
	s := newSimulator(t, DefaultConfig())

	r, err := s.SimulateSwap(context.Background(), opportunity(10_000), usd(3_000), true, 0.15, txn.Gwei(20))
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, r.Result)
	require.True(t, r.Success)
	require.InDelta(t, 0.15, r.PriceImpact, 1e-9)
	require.InDelta(t, 0.12, r.Slippage, 1e-9)
	require.InDelta(t, 180_000, float64(r.GasUsed), 1)
	require.Equal(t, r.GasUsed*120/100, r.GasLimit)

	// 180k gas * 20 gwei at $2000
	cost, _ := r.GasCostUSD.Float64()
	require.InDelta(t, 7.2, cost, 0.001)

	price, _ := r.EstimatedPrice.Float64()
	require.InDelta(t, 1.15, price, 1e-9)
	output, _ := r.EstimatedOutput.Float64()
	require.InDelta(t, 3000/1.15, output, 1e-6)
	require.True(t, r.LiquidityBefore.Equal(usd(10_000)))
	require.True(t, r.LiquidityAfter.Equal(usd(13_000)))

	// shallow pool and impact above 10%
	require.InDelta(t, 0.5, r.Confidence, 1e-9)
	require.NotEmpty(t, r.Warnings)
}

func TestSimulateSwap_PriceImpactHigh(t *testing.T) {
	s := newSimulator(t, DefaultConfig())

	r, err := s.SimulateSwap(context.Background(), opportunity(5_000), usd(2_000), true, 0.5, nil)
	require.NoError(t, err)
	require.Equal(t, ResultPriceImpactHigh, r.Result)
	require.False(t, r.Success)
	require.Zero(t, r.GasUsed)
	require.True(t, r.GasCostUSD.IsZero())
	require.Greater(t, r.PriceImpact, 0.2)
	require.NotEmpty(t, r.Error)

	r, err = s.SimulateSwap(context.Background(), opportunity(1_000), usd(50_000), true, 0.5, nil)
	require.NoError(t, err)
	require.Equal(t, 0.5, r.PriceImpact)
}

func TestSimulateSwap_CeilingBoundary(t *testing.T) {
	impact := impactFor(usd(3_000), usd(10_000))

	config := DefaultConfig()
	config.PriceImpactCeiling = impact
	s := newSimulator(t, config)
	r, err := s.SimulateSwap(context.Background(), opportunity(10_000), usd(3_000), true, 1, txn.Gwei(20))
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, r.Result)

	config.PriceImpactCeiling = math.Nextafter(impact, 0)
	s = newSimulator(t, config)
	r, err = s.SimulateSwap(context.Background(), opportunity(10_000), usd(3_000), true, 1, txn.Gwei(20))
	require.NoError(t, err)
	require.Equal(t, ResultPriceImpactHigh, r.Result)
}

func TestSimulateSwap_SlippageExceeded(t *testing.T) {
	s := newSimulator(t, DefaultConfig())

	// default max slippage is 5%
	r, err := s.SimulateSwap(context.Background(), opportunity(10_000), usd(3_000), true, 0, nil)
	require.NoError(t, err)
	require.Equal(t, ResultSlippageExceeded, r.Result)
	require.False(t, r.Success)
	require.Zero(t, r.GasUsed)
	require.Contains(t, r.Error, "slippage")
}

func TestSimulateSwap_Sell(t *testing.T) {
	s := newSimulator(t, DefaultConfig())
	opp := opportunity(100_000)
	opp.PriceUSD = decimal.NewFromFloat(0.5)

	r, err := s.SimulateSwap(context.Background(), opp, usd(1_000), false, 0, nil)
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, r.Result)
	impact := PriceImpact(0.01)
	require.InDelta(t, impact, r.PriceImpact, 1e-12)

	price, _ := r.EstimatedPrice.Float64()
	require.InDelta(t, 0.5*(1-impact), price, 1e-9)
	output, _ := r.EstimatedOutput.Float64()
	require.InDelta(t, 1000*(1-impact), output, 1e-6)
	require.True(t, r.LiquidityAfter.LessThan(r.LiquidityBefore))

	// deep pool and small impact
	require.InDelta(t, 0.9, r.Confidence, 1e-9)

	// gas priced at the node's 22 gwei suggestion
	expected := decimal.NewFromInt(int64(r.GasUsed)).Mul(decimal.NewFromBigInt(txn.Gwei(22), 0)).Shift(-18).Mul(usd(2000))
	require.True(t, expected.Equal(r.GasCostUSD), "%s != %s", expected, r.GasCostUSD)
}

func TestSimulateSwap_FallbackGasPrice(t *testing.T) {
	node := nodepooltest.NewNode(1)
	node.Down = true
	s := newSimulator(t, DefaultConfig(), node)

	r, err := s.SimulateSwap(context.Background(), opportunity(100_000), usd(1_000), true, 0, nil)
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, r.Result)
	require.Contains(t, r.Warnings, "gas price unavailable, using fallback")
	expected := decimal.NewFromInt(int64(r.GasUsed)).Mul(decimal.NewFromBigInt(txn.Gwei(25), 0)).Shift(-18).Mul(usd(2000))
	require.True(t, expected.Equal(r.GasCostUSD))
}

func TestSimulateSwap_InvalidInput(t *testing.T) {
	s := newSimulator(t, DefaultConfig())

	r, err := s.SimulateSwap(context.Background(), opportunity(0), usd(100), true, 0, nil)
	require.NoError(t, err)
	require.Equal(t, ResultInsufficientLiquidity, r.Result)
	require.False(t, r.Success)

	_, err = s.SimulateSwap(context.Background(), opportunity(1_000), usd(0), true, 0, nil)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.SimulateSwap(context.Background(), Opportunity{Token: token, LiquidityUSD: usd(1)}, usd(1), true, 0, nil)
	require.ErrorIs(t, err, ErrInvalidOpportunity)
}

func TestSimulateSwap_Cache(t *testing.T) {
	s := newSimulator(t, DefaultConfig())
	ctx := context.Background()

	first, err := s.SimulateSwap(ctx, opportunity(10_000), usd(3_000), true, 0.15, txn.Gwei(20))
	require.NoError(t, err)
	first.Warnings[0] = "changed"
	first.Result = ResultUnknownError

	second, err := s.SimulateSwap(ctx, opportunity(10_000), usd(3_000), true, 0.15, txn.Gwei(20))
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, second.Result)
	require.NotEqual(t, "changed", second.Warnings[0])

	_, err = s.SimulateSwap(ctx, opportunity(10_000), usd(3_000), false, 0.15, txn.Gwei(20))
	require.NoError(t, err)

	stats := s.Stats()
	require.Equal(t, uint64(2), stats.TotalSimulations)
	require.Equal(t, uint64(1), stats.CacheHits)
	require.Equal(t, 2, stats.CacheSize)
}

func TestSimulateSwap_WETHPrice(t *testing.T) {
	s := newSimulator(t, DefaultConfig())
	opp := Opportunity{Token: WETH, Chain: "ethereum", LiquidityUSD: usd(10_000_000)}

	r, err := s.SimulateSwap(context.Background(), opp, usd(2_000), true, 0, txn.Gwei(10))
	require.NoError(t, err)
	output, _ := r.EstimatedOutput.Float64()
	require.InDelta(t, 1, output, 1e-3)
}

func TestPriceImpact_Monotonic(t *testing.T) {
	prev := PriceImpact(0)
	require.Zero(t, prev)
	for i := 1; i <= 1000; i++ {
		impact := PriceImpact(float64(i) / 500)
		require.GreaterOrEqual(t, impact, prev)
		require.LessOrEqual(t, impact, 0.5)
		prev = impact
	}
	require.Zero(t, PriceImpact(-1))
	require.Zero(t, PriceImpact(math.NaN()))
}

func TestAnalyzeLiquidityImpact(t *testing.T) {
	s := newSimulator(t, DefaultConfig())
	opp := opportunity(100_000)

	res, err := s.AnalyzeLiquidityImpact(context.Background(), opp, []decimal.Decimal{usd(20_000), usd(1_000), usd(5_000), usd(10_000)})
	require.NoError(t, err)
	require.Len(t, res.Curve, 4)
	for i := 1; i < len(res.Curve); i++ {
		require.True(t, res.Curve[i].AmountUSD.GreaterThan(res.Curve[i-1].AmountUSD))
		require.GreaterOrEqual(t, res.Curve[i].PriceImpact, res.Curve[i-1].PriceImpact)
	}
	// 10k of 100k: impact 1.67%, 20k: 6.67%
	require.True(t, res.MaxRecommendedSize.Equal(usd(10_000)))
	// no point reaches 10%: largest amount * 20
	require.True(t, res.TotalLiquidityEstimate.Equal(usd(400_000)))

	res, err = s.AnalyzeLiquidityImpact(context.Background(), opp, []decimal.Decimal{usd(1_000), usd(30_000), usd(50_000)})
	require.NoError(t, err)
	// 30k of 100k reaches 15%
	require.True(t, res.TotalLiquidityEstimate.Equal(usd(300_000)))

	res, err = s.AnalyzeLiquidityImpact(context.Background(), opp, nil)
	require.NoError(t, err)
	require.Empty(t, res.Curve)
	require.True(t, res.TotalLiquidityEstimate.IsZero())

	_, err = s.AnalyzeLiquidityImpact(context.Background(), opp, []decimal.Decimal{usd(-1)})
	require.ErrorIs(t, err, ErrInvalidAmount)

	require.Zero(t, s.Stats().TotalSimulations)
}

// revertError mimics a JSON-RPC execution error carrying revert data.
type revertError struct {
	msg  string
	data string
}

func (e revertError) Error() string          { return e.msg }
func (e revertError) ErrorCode() int         { return 3 }
func (e revertError) ErrorData() interface{} { return e.data }

func revertData(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return hexutil.Encode(append(hexutil.MustDecode("0x08c379a0"), packed...))
}

func callTx() *txn.Transaction {
	to := common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	return &txn.Transaction{
		From:     common.HexToAddress("0x1000000000000000000000000000000000000001"),
		To:       &to,
		Data:     hexutil.MustDecode("0x38ed1739"),
		Gas:      150_000,
		GasPrice: txn.NewBig(txn.Gwei(30)),
	}
}

func TestSimulateGenericCall(t *testing.T) {
	testCases := map[string]struct {
		callErr     error
		estimateErr error
		down        bool
		err         error
		result      Result
		reason      string
	}{
		"success": {
			result: ResultSuccess,
		},
		"decoded slippage revert": {
			callErr: revertError{msg: "execution reverted", data: revertData(t, "UniswapV2Router: INSUFFICIENT_OUTPUT_AMOUNT")},
			result:  ResultSlippageExceeded,
			reason:  "UniswapV2Router: INSUFFICIENT_OUTPUT_AMOUNT",
		},
		"decoded liquidity revert": {
			callErr: revertError{msg: "execution reverted", data: revertData(t, "UniswapV2Library: INSUFFICIENT_LIQUIDITY")},
			result:  ResultInsufficientLiquidity,
			reason:  "UniswapV2Library: INSUFFICIENT_LIQUIDITY",
		},
		"expired deadline": {
			callErr: revertError{msg: "execution reverted: UniswapV2Router: EXPIRED"},
			result:  ResultReverted,
			reason:  "DEADLINE_EXPIRED",
		},
		"insufficient funds": {
			callErr: revertError{msg: "insufficient funds for gas * price + value"},
			result:  ResultInsufficientBalance,
			reason:  "insufficient funds for gas * price + value",
		},
		"other revert": {
			callErr: revertError{msg: "execution reverted: Pausable: paused"},
			result:  ResultReverted,
			reason:  "Pausable: paused",
		},
		"estimate fails": {
			estimateErr: revertError{msg: "gas required exceeds allowance"},
			result:      ResultGasEstimationFailed,
		},
		"node goes down after initialize": {
			down: true,
			err:  nodepooltest.ErrDown,
		},
		"call transport failure": {
			callErr: errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"),
			err:     ErrNodeUnavailable,
		},
		"estimate transport failure": {
			estimateErr: context.DeadlineExceeded,
			err:         ErrNodeUnavailable,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			node := nodepooltest.NewNode(1)
			node.CallErr = tc.callErr
			node.EstimateErr = tc.estimateErr
			node.GasEstimate = 120_000
			s := newSimulator(t, DefaultConfig(), node)
			node.Set(func(n *nodepooltest.Node) { n.Down = tc.down })

			r, err := s.SimulateGenericCall(context.Background(), "ethereum", callTx())
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				require.ErrorIs(t, err, ErrNodeUnavailable)
				require.Nil(t, r)
				stats := s.Stats()
				require.Zero(t, stats.TotalSimulations)
				require.Zero(t, stats.PreventedFailures)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.result, r.Result)
			require.Equal(t, tc.reason, r.RevertReason)
			require.Equal(t, tc.result == ResultSuccess, r.Success)
			if r.Success {
				require.Equal(t, uint64(120_000), r.GasUsed)
				require.Equal(t, uint64(144_000), r.GasLimit)
				// 120k gas at the transaction's 30 gwei, $2000
				require.True(t, r.GasCostUSD.Equal(decimal.NewFromFloat(7.2)), r.GasCostUSD.String())
			}
			stats := s.Stats()
			require.Equal(t, uint64(1), stats.TotalSimulations)
			if !r.Success {
				require.Equal(t, uint64(1), stats.PreventedFailures)
				require.Equal(t, 1.0, stats.FailurePreventionRate)
			}
		})
	}
}

func TestSimulateGenericCall_NoConnection(t *testing.T) {
	node := nodepooltest.NewNode(1)
	node.Down = true
	s := newSimulator(t, DefaultConfig(), node)

	_, err := s.SimulateGenericCall(context.Background(), "ethereum", callTx())
	require.ErrorIs(t, err, nodepool.ErrNoConnection)

	_, err = s.SimulateGenericCall(context.Background(), "ethereum", &txn.Transaction{})
	require.ErrorIs(t, err, txn.ErrMalformedTransaction)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SIM_PRICE_IMPACT_CEILING", "0.25")
	t.Setenv("SIM_MAX_SLIPPAGE", "0.03")
	t.Setenv("NATIVE_USD_PRICE", "3150.5")
	config, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, 0.25, config.PriceImpactCeiling)
	require.Equal(t, 0.03, config.MaxSlippage)
	require.True(t, config.NativeUSDPrice.Equal(decimal.RequireFromString("3150.5")))

	t.Setenv("SIM_PRICE_IMPACT_CEILING", "2")
	_, err = ConfigFromEnv()
	require.Error(t, err)
}
