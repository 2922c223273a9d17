package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dexsniper/execution-node/gasopt"
	"github.com/dexsniper/execution-node/jsonrpcserver"
	"github.com/dexsniper/execution-node/mev"
	"github.com/dexsniper/execution-node/nodepool"
	"github.com/dexsniper/execution-node/nodepool/nodepooltest"
	"github.com/dexsniper/execution-node/simulator"
	"github.com/dexsniper/execution-node/txn"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	trader    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	token     = common.HexToAddress("0x2000000000000000000000000000000000000002")
	recipient = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func newTestAPI(t *testing.T, node *nodepooltest.Node) *API {
	t.Helper()
	pool := nodepooltest.NewPool(t, "ethereum", node)
	mevConfig := mev.DefaultConfig()
	chain := &Chain{
		Name:      "ethereum",
		ChainID:   1,
		Optimizer: gasopt.NewOptimizer(zap.NewNop(), pool, "ethereum", nil, gasopt.DefaultConfig()),
		Analyzer:  mev.NewAnalyzer(zap.NewNop(), pool, "ethereum", 1, mevConfig),
		Submitter: mev.NewSubmitter(zap.NewNop(), pool, "ethereum", 1, mevConfig),
	}
	sim := simulator.New(zap.NewNop(), pool, simulator.DefaultConfig())
	return NewAPI(zap.NewNop(), pool, sim, decimal.NewFromInt(2000), chain)
}

func ether(n int64) *hexutil.Big {
	return txn.NewBig(new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether)))
}

func swapTx() *txn.Transaction {
	router := mev.UniswapV2Router
	return &txn.Transaction{
		From:  trader,
		To:    &router,
		Value: ether(3),
		Data:  hexutil.MustDecode("0x7ff36ab5"),
		Gas:   250_000,
	}
}

func transferTx() *txn.Transaction {
	to := recipient
	return &txn.Transaction{
		From:  trader,
		To:    &to,
		Value: txn.NewBig(big.NewInt(params.Ether / 2)),
		Gas:   21_000,
	}
}

func swapArgs(liquidity, amount int64) PrepareTradeArgs {
	return PrepareTradeArgs{
		Chain:       "ethereum",
		Tx:          swapTx(),
		Opportunity: &simulator.Opportunity{Token: token, LiquidityUSD: decimal.NewFromInt(liquidity)},
		AmountUSD:   decimal.NewFromInt(amount),
		IsBuy:       true,
	}
}

func TestPrepareTrade_ProtectedSwap(t *testing.T) {
	api := newTestAPI(t, nodepooltest.NewNode(1))

	res, err := api.PrepareTrade(context.Background(), swapArgs(1_000_000, 3_000))
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.Empty(t, res.Reason)
	require.Equal(t, "ethereum-a", res.Connection)
	require.Equal(t, simulator.ResultSuccess, res.Simulation.Result)

	// value above 1 ETH, router call and gas above 200k
	require.Equal(t, mev.RiskMedium, res.Risk.Level)
	require.Equal(t, mev.ProtectionStandard, res.Protection.Level)
	require.Equal(t, mev.MethodPrivatePool, res.Protection.Method)
	require.True(t, res.Protection.SavingsUSD.Equal(decimal.NewFromInt(90)), res.Protection.SavingsUSD.String())
	require.Same(t, res.Protection.Protected, res.Final)

	// protection bumps the optimized fees by 10%
	optimizedCap := res.Gas.Optimized.GasFeeCap.ToInt()
	require.Equal(t, txn.MulPercent(optimizedCap, 110), res.Final.GasFeeCap.ToInt())
	require.Equal(t, hexutil.Uint64(250_000), res.Final.Gas)

	stats := api.Stats()
	require.Equal(t, TradeStats{Prepared: 1, Approved: 1}, stats.Trades)
	require.Equal(t, uint64(1), stats.Chains["ethereum"].Gas.TransactionsOptimized)
	require.Equal(t, uint64(1), stats.Chains["ethereum"].MEV.Protected)
	require.Equal(t, uint64(1), stats.Simulation.TotalSimulations)
}

func TestPrepareTrade_ProtectionKeepsGasCeiling(t *testing.T) {
	api := newTestAPI(t, nodepooltest.NewNode(1))
	ceiling := txn.Gwei(30)

	args := swapArgs(1_000_000, 3_000)
	args.MaxGasPrice = txn.NewBig(ceiling)
	res, err := api.PrepareTrade(context.Background(), args)
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.Equal(t, mev.RiskMedium, res.Risk.Level)
	require.Equal(t, mev.ProtectionStandard, res.Protection.Level)

	// standard tier is 2*20+2 gwei, clamped by the gas step
	require.True(t, res.Gas.Clamped)
	require.Equal(t, ceiling, res.Gas.Ceiling.ToInt())
	require.Equal(t, ceiling, res.Gas.Optimized.GasFeeCap.ToInt())

	require.True(t, res.Protection.FeeCapped)
	require.Equal(t, ceiling, res.Final.GasFeeCap.ToInt())
	require.Equal(t, txn.MulPercent(res.Gas.Optimized.GasTipCap.ToInt(), 110), res.Final.GasTipCap.ToInt())
	require.LessOrEqual(t, res.Final.GasTipCap.ToInt().Cmp(ceiling), 0)
}

func TestPrepareTrade_LowRiskGoesPublic(t *testing.T) {
	api := newTestAPI(t, nodepooltest.NewNode(1))

	res, err := api.PrepareTrade(context.Background(), PrepareTradeArgs{Chain: "ethereum", Tx: transferTx()})
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.Equal(t, mev.RiskMinimal, res.Risk.Level)
	require.Equal(t, mev.ProtectionNone, res.Protection.Level)
	require.Equal(t, mev.MethodPublic, res.Protection.Method)
	require.Equal(t, res.Gas.Optimized, res.Final)
	require.Equal(t, hexutil.Uint64(21_000), res.Final.Gas)

	forced := PrepareTradeArgs{Chain: "ethereum", Tx: transferTx(), ForceProtection: true}
	res, err = api.PrepareTrade(context.Background(), forced)
	require.NoError(t, err)
	require.Equal(t, mev.ProtectionStandard, res.Protection.Level)
}

func TestPrepareTrade_ExplicitLevelDegrades(t *testing.T) {
	api := newTestAPI(t, nodepooltest.NewNode(1))

	args := swapArgs(1_000_000, 3_000)
	level := mev.ProtectionMaximum
	args.Protection = &level
	res, err := api.PrepareTrade(context.Background(), args)
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.Equal(t, mev.ProtectionStandard, res.Protection.Level)
	require.Equal(t, mev.ProtectionMaximum, res.Protection.RequestedLevel)
	require.True(t, res.Protection.Degraded)
}

func TestPrepareTrade_Rejected(t *testing.T) {
	node := nodepooltest.NewNode(1)
	api := newTestAPI(t, node)

	res, err := api.PrepareTrade(context.Background(), swapArgs(5_000, 2_000))
	require.NoError(t, err)
	require.False(t, res.Approved)
	require.Equal(t, simulator.ResultPriceImpactHigh, res.Simulation.Result)
	require.Equal(t, res.Simulation.Error, res.Reason)
	require.Nil(t, res.Risk)
	require.Nil(t, res.Protection)
	require.Nil(t, res.Final)

	node.Set(func(n *nodepooltest.Node) {
		n.CallErr = nodepooltest.Reverted("Pausable: paused")
	})
	res, err = api.PrepareTrade(context.Background(), PrepareTradeArgs{Chain: "ethereum", Tx: transferTx()})
	require.NoError(t, err)
	require.False(t, res.Approved)
	require.Equal(t, simulator.ResultReverted, res.Simulation.Result)
	require.Equal(t, "Pausable: paused", res.Simulation.RevertReason)

	require.Equal(t, TradeStats{Prepared: 2, Rejected: 2}, api.Stats().Trades)
}

func TestPrepareTrade_Errors(t *testing.T) {
	api := newTestAPI(t, nodepooltest.NewNode(1))
	ctx := context.Background()

	_, err := api.PrepareTrade(ctx, PrepareTradeArgs{Chain: "solana", Tx: transferTx()})
	require.ErrorIs(t, err, ErrUnknownChain)

	_, err = api.PrepareTrade(ctx, PrepareTradeArgs{Chain: "ethereum"})
	require.ErrorIs(t, err, txn.ErrMalformedTransaction)

	args := swapArgs(1_000, 10)
	args.Opportunity.Chain = "base"
	_, err = api.PrepareTrade(ctx, args)
	require.ErrorIs(t, err, ErrChainMismatch)

	_, err = api.PrepareTrade(ctx, PrepareTradeArgs{Chain: "ethereum", Tx: transferTx(), Urgency: 2})
	require.ErrorIs(t, err, gasopt.ErrInvalidUrgency)

	down := nodepooltest.NewNode(1)
	down.Down = true
	_, err = newTestAPI(t, down).PrepareTrade(ctx, PrepareTradeArgs{Chain: "ethereum", Tx: transferTx()})
	require.ErrorIs(t, err, nodepool.ErrNoConnection)

	flaky := nodepooltest.NewNode(1)
	flakyAPI := newTestAPI(t, flaky)
	flaky.Set(func(n *nodepooltest.Node) { n.CallErr = errors.New("read tcp: connection reset by peer") })
	_, err = flakyAPI.PrepareTrade(ctx, PrepareTradeArgs{Chain: "ethereum", Tx: transferTx()})
	require.ErrorIs(t, err, simulator.ErrNodeUnavailable)
	require.Zero(t, flakyAPI.Stats().Trades.Prepared)
	require.Zero(t, flakyAPI.Stats().Simulation.TotalSimulations)

	require.Zero(t, api.Stats().Trades.Prepared)
}

func TestSubmit_Public(t *testing.T) {
	node := nodepooltest.NewNode(1)
	api := newTestAPI(t, node)
	ctx := context.Background()

	res, err := api.PrepareTrade(ctx, PrepareTradeArgs{Chain: "ethereum", Tx: transferTx()})
	require.NoError(t, err)
	require.True(t, res.Approved)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signed, err := types.SignNewTx(key, types.LatestSignerForChainID(big.NewInt(1)), &types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		GasTipCap: res.Final.GasTipCap.ToInt(),
		GasFeeCap: res.Final.GasFeeCap.ToInt(),
		Gas:       uint64(res.Final.Gas),
		To:        res.Final.To,
		Value:     res.Final.ValueWei(),
	})
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)

	sub, err := api.Submit(ctx, SubmitArgs{Chain: "ethereum", Protected: res.Protection, Raw: raw})
	require.NoError(t, err)
	require.Equal(t, signed.Hash(), sub.TxHash)
	require.Equal(t, "ethereum-a", sub.Route)
	node.Set(func(n *nodepooltest.Node) {
		require.Len(t, n.Sent, 1)
	})

	_, err = api.Submit(ctx, SubmitArgs{Chain: "ethereum", Protected: res.Protection})
	require.ErrorIs(t, err, txn.ErrMalformedTransaction)
	require.Equal(t, uint64(1), api.Stats().Chains["ethereum"].Submissions.Submitted)
}

func rpcCall(t *testing.T, srv *httptest.Server, method string, params string, out any) *jsonrpcserver.JSONRPCError {
	t.Helper()
	body := `{"jsonrpc":"2.0","id":1,"method":"` + method + `","params":` + params + `}`
	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	req.Header.Set(jsonrpcserver.CallerHeader, "test-strategy")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var res struct {
		Result json.RawMessage             `json:"result"`
		Error  *jsonrpcserver.JSONRPCError `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	if res.Error != nil {
		return res.Error
	}
	require.NoError(t, json.Unmarshal(res.Result, out))
	return nil
}

func TestAPI_JSONRPC(t *testing.T) {
	api := newTestAPI(t, nodepooltest.NewNode(1))
	handler, err := jsonrpcserver.NewHandler(zap.NewNop(), api.Methods())
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var trade struct {
		Approved   bool `json:"approved"`
		Protection struct {
			Method mev.Method `json:"method"`
		} `json:"protection"`
		Risk struct {
			Level mev.RiskLevel `json:"level"`
		} `json:"risk"`
	}
	rpcErr := rpcCall(t, srv, PrepareTradeEndpointName, `{
		"chain": "ethereum",
		"tx": {
			"from": "0x1000000000000000000000000000000000000001",
			"to": "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D",
			"value": "0x29a2241af62c0000",
			"data": "0x7ff36ab5",
			"gas": "0x3d090"
		},
		"opportunity": {"token": "0x2000000000000000000000000000000000000002", "liquidityUsd": "1000000"},
		"amountUsd": "3000",
		"isBuy": true
	}`, &trade)
	require.Nil(t, rpcErr)
	require.True(t, trade.Approved)
	require.Equal(t, mev.MethodPrivatePool, trade.Protection.Method)
	require.Equal(t, mev.RiskMedium, trade.Risk.Level)

	var risk mev.RiskAnalysis
	rpcErr = rpcCall(t, srv, AnalyzeRiskEndpointName, `[{"chain":"ethereum","tx":{"from":"0x1000000000000000000000000000000000000001","to":"0x3000000000000000000000000000000000000003","gas":"0x5208"}}]`, &risk)
	require.Nil(t, rpcErr)
	require.Equal(t, mev.RiskMinimal, risk.Level)

	var estimate struct {
		Source gasopt.Source `json:"source"`
	}
	rpcErr = rpcCall(t, srv, GetGasEstimateEndpointName, `["ethereum"]`, &estimate)
	require.Nil(t, rpcErr)
	require.Equal(t, gasopt.SourceChain, estimate.Source)

	var stats struct {
		Trades      TradeStats `json:"trades"`
		Connections struct {
			ConnectedNodes int `json:"connectedNodes"`
		} `json:"connections"`
	}
	rpcErr = rpcCall(t, srv, GetStatsEndpointName, `[]`, &stats)
	require.Nil(t, rpcErr)
	require.Equal(t, uint64(1), stats.Trades.Approved)
	require.Equal(t, 1, stats.Connections.ConnectedNodes)

	rpcErr = rpcCall(t, srv, GetGasEstimateEndpointName, `["solana"]`, nil)
	require.NotNil(t, rpcErr)
	require.Equal(t, jsonrpcserver.CodeCustomError, rpcErr.Code)
	require.Contains(t, rpcErr.Message, "unknown chain")
}
