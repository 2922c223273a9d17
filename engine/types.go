package engine

import (
	"github.com/dexsniper/execution-node/gasopt"
	"github.com/dexsniper/execution-node/mev"
	"github.com/dexsniper/execution-node/nodepool"
	"github.com/dexsniper/execution-node/simulator"
	"github.com/dexsniper/execution-node/txn"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

const (
	GetConnectionStatsEndpointName = "exec_getConnectionStats"
	GetGasEstimateEndpointName     = "exec_getGasEstimate"
	OptimizeGasEndpointName        = "exec_optimizeGas"
	AnalyzeRiskEndpointName        = "exec_analyzeRisk"
	ProtectEndpointName            = "exec_protect"
	SimulateSwapEndpointName       = "exec_simulateSwap"
	SimulateCallEndpointName       = "exec_simulateCall"
	AnalyzeLiquidityEndpointName   = "exec_analyzeLiquidity"
	PrepareTradeEndpointName       = "exec_prepareTrade"
	SubmitEndpointName             = "exec_submit"
	GetStatsEndpointName           = "exec_getStats"
)

type TxArgs struct {
	Chain string           `json:"chain"`
	Tx    *txn.Transaction `json:"tx"`
}

type OptimizeGasArgs struct {
	Chain    string           `json:"chain"`
	Tx       *txn.Transaction `json:"tx"`
	Strategy gasopt.Strategy  `json:"strategy,omitempty"`
	Urgency  float64          `json:"urgency"`
	// MaxGasPrice overrides the configured fee price ceiling.
	MaxGasPrice *hexutil.Big `json:"maxGasPrice,omitempty"`
}

type ProtectArgs struct {
	Chain          string               `json:"chain"`
	Tx             *txn.Transaction     `json:"tx"`
	ValueAtRiskUSD decimal.Decimal      `json:"valueAtRiskUsd"`
	Level          *mev.ProtectionLevel `json:"level,omitempty"`
	// MaxGasPrice bounds the fee bump of BASIC and STANDARD.
	MaxGasPrice *hexutil.Big `json:"maxGasPrice,omitempty"`
}

type SimulateSwapArgs struct {
	Opportunity simulator.Opportunity `json:"opportunity"`
	AmountUSD   decimal.Decimal       `json:"amountUsd"`
	IsBuy       bool                  `json:"isBuy"`
	MaxSlippage float64               `json:"maxSlippage,omitempty"`
	FeePrice    *hexutil.Big          `json:"feePrice,omitempty"`
}

type AnalyzeLiquidityArgs struct {
	Opportunity simulator.Opportunity `json:"opportunity"`
	Amounts     []decimal.Decimal     `json:"amounts"`
}

// PrepareTradeArgs describes one trade. Without an opportunity the transaction is simulated as a plain call.
type PrepareTradeArgs struct {
	Chain       string           `json:"chain"`
	Tx          *txn.Transaction `json:"tx"`
	Strategy    gasopt.Strategy  `json:"strategy,omitempty"`
	Urgency     float64          `json:"urgency"`
	MaxGasPrice *hexutil.Big     `json:"maxGasPrice,omitempty"`

	Opportunity *simulator.Opportunity `json:"opportunity,omitempty"`
	AmountUSD   decimal.Decimal        `json:"amountUsd"`
	IsBuy       bool                   `json:"isBuy"`
	MaxSlippage float64                `json:"maxSlippage,omitempty"`

	// Protection forces a level. Unset, MEDIUM risk and above get the configured default level.
	Protection      *mev.ProtectionLevel `json:"protection,omitempty"`
	ForceProtection bool                 `json:"forceProtection,omitempty"`
}

// PreparedTrade is the outcome of one pipeline run. Final is the transaction the caller signs when Approved.
// Connection is advisory: it names the endpoint ranked first when the run started, and every step borrows
// its own handle, so a failover during the run can serve later steps from another endpoint.
type PreparedTrade struct {
	Chain      string                       `json:"chain"`
	Approved   bool                         `json:"approved"`
	Reason     string                       `json:"reason,omitempty"`
	Connection string                       `json:"connection"`
	Gas        *gasopt.OptimizedTransaction `json:"gas"`
	Simulation *simulator.Report            `json:"simulation"`
	Risk       *mev.RiskAnalysis            `json:"risk,omitempty"`
	Protection *mev.ProtectedTransaction    `json:"protection,omitempty"`
	Final      *txn.Transaction             `json:"final,omitempty"`
}

type SubmitArgs struct {
	Chain     string                    `json:"chain"`
	Protected *mev.ProtectedTransaction `json:"protected"`
	// Raw is the signed encoding of Protected.Protected.
	Raw hexutil.Bytes `json:"raw"`
}

type ChainStats struct {
	ChainID     uint64                    `json:"chainId"`
	Gas         gasopt.Stats              `json:"gas"`
	Conditions  *gasopt.NetworkConditions `json:"conditions,omitempty"`
	MEV         mev.Stats                 `json:"mev"`
	Submissions mev.SubmitStats           `json:"submissions"`
}

type TradeStats struct {
	Prepared uint64 `json:"prepared"`
	Approved uint64 `json:"approved"`
	Rejected uint64 `json:"rejected"`
}

// Stats is the derived statistics snapshot dashboards consume.
type Stats struct {
	Connections nodepool.Stats        `json:"connections"`
	Chains      map[string]ChainStats `json:"chains"`
	Simulation  simulator.Stats       `json:"simulation"`
	Trades      TradeStats            `json:"trades"`
}
