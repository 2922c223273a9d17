package mev

import (
	"math/big"
	"testing"

	"github.com/dexsniper/execution-node/txn"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	sender = common.HexToAddress("0x1000000000000000000000000000000000000001")
	token  = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func ether(v int64) *hexutil.Big {
	return txn.NewBig(new(big.Int).Mul(big.NewInt(v), big.NewInt(params.Ether)))
}

func newTx(to common.Address, value *hexutil.Big, gas uint64, data string) *txn.Transaction {
	return &txn.Transaction{
		From:  sender,
		To:    &to,
		Value: value,
		Gas:   hexutil.Uint64(gas),
		Data:  hexutil.MustDecode(data),
	}
}

func TestAnalyzeRisk(t *testing.T) {
	testCases := map[string]struct {
		tx       *txn.Transaction
		advanced bool
		factors  Factors
		level    RiskLevel
		protect  ProtectionLevel
	}{
		"plain transfer": {
			tx:      newTx(token, ether(0), 21_000, "0x"),
			level:   RiskMinimal,
			protect: ProtectionNone,
		},
		"router swap": {
			tx:      newTx(UniswapV2Router, ether(0), 150_000, "0x"),
			factors: Factors{DEXRouter: true},
			level:   RiskMinimal,
			protect: ProtectionNone,
		},
		"swap selector to unknown router": {
			tx:      newTx(token, ether(2), 150_000, "0x38ed1739"),
			factors: Factors{HighValue: true, DEXRouter: true},
			level:   RiskLow,
			protect: ProtectionBasic,
		},
		"large swap": {
			tx:      newTx(UniswapV3Router, ether(5), 300_000, "0x414bf389"),
			factors: Factors{HighValue: true, DEXRouter: true, ComplexGas: true},
			level:   RiskMedium,
			protect: ProtectionStandard,
		},
		"whale swap": {
			tx:      newTx(OneInchRouter, ether(50), 600_000, "0x12aa3caf"),
			factors: Factors{HighValue: true, KnownTarget: true, DEXRouter: true, ComplexGas: true, LargeGas: true},
			level:   RiskHigh,
			protect: ProtectionMaximum,
		},
		"whale swap advanced": {
			tx:       newTx(OneInchRouter, ether(50), 600_000, "0x12aa3caf"),
			advanced: true,
			factors:  Factors{HighValue: true, KnownTarget: true, DEXRouter: true, ComplexGas: true, LargeGas: true},
			level:    RiskCritical,
			protect:  ProtectionStealth,
		},
		"plain transfer advanced": {
			tx:       newTx(token, ether(0), 21_000, "0x"),
			advanced: true,
			level:    RiskLow,
			protect:  ProtectionBasic,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			config := DefaultConfig()
			config.Advanced = tc.advanced
			a := NewAnalyzer(zap.NewNop(), nil, "ethereum", 1, config)

			res, err := a.AnalyzeRisk(tc.tx)
			require.NoError(t, err)
			require.Equal(t, tc.factors, res.Factors)
			require.Equal(t, tc.level, res.Level)
			require.Equal(t, tc.protect, res.RecommendedProtection)
			require.InDelta(t, float64(tc.factors.Count())/6, res.Score, 1e-9)
			require.Len(t, res.Reasons, tc.factors.Count())
			require.LessOrEqual(t, res.SandwichRisk, 1.0)
			require.LessOrEqual(t, res.FrontrunRisk, res.SandwichRisk)
		})
	}
}

func TestAnalyzeRisk_ElevatedFee(t *testing.T) {
	a := NewAnalyzer(zap.NewNop(), nil, "ethereum", 1, DefaultConfig())
	tx := newTx(token, ether(0), 21_000, "0x")
	tx.GasFeeCap = txn.NewBig(txn.Gwei(150))

	res, err := a.AnalyzeRisk(tx)
	require.NoError(t, err)
	require.True(t, res.Factors.ElevatedFee)

	tx.GasFeeCap = txn.NewBig(txn.Gwei(100))
	res, err = a.AnalyzeRisk(tx)
	require.NoError(t, err)
	require.False(t, res.Factors.ElevatedFee)
}

func TestAnalyzeRisk_ValueAtRiskAndConfidence(t *testing.T) {
	a := NewAnalyzer(zap.NewNop(), nil, "ethereum", 1, DefaultConfig())

	// high value, known target, router, complex gas: 4 of 6 factors
	res, err := a.AnalyzeRisk(newTx(UniswapV2Router, ether(20), 250_000, "0x7ff36ab5"))
	require.NoError(t, err)
	require.Equal(t, 4, res.Factors.Count())
	require.InDelta(t, 4.0/6*0.8, res.SandwichRisk, 1e-9)
	require.InDelta(t, 4.0/6*0.6, res.FrontrunRisk, 1e-9)
	require.Equal(t, 0.6, res.Confidence)
	expected := txn.MulFloat(ether(20).ToInt(), res.SandwichRisk*0.05)
	require.Equal(t, expected, res.ValueAtRisk.ToInt())

	noValue := newTx(UniswapV2Router, nil, 250_000, "0x7ff36ab5")
	res, err = a.AnalyzeRisk(noValue)
	require.NoError(t, err)
	require.Equal(t, 0.5, res.Confidence)
	require.Equal(t, 0, res.ValueAtRisk.ToInt().Sign())

	advanced := DefaultConfig()
	advanced.Advanced = true
	res, err = NewAnalyzer(zap.NewNop(), nil, "ethereum", 1, advanced).AnalyzeRisk(newTx(token, ether(2), 21_000, "0x"))
	require.NoError(t, err)
	require.Equal(t, 0.8, res.Confidence)

	_, err = a.AnalyzeRisk(&txn.Transaction{From: sender})
	require.ErrorIs(t, err, txn.ErrMalformedTransaction)
}

func TestAnalyzeRisk_ExtraRouters(t *testing.T) {
	config := DefaultConfig()
	config.ExtraRouters = []common.Address{token}
	a := NewAnalyzer(zap.NewNop(), nil, "ethereum", 1, config)

	res, err := a.AnalyzeRisk(newTx(token, ether(0), 21_000, "0x"))
	require.NoError(t, err)
	require.True(t, res.Factors.DEXRouter)
}

func TestLevelForScore_Monotonic(t *testing.T) {
	for _, advanced := range []bool{false, true} {
		prev := LevelForScore(0, advanced)
		prevProtection := RecommendedProtection(prev)
		for i := 1; i <= 10_000; i++ {
			score := float64(i) / 10_000
			level := LevelForScore(score, advanced)
			require.GreaterOrEqual(t, int(level), int(prev), "score %f advanced %v", score, advanced)
			protection := RecommendedProtection(level)
			require.GreaterOrEqual(t, int(protection), int(prevProtection))
			prev, prevProtection = level, protection
		}
	}

	require.Equal(t, RiskHigh, LevelForScore(0.6, false))
	require.Equal(t, RiskMedium, LevelForScore(0.5999, false))
	require.Equal(t, RiskLow, LevelForScore(0.2, false))
	require.Equal(t, RiskMinimal, LevelForScore(0.1999, false))
	require.Equal(t, RiskCritical, LevelForScore(0.7, true))
	require.Equal(t, RiskMedium, LevelForScore(0.3, true))
	require.Equal(t, RiskLow, LevelForScore(0, true))
}

func TestLevelsText(t *testing.T) {
	for i, name := range protectionLevelNames {
		level, err := ParseProtectionLevel(name)
		require.NoError(t, err)
		require.Equal(t, ProtectionLevel(i), level)
	}
	level, err := ParseProtectionLevel(" MAXIMUM")
	require.NoError(t, err)
	require.Equal(t, ProtectionMaximum, level)

	_, err = ParseProtectionLevel("paranoid")
	require.ErrorIs(t, err, ErrUnknownProtectionLevel)

	_, err = ProtectionLevel(9).MarshalText()
	require.ErrorIs(t, err, ErrUnknownProtectionLevel)

	text, err := RiskCritical.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "critical", string(text))

	var risk RiskLevel
	require.NoError(t, risk.UnmarshalText([]byte("MEDIUM")))
	require.Equal(t, RiskMedium, risk)
}
