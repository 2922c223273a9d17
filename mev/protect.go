package mev

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/dexsniper/execution-node/metrics"
	"github.com/dexsniper/execution-node/txn"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

const defaultPoolName = "routed"

var feeBumpPct int64 = 110

type protectionModel struct {
	method  Method
	cost    decimal.Decimal
	success float64
	// savings estimates the USD kept away from attackers for a given value at risk
	savings func(valueAtRisk decimal.Decimal) decimal.Decimal
}

func shareOf(pct int64) func(decimal.Decimal) decimal.Decimal {
	return func(v decimal.Decimal) decimal.Decimal {
		return v.Mul(decimal.New(pct, -2))
	}
}

var protectionModels = map[ProtectionLevel]protectionModel{
	ProtectionNone: {
		method:  MethodPublic,
		cost:    decimal.Zero,
		success: 0.75,
		savings: func(decimal.Decimal) decimal.Decimal { return decimal.Zero },
	},
	ProtectionBasic: {
		method:  MethodFeeBump,
		cost:    decimal.NewFromInt(2),
		success: 0.85,
		savings: func(v decimal.Decimal) decimal.Decimal { return decimal.Min(decimal.NewFromInt(5), v) },
	},
	ProtectionStandard: {
		method:  MethodPrivatePool,
		cost:    decimal.NewFromInt(5),
		success: 0.92,
		savings: shareOf(60),
	},
	ProtectionMaximum: {
		method:  MethodBundle,
		cost:    decimal.NewFromInt(10),
		success: 0.96,
		savings: shareOf(85),
	},
	ProtectionStealth: {
		method:  MethodStealthBundle,
		cost:    decimal.NewFromInt(15),
		success: 0.99,
		savings: shareOf(95),
	},
}

// ProtectedTransaction is a rewritten transaction plus the route it has to be submitted through.
type ProtectedTransaction struct {
	Original           *txn.Transaction `json:"original"`
	Protected          *txn.Transaction `json:"protected"`
	Level              ProtectionLevel  `json:"level"`
	RequestedLevel     ProtectionLevel  `json:"requestedLevel"`
	Method             Method           `json:"method"`
	CostUSD            decimal.Decimal  `json:"costUsd"`
	SavingsUSD         decimal.Decimal  `json:"savingsUsd"`
	SuccessProbability float64          `json:"successProbability"`
	BundleID           *common.Hash     `json:"bundleId,omitempty"`
	PoolName           string           `json:"poolName,omitempty"`
	TargetBlock        uint64           `json:"targetBlock,omitempty"`
	MaxBlock           uint64           `json:"maxBlock,omitempty"`
	Stealth            bool             `json:"stealth,omitempty"`
	Degraded           bool             `json:"degraded"`
	DegradedReason     string           `json:"degradedReason,omitempty"`
	// FeeCapped is set when the fee bump was clamped to the fee price ceiling.
	FeeCapped bool `json:"feeCapped,omitempty"`
}

// Protect applies level, or the configured default when nil, to tx. Levels that need an unavailable
// signing key or relay are lowered one step at a time down to STANDARD and the result is marked degraded.
// Protect never applies a level above the requested one. A failed block number lookup for bundle levels
// is returned as error.
func (a *Analyzer) Protect(ctx context.Context, tx *txn.Transaction, valueAtRisk decimal.Decimal, level *ProtectionLevel) (*ProtectedTransaction, error) {
	return a.ProtectCapped(ctx, tx, valueAtRisk, level, nil)
}

// ProtectCapped is Protect with fee bumps clamped to maxFeePrice when it is set.
func (a *Analyzer) ProtectCapped(ctx context.Context, tx *txn.Transaction, valueAtRisk decimal.Decimal, level *ProtectionLevel, maxFeePrice *big.Int) (*ProtectedTransaction, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	requested := a.config.DefaultLevel
	if level != nil {
		requested = *level
	}
	if !requested.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProtectionLevel, int(requested))
	}
	if valueAtRisk.IsNegative() {
		valueAtRisk = decimal.Zero
	}

	applied, reason := a.availableLevel(requested)
	res := &ProtectedTransaction{
		Original:       tx.Copy(),
		Protected:      tx.Copy(),
		Level:          applied,
		RequestedLevel: requested,
		Degraded:       applied != requested,
		DegradedReason: reason,
	}

	switch applied {
	case ProtectionBasic:
		res.FeeCapped = bumpFees(res.Protected, maxFeePrice)
	case ProtectionStandard:
		res.FeeCapped = bumpFees(res.Protected, maxFeePrice)
		res.PoolName = a.poolName()
	case ProtectionMaximum, ProtectionStealth:
		if err := a.prepareBundle(ctx, res); err != nil {
			return nil, err
		}
	}

	model := protectionModels[applied]
	res.Method = model.method
	res.CostUSD = model.cost
	res.SavingsUSD = model.savings(valueAtRisk)
	res.SuccessProbability = model.success

	a.record(res)
	a.log.Debug("Protected transaction",
		zap.String("requested", requested.String()),
		zap.String("applied", applied.String()),
		zap.String("method", string(res.Method)),
		zap.String("reason", reason),
	)
	return res, nil
}

// availableLevel walks down from requested until a level's requirements are met, with one reason per step.
func (a *Analyzer) availableLevel(requested ProtectionLevel) (ProtectionLevel, string) {
	var reasons []string
	level := requested
	for level >= ProtectionMaximum {
		missing := a.missingBundleRequirement()
		if missing == "" {
			break
		}
		reasons = append(reasons, fmt.Sprintf("%s -> %s: %s", level, level-1, missing))
		level--
	}
	return level, strings.Join(reasons, "; ")
}

func (a *Analyzer) missingBundleRequirement() string {
	if a.config.SigningKey == nil {
		return "bundle signing key not configured"
	}
	if a.config.Relays[a.chainID] == "" {
		return fmt.Sprintf("no bundle relay for chain %d", a.chainID)
	}
	return ""
}

func (a *Analyzer) poolName() string {
	if pools := a.config.PoolsForChain(a.chainID); len(pools) > 0 {
		return pools[0].Name
	}
	return defaultPoolName
}

// bumpFees raises every fee field by the bump percentage, never above ceiling when set.
func bumpFees(tx *txn.Transaction, ceiling *big.Int) (capped bool) {
	for _, f := range []**hexutil.Big{&tx.GasPrice, &tx.GasFeeCap, &tx.GasTipCap} {
		if *f == nil {
			continue
		}
		bumped := txn.MulPercent((*f).ToInt(), feeBumpPct)
		if ceiling != nil && bumped.Cmp(ceiling) > 0 {
			bumped.Set(ceiling)
			capped = true
		}
		*f = txn.NewBig(bumped)
	}
	return capped
}

// prepareBundle targets the next block. Builders are paid through the bundle, so the priority fee is zeroed.
func (a *Analyzer) prepareBundle(ctx context.Context, res *ProtectedTransaction) error {
	conn, err := a.pool.GetConnection(a.chain)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.config.BlockTimeout)
	defer cancel()
	current, err := conn.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("resolve bundle target block: %w", err)
	}

	if res.Protected.GasFeeCap != nil {
		res.Protected.GasTipCap = (*hexutil.Big)(new(big.Int))
	}
	res.TargetBlock = current + 1
	if res.Level == ProtectionStealth {
		res.Stealth = true
		res.MaxBlock = res.TargetBlock + a.config.StealthWindow
	}
	id := bundleID(a.chainID, res.Protected, res.TargetBlock)
	res.BundleID = &id
	return nil
}

func bundleID(chainID uint64, tx *txn.Transaction, targetBlock uint64) common.Hash {
	var buf [8]byte
	h := sha3.NewLegacyKeccak256()
	binary.BigEndian.PutUint64(buf[:], chainID)
	h.Write(buf[:])
	h.Write(tx.From.Bytes())
	if tx.To != nil {
		h.Write(tx.To.Bytes())
	}
	if tx.Nonce != nil {
		binary.BigEndian.PutUint64(buf[:], uint64(*tx.Nonce))
		h.Write(buf[:])
	}
	h.Write(tx.ValueWei().Bytes())
	h.Write(tx.Data)
	binary.BigEndian.PutUint64(buf[:], targetBlock)
	h.Write(buf[:])

	var id common.Hash
	h.Sum(id[:0])
	return id
}

func (a *Analyzer) record(res *ProtectedTransaction) {
	a.total.Add(1)
	if res.Level > ProtectionNone {
		a.protected.Add(1)
	}
	if res.Level >= ProtectionStandard {
		a.prevented.Add(1)
	}
	if res.BundleID != nil {
		a.bundlesPrepared.Add(1)
	}
	if res.Degraded {
		a.degraded.Add(1)
		metrics.IncProtectionDegraded()
	}
	metrics.IncProtection(res.Level.String())

	a.savingsMu.Lock()
	a.savings = a.savings.Add(res.SavingsUSD)
	a.savingsMu.Unlock()
}

// Stats are estimates for reporting, not verified on-chain outcomes.
type Stats struct {
	Chain             string          `json:"chain"`
	Analyzed          uint64          `json:"analyzed"`
	TotalTransactions uint64          `json:"totalTransactions"`
	Protected         uint64          `json:"protected"`
	AttacksPrevented  uint64          `json:"attacksPrevented"`
	TotalSavingsUSD   decimal.Decimal `json:"totalSavingsUsd"`
	BundlesPrepared   uint64          `json:"bundlesPrepared"`
	Degraded          uint64          `json:"degraded"`
	ProtectionRate    float64         `json:"protectionRate"`
}

func (a *Analyzer) Stats() Stats {
	a.savingsMu.Lock()
	savings := a.savings
	a.savingsMu.Unlock()

	s := Stats{
		Chain:             a.chain,
		Analyzed:          a.analyzed.Load(),
		TotalTransactions: a.total.Load(),
		Protected:         a.protected.Load(),
		AttacksPrevented:  a.prevented.Load(),
		TotalSavingsUSD:   savings,
		BundlesPrepared:   a.bundlesPrepared.Load(),
		Degraded:          a.degraded.Load(),
	}
	if s.TotalTransactions > 0 {
		s.ProtectionRate = float64(s.Protected) / float64(s.TotalTransactions)
	}
	return s
}
