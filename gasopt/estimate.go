package gasopt

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/dexsniper/execution-node/breaker"
	"github.com/dexsniper/execution-node/metrics"
	"github.com/dexsniper/execution-node/txn"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

type Tier int

const (
	TierSafeLow Tier = iota
	TierStandard
	TierFast
	TierInstant
	numTiers
)

var tierNames = [numTiers]string{"safeLow", "standard", "fast", "instant"}

func (t Tier) String() string {
	if t < 0 || t >= numTiers {
		return "unknown"
	}
	return tierNames[t]
}

// Tiers holds one wei amount per tier, safe-low first.
type Tiers [numTiers]*big.Int

func (t Tiers) Copy() Tiers {
	var res Tiers
	for i, v := range t {
		if v != nil {
			res[i] = new(big.Int).Set(v)
		}
	}
	return res
}

func (t Tiers) MarshalJSON() ([]byte, error) {
	m := make(map[string]*hexutil.Big, numTiers)
	for i, v := range t {
		m[tierNames[i]] = (*hexutil.Big)(v)
	}
	return json.Marshal(m)
}

type Source string

const (
	SourceOracle   Source = "oracle"
	SourceChain    Source = "chain"
	SourceFallback Source = "fallback"
)

const (
	confidenceOracle   = 0.8
	confidenceChain    = 0.6
	confidenceFallback = 0.3
)

var (
	// static tiers used when neither the chain nor any oracle answers
	fallbackPrices       = Tiers{txn.Gwei(20), txn.Gwei(25), txn.Gwei(35), txn.Gwei(50)}
	fallbackPriorityFees = Tiers{txn.Gwei(1), txn.Gwei(1.5), txn.Gwei(2), txn.Gwei(3)}

	// priority fee multipliers applied to the node's tip suggestion
	tipMultipliers = [numTiers]float64{0.8, 1.0, 1.5, 2.0}
)

// Estimate is a fee snapshot for one chain. Values handed to callers are always copies.
type Estimate struct {
	Chain        string    `json:"chain"`
	BaseFee      *big.Int  `json:"baseFee"`
	Prices       Tiers     `json:"prices"`
	PriorityFees Tiers     `json:"priorityFees"`
	Confidence   float64   `json:"confidence"`
	Source       Source    `json:"source"`
	Sources      []string  `json:"sources,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e *Estimate) Copy() *Estimate {
	cpy := *e
	if e.BaseFee != nil {
		cpy.BaseFee = new(big.Int).Set(e.BaseFee)
	}
	cpy.Prices = e.Prices.Copy()
	cpy.PriorityFees = e.PriorityFees.Copy()
	cpy.Sources = append([]string(nil), e.Sources...)
	return &cpy
}

func fallbackEstimate(chain string) *Estimate {
	return &Estimate{
		Chain:        chain,
		Prices:       fallbackPrices.Copy(),
		PriorityFees: fallbackPriorityFees.Copy(),
		Confidence:   confidenceFallback,
		Source:       SourceFallback,
		Timestamp:    time.Now(),
	}
}

type chainFees struct {
	baseFee  *big.Int
	tip      *big.Int
	gasPrice *big.Int
}

type oracleSource struct {
	oracle  Oracle
	breaker *breaker.Breaker
}

// GetEstimate returns the current fee snapshot. Within the cache TTL every caller gets identical values.
// It never fails on data unavailability: missing oracles lower the confidence, a missing chain
// connection as well, and with nothing reachable the static fallback tiers are returned.
func (o *Optimizer) GetEstimate(ctx context.Context) (*Estimate, error) {
	est, err := o.estimates.Get(ctx, o.chain)
	if err != nil {
		return nil, err
	}
	return est.Copy(), nil
}

func (o *Optimizer) fetchEstimate(ctx context.Context, chain string) (*Estimate, error) {
	var (
		wg       sync.WaitGroup
		fees     *chainFees
		chainErr error
		samples  []Tiers
		names    []string
		mu       sync.Mutex
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		fees, chainErr = o.fetchChainFees(ctx)
	}()

	for _, src := range o.oracles {
		wg.Add(1)
		go func(src oracleSource) {
			defer wg.Done()
			tiers, err := o.fetchOracle(ctx, src)
			if err != nil {
				metrics.IncOracleFetchFailed()
				o.log.Debug("Fee oracle unavailable", zap.String("oracle", src.oracle.Name()), zap.Error(err))
				return
			}
			mu.Lock()
			samples = append(samples, tiers)
			names = append(names, src.oracle.Name())
			mu.Unlock()
		}(src)
	}
	wg.Wait()

	if chainErr != nil {
		o.log.Debug("Chain fee data unavailable", zap.Error(chainErr))
	}

	switch {
	case len(samples) > 0:
		est := &Estimate{
			Chain:      chain,
			Prices:     medianTiers(samples),
			Confidence: confidenceOracle,
			Source:     SourceOracle,
			Sources:    names,
			Timestamp:  time.Now(),
		}
		if fees != nil {
			est.BaseFee = fees.baseFee
			est.PriorityFees = priorityTiers(fees)
		} else {
			est.PriorityFees = fallbackPriorityFees.Copy()
		}
		for tier := range est.Prices {
			if est.Prices[tier] == nil {
				est.Prices[tier] = new(big.Int).Set(fallbackPrices[tier])
			}
			if est.PriorityFees[tier].Cmp(est.Prices[tier]) > 0 {
				est.PriorityFees[tier] = new(big.Int).Set(est.Prices[tier])
			}
			if est.BaseFee != nil {
				floor := new(big.Int).Add(est.BaseFee, est.PriorityFees[tier])
				if est.Prices[tier].Cmp(floor) < 0 {
					est.Prices[tier] = floor
				}
			}
		}
		return est, nil
	case chainErr == nil:
		return chainEstimate(chain, fees), nil
	default:
		metrics.IncGasEstimateFallback()
		o.log.Warn("No fee data available, using static tiers", zap.String("chain", chain))
		return fallbackEstimate(chain), nil
	}
}

func (o *Optimizer) fetchOracle(ctx context.Context, src oracleSource) (Tiers, error) {
	var tiers Tiers
	err := src.breaker.Execute(ctx, func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, o.config.OracleTimeout)
		defer cancel()
		var err error
		tiers, err = src.oracle.FetchTiers(fetchCtx)
		return err
	})
	return tiers, err
}

var errNoFeeData = errors.New("node returned no fee data")

func (o *Optimizer) fetchChainFees(ctx context.Context) (*chainFees, error) {
	conn, err := o.pool.GetConnection(o.chain)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.config.ChainTimeout)
	defer cancel()

	header, err := conn.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if header.BaseFee != nil && header.BaseFee.Sign() > 0 {
		tip, err := conn.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, err
		}
		metrics.RecordBaseFee(o.chain, txn.ToGwei(header.BaseFee))
		return &chainFees{baseFee: new(big.Int).Set(header.BaseFee), tip: tip}, nil
	}

	// pre-London style chain
	gasPrice, err := conn.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if gasPrice == nil || gasPrice.Sign() <= 0 {
		return nil, errNoFeeData
	}
	return &chainFees{gasPrice: gasPrice}, nil
}

func priorityTiers(fees *chainFees) Tiers {
	var res Tiers
	tip := fees.tip
	if tip == nil {
		tip = fees.gasPrice
	}
	for tier := range res {
		res[tier] = txn.MulFloat(tip, tipMultipliers[tier])
	}
	return res
}

// chainEstimate prices tiers from node data only: fee cap = 2*base fee + tier tip, or scaled legacy
// gas price without a base fee.
func chainEstimate(chain string, fees *chainFees) *Estimate {
	est := &Estimate{
		Chain:        chain,
		PriorityFees: priorityTiers(fees),
		Confidence:   confidenceChain,
		Source:       SourceChain,
		Sources:      []string{"node"},
		Timestamp:    time.Now(),
	}
	for tier := range est.Prices {
		if fees.baseFee != nil {
			price := new(big.Int).Mul(fees.baseFee, big.NewInt(2))
			est.Prices[tier] = price.Add(price, est.PriorityFees[tier])
		} else {
			est.Prices[tier] = new(big.Int).Set(est.PriorityFees[tier])
		}
	}
	if fees.baseFee != nil {
		est.BaseFee = new(big.Int).Set(fees.baseFee)
	}
	return est
}
