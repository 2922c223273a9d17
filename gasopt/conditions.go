package gasopt

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dexsniper/execution-node/txn"
	"go.uber.org/zap"
)

type Congestion string

const (
	CongestionLow     Congestion = "low"
	CongestionNormal  Congestion = "normal"
	CongestionHigh    Congestion = "high"
	CongestionExtreme Congestion = "extreme"
)

type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

const (
	trendWindow    = 10
	maxSamples     = 2 * trendWindow
	trendThreshold = 0.10

	busyMempool = 10_000
)

var congestionLevels = []Congestion{CongestionLow, CongestionNormal, CongestionHigh, CongestionExtreme}

type conditionSample struct {
	baseFeeGwei float64
	pending     uint
	at          time.Time
}

// NetworkConditions is informational, Optimize does not depend on it.
type NetworkConditions struct {
	Chain       string     `json:"chain"`
	BaseFee     *big.Int   `json:"baseFee"`
	PendingTxs  uint       `json:"pendingTxs"`
	Congestion  Congestion `json:"congestion"`
	Trend       Trend      `json:"trend"`
	Samples     int        `json:"samples"`
	Suggestions []string   `json:"suggestions"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func classifyCongestion(baseFeeGwei float64, pending uint) Congestion {
	var level int
	switch {
	case baseFeeGwei < 20:
		level = 0
	case baseFeeGwei < 50:
		level = 1
	case baseFeeGwei < 100:
		level = 2
	default:
		level = 3
	}
	if pending > busyMempool && level < len(congestionLevels)-1 {
		level++
	}
	return congestionLevels[level]
}

// classifyTrend compares the average base fee of the last window with the window before it.
func classifyTrend(samples []conditionSample) Trend {
	if len(samples) < 2*trendWindow {
		return TrendStable
	}
	recent := samples[len(samples)-trendWindow:]
	prior := samples[len(samples)-2*trendWindow : len(samples)-trendWindow]
	avg := func(s []conditionSample) float64 {
		var sum float64
		for _, v := range s {
			sum += v.baseFeeGwei
		}
		return sum / float64(len(s))
	}
	prev := avg(prior)
	if prev == 0 {
		return TrendStable
	}
	change := (avg(recent) - prev) / prev
	switch {
	case change > trendThreshold:
		return TrendRising
	case change < -trendThreshold:
		return TrendFalling
	default:
		return TrendStable
	}
}

func suggestions(baseFeeGwei float64, congestion Congestion, trend Trend) []string {
	res := []string{}
	if baseFeeGwei > 100 {
		res = append(res, "base fee above 100 gwei, delay non-urgent transactions")
	}
	if congestion == CongestionExtreme || congestion == CongestionHigh {
		res = append(res, "network congested, prefer fast or urgent strategies for time-sensitive trades")
	}
	switch trend {
	case TrendFalling:
		res = append(res, "fees falling, economy strategy may confirm soon")
	case TrendRising:
		res = append(res, "fees rising, submit early")
	}
	return res
}

// Start runs the network-condition loop, which also refreshes the cached estimate.
func (o *Optimizer) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.config.ConditionsInterval)
		defer ticker.Stop()
		o.sampleConditions(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.sampleConditions(ctx)
				if _, err := o.estimates.Refresh(ctx, o.chain); err != nil && ctx.Err() == nil {
					o.log.Debug("Failed to refresh gas estimate", zap.Error(err))
				}
			}
		}
	}()
	return wg
}

func (o *Optimizer) sampleConditions(ctx context.Context) {
	var (
		baseFee *big.Int
		pending uint
	)
	sample := func() error {
		conn, err := o.pool.GetConnection(o.chain)
		if err != nil {
			return err
		}
		reqCtx, cancel := context.WithTimeout(ctx, o.config.ChainTimeout)
		defer cancel()
		header, err := conn.HeaderByNumber(reqCtx, nil)
		if err != nil {
			return err
		}
		baseFee = header.BaseFee
		if baseFee == nil {
			if baseFee, err = conn.SuggestGasPrice(reqCtx); err != nil {
				return err
			}
		}
		pending, err = conn.PendingTransactionCount(reqCtx)
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 2), ctx)
	if err := backoff.Retry(sample, b); err != nil {
		if ctx.Err() == nil {
			o.log.Warn("Failed to sample network conditions", zap.Error(err))
		}
		return
	}
	o.recordSample(conditionSample{baseFeeGwei: txn.ToGwei(baseFee), pending: pending, at: time.Now()}, baseFee)
}

// recordSample is only called from the condition loop.
func (o *Optimizer) recordSample(s conditionSample, baseFee *big.Int) {
	o.samplesMu.Lock()
	o.samples = append(o.samples, s)
	if len(o.samples) > maxSamples {
		o.samples = o.samples[len(o.samples)-maxSamples:]
	}
	trend := classifyTrend(o.samples)
	n := len(o.samples)
	o.samplesMu.Unlock()

	congestion := classifyCongestion(s.baseFeeGwei, s.pending)
	o.conditions.Store(&NetworkConditions{
		Chain:       o.chain,
		BaseFee:     new(big.Int).Set(baseFee),
		PendingTxs:  s.pending,
		Congestion:  congestion,
		Trend:       trend,
		Samples:     n,
		Suggestions: suggestions(s.baseFeeGwei, congestion, trend),
		UpdatedAt:   s.at,
	})
}

// NetworkConditions returns the latest snapshot, nil before the first sample.
func (o *Optimizer) NetworkConditions() *NetworkConditions {
	c := o.conditions.Load()
	if c == nil {
		return nil
	}
	cpy := *c
	cpy.BaseFee = new(big.Int).Set(c.BaseFee)
	cpy.Suggestions = append([]string(nil), c.Suggestions...)
	return &cpy
}
