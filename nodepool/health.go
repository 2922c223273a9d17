package nodepool

import (
	"math"
	"sync/atomic"
	"time"
)

type Status int32

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusError
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// latencyWeight is the weight of the newest sample in the rolling latency.
const latencyWeight = 0.3

// Health is the mutable health record of one endpoint. Each field is updated with a single atomic store,
// readers see possibly stale but never torn values.
type Health struct {
	status    atomic.Int32
	latency   atomic.Int64
	successes atomic.Uint64
	total     atomic.Uint64
	lastBlock atomic.Uint64
	lastCheck atomic.Int64
}

func newHealth() *Health {
	h := &Health{}
	h.status.Store(int32(StatusConnecting))
	return h
}

func (h *Health) Status() Status {
	return Status(h.status.Load())
}

func (h *Health) setStatus(s Status) {
	h.status.Store(int32(s))
}

func (h *Health) Latency() time.Duration {
	return time.Duration(h.latency.Load())
}

// observeLatency folds a sample into the rolling latency. Only the health loop calls it.
func (h *Health) observeLatency(d time.Duration) {
	prev := h.latency.Load()
	if prev == 0 {
		h.latency.Store(int64(d))
		return
	}
	h.latency.Store(int64(math.Round(float64(prev)*(1-latencyWeight) + float64(d)*latencyWeight)))
}

func (h *Health) record(ok bool) {
	if ok {
		h.successes.Add(1)
	}
	h.total.Add(1)
}

// SuccessRate is successes / total calls, 1 when nothing was recorded yet.
func (h *Health) SuccessRate() float64 {
	total := h.total.Load()
	if total == 0 {
		return 1
	}
	rate := float64(h.successes.Load()) / float64(total)
	if rate > 1 {
		return 1
	}
	return rate
}

func (h *Health) BlockHeight() uint64 {
	return h.lastBlock.Load()
}

func (h *Health) setBlock(n uint64) {
	h.lastBlock.Store(n)
}

func (h *Health) LastCheck() time.Time {
	ns := h.lastCheck.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (h *Health) touch(t time.Time) {
	h.lastCheck.Store(t.UnixNano())
}

// Score is success-rate*100 - latency-ms/10.
func (h *Health) Score() float64 {
	latencyMs := float64(h.Latency()) / float64(time.Millisecond)
	return h.SuccessRate()*100 - latencyMs/10
}
