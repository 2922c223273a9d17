// Package nodepool keeps redundant node connections per chain, tracks their health and hands out the best
// ranked live connection
package nodepool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dexsniper/execution-node/breaker"
	"github.com/dexsniper/execution-node/metrics"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

var (
	ErrNotInitialized   = errors.New("manager not initialized")
	ErrNoEndpoints      = errors.New("no endpoints configured")
	ErrUnknownChain     = errors.New("unknown chain")
	ErrNoConnection     = errors.New("no live connection for chain")
	ErrChainIDMismatch  = errors.New("endpoint chain id mismatch")
	ErrEmptyBatch       = errors.New("empty batch")
	latencyHistorySize  = 100
	defaultBatchTimeout = 30 * time.Second
)

type poolCounters struct {
	requests               atomic.Uint64
	failedRequests         atomic.Uint64
	connectionsEstablished atomic.Uint64
	connectionsFailed      atomic.Uint64
	nodeSwitches           atomic.Uint64
}

type Manager struct {
	log       *zap.Logger
	config    Config
	endpoints []EndpointConfig
	dial      Dialer

	mu          sync.RWMutex
	chains      map[string][]*Conn
	initialized atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	selected sync.Map // chain -> last selected endpoint name

	historyMu sync.Mutex
	history   map[string][]float64

	stats poolCounters
}

func NewManager(log *zap.Logger, config Config, endpoints []EndpointConfig, dial Dialer) *Manager {
	if dial == nil {
		dial = DialEndpoint
	}
	return &Manager{
		log:       log.Named("nodepool"),
		config:    config,
		endpoints: endpoints,
		dial:      dial,
		chains:    make(map[string][]*Conn),
		history:   make(map[string][]float64),
	}
}

// Initialize opens a connection per enabled endpoint concurrently and starts the health loop.
// Endpoints that fail to connect are logged and kept for recovery by the health loop, they never fail
// initialization.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized.Load() {
		m.mu.Unlock()
		return nil
	}
	if len(m.endpoints) == 0 {
		m.mu.Unlock()
		return ErrNoEndpoints
	}

	breakerCfg := breaker.Config{
		FailureThreshold: m.config.FailureThreshold,
		RecoveryTimeout:  m.config.RecoveryTimeout,
		SuccessThreshold: 1,
	}
	chains := make(map[string][]*Conn)
	var all []*Conn
	for _, ep := range m.endpoints {
		if !ep.Enabled {
			continue
		}
		if err := ep.validate(); err != nil {
			m.log.Warn("Skipping invalid endpoint", zap.Error(err))
			continue
		}
		conn := newConn(ep, breakerCfg, &m.stats)
		chains[ep.Chain] = append(chains[ep.Chain], conn)
		all = append(all, conn)
	}
	m.chains = chains
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range all {
		wg.Add(1)
		go func(conn *Conn) {
			defer wg.Done()
			m.connect(ctx, conn)
		}(conn)
	}
	wg.Wait()

	for chain, conns := range chains {
		connected := countConnected(conns)
		metrics.SetConnectedNodes(chain, connected)
		if connected == 0 {
			m.log.Error("No endpoint reachable for chain", zap.String("chain", chain), zap.Int("endpoints", len(conns)))
		} else {
			m.log.Info("Chain ready", zap.String("chain", chain), zap.Int("connected", connected), zap.Int("endpoints", len(conns)))
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.initialized.Store(true)

	m.wg.Add(1)
	go m.healthLoop(loopCtx)
	return nil
}

func countConnected(conns []*Conn) int {
	n := 0
	for _, c := range conns {
		if c.health.Status() == StatusConnected {
			n++
		}
	}
	return n
}

// connect dials an endpoint with a bounded exponential backoff and runs the first liveness probe.
func (m *Manager) connect(ctx context.Context, conn *Conn) {
	log := m.log.With(zap.String("endpoint", conn.cfg.Name), zap.String("chain", conn.cfg.Chain))

	attempts := m.config.DialAttempts
	if attempts < 1 {
		attempts = 1
	}
	var client NodeClient
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(attempts-1)), ctx)
	err := backoff.Retry(func() error {
		var err error
		client, err = m.dialOnce(ctx, conn.cfg)
		return err
	}, b)
	if err != nil {
		conn.health.setStatus(StatusError)
		conn.health.touch(time.Now())
		m.stats.connectionsFailed.Add(1)
		metrics.IncConnectionsFailed()
		log.Warn("Failed to connect to endpoint", zap.Error(err))
		return
	}
	conn.setClient(client)
	m.probe(ctx, conn, client)
	if conn.health.Status() == StatusConnected {
		m.stats.connectionsEstablished.Add(1)
		metrics.IncConnectionsEstablished()
		log.Debug("Connected to endpoint", zap.Duration("latency", conn.health.Latency()), zap.Uint64("block", conn.health.BlockHeight()))
	}
}

func (m *Manager) dialOnce(ctx context.Context, cfg EndpointConfig) (NodeClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	defer cancel()

	client, err := m.dial(dialCtx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ChainID != 0 {
		id, err := client.ChainID(dialCtx)
		if err != nil {
			client.Close()
			return nil, err
		}
		if id.Uint64() != cfg.ChainID {
			client.Close()
			return nil, backoff.Permanent(fmt.Errorf("%w: expected %d, got %s", ErrChainIDMismatch, cfg.ChainID, id))
		}
	}
	return client, nil
}

// probe issues the cheap liveness call and updates health. It is the only writer of latency,
// block height and status after initialization.
func (m *Manager) probe(ctx context.Context, conn *Conn, client NodeClient) bool {
	checkCtx, cancel := context.WithTimeout(ctx, m.config.HealthTimeout)
	defer cancel()

	start := time.Now()
	block, err := client.BlockNumber(checkCtx)
	latency := time.Since(start)
	conn.health.touch(time.Now())
	conn.health.record(err == nil)
	metrics.RecordHealthCheck(conn.cfg.Chain, conn.cfg.Name, float64(latency.Milliseconds()), err == nil)
	if err != nil {
		conn.health.setStatus(StatusError)
		m.log.Warn("Health check failed", zap.String("endpoint", conn.cfg.Name), zap.String("chain", conn.cfg.Chain), zap.Error(err))
		return false
	}
	conn.health.observeLatency(latency)
	conn.health.setBlock(block)
	conn.health.setStatus(StatusConnected)
	m.recordLatency(conn.cfg.Chain, latency)
	return true
}

func (m *Manager) recordLatency(chain string, latency time.Duration) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	h := append(m.history[chain], float64(latency)/float64(time.Millisecond))
	if len(h) > latencyHistorySize {
		h = h[len(h)-latencyHistorySize:]
	}
	m.history[chain] = h
}

// GetConnection returns the highest ranked live connection of a chain. Ranking is by configured priority,
// then by health score (success-rate*100 - latency-ms/10). Endpoints not in CONNECTED status are never
// returned.
func (m *Manager) GetConnection(chain string) (*Conn, error) {
	if !m.initialized.Load() {
		return nil, ErrNotInitialized
	}
	m.mu.RLock()
	conns, ok := m.chains[chain]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}

	best := rank(conns)
	if best == nil {
		metrics.IncNoConnection()
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, chain)
	}
	if prev, loaded := m.selected.Swap(chain, best.cfg.Name); loaded && prev != best.cfg.Name {
		m.stats.nodeSwitches.Add(1)
		m.log.Info("Switched endpoint", zap.String("chain", chain), zap.Any("from", prev), zap.String("to", best.cfg.Name))
	}
	return best, nil
}

func rank(conns []*Conn) *Conn {
	type candidate struct {
		conn  *Conn
		score float64
	}
	candidates := make([]candidate, 0, len(conns))
	for _, c := range conns {
		if c.health.Status() != StatusConnected || c.load() == nil {
			continue
		}
		candidates = append(candidates, candidate{conn: c, score: c.health.Score()})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.conn.cfg.Priority != b.conn.cfg.Priority {
			return a.conn.cfg.Priority > b.conn.cfg.Priority
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.conn.cfg.Name < b.conn.cfg.Name
	})
	return candidates[0].conn
}

type BatchCall struct {
	Method string `json:"method"`
	Args   []any  `json:"params"`
}

type BatchResult struct {
	Result json.RawMessage `json:"result,omitempty"`
	Err    error           `json:"-"`
}

// ExecuteBatch sends all calls as one batch over a single selected connection. Results keep the order of
// calls. There is no fallback to another endpoint, callers retry with a fresh connection.
func (m *Manager) ExecuteBatch(ctx context.Context, chain string, calls []BatchCall) ([]BatchResult, error) {
	if len(calls) == 0 {
		return nil, ErrEmptyBatch
	}
	conn, err := m.GetConnection(chain)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultBatchTimeout)
		defer cancel()
	}

	elems := make([]rpc.BatchElem, len(calls))
	for i, call := range calls {
		elems[i] = rpc.BatchElem{
			Method: call.Method,
			Args:   call.Args,
			Result: new(json.RawMessage),
		}
	}
	if err := conn.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("batch on %s: %w", conn.cfg.Name, err)
	}

	results := make([]BatchResult, len(elems))
	for i, elem := range elems {
		results[i].Err = elem.Error
		if raw, ok := elem.Result.(*json.RawMessage); ok && raw != nil {
			results[i].Result = *raw
		}
	}
	return results, nil
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth runs one health round over every tracked endpoint concurrently.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.mu.RLock()
	chains := make(map[string][]*Conn, len(m.chains))
	for chain, conns := range m.chains {
		chains[chain] = conns
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conns := range chains {
		for _, conn := range conns {
			wg.Add(1)
			go func(conn *Conn) {
				defer wg.Done()
				m.checkConn(ctx, conn)
			}(conn)
		}
	}
	wg.Wait()

	for chain, conns := range chains {
		metrics.SetConnectedNodes(chain, countConnected(conns))
	}
}

func (m *Manager) checkConn(ctx context.Context, conn *Conn) {
	// open breaker: stop probing until its recovery timeout allows a trial
	if err := conn.breaker.Allow(); err != nil {
		return
	}

	wasConnected := conn.health.Status() == StatusConnected
	client := conn.load()
	if client == nil {
		var err error
		client, err = m.dialOnce(ctx, conn.cfg)
		if err != nil {
			conn.health.setStatus(StatusError)
			conn.health.touch(time.Now())
			conn.breaker.Failure()
			m.stats.connectionsFailed.Add(1)
			metrics.IncConnectionsFailed()
			return
		}
		conn.setClient(client)
		m.stats.connectionsEstablished.Add(1)
		metrics.IncConnectionsEstablished()
	}

	if !m.probe(ctx, conn, client) {
		conn.breaker.Failure()
		// streaming connections do not reconnect on their own
		if conn.cfg.Transport == TransportWebsocket {
			conn.setClient(nil)
		}
		return
	}
	conn.breaker.Success()
	if !wasConnected {
		m.log.Info("Endpoint recovered", zap.String("endpoint", conn.cfg.Name), zap.String("chain", conn.cfg.Chain))
	}
}

type EndpointStats struct {
	Name        string        `json:"name"`
	Chain       string        `json:"chain"`
	Transport   Transport     `json:"transport"`
	Status      Status        `json:"status"`
	Priority    int           `json:"priority"`
	LatencyMs   float64       `json:"latencyMs"`
	SuccessRate float64       `json:"successRate"`
	Score       float64       `json:"score"`
	BlockHeight uint64        `json:"blockHeight"`
	LastCheck   time.Time     `json:"lastCheck"`
	Breaker     breaker.Stats `json:"breaker"`
}

type LatencyStats struct {
	Samples int     `json:"samples"`
	MinMs   float64 `json:"minMs"`
	MaxMs   float64 `json:"maxMs"`
	AvgMs   float64 `json:"avgMs"`
}

type Stats struct {
	TotalNodes             int                     `json:"totalNodes"`
	ConnectedNodes         int                     `json:"connectedNodes"`
	TotalRequests          uint64                  `json:"totalRequests"`
	FailedRequests         uint64                  `json:"failedRequests"`
	ConnectionsEstablished uint64                  `json:"connectionsEstablished"`
	ConnectionsFailed      uint64                  `json:"connectionsFailed"`
	NodeSwitches           uint64                  `json:"nodeSwitches"`
	Endpoints              []EndpointStats         `json:"endpoints"`
	Latency                map[string]LatencyStats `json:"latency"`
}

func (m *Manager) GetStats() Stats {
	stats := Stats{
		TotalRequests:          m.stats.requests.Load(),
		FailedRequests:         m.stats.failedRequests.Load(),
		ConnectionsEstablished: m.stats.connectionsEstablished.Load(),
		ConnectionsFailed:      m.stats.connectionsFailed.Load(),
		NodeSwitches:           m.stats.nodeSwitches.Load(),
		Latency:                make(map[string]LatencyStats),
	}

	m.mu.RLock()
	for _, conns := range m.chains {
		for _, c := range conns {
			stats.TotalNodes++
			if c.health.Status() == StatusConnected {
				stats.ConnectedNodes++
			}
			stats.Endpoints = append(stats.Endpoints, EndpointStats{
				Name:        c.cfg.Name,
				Chain:       c.cfg.Chain,
				Transport:   c.cfg.Transport,
				Status:      c.health.Status(),
				Priority:    c.cfg.Priority,
				LatencyMs:   float64(c.health.Latency()) / float64(time.Millisecond),
				SuccessRate: c.health.SuccessRate(),
				Score:       c.health.Score(),
				BlockHeight: c.health.BlockHeight(),
				LastCheck:   c.health.LastCheck(),
				Breaker:     c.breaker.Stats(),
			})
		}
	}
	m.mu.RUnlock()
	sort.Slice(stats.Endpoints, func(i, j int) bool {
		if stats.Endpoints[i].Chain != stats.Endpoints[j].Chain {
			return stats.Endpoints[i].Chain < stats.Endpoints[j].Chain
		}
		return stats.Endpoints[i].Name < stats.Endpoints[j].Name
	})

	m.historyMu.Lock()
	for chain, samples := range m.history {
		if len(samples) == 0 {
			continue
		}
		ls := LatencyStats{Samples: len(samples), MinMs: samples[0], MaxMs: samples[0]}
		var sum float64
		for _, s := range samples {
			if s < ls.MinMs {
				ls.MinMs = s
			}
			if s > ls.MaxMs {
				ls.MaxMs = s
			}
			sum += s
		}
		ls.AvgMs = sum / float64(len(samples))
		stats.Latency[chain] = ls
	}
	m.historyMu.Unlock()
	return stats
}

// Chains lists the chains with at least one configured endpoint.
func (m *Manager) Chains() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]string, 0, len(m.chains))
	for chain := range m.chains {
		res = append(res, chain)
	}
	sort.Strings(res)
	return res
}

// Shutdown stops the health loop and closes every client. Later calls fail with ErrNotInitialized.
func (m *Manager) Shutdown() {
	if !m.initialized.Swap(false) {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conns := range m.chains {
		for _, c := range conns {
			c.setClient(nil)
			c.health.setStatus(StatusDisconnected)
		}
	}
	m.log.Info("Node pool shut down")
}
