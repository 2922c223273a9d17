package nodepool

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"

	"github.com/dexsniper/execution-node/breaker"
	"github.com/dexsniper/execution-node/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

var ErrConnectionClosed = errors.New("connection closed")

type clientRef struct {
	client NodeClient
}

// Conn is a handle to one endpoint. Handles are borrowed for a single logical operation: the pool may
// rank a different endpoint first on the next call. Every call is rate limited, bounded by the endpoint
// timeout and recorded in the endpoint health. Calls are never retried.
type Conn struct {
	cfg     EndpointConfig
	client  atomic.Pointer[clientRef]
	limiter *rate.Limiter
	health  *Health
	breaker *breaker.Breaker
	stats   *poolCounters
}

func newConn(cfg EndpointConfig, breakerCfg breaker.Config, stats *poolCounters) *Conn {
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}
	return &Conn{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		health:  newHealth(),
		breaker: breaker.New(cfg.Name, breakerCfg),
		stats:   stats,
	}
}

func (c *Conn) Name() string {
	return c.cfg.Name
}

func (c *Conn) Chain() string {
	return c.cfg.Chain
}

func (c *Conn) Config() EndpointConfig {
	return c.cfg
}

func (c *Conn) Health() *Health {
	return c.health
}

func (c *Conn) load() NodeClient {
	ref := c.client.Load()
	if ref == nil {
		return nil
	}
	return ref.client
}

func (c *Conn) setClient(client NodeClient) {
	var old *clientRef
	if client == nil {
		old = c.client.Swap(nil)
	} else {
		old = c.client.Swap(&clientRef{client: client})
	}
	if old != nil && old.client != client {
		old.client.Close()
	}
}

// IsEndpointFailure tells apart transport failures from JSON-RPC error responses such as reverts,
// which prove the endpoint is alive.
func IsEndpointFailure(err error) bool {
	if err == nil || errors.Is(err, ethereum.NotFound) {
		return false
	}
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}

func (c *Conn) do(ctx context.Context, fn func(ctx context.Context, client NodeClient) error) error {
	client := c.load()
	if client == nil {
		return ErrConnectionClosed
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	c.stats.requests.Add(1)
	metrics.IncNodeRequests()
	err := fn(ctx, client)
	failed := IsEndpointFailure(err)
	c.health.record(!failed)
	if failed {
		c.stats.failedRequests.Add(1)
		metrics.IncNodeRequestsFailed()
	}
	return err
}

func (c *Conn) ChainID(ctx context.Context) (id *big.Int, err error) {
	err = c.do(ctx, func(ctx context.Context, client NodeClient) error {
		id, err = client.ChainID(ctx)
		return err
	})
	return id, err
}

func (c *Conn) BlockNumber(ctx context.Context) (n uint64, err error) {
	err = c.do(ctx, func(ctx context.Context, client NodeClient) error {
		n, err = client.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (c *Conn) HeaderByNumber(ctx context.Context, number *big.Int) (h *types.Header, err error) {
	err = c.do(ctx, func(ctx context.Context, client NodeClient) error {
		h, err = client.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

func (c *Conn) SuggestGasPrice(ctx context.Context) (p *big.Int, err error) {
	err = c.do(ctx, func(ctx context.Context, client NodeClient) error {
		p, err = client.SuggestGasPrice(ctx)
		return err
	})
	return p, err
}

func (c *Conn) SuggestGasTipCap(ctx context.Context) (p *big.Int, err error) {
	err = c.do(ctx, func(ctx context.Context, client NodeClient) error {
		p, err = client.SuggestGasTipCap(ctx)
		return err
	})
	return p, err
}

func (c *Conn) PendingTransactionCount(ctx context.Context) (n uint, err error) {
	err = c.do(ctx, func(ctx context.Context, client NodeClient) error {
		n, err = client.PendingTransactionCount(ctx)
		return err
	})
	return n, err
}

func (c *Conn) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (gas uint64, err error) {
	err = c.do(ctx, func(ctx context.Context, client NodeClient) error {
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

func (c *Conn) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) (out []byte, err error) {
	err = c.do(ctx, func(ctx context.Context, client NodeClient) error {
		out, err = client.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (c *Conn) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.do(ctx, func(ctx context.Context, client NodeClient) error {
		return client.SendTransaction(ctx, tx)
	})
}

func (c *Conn) BatchCallContext(ctx context.Context, b []rpc.BatchElem) error {
	return c.do(ctx, func(ctx context.Context, client NodeClient) error {
		return client.BatchCallContext(ctx, b)
	})
}
