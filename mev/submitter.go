package mev

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dexsniper/execution-node/metrics"
	"github.com/dexsniper/execution-node/txn"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

const SignatureHeader = "X-Flashbots-Signature"

var (
	ErrNoRelay             = errors.New("no bundle relay configured")
	ErrUnknownPool         = errors.New("unknown private pool")
	ErrTransactionMismatch = errors.New("signed transaction does not match the protected transaction")
	ErrUnknownMethod       = errors.New("unknown submission method")
)

// SignPayload returns the relay signature header value for body: `address:signature` over the
// text hash of the hex encoded keccak of body.
func SignPayload(key *ecdsa.PrivateKey, body []byte) (string, error) {
	hash := crypto.Keccak256Hash(body).Hex()
	sig, err := crypto.Sign(accounts.TextHash([]byte(hash)), key)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex() + ":" + hexutil.Encode(sig), nil
}

// signingTransport adds the relay signature header to every request.
type signingTransport struct {
	key  *ecdsa.PrivateKey
	base http.RoundTripper
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	sig, err := SignPayload(t.key, body)
	if err != nil {
		return nil, err
	}
	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	signed.Header.Set(SignatureHeader, sig)
	return t.base.RoundTrip(signed)
}

type sendBundleArgs struct {
	Txs         []hexutil.Bytes `json:"txs"`
	BlockNumber hexutil.Uint64  `json:"blockNumber"`
}

type sendBundleResponse struct {
	BundleHash string `json:"bundleHash"`
}

type sendPrivateTxArgs struct {
	Tx             hexutil.Bytes   `json:"tx"`
	MaxBlockNumber *hexutil.Uint64 `json:"maxBlockNumber,omitempty"`
}

// Submission reports where a signed transaction was sent.
type Submission struct {
	Method       Method      `json:"method"`
	TxHash       common.Hash `json:"txHash"`
	Route        string      `json:"route"`
	BundleHashes []string    `json:"bundleHashes,omitempty"`
	Blocks       []uint64    `json:"blocks,omitempty"`
}

// Submitter sends signed transactions through the route chosen by Protect. Every submission is a single
// attempt: a failed send is reported to the caller and never repeated here.
type Submitter struct {
	log     *zap.Logger
	pool    Pool
	chain   string
	timeout time.Duration

	relay jsonrpc.RPCClient
	pools map[string]jsonrpc.RPCClient

	submitted     atomic.Uint64
	failed        atomic.Uint64
	bundlesSent   atomic.Uint64
	bundlesFailed atomic.Uint64
}

// NewSubmitter builds relay and private pool clients for chainID. The relay is only available with a
// signing key.
func NewSubmitter(log *zap.Logger, pool Pool, chain string, chainID uint64, config Config) *Submitter {
	s := &Submitter{
		log:     log.Named("submitter").With(zap.String("chain", chain)),
		pool:    pool,
		chain:   chain,
		timeout: config.SubmitTimeout,
		pools:   make(map[string]jsonrpc.RPCClient),
	}
	if url := config.Relays[chainID]; url != "" && config.SigningKey != nil {
		s.relay = jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{
			HTTPClient: &http.Client{
				Transport: &signingTransport{key: config.SigningKey, base: http.DefaultTransport},
			},
		})
	}
	for _, p := range config.PoolsForChain(chainID) {
		s.pools[p.Name] = jsonrpc.NewClient(p.URL)
	}
	return s
}

// Submit sends raw, the signed form of protected.Protected, through protected.Method.
func (s *Submitter) Submit(ctx context.Context, protected *ProtectedTransaction, raw hexutil.Bytes) (*Submission, error) {
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(raw); err != nil {
		return nil, errors.Join(txn.ErrMalformedTransaction, err)
	}
	if err := matchesSigned(protected.Protected, signed); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res := &Submission{Method: protected.Method, TxHash: signed.Hash()}
	var err error
	switch protected.Method {
	case MethodPublic, MethodFeeBump:
		err = s.sendPublic(ctx, signed, res)
	case MethodPrivatePool:
		err = s.sendPrivate(ctx, protected.PoolName, raw, res)
	case MethodBundle, MethodStealthBundle:
		err = s.sendBundle(ctx, protected, raw, res)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMethod, protected.Method)
	}
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("Failed to submit transaction",
			zap.String("method", string(protected.Method)),
			zap.String("tx", signed.Hash().Hex()),
			zap.Error(err),
		)
		return nil, err
	}
	s.submitted.Add(1)
	s.log.Info("Submitted transaction",
		zap.String("method", string(res.Method)),
		zap.String("route", res.Route),
		zap.String("tx", res.TxHash.Hex()),
	)
	return res, nil
}

func matchesSigned(tx *txn.Transaction, signed *types.Transaction) error {
	switch {
	case (tx.To == nil) != (signed.To() == nil),
		tx.To != nil && *tx.To != *signed.To(),
		!bytes.Equal(tx.Data, signed.Data()),
		tx.ValueWei().Cmp(signed.Value()) != 0:
		return ErrTransactionMismatch
	}
	return nil
}

func (s *Submitter) sendPublic(ctx context.Context, signed *types.Transaction, res *Submission) error {
	conn, err := s.pool.GetConnection(s.chain)
	if err != nil {
		return err
	}
	res.Route = conn.Name()
	return conn.SendTransaction(ctx, signed)
}

func (s *Submitter) sendPrivate(ctx context.Context, poolName string, raw hexutil.Bytes, res *Submission) error {
	client, ok := s.pools[poolName]
	res.Route = poolName
	if !ok {
		// without a configured pool the relay accepts private transactions as well
		if s.relay == nil {
			return fmt.Errorf("%w: %q", ErrUnknownPool, poolName)
		}
		client = s.relay
		res.Route = "relay"
	}
	rpcRes, err := client.Call(ctx, "eth_sendPrivateTransaction", []sendPrivateTxArgs{{Tx: raw}})
	if err != nil {
		return err
	}
	if rpcRes.Error != nil {
		return rpcRes.Error
	}
	return nil
}

func (s *Submitter) sendBundle(ctx context.Context, protected *ProtectedTransaction, raw hexutil.Bytes, res *Submission) error {
	if s.relay == nil {
		return ErrNoRelay
	}
	res.Route = "relay"
	last := protected.MaxBlock
	if last < protected.TargetBlock {
		last = protected.TargetBlock
	}

	var errs []error
	for block := protected.TargetBlock; block <= last; block++ {
		hash, err := s.sendBundleForBlock(ctx, raw, block)
		if err != nil {
			s.bundlesFailed.Add(1)
			metrics.IncBundlesFailed()
			errs = append(errs, fmt.Errorf("block %d: %w", block, err))
			continue
		}
		s.bundlesSent.Add(1)
		metrics.IncBundlesSent()
		res.BundleHashes = append(res.BundleHashes, hash)
		res.Blocks = append(res.Blocks, block)
	}
	if len(res.Blocks) == 0 {
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		s.log.Warn("Bundle rejected for some target blocks", zap.Error(errors.Join(errs...)))
	}
	return nil
}

func (s *Submitter) sendBundleForBlock(ctx context.Context, raw hexutil.Bytes, block uint64) (string, error) {
	rpcRes, err := s.relay.Call(ctx, "eth_sendBundle", []sendBundleArgs{{
		Txs:         []hexutil.Bytes{raw},
		BlockNumber: hexutil.Uint64(block),
	}})
	if err != nil {
		return "", err
	}
	if rpcRes.Error != nil {
		return "", rpcRes.Error
	}
	var out sendBundleResponse
	if err := rpcRes.GetObject(&out); err != nil {
		return "", err
	}
	return out.BundleHash, nil
}

type SubmitStats struct {
	Submitted     uint64 `json:"submitted"`
	Failed        uint64 `json:"failed"`
	BundlesSent   uint64 `json:"bundlesSent"`
	BundlesFailed uint64 `json:"bundlesFailed"`
}

func (s *Submitter) Stats() SubmitStats {
	return SubmitStats{
		Submitted:     s.submitted.Load(),
		Failed:        s.failed.Load(),
		BundlesSent:   s.bundlesSent.Load(),
		BundlesFailed: s.bundlesFailed.Load(),
	}
}
