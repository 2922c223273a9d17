package simulator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dexsniper/execution-node/nodepool"
	"github.com/dexsniper/execution-node/txn"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

const deadlineExpired = "DEADLINE_EXPIRED"

// revertReason extracts the Error(string) reason from a call error, falling back to the error text.
func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(s); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return strings.TrimPrefix(err.Error(), "execution reverted: ")
}

func classifyRevert(reason string) (Result, string) {
	upper := strings.ToUpper(reason)
	switch {
	case strings.Contains(upper, "INSUFFICIENT_LIQUIDITY"):
		return ResultInsufficientLiquidity, reason
	case strings.Contains(upper, "INSUFFICIENT_OUTPUT_AMOUNT"), strings.Contains(upper, "TOO LITTLE RECEIVED"):
		return ResultSlippageExceeded, reason
	case strings.Contains(upper, "INSUFFICIENT FUNDS"):
		return ResultInsufficientBalance, reason
	case strings.Contains(upper, "EXPIRED"):
		return ResultReverted, deadlineExpired
	default:
		return ResultReverted, reason
	}
}

// SimulateGenericCall executes tx read-only against the latest state of chain and estimates its gas
// independently. A missing connection or a transport failure is returned as error, JSON-RPC errors reported
// by the node are results.
func (s *Simulator) SimulateGenericCall(ctx context.Context, chain string, tx *txn.Transaction) (*Report, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	conn, err := s.pool.GetConnection(chain)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	start := time.Now()

	r := &Report{Warnings: []string{}}
	msg := tx.CallMsg()
	if _, err := conn.CallContract(ctx, msg, nil); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if nodepool.IsEndpointFailure(err) {
			return nil, errors.Join(err, ErrNodeUnavailable)
		}
		reason := revertReason(err)
		r.Result, r.RevertReason = classifyRevert(reason)
		r.Error = "transaction would revert: " + r.RevertReason
		r.Confidence = 0.9
		s.record(r, start)
		s.log.Debug("Call would revert", zap.String("reason", r.RevertReason), zap.String("result", string(r.Result)))
		return r, nil
	}

	msg.Gas = 0
	gas, err := conn.EstimateGas(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if nodepool.IsEndpointFailure(err) {
			return nil, errors.Join(err, ErrNodeUnavailable)
		}
		r.Result = ResultGasEstimationFailed
		r.Error = "gas estimation failed: " + err.Error()
		r.Confidence = 0.6
		s.record(r, start)
		return r, nil
	}

	r.GasUsed = gas
	r.GasLimit = gas * gasLimitPercent / 100
	if tx.Gas > 0 && uint64(tx.Gas) < gas {
		r.Warnings = append(r.Warnings, "gas limit below estimate")
	}
	r.GasCostUSD = s.gasCostUSD(gas, s.gasPrice(ctx, chain, tx.FeePrice(), r))
	r.Result = ResultSuccess
	r.Success = true
	r.Confidence = 0.85
	s.record(r, start)
	return r, nil
}
