package txn

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func TestTransaction_Validate(t *testing.T) {
	to := common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")

	testCases := map[string]struct {
		tx    *Transaction
		valid bool
	}{
		"plain transfer": {
			tx:    &Transaction{To: &to, Value: NewBig(big.NewInt(1)), Gas: 21000},
			valid: true,
		},
		"nil": {
			tx:    nil,
			valid: false,
		},
		"no destination no data": {
			tx:    &Transaction{Gas: 21000},
			valid: false,
		},
		"negative value": {
			tx:    &Transaction{To: &to, Value: NewBig(big.NewInt(-1))},
			valid: false,
		},
		"mixed fee fields": {
			tx:    &Transaction{To: &to, GasPrice: NewBig(Gwei(1)), GasFeeCap: NewBig(Gwei(2))},
			valid: false,
		},
		"tip above cap": {
			tx:    &Transaction{To: &to, GasFeeCap: NewBig(Gwei(1)), GasTipCap: NewBig(Gwei(2))},
			valid: false,
		},
		"dynamic fee": {
			tx:    &Transaction{To: &to, GasFeeCap: NewBig(Gwei(30)), GasTipCap: NewBig(Gwei(2))},
			valid: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			err := tc.tx.Validate()
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrMalformedTransaction)
			}
		})
	}
}

func TestTransaction_Copy(t *testing.T) {
	to := common.HexToAddress("0x01")
	nonce := hexutil.Uint64(7)
	orig := &Transaction{
		To:        &to,
		Value:     NewBig(big.NewInt(100)),
		Data:      hexutil.Bytes{0x7f, 0xf3, 0x6a, 0xb5},
		Gas:       150000,
		GasFeeCap: NewBig(Gwei(30)),
		GasTipCap: NewBig(Gwei(2)),
		Nonce:     &nonce,
	}

	cpy := orig.Copy()
	require.Equal(t, orig, cpy)

	cpy.Value.ToInt().SetInt64(5)
	cpy.Data[0] = 0
	*cpy.To = common.HexToAddress("0x02")
	*cpy.Nonce = 8

	require.Equal(t, int64(100), orig.Value.ToInt().Int64())
	require.Equal(t, byte(0x7f), orig.Data[0])
	require.Equal(t, common.HexToAddress("0x01"), *orig.To)
	require.Equal(t, hexutil.Uint64(7), *orig.Nonce)
}

func TestUnits(t *testing.T) {
	require.Equal(t, big.NewInt(25_000_000_000), Gwei(25))
	require.Equal(t, big.NewInt(1_500_000_000), Gwei(1.5))
	require.InDelta(t, 25.0, ToGwei(Gwei(25)), 1e-9)
	require.Equal(t, "25", FormatUnits(Gwei(25), "gwei"))
	require.Equal(t, big.NewInt(110), MulPercent(big.NewInt(100), 110))
}
