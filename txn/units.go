package txn

import (
	"math/big"

	"github.com/ethereum/go-ethereum/params"
)

var (
	ethDivisor  = new(big.Float).SetUint64(params.Ether)
	gweiDivisor = new(big.Float).SetUint64(params.GWei)
)

func FormatUnits(value *big.Int, unit string) string {
	if value == nil {
		return "0"
	}
	float := new(big.Float).SetInt(value)
	switch unit {
	case "eth":
		return float.Quo(float, ethDivisor).String()
	case "gwei":
		return float.Quo(float, gweiDivisor).String()
	default:
		return ""
	}
}

// Gwei converts a (possibly fractional) gwei amount into wei.
func Gwei(v float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(v), gweiDivisor).Int(nil)
	return wei
}

func ToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), gweiDivisor).Float64()
	return f
}

func ToEther(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), ethDivisor).Float64()
	return f
}

// MulFloat scales a wei amount by a float factor, rounding down.
func MulFloat(wei *big.Int, factor float64) *big.Int {
	if wei == nil {
		return nil
	}
	res, _ := new(big.Float).Mul(new(big.Float).SetInt(wei), big.NewFloat(factor)).Int(nil)
	return res
}

// MulPercent scales a wei amount by pct/100 in integer arithmetic.
func MulPercent(wei *big.Int, pct int64) *big.Int {
	res := new(big.Int).Mul(wei, big.NewInt(pct))
	return res.Div(res, big.NewInt(100))
}
