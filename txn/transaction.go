// Package txn holds the proposed transaction shape shared by every execution component
package txn

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrMalformedTransaction = errors.New("malformed transaction")

var (
	errNegativeValue  = errors.New("negative value")
	errNegativeFee    = errors.New("negative fee field")
	errMixedFeeFields = errors.New("both gasPrice and maxFeePerGas are set")
	errTipAboveCap    = errors.New("maxPriorityFeePerGas above maxFeePerGas")
	errNoDestination  = errors.New("contract creation without data")
)

// Transaction is an unsigned proposed transaction. Fee fields are optional: a transaction carries either
// GasPrice (legacy) or GasFeeCap/GasTipCap (dynamic fee), or none of them.
type Transaction struct {
	From      common.Address  `json:"from"`
	To        *common.Address `json:"to,omitempty"`
	Value     *hexutil.Big    `json:"value,omitempty"`
	Data      hexutil.Bytes   `json:"data,omitempty"`
	Gas       hexutil.Uint64  `json:"gas"`
	GasPrice  *hexutil.Big    `json:"gasPrice,omitempty"`
	GasFeeCap *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	GasTipCap *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Nonce     *hexutil.Uint64 `json:"nonce,omitempty"`
	ChainID   *hexutil.Big    `json:"chainId,omitempty"`
}

func (t *Transaction) Validate() error {
	if t == nil {
		return ErrMalformedTransaction
	}
	if t.To == nil && len(t.Data) == 0 {
		return errors.Join(ErrMalformedTransaction, errNoDestination)
	}
	if t.Value != nil && t.Value.ToInt().Sign() < 0 {
		return errors.Join(ErrMalformedTransaction, errNegativeValue)
	}
	for _, f := range []*hexutil.Big{t.GasPrice, t.GasFeeCap, t.GasTipCap} {
		if f != nil && f.ToInt().Sign() < 0 {
			return errors.Join(ErrMalformedTransaction, errNegativeFee)
		}
	}
	if t.GasPrice != nil && t.GasFeeCap != nil {
		return errors.Join(ErrMalformedTransaction, errMixedFeeFields)
	}
	if t.GasFeeCap != nil && t.GasTipCap != nil && t.GasTipCap.ToInt().Cmp(t.GasFeeCap.ToInt()) > 0 {
		return errors.Join(ErrMalformedTransaction, errTipAboveCap)
	}
	return nil
}

// Copy returns a deep copy so results never alias the caller's input.
func (t *Transaction) Copy() *Transaction {
	if t == nil {
		return nil
	}
	cpy := &Transaction{
		From:      t.From,
		Gas:       t.Gas,
		Value:     copyBig(t.Value),
		GasPrice:  copyBig(t.GasPrice),
		GasFeeCap: copyBig(t.GasFeeCap),
		GasTipCap: copyBig(t.GasTipCap),
		ChainID:   copyBig(t.ChainID),
	}
	if t.To != nil {
		to := *t.To
		cpy.To = &to
	}
	if t.Data != nil {
		cpy.Data = make(hexutil.Bytes, len(t.Data))
		copy(cpy.Data, t.Data)
	}
	if t.Nonce != nil {
		nonce := *t.Nonce
		cpy.Nonce = &nonce
	}
	return cpy
}

func (t *Transaction) IsDynamicFee() bool {
	return t.GasFeeCap != nil || t.GasTipCap != nil
}

func (t *Transaction) HasFeeFields() bool {
	return t.GasPrice != nil || t.IsDynamicFee()
}

// FeePrice is the highest price per gas unit the transaction may pay, nil if no fee field is set.
func (t *Transaction) FeePrice() *big.Int {
	switch {
	case t.GasFeeCap != nil:
		return new(big.Int).Set(t.GasFeeCap.ToInt())
	case t.GasPrice != nil:
		return new(big.Int).Set(t.GasPrice.ToInt())
	case t.GasTipCap != nil:
		return new(big.Int).Set(t.GasTipCap.ToInt())
	}
	return nil
}

// ValueWei never returns nil.
func (t *Transaction) ValueWei() *big.Int {
	if t.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(t.Value.ToInt())
}

func (t *Transaction) Selector() []byte {
	if len(t.Data) < 4 {
		return nil
	}
	return t.Data[:4]
}

func (t *Transaction) CallMsg() ethereum.CallMsg {
	msg := ethereum.CallMsg{
		From:  t.From,
		To:    t.To,
		Gas:   uint64(t.Gas),
		Value: t.ValueWei(),
		Data:  t.Data,
	}
	if t.GasPrice != nil {
		msg.GasPrice = t.GasPrice.ToInt()
	}
	if t.GasFeeCap != nil {
		msg.GasFeeCap = t.GasFeeCap.ToInt()
	}
	if t.GasTipCap != nil {
		msg.GasTipCap = t.GasTipCap.ToInt()
	}
	return msg
}

func copyBig(b *hexutil.Big) *hexutil.Big {
	if b == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set(b.ToInt()))
}

func NewBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}
