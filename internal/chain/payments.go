package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/punchamoorthee/storagecredits/internal/domain"
)

// PaymentsABI is the subset of the payments contract the service talks to.
const PaymentsABI = `[
  {"type":"function","name":"deposit","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"credits","type":"uint256"},
    {"name":"memo","type":"string"}]},
  {"type":"event","name":"Deposit","anonymous":false,"inputs":[
    {"name":"payer","type":"address","indexed":true},
    {"name":"token","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"credits","type":"uint256","indexed":false},
    {"name":"memo","type":"string","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false},
    {"name":"txRef","type":"bytes32","indexed":false}]}
]`

var ErrNotDepositLog = errors.New("chain: log is not a Deposit event")

var paymentsABI = mustParseABI(PaymentsABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("payments abi: %v", err))
	}
	return parsed
}

// DepositTopic is the topic0 of Deposit logs.
func DepositTopic() common.Hash {
	return paymentsABI.Events["Deposit"].ID
}

// DepositEvent is one decoded Deposit log. CreditsHint is the client-side
// estimate carried by the event and is never used for crediting.
type DepositEvent struct {
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
	Payer       string
	Token       string
	Amount      *big.Int
	CreditsHint *big.Int
	Memo        string
	Timestamp   uint64
	TxRef       common.Hash
}

func DecodeDepositLog(l types.Log) (DepositEvent, error) {
	if len(l.Topics) != 3 || l.Topics[0] != DepositTopic() {
		return DepositEvent{}, ErrNotDepositLog
	}

	vals, err := paymentsABI.Unpack("Deposit", l.Data)
	if err != nil {
		return DepositEvent{}, fmt.Errorf("unpack deposit: %w", err)
	}
	if len(vals) != 5 {
		return DepositEvent{}, fmt.Errorf("unpack deposit: got %d values", len(vals))
	}
	amount, ok1 := vals[0].(*big.Int)
	credits, ok2 := vals[1].(*big.Int)
	memo, ok3 := vals[2].(string)
	ts, ok4 := vals[3].(*big.Int)
	ref, ok5 := vals[4].([32]byte)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return DepositEvent{}, errors.New("unpack deposit: unexpected field types")
	}

	return DepositEvent{
		TxHash:      domain.NormalizeTxHash(l.TxHash.Hex()),
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
		Payer:       strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
		Token:       strings.ToLower(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
		Amount:      amount,
		CreditsHint: credits,
		Memo:        memo,
		Timestamp:   ts.Uint64(),
		TxRef:       common.Hash(ref),
	}, nil
}

// BuildDepositTx encodes an unsigned deposit call for the client to sign.
func BuildDepositTx(contract, token string, amount, credits *big.Int, memo string) (*domain.DepositTx, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("payments contract: %w", domain.ErrInvalidAddress)
	}
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("token: %w", domain.ErrInvalidAddress)
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, errors.New("amount must be a non-negative integer")
	}
	if credits == nil {
		credits = new(big.Int)
	}

	data, err := paymentsABI.Pack("deposit", common.HexToAddress(token), amount, credits, memo)
	if err != nil {
		return nil, fmt.Errorf("pack deposit: %w", err)
	}
	return &domain.DepositTx{
		To:    common.HexToAddress(contract).Hex(),
		Data:  hexutil.Encode(data),
		Value: "0x0",
	}, nil
}
