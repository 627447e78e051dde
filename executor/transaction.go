package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend is the chain access needed to complete and broadcast transactions.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// txArgs is the transaction object peers send in eth_signTransaction and eth_sendTransaction.
type txArgs struct {
	From                 *common.Address `json:"from"`
	To                   *common.Address `json:"to"`
	Gas                  *hexutil.Uint64 `json:"gas"`
	GasLimit             *hexutil.Uint64 `json:"gasLimit"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                *hexutil.Uint64 `json:"nonce"`
	Data                 *hexutil.Bytes  `json:"data"`
	Input                *hexutil.Bytes  `json:"input"`
	ChainID              *hexutil.Big    `json:"chainId"`
	// SkipNormalization asks the wallet to sign the object exactly as sent.
	SkipNormalization bool `json:"__skip_normalization"`
}

func parseTxArgs(raw json.RawMessage) (*txArgs, error) {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil || len(params) == 0 {
		return nil, fmt.Errorf("%w: want [transaction]", ErrInvalidParams)
	}
	var args txArgs
	if err := json.Unmarshal(params[0], &args); err != nil {
		return nil, fmt.Errorf("%w: transaction: %v", ErrInvalidParams, err)
	}
	if args.Gas == nil {
		args.Gas = args.GasLimit
	}
	if args.Data == nil {
		args.Data = args.Input
	}
	return &args, nil
}

func (a *txArgs) data() []byte {
	if a.Data == nil {
		return nil
	}
	return *a.Data
}

func (a *txArgs) value() *big.Int {
	if a.Value == nil {
		return new(big.Int)
	}
	return a.Value.ToInt()
}

// fill completes missing nonce, gas and fee fields from the backend.
func (a *txArgs) fill(ctx context.Context, req *ExecuteRequest, from common.Address) error {
	if a.SkipNormalization {
		return nil
	}
	backend := req.Backend
	if a.Nonce == nil && backend != nil {
		nonce, err := backend.PendingNonceAt(ctx, from)
		if err != nil {
			return fmt.Errorf("failed to get nonce: %w", err)
		}
		a.Nonce = (*hexutil.Uint64)(&nonce)
	}
	if a.GasPrice == nil && a.MaxFeePerGas == nil {
		var (
			price *big.Int
			err   error
		)
		switch {
		case req.GasPrice != nil:
			price, err = req.GasPrice(ctx)
		case backend != nil:
			price, err = backend.SuggestGasPrice(ctx)
		}
		if err != nil {
			return fmt.Errorf("failed to get gas price: %w", err)
		}
		if price != nil {
			a.GasPrice = (*hexutil.Big)(price)
		}
	}
	if a.Gas == nil && backend != nil {
		msg := ethereum.CallMsg{From: from, To: a.To, Value: a.value(), Data: a.data()}
		if a.GasPrice != nil {
			msg.GasPrice = a.GasPrice.ToInt()
		}
		gas, err := backend.EstimateGas(ctx, msg)
		if err != nil {
			return fmt.Errorf("failed to estimate gas: %w", err)
		}
		a.Gas = (*hexutil.Uint64)(&gas)
	}
	return nil
}

func (a *txArgs) toTransaction(chainID *big.Int) (*types.Transaction, error) {
	if a.Nonce == nil {
		return nil, fmt.Errorf("%w: nonce is required", ErrInvalidParams)
	}
	if a.Gas == nil {
		return nil, fmt.Errorf("%w: gas is required", ErrInvalidParams)
	}
	if a.MaxFeePerGas != nil {
		tip := new(big.Int)
		if a.MaxPriorityFeePerGas != nil {
			tip = a.MaxPriorityFeePerGas.ToInt()
		}
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     uint64(*a.Nonce),
			GasTipCap: tip,
			GasFeeCap: a.MaxFeePerGas.ToInt(),
			Gas:       uint64(*a.Gas),
			To:        a.To,
			Value:     a.value(),
			Data:      a.data(),
		}), nil
	}
	var price *big.Int
	if a.GasPrice != nil {
		price = a.GasPrice.ToInt()
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    uint64(*a.Nonce),
		GasPrice: price,
		Gas:      uint64(*a.Gas),
		To:       a.To,
		Value:    a.value(),
		Data:     a.data(),
	}), nil
}

func signTransaction(ctx context.Context, req *ExecuteRequest) (*types.Transaction, error) {
	args, err := parseTxArgs(req.Params)
	if err != nil {
		return nil, err
	}
	from := req.Account.Address()
	if args.From != nil && *args.From != from {
		return nil, fmt.Errorf("%w: from %s is not the signing account %s", ErrInvalidParams, args.From.Hex(), from.Hex())
	}
	chainID := req.ChainID
	if args.ChainID != nil {
		if chainID != nil && args.ChainID.ToInt().Cmp(chainID) != 0 {
			return nil, fmt.Errorf("%w: chain id %s does not match %s", ErrInvalidParams, args.ChainID.ToInt(), chainID)
		}
		chainID = args.ChainID.ToInt()
	}
	if chainID == nil {
		return nil, errors.New("chain ID cannot be nil")
	}
	if err := args.fill(ctx, req, from); err != nil {
		return nil, err
	}
	tx, err := args.toTransaction(chainID)
	if err != nil {
		return nil, err
	}
	return req.Account.SignTransaction(tx, chainID)
}

func sendTransaction(ctx context.Context, req *ExecuteRequest) (*types.Transaction, error) {
	if req.Backend == nil {
		return nil, errors.New("backend cannot be nil for eth_sendTransaction")
	}
	signed, err := signTransaction(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := req.Backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed, nil
}
