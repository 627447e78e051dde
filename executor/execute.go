// Package executor dispatches accepted peer requests onto a signing account.
// It parses the JSON-RPC parameters of each supported method, calls the matching
// signing primitive and returns a JSON result ready to be sent back to the peer.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Supported request methods.
const (
	MethodPersonalSign    = "personal_sign"
	MethodEthSign         = "eth_sign"
	MethodSignTypedData   = "eth_signTypedData"
	MethodSignTypedDataV4 = "eth_signTypedData_v4"
	MethodSignTransaction = "eth_signTransaction"
	MethodSendTransaction = "eth_sendTransaction"
	MethodPersonalDecrypt = "personal_decrypt"
)

// SupportedMethods lists every method Execute understands, in the order offered to peers.
var SupportedMethods = []string{
	MethodSignTransaction,
	MethodPersonalSign,
	MethodSignTypedData,
	MethodSignTypedDataV4,
	MethodPersonalDecrypt,
	MethodSendTransaction,
	MethodEthSign,
}

// ErrUnsupportedMethod is returned for methods outside SupportedMethods.
var ErrUnsupportedMethod = errors.New("unsupported RPC method")

// ErrInvalidParams is returned when a request's parameters cannot be parsed.
var ErrInvalidParams = errors.New("invalid request params")

// Signer is the account a request is executed with.
type Signer interface {
	Address() common.Address
	SignMessage(msg []byte) ([]byte, error)
	SignTransaction(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	SignTypedData(data apitypes.TypedData) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// ExecuteRequest contains everything needed to execute one peer request.
type ExecuteRequest struct {
	// Method is the JSON-RPC method name.
	Method string
	// Params is the raw JSON-RPC params array.
	Params json.RawMessage
	// Account signs the request. It must be unlocked.
	Account Signer
	// ChainID is the chain transactions are signed for.
	ChainID *big.Int
	// Backend fills missing transaction fields and broadcasts eth_sendTransaction.
	// Without a backend, transactions must be complete and eth_sendTransaction fails.
	Backend Backend
	// GasPrice overrides Backend.SuggestGasPrice when filling a missing gas price.
	GasPrice func(ctx context.Context) (*big.Int, error)
}

// ExecuteResult contains the JSON result returned to the peer.
type ExecuteResult struct {
	Method string
	// Result is the JSON encoded result value.
	Result json.RawMessage
	// Transaction is the signed transaction for eth_signTransaction and eth_sendTransaction.
	Transaction *types.Transaction
}

// Execute runs req against req.Account.
//
// Signing failures from the account, including ErrAuthenticationNeeded for a locked
// account, are returned unchanged so callers can match them with errors.Is.
func Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	if req.Method == "" {
		return nil, errors.New("method cannot be empty")
	}
	if req.Account == nil {
		return nil, errors.New("account cannot be nil")
	}

	var (
		result interface{}
		tx     *types.Transaction
		err    error
	)
	switch req.Method {
	case MethodPersonalSign, MethodEthSign:
		result, err = signMessage(req)
	case MethodSignTypedData, MethodSignTypedDataV4:
		result, err = signTypedData(req)
	case MethodSignTransaction:
		tx, err = signTransaction(ctx, req)
		if err == nil {
			result, err = encodeTransaction(tx)
		}
	case MethodSendTransaction:
		tx, err = sendTransaction(ctx, req)
		if err == nil {
			result = tx.Hash().Hex()
		}
	case MethodPersonalDecrypt:
		result, err = decrypt(req)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, req.Method)
	}
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &ExecuteResult{Method: req.Method, Result: raw, Transaction: tx}, nil
}

func signMessage(req *ExecuteRequest) (string, error) {
	params, err := stringParams(req.Params, 2)
	if err != nil {
		return "", err
	}
	// personal_sign is [message, address], eth_sign is [address, message].
	// Some peers send personal_sign in eth_sign order, so the address position is detected.
	message := params[0]
	if req.Method == MethodEthSign || (isAddress(params[0]) && !isAddress(params[1])) {
		message = params[1]
	}
	sig, err := req.Account.SignMessage(decodeMessage(message))
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

func signTypedData(req *ExecuteRequest) (string, error) {
	var params []json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 2 {
		return "", fmt.Errorf("%w: want [address, typedData]", ErrInvalidParams)
	}
	// The typed data may arrive as a JSON string or as an inline object.
	payload := []byte(params[1])
	var encoded string
	if err := json.Unmarshal(params[1], &encoded); err == nil {
		payload = []byte(encoded)
	}
	var td apitypes.TypedData
	if err := json.Unmarshal(payload, &td); err != nil {
		return "", fmt.Errorf("%w: typed data: %v", ErrInvalidParams, err)
	}
	sig, err := req.Account.SignTypedData(td)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

func decrypt(req *ExecuteRequest) (string, error) {
	params, err := stringParams(req.Params, 1)
	if err != nil {
		return "", err
	}
	ciphertext := params[len(params)-1]
	plaintext, err := req.Account.Decrypt(decodeMessage(ciphertext))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func encodeTransaction(tx *types.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}
	return hexutil.Encode(raw), nil
}

func stringParams(raw json.RawMessage, min int) ([]string, error) {
	var params []string
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if len(params) < min {
		return nil, fmt.Errorf("%w: want at least %d params, got %d", ErrInvalidParams, min, len(params))
	}
	return params, nil
}

func isAddress(s string) bool {
	return len(s) == 42 && common.IsHexAddress(s)
}

// decodeMessage treats 0x-prefixed hex as bytes and anything else as UTF-8 text.
func decodeMessage(s string) []byte {
	if b, err := hexutil.Decode(s); err == nil {
		return b
	}
	return []byte(s)
}

// RequestAddress returns the account a request names in its params, if any.
func RequestAddress(method string, raw json.RawMessage) (common.Address, bool) {
	switch method {
	case MethodPersonalSign:
		params, err := stringParams(raw, 2)
		if err != nil {
			return common.Address{}, false
		}
		for _, p := range []string{params[1], params[0]} {
			if isAddress(p) {
				return common.HexToAddress(p), true
			}
		}
	case MethodEthSign, MethodSignTypedData, MethodSignTypedDataV4:
		var params []json.RawMessage
		if err := json.Unmarshal(raw, &params); err != nil || len(params) == 0 {
			return common.Address{}, false
		}
		var addr string
		if err := json.Unmarshal(params[0], &addr); err == nil && isAddress(addr) {
			return common.HexToAddress(addr), true
		}
	case MethodSignTransaction, MethodSendTransaction:
		args, err := parseTxArgs(raw)
		if err == nil && args.From != nil {
			return *args.From, true
		}
	case MethodPersonalDecrypt:
		params, err := stringParams(raw, 2)
		if err == nil && isAddress(params[0]) {
			return common.HexToAddress(params[0]), true
		}
	}
	return common.Address{}, false
}
