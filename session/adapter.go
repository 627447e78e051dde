package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/joncooperworks/custody/account"
	"github.com/joncooperworks/custody/crypto"
)

// Adapter translates between one protocol version's wire shapes and the Manager.
type Adapter interface {
	// Version returns the protocol version handled by the adapter.
	Version() Version

	// Decode turns a raw inbound wire message into an Event.
	Decode(raw []byte) (Event, error)

	// Namespaces builds the approval namespaces for p offering accounts.
	Namespaces(p Proposal, accounts []common.Address) map[string]Namespace

	// SessionRejected is the reason sent when the user denies a proposal.
	SessionRejected() *RPCError
	// RequestRejected is the error sent when the user denies a request.
	RequestRejected() *RPCError
	// RequestFailed is the error sent when an accepted request could not be executed.
	RequestFailed(err error) *RPCError
	// RateLimited is the error sent when a peer exceeds its request rate.
	RateLimited() *RPCError
	// MethodNotSupported is the error sent for methods the wallet does not execute.
	MethodNotSupported(method string) *RPCError
}

// peerForgetter is implemented by adapters that keep per-peer state.
type peerForgetter interface {
	Forget(peerID string)
}

// JSON-RPC error codes shared by both versions.
const (
	codeServerError    = -32000
	codeMethodNotFound = -32601
	codeLimitExceeded  = -32005
)

// buildNamespaces offers every account on every required chain as "<chain>:<address>".
func buildNamespaces(required map[string]Namespace, accounts []common.Address) map[string]Namespace {
	out := make(map[string]Namespace, len(required))
	for key, req := range required {
		ns := Namespace{
			Chains:   append([]string(nil), req.Chains...),
			Accounts: make([]string, 0, len(req.Chains)*len(accounts)),
			Methods:  append([]string{}, req.Methods...),
			Events:   append([]string{}, req.Events...),
		}
		for _, chain := range req.Chains {
			for _, addr := range accounts {
				ns.Accounts = append(ns.Accounts, chain+":"+crypto.NormalizeAddress(addr))
			}
		}
		out[key] = ns
	}
	return out
}

// requestFailedMessage is all a peer learns about a local execution failure.
const requestFailedMessage = "request failed"

// failureError maps an execution failure to an RPC error. A cancelled or failed
// authentication is reported to the peer as a rejection. The cause stays reachable
// through Unwrap but is never put on the wire.
func failureError(err error, rejected *RPCError) *RPCError {
	if errors.Is(err, account.ErrAuthenticationNeeded) || errors.Is(err, ErrUserRejected) {
		return NewRPCError(rejected.Code, rejected.Message, err)
	}
	return NewRPCError(codeServerError, requestFailedMessage, err)
}

// rpcID returns a JSON-RPC id as text. Numbers keep their literal form.
func rpcID(raw json.RawMessage) (string, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return "", errors.New("request id cannot be empty")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", errors.New("request id cannot be empty")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid request id %s", text)
	}
	return n.String(), nil
}

// defaultParams returns params, or an empty JSON array when the peer sent none.
func defaultParams(params json.RawMessage) json.RawMessage {
	if len(params) == 0 || strings.TrimSpace(string(params)) == "null" {
		return json.RawMessage("[]")
	}
	return params
}
