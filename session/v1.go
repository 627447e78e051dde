package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/joncooperworks/custody/executor"
)

// V1 wire events.
const (
	v1SessionRequest = "session_request"
	v1CallRequest    = "call_request"
	v1Disconnect     = "disconnect"
)

var v1Events = []string{"chainChanged", "accountsChanged"}

// V1Adapter handles the legacy bridge protocol. Peers are identified by their peerId
// and a session covers a single chain.
type V1Adapter struct {
	defaultChainID int64
}

// NewV1Adapter creates a V1 adapter. defaultChainID is offered to peers that do not name a chain.
func NewV1Adapter(defaultChainID int64) *V1Adapter {
	return &V1Adapter{defaultChainID: defaultChainID}
}

type v1Message struct {
	Event   string            `json:"event"`
	ID      json.RawMessage   `json:"id"`
	PeerID  string            `json:"peerId"`
	Params  []v1SessionParams `json:"params"`
	Payload *v1Payload        `json:"payload"`
}

type v1SessionParams struct {
	PeerID   string   `json:"peerId"`
	PeerMeta Metadata `json:"peerMeta"`
	ChainID  *int64   `json:"chainId"`
}

type v1Payload struct {
	ID      json.RawMessage `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Version implements Adapter.
func (a *V1Adapter) Version() Version { return V1 }

// Decode implements Adapter.
func (a *V1Adapter) Decode(raw []byte) (Event, error) {
	var msg v1Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
	}

	switch msg.Event {
	case v1SessionRequest:
		if len(msg.Params) == 0 || msg.Params[0].PeerID == "" {
			return Event{}, errors.New("session request has no peer id")
		}
		params := msg.Params[0]
		chainID := a.defaultChainID
		if params.ChainID != nil {
			chainID = *params.ChainID
		}
		id, err := rpcID(msg.ID)
		if err != nil {
			id = params.PeerID
		}
		return Event{Kind: EventProposal, Proposal: &Proposal{
			ID:     id,
			PeerID: params.PeerID,
			RequiredNamespaces: map[string]Namespace{
				"eip155": {
					Chains:  []string{"eip155:" + strconv.FormatInt(chainID, 10)},
					Methods: append([]string(nil), executor.SupportedMethods...),
					Events:  append([]string(nil), v1Events...),
				},
			},
			RelayProtocol: "bridge",
			Metadata:      params.PeerMeta,
		}}, nil

	case v1CallRequest:
		if msg.PeerID == "" {
			return Event{}, errors.New("call request has no peer id")
		}
		if msg.Payload == nil || msg.Payload.Method == "" {
			return Event{}, errors.New("call request has no method")
		}
		id, err := rpcID(msg.Payload.ID)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventRequest, Request: &Request{
			ID:     id,
			PeerID: msg.PeerID,
			Method: msg.Payload.Method,
			Params: defaultParams(msg.Payload.Params),
		}}, nil

	case v1Disconnect:
		if msg.PeerID == "" {
			return Event{}, errors.New("disconnect has no peer id")
		}
		return Event{Kind: EventSessionDeleted, PeerID: msg.PeerID}, nil
	}
	return Event{}, fmt.Errorf("%w: v1 event %q", ErrUnknownMessage, msg.Event)
}

// Namespaces implements Adapter.
func (a *V1Adapter) Namespaces(p Proposal, accounts []common.Address) map[string]Namespace {
	return buildNamespaces(p.RequiredNamespaces, accounts)
}

// SessionRejected implements Adapter.
func (a *V1Adapter) SessionRejected() *RPCError {
	return NewRPCError(codeServerError, "Session Rejected", ErrUserRejected)
}

// RequestRejected implements Adapter.
func (a *V1Adapter) RequestRejected() *RPCError {
	return NewRPCError(codeServerError, "User rejected request", ErrUserRejected)
}

// RequestFailed implements Adapter.
func (a *V1Adapter) RequestFailed(err error) *RPCError {
	return failureError(err, a.RequestRejected())
}

// RateLimited implements Adapter.
func (a *V1Adapter) RateLimited() *RPCError {
	return NewRPCError(codeLimitExceeded, "Request limit exceeded", ErrRequestRateLimited)
}

// MethodNotSupported implements Adapter.
func (a *V1Adapter) MethodNotSupported(method string) *RPCError {
	return NewRPCError(codeMethodNotFound, "JSON RPC method not supported", fmt.Errorf("%w: %s", executor.ErrUnsupportedMethod, method))
}
