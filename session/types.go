// Package session tracks connection proposals, established sessions and pending peer
// requests for both supported protocol versions.
//
// The transition logic lives in Manager and is written once. Each protocol version
// plugs in an Adapter that turns its wire messages into version-agnostic Events and
// shapes the replies the Transport sends back.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Version identifies a peer protocol version.
type Version string

// Supported protocol versions.
const (
	V1 Version = "v1"
	V2 Version = "v2"
)

// Metadata describes the remote peer as it presents itself.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	Icons       []string `json:"icons,omitempty"`
}

// Namespace is one chain family a session is scoped to, e.g. "eip155".
type Namespace struct {
	Chains   []string `json:"chains,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
}

// Proposal is a pairing request from a remote peer awaiting accept or deny.
type Proposal struct {
	// ID is the protocol's proposal id, echoed back in the approval.
	ID                 string               `json:"id"`
	PeerID             string               `json:"peerId"`
	RequiredNamespaces map[string]Namespace `json:"requiredNamespaces"`
	RelayProtocol      string               `json:"relayProtocol,omitempty"`
	Metadata           Metadata             `json:"metadata"`
}

// Session is an established connection with a peer.
type Session struct {
	PeerID     string               `json:"peerId"`
	Namespaces map[string]Namespace `json:"namespaces"`
	Metadata   Metadata             `json:"metadata"`
	CreatedAt  time.Time            `json:"createdAt"`
}

// Chains returns every chain the session is approved for.
func (s Session) Chains() []string {
	var chains []string
	for _, ns := range s.Namespaces {
		chains = append(chains, ns.Chains...)
	}
	return chains
}

// Request is a session-scoped RPC from a peer awaiting accept or deny.
type Request struct {
	ID     string `json:"id"`
	PeerID string `json:"peerId"`
	// ChainID is the CAIP-2 chain the request targets, e.g. "eip155:44787".
	// It is empty when the peer did not say and the session spans several chains.
	ChainID    string          `json:"chainId,omitempty"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
	ReceivedAt time.Time       `json:"receivedAt"`
	// Warnings are screener annotations for the user.
	Warnings []string `json:"warnings,omitempty"`
}

// EventKind tells which field of an Event is set.
type EventKind int

const (
	EventProposal EventKind = iota + 1
	EventRequest
	EventSessionDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventProposal:
		return "proposal"
	case EventRequest:
		return "request"
	case EventSessionDeleted:
		return "session_deleted"
	}
	return "unknown"
}

// Event is an inbound peer message normalized by an Adapter.
type Event struct {
	Kind     EventKind
	Proposal *Proposal
	Request  *Request
	// PeerID is set for EventSessionDeleted.
	PeerID string
}

// Response answers a peer request. Exactly one of Result and Error is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// Transport sends replies to peers. Implementations wrap the relay or bridge client.
type Transport interface {
	ApproveSession(ctx context.Context, p Proposal, namespaces map[string]Namespace) error
	RejectSession(ctx context.Context, p Proposal, reason *RPCError) error
	RespondToRequest(ctx context.Context, req Request, resp Response) error
	DisconnectSession(ctx context.Context, peerID string) error
}

// Executor runs an accepted request and returns its JSON result.
type Executor interface {
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (json.RawMessage, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// AccountLister lists the accounts offered to peers on approval.
// *account.Registry satisfies it.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]common.Address, error)
}
