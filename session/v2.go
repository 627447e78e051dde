package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/joncooperworks/custody/crypto/relaycrypto"
	"github.com/joncooperworks/custody/executor"
)

// V2 wire message types.
const (
	v2SessionProposal = "session_proposal"
	v2SessionRequest  = "session_request"
	v2SessionDelete   = "session_delete"
)

// Sign-client error codes.
const (
	codeUserRejected        = 5000
	codeUserRejectedMethods = 5002
	codeUnsupportedMethods  = 5101
)

// V2Adapter handles the current relay protocol.
//
// A peer is identified by the topic of its session, derived from the wallet's key pair
// and the proposer's public key. The adapter keeps one relaycrypto.Cipher per topic so
// sealed messages can be opened and replies sealed.
type V2Adapter struct {
	keys *relaycrypto.KeyPair

	mu      sync.RWMutex
	ciphers map[string]*relaycrypto.Cipher
}

// NewV2Adapter creates a V2 adapter using keys. A nil keys generates a fresh pair.
func NewV2Adapter(keys *relaycrypto.KeyPair) (*V2Adapter, error) {
	if keys == nil {
		var err error
		if keys, err = relaycrypto.GenerateKeyPair(); err != nil {
			return nil, err
		}
	}
	return &V2Adapter{keys: keys, ciphers: make(map[string]*relaycrypto.Cipher)}, nil
}

type v2Message struct {
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id"`
	Topic  string          `json:"topic"`
	Params json.RawMessage `json:"params"`
	// Message is a sealed envelope holding another v2Message for Topic.
	Message string `json:"message"`
}

type v2ProposalParams struct {
	ID                 json.RawMessage      `json:"id"`
	PairingTopic       string               `json:"pairingTopic"`
	RequiredNamespaces map[string]Namespace `json:"requiredNamespaces"`
	Relays             []struct {
		Protocol string `json:"protocol"`
	} `json:"relays"`
	Proposer struct {
		PublicKey string   `json:"publicKey"`
		Metadata  Metadata `json:"metadata"`
	} `json:"proposer"`
}

type v2RequestParams struct {
	Request struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	} `json:"request"`
	ChainID string `json:"chainId"`
}

// Version implements Adapter.
func (a *V2Adapter) Version() Version { return V2 }

// PublicKey returns the wallet's public key as sent in approvals.
func (a *V2Adapter) PublicKey() string { return a.keys.PublicHex() }

// Decode implements Adapter. Sealed messages are opened with the topic's key first.
func (a *V2Adapter) Decode(raw []byte) (Event, error) {
	var msg v2Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
	}
	if msg.Message != "" {
		return a.decodeSealed(msg)
	}
	return a.decode(msg)
}

func (a *V2Adapter) decodeSealed(outer v2Message) (Event, error) {
	c, ok := a.cipher(outer.Topic)
	if !ok {
		return Event{}, fmt.Errorf("%w: no key for topic %s", ErrUnknownMessage, outer.Topic)
	}
	plaintext, err := c.Decrypt(outer.Message)
	if err != nil {
		return Event{}, err
	}
	var inner v2Message
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return Event{}, fmt.Errorf("%w: sealed payload: %v", ErrUnknownMessage, err)
	}
	if inner.Message != "" {
		return Event{}, fmt.Errorf("%w: nested envelope", ErrUnknownMessage)
	}
	// The envelope's topic is authoritative.
	inner.Topic = outer.Topic
	return a.decode(inner)
}

func (a *V2Adapter) decode(msg v2Message) (Event, error) {
	switch msg.Type {
	case v2SessionProposal:
		var params v2ProposalParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return Event{}, fmt.Errorf("%w: proposal params: %v", ErrUnknownMessage, err)
		}
		peerKey, err := relaycrypto.ParsePublicKey(params.Proposer.PublicKey)
		if err != nil {
			return Event{}, fmt.Errorf("proposal: %w", err)
		}
		symKey, err := relaycrypto.DeriveSymKey(a.keys, peerKey)
		if err != nil {
			return Event{}, err
		}
		c, err := relaycrypto.NewCipher(symKey)
		for i := range symKey {
			symKey[i] = 0
		}
		if err != nil {
			return Event{}, err
		}
		id, err := rpcID(params.ID)
		if err != nil {
			if id, err = rpcID(msg.ID); err != nil {
				return Event{}, fmt.Errorf("proposal: %w", err)
			}
		}
		relay := "irn"
		if len(params.Relays) > 0 && params.Relays[0].Protocol != "" {
			relay = params.Relays[0].Protocol
		}

		a.mu.Lock()
		a.ciphers[c.Topic()] = c
		a.mu.Unlock()

		return Event{Kind: EventProposal, Proposal: &Proposal{
			ID:                 id,
			PeerID:             c.Topic(),
			RequiredNamespaces: params.RequiredNamespaces,
			RelayProtocol:      relay,
			Metadata:           params.Proposer.Metadata,
		}}, nil

	case v2SessionRequest:
		if msg.Topic == "" {
			return Event{}, errors.New("session request has no topic")
		}
		var params v2RequestParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return Event{}, fmt.Errorf("%w: request params: %v", ErrUnknownMessage, err)
		}
		if params.Request.Method == "" {
			return Event{}, errors.New("session request has no method")
		}
		id, err := rpcID(msg.ID)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventRequest, Request: &Request{
			ID:      id,
			PeerID:  msg.Topic,
			ChainID: params.ChainID,
			Method:  params.Request.Method,
			Params:  defaultParams(params.Request.Params),
		}}, nil

	case v2SessionDelete:
		if msg.Topic == "" {
			return Event{}, errors.New("session delete has no topic")
		}
		return Event{Kind: EventSessionDeleted, PeerID: msg.Topic}, nil
	}
	return Event{}, fmt.Errorf("%w: v2 type %q", ErrUnknownMessage, msg.Type)
}

func (a *V2Adapter) cipher(topic string) (*relaycrypto.Cipher, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.ciphers[topic]
	return c, ok
}

// Seal encrypts payload for the peer on topic.
func (a *V2Adapter) Seal(topic string, payload []byte) (string, error) {
	c, ok := a.cipher(topic)
	if !ok {
		return "", fmt.Errorf("no key for topic %s", topic)
	}
	return c.Encrypt(payload)
}

// Forget drops the key for a topic once its proposal or session is gone.
func (a *V2Adapter) Forget(topic string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.ciphers, topic)
}

// Namespaces implements Adapter.
func (a *V2Adapter) Namespaces(p Proposal, accounts []common.Address) map[string]Namespace {
	return buildNamespaces(p.RequiredNamespaces, accounts)
}

// SessionRejected implements Adapter.
func (a *V2Adapter) SessionRejected() *RPCError {
	return NewRPCError(codeUserRejectedMethods, "User rejected methods.", ErrUserRejected)
}

// RequestRejected implements Adapter.
func (a *V2Adapter) RequestRejected() *RPCError {
	return NewRPCError(codeUserRejected, "User rejected.", ErrUserRejected)
}

// RequestFailed implements Adapter.
func (a *V2Adapter) RequestFailed(err error) *RPCError {
	return failureError(err, a.RequestRejected())
}

// RateLimited implements Adapter.
func (a *V2Adapter) RateLimited() *RPCError {
	return NewRPCError(codeLimitExceeded, "Request limit exceeded.", ErrRequestRateLimited)
}

// MethodNotSupported implements Adapter.
func (a *V2Adapter) MethodNotSupported(method string) *RPCError {
	return NewRPCError(codeUnsupportedMethods, "Unsupported methods.", fmt.Errorf("%w: %s", executor.ErrUnsupportedMethod, method))
}
