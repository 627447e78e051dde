// Package api exposes custodyd to the outside: an HTTP control surface over a
// session.Hub and an Outbox transport that writes outbound peer messages as JSON lines.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/joncooperworks/custody/session"
)

// Outbound message types.
const (
	TypeApprove    = "session_approve"
	TypeReject     = "session_reject"
	TypeResponse   = "response"
	TypeDisconnect = "disconnect"
)

// Sealer encrypts a payload for a peer. *session.V2Adapter implements it.
type Sealer interface {
	Seal(peerID string, payload []byte) (string, error)
}

// OutboundMessage is one line written by an Outbox. Body is set for unsealed versions and
// Sealed for versions with a Sealer.
type OutboundMessage struct {
	Version session.Version `json:"version"`
	Type    string          `json:"type"`
	PeerID  string          `json:"peerId"`
	Body    json.RawMessage `json:"body,omitempty"`
	Sealed  string          `json:"sealed,omitempty"`
}

// Outbox implements session.Transport by writing each outbound message to w as a line
// of JSON, for a relay process to deliver.
type Outbox struct {
	version session.Version
	sealer  Sealer

	mu  sync.Mutex
	enc *json.Encoder
}

// NewOutbox creates an outbox for one protocol version. sealer may be nil.
func NewOutbox(w io.Writer, version session.Version, sealer Sealer) (*Outbox, error) {
	if w == nil {
		return nil, errors.New("writer cannot be nil")
	}
	return &Outbox{version: version, sealer: sealer, enc: json.NewEncoder(w)}, nil
}

func (o *Outbox) write(ctx context.Context, typ, peerID string, body interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", typ, err)
	}
	msg := OutboundMessage{Version: o.version, Type: typ, PeerID: peerID}
	if o.sealer != nil {
		if msg.Sealed, err = o.sealer.Seal(peerID, raw); err != nil {
			return fmt.Errorf("failed to seal %s: %w", typ, err)
		}
	} else {
		msg.Body = raw
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enc.Encode(msg)
}

// ApproveSession implements session.Transport.
func (o *Outbox) ApproveSession(ctx context.Context, p session.Proposal, namespaces map[string]session.Namespace) error {
	return o.write(ctx, TypeApprove, p.PeerID, struct {
		ID         string                       `json:"id"`
		Relay      string                       `json:"relay,omitempty"`
		Namespaces map[string]session.Namespace `json:"namespaces"`
	}{p.ID, p.RelayProtocol, namespaces})
}

// RejectSession implements session.Transport.
func (o *Outbox) RejectSession(ctx context.Context, p session.Proposal, reason *session.RPCError) error {
	return o.write(ctx, TypeReject, p.PeerID, struct {
		ID    string            `json:"id"`
		Error *session.RPCError `json:"error"`
	}{p.ID, reason})
}

// RespondToRequest implements session.Transport.
func (o *Outbox) RespondToRequest(ctx context.Context, req session.Request, resp session.Response) error {
	return o.write(ctx, TypeResponse, req.PeerID, struct {
		JSONRPC string `json:"jsonrpc"`
		session.Response
	}{"2.0", resp})
}

// DisconnectSession implements session.Transport.
func (o *Outbox) DisconnectSession(ctx context.Context, peerID string) error {
	return o.write(ctx, TypeDisconnect, peerID, struct {
		Reason string `json:"reason"`
	}{"user disconnected"})
}
