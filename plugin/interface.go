// Package plugin provides request screeners for pending peer requests.
// Screeners run when a request arrives and annotate it with warnings for the user.
// They never block or reject a request; failures are logged and ignored.
//
// Screeners can be built in (MethodScreener) or loaded from WASM modules through a
// registry-based loader system.
package plugin

import (
	"context"
	"encoding/json"
)

// ScreenInput describes one pending peer request. It is also the JSON document passed to
// WASM screeners.
type ScreenInput struct {
	Version  string          `json:"version"`
	PeerID   string          `json:"peerId"`
	PeerName string          `json:"peerName,omitempty"`
	PeerURL  string          `json:"peerUrl,omitempty"`
	ChainID  string          `json:"chainId,omitempty"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// Verdict is the outcome of screening a request.
type Verdict struct {
	Warnings []string `json:"warnings"`
}

// Screener inspects pending requests.
type Screener interface {
	// Name returns the screener name used in logs.
	Name() string

	// Screen returns the warnings for in. An error means the screener could not
	// reach a verdict; it never means the request should be refused.
	Screen(ctx context.Context, in ScreenInput) (Verdict, error)
}
