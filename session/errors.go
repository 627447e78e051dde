package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveSession is returned when a request arrives from a peer without a session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrProposalNotFound is returned by lookups of unknown proposals.
	ErrProposalNotFound = errors.New("proposal not found")
	// ErrRequestNotFound is returned by lookups of unknown requests.
	ErrRequestNotFound = errors.New("request not found")
	// ErrRequestRateLimited is returned when a peer exceeds its request rate.
	ErrRequestRateLimited = errors.New("request rate limited")
	// ErrUserRejected marks RPC errors sent because the user declined.
	ErrUserRejected = errors.New("user rejected")
	// ErrUnknownMessage is returned by adapters for wire messages they do not handle.
	ErrUnknownMessage = errors.New("unknown peer message")
)

// RPCError is the error object sent to a peer.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	cause   error
}

// NewRPCError creates an RPC error caused by cause, which may be nil.
func NewRPCError(code int, message string, cause error) *RPCError {
	return &RPCError{Code: code, Message: message, cause: cause}
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap returns the local error the RPC error was built from.
func (e *RPCError) Unwrap() error { return e.cause }
