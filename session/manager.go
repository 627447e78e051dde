package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/joncooperworks/custody/account"
	"github.com/joncooperworks/custody/executor"
	"github.com/joncooperworks/custody/metrics"
	"github.com/joncooperworks/custody/plugin"
)

// Config contains everything needed to create a Manager.
type Config struct {
	Adapter   Adapter
	Transport Transport
	Executor  Executor
	// Accounts lists the accounts offered when a proposal is accepted.
	Accounts AccountLister

	// Methods lists the methods peers may request. Nil means executor.SupportedMethods.
	Methods []string
	// Screeners annotate incoming requests with warnings.
	Screeners []plugin.Screener
	// RateLimit is the sustained request rate allowed per peer. Zero disables throttling.
	RateLimit rate.Limit
	// Burst is the per-peer burst size. It defaults to 1 when RateLimit is set.
	Burst int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Manager runs the proposal, session and request lifecycle for one protocol version.
//
// Proposals, sessions and requests are kept in arrival order and only change through
// the Manager's methods. Every removal happens under the lock before any transport call,
// so each proposal and request is consumed exactly once even when callers race.
type Manager struct {
	adapter   Adapter
	transport Transport
	executor  Executor
	accounts  AccountLister
	methods   map[string]bool
	screeners []plugin.Screener
	limit     rate.Limit
	burst     int
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	version   string

	mu        sync.Mutex
	proposals []Proposal
	sessions  []Session
	requests  []Request
	limiters  map[string]*rate.Limiter
}

// NewManager creates a Manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("adapter cannot be nil")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if cfg.Executor == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if cfg.Accounts == nil {
		return nil, errors.New("account lister cannot be nil")
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate limit cannot be negative: %v", cfg.RateLimit)
	}

	methods := cfg.Methods
	if methods == nil {
		methods = executor.SupportedMethods
	}
	m := &Manager{
		adapter:   cfg.Adapter,
		transport: cfg.Transport,
		executor:  cfg.Executor,
		accounts:  cfg.Accounts,
		methods:   make(map[string]bool, len(methods)),
		screeners: cfg.Screeners,
		limit:     cfg.RateLimit,
		burst:     cfg.Burst,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Clock,
		version:   string(cfg.Adapter.Version()),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, method := range methods {
		m.methods[method] = true
	}
	if m.limit > 0 && m.burst <= 0 {
		m.burst = 1
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	m.logger = m.logger.With("version", m.version)
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Version returns the protocol version the manager serves.
func (m *Manager) Version() Version { return m.adapter.Version() }

// HandleMessage decodes a raw wire message with the adapter and applies it.
func (m *Manager) HandleMessage(ctx context.Context, raw []byte) error {
	ev, err := m.adapter.Decode(raw)
	if err != nil {
		return fmt.Errorf("failed to decode %s message: %w", m.version, err)
	}
	return m.HandleEvent(ctx, ev)
}

// HandleEvent applies a decoded peer event.
func (m *Manager) HandleEvent(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventProposal:
		if ev.Proposal == nil {
			return errors.New("proposal cannot be nil")
		}
		m.OnProposal(*ev.Proposal)
		return nil
	case EventRequest:
		if ev.Request == nil {
			return errors.New("request cannot be nil")
		}
		return m.OnIncomingRequest(ctx, *ev.Request)
	case EventSessionDeleted:
		m.OnPeerDeletedSession(ev.PeerID)
		return nil
	}
	return fmt.Errorf("%w: event kind %s", ErrUnknownMessage, ev.Kind)
}

// OnProposal records a pairing proposal. A second proposal from a peer that already
// has one pending is ignored.
func (m *Manager) OnProposal(p Proposal) {
	m.mu.Lock()
	if m.proposalIndex(p.PeerID) >= 0 {
		m.mu.Unlock()
		m.logger.Debug("duplicate proposal ignored", "peer", p.PeerID)
		m.metrics.ObserveProposal(m.version, "duplicate")
		return
	}
	m.proposals = append(m.proposals, p)
	m.mu.Unlock()

	m.metrics.ObserveProposal(m.version, "received")
	m.logger.Info("session proposal received", "peer", p.PeerID, "name", p.Metadata.Name, "url", p.Metadata.URL)
}

// Accept approves the pending proposal from peerID and records the session.
// Accepting a proposal that is no longer pending does nothing.
//
// When the transport fails the proposal is still consumed and the error is returned.
func (m *Manager) Accept(ctx context.Context, peerID string) error {
	if _, err := m.Proposal(peerID); err != nil {
		m.logger.Debug("accept for unknown proposal ignored", "peer", peerID)
		return nil
	}
	accounts, err := m.accounts.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	if len(accounts) == 0 {
		return fmt.Errorf("%w: no accounts to offer", account.ErrAccountNotFound)
	}

	p, ok := m.takeProposal(peerID)
	if !ok {
		m.logger.Debug("accept for unknown proposal ignored", "peer", peerID)
		return nil
	}

	namespaces := m.adapter.Namespaces(p, accounts)
	if err := m.transport.ApproveSession(ctx, p, namespaces); err != nil {
		m.forget(peerID)
		m.metrics.ObserveProposal(m.version, "error")
		return fmt.Errorf("failed to approve session with %s: %w", peerID, err)
	}

	s := Session{
		PeerID:     p.PeerID,
		Namespaces: namespaces,
		Metadata:   p.Metadata,
		CreatedAt:  m.now(),
	}
	m.mu.Lock()
	if i := m.sessionIndex(peerID); i >= 0 {
		m.sessions[i] = s
	} else {
		m.sessions = append(m.sessions, s)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.metrics.ObserveProposal(m.version, "accepted")
	m.logger.Info("session approved", "peer", peerID, "name", p.Metadata.Name)
	return nil
}

// Deny rejects the pending proposal from peerID. Denying a proposal that is no longer
// pending does nothing.
func (m *Manager) Deny(ctx context.Context, peerID string) error {
	p, ok := m.takeProposal(peerID)
	if !ok {
		m.logger.Debug("deny for unknown proposal ignored", "peer", peerID)
		return nil
	}
	m.metrics.ObserveProposal(m.version, "denied")
	m.logger.Info("session proposal denied", "peer", peerID)

	err := m.transport.RejectSession(ctx, p, m.adapter.SessionRejected())
	m.forget(peerID)
	if err != nil {
		return fmt.Errorf("failed to reject session with %s: %w", peerID, err)
	}
	return nil
}

// Close ends the session with peerID and tells the peer. Queued requests from the peer
// are dropped. Closing an unknown session does nothing.
func (m *Manager) Close(ctx context.Context, peerID string) error {
	if !m.removeSession(peerID, "closed") {
		m.logger.Debug("close for unknown session ignored", "peer", peerID)
		return nil
	}
	err := m.transport.DisconnectSession(ctx, peerID)
	m.forget(peerID)
	if err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", peerID, err)
	}
	return nil
}

// OnPeerDeletedSession removes a session the peer ended. Queued requests from the peer
// are dropped.
func (m *Manager) OnPeerDeletedSession(peerID string) {
	if !m.removeSession(peerID, "deleted by peer") {
		m.logger.Debug("delete for unknown session ignored", "peer", peerID)
		return
	}
	m.forget(peerID)
}

func (m *Manager) removeSession(peerID, reason string) bool {
	m.mu.Lock()
	i := m.sessionIndex(peerID)
	if i < 0 {
		m.mu.Unlock()
		return false
	}
	m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
	kept := m.requests[:0]
	dropped := 0
	for _, r := range m.requests {
		if r.PeerID == peerID {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	m.requests = kept
	delete(m.limiters, peerID)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Info("session removed", "peer", peerID, "reason", reason, "dropped_requests", dropped)
	return true
}

// OnIncomingRequest queues a request from a peer with an active session.
//
// Requests from peers without a session fail with ErrNoActiveSession and are not queued.
// Over-limit requests and unsupported methods are answered with an error right away.
// A request whose id is already queued is ignored.
func (m *Manager) OnIncomingRequest(ctx context.Context, req Request) error {
	if req.ID == "" {
		return errors.New("request id cannot be empty")
	}

	m.mu.Lock()
	i := m.sessionIndex(req.PeerID)
	if i < 0 {
		m.mu.Unlock()
		m.metrics.ObserveRequest(m.version, "no_session")
		return fmt.Errorf("%w: peer %s", ErrNoActiveSession, req.PeerID)
	}
	s := m.sessions[i]
	if m.requestIndex(req.ID) >= 0 {
		m.mu.Unlock()
		m.logger.Debug("duplicate request ignored", "peer", req.PeerID, "request", req.ID)
		return nil
	}
	limited := m.limit > 0 && !m.limiterLocked(req.PeerID).Allow()
	m.mu.Unlock()

	if limited {
		m.metrics.ObserveRequest(m.version, "rate_limited")
		m.reply(ctx, req, Response{ID: req.ID, Error: m.adapter.RateLimited()})
		return fmt.Errorf("%w: peer %s", ErrRequestRateLimited, req.PeerID)
	}
	if !m.methods[req.Method] {
		m.metrics.ObserveRequest(m.version, "unsupported")
		m.reply(ctx, req, Response{ID: req.ID, Error: m.adapter.MethodNotSupported(req.Method)})
		return fmt.Errorf("%w: %s", executor.ErrUnsupportedMethod, req.Method)
	}

	if req.ChainID == "" {
		if chains := s.Chains(); len(chains) == 1 {
			req.ChainID = chains[0]
		}
	}
	req.ReceivedAt = m.now()
	req.Warnings = plugin.Run(ctx, m.logger, m.screeners, plugin.ScreenInput{
		Version:  m.version,
		PeerID:   req.PeerID,
		PeerName: s.Metadata.Name,
		PeerURL:  s.Metadata.URL,
		ChainID:  req.ChainID,
		Method:   req.Method,
		Params:   req.Params,
	})

	m.mu.Lock()
	if m.sessionIndex(req.PeerID) < 0 {
		m.mu.Unlock()
		m.metrics.ObserveRequest(m.version, "no_session")
		return fmt.Errorf("%w: peer %s", ErrNoActiveSession, req.PeerID)
	}
	if m.requestIndex(req.ID) >= 0 {
		m.mu.Unlock()
		return nil
	}
	m.requests = append(m.requests, req)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.metrics.ObserveRequest(m.version, "received")
	m.logger.Info("request queued", "peer", req.PeerID, "request", req.ID, "method", req.Method, "warnings", len(req.Warnings))
	return nil
}

// AcceptRequest executes the queued request and sends the result to the peer.
// Accepting a request that is no longer queued does nothing.
//
// The request is removed before execution. An execution failure is sent to the peer as
// an RPC error and returned; account.ErrAuthenticationNeeded is among them.
func (m *Manager) AcceptRequest(ctx context.Context, id string) error {
	req, ok := m.takeRequest(id)
	if !ok {
		m.logger.Debug("accept for unknown request ignored", "request", id)
		return nil
	}

	result, err := m.executor.Execute(ctx, req)
	if err != nil {
		if errors.Is(err, account.ErrAuthenticationNeeded) {
			m.logger.Info("request not executed: authentication needed", "peer", req.PeerID, "request", id)
		} else {
			m.logger.Warn("request failed", "peer", req.PeerID, "request", id, "method", req.Method, "error", err)
		}
		m.metrics.ObserveRequest(m.version, "failed")
		if rerr := m.transport.RespondToRequest(ctx, req, Response{ID: req.ID, Error: m.adapter.RequestFailed(err)}); rerr != nil {
			return errors.Join(err, fmt.Errorf("failed to respond to request %s: %w", id, rerr))
		}
		return err
	}

	m.metrics.ObserveRequest(m.version, "accepted")
	if err := m.transport.RespondToRequest(ctx, req, Response{ID: req.ID, Result: result}); err != nil {
		return fmt.Errorf("failed to respond to request %s: %w", id, err)
	}
	m.logger.Info("request accepted", "peer", req.PeerID, "request", id, "method", req.Method)
	return nil
}

// DenyRequest removes the queued request and sends the peer a rejection.
// Denying a request that is no longer queued does nothing.
func (m *Manager) DenyRequest(ctx context.Context, id string) error {
	req, ok := m.takeRequest(id)
	if !ok {
		m.logger.Debug("deny for unknown request ignored", "request", id)
		return nil
	}
	m.metrics.ObserveRequest(m.version, "denied")
	m.logger.Info("request denied", "peer", req.PeerID, "request", id, "method", req.Method)
	if err := m.transport.RespondToRequest(ctx, req, Response{ID: req.ID, Error: m.adapter.RequestRejected()}); err != nil {
		return fmt.Errorf("failed to respond to request %s: %w", id, err)
	}
	return nil
}

// CloseAll closes every session.
func (m *Manager) CloseAll(ctx context.Context) error {
	var errs []error
	for _, s := range m.Sessions() {
		if err := m.Close(ctx, s.PeerID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Proposals returns the pending proposals in arrival order.
func (m *Manager) Proposals() []Proposal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Proposal(nil), m.proposals...)
}

// Sessions returns the active sessions in creation order.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Session(nil), m.sessions...)
}

// Requests returns the queued requests in arrival order.
func (m *Manager) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Proposal returns the pending proposal from peerID.
func (m *Manager) Proposal(peerID string) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.proposalIndex(peerID); i >= 0 {
		return m.proposals[i], nil
	}
	return Proposal{}, fmt.Errorf("%w: peer %s", ErrProposalNotFound, peerID)
}

// Session returns the active session with peerID.
func (m *Manager) Session(peerID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.sessionIndex(peerID); i >= 0 {
		return m.sessions[i], nil
	}
	return Session{}, fmt.Errorf("%w: peer %s", ErrNoActiveSession, peerID)
}

// Request returns the queued request with id.
func (m *Manager) Request(id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.requestIndex(id); i >= 0 {
		return m.requests[i], nil
	}
	return Request{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
}

func (m *Manager) takeProposal(peerID string) (Proposal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.proposalIndex(peerID)
	if i < 0 {
		return Proposal{}, false
	}
	p := m.proposals[i]
	m.proposals = append(m.proposals[:i], m.proposals[i+1:]...)
	return p, true
}

func (m *Manager) takeRequest(id string) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.requestIndex(id)
	if i < 0 {
		return Request{}, false
	}
	req := m.requests[i]
	m.requests = append(m.requests[:i], m.requests[i+1:]...)
	m.updateGaugesLocked()
	return req, true
}

func (m *Manager) proposalIndex(peerID string) int {
	for i, p := range m.proposals {
		if p.PeerID == peerID {
			return i
		}
	}
	return -1
}

func (m *Manager) sessionIndex(peerID string) int {
	for i, s := range m.sessions {
		if s.PeerID == peerID {
			return i
		}
	}
	return -1
}

func (m *Manager) requestIndex(id string) int {
	for i, r := range m.requests {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) limiterLocked(peerID string) *rate.Limiter {
	l, ok := m.limiters[peerID]
	if !ok {
		l = rate.NewLimiter(m.limit, m.burst)
		m.limiters[peerID] = l
	}
	return l
}

func (m *Manager) updateGaugesLocked() {
	m.metrics.SetSessionCounts(m.version, len(m.sessions), len(m.requests))
}

// forget releases adapter state for a peer once it has neither a proposal nor a session.
func (m *Manager) forget(peerID string) {
	f, ok := m.adapter.(peerForgetter)
	if !ok {
		return
	}
	m.mu.Lock()
	inUse := m.proposalIndex(peerID) >= 0 || m.sessionIndex(peerID) >= 0
	m.mu.Unlock()
	if !inUse {
		f.Forget(peerID)
	}
}

// reply sends a response the caller does not wait on; failures are only logged.
func (m *Manager) reply(ctx context.Context, req Request, resp Response) {
	if err := m.transport.RespondToRequest(ctx, req, resp); err != nil {
		m.logger.Warn("failed to respond to request", "peer", req.PeerID, "request", req.ID, "error", err)
	}
}
