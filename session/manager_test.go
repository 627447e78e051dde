package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"

	"github.com/joncooperworks/custody/account"
	"github.com/joncooperworks/custody/executor"
	"github.com/joncooperworks/custody/metrics"
	"github.com/joncooperworks/custody/plugin"
)

var testAccount = common.HexToAddress("0x2d936b3ada6142b4248de1847c14fa2f4c5b63c3")

type approval struct {
	proposal   Proposal
	namespaces map[string]Namespace
}

type response struct {
	req  Request
	resp Response
}

// fakeTransport records every outbound call.
type fakeTransport struct {
	mu           sync.Mutex
	approvals    []approval
	rejections   []*RPCError
	responses    []response
	disconnects  []string
	approveErr   error
	respondErr   error
	disconnectEr error
}

func (f *fakeTransport) ApproveSession(_ context.Context, p Proposal, ns map[string]Namespace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return f.approveErr
	}
	f.approvals = append(f.approvals, approval{p, ns})
	return nil
}

func (f *fakeTransport) RejectSession(_ context.Context, _ Proposal, reason *RPCError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejections = append(f.rejections, reason)
	return nil
}

func (f *fakeTransport) RespondToRequest(_ context.Context, req Request, resp Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{req, resp})
	return f.respondErr
}

func (f *fakeTransport) DisconnectSession(_ context.Context, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, peerID)
	return f.disconnectEr
}

func (f *fakeTransport) lastResponse(t *testing.T) Response {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		t.Fatal("no response sent")
	}
	return f.responses[len(f.responses)-1].resp
}

type staticAccounts []common.Address

func (s staticAccounts) ListAccounts(context.Context) ([]common.Address, error) { return s, nil }

type harness struct {
	manager   *Manager
	transport *fakeTransport
	executed  atomic.Int32
	execErr   error
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, adapter Adapter, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{transport: &fakeTransport{}}
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics.New() error = %v", err)
	}
	h.metrics = m
	cfg := Config{
		Adapter:   adapter,
		Transport: h.transport,
		Executor: ExecutorFunc(func(ctx context.Context, req Request) (json.RawMessage, error) {
			h.executed.Add(1)
			if h.execErr != nil {
				return nil, h.execErr
			}
			return json.RawMessage(`"0xsigned"`), nil
		}),
		Accounts: staticAccounts{testAccount},
		Metrics:  m,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.manager, err = NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return h
}

func proposal(peerID string) Proposal {
	return Proposal{
		ID:     "1",
		PeerID: peerID,
		RequiredNamespaces: map[string]Namespace{
			"eip155": {
				Chains:  []string{"eip155:44787"},
				Methods: []string{"personal_sign"},
				Events:  []string{"accountsChanged"},
			},
		},
		Metadata: Metadata{Name: "dapp"},
	}
}

func request(id, peerID, method string) Request {
	return Request{ID: id, PeerID: peerID, Method: method, Params: json.RawMessage(`["0x00"]`)}
}

func (h *harness) connect(t *testing.T, peerID string) {
	t.Helper()
	h.manager.OnProposal(proposal(peerID))
	if err := h.manager.Accept(context.Background(), peerID); err != nil {
		t.Fatalf("Accept(%s) error = %v", peerID, err)
	}
}

func TestNewManager_Validation(t *testing.T) {
	valid := Config{
		Adapter:   NewV1Adapter(1),
		Transport: &fakeTransport{},
		Executor:  ExecutorFunc(func(context.Context, Request) (json.RawMessage, error) { return nil, nil }),
		Accounts:  staticAccounts{},
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"nil adapter", func(c *Config) { c.Adapter = nil }},
		{"nil transport", func(c *Config) { c.Transport = nil }},
		{"nil executor", func(c *Config) { c.Executor = nil }},
		{"nil accounts", func(c *Config) { c.Accounts = nil }},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if _, err := NewManager(cfg); err == nil {
				t.Error("NewManager() error = nil, want error")
			}
		})
	}
	if _, err := NewManager(valid); err != nil {
		t.Errorf("NewManager() with valid config error = %v", err)
	}
}

func TestDenyThenAcceptIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewV1Adapter(44787), nil)

	h.manager.OnProposal(proposal("p1"))
	if err := h.manager.Deny(ctx, "p1"); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}
	if len(h.manager.Proposals()) != 0 {
		t.Fatal("Deny() left the proposal pending")
	}
	if err := h.manager.Accept(ctx, "p1"); err != nil {
		t.Fatalf("Accept() after Deny() error = %v", err)
	}
	if n := len(h.manager.Sessions()); n != 0 {
		t.Errorf("sessions after deny then accept = %d, want 0", n)
	}
	if len(h.transport.approvals) != 0 {
		t.Error("transport approved a denied proposal")
	}
	if len(h.transport.rejections) != 1 || !errors.Is(h.transport.rejections[0], ErrUserRejected) {
		t.Errorf("rejections = %v, want one user rejection", h.transport.rejections)
	}
}

func TestAcceptTwiceCreatesOneSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewV1Adapter(44787), nil)
	h.manager.OnProposal(proposal("p1"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.manager.Accept(ctx, "p1"); err != nil {
				t.Errorf("Accept() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(h.manager.Sessions()); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
	if n := len(h.transport.approvals); n != 1 {
		t.Errorf("approvals sent = %d, want 1", n)
	}
	if got := testutil.ToFloat64(h.metrics.SessionsActive.WithLabelValues("v1")); got != 1 {
		t.Errorf("sessions_active = %v, want 1", got)
	}
}

func TestAcceptBuildsNamespaces(t *testing.T) {
	other := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	h := newHarness(t, NewV1Adapter(44787), func(c *Config) {
		c.Accounts = staticAccounts{testAccount, other}
	})
	h.connect(t, "p1")

	ns := h.transport.approvals[0].namespaces["eip155"]
	want := []string{
		"eip155:44787:0x2d936b3ada6142b4248de1847c14fa2f4c5b63c3",
		"eip155:44787:0x00000000000000000000000000000000000000aa",
	}
	if len(ns.Accounts) != len(want) {
		t.Fatalf("accounts = %v, want %v", ns.Accounts, want)
	}
	for i := range want {
		if ns.Accounts[i] != want[i] {
			t.Errorf("accounts[%d] = %s, want %s", i, ns.Accounts[i], want[i])
		}
	}
	if len(ns.Methods) != 1 || ns.Methods[0] != "personal_sign" || len(ns.Events) != 1 {
		t.Errorf("methods/events not copied: %+v", ns)
	}

	s, err := h.manager.Session("p1")
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if !s.CreatedAt.Equal(time.Unix(1700000000, 0)) || s.Metadata.Name != "dapp" {
		t.Errorf("session = %+v", s)
	}
}

func TestAcceptWithoutAccountsKeepsProposal(t *testing.T) {
	h := newHarness(t, NewV1Adapter(44787), func(c *Config) { c.Accounts = staticAccounts{} })
	h.manager.OnProposal(proposal("p1"))

	err := h.manager.Accept(context.Background(), "p1")
	if !errors.Is(err, account.ErrAccountNotFound) {
		t.Errorf("Accept() error = %v, want ErrAccountNotFound", err)
	}
	if _, err := h.manager.Proposal("p1"); err != nil {
		t.Errorf("proposal consumed by failed Accept(): %v", err)
	}
}

type failingAccounts struct{ calls atomic.Int32 }

func (f *failingAccounts) ListAccounts(context.Context) ([]common.Address, error) {
	f.calls.Add(1)
	return nil, errors.New("keychain unavailable")
}

func TestAcceptUnknownProposalIsNoop(t *testing.T) {
	tests := []struct {
		name     string
		accounts AccountLister
	}{
		{name: "no accounts", accounts: staticAccounts{}},
		{name: "account lookup failing", accounts: &failingAccounts{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, NewV1Adapter(44787), func(c *Config) { c.Accounts = tt.accounts })
			if err := h.manager.Accept(context.Background(), "ghost"); err != nil {
				t.Errorf("Accept() for unknown proposal error = %v, want nil", err)
			}
			if f, ok := tt.accounts.(*failingAccounts); ok && f.calls.Load() != 0 {
				t.Error("accounts listed for a proposal that is not pending")
			}
			if len(h.transport.approvals) != 0 {
				t.Error("transport approved an unknown proposal")
			}
		})
	}
}

func TestAcceptTransportFailureConsumesProposal(t *testing.T) {
	h := newHarness(t, NewV1Adapter(44787), nil)
	h.transport.approveErr = errors.New("relay unreachable")
	h.manager.OnProposal(proposal("p1"))

	if err := h.manager.Accept(context.Background(), "p1"); !errors.Is(err, h.transport.approveErr) {
		t.Errorf("Accept() error = %v, want transport error", err)
	}
	if len(h.manager.Proposals()) != 0 || len(h.manager.Sessions()) != 0 {
		t.Error("failed approval left a proposal or created a session")
	}
	if got := testutil.ToFloat64(h.metrics.SessionProposals.WithLabelValues("v1", "error")); got != 1 {
		t.Errorf("proposal errors = %v, want 1", got)
	}
}

func TestDuplicateProposalIgnored(t *testing.T) {
	h := newHarness(t, NewV1Adapter(44787), nil)
	first := proposal("p1")
	second := proposal("p1")
	second.Metadata.Name = "impostor"

	h.manager.OnProposal(first)
	h.manager.OnProposal(second)

	got := h.manager.Proposals()
	if len(got) != 1 || got[0].Metadata.Name != "dapp" {
		t.Errorf("Proposals() = %+v, want only the first", got)
	}
}

func TestProposalsKeepArrivalOrder(t *testing.T) {
	h := newHarness(t, NewV1Adapter(44787), nil)
	for _, id := range []string{"c", "a", "b"} {
		h.manager.OnProposal(proposal(id))
	}
	got := h.manager.Proposals()
	if got[0].PeerID != "c" || got[1].PeerID != "a" || got[2].PeerID != "b" {
		t.Errorf("Proposals() order = %v", got)
	}
}

func TestRequestWithoutSession(t *testing.T) {
	h := newHarness(t, NewV1Adapter(44787), nil)
	err := h.manager.OnIncomingRequest(context.Background(), request("1", "ghost", "personal_sign"))
	if !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("OnIncomingRequest() error = %v, want ErrNoActiveSession", err)
	}
	if n := len(h.manager.Requests()); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
}

func TestIncomingRequestQueued(t *testing.T) {
	ctx := context.Background()
	screener := plugin.MethodScreener{Known: executor.SupportedMethods}
	h := newHarness(t, NewV1Adapter(44787), func(c *Config) { c.Screeners = []plugin.Screener{screener} })
	h.connect(t, "p1")

	if err := h.manager.OnIncomingRequest(ctx, request("1", "p1", "eth_sign")); err != nil {
		t.Fatalf("OnIncomingRequest() error = %v", err)
	}
	// Redelivery of the same id is ignored.
	if err := h.manager.OnIncomingRequest(ctx, request("1", "p1", "eth_sign")); err != nil {
		t.Fatalf("OnIncomingRequest() duplicate error = %v", err)
	}

	reqs := h.manager.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	got := reqs[0]
	if got.ChainID != "eip155:44787" {
		t.Errorf("ChainID = %q, want the session's only chain", got.ChainID)
	}
	if len(got.Warnings) != 1 {
		t.Errorf("Warnings = %q, want the eth_sign warning", got.Warnings)
	}
	if !got.ReceivedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("ReceivedAt = %v", got.ReceivedAt)
	}
	if _, err := h.manager.Request("1"); err != nil {
		t.Errorf("Request() error = %v", err)
	}
	if got := testutil.ToFloat64(h.metrics.RequestsPending.WithLabelValues("v1")); got != 1 {
		t.Errorf("requests_pending = %v, want 1", got)
	}
}

func TestIncomingRequestUnsupportedMethod(t *testing.T) {
	h := newHarness(t, NewV1Adapter(44787), nil)
	h.connect(t, "p1")

	err := h.manager.OnIncomingRequest(context.Background(), request("1", "p1", "wallet_switchEthereumChain"))
	if !errors.Is(err, executor.ErrUnsupportedMethod) {
		t.Errorf("OnIncomingRequest() error = %v, want ErrUnsupportedMethod", err)
	}
	if len(h.manager.Requests()) != 0 {
		t.Error("unsupported request was queued")
	}
	if resp := h.transport.lastResponse(t); resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Errorf("response = %+v, want method not found", resp)
	}
}

func TestIncomingRequestRateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newTestV2Adapter(t), func(c *Config) {
		c.RateLimit = rate.Every(time.Hour)
		c.Burst = 2
	})
	h.connect(t, "p1")
	h.connect(t, "p2")

	for _, id := range []string{"1", "2"} {
		if err := h.manager.OnIncomingRequest(ctx, request(id, "p1", "personal_sign")); err != nil {
			t.Fatalf("OnIncomingRequest(%s) error = %v", id, err)
		}
	}
	if err := h.manager.OnIncomingRequest(ctx, request("3", "p1", "personal_sign")); !errors.Is(err, ErrRequestRateLimited) {
		t.Errorf("third request error = %v, want ErrRequestRateLimited", err)
	}
	if resp := h.transport.lastResponse(t); !errors.Is(resp.Error, ErrRequestRateLimited) {
		t.Errorf("response = %+v, want rate limit error", resp)
	}
	// Limits are per peer.
	if err := h.manager.OnIncomingRequest(ctx, request("4", "p2", "personal_sign")); err != nil {
		t.Errorf("other peer's request error = %v", err)
	}
	if n := len(h.manager.Requests()); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestAcceptRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewV1Adapter(44787), nil)
	h.connect(t, "p1")
	h.manager.OnIncomingRequest(ctx, request("7", "p1", "personal_sign"))

	if err := h.manager.AcceptRequest(ctx, "7"); err != nil {
		t.Fatalf("AcceptRequest() error = %v", err)
	}
	resp := h.transport.lastResponse(t)
	if resp.ID != "7" || string(resp.Result) != `"0xsigned"` || resp.Error != nil {
		t.Errorf("response = %+v", resp)
	}
	if _, err := h.manager.Request("7"); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("Request() after accept error = %v, want ErrRequestNotFound", err)
	}
	// A second tap finds nothing.
	if err := h.manager.AcceptRequest(ctx, "7"); err != nil {
		t.Errorf("second AcceptRequest() error = %v", err)
	}
	if n := h.executed.Load(); n != 1 {
		t.Errorf("executions = %d, want 1", n)
	}
}

func TestAcceptRequestConcurrentExecutesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewV1Adapter(44787), nil)
	h.connect(t, "p1")
	h.manager.OnIncomingRequest(ctx, request("7", "p1", "personal_sign"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				h.manager.AcceptRequest(ctx, "7")
			} else {
				h.manager.DenyRequest(ctx, "7")
			}
		}(i)
	}
	wg.Wait()

	if n := len(h.transport.responses); n != 1 {
		t.Errorf("responses = %d, want exactly 1", n)
	}
	if n := h.executed.Load(); n > 1 {
		t.Errorf("executions = %d, want at most 1", n)
	}
}

func TestAcceptRequestAuthenticationNeeded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newTestV2Adapter(t), nil)
	h.execErr = account.ErrAuthenticationNeeded
	h.connect(t, "p1")
	h.manager.OnIncomingRequest(ctx, request("7", "p1", "personal_sign"))

	err := h.manager.AcceptRequest(ctx, "7")
	if !errors.Is(err, account.ErrAuthenticationNeeded) {
		t.Errorf("AcceptRequest() error = %v, want ErrAuthenticationNeeded", err)
	}
	resp := h.transport.lastResponse(t)
	if resp.Error == nil || resp.Error.Code != codeUserRejected {
		t.Errorf("response = %+v, want user rejected code", resp)
	}
	if len(h.manager.Requests()) != 0 {
		t.Error("failed request stayed queued")
	}
}

func TestAcceptRequestExecutionFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewV1Adapter(44787), nil)
	h.execErr = errors.New("nonce too low")
	h.transport.respondErr = errors.New("bridge closed")
	h.connect(t, "p1")
	h.manager.OnIncomingRequest(ctx, request("7", "p1", "eth_sendTransaction"))

	err := h.manager.AcceptRequest(ctx, "7")
	if !errors.Is(err, h.execErr) || !errors.Is(err, h.transport.respondErr) {
		t.Errorf("AcceptRequest() error = %v, want both failures", err)
	}
	resp := h.transport.lastResponse(t)
	if resp.Error == nil || resp.Error.Code != codeServerError {
		t.Fatalf("response = %+v, want server error", resp)
	}
	if strings.Contains(resp.Error.Message, "nonce") {
		t.Errorf("response message %q carries the local error", resp.Error.Message)
	}
}

func TestDenyRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewV1Adapter(44787), nil)
	h.connect(t, "p1")
	h.manager.OnIncomingRequest(ctx, request("7", "p1", "personal_sign"))

	if err := h.manager.DenyRequest(ctx, "7"); err != nil {
		t.Fatalf("DenyRequest() error = %v", err)
	}
	if resp := h.transport.lastResponse(t); !errors.Is(resp.Error, ErrUserRejected) {
		t.Errorf("response = %+v, want user rejection", resp)
	}
	if h.executed.Load() != 0 {
		t.Error("denied request was executed")
	}
	if err := h.manager.DenyRequest(ctx, "7"); err != nil {
		t.Errorf("second DenyRequest() error = %v", err)
	}
	if n := len(h.transport.responses); n != 1 {
		t.Errorf("responses = %d, want 1", n)
	}
}

func TestCloseAndPeerDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewV1Adapter(44787), nil)
	h.connect(t, "p1")
	h.connect(t, "p2")
	h.manager.OnIncomingRequest(ctx, request("1", "p1", "personal_sign"))
	h.manager.OnIncomingRequest(ctx, request("2", "p2", "personal_sign"))

	if err := h.manager.Close(ctx, "p1"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.manager.Close(ctx, "p1"); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if len(h.transport.disconnects) != 1 {
		t.Errorf("disconnects = %v, want one", h.transport.disconnects)
	}
	if reqs := h.manager.Requests(); len(reqs) != 1 || reqs[0].PeerID != "p2" {
		t.Errorf("Requests() = %+v, want only p2's request", reqs)
	}

	h.manager.OnPeerDeletedSession("p2")
	h.manager.OnPeerDeletedSession("p2")
	if len(h.manager.Sessions()) != 0 || len(h.manager.Requests()) != 0 {
		t.Error("peer deletion left state behind")
	}
	if len(h.transport.disconnects) != 1 {
		t.Error("peer deletion called the transport")
	}
	if err := h.manager.OnIncomingRequest(ctx, request("3", "p2", "personal_sign")); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("request after deletion error = %v, want ErrNoActiveSession", err)
	}
}

func TestCloseTransportFailureStillRemoves(t *testing.T) {
	h := newHarness(t, NewV1Adapter(44787), nil)
	h.transport.disconnectEr = errors.New("bridge closed")
	h.connect(t, "p1")

	if err := h.manager.Close(context.Background(), "p1"); !errors.Is(err, h.transport.disconnectEr) {
		t.Errorf("Close() error = %v, want transport error", err)
	}
	if _, err := h.manager.Session("p1"); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Session() error = %v, want ErrNoActiveSession", err)
	}
}

func TestLookupsNotFound(t *testing.T) {
	h := newHarness(t, NewV1Adapter(44787), nil)
	if _, err := h.manager.Proposal("x"); !errors.Is(err, ErrProposalNotFound) {
		t.Errorf("Proposal() error = %v", err)
	}
	if _, err := h.manager.Request("x"); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("Request() error = %v", err)
	}
	if _, err := h.manager.Session("x"); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Session() error = %v", err)
	}
}

func TestHandleEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewV1Adapter(44787), nil)

	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"proposal", Event{Kind: EventProposal, Proposal: &Proposal{PeerID: "p1"}}, false},
		{"nil proposal", Event{Kind: EventProposal}, true},
		{"request without session", Event{Kind: EventRequest, Request: &Request{ID: "1", PeerID: "p9", Method: "personal_sign"}}, true},
		{"nil request", Event{Kind: EventRequest}, true},
		{"delete unknown", Event{Kind: EventSessionDeleted, PeerID: "p9"}, false},
		{"unknown kind", Event{Kind: EventKind(99)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.manager.HandleEvent(ctx, tt.ev)
			if (err != nil) != tt.wantErr {
				t.Errorf("HandleEvent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if _, err := h.manager.Proposal("p1"); err != nil {
		t.Errorf("proposal event not recorded: %v", err)
	}
}
