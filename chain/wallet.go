package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/joncooperworks/custody/account"
	"github.com/joncooperworks/custody/cache"
	"github.com/joncooperworks/custody/executor"
	"github.com/joncooperworks/custody/metrics"
	"github.com/joncooperworks/custody/session"
)

var (
	// ErrUnknownChain is returned for chain names or ids that are not configured.
	ErrUnknownChain = errors.New("unknown chain")
	// ErrChainIDMismatch is returned when an RPC endpoint reports a different chain id
	// than configured.
	ErrChainIDMismatch = errors.New("chain id mismatch")
)

// Backend is a connection to a chain's RPC endpoint.
type Backend interface {
	executor.Backend
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// Dialer opens a Backend for an RPC URL.
type Dialer func(ctx context.Context, url string) (Backend, error)

// Accounts is the account registry wallets sign with. *account.Registry implements it.
type Accounts interface {
	ListAccounts(ctx context.Context) ([]common.Address, error)
	EnsureUnlocked(ctx context.Context, addr common.Address) (*account.SigningAccount, error)
}

// Config describes one chain.
type Config struct {
	Name    string `yaml:"name"`
	ChainID int64  `yaml:"chain_id"`
	RPCURL  string `yaml:"rpc_url"`
}

// CAIP2 returns the chain's "eip155:<id>" identifier.
func (c Config) CAIP2() string {
	return "eip155:" + strconv.FormatInt(c.ChainID, 10)
}

type ethBackend struct {
	*ethclient.Client
	rpc *rpc.Client
}

func (b *ethBackend) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return b.rpc.CallContext(ctx, result, method, args...)
}

// DialRPC connects to an HTTP or WebSocket endpoint with go-ethereum's client.
// The backend supports fee currency gas prices.
func DialRPC(ctx context.Context, url string) (Backend, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &ethBackend{Client: ethclient.NewClient(rc), rpc: rc}, nil
}

// Wallet executes requests for one chain.
type Wallet struct {
	name     string
	chainID  *big.Int
	backend  Backend
	gas      *GasPriceCache
	accounts Accounts
	logger   *slog.Logger
}

// Name returns the configured chain name.
func (w *Wallet) Name() string { return w.name }

// ChainID returns a copy of the chain id.
func (w *Wallet) ChainID() *big.Int { return new(big.Int).Set(w.chainID) }

// GasPrice returns the cached gas price in feeCurrency.
func (w *Wallet) GasPrice(ctx context.Context, feeCurrency common.Address) (*big.Int, error) {
	return w.gas.GasPrice(ctx, feeCurrency)
}

// Execute runs a session request with the account it names, or the first account when
// it names none. A locked account is unlocked through the registry, which may prompt.
func (w *Wallet) Execute(ctx context.Context, req session.Request) (json.RawMessage, error) {
	addr, ok := executor.RequestAddress(req.Method, req.Params)
	if !ok {
		addrs, err := w.accounts.ListAccounts(ctx)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, account.ErrAccountNotFound
		}
		addr = addrs[0]
	}

	acct, err := w.accounts.EnsureUnlocked(ctx, addr)
	if err != nil {
		return nil, err
	}
	res, err := executor.Execute(ctx, &executor.ExecuteRequest{
		Method:  req.Method,
		Params:  req.Params,
		Account: acct,
		ChainID: w.chainID,
		Backend: w.backend,
		GasPrice: func(ctx context.Context) (*big.Int, error) {
			return w.gas.GasPrice(ctx, common.Address{})
		},
	})
	if err != nil {
		return nil, err
	}
	if res.Transaction != nil {
		w.logger.Info("transaction signed", "chain", w.name, "method", req.Method, "hash", res.Transaction.Hash().Hex())
	}
	return res.Result, nil
}

// Option configures Wallets.
type Option func(*Wallets)

// WithDialer replaces DialRPC.
func WithDialer(d Dialer) Option {
	return func(w *Wallets) { w.dial = d }
}

// WithGasStaleAfter sets how long gas prices are reused.
func WithGasStaleAfter(d time.Duration) Option {
	return func(w *Wallets) { w.gasStaleAfter = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Wallets) { w.logger = logger }
}

// WithMetrics records gas price cache lookups.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Wallets) { w.metrics = m }
}

// WithClock sets the time source for gas price staleness.
func WithClock(now func() time.Time) Option {
	return func(w *Wallets) { w.now = now }
}

// Wallets holds one Wallet per configured chain, connected on first use.
// The first chain is the default for requests that do not name one.
type Wallets struct {
	accounts      Accounts
	chains        []Config
	dial          Dialer
	gasStaleAfter time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time

	handles *cache.Group[string, *Wallet]
}

// NewWallets validates chains and returns an unconnected set of wallets.
func NewWallets(accounts Accounts, chains []Config, opts ...Option) (*Wallets, error) {
	if accounts == nil {
		return nil, errors.New("accounts cannot be nil")
	}
	if len(chains) == 0 {
		return nil, errors.New("at least one chain must be configured")
	}
	seen := make(map[string]bool, len(chains))
	for i, c := range chains {
		switch {
		case c.Name == "":
			return nil, fmt.Errorf("chain %d: name cannot be empty", i)
		case seen[c.Name]:
			return nil, fmt.Errorf("chain %q configured twice", c.Name)
		case c.ChainID <= 0:
			return nil, fmt.Errorf("chain %q: invalid chain id %d", c.Name, c.ChainID)
		case c.RPCURL == "":
			return nil, fmt.Errorf("chain %q: rpc url cannot be empty", c.Name)
		}
		seen[c.Name] = true
	}

	w := &Wallets{
		accounts: accounts,
		chains:   append([]Config(nil), chains...),
		dial:     DialRPC,
		now:      time.Now,
		handles:  cache.NewGroup[string, *Wallet](),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.New(slog.DiscardHandler)
	}
	return w, nil
}

// Chains returns the configured chains.
func (w *Wallets) Chains() []Config {
	return append([]Config(nil), w.chains...)
}

func (w *Wallets) config(name string) (Config, bool) {
	for _, c := range w.chains {
		if c.Name == name {
			return c, true
		}
	}
	return Config{}, false
}

// Get returns the wallet for the named chain, connecting it on first use.
// Concurrent first calls share one connection attempt; a failed attempt is retried by
// the next call.
func (w *Wallets) Get(ctx context.Context, name string) (*Wallet, error) {
	cfg, ok := w.config(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, name)
	}
	return w.handles.Get(ctx, name, func(ctx context.Context) (*Wallet, error) {
		return w.connect(ctx, cfg)
	})
}

func (w *Wallets) connect(ctx context.Context, cfg Config) (*Wallet, error) {
	backend, err := w.dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain %s: %w", cfg.Name, err)
	}
	id, err := backend.ChainID(ctx)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to read chain id of %s: %w", cfg.Name, err)
	}
	want := big.NewInt(cfg.ChainID)
	if id.Cmp(want) != 0 {
		backend.Close()
		return nil, fmt.Errorf("%w: %s reports %s, configured %s", ErrChainIDMismatch, cfg.Name, id, want)
	}

	gas, err := NewGasPriceCache(backend, w.gasStaleAfter, cache.WithClock(w.now), cache.WithMetrics(w.metrics))
	if err != nil {
		backend.Close()
		return nil, err
	}
	w.logger.Info("connected to chain", "chain", cfg.Name, "chain_id", cfg.ChainID)
	return &Wallet{
		name:     cfg.Name,
		chainID:  want,
		backend:  backend,
		gas:      gas,
		accounts: w.accounts,
		logger:   w.logger,
	}, nil
}

// ForChain returns the wallet for a CAIP-2 chain id such as "eip155:44787".
// An empty id selects the default chain.
func (w *Wallets) ForChain(ctx context.Context, caip2 string) (*Wallet, error) {
	if caip2 == "" {
		return w.Get(ctx, w.chains[0].Name)
	}
	for _, c := range w.chains {
		if strings.EqualFold(c.CAIP2(), caip2) {
			return w.Get(ctx, c.Name)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownChain, caip2)
}

// Execute routes a session request to the wallet of its chain.
func (w *Wallets) Execute(ctx context.Context, req session.Request) (json.RawMessage, error) {
	wallet, err := w.ForChain(ctx, req.ChainID)
	if err != nil {
		return nil, err
	}
	return wallet.Execute(ctx, req)
}

// Close disconnects every connected chain, including connections still being set up;
// Get calls waiting on those fail with cache.ErrReset. Wallets reconnect on the next Get.
func (w *Wallets) Close() {
	w.handles.Reset(func(wallet *Wallet) {
		wallet.backend.Close()
		w.logger.Debug("disconnected from chain", "chain", wallet.name)
	})
}
