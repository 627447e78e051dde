// Package chain connects accounts to EVM chains: RPC backends, cached gas prices and
// per-chain wallet handles that execute session requests.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/joncooperworks/custody/cache"
)

// DefaultGasStaleAfter is how long a gas price is reused before it is fetched again.
const DefaultGasStaleAfter = 30 * time.Second

// ErrFeeCurrencyUnsupported is returned when a fee currency price is requested from a
// backend that cannot make raw RPC calls.
var ErrFeeCurrencyUnsupported = errors.New("backend does not support fee currencies")

// GasPricer suggests the native currency gas price.
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// RPCCaller makes raw JSON-RPC calls. Backends that implement it can price gas in a
// fee currency.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// GasPriceCache memoizes gas prices per fee currency.
type GasPriceCache struct {
	backend    GasPricer
	staleAfter time.Duration
	prices     *cache.Cache[common.Address, *big.Int]
}

// NewGasPriceCache creates a cache over backend. A non-positive staleAfter selects
// DefaultGasStaleAfter.
func NewGasPriceCache(backend GasPricer, staleAfter time.Duration, opts ...cache.Option) (*GasPriceCache, error) {
	if backend == nil {
		return nil, errors.New("backend cannot be nil")
	}
	if staleAfter <= 0 {
		staleAfter = DefaultGasStaleAfter
	}
	return &GasPriceCache{
		backend:    backend,
		staleAfter: staleAfter,
		prices:     cache.New[common.Address, *big.Int]("gas_price", opts...),
	}, nil
}

// GasPrice returns the gas price in feeCurrency. The zero address is the native currency.
// The returned value is a copy the caller may modify.
func (g *GasPriceCache) GasPrice(ctx context.Context, feeCurrency common.Address) (*big.Int, error) {
	price, err := g.prices.GetOrFetch(ctx, feeCurrency, func(ctx context.Context) (*big.Int, error) {
		return g.fetch(ctx, feeCurrency)
	}, g.staleAfter)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(price), nil
}

// Invalidate drops the cached price for feeCurrency.
func (g *GasPriceCache) Invalidate(feeCurrency common.Address) {
	g.prices.Invalidate(feeCurrency)
}

func (g *GasPriceCache) fetch(ctx context.Context, feeCurrency common.Address) (*big.Int, error) {
	if feeCurrency == (common.Address{}) {
		price, err := g.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		if price == nil {
			return nil, errors.New("backend returned no gas price")
		}
		return price, nil
	}

	caller, ok := g.backend.(RPCCaller)
	if !ok {
		return nil, ErrFeeCurrencyUnsupported
	}
	var price hexutil.Big
	if err := caller.CallContext(ctx, &price, "eth_gasPrice", feeCurrency); err != nil {
		return nil, fmt.Errorf("eth_gasPrice for %s: %w", feeCurrency.Hex(), err)
	}
	return price.ToInt(), nil
}
