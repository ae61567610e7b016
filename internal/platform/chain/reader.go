// Package chain reads constant-product pair reserves over JSON-RPC. Reader
// implements domain.PoolSource for the polling adapter.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// Caller is the subset of ethclient.Client the reader needs.
type Caller interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial: %w", err)
	}
	return client, nil
}

type pairMeta struct {
	token0, token1       common.Address
	decimals0, decimals1 uint8
}

// Reader polls getReserves for a fixed set of pairs. The block number the
// reads were pinned to becomes the update sequence.
type Reader struct {
	caller Caller
	pairs  []common.Address
	logger *slog.Logger

	mu   sync.RWMutex
	meta map[common.Address]pairMeta
}

// NewReader creates a reader for pairs.
func NewReader(caller Caller, pairs []string, logger *slog.Logger) (*Reader, error) {
	addrs := make([]common.Address, 0, len(pairs))
	for _, p := range pairs {
		if !common.IsHexAddress(p) {
			return nil, fmt.Errorf("chain: %w", domain.Invalid("rpc_pairs", "not an address: "+p))
		}
		addrs = append(addrs, common.HexToAddress(p))
	}
	if _, err := PairABI(); err != nil {
		return nil, fmt.Errorf("chain: parse pair abi: %w", err)
	}
	return &Reader{
		caller: caller,
		pairs:  addrs,
		logger: logger.With(slog.String("component", "chain_reader")),
		meta:   make(map[common.Address]pairMeta),
	}, nil
}

// Name implements domain.PoolSource.
func (r *Reader) Name() string { return "chain" }

// FetchPools implements domain.PoolSource. Pairs that fail are logged and
// skipped; the call fails only when every pair does.
func (r *Reader) FetchPools(ctx context.Context) ([]domain.PoolUpdate, error) {
	block, err := r.caller.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: block number: %w", err)
	}
	at := new(big.Int).SetUint64(block)
	now := time.Now()

	out := make([]domain.PoolUpdate, 0, len(r.pairs))
	var errs []error
	for _, pair := range r.pairs {
		u, err := r.read(ctx, pair, at)
		if err != nil {
			r.logger.Warn("pair read failed",
				slog.String("pair", pair.Hex()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		u.Sequence = block
		u.ReceivedAt = now
		out = append(out, u)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("chain: all pairs failed: %w", errors.Join(errs...))
	}
	return out, nil
}

func (r *Reader) read(ctx context.Context, pair common.Address, block *big.Int) (domain.PoolUpdate, error) {
	meta, err := r.pairMeta(ctx, pair)
	if err != nil {
		return domain.PoolUpdate{}, err
	}
	parsed, _ := PairABI()
	values, err := call(ctx, r.caller, pair, parsed, "getReserves", block)
	if err != nil {
		return domain.PoolUpdate{}, err
	}
	if len(values) < 3 {
		return domain.PoolUpdate{}, fmt.Errorf("getReserves: %d values", len(values))
	}
	r0, ok0 := values[0].(*big.Int)
	r1, ok1 := values[1].(*big.Int)
	ts, okT := values[2].(uint32)
	if !ok0 || !ok1 || !okT {
		return domain.PoolUpdate{}, fmt.Errorf("getReserves: unexpected types %T %T %T", values[0], values[1], values[2])
	}
	u := domain.PoolUpdate{
		Address:  pair.Hex(),
		TokenA:   meta.token0.Hex(),
		TokenB:   meta.token1.Hex(),
		ReserveA: scale(r0, meta.decimals0),
		ReserveB: scale(r1, meta.decimals1),
		Source:   r.Name(),
	}
	if ts > 0 {
		u.SourceTime = time.Unix(int64(ts), 0).UTC()
	}
	return u, nil
}

// pairMeta loads and caches the immutable token addresses and decimals.
func (r *Reader) pairMeta(ctx context.Context, pair common.Address) (pairMeta, error) {
	r.mu.RLock()
	m, ok := r.meta[pair]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	parsed, _ := PairABI()
	var err error
	if m.token0, err = callAddress(ctx, r.caller, pair, parsed, "token0"); err != nil {
		return m, err
	}
	if m.token1, err = callAddress(ctx, r.caller, pair, parsed, "token1"); err != nil {
		return m, err
	}
	m.decimals0 = r.decimals(ctx, m.token0)
	m.decimals1 = r.decimals(ctx, m.token1)

	r.mu.Lock()
	r.meta[pair] = m
	r.mu.Unlock()
	return m, nil
}

// decimals falls back to 18 for tokens without a decimals view.
func (r *Reader) decimals(ctx context.Context, token common.Address) uint8 {
	parsed, _ := PairABI()
	values, err := call(ctx, r.caller, token, parsed, "decimals", nil)
	if err == nil && len(values) > 0 {
		if d, ok := values[0].(uint8); ok {
			return d
		}
	}
	r.logger.Debug("decimals unavailable, assuming 18", slog.String("token", token.Hex()))
	return 18
}

func call(ctx context.Context, c Caller, to common.Address, parsed abi.ABI, method string, block *big.Int) ([]interface{}, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	resp, err := c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func callAddress(ctx context.Context, c Caller, to common.Address, parsed abi.ABI, method string) (common.Address, error) {
	values, err := call(ctx, c, to, parsed, method, nil)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected type %T", method, values[0])
	}
	return addr, nil
}

// scale converts a raw integer amount to token units.
func scale(v *big.Int, decimals uint8) float64 {
	f := new(big.Float).SetInt(v)
	if decimals > 0 {
		f.Quo(f, new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))
	}
	out, _ := f.Float64()
	return out
}
