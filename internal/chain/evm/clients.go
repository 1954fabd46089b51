// Package evm connects the payment engine to EVM chains: a key-held account that signs
// and broadcasts, a receipt confirmer and a balance reader.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Config holds EVM configuration.
type Config struct {
	// RPCURLs are chainID=url pairs, e.g. 1=https://eth.example.com
	RPCURLs             []string      `envconfig:"EVM_RPC_URLS"`
	PrivateKeys         []string      `envconfig:"EVM_PRIVATE_KEYS"`
	ReceiptPollInterval time.Duration `envconfig:"EVM_RECEIPT_POLL_INTERVAL" default:"2s"`
	DialTimeout         time.Duration `envconfig:"EVM_DIAL_TIMEOUT" default:"10s"`
}

// ErrUnknownChain is returned for a chain without a configured RPC endpoint.
var ErrUnknownChain = errors.New("evm: no rpc endpoint for chain")

// Backend is the subset of ethclient.Client the package uses.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Clients holds one backend per chain.
type Clients struct {
	backends map[int64]Backend
	closers  []func()
}

// NewClients wraps existing backends.
func NewClients(backends map[int64]Backend) *Clients {
	return &Clients{backends: backends}
}

// Dial connects to every configured RPC endpoint.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Clients, error) {
	endpoints, err := ParseRPCURLs(cfg.RPCURLs)
	if err != nil {
		return nil, err
	}

	c := &Clients{backends: make(map[int64]Backend, len(endpoints))}
	for chainID, url := range endpoints {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		client, err := ethclient.DialContext(dialCtx, url)
		cancel()
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("dialing chain %d: %w", chainID, err)
		}
		c.backends[chainID] = client
		c.closers = append(c.closers, client.Close)
		logger.Info("evm rpc connected", "chain_id", chainID)
	}
	return c, nil
}

// ParseRPCURLs parses chainID=url pairs.
func ParseRPCURLs(pairs []string) (map[int64]string, error) {
	out := make(map[int64]string, len(pairs))
	for _, p := range pairs {
		id, url, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || url == "" {
			return nil, fmt.Errorf("invalid rpc url %q: want chainID=url", p)
		}
		chainID, err := strconv.ParseInt(id, 10, 64)
		if err != nil || chainID <= 0 {
			return nil, fmt.Errorf("invalid chain id in %q", p)
		}
		out[chainID] = url
	}
	return out, nil
}

// For returns the backend of a chain.
func (c *Clients) For(chainID int64) (Backend, error) {
	b, ok := c.backends[chainID]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownChain, chainID)
	}
	return b, nil
}

// Close closes dialed connections.
func (c *Clients) Close() {
	for _, fn := range c.closers {
		fn()
	}
}
