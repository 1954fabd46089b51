package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"crosspay/internal/common/amount"
	"crosspay/internal/payment/domain"
)

// Confirmer waits for transaction receipts.
type Confirmer struct {
	clients  *Clients
	interval time.Duration
	logger   *slog.Logger
}

// NewConfirmer creates a confirmer polling every interval.
func NewConfirmer(clients *Clients, interval time.Duration, logger *slog.Logger) *Confirmer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Confirmer{clients: clients, interval: interval, logger: logger}
}

// WaitForReceipt blocks until hash is mined or ctx is done.
func (c *Confirmer) WaitForReceipt(ctx context.Context, chainID int64, hash string) error {
	backend, err := c.clients.For(chainID)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, common.HexToHash(hash))
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return fmt.Errorf("%w: %s in block %s", domain.ErrTransactionReverted, hash, receipt.BlockNumber)
			}
			c.logger.Debug("transaction confirmed",
				"chain_id", chainID,
				"hash", hash,
				"block", receipt.BlockNumber,
			)
			return nil
		case errors.Is(err, ethereum.NotFound):
		default:
			c.logger.Debug("receipt lookup failed", "chain_id", chainID, "hash", hash, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

const erc20BalanceABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var (
	erc20Once sync.Once
	erc20ABI  abi.ABI
	erc20Err  error
)

func balanceOfABI() (abi.ABI, error) {
	erc20Once.Do(func() {
		erc20ABI, erc20Err = abi.JSON(strings.NewReader(erc20BalanceABI))
	})
	return erc20ABI, erc20Err
}

// Balances reads native and ERC-20 balances.
type Balances struct {
	clients *Clients
}

// NewBalances creates a balance reader.
func NewBalances(clients *Clients) *Balances {
	return &Balances{clients: clients}
}

// Balance returns owner's balance of token in smallest units.
func (b *Balances) Balance(ctx context.Context, token domain.Token, owner string) (amount.Amount, error) {
	backend, err := b.clients.For(token.ChainID)
	if err != nil {
		return amount.Amount{}, err
	}
	addr := common.HexToAddress(owner)

	if token.IsNative() {
		v, err := backend.BalanceAt(ctx, addr, nil)
		if err != nil {
			return amount.Amount{}, fmt.Errorf("native balance: %w", err)
		}
		return amount.FromBig(v), nil
	}

	parsed, err := balanceOfABI()
	if err != nil {
		return amount.Amount{}, err
	}
	data, err := parsed.Pack("balanceOf", addr)
	if err != nil {
		return amount.Amount{}, fmt.Errorf("packing balanceOf: %w", err)
	}
	contract := common.HexToAddress(token.Address)
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return amount.Amount{}, fmt.Errorf("calling balanceOf: %w", err)
	}
	vals, err := parsed.Unpack("balanceOf", out)
	if err != nil {
		return amount.Amount{}, fmt.Errorf("unpacking balanceOf: %w", err)
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return amount.Amount{}, fmt.Errorf("unexpected balanceOf result %T", vals[0])
	}
	return amount.FromBig(v), nil
}
