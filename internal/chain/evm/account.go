package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"crosspay/internal/payment/domain"
)

// KeyAccount is an account backed by a private key held by the service.
type KeyAccount struct {
	key     *ecdsa.PrivateKey
	address common.Address
	clients *Clients

	// nonces are assigned one transaction at a time
	mu sync.Mutex
}

var _ domain.Account = (*KeyAccount)(nil)

// NewKeyAccount creates an account from a hex encoded private key.
func NewKeyAccount(hexKey string, clients *Clients) (*KeyAccount, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &KeyAccount{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		clients: clients,
	}, nil
}

// Address returns the checksummed address
func (a *KeyAccount) Address() string {
	return a.address.Hex()
}

// SendTransaction signs tx and broadcasts it. It does not wait for inclusion.
func (a *KeyAccount) SendTransaction(ctx context.Context, tx domain.Transaction) (string, error) {
	backend, err := a.clients.For(tx.ChainID)
	if err != nil {
		return "", err
	}

	to := common.HexToAddress(tx.To)
	var data []byte
	if tx.Data != "" {
		data, err = hexutil.Decode(tx.Data)
		if err != nil {
			return "", fmt.Errorf("decoding calldata: %w", err)
		}
	}
	value := tx.Value.Big()

	a.mu.Lock()
	defer a.mu.Unlock()

	nonce, err := backend.PendingNonceAt(ctx, a.address)
	if err != nil {
		return "", fmt.Errorf("getting nonce: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggesting gas price: %w", err)
	}
	gas, err := backend.EstimateGas(ctx, ethereum.CallMsg{From: a.address, To: &to, Value: value, Data: data})
	if err != nil {
		return "", nodeError("estimating gas", err, domain.ErrSimulationFailed)
	}

	signed, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	}), types.LatestSignerForChainID(big.NewInt(tx.ChainID)), a.key)
	if err != nil {
		return "", fmt.Errorf("signing transaction: %w", err)
	}

	if err := backend.SendTransaction(ctx, signed); err != nil {
		return "", nodeError("sending transaction", err, domain.ErrNetwork)
	}
	return signed.Hash().Hex(), nil
}

// SignMessage signs an EIP-191 personal message.
func (a *KeyAccount) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	return a.sign(accounts.TextHash(message))
}

// SignTypedData signs a JSON encoded EIP-712 payload.
func (a *KeyAccount) SignTypedData(_ context.Context, typedData []byte) ([]byte, error) {
	var td apitypes.TypedData
	if err := json.Unmarshal(typedData, &td); err != nil {
		return nil, fmt.Errorf("decoding typed data: %w", err)
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hashing typed data: %w", err)
	}
	return a.sign(hash)
}

func (a *KeyAccount) sign(hash []byte) ([]byte, error) {
	sig, err := crypto.Sign(hash, a.key)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// nodeError maps a node error onto the payment error taxonomy.
func nodeError(op string, err error, fallback error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%s: %w: %v", op, domain.ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%s: %w: %v", op, domain.ErrSimulationFailed, err)
	}
	return fmt.Errorf("%s: %w: %v", op, fallback, err)
}
