package domain

import "context"

// Account is the wallet capability that signs and broadcasts on behalf of the payer.
type Account interface {
	Address() string
	// SendTransaction broadcasts tx and returns its hash without waiting for inclusion.
	SendTransaction(ctx context.Context, tx Transaction) (string, error)
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
	// SignTypedData signs a JSON encoded EIP-712 payload.
	SignTypedData(ctx context.Context, typedData []byte) ([]byte, error)
}

// BatchAccount is implemented by accounts that can send several transactions as one
// atomic unit.
type BatchAccount interface {
	Account
	SendBatchTransaction(ctx context.Context, txs []Transaction) (string, error)
}

// AsBatch returns the account as a BatchAccount if it supports atomic batching.
func AsBatch(a Account) (BatchAccount, bool) {
	b, ok := a.(BatchAccount)
	return b, ok
}
