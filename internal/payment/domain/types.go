// Package domain contains the data model of the payment orchestration core.
package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"crosspay/internal/common/amount"
)

// NativeTokenAddress is the sentinel address used for a chain's native currency.
const NativeTokenAddress = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// Mode tags what the payment is for.
type Mode string

const (
	ModeFundWallet    Mode = "fund_wallet"
	ModeDirectPayment Mode = "direct_payment"
	ModeTransaction   Mode = "transaction"
)

// Valid returns true for a known mode
func (m Mode) Valid() bool {
	switch m {
	case ModeFundWallet, ModeDirectPayment, ModeTransaction:
		return true
	}
	return false
}

// Token describes a token on a specific chain.
type Token struct {
	ChainID  int64           `json:"chain_id" validate:"required,gt=0"`
	Address  string          `json:"address" validate:"required,eth_addr"`
	Symbol   string          `json:"symbol"`
	Decimals uint8           `json:"decimals"`
	PriceUSD decimal.Decimal `json:"price_usd"`
}

// IsNative returns true if the token is the chain's native currency
func (t Token) IsNative() bool {
	return strings.EqualFold(t.Address, NativeTokenAddress)
}

// SameAs reports whether both tokens are the same asset on the same chain.
func (t Token) SameAs(other Token) bool {
	return t.ChainID == other.ChainID && strings.EqualFold(t.Address, other.Address)
}

// Requirements are the resolved destination of a payment.
type Requirements struct {
	DestinationChainID      int64  `json:"destination_chain_id" validate:"required,gt=0"`
	DestinationTokenAddress string `json:"destination_token_address" validate:"required,eth_addr"`
	DestinationAmount       string `json:"destination_amount" validate:"required,numeric"`
	ReceiverAddress         string `json:"receiver_address" validate:"required,eth_addr"`
}

// PaymentIntent is the immutable description of what is being paid for.
type PaymentIntent struct {
	Mode         Mode              `json:"mode" validate:"required,oneof=fund_wallet direct_payment transaction"`
	Requirements Requirements      `json:"requirements"`
	PurchaseData map[string]string `json:"purchase_data,omitempty"`
}

// NewPaymentIntent creates a payment intent.
func NewPaymentIntent(mode Mode, req Requirements, purchaseData map[string]string) (PaymentIntent, error) {
	if !mode.Valid() {
		return PaymentIntent{}, fmt.Errorf("unknown mode %q", mode)
	}
	if err := validate.Struct(req); err != nil {
		return PaymentIntent{}, fmt.Errorf("invalid requirements: %w", err)
	}
	if _, err := decimal.NewFromString(req.DestinationAmount); err != nil {
		return PaymentIntent{}, fmt.Errorf("invalid destination amount: %w", err)
	}

	data := make(map[string]string, len(purchaseData))
	for k, v := range purchaseData {
		data[k] = v
	}

	return PaymentIntent{
		Mode:         mode,
		Requirements: req,
		PurchaseData: data,
	}, nil
}

// ValidateRequirements validates resolved requirements.
func ValidateRequirements(req Requirements) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	d, err := decimal.NewFromString(req.DestinationAmount)
	if err != nil {
		return fmt.Errorf("invalid destination amount: %w", err)
	}
	if !d.IsPositive() {
		return errors.New("destination amount must be positive")
	}
	return nil
}

// ERC20Value describes an ERC-20 amount a prepared transaction needs.
type ERC20Value struct {
	TokenAddress string        `json:"token_address" validate:"required,eth_addr"`
	Amount       amount.Amount `json:"amount"`
}

// PreparedTransaction is a transaction the caller wants the payer to be able to send.
// In transaction mode the requirements are derived from it.
type PreparedTransaction struct {
	ChainID    int64         `json:"chain_id" validate:"required,gt=0"`
	To         string        `json:"to" validate:"required,eth_addr"`
	Data       string        `json:"data,omitempty"`
	Value      amount.Amount `json:"value"`
	ERC20Value *ERC20Value   `json:"erc20_value,omitempty"`
}

// RequirementsFromTransaction derives the requirements for funding the sender so it can
// send tx. decimals is the decimals of the token the transaction spends.
func RequirementsFromTransaction(tx PreparedTransaction, sender string, decimals uint8) (Requirements, error) {
	if err := validate.Struct(tx); err != nil {
		return Requirements{}, fmt.Errorf("invalid transaction: %w", err)
	}

	token := NativeTokenAddress
	value := tx.Value
	if tx.ERC20Value != nil {
		token = tx.ERC20Value.TokenAddress
		value = tx.ERC20Value.Amount
	}
	if value.Sign() <= 0 {
		return Requirements{}, errors.New("transaction does not spend any value")
	}

	req := Requirements{
		DestinationChainID:      tx.ChainID,
		DestinationTokenAddress: token,
		DestinationAmount:       value.Format(decimals),
		ReceiverAddress:         sender,
	}
	if err := ValidateRequirements(req); err != nil {
		return Requirements{}, err
	}
	return req, nil
}
