package domain

import (
	"errors"
	"fmt"

	"crosspay/internal/common/amount"
)

// MethodType tags the variant of a payment method.
type MethodType string

const (
	MethodWallet MethodType = "wallet"
	MethodFiat   MethodType = "fiat"
)

// Wallet is the payer. Account is the live signing handle and is never serialized.
type Wallet struct {
	Address string  `json:"address" validate:"required,eth_addr"`
	Account Account `json:"-"`
}

// WalletMethod pays from a connected wallet holding OriginToken.
type WalletMethod struct {
	OriginToken Token         `json:"origin_token" validate:"required"`
	Payer       Wallet        `json:"payer" validate:"required"`
	Balance     amount.Amount `json:"balance"`
}

// FiatMethod pays through a hosted onramp.
type FiatMethod struct {
	Currency string `json:"currency" validate:"required,len=3"`
	Payer    Wallet `json:"payer" validate:"required"`
	Provider string `json:"provider" validate:"required"`
}

// PaymentMethod is the funding source. Exactly one variant is set, matching Type.
type PaymentMethod struct {
	Type   MethodType    `json:"type"`
	Wallet *WalletMethod `json:"wallet,omitempty"`
	Fiat   *FiatMethod   `json:"fiat,omitempty"`
}

// NewWalletMethod creates a wallet payment method.
func NewWalletMethod(origin Token, payer Wallet, balance amount.Amount) PaymentMethod {
	return PaymentMethod{
		Type:   MethodWallet,
		Wallet: &WalletMethod{OriginToken: origin, Payer: payer, Balance: balance},
	}
}

// NewFiatMethod creates a fiat payment method.
func NewFiatMethod(currency string, payer Wallet, provider string) PaymentMethod {
	return PaymentMethod{
		Type: MethodFiat,
		Fiat: &FiatMethod{Currency: currency, Payer: payer, Provider: provider},
	}
}

// Validate checks the tag matches the variant and the variant is well formed.
func (m PaymentMethod) Validate() error {
	switch m.Type {
	case MethodWallet:
		if m.Wallet == nil || m.Fiat != nil {
			return errors.New("wallet method must carry only wallet details")
		}
		return validate.Struct(m.Wallet)
	case MethodFiat:
		if m.Fiat == nil || m.Wallet != nil {
			return errors.New("fiat method must carry only fiat details")
		}
		return validate.Struct(m.Fiat)
	default:
		return fmt.Errorf("unknown payment method type %q", m.Type)
	}
}

// Payer returns the paying wallet.
func (m PaymentMethod) Payer() Wallet {
	switch {
	case m.Wallet != nil:
		return m.Wallet.Payer
	case m.Fiat != nil:
		return m.Fiat.Payer
	}
	return Wallet{}
}

// WithAccount returns a copy with the payer's live account attached.
func (m PaymentMethod) WithAccount(acc Account) PaymentMethod {
	if m.Wallet != nil {
		w := *m.Wallet
		w.Payer.Account = acc
		m.Wallet = &w
	}
	if m.Fiat != nil {
		f := *m.Fiat
		f.Payer.Account = acc
		m.Fiat = &f
	}
	return m
}
