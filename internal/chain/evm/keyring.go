package evm

import (
	"strings"

	"crosspay/internal/payment/domain"
)

// Keyring resolves payer addresses to the accounts that can sign for them.
type Keyring struct {
	accounts map[string]domain.Account
}

// NewKeyring loads accounts for the given private keys.
func NewKeyring(keys []string, clients *Clients) (*Keyring, error) {
	k := &Keyring{accounts: make(map[string]domain.Account, len(keys))}
	for _, key := range keys {
		acc, err := NewKeyAccount(key, clients)
		if err != nil {
			return nil, err
		}
		k.Add(acc)
	}
	return k, nil
}

// Add registers an account.
func (k *Keyring) Add(acc domain.Account) {
	k.accounts[strings.ToLower(acc.Address())] = acc
}

// Account returns the account for address.
func (k *Keyring) Account(address string) (domain.Account, bool) {
	acc, ok := k.accounts[strings.ToLower(address)]
	return acc, ok
}

// Addresses lists the managed addresses.
func (k *Keyring) Addresses() []string {
	out := make([]string, 0, len(k.accounts))
	for _, acc := range k.accounts {
		out = append(out, acc.Address())
	}
	return out
}
