package types

import "math/big"

// Account holds the token balances custodied by the market ledger for a
// single address. Balances are keyed by asset symbol and denominated in the
// asset's smallest unit.
type Account struct {
	Balances map[string]*big.Int `json:"balances"`
}

// NewAccount returns an account with an initialised balance table.
func NewAccount() *Account {
	return &Account{Balances: make(map[string]*big.Int)}
}

// Balance returns a copy of the balance held for the supplied asset. Missing
// entries read as zero.
func (a *Account) Balance(asset string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	if bal, ok := a.Balances[asset]; ok && bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// SetBalance overwrites the balance tracked for the supplied asset.
func (a *Account) SetBalance(asset string, amount *big.Int) {
	if a == nil {
		return
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	a.Balances[asset] = new(big.Int).Set(amount)
}

// Credit increases the balance tracked for the supplied asset.
func (a *Account) Credit(asset string, amount *big.Int) {
	if a == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	a.SetBalance(asset, new(big.Int).Add(a.Balance(asset), amount))
}

// Clone returns a deep copy of the account so callers cannot mutate ledger
// internals through shared big.Int references.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := NewAccount()
	for asset, bal := range a.Balances {
		if bal != nil {
			clone.Balances[asset] = new(big.Int).Set(bal)
		}
	}
	return clone
}
