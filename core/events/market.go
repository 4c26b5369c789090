package events

import (
	"encoding/hex"
	"math/big"

	"github.com/interest-protocol/interest-borrow/core/types"
)

const (
	// TypeMarketDeposit captures collateral entering a market's custody.
	TypeMarketDeposit = "market.deposit"
	// TypeMarketWithdraw captures collateral released back to a user.
	TypeMarketWithdraw = "market.withdraw"
	// TypeMarketBorrow captures synthetic debt minted against collateral.
	TypeMarketBorrow = "market.borrow"
	// TypeMarketRepay captures synthetic debt burned against a position.
	TypeMarketRepay = "market.repay"
	// TypeMarketAccrued captures an interest accrual applied to the debt pool.
	TypeMarketAccrued = "market.accrued"
	// TypeMarketLiquidated captures a single account resolved within a
	// liquidation batch.
	TypeMarketLiquidated = "market.liquidated"
	// TypeMarketLiquidation captures the settlement totals for a whole
	// liquidation batch.
	TypeMarketLiquidation = "market.liquidation"
	// TypeMarketRewardsClaimed captures staking rewards paid out to a user.
	TypeMarketRewardsClaimed = "market.rewardsClaimed"
	// TypeMarketFeesCollected captures protocol earnings swept to the treasury.
	TypeMarketFeesCollected = "market.feesCollected"
)

// Deposit records collateral pulled from the payer into market custody.
type Deposit struct {
	Market      string
	Payer       [20]byte
	Beneficiary [20]byte
	Amount      *big.Int
}

// EventType satisfies the Event interface.
func (Deposit) EventType() string { return TypeMarketDeposit }

// Event converts the structured payload into a broadcastable event.
func (e Deposit) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketDeposit,
		Attributes: map[string]string{
			"market":      e.Market,
			"payer":       formatAddress(e.Payer),
			"beneficiary": formatAddress(e.Beneficiary),
			"amount":      formatAmount(e.Amount),
		},
	}
}

// Withdraw records collateral released from market custody to a recipient.
type Withdraw struct {
	Market    string
	Owner     [20]byte
	Recipient [20]byte
	Amount    *big.Int
}

func (Withdraw) EventType() string { return TypeMarketWithdraw }

// Event converts the structured payload into a broadcastable event.
func (e Withdraw) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketWithdraw,
		Attributes: map[string]string{
			"market":    e.Market,
			"owner":     formatAddress(e.Owner),
			"recipient": formatAddress(e.Recipient),
			"amount":    formatAmount(e.Amount),
		},
	}
}

// Borrow records debt minted to a recipient together with the principal
// (base units) booked against the borrower's position.
type Borrow struct {
	Market    string
	Borrower  [20]byte
	Recipient [20]byte
	Amount    *big.Int
	Principal *big.Int
}

func (Borrow) EventType() string { return TypeMarketBorrow }

// Event converts the structured payload into a broadcastable event.
func (e Borrow) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketBorrow,
		Attributes: map[string]string{
			"market":    e.Market,
			"borrower":  formatAddress(e.Borrower),
			"recipient": formatAddress(e.Recipient),
			"amount":    formatAmount(e.Amount),
			"principal": formatAmount(e.Principal),
		},
	}
}

// Repay records debt burned from the payer against the beneficiary's
// position.
type Repay struct {
	Market      string
	Payer       [20]byte
	Beneficiary [20]byte
	Amount      *big.Int
	Principal   *big.Int
}

func (Repay) EventType() string { return TypeMarketRepay }

// Event converts the structured payload into a broadcastable event.
func (e Repay) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketRepay,
		Attributes: map[string]string{
			"market":      e.Market,
			"payer":       formatAddress(e.Payer),
			"beneficiary": formatAddress(e.Beneficiary),
			"amount":      formatAmount(e.Amount),
			"principal":   formatAmount(e.Principal),
		},
	}
}

// Accrued records interest added to the elastic debt total.
type Accrued struct {
	Market   string
	Interest *big.Int
	Elastic  *big.Int
}

func (Accrued) EventType() string { return TypeMarketAccrued }

// Event converts the structured payload into a broadcastable event.
func (e Accrued) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketAccrued,
		Attributes: map[string]string{
			"market":   e.Market,
			"interest": formatAmount(e.Interest),
			"elastic":  formatAmount(e.Elastic),
		},
	}
}

// Liquidated records the per-account deltas applied within a liquidation
// batch.
type Liquidated struct {
	Market     string
	Account    [20]byte
	Liquidator [20]byte
	Principal  *big.Int
	Debt       *big.Int
	Collateral *big.Int
	Fee        *big.Int
}

func (Liquidated) EventType() string { return TypeMarketLiquidated }

// Event converts the structured payload into a broadcastable event.
func (e Liquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketLiquidated,
		Attributes: map[string]string{
			"market":     e.Market,
			"account":    formatAddress(e.Account),
			"liquidator": formatAddress(e.Liquidator),
			"principal":  formatAmount(e.Principal),
			"debt":       formatAmount(e.Debt),
			"collateral": formatAmount(e.Collateral),
			"fee":        formatAmount(e.Fee),
		},
	}
}

// Liquidation records the settlement totals for a completed batch.
type Liquidation struct {
	Market     string
	Liquidator [20]byte
	Recipient  [20]byte
	Principal  *big.Int
	Debt       *big.Int
	Collateral *big.Int
	Fee        *big.Int
}

func (Liquidation) EventType() string { return TypeMarketLiquidation }

// Event converts the structured payload into a broadcastable event.
func (e Liquidation) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketLiquidation,
		Attributes: map[string]string{
			"market":     e.Market,
			"liquidator": formatAddress(e.Liquidator),
			"recipient":  formatAddress(e.Recipient),
			"principal":  formatAmount(e.Principal),
			"debt":       formatAmount(e.Debt),
			"collateral": formatAmount(e.Collateral),
			"fee":        formatAmount(e.Fee),
		},
	}
}

// RewardsClaimed records staking rewards paid out to a recipient.
type RewardsClaimed struct {
	Market    string
	Account   [20]byte
	Recipient [20]byte
	Amount    *big.Int
}

func (RewardsClaimed) EventType() string { return TypeMarketRewardsClaimed }

// Event converts the structured payload into a broadcastable event.
func (e RewardsClaimed) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketRewardsClaimed,
		Attributes: map[string]string{
			"market":    e.Market,
			"account":   formatAddress(e.Account),
			"recipient": formatAddress(e.Recipient),
			"amount":    formatAmount(e.Amount),
		},
	}
}

// FeesCollected records protocol earnings transferred to the treasury.
type FeesCollected struct {
	Market         string
	Treasury       [20]byte
	DebtFees       *big.Int
	CollateralFees *big.Int
	RewardFees     *big.Int
}

func (FeesCollected) EventType() string { return TypeMarketFeesCollected }

// Event converts the structured payload into a broadcastable event.
func (e FeesCollected) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketFeesCollected,
		Attributes: map[string]string{
			"market":         e.Market,
			"treasury":       formatAddress(e.Treasury),
			"debtFees":       formatAmount(e.DebtFees),
			"collateralFees": formatAmount(e.CollateralFees),
			"rewardFees":     formatAmount(e.RewardFees),
		},
	}
}

func formatAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
