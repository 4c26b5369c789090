package market

import (
	"math/big"

	"github.com/interest-protocol/interest-borrow/core/events"
)

// LiquidationRequest names one account within a liquidation batch and the
// principal the liquidator is willing to cover. A nil or zero principal
// requests the account's full outstanding amount.
type LiquidationRequest struct {
	Account   [20]byte
	Principal *big.Int
}

// Liquidate executes a batch partial liquidation. One price quote and one
// accrual cover the whole batch: liquidation is a single logical event, and
// per-account quotes would let ordering bias outcomes. Solvent accounts are
// skipped; if no account was eligible the batch fails with
// ErrInvalidLiquidationAmount. Any failure discards every staged mutation.
//
// When a swap payload is supplied the seized proceeds are routed through
// the configured swap venue to obtain the debt unit before the closing burn
// settles the removed debt from the caller's custody.
func (e *Engine) Liquidate(caller [20]byte, requests []LiquidationRequest, recipient [20]byte, swapPayload []byte) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	if recipient == zeroAddress {
		return ErrInvalidAddress
	}

	s, err := e.begin()
	if err != nil {
		return err
	}
	m := s.market

	price, err := s.collateralPrice()
	if err != nil {
		return err
	}
	s.accrue()

	if m.Kind.Staked() {
		// Fold any pending venue yield in before touching staked units.
		if err := s.stakeAndDistribute(big.NewInt(0)); err != nil {
			return err
		}
	}

	allPrincipal := big.NewInt(0)
	allDebt := big.NewInt(0)
	allCollateral := big.NewInt(0)
	allFee := big.NewInt(0)

	for _, req := range requests {
		pos, err := s.position(req.Account)
		if err != nil {
			return err
		}
		if s.isSolvent(pos, price) {
			continue
		}

		principal := cloneOrZero(req.Principal)
		if principal.Sign() <= 0 || principal.Cmp(pos.Principal) > 0 {
			principal = cloneOrZero(pos.Principal)
		}
		// The protocol is owed the full share: round the debt up.
		debt := m.Debt.ToElastic(principal, true)
		// Collateral leaves protocol custody: round both legs down.
		seize := denormalizeFromWad(wadDiv(debt, price, false), m.CollateralDecimals, false)
		fee := bpsShare(seize, m.LiquidationFeeBps, false)

		taken := new(big.Int).Add(seize, fee)
		if taken.Cmp(pos.Collateral) > 0 {
			if seize.Cmp(pos.Collateral) > 0 {
				seize = cloneOrZero(pos.Collateral)
				fee = big.NewInt(0)
			} else {
				fee = new(big.Int).Sub(pos.Collateral, seize)
			}
			taken = new(big.Int).Add(seize, fee)
		}

		if m.Kind.Staked() {
			s.settleRewards(pos)
		}
		pos.Principal = new(big.Int).Sub(pos.Principal, principal)
		pos.Collateral = new(big.Int).Sub(pos.Collateral, taken)
		if m.Kind.Staked() {
			pos.RewardDebt = m.Rewards.Snapshot(pos.Collateral)
		}

		allPrincipal.Add(allPrincipal, principal)
		allDebt.Add(allDebt, debt)
		allCollateral.Add(allCollateral, seize)
		allFee.Add(allFee, fee)

		s.emit(events.Liquidated{
			Market:     m.ID,
			Account:    req.Account,
			Liquidator: caller,
			Principal:  principal,
			Debt:       debt,
			Collateral: seize,
			Fee:        fee,
		})
	}

	if allPrincipal.Sign() == 0 {
		return ErrInvalidLiquidationAmount
	}

	seizedTotal := new(big.Int).Add(allCollateral, allFee)
	m.TotalCollateral = new(big.Int).Sub(m.TotalCollateral, seizedTotal)
	if m.Kind.Staked() {
		if err := s.unstakeAndDistribute(seizedTotal); err != nil {
			return err
		}
	}

	// Cap the elastic removal at the pool total so rounding across many
	// accounts cannot overshoot.
	m.Debt.Reduce(allPrincipal, allDebt)

	// The protocol's cut of the fee is owed to it: round up.
	protocolFee := bpsShare(allFee, m.ProtocolShareBps, true)
	if protocolFee.Cmp(allFee) > 0 {
		protocolFee = cloneOrZero(allFee)
	}
	if protocolFee.Sign() > 0 {
		s.fees.CollateralFees = new(big.Int).Add(s.fees.CollateralFees, protocolFee)
		s.feesDirty = true
	}

	proceeds := new(big.Int).Sub(seizedTotal, protocolFee)
	if err := s.transfer(e.moduleAddress, recipient, m.CollateralAsset, proceeds); err != nil {
		return err
	}

	if len(swapPayload) > 0 {
		if e.swapper == nil {
			return ErrInvalidRequest
		}
		out, err := e.swapper.Swap(swapPayload, m.CollateralAsset, proceeds)
		if err != nil {
			return err
		}
		if err := s.debit(recipient, m.CollateralAsset, proceeds); err != nil {
			return err
		}
		if err := s.credit(caller, m.DebtAsset, out); err != nil {
			return err
		}
	}

	// Settlement burn: the liquidated debt leaves circulation. This runs
	// last so the caller could acquire the debt unit via the swap step.
	if err := s.debit(caller, m.DebtAsset, allDebt); err != nil {
		return err
	}

	s.emit(events.Liquidation{
		Market:     m.ID,
		Liquidator: caller,
		Recipient:  recipient,
		Principal:  allPrincipal,
		Debt:       allDebt,
		Collateral: allCollateral,
		Fee:        allFee,
	})
	return s.commit()
}
