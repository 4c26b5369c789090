package market

import (
	"errors"

	nativecommon "github.com/interest-protocol/interest-borrow/native/common"
)

var (
	// ErrNilState signals the engine was used before wiring a persistence
	// backend.
	ErrNilState = errors.New("market engine: state not configured")
	// ErrNilMarket signals the configured market has not been initialised.
	ErrNilMarket = errors.New("market engine: market not initialised")
	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount = errors.New("market engine: amount must be positive")
	// ErrInvalidAddress rejects the null identity as a beneficiary.
	ErrInvalidAddress = errors.New("market engine: address not set")
	// ErrInvalidWithdrawAmount rejects withdrawals above the owner's
	// collateral balance.
	ErrInvalidWithdrawAmount = errors.New("market engine: withdraw exceeds collateral balance")
	// ErrInsolventCaller rejects withdraw/borrow actions whose post-state
	// breaches the max loan-to-value ratio.
	ErrInsolventCaller = errors.New("market engine: position exceeds max loan-to-value")
	// ErrMaxBorrowAmountReached rejects borrows that would push the market
	// past its debt cap.
	ErrMaxBorrowAmountReached = errors.New("market engine: market borrow cap reached")
	// ErrInvalidExchangeRate rejects non-positive or missing oracle prices.
	ErrInvalidExchangeRate = errors.New("market engine: oracle price not positive")
	// ErrInvalidLiquidationAmount rejects liquidation batches in which no
	// listed account was eligible.
	ErrInvalidLiquidationAmount = errors.New("market engine: no account eligible for liquidation")
	// ErrInvalidRequest rejects batch actions with an unrecognised tag.
	ErrInvalidRequest = errors.New("market engine: unknown batch action")
	// ErrInsufficientBalance rejects transfers that exceed the payer's
	// custodied balance.
	ErrInsufficientBalance = errors.New("market engine: insufficient balance")
	// ErrNoStaking signals a staking-only operation against a market kind
	// that does not route collateral through a venue.
	ErrNoStaking = errors.New("market engine: market does not stake collateral")

	// ErrReentrancy aliases the shared guard error so callers can match it
	// from this package.
	ErrReentrancy = nativecommon.ErrReentrancy
)
