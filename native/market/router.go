package market

import "math/big"

// ActionKind tags one step of a batched request. The set is closed; any
// other value fails the whole batch with ErrInvalidRequest.
type ActionKind uint8

const (
	// ActionDeposit pulls collateral from the caller for the beneficiary.
	ActionDeposit ActionKind = iota + 1
	// ActionWithdraw releases the caller's collateral to the beneficiary.
	ActionWithdraw
	// ActionBorrow mints debt against the caller's position to the
	// beneficiary.
	ActionBorrow
	// ActionRepay burns debt from the caller against the beneficiary's
	// position.
	ActionRepay
)

// Action is one step of a heterogeneous batch. Beneficiary defaults to the
// caller when unset; RewardRecipient applies to withdrawals from staked
// markets.
type Action struct {
	Kind            ActionKind
	Beneficiary     [20]byte
	RewardRecipient [20]byte
	Amount          *big.Int
}

// Execute runs a batch of actions as one logical operation. The batch is
// scanned once up front: interest accrues at most once before the first
// action that depends on up-to-date debt, and the solvency gate runs at
// most once after the last action, against the caller only. Intermediate
// states are therefore never solvency-checked, so a deposit-then-borrow
// pair succeeds even when the borrow alone would not. Any failure discards
// the whole batch.
func (e *Engine) Execute(caller [20]byte, actions []Action) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	if len(actions) == 0 {
		return ErrInvalidRequest
	}

	needsAccrue := false
	needsSolvency := false
	for _, action := range actions {
		switch action.Kind {
		case ActionDeposit:
		case ActionWithdraw:
			needsAccrue = true
			needsSolvency = true
		case ActionBorrow:
			needsAccrue = true
			needsSolvency = true
		case ActionRepay:
			needsAccrue = true
		default:
			return ErrInvalidRequest
		}
	}

	s, err := e.begin()
	if err != nil {
		return err
	}
	if needsAccrue {
		s.accrue()
	}

	for _, action := range actions {
		beneficiary := action.Beneficiary
		if beneficiary == zeroAddress {
			beneficiary = caller
		}
		switch action.Kind {
		case ActionDeposit:
			err = s.deposit(caller, beneficiary, action.Amount)
		case ActionWithdraw:
			err = s.withdraw(caller, beneficiary, action.RewardRecipient, action.Amount)
		case ActionBorrow:
			err = s.borrow(caller, beneficiary, action.Amount)
		case ActionRepay:
			err = s.repay(caller, beneficiary, action.Amount)
		default:
			err = ErrInvalidRequest
		}
		if err != nil {
			return err
		}
	}

	if needsSolvency {
		if err := s.checkSolvency(caller); err != nil {
			return err
		}
	}
	return s.commit()
}
