package market

import (
	"math/big"

	"github.com/interest-protocol/interest-borrow/core/events"
	"github.com/interest-protocol/interest-borrow/core/types"
)

// session stages every mutation of a single operation against cloned
// records. Nothing reaches the persistence layer or the event emitter until
// commit, which gives multi-step operations their all-or-nothing failure
// semantics.
type session struct {
	eng       *Engine
	market    *Market
	fees      *FeeAccrual
	feesDirty bool
	positions map[[20]byte]*Position
	posOrder  [][20]byte
	accounts  map[[20]byte]*types.Account
	acctOrder [][20]byte
	pending   []events.Event
}

func (e *Engine) begin() (*session, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if e.marketID == "" {
		return nil, ErrNilMarket
	}
	stored, err := e.state.GetMarket(e.marketID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, ErrNilMarket
	}
	m := stored.Clone()
	m.EnsureDefaults()

	storedFees, err := e.state.GetFeeAccrual(e.marketID)
	if err != nil {
		return nil, err
	}
	var fees *FeeAccrual
	if storedFees != nil {
		fees = storedFees.Clone()
	} else {
		fees = &FeeAccrual{}
	}
	fees.EnsureDefaults()

	return &session{
		eng:       e,
		market:    m,
		fees:      fees,
		positions: make(map[[20]byte]*Position),
		accounts:  make(map[[20]byte]*types.Account),
	}, nil
}

func (s *session) position(addr [20]byte) (*Position, error) {
	if pos, ok := s.positions[addr]; ok {
		return pos, nil
	}
	stored, err := s.eng.state.GetPosition(s.market.ID, addr)
	if err != nil {
		return nil, err
	}
	var pos *Position
	if stored != nil {
		pos = stored.Clone()
	} else {
		pos = &Position{Address: addr}
	}
	pos.EnsureDefaults()
	s.positions[addr] = pos
	s.posOrder = append(s.posOrder, addr)
	return pos, nil
}

func (s *session) account(addr [20]byte) (*types.Account, error) {
	if acc, ok := s.accounts[addr]; ok {
		return acc, nil
	}
	stored, err := s.eng.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	var acc *types.Account
	if stored != nil {
		acc = stored.Clone()
	} else {
		acc = types.NewAccount()
	}
	s.accounts[addr] = acc
	s.acctOrder = append(s.acctOrder, addr)
	return acc, nil
}

func (s *session) credit(addr [20]byte, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	acc, err := s.account(addr)
	if err != nil {
		return err
	}
	acc.Credit(asset, amount)
	return nil
}

func (s *session) debit(addr [20]byte, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	acc, err := s.account(addr)
	if err != nil {
		return err
	}
	bal := acc.Balance(asset)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	acc.SetBalance(asset, bal.Sub(bal, amount))
	return nil
}

func (s *session) transfer(from, to [20]byte, asset string, amount *big.Int) error {
	if err := s.debit(from, asset, amount); err != nil {
		return err
	}
	return s.credit(to, asset, amount)
}

// transferUpTo moves at most the requested amount, capped by the payer's
// liquid balance, and reports what was actually moved. Reward payouts use
// this so external settlement lag never fails the surrounding operation.
func (s *session) transferUpTo(from, to [20]byte, asset string, amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	acc, err := s.account(from)
	if err != nil {
		return big.NewInt(0)
	}
	paid := minBig(acc.Balance(asset), amount)
	if paid.Sign() <= 0 {
		return big.NewInt(0)
	}
	if err := s.debit(from, asset, paid); err != nil {
		return big.NewInt(0)
	}
	if err := s.credit(to, asset, paid); err != nil {
		return big.NewInt(0)
	}
	return paid
}

func (s *session) emit(ev events.Event) {
	s.pending = append(s.pending, ev)
}

// commit persists every staged record and only then broadcasts the buffered
// events. A state that supports batching receives the whole session as one
// atomic write; otherwise records land sequentially.
func (s *session) commit() error {
	state := s.eng.state
	var sink interface {
		PutMarket(id string, market *Market) error
		PutPosition(id string, position *Position) error
		PutAccount(addr [20]byte, account *types.Account) error
		PutFeeAccrual(id string, fees *FeeAccrual) error
	} = state
	var batch StateBatch
	if bs, ok := state.(BatchingState); ok {
		batch = bs.BeginBatch()
		sink = batch
	}
	if err := sink.PutMarket(s.market.ID, s.market); err != nil {
		return err
	}
	if s.feesDirty {
		if err := sink.PutFeeAccrual(s.market.ID, s.fees); err != nil {
			return err
		}
	}
	for _, addr := range s.posOrder {
		if err := sink.PutPosition(s.market.ID, s.positions[addr]); err != nil {
			return err
		}
	}
	for _, addr := range s.acctOrder {
		if err := sink.PutAccount(addr, s.accounts[addr]); err != nil {
			return err
		}
	}
	if batch != nil {
		if err := batch.Commit(); err != nil {
			return err
		}
	}
	for _, ev := range s.pending {
		s.eng.emitter.Emit(ev)
	}
	return nil
}

// accrue folds the interest earned since the last accrual into the elastic
// debt total. Idempotent within the same instant; with a zero rate or an
// empty pool only the timestamp moves and no economic event is recorded.
func (s *session) accrue() {
	m := s.market
	if !m.Kind.CarriesInterest() {
		return
	}
	now := s.eng.nowFn()
	if now <= m.LastAccruedAt {
		return
	}
	elapsed := now - m.LastAccruedAt
	m.LastAccruedAt = now
	if m.InterestRatePerSecond.Sign() == 0 || m.Debt.Base.Sign() == 0 {
		return
	}
	ratePerElapsed := new(big.Int).Mul(m.InterestRatePerSecond, new(big.Int).SetUint64(elapsed))
	interest := wadMul(m.Debt.Elastic, ratePerElapsed, false)
	if interest.Sign() == 0 {
		return
	}
	m.Debt.AddElastic(interest)
	s.fees.DebtFees = new(big.Int).Add(s.fees.DebtFees, interest)
	s.feesDirty = true
	s.emit(events.Accrued{Market: m.ID, Interest: interest, Elastic: cloneOrZero(m.Debt.Elastic)})
}

// collateralPrice fetches one validated USD price for the market's
// collateral. Oracle failures surface immediately; they are never retried.
func (s *session) collateralPrice() (*big.Int, error) {
	oracle := s.eng.oracle
	if oracle == nil {
		return nil, ErrInvalidExchangeRate
	}
	price, err := oracle.QuoteUSD(s.market.CollateralAsset)
	if err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidExchangeRate
	}
	return price, nil
}

// isSolvent applies the loan-to-value test at the supplied price. Debt
// valuation rounds up: the protocol is owed that amount.
func (s *session) isSolvent(pos *Position, price *big.Int) bool {
	m := s.market
	if pos.Principal.Sign() == 0 {
		return true
	}
	if pos.Collateral.Sign() == 0 {
		return false
	}
	collateralValue := wadMul(normalizeToWad(pos.Collateral, m.CollateralDecimals), price, false)
	var debtValue *big.Int
	if m.Kind.CarriesInterest() {
		debtValue = m.Debt.ToElastic(pos.Principal, true)
	} else {
		debtValue = cloneOrZero(pos.Principal)
	}
	return bpsShare(collateralValue, m.MaxLTVBps, false).Cmp(debtValue) >= 0
}

// checkSolvency enforces the trailing solvency gate for withdraw/borrow.
// Positions without debt skip the oracle entirely.
func (s *session) checkSolvency(addr [20]byte) error {
	pos, err := s.position(addr)
	if err != nil {
		return err
	}
	if pos.Principal.Sign() == 0 {
		return nil
	}
	price, err := s.collateralPrice()
	if err != nil {
		return err
	}
	if !s.isSolvent(pos, price) {
		return ErrInsolventCaller
	}
	return nil
}

// settleRewards folds the position's pending share of the accumulator into
// its accrued balance. Must run strictly before any staked-unit change.
func (s *session) settleRewards(pos *Position) {
	pending := s.market.Rewards.Pending(pos.Collateral, pos.RewardDebt)
	if pending.Sign() > 0 {
		pos.AccruedRewards = new(big.Int).Add(pos.AccruedRewards, pending)
	}
}

func (s *session) stakeAndDistribute(amount *big.Int) error {
	venue := s.eng.staking
	if venue == nil {
		return ErrNoStaking
	}
	totalBefore := cloneOrZero(s.market.TotalCollateral)
	harvested, err := venue.Stake(s.market.StakingPool, cloneOrZero(amount))
	if err != nil {
		return err
	}
	s.bookHarvest(harvested, totalBefore)
	return nil
}

func (s *session) unstakeAndDistribute(amount *big.Int) error {
	venue := s.eng.staking
	if venue == nil {
		return ErrNoStaking
	}
	totalBefore := cloneOrZero(s.market.TotalCollateral)
	harvested, err := venue.Unstake(s.market.StakingPool, cloneOrZero(amount))
	if err != nil {
		return err
	}
	s.bookHarvest(harvested, totalBefore)
	return nil
}

// bookHarvest credits harvested yield into module custody and spreads it
// over the units staked before the current action. Yield that arrives with
// nothing staked has no position to accrue to and is booked as protocol
// earnings instead.
func (s *session) bookHarvest(harvested, totalBefore *big.Int) {
	if harvested == nil || harvested.Sign() <= 0 {
		return
	}
	if err := s.credit(s.eng.moduleAddress, s.market.RewardAsset, harvested); err != nil {
		return
	}
	if totalBefore == nil || totalBefore.Sign() <= 0 {
		s.fees.RewardFees = new(big.Int).Add(s.fees.RewardFees, harvested)
		s.feesDirty = true
		return
	}
	s.market.Rewards.Distribute(harvested, totalBefore)
}

func (s *session) deposit(payer, beneficiary [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if beneficiary == zeroAddress {
		return ErrInvalidAddress
	}
	m := s.market

	if err := s.transfer(payer, s.eng.moduleAddress, m.CollateralAsset, amount); err != nil {
		return err
	}

	pos, err := s.position(beneficiary)
	if err != nil {
		return err
	}
	if m.Kind.Staked() {
		if err := s.stakeAndDistribute(amount); err != nil {
			return err
		}
		s.settleRewards(pos)
	}
	pos.Collateral = new(big.Int).Add(pos.Collateral, amount)
	m.TotalCollateral = new(big.Int).Add(m.TotalCollateral, amount)
	if m.Kind.Staked() {
		pos.RewardDebt = m.Rewards.Snapshot(pos.Collateral)
	}
	s.emit(events.Deposit{Market: m.ID, Payer: payer, Beneficiary: beneficiary, Amount: cloneOrZero(amount)})
	return nil
}

func (s *session) withdraw(owner, collateralRecipient, rewardRecipient [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if collateralRecipient == zeroAddress {
		return ErrInvalidAddress
	}
	m := s.market

	pos, err := s.position(owner)
	if err != nil {
		return err
	}
	if pos.Collateral.Cmp(amount) < 0 {
		return ErrInvalidWithdrawAmount
	}

	if m.Kind.Staked() {
		if rewardRecipient == zeroAddress {
			rewardRecipient = owner
		}
		if err := s.unstakeAndDistribute(amount); err != nil {
			return err
		}
		s.settleRewards(pos)
		paid := s.transferUpTo(s.eng.moduleAddress, rewardRecipient, m.RewardAsset, pos.AccruedRewards)
		if paid.Sign() > 0 {
			pos.AccruedRewards = new(big.Int).Sub(pos.AccruedRewards, paid)
			s.emit(events.RewardsClaimed{Market: m.ID, Account: owner, Recipient: rewardRecipient, Amount: paid})
		}
	}

	pos.Collateral = new(big.Int).Sub(pos.Collateral, amount)
	m.TotalCollateral = new(big.Int).Sub(m.TotalCollateral, amount)

	if m.Kind.Staked() {
		if m.TotalCollateral.Sign() == 0 {
			// Pool fully drained: the next depositor starts a fresh epoch.
			m.Rewards.Reset()
			pos.RewardDebt = big.NewInt(0)
		} else {
			pos.RewardDebt = m.Rewards.Snapshot(pos.Collateral)
		}
	}

	if err := s.transfer(s.eng.moduleAddress, collateralRecipient, m.CollateralAsset, amount); err != nil {
		return err
	}
	s.emit(events.Withdraw{Market: m.ID, Owner: owner, Recipient: collateralRecipient, Amount: cloneOrZero(amount)})
	return nil
}

func (s *session) borrow(borrower, recipient [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if recipient == zeroAddress {
		return ErrInvalidAddress
	}
	m := s.market

	if m.MaxBorrowAmount.Sign() > 0 {
		projected := new(big.Int).Add(m.Debt.Elastic, amount)
		if projected.Cmp(m.MaxBorrowAmount) > 0 {
			return ErrMaxBorrowAmountReached
		}
	}

	pos, err := s.position(borrower)
	if err != nil {
		return err
	}
	// Round up: the principal is owed to the protocol.
	principal := m.Debt.Add(amount, true)
	pos.Principal = new(big.Int).Add(pos.Principal, principal)

	if err := s.credit(recipient, m.DebtAsset, amount); err != nil {
		return err
	}
	s.emit(events.Borrow{
		Market:    m.ID,
		Borrower:  borrower,
		Recipient: recipient,
		Amount:    cloneOrZero(amount),
		Principal: principal,
	})
	return nil
}

func (s *session) repay(payer, beneficiary [20]byte, principal *big.Int) error {
	if principal == nil || principal.Sign() <= 0 {
		return ErrInvalidAmount
	}
	m := s.market

	pos, err := s.position(beneficiary)
	if err != nil {
		return err
	}
	if pos.Principal.Sign() == 0 {
		return ErrInvalidAmount
	}
	principal = minBig(principal, pos.Principal)
	// Round up: the payer owes the pool the full share of the principal.
	amount := m.Debt.Sub(principal, true)

	if err := s.debit(payer, m.DebtAsset, amount); err != nil {
		return err
	}
	pos.Principal = new(big.Int).Sub(pos.Principal, principal)
	s.emit(events.Repay{
		Market:      m.ID,
		Payer:       payer,
		Beneficiary: beneficiary,
		Amount:      amount,
		Principal:   principal,
	})
	return nil
}
