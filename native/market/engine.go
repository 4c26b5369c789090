package market

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/interest-protocol/interest-borrow/core/events"
	"github.com/interest-protocol/interest-borrow/core/types"
	nativecommon "github.com/interest-protocol/interest-borrow/native/common"
)

const moduleName = "market"

var zeroAddress [20]byte

// engineState is the persistence boundary the engine operates against.
// Implementations may return nil for missing records; the engine never
// mutates a returned value in place.
type engineState interface {
	GetMarket(id string) (*Market, error)
	PutMarket(id string, market *Market) error
	GetPosition(id string, addr [20]byte) (*Position, error)
	PutPosition(id string, position *Position) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
	GetFeeAccrual(id string) (*FeeAccrual, error)
	PutFeeAccrual(id string, fees *FeeAccrual) error
}

// StateBatch stages the records of one commit. Nothing is durable until
// Commit, which must apply every staged record or none of them.
type StateBatch interface {
	PutMarket(id string, market *Market) error
	PutPosition(id string, position *Position) error
	PutAccount(addr [20]byte, account *types.Account) error
	PutFeeAccrual(id string, fees *FeeAccrual) error
	Commit() error
}

// BatchingState is a persistence layer whose writes can land atomically.
// Sessions commit through a batch when the state offers one, so a storage
// fault mid-commit cannot persist half an operation.
type BatchingState interface {
	engineState
	BeginBatch() StateBatch
}

// Engine orchestrates the state transitions for a single debt market. All
// mutating entry points hold the market's in-flight guard for their whole
// duration and stage every mutation in a session that commits only on
// success, so a failed operation has zero observable effect.
type Engine struct {
	state         engineState
	marketID      string
	moduleAddress [20]byte
	oracle        PriceSource
	staking       StakingVenue
	swapper       ProceedsSwapper
	emitter       events.Emitter
	pauses        nativecommon.PauseView
	guard         nativecommon.CallGuard
	nowFn         func() uint64
}

// NewEngine constructs a market engine. The module address is the custody
// account holding collateral and harvested rewards.
func NewEngine(moduleAddr [20]byte) *Engine {
	return &Engine{
		moduleAddress: moduleAddr,
		emitter:       events.NoopEmitter{},
		nowFn:         func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetMarketID assigns the market identifier subsequent operations will
// operate against.
func (e *Engine) SetMarketID(id string) {
	if e == nil {
		return
	}
	e.marketID = strings.TrimSpace(id)
}

// MarketID returns the configured market identifier.
func (e *Engine) MarketID() string {
	if e == nil {
		return ""
	}
	return e.marketID
}

// SetOracle configures the collateral price source.
func (e *Engine) SetOracle(oracle PriceSource) {
	if e == nil {
		return
	}
	e.oracle = oracle
}

// SetStakingVenue configures the external yield venue used by staked
// markets.
func (e *Engine) SetStakingVenue(venue StakingVenue) {
	if e == nil {
		return
	}
	e.staking = venue
}

// SetSwapper configures the liquidation proceeds swap venue.
func (e *Engine) SetSwapper(swapper ProceedsSwapper) {
	if e == nil {
		return
	}
	e.swapper = swapper
}

// SetEmitter configures the event emitter. Passing nil resets it to a
// no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the administrative pause view consulted by every
// mutating entry point.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() uint64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

// InitMarket validates and persists a market definition if none exists yet
// under its identifier, together with an empty fee accrual.
func (e *Engine) InitMarket(m *Market) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if m == nil || strings.TrimSpace(m.ID) == "" {
		return ErrNilMarket
	}
	if m.MaxLTVBps == 0 || m.MaxLTVBps > 9_000 {
		return fmt.Errorf("market %s: max LTV %d bps outside (0, 9000]", m.ID, m.MaxLTVBps)
	}
	if m.LiquidationFeeBps > 2_000 {
		return fmt.Errorf("market %s: liquidation fee %d bps above 2000", m.ID, m.LiquidationFeeBps)
	}
	if m.ProtocolShareBps > basisPoints.Uint64() {
		return fmt.Errorf("market %s: protocol share %d bps above 10000", m.ID, m.ProtocolShareBps)
	}
	if m.Kind.Staked() && strings.TrimSpace(m.StakingPool) == "" {
		return fmt.Errorf("market %s: staked market requires a staking pool", m.ID)
	}
	existing, err := e.state.GetMarket(m.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	clone := m.Clone()
	clone.EnsureDefaults()
	if err := e.state.PutMarket(clone.ID, clone); err != nil {
		return err
	}
	fees := &FeeAccrual{}
	fees.EnsureDefaults()
	return e.state.PutFeeAccrual(clone.ID, fees)
}

// Market returns a snapshot of the configured market.
func (e *Engine) Market() (*Market, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if e.marketID == "" {
		return nil, ErrNilMarket
	}
	m, err := e.state.GetMarket(e.marketID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNilMarket
	}
	return m.Clone(), nil
}

// PositionOf returns a snapshot of the supplied account's position. Unknown
// accounts read as zero-valued positions.
func (e *Engine) PositionOf(addr [20]byte) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pos, err := e.state.GetPosition(e.marketID, addr)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &Position{Address: addr}
	} else {
		pos = pos.Clone()
	}
	pos.EnsureDefaults()
	return pos, nil
}

// Fees returns a snapshot of the uncollected protocol earnings.
func (e *Engine) Fees() (*FeeAccrual, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	fees, err := e.state.GetFeeAccrual(e.marketID)
	if err != nil {
		return nil, err
	}
	if fees == nil {
		fees = &FeeAccrual{}
	} else {
		fees = fees.Clone()
	}
	fees.EnsureDefaults()
	return fees, nil
}

// AccountOf returns a snapshot of the custodied balances for an address.
func (e *Engine) AccountOf(addr [20]byte) (*types.Account, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return types.NewAccount(), nil
	}
	return acc.Clone(), nil
}

// enter performs the pause check and acquires the in-flight guard. The
// returned release function must run on every exit path.
func (e *Engine) enter() (func(), error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	return e.guard.Enter()
}

// Deposit pulls collateral from the payer's custody and credits the
// beneficiary's position. Staked markets settle rewards and re-stake into
// the external venue before the unit balance changes.
func (e *Engine) Deposit(payer, beneficiary [20]byte, amount *big.Int) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	s, err := e.begin()
	if err != nil {
		return err
	}
	if err := s.deposit(payer, beneficiary, amount); err != nil {
		return err
	}
	return s.commit()
}

// Withdraw releases collateral from the owner's position. Rewards accrued
// by staked collateral are paid to the reward recipient as part of the same
// operation. The owner must remain solvent afterwards.
func (e *Engine) Withdraw(owner, collateralRecipient, rewardRecipient [20]byte, amount *big.Int) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	s, err := e.begin()
	if err != nil {
		return err
	}
	s.accrue()
	if err := s.withdraw(owner, collateralRecipient, rewardRecipient, amount); err != nil {
		return err
	}
	if err := s.checkSolvency(owner); err != nil {
		return err
	}
	return s.commit()
}

// Borrow mints the requested debt amount to the recipient and books the
// corresponding principal against the borrower. The borrower must be
// solvent afterwards.
func (e *Engine) Borrow(borrower, recipient [20]byte, amount *big.Int) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	s, err := e.begin()
	if err != nil {
		return err
	}
	s.accrue()
	if err := s.borrow(borrower, recipient, amount); err != nil {
		return err
	}
	if err := s.checkSolvency(borrower); err != nil {
		return err
	}
	return s.commit()
}

// Repay burns debt from the payer against the beneficiary's position. The
// principal is capped at the outstanding amount; the burned value is the
// principal's current share of the elastic pool.
func (e *Engine) Repay(payer, beneficiary [20]byte, principal *big.Int) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	s, err := e.begin()
	if err != nil {
		return err
	}
	s.accrue()
	if err := s.repay(payer, beneficiary, principal); err != nil {
		return err
	}
	return s.commit()
}

// Accrue folds pending interest into the elastic debt total without any
// other state change.
func (e *Engine) Accrue() error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	s, err := e.begin()
	if err != nil {
		return err
	}
	s.accrue()
	return s.commit()
}

// ClaimRewards harvests pending yield from the staking venue and pays the
// owner's settled rewards to the recipient, capped at the liquid reward
// balance held in custody.
func (e *Engine) ClaimRewards(owner, recipient [20]byte) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	s, err := e.begin()
	if err != nil {
		return err
	}
	if !s.market.Kind.Staked() {
		return ErrNoStaking
	}
	if recipient == zeroAddress {
		recipient = owner
	}
	// Zero-amount stake is the venue's harvest idiom.
	if err := s.stakeAndDistribute(big.NewInt(0)); err != nil {
		return err
	}
	pos, err := s.position(owner)
	if err != nil {
		return err
	}
	s.settleRewards(pos)
	pos.RewardDebt = s.market.Rewards.Snapshot(pos.Collateral)
	paid := s.transferUpTo(e.moduleAddress, recipient, s.market.RewardAsset, pos.AccruedRewards)
	if paid.Sign() > 0 {
		pos.AccruedRewards = new(big.Int).Sub(pos.AccruedRewards, paid)
		s.emit(events.RewardsClaimed{Market: s.market.ID, Account: owner, Recipient: recipient, Amount: paid})
	}
	return s.commit()
}

// CollectFees sweeps accrued protocol earnings to the market treasury: the
// interest share is minted in the debt unit, the liquidation share moves
// out of collateral custody, and reward yield harvested while nothing was
// staked moves out of reward custody.
func (e *Engine) CollectFees() error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()

	s, err := e.begin()
	if err != nil {
		return err
	}
	s.accrue()
	if s.market.Treasury == zeroAddress {
		return ErrInvalidAddress
	}
	debtFees := cloneOrZero(s.fees.DebtFees)
	collateralFees := cloneOrZero(s.fees.CollateralFees)
	rewardFees := cloneOrZero(s.fees.RewardFees)
	if debtFees.Sign() == 0 && collateralFees.Sign() == 0 && rewardFees.Sign() == 0 {
		return ErrInvalidAmount
	}
	if debtFees.Sign() > 0 {
		if err := s.credit(s.market.Treasury, s.market.DebtAsset, debtFees); err != nil {
			return err
		}
		s.fees.DebtFees = big.NewInt(0)
		s.feesDirty = true
	}
	if collateralFees.Sign() > 0 {
		if err := s.transfer(e.moduleAddress, s.market.Treasury, s.market.CollateralAsset, collateralFees); err != nil {
			return err
		}
		s.fees.CollateralFees = big.NewInt(0)
		s.feesDirty = true
	}
	if rewardFees.Sign() > 0 {
		if err := s.transfer(e.moduleAddress, s.market.Treasury, s.market.RewardAsset, rewardFees); err != nil {
			return err
		}
		s.fees.RewardFees = big.NewInt(0)
		s.feesDirty = true
	}
	s.emit(events.FeesCollected{
		Market:         s.market.ID,
		Treasury:       s.market.Treasury,
		DebtFees:       debtFees,
		CollateralFees: collateralFees,
		RewardFees:     rewardFees,
	})
	return s.commit()
}
