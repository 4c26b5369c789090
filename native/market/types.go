package market

import "math/big"

// Kind selects the market variant. All variants share the same accounting
// core; the kind only toggles whether debt accrues interest and whether
// collateral is routed through an external staking venue.
type Kind uint8

const (
	// KindCollateral is a plain-token collateral market with interest-bearing
	// synthetic debt.
	KindCollateral Kind = iota + 1
	// KindNative is identical to KindCollateral but custodies the native
	// value unit as collateral.
	KindNative
	// KindStaked re-stakes collateral into an external yield venue and
	// distributes the harvested rewards to depositors.
	KindStaked
	// KindSynthetic is the peer-synthetic-swap variant: debt is denominated
	// one-to-one in the borrowed unit and carries no interest.
	KindSynthetic
)

// CarriesInterest reports whether debt in this market grows over time.
func (k Kind) CarriesInterest() bool { return k != KindSynthetic }

// Staked reports whether collateral is routed through the staking venue.
func (k Kind) Staked() bool { return k == KindStaked }

func (k Kind) String() string {
	switch k {
	case KindCollateral:
		return "collateral"
	case KindNative:
		return "native"
	case KindStaked:
		return "staked"
	case KindSynthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

// Market captures the global accounting state for a single deployed market.
// Amounts are big integers denominated in each asset's smallest unit.
type Market struct {
	// ID is the market identifier operations are keyed by.
	ID string
	// Kind selects the market variant behaviour.
	Kind Kind
	// CollateralAsset is the symbol of the custodied collateral token.
	CollateralAsset string
	// CollateralDecimals is the native decimal scale of the collateral
	// token; valuation normalizes it to the 18-decimal debt scale.
	CollateralDecimals uint8
	// DebtAsset is the symbol of the synthetic debt unit minted on borrow.
	DebtAsset string
	// RewardAsset is the symbol paid out by the staking venue (staked
	// markets only).
	RewardAsset string
	// StakingPool identifies the external venue pool collateral is
	// re-staked into (staked markets only).
	StakingPool string
	// TotalCollateral is the aggregate collateral held in market custody.
	TotalCollateral *big.Int
	// Debt is the base/elastic debt pool.
	Debt *Rebase `rlp:"nil"`
	// InterestRatePerSecond is the wad-scaled per-second interest rate.
	InterestRatePerSecond *big.Int
	// LastAccruedAt is the unix timestamp of the last interest accrual.
	LastAccruedAt uint64
	// MaxLTVBps is the maximum loan-to-value ratio in basis points.
	MaxLTVBps uint64
	// LiquidationFeeBps is the fee taken from seized collateral, in basis
	// points.
	LiquidationFeeBps uint64
	// ProtocolShareBps is the protocol's cut of the liquidation fee, in
	// basis points.
	ProtocolShareBps uint64
	// MaxBorrowAmount caps the market's elastic debt; zero means uncapped.
	MaxBorrowAmount *big.Int
	// Rewards is the per-unit reward accumulator (staked markets only).
	Rewards *RewardPool `rlp:"nil"`
	// Treasury receives collected protocol earnings.
	Treasury [20]byte
}

// EnsureDefaults populates nil aggregate fields so persistence round-trips
// and fresh markets are safe to operate on.
func (m *Market) EnsureDefaults() {
	if m == nil {
		return
	}
	if m.TotalCollateral == nil {
		m.TotalCollateral = big.NewInt(0)
	}
	if m.Debt == nil {
		m.Debt = NewRebase()
	} else {
		m.Debt.ensure()
	}
	if m.InterestRatePerSecond == nil {
		m.InterestRatePerSecond = big.NewInt(0)
	}
	if m.MaxBorrowAmount == nil {
		m.MaxBorrowAmount = big.NewInt(0)
	}
	if m.Kind.Staked() && m.Rewards == nil {
		m.Rewards = NewRewardPool()
	}
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := &Market{
		ID:                 m.ID,
		Kind:               m.Kind,
		CollateralAsset:    m.CollateralAsset,
		CollateralDecimals: m.CollateralDecimals,
		DebtAsset:          m.DebtAsset,
		RewardAsset:        m.RewardAsset,
		StakingPool:        m.StakingPool,
		LastAccruedAt:      m.LastAccruedAt,
		MaxLTVBps:          m.MaxLTVBps,
		LiquidationFeeBps:  m.LiquidationFeeBps,
		ProtocolShareBps:   m.ProtocolShareBps,
		Treasury:           m.Treasury,
	}
	if m.TotalCollateral != nil {
		clone.TotalCollateral = new(big.Int).Set(m.TotalCollateral)
	}
	if m.Debt != nil {
		clone.Debt = m.Debt.Clone()
	}
	if m.InterestRatePerSecond != nil {
		clone.InterestRatePerSecond = new(big.Int).Set(m.InterestRatePerSecond)
	}
	if m.MaxBorrowAmount != nil {
		clone.MaxBorrowAmount = new(big.Int).Set(m.MaxBorrowAmount)
	}
	if m.Rewards != nil {
		clone.Rewards = m.Rewards.Clone()
	}
	clone.EnsureDefaults()
	return clone
}

// Position maintains the market position for an individual account. A
// position is created implicitly on first deposit and decays back to a
// zero-valued record rather than being destroyed.
type Position struct {
	// Address is the account identifier within the market.
	Address [20]byte
	// Collateral is the amount pledged, in the collateral token's native
	// decimals. In staked markets this doubles as the staked unit balance.
	Collateral *big.Int
	// Principal is the debt owed in base units, not debt value.
	Principal *big.Int
	// RewardDebt is the accumulator snapshot taken at the last staked-unit
	// change (staked markets only).
	RewardDebt *big.Int
	// AccruedRewards is yield settled to the position but not yet paid out.
	AccruedRewards *big.Int
}

// EnsureDefaults populates nil fields on a freshly created or decoded
// position.
func (p *Position) EnsureDefaults() {
	if p == nil {
		return
	}
	if p.Collateral == nil {
		p.Collateral = big.NewInt(0)
	}
	if p.Principal == nil {
		p.Principal = big.NewInt(0)
	}
	if p.RewardDebt == nil {
		p.RewardDebt = big.NewInt(0)
	}
	if p.AccruedRewards == nil {
		p.AccruedRewards = big.NewInt(0)
	}
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{Address: p.Address}
	if p.Collateral != nil {
		clone.Collateral = new(big.Int).Set(p.Collateral)
	}
	if p.Principal != nil {
		clone.Principal = new(big.Int).Set(p.Principal)
	}
	if p.RewardDebt != nil {
		clone.RewardDebt = new(big.Int).Set(p.RewardDebt)
	}
	if p.AccruedRewards != nil {
		clone.AccruedRewards = new(big.Int).Set(p.AccruedRewards)
	}
	clone.EnsureDefaults()
	return clone
}

// FeeAccrual captures the protocol earnings a market has accumulated and
// not yet swept to the treasury.
type FeeAccrual struct {
	// DebtFees is interest earned by the protocol, denominated in the debt
	// unit.
	DebtFees *big.Int
	// CollateralFees is the protocol's share of liquidation fees,
	// denominated in the collateral token.
	CollateralFees *big.Int
	// RewardFees is harvested yield that arrived while no units were
	// staked, so no position could be credited. It is swept to the
	// treasury instead of stranding in module custody.
	RewardFees *big.Int
}

// EnsureDefaults populates nil fee totals.
func (f *FeeAccrual) EnsureDefaults() {
	if f == nil {
		return
	}
	if f.DebtFees == nil {
		f.DebtFees = big.NewInt(0)
	}
	if f.CollateralFees == nil {
		f.CollateralFees = big.NewInt(0)
	}
	if f.RewardFees == nil {
		f.RewardFees = big.NewInt(0)
	}
}

// Clone returns a deep copy of the fee accrual.
func (f *FeeAccrual) Clone() *FeeAccrual {
	if f == nil {
		return nil
	}
	clone := &FeeAccrual{}
	if f.DebtFees != nil {
		clone.DebtFees = new(big.Int).Set(f.DebtFees)
	}
	if f.CollateralFees != nil {
		clone.CollateralFees = new(big.Int).Set(f.CollateralFees)
	}
	if f.RewardFees != nil {
		clone.RewardFees = new(big.Int).Set(f.RewardFees)
	}
	clone.EnsureDefaults()
	return clone
}
