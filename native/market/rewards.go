package market

import "math/big"

// RewardPool distributes harvested staking yield proportionally across all
// staked collateral without iterating holders. PerUnit is a monotonically
// non-decreasing wad-scaled accumulator; each position snapshots the
// accumulator (as RewardDebt) whenever its staked units change, and the gap
// between snapshot and current accumulator prices its pending share.
type RewardPool struct {
	PerUnit *big.Int
}

// NewRewardPool returns an empty reward accumulator.
func NewRewardPool() *RewardPool {
	return &RewardPool{PerUnit: big.NewInt(0)}
}

// Distribute folds newly harvested yield into the accumulator. A pool with
// no staked units ignores the harvest: the yield stays in suspense at the
// staking venue and is claimed again by a later harvest, which also keeps
// the division well defined. Rounding is downward so the sum of all claims
// can never exceed what was harvested.
func (p *RewardPool) Distribute(harvested, totalStaked *big.Int) {
	p.ensure()
	if harvested == nil || harvested.Sign() <= 0 {
		return
	}
	if totalStaked == nil || totalStaked.Sign() <= 0 {
		return
	}
	p.PerUnit.Add(p.PerUnit, wadDiv(harvested, totalStaked, false))
}

// Pending returns the reward accrued by a position holding the supplied
// units since its last snapshot.
func (p *RewardPool) Pending(units, rewardDebt *big.Int) *big.Int {
	p.ensure()
	if units == nil || units.Sign() <= 0 {
		return big.NewInt(0)
	}
	earned := wadMul(units, p.PerUnit, false)
	if rewardDebt != nil {
		earned.Sub(earned, rewardDebt)
	}
	if earned.Sign() < 0 {
		return big.NewInt(0)
	}
	return earned
}

// Snapshot returns the reward-debt value for a position that now holds the
// supplied units. It must be taken immediately after every unit change.
func (p *RewardPool) Snapshot(units *big.Int) *big.Int {
	p.ensure()
	if units == nil || units.Sign() <= 0 {
		return big.NewInt(0)
	}
	return wadMul(units, p.PerUnit, false)
}

// Reset clears the accumulator. Called when the staked pool fully drains so
// the next depositor starts a fresh accounting epoch.
func (p *RewardPool) Reset() {
	p.ensure()
	p.PerUnit.SetInt64(0)
}

// Clone returns a deep copy of the pool.
func (p *RewardPool) Clone() *RewardPool {
	if p == nil {
		return NewRewardPool()
	}
	p.ensure()
	return &RewardPool{PerUnit: new(big.Int).Set(p.PerUnit)}
}

func (p *RewardPool) ensure() {
	if p.PerUnit == nil {
		p.PerUnit = big.NewInt(0)
	}
}
