package market

import "math/big"

// Rebase tracks the market-wide debt pool as a pair of totals: Base is the
// sum of proportional ownership units ever issued for principal, Elastic is
// the actual debt value including accrued interest. Conversions between the
// two are purely ratio based; interest accrual grows Elastic while Base is
// untouched, which is how every open position shares interest without a
// per-account loop.
type Rebase struct {
	Base    *big.Int
	Elastic *big.Int
}

// NewRebase returns an empty debt pool.
func NewRebase() *Rebase {
	return &Rebase{Base: big.NewInt(0), Elastic: big.NewInt(0)}
}

// ToElastic converts base units into the current debt value. While the pool
// is empty the conversion is one-to-one: the first borrower defines the
// unit.
func (r *Rebase) ToElastic(base *big.Int, roundUp bool) *big.Int {
	r.ensure()
	if base == nil || base.Sign() <= 0 {
		return big.NewInt(0)
	}
	if r.Base.Sign() == 0 {
		return new(big.Int).Set(base)
	}
	return mulDiv(base, r.Elastic, r.Base, roundUp)
}

// ToBase converts a debt value into base units at the current ratio.
func (r *Rebase) ToBase(elastic *big.Int, roundUp bool) *big.Int {
	r.ensure()
	if elastic == nil || elastic.Sign() <= 0 {
		return big.NewInt(0)
	}
	if r.Elastic.Sign() == 0 {
		return new(big.Int).Set(elastic)
	}
	return mulDiv(elastic, r.Base, r.Elastic, roundUp)
}

// Add books a new debt amount into the pool and returns the base units
// minted for it.
func (r *Rebase) Add(elastic *big.Int, roundUp bool) *big.Int {
	r.ensure()
	if elastic == nil || elastic.Sign() <= 0 {
		return big.NewInt(0)
	}
	base := r.ToBase(elastic, roundUp)
	r.Base.Add(r.Base, base)
	r.Elastic.Add(r.Elastic, elastic)
	return base
}

// Sub removes base units from the pool and returns the debt value they
// represented at the current ratio.
func (r *Rebase) Sub(base *big.Int, roundUp bool) *big.Int {
	r.ensure()
	if base == nil || base.Sign() <= 0 {
		return big.NewInt(0)
	}
	elastic := r.ToElastic(base, roundUp)
	r.Base.Sub(r.Base, base)
	r.Elastic.Sub(r.Elastic, elastic)
	r.clampEmpty()
	return elastic
}

// Reduce removes an explicit base/elastic pair from the pool. The elastic
// removal is capped at the current total so batched rounding across many
// accounts can never overshoot, and the pool snaps fully empty when the
// last base unit leaves.
func (r *Rebase) Reduce(base, elastic *big.Int) {
	r.ensure()
	if base != nil && base.Sign() > 0 {
		r.Base.Sub(r.Base, minBig(base, r.Base))
	}
	if elastic != nil && elastic.Sign() > 0 {
		r.Elastic.Sub(r.Elastic, minBig(elastic, r.Elastic))
	}
	r.clampEmpty()
}

// AddElastic grows the debt value without issuing base units. This is the
// interest accrual path.
func (r *Rebase) AddElastic(amount *big.Int) {
	r.ensure()
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	r.Elastic.Add(r.Elastic, amount)
}

// Clone returns a deep copy of the pool.
func (r *Rebase) Clone() *Rebase {
	if r == nil {
		return NewRebase()
	}
	r.ensure()
	return &Rebase{
		Base:    new(big.Int).Set(r.Base),
		Elastic: new(big.Int).Set(r.Elastic),
	}
}

func (r *Rebase) ensure() {
	if r.Base == nil {
		r.Base = big.NewInt(0)
	}
	if r.Elastic == nil {
		r.Elastic = big.NewInt(0)
	}
}

// clampEmpty enforces the base/elastic zero invariant: with no base units
// outstanding there is nobody left to owe the residual, so rounding dust is
// dropped rather than stranded.
func (r *Rebase) clampEmpty() {
	if r.Base.Sign() <= 0 {
		r.Base.SetInt64(0)
		r.Elastic.SetInt64(0)
	}
	if r.Elastic.Sign() < 0 {
		r.Elastic.SetInt64(0)
	}
}
