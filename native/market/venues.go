package market

import "math/big"

// PriceSource supplies the USD price for one whole unit of an asset,
// wad-scaled (18 decimals). The engine treats every returned price as
// untrusted input: non-positive values are rejected with
// ErrInvalidExchangeRate and failures surface immediately without retries,
// since a stale-but-available price is strictly worse than a rejected
// operation.
type PriceSource interface {
	QuoteUSD(asset string) (*big.Int, error)
}

// StakingVenue is the external yield farm staked-collateral markets route
// deposits through. Both calls return the yield harvested as a side effect;
// harvests are always yield-only, principal moves are exactly the requested
// amount. Stake with a zero amount is the harvest-only idiom used by reward
// claims.
//
// The venue is expected to transfer harvested yield into the market's
// custody before returning; the engine books it against the reward
// accumulator.
type StakingVenue interface {
	Stake(pool string, amount *big.Int) (harvested *big.Int, err error)
	Unstake(pool string, amount *big.Int) (harvested *big.Int, err error)
}

// ProceedsSwapper converts seized collateral into the debt unit on behalf
// of a liquidator. The swapper receives the collateral from the recipient's
// custody and the returned debt amount is credited to the liquidator so the
// closing burn can settle. Any error fails the whole liquidation batch.
type ProceedsSwapper interface {
	Swap(payload []byte, asset string, amount *big.Int) (*big.Int, error)
}
