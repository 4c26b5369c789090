package market

import (
	"math"
	"math/big"
)

var (
	basisPoints = big.NewInt(10_000)
	wad         = big.NewInt(1_000_000_000_000_000_000) // 1e18 fixed-point scale
	maxUint64   = new(big.Int).SetUint64(math.MaxUint64)
)

const wadDecimals = 18

// mulDiv computes x * y / denom with the caller-selected rounding direction.
// Negative or nil inputs read as zero; a zero denominator yields zero.
func mulDiv(x, y, denom *big.Int, roundUp bool) *big.Int {
	if x == nil || y == nil || denom == nil {
		return big.NewInt(0)
	}
	if x.Sign() <= 0 || y.Sign() <= 0 || denom.Sign() <= 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(x, y)
	quo, rem := new(big.Int).QuoRem(product, denom, new(big.Int))
	if roundUp && rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

func wadMul(x, y *big.Int, roundUp bool) *big.Int {
	return mulDiv(x, y, wad, roundUp)
}

func wadDiv(x, y *big.Int, roundUp bool) *big.Int {
	return mulDiv(x, wad, y, roundUp)
}

// bpsShare computes amount * bps / 10_000 with the selected rounding
// direction.
func bpsShare(amount *big.Int, bps uint64, roundUp bool) *big.Int {
	return mulDiv(amount, new(big.Int).SetUint64(bps), basisPoints, roundUp)
}

// normalizeToWad rescales an amount from the asset's native decimals to the
// 18-decimal accounting scale.
func normalizeToWad(amount *big.Int, decimals uint8) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	if decimals == wadDecimals {
		return new(big.Int).Set(amount)
	}
	if decimals < wadDecimals {
		scale := pow10(wadDecimals - decimals)
		return new(big.Int).Mul(amount, scale)
	}
	scale := pow10(decimals - wadDecimals)
	return new(big.Int).Quo(new(big.Int).Set(amount), scale)
}

// denormalizeFromWad rescales an 18-decimal amount back to the asset's native
// decimals with the selected rounding direction.
func denormalizeFromWad(amount *big.Int, decimals uint8, roundUp bool) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	if decimals == wadDecimals {
		return new(big.Int).Set(amount)
	}
	if decimals > wadDecimals {
		scale := pow10(decimals - wadDecimals)
		return new(big.Int).Mul(amount, scale)
	}
	scale := pow10(wadDecimals - decimals)
	quo, rem := new(big.Int).QuoRem(new(big.Int).Set(amount), scale, new(big.Int))
	if roundUp && rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

func pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// saturateUint64 narrows a big integer to uint64, clamping at the type
// bounds instead of wrapping.
func saturateUint64(value *big.Int) uint64 {
	if value == nil || value.Sign() <= 0 {
		return 0
	}
	if value.Cmp(maxUint64) > 0 {
		return math.MaxUint64
	}
	return value.Uint64()
}

func minBig(a, b *big.Int) *big.Int {
	if a == nil {
		return cloneOrZero(b)
	}
	if b == nil {
		return cloneOrZero(a)
	}
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
